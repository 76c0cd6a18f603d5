package discovery

import (
	"log"

	"github.com/lxe133/masterdisco/internal/responder"
	"github.com/lxe133/masterdisco/internal/txtcodec"
)

// registrationState is the Peer Registration state machine of spec.md
// §4.4: Unpublished, Publishing, Published, Collided.
type registrationState int

const (
	registrationUnpublished registrationState = iota
	registrationPublishing
	registrationPublished
	registrationCollided
)

func (s registrationState) String() string {
	switch s {
	case registrationUnpublished:
		return "unpublished"
	case registrationPublishing:
		return "publishing"
	case registrationPublished:
		return "published"
	case registrationCollided:
		return "collided"
	default:
		return "unknown"
	}
}

// localMaster is the record a registration publishes: service name plus
// the port and TXT contents to advertise.
type localMaster struct {
	Name string
	Port uint16
	TXT  txtcodec.Record
}

func (m localMaster) equal(other localMaster) bool {
	return m.Name == other.Name && m.Port == other.Port && m.TXT == other.TXT
}

// registration owns the lifecycle of one local master's DNS-SD
// advertisement. There is exactly one registration per Discovery Agent,
// matching spec.md §4.4's "per local master".
type registration struct {
	client      responder.Client
	serviceType string
	domain      string

	state   registrationState
	handle  responder.Handle
	current localMaster
	pending *localMaster // buffered while responder not Running

	onCollision func(error)
}

func newRegistration(client responder.Client, serviceType, domain string, onCollision func(error)) *registration {
	return &registration{
		client:      client,
		serviceType: serviceType,
		domain:      domain,
		state:       registrationUnpublished,
		onCollision: onCollision,
	}
}

// registerOrUpdate implements spec.md §4.4's RegisterOrUpdate(R). Must be
// called from the Discovery Agent's loop goroutine.
func (r *registration) registerOrUpdate(m localMaster) {
	if r.state == registrationPublished && r.current.equal(m) {
		return
	}

	if r.client.State() != responder.StateRunning {
		r.pending = &m
		return
	}

	switch {
	case r.state == registrationPublished && r.current.Name == m.Name && r.current.Port == m.Port && r.current.TXT.Scope == m.TXT.Scope:
		// Only TXT (e.g. priority) differs: in-place update.
		if err := r.client.UpdateTxt(r.handle, m.TXT); err != nil {
			log.Printf("discovery: UpdateTxt failed: %v", err)
			r.startNew(m)
			return
		}
		r.current = m
	case r.state == registrationPublished && (r.current.TXT.Scope != m.TXT.Scope || r.current.Port != m.Port):
		// Scope or port change: un-publish and re-publish (under the new
		// subtype, for a scope change).
		r.unpublish()
		r.startNew(m)
	default:
		r.startNew(m)
	}
}

func (r *registration) startNew(m localMaster) {
	r.state = registrationPublishing
	r.current = m
	subtype := subtypeForScope(m.TXT.Scope)
	h, err := r.client.StartRegister(0, responder.ProtoIPv4, m.Name, r.serviceType, subtype, m.Port, m.TXT, r.onRegisterEvent)
	if err != nil {
		// StartRegister may report the collision synchronously as well
		// as via callback; avoid double-handling.
		return
	}
	r.handle = h
}

func (r *registration) onRegisterEvent(ev responder.RegisterEvent) {
	switch ev.Status {
	case responder.Registered:
		r.state = registrationPublished
	case responder.NameCollision:
		r.state = registrationCollided
		if r.onCollision != nil {
			r.onCollision(ev.Err)
		}
	case responder.RegisterFailed:
		r.state = registrationUnpublished
		log.Printf("discovery: registration failed: %v", ev.Err)
	}
}

// onResponderRunning re-publishes any buffered registration once the
// responder transitions into Running.
func (r *registration) onResponderRunning() {
	if r.pending == nil {
		return
	}
	m := *r.pending
	r.pending = nil
	r.registerOrUpdate(m)
}

// onResponderDown tears down any active registration; it will be
// re-published on the next Running transition by buffering the last
// known master.
func (r *registration) onResponderDown() {
	if r.state == registrationPublished || r.state == registrationPublishing {
		last := r.current
		r.unpublish()
		r.pending = &last
	}
}

func (r *registration) unpublish() {
	if r.handle != responder.NilHandle {
		_ = r.client.Close(r.handle)
		r.handle = responder.NilHandle
	}
	r.state = registrationUnpublished
}

// close closes any active handle unconditionally, per spec.md §4.4's "on
// shutdown all handles are closed before the event loop stops."
func (r *registration) close() {
	r.unpublish()
}

func subtypeForScope(scope string) string {
	if scope == "" {
		return ""
	}
	return "_" + scope + "._sub"
}
