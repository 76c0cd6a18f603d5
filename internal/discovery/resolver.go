package discovery

import (
	"log"

	"github.com/lxe133/masterdisco/internal/responder"
	"github.com/lxe133/masterdisco/internal/txtcodec"
)

// resolverState is the Peer Resolver state machine of spec.md §4.3.
type resolverState int

const (
	resolverIdle resolverState = iota
	resolverResolving
	resolverAddressing
	resolverReady
	resolverFailed
	resolverClosed
)

func (s resolverState) String() string {
	switch s {
	case resolverIdle:
		return "idle"
	case resolverResolving:
		return "resolving"
	case resolverAddressing:
		return "addressing"
	case resolverReady:
		return "ready"
	case resolverFailed:
		return "failed"
	case resolverClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// peerResolver drives one PeerKey from a raw browse ADD through to a
// resolved PeerRecord, suppressing duplicate emissions (edge-triggered,
// per spec.md §4.3). It resolves once per start; a later TXT or address
// change of the peer does not trigger a new resolve.
type peerResolver struct {
	key    PeerKey
	client responder.Client

	state   resolverState
	handle  responder.Handle
	lastEmitted *PeerRecord

	serviceType, domain string

	onChanged func(PeerKey, PeerRecord)
}

func newPeerResolver(key PeerKey, client responder.Client, serviceType, domain string, onChanged func(PeerKey, PeerRecord)) *peerResolver {
	return &peerResolver{
		key:         key,
		client:      client,
		state:       resolverIdle,
		serviceType: serviceType,
		domain:      domain,
		onChanged:   onChanged,
	}
}

// start transitions Idle -> Resolving by issuing StartResolve. Must be
// called from the Discovery Agent's loop goroutine.
func (r *peerResolver) start() {
	if r.state != resolverIdle {
		return
	}
	r.state = resolverResolving
	h, err := r.client.StartResolve(r.key.Interface, r.key.Protocol, r.key.ServiceName, r.serviceType, r.domain, r.onResolveEvent)
	if err != nil {
		log.Printf("discovery: resolve failed for %s: %v", r.key, err)
		r.state = resolverFailed
		return
	}
	r.handle = h
}

// onResolveEvent is the responder.Client callback. It always runs on the
// Discovery Agent's loop goroutine because every Client implementation is
// required to invoke callbacks from the thread that owns it.
func (r *peerResolver) onResolveEvent(ev responder.ResolveEvent) {
	if r.state == resolverClosed {
		return
	}
	if !ev.OK {
		log.Printf("discovery: resolve failure for %s: %v", r.key, ev.Err)
		r.state = resolverFailed
		return
	}
	if ev.Host == nil || ev.Host.To4() == nil {
		// Address family filter: only IPv4 results are accepted.
		return
	}

	r.state = resolverAddressing
	txt, err := txtcodec.DecodeStrings(ev.TXT)
	if err != nil {
		log.Printf("discovery: malformed TXT for %s: %v", r.key, err)
		r.state = resolverFailed
		return
	}

	record := PeerRecord{
		Key:      r.key,
		Host:     ev.Host.String(),
		Port:     ev.Port,
		Priority: txt.Priority,
		Scope:    txt.Scope,
	}
	r.state = resolverReady
	r.emit(record)
}

func (r *peerResolver) emit(record PeerRecord) {
	if r.lastEmitted != nil && r.lastEmitted.Equal(record) {
		return
	}
	copyRecord := record
	r.lastEmitted = &copyRecord
	if r.onChanged != nil {
		r.onChanged(r.key, record)
	}
}

// lastRecord returns the most recently emitted record, if any. Used by the
// Agent to populate PeerRemoved on a browse REMOVE.
func (r *peerResolver) lastRecord() (PeerRecord, bool) {
	if r.lastEmitted == nil {
		return PeerRecord{}, false
	}
	return *r.lastEmitted, true
}

// close releases the resolve handle and marks the resolver terminal.
func (r *peerResolver) close() {
	if r.state == resolverClosed {
		return
	}
	r.state = resolverClosed
	if r.handle != responder.NilHandle {
		_ = r.client.Close(r.handle)
	}
}
