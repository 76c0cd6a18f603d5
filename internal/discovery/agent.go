package discovery

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lxe133/masterdisco/internal/eventloop"
	"github.com/lxe133/masterdisco/internal/responder"
	"github.com/lxe133/masterdisco/internal/txtcodec"
)

const (
	// ServiceType is the DNS-SD service type on the wire, per spec.md §6.
	ServiceType = "_draft-e133-master._tcp"
	// Domain is the only domain this system browses or registers in.
	Domain = "local."
)

// PeerEventKind distinguishes PeerAdded from PeerRemoved.
type PeerEventKind int

const (
	PeerAdded PeerEventKind = iota
	PeerRemoved
)

func (k PeerEventKind) String() string {
	if k == PeerAdded {
		return "added"
	}
	return "removed"
}

// PeerEventCallback is invoked on the Agent's loop goroutine for every
// PeerAdded/PeerRemoved transition, per spec.md §4.5. Implementations must
// not block; re-submit to their own loop if they need to do work.
type PeerEventCallback func(kind PeerEventKind, record PeerRecord)

// trackedPeer pairs a peerIdentity's resolver with the set of interfaces
// currently announcing it. A peer seen on two interfaces has two entries
// in that set but still only one resolver and one PeerAdded/PeerRemoved
// pair; the resolver is only closed and PeerRemoved only emitted once the
// set empties, per spec.md §8 S4.
type trackedPeer struct {
	resolver   *peerResolver
	interfaces map[int]struct{}
}

// Agent is the Discovery Agent of spec.md §4.5: a dedicated event-loop
// thread hosting the Responder Client, the Peer Resolver set, and the
// single local Peer Registration.
type Agent struct {
	client      responder.Client
	loop        *eventloop.Loop
	scope       string
	onPeerEvent PeerEventCallback

	resolversMu sync.Mutex
	resolvers   map[peerIdentity]*trackedPeer

	reg *registration

	browseHandle responder.Handle
	browsing     bool

	loopDone chan struct{}
}

// New constructs a Discovery Agent bound to client, browsing and
// registering within scope. onPeerEvent may be nil.
func New(client responder.Client, scope string, onPeerEvent PeerEventCallback) *Agent {
	a := &Agent{
		client:      client,
		loop:        eventloop.New(20 * time.Millisecond),
		scope:       scope,
		onPeerEvent: onPeerEvent,
		resolvers:   make(map[peerIdentity]*trackedPeer),
	}
	a.reg = newRegistration(client, ServiceType, Domain, a.onRegistrationCollision)
	return a
}

// Start launches the agent's loop thread and begins browsing. Start must
// be called at most once.
func (a *Agent) Start() {
	a.loopDone = make(chan struct{})
	go func() {
		defer close(a.loopDone)
		a.loop.Run()
	}()

	a.client.OnStateChange(func(s responder.State) {
		a.loop.Submit(func() { a.handleStateChange(s) })
	})

	a.loop.Submit(func() {
		a.handleStateChange(a.client.State())
	})
}

// Stop tears down all browses, resolvers, and the local registration, then
// terminates the loop. Stop guarantees no further callbacks after it
// returns (spec.md §5).
func (a *Agent) Stop() {
	done := make(chan struct{})
	a.loop.Submit(func() {
		a.teardownBrowse()
		a.reg.close()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Printf("discovery: Stop timed out waiting for agent loop teardown")
	}
	a.loop.Terminate()
	<-a.loopDone
}

// RegisterMaster publishes or updates the local master's advertisement.
// Safe to call from any thread; the mutation is marshaled onto the agent
// loop.
func (a *Agent) RegisterMaster(name string, port uint16, priority uint8) {
	a.loop.Submit(func() {
		a.reg.registerOrUpdate(localMaster{
			Name: name,
			Port: port,
			TXT: txtcodec.Record{
				Priority: priority,
				Scope:    a.scope,
			},
		})
	})
}

// DeRegisterMaster withdraws the local master's advertisement. Safe to
// call from any thread.
func (a *Agent) DeRegisterMaster() {
	a.loop.Submit(func() {
		a.reg.unpublish()
	})
}

// SetScope changes the browse/registration scope. Changing scope while
// running is disruptive: the current browse and any live registration are
// torn down and restarted under the new scope's subtype. Safe to call from
// any thread.
func (a *Agent) SetScope(scope string) {
	a.loop.Submit(func() {
		if a.scope == scope {
			return
		}
		a.scope = scope
		a.teardownBrowse()
		a.resetResolvers()
		if a.client.State() == responder.StateRunning {
			a.startBrowse()
		}
		if a.reg.current.Name != "" {
			m := a.reg.current
			m.TXT.Scope = scope
			a.reg.unpublish()
			a.reg.registerOrUpdate(m)
		}
	})
}

func (a *Agent) handleStateChange(s responder.State) {
	if s == responder.StateRunning {
		a.startBrowse()
		a.reg.onResponderRunning()
		return
	}
	// Running->!Running: tear down browse and all resolvers without
	// emitting PeerRemoved. Ownership of reconciling the peer list on
	// reconnect belongs to the Supervisor (spec.md §4.5, §9).
	a.teardownBrowse()
	a.resetResolvers()
	a.reg.onResponderDown()
}

func (a *Agent) startBrowse() {
	if a.browsing {
		return
	}
	subtype := subtypeForScope(a.scope)
	h, err := a.client.StartBrowse(ServiceType, subtype, func(ev responder.BrowseEvent) {
		a.loop.Submit(func() { a.handleBrowseEvent(ev) })
	})
	if err != nil {
		log.Printf("discovery: StartBrowse failed: %v", err)
		return
	}
	a.browseHandle = h
	a.browsing = true
}

func (a *Agent) teardownBrowse() {
	if !a.browsing {
		return
	}
	_ = a.client.Close(a.browseHandle)
	a.browseHandle = responder.NilHandle
	a.browsing = false
}

func (a *Agent) resetResolvers() {
	a.resolversMu.Lock()
	resolvers := a.resolvers
	a.resolvers = make(map[peerIdentity]*trackedPeer)
	a.resolversMu.Unlock()

	for _, tp := range resolvers {
		tp.resolver.close()
	}
}

func (a *Agent) handleBrowseEvent(ev responder.BrowseEvent) {
	key := PeerKey{
		Interface:   ev.Interface,
		Protocol:    ev.Protocol,
		ServiceName: ev.InstanceName,
		ServiceType: ev.ServiceType,
		Domain:      ev.Domain,
	}
	id := key.identity()

	switch ev.Op {
	case responder.BrowseAdded:
		a.resolversMu.Lock()
		tp, exists := a.resolvers[id]
		if exists {
			tp.interfaces[ev.Interface] = struct{}{}
			a.resolversMu.Unlock()
			// Same instance already tracked from another interface (or a
			// re-announce on the same one); the existing resolver and its
			// PeerAdded already cover it.
			return
		}
		r := newPeerResolver(key, a.client, ev.ServiceType, ev.Domain, a.onPeerResolverChanged)
		a.resolvers[id] = &trackedPeer{
			resolver:   r,
			interfaces: map[int]struct{}{ev.Interface: {}},
		}
		a.resolversMu.Unlock()
		r.start()

	case responder.BrowseRemoved:
		a.resolversMu.Lock()
		tp, exists := a.resolvers[id]
		if !exists {
			a.resolversMu.Unlock()
			return
		}
		delete(tp.interfaces, ev.Interface)
		stillSeen := len(tp.interfaces) > 0
		if !stillSeen {
			delete(a.resolvers, id)
		}
		a.resolversMu.Unlock()
		if stillSeen {
			// Still announced on at least one other interface; no
			// PeerRemoved until the last one retracts it too.
			return
		}
		record, hadRecord := tp.resolver.lastRecord()
		tp.resolver.close()
		if hadRecord {
			a.emitPeerEvent(PeerRemoved, record)
		}
	}
}

func (a *Agent) onPeerResolverChanged(key PeerKey, record PeerRecord) {
	a.emitPeerEvent(PeerAdded, record)
}

func (a *Agent) emitPeerEvent(kind PeerEventKind, record PeerRecord) {
	if a.onPeerEvent != nil {
		a.onPeerEvent(kind, record)
	}
}

func (a *Agent) onRegistrationCollision(err error) {
	log.Printf("discovery: name collision registering local master: %v", err)
}

// String is used in log messages identifying this agent by scope.
func (a *Agent) String() string {
	return fmt.Sprintf("discovery.Agent{scope=%s}", a.scope)
}
