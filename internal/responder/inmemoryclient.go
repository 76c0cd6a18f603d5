package responder

import (
	"fmt"
	"net"
	"sync"

	"github.com/lxe133/masterdisco/internal/txtcodec"
)

// InMemoryClient is the deterministic test double for Client, named
// InMemoryTestBackend in spec.md §9. Tests drive it directly with
// Publish/Retract instead of real multicast traffic.
type InMemoryClient struct {
	mu    sync.Mutex
	state State

	onState func(State)

	browseEvent func(BrowseEvent)
	browseSvc   string

	registrations map[Handle]*inMemoryRegistration
	instances     map[string]*inMemoryInstance // keyed by instance name
}

type inMemoryRegistration struct {
	name     string
	port     uint16
	txt      txtcodec.Record
	onEvent  func(RegisterEvent)
	collided bool
}

type inMemoryInstance struct {
	// ifaces is the set of interfaces currently announcing this instance.
	// Publish adds to it; RetractInterface removes one at a time, so a
	// test can simulate the same peer going quiet on one interface while
	// it is still seen on another.
	ifaces      map[int]struct{}
	proto       AddressFamily
	name        string
	serviceType string
	domain      string
	host        string
	port        uint16
	txt         txtcodec.Record
}

// NewInMemoryClient returns an InMemoryClient starting in StateRunning.
func NewInMemoryClient() *InMemoryClient {
	return &InMemoryClient{
		state:         StateRunning,
		registrations: make(map[Handle]*inMemoryRegistration),
		instances:     make(map[string]*inMemoryInstance),
	}
}

func (c *InMemoryClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *InMemoryClient) OnStateChange(f func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = f
}

// SetState lets a test force a host-responder state transition, e.g. to
// exercise the Running->!Running teardown path of spec.md §4.5.
func (c *InMemoryClient) SetState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	cb := c.onState
	c.mu.Unlock()
	if changed && cb != nil {
		cb(s)
	}
}

func (c *InMemoryClient) StartBrowse(serviceType, subtype string, onEvent func(BrowseEvent)) (Handle, error) {
	if c.State() != StateRunning {
		return NilHandle, ErrResponderUnavailable
	}
	c.mu.Lock()
	c.browseEvent = onEvent
	c.browseSvc = serviceType
	instances := make([]*inMemoryInstance, 0, len(c.instances))
	for _, inst := range c.instances {
		instances = append(instances, inst)
	}
	c.mu.Unlock()

	for _, inst := range instances {
		for iface := range inst.ifaces {
			onEvent(BrowseEvent{
				Op:           BrowseAdded,
				Interface:    iface,
				Protocol:     inst.proto,
				InstanceName: inst.name,
				ServiceType:  inst.serviceType,
				Domain:       inst.domain,
			})
		}
	}
	return newHandle(), nil
}

func (c *InMemoryClient) StartResolve(iface int, proto AddressFamily, name, serviceType, domain string, onEvent func(ResolveEvent)) (Handle, error) {
	if c.State() != StateRunning {
		return NilHandle, ErrResponderUnavailable
	}
	c.mu.Lock()
	inst, ok := c.instances[name]
	c.mu.Unlock()
	if !ok {
		onEvent(ResolveEvent{OK: false, Err: fmt.Errorf("responder: no such instance %q", name)})
		return newHandle(), nil
	}
	if proto != ProtoIPv4 {
		onEvent(ResolveEvent{OK: false, Err: fmt.Errorf("responder: unsupported address family")})
		return newHandle(), nil
	}
	onEvent(ResolveEvent{
		OK:   true,
		Host: net.ParseIP(inst.host),
		Port: inst.port,
		TXT:  inst.txt.ToStrings(),
	})
	return newHandle(), nil
}

func (c *InMemoryClient) StartRegister(iface int, proto AddressFamily, name, serviceType, subtype string, port uint16, txt txtcodec.Record, onEvent func(RegisterEvent)) (Handle, error) {
	if c.State() != StateRunning {
		return NilHandle, ErrResponderUnavailable
	}

	c.mu.Lock()
	for _, r := range c.registrations {
		if r.name == name && !r.collided {
			c.mu.Unlock()
			onEvent(RegisterEvent{Status: NameCollision, Err: fmt.Errorf("responder: name %q already registered", name)})
			return NilHandle, fmt.Errorf("responder: name %q already registered", name)
		}
	}
	h := newHandle()
	c.registrations[h] = &inMemoryRegistration{name: name, port: port, txt: txt, onEvent: onEvent}
	c.mu.Unlock()

	onEvent(RegisterEvent{Status: Registered})
	return h, nil
}

func (c *InMemoryClient) UpdateTxt(h Handle, txt txtcodec.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.registrations[h]
	if !ok {
		return fmt.Errorf("responder: unknown handle")
	}
	r.txt = txt
	return nil
}

// Close releases a registration handle. Browse and resolve handles are
// not tracked, so closing one has no effect: an active browse keeps
// receiving Publish/Retract events until StartBrowse replaces it.
func (c *InMemoryClient) Close(h Handle) error {
	c.mu.Lock()
	delete(c.registrations, h)
	c.mu.Unlock()
	return nil
}

// Publish makes a synthetic service instance visible to any active
// browse and resolvable by name, simulating a peer's mDNS announcement
// arriving over the network. Calling it again for the same name with a
// different iface simulates the same instance also being heard on a
// second interface, without withdrawing the first.
func (c *InMemoryClient) Publish(iface int, name, serviceType, domain, host string, port uint16, txt txtcodec.Record) {
	c.mu.Lock()
	inst, ok := c.instances[name]
	if !ok {
		inst = &inMemoryInstance{ifaces: make(map[int]struct{})}
		c.instances[name] = inst
	}
	inst.ifaces[iface] = struct{}{}
	inst.proto = ProtoIPv4
	inst.name = name
	inst.serviceType = serviceType
	inst.domain = domain
	inst.host = host
	inst.port = port
	inst.txt = txt
	cb := c.browseEvent
	c.mu.Unlock()

	if cb != nil {
		cb(BrowseEvent{
			Op:           BrowseAdded,
			Interface:    iface,
			Protocol:     ProtoIPv4,
			InstanceName: name,
			ServiceType:  serviceType,
			Domain:       domain,
		})
	}
}

// Retract simulates a peer's mDNS announcement expiring or being
// withdrawn on every interface it was seen on at once.
func (c *InMemoryClient) Retract(name string) {
	c.mu.Lock()
	inst, ok := c.instances[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	ifaces := make([]int, 0, len(inst.ifaces))
	for i := range inst.ifaces {
		ifaces = append(ifaces, i)
	}
	delete(c.instances, name)
	cb := c.browseEvent
	c.mu.Unlock()

	if cb == nil {
		return
	}
	for _, iface := range ifaces {
		cb(BrowseEvent{
			Op:           BrowseRemoved,
			Interface:    iface,
			Protocol:     inst.proto,
			InstanceName: inst.name,
			ServiceType:  inst.serviceType,
			Domain:       inst.domain,
		})
	}
}

// RetractInterface simulates a peer's announcement going quiet on just
// one interface, leaving any other interface it is also announced on
// untouched. This is what real multi-homed withdrawal looks like: each
// interface's goodbye arrives independently.
func (c *InMemoryClient) RetractInterface(iface int, name string) {
	c.mu.Lock()
	inst, ok := c.instances[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(inst.ifaces, iface)
	if len(inst.ifaces) == 0 {
		delete(c.instances, name)
	}
	cb := c.browseEvent
	c.mu.Unlock()

	if cb == nil {
		return
	}
	cb(BrowseEvent{
		Op:           BrowseRemoved,
		Interface:    iface,
		Protocol:     inst.proto,
		InstanceName: inst.name,
		ServiceType:  inst.serviceType,
		Domain:       inst.domain,
	})
}
