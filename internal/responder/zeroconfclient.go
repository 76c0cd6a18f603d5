package responder

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/lxe133/masterdisco/internal/txtcodec"
)

// removalGrace is how long past its TTL a browsed instance may go unseen
// before the ZeroconfClient synthesizes a BrowseRemoved event for it; it
// also stands in for the TTL of an entry that carries none.
//
// github.com/grandcat/zeroconf's Browse only delivers additions; it has
// no native "instance retracted" notification. We get REMOVE semantics
// (required by spec.md §4.5) by re-querying periodically and expiring
// entries that stop being reported, the same pattern the teacher's
// internal/discovery.performBrowse uses (a fresh Browse call every few
// seconds) but carried through to its logical conclusion with a diff.
const removalGrace = 20 * time.Second

const browseInterval = 5 * time.Second

var zeroconfLog = log.New(logOutput, "[responder] ", log.LstdFlags)

// logOutput is the default writer for the responder package's logger.
// Tests may not need to change it; cmd/e133master and cmd/e133client may
// redirect it via SetLogOutput.
var logOutput = defaultLogOutput()

// ZeroconfClient is the production Client backend, talking to the host
// mDNS responder through github.com/grandcat/zeroconf.
type ZeroconfClient struct {
	mu      sync.Mutex
	state   State
	onState func(State)

	// servers and browses are keyed by the Handle returned from
	// StartRegister/StartBrowse respectively, so Close(h) only tears down
	// the one resource h identifies instead of every active registration
	// or browse the client happens to be running.
	servers map[Handle]*zeroconf.Server
	browses map[Handle]context.CancelFunc

	seen map[string]seenEntry // instance name -> last seen

	ifaces []net.Interface
}

type seenEntry struct {
	lastSeen time.Time
	ttl      time.Duration
	iface    int
	proto    AddressFamily
	svcType  string
	domain   string
}

// NewZeroconfClient returns a ZeroconfClient restricted to the given
// interfaces (nil means "all interfaces", as in the teacher's
// discovery.startMDNS). The client starts in StateRunning: zeroconf has
// no separate connect handshake, unlike Bonjour/Avahi's daemon socket,
// so there is nothing to wait on before registrations may commit.
func NewZeroconfClient(ifaces []net.Interface) *ZeroconfClient {
	return &ZeroconfClient{
		state:   StateRunning,
		servers: make(map[Handle]*zeroconf.Server),
		browses: make(map[Handle]context.CancelFunc),
		seen:    make(map[string]seenEntry),
		ifaces:  ifaces,
	}
}

func (c *ZeroconfClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ZeroconfClient) OnStateChange(f func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = f
}

func (c *ZeroconfClient) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	cb := c.onState
	c.mu.Unlock()
	if changed && cb != nil {
		cb(s)
	}
}

// StartBrowse begins a repeating browse for serviceType (optionally
// narrowed to subtype) and diffs successive result sets to synthesize
// add/remove events.
func (c *ZeroconfClient) StartBrowse(serviceType, subtype string, onEvent func(BrowseEvent)) (Handle, error) {
	if c.State() != StateRunning {
		return NilHandle, ErrResponderUnavailable
	}

	svc := serviceType
	if subtype != "" {
		svc = fmt.Sprintf("%s,%s", serviceType, subtype)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := newHandle()
	c.mu.Lock()
	c.browses[h] = cancel
	c.mu.Unlock()

	go c.browseLoop(ctx, svc, onEvent)
	return h, nil
}

func (c *ZeroconfClient) browseLoop(ctx context.Context, svc string, onEvent func(BrowseEvent)) {
	ticker := time.NewTicker(browseInterval)
	defer ticker.Stop()

	c.runBrowseCycle(ctx, svc, onEvent)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runBrowseCycle(ctx, svc, onEvent)
			c.expireStale(onEvent)
		}
	}
}

// runBrowseCycle runs one browse pass and reflects its outcome into the
// client's State, so a host responder that stops answering queries
// surfaces as a Running->Failed transition (spec.md §4.1) rather than
// only a log line, and recovers back to Running on the next successful
// pass.
func (c *ZeroconfClient) runBrowseCycle(ctx context.Context, svc string, onEvent func(BrowseEvent)) {
	if err := c.runBrowseOnce(ctx, svc, onEvent); err != nil {
		zeroconfLog.Printf("browse: %v", err)
		c.setState(StateFailed)
		return
	}
	c.setState(StateRunning)
}

func (c *ZeroconfClient) runBrowseOnce(ctx context.Context, svc string, onEvent func(BrowseEvent)) error {
	resolver, err := zeroconf.NewResolver(zeroconf.SelectIfaces(c.ifaces))
	if err != nil {
		return fmt.Errorf("new resolver: %w", err)
	}

	browseCtx, browseCancel := context.WithTimeout(ctx, 2*time.Second)
	defer browseCancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			c.observe(entry, onEvent)
		}
	}()

	if err := resolver.Browse(browseCtx, svc, "local.", entries); err != nil {
		close(entries)
		<-done
		return fmt.Errorf("browse: %w", err)
	}

	select {
	case <-browseCtx.Done():
	case <-done:
	}
	return nil
}

func (c *ZeroconfClient) observe(entry *zeroconf.ServiceEntry, onEvent func(BrowseEvent)) {
	ttl := time.Duration(entry.TTL) * time.Second
	if ttl <= 0 {
		ttl = removalGrace
	}

	c.mu.Lock()
	_, existed := c.seen[entry.Instance]
	c.seen[entry.Instance] = seenEntry{
		lastSeen: time.Now(),
		ttl:      ttl,
		iface:    0,
		proto:    ProtoIPv4,
		svcType:  entry.Service,
		domain:   entry.Domain,
	}
	c.mu.Unlock()

	if !existed {
		onEvent(BrowseEvent{
			Op:           BrowseAdded,
			Interface:    0,
			Protocol:     ProtoIPv4,
			InstanceName: entry.Instance,
			ServiceType:  entry.Service,
			Domain:       entry.Domain,
		})
	}
}

func (c *ZeroconfClient) expireStale(onEvent func(BrowseEvent)) {
	now := time.Now()
	var removed []seenEntry
	var removedNames []string

	c.mu.Lock()
	for name, e := range c.seen {
		if now.Sub(e.lastSeen) > e.ttl+removalGrace {
			removed = append(removed, e)
			removedNames = append(removedNames, name)
			delete(c.seen, name)
		}
	}
	c.mu.Unlock()

	for i, e := range removed {
		onEvent(BrowseEvent{
			Op:           BrowseRemoved,
			Interface:    e.iface,
			Protocol:     e.proto,
			InstanceName: removedNames[i],
			ServiceType:  e.svcType,
			Domain:       e.domain,
		})
	}
}

// StartResolve resolves a single instance by re-running a targeted
// browse and matching on instance name; zeroconf has no per-instance
// resolve primitive distinct from Browse, so we drive it the same way
// the teacher's Lookup() does: one Browse call, matched and discarded.
func (c *ZeroconfClient) StartResolve(iface int, proto AddressFamily, name, serviceType, domain string, onEvent func(ResolveEvent)) (Handle, error) {
	if c.State() != StateRunning {
		return NilHandle, ErrResponderUnavailable
	}
	if proto != ProtoIPv4 {
		onEvent(ResolveEvent{OK: false, Err: fmt.Errorf("responder: unsupported address family")})
		return newHandle(), nil
	}

	h := newHandle()
	go func() {
		resolver, err := zeroconf.NewResolver(zeroconf.SelectIfaces(c.ifaces))
		if err != nil {
			onEvent(ResolveEvent{OK: false, Err: err})
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		entries := make(chan *zeroconf.ServiceEntry, 4)
		found := make(chan *zeroconf.ServiceEntry, 1)
		go func() {
			for entry := range entries {
				if entry.Instance == name {
					select {
					case found <- entry:
					default:
					}
				}
			}
		}()

		if err := resolver.Browse(ctx, serviceType, domain, entries); err != nil {
			onEvent(ResolveEvent{OK: false, Err: err})
			return
		}

		select {
		case entry := <-found:
			ip := firstIPv4(entry.AddrIPv4)
			if ip == nil {
				onEvent(ResolveEvent{OK: false, Err: fmt.Errorf("responder: no IPv4 address for %s", name)})
				return
			}
			onEvent(ResolveEvent{OK: true, Host: ip, Port: uint16(entry.Port), TXT: entry.Text})
		case <-ctx.Done():
			onEvent(ResolveEvent{OK: false, Err: fmt.Errorf("responder: resolve timed out for %s", name)})
		}
	}()
	return h, nil
}

func firstIPv4(ips []net.IP) net.IP {
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}

// StartRegister publishes a local master entry.
func (c *ZeroconfClient) StartRegister(iface int, proto AddressFamily, name, serviceType, subtype string, port uint16, txt txtcodec.Record, onEvent func(RegisterEvent)) (Handle, error) {
	if c.State() != StateRunning {
		return NilHandle, ErrResponderUnavailable
	}

	svc := serviceType
	if subtype != "" {
		svc = fmt.Sprintf("%s,%s", serviceType, subtype)
	}

	server, err := zeroconf.Register(name, svc, "local.", int(port), txt.ToStrings(), c.ifaces)
	if err != nil {
		if isNameCollision(err) {
			onEvent(RegisterEvent{Status: NameCollision, Err: err})
		} else {
			onEvent(RegisterEvent{Status: RegisterFailed, Err: err})
			c.setState(StateFailed)
		}
		return NilHandle, err
	}

	h := newHandle()
	c.mu.Lock()
	c.servers[h] = server
	c.mu.Unlock()

	onEvent(RegisterEvent{Status: Registered})
	return h, nil
}

func isNameCollision(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "collision")
}

// UpdateTxt replaces the TXT record of the registration identified by h.
func (c *ZeroconfClient) UpdateTxt(h Handle, txt txtcodec.Record) error {
	c.mu.Lock()
	server := c.servers[h]
	c.mu.Unlock()
	if server == nil {
		return fmt.Errorf("responder: no active registration for handle")
	}
	server.SetText(txt.ToStrings())
	return nil
}

// Close releases the browse or registration identified by h, leaving
// every other active handle untouched. Close is idempotent.
func (c *ZeroconfClient) Close(h Handle) error {
	c.mu.Lock()
	server, hadServer := c.servers[h]
	delete(c.servers, h)
	cancel, hadBrowse := c.browses[h]
	delete(c.browses, h)
	c.mu.Unlock()

	if hadServer {
		server.Shutdown()
	}
	if hadBrowse {
		cancel()
	}
	return nil
}
