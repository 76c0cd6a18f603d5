package election

import (
	"bufio"
	"log"
	"net"
	"sync"
	"time"

	"github.com/lxe133/masterdisco/internal/eventloop"
	"github.com/lxe133/masterdisco/internal/transport"
)

const (
	// byteAssertMaster and byteNotMaster are the single-byte frames of
	// spec.md §4.7's master-assertion wire protocol.
	byteAssertMaster byte = 0x6D // 'm'
	byteNotMaster    byte = 0x62 // 'b'

	heartbeatInterval = 1 * time.Second
)

// LocalAddressSource reports the local node's own IPv4 addresses, used by
// the self-master check in isSelfMaster. Injected so tests can avoid real
// interface enumeration.
type LocalAddressSource func() []net.IP

type connection struct {
	conn net.Conn
	addr Address
}

type client struct {
	conn net.Conn
	addr Address
}

// Supervisor is the Election & Connection Supervisor of spec.md §4.7. It
// owns the PeerTable, the outbound TCP Connector used to reach other
// master candidates, and an inbound listener used to serve the
// master-assertion heartbeat to connected clients (spec.md §6's "server
// role").
type Supervisor struct {
	loop      *eventloop.Loop
	table     *PeerTable
	connector *Connector
	policy    PolicyFactory

	listenPort  int
	localAddrs  LocalAddressSource

	mu             sync.Mutex
	sockets        map[string]*connection // keyed by ServiceName
	assertedMaster Address

	listener   *transport.Listener
	listenerMu sync.Mutex
	clients    map[*client]struct{}

	standalone bool

	loopDone chan struct{}
}

// SetStandalone, when enabled, makes isSelfMaster always report true
// regardless of the PeerTable. A master started with watch_masters=false
// never learns of competing candidates, so it has no basis for comparison
// and simply asserts itself (spec.md §6's --watch_masters flag).
func (s *Supervisor) SetStandalone(standalone bool) {
	s.standalone = standalone
}

// NewSupervisor returns a Supervisor that paces reconnection attempts
// with policy (a zero PolicyFactory defaults to ConstantPolicy) and
// checks self-election against listenPort using localAddrs.
func NewSupervisor(connectTimeout time.Duration, policy PolicyFactory, listenPort int, localAddrs LocalAddressSource) *Supervisor {
	if policy == nil {
		policy = ConstantPolicy(0)
	}
	s := &Supervisor{
		loop:       eventloop.New(20 * time.Millisecond),
		table:      NewPeerTable(),
		policy:     policy,
		listenPort: listenPort,
		localAddrs: localAddrs,
		sockets:    make(map[string]*connection),
		clients:    make(map[*client]struct{}),
	}
	s.connector = NewConnector(s.loop, connectTimeout, s.onTCPConnect)
	return s
}

// Start launches the Supervisor's loop goroutine and, if listenAddr is
// non-empty, an inbound listener serving the per-second heartbeat to
// connected clients.
func (s *Supervisor) Start(listenAddr string) error {
	s.loopDone = make(chan struct{})
	go func() {
		defer close(s.loopDone)
		s.loop.Run()
	}()

	if listenAddr != "" {
		ln, err := transport.Listen(listenAddr)
		if err != nil {
			return err
		}
		s.listener = ln
		go s.acceptLoop(ln)
	}

	s.loop.AddPeriodicTimer(heartbeatInterval, s.emitHeartbeats)
	return nil
}

// Stop closes all sockets and the listener, then terminates the loop.
func (s *Supervisor) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	s.loop.Submit(func() {
		s.mu.Lock()
		for name, c := range s.sockets {
			c.conn.Close()
			delete(s.sockets, name)
		}
		s.mu.Unlock()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Printf("election: Stop timed out waiting for supervisor loop teardown")
	}

	s.listenerMu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.listenerMu.Unlock()

	s.loop.Terminate()
	<-s.loopDone
}

// OnPeerAdded applies a PeerAdded discovery event to the PeerTable and
// reconciles election/connection state. Safe to call from any thread.
func (s *Supervisor) OnPeerAdded(serviceName string, addr Address, priority uint8, scope string) {
	s.loop.Submit(func() { s.applyUpsert(serviceName, addr, priority, scope) })
}

// OnPeerRemoved applies a PeerRemoved discovery event. Safe to call from
// any thread.
func (s *Supervisor) OnPeerRemoved(serviceName string) {
	s.loop.Submit(func() { s.applyRemove(serviceName) })
}

func (s *Supervisor) applyUpsert(serviceName string, addr Address, priority uint8, scope string) {
	addrChanged := s.table.Upsert(serviceName, addr, priority, scope)
	if addrChanged {
		s.teardownSocket(serviceName)
		if !addr.IsWildcard() {
			s.connector.AddEndpoint(addr, s.policy)
		}
	}
	s.reconcileElection()
}

func (s *Supervisor) applyRemove(serviceName string) {
	entry, ok := s.table.Remove(serviceName)
	if !ok {
		return
	}
	s.teardownSocket(serviceName)
	s.connector.Disconnect(entry.Address, true)
	s.reconcileElection()
}

func (s *Supervisor) teardownSocket(serviceName string) {
	s.mu.Lock()
	c, ok := s.sockets[serviceName]
	if ok {
		delete(s.sockets, serviceName)
	}
	s.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// reconcileElection recomputes the elected peer and logs a divergence
// event if it disagrees with the most recently asserted master (spec.md
// §4.7 step 4).
func (s *Supervisor) reconcileElection() {
	elected := s.table.Elect()
	var electedAddr Address
	if elected != nil {
		electedAddr = elected.Address
	}

	s.mu.Lock()
	asserted := s.assertedMaster
	s.mu.Unlock()

	if electedAddr != asserted && (!electedAddr.IsWildcard() || !asserted.IsWildcard()) {
		log.Printf("election: divergence: elected=%s asserted=%s", electedAddr, asserted)
	}
}

// onTCPConnect is the Connector's OnConnect callback. It matches the new
// socket's address to a PeerTable entry; unmatched or colliding sockets
// are closed (spec.md §4.7 step 3's connection-lifecycle rules).
func (s *Supervisor) onTCPConnect(conn net.Conn, addr Address) {
	var owner string
	for _, e := range s.table.All() {
		if e.Address == addr {
			owner = e.ServiceName
			break
		}
	}
	if owner == "" {
		conn.Close()
		return
	}

	s.mu.Lock()
	_, collide := s.sockets[owner]
	if collide {
		s.mu.Unlock()
		log.Printf("election: collision: two sockets for %s, closing both", owner)
		conn.Close()
		s.teardownSocket(owner)
		return
	}
	s.sockets[owner] = &connection{conn: conn, addr: addr}
	s.mu.Unlock()
	s.table.SetConnected(owner, true)

	go s.readAssertions(owner, addr, conn)
}

// readAssertions reads single-byte master-assertion frames until the
// connection fails, then notifies the loop so the Connector can retry.
//
// A malformed source treats a failed read as "got byte zero" and
// processes it anyway; here a read error always means no data, never a
// frame, matching the corrected behavior spec.md §9 calls for.
func (s *Supervisor) readAssertions(serviceName string, addr Address, conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		b, err := r.ReadByte()
		if err != nil {
			s.loop.Submit(func() { s.onSocketClosed(serviceName, addr) })
			return
		}
		s.loop.Submit(func() { s.onAssertionByte(addr, b) })
	}
}

func (s *Supervisor) onAssertionByte(addr Address, b byte) {
	switch b {
	case byteAssertMaster:
		s.mu.Lock()
		prev := s.assertedMaster
		s.assertedMaster = addr
		s.mu.Unlock()
		if prev != addr && !prev.IsWildcard() {
			log.Printf("election: stolen mastership: %s -> %s", prev, addr)
		}
		s.reconcileElection()
	case byteNotMaster:
		s.mu.Lock()
		if s.assertedMaster == addr {
			s.assertedMaster = Address{}
		}
		s.mu.Unlock()
		s.reconcileElection()
	default:
		log.Printf("election: ignoring unrecognized assertion byte 0x%x from %s", b, addr)
	}
}

func (s *Supervisor) onSocketClosed(serviceName string, addr Address) {
	s.mu.Lock()
	_, had := s.sockets[serviceName]
	delete(s.sockets, serviceName)
	s.mu.Unlock()
	if !had {
		return
	}
	s.table.SetConnected(serviceName, false)
	if _, ok := s.table.Get(serviceName); ok {
		s.connector.Disconnect(addr, false)
	}
}

func (s *Supervisor) acceptLoop(ln *transport.Listener) {
	for conn := range ln.AcceptCh {
		c := &client{conn: conn}
		s.listenerMu.Lock()
		s.clients[c] = struct{}{}
		s.listenerMu.Unlock()
		go s.drainClient(c)
	}
}

// drainClient discards any bytes a client sends (the protocol is
// server-to-client only in the heartbeat direction) and removes the
// client on disconnect.
func (s *Supervisor) drainClient(c *client) {
	buf := make([]byte, 64)
	for {
		if _, err := c.conn.Read(buf); err != nil {
			s.listenerMu.Lock()
			delete(s.clients, c)
			s.listenerMu.Unlock()
			c.conn.Close()
			return
		}
	}
}

// emitHeartbeats sends 'm' or 'b' to every connected client, reflecting
// whether this node currently considers itself the elected master
// (spec.md §4.7: "A master node emits one such byte per second to every
// connected client").
func (s *Supervisor) emitHeartbeats() {
	b := byteNotMaster
	if s.isSelfMaster() {
		b = byteAssertMaster
	}

	s.listenerMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.listenerMu.Unlock()

	for _, c := range clients {
		if _, err := c.conn.Write([]byte{b}); err != nil {
			log.Printf("election: heartbeat write failed: %v", err)
		}
	}
}

// Elected returns the currently elected peer, or nil if none is eligible.
// PeerTable is mutated only on the Supervisor's loop goroutine, so the
// computation is marshaled there and a copy of the result is handed back
// across the channel rather than the table's own *Entry.
func (s *Supervisor) Elected() *Entry {
	result := make(chan *Entry, 1)
	s.loop.Submit(func() {
		e := s.table.Elect()
		if e != nil {
			copyEntry := *e
			e = &copyEntry
		}
		result <- e
	})
	return <-result
}

// AssertedMaster returns the address most recently asserted as master
// over an established connection, or the zero Address if none.
func (s *Supervisor) AssertedMaster() Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assertedMaster
}

// isSelfMaster implements spec.md §4.7's self-check: the elected address
// equals (local_ip, listen_port) for some local IP.
func (s *Supervisor) isSelfMaster() bool {
	if s.standalone {
		return true
	}
	elected := s.table.Elect()
	if elected == nil {
		return false
	}
	if int(elected.Address.Port) != s.listenPort {
		return false
	}
	if s.localAddrs == nil {
		return false
	}
	for _, ip := range s.localAddrs() {
		if ip.String() == elected.Address.Host {
			return true
		}
	}
	return false
}
