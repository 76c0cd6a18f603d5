package election

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/lxe133/masterdisco/internal/eventloop"
	"github.com/lxe133/masterdisco/internal/transport"
)

// OnTCPConnectFunc is invoked on the owning loop goroutine whenever a
// dial attempt succeeds.
type OnTCPConnectFunc func(conn net.Conn, addr Address)

// endpointState tracks one AddEndpoint'd address.
type endpointState struct {
	policy  backoff.BackOff
	timerID eventloop.TimerID
	hasTimer bool
	dialing bool
	removed bool
}

// Connector is the TCP Connector of spec.md §4.7: it opens and retries
// outbound connections to PeerTable addresses, bounded by a connect
// timeout and paced by a per-endpoint backoff policy. All bookkeeping
// happens on the owning Loop; only the dial itself runs on a separate
// goroutine, because net.DialTimeout blocks and loop handlers must not
// (spec.md §5's "handlers run to completion without yielding").
type Connector struct {
	loop           *eventloop.Loop
	connectTimeout time.Duration
	onConnect      OnTCPConnectFunc

	mu        sync.Mutex
	endpoints map[Address]*endpointState
}

// NewConnector returns a Connector scheduling dials and retries on loop.
// onConnect is always invoked on loop's goroutine.
func NewConnector(loop *eventloop.Loop, connectTimeout time.Duration, onConnect OnTCPConnectFunc) *Connector {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &Connector{
		loop:           loop,
		connectTimeout: connectTimeout,
		onConnect:      onConnect,
		endpoints:      make(map[Address]*endpointState),
	}
}

// AddEndpoint begins connection attempts to addr using policy. If addr is
// already tracked, AddEndpoint is a no-op: the existing attempt or
// connection continues undisturbed. Must be called from the loop
// goroutine.
func (c *Connector) AddEndpoint(addr Address, policy PolicyFactory) {
	c.mu.Lock()
	_, exists := c.endpoints[addr]
	if !exists {
		c.endpoints[addr] = &endpointState{policy: policy()}
	}
	c.mu.Unlock()
	if !exists {
		c.attempt(addr)
	}
}

// Disconnect tears down addr. If remove is true the endpoint is dropped
// entirely and no further attempts are made. If remove is false, any
// pending timer is cancelled and a fresh backoff-paced attempt is
// scheduled; an in-flight dial is not cancelled and still reports its
// result. This matches spec.md §4.7's "On socket close ...
// instruct the connector to disconnect (triggering backoff-driven retry
// while the entry still exists)". Must be called from the loop goroutine.
func (c *Connector) Disconnect(addr Address, remove bool) {
	c.mu.Lock()
	state, ok := c.endpoints[addr]
	if !ok {
		c.mu.Unlock()
		return
	}
	if state.hasTimer {
		c.loop.CancelTimer(state.timerID)
		state.hasTimer = false
	}
	if remove {
		state.removed = true
		delete(c.endpoints, addr)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.scheduleRetry(addr, state)
}

func (c *Connector) attempt(addr Address) {
	c.mu.Lock()
	state, ok := c.endpoints[addr]
	if !ok || state.removed {
		c.mu.Unlock()
		return
	}
	state.dialing = true
	c.mu.Unlock()

	go func() {
		conn, err := transport.Dial(addr.String(), c.connectTimeout)
		c.loop.Submit(func() { c.handleDialResult(addr, conn, err) })
	}()
}

func (c *Connector) handleDialResult(addr Address, conn net.Conn, err error) {
	c.mu.Lock()
	state, ok := c.endpoints[addr]
	if !ok || state.removed {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	state.dialing = false
	c.mu.Unlock()

	if err != nil {
		log.Printf("election: connect to %s failed: %v", addr, err)
		c.scheduleRetry(addr, state)
		return
	}

	state.policy.Reset()
	if c.onConnect != nil {
		c.onConnect(conn, addr)
	}
}

func (c *Connector) scheduleRetry(addr Address, state *endpointState) {
	delay := nextDelay(state.policy)
	id := c.loop.AddTimer(delay, func() { c.attempt(addr) })

	c.mu.Lock()
	state.timerID = id
	state.hasTimer = true
	c.mu.Unlock()
}
