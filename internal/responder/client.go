// Package responder is the narrow port onto a host mDNS/DNS-SD
// implementation described by spec.md §4.1. The Discovery Agent talks to
// a host responder exclusively through the Client interface defined
// here; it never references a backend-specific type.
//
// Two Client implementations exist: ZeroconfClient (production, backed
// by github.com/grandcat/zeroconf) and InMemoryClient (a deterministic
// test double). spec.md §9 calls this triad
// {BonjourBackend, AvahiBackend, InMemoryTestBackend}; we collapse the
// two real-library backends into the one Go mDNS library the example
// corpus actually uses.
package responder

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/lxe133/masterdisco/internal/txtcodec"
)

// ErrResponderUnavailable is returned by StartBrowse/StartResolve/
// StartRegister when no host responder is reachable.
var ErrResponderUnavailable = errors.New("responder: unavailable")

// State is the host responder's connection state, per spec.md §4.1.
type State int

const (
	StateConnecting State = iota
	StateRunning
	StateFailed
	StateCollision
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateCollision:
		return "collision"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handle identifies an in-flight browse, resolve, or registration
// operation. It is a generated, comparable value rather than a raw
// library pointer so Close is always safe to call from any goroutine.
type Handle uuid.UUID

// NilHandle is the zero Handle, never returned by a successful Start*
// call.
var NilHandle Handle

func newHandle() Handle {
	return Handle(uuid.New())
}

// AddressFamily restricts resolution to a protocol family. Only IPv4 is
// meaningful for this system (spec.md §4.3's "only IPv4 results are
// accepted").
type AddressFamily int

const (
	ProtoIPv4 AddressFamily = iota
	ProtoIPv6
)

// BrowseOp distinguishes an add from a remove in a BrowseEvent.
type BrowseOp int

const (
	BrowseAdded BrowseOp = iota
	BrowseRemoved
)

// BrowseEvent describes one raw (unresolved) service instance
// transition observed while browsing.
type BrowseEvent struct {
	Op           BrowseOp
	Interface    int
	Protocol     AddressFamily
	InstanceName string
	ServiceType  string
	Domain       string
}

// ResolveEvent carries the outcome of a resolve operation: either a
// fully resolved IPv4 address and TXT record, or a failure.
type ResolveEvent struct {
	OK   bool
	Host net.IP
	Port uint16
	TXT  []string
	Err  error
}

// RegisterStatus is the outcome reported to a registration's callback.
type RegisterStatus int

const (
	Registered RegisterStatus = iota
	NameCollision
	RegisterFailed
)

// RegisterEvent carries the outcome of a registration attempt.
type RegisterEvent struct {
	Status RegisterStatus
	Err    error
}

// Client is the narrow port of spec.md §4.1.
type Client interface {
	// State returns the current host-responder connection state.
	State() State

	// OnStateChange registers a callback invoked whenever State
	// transitions. Only one callback may be registered; a second call
	// replaces the first.
	OnStateChange(func(State))

	// StartBrowse begins browsing for instances of serviceType,
	// restricted to subtype if non-empty. onEvent is invoked for each
	// add/remove; it must not block.
	StartBrowse(serviceType, subtype string, onEvent func(BrowseEvent)) (Handle, error)

	// StartResolve resolves one service instance named by the
	// iface/proto/name/serviceType/domain tuple (a PeerKey). onEvent is
	// invoked at most once per underlying resolve attempt; the caller
	// may call StartResolve again to retry after a failure.
	StartResolve(iface int, proto AddressFamily, name, serviceType, domain string, onEvent func(ResolveEvent)) (Handle, error)

	// StartRegister publishes a local master. onEvent delivers exactly
	// one Registered, NameCollision, or RegisterFailed outcome.
	StartRegister(iface int, proto AddressFamily, name, serviceType, subtype string, port uint16, txt txtcodec.Record, onEvent func(RegisterEvent)) (Handle, error)

	// UpdateTxt replaces the TXT record of an active registration
	// in-place; it must not change service type or name.
	UpdateTxt(h Handle, txt txtcodec.Record) error

	// Close releases a browse, resolve, or registration handle. Close
	// is idempotent.
	Close(h Handle) error
}
