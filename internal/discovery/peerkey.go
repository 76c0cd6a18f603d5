// Package discovery implements the Peer Resolver, Peer Registration, and
// Discovery Agent of spec.md §4.3-§4.5: everything that talks to a host
// mDNS responder through internal/responder and turns raw browse events
// into PeerAdded/PeerRemoved notifications for the Election Supervisor.
package discovery

import (
	"fmt"

	"github.com/lxe133/masterdisco/internal/responder"
)

// PeerKey identifies one browse sighting, including the interface it was
// heard on. The Discovery Agent dedupes Peer Resolvers on its identity(),
// which drops Interface, so the same instance announced on two interfaces
// resolves to one Peer Resolver, not two.
type PeerKey struct {
	Interface   int
	Protocol    responder.AddressFamily
	ServiceName string
	ServiceType string
	Domain      string
}

// String renders the key for logging.
func (k PeerKey) String() string {
	return fmt.Sprintf("%s.%s%s@if%d/%v", k.ServiceName, k.ServiceType, k.Domain, k.Interface, k.Protocol)
}

// peerIdentity is the subset of PeerKey the Discovery Agent dedupes Peer
// Resolvers on. It excludes Interface: spec.md's S4 scenario requires the
// same instance announced on two interfaces to resolve to one Peer
// Resolver, not two, so interface_index cannot be part of the identity
// used for the agent's resolver map even though it is part of PeerKey
// itself.
type peerIdentity struct {
	Protocol    responder.AddressFamily
	ServiceName string
	ServiceType string
	Domain      string
}

func (k PeerKey) identity() peerIdentity {
	return peerIdentity{
		Protocol:    k.Protocol,
		ServiceName: k.ServiceName,
		ServiceType: k.ServiceType,
		Domain:      k.Domain,
	}
}

// PeerRecord is the fully resolved view of a peer, emitted by the Peer
// Resolver once it reaches Ready (spec.md §4.3).
type PeerRecord struct {
	Key      PeerKey
	Host      string
	Port      uint16
	Priority  uint8
	Scope     string
}

// Equal reports whether two records carry the same observable state,
// ignoring Key (callers compare records already scoped to one key). Used
// to implement the edge-triggered emission contract: identical records
// must not re-emit.
func (r PeerRecord) Equal(other PeerRecord) bool {
	return r.Host == other.Host && r.Port == other.Port && r.Priority == other.Priority && r.Scope == other.Scope
}
