// Package election implements the Election & Connection Supervisor of
// spec.md §4.7: the PeerTable, the priority-based election computation,
// the TCP Connector with backoff-driven reconnection, and the
// single-byte master-assertion wire protocol.
package election

import "fmt"

// Address is a peer's TCP endpoint, compared lexicographically (host then
// port) for election tie-breaks per spec.md §4.7 step 2.
type Address struct {
	Host string
	Port uint16
}

// Wildcard is the 0.0.0.0 placeholder address excluded from election
// (spec.md §4.7 step 2: "among entries with address.host != 0.0.0.0").
var Wildcard = Address{Host: "0.0.0.0"}

// IsWildcard reports whether a is the unset/wildcard address.
func (a Address) IsWildcard() bool {
	return a.Host == "" || a.Host == Wildcard.Host
}

// Less implements the lexicographic tie-break: lower host string first,
// then lower port.
func (a Address) Less(b Address) bool {
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	return a.Port < b.Port
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}
