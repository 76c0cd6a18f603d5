package election

// Entry is one row of the PeerTable: a discovered master candidate's
// address, priority, and connection state.
type Entry struct {
	ServiceName string
	Address     Address
	Priority    uint8
	Scope       string

	Connected bool
}

// PeerTable is the Supervisor's authoritative view of master candidates,
// keyed by service name (spec.md §4.7). It is mutated only from the
// Supervisor's loop goroutine; no locking is needed.
type PeerTable struct {
	entries map[string]*Entry
}

// NewPeerTable returns an empty PeerTable.
func NewPeerTable() *PeerTable {
	return &PeerTable{entries: make(map[string]*Entry)}
}

// Upsert inserts or updates the entry for serviceName. It reports whether
// the address changed relative to any prior entry, which the Supervisor
// uses to decide whether the existing socket must be torn down and
// reconnected (spec.md §4.7: "address-change triggers socket teardown and
// reconnect").
func (t *PeerTable) Upsert(serviceName string, addr Address, priority uint8, scope string) (addrChanged bool) {
	existing, ok := t.entries[serviceName]
	if !ok {
		t.entries[serviceName] = &Entry{ServiceName: serviceName, Address: addr, Priority: priority, Scope: scope}
		return true
	}
	addrChanged = existing.Address != addr
	existing.Address = addr
	existing.Priority = priority
	existing.Scope = scope
	return addrChanged
}

// Remove deletes the entry for serviceName, returning it if present.
func (t *PeerTable) Remove(serviceName string) (Entry, bool) {
	e, ok := t.entries[serviceName]
	if !ok {
		return Entry{}, false
	}
	delete(t.entries, serviceName)
	return *e, true
}

// Get returns the entry for serviceName.
func (t *PeerTable) Get(serviceName string) (*Entry, bool) {
	e, ok := t.entries[serviceName]
	return e, ok
}

// SetConnected marks the socket state of an entry, used to implement
// "address-change triggers socket teardown" bookkeeping.
func (t *PeerTable) SetConnected(serviceName string, connected bool) {
	if e, ok := t.entries[serviceName]; ok {
		e.Connected = connected
	}
}

// All returns every entry, in no particular order.
func (t *PeerTable) All() []*Entry {
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Elect recomputes the elected peer per spec.md §4.7 step 2: among
// entries with a non-wildcard address, the highest priority wins; ties
// break on the lexicographically lowest address. It returns nil if no
// eligible entry exists.
func (t *PeerTable) Elect() *Entry {
	var best *Entry
	for _, e := range t.entries {
		if e.Address.IsWildcard() {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		if e.Priority > best.Priority {
			best = e
			continue
		}
		if e.Priority == best.Priority && e.Address.Less(best.Address) {
			best = e
		}
	}
	return best
}
