package gossip

import (
	"sort"
	"sync"

	"github.com/hekate-io/hekate/internal/cluster"
	"github.com/hekate-io/hekate/internal/nodeid"
)

// Entry is one roster row: a node's address, status, Lamport version,
// and the set of peers currently suspicious of it (spec §3, "Gossip
// state"). Entry is a value type; the Roster never hands out a pointer
// into its internal map.
type Entry struct {
	ID         nodeid.ID
	Address    string
	Roles      []string
	Properties map[string]string
	JoinOrder  uint64
	Status     cluster.Status
	Version    uint64
	Suspicions map[nodeid.ID]struct{}
}

func (e Entry) clone() Entry {
	cp := e
	if e.Roles != nil {
		cp.Roles = append([]string{}, e.Roles...)
	}
	if e.Properties != nil {
		cp.Properties = make(map[string]string, len(e.Properties))
		for k, v := range e.Properties {
			cp.Properties[k] = v
		}
	}
	cp.Suspicions = make(map[nodeid.ID]struct{}, len(e.Suspicions))
	for id := range e.Suspicions {
		cp.Suspicions[id] = struct{}{}
	}
	return cp
}

// Digest is the compact `(id, status, version)` summary spec §3
// describes, exchanged to decide which full Entry values ("rumors")
// need to cross the wire.
type Digest struct {
	ID      nodeid.ID
	Status  cluster.Status
	Version uint64
}

// Roster is one node's local view of cluster membership. It is read
// and mutated from several goroutines (gossip rounds, inbound frame
// handlers, Join/Leave); the mutex serializes every access.
type Roster struct {
	mu      sync.Mutex
	self    nodeid.ID
	entries map[nodeid.ID]Entry
}

// NewRoster creates a roster whose only member is self.
func NewRoster(self Entry) *Roster {
	r := &Roster{self: self.ID, entries: make(map[nodeid.ID]Entry)}
	r.entries[self.ID] = self.clone()
	return r
}

// Self returns a copy of the local node's own entry.
func (r *Roster) Self() Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[r.self].clone()
}

// MutateSelf applies fn to a copy of the local entry, increments its
// version (every self-modification bumps the Lamport counter, spec
// §3), and stores the result.
func (r *Roster) MutateSelf(fn func(*Entry)) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[r.self].clone()
	fn(&e)
	e.Version++
	r.entries[r.self] = e
	return e.clone()
}

// Get returns a copy of the entry for id, if known.
func (r *Roster) Get(id nodeid.ID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Entries returns a copy of every roster row.
func (r *Roster) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinOrder < out[j].JoinOrder })
	return out
}

// Digest builds the compact summary of every known entry (spec §3).
func (r *Roster) Digest() []Digest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Digest, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Digest{ID: e.ID, Status: e.Status, Version: e.Version})
	}
	return out
}

// Peers returns a copy of the entry of every member other than self
// whose status is not DOWN, suitable as gossip-round fan-out candidates.
func (r *Roster) Peers() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for id, e := range r.entries {
		if id == r.self {
			continue
		}
		if e.Status == cluster.StatusDown {
			continue
		}
		out = append(out, e.clone())
	}
	return out
}

// Needed compares a remote digest against local knowledge and returns
// the ids the remote side knows better: ids unknown locally, ids with
// a higher remote version, and ids at the same version whose remote
// status wins the Merge tie-break. The engine's push handler does not
// call it.
func (r *Roster) Needed(remote []Digest) []nodeid.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []nodeid.ID
	for _, d := range remote {
		local, ok := r.entries[d.ID]
		if !ok || d.Version > local.Version || (d.Version == local.Version && d.Status.HigherGossipPriority(local.Status)) {
			out = append(out, d.ID)
		}
	}
	return out
}

// Rumors returns the full entries for the requested ids that this
// roster actually knows about.
func (r *Roster) Rumors(ids []nodeid.ID) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.entries[id]; ok {
			out = append(out, e.clone())
		}
	}
	return out
}

// Merge applies incoming rumors using the tie-break rule from spec
// §4.D: "keeping, per node-id, the entry with the highest version;
// ties break by status ordering FAILED > DOWN > LEAVING > UP >
// JOINING". It returns the ids whose effective entry actually changed,
// for the caller to turn into a cluster.Event.
func (r *Roster) Merge(rumors []Entry) []nodeid.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var changed []nodeid.ID
	for _, incoming := range rumors {
		local, ok := r.entries[incoming.ID]
		if !ok || r.wins(incoming, local) {
			r.entries[incoming.ID] = incoming.clone()
			changed = append(changed, incoming.ID)
		}
	}
	return changed
}

// wins reports whether incoming should replace local under the merge
// tie-break rule.
func (r *Roster) wins(incoming, local Entry) bool {
	if incoming.Version != local.Version {
		return incoming.Version > local.Version
	}
	return incoming.Status.HigherGossipPriority(local.Status)
}

// Suspect records that observer suspects target of having failed, and
// reports whether target's suspicion count now exceeds quorum —
// transitioning it to FAILED is the caller's responsibility so the
// change can be fed back through Merge and published as an Event
// (spec §4.D, "a node with suspicions.size > failureQuorum transitions
// to FAILED").
func (r *Roster) Suspect(observer, target nodeid.ID, quorum int) (exceeded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[target]
	if !ok {
		return false
	}
	e = e.clone()
	if e.Suspicions == nil {
		e.Suspicions = make(map[nodeid.ID]struct{})
	}
	e.Suspicions[observer] = struct{}{}
	r.entries[target] = e
	return len(e.Suspicions) > quorum
}

// MarkFailed forces target's status to FAILED and bumps its version,
// used when its suspicion count exceeds the failure quorum.
func (r *Roster) MarkFailed(target nodeid.ID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[target]
	if !ok {
		return Entry{}, false
	}
	e = e.clone()
	e.Status = cluster.StatusFailed
	e.Version++
	r.entries[target] = e
	return e.clone(), true
}

// ClearSuspicions resets target's suspicion set, used when a gossip
// exchange with target succeeds (its reply arrives in time).
func (r *Roster) ClearSuspicions(target nodeid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[target]
	if !ok {
		return
	}
	e = e.clone()
	e.Suspicions = make(map[nodeid.ID]struct{})
	r.entries[target] = e
}

// UpCount returns the number of members currently known as UP,
// including self if applicable — the denominator for the failure
// quorum fraction (spec §9 Open Question).
func (r *Roster) UpCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Status == cluster.StatusUp {
			n++
		}
	}
	return n
}

// NextJoinOrder returns one past the highest join order currently
// known, the value a local coordinator assigns to its next admitted
// joiner (spec §3, "a dense ascending integer: 1 for the cluster
// founder, n+1 for the n-th subsequent joiner").
func (r *Roster) NextJoinOrder() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max uint64
	for _, e := range r.entries {
		if e.JoinOrder > max {
			max = e.JoinOrder
		}
	}
	return max + 1
}

// Topology converts the roster's UP/JOINING/LEAVING members into an
// internal/cluster.Topology snapshot at the given version. FAILED and
// DOWN members are excluded — they are not part of the observable
// membership (spec §3's Topology is `{version, nodes}` for live
// members).
func (r *Roster) Topology(version uint64) cluster.Topology {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes := make([]cluster.Node, 0, len(r.entries))
	for _, e := range r.entries {
		switch e.Status {
		case cluster.StatusDown, cluster.StatusFailed:
			continue
		}
		nodes = append(nodes, cluster.Node{
			ID:         e.ID,
			Address:    e.Address,
			Roles:      e.Roles,
			Properties: e.Properties,
			JoinOrder:  e.JoinOrder,
			Status:     e.Status,
		})
	}
	return cluster.New(version, nodes)
}
