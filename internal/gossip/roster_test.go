package gossip

import (
	"testing"

	"github.com/hekate-io/hekate/internal/cluster"
	"github.com/hekate-io/hekate/internal/nodeid"
)

func newTestEntry(addr string, status cluster.Status, version uint64) Entry {
	id, order := nodeid.New()
	return Entry{ID: id, Address: addr, Status: status, Version: version, JoinOrder: order}
}

func TestRosterMergeHigherVersionWins(t *testing.T) {
	self := newTestEntry("10.0.0.1:9000", cluster.StatusUp, 1)
	r := NewRoster(self)

	other := newTestEntry("10.0.0.2:9000", cluster.StatusJoining, 1)
	r.Merge([]Entry{other})

	newer := other
	newer.Status = cluster.StatusUp
	newer.Version = 2
	changed := r.Merge([]Entry{newer})
	if len(changed) != 1 {
		t.Fatalf("expected one changed entry, got %d", len(changed))
	}

	got, ok := r.Get(other.ID)
	if !ok {
		t.Fatal("expected entry present")
	}
	if got.Status != cluster.StatusUp || got.Version != 2 {
		t.Fatalf("expected merged entry to reflect newer version, got %+v", got)
	}
}

func TestRosterMergeTieBreaksOnStatus(t *testing.T) {
	self := newTestEntry("10.0.0.1:9000", cluster.StatusUp, 1)
	r := NewRoster(self)

	other := newTestEntry("10.0.0.2:9000", cluster.StatusUp, 5)
	r.Merge([]Entry{other})

	// same version, but FAILED outranks UP in the tie-break order.
	failed := other
	failed.Status = cluster.StatusFailed
	r.Merge([]Entry{failed})

	got, _ := r.Get(other.ID)
	if got.Status != cluster.StatusFailed {
		t.Fatalf("expected FAILED to win tie-break, got %v", got.Status)
	}

	// an older or equal-priority rumor must not overwrite it.
	stale := other
	stale.Status = cluster.StatusUp
	r.Merge([]Entry{stale})
	got, _ = r.Get(other.ID)
	if got.Status != cluster.StatusFailed {
		t.Fatalf("expected FAILED entry to survive a same-version UP rumor, got %v", got.Status)
	}
}

func TestRosterSuspectExceedsQuorum(t *testing.T) {
	self := newTestEntry("10.0.0.1:9000", cluster.StatusUp, 1)
	r := NewRoster(self)
	other := newTestEntry("10.0.0.2:9000", cluster.StatusUp, 1)
	r.Merge([]Entry{other})

	o1, _ := nodeid.New()
	o2, _ := nodeid.New()
	o3, _ := nodeid.New()

	if exceeded := r.Suspect(o1, other.ID, 2); exceeded {
		t.Fatal("expected quorum not yet exceeded after one suspicion")
	}
	if exceeded := r.Suspect(o2, other.ID, 2); exceeded {
		t.Fatal("expected quorum not yet exceeded after two suspicions (quorum=2 needs >2)")
	}
	if exceeded := r.Suspect(o3, other.ID, 2); !exceeded {
		t.Fatal("expected quorum exceeded after three suspicions with quorum=2")
	}
}

func TestRosterNextJoinOrder(t *testing.T) {
	self := newTestEntry("10.0.0.1:9000", cluster.StatusUp, 1)
	self.JoinOrder = 1
	r := NewRoster(self)
	if got := r.NextJoinOrder(); got != 2 {
		t.Fatalf("expected next join order 2, got %d", got)
	}

	other := newTestEntry("10.0.0.2:9000", cluster.StatusUp, 1)
	other.JoinOrder = 2
	r.Merge([]Entry{other})
	if got := r.NextJoinOrder(); got != 3 {
		t.Fatalf("expected next join order 3, got %d", got)
	}
}

func TestRosterTopologyExcludesDownAndFailed(t *testing.T) {
	self := newTestEntry("10.0.0.1:9000", cluster.StatusUp, 1)
	self.JoinOrder = 1
	r := NewRoster(self)

	up := newTestEntry("10.0.0.2:9000", cluster.StatusUp, 1)
	up.JoinOrder = 2
	down := newTestEntry("10.0.0.3:9000", cluster.StatusDown, 1)
	down.JoinOrder = 3
	failed := newTestEntry("10.0.0.4:9000", cluster.StatusFailed, 1)
	failed.JoinOrder = 4
	r.Merge([]Entry{up, down, failed})

	topo := r.Topology(1)
	if topo.Size() != 2 {
		t.Fatalf("expected 2 live members (self + up), got %d", topo.Size())
	}
	if topo.Contains(down.ID) || topo.Contains(failed.ID) {
		t.Fatal("expected DOWN/FAILED members excluded from topology")
	}
}

func TestEntryCloneIsIndependent(t *testing.T) {
	e := newTestEntry("10.0.0.1:9000", cluster.StatusUp, 1)
	e.Roles = []string{"worker"}
	e.Properties = map[string]string{"zone": "a"}
	e.Suspicions = map[nodeid.ID]struct{}{}

	cp := e.clone()
	cp.Roles[0] = "mutated"
	cp.Properties["zone"] = "b"

	if e.Roles[0] != "worker" {
		t.Fatal("expected original Roles slice untouched by clone mutation")
	}
	if e.Properties["zone"] != "a" {
		t.Fatal("expected original Properties map untouched by clone mutation")
	}
}
