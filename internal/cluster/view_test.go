package cluster

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestViewDeliversSyntheticJoinOnSubscribe(t *testing.T) {
	v := NewView()
	n1 := mkNode(1)
	v.Publish(EventJoin, New(1, []Node{n1}))

	var mu sync.Mutex
	var got *Event
	unsub := v.Subscribe(func(ev Event) {
		mu.Lock()
		e := ev
		got = &e
		mu.Unlock()
	})
	defer unsub()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})
	mu.Lock()
	defer mu.Unlock()
	if got.Kind != EventJoin || got.Topology.Size() != 1 {
		t.Fatalf("expected synthetic JOIN with 1 node, got %+v", got)
	}
}

func TestViewEventsStrictlyVersionOrdered(t *testing.T) {
	v := NewView()
	n1 := mkNode(1)

	var mu sync.Mutex
	var versions []uint64
	unsub := v.Subscribe(func(ev Event) {
		mu.Lock()
		versions = append(versions, ev.Topology.Version())
		mu.Unlock()
	})
	defer unsub()

	for i := uint64(1); i <= 5; i++ {
		v.Publish(EventChange, New(i, []Node{n1}))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(versions) == 5
	})

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("expected strictly increasing versions, got %v", versions)
		}
	}
}

func TestViewChangeReportsAddedAndRemoved(t *testing.T) {
	v := NewView()
	n1, n2, n3 := mkNode(1), mkNode(2), mkNode(3)
	v.Publish(EventJoin, New(1, []Node{n1, n2, n3}))

	var mu sync.Mutex
	var lastEvent *Event
	unsub := v.Subscribe(func(ev Event) {
		if ev.Kind != EventChange {
			return
		}
		mu.Lock()
		e := ev
		lastEvent = &e
		mu.Unlock()
	})
	defer unsub()

	v.Publish(EventChange, New(2, []Node{n2, n3}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lastEvent != nil
	})
	mu.Lock()
	defer mu.Unlock()
	if len(lastEvent.Removed) != 1 || lastEvent.Removed[0].ID != n1.ID {
		t.Fatalf("expected n1 removed, got %+v", lastEvent.Removed)
	}
	if len(lastEvent.Added) != 0 {
		t.Fatalf("expected no additions, got %+v", lastEvent.Added)
	}
}

func TestFutureOfCompletesWhenPredicateHolds(t *testing.T) {
	v := NewView()
	n1 := mkNode(1)
	future := v.FutureOf(func(t Topology) bool { return t.Size() == 2 })

	v.Publish(EventJoin, New(1, []Node{n1}))
	select {
	case <-future.Done():
		t.Fatal("future should not complete yet")
	case <-time.After(50 * time.Millisecond):
	}

	n2 := mkNode(2)
	v.Publish(EventChange, New(2, []Node{n1, n2}))

	select {
	case <-future.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("future did not complete")
	}
}

func TestFutureOfCancelledOnLeave(t *testing.T) {
	v := NewView()
	n1 := mkNode(1)
	v.Publish(EventJoin, New(1, []Node{n1}))

	future := v.FutureOf(func(t Topology) bool { return t.Size() == 99 })
	v.Publish(EventLeave, New(2, nil))

	select {
	case <-future.Cancelled():
	case <-time.After(2 * time.Second):
		t.Fatal("future was not cancelled")
	}
}

func TestFilteredTracksParentPredicate(t *testing.T) {
	v := NewView()
	n1 := mkNode(1)
	n1.Roles = []string{"lock-region:R"}
	n2 := mkNode(2)
	v.Publish(EventJoin, New(1, []Node{n1, n2}))

	filtered := v.Filter(func(n Node) bool { return n.HasRole("lock-region:R") })
	defer filtered.Close()

	waitFor(t, func() bool { return filtered.Snapshot().Size() == 1 })
}
