package coordination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hekate-io/hekate/internal/cluster"
	"github.com/hekate-io/hekate/internal/nodeid"
)

// fakeBroadcaster relays broadcast rounds directly to in-process
// Process instances, standing in for the messaging gateway in tests
// (mirrors internal/lock's fakeBroadcaster).
type fakeBroadcaster struct {
	mu        sync.Mutex
	processes map[nodeid.ID]*Process
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, info RoundInfo, req Request) (map[nodeid.ID]Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[nodeid.ID]Reply, len(info.Members))
	for _, id := range info.Members {
		out[id] = f.processes[id].HandleRequest(req, info)
	}
	return out, nil
}

func (f *fakeBroadcaster) NotifyCompleted(ctx context.Context, info RoundInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range info.Members {
		if id == info.Coordinator {
			continue
		}
		f.processes[id].HandleCompleted(info)
	}
	return nil
}

func alwaysMember(cluster.Node) bool { return true }

// countingHandler drives maxRounds broadcast rounds, then completes,
// recording what every invocation observed.
type countingHandler struct {
	t         *testing.T
	maxRounds int

	mu            sync.Mutex
	prepareCalls  int
	processCalls  int
	sawMemberSize int
}

func (h *countingHandler) Prepare(ctx *Context) {
	h.mu.Lock()
	h.prepareCalls++
	h.sawMemberSize = len(ctx.Members)
	h.mu.Unlock()
	h.round(ctx, 1)
}

func (h *countingHandler) round(ctx *Context, n int) {
	ctx.Broadcast(n, func(replies map[nodeid.ID]Reply) {
		if len(replies) != len(ctx.Members) {
			h.t.Errorf("round %d: expected %d replies, got %d", n, len(ctx.Members), len(replies))
		}
		if n >= h.maxRounds {
			ctx.Complete()
			return
		}
		h.round(ctx, n+1)
	})
}

func (h *countingHandler) Process(req Request, info RoundInfo) Reply {
	h.mu.Lock()
	h.processCalls++
	h.mu.Unlock()
	return true
}

func threeNodeTopology(a, b, c nodeid.ID) cluster.Topology {
	return cluster.New(1, []cluster.Node{
		{ID: a, JoinOrder: 1, Status: cluster.StatusUp},
		{ID: b, JoinOrder: 2, Status: cluster.StatusUp},
		{ID: c, JoinOrder: 3, Status: cluster.StatusUp},
	})
}

func TestCoordinationProcessCompletesAfterConfiguredRounds(t *testing.T) {
	a, _ := nodeid.New()
	b, _ := nodeid.New()
	c, _ := nodeid.New()
	topo := threeNodeTopology(a, b, c)

	broadcaster := &fakeBroadcaster{processes: make(map[nodeid.ID]*Process, 3)}

	viewA, viewB, viewC := cluster.NewView(), cluster.NewView(), cluster.NewView()

	handlerA := &countingHandler{t: t, maxRounds: 3}
	handlerB := &countingHandler{t: t, maxRounds: 3}
	handlerC := &countingHandler{t: t, maxRounds: 3}

	pa := NewProcess("rollout", a, viewA, alwaysMember, handlerA, broadcaster, nil)
	pb := NewProcess("rollout", b, viewB, alwaysMember, handlerB, broadcaster, nil)
	pc := NewProcess("rollout", c, viewC, alwaysMember, handlerC, broadcaster, nil)
	defer pa.Close()
	defer pb.Close()
	defer pc.Close()

	broadcaster.processes[a] = pa
	broadcaster.processes[b] = pb
	broadcaster.processes[c] = pc

	doneA, doneB, doneC := pa.Done(), pb.Done(), pc.Done()

	viewA.Publish(cluster.EventJoin, topo)
	viewB.Publish(cluster.EventJoin, topo)
	viewC.Publish(cluster.EventJoin, topo)

	deadline := time.After(2 * time.Second)
	for _, done := range []<-chan struct{}{doneA, doneB, doneC} {
		select {
		case <-done:
		case <-deadline:
			t.Fatal("timed out waiting for coordination process to complete on every node")
		}
	}

	oldest, _ := topo.Oldest()
	if oldest.ID != a {
		t.Fatalf("fixture assumption broken: expected node A to be oldest, got %v", oldest.ID)
	}

	handlerA.mu.Lock()
	prepareCalls, sawMembers := handlerA.prepareCalls, handlerA.sawMemberSize
	handlerA.mu.Unlock()
	if prepareCalls != 1 {
		t.Fatalf("expected coordinator (oldest) to run Prepare exactly once, got %d", prepareCalls)
	}
	if sawMembers != 3 {
		t.Fatalf("expected coordinator to see 3 members, got %d", sawMembers)
	}

	handlerB.mu.Lock()
	bPrepare := handlerB.prepareCalls
	handlerB.mu.Unlock()
	handlerC.mu.Lock()
	cPrepare := handlerC.prepareCalls
	handlerC.mu.Unlock()
	if bPrepare != 0 || cPrepare != 0 {
		t.Fatalf("expected only the oldest member to run Prepare, got B=%d C=%d", bPrepare, cPrepare)
	}

	handlerA.mu.Lock()
	aProcess := handlerA.processCalls
	handlerA.mu.Unlock()
	if aProcess != handlerA.maxRounds {
		t.Fatalf("expected coordinator to also answer its own broadcasts %d times, got %d", handlerA.maxRounds, aProcess)
	}
}
