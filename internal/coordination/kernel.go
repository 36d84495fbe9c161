package coordination

import (
	"fmt"
	"sync"

	"github.com/hekate-io/hekate/internal/cluster"
	"github.com/hekate-io/hekate/internal/nodeid"
	"github.com/sirupsen/logrus"
)

// Process runs one named coordination process (spec §4.I). Every
// topology change touching its filtered sub-topology re-elects the
// oldest participant as coordinator, which re-runs handler.Prepare —
// mirroring the oldest-UP-member recovery pattern internal/lock uses
// for migration.
type Process struct {
	name        string
	self        nodeid.ID
	view        *cluster.View
	filter      func(cluster.Node) bool
	handler     Handler
	broadcaster Broadcaster
	log         *logrus.Entry

	executor  chan func()
	closeExec chan struct{}

	mu     sync.Mutex
	key    uint64
	doneCh chan struct{}

	unsub func()
}

// NewProcess creates and starts a coordination process bound to view,
// narrowed to members matching filter (spec §4.I: "bound to a
// filtered sub-topology"). filter should select nodes that registered
// name as a service property.
func NewProcess(name string, self nodeid.ID, view *cluster.View, filter func(cluster.Node) bool, handler Handler, broadcaster Broadcaster, log *logrus.Entry) *Process {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Process{
		name:        name,
		self:        self,
		view:        view,
		filter:      filter,
		handler:     handler,
		broadcaster: broadcaster,
		log:         log.WithField("process", name),
		executor:    make(chan func(), 64),
		closeExec:   make(chan struct{}),
	}
	go p.runExecutor()
	p.unsub = view.Subscribe(p.onTopologyChange)
	return p
}

// runExecutor is the single-threaded worker spec §4.I requires:
// "one single-threaded worker per coordination process (ordered
// per-process work)". Every callback this process ever runs — Prepare
// and every Broadcast callback — passes through here, in order.
func (p *Process) runExecutor() {
	for {
		select {
		case fn := <-p.executor:
			fn()
		case <-p.closeExec:
			return
		}
	}
}

func (p *Process) runOnExecutor(fn func()) {
	select {
	case p.executor <- fn:
	case <-p.closeExec:
	}
}

// Close stops this process's executor and topology subscription.
// Calling it again is a no-op.
func (p *Process) Close() {
	p.unsub()
	select {
	case <-p.closeExec:
	default:
		close(p.closeExec)
	}
}

func (p *Process) currentKey() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.key
}

func (p *Process) completeLocal(key uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.key != key || p.doneCh == nil {
		return
	}
	select {
	case <-p.doneCh:
	default:
		close(p.doneCh)
	}
}

// Done returns the completion channel for the round currently bound
// to this process (spec §4.I, GLOSSARY "futureOf"): closed once the
// coordinator calls ctx.Complete() and this node has either driven or
// been notified of that completion. Callers may fetch Done() before
// the first round even starts; armRoundLocked only ever replaces an already
// -closed (or absent) channel, so a channel handed out here stays the
// one a later completeLocal call closes.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armRoundLocked()
	return p.doneCh
}

// armRoundLocked ensures p.doneCh is a fresh, open channel for the
// round about to start, without discarding one a caller is already
// waiting on from a round that hasn't completed yet (it was either
// never armed, or closed by the previous round's completion).
func (p *Process) armRoundLocked() {
	if p.doneCh == nil {
		p.doneCh = make(chan struct{})
		return
	}
	select {
	case <-p.doneCh:
		p.doneCh = make(chan struct{})
	default:
	}
}

// onTopologyChange re-derives the filtered sub-topology and, if the
// local node is now its oldest member, runs handler.Prepare on a fresh
// round (spec §4.I: "On each topology change involving those nodes,
// the oldest participant becomes the coordinator and calls
// handler.prepare(ctx)"). Every member — coordinator or not — arms a
// fresh completion channel for the new round so Done() always reflects
// the round this topology version started.
func (p *Process) onTopologyChange(ev cluster.Event) {
	if ev.Kind == cluster.EventLeave {
		return
	}
	members := ev.Topology.Filter(p.filter)
	if len(members) == 0 {
		return
	}
	subTopo := cluster.New(ev.Topology.Version(), members)
	oldest, ok := subTopo.Oldest()
	if !ok {
		return
	}

	p.mu.Lock()
	p.key++
	key := p.key
	p.armRoundLocked()
	p.mu.Unlock()

	if oldest.ID != p.self || p.broadcaster == nil {
		return
	}

	ctx := &Context{Members: subTopo.Nodes(), Coordinator: oldest.ID, proc: p, key: key}
	p.runOnExecutor(func() { p.handler.Prepare(ctx) })
}

// HandleRequest answers one inbound broadcast request (spec §4.I:
// "each calls handler.process(request, ctx) -> reply"). Production
// wiring invokes this from the messaging gateway's receiver for the
// coordination request type.
func (p *Process) HandleRequest(req Request, info RoundInfo) Reply {
	return p.handler.Process(req, info)
}

// HandleCompleted answers the coordinator's completion notice (spec
// §4.I), firing this node's own futureOf(name) for the current round.
func (p *Process) HandleCompleted(RoundInfo) {
	p.completeLocal(p.currentKey())
}

// Kernel owns every registered coordination process for one node
// (spec: "coordination.processes[*].{name, handler}").
type Kernel struct {
	self nodeid.ID
	view *cluster.View
	log  *logrus.Entry

	mu        sync.Mutex
	processes map[string]*Process
}

// NewKernel creates a Kernel bound to view. log may be nil.
func NewKernel(self nodeid.ID, view *cluster.View, log *logrus.Entry) *Kernel {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Kernel{self: self, view: view, log: log.WithField("component", "coordination"), processes: make(map[string]*Process)}
}

// RegisterProcess installs and starts a new named process.
func (k *Kernel) RegisterProcess(name string, filter func(cluster.Node) bool, handler Handler, broadcaster Broadcaster) (*Process, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.processes[name]; exists {
		return nil, fmt.Errorf("coordination: process %q already registered", name)
	}
	p := NewProcess(name, k.self, k.view, filter, handler, broadcaster, k.log)
	k.processes[name] = p
	return p, nil
}

// Process returns a previously registered process by name.
func (k *Kernel) Process(name string) (*Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.processes[name]
	return p, ok
}

// Close stops every registered process.
func (k *Kernel) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, p := range k.processes {
		p.Close()
	}
}
