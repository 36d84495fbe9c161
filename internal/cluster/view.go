package cluster

import "sync"

// EventKind distinguishes the three cluster-membership events spec §1
// and §4.E describe: JOIN (membership grew or a listener just attached
// to an already-UP node and gets a synthetic catch-up event), CHANGE
// (membership changed without the local node joining/leaving), and
// LEAVE (the local node itself left).
type EventKind int

const (
	EventJoin EventKind = iota
	EventChange
	EventLeave
)

func (k EventKind) String() string {
	switch k {
	case EventJoin:
		return "JOIN"
	case EventChange:
		return "CHANGE"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event is delivered to listeners in strict topology-version order
// (spec §8, universal invariant). Added/Removed are computed relative
// to the listener's previously delivered topology, letting scenario 2
// ("assert a CHANGE event with removed == {N1}") be expressed directly.
type Event struct {
	Kind     EventKind
	Topology Topology
	Added    []Node
	Removed  []Node
}

// Listener receives cluster events. Implementations must not block
// significantly — View dispatches serially, per listener, on a
// dedicated goroutine (spec §4.E, §5's "Cluster event dispatcher:
// single-threaded").
type Listener func(Event)

// View is the observable topology the gossip engine publishes to and
// every other component (messaging, locks, coordination) subscribes
// to. It owns no gossip logic itself — Publish is the only write path,
// called by the gossip engine after each merge round.
type View struct {
	mu        sync.Mutex
	current   Topology
	published bool
	listeners []*subscription
}

type subscription struct {
	fn     Listener
	queue  chan Event
	done   chan struct{}
	last   Topology
	hasSub bool
}

// NewView creates an empty, unpublished view. The synthetic catch-up
// JOIN event (below) fires for new listeners only once Publish has
// been called.
func NewView() *View {
	return &View{}
}

// Current returns the most recently published topology and whether
// any topology has been published yet.
func (v *View) Current() (Topology, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current, v.published
}

// Publish installs a new topology and dispatches the corresponding
// event to every listener. kind is EventJoin only for the very first
// publish this process instance performs (spec §4.D, "emits a local
// JOIN event once it has merged at least one gossip round"); LEAVE is
// signalled explicitly by the caller, never inferred.
func (v *View) Publish(kind EventKind, t Topology) {
	v.mu.Lock()
	prev := v.current
	hadPrev := v.published
	v.current = t
	v.published = true
	subs := make([]*subscription, len(v.listeners))
	copy(subs, v.listeners)
	v.mu.Unlock()

	var added, removed []Node
	if hadPrev {
		added, removed = diff(prev, t)
	} else {
		added = t.Nodes()
	}
	ev := Event{Kind: kind, Topology: t, Added: added, Removed: removed}
	for _, s := range subs {
		v.deliver(s, ev)
	}
}

func diff(prev, next Topology) (added, removed []Node) {
	prevSet := make(map[[16]byte]Node, prev.Size())
	for _, n := range prev.Nodes() {
		prevSet[n.ID.Bytes()] = n
	}
	nextSet := make(map[[16]byte]bool, next.Size())
	for _, n := range next.Nodes() {
		nextSet[n.ID.Bytes()] = true
		if _, ok := prevSet[n.ID.Bytes()]; !ok {
			added = append(added, n)
		}
	}
	for _, n := range prev.Nodes() {
		if !nextSet[n.ID.Bytes()] {
			removed = append(removed, n)
		}
	}
	return added, removed
}

func (v *View) deliver(s *subscription, ev Event) {
	select {
	case s.queue <- ev:
	case <-s.done:
	}
}

// Subscribe registers a listener. Its first delivered event is a
// synthetic JOIN carrying the current topology if one has already been
// published (spec §4.E, "Listeners registered at any time receive, as
// their first event, a synthetic JOIN with the current topology").
// Events are delivered serially, in version order, on a dedicated
// goroutine owned by this subscription; Unsubscribe stops it.
func (v *View) Subscribe(fn Listener) (unsubscribe func()) {
	s := &subscription{
		fn:    fn,
		queue: make(chan Event, 64),
		done:  make(chan struct{}),
	}

	v.mu.Lock()
	current, published := v.current, v.published
	v.listeners = append(v.listeners, s)
	v.mu.Unlock()

	go func() {
		if published {
			fn(Event{Kind: EventJoin, Topology: current, Added: current.Nodes()})
		}
		for {
			select {
			case ev := <-s.queue:
				fn(ev)
			case <-s.done:
				return
			}
		}
	}()

	once := sync.Once{}
	return func() {
		once.Do(func() {
			close(s.done)
			v.mu.Lock()
			defer v.mu.Unlock()
			for i, sub := range v.listeners {
				if sub == s {
					v.listeners = append(v.listeners[:i], v.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

// Filtered returns a *View-like* read-only snapshot narrowed by
// predicate (spec §4.E, "A filter(predicate) view narrows the
// topology"). Its own version counter advances only on changes visible
// through the filter, which is why it is a derived sequence of
// Topology values with its own versioning rather than the parent's
// version numbers reused verbatim.
type Filtered struct {
	mu      sync.Mutex
	version uint64
	parent  *View
	pred    func(Node) bool
	unsub   func()
}

// Filter narrows v to the nodes matching predicate. The filtered view
// keeps its own topology-version sequence, starting at 1, because spec
// §4.E allows a filtered view's delivered version to "differ from the
// underlying view".
func (v *View) Filter(predicate func(Node) bool) *Filtered {
	f := &Filtered{pred: predicate, parent: v}
	var last []Node
	seen := false
	f.unsub = v.Subscribe(func(ev Event) {
		nodes := ev.Topology.Filter(predicate)
		same := seen && len(nodes) == len(last)
		for i := 0; same && i < len(nodes); i++ {
			same = nodes[i].ID == last[i].ID && nodes[i].Status == last[i].Status
		}
		if same {
			return
		}
		seen, last = true, nodes
		f.mu.Lock()
		f.version++
		f.mu.Unlock()
	})
	return f
}

// Snapshot returns the filtered topology as of the most recent parent
// publish, with its own monotonically increasing version number.
func (f *Filtered) Snapshot() Topology {
	parent, _ := f.parent.Current()
	nodes := parent.Filter(f.pred)
	f.mu.Lock()
	ver := f.version
	f.mu.Unlock()
	return New(ver, nodes)
}

// Close stops the filtered view's internal subscription.
func (f *Filtered) Close() { f.unsub() }

// Future completes when some published topology satisfies predicate,
// or is cancelled if the local node leaves first (spec §4.E,
// "futureOf(predicate) ... or is cancelled on LEAVE").
type Future struct {
	done   chan struct{}
	cancel chan struct{}
	result Topology
	mu     sync.Mutex
	fired  bool
}

// FutureOf returns a Future that completes the first time predicate
// holds for a published topology, evaluated starting from the current
// one if already published.
func (v *View) FutureOf(predicate func(Topology) bool) *Future {
	f := &Future{done: make(chan struct{}), cancel: make(chan struct{})}

	check := func(t Topology) bool {
		if !predicate(t) {
			return false
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fired {
			return true
		}
		f.fired = true
		f.result = t
		close(f.done)
		return true
	}

	if current, ok := v.Current(); ok && check(current) {
		return f
	}

	unsub := v.Subscribe(func(ev Event) {
		if ev.Kind == EventLeave {
			f.mu.Lock()
			fired := f.fired
			f.mu.Unlock()
			if !fired {
				close(f.cancel)
			}
			return
		}
		check(ev.Topology)
	})
	go func() {
		select {
		case <-f.done:
		case <-f.cancel:
		}
		unsub()
	}()
	return f
}

// Wait blocks until the future completes (topology result, true) or is
// cancelled (zero value, false).
func (f *Future) Wait() (Topology, bool) {
	select {
	case <-f.done:
		return f.result, true
	case <-f.cancel:
		return Topology{}, false
	}
}

// Done returns a channel closed when the future completes successfully.
func (f *Future) Done() <-chan struct{} { return f.done }

// Cancelled returns a channel closed when the future is cancelled.
func (f *Future) Cancelled() <-chan struct{} { return f.cancel }
