package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hekate-io/hekate/internal/cluster"
	"github.com/hekate-io/hekate/internal/nodeid"
	"github.com/sirupsen/logrus"
)

type heldLock struct {
	owner       nodeid.ID
	ownerThread string
	lockID      ID
	released    chan struct{}
}

// Region is one partition of the lock namespace (spec §4.H). Only the
// current manager node — topology.Manager(name) — honors tryLock
// requests for a given name; every other node returns RETRY so the
// caller refreshes its view and asks the right peer.
type Region struct {
	name        string
	self        nodeid.ID
	view        *cluster.View
	broadcaster Broadcaster
	log         *logrus.Entry

	mu            sync.Mutex
	locks         map[string]*heldLock
	migrating     bool
	migrationKey  *MigrationKey
	migrationDone chan struct{}
	seq           uint64

	unsub func()
}

// NewRegion creates a region bound to view. It subscribes immediately;
// Close unsubscribes.
func NewRegion(name string, self nodeid.ID, view *cluster.View, broadcaster Broadcaster, log *logrus.Entry) *Region {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Region{
		name:        name,
		self:        self,
		view:        view,
		broadcaster: broadcaster,
		log:         log.WithField("region", name),
		locks:       make(map[string]*heldLock),
	}
	r.unsub = view.Subscribe(r.onTopologyChange)
	return r
}

// Close stops this region from reacting to further topology changes.
func (r *Region) Close() { r.unsub() }

// onTopologyChange runs a fresh migration whenever the topology
// changes and this node is the oldest UP member (the coordinator,
// spec §4.H: "the oldest UP member initiates migration with a fresh
// LockMigrationKey"). Every other member just waits for the broadcast.
func (r *Region) onTopologyChange(ev cluster.Event) {
	if ev.Kind == cluster.EventLeave {
		return
	}
	oldest, ok := ev.Topology.Oldest()
	if !ok || oldest.ID != r.self || r.broadcaster == nil {
		return
	}
	go r.runMigration(context.Background(), ev.Topology)
}

func (r *Region) snapshotLocksLocked() []Ownership {
	out := make([]Ownership, 0, len(r.locks))
	for name, l := range r.locks {
		out = append(out, Ownership{Name: name, Owner: l.owner, OwnerThread: l.ownerThread, LockID: l.lockID})
	}
	return out
}

func nodeIDs(nodes []cluster.Node) []nodeid.ID {
	out := make([]nodeid.ID, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

// runMigration drives the two-phase Prepare/Apply protocol (spec
// §4.H). A second Prepare pass runs if any recipient reports a
// mismatched topology hash; cancellation happens implicitly because a
// later topology change bumps r.seq and makes this round's key stale,
// which applyLocked checks before adopting anything.
func (r *Region) runMigration(ctx context.Context, topo cluster.Topology) {
	r.mu.Lock()
	r.seq++
	key := MigrationKey{NodeID: r.self, TopologyHash: topo.Hash(), Sequence: r.seq}
	r.migrationKey = &key
	r.migrating = true
	r.migrationDone = make(chan struct{})
	locks := r.snapshotLocksLocked()
	r.mu.Unlock()

	targets := nodeIDs(topo.Nodes())
	firstPass := true

	for pass := 0; pass < 2; pass++ {
		req := MigrationPrepare{Region: r.name, Key: key, FirstPass: firstPass, Locks: locks}
		replies, err := r.broadcaster.BroadcastPrepare(ctx, targets, req)
		if err != nil {
			r.log.WithError(err).Warn("migration prepare failed")
			r.abortMigration(key)
			return
		}
		if r.superseded(key) {
			return
		}

		locks = mergeLocks(replies)
		mismatched := false
		for _, reply := range replies {
			if reply.TopologyHash != key.TopologyHash {
				mismatched = true
			}
		}
		if !mismatched {
			break
		}
		firstPass = false
	}

	if r.superseded(key) {
		return
	}

	// Reassign each lock's owning node to whoever manages its name
	// under the new topology — membership changes are exactly what
	// moves a hash(name) mod size bucket from one node to another.
	for i := range locks {
		if m, ok := topo.Manager(locks[i].Name); ok {
			locks[i].Owner = m.ID
		}
	}

	if err := r.broadcaster.BroadcastApply(ctx, targets, MigrationApply{Region: r.name, Key: key, Locks: locks}); err != nil {
		r.log.WithError(err).Warn("migration apply failed")
		r.abortMigration(key)
		return
	}
	r.applyLocked(key, locks)
}

func (r *Region) superseded(key MigrationKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.migrationKey == nil || *r.migrationKey != key
}

func (r *Region) abortMigration(key MigrationKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.migrationKey != nil && *r.migrationKey == key {
		r.migrating = false
		r.migrationKey = nil
		if r.migrationDone != nil {
			close(r.migrationDone)
			r.migrationDone = nil
		}
	}
}

// HandlePrepare answers an inbound MigrationPrepare (spec §4.H:
// "Recipients merge and respond with their own locks"). Production
// wiring invokes this from the messaging gateway's receiver for the
// migration-prepare request type.
func (r *Region) HandlePrepare(req MigrationPrepare) MigrationPrepareReply {
	r.mu.Lock()
	r.migrating = true
	r.migrationKey = &req.Key
	if r.migrationDone == nil {
		r.migrationDone = make(chan struct{})
	}
	locks := r.snapshotLocksLocked()
	r.mu.Unlock()

	topo, _ := r.view.Current()
	return MigrationPrepareReply{From: r.self, TopologyHash: topo.Hash(), Locks: locks}
}

// HandleApply answers an inbound MigrationApply, adopting only the
// locks this node now owns and dropping the rest (spec §4.H).
func (r *Region) HandleApply(req MigrationApply) {
	r.applyLocked(req.Key, req.Locks)
}

func (r *Region) applyLocked(key MigrationKey, locks []Ownership) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.migrationKey != nil && *r.migrationKey != key {
		// a newer migration has already superseded this one.
		return
	}
	next := make(map[string]*heldLock, len(locks))
	for _, o := range locks {
		if o.Owner != r.self {
			continue
		}
		next[o.Name] = &heldLock{owner: o.Owner, ownerThread: o.OwnerThread, lockID: o.LockID, released: make(chan struct{})}
	}
	r.locks = next
	r.migrating = false
	r.migrationKey = nil
	if r.migrationDone != nil {
		close(r.migrationDone)
		r.migrationDone = nil
	}
}

// waitOutMigration blocks the caller while a migration is in flight,
// unblocking when it completes or ctx expires (spec §4.H: "new
// tryLock/unlock requests queue and are released once Apply
// completes").
func (r *Region) waitOutMigration(ctx context.Context) bool {
	for {
		r.mu.Lock()
		if !r.migrating {
			r.mu.Unlock()
			return true
		}
		done := r.migrationDone
		r.mu.Unlock()
		if done == nil {
			return true
		}
		select {
		case <-done:
		case <-ctx.Done():
			return false
		}
	}
}

// TryLock attempts to acquire name for threadID (spec §4.H). It
// returns RETRY immediately if this node is not the current manager
// for name or the requester's topology hash is stale, BUSY/TIMEOUT if
// another thread holds it past timeout, and OK with a fresh LockID on
// success.
func (r *Region) TryLock(ctx context.Context, req TryLockRequest) TryLockResponse {
	topo, ok := r.view.Current()
	if !ok {
		return TryLockResponse{Status: StatusRetry}
	}
	if req.TopologyHash != topo.Hash() {
		return TryLockResponse{Status: StatusRetry}
	}
	manager, ok := topo.Manager(req.Name)
	if !ok || manager.ID != r.self {
		return TryLockResponse{Status: StatusRetry}
	}

	if !r.waitOutMigration(ctx) {
		return TryLockResponse{Status: StatusTimeout}
	}

	for {
		r.mu.Lock()
		existing, held := r.locks[req.Name]
		if !held {
			l := &heldLock{owner: r.self, ownerThread: req.ThreadID, lockID: uuid.New(), released: make(chan struct{})}
			r.locks[req.Name] = l
			r.mu.Unlock()
			return TryLockResponse{Status: StatusOK, Owner: r.self, OwnerThread: req.ThreadID, LockID: l.lockID}
		}
		if existing.ownerThread == req.ThreadID {
			lockID := existing.lockID
			r.mu.Unlock()
			return TryLockResponse{Status: StatusOK, Owner: r.self, OwnerThread: req.ThreadID, LockID: lockID}
		}
		releaseCh := existing.released
		r.mu.Unlock()

		// A ctx that is already expired (e.g. a zero-timeout probe) means
		// the caller never actually waited for the holder: report BUSY,
		// distinct from TIMEOUT below where a wait genuinely ran out.
		select {
		case <-ctx.Done():
			return TryLockResponse{Status: StatusBusy, Owner: existing.owner, OwnerThread: existing.ownerThread}
		default:
		}

		select {
		case <-releaseCh:
			continue
		case <-ctx.Done():
			return TryLockResponse{Status: StatusTimeout, Owner: existing.owner, OwnerThread: existing.ownerThread}
		}
	}
}

// Unlock releases name if lockID matches its current holder. A stale
// or unknown lockID is tolerated as NOT_OWNER rather than an error
// (spec §4.H).
func (r *Region) Unlock(name string, lockID ID) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, held := r.locks[name]
	if !held || existing.lockID != lockID {
		return StatusNotOwner
	}
	delete(r.locks, name)
	close(existing.released)
	return StatusOK
}

// QueryOwner answers queryOwner(name) (spec §4.H).
func (r *Region) QueryOwner(name string) QueryOwnerResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, held := r.locks[name]
	if !held {
		return QueryOwnerResponse{Held: false}
	}
	return QueryOwnerResponse{Held: true, Owner: existing.owner, OwnerThread: existing.ownerThread}
}

// DefaultLockTimeout is a default lock-acquisition timeout. Nothing in
// this module references it; TryLock's wait is bounded by its ctx.
const DefaultLockTimeout = 5 * time.Second
