package gossip

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hekate-io/hekate/internal/cluster"
	"github.com/hekate-io/hekate/internal/nodeid"
	"github.com/hekate-io/hekate/internal/seed"
	"github.com/hekate-io/hekate/internal/transport"
	"github.com/sirupsen/logrus"
)

// Protocol is the transport protocol identifier the gossip engine
// registers its Connector under.
const Protocol = "hekate-gossip"

// Defaults for a Config that leaves the tuning knobs zero.
const (
	DefaultGossipInterval          = 1 * time.Second
	DefaultFanout                  = 3
	DefaultSplitBrainCheckInterval = 5 * time.Second
	DefaultRequestTimeout          = 3 * time.Second
	// DefaultFailureQuorumFraction resolves the open question in spec
	// §9 ("the gossip failure-quorum threshold is not expressible as a
	// single value ... treat it as a configurable fraction of UP
	// members, default: majority"): a node flips to FAILED once more
	// than half of the currently-UP membership suspects it.
	DefaultFailureQuorumFraction = 0.5
)

// SelfDescriptor is the local node's fixed identity, used to seed the
// roster (spec §3: "immutable identifier ... roles ... property map,
// both fixed at startup").
type SelfDescriptor struct {
	ID         nodeid.ID
	Address    string
	Roles      []string
	Properties map[string]string
}

// Config tunes one Engine instance.
type Config struct {
	ClusterName string
	Self        SelfDescriptor
	GossipInterval time.Duration
	Fanout         int
	// FailureQuorumFraction is the fraction of currently-UP members
	// whose suspicion flips a node to FAILED (spec §9 Open Question;
	// default DefaultFailureQuorumFraction, a simple majority).
	FailureQuorumFraction   float64
	SplitBrainCheckInterval time.Duration
	RequestTimeout          time.Duration
	SplitBrainAction        Action
	// OnRejoin is invoked when the split-brain detector reports this
	// node invalid and SplitBrainAction is ActionRejoin. The engine
	// only triggers the hook: it does not tear anything down or take a
	// fresh identity itself, and when OnRejoin is nil ActionRejoin has
	// no effect. Cluster (hekate.go) does not set it.
	OnRejoin func()
	// OnTerminate is invoked for ActionTerminate, or unconditionally if
	// the detector itself panics (spec §4.D: "If the detector itself
	// fails (throws), the node unconditionally terminates"). Defaults
	// to calling Engine.Terminate.
	OnTerminate func()
}

func (c Config) withDefaults() Config {
	if c.GossipInterval <= 0 {
		c.GossipInterval = DefaultGossipInterval
	}
	if c.Fanout <= 0 {
		c.Fanout = DefaultFanout
	}
	if c.FailureQuorumFraction <= 0 {
		c.FailureQuorumFraction = DefaultFailureQuorumFraction
	}
	if c.SplitBrainCheckInterval <= 0 {
		c.SplitBrainCheckInterval = DefaultSplitBrainCheckInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// RejectedError is the typed failure a rejected joiner surfaces (spec
// §4.D step 3: "the joiner surfaces as a typed exception").
type RejectedError struct{ Reason string }

func (e *RejectedError) Error() string { return fmt.Sprintf("gossip: join rejected: %s", e.Reason) }

// Engine runs one node's side of the membership protocol: the JOIN
// sequence, periodic gossip rounds, LEAVE, and split-brain checks. It
// is the only writer of the cluster.View it was constructed with.
type Engine struct {
	cfg        Config
	log        *logrus.Entry
	transport  *transport.Transport
	seeds      *seed.Manager
	view       *cluster.View
	roster     *Roster
	validators *ValidatorChain
	detector   Detector

	topoVersion uint64

	joinMu sync.Mutex
	joinCh chan joinOutcome

	pending     sync.Map // *transport.Client -> chan gossipUpdate
	leaveAcks   sync.Map // *transport.Client -> chan struct{}

	stopMu         sync.Mutex
	stopCh         chan struct{}
	firstRoundDone chan struct{}
	wg             sync.WaitGroup

	splitBrainStop chan struct{}
}

type joinOutcome struct {
	accept *joinAccept
	reject *joinReject
}

// New builds an Engine bound to tr, seeds, and view. It registers its
// Connector with tr; callers must call tr.Listen before Join for
// inbound peers to reach this node.
func New(tr *transport.Transport, seeds *seed.Manager, view *cluster.View, validators *ValidatorChain, detector Detector, cfg Config, log *logrus.Entry) (*Engine, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if validators == nil {
		validators = NewValidatorChain()
	}
	if detector == nil {
		detector = AlwaysValid{}
	}
	cfg = cfg.withDefaults()

	self := Entry{
		ID:         cfg.Self.ID,
		Address:    cfg.Self.Address,
		Roles:      cfg.Self.Roles,
		Properties: cfg.Self.Properties,
		Status:     cluster.StatusInitializing,
	}

	e := &Engine{
		cfg:        cfg,
		log:        log.WithField("component", "gossip"),
		transport:  tr,
		seeds:      seeds,
		view:       view,
		roster:     NewRoster(self),
		validators: validators,
		detector:   detector,
	}

	connector := &transport.Connector{Name: "gossip", Protocol: Protocol, Receiver: e.onFrame}
	if err := tr.Register(connector); err != nil {
		return nil, err
	}
	return e, nil
}

// Status returns the local node's current lifecycle status.
func (e *Engine) Status() cluster.Status { return e.roster.Self().Status }

// Roster exposes the underlying roster for diagnostics and tests.
func (e *Engine) Roster() *Roster { return e.roster }

func (e *Engine) setSelfStatus(s cluster.Status) {
	e.roster.MutateSelf(func(en *Entry) { en.Status = s })
}

// Coordinator returns the oldest UP member known locally — the
// coordinator for any decision scoped to this topology (spec §4.D).
func (e *Engine) Coordinator() (Entry, bool) {
	var oldest Entry
	found := false
	for _, en := range e.roster.Entries() {
		if en.Status != cluster.StatusUp {
			continue
		}
		if !found || en.JoinOrder < oldest.JoinOrder {
			oldest = en
			found = true
		}
	}
	return oldest, found
}

// IsCoordinator reports whether the local node is currently the
// coordinator.
func (e *Engine) IsCoordinator() bool {
	c, ok := e.Coordinator()
	return ok && c.ID == e.roster.Self().ID
}

// Join runs the JOIN sequence (spec §4.D): resolve seeds, contact one,
// run the validator chain on the remote side, receive the roster,
// merge at least one gossip round, then move to UP. A cluster with no
// seed nodes means this process is the founder and becomes UP alone
// with join-order 1.
func (e *Engine) Join(ctx context.Context) error {
	e.setSelfStatus(cluster.StatusInitializing)

	addrs, err := e.seeds.GetSeedNodes(ctx, e.cfg.ClusterName)
	if err != nil {
		e.setSelfStatus(cluster.StatusDown)
		return fmt.Errorf("gossip: resolving seeds: %w", err)
	}

	if len(addrs) == 0 {
		e.roster.MutateSelf(func(en *Entry) { en.JoinOrder = 1; en.Status = cluster.StatusUp })
		e.startGossipLoop()
		e.startSplitBrainLoop(ctx)
		e.publish(cluster.EventJoin)
		e.log.Info("founding cluster, no seed nodes found")
		return nil
	}

	order := rand.Perm(len(addrs))
	var lastErr error
	for _, i := range order {
		addr := addrs[i]
		outcome, err := e.attemptJoin(ctx, addr)
		if err != nil {
			lastErr = err
			e.log.WithError(err).WithField("seed", addr).Warn("join attempt failed, trying next seed")
			continue
		}
		if outcome.reject != nil {
			e.setSelfStatus(cluster.StatusDown)
			return &RejectedError{Reason: outcome.reject.Reason}
		}

		e.roster.MutateSelf(func(en *Entry) {
			en.JoinOrder = outcome.accept.JoinOrder
			en.Status = cluster.StatusJoining
		})
		e.roster.Merge(outcome.accept.Roster)

		e.startGossipLoop()
		e.waitForFirstRound(ctx)

		e.setSelfStatus(cluster.StatusSynchronizing)
		e.setSelfStatus(cluster.StatusUp)
		e.startSplitBrainLoop(ctx)
		e.publish(cluster.EventJoin)
		return nil
	}

	e.setSelfStatus(cluster.StatusDown)
	if lastErr == nil {
		lastErr = errors.New("no seed responded")
	}
	return fmt.Errorf("gossip: join failed: %w", lastErr)
}

func (e *Engine) attemptJoin(ctx context.Context, addr string) (joinOutcome, error) {
	client, err := e.transport.Connect(addr, Protocol, nil)
	if err != nil {
		return joinOutcome{}, err
	}
	defer client.Disconnect()

	ch := make(chan joinOutcome, 1)
	e.joinMu.Lock()
	e.joinCh = ch
	e.joinMu.Unlock()
	defer func() {
		e.joinMu.Lock()
		if e.joinCh == ch {
			e.joinCh = nil
		}
		e.joinMu.Unlock()
	}()

	req := joinRequest{Node: e.roster.Self(), ClusterName: e.cfg.ClusterName}
	client.Send(req.encode(), nil)

	select {
	case outcome := <-ch:
		return outcome, nil
	case <-time.After(e.cfg.RequestTimeout):
		return joinOutcome{}, fmt.Errorf("join request to %s timed out", addr)
	case <-ctx.Done():
		return joinOutcome{}, ctx.Err()
	}
}

func (e *Engine) waitForFirstRound(ctx context.Context) {
	select {
	case <-e.firstRoundDone:
	case <-ctx.Done():
	case <-time.After(e.cfg.GossipInterval * 5):
	}
}

// Leave runs the graceful LEAVE sequence (spec §4.D): announce LEAVING
// to every known peer, wait for at least one acknowledgement, then
// transition to DOWN.
func (e *Engine) Leave(ctx context.Context) error {
	self := e.roster.MutateSelf(func(en *Entry) { en.Status = cluster.StatusLeaving })

	peers := e.roster.Peers()
	acked := make(chan struct{}, 1)
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p Entry) {
			defer wg.Done()
			if e.notifyLeave(p, self) {
				select {
				case acked <- struct{}{}:
				default:
				}
			}
		}(p)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	if len(peers) > 0 {
		select {
		case <-acked:
		case <-done:
		case <-ctx.Done():
		case <-time.After(e.cfg.RequestTimeout):
		}
	}

	e.stopGossipLoop()
	e.stopSplitBrainLoop()
	e.roster.MutateSelf(func(en *Entry) { en.Status = cluster.StatusDown })
	e.publish(cluster.EventLeave)
	return nil
}

func (e *Engine) notifyLeave(peer, self Entry) bool {
	client, err := e.transport.Connect(peer.Address, Protocol, nil)
	if err != nil {
		return false
	}
	defer client.Disconnect()

	ackCh := make(chan struct{}, 1)
	e.leaveAcks.Store(client, ackCh)
	defer e.leaveAcks.Delete(client)

	client.Send(leaveNotice{Node: self}.encode(), nil)
	select {
	case <-ackCh:
		return true
	case <-time.After(e.cfg.RequestTimeout):
		return false
	}
}

// Terminate skips the LEAVE exchange and relies on peer failure
// detection (spec §4.D: "terminate() skips this exchange").
func (e *Engine) Terminate() error {
	e.stopGossipLoop()
	e.stopSplitBrainLoop()
	e.setSelfStatus(cluster.StatusTerminating)
	e.roster.MutateSelf(func(en *Entry) { en.Status = cluster.StatusDown })
	e.publish(cluster.EventLeave)
	return nil
}

// onFrame is the gossip Connector's Receiver, dispatching on the
// protocol-level message type byte embedded in the application body
// (spec §6).
func (e *Engine) onFrame(c *transport.Client, body []byte) {
	if len(body) == 0 {
		return
	}
	typ, payload := body[0], body[1:]
	switch typ {
	case msgJoinRequest:
		e.handleJoinRequest(c, payload)
	case msgJoinAccept:
		e.handleJoinAccept(payload)
	case msgJoinReject:
		e.handleJoinReject(payload)
	case msgGossipPush:
		e.handleGossipPush(c, payload)
	case msgGossipReply:
		e.handleGossipReply(c, payload)
	case msgLeave:
		e.handleLeave(c, payload)
	case msgLeaveAck:
		e.handleLeaveAck(c)
	default:
		e.log.WithField("type", typ).Warn("gossip: unknown message type")
	}
}

func (e *Engine) deliverJoinOutcome(o joinOutcome) {
	e.joinMu.Lock()
	ch := e.joinCh
	e.joinMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- o:
	default:
	}
}

func (e *Engine) handleJoinAccept(payload []byte) {
	accept, err := decodeJoinAccept(payload)
	if err != nil {
		e.log.WithError(err).Warn("gossip: malformed join accept")
		return
	}
	e.deliverJoinOutcome(joinOutcome{accept: &accept})
}

func (e *Engine) handleJoinReject(payload []byte) {
	reject, err := decodeJoinReject(payload)
	if err != nil {
		e.log.WithError(err).Warn("gossip: malformed join reject")
		return
	}
	e.deliverJoinOutcome(joinOutcome{reject: &reject})
}

func (e *Engine) handleJoinRequest(c *transport.Client, payload []byte) {
	req, err := decodeJoinRequest(payload)
	if err != nil {
		e.log.WithError(err).Warn("gossip: malformed join request")
		return
	}

	reason := e.validators.Run(req.Node, e.cfg.ClusterName)
	if reason == "" && req.ClusterName != e.cfg.ClusterName {
		reason = fmt.Sprintf("cluster name mismatch: local %q, requested %q", e.cfg.ClusterName, req.ClusterName)
	}
	if reason != "" {
		c.Send(joinReject{Reason: reason}.encode(), nil)
		return
	}
	order := e.roster.NextJoinOrder()

	candidate := req.Node
	candidate.JoinOrder = order
	candidate.Status = cluster.StatusJoining
	candidate.Version = 1
	changed := e.roster.Merge([]Entry{candidate})

	accept := joinAccept{JoinOrder: order, Roster: e.roster.Entries()}
	c.Send(accept.encode(), nil)

	e.afterMerge(changed)
	e.log.WithField("node", candidate.ID).WithField("joinOrder", order).Info("admitted joining node")
}

func (e *Engine) handleGossipPush(c *transport.Client, payload []byte) {
	update, err := decodeGossipUpdate(payload)
	if err != nil {
		e.log.WithError(err).Warn("gossip: malformed push")
		return
	}
	changed := e.roster.Merge(update.Rumors)

	remote := make(map[nodeid.ID]Digest, len(update.Digest))
	for _, d := range update.Digest {
		remote[d.ID] = d
	}
	var senderNeeds []nodeid.ID
	for _, our := range e.roster.Digest() {
		rd, ok := remote[our.ID]
		if !ok || our.Version > rd.Version || (our.Version == rd.Version && our.Status.HigherGossipPriority(rd.Status)) {
			senderNeeds = append(senderNeeds, our.ID)
		}
	}
	reply := gossipUpdate{Digest: e.roster.Digest(), Rumors: e.roster.Rumors(senderNeeds)}
	c.Send(reply.encodeAs(msgGossipReply), nil)

	e.afterMerge(changed)
}

func (e *Engine) handleGossipReply(c *transport.Client, payload []byte) {
	update, err := decodeGossipUpdate(payload)
	if err != nil {
		e.log.WithError(err).Warn("gossip: malformed reply")
		return
	}
	if chv, ok := e.pending.Load(c); ok {
		select {
		case chv.(chan gossipUpdate) <- update:
		default:
		}
	}
}

func (e *Engine) handleLeave(c *transport.Client, payload []byte) {
	notice, err := decodeLeaveNotice(payload)
	if err != nil {
		e.log.WithError(err).Warn("gossip: malformed leave notice")
		return
	}
	changed := e.roster.Merge([]Entry{notice.Node})
	c.Send(encodeLeaveAck(), nil)
	e.afterMerge(changed)
}

func (e *Engine) handleLeaveAck(c *transport.Client) {
	if chv, ok := e.leaveAcks.Load(c); ok {
		select {
		case chv.(chan struct{}) <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) afterMerge(changed []nodeid.ID) {
	if len(changed) == 0 {
		return
	}
	e.publish(cluster.EventChange)
}

func (e *Engine) publish(kind cluster.EventKind) {
	v := atomic.AddUint64(&e.topoVersion, 1)
	e.view.Publish(kind, e.roster.Topology(v))
}

// startGossipLoop launches the single timer-driven gossip-round worker
// (spec §5, "Gossip thread: single timer-driven worker").
func (e *Engine) startGossipLoop() {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	if e.stopCh != nil {
		return
	}
	e.stopCh = make(chan struct{})
	e.firstRoundDone = make(chan struct{})
	stopCh := e.stopCh
	firstRoundDone := e.firstRoundDone

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.GossipInterval)
		defer ticker.Stop()
		first := true
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				e.round()
				if first {
					close(firstRoundDone)
					first = false
				}
			}
		}
	}()
}

func (e *Engine) stopGossipLoop() {
	e.stopMu.Lock()
	stopCh := e.stopCh
	e.stopCh = nil
	e.stopMu.Unlock()
	if stopCh != nil {
		close(stopCh)
		e.wg.Wait()
	}
}

// round runs one gossip exchange against a random fanout of peers
// (spec §4.D).
func (e *Engine) round() {
	peers := e.roster.Peers()
	if len(peers) == 0 {
		return
	}
	targets := pickRandom(peers, e.cfg.Fanout)

	var wg sync.WaitGroup
	for _, p := range targets {
		wg.Add(1)
		go func(p Entry) {
			defer wg.Done()
			e.gossipWith(p)
		}(p)
	}
	wg.Wait()
}

func (e *Engine) gossipWith(peer Entry) {
	client, err := e.transport.Connect(peer.Address, Protocol, nil)
	if err != nil {
		e.suspect(peer.ID)
		return
	}
	defer client.Disconnect()

	replyCh := make(chan gossipUpdate, 1)
	e.pending.Store(client, replyCh)
	defer e.pending.Delete(client)

	push := gossipUpdate{Digest: e.roster.Digest()}
	client.Send(push.encodeAs(msgGossipPush), nil)

	select {
	case reply := <-replyCh:
		changed := e.roster.Merge(reply.Rumors)
		e.roster.ClearSuspicions(peer.ID)
		e.afterMerge(changed)
	case <-time.After(e.cfg.RequestTimeout):
		e.suspect(peer.ID)
	}
}

func (e *Engine) suspect(target nodeid.ID) {
	self := e.roster.Self()
	quorum := int(e.cfg.FailureQuorumFraction * float64(e.roster.UpCount()))
	if e.roster.Suspect(self.ID, target, quorum) {
		if entry, ok := e.roster.MarkFailed(target); ok {
			e.afterMerge([]nodeid.ID{entry.ID})
			e.log.WithField("node", entry.ID).Warn("peer exceeded failure quorum, marking FAILED")
		}
	}
}

// startSplitBrainLoop runs the periodic split-brain detector check
// (spec §4.D: "repeating at a fixed interval while invalid").
func (e *Engine) startSplitBrainLoop(ctx context.Context) {
	e.splitBrainStop = make(chan struct{})
	stop := e.splitBrainStop
	go func() {
		ticker := time.NewTicker(e.cfg.SplitBrainCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				e.checkSplitBrain()
			}
		}
	}()
}

func (e *Engine) stopSplitBrainLoop() {
	if e.splitBrainStop != nil {
		close(e.splitBrainStop)
		e.splitBrainStop = nil
	}
}

func (e *Engine) checkSplitBrain() {
	self := e.roster.Self()
	valid, detectorFailed := e.safeIsValid(self)
	if valid {
		return
	}

	action := e.cfg.SplitBrainAction
	if detectorFailed {
		action = ActionTerminate
	}

	switch action {
	case ActionRejoin:
		if e.cfg.OnRejoin != nil {
			e.cfg.OnRejoin()
		}
	default:
		if e.cfg.OnTerminate != nil {
			e.cfg.OnTerminate()
		} else {
			_ = e.Terminate()
		}
	}
}

func (e *Engine) safeIsValid(self Entry) (valid, detectorFailed bool) {
	defer func() {
		if r := recover(); r != nil {
			valid = false
			detectorFailed = true
			e.log.WithField("panic", r).Error("split-brain detector panicked")
		}
	}()
	return e.detector.IsValid(self), false
}

func pickRandom(entries []Entry, k int) []Entry {
	if k >= len(entries) {
		return entries
	}
	perm := rand.Perm(len(entries))
	out := make([]Entry, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, entries[perm[i]])
	}
	return out
}
