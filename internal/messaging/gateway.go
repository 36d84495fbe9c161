package messaging

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"

	"github.com/hekate-io/hekate/internal/balancer"
	"github.com/hekate-io/hekate/internal/cluster"
	"github.com/hekate-io/hekate/internal/codec"
	"github.com/hekate-io/hekate/internal/nodeid"
	"github.com/hekate-io/hekate/internal/transport"
	"github.com/sirupsen/logrus"
)

// Gateway owns every registered channel and the transport they share
// (spec §4.G). One Gateway typically backs one Hekate node.
type Gateway struct {
	transport *transport.Transport
	view      *cluster.View
	self      nodeid.ID
	log       *logrus.Entry

	channels map[string]*Channel
}

// NewGateway creates a Gateway bound to transport and view. log may be
// nil.
func NewGateway(tr *transport.Transport, view *cluster.View, self nodeid.ID, log *logrus.Entry) *Gateway {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Gateway{
		transport: tr,
		view:      view,
		self:      self,
		log:       log.WithField("component", "messaging"),
		channels:  make(map[string]*Channel),
	}
}

// Channel is one named routed, codec'd, pooled messaging endpoint
// (spec §4.G).
type Channel struct {
	cfg      ChannelConfig
	gateway  *Gateway
	pool     *ConnPool
	workers  *WorkerPool
	guard    *SendPressureGuard
	corr     *correlator
	receiver Receiver
	log      *logrus.Entry
}

// protocolFor derives this channel's transport protocol identifier.
func protocolFor(name string) string { return "hekate-messaging:" + name }

// RegisterChannel installs a new channel. receiver may be nil for a
// channel this node only ever originates requests on.
func (g *Gateway) RegisterChannel(cfg ChannelConfig, receiver Receiver) (*Channel, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("messaging: channel name must not be empty")
	}
	if _, exists := g.channels[cfg.Name]; exists {
		return nil, fmt.Errorf("messaging: channel %q already registered", cfg.Name)
	}
	cfg.withDefaults()

	pool, err := NewConnPool(g.transport, protocolFor(cfg.Name), cfg.Sockets, DefaultCachedPeers)
	if err != nil {
		return nil, err
	}

	ch := &Channel{
		cfg:      cfg,
		gateway:  g,
		pool:     pool,
		workers:  NewWorkerPool(cfg.AsyncWorkers),
		guard:    NewSendPressureGuard(cfg.SendMaxBytes, cfg.SendMaxMessages, cfg.OverflowPolicy),
		corr:     newCorrelator(),
		receiver: receiver,
		log:      g.log.WithField("channel", cfg.Name),
	}

	connector := &transport.Connector{
		Name:     "messaging:" + cfg.Name,
		Protocol: protocolFor(cfg.Name),
		Receiver: ch.onFrame,
	}
	if err := g.transport.Register(connector); err != nil {
		return nil, err
	}

	g.channels[cfg.Name] = ch
	return ch, nil
}

// Channel returns a previously registered channel by name.
func (g *Gateway) Channel(name string) (*Channel, bool) {
	ch, ok := g.channels[name]
	return ch, ok
}

// Close releases a channel's connection pool and worker goroutines.
func (ch *Channel) Close() {
	ch.pool.Close()
	ch.workers.Close()
}

func (ch *Channel) onFrame(c *transport.Client, body []byte) {
	env, err := decodeEnvelope(body)
	if err != nil {
		ch.log.WithError(err).Warn("dropping malformed messaging frame")
		return
	}

	switch env.Kind {
	case kindPartialReply, kindFinalReply, kindErrorReply:
		ch.corr.deliver(env)
	case kindRequest, kindNotification:
		ch.dispatchInbound(c, env)
	}
}

func (ch *Channel) dispatchInbound(c *transport.Client, env envelope) {
	if ch.receiver == nil {
		return
	}
	var hasAffinity bool
	var affinityHash uint32
	// The envelope carries no affinity tag, so hasAffinity stays false:
	// every inbound request spreads across the worker pool, and
	// per-key ordering is not kept on the receiving side.
	ch.workers.Dispatch(context.Background(), hasAffinity, affinityHash, func() {
		ch.runReceiver(c, env)
	})
}

func (ch *Channel) runReceiver(c *transport.Client, env envelope) {
	reply := &ReplyContext{client: c, channel: ch.cfg.Name, corrID: env.CorrelationID, codec: ch.cfg.Codec, notification: env.Kind == kindNotification}
	defer func() {
		if r := recover(); r != nil {
			_ = reply.Error(&PanicError{Value: r, Stack: string(debug.Stack())})
		}
	}()

	msg, err := ch.decode(env.Payload)
	if err != nil {
		_ = reply.Error(err)
		return
	}
	ch.receiver(context.Background(), msg, reply)
}

func (ch *Channel) decode(payload []byte) (codec.Message, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	return ch.cfg.Codec.Decode(codec.NewReader(bytes.NewReader(payload)))
}

func (ch *Channel) encode(msg codec.Message) ([]byte, error) {
	if msg == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	w := codec.NewWriter(&buf)
	if err := ch.cfg.Codec.Encode(msg, w); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ErrRoutingFailed is returned when the load balancer has no target
// available (spec §4.J: "none available -> routing fails").
var ErrRoutingFailed = fmt.Errorf("messaging: no route available")

// ErrNoTopology is returned when Send is called before any topology
// has been published.
var ErrNoTopology = fmt.Errorf("messaging: no topology published yet")

// Send routes req per the channel's LoadBalancer and FailoverPolicy,
// blocking for the final reply (spec §4.G, §5: "blocking calls wait
// on completion primitives"). Partial replies, if any, are discarded;
// use SendAsync to observe them.
func (ch *Channel) Send(ctx context.Context, req Request) (codec.Message, error) {
	type result struct {
		msg codec.Message
		err error
	}
	done := make(chan result, 1)
	cancel := ch.SendAsync(ctx, req, nil,
		func(msg codec.Message) { done <- result{msg: msg} },
		func(err error) { done <- result{err: err} },
	)
	defer cancel()
	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendAsync routes req and returns immediately; onPartial fires zero
// or more times, then exactly one of onFinal or onError fires (spec
// §4.G, §5: "Async counterparts return futures"). The returned cancel
// function releases tracking resources if the caller stops waiting.
func (ch *Channel) SendAsync(ctx context.Context, req Request, onPartial func(codec.Message), onFinal func(codec.Message), onError func(error)) (cancel func()) {
	req.resolveAffinity()

	ctx, cancelCtx := context.WithTimeout(ctx, ch.cfg.RequestTimeout)
	go ch.attempt(ctx, req, 1, nil, false, onPartial, onFinal, onError)
	return cancelCtx
}

func (ch *Channel) attempt(ctx context.Context, req Request, attempt int, failure *balancer.FailureInfo, forceSameNode bool, onPartial func(codec.Message), onFinal func(codec.Message), onError func(error)) {
	topo, ok := ch.gateway.view.Current()
	if !ok {
		onError(ErrNoTopology)
		return
	}
	routeTopo := cluster.New(topo.Version(), topo.Filter(ch.cfg.Filter))

	rc := balancer.RoutingContext{
		Topology:     routeTopo,
		AffinityKey:  req.AffinityKey,
		HasAffinity:  req.HasAffinity,
		AffinityHash: req.AffinityHash,
		Failure:      failure,
	}

	var target nodeid.ID
	if forceSameNode && failure != nil {
		target = failure.LastNode
	} else {
		id, ok := ch.cfg.Balancer.Route(rc)
		if !ok {
			onError(ErrRoutingFailed)
			return
		}
		target = id
	}

	node, ok := routeTopo.Get(target)
	if !ok {
		onError(ErrRoutingFailed)
		return
	}

	payload, err := ch.encode(req.Message)
	if err != nil {
		onError(err)
		return
	}

	if err := ch.guard.Acquire(ctx, len(payload)); err != nil {
		onError(err)
		return
	}

	client, err := ch.pool.Get(node.Address, req.HasAffinity, req.AffinityHash)
	if err != nil {
		ch.guard.Release(len(payload))
		ch.failOrRetry(ctx, req, attempt, target, rc, err, onPartial, onFinal, onError)
		return
	}

	corrID := ch.corr.allocate(
		func(payload []byte) {
			if onPartial == nil {
				return
			}
			msg, err := ch.decode(payload)
			if err != nil {
				onError(err)
				return
			}
			onPartial(msg)
		},
		func(payload []byte) {
			msg, err := ch.decode(payload)
			if err != nil {
				onError(err)
				return
			}
			onFinal(msg)
		},
		func(stack string) {
			onError(fmt.Errorf("messaging: remote error: %s", stack))
		},
	)

	env := envelope{Channel: ch.cfg.Name, CorrelationID: corrID, Kind: kindRequest, Payload: payload}
	sendDone := make(chan error, 1)
	client.Send(env.encode(), func(err error) { sendDone <- err })

	select {
	case err := <-sendDone:
		ch.guard.Release(len(payload))
		if err != nil {
			ch.corr.cancel(corrID)
			ch.failOrRetry(ctx, req, attempt, target, rc, err, onPartial, onFinal, onError)
		}
	case <-ctx.Done():
		ch.guard.Release(len(payload))
		ch.corr.cancel(corrID)
		onError(ctx.Err())
	}
}

// SendTo issues req directly at target, bypassing the channel's load
// balancer entirely. Components that already know which peer they
// need — lock migration and coordination broadcasts (spec §4.H,
// §4.I), which address specific members rather than routing by
// affinity — use this instead of Send.
func (ch *Channel) SendTo(ctx context.Context, target nodeid.ID, req Request) (codec.Message, error) {
	type result struct {
		msg codec.Message
		err error
	}
	done := make(chan result, 1)
	ctx, cancel := context.WithTimeout(ctx, ch.cfg.RequestTimeout)
	defer cancel()
	go ch.attemptTarget(ctx, req, target,
		func(codec.Message) {},
		func(msg codec.Message) { done <- result{msg: msg} },
		func(err error) { done <- result{err: err} },
	)
	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ch *Channel) attemptTarget(ctx context.Context, req Request, target nodeid.ID, onPartial func(codec.Message), onFinal func(codec.Message), onError func(error)) {
	topo, ok := ch.gateway.view.Current()
	if !ok {
		onError(ErrNoTopology)
		return
	}
	node, ok := topo.Get(target)
	if !ok {
		onError(ErrRoutingFailed)
		return
	}

	payload, err := ch.encode(req.Message)
	if err != nil {
		onError(err)
		return
	}
	if err := ch.guard.Acquire(ctx, len(payload)); err != nil {
		onError(err)
		return
	}

	client, err := ch.pool.Get(node.Address, req.HasAffinity, req.AffinityHash)
	if err != nil {
		ch.guard.Release(len(payload))
		onError(err)
		return
	}

	corrID := ch.corr.allocate(
		func(payload []byte) {
			if onPartial == nil {
				return
			}
			msg, err := ch.decode(payload)
			if err != nil {
				onError(err)
				return
			}
			onPartial(msg)
		},
		func(payload []byte) {
			msg, err := ch.decode(payload)
			if err != nil {
				onError(err)
				return
			}
			onFinal(msg)
		},
		func(stack string) {
			onError(fmt.Errorf("messaging: remote error: %s", stack))
		},
	)

	env := envelope{Channel: ch.cfg.Name, CorrelationID: corrID, Kind: kindRequest, Payload: payload}
	sendDone := make(chan error, 1)
	client.Send(env.encode(), func(err error) { sendDone <- err })

	select {
	case err := <-sendDone:
		ch.guard.Release(len(payload))
		if err != nil {
			ch.corr.cancel(corrID)
			onError(err)
		}
	case <-ctx.Done():
		ch.guard.Release(len(payload))
		ch.corr.cancel(corrID)
		onError(ctx.Err())
	}
}

func (ch *Channel) failOrRetry(ctx context.Context, req Request, attempt int, lastNode nodeid.ID, rc balancer.RoutingContext, cause error, onPartial func(codec.Message), onFinal func(codec.Message), onError func(error)) {
	if ch.cfg.Failover == nil || attempt >= ch.cfg.MaxAttempts {
		onError(cause)
		return
	}
	failure := balancer.FailureInfo{Cause: cause, Attempt: attempt, LastNode: lastNode, Routing: rc}
	switch ch.cfg.Failover.Decide(failure) {
	case balancer.DecisionRetrySameNode:
		ch.attempt(ctx, req, attempt+1, &failure, true, onPartial, onFinal, onError)
	case balancer.DecisionRetryOtherNode:
		ch.attempt(ctx, req, attempt+1, &failure, false, onPartial, onFinal, onError)
	default:
		onError(cause)
	}
}

// ReplyContext lets a Receiver produce the reply semantics spec §4.G
// describes: zero or more Partial calls, then exactly one Final or
// Error, or neither for a notification.
type ReplyContext struct {
	client       *transport.Client
	channel      string
	corrID       int32
	codec        codec.Codec
	notification bool
}

// Partial sends one streaming chunk.
func (r *ReplyContext) Partial(msg codec.Message) error {
	if r.notification {
		return nil
	}
	return r.send(kindPartialReply, msg, "")
}

// Final completes the request with msg.
func (r *ReplyContext) Final(msg codec.Message) error {
	if r.notification {
		return nil
	}
	return r.send(kindFinalReply, msg, "")
}

// Error completes the request with a failure, carrying a stack trace
// string (spec §4.G).
func (r *ReplyContext) Error(err error) error {
	if r.notification {
		return nil
	}
	stack := err.Error()
	if pe, ok := err.(*PanicError); ok {
		stack = pe.Stack
	}
	return r.send(kindErrorReply, nil, stack)
}

func (r *ReplyContext) send(kind envelopeKind, msg codec.Message, stack string) error {
	var payload []byte
	if msg != nil {
		var buf bytes.Buffer
		w := codec.NewWriter(&buf)
		if err := r.codec.Encode(msg, w); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		payload = buf.Bytes()
	}
	env := envelope{Channel: r.channel, CorrelationID: r.corrID, Kind: kind, Payload: payload, StackTrace: stack}
	done := make(chan error, 1)
	r.client.Send(env.encode(), func(err error) { done <- err })
	return <-done
}

// PanicError captures a receiver panic's value and stack trace, used
// as the cause of the ERROR reply a recovered panic produces (spec
// §4.G: "an error reply carrying a stack trace string").
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("messaging: receiver panicked: %v", e.Value) }
