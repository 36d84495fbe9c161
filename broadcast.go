package hekate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/hekate-io/hekate/internal/coordination"
	"github.com/hekate-io/hekate/internal/lock"
	"github.com/hekate-io/hekate/internal/messaging"
	"github.com/hekate-io/hekate/internal/nodeid"
)

// controlLocksChannel and controlCoordinationChannel name the two
// internal messaging channels lock migration and coordination rounds
// travel over. They are reserved: a messaging.channels[*] entry using
// either name is rejected by Cluster's wiring (see hekate.go).
const (
	controlLocksChannel        = "__hekate_locks"
	controlCoordinationChannel = "__hekate_coordination"
)

// decodeAs converts a value decoded by a generic codec (codec.JSON
// hands back a bare map[string]any) into a concrete T by round-
// tripping it through encoding/json a second time. Any codec that
// already produces a concrete T survives the same round trip
// unchanged, so this works regardless of which codec a deployment
// registers for the control channels.
func decodeAs[T any](msg any) (T, error) {
	var zero T
	if msg == nil {
		return zero, nil
	}
	if v, ok := msg.(T); ok {
		return v, nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return zero, err
	}
	return out, nil
}

// lockEnvelope is the wire shape both migration phases share on the
// locks control channel (spec §4.H).
type lockEnvelope struct {
	Kind    string // "prepare" or "apply"
	Prepare lock.MigrationPrepare
	Apply   lock.MigrationApply
}

// lockReplyEnvelope answers a "prepare" lockEnvelope.
type lockReplyEnvelope struct {
	Reply lock.MigrationPrepareReply
}

// lockBroadcaster adapts the locks control channel to
// internal/lock.Broadcaster. One instance is shared by every region
// registered on a Cluster, since lock.MigrationPrepare/Apply already
// carry their own region name.
type lockBroadcaster struct {
	channel *messaging.Channel
}

func (b *lockBroadcaster) BroadcastPrepare(ctx context.Context, targets []nodeid.ID, req lock.MigrationPrepare) (map[nodeid.ID]lock.MigrationPrepareReply, error) {
	type outcome struct {
		id    nodeid.ID
		reply lock.MigrationPrepareReply
		err   error
	}
	results := make(chan outcome, len(targets))
	for _, target := range targets {
		target := target
		go func() {
			msg, err := b.channel.SendTo(ctx, target, messaging.Request{Message: lockEnvelope{Kind: "prepare", Prepare: req}})
			if err != nil {
				results <- outcome{id: target, err: err}
				return
			}
			reply, err := decodeAs[lockReplyEnvelope](msg)
			if err != nil {
				results <- outcome{id: target, err: err}
				return
			}
			results <- outcome{id: target, reply: reply.Reply}
		}()
	}

	replies := make(map[nodeid.ID]lock.MigrationPrepareReply, len(targets))
	var merged error
	for range targets {
		r := <-results
		if r.err != nil {
			merged = multierror.Append(merged, r.err)
			continue
		}
		replies[r.id] = r.reply
	}
	return replies, merged
}

func (b *lockBroadcaster) BroadcastApply(ctx context.Context, targets []nodeid.ID, req lock.MigrationApply) error {
	errs := make(chan error, len(targets))
	for _, target := range targets {
		target := target
		go func() {
			_, err := b.channel.SendTo(ctx, target, messaging.Request{Message: lockEnvelope{Kind: "apply", Apply: req}})
			errs <- err
		}()
	}
	var merged error
	for range targets {
		if err := <-errs; err != nil {
			merged = multierror.Append(merged, err)
		}
	}
	return merged
}

// handleLockControl is the Receiver for controlLocksChannel, dispatched
// to whichever lock.Region the envelope's migration message names.
func (c *Cluster) handleLockControl(_ context.Context, msg any, reply *messaging.ReplyContext) {
	env, err := decodeAs[lockEnvelope](msg)
	if err != nil {
		_ = reply.Error(err)
		return
	}
	switch env.Kind {
	case "prepare":
		region, ok := c.lockRegion(env.Prepare.Region)
		if !ok {
			_ = reply.Error(fmt.Errorf("hekate: unknown lock region %q", env.Prepare.Region))
			return
		}
		r := region.HandlePrepare(env.Prepare)
		_ = reply.Final(lockReplyEnvelope{Reply: r})
	case "apply":
		region, ok := c.lockRegion(env.Apply.Region)
		if !ok {
			_ = reply.Error(fmt.Errorf("hekate: unknown lock region %q", env.Apply.Region))
			return
		}
		region.HandleApply(env.Apply)
		_ = reply.Final(nil)
	default:
		_ = reply.Error(fmt.Errorf("hekate: malformed lock control message %q", env.Kind))
	}
}

// coordEnvelope is the wire shape every coordination control message
// shares: a request travelling out, its reply travelling back, or a
// completion notice, all tagged by process name (spec §4.I) since
// coordination.Broadcaster's own methods carry no such tag.
type coordEnvelope struct {
	Kind    string // "request", "reply", or "completed"
	Process string
	Info    coordination.RoundInfo
	Request coordination.Request
	Reply   coordination.Reply
}

// coordBroadcaster adapts the coordination control channel to
// internal/coordination.Broadcaster. Each registered process gets its
// own instance, tagging every envelope with its name.
type coordBroadcaster struct {
	channel *messaging.Channel
	process string
}

func (b *coordBroadcaster) Broadcast(ctx context.Context, info coordination.RoundInfo, req coordination.Request) (map[nodeid.ID]coordination.Reply, error) {
	type outcome struct {
		id    nodeid.ID
		reply coordination.Reply
		err   error
	}
	results := make(chan outcome, len(info.Members))
	for _, target := range info.Members {
		target := target
		go func() {
			msg, err := b.channel.SendTo(ctx, target, messaging.Request{Message: coordEnvelope{Kind: "request", Process: b.process, Info: info, Request: req}})
			if err != nil {
				results <- outcome{id: target, err: err}
				return
			}
			env, err := decodeAs[coordEnvelope](msg)
			if err != nil {
				results <- outcome{id: target, err: err}
				return
			}
			results <- outcome{id: target, reply: env.Reply}
		}()
	}

	replies := make(map[nodeid.ID]coordination.Reply, len(info.Members))
	var merged error
	for range info.Members {
		r := <-results
		if r.err != nil {
			merged = multierror.Append(merged, r.err)
			continue
		}
		replies[r.id] = r.reply
	}
	return replies, merged
}

func (b *coordBroadcaster) NotifyCompleted(ctx context.Context, info coordination.RoundInfo) error {
	errs := make(chan error, len(info.Members))
	for _, target := range info.Members {
		target := target
		go func() {
			_, err := b.channel.SendTo(ctx, target, messaging.Request{Message: coordEnvelope{Kind: "completed", Process: b.process, Info: info}})
			errs <- err
		}()
	}
	var merged error
	for range info.Members {
		if err := <-errs; err != nil {
			merged = multierror.Append(merged, err)
		}
	}
	return merged
}

// handleCoordinationControl is the Receiver for
// controlCoordinationChannel, dispatched to whichever registered
// coordination.Process the envelope names.
func (c *Cluster) handleCoordinationControl(_ context.Context, msg any, reply *messaging.ReplyContext) {
	env, err := decodeAs[coordEnvelope](msg)
	if err != nil {
		_ = reply.Error(err)
		return
	}
	proc, ok := c.coordinationProcess(env.Process)
	if !ok {
		_ = reply.Error(fmt.Errorf("hekate: unknown coordination process %q", env.Process))
		return
	}
	switch env.Kind {
	case "request":
		r := proc.HandleRequest(env.Request, env.Info)
		_ = reply.Final(coordEnvelope{Kind: "reply", Reply: r})
	case "completed":
		proc.HandleCompleted(env.Info)
		_ = reply.Final(nil)
	default:
		_ = reply.Error(fmt.Errorf("hekate: malformed coordination control message %q", env.Kind))
	}
}
