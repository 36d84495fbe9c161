package coordination

import (
	"context"
	"sync"

	"github.com/hekate-io/hekate/internal/cluster"
	"github.com/hekate-io/hekate/internal/nodeid"
)

// Request and Reply are opaque payloads a Handler exchanges during a
// round; their shape is entirely up to the registered handler (spec
// §4.I).
type Request = any
type Reply = any

// RoundInfo is what a non-coordinator participant sees when answering
// an inbound broadcast request: who the members and coordinator are
// for this round, without the coordinator's own mutable attachment.
type RoundInfo struct {
	Members     []nodeid.ID
	Coordinator nodeid.ID
}

// Handler implements one coordination process's logic (spec §4.I).
// Prepare runs once per round on the coordinator only, driving it to
// completion via Context's Broadcast/Complete/Cancel. Process answers
// one broadcast request on every participant, including the
// coordinator itself.
type Handler interface {
	Prepare(ctx *Context)
	Process(req Request, info RoundInfo) Reply
}

// Broadcaster delivers one round's request to every member (including
// the coordinator) and collects their replies, and separately signals
// round completion so non-coordinator participants can complete their
// own futureOf(name) (spec §4.I: "the gateway forwards the request to
// every member"). Decoupled from internal/messaging the same way
// internal/lock.Broadcaster is, so this package never imports it.
type Broadcaster interface {
	Broadcast(ctx context.Context, info RoundInfo, req Request) (map[nodeid.ID]Reply, error)
	NotifyCompleted(ctx context.Context, info RoundInfo) error
}

// Context is the per-round state a Handler drives (spec §4.I:
// "{members, coordinator, attachment, done, cancelled}"). Members and
// Coordinator are fixed for the round; Attachment is the handler's own
// scratch space, free to mutate between broadcasts.
type Context struct {
	Members     []cluster.Node
	Coordinator nodeid.ID
	Attachment  any

	proc *Process
	key  uint64

	mu        sync.Mutex
	done      bool
	cancelled bool
}

func (c *Context) info() RoundInfo {
	return RoundInfo{Members: nodeIDs(c.Members), Coordinator: c.Coordinator}
}

// Broadcast sends req to every member and runs callback, on this
// process's single-threaded executor, once every reply is in (spec
// §4.I). A handler drives multiple rounds simply by calling Broadcast
// again from within callback; nested closures compose naturally here,
// so no separate round state machine is needed.
func (c *Context) Broadcast(req Request, callback func(replies map[nodeid.ID]Reply)) {
	info := c.info()
	go func() {
		replies, err := c.proc.broadcaster.Broadcast(context.Background(), info, req)
		c.proc.runOnExecutor(func() {
			c.mu.Lock()
			cancelled := c.cancelled
			c.mu.Unlock()
			if cancelled || c.superseded() {
				return
			}
			if err != nil {
				c.proc.log.WithError(err).Warn("coordination broadcast failed")
				return
			}
			callback(replies)
		})
	}()
}

// Complete signals the round finished successfully (spec §4.I:
// "coordinator signals completion with ctx.complete()"). It notifies
// every other member so their local futureOf(name) also fires.
func (c *Context) Complete() {
	c.mu.Lock()
	if c.done || c.cancelled {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.mu.Unlock()

	c.proc.completeLocal(c.key)
	go func() {
		if err := c.proc.broadcaster.NotifyCompleted(context.Background(), c.info()); err != nil {
			c.proc.log.WithError(err).Warn("coordination completion notice failed")
		}
	}()
}

// Cancel aborts the round without notifying other members (spec
// §4.I: "ctx.cancel() aborts the round").
func (c *Context) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
}

func (c *Context) superseded() bool {
	return c.proc.currentKey() != c.key
}

func nodeIDs(nodes []cluster.Node) []nodeid.ID {
	out := make([]nodeid.ID, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
