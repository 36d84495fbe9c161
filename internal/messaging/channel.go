package messaging

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/hekate-io/hekate/internal/balancer"
	"github.com/hekate-io/hekate/internal/cluster"
	"github.com/hekate-io/hekate/internal/codec"
)

// Request is one outbound message on a channel (spec §4.G).
type Request struct {
	Message      codec.Message
	AffinityKey  string
	HasAffinity  bool
	AffinityHash uint32
}

func (r *Request) resolveAffinity() {
	if !r.HasAffinity || r.AffinityHash != 0 {
		return
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(r.AffinityKey))
	r.AffinityHash = h.Sum32()
}

// Receiver handles an inbound request on a channel (spec §4.G). It
// produces zero or more Partial calls on reply, then exactly one of
// Final or Error — or neither, for a notification the gateway never
// expects a reply to.
type Receiver func(ctx context.Context, msg codec.Message, reply *ReplyContext)

// ChannelConfig configures one named channel (spec §4.G).
type ChannelConfig struct {
	Name         string
	Codec        codec.Codec
	Filter       func(cluster.Node) bool
	Balancer     balancer.LoadBalancer
	Failover     balancer.FailoverPolicy
	Sockets      int
	AsyncWorkers int

	SendMaxBytes    int64
	SendMaxMessages int
	OverflowPolicy  OverflowPolicy

	RequestTimeout time.Duration
	MaxAttempts    int
}

func (c *ChannelConfig) withDefaults() {
	if c.Filter == nil {
		c.Filter = func(cluster.Node) bool { return true }
	}
	if c.Balancer == nil {
		c.Balancer = &balancer.AffinityHash{}
	}
	if c.Sockets < 1 {
		c.Sockets = DefaultSockets
	}
	if c.AsyncWorkers < 1 {
		c.AsyncWorkers = DefaultAsyncWorkers
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
}

// Defaults for an unconfigured channel.
const (
	DefaultSockets        = 2
	DefaultAsyncWorkers   = 4
	DefaultRequestTimeout = 10 * time.Second
	DefaultCachedPeers    = 256
)
