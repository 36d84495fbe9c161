// Package hekate is the public facade over every internal component:
// transport, gossip membership, the cluster view, the messaging
// gateway, distributed locks, and the coordination kernel. A Cluster
// wires them together per a loaded config.Config and a config.Registry
// of application-supplied pluggable components (spec §9's capability
// passing), and exposes the sync/async initialize/join/leave/terminate
// lifecycle API spec §6 describes.
package hekate

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hekate-io/hekate/config"
	"github.com/hekate-io/hekate/internal/cluster"
	"github.com/hekate-io/hekate/internal/codec"
	"github.com/hekate-io/hekate/internal/coordination"
	"github.com/hekate-io/hekate/internal/gossip"
	"github.com/hekate-io/hekate/internal/lifecycle"
	"github.com/hekate-io/hekate/internal/lock"
	"github.com/hekate-io/hekate/internal/messaging"
	"github.com/hekate-io/hekate/internal/metrics"
	"github.com/hekate-io/hekate/internal/nodeid"
	"github.com/hekate-io/hekate/internal/seed"
	"github.com/hekate-io/hekate/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Failure categories for ClusterFailure (spec §7: "errors are
// categorized, not typed by source").
const (
	FailureConfiguration = "configuration"
	FailureNetwork        = "network"
	FailureFatal          = "fatal"
)

// ClusterFailure is the uniform error hierarchy spec §6 requires:
// "all exceptions surface as a uniform ClusterFailure hierarchy".
type ClusterFailure struct {
	Kind  string
	Cause error
}

func (e *ClusterFailure) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("hekate: %s failure", e.Kind)
	}
	return fmt.Sprintf("hekate: %s failure: %v", e.Kind, e.Cause)
}

func (e *ClusterFailure) Unwrap() error { return e.Cause }

func configFailure(err error) error {
	if err == nil {
		return nil
	}
	return &ClusterFailure{Kind: FailureConfiguration, Cause: err}
}

func networkFailure(err error) error {
	if err == nil {
		return nil
	}
	return &ClusterFailure{Kind: FailureNetwork, Cause: err}
}

// ClusterJoinRejected is the typed failure a rejected joiner surfaces
// (spec §7: "ClusterJoinRejected{reason, rejectedBy}").
type ClusterJoinRejected struct {
	Reason     string
	RejectedBy string
}

func (e *ClusterJoinRejected) Error() string {
	return fmt.Sprintf("hekate: join rejected by %s: %s", e.RejectedBy, e.Reason)
}

// funcService is a thin lifecycle.Service adapter for components whose
// bring-up collapses to a single step (spec §9: "dynamic dispatch over
// many small interfaces maps naturally to first-class function values
// or thin adapter types implementing a single-method contract").
type funcService struct {
	name     string
	deps     []string
	init     func(ctx context.Context) error
	shutdown func(ctx context.Context) error
}

func (s *funcService) Name() string              { return s.name }
func (s *funcService) Dependencies() []string     { return s.deps }
func (s *funcService) Configure(context.Context) error     { return nil }
func (s *funcService) PreInitialize(context.Context) error { return nil }
func (s *funcService) PostInitialize(context.Context) error { return nil }

func (s *funcService) Initialize(ctx context.Context) error {
	if s.init == nil {
		return nil
	}
	return s.init(ctx)
}

func (s *funcService) Shutdown(ctx context.Context) error {
	if s.shutdown == nil {
		return nil
	}
	return s.shutdown(ctx)
}

// Cluster is one node's membership in a Hekate cluster: the lifecycle
// kernel plus every component it brings up (spec §4.F-§4.J).
type Cluster struct {
	cfg      *config.Config
	registry *config.Registry
	log      *logrus.Entry

	self nodeid.ID

	kernel    *lifecycle.Kernel
	transport *transport.Transport
	view      *cluster.View
	seeds     *seed.Manager
	gossip    *gossip.Engine
	gateway   *messaging.Gateway
	coord     *coordination.Kernel
	metrics   metrics.Sink

	boundAddr string

	mu          sync.RWMutex
	lockRegions map[string]*lock.Region
}

// New constructs a Cluster from cfg and registry but does not yet bind
// any socket or contact any peer; call Initialize, then Join. reg may
// be nil to skip Prometheus registration (metrics.NoopSink is used
// instead).
func New(cfg *config.Config, registry *config.Registry, reg prometheus.Registerer, log *logrus.Entry) (*Cluster, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := cfg.Validate(); err != nil {
		return nil, configFailure(err)
	}

	self, _ := nodeid.New()

	var sink metrics.Sink = metrics.NoopSink{}
	if reg != nil {
		sink = metrics.NewPrometheusSink(reg)
	}

	c := &Cluster{
		cfg:         cfg,
		registry:    registry,
		log:         log.WithField("component", "hekate"),
		self:        self,
		kernel:      lifecycle.New(log),
		transport:   transport.New(log, sink),
		view:        cluster.NewView(),
		metrics:     sink,
		lockRegions: make(map[string]*lock.Region),
	}

	if err := c.registerServices(); err != nil {
		return nil, err
	}
	return c, nil
}

// Self is this process's cluster-wide identity.
func (c *Cluster) Self() nodeid.ID { return c.self }

// View is the observable topology every other component subscribes
// to (spec §4.E).
func (c *Cluster) View() *cluster.View { return c.view }

// State is the kernel's current lifecycle state.
func (c *Cluster) State() cluster.Status { return c.kernel.State() }

func (c *Cluster) lockRegion(name string) (*lock.Region, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.lockRegions[name]
	return r, ok
}

// LockRegion returns a previously configured lock region by name.
func (c *Cluster) LockRegion(name string) (*lock.Region, bool) { return c.lockRegion(name) }

func (c *Cluster) coordinationProcess(name string) (*coordination.Process, bool) {
	return c.coord.Process(name)
}

// CoordinationProcess returns a previously configured coordination
// process by name.
func (c *Cluster) CoordinationProcess(name string) (*coordination.Process, bool) {
	return c.coordinationProcess(name)
}

// Channel returns a previously configured messaging channel by name.
func (c *Cluster) Channel(name string) (*messaging.Channel, bool) {
	ch, ok := c.gateway.Channel(name)
	return ch, ok
}

// aliveAddrs reports the addresses of nodes currently in the published
// topology, so seed cleanup (internal/seed.Manager.StartCleanup) never
// evicts a live member even if it happens to be slow to answer a ping.
func (c *Cluster) aliveAddrs() map[string]bool {
	alive := map[string]bool{}
	topo, ok := c.view.Current()
	if !ok {
		return alive
	}
	for _, n := range topo.Nodes() {
		alive[n.Address] = true
	}
	return alive
}

func tcpPing(ctx context.Context, addr string) bool {
	d := net.Dialer{}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(3 * time.Second)
	}
	d.Timeout = time.Until(deadline)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// registerServices registers every internal component as a
// lifecycle.Service, in dependency order, generalizing the teacher's
// fixed two-phase node bring-up into the graph lifecycle.Kernel
// resolves (spec §4.F).
func (c *Cluster) registerServices() error {
	splitBrainAction, err := c.cfg.SplitBrainActionValue()
	if err != nil {
		return configFailure(err)
	}

	detector, err := c.registry.SplitBrainDetector(c.cfg.Cluster.SplitBrainDetector)
	if err != nil {
		return configFailure(err)
	}
	validators, err := c.registry.JoinValidators(c.cfg.Cluster.JoinValidators)
	if err != nil {
		return configFailure(err)
	}
	seedProvider, err := c.registry.SeedProvider("")
	if err != nil {
		return configFailure(err)
	}

	if err := c.kernel.Register(&funcService{
		name: "transport",
		init: func(context.Context) error {
			ln, err := c.transport.Listen(c.cfg.Network.Addr(), c.cfg.Network.PortRange)
			if err != nil {
				return networkFailure(err)
			}
			c.boundAddr = ln.Addr().String()
			return nil
		},
		shutdown: func(context.Context) error { return c.transport.Close() },
	}); err != nil {
		return err
	}

	if err := c.kernel.Register(&funcService{
		name: "seeds",
		deps: []string{"transport"},
		init: func(context.Context) error {
			c.seeds = seed.NewManager(seedProvider, tcpPing, c.log)
			c.seeds.StartCleanup(context.Background(), c.cfg.Cluster.Name, c.aliveAddrs)
			return nil
		},
		shutdown: func(context.Context) error {
			c.seeds.StopCleanup()
			return nil
		},
	}); err != nil {
		return err
	}

	if err := c.kernel.Register(&funcService{
		name: "gossip",
		deps: []string{"seeds"},
		init: func(context.Context) error {
			properties := map[string]string{"node.name": c.cfg.Node.Name}
			for k, v := range c.cfg.Node.Properties {
				properties[k] = v
			}
			gcfg := gossip.Config{
				ClusterName:             c.cfg.Cluster.Name,
				Self:                    gossip.SelfDescriptor{ID: c.self, Address: c.boundAddr, Roles: c.cfg.Node.Roles, Properties: properties},
				SplitBrainCheckInterval: c.cfg.Network.HeartbeatInterval,
				SplitBrainAction:        splitBrainAction,
				OnTerminate:             func() { _ = c.Terminate(context.Background()) },
			}
			engine, err := gossip.New(c.transport, c.seeds, c.view, validators, detector, gcfg, c.log)
			if err != nil {
				return networkFailure(err)
			}
			c.gossip = engine
			return nil
		},
		shutdown: func(context.Context) error {
			if c.gossip == nil {
				return nil
			}
			return c.gossip.Terminate()
		},
	}); err != nil {
		return err
	}

	if err := c.kernel.Register(&funcService{
		name: "messaging",
		deps: []string{"transport"},
		init: func(context.Context) error {
			c.gateway = messaging.NewGateway(c.transport, c.view, c.self, c.log)
			if _, err := c.gateway.RegisterChannel(messaging.ChannelConfig{Name: controlLocksChannel, Codec: codec.JSON{}}, c.handleLockControl); err != nil {
				return err
			}
			if _, err := c.gateway.RegisterChannel(messaging.ChannelConfig{Name: controlCoordinationChannel, Codec: codec.JSON{}}, c.handleCoordinationControl); err != nil {
				return err
			}
			for _, spec := range c.cfg.Messaging.Channels {
				if err := c.registerChannel(spec); err != nil {
					return configFailure(err)
				}
			}
			return nil
		},
	}); err != nil {
		return err
	}

	if err := c.kernel.Register(&funcService{
		name: "locks",
		deps: []string{"messaging"},
		init: func(context.Context) error {
			ch, _ := c.gateway.Channel(controlLocksChannel)
			lb := &lockBroadcaster{channel: ch}
			for _, spec := range c.cfg.Locks.Regions {
				c.mu.Lock()
				c.lockRegions[spec.Name] = lock.NewRegion(spec.Name, c.self, c.view, lb, c.log)
				c.mu.Unlock()
			}
			return nil
		},
		shutdown: func(context.Context) error {
			c.mu.RLock()
			defer c.mu.RUnlock()
			for _, r := range c.lockRegions {
				r.Close()
			}
			return nil
		},
	}); err != nil {
		return err
	}

	if err := c.kernel.Register(&funcService{
		name: "coordination",
		deps: []string{"messaging"},
		init: func(context.Context) error {
			c.coord = coordination.NewKernel(c.self, c.view, c.log)
			ch, _ := c.gateway.Channel(controlCoordinationChannel)
			for _, spec := range c.cfg.Coordination.Processes {
				handler, err := c.registry.Handler(spec.Handler)
				if err != nil {
					return configFailure(err)
				}
				name := spec.Name
				filter := func(n cluster.Node) bool {
					_, ok := n.Property(name)
					return ok
				}
				if _, err := c.coord.RegisterProcess(name, filter, handler, &coordBroadcaster{channel: ch, process: name}); err != nil {
					return err
				}
			}
			return nil
		},
		shutdown: func(context.Context) error {
			if c.coord == nil {
				return nil
			}
			c.coord.Close()
			return nil
		},
	}); err != nil {
		return err
	}

	return nil
}

func (c *Cluster) registerChannel(spec config.ChannelSpec) error {
	codec, err := c.registry.Codec(spec.Codec)
	if err != nil {
		return err
	}
	lb, err := c.registry.LoadBalancer(spec.LoadBalancer)
	if err != nil {
		return err
	}
	failover, err := c.registry.FailoverPolicy(spec.FailoverPolicy)
	if err != nil {
		return err
	}

	var receiver messaging.Receiver
	if spec.Receiver != "" {
		fn, err := c.registry.Receiver(spec.Receiver)
		if err != nil {
			return err
		}
		r, ok := fn.(messaging.Receiver)
		if !ok {
			return fmt.Errorf("config: receiver %q is not a messaging.Receiver", spec.Receiver)
		}
		receiver = r
	}

	_, err = c.gateway.RegisterChannel(messaging.ChannelConfig{
		Name:           spec.Name,
		Codec:          codec,
		Balancer:       lb,
		Failover:       failover,
		Sockets:        spec.Sockets,
		AsyncWorkers:   spec.WorkerThreads,
		RequestTimeout: spec.IdleTimeout,
		SendMaxBytes:   spec.Backpressure.High,
	}, receiver)
	return err
}

// Initialize resolves and brings up every registered service in
// dependency order (spec §4.F, §6's "initialize"). It does not yet
// contact any peer — call Join for that.
func (c *Cluster) Initialize(ctx context.Context) error {
	if err := c.kernel.Start(ctx); err != nil {
		return &ClusterFailure{Kind: FailureFatal, Cause: err}
	}
	return nil
}

// InitializeAsync is Initialize's async form (spec §6).
func (c *Cluster) InitializeAsync(ctx context.Context) <-chan error {
	out := make(chan error, 1)
	go func() { out <- c.Initialize(ctx) }()
	return out
}

// Join runs the gossip JOIN sequence (spec §4.D, §6's "join"),
// surfacing a rejected join as *ClusterJoinRejected and any other
// failure as *ClusterFailure.
func (c *Cluster) Join(ctx context.Context) error {
	if c.gossip == nil {
		return &ClusterFailure{Kind: FailureFatal, Cause: fmt.Errorf("hekate: Initialize must run before Join")}
	}
	if err := c.gossip.Join(ctx); err != nil {
		if rej, ok := err.(*gossip.RejectedError); ok {
			return &ClusterJoinRejected{Reason: rej.Reason, RejectedBy: c.cfg.Cluster.Name}
		}
		return networkFailure(err)
	}
	return nil
}

// JoinAsync is Join's async form.
func (c *Cluster) JoinAsync(ctx context.Context) <-chan error {
	out := make(chan error, 1)
	go func() { out <- c.Join(ctx) }()
	return out
}

// Leave runs the gossip LEAVE sequence (spec §6's "leave").
func (c *Cluster) Leave(ctx context.Context) error {
	if c.gossip == nil {
		return nil
	}
	if err := c.gossip.Leave(ctx); err != nil {
		return networkFailure(err)
	}
	return nil
}

// LeaveAsync is Leave's async form.
func (c *Cluster) LeaveAsync(ctx context.Context) <-chan error {
	out := make(chan error, 1)
	go func() { out <- c.Leave(ctx) }()
	return out
}

// Terminate tears down every registered service in reverse bring-up
// order (spec §4.F, §6's "terminate"); safe to call more than once.
func (c *Cluster) Terminate(ctx context.Context) error {
	if err := c.kernel.Stop(ctx); err != nil {
		return &ClusterFailure{Kind: FailureFatal, Cause: err}
	}
	return nil
}

// TerminateAsync is Terminate's async form.
func (c *Cluster) TerminateAsync(ctx context.Context) <-chan error {
	out := make(chan error, 1)
	go func() { out <- c.Terminate(ctx) }()
	return out
}
