// Package config turns the configuration surface of spec §6 into a
// loadable Go struct: a YAML file (gopkg.in/yaml.v3), overridden by
// cobra flags bound in cmd/hekate-node, falling back to environment
// variables the way the teacher's cmd/node getenv helper does.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hekate-io/hekate/internal/gossip"
	"github.com/hekate-io/hekate/internal/transport"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration object for one Hekate node.
type Config struct {
	Cluster      ClusterConfig      `yaml:"cluster"`
	Node         NodeConfig         `yaml:"node"`
	Network      NetworkConfig      `yaml:"network"`
	Messaging    MessagingConfig    `yaml:"messaging"`
	Locks        LocksConfig        `yaml:"locks"`
	Coordination CoordinationConfig `yaml:"coordination"`
}

// ClusterConfig is the "cluster.*" surface.
type ClusterConfig struct {
	Name string `yaml:"name"`

	// SeedNodeProvider carries provider-specific options verbatim; the
	// concrete seed.Provider implementation is supplied by the
	// embedding application (capability passing, spec §9) and is free
	// to interpret these keys however it needs to.
	SeedNodeProvider map[string]string `yaml:"seedNodeProvider"`

	// SplitBrainDetector and JoinValidators name components registered
	// in a Registry (see registry.go); Hekate ships no concrete
	// detector or validator backend beyond gossip.AlwaysValid and
	// gossip.ClusterNameValidator; anything else is application-owned.
	SplitBrainDetector string   `yaml:"splitBrainDetector"`
	SplitBrainAction   string   `yaml:"splitBrainAction"`
	JoinValidators     []string `yaml:"joinValidators"`
}

// NodeConfig is the "node.*" surface.
type NodeConfig struct {
	Name       string            `yaml:"name"`
	Roles      []string          `yaml:"roles"`
	Properties map[string]string `yaml:"properties"`
}

// SSLConfig is "network.ssl.*". Hekate's transport is plain TCP
// (DESIGN.md); these fields round-trip through configuration for
// surface parity but are not yet consulted by internal/transport.
type SSLConfig struct {
	Trust string `yaml:"trust"`
	Key   string `yaml:"key"`
}

// NetworkConfig is the "network.*" surface.
type NetworkConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	PortRange           int    `yaml:"portRange"`
	ConnectTimeout      time.Duration `yaml:"connectTimeout"`
	AcceptRetryInterval time.Duration `yaml:"acceptRetryInterval"`

	// NIOThreads and Transport exist for configuration-surface parity
	// with the original selector-thread-pool model; internal/transport
	// is a plain accept-loop-per-listener design backed by stdlib net,
	// so both are accepted and defaulted, but neither is validated or
	// read anywhere else (see DESIGN.md).
	NIOThreads int    `yaml:"nioThreads"`
	Transport  string `yaml:"transport"`

	TCPNoDelay      bool      `yaml:"tcpNoDelay"`
	SOReceiveBuffer int       `yaml:"soReceiveBuffer"`
	SOSendBuffer    int       `yaml:"soSendBuffer"`
	SOReuseAddress  bool      `yaml:"soReuseAddress"`
	SOBacklog       int       `yaml:"soBacklog"`
	SSL             SSLConfig `yaml:"ssl"`

	HeartbeatInterval      time.Duration `yaml:"heartbeatInterval"`
	HeartbeatLossThreshold int           `yaml:"heartbeatLossThreshold"`
}

// Addr renders Host/Port as the "host:port" string internal/transport
// expects.
func (n NetworkConfig) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// MessagingConfig is "messaging.channels[*]".
type MessagingConfig struct {
	Channels []ChannelSpec `yaml:"channels"`
}

// ChannelSpec is one "messaging.channels[*]" entry. Codec, Receiver,
// LoadBalancer, and FailoverPolicy name components a Registry resolves
// to concrete Go values at wiring time (registry.go) — plain strings
// are the only thing a YAML file can carry for behavior the
// application itself must supply.
type ChannelSpec struct {
	Name           string             `yaml:"name"`
	Sockets        int                `yaml:"sockets"`
	NIOThreads     int                `yaml:"nioThreads"`
	WorkerThreads  int                `yaml:"workerThreads"`
	IdleTimeout    time.Duration      `yaml:"idleTimeout"`
	Codec          string             `yaml:"codec"`
	Receiver       string             `yaml:"receiver"`
	LoadBalancer   string             `yaml:"loadBalancer"`
	FailoverPolicy string             `yaml:"failoverPolicy"`
	Backpressure   BackpressureConfig `yaml:"backpressure"`
}

// BackpressureConfig is "messaging.channels[*].backpressure.{high,low}".
type BackpressureConfig struct {
	High int64 `yaml:"high"`
	Low  int64 `yaml:"low"`
}

// LocksConfig is "locks.regions[*]".
type LocksConfig struct {
	Regions []LockRegionSpec `yaml:"regions"`
}

// LockRegionSpec is one "locks.regions[*]" entry.
type LockRegionSpec struct {
	Name string `yaml:"name"`
}

// CoordinationConfig is "coordination.processes[*]".
type CoordinationConfig struct {
	Processes []CoordinationProcessSpec `yaml:"processes"`
}

// CoordinationProcessSpec is one "coordination.processes[*]" entry.
// Handler names a Handler registered in a Registry (registry.go).
type CoordinationProcessSpec struct {
	Name    string `yaml:"name"`
	Handler string `yaml:"handler"`
}

// Default tuning values applied by applyDefaults, kept distinct from
// the lower-level packages' own defaults (gossip.Default*,
// transport.Default*) so config stays the single place a deployer
// looks for "what does an unconfigured node do".
const (
	DefaultPortRange             = 1
	DefaultNIOThreads            = 4
	DefaultTransportMode         = "auto"
	DefaultSOBacklog             = 128
	DefaultChannelSockets        = 2
	DefaultChannelWorkerThreads  = 4
	DefaultChannelIdleTimeout    = 30 * time.Second
	DefaultBackpressureHighBytes = 64 << 20
	DefaultBackpressureLowBytes  = 16 << 20
)

// Load reads and parses a YAML configuration file, then fills in
// defaults for anything left zero (spec §6's surface lists option
// names, not defaults; this package supplies the latter the way the
// teacher's getenv(key, def) supplies defaults for environment-only
// configuration).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Network.PortRange <= 0 {
		c.Network.PortRange = DefaultPortRange
	}
	if c.Network.ConnectTimeout <= 0 {
		c.Network.ConnectTimeout = transport.DefaultConnectTimeout
	}
	if c.Network.AcceptRetryInterval <= 0 {
		c.Network.AcceptRetryInterval = transport.DefaultAcceptRetryInterval
	}
	if c.Network.NIOThreads <= 0 {
		c.Network.NIOThreads = DefaultNIOThreads
	}
	if c.Network.Transport == "" {
		c.Network.Transport = DefaultTransportMode
	}
	if c.Network.SOBacklog <= 0 {
		c.Network.SOBacklog = DefaultSOBacklog
	}
	if c.Network.HeartbeatInterval <= 0 {
		c.Network.HeartbeatInterval = transport.DefaultHeartbeatInterval
	}
	if c.Network.HeartbeatLossThreshold <= 0 {
		c.Network.HeartbeatLossThreshold = transport.DefaultHeartbeatLossThreshold
	}
	if c.Cluster.SplitBrainAction == "" {
		c.Cluster.SplitBrainAction = "terminate"
	}
	for i := range c.Messaging.Channels {
		ch := &c.Messaging.Channels[i]
		if ch.Sockets <= 0 {
			ch.Sockets = DefaultChannelSockets
		}
		if ch.WorkerThreads <= 0 {
			ch.WorkerThreads = DefaultChannelWorkerThreads
		}
		if ch.IdleTimeout <= 0 {
			ch.IdleTimeout = DefaultChannelIdleTimeout
		}
		if ch.Backpressure.High <= 0 {
			ch.Backpressure.High = DefaultBackpressureHighBytes
		}
		if ch.Backpressure.Low <= 0 {
			ch.Backpressure.Low = DefaultBackpressureLowBytes
		}
	}
}

// SplitBrainActionValue parses Cluster.SplitBrainAction into the
// gossip package's Action enum.
func (c *Config) SplitBrainActionValue() (gossip.Action, error) {
	switch c.Cluster.SplitBrainAction {
	case "rejoin":
		return gossip.ActionRejoin, nil
	case "terminate":
		return gossip.ActionTerminate, nil
	default:
		return 0, fmt.Errorf("config: cluster.splitBrainAction must be %q or %q, got %q", "rejoin", "terminate", c.Cluster.SplitBrainAction)
	}
}

// Validate reports the configuration errors spec §7 calls out as
// non-recoverable and fail-before-join: bad options and duplicate
// names.
func (c *Config) Validate() error {
	if c.Cluster.Name == "" {
		return fmt.Errorf("config: cluster.name is required")
	}
	if c.Node.Name == "" {
		return fmt.Errorf("config: node.name is required")
	}
	if _, err := c.SplitBrainActionValue(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Messaging.Channels))
	for _, ch := range c.Messaging.Channels {
		if ch.Name == "" {
			return fmt.Errorf("config: messaging.channels[*].name must not be empty")
		}
		if seen[ch.Name] {
			return fmt.Errorf("config: duplicate messaging channel name %q", ch.Name)
		}
		seen[ch.Name] = true
		if ch.Backpressure.Low > ch.Backpressure.High {
			return fmt.Errorf("config: messaging.channels[%q].backpressure.low must not exceed .high", ch.Name)
		}
	}

	regions := make(map[string]bool, len(c.Locks.Regions))
	for _, r := range c.Locks.Regions {
		if r.Name == "" {
			return fmt.Errorf("config: locks.regions[*].name must not be empty")
		}
		if regions[r.Name] {
			return fmt.Errorf("config: duplicate lock region name %q", r.Name)
		}
		regions[r.Name] = true
	}

	processes := make(map[string]bool, len(c.Coordination.Processes))
	for _, p := range c.Coordination.Processes {
		if p.Name == "" {
			return fmt.Errorf("config: coordination.processes[*].name must not be empty")
		}
		if processes[p.Name] {
			return fmt.Errorf("config: duplicate coordination process name %q", p.Name)
		}
		processes[p.Name] = true
	}
	return nil
}

// BindFlags registers the subset of the configuration surface worth
// overriding per-process (cluster/node identity and network binding)
// on cmd's persistent flag set — so a subcommand like "serve" inherits
// them — each flag's default falling back to an environment variable
// the way the teacher's cmd/node getenv(key, def) helper does, then to
// a hardcoded default. Call Load first to get the YAML-sourced
// baseline, then BindFlags(cmd, cfg) so flags layer on top of it, then
// cmd.Execute() so pflag parsing fills in the final values.
func BindFlags(cmd *cobra.Command, cfg *Config) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfg.Cluster.Name, "cluster-name", envOr("HEKATE_CLUSTER_NAME", cfg.Cluster.Name), "cluster name")
	flags.StringVar(&cfg.Node.Name, "node-name", envOr("HEKATE_NODE_NAME", cfg.Node.Name), "node name")
	flags.StringVar(&cfg.Network.Host, "network-host", envOr("HEKATE_NETWORK_HOST", cfg.Network.Host), "listen host")
	flags.IntVar(&cfg.Network.Port, "network-port", envOrInt("HEKATE_NETWORK_PORT", cfg.Network.Port), "listen port (0 = OS-assigned)")
	flags.IntVar(&cfg.Network.PortRange, "network-port-range", envOrInt("HEKATE_NETWORK_PORT_RANGE", cfg.Network.PortRange), "number of ports to try starting at network-port")
}

// envOr mirrors the teacher's cmd/node getenv(key, def) helper,
// reused here so cmd/hekate-node's flag binding can fall back to
// environment variables exactly the way the teacher's binaries do.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
