package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hekate-io/hekate/internal/gossip"
	"github.com/spf13/cobra"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "hekate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
cluster:
  name: test-cluster
node:
  name: node-1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.PortRange != DefaultPortRange {
		t.Fatalf("expected default port range %d, got %d", DefaultPortRange, cfg.Network.PortRange)
	}
	if cfg.Network.NIOThreads != DefaultNIOThreads {
		t.Fatalf("expected default nio threads %d, got %d", DefaultNIOThreads, cfg.Network.NIOThreads)
	}
	if cfg.Network.SOBacklog != DefaultSOBacklog {
		t.Fatalf("expected default backlog %d, got %d", DefaultSOBacklog, cfg.Network.SOBacklog)
	}
	if cfg.Cluster.SplitBrainAction != "terminate" {
		t.Fatalf("expected default split-brain action %q, got %q", "terminate", cfg.Cluster.SplitBrainAction)
	}
}

func TestLoadAppliesChannelDefaults(t *testing.T) {
	path := writeConfig(t, `
cluster:
  name: test-cluster
node:
  name: node-1
messaging:
  channels:
    - name: commands
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Messaging.Channels) != 1 {
		t.Fatalf("expected 1 channel, got %d", len(cfg.Messaging.Channels))
	}
	ch := cfg.Messaging.Channels[0]
	if ch.Sockets != DefaultChannelSockets {
		t.Fatalf("expected default sockets %d, got %d", DefaultChannelSockets, ch.Sockets)
	}
	if ch.WorkerThreads != DefaultChannelWorkerThreads {
		t.Fatalf("expected default worker threads %d, got %d", DefaultChannelWorkerThreads, ch.WorkerThreads)
	}
	if ch.IdleTimeout != DefaultChannelIdleTimeout {
		t.Fatalf("expected default idle timeout %v, got %v", DefaultChannelIdleTimeout, ch.IdleTimeout)
	}
	if ch.Backpressure.High != DefaultBackpressureHighBytes {
		t.Fatalf("expected default backpressure high %d, got %d", DefaultBackpressureHighBytes, ch.Backpressure.High)
	}
	if ch.Backpressure.Low != DefaultBackpressureLowBytes {
		t.Fatalf("expected default backpressure low %d, got %d", DefaultBackpressureLowBytes, ch.Backpressure.Low)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing cluster name", cfg: Config{Node: NodeConfig{Name: "n"}}},
		{name: "missing node name", cfg: Config{Cluster: ClusterConfig{Name: "c"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Fatalf("expected a validation error for %s", tt.name)
			}
		})
	}
}

func TestValidateDuplicateChannelNames(t *testing.T) {
	cfg := Config{
		Cluster: ClusterConfig{Name: "c"},
		Node:    NodeConfig{Name: "n"},
		Messaging: MessagingConfig{
			Channels: []ChannelSpec{{Name: "dup"}, {Name: "dup"}},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected a duplicate channel name error")
	}
}

func TestValidateDuplicateLockRegionNames(t *testing.T) {
	cfg := Config{
		Cluster: ClusterConfig{Name: "c"},
		Node:    NodeConfig{Name: "n"},
		Locks:   LocksConfig{Regions: []LockRegionSpec{{Name: "dup"}, {Name: "dup"}}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected a duplicate lock region name error")
	}
}

func TestValidateDuplicateCoordinationProcessNames(t *testing.T) {
	cfg := Config{
		Cluster:      ClusterConfig{Name: "c"},
		Node:         NodeConfig{Name: "n"},
		Coordination: CoordinationConfig{Processes: []CoordinationProcessSpec{{Name: "dup"}, {Name: "dup"}}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected a duplicate coordination process name error")
	}
}

func TestValidateBackpressureLowMustNotExceedHigh(t *testing.T) {
	cfg := Config{
		Cluster: ClusterConfig{Name: "c"},
		Node:    NodeConfig{Name: "n"},
		Messaging: MessagingConfig{
			Channels: []ChannelSpec{{Name: "commands", Backpressure: BackpressureConfig{High: 10, Low: 20}}},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected a backpressure low > high error")
	}
}

func TestSplitBrainActionValue(t *testing.T) {
	tests := []struct {
		action string
		want   gossip.Action
		wantOK bool
	}{
		{action: "rejoin", want: gossip.ActionRejoin, wantOK: true},
		{action: "terminate", want: gossip.ActionTerminate, wantOK: true},
		{action: "nonsense", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			cfg := Config{Cluster: ClusterConfig{SplitBrainAction: tt.action}}
			got, err := cfg.SplitBrainActionValue()
			if tt.wantOK && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.wantOK && err == nil {
				t.Fatalf("expected an error for action %q", tt.action)
			}
			if tt.wantOK && got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestBindFlagsInheritedBySubcommands(t *testing.T) {
	cfg := &Config{Cluster: ClusterConfig{Name: "c"}, Node: NodeConfig{Name: "n"}}
	root := &cobra.Command{Use: "hekate-node"}
	BindFlags(root, cfg)

	var seenClusterName string
	sub := &cobra.Command{
		Use: "serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			seenClusterName, _ = cmd.Flags().GetString("cluster-name")
			return nil
		},
	}
	root.AddCommand(sub)

	root.SetArgs([]string{"serve", "--cluster-name", "overridden"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if seenClusterName != "overridden" {
		t.Fatalf("expected subcommand to see persistent flag override, got %q", seenClusterName)
	}
}

func TestEnvOrAndEnvOrInt(t *testing.T) {
	t.Setenv("HEKATE_TEST_STRING", "")
	if got := envOr("HEKATE_TEST_STRING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("HEKATE_TEST_STRING", "set")
	if got := envOr("HEKATE_TEST_STRING", "fallback"); got != "set" {
		t.Fatalf("expected set value, got %q", got)
	}

	t.Setenv("HEKATE_TEST_INT", "")
	if got := envOrInt("HEKATE_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	t.Setenv("HEKATE_TEST_INT", "42")
	if got := envOrInt("HEKATE_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("HEKATE_TEST_INT", "not-a-number")
	if got := envOrInt("HEKATE_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7 on parse error, got %d", got)
	}
}
