// Command hekate-node runs a single Hekate cluster node: it loads a
// YAML configuration (config.Load), layers cobra flags and environment
// variables on top (config.BindFlags), wires a Cluster, joins, serves
// a /health and /metrics endpoint, and leaves cleanly on SIGINT/SIGTERM
// — the cobra-based generalization of the teacher's cmd/coordinator
// and cmd/node binaries into the single CLI surface spec's CLI
// component describes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	hekate "github.com/hekate-io/hekate"
	"github.com/hekate-io/hekate/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// staticSeedProvider is the CLI's own minimal seed.Provider backend: a
// fixed address list read from cluster.seedNodeProvider.addresses
// (comma-separated), mutated as peers register/unregister themselves.
// Hekate ships no concrete discovery backend (spec §4.C, §1's explicit
// non-goal); an embedding Go program normally registers its own, e.g.
// a DNS- or consul-backed seed.Provider. This one exists only so
// `hekate-node serve` runs standalone without one.
type staticSeedProvider struct {
	mu    chan struct{}
	addrs []string
}

func newStaticSeedProvider(opts map[string]string) *staticSeedProvider {
	p := &staticSeedProvider{mu: make(chan struct{}, 1)}
	p.mu <- struct{}{}
	for _, a := range strings.Split(opts["addresses"], ",") {
		if a = strings.TrimSpace(a); a != "" {
			p.addrs = append(p.addrs, a)
		}
	}
	return p
}

func (p *staticSeedProvider) lock()   { <-p.mu }
func (p *staticSeedProvider) unlock() { p.mu <- struct{}{} }

func (p *staticSeedProvider) GetSeedNodes(ctx context.Context, clusterName string) ([]string, error) {
	p.lock()
	defer p.unlock()
	out := make([]string, len(p.addrs))
	copy(out, p.addrs)
	return out, nil
}

func (p *staticSeedProvider) StartDiscovery(ctx context.Context, clusterName, self string) error {
	return nil
}
func (p *staticSeedProvider) SuspendDiscovery() error { return nil }
func (p *staticSeedProvider) StopDiscovery(ctx context.Context, clusterName, self string) error {
	return nil
}

func (p *staticSeedProvider) RegisterRemoteAddress(ctx context.Context, clusterName, addr string) error {
	p.lock()
	defer p.unlock()
	for _, a := range p.addrs {
		if a == addr {
			return nil
		}
	}
	p.addrs = append(p.addrs, addr)
	return nil
}

func (p *staticSeedProvider) UnregisterRemoteAddress(ctx context.Context, clusterName, addr string) error {
	p.lock()
	defer p.unlock()
	for i, a := range p.addrs {
		if a == addr {
			p.addrs = append(p.addrs[:i], p.addrs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (p *staticSeedProvider) CleanupInterval() time.Duration { return 0 }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := config.Load(envOr("HEKATE_CONFIG", "hekate.yaml"))
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("hekate-node: %w", err))
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:   "hekate-node",
		Short: "Run a Hekate cluster node",
	}
	config.BindFlags(root, cfg)
	root.PersistentFlags().String("metrics-addr", envOr("HEKATE_METRICS_ADDR", ":9090"), "address to serve /health and /metrics on")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Join the cluster and serve until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
			return serve(cfg, metricsAddr, log)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(cfg *config.Config, metricsAddr string, log *logrus.Entry) error {
	registry := config.NewRegistry()
	registry.RegisterSeedProvider("", newStaticSeedProvider(cfg.Cluster.SeedNodeProvider))

	promReg := prometheus.NewRegistry()
	node, err := hekate.New(cfg, registry, promReg, log)
	if err != nil {
		return fmt.Errorf("hekate-node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Initialize(ctx); err != nil {
		return fmt.Errorf("hekate-node: initialize: %w", err)
	}
	if err := node.Join(ctx); err != nil {
		return fmt.Errorf("hekate-node: join: %w", err)
	}
	log.WithField("node", node.Self()).WithField("cluster", cfg.Cluster.Name).Info("joined cluster")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s\n", node.State())
	})
	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("status server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	if err := node.Leave(shutdownCtx); err != nil {
		log.WithError(err).Warn("leave failed")
	}
	return node.Terminate(shutdownCtx)
}
