// Package seed implements component C, the bootstrap seed-node
// directory: a pluggable Provider of candidate peer addresses wrapped
// by a Manager that never surfaces a nil list, converts provider
// failures into a typed error, and periodically prunes addresses that
// no longer answer (spec §4.C).
package seed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Provider is the external collaborator spec §4.C describes. Hekate
// ships no concrete backend (multicast/filesystem/cloud discovery are
// explicitly out of scope, spec §1) — callers supply one, e.g. a
// static list for tests or a DNS/consul-backed implementation in
// production.
type Provider interface {
	GetSeedNodes(ctx context.Context, cluster string) ([]string, error)
	StartDiscovery(ctx context.Context, cluster, self string) error
	SuspendDiscovery() error
	StopDiscovery(ctx context.Context, cluster, self string) error
	RegisterRemoteAddress(ctx context.Context, cluster, addr string) error
	UnregisterRemoteAddress(ctx context.Context, cluster, addr string) error
	CleanupInterval() time.Duration
}

// ProviderError wraps any error a Provider returns, per spec §4.C's
// "(ii) converts provider errors into a typed failure".
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("seed: provider %s failed: %v", e.Op, e.Err) }
func (e *ProviderError) Unwrap() error  { return e.Err }

// Pinger checks whether addr is currently reachable, used by the
// cleanup loop to decide whether an address should be unregistered.
// The messaging/transport layer supplies the concrete implementation
// (a lightweight connect-and-handshake probe); seed never imports
// internal/transport directly to avoid a cyclic dependency between
// bootstrap and the thing it bootstraps.
type Pinger func(ctx context.Context, addr string) bool

// Manager wraps a Provider per spec §4.C: never returns nil, converts
// errors, and runs a background cleanup loop.
type Manager struct {
	provider Provider
	ping     Pinger
	log      *logrus.Entry

	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]

	cancel context.CancelFunc
	done   chan struct{}
}

// DefaultCacheSize bounds the manager's known-alive address cache so a
// churny cluster does not grow it unbounded.
const DefaultCacheSize = 4096

// NewManager wraps provider. ping is used by the cleanup loop; it may
// be nil (cleanup then only relies on the provider's own liveness
// opinion, i.e. addresses are never proactively pruned).
func NewManager(provider Provider, ping Pinger, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cache, _ := lru.New[string, time.Time](DefaultCacheSize)
	return &Manager{provider: provider, ping: ping, log: log, cache: cache}
}

// GetSeedNodes returns the bootstrap candidate set, never nil (spec
// §4.C, "(i) never returns null (empty list instead)").
func (m *Manager) GetSeedNodes(ctx context.Context, cluster string) ([]string, error) {
	addrs, err := m.provider.GetSeedNodes(ctx, cluster)
	if err != nil {
		return nil, &ProviderError{Op: "GetSeedNodes", Err: err}
	}
	if addrs == nil {
		addrs = []string{}
	}
	now := time.Now()
	m.mu.Lock()
	for _, a := range addrs {
		m.cache.Add(a, now)
	}
	m.mu.Unlock()
	return addrs, nil
}

// RegisterRemoteAddress records addr as a known peer with the
// provider and the local liveness cache.
func (m *Manager) RegisterRemoteAddress(ctx context.Context, cluster, addr string) error {
	if err := m.provider.RegisterRemoteAddress(ctx, cluster, addr); err != nil {
		return &ProviderError{Op: "RegisterRemoteAddress", Err: err}
	}
	m.mu.Lock()
	m.cache.Add(addr, time.Now())
	m.mu.Unlock()
	return nil
}

// UnregisterRemoteAddress removes addr from the provider and the
// local cache.
func (m *Manager) UnregisterRemoteAddress(ctx context.Context, cluster, addr string) error {
	if err := m.provider.UnregisterRemoteAddress(ctx, cluster, addr); err != nil {
		return &ProviderError{Op: "UnregisterRemoteAddress", Err: err}
	}
	m.mu.Lock()
	m.cache.Remove(addr)
	m.mu.Unlock()
	return nil
}

// StartCleanup launches the background loop that runs every
// provider.CleanupInterval(), pinging known addresses and
// unregistering the ones that no longer respond and are not part of
// aliveSet (spec §4.C: "(iii) runs a background loop ... that pings
// known addresses via the transport and unregisters unreachable ones
// that are not in the currently known alive set").
func (m *Manager) StartCleanup(ctx context.Context, cluster string, aliveSet func() map[string]bool) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	interval := m.provider.CleanupInterval()
	if interval <= 0 {
		close(m.done)
		return
	}

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runCleanup(ctx, cluster, aliveSet)
			}
		}
	}()
}

// runCleanup pings every known address and unregisters the ones that
// no longer respond. Several unregister calls can fail independently
// (the provider may be a network-backed registry flaking under load);
// they are aggregated with go-multierror so one cleanup pass reports
// every failure instead of only the first.
func (m *Manager) runCleanup(ctx context.Context, cluster string, aliveSet func() map[string]bool) {
	if m.ping == nil {
		return
	}
	m.mu.Lock()
	addrs := m.cache.Keys()
	m.mu.Unlock()

	alive := map[string]bool{}
	if aliveSet != nil {
		alive = aliveSet()
	}

	var errs *multierror.Error
	for _, addr := range addrs {
		if alive[addr] {
			continue
		}
		if m.ping(ctx, addr) {
			continue
		}
		if err := m.UnregisterRemoteAddress(ctx, cluster, addr); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("unregister %s: %w", addr, err))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		m.log.WithError(err).Warn("seed cleanup: one or more addresses failed to unregister")
	}
}

// StopCleanup stops the background loop and blocks until it exits.
func (m *Manager) StopCleanup() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}
