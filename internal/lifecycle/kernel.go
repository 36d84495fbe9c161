package lifecycle

import (
	"context"
	"fmt"
	"sort"

	"github.com/hekate-io/hekate/internal/cluster"
	"github.com/sirupsen/logrus"
)

// Service is one named, dependency-declaring component the kernel
// brings up and tears down (spec §4.F). Dependencies names other
// registered services that must complete bring-up before this one's
// own phases run.
type Service interface {
	Name() string
	Dependencies() []string
	Configure(ctx context.Context) error
	PreInitialize(ctx context.Context) error
	Initialize(ctx context.Context) error
	PostInitialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// CycleError reports a dependency cycle discovered while resolving
// bring-up order.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("lifecycle: dependency cycle: %v", e.Path)
}

// UnknownDependencyError reports a service naming a dependency that
// was never registered.
type UnknownDependencyError struct {
	Service, Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("lifecycle: service %q depends on unregistered service %q", e.Service, e.Dependency)
}

// Kernel topologically orders registered services and drives them
// through resolve → configure → preInitialize → initialize →
// postInitialize on Start, and the reverse order's Shutdown on Stop
// (spec §4.F), generalizing the teacher's server bring-up sequence
// from a fixed pair of components to an arbitrary dependency graph.
type Kernel struct {
	log      *logrus.Entry
	guard    *StateGuard
	services map[string]Service
	order    []string
}

// New creates an empty Kernel. log may be nil (a standard logrus entry
// is used).
func New(log *logrus.Entry) *Kernel {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Kernel{
		log:      log.WithField("component", "lifecycle"),
		guard:    NewStateGuard(),
		services: make(map[string]Service),
	}
}

// Guard returns the kernel's state guard, for other components to
// bracket their own public operations against (spec §4.F).
func (k *Kernel) Guard() *StateGuard { return k.guard }

// State returns the kernel's current lifecycle state.
func (k *Kernel) State() cluster.Status { return k.guard.State() }

// Register adds a service. It is an error to register the same name
// twice or to call Register after Start has resolved an order.
func (k *Kernel) Register(s Service) error {
	if k.order != nil {
		return fmt.Errorf("lifecycle: cannot register %q after Start", s.Name())
	}
	if _, exists := k.services[s.Name()]; exists {
		return fmt.Errorf("lifecycle: service %q already registered", s.Name())
	}
	k.services[s.Name()] = s
	return nil
}

// resolve computes a dependency-respecting bring-up order via a
// deterministic (alphabetically tie-broken) topological sort, so a
// given set of registrations always resolves to the same order.
func (k *Kernel) resolve() ([]string, error) {
	names := make([]string, 0, len(k.services))
	for name := range k.services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, dep := range k.services[name].Dependencies() {
			if _, ok := k.services[dep]; !ok {
				return nil, &UnknownDependencyError{Service: name, Dependency: dep}
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(names))
	var order []string
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return &CycleError{Path: append(append([]string{}, path...), name)}
		}
		state[name] = visiting
		path = append(path, name)
		deps := append([]string{}, k.services[name].Dependencies()...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[name] = visited
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Start resolves bring-up order and drives every service through its
// four phases in dependency order, one service fully completing
// before the next begins (spec §4.F). On any phase error, Start stops
// advancing and returns the error; the kernel remains in its prior
// state rather than claiming INITIALIZED.
func (k *Kernel) Start(ctx context.Context) error {
	order, err := k.resolve()
	if err != nil {
		return err
	}
	k.order = order

	return k.guard.Transition(cluster.StatusInitialized, func() error {
		for _, name := range order {
			svc := k.services[name]
			entry := k.log.WithField("service", name)
			for _, phase := range []struct {
				label string
				run   func(context.Context) error
			}{
				{"configure", svc.Configure},
				{"preInitialize", svc.PreInitialize},
				{"initialize", svc.Initialize},
				{"postInitialize", svc.PostInitialize},
			} {
				if err := phase.run(ctx); err != nil {
					entry.WithError(err).WithField("phase", phase.label).Error("service bring-up failed")
					return fmt.Errorf("lifecycle: %s.%s: %w", name, phase.label, err)
				}
			}
			entry.Debug("service initialized")
		}
		return nil
	})
}

// Stop shuts services down in reverse bring-up order (spec §4.F's
// "the reverse on shutdown"). It keeps going on individual Shutdown
// errors so every service gets a chance to release its resources,
// returning the first error encountered (if any) after all have run.
func (k *Kernel) Stop(ctx context.Context) error {
	var firstErr error
	err := k.guard.Transition(cluster.StatusDown, func() error {
		for i := len(k.order) - 1; i >= 0; i-- {
			name := k.order[i]
			svc := k.services[name]
			if err := svc.Shutdown(ctx); err != nil {
				k.log.WithField("service", name).WithError(err).Error("service shutdown failed")
				if firstErr == nil {
					firstErr = fmt.Errorf("lifecycle: %s.Shutdown: %w", name, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return firstErr
}
