package lifecycle

import (
	"fmt"
	"sync"

	"github.com/hekate-io/hekate/internal/cluster"
)

// IllegalStateError is returned by StateGuard.Enter when the kernel is
// not in the state a public operation requires (spec §4.F: "Any
// operation taken in a non-INITIALIZED state fails with an illegal-
// state error").
type IllegalStateError struct {
	Operation string
	Want      cluster.Status
	Got       cluster.Status
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("lifecycle: %s requires state %s, got %s", e.Operation, e.Want, e.Got)
}

// StateGuard holds the kernel's current lifecycle state behind a
// reader-writer mutex (spec §4.F). Enter asserts a required state and
// holds the read lock until released; Transition holds the write lock
// for the duration of a transition, mirroring the teacher's server.mu
// guard around its own started/stopped flag. Kernel.Start and
// Kernel.Stop use Transition; no public service operation in this
// module calls Enter.
type StateGuard struct {
	mu    sync.RWMutex
	state cluster.Status
}

// NewStateGuard creates a guard starting in cluster.StatusDown.
func NewStateGuard() *StateGuard {
	return &StateGuard{state: cluster.StatusDown}
}

// State returns the current state.
func (g *StateGuard) State() cluster.Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Enter asserts the guard is in want, then returns a release function
// holding the read lock until called. Callers use it to bracket a
// public operation:
//
//	release, err := guard.Enter(cluster.StatusInitialized, "Lock")
//	if err != nil { return err }
//	defer release()
func (g *StateGuard) Enter(want cluster.Status, operation string) (release func(), err error) {
	g.mu.RLock()
	if g.state != want {
		got := g.state
		g.mu.RUnlock()
		return nil, &IllegalStateError{Operation: operation, Want: want, Got: got}
	}
	return g.mu.RUnlock, nil
}

// Transition holds the write lock while fn runs and, on success,
// advances the guard's state to next. fn observes the prior state
// still installed, so it may itself inspect State() or return an
// error to abort the transition.
func (g *StateGuard) Transition(next cluster.Status, fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if fn != nil {
		if err := fn(); err != nil {
			return err
		}
	}
	g.state = next
	return nil
}
