package lifecycle

import (
	"context"
	"testing"

	"github.com/hekate-io/hekate/internal/cluster"
)

type recordingService struct {
	name    string
	deps    []string
	calls   *[]string
	failOn  string
	failErr error
}

func (s *recordingService) Name() string         { return s.name }
func (s *recordingService) Dependencies() []string { return s.deps }

func (s *recordingService) record(phase string) error {
	*s.calls = append(*s.calls, s.name+"."+phase)
	if s.failOn == phase {
		return s.failErr
	}
	return nil
}

func (s *recordingService) Configure(context.Context) error      { return s.record("configure") }
func (s *recordingService) PreInitialize(context.Context) error  { return s.record("preInitialize") }
func (s *recordingService) Initialize(context.Context) error     { return s.record("initialize") }
func (s *recordingService) PostInitialize(context.Context) error { return s.record("postInitialize") }
func (s *recordingService) Shutdown(context.Context) error       { return s.record("shutdown") }

func TestKernelStartRunsInDependencyOrder(t *testing.T) {
	var calls []string
	k := New(nil)
	a := &recordingService{name: "a", calls: &calls}
	b := &recordingService{name: "b", deps: []string{"a"}, calls: &calls}
	c := &recordingService{name: "c", deps: []string{"b"}, calls: &calls}

	// register out of dependency order to prove resolve sorts them.
	if err := k.Register(c); err != nil {
		t.Fatalf("register c: %v", err)
	}
	if err := k.Register(a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := k.Register(b); err != nil {
		t.Fatalf("register b: %v", err)
	}

	if err := k.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if k.State() != cluster.StatusInitialized {
		t.Fatalf("expected kernel INITIALIZED, got %v", k.State())
	}

	want := []string{
		"a.configure", "a.preInitialize", "a.initialize", "a.postInitialize",
		"b.configure", "b.preInitialize", "b.initialize", "b.postInitialize",
		"c.configure", "c.preInitialize", "c.initialize", "c.postInitialize",
	}
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %d: %v", len(want), len(calls), calls)
	}
	for i, w := range want {
		if calls[i] != w {
			t.Fatalf("call %d: expected %q, got %q (full: %v)", i, w, calls[i], calls)
		}
	}
}

func TestKernelStopRunsInReverseOrder(t *testing.T) {
	var calls []string
	k := New(nil)
	a := &recordingService{name: "a", calls: &calls}
	b := &recordingService{name: "b", deps: []string{"a"}, calls: &calls}
	_ = k.Register(a)
	_ = k.Register(b)

	if err := k.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	calls = nil

	if err := k.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if k.State() != cluster.StatusDown {
		t.Fatalf("expected kernel DOWN after stop, got %v", k.State())
	}
	want := []string{"b.shutdown", "a.shutdown"}
	for i, w := range want {
		if calls[i] != w {
			t.Fatalf("call %d: expected %q, got %q", i, w, calls[i])
		}
	}
}

func TestKernelStartFailsOnUnknownDependency(t *testing.T) {
	var calls []string
	k := New(nil)
	_ = k.Register(&recordingService{name: "a", deps: []string{"ghost"}, calls: &calls})

	err := k.Start(context.Background())
	if err == nil {
		t.Fatal("expected error for unresolved dependency")
	}
	var unknown *UnknownDependencyError
	if _, ok := err.(*UnknownDependencyError); !ok {
		_ = unknown
		t.Fatalf("expected *UnknownDependencyError, got %T: %v", err, err)
	}
}

func TestKernelStartFailsOnCycle(t *testing.T) {
	var calls []string
	k := New(nil)
	_ = k.Register(&recordingService{name: "a", deps: []string{"b"}, calls: &calls})
	_ = k.Register(&recordingService{name: "b", deps: []string{"a"}, calls: &calls})

	err := k.Start(context.Background())
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if _, ok := err.(*CycleError); !ok {
		t.Fatalf("expected *CycleError, got %T: %v", err, err)
	}
}

func TestKernelStartStopsOnPhaseError(t *testing.T) {
	var calls []string
	wantErr := context.Canceled
	k := New(nil)
	a := &recordingService{name: "a", calls: &calls, failOn: "initialize", failErr: wantErr}
	b := &recordingService{name: "b", deps: []string{"a"}, calls: &calls}
	_ = k.Register(a)
	_ = k.Register(b)

	err := k.Start(context.Background())
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if k.State() == cluster.StatusInitialized {
		t.Fatal("kernel must not claim INITIALIZED when a phase failed")
	}
	for _, call := range calls {
		if call == "b.configure" {
			t.Fatal("dependent service must not start before its dependency finishes")
		}
	}
}

func TestStateGuardEnterRejectsWrongState(t *testing.T) {
	g := NewStateGuard()
	_, err := g.Enter(cluster.StatusInitialized, "Lock")
	if err == nil {
		t.Fatal("expected illegal-state error before any transition")
	}
	var illegal *IllegalStateError
	if _, ok := err.(*IllegalStateError); !ok {
		_ = illegal
		t.Fatalf("expected *IllegalStateError, got %T", err)
	}
}

func TestStateGuardTransitionThenEnter(t *testing.T) {
	g := NewStateGuard()
	if err := g.Transition(cluster.StatusInitialized, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	release, err := g.Enter(cluster.StatusInitialized, "Lock")
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	release()
}
