package config

import (
	"fmt"
	"sync"

	"github.com/hekate-io/hekate/internal/balancer"
	"github.com/hekate-io/hekate/internal/codec"
	"github.com/hekate-io/hekate/internal/coordination"
	"github.com/hekate-io/hekate/internal/gossip"
	"github.com/hekate-io/hekate/internal/seed"
)

// Registry resolves the string names a Config carries (codec,
// receiver, loadBalancer, failoverPolicy, splitBrainDetector,
// joinValidators, handler, seedNodeProvider) to the concrete Go values
// an application registered for them. It plays the same role here that
// internal/codec.Registry plays for wire protocols: a name-to-value
// lookup the YAML surface can reference without Config itself ever
// importing an application's concrete types.
type Registry struct {
	mu            sync.RWMutex
	codecs        map[string]codec.Codec
	receivers     map[string]messagingReceiver
	balancers     map[string]balancer.LoadBalancer
	failovers     map[string]balancer.FailoverPolicy
	detectors     map[string]gossip.Detector
	validators    map[string]gossip.JoinValidator
	handlers      map[string]coordination.Handler
	seedProviders map[string]seed.Provider
}

// messagingReceiver avoids an import of internal/messaging (which
// never needs to know about config): it is an alias of any, so
// RegisterReceiver accepts a value of any type. The Cluster wiring in
// hekate.go (registerChannel) type-asserts it to messaging.Receiver and
// rejects anything else.
type messagingReceiver = any

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		codecs:        make(map[string]codec.Codec),
		receivers:     make(map[string]messagingReceiver),
		balancers:     make(map[string]balancer.LoadBalancer),
		failovers:     make(map[string]balancer.FailoverPolicy),
		detectors:     make(map[string]gossip.Detector),
		validators:    make(map[string]gossip.JoinValidator),
		handlers:      make(map[string]coordination.Handler),
		seedProviders: make(map[string]seed.Provider),
	}
}

func (r *Registry) RegisterCodec(name string, c codec.Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[name] = c
}

// Codec looks up a codec registered under name. An empty name resolves
// to the JSON default (spec's DOMAIN STACK: "stdlib encoding/json
// (default codec)").
func (r *Registry) Codec(name string) (codec.Codec, error) {
	if name == "" {
		return codec.JSON{}, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[name]
	if !ok {
		return nil, fmt.Errorf("config: no codec registered under name %q", name)
	}
	return c, nil
}

func (r *Registry) RegisterReceiver(name string, fn messagingReceiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receivers[name] = fn
}

func (r *Registry) Receiver(name string) (messagingReceiver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.receivers[name]
	if !ok {
		return nil, fmt.Errorf("config: no receiver registered under name %q", name)
	}
	return fn, nil
}

func (r *Registry) RegisterLoadBalancer(name string, b balancer.LoadBalancer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balancers[name] = b
}

// LoadBalancer looks up name, defaulting to an affinity-hashing
// balancer when name is empty (messaging.ChannelConfig's own default).
func (r *Registry) LoadBalancer(name string) (balancer.LoadBalancer, error) {
	if name == "" {
		return &balancer.AffinityHash{}, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.balancers[name]
	if !ok {
		return nil, fmt.Errorf("config: no load balancer registered under name %q", name)
	}
	return b, nil
}

func (r *Registry) RegisterFailoverPolicy(name string, p balancer.FailoverPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failovers[name] = p
}

func (r *Registry) FailoverPolicy(name string) (balancer.FailoverPolicy, error) {
	if name == "" {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.failovers[name]
	if !ok {
		return nil, fmt.Errorf("config: no failover policy registered under name %q", name)
	}
	return p, nil
}

func (r *Registry) RegisterSplitBrainDetector(name string, d gossip.Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors[name] = d
}

// SplitBrainDetector looks up name, defaulting to gossip.AlwaysValid
// when name is empty.
func (r *Registry) SplitBrainDetector(name string) (gossip.Detector, error) {
	if name == "" {
		return gossip.AlwaysValid{}, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	if !ok {
		return nil, fmt.Errorf("config: no split-brain detector registered under name %q", name)
	}
	return d, nil
}

func (r *Registry) RegisterJoinValidator(name string, v gossip.JoinValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[name] = v
}

// JoinValidators resolves a list of registered names into a
// gossip.ValidatorChain, always anchored by the built-in cluster-name
// check (gossip.NewValidatorChain already prepends it).
func (r *Registry) JoinValidators(names []string) (*gossip.ValidatorChain, error) {
	extra := make([]gossip.JoinValidator, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		v, ok := r.validators[name]
		if !ok {
			return nil, fmt.Errorf("config: no join validator registered under name %q", name)
		}
		extra = append(extra, v)
	}
	return gossip.NewValidatorChain(extra...), nil
}

func (r *Registry) RegisterHandler(name string, h coordination.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) Handler(name string) (coordination.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("config: no coordination handler registered under name %q", name)
	}
	return h, nil
}

func (r *Registry) RegisterSeedProvider(name string, p seed.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seedProviders[name] = p
}

func (r *Registry) SeedProvider(name string) (seed.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.seedProviders[name]
	if !ok {
		return nil, fmt.Errorf("config: no seed-node provider registered under name %q", name)
	}
	return p, nil
}
