package cluster

import (
	"fmt"

	"github.com/hekate-io/hekate/internal/nodeid"
)

// Status is a node's externally visible lifecycle state (spec §3).
// Transitions are irreversible: a node never moves "backwards" within
// a single identity's lifetime. internal/lifecycle.StateGuard records
// the kernel's current Status; it does not notify observers of
// changes.
type Status int

const (
	// StatusDown is both the initial and final state of a node's
	// identity. A node that rejoins after DOWN does so with a fresh
	// nodeid.ID (spec §3, "rejoining produces a fresh identity").
	StatusDown Status = iota
	StatusInitializing
	StatusInitialized
	StatusJoining
	StatusSynchronizing
	StatusUp
	StatusLeaving
	StatusTerminating
	// StatusFailed is a gossip-only status: a peer's view that a node
	// has been unresponsive long enough to exceed the failure quorum
	// (spec §4.D). It never appears as the *local* node's own lifecycle
	// state, only in the roster entries a node keeps about its peers.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDown:
		return "DOWN"
	case StatusInitializing:
		return "INITIALIZING"
	case StatusInitialized:
		return "INITIALIZED"
	case StatusJoining:
		return "JOINING"
	case StatusSynchronizing:
		return "SYNCHRONIZING"
	case StatusUp:
		return "UP"
	case StatusLeaving:
		return "LEAVING"
	case StatusTerminating:
		return "TERMINATING"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// gossipRank orders statuses for the gossip merge tie-break rule in
// spec §4.D: "ties break by status ordering FAILED > DOWN > LEAVING >
// UP > JOINING". Statuses not mentioned by that ordering (INITIALIZING,
// INITIALIZED, SYNCHRONIZING, TERMINATING) are local-only transients
// that never travel on the wire, so they rank below JOINING — they
// should never actually need to win a tie-break in practice.
func (s Status) gossipRank() int {
	switch s {
	case StatusFailed:
		return 5
	case StatusDown:
		return 4
	case StatusLeaving:
		return 3
	case StatusUp:
		return 2
	case StatusJoining:
		return 1
	default:
		return 0
	}
}

// HigherGossipPriority reports whether s should win a gossip merge tie
// against other, per the ordering in spec §4.D.
func (s Status) HigherGossipPriority(other Status) bool {
	return s.gossipRank() > other.gossipRank()
}

// Node is a peer's immutable identity plus its currently-known status.
// Roles and Properties are fixed at startup (spec §3) and never change
// for the lifetime of one identity.
type Node struct {
	ID         nodeid.ID
	Address    string
	Roles      []string
	Properties map[string]string
	JoinOrder  uint64
	Status     Status
}

// HasRole reports whether the node declared the given role at startup.
func (n Node) HasRole(role string) bool {
	for _, r := range n.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Property looks up a startup property, returning ("", false) if unset.
func (n Node) Property(key string) (string, bool) {
	v, ok := n.Properties[key]
	return v, ok
}

// WithStatus returns a copy of n with Status replaced. Node is treated
// as a value type everywhere in this package; callers never mutate a
// Node in place.
func (n Node) WithStatus(s Status) Node {
	n.Status = s
	return n
}
