// Package nodeid provides the cluster-wide identity primitives for a
// Hekate node: a 128-bit unique identifier and the process-wide ordering
// counter used to break ties when identities are compared for "age".
//
// Node identity is immutable for the lifetime of a single join attempt.
// Rejoining (e.g. after a split-brain REJOIN action) always produces a
// fresh ID and resets the local order counter relationship — join order
// itself is assigned by the cluster, not by this package.
package nodeid

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// ID is a 128-bit node identifier. It is globally unique for the
// lifetime of the cluster (spec §3 invariants) and carries no semantic
// meaning beyond identity and comparison.
type ID struct {
	v uuid.UUID
}

// Nil is the zero-value ID, never assigned to a live node.
var Nil = ID{}

// order is the process-wide auto-increment counter mentioned in spec §3
// ("128-bit id + auto-increment process-wide order counter"). It
// disambiguates IDs generated within the same process in quick
// succession and is exposed only through New's returned LocalOrder.
var order uint64

// New generates a fresh node ID along with the local process-order
// value assigned to it. The local order is NOT the cluster join order
// (§3); it only provides a stable, monotonic local tiebreaker for
// identities minted by this process, e.g. for deterministic logging
// when multiple embryonic nodes exist during tests.
func New() (ID, uint64) {
	return ID{v: uuid.New()}, atomic.AddUint64(&order, 1)
}

// Parse decodes an ID from its canonical string form.
func Parse(s string) (ID, error) {
	v, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID{v: v}, nil
}

// String returns the canonical textual representation.
func (id ID) String() string {
	return id.v.String()
}

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool {
	return id == Nil
}

// Compare returns -1, 0, or 1 ordering two IDs lexicographically on
// their byte representation. This gives a deterministic total order
// independent of join order; cluster.Topology uses it to sort nodes by
// ID for manager assignment.
func (id ID) Compare(other ID) int {
	a, b := id.v, other.v
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler so IDs serialize
// naturally in JSON/YAML configuration and logging contexts.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	v, err := uuid.Parse(string(text))
	if err != nil {
		return err
	}
	id.v = v
	return nil
}

// Bytes returns the 16-byte representation, used by the wire codec
// (§6) and by the topology hash (content digest of the sorted ID set).
func (id ID) Bytes() [16]byte {
	return id.v
}

// FromBytes reconstructs an ID from its 16-byte wire representation.
func FromBytes(b [16]byte) ID {
	return ID{v: uuid.UUID(b)}
}
