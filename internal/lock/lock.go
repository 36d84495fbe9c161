package lock

import (
	"github.com/google/uuid"
	"github.com/hekate-io/hekate/internal/nodeid"
)

// Status is the outcome of a lock operation (spec §4.H).
type Status int

const (
	StatusOK Status = iota
	StatusBusy
	StatusTimeout
	StatusRetry
	StatusNotOwner
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBusy:
		return "BUSY"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusRetry:
		return "RETRY"
	case StatusNotOwner:
		return "NOT_OWNER"
	default:
		return "UNKNOWN"
	}
}

// ID identifies one successful lock acquisition. It tolerates stale
// unlock attempts (spec §4.H): unlocking with a stale or unknown ID is
// a harmless NOT_OWNER, never an error.
type ID = uuid.UUID

// TryLockRequest is one acquisition attempt against a region manager.
// TopologyHash is the requester's own view of the region's topology;
// the manager returns RETRY when its current hash disagrees (spec
// §4.H: "the manager's topology hash does not match the requester's").
type TryLockRequest struct {
	Name         string
	ThreadID     string
	TopologyHash [16]byte
}

// TryLockResponse reports the outcome of a TryLockRequest.
type TryLockResponse struct {
	Status      Status
	Owner       nodeid.ID
	OwnerThread string
	LockID      ID
}

// QueryOwnerResponse answers queryOwner(name) (spec §4.H).
type QueryOwnerResponse struct {
	Held        bool
	Owner       nodeid.ID
	OwnerThread string
}
