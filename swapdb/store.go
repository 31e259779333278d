// Package swapdb persists swap state across restarts (spec.md §3
// Lifecycle, invariant I5: "write state before acting on it"). The
// interface is storage-agnostic; bbolt.go provides the default embedded
// store and postgres/ provides a shared-server alternative, mirroring the
// teacher's channeldb package, which wraps a single *bolt.DB behind a
// typed, bucket-oriented API with a versioned migration list.
package swapdb

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNoState is returned by GetState when a swap ID has no persisted
// states at all.
var ErrNoState = errors.New("swapdb: no state found for swap")

// Store persists the latest state of each swap, so that after a crash the
// daemon can resume a swap from the last state it durably recorded
// (spec.md §3, "Resuming"). Earlier states of a swap are not kept.
type Store interface {
	// InsertLatestState stores state (already serialized by the caller,
	// typically via CBOR) as the state for swapID, replacing any earlier
	// one. Implementations must make this call durable before returning,
	// per invariant I5.
	InsertLatestState(ctx context.Context, swapID uuid.UUID, state []byte) error

	// GetState returns the most recently inserted state for swapID.
	GetState(ctx context.Context, swapID uuid.UUID) ([]byte, error)

	// All returns every swap ID known to the store together with its
	// latest state, used to resume all in-flight swaps after a restart
	// (spec.md §3; the original source's database::all()).
	All(ctx context.Context) (map[uuid.UUID][]byte, error)

	// Close releases the store's underlying resources.
	Close() error
}
