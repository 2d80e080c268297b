// Package objects implements the content-addressed object store:
// blob/tree/commit/tag storage keyed by 20-byte hashes, with an
// in-memory backend for tests/ephemeral nodes and a persistent bbolt
// backend for production laid out as one bucket per column family.
package objects

import (
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// Store is the capability every backend implements. Callers MUST NOT
// depend on a particular backend; the choice is transparent to higher
// layers.
type Store interface {
	// Put stores an object, returning its id. Idempotent: putting the
	// same (kind, data) again returns the same id and is a no-op.
	Put(kind types.ObjectKind, data []byte) (types.ObjectID, error)

	// Get returns the object for id, or ok=false if absent.
	Get(id types.ObjectID) (types.Object, bool, error)

	// Contains reports whether id is present.
	Contains(id types.ObjectID) (bool, error)

	// Delete removes id if present, reporting whether it existed.
	Delete(id types.ObjectID) (bool, error)

	// BatchPut stores every object atomically with respect to readers:
	// either all become visible, or none do.
	BatchPut(objs []types.Object) ([]types.ObjectID, error)

	// ListObjectIDs returns every id currently stored.
	ListObjectIDs() ([]types.ObjectID, error)

	// Flush persists any buffered writes.
	Flush() error

	// Compact reclaims space; a no-op for backends without one.
	Compact() error

	// Stats reports backend occupancy.
	Stats() (Stats, error)

	// Close releases backend resources.
	Close() error
}

// Stats is a snapshot of a backend's occupancy.
type Stats struct {
	ObjectCount uint64
	TotalBytes  uint64
}
