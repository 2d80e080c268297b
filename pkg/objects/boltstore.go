package objects

import (
	"bytes"
	"errors"
	"hash/fnv"
	"path/filepath"
	"sync"

	"github.com/steakknife/bloomfilter"
	bolt "go.etcd.io/bbolt"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// persistent state layout: three column families {objects, refs,
// metadata}. Objects are keyed by their 20-byte id; refs (see
// boltrefs.go) by repo-scoped ref name with 20-byte target values;
// metadata holds the store's format version stamp.
var (
	bucketObjects  = []byte("objects")
	bucketRefs     = []byte("refs")
	bucketMetadata = []byte("metadata")
)

var formatVersionKey = []byte("format_version")

// storeFormatVersion is bumped whenever the on-disk layout changes;
// opening a store written by a newer layout fails instead of
// misreading it.
const storeFormatVersion = 1

const bloomFalsePositiveRate = 0.01

// BoltStore is the persistent, production object store backend: a
// single bbolt database file with a bucket per column family, guarded
// by a bloom filter so that lookups for near-certainly-absent objects
// (common during replication delta assessment) skip the bbolt read
// entirely.
type BoltStore struct {
	mu     sync.RWMutex
	db     *bolt.DB
	filter *bloomfilter.Filter
	count  uint64
}

// NewBoltStore opens (creating if absent) a bbolt-backed object store
// rooted at dataDir/objects.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "objects.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, gutserr.Wrap(gutserr.Network, "objects.NewBoltStore", "open bbolt database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketObjects, bucketRefs, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMetadata)
		switch v := meta.Get(formatVersionKey); {
		case v == nil:
			return meta.Put(formatVersionKey, []byte{storeFormatVersion})
		case len(v) != 1 || v[0] > storeFormatVersion:
			return gutserr.New(gutserr.IntegrityError, "objects.NewBoltStore",
				"unsupported store format version")
		default:
			return nil
		}
	})
	if err != nil {
		db.Close()
		var gerr *gutserr.Error
		if errors.As(err, &gerr) {
			return nil, err
		}
		return nil, gutserr.Wrap(gutserr.Network, "objects.NewBoltStore", "create buckets", err)
	}

	s := &BoltStore{db: db}
	if err := s.rebuildFilter(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) rebuildFilter() error {
	var ids []types.ObjectID
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		return b.ForEach(func(k, _ []byte) error {
			var id types.ObjectID
			copy(id[:], k)
			ids = append(ids, id)
			return nil
		})
	})
	if err != nil {
		return gutserr.Wrap(gutserr.Network, "objects.rebuildFilter", "scan objects bucket", err)
	}

	maxElements := uint64(len(ids))
	if maxElements < 1024 {
		maxElements = 1024
	}
	filter, err := bloomfilter.NewOptimal(maxElements, bloomFalsePositiveRate)
	if err != nil {
		return gutserr.Wrap(gutserr.Network, "objects.rebuildFilter", "construct bloom filter", err)
	}
	for _, id := range ids {
		filter.Add(idHash(id))
	}

	s.mu.Lock()
	s.filter = filter
	s.count = uint64(len(ids))
	s.mu.Unlock()
	return nil
}

func idHash(id types.ObjectID) *fnvHash64 {
	h := fnv.New64a()
	h.Write(id[:])
	return &fnvHash64{h.Sum64()}
}

// fnvHash64 adapts a precomputed 64-bit hash to bloomfilter's expected
// hash.Hash64 interface without re-hashing on every filter operation.
type fnvHash64 struct{ sum uint64 }

func (f *fnvHash64) Write(p []byte) (int, error) { return len(p), nil }
func (f *fnvHash64) Sum(b []byte) []byte         { return b }
func (f *fnvHash64) Reset()                      {}
func (f *fnvHash64) Size() int                   { return 8 }
func (f *fnvHash64) BlockSize() int              { return 8 }
func (f *fnvHash64) Sum64() uint64               { return f.sum }

func (s *BoltStore) Put(kind types.ObjectKind, data []byte) (types.ObjectID, error) {
	if !kind.Valid() {
		return types.ObjectID{}, gutserr.New(gutserr.InvalidInput, "objects.Put", "unknown object kind")
	}
	obj := types.NewObject(kind, data)
	if err := s.putOne(obj); err != nil {
		return types.ObjectID{}, err
	}
	return obj.ID, nil
}

func (s *BoltStore) putOne(obj types.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		// stored value is the type byte prepended to the raw data
		val := make([]byte, 1+len(obj.Data))
		val[0] = byte(obj.Kind)
		copy(val[1:], obj.Data)
		return b.Put(obj.ID[:], val)
	})
	if err != nil {
		return gutserr.Wrap(gutserr.Network, "objects.Put", "write object", err)
	}
	s.filter.Add(idHash(obj.ID))
	s.count++
	return nil
}

func (s *BoltStore) Get(id types.ObjectID) (types.Object, bool, error) {
	if !s.maybeContains(id) {
		return types.Object{}, false, nil
	}

	var obj types.Object
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		val := b.Get(id[:])
		if val == nil {
			return nil
		}
		if len(val) < 1 {
			return gutserr.New(gutserr.IntegrityError, "objects.Get", "empty stored payload")
		}
		kind := types.ObjectKind(val[0])
		data := make([]byte, len(val)-1)
		copy(data, val[1:])
		computed := types.HashObject(val[0], data)
		if !bytes.Equal(computed[:], id[:]) {
			return gutserr.New(gutserr.IntegrityError, "objects.Get", "stored object hash mismatch")
		}
		obj = types.Object{Kind: kind, Data: data, ID: id}
		found = true
		return nil
	})
	if err != nil {
		return types.Object{}, false, err
	}
	return obj, found, nil
}

// maybeContains is the bloom-filter fast path: false means "definitely
// absent", true means "maybe present, check bbolt".
func (s *BoltStore) maybeContains(id types.ObjectID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.Contains(idHash(id))
}

func (s *BoltStore) Contains(id types.ObjectID) (bool, error) {
	if !s.maybeContains(id) {
		return false, nil
	}
	exists := false
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketObjects).Get(id[:]) != nil
		return nil
	})
	if err != nil {
		return false, gutserr.Wrap(gutserr.Network, "objects.Contains", "read object", err)
	}
	return exists, nil
}

func (s *BoltStore) Delete(id types.ObjectID) (bool, error) {
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		if b.Get(id[:]) != nil {
			existed = true
			return b.Delete(id[:])
		}
		return nil
	})
	if err != nil {
		return false, gutserr.Wrap(gutserr.Network, "objects.Delete", "delete object", err)
	}
	// The bloom filter has no removal operation; a stale positive just
	// costs one extra bbolt lookup on a future Get/Contains, never a
	// false negative.
	return existed, nil
}

func (s *BoltStore) BatchPut(objs []types.Object) ([]types.ObjectID, error) {
	for _, obj := range objs {
		if !obj.Kind.Valid() {
			return nil, gutserr.New(gutserr.InvalidInput, "objects.BatchPut", "unknown object kind")
		}
	}

	ids := make([]types.ObjectID, len(objs))
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		for i, obj := range objs {
			computed := types.HashObject(byte(obj.Kind), obj.Data)
			val := make([]byte, 1+len(obj.Data))
			val[0] = byte(obj.Kind)
			copy(val[1:], obj.Data)
			if err := b.Put(computed[:], val); err != nil {
				return err
			}
			ids[i] = computed
		}
		return nil
	})
	if err != nil {
		return nil, gutserr.Wrap(gutserr.Network, "objects.BatchPut", "write batch", err)
	}

	for _, id := range ids {
		s.filter.Add(idHash(id))
	}
	s.count += uint64(len(ids))
	return ids, nil
}

func (s *BoltStore) ListObjectIDs() ([]types.ObjectID, error) {
	var ids []types.ObjectID
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		return b.ForEach(func(k, _ []byte) error {
			var id types.ObjectID
			copy(id[:], k)
			ids = append(ids, id)
			return nil
		})
	})
	if err != nil {
		return nil, gutserr.Wrap(gutserr.Network, "objects.ListObjectIDs", "scan objects bucket", err)
	}
	return ids, nil
}

func (s *BoltStore) Stats() (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		return b.ForEach(func(_, v []byte) error {
			st.ObjectCount++
			st.TotalBytes += uint64(len(v))
			return nil
		})
	})
	if err != nil {
		return Stats{}, gutserr.Wrap(gutserr.Network, "objects.Stats", "scan objects bucket", err)
	}
	return st, nil
}

func (s *BoltStore) Flush() error {
	return s.db.Sync()
}

// Compact rebuilds the bloom filter to its optimal size for the
// current element count; bbolt itself has no in-place compaction hook
// exposed here.
func (s *BoltStore) Compact() error {
	return s.rebuildFilter()
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
