package objects

import (
	"bytes"

	bolt "go.etcd.io/bbolt"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// symrefValuePrefix marks a symbolic reference value, the same form
// git uses for loose symrefs. Direct values are the raw 20-byte target
// id; decoding checks the prefix before the length so the two never
// collide.
const symrefValuePrefix = "ref: "

// BoltRefs persists one repository's references in the refs column
// family of the same database that holds the objects, so a reference
// update commits in a single bbolt transaction. Keys are the repo key
// and ref name joined by a NUL byte.
type BoltRefs struct {
	db     *bolt.DB
	prefix []byte
}

// RefStore returns the durable ref backend scoped to repoKey; it
// satisfies the reference manager's write-through backend contract.
func (s *BoltStore) RefStore(repoKey string) *BoltRefs {
	prefix := make([]byte, 0, len(repoKey)+1)
	prefix = append(prefix, repoKey...)
	prefix = append(prefix, 0)
	return &BoltRefs{db: s.db, prefix: prefix}
}

func (r *BoltRefs) key(name string) []byte {
	k := make([]byte, 0, len(r.prefix)+len(name))
	k = append(k, r.prefix...)
	k = append(k, name...)
	return k
}

// PutRef atomically points name at a direct object id.
func (r *BoltRefs) PutRef(name string, target types.ObjectID) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefs).Put(r.key(name), target[:])
	})
	if err != nil {
		return gutserr.Wrap(gutserr.Network, "objects.PutRef", "write reference", err)
	}
	return nil
}

// PutSymbolicRef atomically points name at another reference name.
func (r *BoltRefs) PutSymbolicRef(name, target string) error {
	val := append([]byte(symrefValuePrefix), target...)
	err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefs).Put(r.key(name), val)
	})
	if err != nil {
		return gutserr.Wrap(gutserr.Network, "objects.PutSymbolicRef", "write symbolic reference", err)
	}
	return nil
}

// DeleteRef removes name; deleting a missing reference is a no-op.
func (r *BoltRefs) DeleteRef(name string) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefs).Delete(r.key(name))
	})
	if err != nil {
		return gutserr.Wrap(gutserr.Network, "objects.DeleteRef", "delete reference", err)
	}
	return nil
}

// LoadRefs returns every reference stored for this repository.
func (r *BoltRefs) LoadRefs() ([]types.Reference, error) {
	var out []types.Reference
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRefs).Cursor()
		for k, v := c.Seek(r.prefix); k != nil && bytes.HasPrefix(k, r.prefix); k, v = c.Next() {
			name := string(k[len(r.prefix):])
			if bytes.HasPrefix(v, []byte(symrefValuePrefix)) {
				out = append(out, types.Reference{
					Name:      name,
					Symbolic:  string(v[len(symrefValuePrefix):]),
					IsSymlink: true,
				})
				continue
			}
			if len(v) != 20 {
				return gutserr.New(gutserr.IntegrityError, "objects.LoadRefs",
					"malformed stored reference "+name)
			}
			var id types.ObjectID
			copy(id[:], v)
			out = append(out, types.Reference{Name: name, Target: id})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
