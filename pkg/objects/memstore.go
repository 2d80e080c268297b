package objects

import (
	"sync"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// MemStore is an in-memory Store, suitable for tests and ephemeral
// nodes that don't need durability across restarts.
type MemStore struct {
	mu      sync.RWMutex
	objects map[types.ObjectID]types.Object
}

// NewMemStore creates an empty in-memory object store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[types.ObjectID]types.Object)}
}

func (s *MemStore) Put(kind types.ObjectKind, data []byte) (types.ObjectID, error) {
	if !kind.Valid() {
		return types.ObjectID{}, gutserr.New(gutserr.InvalidInput, "objects.Put", "unknown object kind")
	}
	obj := types.NewObject(kind, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[obj.ID] = obj
	return obj.ID, nil
}

func (s *MemStore) Get(id types.ObjectID) (types.Object, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id]
	return obj, ok, nil
}

func (s *MemStore) Contains(id types.ObjectID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[id]
	return ok, nil
}

func (s *MemStore) Delete(id types.ObjectID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[id]
	if ok {
		delete(s.objects, id)
	}
	return ok, nil
}

func (s *MemStore) BatchPut(objs []types.Object) ([]types.ObjectID, error) {
	for _, obj := range objs {
		if !obj.Kind.Valid() {
			return nil, gutserr.New(gutserr.InvalidInput, "objects.BatchPut", "unknown object kind")
		}
	}

	ids := make([]types.ObjectID, len(objs))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, obj := range objs {
		computed := types.HashObject(byte(obj.Kind), obj.Data)
		s.objects[computed] = types.Object{Kind: obj.Kind, Data: obj.Data, ID: computed}
		ids[i] = computed
	}
	return ids, nil
}

func (s *MemStore) ListObjectIDs() ([]types.ObjectID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]types.ObjectID, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemStore) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{ObjectCount: uint64(len(s.objects))}
	for _, obj := range s.objects {
		st.TotalBytes += uint64(len(obj.Data))
	}
	return st, nil
}

func (s *MemStore) Flush() error  { return nil }
func (s *MemStore) Compact() error { return nil }
func (s *MemStore) Close() error  { return nil }
