// Package refs implements the reference manager: named, mutable
// pointers to object ids with symbolic indirection and atomic swap.
// Resolution bounds chain depth and rejects cycles, since a
// misconfigured symbolic chain can loop.
package refs

import (
	"sync"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// MaxResolutionDepth bounds symbolic chain following; exceeding it is
// treated as a cycle.
const MaxResolutionDepth = 5

// Backend durably stores a Manager's references. Each Put/Delete is
// atomic on its own; the Manager holds its lock across the backend
// write so the in-memory table and the backend never diverge.
type Backend interface {
	PutRef(name string, target types.ObjectID) error
	PutSymbolicRef(name, target string) error
	DeleteRef(name string) error
	LoadRefs() ([]types.Reference, error)
}

// Manager holds the (name -> Reference) table for one repository. All
// public methods are safe for concurrent use. Without a backend the
// table is memory-only (tests, ephemeral nodes); with one, every
// update writes through before it becomes visible.
type Manager struct {
	mu      sync.RWMutex
	refs    map[string]types.Reference
	backend Backend
}

// NewManager creates an empty, memory-only reference manager.
func NewManager() *Manager {
	return &Manager{refs: make(map[string]types.Reference)}
}

// NewManagerWithBackend creates a manager that writes through to b,
// seeded with whatever b already holds.
func NewManagerWithBackend(b Backend) (*Manager, error) {
	loaded, err := b.LoadRefs()
	if err != nil {
		return nil, err
	}
	m := &Manager{refs: make(map[string]types.Reference, len(loaded)), backend: b}
	for _, ref := range loaded {
		m.refs[ref.Name] = ref
	}
	return m, nil
}

// Set atomically, last-writer-wins, points name at a direct object id.
func (m *Manager) Set(name string, id types.ObjectID) error {
	if name == "" {
		return gutserr.New(gutserr.InvalidInput, "refs.Set", "reference name must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend != nil {
		if err := m.backend.PutRef(name, id); err != nil {
			return err
		}
	}
	m.refs[name] = types.Reference{Name: name, Target: id}
	return nil
}

// SetSymbolic atomically points name at another reference name,
// forming a chain that must eventually terminate at a direct target.
func (m *Manager) SetSymbolic(name, target string) error {
	if name == "" || target == "" {
		return gutserr.New(gutserr.InvalidInput, "refs.SetSymbolic", "name and target must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend != nil {
		if err := m.backend.PutSymbolicRef(name, target); err != nil {
			return err
		}
	}
	m.refs[name] = types.Reference{Name: name, Symbolic: target, IsSymlink: true}
	return nil
}

// Get returns the raw reference record for name (without following a
// symbolic chain).
func (m *Manager) Get(name string) (types.Reference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.refs[name]
	if !ok {
		return types.Reference{}, gutserr.New(gutserr.NotFound, "refs.Get", "no such reference: "+name)
	}
	return ref, nil
}

// Delete removes name. Deleting a missing reference is idempotent.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend != nil {
		if err := m.backend.DeleteRef(name); err != nil {
			return err
		}
	}
	delete(m.refs, name)
	return nil
}

// List returns every (name, target-or-symbolic) pair currently held.
func (m *Manager) List() []types.Reference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Reference, 0, len(m.refs))
	for _, ref := range m.refs {
		out = append(out, ref)
	}
	return out
}

// Resolve follows name's symbolic chain (if any) to a direct object
// id. It bounds chain depth at MaxResolutionDepth and rejects cycles
// or excess depth with IntegrityError; a dangling symbolic tail yields
// NotFound.
func (m *Manager) Resolve(name string) (types.ObjectID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	visited := make(map[string]bool, MaxResolutionDepth+1)
	cur := name
	for depth := 0; depth <= MaxResolutionDepth; depth++ {
		if visited[cur] {
			return types.ObjectID{}, gutserr.New(gutserr.IntegrityError, "refs.Resolve", "cycle detected resolving "+name)
		}
		visited[cur] = true

		ref, ok := m.refs[cur]
		if !ok {
			return types.ObjectID{}, gutserr.New(gutserr.NotFound, "refs.Resolve", "dangling reference: "+cur)
		}
		if !ref.IsSymlink {
			return ref.Target, nil
		}
		cur = ref.Symbolic
	}
	return types.ObjectID{}, gutserr.New(gutserr.IntegrityError, "refs.Resolve", "resolution depth exceeded for "+name)
}
