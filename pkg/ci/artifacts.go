package ci

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/objects"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// artifactKey scopes names per run; a run cannot hold two artifacts
// with the same name.
type artifactKey struct {
	RunID string
	Name  string
}

// ArtifactStore keeps artifact metadata and stores content in the
// node's content-addressed object store.
type ArtifactStore struct {
	objects objects.Store

	mu     sync.RWMutex
	byKey  map[artifactKey]types.Artifact
	byID   map[string]types.Artifact
}

// NewArtifactStore builds an artifact store over the given backend.
func NewArtifactStore(store objects.Store) *ArtifactStore {
	return &ArtifactStore{
		objects: store,
		byKey:   make(map[artifactKey]types.Artifact),
		byID:    make(map[string]types.Artifact),
	}
}

// Put stores an artifact's content and metadata. Duplicate names
// within a run are rejected. A zero ttl means the artifact never
// expires.
func (s *ArtifactStore) Put(runID, repoKey, name, contentType string, content []byte, ttl time.Duration) (types.Artifact, error) {
	key := artifactKey{runID, name}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[key]; exists {
		return types.Artifact{}, gutserr.New(gutserr.AlreadyExists, "ci.ArtifactStore.Put",
			"artifact "+name+" already exists for this run")
	}

	hash, err := s.objects.Put(types.KindBlob, content)
	if err != nil {
		return types.Artifact{}, err
	}

	art := types.Artifact{
		ID:          uuid.NewString(),
		RunID:       runID,
		RepoKey:     repoKey,
		Name:        name,
		Size:        int64(len(content)),
		ContentType: contentType,
		ContentHash: hash,
	}
	if ttl > 0 {
		expires := time.Now().Add(ttl)
		art.ExpiresAt = &expires
	}
	s.byKey[key] = art
	s.byID[art.ID] = art
	return art, nil
}

// Get returns an artifact's metadata and content by id.
func (s *ArtifactStore) Get(id string) (types.Artifact, []byte, error) {
	s.mu.RLock()
	art, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return types.Artifact{}, nil, gutserr.New(gutserr.NotFound, "ci.ArtifactStore.Get", "artifact "+id+" not found")
	}

	obj, found, err := s.objects.Get(art.ContentHash)
	if err != nil {
		return types.Artifact{}, nil, err
	}
	if !found {
		return types.Artifact{}, nil, gutserr.New(gutserr.IntegrityError, "ci.ArtifactStore.Get",
			"artifact content missing from object store")
	}
	return art, obj.Data, nil
}

// GetByName returns an artifact by (run, name).
func (s *ArtifactStore) GetByName(runID, name string) (types.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	art, ok := s.byKey[artifactKey{runID, name}]
	return art, ok
}

// ListForRun returns every artifact of a run.
func (s *ArtifactStore) ListForRun(runID string) []types.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Artifact
	for key, art := range s.byKey {
		if key.RunID == runID {
			out = append(out, art)
		}
	}
	return out
}

// SweepExpired deletes artifacts whose TTL elapsed, returning how many
// were removed. Content blobs are deleted alongside the metadata.
func (s *ArtifactStore) SweepExpired() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, art := range s.byKey {
		if art.ExpiresAt == nil || art.ExpiresAt.After(now) {
			continue
		}
		delete(s.byKey, key)
		delete(s.byID, art.ID)
		_, _ = s.objects.Delete(art.ContentHash)
		removed++
	}
	return removed
}
