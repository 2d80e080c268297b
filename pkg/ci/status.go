package ci

import (
	"sync"
	"time"

	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// checkKey is the upsert key for commit status checks.
type checkKey struct {
	RepoKey string
	SHA     string
	Context string
}

// StatusStore holds commit status checks, upserted by
// (repo, sha, context).
type StatusStore struct {
	mu     sync.RWMutex
	checks map[checkKey]types.StatusCheck
}

// NewStatusStore creates an empty status store.
func NewStatusStore() *StatusStore {
	return &StatusStore{checks: make(map[checkKey]types.StatusCheck)}
}

// Upsert records a status check; a later submission for the same
// context overwrites state, description, and target URL.
func (s *StatusStore) Upsert(check types.StatusCheck) types.StatusCheck {
	key := checkKey{check.RepoKey, check.SHA, check.Context}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.checks[key]; ok {
		existing.State = check.State
		existing.Description = check.Description
		existing.TargetURL = check.TargetURL
		existing.UpdatedAt = now
		s.checks[key] = existing
		return existing
	}
	check.CreatedAt = now
	check.UpdatedAt = now
	s.checks[key] = check
	return check
}

// Get returns the check for (repo, sha, context).
func (s *StatusStore) Get(repoKey, sha, context string) (types.StatusCheck, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	check, ok := s.checks[checkKey{repoKey, sha, context}]
	return check, ok
}

// ListForCommit returns every check recorded for a commit.
func (s *StatusStore) ListForCommit(repoKey, sha string) []types.StatusCheck {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.StatusCheck
	for key, check := range s.checks {
		if key.RepoKey == repoKey && key.SHA == sha {
			out = append(out, check)
		}
	}
	return out
}

// CombinedState folds a commit's checks by precedence
// Error > Failure > Pending > Success; an empty set is Success.
func CombinedState(checks []types.StatusCheck) types.CheckState {
	var hasError, hasFailure, hasPending bool
	for _, c := range checks {
		switch c.State {
		case types.CheckStateError:
			hasError = true
		case types.CheckStateFailure:
			hasFailure = true
		case types.CheckStatePending:
			hasPending = true
		}
	}
	switch {
	case hasError:
		return types.CheckStateError
	case hasFailure:
		return types.CheckStateFailure
	case hasPending:
		return types.CheckStatePending
	default:
		return types.CheckStateSuccess
	}
}

// CombinedForCommit is CombinedState over the stored checks for one
// commit.
func (s *StatusStore) CombinedForCommit(repoKey, sha string) types.CheckState {
	return CombinedState(s.ListForCommit(repoKey, sha))
}
