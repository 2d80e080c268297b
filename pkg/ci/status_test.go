package ci

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/objects"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

func TestStatusUpsertByContext(t *testing.T) {
	s := NewStatusStore()

	s.Upsert(types.StatusCheck{RepoKey: "a/r", SHA: "sha1", Context: "ci/build", State: types.CheckStatePending})
	s.Upsert(types.StatusCheck{RepoKey: "a/r", SHA: "sha1", Context: "ci/build", State: types.CheckStateSuccess, Description: "all green"})

	check, ok := s.Get("a/r", "sha1", "ci/build")
	require.True(t, ok)
	assert.Equal(t, types.CheckStateSuccess, check.State)
	assert.Equal(t, "all green", check.Description)
	assert.Len(t, s.ListForCommit("a/r", "sha1"), 1)
}

func TestCombinedStatePrecedence(t *testing.T) {
	mk := func(states ...types.CheckState) []types.StatusCheck {
		out := make([]types.StatusCheck, len(states))
		for i, st := range states {
			out[i] = types.StatusCheck{State: st}
		}
		return out
	}

	assert.Equal(t, types.CheckStateSuccess, CombinedState(nil))
	assert.Equal(t, types.CheckStateSuccess, CombinedState(mk(types.CheckStateSuccess, types.CheckStateSuccess)))
	assert.Equal(t, types.CheckStatePending, CombinedState(mk(types.CheckStateSuccess, types.CheckStatePending)))
	assert.Equal(t, types.CheckStatePending, CombinedState(mk(types.CheckStatePending)))
	assert.Equal(t, types.CheckStateFailure, CombinedState(mk(types.CheckStatePending, types.CheckStateFailure)))
	assert.Equal(t, types.CheckStateError, CombinedState(mk(types.CheckStateFailure, types.CheckStateError)))
}

func TestArtifactLifecycle(t *testing.T) {
	s := NewArtifactStore(objects.NewMemStore())

	art, err := s.Put("run1", "a/r", "bundle", "application/gzip", []byte("payload"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), art.Size)

	// Duplicate name within the run is rejected; same name in another
	// run is fine.
	_, err = s.Put("run1", "a/r", "bundle", "application/gzip", []byte("other"), 0)
	assert.True(t, gutserr.Of(err, gutserr.AlreadyExists))
	_, err = s.Put("run2", "a/r", "bundle", "application/gzip", []byte("other"), 0)
	require.NoError(t, err)

	got, content, err := s.Get(art.ID)
	require.NoError(t, err)
	assert.Equal(t, art.ContentHash, got.ContentHash)
	assert.Equal(t, []byte("payload"), content)
}

func TestArtifactExpiry(t *testing.T) {
	s := NewArtifactStore(objects.NewMemStore())

	art, err := s.Put("run1", "a/r", "ephemeral", "text/plain", []byte("x"), time.Nanosecond)
	require.NoError(t, err)
	_, err = s.Put("run1", "a/r", "durable", "text/plain", []byte("y"), 0)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	assert.Equal(t, 1, s.SweepExpired())

	_, _, err = s.Get(art.ID)
	assert.True(t, gutserr.Of(err, gutserr.NotFound))
	assert.Len(t, s.ListForRun("run1"), 1)
}

func TestRunNumberingMonotonicPerWorkflow(t *testing.T) {
	s := NewRunStore()
	wf1 := &types.Workflow{ID: "wf1", RepoKey: "a/r"}
	wf2 := &types.Workflow{ID: "wf2", RepoKey: "a/r"}

	r1 := s.Create(wf1, "sha1", "main", nil)
	r2 := s.Create(wf1, "sha2", "main", nil)
	other := s.Create(wf2, "sha1", "main", nil)

	assert.Equal(t, uint64(1), r1.Number)
	assert.Equal(t, uint64(2), r2.Number)
	assert.Equal(t, uint64(1), other.Number)
	assert.Equal(t, types.StatusQueued, r1.Status)
}

func TestRunLifecycle(t *testing.T) {
	s := NewRunStore()
	wf := &types.Workflow{ID: "wf", RepoKey: "a/r"}
	run := s.Create(wf, "sha", "main", nil)

	require.NoError(t, s.Start(run.ID))
	require.NoError(t, s.Complete(run.ID, map[string]*JobResult{
		"build": {JobRun: types.JobRun{JobID: "build", Conclusion: types.ConclusionSuccess}},
	}))

	got, err := s.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, types.ConclusionSuccess, got.Conclusion)

	// Terminal runs stay terminal.
	assert.True(t, gutserr.Of(s.Cancel(run.ID), gutserr.PreconditionFailed))
}
