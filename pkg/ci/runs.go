package ci

import (
	"sync"
	"time"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/metrics"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// RunStore tracks workflow runs, numbering them monotonically per
// workflow.
type RunStore struct {
	mu       sync.RWMutex
	runs     map[string]types.WorkflowRun
	counters map[string]uint64 // workflow id -> last run number
}

// NewRunStore creates an empty run store.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:     make(map[string]types.WorkflowRun),
		counters: make(map[string]uint64),
	}
}

// Create queues a new run for a workflow at a commit.
func (s *RunStore) Create(wf *types.Workflow, headSHA, headBranch string, trigger map[string]string) types.WorkflowRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[wf.ID]++
	now := time.Now()
	run := types.WorkflowRun{
		ID:             NewRunID(),
		WorkflowID:     wf.ID,
		RepoKey:        wf.RepoKey,
		Number:         s.counters[wf.ID],
		Status:         types.StatusQueued,
		TriggerContext: trigger,
		HeadSHA:        headSHA,
		HeadBranch:     headBranch,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.runs[run.ID] = run
	return run
}

// Get returns a run by id.
func (s *RunStore) Get(id string) (types.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return types.WorkflowRun{}, gutserr.New(gutserr.NotFound, "ci.RunStore.Get", "run "+id+" not found")
	}
	return run, nil
}

// Start transitions a queued run to in-progress.
func (s *RunStore) Start(id string) error {
	return s.update(id, func(run *types.WorkflowRun) error {
		if run.Status != types.StatusQueued && run.Status != types.StatusWaiting {
			return gutserr.New(gutserr.PreconditionFailed, "ci.RunStore.Start",
				"run is "+string(run.Status)+", cannot start")
		}
		run.Status = types.StatusInProgress
		return nil
	})
}

// Complete records the job results and the aggregate conclusion.
func (s *RunStore) Complete(id string, results map[string]*JobResult) error {
	return s.update(id, func(run *types.WorkflowRun) error {
		if run.Status == types.StatusCompleted || run.Status == types.StatusCancelled {
			return gutserr.New(gutserr.PreconditionFailed, "ci.RunStore.Complete", "run already terminal")
		}
		run.Jobs = run.Jobs[:0]
		for _, res := range results {
			run.Jobs = append(run.Jobs, res.JobRun)
		}
		run.Status = types.StatusCompleted
		run.Conclusion = AggregateConclusion(run.Jobs)
		metrics.CIRunsTotal.WithLabelValues(string(run.Conclusion)).Inc()
		return nil
	})
}

// Cancel marks a non-terminal run cancelled.
func (s *RunStore) Cancel(id string) error {
	return s.update(id, func(run *types.WorkflowRun) error {
		if run.Status == types.StatusCompleted || run.Status == types.StatusCancelled {
			return gutserr.New(gutserr.PreconditionFailed, "ci.RunStore.Cancel", "run already terminal")
		}
		run.Status = types.StatusCancelled
		run.Conclusion = types.ConclusionCancelled
		metrics.CIRunsTotal.WithLabelValues(string(run.Conclusion)).Inc()
		return nil
	})
}

// ListForRepo returns every run recorded for a repo.
func (s *RunStore) ListForRepo(repoKey string) []types.WorkflowRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.WorkflowRun
	for _, run := range s.runs {
		if run.RepoKey == repoKey {
			out = append(out, run)
		}
	}
	return out
}

func (s *RunStore) update(id string, f func(*types.WorkflowRun) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return gutserr.New(gutserr.NotFound, "ci.RunStore.update", "run "+id+" not found")
	}
	if err := f(&run); err != nil {
		return err
	}
	run.UpdatedAt = time.Now()
	s.runs[id] = run
	return nil
}
