package statemachine

import (
	"strconv"
	"sync"
	"time"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// prKey indexes pull requests by (repo, number). Issues use the same
// shape with an independent counter space.
type prKey struct {
	RepoKey string
	Number  uint64
}

// CollabStore holds pull requests, issues, comments, and reviews. All
// methods are safe for concurrent use; numbered entities draw from
// per-repo monotonic counters and every record gets a globally unique
// id from a single shared counter.
type CollabStore struct {
	mu            sync.RWMutex
	pullRequests  map[prKey]types.PullRequest
	issues        map[prKey]types.Issue
	comments      map[string]types.Comment
	reviews       map[string]types.Review
	prCounters    map[string]uint64
	issueCounters map[string]uint64
	nextID        uint64
}

// NewCollabStore creates an empty collaboration store.
func NewCollabStore() *CollabStore {
	return &CollabStore{
		pullRequests:  make(map[prKey]types.PullRequest),
		issues:        make(map[prKey]types.Issue),
		comments:      make(map[string]types.Comment),
		reviews:       make(map[string]types.Review),
		prCounters:    make(map[string]uint64),
		issueCounters: make(map[string]uint64),
	}
}

// allocID hands out the next global record id as a decimal string.
// Caller must hold mu.
func (s *CollabStore) allocID() string {
	s.nextID++
	return strconv.FormatUint(s.nextID, 10)
}

// bumpIDCounter raises the global id counter to cover an imported
// record's numeric id. Draft ids that are not decimal (node-local
// UUIDs) leave the counter untouched. Caller must hold mu.
func (s *CollabStore) bumpIDCounter(id string) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return
	}
	if n > s.nextID {
		s.nextID = n
	}
}

// CreatePullRequest assigns the next per-repo PR number and a fresh id.
func (s *CollabStore) CreatePullRequest(pr types.PullRequest) (types.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prCounters[pr.RepoKey]++
	pr.Number = s.prCounters[pr.RepoKey]
	pr.ID = s.allocID()

	key := prKey{pr.RepoKey, pr.Number}
	if _, exists := s.pullRequests[key]; exists {
		return types.PullRequest{}, gutserr.New(gutserr.AlreadyExists, "statemachine.CreatePullRequest",
			"pull request "+pr.RepoKey+"#"+strconv.FormatUint(pr.Number, 10)+" already exists")
	}
	s.pullRequests[key] = pr
	return pr, nil
}

// GetPullRequest returns the PR for (repoKey, number).
func (s *CollabStore) GetPullRequest(repoKey string, number uint64) (types.PullRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pr, ok := s.pullRequests[prKey{repoKey, number}]
	if !ok {
		return types.PullRequest{}, gutserr.New(gutserr.NotFound, "statemachine.GetPullRequest",
			"no pull request "+repoKey+"#"+strconv.FormatUint(number, 10))
	}
	return pr, nil
}

// ListPullRequests returns the repo's PRs, optionally filtered by state.
func (s *CollabStore) ListPullRequests(repoKey string, state *types.PRState) []types.PullRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.PullRequest
	for _, pr := range s.pullRequests {
		if pr.RepoKey == repoKey && (state == nil || pr.State == *state) {
			out = append(out, pr)
		}
	}
	return out
}

// UpdatePullRequest applies f to the PR under the store lock, stamping
// UpdatedAt with the caller's now (the enclosing block's timestamp, so
// every node records the same instant). f sees a mutable view that
// must not escape.
func (s *CollabStore) UpdatePullRequest(repoKey string, number uint64, now time.Time, f func(*types.PullRequest) error) (types.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := prKey{repoKey, number}
	pr, ok := s.pullRequests[key]
	if !ok {
		return types.PullRequest{}, gutserr.New(gutserr.NotFound, "statemachine.UpdatePullRequest",
			"no pull request "+repoKey+"#"+strconv.FormatUint(number, 10))
	}
	if err := f(&pr); err != nil {
		return types.PullRequest{}, err
	}
	pr.UpdatedAt = now
	s.pullRequests[key] = pr
	return pr, nil
}

// MergePullRequest transitions an Open PR to the terminal Merged state.
func (s *CollabStore) MergePullRequest(repoKey string, number uint64, mergedBy string, now time.Time) (types.PullRequest, error) {
	return s.UpdatePullRequest(repoKey, number, now, func(pr *types.PullRequest) error {
		if pr.State != types.PRStateOpen {
			return gutserr.New(gutserr.PreconditionFailed, "statemachine.MergePullRequest",
				"pull request is "+string(pr.State)+", must be open to merge")
		}
		pr.State = types.PRStateMerged
		pr.MergedAt = &now
		pr.MergedBy = mergedBy
		return nil
	})
}

// CreateIssue assigns the next per-repo issue number and a fresh id.
// Issue numbers are counted independently from PR numbers.
func (s *CollabStore) CreateIssue(issue types.Issue) (types.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.issueCounters[issue.RepoKey]++
	issue.Number = s.issueCounters[issue.RepoKey]
	issue.ID = s.allocID()

	key := prKey{issue.RepoKey, issue.Number}
	if _, exists := s.issues[key]; exists {
		return types.Issue{}, gutserr.New(gutserr.AlreadyExists, "statemachine.CreateIssue",
			"issue "+issue.RepoKey+"#"+strconv.FormatUint(issue.Number, 10)+" already exists")
	}
	s.issues[key] = issue
	return issue, nil
}

// GetIssue returns the issue for (repoKey, number).
func (s *CollabStore) GetIssue(repoKey string, number uint64) (types.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	issue, ok := s.issues[prKey{repoKey, number}]
	if !ok {
		return types.Issue{}, gutserr.New(gutserr.NotFound, "statemachine.GetIssue",
			"no issue "+repoKey+"#"+strconv.FormatUint(number, 10))
	}
	return issue, nil
}

// ListIssues returns the repo's issues, optionally filtered by state.
func (s *CollabStore) ListIssues(repoKey string, state *types.IssueState) []types.Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Issue
	for _, issue := range s.issues {
		if issue.RepoKey == repoKey && (state == nil || issue.State == *state) {
			out = append(out, issue)
		}
	}
	return out
}

// UpdateIssue applies f to the issue under the store lock, stamping
// UpdatedAt with the caller's now.
func (s *CollabStore) UpdateIssue(repoKey string, number uint64, now time.Time, f func(*types.Issue) error) (types.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := prKey{repoKey, number}
	issue, ok := s.issues[key]
	if !ok {
		return types.Issue{}, gutserr.New(gutserr.NotFound, "statemachine.UpdateIssue",
			"no issue "+repoKey+"#"+strconv.FormatUint(number, 10))
	}
	if err := f(&issue); err != nil {
		return types.Issue{}, err
	}
	issue.UpdatedAt = now
	s.issues[key] = issue
	return issue, nil
}

// CreateComment attaches a comment to an existing PR or issue.
func (s *CollabStore) CreateComment(c types.Comment) (types.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := prKey{c.Target.RepoKey, c.Target.Number}
	switch c.Target.Kind {
	case types.CommentTargetPR:
		if _, ok := s.pullRequests[key]; !ok {
			return types.Comment{}, gutserr.New(gutserr.NotFound, "statemachine.CreateComment",
				"comment target pull request not found")
		}
	case types.CommentTargetIssue:
		if _, ok := s.issues[key]; !ok {
			return types.Comment{}, gutserr.New(gutserr.NotFound, "statemachine.CreateComment",
				"comment target issue not found")
		}
	default:
		return types.Comment{}, gutserr.New(gutserr.InvalidInput, "statemachine.CreateComment",
			"unknown comment target kind")
	}

	c.ID = s.allocID()
	s.comments[c.ID] = c
	return c, nil
}

// ListComments returns every comment on the given target.
func (s *CollabStore) ListComments(target types.CommentTarget) []types.Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Comment
	for _, c := range s.comments {
		if c.Target == target {
			out = append(out, c)
		}
	}
	return out
}

// CreateReview records a reviewer's verdict on an existing PR.
func (s *CollabStore) CreateReview(r types.Review) (types.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pullRequests[prKey{r.RepoKey, r.PRNumber}]; !ok {
		return types.Review{}, gutserr.New(gutserr.NotFound, "statemachine.CreateReview",
			"review target pull request not found")
	}

	r.ID = s.allocID()
	s.reviews[r.ID] = r
	return r, nil
}

// ListReviews returns every review on the given PR.
func (s *CollabStore) ListReviews(repoKey string, prNumber uint64) []types.Review {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Review
	for _, r := range s.reviews {
		if r.RepoKey == repoKey && r.PRNumber == prNumber {
			out = append(out, r)
		}
	}
	return out
}

// AllPullRequests returns every PR in the store (for full sync dumps).
func (s *CollabStore) AllPullRequests() []types.PullRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.PullRequest, 0, len(s.pullRequests))
	for _, pr := range s.pullRequests {
		out = append(out, pr)
	}
	return out
}

// AllIssues returns every issue in the store.
func (s *CollabStore) AllIssues() []types.Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Issue, 0, len(s.issues))
	for _, issue := range s.issues {
		out = append(out, issue)
	}
	return out
}

// AllComments returns every comment in the store.
func (s *CollabStore) AllComments() []types.Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Comment, 0, len(s.comments))
	for _, c := range s.comments {
		out = append(out, c)
	}
	return out
}

// AllReviews returns every review in the store.
func (s *CollabStore) AllReviews() []types.Review {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Review, 0, len(s.reviews))
	for _, r := range s.reviews {
		out = append(out, r)
	}
	return out
}

// ImportPullRequest installs a replicated PR keeping its embedded id
// and number, bumping both counters to cover them. Re-importing the
// same record yields identical state.
func (s *CollabStore) ImportPullRequest(pr types.PullRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pr.Number > s.prCounters[pr.RepoKey] {
		s.prCounters[pr.RepoKey] = pr.Number
	}
	s.bumpIDCounter(pr.ID)
	s.pullRequests[prKey{pr.RepoKey, pr.Number}] = pr
}

// ImportIssue installs a replicated issue, idempotently.
func (s *CollabStore) ImportIssue(issue types.Issue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if issue.Number > s.issueCounters[issue.RepoKey] {
		s.issueCounters[issue.RepoKey] = issue.Number
	}
	s.bumpIDCounter(issue.ID)
	s.issues[prKey{issue.RepoKey, issue.Number}] = issue
}

// ImportComment installs a replicated comment, idempotently.
func (s *CollabStore) ImportComment(c types.Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bumpIDCounter(c.ID)
	s.comments[c.ID] = c
}

// ImportReview installs a replicated review, idempotently.
func (s *CollabStore) ImportReview(r types.Review) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bumpIDCounter(r.ID)
	s.reviews[r.ID] = r
}
