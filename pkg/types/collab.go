package types

import "time"

// PRState is the lifecycle state of a pull request.
type PRState string

const (
	PRStateOpen   PRState = "open"
	PRStateClosed PRState = "closed"
	PRStateMerged PRState = "merged"
)

// PullRequest is a per-repo, monotonically numbered change proposal.
type PullRequest struct {
	ID             string
	RepoKey        string
	Number         uint64
	Title          string
	Description    string
	Author         string
	State          PRState
	SourceBranch   string
	TargetBranch   string
	SourceCommitID ObjectID
	TargetCommitID ObjectID
	Labels         []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	MergedAt       *time.Time
	MergedBy       string
}

// IssueState is the lifecycle state of an issue.
type IssueState string

const (
	IssueStateOpen   IssueState = "open"
	IssueStateClosed IssueState = "closed"
)

// Issue is a per-repo, monotonically numbered tracked item, numbered
// independently of pull requests.
type Issue struct {
	ID          string
	RepoKey     string
	Number      uint64
	Title       string
	Description string
	Author      string
	State       IssueState
	Labels      []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
	ClosedBy    string
}

// CommentTargetKind distinguishes what a comment is attached to.
type CommentTargetKind string

const (
	CommentTargetPR    CommentTargetKind = "pr"
	CommentTargetIssue CommentTargetKind = "issue"
)

// CommentTarget identifies the PR or issue a comment is attached to.
type CommentTarget struct {
	Kind    CommentTargetKind
	RepoKey string
	Number  uint64
}

// Comment is a free-text remark attached to a PR or issue.
type Comment struct {
	ID        string
	Target    CommentTarget
	Author    string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReviewState is the disposition of a pull request review.
type ReviewState string

const (
	ReviewStatePending          ReviewState = "pending"
	ReviewStateCommented        ReviewState = "commented"
	ReviewStateApproved         ReviewState = "approved"
	ReviewStateChangesRequested ReviewState = "changes_requested"
	ReviewStateDismissed        ReviewState = "dismissed"
)

// Review is a single reviewer's verdict on a pull request at a commit.
type Review struct {
	ID        string
	RepoKey   string
	PRNumber  uint64
	Author    string
	State     ReviewState
	Body      string
	CommitID  ObjectID
	CreatedAt time.Time
}
