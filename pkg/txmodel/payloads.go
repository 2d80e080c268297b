package txmodel

import "github.com/AbdelStark/guts-sub000/pkg/types"

// RefUpdate is one (name -> new id) change carried by a GitPush.
type RefUpdate struct {
	Name  string
	OldID types.ObjectID
	NewID types.ObjectID
}

func (r RefUpdate) encode(e *canonicalEncoder) {
	e.WriteString(r.Name)
	e.WriteFixedBytes(r.OldID[:])
	e.WriteFixedBytes(r.NewID[:])
}

// GitPush announces new objects and ref updates for a repository.
type GitPush struct {
	RepoKey    string
	ObjectIDs  []types.ObjectID
	RefUpdates []RefUpdate
}

func (p GitPush) txKind() Kind    { return KindGitPush }
func (p GitPush) repoKey() string { return p.RepoKey }
func (p GitPush) encode(e *canonicalEncoder) {
	e.WriteString(p.RepoKey)
	e.WriteUint64(uint64(len(p.ObjectIDs)))
	for _, id := range p.ObjectIDs {
		e.WriteFixedBytes(id[:])
	}
	e.WriteUint64(uint64(len(p.RefUpdates)))
	for _, ru := range p.RefUpdates {
		ru.encode(e)
	}
}

// CreateRepository registers a new repository.
type CreateRepository struct {
	RepoKey      string
	OwnerSegment string
	Description  string
	Private      bool
}

func (p CreateRepository) txKind() Kind    { return KindCreateRepository }
func (p CreateRepository) repoKey() string { return p.RepoKey }
func (p CreateRepository) encode(e *canonicalEncoder) {
	e.WriteString(p.RepoKey)
	e.WriteString(p.OwnerSegment)
	e.WriteString(p.Description)
	e.WriteBool(p.Private)
}

// DeleteRepository removes a repository; requires it to exist.
type DeleteRepository struct {
	RepoKey string
}

func (p DeleteRepository) txKind() Kind    { return KindDeleteRepository }
func (p DeleteRepository) repoKey() string { return p.RepoKey }
func (p DeleteRepository) encode(e *canonicalEncoder) {
	e.WriteString(p.RepoKey)
}

// CreatePullRequest opens a new pull request; the number is assigned
// by the state machine, never by the submitter.
type CreatePullRequest struct {
	RepoKey        string
	Title          string
	Description    string
	SourceBranch   string
	TargetBranch   string
	SourceCommitID types.ObjectID
	TargetCommitID types.ObjectID
	Labels         []string
}

func (p CreatePullRequest) txKind() Kind    { return KindCreatePullRequest }
func (p CreatePullRequest) repoKey() string { return p.RepoKey }
func (p CreatePullRequest) encode(e *canonicalEncoder) {
	e.WriteString(p.RepoKey)
	e.WriteString(p.Title)
	e.WriteString(p.Description)
	e.WriteString(p.SourceBranch)
	e.WriteString(p.TargetBranch)
	e.WriteFixedBytes(p.SourceCommitID[:])
	e.WriteFixedBytes(p.TargetCommitID[:])
	e.WriteStringSlice(p.Labels)
}

// UpdatePullRequest mutates mutable PR fields; nil pointers mean
// "unchanged".
type UpdatePullRequest struct {
	RepoKey     string
	Number      uint64
	Title       *string
	Description *string
	Labels      []string
	State       *types.PRState
}

func (p UpdatePullRequest) txKind() Kind    { return KindUpdatePullRequest }
func (p UpdatePullRequest) repoKey() string { return p.RepoKey }
func (p UpdatePullRequest) encode(e *canonicalEncoder) {
	e.WriteString(p.RepoKey)
	e.WriteUint64(p.Number)
	e.WriteOptionalString(p.Title)
	e.WriteOptionalString(p.Description)
	e.WriteStringSlice(p.Labels)
	if p.State == nil {
		e.writeByte(0)
	} else {
		e.writeByte(1)
		e.WriteString(string(*p.State))
	}
}

// MergePullRequest is the sole transition from Open to the terminal
// Merged state.
type MergePullRequest struct {
	RepoKey       string
	Number        uint64
	MergedBy      string
	MergeCommitID types.ObjectID
}

func (p MergePullRequest) txKind() Kind    { return KindMergePullRequest }
func (p MergePullRequest) repoKey() string { return p.RepoKey }
func (p MergePullRequest) encode(e *canonicalEncoder) {
	e.WriteString(p.RepoKey)
	e.WriteUint64(p.Number)
	e.WriteString(p.MergedBy)
	e.WriteFixedBytes(p.MergeCommitID[:])
}

// CreateIssue opens a new issue; numbered independently from PRs.
type CreateIssue struct {
	RepoKey     string
	Title       string
	Description string
	Labels      []string
}

func (p CreateIssue) txKind() Kind    { return KindCreateIssue }
func (p CreateIssue) repoKey() string { return p.RepoKey }
func (p CreateIssue) encode(e *canonicalEncoder) {
	e.WriteString(p.RepoKey)
	e.WriteString(p.Title)
	e.WriteString(p.Description)
	e.WriteStringSlice(p.Labels)
}

// UpdateIssue mutates mutable issue fields.
type UpdateIssue struct {
	RepoKey     string
	Number      uint64
	Title       *string
	Description *string
	Labels      []string
	State       *types.IssueState
}

func (p UpdateIssue) txKind() Kind    { return KindUpdateIssue }
func (p UpdateIssue) repoKey() string { return p.RepoKey }
func (p UpdateIssue) encode(e *canonicalEncoder) {
	e.WriteString(p.RepoKey)
	e.WriteUint64(p.Number)
	e.WriteOptionalString(p.Title)
	e.WriteOptionalString(p.Description)
	e.WriteStringSlice(p.Labels)
	if p.State == nil {
		e.writeByte(0)
	} else {
		e.writeByte(1)
		e.WriteString(string(*p.State))
	}
}

// CreateComment attaches a comment to a PR or issue.
type CreateComment struct {
	Target types.CommentTarget
	Body   string
}

func (p CreateComment) txKind() Kind    { return KindCreateComment }
func (p CreateComment) repoKey() string { return p.Target.RepoKey }
func (p CreateComment) encode(e *canonicalEncoder) {
	e.WriteString(string(p.Target.Kind))
	e.WriteString(p.Target.RepoKey)
	e.WriteUint64(p.Target.Number)
	e.WriteString(p.Body)
}

// CreateReview records a reviewer's verdict on a pull request.
type CreateReview struct {
	RepoKey  string
	PRNumber uint64
	State    types.ReviewState
	Body     string
	CommitID types.ObjectID
}

func (p CreateReview) txKind() Kind    { return KindCreateReview }
func (p CreateReview) repoKey() string { return p.RepoKey }
func (p CreateReview) encode(e *canonicalEncoder) {
	e.WriteString(p.RepoKey)
	e.WriteUint64(p.PRNumber)
	e.WriteString(string(p.State))
	e.WriteString(p.Body)
	e.WriteFixedBytes(p.CommitID[:])
}

// CreateOrganization registers a new org with its creator as the
// founding Owner.
type CreateOrganization struct {
	Name        string
	DisplayName string
	Description string
}

func (p CreateOrganization) txKind() Kind { return KindCreateOrganization }
func (p CreateOrganization) encode(e *canonicalEncoder) {
	e.WriteString(p.Name)
	e.WriteString(p.DisplayName)
	e.WriteString(p.Description)
}

// UpdateOrganization mutates org display metadata.
type UpdateOrganization struct {
	OrgID       string
	DisplayName string
	Description string
}

func (p UpdateOrganization) txKind() Kind { return KindUpdateOrganization }
func (p UpdateOrganization) encode(e *canonicalEncoder) {
	e.WriteString(p.OrgID)
	e.WriteString(p.DisplayName)
	e.WriteString(p.Description)
}

// AddOrgMember adds a user to an org with a role.
type AddOrgMember struct {
	OrgID string
	User  string
	Role  types.OrgRole
}

func (p AddOrgMember) txKind() Kind { return KindAddOrgMember }
func (p AddOrgMember) encode(e *canonicalEncoder) {
	e.WriteString(p.OrgID)
	e.WriteString(p.User)
	e.WriteString(string(p.Role))
}

// RemoveOrgMember removes a user from an org; rejected with
// PermissionDenied if it would leave zero Owners.
type RemoveOrgMember struct {
	OrgID string
	User  string
}

func (p RemoveOrgMember) txKind() Kind { return KindRemoveOrgMember }
func (p RemoveOrgMember) encode(e *canonicalEncoder) {
	e.WriteString(p.OrgID)
	e.WriteString(p.User)
}

// CreateTeam creates an org-scoped team; (org_id, name) must be unique.
type CreateTeam struct {
	OrgID       string
	Name        string
	Description string
	Permission  types.Permission
}

func (p CreateTeam) txKind() Kind { return KindCreateTeam }
func (p CreateTeam) encode(e *canonicalEncoder) {
	e.WriteString(p.OrgID)
	e.WriteString(p.Name)
	e.WriteString(p.Description)
	e.writeByte(byte(p.Permission))
}

// DeleteTeam removes a team.
type DeleteTeam struct {
	OrgID  string
	TeamID string
}

func (p DeleteTeam) txKind() Kind { return KindDeleteTeam }
func (p DeleteTeam) encode(e *canonicalEncoder) {
	e.WriteString(p.OrgID)
	e.WriteString(p.TeamID)
}

// AddTeamMember adds a user to a team.
type AddTeamMember struct {
	TeamID string
	User   string
}

func (p AddTeamMember) txKind() Kind { return KindAddTeamMember }
func (p AddTeamMember) encode(e *canonicalEncoder) {
	e.WriteString(p.TeamID)
	e.WriteString(p.User)
}

// RemoveTeamMember removes a user from a team.
type RemoveTeamMember struct {
	TeamID string
	User   string
}

func (p RemoveTeamMember) txKind() Kind { return KindRemoveTeamMember }
func (p RemoveTeamMember) encode(e *canonicalEncoder) {
	e.WriteString(p.TeamID)
	e.WriteString(p.User)
}

// AddTeamRepo grants a team's permission over a repository.
type AddTeamRepo struct {
	TeamID  string
	RepoKey string
}

func (p AddTeamRepo) txKind() Kind    { return KindAddTeamRepo }
func (p AddTeamRepo) repoKey() string { return p.RepoKey }
func (p AddTeamRepo) encode(e *canonicalEncoder) {
	e.WriteString(p.TeamID)
	e.WriteString(p.RepoKey)
}

// SetCollaborator upserts a direct (repo_key, user) permission grant.
type SetCollaborator struct {
	RepoKey    string
	User       string
	Permission types.Permission
}

func (p SetCollaborator) txKind() Kind    { return KindSetCollaborator }
func (p SetCollaborator) repoKey() string { return p.RepoKey }
func (p SetCollaborator) encode(e *canonicalEncoder) {
	e.WriteString(p.RepoKey)
	e.WriteString(p.User)
	e.writeByte(byte(p.Permission))
}

// RemoveCollaborator removes a direct collaborator grant.
type RemoveCollaborator struct {
	RepoKey string
	User    string
}

func (p RemoveCollaborator) txKind() Kind    { return KindRemoveCollaborator }
func (p RemoveCollaborator) repoKey() string { return p.RepoKey }
func (p RemoveCollaborator) encode(e *canonicalEncoder) {
	e.WriteString(p.RepoKey)
	e.WriteString(p.User)
}

// SetBranchProtection upserts a (repo_key, pattern) protection rule.
type SetBranchProtection struct {
	Rule types.BranchProtection
}

func (p SetBranchProtection) txKind() Kind    { return KindSetBranchProtection }
func (p SetBranchProtection) repoKey() string { return p.Rule.RepoKey }
func (p SetBranchProtection) encode(e *canonicalEncoder) {
	r := p.Rule
	e.WriteString(r.RepoKey)
	e.WriteString(r.Pattern)
	e.WriteBool(r.RequirePR)
	e.WriteUint64(uint64(r.RequiredReviews))
	e.WriteStringSet(r.RequiredStatusChecks)
	e.WriteBool(r.DismissStale)
	e.WriteBool(r.RequireCodeOwner)
	e.WriteBool(r.RestrictPushes)
	e.WriteBool(r.AllowForcePush)
	e.WriteBool(r.AllowDeletion)
}

// RemoveBranchProtection deletes a (repo_key, pattern) protection rule.
type RemoveBranchProtection struct {
	RepoKey string
	Pattern string
}

func (p RemoveBranchProtection) txKind() Kind    { return KindRemoveBranchProtection }
func (p RemoveBranchProtection) repoKey() string { return p.RepoKey }
func (p RemoveBranchProtection) encode(e *canonicalEncoder) {
	e.WriteString(p.RepoKey)
	e.WriteString(p.Pattern)
}
