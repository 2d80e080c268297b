package types

import "time"

// OrgRole is a member's role within an organization.
type OrgRole string

const (
	OrgRoleOwner  OrgRole = "owner"
	OrgRoleAdmin  OrgRole = "admin"
	OrgRoleMember OrgRole = "member"
)

// Permission is an effective access level on a repository. Values are
// ordered from least to most privileged so that Max(a, b) combines
// correctly.
type Permission int

const (
	PermissionNone Permission = iota
	PermissionRead
	PermissionTriage
	PermissionWrite
	PermissionMaintain
	PermissionAdmin
)

func (p Permission) String() string {
	switch p {
	case PermissionNone:
		return "none"
	case PermissionRead:
		return "read"
	case PermissionTriage:
		return "triage"
	case PermissionWrite:
		return "write"
	case PermissionMaintain:
		return "maintain"
	case PermissionAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// MaxPermission returns the more privileged of a and b.
func MaxPermission(a, b Permission) Permission {
	if a > b {
		return a
	}
	return b
}

// OrgMember is a single membership record within an Organization.
type OrgMember struct {
	User string
	Role OrgRole
}

// Organization is a named group of users owning teams and repos. At
// least one Owner must always exist.
type Organization struct {
	ID          string
	Name        string
	DisplayName string
	Description string
	Creator     string
	Members     []OrgMember
	Teams       map[string]bool // team id set
	Repos       map[string]bool // repo key set
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OwnerCount returns the number of Owner-role members.
func (o *Organization) OwnerCount() int {
	n := 0
	for _, m := range o.Members {
		if m.Role == OrgRoleOwner {
			n++
		}
	}
	return n
}

// Team is an org-scoped group of users with a blanket permission over
// a set of repos. (org_id, name) is unique.
type Team struct {
	ID          string
	OrgID       string
	Name        string
	Description string
	Permission  Permission
	Members     map[string]bool
	Repos       map[string]bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Collaborator is a direct (repo_key, user) -> permission grant.
type Collaborator struct {
	RepoKey    string
	User       string
	Permission Permission
	AddedBy    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BranchProtection is a (repo_key, pattern) -> rule set keyed by a
// glob pattern matched against branch names.
type BranchProtection struct {
	RepoKey              string
	Pattern              string
	RequirePR            bool
	RequiredReviews      int
	RequiredStatusChecks map[string]bool
	DismissStale         bool
	RequireCodeOwner     bool
	RestrictPushes       bool
	AllowForcePush       bool
	AllowDeletion        bool
}
