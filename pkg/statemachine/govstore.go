package statemachine

import (
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// collabKey indexes direct collaborator grants by (repo, user).
type collabKey struct {
	RepoKey string
	User    string
}

// protKey indexes branch protection rules by (repo, pattern).
type protKey struct {
	RepoKey string
	Pattern string
}

// Repository is the governance-side record of a hosted repository.
type Repository struct {
	RepoKey      string
	OwnerSegment string
	Description  string
	Private      bool
	CreatedAt    time.Time
}

// GovStore holds repositories, organizations, teams, direct
// collaborator grants, and branch protection rules.
type GovStore struct {
	mu            sync.RWMutex
	repos         map[string]Repository
	orgs          map[string]types.Organization // org id -> org
	orgsByName    map[string]string             // slug -> org id
	teams         map[string]types.Team         // team id -> team
	collaborators map[collabKey]types.Collaborator
	protections   map[protKey]types.BranchProtection
	nextID        uint64
}

// NewGovStore creates an empty governance store.
func NewGovStore() *GovStore {
	return &GovStore{
		repos:         make(map[string]Repository),
		orgs:          make(map[string]types.Organization),
		orgsByName:    make(map[string]string),
		teams:         make(map[string]types.Team),
		collaborators: make(map[collabKey]types.Collaborator),
		protections:   make(map[protKey]types.BranchProtection),
	}
}

func (s *GovStore) allocID() string {
	s.nextID++
	return strconv.FormatUint(s.nextID, 10)
}

// CreateRepository registers repoKey; duplicate keys fail.
func (s *GovStore) CreateRepository(repo Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.repos[repo.RepoKey]; exists {
		return gutserr.New(gutserr.AlreadyExists, "statemachine.CreateRepository", "repository "+repo.RepoKey+" already exists")
	}
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = time.Now()
	}
	s.repos[repo.RepoKey] = repo

	// If the owner segment is an org, record the repo on it.
	if orgID, ok := s.orgsByName[repo.OwnerSegment]; ok {
		org := s.orgs[orgID]
		org.Repos[repo.RepoKey] = true
		s.orgs[orgID] = org
	}
	return nil
}

// DeleteRepository removes repoKey; it must exist.
func (s *GovStore) DeleteRepository(repoKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, exists := s.repos[repoKey]
	if !exists {
		return gutserr.New(gutserr.NotFound, "statemachine.DeleteRepository", "repository "+repoKey+" not found")
	}
	delete(s.repos, repoKey)
	if orgID, ok := s.orgsByName[repo.OwnerSegment]; ok {
		org := s.orgs[orgID]
		delete(org.Repos, repoKey)
		s.orgs[orgID] = org
	}
	return nil
}

// RepoExists reports whether repoKey is registered.
func (s *GovStore) RepoExists(repoKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.repos[repoKey]
	return ok
}

// GetRepository returns the record for repoKey.
func (s *GovStore) GetRepository(repoKey string) (Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	repo, ok := s.repos[repoKey]
	if !ok {
		return Repository{}, gutserr.New(gutserr.NotFound, "statemachine.GetRepository", "repository "+repoKey+" not found")
	}
	return repo, nil
}

// CreateOrganization registers a new org with creator as founding Owner.
// Org slugs are unique.
func (s *GovStore) CreateOrganization(name, displayName, description, creator string) (types.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orgsByName[name]; exists {
		return types.Organization{}, gutserr.New(gutserr.AlreadyExists, "statemachine.CreateOrganization",
			"organization "+name+" already exists")
	}

	now := time.Now()
	org := types.Organization{
		ID:          s.allocID(),
		Name:        name,
		DisplayName: displayName,
		Description: description,
		Creator:     creator,
		Members:     []types.OrgMember{{User: creator, Role: types.OrgRoleOwner}},
		Teams:       make(map[string]bool),
		Repos:       make(map[string]bool),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.orgs[org.ID] = org
	s.orgsByName[name] = org.ID
	return org, nil
}

// GetOrganization returns the org for id.
func (s *GovStore) GetOrganization(id string) (types.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return types.Organization{}, gutserr.New(gutserr.NotFound, "statemachine.GetOrganization", "organization "+id+" not found")
	}
	return org, nil
}

// GetOrganizationByName returns the org for a unique slug.
func (s *GovStore) GetOrganizationByName(name string) (types.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.orgsByName[name]
	if !ok {
		return types.Organization{}, gutserr.New(gutserr.NotFound, "statemachine.GetOrganizationByName", "organization "+name+" not found")
	}
	return s.orgs[id], nil
}

// UpdateOrganization applies f to the org under the store lock.
func (s *GovStore) UpdateOrganization(id string, f func(*types.Organization) error) (types.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, ok := s.orgs[id]
	if !ok {
		return types.Organization{}, gutserr.New(gutserr.NotFound, "statemachine.UpdateOrganization", "organization "+id+" not found")
	}
	if err := f(&org); err != nil {
		return types.Organization{}, err
	}
	org.UpdatedAt = time.Now()
	s.orgs[id] = org
	return org, nil
}

// AddOrgMember adds user to the org with role; adding an existing
// member fails.
func (s *GovStore) AddOrgMember(orgID, user string, role types.OrgRole) error {
	_, err := s.UpdateOrganization(orgID, func(org *types.Organization) error {
		for _, m := range org.Members {
			if m.User == user {
				return gutserr.New(gutserr.PreconditionFailed, "statemachine.AddOrgMember",
					user+" is already a member of "+org.Name)
			}
		}
		org.Members = append(org.Members, types.OrgMember{User: user, Role: role})
		return nil
	})
	return err
}

// RemoveOrgMember removes user from the org. Removing the last Owner
// is rejected.
func (s *GovStore) RemoveOrgMember(orgID, user string) error {
	_, err := s.UpdateOrganization(orgID, func(org *types.Organization) error {
		idx := -1
		for i, m := range org.Members {
			if m.User == user {
				idx = i
				break
			}
		}
		if idx < 0 {
			return gutserr.New(gutserr.NotFound, "statemachine.RemoveOrgMember",
				user+" is not a member of "+org.Name)
		}
		if org.Members[idx].Role == types.OrgRoleOwner && org.OwnerCount() == 1 {
			return gutserr.New(gutserr.PermissionDenied, "statemachine.RemoveOrgMember",
				"cannot remove the last owner of "+org.Name)
		}
		org.Members = append(org.Members[:idx], org.Members[idx+1:]...)
		return nil
	})
	return err
}

// SetOrgMemberRole changes a member's role. Demoting the last Owner is
// rejected.
func (s *GovStore) SetOrgMemberRole(orgID, user string, role types.OrgRole) error {
	_, err := s.UpdateOrganization(orgID, func(org *types.Organization) error {
		for i, m := range org.Members {
			if m.User != user {
				continue
			}
			if m.Role == types.OrgRoleOwner && role != types.OrgRoleOwner && org.OwnerCount() == 1 {
				return gutserr.New(gutserr.PermissionDenied, "statemachine.SetOrgMemberRole",
					"cannot demote the last owner of "+org.Name)
			}
			org.Members[i].Role = role
			return nil
		}
		return gutserr.New(gutserr.NotFound, "statemachine.SetOrgMemberRole",
			user+" is not a member of "+org.Name)
	})
	return err
}

// MemberRole returns user's role in the org, if any.
func (s *GovStore) MemberRole(orgID, user string) (types.OrgRole, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[orgID]
	if !ok {
		return "", false
	}
	for _, m := range org.Members {
		if m.User == user {
			return m.Role, true
		}
	}
	return "", false
}

// CreateTeam creates an org-scoped team; (org, name) must be unique.
func (s *GovStore) CreateTeam(orgID, name, description string, permission types.Permission) (types.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, ok := s.orgs[orgID]
	if !ok {
		return types.Team{}, gutserr.New(gutserr.NotFound, "statemachine.CreateTeam", "organization "+orgID+" not found")
	}
	for teamID := range org.Teams {
		if t, ok := s.teams[teamID]; ok && t.Name == name {
			return types.Team{}, gutserr.New(gutserr.AlreadyExists, "statemachine.CreateTeam",
				"team "+name+" already exists in "+org.Name)
		}
	}

	now := time.Now()
	team := types.Team{
		ID:          s.allocID(),
		OrgID:       orgID,
		Name:        name,
		Description: description,
		Permission:  permission,
		Members:     make(map[string]bool),
		Repos:       make(map[string]bool),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.teams[team.ID] = team
	org.Teams[team.ID] = true
	s.orgs[orgID] = org
	return team, nil
}

// GetTeam returns the team for id.
func (s *GovStore) GetTeam(id string) (types.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	team, ok := s.teams[id]
	if !ok {
		return types.Team{}, gutserr.New(gutserr.NotFound, "statemachine.GetTeam", "team "+id+" not found")
	}
	return team, nil
}

// DeleteTeam removes a team from its org.
func (s *GovStore) DeleteTeam(orgID, teamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	team, ok := s.teams[teamID]
	if !ok || team.OrgID != orgID {
		return gutserr.New(gutserr.NotFound, "statemachine.DeleteTeam", "team "+teamID+" not found in organization "+orgID)
	}
	delete(s.teams, teamID)
	if org, ok := s.orgs[orgID]; ok {
		delete(org.Teams, teamID)
		s.orgs[orgID] = org
	}
	return nil
}

// updateTeam applies f to the team under the store lock.
func (s *GovStore) updateTeam(teamID string, f func(*types.Team) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	team, ok := s.teams[teamID]
	if !ok {
		return gutserr.New(gutserr.NotFound, "statemachine.updateTeam", "team "+teamID+" not found")
	}
	if err := f(&team); err != nil {
		return err
	}
	team.UpdatedAt = time.Now()
	s.teams[teamID] = team
	return nil
}

// AddTeamMember adds user to the team; adding twice fails.
func (s *GovStore) AddTeamMember(teamID, user string) error {
	return s.updateTeam(teamID, func(t *types.Team) error {
		if t.Members[user] {
			return gutserr.New(gutserr.PreconditionFailed, "statemachine.AddTeamMember",
				user+" is already a member of team "+t.Name)
		}
		t.Members[user] = true
		return nil
	})
}

// RemoveTeamMember removes user from the team.
func (s *GovStore) RemoveTeamMember(teamID, user string) error {
	return s.updateTeam(teamID, func(t *types.Team) error {
		if !t.Members[user] {
			return gutserr.New(gutserr.NotFound, "statemachine.RemoveTeamMember",
				user+" is not a member of team "+t.Name)
		}
		delete(t.Members, user)
		return nil
	})
}

// AddTeamRepo grants the team's permission over repoKey.
func (s *GovStore) AddTeamRepo(teamID, repoKey string) error {
	return s.updateTeam(teamID, func(t *types.Team) error {
		t.Repos[repoKey] = true
		return nil
	})
}

// SetCollaborator upserts a direct (repo, user) grant. An existing
// grant keeps its AddedBy and CreatedAt; permission and UpdatedAt
// change.
func (s *GovStore) SetCollaborator(repoKey, user string, permission types.Permission, addedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := collabKey{repoKey, user}
	now := time.Now()
	if existing, ok := s.collaborators[key]; ok {
		existing.Permission = permission
		existing.UpdatedAt = now
		s.collaborators[key] = existing
		return
	}
	s.collaborators[key] = types.Collaborator{
		RepoKey:    repoKey,
		User:       user,
		Permission: permission,
		AddedBy:    addedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// RemoveCollaborator deletes a direct grant; missing grants fail.
func (s *GovStore) RemoveCollaborator(repoKey, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := collabKey{repoKey, user}
	if _, ok := s.collaborators[key]; !ok {
		return gutserr.New(gutserr.NotFound, "statemachine.RemoveCollaborator",
			user+" is not a collaborator on "+repoKey)
	}
	delete(s.collaborators, key)
	return nil
}

// GetCollaborator returns the direct grant for (repoKey, user), if any.
func (s *GovStore) GetCollaborator(repoKey, user string) (types.Collaborator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collaborators[collabKey{repoKey, user}]
	return c, ok
}

// SetBranchProtection upserts a (repo, pattern) protection rule.
func (s *GovStore) SetBranchProtection(rule types.BranchProtection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protections[protKey{rule.RepoKey, rule.Pattern}] = rule
}

// RemoveBranchProtection deletes a (repo, pattern) rule; missing rules
// fail.
func (s *GovStore) RemoveBranchProtection(repoKey, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := protKey{repoKey, pattern}
	if _, ok := s.protections[key]; !ok {
		return gutserr.New(gutserr.NotFound, "statemachine.RemoveBranchProtection",
			"no protection rule "+pattern+" on "+repoKey)
	}
	delete(s.protections, key)
	return nil
}

// ResolveProtection returns the rule whose glob pattern matches branch,
// preferring the longest pattern; ties break toward the
// lexicographically smaller pattern so every node picks the same rule.
func (s *GovStore) ResolveProtection(repoKey, branch string) (types.BranchProtection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best types.BranchProtection
	found := false
	for key, rule := range s.protections {
		if key.RepoKey != repoKey {
			continue
		}
		matched, err := path.Match(key.Pattern, branch)
		if err != nil || !matched {
			continue
		}
		if !found ||
			len(key.Pattern) > len(best.Pattern) ||
			(len(key.Pattern) == len(best.Pattern) && key.Pattern < best.Pattern) {
			best = rule
			found = true
		}
	}
	return best, found
}

// EffectivePermission resolves user's permission on repoKey by the
// shared read-side algorithm: repo owner, org standing, direct
// collaborator grant, then team grants, combined by maximum.
func (s *GovStore) EffectivePermission(repoKey, user string) types.Permission {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perm := types.PermissionNone
	owner := repoKey
	if i := strings.IndexByte(repoKey, '/'); i >= 0 {
		owner = repoKey[:i]
	}

	if owner == user {
		return types.PermissionAdmin
	}

	if orgID, ok := s.orgsByName[owner]; ok {
		org := s.orgs[orgID]
		for _, m := range org.Members {
			if m.User != user {
				continue
			}
			switch m.Role {
			case types.OrgRoleOwner, types.OrgRoleAdmin:
				perm = types.MaxPermission(perm, types.PermissionAdmin)
			default:
				perm = types.MaxPermission(perm, types.PermissionRead)
			}
		}
	}

	if c, ok := s.collaborators[collabKey{repoKey, user}]; ok {
		perm = types.MaxPermission(perm, c.Permission)
	}

	for _, team := range s.teams {
		if team.Members[user] && team.Repos[repoKey] {
			perm = types.MaxPermission(perm, team.Permission)
		}
	}

	return perm
}
