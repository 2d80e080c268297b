// Package statemachine deterministically applies finalized
// transactions to the in-memory collaboration and governance stores,
// allocating per-repo PR/issue numbers, enforcing state-transition and
// organization invariants, and computing the per-block state root.
package statemachine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/log"
	"github.com/AbdelStark/guts-sub000/pkg/objects"
	"github.com/AbdelStark/guts-sub000/pkg/refs"
	"github.com/AbdelStark/guts-sub000/pkg/txmodel"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// IdentityResolver maps a signer public key to a user name. The
// default renders the key as hex; deployments with an account system
// install their own mapping at node startup.
type IdentityResolver func(types.PublicKey) string

// Machine is the consensus application: it verifies transactions
// against current state, applies finalized blocks in order, and keeps
// the deterministic state root accumulator.
type Machine struct {
	Collab  *CollabStore
	Gov     *GovStore
	Objects objects.Store

	resolve IdentityResolver
	logger  zerolog.Logger

	mu         sync.RWMutex
	refsFor    map[string]*refs.Manager
	refBackend func(repoKey string) refs.Backend
	height     uint64
	root       types.StateRoot
	halted     bool
}

// New builds a machine over the given object store with empty
// collaboration and governance stores.
func New(store objects.Store) *Machine {
	return &Machine{
		Collab:  NewCollabStore(),
		Gov:     NewGovStore(),
		Objects: store,
		resolve: func(pk types.PublicKey) string { return pk.String() },
		logger:  log.WithComponent("statemachine"),
		refsFor: make(map[string]*refs.Manager),
	}
}

// SetIdentityResolver installs a pubkey -> user name mapping.
func (m *Machine) SetIdentityResolver(r IdentityResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolve = r
}

// SetRefBackendProvider installs the per-repo durable ref backend
// (the persistent object store's refs column family). Installed at
// node construction, before any reference manager exists; managers
// created afterwards write through to it.
func (m *Machine) SetRefBackendProvider(f func(repoKey string) refs.Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refBackend = f
}

func (m *Machine) signerName(pk types.PublicKey) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolve(pk)
}

// Refs returns the reference manager for repoKey, creating it on
// first use: seeded from the durable backend when one is installed,
// memory-only otherwise.
func (m *Machine) Refs(repoKey string) *refs.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.refsFor[repoKey]
	if !ok {
		if m.refBackend != nil {
			var err error
			rm, err = refs.NewManagerWithBackend(m.refBackend(repoKey))
			if err != nil {
				// Corrupt persisted refs must not silently vanish;
				// surface loudly and serve an empty table rather than
				// crash mid-apply.
				m.logger.Error().Err(err).Str("repo_key", repoKey).
					Msg("loading persisted references failed")
				rm = refs.NewManager()
			}
		} else {
			rm = refs.NewManager()
		}
		m.refsFor[repoKey] = rm
	}
	return rm
}

// CurrentHeight returns the height of the last applied block.
func (m *Machine) CurrentHeight() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.height
}

// Root returns the state root as of the last applied block.
func (m *Machine) Root() types.StateRoot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root
}

// Halted reports whether the machine stopped applying blocks after an
// application failure (operator intervention required).
func (m *Machine) Halted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.halted
}

// VerifyTransaction checks the signature and the payload-specific
// preconditions against current state. It never mutates.
func (m *Machine) VerifyTransaction(tx *txmodel.Transaction) error {
	if err := txmodel.Verify(tx); err != nil {
		return err
	}
	return m.checkPreconditions(tx)
}

// checkPreconditions rejects transactions whose payload cannot apply
// from the current state: missing repos, bad state transitions,
// insufficient org standing, last-owner violations.
func (m *Machine) checkPreconditions(tx *txmodel.Transaction) error {
	signer := m.signerName(tx.Signer())

	switch p := tx.Payload.(type) {
	case txmodel.GitPush:
		if !m.Gov.RepoExists(p.RepoKey) {
			return gutserr.New(gutserr.NotFound, "statemachine.Verify", "push to unknown repository "+p.RepoKey)
		}
	case txmodel.CreateRepository:
		if m.Gov.RepoExists(p.RepoKey) {
			return gutserr.New(gutserr.AlreadyExists, "statemachine.Verify", "repository "+p.RepoKey+" already exists")
		}
	case txmodel.DeleteRepository:
		if !m.Gov.RepoExists(p.RepoKey) {
			return gutserr.New(gutserr.NotFound, "statemachine.Verify", "repository "+p.RepoKey+" not found")
		}
	case txmodel.CreatePullRequest:
		if !m.Gov.RepoExists(p.RepoKey) {
			return gutserr.New(gutserr.NotFound, "statemachine.Verify", "pull request against unknown repository "+p.RepoKey)
		}
	case txmodel.MergePullRequest:
		pr, err := m.Collab.GetPullRequest(p.RepoKey, p.Number)
		if err != nil {
			return err
		}
		if pr.State != types.PRStateOpen {
			return gutserr.New(gutserr.PreconditionFailed, "statemachine.Verify",
				"pull request is "+string(pr.State)+", must be open to merge")
		}
	case txmodel.UpdatePullRequest:
		pr, err := m.Collab.GetPullRequest(p.RepoKey, p.Number)
		if err != nil {
			return err
		}
		if p.State != nil && pr.State == types.PRStateMerged {
			return gutserr.New(gutserr.PreconditionFailed, "statemachine.Verify",
				"merged pull requests cannot change state")
		}
	case txmodel.UpdateIssue:
		if _, err := m.Collab.GetIssue(p.RepoKey, p.Number); err != nil {
			return err
		}
	case txmodel.AddOrgMember:
		if err := m.requireOrgAdmin(p.OrgID, signer, "statemachine.Verify"); err != nil {
			return err
		}
	case txmodel.RemoveOrgMember:
		org, err := m.Gov.GetOrganization(p.OrgID)
		if err != nil {
			return err
		}
		for _, mem := range org.Members {
			if mem.User == p.User && mem.Role == types.OrgRoleOwner && org.OwnerCount() == 1 {
				return gutserr.New(gutserr.PermissionDenied, "statemachine.Verify",
					"cannot remove the last owner of "+org.Name)
			}
		}
	case txmodel.UpdateOrganization:
		if err := m.requireOrgAdmin(p.OrgID, signer, "statemachine.Verify"); err != nil {
			return err
		}
	case txmodel.CreateTeam:
		if err := m.requireOrgAdmin(p.OrgID, signer, "statemachine.Verify"); err != nil {
			return err
		}
	case txmodel.DeleteTeam:
		if err := m.requireOrgAdmin(p.OrgID, signer, "statemachine.Verify"); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) requireOrgAdmin(orgID, user, op string) error {
	role, ok := m.Gov.MemberRole(orgID, user)
	if !ok {
		if _, err := m.Gov.GetOrganization(orgID); err != nil {
			return err
		}
		return gutserr.New(gutserr.PermissionDenied, op, user+" is not a member of organization "+orgID)
	}
	if role != types.OrgRoleOwner && role != types.OrgRoleAdmin {
		return gutserr.New(gutserr.PermissionDenied, op, user+" must be an owner or admin of organization "+orgID)
	}
	return nil
}

// ComputeStateRoot returns the root the state would carry after
// applying the ordered batch on top of the current root: an
// incremental accumulator chaining the previous root with the batch's
// transaction Merkle root.
func (m *Machine) ComputeStateRoot(txs []*txmodel.Transaction) (types.StateRoot, error) {
	ids := make([]types.TransactionID, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID()
	}
	m.mu.RLock()
	prev := m.root
	m.mu.RUnlock()
	return chainRoot(prev, ids)
}

// OnBlockFinalized applies the block's transactions in listed order
// and advances the height and root. A failing transaction inside a
// finalized block is a correctness emergency: it is logged at the
// highest severity and the machine halts until operator intervention.
func (m *Machine) OnBlockFinalized(fb types.FinalizedBlock, txs []*txmodel.Transaction) error {
	m.mu.RLock()
	halted := m.halted
	m.mu.RUnlock()
	if halted {
		return gutserr.New(gutserr.ConsensusUnavailable, "statemachine.OnBlockFinalized",
			"state machine halted after application failure")
	}

	// Collaboration records stamp with the block's timestamp, not the
	// local clock, so every validator applying the same block
	// materializes identical records. Governance-store records take
	// their timestamps from the local clock.
	blockTime := time.UnixMilli(fb.Block.TimestampMS).UTC()

	for _, tx := range txs {
		if err := m.apply(tx, blockTime); err != nil {
			m.logger.Error().
				Err(err).
				Uint64("height", fb.Block.Height).
				Str("tx_id", tx.ID().String()).
				Str("kind", tx.Kind().String()).
				Msg("transaction in finalized block failed to apply; halting state machine")
			m.mu.Lock()
			m.halted = true
			m.mu.Unlock()
			return gutserr.Wrap(gutserr.IntegrityError, "statemachine.OnBlockFinalized",
				"finalized transaction failed to apply", err)
		}
	}

	m.mu.Lock()
	m.height = fb.Block.Height
	m.root = fb.Block.StateRoot
	m.mu.Unlock()
	return nil
}

// apply dispatches one transaction to the stores. now is the
// enclosing block's timestamp and stamps every collaboration record
// mutation; governance-store writes use the local clock.
func (m *Machine) apply(tx *txmodel.Transaction, now time.Time) error {
	signer := m.signerName(tx.Signer())

	switch p := tx.Payload.(type) {
	case txmodel.GitPush:
		if !m.Gov.RepoExists(p.RepoKey) {
			return gutserr.New(gutserr.NotFound, "statemachine.apply", "push to unknown repository "+p.RepoKey)
		}
		rm := m.Refs(p.RepoKey)
		for _, ru := range p.RefUpdates {
			if ru.NewID.IsZero() {
				if err := rm.Delete(ru.Name); err != nil {
					return err
				}
				continue
			}
			if err := rm.Set(ru.Name, ru.NewID); err != nil {
				return err
			}
		}
		return nil

	case txmodel.CreateRepository:
		return m.Gov.CreateRepository(Repository{
			RepoKey:      p.RepoKey,
			OwnerSegment: p.OwnerSegment,
			Description:  p.Description,
			Private:      p.Private,
		})

	case txmodel.DeleteRepository:
		return m.Gov.DeleteRepository(p.RepoKey)

	case txmodel.CreatePullRequest:
		_, err := m.Collab.CreatePullRequest(types.PullRequest{
			RepoKey:        p.RepoKey,
			Title:          p.Title,
			Description:    p.Description,
			Author:         signer,
			State:          types.PRStateOpen,
			SourceBranch:   p.SourceBranch,
			TargetBranch:   p.TargetBranch,
			SourceCommitID: p.SourceCommitID,
			TargetCommitID: p.TargetCommitID,
			Labels:         p.Labels,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		return err

	case txmodel.UpdatePullRequest:
		_, err := m.Collab.UpdatePullRequest(p.RepoKey, p.Number, now, func(pr *types.PullRequest) error {
			if p.Title != nil {
				pr.Title = *p.Title
			}
			if p.Description != nil {
				pr.Description = *p.Description
			}
			if p.Labels != nil {
				pr.Labels = p.Labels
			}
			if p.State != nil {
				return transitionPR(pr, *p.State)
			}
			return nil
		})
		return err

	case txmodel.MergePullRequest:
		mergedBy := p.MergedBy
		if mergedBy == "" {
			mergedBy = signer
		}
		_, err := m.Collab.MergePullRequest(p.RepoKey, p.Number, mergedBy, now)
		return err

	case txmodel.CreateIssue:
		_, err := m.Collab.CreateIssue(types.Issue{
			RepoKey:     p.RepoKey,
			Title:       p.Title,
			Description: p.Description,
			Author:      signer,
			State:       types.IssueStateOpen,
			Labels:      p.Labels,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		return err

	case txmodel.UpdateIssue:
		_, err := m.Collab.UpdateIssue(p.RepoKey, p.Number, now, func(issue *types.Issue) error {
			if p.Title != nil {
				issue.Title = *p.Title
			}
			if p.Description != nil {
				issue.Description = *p.Description
			}
			if p.Labels != nil {
				issue.Labels = p.Labels
			}
			if p.State != nil {
				return transitionIssue(issue, *p.State, signer, now)
			}
			return nil
		})
		return err

	case txmodel.CreateComment:
		_, err := m.Collab.CreateComment(types.Comment{
			Target:    p.Target,
			Author:    signer,
			Body:      p.Body,
			CreatedAt: now,
			UpdatedAt: now,
		})
		return err

	case txmodel.CreateReview:
		_, err := m.Collab.CreateReview(types.Review{
			RepoKey:   p.RepoKey,
			PRNumber:  p.PRNumber,
			Author:    signer,
			State:     p.State,
			Body:      p.Body,
			CommitID:  p.CommitID,
			CreatedAt: now,
		})
		return err

	case txmodel.CreateOrganization:
		_, err := m.Gov.CreateOrganization(p.Name, p.DisplayName, p.Description, signer)
		return err

	case txmodel.UpdateOrganization:
		if err := m.requireOrgAdmin(p.OrgID, signer, "statemachine.apply"); err != nil {
			return err
		}
		_, err := m.Gov.UpdateOrganization(p.OrgID, func(org *types.Organization) error {
			org.DisplayName = p.DisplayName
			org.Description = p.Description
			return nil
		})
		return err

	case txmodel.AddOrgMember:
		if err := m.requireOrgAdmin(p.OrgID, signer, "statemachine.apply"); err != nil {
			return err
		}
		return m.Gov.AddOrgMember(p.OrgID, p.User, p.Role)

	case txmodel.RemoveOrgMember:
		return m.Gov.RemoveOrgMember(p.OrgID, p.User)

	case txmodel.CreateTeam:
		if err := m.requireOrgAdmin(p.OrgID, signer, "statemachine.apply"); err != nil {
			return err
		}
		_, err := m.Gov.CreateTeam(p.OrgID, p.Name, p.Description, p.Permission)
		return err

	case txmodel.DeleteTeam:
		if err := m.requireOrgAdmin(p.OrgID, signer, "statemachine.apply"); err != nil {
			return err
		}
		return m.Gov.DeleteTeam(p.OrgID, p.TeamID)

	case txmodel.AddTeamMember:
		return m.Gov.AddTeamMember(p.TeamID, p.User)

	case txmodel.RemoveTeamMember:
		return m.Gov.RemoveTeamMember(p.TeamID, p.User)

	case txmodel.AddTeamRepo:
		return m.Gov.AddTeamRepo(p.TeamID, p.RepoKey)

	case txmodel.SetCollaborator:
		m.Gov.SetCollaborator(p.RepoKey, p.User, p.Permission, signer)
		return nil

	case txmodel.RemoveCollaborator:
		return m.Gov.RemoveCollaborator(p.RepoKey, p.User)

	case txmodel.SetBranchProtection:
		m.Gov.SetBranchProtection(p.Rule)
		return nil

	case txmodel.RemoveBranchProtection:
		return m.Gov.RemoveBranchProtection(p.RepoKey, p.Pattern)

	default:
		return gutserr.New(gutserr.InvalidInput, "statemachine.apply", "unknown transaction kind "+tx.Kind().String())
	}
}

// transitionPR enforces the PR lifecycle: Open and Closed toggle
// freely, Merged is terminal and only reachable via MergePullRequest.
func transitionPR(pr *types.PullRequest, next types.PRState) error {
	if pr.State == types.PRStateMerged {
		return gutserr.New(gutserr.PreconditionFailed, "statemachine.transitionPR",
			"merged pull requests cannot change state")
	}
	switch next {
	case types.PRStateOpen, types.PRStateClosed:
		pr.State = next
		return nil
	case types.PRStateMerged:
		return gutserr.New(gutserr.PreconditionFailed, "statemachine.transitionPR",
			"pull requests merge only through a merge transaction")
	default:
		return gutserr.New(gutserr.InvalidInput, "statemachine.transitionPR", "unknown PR state "+string(next))
	}
}

// transitionIssue toggles an issue between Open and Closed, recording
// who closed it and when.
func transitionIssue(issue *types.Issue, next types.IssueState, actor string, now time.Time) error {
	switch next {
	case types.IssueStateOpen:
		issue.State = types.IssueStateOpen
		issue.ClosedAt = nil
		issue.ClosedBy = ""
		return nil
	case types.IssueStateClosed:
		issue.State = types.IssueStateClosed
		issue.ClosedAt = &now
		issue.ClosedBy = actor
		return nil
	default:
		return gutserr.New(gutserr.InvalidInput, "statemachine.transitionIssue", "unknown issue state "+string(next))
	}
}
