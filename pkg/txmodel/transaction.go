// Package txmodel implements the transaction model: a tagged union
// over every mutation kind, canonically encoded for signing and id
// derivation. Variants share their metadata (signer, signature)
// through one Transaction struct with accessor methods rather than
// per-variant wrapper types.
package txmodel

import (
	"crypto/sha256"

	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// Kind is the stable ordinal-backed discriminant of a transaction's
// variant. Values are part of the canonical encoding and must never be
// renumbered once shipped.
type Kind byte

const (
	KindGitPush Kind = iota + 1
	KindCreateRepository
	KindDeleteRepository
	KindCreatePullRequest
	KindUpdatePullRequest
	KindMergePullRequest
	KindCreateIssue
	KindUpdateIssue
	KindCreateComment
	KindCreateReview
	KindCreateOrganization
	KindUpdateOrganization
	KindAddOrgMember
	KindRemoveOrgMember
	KindCreateTeam
	KindDeleteTeam
	KindAddTeamMember
	KindRemoveTeamMember
	KindAddTeamRepo
	KindSetCollaborator
	KindRemoveCollaborator
	KindSetBranchProtection
	KindRemoveBranchProtection
)

var kindNames = map[Kind]string{
	KindGitPush:                 "GitPush",
	KindCreateRepository:        "CreateRepository",
	KindDeleteRepository:        "DeleteRepository",
	KindCreatePullRequest:       "CreatePullRequest",
	KindUpdatePullRequest:       "UpdatePullRequest",
	KindMergePullRequest:        "MergePullRequest",
	KindCreateIssue:             "CreateIssue",
	KindUpdateIssue:             "UpdateIssue",
	KindCreateComment:           "CreateComment",
	KindCreateReview:            "CreateReview",
	KindCreateOrganization:      "CreateOrganization",
	KindUpdateOrganization:      "UpdateOrganization",
	KindAddOrgMember:            "AddOrgMember",
	KindRemoveOrgMember:         "RemoveOrgMember",
	KindCreateTeam:              "CreateTeam",
	KindDeleteTeam:              "DeleteTeam",
	KindAddTeamMember:           "AddTeamMember",
	KindRemoveTeamMember:        "RemoveTeamMember",
	KindAddTeamRepo:             "AddTeamRepo",
	KindSetCollaborator:         "SetCollaborator",
	KindRemoveCollaborator:      "RemoveCollaborator",
	KindSetBranchProtection:     "SetBranchProtection",
	KindRemoveBranchProtection:  "RemoveBranchProtection",
}

// String returns the variant's stable name.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Payload is implemented by each of the 23 variant payload structs.
type Payload interface {
	txKind() Kind
	encode(e *canonicalEncoder)
}

// Transaction is the tagged union: every variant carries a payload, the
// signer's public key, and a signature over the canonical bytes of
// everything but the signature itself.
type Transaction struct {
	Payload   Payload
	SignerKey types.PublicKey
	Sig       types.Signature
}

// Kind returns the transaction's variant discriminant.
func (t *Transaction) Kind() Kind { return t.Payload.txKind() }

// Signer returns the signer's public key.
func (t *Transaction) Signer() types.PublicKey { return t.SignerKey }

// Signature returns the transaction's signature.
func (t *Transaction) Signature() types.Signature { return t.Sig }

// RepoKey returns the repository key this transaction applies to, or
// "" for repo-independent variants (org/team mutations).
func (t *Transaction) RepoKey() string {
	type repoKeyed interface{ repoKey() string }
	if rk, ok := t.Payload.(repoKeyed); ok {
		return rk.repoKey()
	}
	return ""
}

// CanonicalBytes returns the deterministic encoding hashed for both id
// and signature: the kind tag, the signer's public key, and the
// payload's fields. The signature field is never included.
func (t *Transaction) CanonicalBytes() []byte {
	e := newCanonicalEncoder()
	e.writeByte(byte(t.Kind()))
	e.WriteString(string(t.SignerKey))
	t.Payload.encode(e)
	return e.Bytes()
}

// ID is the SHA-256 of the transaction's canonical serialized form.
// Stable across nodes; any single-byte change in the canonical payload
// changes the id.
func (t *Transaction) ID() types.TransactionID {
	return types.TransactionID(sha256.Sum256(t.CanonicalBytes()))
}

// New builds an unsigned Transaction from a payload and signer key; Sign fills in Sig.
func New(payload Payload, signer types.PublicKey) *Transaction {
	return &Transaction{Payload: payload, SignerKey: signer}
}
