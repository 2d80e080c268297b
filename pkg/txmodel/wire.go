package txmodel

import (
	"encoding/json"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// envelope is the JSON form a Transaction travels in when it rides a
// replicated log entry or a full-sync dump. The canonical byte
// encoding (canonical.go) remains the only input to ids and
// signatures; this envelope is transport only.
type envelope struct {
	Kind    Kind            `json:"kind"`
	Signer  types.PublicKey `json:"signer"`
	Sig     types.Signature `json:"sig"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the transaction as a kind-tagged envelope.
func (t *Transaction) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Kind:    t.Kind(),
		Signer:  t.SignerKey,
		Sig:     t.Sig,
		Payload: payload,
	})
}

// UnmarshalJSON decodes a kind-tagged envelope back into the concrete
// payload variant.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return gutserr.Wrap(gutserr.InvalidInput, "txmodel.UnmarshalJSON", "decode envelope", err)
	}

	payload, err := decodePayload(env.Kind, env.Payload)
	if err != nil {
		return err
	}

	t.Payload = payload
	t.SignerKey = env.Signer
	t.Sig = env.Sig
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var target Payload
	switch kind {
	case KindGitPush:
		target = &GitPush{}
	case KindCreateRepository:
		target = &CreateRepository{}
	case KindDeleteRepository:
		target = &DeleteRepository{}
	case KindCreatePullRequest:
		target = &CreatePullRequest{}
	case KindUpdatePullRequest:
		target = &UpdatePullRequest{}
	case KindMergePullRequest:
		target = &MergePullRequest{}
	case KindCreateIssue:
		target = &CreateIssue{}
	case KindUpdateIssue:
		target = &UpdateIssue{}
	case KindCreateComment:
		target = &CreateComment{}
	case KindCreateReview:
		target = &CreateReview{}
	case KindCreateOrganization:
		target = &CreateOrganization{}
	case KindUpdateOrganization:
		target = &UpdateOrganization{}
	case KindAddOrgMember:
		target = &AddOrgMember{}
	case KindRemoveOrgMember:
		target = &RemoveOrgMember{}
	case KindCreateTeam:
		target = &CreateTeam{}
	case KindDeleteTeam:
		target = &DeleteTeam{}
	case KindAddTeamMember:
		target = &AddTeamMember{}
	case KindRemoveTeamMember:
		target = &RemoveTeamMember{}
	case KindAddTeamRepo:
		target = &AddTeamRepo{}
	case KindSetCollaborator:
		target = &SetCollaborator{}
	case KindRemoveCollaborator:
		target = &RemoveCollaborator{}
	case KindSetBranchProtection:
		target = &SetBranchProtection{}
	case KindRemoveBranchProtection:
		target = &RemoveBranchProtection{}
	default:
		return nil, gutserr.New(gutserr.InvalidInput, "txmodel.decodePayload", "unknown transaction kind "+kind.String())
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, gutserr.Wrap(gutserr.InvalidInput, "txmodel.decodePayload", "decode "+kind.String()+" payload", err)
	}
	return deref(target), nil
}

// deref converts the pointer used for unmarshalling back to the value
// form the rest of the package works with.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *GitPush:
		return *v
	case *CreateRepository:
		return *v
	case *DeleteRepository:
		return *v
	case *CreatePullRequest:
		return *v
	case *UpdatePullRequest:
		return *v
	case *MergePullRequest:
		return *v
	case *CreateIssue:
		return *v
	case *UpdateIssue:
		return *v
	case *CreateComment:
		return *v
	case *CreateReview:
		return *v
	case *CreateOrganization:
		return *v
	case *UpdateOrganization:
		return *v
	case *AddOrgMember:
		return *v
	case *RemoveOrgMember:
		return *v
	case *CreateTeam:
		return *v
	case *DeleteTeam:
		return *v
	case *AddTeamMember:
		return *v
	case *RemoveTeamMember:
		return *v
	case *AddTeamRepo:
		return *v
	case *RemoveBranchProtection:
		return *v
	case *SetBranchProtection:
		return *v
	case *SetCollaborator:
		return *v
	case *RemoveCollaborator:
		return *v
	default:
		return p
	}
}
