package txmodel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdelStark/guts-sub000/pkg/types"
)

func TestTransactionJSONRoundTrip(t *testing.T) {
	key, err := GenerateKeyPair()
	require.NoError(t, err)

	closed := types.PRStateClosed
	title := "renamed"
	payloads := []Payload{
		GitPush{
			RepoKey:   "alice/repo",
			ObjectIDs: []types.ObjectID{{1}, {2}},
			RefUpdates: []RefUpdate{
				{Name: "refs/heads/main", NewID: types.ObjectID{3}},
			},
		},
		CreatePullRequest{RepoKey: "alice/repo", Title: "feat", SourceBranch: "f", TargetBranch: "main"},
		UpdatePullRequest{RepoKey: "alice/repo", Number: 1, Title: &title, State: &closed},
		MergePullRequest{RepoKey: "alice/repo", Number: 1, MergedBy: "bob"},
		CreateOrganization{Name: "acme", DisplayName: "Acme"},
		SetBranchProtection{Rule: types.BranchProtection{
			RepoKey:              "alice/repo",
			Pattern:              "release-*",
			RequirePR:            true,
			RequiredReviews:      2,
			RequiredStatusChecks: map[string]bool{"ci/build": true},
		}},
	}

	for _, p := range payloads {
		tx := New(p, key.PublicKey())
		require.NoError(t, key.Sign(tx))

		data, err := json.Marshal(tx)
		require.NoError(t, err)

		var decoded Transaction
		require.NoError(t, json.Unmarshal(data, &decoded))

		// The decoded transaction re-encodes to identical canonical
		// bytes, so its id and signature still verify.
		assert.Equal(t, tx.CanonicalBytes(), decoded.CanonicalBytes(), "kind %s", tx.Kind())
		assert.Equal(t, tx.ID(), decoded.ID())
		require.NoError(t, Verify(&decoded))
	}
}

func TestTransactionJSONRejectsUnknownKind(t *testing.T) {
	var tx Transaction
	err := json.Unmarshal([]byte(`{"kind":200,"payload":{}}`), &tx)
	require.Error(t, err)
}
