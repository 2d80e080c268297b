package txmodel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AbdelStark/guts-sub000/pkg/types"
)

func signedTx(t *testing.T, payload Payload) *Transaction {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	tx := New(payload, kp.PublicKey())
	require.NoError(t, kp.Sign(tx))
	return tx
}

func TestTransactionIDIsDeterministic(t *testing.T) {
	payload := CreateIssue{RepoKey: "alice/repo", Title: "bug"}
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	tx1 := New(payload, kp.PublicKey())
	require.NoError(t, kp.Sign(tx1))

	tx2 := New(payload, kp.PublicKey())
	require.NoError(t, kp.Sign(tx2))

	// id excludes the signature, so two independent signs over the
	// same payload+signer still produce the same id.
	require.Equal(t, tx1.ID(), tx2.ID())
}

func TestTransactionIDChangesWithPayload(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	tx1 := New(CreateIssue{RepoKey: "a/b", Title: "x"}, kp.PublicKey())
	tx2 := New(CreateIssue{RepoKey: "a/b", Title: "y"}, kp.PublicKey())

	require.NotEqual(t, tx1.ID(), tx2.ID())
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	tx := signedTx(t, CreatePullRequest{RepoKey: "alice/repo", Title: "feat"})
	require.NoError(t, Verify(tx))
}

func TestVerifyFailsOnTamperedPayload(t *testing.T) {
	tx := signedTx(t, CreatePullRequest{RepoKey: "alice/repo", Title: "feat"})
	tx.Payload = CreatePullRequest{RepoKey: "alice/repo", Title: "tampered"}

	require.Error(t, Verify(tx))
}

func TestKindAndRepoKeyAccessors(t *testing.T) {
	tx := signedTx(t, MergePullRequest{RepoKey: "alice/repo", Number: 1, MergedBy: "bob"})

	require.Equal(t, KindMergePullRequest, tx.Kind())
	require.Equal(t, "alice/repo", tx.RepoKey())
}

func TestOrgPayloadHasNoRepoKey(t *testing.T) {
	tx := signedTx(t, CreateOrganization{Name: "acme"})
	require.Equal(t, "", tx.RepoKey())
}

func TestMerkleRootDeterministicAndOrderSensitive(t *testing.T) {
	a := types.TransactionID{1}
	b := types.TransactionID{2}

	root1, err := MerkleRoot([]types.TransactionID{a, b})
	require.NoError(t, err)

	root2, err := MerkleRoot([]types.TransactionID{a, b})
	require.NoError(t, err)
	require.Equal(t, root1, root2)

	root3, err := MerkleRoot([]types.TransactionID{b, a})
	require.NoError(t, err)
	require.NotEqual(t, root1, root3)
}

func TestMerkleRootEmptyBatch(t *testing.T) {
	root, err := MerkleRoot(nil)
	require.NoError(t, err)
	require.NotEqual(t, types.TxRoot{}, root)
}
