package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/txmodel"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

func startEphemeralNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(Config{
		Name:      "n1",
		Ephemeral: true,
		BlockTime: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Stop)
	return n
}

func submit(t *testing.T, n *Node, payload txmodel.Payload) types.TransactionID {
	t.Helper()
	tx := txmodel.New(payload, n.Key.PublicKey())
	require.NoError(t, n.Key.Sign(tx))
	id, err := n.SubmitTransaction(tx)
	require.NoError(t, err)
	return id
}

// A mutation submitted to a single node flows through the mempool,
// gets finalized into a block, and lands in the state stores.
func TestSingleNodeWritePath(t *testing.T) {
	n := startEphemeralNode(t)

	submit(t, n, txmodel.CreateRepository{RepoKey: "alice/repo", OwnerSegment: "alice"})

	require.Eventually(t, func() bool {
		return n.Machine.Gov.RepoExists("alice/repo")
	}, 2*time.Second, 10*time.Millisecond)

	prID := submit(t, n, txmodel.CreatePullRequest{
		RepoKey:      "alice/repo",
		Title:        "feat",
		SourceBranch: "f",
		TargetBranch: "main",
	})

	require.Eventually(t, func() bool {
		_, err := n.Machine.Collab.GetPullRequest("alice/repo", 1)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	// Finalized transactions leave the mempool.
	assert.False(t, n.Mempool.Contains(prID))
	assert.GreaterOrEqual(t, n.Machine.CurrentHeight(), uint64(1))
}

func TestSubmitAfterStopFails(t *testing.T) {
	n, err := New(Config{Name: "n2", Ephemeral: true, BlockTime: time.Hour}, nil)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	n.Stop()

	tx := txmodel.New(txmodel.CreateRepository{RepoKey: "a/r", OwnerSegment: "a"}, n.Key.PublicKey())
	require.NoError(t, n.Key.Sign(tx))
	_, err = n.SubmitTransaction(tx)
	assert.True(t, gutserr.Of(err, gutserr.ConsensusUnavailable))
}

// Under the persistent backend, references survive a full node
// restart: the ref manager reloads from the refs column family.
func TestPersistentRefsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Name: "n3", DataDir: dir, BlockTime: time.Hour}

	n1, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, n1.Start(context.Background()))

	id, err := n1.Objects.Put(types.KindCommit, []byte("commit body"))
	require.NoError(t, err)
	require.NoError(t, n1.Machine.Refs("alice/repo").Set("refs/heads/main", id))
	n1.Stop()

	n2, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, n2.Start(context.Background()))
	defer n2.Stop()

	resolved, err := n2.Machine.Refs("alice/repo").Resolve("refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, id, resolved)
}

func TestNodeRecordsLifecycleAudit(t *testing.T) {
	n := startEphemeralNode(t)
	entries := n.Audit.Recent(10)
	require.NotEmpty(t, entries)
	// Startup is the most recent lifecycle event until Stop runs.
	assert.Equal(t, "system_startup", string(entries[0].Type))
}
