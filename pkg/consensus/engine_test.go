package consensus

import (
	"context"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdelStark/guts-sub000/pkg/events"
	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/mempool"
	"github.com/AbdelStark/guts-sub000/pkg/txmodel"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// stubApp is a minimal Application: it accepts every transaction,
// chains a deterministic root, and records applied blocks.
type stubApp struct {
	mu      sync.Mutex
	height  uint64
	root    types.StateRoot
	applied []types.FinalizedBlock
}

func (a *stubApp) VerifyTransaction(tx *txmodel.Transaction) error { return txmodel.Verify(tx) }

func (a *stubApp) ComputeStateRoot(txs []*txmodel.Transaction) (types.StateRoot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := sha256.New()
	h.Write(a.root[:])
	for _, tx := range txs {
		id := tx.ID()
		h.Write(id[:])
	}
	var root types.StateRoot
	copy(root[:], h.Sum(nil))
	return root, nil
}

func (a *stubApp) OnBlockFinalized(fb types.FinalizedBlock, txs []*txmodel.Transaction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.height = fb.Block.Height
	a.root = fb.Block.StateRoot
	a.applied = append(a.applied, fb)
	return nil
}

func (a *stubApp) CurrentHeight() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.height
}

func (a *stubApp) blocks() []types.FinalizedBlock {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.FinalizedBlock, len(a.applied))
	copy(out, a.applied)
	return out
}

func newTestEngine(t *testing.T) (*Engine, *mempool.Pool, *stubApp, *txmodel.KeyPair) {
	t.Helper()
	key, err := txmodel.GenerateKeyPair()
	require.NoError(t, err)

	mp := mempool.New(mempool.DefaultConfig())
	app := &stubApp{}
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := DefaultConfig("n1", key)
	cfg.BlockTime = 20 * time.Millisecond
	return New(cfg, mp, app, broker), mp, app, key
}

func signedTx(t *testing.T, key *txmodel.KeyPair, repo string) *txmodel.Transaction {
	t.Helper()
	tx := txmodel.New(txmodel.CreateIssue{RepoKey: repo, Title: "t"}, key.PublicKey())
	require.NoError(t, key.Sign(tx))
	return tx
}

func TestSingleNodeFinalizesAndDrainsMempool(t *testing.T) {
	e, mp, app, key := newTestEngine(t)

	tx := signedTx(t, key, "a/r")
	id, err := mp.Add(tx)
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool {
		return app.CurrentHeight() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// Finalized transactions leave the pool.
	assert.False(t, mp.Contains(id))

	fb, ok := e.FinalizedAt(1)
	require.True(t, ok)
	assert.Equal(t, []types.TransactionID{tx.ID()}, fb.Block.TransactionIDs)
	assert.Equal(t, HashBlock(fb.Block), fb.ID)
}

func TestChainIntegrityAcrossHeights(t *testing.T) {
	e, mp, app, key := newTestEngine(t)

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	_, err := mp.Add(signedTx(t, key, "a/r1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return app.CurrentHeight() >= 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = mp.Add(signedTx(t, key, "a/r2"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return app.CurrentHeight() >= 2 }, 2*time.Second, 10*time.Millisecond)

	first, ok := e.FinalizedAt(1)
	require.True(t, ok)
	second, ok := e.FinalizedAt(2)
	require.True(t, ok)

	assert.Equal(t, first.ID, second.Block.ParentID)
	assert.GreaterOrEqual(t, second.Block.TimestampMS, first.Block.TimestampMS)
}

func TestStartTwiceFails(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	err := e.Start(context.Background())
	require.Error(t, err)
	assert.True(t, gutserr.Of(err, gutserr.PreconditionFailed))
}

func TestNonValidatorFollows(t *testing.T) {
	key, err := txmodel.GenerateKeyPair()
	require.NoError(t, err)
	other, err := txmodel.GenerateKeyPair()
	require.NoError(t, err)

	mp := mempool.New(mempool.DefaultConfig())
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	cfg := DefaultConfig("n2", key)
	cfg.ConsensusEnabled = true
	e := New(cfg, mp, &stubApp{}, broker)
	e.SetValidators(types.ValidatorSet{Validators: []types.Validator{
		{Name: "v1", Pubkey: other.PublicKey(), Weight: 1, Active: true},
	}})

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, types.EngineFollowing, e.State())
	e.Stop()
	assert.Equal(t, types.EngineStopped, e.State())
}

func TestEmptyBlocksSkippedByDefault(t *testing.T) {
	e, _, app, _ := newTestEngine(t)

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, app.blocks())
}

func TestLeaderRotationIsDeterministic(t *testing.T) {
	vs := types.ValidatorSet{Validators: []types.Validator{
		{Name: "a", Weight: 1, Active: true},
		{Name: "b", Weight: 1, Active: true},
		{Name: "c", Weight: 1, Active: false},
	}}

	l0, ok := vs.LeaderForView(0)
	require.True(t, ok)
	l2, ok := vs.LeaderForView(2)
	require.True(t, ok)

	// Only active validators rotate, so view 2 wraps back to the first.
	assert.Equal(t, "a", l0.Name)
	assert.Equal(t, "a", l2.Name)

	l1, ok := vs.LeaderForView(1)
	require.True(t, ok)
	assert.Equal(t, "b", l1.Name)
}

func TestQuorumWeight(t *testing.T) {
	vs := types.ValidatorSet{Validators: []types.Validator{
		{Name: "a", Weight: 1, Active: true},
		{Name: "b", Weight: 1, Active: true},
		{Name: "c", Weight: 1, Active: true},
		{Name: "d", Weight: 1, Active: true},
	}}
	// floor(2*4/3)+1 = 3.
	assert.Equal(t, uint64(3), vs.QuorumWeight())
}

func TestStateChangeEventsEmitted(t *testing.T) {
	key, err := txmodel.GenerateKeyPair()
	require.NoError(t, err)

	mp := mempool.New(mempool.DefaultConfig())
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	cfg := DefaultConfig("n1", key)
	cfg.BlockTime = time.Hour
	e := New(cfg, mp, &stubApp{}, broker)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	var seen []string
	deadline := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-sub:
			if ev.Type == events.EventStateChanged {
				seen = append(seen, ev.Metadata["to"])
			}
		case <-deadline:
			t.Fatal("timed out waiting for state change events")
		}
	}
	assert.Equal(t, []string{string(types.EngineSyncing), string(types.EngineActive)}, seen)
}
