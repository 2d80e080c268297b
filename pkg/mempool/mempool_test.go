package mempool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/txmodel"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

func newSignedTx(t *testing.T, title string) *txmodel.Transaction {
	t.Helper()
	kp, err := txmodel.GenerateKeyPair()
	require.NoError(t, err)
	tx := txmodel.New(txmodel.CreateIssue{RepoKey: "a/b", Title: title}, kp.PublicKey())
	require.NoError(t, kp.Sign(tx))
	return tx
}

func TestAddRejectsDuplicateID(t *testing.T) {
	p := New(DefaultConfig())
	tx := newSignedTx(t, "one")

	_, err := p.Add(tx)
	require.NoError(t, err)

	_, err = p.Add(tx)
	require.True(t, gutserr.Of(err, gutserr.AlreadyExists))
}

func TestGetForProposalMarksInFlightWithoutRemoving(t *testing.T) {
	p := New(DefaultConfig())
	tx := newSignedTx(t, "one")
	id, err := p.Add(tx)
	require.NoError(t, err)

	batch := p.GetForProposal(10, 1<<20)
	require.Len(t, batch, 1)
	require.True(t, p.Contains(id))
	require.Equal(t, 1, p.Len())

	stats := p.Stats()
	require.Equal(t, 1, stats.Count)
	require.Equal(t, float64(1), stats.AvgProposeCount)
}

func TestRemoveBatchIsIdempotent(t *testing.T) {
	p := New(DefaultConfig())
	tx := newSignedTx(t, "one")
	id, err := p.Add(tx)
	require.NoError(t, err)

	p.RemoveBatch([]types.TransactionID{id})
	require.False(t, p.Contains(id))
	require.Equal(t, 0, p.Len())

	// removing again is a no-op, not an error
	p.RemoveBatch([]types.TransactionID{id})
	require.Equal(t, 0, p.Len())
}

func TestCapacityEvictsOldestNonInFlight(t *testing.T) {
	cfg := Config{Capacity: 2, TTL: time.Hour}
	p := New(cfg)

	tx1 := newSignedTx(t, "one")
	tx2 := newSignedTx(t, "two")
	tx3 := newSignedTx(t, "three")

	id1, err := p.Add(tx1)
	require.NoError(t, err)
	_, err = p.Add(tx2)
	require.NoError(t, err)

	_, err = p.Add(tx3)
	require.NoError(t, err)

	require.Equal(t, 2, p.Len())
	require.False(t, p.Contains(id1))
}

func TestCapacityRejectsWhenAllInFlight(t *testing.T) {
	cfg := Config{Capacity: 1, TTL: time.Hour}
	p := New(cfg)

	tx1 := newSignedTx(t, "one")
	_, err := p.Add(tx1)
	require.NoError(t, err)

	p.GetForProposal(10, 1<<20)

	tx2 := newSignedTx(t, "two")
	_, err = p.Add(tx2)
	require.True(t, gutserr.Of(err, gutserr.QuotaExceeded))
}

func TestContainsAndLenOnEmptyPool(t *testing.T) {
	p := New(DefaultConfig())
	require.Equal(t, 0, p.Len())
	stats := p.Stats()
	require.Equal(t, 0, stats.Count)
	require.Equal(t, time.Duration(0), stats.OldestAge)
}
