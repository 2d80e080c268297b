package refs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

func TestSetAndResolveDirect(t *testing.T) {
	m := NewManager()
	id := types.ObjectID{1, 2, 3}

	require.NoError(t, m.Set("refs/heads/main", id))

	got, err := m.Resolve("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestResolveFollowsSymbolicChain(t *testing.T) {
	m := NewManager()
	id := types.ObjectID{9}

	require.NoError(t, m.Set("refs/heads/main", id))
	require.NoError(t, m.SetSymbolic("HEAD", "refs/heads/main"))

	got, err := m.Resolve("HEAD")
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestResolveDetectsCycle(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetSymbolic("a", "b"))
	require.NoError(t, m.SetSymbolic("b", "a"))

	_, err := m.Resolve("a")
	require.Error(t, err)
	require.True(t, gutserr.Of(err, gutserr.IntegrityError))
}

func TestResolveDanglingSymbolicTail(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetSymbolic("HEAD", "refs/heads/nonexistent"))

	_, err := m.Resolve("HEAD")
	require.Error(t, err)
	require.True(t, gutserr.Of(err, gutserr.NotFound))
}

func TestDeleteMissingIsIdempotent(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Delete("refs/heads/does-not-exist"))
	require.NoError(t, m.Delete("refs/heads/does-not-exist"))
}

func TestSetIsLastWriterWins(t *testing.T) {
	m := NewManager()
	id1 := types.ObjectID{1}
	id2 := types.ObjectID{2}

	require.NoError(t, m.Set("refs/heads/main", id1))
	require.NoError(t, m.Set("refs/heads/main", id2))

	got, err := m.Resolve("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, id2, got)
}

func TestListReturnsAllReferences(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Set("refs/heads/main", types.ObjectID{1}))
	require.NoError(t, m.Set("refs/heads/dev", types.ObjectID{2}))

	require.Len(t, m.List(), 2)
}
