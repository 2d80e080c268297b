package objects

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AbdelStark/guts-sub000/pkg/types"
)

func storeBackends(t *testing.T) map[string]Store {
	mem := NewMemStore()

	dir := t.TempDir()
	bolt, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]Store{
		"mem":  mem,
		"bolt": bolt,
	}
}

func TestPutIsIdempotent(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			id1, err := s.Put(types.KindBlob, []byte("hello"))
			require.NoError(t, err)

			id2, err := s.Put(types.KindBlob, []byte("hello"))
			require.NoError(t, err)

			require.Equal(t, id1, id2)
		})
	}
}

func TestGetReturnsBitIdenticalData(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("tree contents")
			id, err := s.Put(types.KindTree, data)
			require.NoError(t, err)

			obj, ok, err := s.Get(id)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, data, obj.Data)
			require.Equal(t, types.KindTree, obj.Kind)
		})
	}
}

func TestGetAbsentReturnsFalse(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			var id types.ObjectID
			_, ok, err := s.Get(id)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestDeleteReportsExistence(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.Put(types.KindBlob, []byte("x"))
			require.NoError(t, err)

			existed, err := s.Delete(id)
			require.NoError(t, err)
			require.True(t, existed)

			existed, err = s.Delete(id)
			require.NoError(t, err)
			require.False(t, existed)
		})
	}
}

func TestBatchPutAllOrNothingVisibility(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			objs := []types.Object{
				types.NewObject(types.KindBlob, []byte("a")),
				types.NewObject(types.KindBlob, []byte("b")),
				types.NewObject(types.KindTree, []byte("c")),
			}
			ids, err := s.BatchPut(objs)
			require.NoError(t, err)
			require.Len(t, ids, 3)

			for _, id := range ids {
				ok, err := s.Contains(id)
				require.NoError(t, err)
				require.True(t, ok)
			}
		})
	}
}

func TestRejectsUnknownKind(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Put(types.ObjectKind(99), []byte("x"))
			require.Error(t, err)
		})
	}
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewBoltStore(dir)
	require.NoError(t, err)

	id, err := s1.Put(types.KindCommit, []byte("commit body"))
	require.NoError(t, err)
	require.NoError(t, s1.Flush())
	require.NoError(t, s1.Close())

	s2, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer s2.Close()

	obj, ok, err := s2.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("commit body"), obj.Data)
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
