package kvstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	s, err := Open(path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTemp(t)

	require.NoError(t, s.Update(func(tx *Tx) error {
		tbl, err := tx.Table("docs")
		require.NoError(t, err)
		return tbl.Put([]byte("k1"), []byte("hello"))
	}))

	require.NoError(t, s.View(func(tx *Tx) error {
		tbl, err := tx.Table("docs")
		require.NoError(t, err)
		v, err := tbl.Get([]byte("k1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), v)
		return nil
	}))
}

func TestGetMissingKeyReturnsNil(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.View(func(tx *Tx) error {
		tbl, err := tx.Table("docs")
		require.NoError(t, err)
		v, err := tbl.Get([]byte("absent"))
		require.NoError(t, err)
		assert.Nil(t, v)
		return nil
	}))
}

func TestDelete(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Update(func(tx *Tx) error {
		tbl, err := tx.Table("docs")
		require.NoError(t, err)
		require.NoError(t, tbl.Put([]byte("k1"), []byte("v1")))
		return tbl.Delete([]byte("k1"))
	}))
	require.NoError(t, s.View(func(tx *Tx) error {
		tbl, err := tx.Table("docs")
		require.NoError(t, err)
		v, err := tbl.Get([]byte("k1"))
		require.NoError(t, err)
		assert.Nil(t, v)
		return nil
	}))
}

func TestForEach(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Update(func(tx *Tx) error {
		tbl, err := tx.Table("docs")
		require.NoError(t, err)
		require.NoError(t, tbl.Put([]byte("a"), []byte("1")))
		require.NoError(t, tbl.Put([]byte("b"), []byte("2")))
		return nil
	}))

	seen := map[string]string{}
	require.NoError(t, s.View(func(tx *Tx) error {
		tbl, err := tx.Table("docs")
		require.NoError(t, err)
		return tbl.ForEach(func(k, v []byte) error {
			seen[string(k)] = string(v)
			return nil
		})
	}))
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, seen)
}

func TestNestedTable(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Update(func(tx *Tx) error {
		root, err := tx.Table("tasks")
		require.NoError(t, err)
		nested, err := root.NestedTable("by_status", true)
		require.NoError(t, err)
		return nested.Put([]byte("enqueued"), []byte("1"))
	}))

	require.NoError(t, s.View(func(tx *Tx) error {
		root, err := tx.Table("tasks")
		require.NoError(t, err)
		nested, err := root.NestedTable("by_status", false)
		require.NoError(t, err)
		v, err := nested.Get([]byte("enqueued"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)
		return nil
	}))
}

func TestDeleteTableRemovesEverythingUnderIt(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Update(func(tx *Tx) error {
		tbl, err := tx.Table("docs")
		require.NoError(t, err)
		require.NoError(t, tbl.Put([]byte("a"), []byte("1")))
		return tx.DeleteTable("docs")
	}))

	require.NoError(t, s.View(func(tx *Tx) error {
		tbl, err := tx.Table("docs")
		require.NoError(t, err)
		v, err := tbl.Get([]byte("a"))
		require.NoError(t, err)
		assert.Nil(t, v)
		return nil
	}))
}

func TestDeleteTableOnMissingTableIsNoOp(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Update(func(tx *Tx) error {
		return tx.DeleteTable("never-created")
	}))
}

func TestDeleteTableRequiresWritableTx(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.View(func(tx *Tx) error {
		err := tx.DeleteTable("docs")
		assert.Error(t, err)
		return nil
	}))
}

func TestSizeReflectsFile(t *testing.T) {
	s := openTemp(t)
	size, err := s.Size()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}
