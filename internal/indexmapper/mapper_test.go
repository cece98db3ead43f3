package indexmapper

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/internal/kvstore"
)

func newTestMapper(t *testing.T) *Mapper {
	t.Helper()
	base := t.TempDir()
	openFn := func(id uuid.UUID, mapSize int64, create bool) (*kvstore.Store, error) {
		return kvstore.Open(filepath.Join(base, id.String(), "data.db"), kvstore.Options{})
	}
	m, err := New(Options{
		BaseDir:          base,
		Capacity:         10,
		AcquireRetries:   5,
		AcquireRetryWait: 10 * time.Millisecond,
		Open:             openFn,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestCreateAndGet(t *testing.T) {
	m := newTestMapper(t)
	h, err := m.Create("movies", 0)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "movies", h.Name)

	got, err := m.Get("movies")
	require.NoError(t, err)
	assert.Equal(t, h.UUID, got.UUID)
	got.Release()
	h.Release()
}

func TestCreateDuplicateFails(t *testing.T) {
	m := newTestMapper(t)
	_, err := m.Create("movies", 0)
	require.NoError(t, err)
	_, err = m.Create("movies", 0)
	assert.Error(t, err)
}

func TestGetMissingIndexFails(t *testing.T) {
	m := newTestMapper(t)
	_, err := m.Get("nope")
	assert.Error(t, err)
}

func TestDeleteMakesIndexUnavailable(t *testing.T) {
	m := newTestMapper(t)
	h, err := m.Create("movies", 0)
	require.NoError(t, err)
	h.Release()

	require.NoError(t, m.Delete("movies"))
	_, err = m.Get("movies")
	assert.Error(t, err)
}

func TestNamesListsCreatedIndexes(t *testing.T) {
	m := newTestMapper(t)
	_, err := m.Create("movies", 0)
	require.NoError(t, err)
	_, err = m.Create("books", 0)
	require.NoError(t, err)

	names, err := m.Names()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"movies", "books"}, names)
}

func TestSwapExchangesNames(t *testing.T) {
	m := newTestMapper(t)
	ha, err := m.Create("movies", 0)
	require.NoError(t, err)
	hb, err := m.Create("books", 0)
	require.NoError(t, err)
	moviesUUID, booksUUID := ha.UUID, hb.UUID

	require.NoError(t, m.Swap("movies", "books"))

	newMovies, err := m.Get("movies")
	require.NoError(t, err)
	defer newMovies.Release()
	assert.Equal(t, booksUUID, newMovies.UUID)

	newBooks, err := m.Get("books")
	require.NoError(t, err)
	defer newBooks.Release()
	assert.Equal(t, moviesUUID, newBooks.UUID)
}

func TestCurrentlyUpdatingHint(t *testing.T) {
	m := newTestMapper(t)
	h, err := m.Create("movies", 0)
	require.NoError(t, err)
	defer h.Release()

	_, ok := m.CurrentlyUpdating("movies")
	assert.False(t, ok)

	m.SetCurrentlyUpdating("movies", h)
	got, ok := m.CurrentlyUpdating("movies")
	assert.True(t, ok)
	assert.Same(t, h, got)

	m.ClearCurrentlyUpdating()
	_, ok = m.CurrentlyUpdating("movies")
	assert.False(t, ok)
}

func TestResizeReopensHandle(t *testing.T) {
	m := newTestMapper(t)
	h, err := m.Create("movies", 1<<20)
	require.NoError(t, err)
	h.Release()

	require.NoError(t, m.Resize("movies", 1<<20))

	got, err := m.Get("movies")
	require.NoError(t, err)
	defer got.Release()
	assert.Equal(t, int64(2<<20), got.MapSize)
}
