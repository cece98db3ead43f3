package vectorstore

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/internal/kvstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "data.db"), kvstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	s, err := Open(kv, "vectors")
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(1, []float32{1, 2, 3}))

	got, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, got)
	assert.Equal(t, 3, s.Dimensions())
}

func TestPutRejectsDimensionMismatch(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(1, []float32{1, 2, 3}))
	err := s.Put(2, []float32{1, 2})
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(1, []float32{1, 2}))
	require.NoError(t, s.Delete(1))

	got, err := s.Get(1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSimilarityCosineRanksIdenticalVectorHighest(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(1, []float32{1, 0}))
	require.NoError(t, s.Put(2, []float32{0, 1}))

	scores, err := s.Similarity([]float32{1, 0}, []uint32{1, 2}, MetricCosine)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, scores[1], 1e-9)
	assert.InDelta(t, 0.0, scores[2], 1e-9)
}

func TestSimilarityL2PrefersCloserVector(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(1, []float32{0, 0}))
	require.NoError(t, s.Put(2, []float32{10, 10}))

	scores, err := s.Similarity([]float32{0, 0}, []uint32{1, 2}, MetricL2)
	require.NoError(t, err)
	assert.Greater(t, scores[1], scores[2])
	assert.InDelta(t, 1.0, scores[1], 1e-9)
}

func TestFlushAndOpenFlatRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(1, []float32{1, 2}))
	require.NoError(t, s.Put(2, []float32{3, 4}))

	path := filepath.Join(t.TempDir(), "vectors.flat")
	require.NoError(t, s.Flush(path))

	ff, err := OpenFlat(path, 2)
	require.NoError(t, err)
	defer ff.Close()

	assert.Equal(t, 2, ff.Len())
	seen := map[uint32][]float32{}
	for i := 0; i < ff.Len(); i++ {
		id, vec := ff.At(i)
		seen[id] = vec
	}
	assert.Equal(t, []float32{1, 2}, seen[1])
	assert.Equal(t, []float32{3, 4}, seen[2])
}

func TestCosineSimilarityHandlesZeroVector(t *testing.T) {
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestL2DistanceMismatchedLengthIsInfinite(t *testing.T) {
	assert.True(t, math.IsInf(l2Distance([]float32{1}, []float32{1, 2}), 1))
}
