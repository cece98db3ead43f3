package result

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/internal/index"
	"github.com/latticedb/lattice/internal/kvstore"
	"github.com/latticedb/lattice/internal/ranking"
)

func openTestIndex(t *testing.T) *index.Index {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "data.db"), kvstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	idx, err := index.Open(store)
	require.NoError(t, err)
	return idx
}

func seedDocs(t *testing.T, idx *index.Index) {
	t.Helper()
	_, err := idx.AddDocuments([]map[string]interface{}{
		{"id": "1", "title": "fox", "year": float64(2000), "_vectors": []float32{1, 2}},
		{"id": "2", "title": "dog", "year": float64(2001)},
		{"id": "3", "title": "cat", "year": float64(2002)},
	}, "replace", "id")
	require.NoError(t, err)
}

func hitsOf(ids ...uint32) []ranking.Hit {
	out := make([]ranking.Hit, len(ids))
	for i, id := range ids {
		out[i] = ranking.Hit{DocID: id, Score: 1.0 - float64(i)*0.1}
	}
	return out
}

func TestAssembleAppliesOffsetAndLimit(t *testing.T) {
	idx := openTestIndex(t)
	seedDocs(t, idx)

	page, err := Assemble(idx, hitsOf(0, 1, 2), Options{Offset: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, page.EstimatedTotalHits)
	require.Len(t, page.Hits, 1)
	assert.Equal(t, "dog", page.Hits[0].Fields["title"])
}

func TestAssembleOffsetPastEndReturnsEmptyPage(t *testing.T) {
	idx := openTestIndex(t)
	seedDocs(t, idx)

	page, err := Assemble(idx, hitsOf(0, 1, 2), Options{Offset: 10, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, page.EstimatedTotalHits)
	assert.Empty(t, page.Hits)
}

func TestAssembleZeroLimitReturnsNoHits(t *testing.T) {
	idx := openTestIndex(t)
	seedDocs(t, idx)

	page, err := Assemble(idx, hitsOf(0, 1, 2), Options{Offset: 0, Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, page.Hits)
}

func TestAssembleProjectsRequestedAttributesOnly(t *testing.T) {
	idx := openTestIndex(t)
	seedDocs(t, idx)

	page, err := Assemble(idx, hitsOf(0), Options{Offset: 0, Limit: 10, AttributesToRetrieve: []string{"title"}})
	require.NoError(t, err)
	require.Len(t, page.Hits, 1)
	assert.Equal(t, map[string]interface{}{"title": "fox"}, page.Hits[0].Fields)
}

func TestAssembleOmitsVectorsUnlessRequested(t *testing.T) {
	idx := openTestIndex(t)
	seedDocs(t, idx)

	page, err := Assemble(idx, hitsOf(0), Options{Offset: 0, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Hits, 1)
	_, hasVectors := page.Hits[0].Fields["_vectors"]
	assert.False(t, hasVectors)

	page, err = Assemble(idx, hitsOf(0), Options{Offset: 0, Limit: 10, RetrieveVectors: true})
	require.NoError(t, err)
	require.Len(t, page.Hits, 1)
	assert.Contains(t, page.Hits[0].Fields, "_vectors")
}

func TestAssembleAttachesRankingScoreOnlyWhenRequested(t *testing.T) {
	idx := openTestIndex(t)
	seedDocs(t, idx)
	hits := []ranking.Hit{{DocID: 0, Score: 1.0, Details: []ranking.ScoreDetail{{Rule: ranking.RuleWords, Rank: 0, MaxRank: 1}}}}

	page, err := Assemble(idx, hits, Options{Offset: 0, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Hits[0].RankingScore)

	page, err = Assemble(idx, hits, Options{Offset: 0, Limit: 10, ShowRankingScore: true})
	require.NoError(t, err)
	require.Len(t, page.Hits[0].RankingScore, 1)
	assert.Equal(t, hits[0].Details, Explain(page.Hits[0]))
}

func TestAssembleSkipsDeletedDocumentsWithoutFailing(t *testing.T) {
	idx := openTestIndex(t)
	seedDocs(t, idx)
	_, err := idx.DeleteDocuments([]string{"2"})
	require.NoError(t, err)

	page, err := Assemble(idx, hitsOf(0, 1, 2), Options{Offset: 0, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Hits, 2)
	for _, h := range page.Hits {
		assert.NotEqual(t, "dog", h.Fields["title"])
	}
}
