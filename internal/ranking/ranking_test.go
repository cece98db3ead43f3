package ranking

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/internal/bitmap"
	"github.com/latticedb/lattice/internal/index"
	"github.com/latticedb/lattice/internal/kvstore"
	"github.com/latticedb/lattice/internal/query"
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

func universeOf(t *testing.T, idx *index.Index) *bitmap.Bitmap {
	t.Helper()
	all, err := idx.AllDocIDs()
	require.NoError(t, err)
	return all
}

func TestScoreDetailNormalized(t *testing.T) {
	assert.Equal(t, 1.0, ScoreDetail{Rank: 0, MaxRank: 0}.Normalized())
	assert.Equal(t, 1.0, ScoreDetail{Rank: 0, MaxRank: 4}.Normalized())
	assert.Equal(t, 0.5, ScoreDetail{Rank: 2, MaxRank: 4}.Normalized())
	assert.Equal(t, 0.0, ScoreDetail{Rank: 4, MaxRank: 4}.Normalized())
}

func TestGlobalScoreEarlierRuleDominates(t *testing.T) {
	better := []ScoreDetail{{Rank: 0, MaxRank: 4}, {Rank: 3, MaxRank: 4}}
	worse := []ScoreDetail{{Rank: 1, MaxRank: 4}, {Rank: 0, MaxRank: 4}}
	assert.Greater(t, GlobalScore(better), GlobalScore(worse))
}

func TestBuildResolvesDefaultStack(t *testing.T) {
	rules := Build(DefaultStack())
	require.Len(t, rules, 8)
	names := make([]RuleName, len(rules))
	for i, r := range rules {
		names[i] = r.Name()
	}
	assert.Equal(t, DefaultStack(), names)
}

func TestWordsRuleRanksMoreMatchedTermsFirst(t *testing.T) {
	idx := openTestIndex(t)
	_, err := idx.AddDocuments([]map[string]interface{}{
		{"id": "1", "title": "fox jumps"},
		{"id": "2", "title": "fox"},
	}, "replace", "id")
	require.NoError(t, err)

	g := query.Build("fox jumps", query.Options{})
	ctx := &SearchContext{Index: idx, Graph: g}
	universe := universeOf(t, idx)

	buckets := (&wordsRule{}).Run(ctx, universe)
	require.NotEmpty(t, buckets)
	// first bucket (rank 0, best) should contain doc 0 ("fox jumps" matches both positions)
	assert.True(t, buckets[0].Candidates.Contains(0))
}

func TestExactnessRuleFavorsFullExactMatch(t *testing.T) {
	idx := openTestIndex(t)
	_, err := idx.AddDocuments([]map[string]interface{}{
		{"id": "1", "title": "fox"},
		{"id": "2", "title": "foxes everywhere"},
	}, "replace", "id")
	require.NoError(t, err)

	g := query.Build("fox", query.Options{})
	ctx := &SearchContext{Index: idx, Graph: g}
	universe := universeOf(t, idx)

	buckets := (&exactnessRule{}).Run(ctx, universe)
	require.NotEmpty(t, buckets)
	assert.Equal(t, 0, buckets[0].Detail.Rank)
	assert.True(t, buckets[0].Candidates.Contains(0))
}

func TestSortRuleOrdersNumericAscending(t *testing.T) {
	idx := openTestIndex(t)
	_, err := idx.AddDocuments([]map[string]interface{}{
		{"id": "1", "title": "a", "year": float64(2005)},
		{"id": "2", "title": "b", "year": float64(1995)},
	}, "replace", "id")
	require.NoError(t, err)

	ctx := &SearchContext{Index: idx, SortField: "year", SortAsc: true}
	universe := universeOf(t, idx)

	buckets := (&sortRule{}).Run(ctx, universe)
	require.Len(t, buckets, 2)
	assert.True(t, buckets[0].Candidates.Contains(1)) // doc 1 has the smaller year
	assert.True(t, buckets[1].Candidates.Contains(0))
}

func TestSortRuleNoFieldReturnsWholeUniverseUnranked(t *testing.T) {
	idx := openTestIndex(t)
	_, err := idx.AddDocuments([]map[string]interface{}{{"id": "1", "title": "a"}}, "replace", "id")
	require.NoError(t, err)

	ctx := &SearchContext{Index: idx}
	universe := universeOf(t, idx)
	buckets := (&sortRule{}).Run(ctx, universe)
	require.Len(t, buckets, 1)
	assert.Equal(t, universe.Len(), buckets[0].Candidates.Len())
}

func TestGeoRuleOrdersByDistanceAndMissingLast(t *testing.T) {
	idx := openTestIndex(t)
	_, err := idx.AddDocuments([]map[string]interface{}{
		{"id": "1", "title": "near", "loc_lat": float64(1), "loc_lng": float64(1)},
		{"id": "2", "title": "far", "loc_lat": float64(50), "loc_lng": float64(50)},
		{"id": "3", "title": "no-geo"},
	}, "replace", "id")
	require.NoError(t, err)

	ctx := &SearchContext{Index: idx, GeoRef: &GeoPoint{Lat: 1, Lng: 1}, GeoField: "loc"}
	universe := universeOf(t, idx)

	buckets := (&geoRule{}).Run(ctx, universe)
	require.Len(t, buckets, 3)
	assert.True(t, buckets[0].Candidates.Contains(0))
	assert.True(t, buckets[len(buckets)-1].Candidates.Contains(2))
}

func TestClampProximity(t *testing.T) {
	assert.Equal(t, 0, clampProximity(-1))
	assert.Equal(t, 7, clampProximity(20))
	assert.Equal(t, 3, clampProximity(3))
}

func TestRunFlattensStackIntoScoreOrderedHits(t *testing.T) {
	idx := openTestIndex(t)
	_, err := idx.AddDocuments([]map[string]interface{}{
		{"id": "1", "title": "fox jumps"},
		{"id": "2", "title": "fox"},
	}, "replace", "id")
	require.NoError(t, err)

	g := query.Build("fox jumps", query.Options{})
	ctx := &SearchContext{Index: idx, Graph: g}
	stack := Build([]RuleName{RuleWords, RuleExactness})
	universe := universeOf(t, idx)

	hits := Run(ctx, stack, universe)
	require.Len(t, hits, 2)
	assert.Equal(t, uint32(0), hits[0].DocID) // matches both query terms, ranks first
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestRunMarksRulesSkippedPastDeadline(t *testing.T) {
	idx := openTestIndex(t)
	_, err := idx.AddDocuments([]map[string]interface{}{{"id": "1", "title": "fox"}}, "replace", "id")
	require.NoError(t, err)

	g := query.Build("fox", query.Options{})
	ctx := &SearchContext{Index: idx, Graph: g, Deadline: time.Now().Add(-time.Minute)}
	stack := Build([]RuleName{RuleWords})
	universe := universeOf(t, idx)

	hits := Run(ctx, stack, universe)
	require.Len(t, hits, 1)
	require.Len(t, hits[0].Details, 1)
	assert.True(t, hits[0].Details[0].Skipped)
}
