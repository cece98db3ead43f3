package task

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.db")
	q, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueAssignsIncreasingUIDs(t *testing.T) {
	q := openQueue(t)
	idx := "movies"

	t1, err := q.Enqueue(KindIndexCreation, &idx, KindContent{}, nil)
	require.NoError(t, err)
	t2, err := q.Enqueue(KindDocumentClear, &idx, KindContent{}, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), t1.UID)
	assert.Equal(t, uint64(2), t2.UID)
	assert.Equal(t, StatusEnqueued, t1.Status)
}

func TestGetRoundTrip(t *testing.T) {
	q := openQueue(t)
	idx := "movies"
	t1, err := q.Enqueue(KindIndexCreation, &idx, KindContent{}, nil)
	require.NoError(t, err)

	got, err := q.Get(t1.UID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, t1.UID, got.UID)
	assert.Equal(t, KindIndexCreation, got.Kind)
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	q := openQueue(t)
	got, err := q.Get(999)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTransitionFollowsLattice(t *testing.T) {
	q := openQueue(t)
	idx := "movies"
	t1, err := q.Enqueue(KindIndexCreation, &idx, KindContent{}, nil)
	require.NoError(t, err)

	processing, err := q.Transition(t1.UID, StatusProcessing, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, processing.Status)
	require.NotNil(t, processing.StartedAt)

	done, err := q.Transition(t1.UID, StatusSucceeded, nil, map[string]interface{}{"indexedDocuments": 3})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	require.NotNil(t, done.FinishedAt)
	assert.Equal(t, 3, done.Details["indexedDocuments"])

	_, err = q.Transition(t1.UID, StatusProcessing, nil, nil)
	assert.Error(t, err)
}

func TestTransitionRecordsError(t *testing.T) {
	q := openQueue(t)
	idx := "movies"
	t1, err := q.Enqueue(KindIndexCreation, &idx, KindContent{}, nil)
	require.NoError(t, err)
	_, err = q.Transition(t1.UID, StatusProcessing, nil, nil)
	require.NoError(t, err)

	taskErr := &TaskError{Code: "index_already_exists", Message: "boom", Type: "conflict"}
	failed, err := q.Transition(t1.UID, StatusFailed, taskErr, nil)
	require.NoError(t, err)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "boom", failed.Error.Message)
}

func TestMarkCanceledSkipsTerminalTasks(t *testing.T) {
	q := openQueue(t)
	idx := "movies"
	t1, err := q.Enqueue(KindIndexCreation, &idx, KindContent{}, nil)
	require.NoError(t, err)
	_, err = q.Transition(t1.UID, StatusProcessing, nil, nil)
	require.NoError(t, err)
	done, err := q.Transition(t1.UID, StatusSucceeded, nil, nil)
	require.NoError(t, err)
	assert.True(t, done.Status.Terminal())

	unchanged, err := q.MarkCanceled(t1.UID, 42)
	require.NoError(t, err)
	assert.Nil(t, unchanged)

	t2, err := q.Enqueue(KindDocumentClear, &idx, KindContent{}, nil)
	require.NoError(t, err)
	canceled, err := q.MarkCanceled(t2.UID, 42)
	require.NoError(t, err)
	require.NotNil(t, canceled)
	assert.Equal(t, StatusCanceled, canceled.Status)
	require.NotNil(t, canceled.CanceledBy)
	assert.Equal(t, uint64(42), *canceled.CanceledBy)
}

func TestListFiltersByStatusAndIndex(t *testing.T) {
	q := openQueue(t)
	movies := "movies"
	books := "books"

	a, err := q.Enqueue(KindIndexCreation, &movies, KindContent{}, nil)
	require.NoError(t, err)
	b, err := q.Enqueue(KindIndexCreation, &books, KindContent{}, nil)
	require.NoError(t, err)
	_, err = q.Transition(a.UID, StatusProcessing, nil, nil)
	require.NoError(t, err)

	onlyMovies, err := q.List(Filter{IndexUIDs: []string{"movies"}})
	require.NoError(t, err)
	require.Len(t, onlyMovies, 1)
	assert.Equal(t, a.UID, onlyMovies[0].UID)

	onlyEnqueued, err := q.List(Filter{Statuses: []Status{StatusEnqueued}})
	require.NoError(t, err)
	require.Len(t, onlyEnqueued, 1)
	assert.Equal(t, b.UID, onlyEnqueued[0].UID)

	all, err := q.List(Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	// newest first
	assert.Equal(t, b.UID, all[0].UID)
	assert.Equal(t, a.UID, all[1].UID)
}

func TestListRespectsLimit(t *testing.T) {
	q := openQueue(t)
	idx := "movies"
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(KindDocumentClear, &idx, KindContent{}, nil)
		require.NoError(t, err)
	}
	page, err := q.List(Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestDeleteRemovesTaskAndRespectsBatchReferences(t *testing.T) {
	q := openQueue(t)
	idx := "movies"
	a, err := q.Enqueue(KindIndexCreation, &idx, KindContent{}, nil)
	require.NoError(t, err)
	b, err := q.Enqueue(KindDocumentClear, &idx, KindContent{}, nil)
	require.NoError(t, err)

	n, err := q.Delete([]uint64{a.UID, b.UID}, map[uint64]bool{b.UID: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(a.UID)
	require.NoError(t, err)
	assert.Nil(t, got)

	stillThere, err := q.Get(b.UID)
	require.NoError(t, err)
	assert.NotNil(t, stillThere)
}
