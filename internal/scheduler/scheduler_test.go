package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/internal/autobatch"
	"github.com/latticedb/lattice/internal/task"
)

type fakeIndexState struct {
	exists map[string]bool
	pk     map[string]*string
}

func (f *fakeIndexState) Exists(indexUID string) bool     { return f.exists[indexUID] }
func (f *fakeIndexState) PrimaryKey(indexUID string) *string { return f.pk[indexUID] }

type fakeProcessor struct {
	calls  int
	handle func(ctx context.Context, indexUID string, batch *autobatch.Batch, tasks []*task.Task, cancel *Cancellation) (Outcome, error)
}

func (f *fakeProcessor) Process(ctx context.Context, indexUID string, batch *autobatch.Batch, tasks []*task.Task, cancel *Cancellation) (Outcome, error) {
	f.calls++
	return f.handle(ctx, indexUID, batch, tasks, cancel)
}

func openQueue(t *testing.T) *task.Queue {
	t.Helper()
	q, err := task.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func succeedAll(tasks []*task.Task) Outcome {
	succeeded := make(map[uint64]map[string]interface{})
	for _, tsk := range tasks {
		succeeded[tsk.UID] = map[string]interface{}{"ok": true}
	}
	return Outcome{Succeeded: succeeded}
}

func TestTickProcessesIndexBatch(t *testing.T) {
	q := openQueue(t)
	idx := "movies"
	t1, err := q.Enqueue(task.KindIndexCreation, &idx, task.KindContent{}, nil)
	require.NoError(t, err)

	proc := &fakeProcessor{handle: func(ctx context.Context, indexUID string, batch *autobatch.Batch, tasks []*task.Task, cancel *Cancellation) (Outcome, error) {
		return succeedAll(tasks), nil
	}}
	states := &fakeIndexState{exists: map[string]bool{}, pk: map[string]*string{}}
	s := New(q, proc, states, Options{})

	s.tick()

	got, err := q.Get(t1.UID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, got.Status)
	assert.Equal(t, 1, proc.calls)
}

func TestTickFailsWholeBatchOnProcessorError(t *testing.T) {
	q := openQueue(t)
	idx := "movies"
	t1, err := q.Enqueue(task.KindIndexCreation, &idx, task.KindContent{}, nil)
	require.NoError(t, err)

	proc := &fakeProcessor{handle: func(ctx context.Context, indexUID string, batch *autobatch.Batch, tasks []*task.Task, cancel *Cancellation) (Outcome, error) {
		return Outcome{}, errors.New("boom")
	}}
	states := &fakeIndexState{exists: map[string]bool{}, pk: map[string]*string{}}
	s := New(q, proc, states, Options{})

	s.tick()

	got, err := q.Get(t1.UID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
}

func TestGlobalKindRunsAheadOfIndexBatch(t *testing.T) {
	q := openQueue(t)
	idx := "movies"
	_, err := q.Enqueue(task.KindDocumentClear, &idx, task.KindContent{}, nil)
	require.NoError(t, err)
	dump, err := q.Enqueue(task.KindDumpCreation, nil, task.KindContent{}, nil)
	require.NoError(t, err)

	proc := &fakeProcessor{handle: func(ctx context.Context, indexUID string, batch *autobatch.Batch, tasks []*task.Task, cancel *Cancellation) (Outcome, error) {
		assert.Empty(t, indexUID)
		return succeedAll(tasks), nil
	}}
	states := &fakeIndexState{exists: map[string]bool{}, pk: map[string]*string{}}
	s := New(q, proc, states, Options{})

	s.tick()

	got, err := q.Get(dump.UID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, got.Status)
}

func TestGlobalKindPrecedenceBeatsArrivalOrder(t *testing.T) {
	q := openQueue(t)
	snapshot, err := q.Enqueue(task.KindSnapshotCreation, nil, task.KindContent{}, nil)
	require.NoError(t, err)
	upgrade, err := q.Enqueue(task.KindUpgradeDatabase, nil, task.KindContent{}, nil)
	require.NoError(t, err)

	var processed uint64
	proc := &fakeProcessor{handle: func(ctx context.Context, indexUID string, batch *autobatch.Batch, tasks []*task.Task, cancel *Cancellation) (Outcome, error) {
		require.Len(t, tasks, 1)
		processed = tasks[0].UID
		return succeedAll(tasks), nil
	}}
	states := &fakeIndexState{exists: map[string]bool{}, pk: map[string]*string{}}
	s := New(q, proc, states, Options{})

	s.tick()

	assert.Equal(t, upgrade.UID, processed)

	got, err := q.Get(snapshot.UID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusEnqueued, got.Status)
}

func TestRunCancelationMarksTargetsCanceled(t *testing.T) {
	q := openQueue(t)
	idx := "movies"
	target, err := q.Enqueue(task.KindDocumentClear, &idx, task.KindContent{}, nil)
	require.NoError(t, err)
	cancelTask, err := q.Enqueue(task.KindTaskCancelation, nil, task.KindContent{
		Filter: strconv.FormatUint(target.UID, 10),
	}, nil)
	require.NoError(t, err)

	proc := &fakeProcessor{handle: func(ctx context.Context, indexUID string, batch *autobatch.Batch, tasks []*task.Task, cancel *Cancellation) (Outcome, error) {
		t.Fatal("cancelation must be handled inline, not routed to Process")
		return Outcome{}, nil
	}}
	states := &fakeIndexState{exists: map[string]bool{}, pk: map[string]*string{}}
	s := New(q, proc, states, Options{})

	s.tick()

	canceled, err := q.Get(target.UID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCanceled, canceled.Status)
	require.NotNil(t, canceled.CanceledBy)
	assert.Equal(t, cancelTask.UID, *canceled.CanceledBy)

	done, err := q.Get(cancelTask.UID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, done.Status)
}

func TestParseUIDList(t *testing.T) {
	assert.Equal(t, []uint64{1, 2, 3}, parseUIDList("1,2,3"))
	assert.Nil(t, parseUIDList(""))
	assert.Equal(t, []uint64{42}, parseUIDList("42"))
}
