package dump

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/internal/task"
)

func writeDump(t *testing.T, tasks []task.Task, indexes []IndexRecord) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	w := NewWriter(buf)
	require.NoError(t, w.WriteMetadata("instance-1"))
	require.NoError(t, w.WriteTasks(tasks))
	require.NoError(t, w.WriteIndexes(indexes))
	require.NoError(t, w.Close())
	return buf
}

func TestWriterReaderRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	tasks := []task.Task{{UID: 1, Status: task.StatusSucceeded, Kind: task.KindIndexCreation, EnqueuedAt: now}}
	indexes := []IndexRecord{{UID: "movies", PrimaryKey: strPtr("id")}}

	buf := writeDump(t, tasks, indexes)
	rd, err := Open(buf)
	require.NoError(t, err)
	assert.Equal(t, V6, rd.Version())
	assert.Equal(t, indexes, rd.Indexes())

	got, malformed, err := rd.Tasks()
	require.NoError(t, err)
	assert.Empty(t, malformed)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].UID)
	assert.Equal(t, task.StatusSucceeded, got[0].Status)
}

func TestOpenRejectsStreamMissingMetadata(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWriter(buf)
	require.NoError(t, w.WriteTasks(nil))
	require.NoError(t, w.Close())

	_, err := Open(buf)
	assert.Error(t, err)
}

func TestOpenRejectsNonGzipStream(t *testing.T) {
	_, err := Open(bytes.NewReader([]byte("not gzip")))
	assert.Error(t, err)
}

func TestV5ToV6RemapsProcessingToEnqueued(t *testing.T) {
	started := time.Now()
	raw := rawTask{UID: 9, Status: "processing", StartedAt: &started}
	next, err := v5ToV6(raw)
	require.NoError(t, err)
	assert.Equal(t, "enqueued", next.Status)
	assert.Nil(t, next.StartedAt)
}

func TestV5ToV6LeavesOtherStatusesAlone(t *testing.T) {
	raw := rawTask{UID: 9, Status: "succeeded"}
	next, err := v5ToV6(raw)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", next.Status)
}

func TestTranslateChainLengthMatchesVersionGap(t *testing.T) {
	assert.Len(t, translateChain(V1), 5)
	assert.Len(t, translateChain(V5), 1)
	assert.Empty(t, translateChain(V6))
	assert.Nil(t, translateChain(Version(0)))
	assert.Nil(t, translateChain(Version(7)))
}

func TestMalformedToFailedTask(t *testing.T) {
	m := Malformed{OriginalUID: 5, Reason: "bad json"}
	ft := m.ToFailedTask()
	assert.Equal(t, uint64(5), ft.UID)
	assert.Equal(t, task.StatusFailed, ft.Status)
	require.NotNil(t, ft.Error)
	assert.Equal(t, "bad json", ft.Error.Message)
}

func strPtr(s string) *string { return &s }
