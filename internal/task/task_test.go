package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusEnqueued.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCanceled.Terminal())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusEnqueued, StatusProcessing))
	assert.True(t, CanTransition(StatusEnqueued, StatusCanceled))
	assert.False(t, CanTransition(StatusEnqueued, StatusSucceeded))

	assert.True(t, CanTransition(StatusProcessing, StatusSucceeded))
	assert.True(t, CanTransition(StatusProcessing, StatusFailed))
	assert.True(t, CanTransition(StatusProcessing, StatusCanceled))
	assert.False(t, CanTransition(StatusProcessing, StatusEnqueued))

	assert.False(t, CanTransition(StatusSucceeded, StatusProcessing))
	assert.False(t, CanTransition(StatusFailed, StatusEnqueued))
	assert.False(t, CanTransition(StatusCanceled, StatusProcessing))
}

func TestKindIsGlobal(t *testing.T) {
	globals := []Kind{
		KindTaskCancelation, KindTaskDeletion, KindDumpCreation,
		KindSnapshotCreation, KindUpgradeDatabase, KindExport,
	}
	for _, k := range globals {
		assert.Truef(t, k.IsGlobal(), "%s should be global", k)
	}

	perIndex := []Kind{
		KindDocumentAdditionOrUpdate, KindDocumentEdition, KindDocumentDeletion,
		KindDocumentDeletionByFilter, KindDocumentClear, KindSettingsUpdate,
		KindIndexCreation, KindIndexUpdate, KindIndexDeletion, KindIndexSwap,
		KindIndexCompaction,
	}
	for _, k := range perIndex {
		assert.Falsef(t, k.IsGlobal(), "%s should not be global", k)
	}
}
