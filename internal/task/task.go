// Package task implements the persistent task queue of spec.md §4.1: an
// append-only log of user operations with secondary bitmap indexes over
// status, kind, index_uid, canceled_by and date, so that every filtered
// query is answered by bitmap intersection rather than a table scan.
package task

import (
	"time"
)

// Status is a task's lifecycle state. Transitions are monotonic along
// Enqueued -> Processing -> {Succeeded, Failed, Canceled} (spec.md §3,
// invariant 1); terminal tasks are never mutated again.
type Status string

const (
	StatusEnqueued   Status = "enqueued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether s is one of the three end states.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// validNextStatus encodes the monotonic lattice of spec.md §3.
var validNextStatus = map[Status]map[Status]bool{
	StatusEnqueued:   {StatusProcessing: true, StatusCanceled: true},
	StatusProcessing: {StatusSucceeded: true, StatusFailed: true, StatusCanceled: true},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	return validNextStatus[from][to]
}

// Kind names the tagged variant a Task carries; each has its own payload
// struct below, the Go equivalent of the Rust enum KindWithContent the
// original implementation uses (crates/index-scheduler autobatcher.rs).
type Kind string

const (
	KindDocumentAdditionOrUpdate Kind = "documentAdditionOrUpdate"
	KindDocumentEdition          Kind = "documentEdition"
	KindDocumentDeletion         Kind = "documentDeletion"
	KindDocumentDeletionByFilter Kind = "documentDeletionByFilter"
	KindDocumentClear            Kind = "documentClear"
	KindSettingsUpdate           Kind = "settingsUpdate"
	KindIndexCreation            Kind = "indexCreation"
	KindIndexUpdate              Kind = "indexUpdate"
	KindIndexDeletion            Kind = "indexDeletion"
	KindIndexSwap                Kind = "indexSwap"
	KindIndexCompaction          Kind = "indexCompaction"
	KindTaskCancelation          Kind = "taskCancelation"
	KindTaskDeletion             Kind = "taskDeletion"
	KindDumpCreation             Kind = "dumpCreation"
	KindSnapshotCreation         Kind = "snapshotCreation"
	KindUpgradeDatabase          Kind = "upgradeDatabase"
	KindExport                   Kind = "export"
)

// AddMethod distinguishes a full-replace document import from a partial
// update, the `method` field of DocumentAdditionOrUpdate (spec.md §3).
type AddMethod string

const (
	MethodReplace AddMethod = "replace"
	MethodUpdate  AddMethod = "update"
)

// IndexPair names the two index_uids an IndexSwap exchanges.
type IndexPair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// KindContent is the tagged-variant payload. Only the field(s) relevant to
// Kind are meaningful for a given Task; this mirrors the original
// implementation's single flattened enum more closely than N Go interfaces
// would, and keeps (de)serialization trivial through goccy/go-json.
type KindContent struct {
	// DocumentAdditionOrUpdate
	Method              AddMethod `json:"method,omitempty"`
	PrimaryKey          *string   `json:"primaryKey,omitempty"`
	AllowIndexCreation  bool      `json:"allowIndexCreation,omitempty"`
	ContentUUID         string    `json:"contentUuid,omitempty"`

	// DocumentDeletion
	DocumentIDs []string `json:"documentIds,omitempty"`

	// DocumentDeletionByFilter / TaskCancelation / TaskDeletion
	Filter string `json:"filter,omitempty"`

	// SettingsUpdate
	Settings   map[string]interface{} `json:"settings,omitempty"`
	IsDeletion bool                   `json:"isDeletion,omitempty"`

	// IndexCreation / IndexUpdate already use PrimaryKey above.

	// IndexSwap
	Pairs []IndexPair `json:"pairs,omitempty"`
}

// Task is the immutable-once-terminal record spec.md §3 defines.
type Task struct {
	UID            uint64       `json:"uid"`
	IndexUID       *string      `json:"indexUid,omitempty"`
	Status         Status       `json:"status"`
	Kind           Kind         `json:"kind"`
	Content        KindContent  `json:"content"`
	EnqueuedAt     time.Time    `json:"enqueuedAt"`
	StartedAt      *time.Time   `json:"startedAt,omitempty"`
	FinishedAt     *time.Time   `json:"finishedAt,omitempty"`
	Error          *TaskError   `json:"error,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
	CanceledBy     *uint64      `json:"canceledBy,omitempty"`
	CustomMetadata map[string]string      `json:"customMetadata,omitempty"`
}

// TaskError is the error recorded on a task that finished as Failed.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Link    string `json:"link"`
}

// IsGlobal reports whether this kind of task is not scoped to a single
// index — it has no index_uid and bypasses per-index batching (spec.md
// §4.3: cancellation, deletion, dumps, snapshots, upgrade).
func (k Kind) IsGlobal() bool {
	switch k {
	case KindTaskCancelation, KindTaskDeletion, KindDumpCreation,
		KindSnapshotCreation, KindUpgradeDatabase, KindExport:
		return true
	}
	return false
}

// dateBucket returns the coarse (day-granularity) key used by the date
// secondary index, keeping that index's cardinality manageable while still
// letting range filters intersect only the buckets they overlap.
func dateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
