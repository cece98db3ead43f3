// Package autobatch implements the pure function that groups the head of
// the task queue, for one index, into a single coherent batch (spec.md
// §4.3). It is grounded on the original implementation's
// crates/index-scheduler/src/scheduler/autobatcher.rs, which this package
// follows closely: an AutobatchKind classification folded left-to-right
// into a BatchKind accumulator, breaking as soon as the next task is
// incompatible with what has already been accumulated.
package autobatch

import (
	"github.com/latticedb/lattice/internal/task"
)

// StopReason is the machine-readable tag spec.md §4.3 requires every batch
// boundary to record.
type StopReason string

const (
	StopIndexDeletion                     StopReason = "IndexDeletion"
	StopTaskCannotBeBatched                StopReason = "TaskCannotBeBatched"
	StopPrimaryKeyIndexMismatch            StopReason = "PrimaryKeyIndexMismatch"
	StopPrimaryKeyMismatch                 StopReason = "PrimaryKeyMismatch"
	StopIndexCreationMismatch              StopReason = "IndexCreationMismatch"
	StopDocumentOperationWithSettings      StopReason = "DocumentOperationWithSettings"
	StopDeletionByFilterWithDocumentOp     StopReason = "DeletionByFilterWithDocumentOperation"
	StopReachedTaskLimit                   StopReason = "ReachedTaskLimit"
)

// Kind is the accumulated batch's tag. It mirrors the original
// implementation's BatchKind enum variants one-to-one.
type Kind string

const (
	KindDocumentClear      Kind = "DocumentClear"
	KindDocumentOperation  Kind = "DocumentOperation"
	KindDocumentEdition    Kind = "DocumentEdition"
	KindDocumentDeletion   Kind = "DocumentDeletion"
	KindClearAndSettings   Kind = "ClearAndSettings"
	KindSettings           Kind = "Settings"
	KindIndexDeletion      Kind = "IndexDeletion"
	KindIndexCreation      Kind = "IndexCreation"
	KindIndexUpdate        Kind = "IndexUpdate"
	KindIndexSwap          Kind = "IndexSwap"
	KindIndexCompaction    Kind = "IndexCompaction"
)

// Batch is the autobatcher's output: which uids go together, tagged with
// the accumulated Kind and why accumulation stopped.
type Batch struct {
	Kind               Kind
	TaskUIDs           []uint64
	// OtherUIDs carries uids absorbed into a ClearAndSettings batch that
	// are not themselves settings tasks (clears/deletes folded in ahead
	// of a settings update).
	OtherUIDs          []uint64
	AllowIndexCreation bool
	PrimaryKey         *string
	IncludesByFilter   bool
	MustCreateIndex    bool
	StopReason         StopReason
}

// classify reduces a task's Kind+Content down to the subset the
// autobatcher cares about, refusing (by panicking, matching the original's
// documented precondition) to classify a global/prioritized kind — callers
// must route those through the priority lanes of spec.md §4.3 before ever
// calling Next.
func classify(t *task.Task) (isClear, isAdd, isDelByFilter, isDelByIDs, isSettings, isEdition bool) {
	switch t.Kind {
	case task.KindDocumentClear:
		return true, false, false, false, false, false
	case task.KindDocumentAdditionOrUpdate:
		return false, true, false, false, false, false
	case task.KindDocumentDeletionByFilter:
		return false, false, true, false, false, false
	case task.KindDocumentDeletion:
		return false, false, false, true, false, false
	case task.KindSettingsUpdate:
		return false, false, false, false, true, false
	case task.KindDocumentEdition:
		return false, false, false, false, false, true
	}
	if t.Kind.IsGlobal() {
		panic("autobatch: classify called with a prioritized/global task kind")
	}
	return
}

// Next walks tasks (already filtered to one index_uid and in arrival
// order) and returns the next Batch to run, plus the remaining unbatched
// tasks. indexExists and currentPrimaryKey describe the target index's
// state at the moment batching starts.
//
// Next implements exactly the compatibility matrix of spec.md §4.3: rows
// are the kind accumulated so far, columns are the next task's kind, C
// continues accumulation and B breaks (emitting the batch built so far
// without consuming the breaking task).
func Next(tasks []*task.Task, indexExists bool, currentPrimaryKey *string) (*Batch, []*task.Task) {
	if len(tasks) == 0 {
		return nil, tasks
	}

	first := tasks[0]

	if first.Kind == task.KindIndexDeletion {
		return absorbIndexDeletion(tasks)
	}
	if singleton, ok := singletonKind(first.Kind); ok {
		return &Batch{Kind: singleton, TaskUIDs: []uint64{first.UID}}, tasks[1:]
	}

	isClear, isAdd, isDelByFilter, isDelByIDs, isSettings, isEdition := classify(first)

	var batch *Batch
	var rest []*task.Task
	switch {
	case isEdition:
		return &Batch{Kind: KindDocumentEdition, TaskUIDs: []uint64{first.UID}}, tasks[1:]
	case isClear:
		batch, rest = accumulateFromClear(tasks, indexExists, currentPrimaryKey)
	case isAdd:
		batch, rest = accumulateFromAdd(tasks, indexExists, currentPrimaryKey)
	case isDelByIDs:
		batch, rest = accumulateFromDeleteIDs(tasks, indexExists, currentPrimaryKey)
	case isDelByFilter:
		batch, rest = accumulateFromDeleteFilter(tasks, indexExists, currentPrimaryKey)
	case isSettings:
		batch, rest = accumulateFromSettings(tasks, indexExists, currentPrimaryKey)
	default:
		return &Batch{Kind: KindDocumentClear, TaskUIDs: []uint64{first.UID}}, tasks[1:]
	}

	// An IndexDeletion right after the accumulated run absorbs it and
	// terminates the batch.
	if len(rest) > 0 && rest[0].Kind == task.KindIndexDeletion {
		uids := append(append(batch.TaskUIDs, batch.OtherUIDs...), rest[0].UID)
		return &Batch{Kind: KindIndexDeletion, TaskUIDs: uids, StopReason: StopIndexDeletion}, rest[1:]
	}
	return batch, rest
}

func singletonKind(k task.Kind) (Kind, bool) {
	switch k {
	case task.KindIndexCreation:
		return KindIndexCreation, true
	case task.KindIndexUpdate:
		return KindIndexUpdate, true
	case task.KindIndexSwap:
		return KindIndexSwap, true
	case task.KindIndexCompaction:
		return KindIndexCompaction, true
	}
	return "", false
}

// absorbIndexDeletion folds every already-accumulable document/settings
// task ahead of (and including) the first IndexDeletion into one batch
// that terminates there — an IndexDeletion absorbs pending work rather
// than being blocked by it (spec.md §4.3).
func absorbIndexDeletion(tasks []*task.Task) (*Batch, []*task.Task) {
	var uids []uint64
	i := 0
	for ; i < len(tasks); i++ {
		t := tasks[i]
		if t.Kind != task.KindIndexDeletion {
			isClear, isAdd, isDelByFilter, isDelByIDs, isSettings, isEdition := classify(t)
			if !(isClear || isAdd || isDelByFilter || isDelByIDs || isSettings || isEdition) {
				break
			}
		}
		uids = append(uids, t.UID)
		if t.Kind == task.KindIndexDeletion {
			i++
			break
		}
	}
	return &Batch{Kind: KindIndexDeletion, TaskUIDs: uids, StopReason: StopIndexDeletion}, tasks[i:]
}

func primaryKeyOf(t *task.Task) *string {
	return t.Content.PrimaryKey
}

func pkMismatch(batchPK, taskPK *string) bool {
	if batchPK == nil || taskPK == nil {
		return false
	}
	return *batchPK != *taskPK
}

func accumulateFromClear(tasks []*task.Task, indexExists bool, currentPK *string) (*Batch, []*task.Task) {
	uids := []uint64{tasks[0].UID}
	i := 1
	for ; i < len(tasks); i++ {
		t := tasks[i]
		isClear, isAdd, isDelByFilter, isDelByIDs, isSettings, _ := classify(t)
		switch {
		case isClear, isDelByIDs, isDelByFilter:
			uids = append(uids, t.UID)
		case isSettings:
			return &Batch{Kind: KindDocumentClear, TaskUIDs: uids, StopReason: StopDocumentOperationWithSettings}, tasks[i:]
		case isAdd:
			return &Batch{Kind: KindDocumentClear, TaskUIDs: uids, StopReason: StopTaskCannotBeBatched}, tasks[i:]
		default:
			return &Batch{Kind: KindDocumentClear, TaskUIDs: uids, StopReason: StopTaskCannotBeBatched}, tasks[i:]
		}
	}
	return &Batch{Kind: KindDocumentClear, TaskUIDs: uids}, tasks[i:]
}

func accumulateFromAdd(tasks []*task.Task, indexExists bool, currentPK *string) (*Batch, []*task.Task) {
	first := tasks[0]
	batchPK := primaryKeyOf(first)
	if batchPK == nil {
		batchPK = currentPK
	}
	uids := []uint64{first.UID}
	allowCreate := first.Content.AllowIndexCreation
	mustCreate := !indexExists && allowCreate
	i := 1
	for ; i < len(tasks); i++ {
		t := tasks[i]
		isClear, isAdd, isDelByFilter, isDelByIDs, isSettings, _ := classify(t)
		switch {
		case isClear, isDelByIDs:
			uids = append(uids, t.UID)
		case isAdd:
			taskPK := primaryKeyOf(t)
			if pkMismatch(batchPK, taskPK) {
				return &Batch{Kind: KindDocumentOperation, TaskUIDs: uids, AllowIndexCreation: allowCreate,
					PrimaryKey: batchPK, MustCreateIndex: mustCreate,
					StopReason: StopPrimaryKeyMismatch}, tasks[i:]
			}
			if currentPK != nil && taskPK != nil && *currentPK != *taskPK {
				return &Batch{Kind: KindDocumentOperation, TaskUIDs: uids, AllowIndexCreation: allowCreate,
					PrimaryKey: batchPK, MustCreateIndex: mustCreate,
					StopReason: StopPrimaryKeyIndexMismatch}, tasks[i:]
			}
			if taskPK != nil {
				batchPK = taskPK
			}
			uids = append(uids, t.UID)
		case isDelByFilter, isSettings:
			return &Batch{Kind: KindDocumentOperation, TaskUIDs: uids, AllowIndexCreation: allowCreate,
				PrimaryKey: batchPK, MustCreateIndex: mustCreate,
				StopReason: StopDocumentOperationWithSettings}, tasks[i:]
		default:
			return &Batch{Kind: KindDocumentOperation, TaskUIDs: uids, AllowIndexCreation: allowCreate,
				PrimaryKey: batchPK, MustCreateIndex: mustCreate,
				StopReason: StopTaskCannotBeBatched}, tasks[i:]
		}
	}
	return &Batch{Kind: KindDocumentOperation, TaskUIDs: uids, AllowIndexCreation: allowCreate,
		PrimaryKey: batchPK, MustCreateIndex: mustCreate}, tasks[i:]
}

func accumulateFromDeleteIDs(tasks []*task.Task, indexExists bool, currentPK *string) (*Batch, []*task.Task) {
	uids := []uint64{tasks[0].UID}
	i := 1
	for ; i < len(tasks); i++ {
		t := tasks[i]
		isClear, isAdd, isDelByFilter, isDelByIDs, isSettings, _ := classify(t)
		switch {
		case isClear, isDelByIDs, isDelByFilter:
			uids = append(uids, t.UID)
		case isAdd:
			// (**) break if this batch cannot create an index but the
			// next task would need one and the index does not exist.
			if !indexExists && t.Content.AllowIndexCreation {
				return &Batch{Kind: KindDocumentDeletion, TaskUIDs: uids,
					StopReason: StopIndexCreationMismatch}, tasks[i:]
			}
			uids = append(uids, t.UID)
		case isSettings:
			return &Batch{Kind: KindDocumentDeletion, TaskUIDs: uids,
				StopReason: StopDocumentOperationWithSettings}, tasks[i:]
		default:
			return &Batch{Kind: KindDocumentDeletion, TaskUIDs: uids,
				StopReason: StopTaskCannotBeBatched}, tasks[i:]
		}
	}
	return &Batch{Kind: KindDocumentDeletion, TaskUIDs: uids}, tasks[i:]
}

func accumulateFromDeleteFilter(tasks []*task.Task, indexExists bool, currentPK *string) (*Batch, []*task.Task) {
	uids := []uint64{tasks[0].UID}
	includesByFilter := true
	i := 1
	for ; i < len(tasks); i++ {
		t := tasks[i]
		isClear, isAdd, isDelByFilter, isDelByIDs, isSettings, _ := classify(t)
		switch {
		case isClear, isDelByIDs, isDelByFilter:
			uids = append(uids, t.UID)
		case isAdd:
			return &Batch{Kind: KindDocumentDeletion, TaskUIDs: uids, IncludesByFilter: includesByFilter,
				StopReason: StopDeletionByFilterWithDocumentOp}, tasks[i:]
		case isSettings:
			return &Batch{Kind: KindDocumentDeletion, TaskUIDs: uids, IncludesByFilter: includesByFilter,
				StopReason: StopDocumentOperationWithSettings}, tasks[i:]
		default:
			return &Batch{Kind: KindDocumentDeletion, TaskUIDs: uids, IncludesByFilter: includesByFilter,
				StopReason: StopTaskCannotBeBatched}, tasks[i:]
		}
	}
	return &Batch{Kind: KindDocumentDeletion, TaskUIDs: uids, IncludesByFilter: includesByFilter}, tasks[i:]
}

func accumulateFromSettings(tasks []*task.Task, indexExists bool, currentPK *string) (*Batch, []*task.Task) {
	first := tasks[0]
	allowCreate := first.Content.AllowIndexCreation && !first.Content.IsDeletion
	settingsUIDs := []uint64{first.UID}
	i := 1
	for ; i < len(tasks); i++ {
		t := tasks[i]
		_, _, _, _, isSettings, _ := classify(t)
		if !isSettings {
			break
		}
		settingsUIDs = append(settingsUIDs, t.UID)
	}

	if i < len(tasks) {
		if isClear, _, _, _, _, _ := classify(tasks[i]); isClear {
			return accumulateClearIntoSettings(tasks, i, settingsUIDs, allowCreate, indexExists)
		}
	}

	reason := StopReason("")
	if i < len(tasks) {
		reason = StopDocumentOperationWithSettings
	}
	return &Batch{Kind: KindSettings, TaskUIDs: settingsUIDs, AllowIndexCreation: allowCreate,
		MustCreateIndex: !indexExists && allowCreate, StopReason: reason}, tasks[i:]
}

// accumulateClearIntoSettings folds a Clear that follows an accumulated
// Settings run into a ClearAndSettings batch, then keeps accumulating
// per the "ClearAndSettings" row of the compatibility matrix: further
// clears/deletions go into OtherUIDs, further Settings tasks extend
// settingsUIDs, and a document operation or anything else breaks.
func accumulateClearIntoSettings(tasks []*task.Task, start int, settingsUIDs []uint64, allowCreate, indexExists bool) (*Batch, []*task.Task) {
	other := []uint64{tasks[start].UID}
	i := start + 1
	for ; i < len(tasks); i++ {
		t := tasks[i]
		isClear, isAdd, isDelByFilter, isDelByIDs, isSettings, _ := classify(t)
		switch {
		case isClear, isDelByIDs, isDelByFilter:
			other = append(other, t.UID)
		case isSettings:
			settingsUIDs = append(settingsUIDs, t.UID)
		case isAdd:
			return &Batch{Kind: KindClearAndSettings, TaskUIDs: settingsUIDs, OtherUIDs: other,
				AllowIndexCreation: allowCreate, MustCreateIndex: !indexExists && allowCreate,
				StopReason: StopDocumentOperationWithSettings}, tasks[i:]
		default:
			return &Batch{Kind: KindClearAndSettings, TaskUIDs: settingsUIDs, OtherUIDs: other,
				AllowIndexCreation: allowCreate, MustCreateIndex: !indexExists && allowCreate,
				StopReason: StopTaskCannotBeBatched}, tasks[i:]
		}
	}
	return &Batch{Kind: KindClearAndSettings, TaskUIDs: settingsUIDs, OtherUIDs: other,
		AllowIndexCreation: allowCreate, MustCreateIndex: !indexExists && allowCreate}, tasks[i:]
}
