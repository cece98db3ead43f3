package task

import (
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/latticedb/lattice/internal/bitmap"
	"github.com/latticedb/lattice/internal/errors"
	"github.com/latticedb/lattice/internal/kvstore"
	"github.com/latticedb/lattice/internal/logging"
)

const (
	tablePrimary   = "tasks"
	tableByStatus  = "idx_status"
	tableByKind    = "idx_kind"
	tableByIndex   = "idx_index_uid"
	tableByCancel  = "idx_canceled_by"
	tableByEnqDate = "idx_enqueued_date"
)

// Queue is the persistent, transactional task log of spec.md §4.1. All
// operations are transactional against the store; no operation here scans
// the primary table to answer a filter — every filter query intersects
// the relevant secondary bitmaps first and only then hydrates the matching
// rows, as spec.md §4.1 requires ("no table scan is permitted").
type Queue struct {
	store  *kvstore.Store
	nextUID uint64 // guarded by mu
	mu      sync.Mutex
}

// Open opens (creating if absent) the task queue's backing store at path
// and recovers nextUID from the highest persisted task uid.
func Open(path string) (*Queue, error) {
	store, err := kvstore.Open(path, kvstore.Options{})
	if err != nil {
		return nil, err
	}
	q := &Queue{store: store}
	if err := q.recoverNextUID(); err != nil {
		store.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) Close() error { return q.store.Close() }

func (q *Queue) recoverNextUID() error {
	var max uint64
	err := q.store.View(func(tx *kvstore.Tx) error {
		primary, err := tx.Table(tablePrimary)
		if err != nil {
			return err
		}
		return primary.ForEach(func(key, value []byte) error {
			uid := binary.BigEndian.Uint64(key)
			if uid > max {
				max = uid
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	atomic.StoreUint64(&q.nextUID, max+1)
	return nil
}

func uidKey(uid uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uid)
	return b
}

// Enqueue persists a new Task in status Enqueued and returns it. Validation
// errors (malformed payload, quota, disk full — spec.md §4.1 "Failure
// semantics") must be caught by the caller before calling Enqueue; once a
// task is enqueued it will always eventually reach a terminal status,
// never silently vanish.
func (q *Queue) Enqueue(kind Kind, indexUID *string, content KindContent, customMetadata map[string]string) (*Task, error) {
	q.mu.Lock()
	uid := q.nextUID
	q.nextUID++
	q.mu.Unlock()

	t := &Task{
		UID:            uid,
		IndexUID:       indexUID,
		Status:         StatusEnqueued,
		Kind:           kind,
		Content:        content,
		EnqueuedAt:     time.Now().UTC(),
		CustomMetadata: customMetadata,
	}

	if err := q.store.Update(func(tx *kvstore.Tx) error {
		return q.putTask(tx, t, nil)
	}); err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "enqueue task")
	}
	logging.Infof("task: enqueued uid=%d kind=%s index=%v", t.UID, t.Kind, t.IndexUID)
	return t, nil
}

// putTask writes t into the primary table and updates every secondary
// index. If prev is non-nil, prev's stale index entries are removed first
// — this is how a status transition moves a task's uid from one status
// bitmap to another inside the same transaction.
func (q *Queue) putTask(tx *kvstore.Tx, t *Task, prev *Task) error {
	primary, err := tx.Table(tablePrimary)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := primary.Put(uidKey(t.UID), blob); err != nil {
		return err
	}

	if prev != nil {
		if err := q.removeFromBitmapIndex(tx, tableByStatus, string(prev.Status), t.UID); err != nil {
			return err
		}
	}
	if err := q.addToBitmapIndex(tx, tableByStatus, string(t.Status), t.UID); err != nil {
		return err
	}

	if prev == nil {
		if err := q.addToBitmapIndex(tx, tableByKind, string(t.Kind), t.UID); err != nil {
			return err
		}
		if t.IndexUID != nil {
			if err := q.addToBitmapIndex(tx, tableByIndex, *t.IndexUID, t.UID); err != nil {
				return err
			}
		}
		if err := q.addToBitmapIndex(tx, tableByEnqDate, dateBucket(t.EnqueuedAt), t.UID); err != nil {
			return err
		}
	}

	if t.CanceledBy != nil && (prev == nil || prev.CanceledBy == nil) {
		canceledByKey := uidKey(*t.CanceledBy)
		if err := q.addToBitmapIndex(tx, tableByCancel, string(canceledByKey), t.UID); err != nil {
			return err
		}
	}

	return nil
}

func (q *Queue) addToBitmapIndex(tx *kvstore.Tx, table, key string, uid uint64) error {
	idx, err := tx.Table(table)
	if err != nil {
		return err
	}
	bm := bitmap.New()
	raw, err := idx.Get([]byte(key))
	if err != nil {
		return err
	}
	if raw != nil {
		if err := bm.UnmarshalBinary(raw); err != nil {
			return err
		}
	}
	bm.Add(uint32(uid))
	enc, err := bm.MarshalBinary()
	if err != nil {
		return err
	}
	return idx.Put([]byte(key), enc)
}

func (q *Queue) removeFromBitmapIndex(tx *kvstore.Tx, table, key string, uid uint64) error {
	idx, err := tx.Table(table)
	if err != nil {
		return err
	}
	raw, err := idx.Get([]byte(key))
	if err != nil || raw == nil {
		return err
	}
	bm := bitmap.New()
	if err := bm.UnmarshalBinary(raw); err != nil {
		return err
	}
	bm.Remove(uint32(uid))
	enc, err := bm.MarshalBinary()
	if err != nil {
		return err
	}
	return idx.Put([]byte(key), enc)
}

func (q *Queue) readBitmapIndex(tx *kvstore.Tx, table, key string) (*bitmap.Bitmap, error) {
	idx, err := tx.Table(table)
	if err != nil {
		return nil, err
	}
	raw, err := idx.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	bm := bitmap.New()
	if raw != nil {
		if err := bm.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
	}
	return bm, nil
}

func (q *Queue) getTaskTx(tx *kvstore.Tx, uid uint64) (*Task, error) {
	primary, err := tx.Table(tablePrimary)
	if err != nil {
		return nil, err
	}
	raw, err := primary.Get(uidKey(uid))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Get retrieves a single task by uid, or (nil, nil) if it does not exist.
func (q *Queue) Get(uid uint64) (*Task, error) {
	var t *Task
	err := q.store.View(func(tx *kvstore.Tx) error {
		var err error
		t, err = q.getTaskTx(tx, uid)
		return err
	})
	return t, err
}

// Transition moves a task to a new status, enforcing the monotonic lattice
// (spec.md §3, invariant 1) and stamping started_at/finished_at as
// appropriate. It is the only way task state changes after Enqueue, and is
// only ever called by the scheduler (spec.md §4.1: "mutated only by
// scheduler").
func (q *Queue) Transition(uid uint64, to Status, taskErr *TaskError, details map[string]interface{}) (*Task, error) {
	var updated *Task
	err := q.store.Update(func(tx *kvstore.Tx) error {
		prev, err := q.getTaskTx(tx, uid)
		if err != nil {
			return err
		}
		if prev == nil {
			return errors.New(errors.CodeTaskNotFound, "task %d not found", uid)
		}
		if !CanTransition(prev.Status, to) {
			return errors.New(errors.CodeCorruptedTaskQueue,
				"illegal task transition %s -> %s for uid=%d", prev.Status, to, uid)
		}
		next := *prev
		next.Status = to
		now := time.Now().UTC()
		if to == StatusProcessing {
			next.StartedAt = &now
		}
		if to.Terminal() {
			next.FinishedAt = &now
			if next.StartedAt == nil {
				next.StartedAt = &now
			}
		}
		if taskErr != nil {
			next.Error = taskErr
		}
		if details != nil {
			next.Details = details
		}
		updated = &next
		return q.putTask(tx, &next, prev)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkCanceled transitions uid to Canceled and records canceledBy, the
// effect a processed TaskCancelation has on each of its targets (spec.md
// §4.1 "Cancellation & deletion").
func (q *Queue) MarkCanceled(uid uint64, canceledBy uint64) (*Task, error) {
	var updated *Task
	err := q.store.Update(func(tx *kvstore.Tx) error {
		prev, err := q.getTaskTx(tx, uid)
		if err != nil {
			return err
		}
		if prev == nil || prev.Status.Terminal() {
			return nil // only non-terminal tasks may be canceled (spec.md §4.1)
		}
		next := *prev
		next.Status = StatusCanceled
		now := time.Now().UTC()
		next.FinishedAt = &now
		if next.StartedAt == nil {
			next.StartedAt = &now
		}
		next.CanceledBy = &canceledBy
		updated = &next
		return q.putTask(tx, &next, prev)
	})
	return updated, err
}

// Filter selects tasks by any combination of the criteria spec.md §6's
// GET /tasks exposes. Zero-value fields mean "no constraint" on that
// dimension.
type Filter struct {
	UIDs        []uint64
	Statuses    []Status
	Kinds       []Kind
	IndexUIDs   []string
	CanceledBy  []uint64
	AfterDate   *time.Time // inclusive, compared to EnqueuedAt
	BeforeDate  *time.Time // exclusive, compared to EnqueuedAt
	Limit       int
	From        *uint64 // pagination cursor: uid to start at, descending
}

// List answers Filter by intersecting secondary bitmaps, then hydrating
// only the surviving uids. A Filter with no bitmap-backed field instead
// lists every uid by walking the primary table.
func (q *Queue) List(f Filter) ([]*Task, error) {
	var results []*Task
	err := q.store.View(func(tx *kvstore.Tx) error {
		universe, hasConstraint, err := q.filterUniverse(tx, f)
		if err != nil {
			return err
		}

		var uids []uint32
		if hasConstraint {
			uids = universe.ToArray()
		} else {
			primary, err := tx.Table(tablePrimary)
			if err != nil {
				return err
			}
			if err := primary.ForEach(func(key, _ []byte) error {
				uids = append(uids, uint32(binary.BigEndian.Uint64(key)))
				return nil
			}); err != nil {
				return err
			}
		}

		// Descending by uid: most recent tasks first, matching the
		// teacher's convention of surfacing the newest activity first.
		sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })

		start := 0
		if f.From != nil {
			for i, u := range uids {
				if uint64(u) <= *f.From {
					start = i
					break
				}
			}
		}
		limit := f.Limit
		if limit <= 0 {
			limit = len(uids)
		}
		for i := start; i < len(uids) && len(results) < limit; i++ {
			t, err := q.getTaskTx(tx, uint64(uids[i]))
			if err != nil {
				return err
			}
			if t == nil {
				continue
			}
			if f.AfterDate != nil && t.EnqueuedAt.Before(*f.AfterDate) {
				continue
			}
			if f.BeforeDate != nil && !t.EnqueuedAt.Before(*f.BeforeDate) {
				continue
			}
			results = append(results, t)
		}
		return nil
	})
	return results, err
}

// filterUniverse intersects every bitmap-backed dimension of f, returning
// the universe of candidate uids and whether any dimension actually
// constrained the set (if none did, callers fall back to a bounded
// full listing rather than treating an empty bitmap as "match nothing").
func (q *Queue) filterUniverse(tx *kvstore.Tx, f Filter) (*bitmap.Bitmap, bool, error) {
	var universe *bitmap.Bitmap
	constrained := false

	intersect := func(bm *bitmap.Bitmap) {
		if universe == nil {
			universe = bm
		} else {
			universe.And(bm)
		}
		constrained = true
	}

	if len(f.UIDs) > 0 {
		bm := bitmap.New()
		for _, u := range f.UIDs {
			bm.Add(uint32(u))
		}
		intersect(bm)
	}
	if len(f.Statuses) > 0 {
		bm := bitmap.New()
		for _, s := range f.Statuses {
			b, err := q.readBitmapIndex(tx, tableByStatus, string(s))
			if err != nil {
				return nil, false, err
			}
			bm.Or(b)
		}
		intersect(bm)
	}
	if len(f.Kinds) > 0 {
		bm := bitmap.New()
		for _, k := range f.Kinds {
			b, err := q.readBitmapIndex(tx, tableByKind, string(k))
			if err != nil {
				return nil, false, err
			}
			bm.Or(b)
		}
		intersect(bm)
	}
	if len(f.IndexUIDs) > 0 {
		bm := bitmap.New()
		for _, iu := range f.IndexUIDs {
			b, err := q.readBitmapIndex(tx, tableByIndex, iu)
			if err != nil {
				return nil, false, err
			}
			bm.Or(b)
		}
		intersect(bm)
	}
	if len(f.CanceledBy) > 0 {
		bm := bitmap.New()
		for _, c := range f.CanceledBy {
			b, err := q.readBitmapIndex(tx, tableByCancel, string(uidKey(c)))
			if err != nil {
				return nil, false, err
			}
			bm.Or(b)
		}
		intersect(bm)
	}
	if f.AfterDate != nil || f.BeforeDate != nil {
		// Date bucket index narrows to the overlapping days; exact
		// boundary filtering happens in List against EnqueuedAt.
		bm := bitmap.New()
		start := time.Time{}
		if f.AfterDate != nil {
			start = *f.AfterDate
		}
		end := time.Now().UTC()
		if f.BeforeDate != nil {
			end = *f.BeforeDate
		}
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			b, err := q.readBitmapIndex(tx, tableByEnqDate, dateBucket(d))
			if err != nil {
				return nil, false, err
			}
			bm.Or(b)
		}
		intersect(bm)
	}

	if universe == nil {
		universe = bitmap.New()
	}
	return universe, constrained, nil
}

// Delete removes the given tasks and their derived secondary-index
// entries. Per spec.md §4.1, a task still referenced by a live (in-flight)
// batch must never be deleted out from under it; callers pass
// referencedByBatch to exclude those uids up front.
func (q *Queue) Delete(uids []uint64, referencedByBatch map[uint64]bool) (int, error) {
	deleted := 0
	err := q.store.Update(func(tx *kvstore.Tx) error {
		primary, err := tx.Table(tablePrimary)
		if err != nil {
			return err
		}
		for _, uid := range uids {
			if referencedByBatch[uid] {
				continue
			}
			t, err := q.getTaskTx(tx, uid)
			if err != nil {
				return err
			}
			if t == nil {
				continue
			}
			if err := q.removeFromBitmapIndex(tx, tableByStatus, string(t.Status), uid); err != nil {
				return err
			}
			if err := q.removeFromBitmapIndex(tx, tableByKind, string(t.Kind), uid); err != nil {
				return err
			}
			if t.IndexUID != nil {
				if err := q.removeFromBitmapIndex(tx, tableByIndex, *t.IndexUID, uid); err != nil {
					return err
				}
			}
			if err := q.removeFromBitmapIndex(tx, tableByEnqDate, dateBucket(t.EnqueuedAt), uid); err != nil {
				return err
			}
			if t.CanceledBy != nil {
				if err := q.removeFromBitmapIndex(tx, tableByCancel, string(uidKey(*t.CanceledBy)), uid); err != nil {
					return err
				}
			}
			if err := primary.Delete(uidKey(uid)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
