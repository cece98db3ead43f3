// Package scheduler implements the single-writer processing loop of
// spec.md §5: one goroutine pops the next autobatched group of tasks for
// one index, runs it to completion, commits the resulting task statuses,
// and wakes back up. It owns no knowledge of how a batch is actually
// applied to an index — that is the Processor the caller supplies — and
// instead concerns itself with selection, sequencing, cancellation and
// bookkeeping.
//
// The run loop's shape — a single goroutine draining a command channel
// with select, replying synchronously on a per-command channel, and
// signalling async events to a separate listener channel — is grounded on
// the teacher's supervisor pattern (secondary/indexer/storage_manager.go's
// run(): a supvCmdch for commands, a supvRespch for async notifications).
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/latticedb/lattice/internal/autobatch"
	"github.com/latticedb/lattice/internal/errors"
	"github.com/latticedb/lattice/internal/logging"
	"github.com/latticedb/lattice/internal/task"
)

// Processor applies one autobatched group of tasks to the named index and
// reports a per-task outcome. Implementations live above this package
// (internal/index ultimately backs it); Processor never sees queue
// internals, only the Batch and the hydrated Task records it names.
type Processor interface {
	// Process runs batch against indexUID (empty for the global kinds
	// runGlobal delegates: dumps, snapshots, upgrades and exports). ctx is canceled if the
	// scheduler is asked to shut down while this call is outstanding;
	// Process should also poll Cancellation.Stopped for individual task
	// uids it is about to apply, skipping ones already flagged canceled.
	Process(ctx context.Context, indexUID string, batch *autobatch.Batch, tasks []*task.Task, cancel *Cancellation) (Outcome, error)
}

// Outcome is what a Processor reports for each task uid it touched.
type Outcome struct {
	Succeeded map[uint64]map[string]interface{} // uid -> details
	Failed    map[uint64]*task.TaskError
	Canceled  []uint64
}

// Cancellation is the cooperative, polled cancellation flag set
// (spec.md §5 "Cancellation is cooperative, never preemptive": a
// TaskCancelation task sets a flag; the running batch's Processor polls
// it between documents/segments and stops early, it is never interrupted
// mid-instruction).
type Cancellation struct {
	mu      sync.Mutex
	stopped map[uint64]bool
}

func newCancellation() *Cancellation {
	return &Cancellation{stopped: make(map[uint64]bool)}
}

// Stopped reports whether uid has been asked to cancel.
func (c *Cancellation) Stopped(uid uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped[uid]
}

func (c *Cancellation) mark(uids ...uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range uids {
		c.stopped[u] = true
	}
}

// globalKinds is the priority lane of spec.md §4.3/§5: these task kinds
// are not scoped to an index and are always serviced ahead of per-index
// batching, in globalPrecedence order (oldest uid first within a kind).
var globalKinds = map[task.Kind]bool{
	task.KindTaskCancelation:  true,
	task.KindTaskDeletion:     true,
	task.KindDumpCreation:     true,
	task.KindSnapshotCreation: true,
	task.KindUpgradeDatabase:  true,
	task.KindExport:           true,
}

// IndexState answers the two questions the autobatcher needs about an
// index's current state (spec.md §4.3) without exposing anything else
// about it to this package.
type IndexState interface {
	Exists(indexUID string) bool
	PrimaryKey(indexUID string) *string
}

// Scheduler drives the tick -> select batch -> process -> commit -> notify
// loop of spec.md §5.
type Scheduler struct {
	queue     *task.Queue
	processor Processor
	indexes   IndexState

	tickInterval time.Duration
	scanLimit    int

	cancel     *Cancellation
	stopCh     chan struct{}
	wakeCh     chan struct{}
	doneCh     chan struct{}
	events     chan Event

	mu                 sync.Mutex
	currentlyUpdating  string // index_uid of the batch presently in flight, "" if idle
	running            bool
}

// Event is an async notification emitted as tasks reach terminal states,
// the scheduler's equivalent of the teacher's supvRespch messages.
type Event struct {
	Kind    string // "batch-started" | "batch-finished" | "task-finished"
	IndexUID string
	TaskUIDs []uint64
}

// Options configures a Scheduler.
type Options struct {
	TickInterval time.Duration // how often to poll for newly enqueued work
	ScanLimit    int           // max enqueued tasks to consider per tick
}

// New constructs a Scheduler. Call Start to begin the processing loop.
func New(q *task.Queue, processor Processor, indexes IndexState, opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 200 * time.Millisecond
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = 1000
	}
	return &Scheduler{
		queue:        q,
		processor:    processor,
		indexes:      indexes,
		tickInterval: opts.TickInterval,
		scanLimit:    opts.ScanLimit,
		cancel:       newCancellation(),
		stopCh:       make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
		events:       make(chan Event, 64),
	}
}

// Events returns the channel of async batch/task lifecycle notifications.
// Callers (e.g. a webhook dispatcher) should drain it; the scheduler drops
// events rather than blocking if the buffer fills.
func (s *Scheduler) Events() <-chan Event { return s.events }

// Start launches the single background goroutine that runs the loop.
// Only one may run at a time per Scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.run()
}

// Stop signals the loop to exit after its current batch, if any, finishes,
// and blocks until it has.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Wake nudges the loop to check for new work immediately rather than
// waiting out the rest of its tick interval — called after Enqueue.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// CurrentlyUpdating reports the index_uid presently being written by the
// scheduler, if any — the hint spec.md §9 asks the search path to consult
// so a query against an index mid-batch can choose to wait for the
// writer's own snapshot rather than racing a stale read (supplemented
// from the original implementation's `currently_updating_index`).
func (s *Scheduler) CurrentlyUpdating() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentlyUpdating, s.currentlyUpdating != ""
}

func (s *Scheduler) setCurrentlyUpdating(uid string) {
	s.mu.Lock()
	s.currentlyUpdating = uid
	s.mu.Unlock()
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		case <-s.wakeCh:
			s.tick()
		}
	}
}

// tick runs at most one batch to completion. It is intentionally
// synchronous and sequential — spec.md §5's single-writer invariant means
// there is never more than one batch in flight across the whole process.
func (s *Scheduler) tick() {
	enqueued, err := s.queue.List(task.Filter{Statuses: []task.Status{task.StatusEnqueued}, Limit: s.scanLimit})
	if err != nil {
		logging.Errorf("scheduler: list enqueued tasks: %v", err)
		return
	}
	if len(enqueued) == 0 {
		return
	}
	sort.Slice(enqueued, func(i, j int) bool { return enqueued[i].UID < enqueued[j].UID })

	if global := firstGlobal(enqueued); global != nil {
		s.runGlobal(global)
		return
	}

	byIndex := groupByIndex(enqueued)
	if len(byIndex) == 0 {
		return
	}
	// Deterministic, fair order: the index holding the oldest enqueued
	// task goes first, matching arrival order across indexes too.
	indexUID := oldestIndex(byIndex)
	s.runIndexBatch(indexUID, byIndex[indexUID])
}

// globalPrecedence ranks the prioritized kinds per spec.md §4.3: upgrade >
// task-cancellation > task-deletion > snapshot/dump/export. Lower wins.
func globalPrecedence(k task.Kind) int {
	switch k {
	case task.KindUpgradeDatabase:
		return 0
	case task.KindTaskCancelation:
		return 1
	case task.KindTaskDeletion:
		return 2
	case task.KindSnapshotCreation, task.KindDumpCreation, task.KindExport:
		return 3
	}
	return 4
}

// firstGlobal picks the prioritized task due to run next: highest kind
// precedence first, oldest uid as a tiebreak within the same kind — not
// pure FIFO across kinds, since a newer upgrade must still preempt an
// older snapshot.
func firstGlobal(tasks []*task.Task) *task.Task {
	var best *task.Task
	bestRank := -1
	for _, t := range tasks {
		if !t.Kind.IsGlobal() {
			continue
		}
		rank := globalPrecedence(t.Kind)
		if best == nil || rank < bestRank || (rank == bestRank && t.UID < best.UID) {
			best = t
			bestRank = rank
		}
	}
	return best
}

func groupByIndex(tasks []*task.Task) map[string][]*task.Task {
	byIndex := make(map[string][]*task.Task)
	for _, t := range tasks {
		if t.Kind.IsGlobal() || t.IndexUID == nil {
			continue
		}
		byIndex[*t.IndexUID] = append(byIndex[*t.IndexUID], t)
	}
	return byIndex
}

func oldestIndex(byIndex map[string][]*task.Task) string {
	best := ""
	var bestUID uint64
	first := true
	for idx, tasks := range byIndex {
		if first || tasks[0].UID < bestUID {
			best = idx
			bestUID = tasks[0].UID
			first = false
		}
	}
	return best
}

// runGlobal services one priority-lane task directly: cancellation and
// task-queue deletion are pure queue operations handled inline; dumps,
// snapshots, upgrades and exports are delegated to the Processor like any
// other batch, just with a nil indexUID and a single-task Batch.
func (s *Scheduler) runGlobal(t *task.Task) {
	switch t.Kind {
	case task.KindTaskCancelation:
		s.runCancelation(t)
	case task.KindTaskDeletion:
		s.runTaskDeletion(t)
	default:
		batch := &autobatch.Batch{Kind: autobatch.Kind(string(t.Kind)), TaskUIDs: []uint64{t.UID}}
		s.execute("", batch, []*task.Task{t})
	}
}

func (s *Scheduler) runCancelation(t *task.Task) {
	if _, err := s.queue.Transition(t.UID, task.StatusProcessing, nil, nil); err != nil {
		logging.Errorf("scheduler: begin cancelation task %d: %v", t.UID, err)
		return
	}
	targets := parseUIDList(t.Content.Filter)
	s.cancel.mark(targets...)
	canceled := 0
	for _, uid := range targets {
		ct, err := s.queue.MarkCanceled(uid, t.UID)
		if err != nil {
			logging.Errorf("scheduler: cancel task %d: %v", uid, err)
			continue
		}
		if ct != nil {
			canceled++
		}
	}
	details := map[string]interface{}{"matchedTasks": len(targets), "canceledTasks": canceled}
	if _, err := s.queue.Transition(t.UID, task.StatusSucceeded, nil, details); err != nil {
		logging.Errorf("scheduler: finish cancelation task %d: %v", t.UID, err)
	}
	s.emit(Event{Kind: "task-finished", TaskUIDs: []uint64{t.UID}})
}

func (s *Scheduler) runTaskDeletion(t *task.Task) {
	if _, err := s.queue.Transition(t.UID, task.StatusProcessing, nil, nil); err != nil {
		logging.Errorf("scheduler: begin deletion task %d: %v", t.UID, err)
		return
	}
	targets := parseUIDList(t.Content.Filter)
	n, err := s.queue.Delete(targets, nil)
	var taskErr *task.TaskError
	status := task.StatusSucceeded
	details := map[string]interface{}{"deletedTasks": n}
	if err != nil {
		status = task.StatusFailed
		taskErr = toTaskError(err)
	}
	if _, err := s.queue.Transition(t.UID, status, taskErr, details); err != nil {
		logging.Errorf("scheduler: finish deletion task %d: %v", t.UID, err)
	}
	s.emit(Event{Kind: "task-finished", TaskUIDs: []uint64{t.UID}})
}

// runIndexBatch selects and executes the next autobatched group for one
// index. It runs one batch per call; the index's remaining tasks wait for
// a later tick.
func (s *Scheduler) runIndexBatch(indexUID string, tasks []*task.Task) {
	exists := s.indexes.Exists(indexUID)
	pk := s.indexes.PrimaryKey(indexUID)
	batch, _ := autobatch.Next(tasks, exists, pk)
	if batch == nil {
		return
	}
	all := append(append([]uint64{}, batch.TaskUIDs...), batch.OtherUIDs...)
	hydrated := make([]*task.Task, 0, len(all))
	for _, uid := range all {
		for _, t := range tasks {
			if t.UID == uid {
				hydrated = append(hydrated, t)
				break
			}
		}
	}
	s.execute(indexUID, batch, hydrated)
}

// execute transitions every task in the batch to Processing, runs the
// Processor, then commits the reported outcome — the "process -> commit"
// half of spec.md §5's loop. A Processor error fails every task in the
// batch uniformly; a Processor returning an Outcome can fail/succeed/
// cancel individual uids within it (e.g. one malformed document among
// many in a DocumentAdditionOrUpdate).
func (s *Scheduler) execute(indexUID string, batch *autobatch.Batch, tasks []*task.Task) {
	if indexUID != "" {
		s.setCurrentlyUpdating(indexUID)
		defer s.setCurrentlyUpdating("")
	}

	all := make([]uint64, 0, len(tasks))
	for _, t := range tasks {
		if s.cancel.Stopped(t.UID) {
			continue
		}
		if _, err := s.queue.Transition(t.UID, task.StatusProcessing, nil, nil); err != nil {
			logging.Errorf("scheduler: begin task %d: %v", t.UID, err)
			continue
		}
		all = append(all, t.UID)
	}
	s.emit(Event{Kind: "batch-started", IndexUID: indexUID, TaskUIDs: all})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() {
		select {
		case <-s.stopCh:
			stop()
		case <-ctx.Done():
		}
	}()

	outcome, err := s.processor.Process(ctx, indexUID, batch, tasks, s.cancel)
	if err != nil {
		taskErr := toTaskError(err)
		for _, uid := range all {
			if _, e := s.queue.Transition(uid, task.StatusFailed, taskErr, nil); e != nil {
				logging.Errorf("scheduler: fail task %d: %v", uid, e)
			}
		}
		s.emit(Event{Kind: "batch-finished", IndexUID: indexUID, TaskUIDs: all})
		return
	}

	for uid, details := range outcome.Succeeded {
		if _, e := s.queue.Transition(uid, task.StatusSucceeded, nil, details); e != nil {
			logging.Errorf("scheduler: succeed task %d: %v", uid, e)
		}
	}
	for uid, taskErr := range outcome.Failed {
		if _, e := s.queue.Transition(uid, task.StatusFailed, taskErr, nil); e != nil {
			logging.Errorf("scheduler: fail task %d: %v", uid, e)
		}
	}
	for _, uid := range outcome.Canceled {
		if _, e := s.queue.MarkCanceled(uid, uid); e != nil {
			logging.Errorf("scheduler: cancel task %d: %v", uid, e)
		}
	}
	s.emit(Event{Kind: "batch-finished", IndexUID: indexUID, TaskUIDs: all})
}

func (s *Scheduler) emit(e Event) {
	select {
	case s.events <- e:
	default:
		logging.Warnf("scheduler: event buffer full, dropping %s event for index %q", e.Kind, e.IndexUID)
	}
}

func toTaskError(err error) *task.TaskError {
	le, ok := err.(*errors.Error)
	if !ok {
		le = errors.Wrap(errors.CodeInternal, err, "%v", err)
	}
	return &task.TaskError{
		Code:    string(le.Code),
		Message: le.Error(),
		Type:    string(le.Type()),
		Link:    le.Link(),
	}
}

// parseUIDList interprets a TaskCancelation/TaskDeletion task's Filter
// field as the resolved list of target uids; the scheduler stores the
// filter's already-evaluated match set at enqueue time rather than
// re-evaluating a task filter expression mid-run, so a cancelation
// targets exactly the tasks that matched when it was submitted.
func parseUIDList(encoded string) []uint64 {
	if encoded == "" {
		return nil
	}
	var uids []uint64
	var cur uint64
	has := false
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		switch {
		case c >= '0' && c <= '9':
			cur = cur*10 + uint64(c-'0')
			has = true
		case c == ',':
			if has {
				uids = append(uids, cur)
			}
			cur, has = 0, false
		}
	}
	if has {
		uids = append(uids, cur)
	}
	return uids
}
