// Package indexmapper implements the per-process cache of open index
// handles described in spec.md §4.2: a tri-state (on-disk directory /
// persistent name->UUID mapping / in-memory status) consistency model with
// a bounded-size LRU of opened indexes.
//
// The in-memory map is grounded on the teacher's IndexManager
// (secondary/manager/manager.go), which already separates "repo" (the
// persistent metadata store) from in-memory coordination state behind a
// mutex; this package generalizes that split into the four-state status
// machine (Missing/Available/Closing/BeingDeleted) the original
// implementation's index_mapper/mod.rs documents.
package indexmapper

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/latticedb/lattice/internal/errors"
	"github.com/latticedb/lattice/internal/kvstore"
	"github.com/latticedb/lattice/internal/logging"
)

// Status is the in-memory state of one named index (spec.md §3
// IndexMapEntry, §4.2 "Three-plane consistency").
type Status int

const (
	StatusMissing Status = iota
	StatusAvailable
	StatusClosing
	StatusBeingDeleted
)

func (s Status) String() string {
	switch s {
	case StatusMissing:
		return "Missing"
	case StatusAvailable:
		return "Available"
	case StatusClosing:
		return "Closing"
	case StatusBeingDeleted:
		return "BeingDeleted"
	}
	return "Unknown"
}

// Handle is the opaque reference to an open index's KV environment
// (spec.md §3 IndexHandle). OpenFunc constructs one from a store rooted at
// a UUID-keyed on-disk directory; this package does not know what an
// Index looks like internally — that is internal/index's job.
type Handle struct {
	UUID       uuid.UUID
	Name       string
	Store      *kvstore.Store
	CreatedAt  time.Time
	UpdatedAt  time.Time
	PrimaryKey *string
	MapSize    int64

	readers sync.WaitGroup
}

// AcquireRead registers a reader against this handle; the reader must call
// Release when its read transaction is done. Eviction/resize/delete wait
// for every outstanding reader to Release before closing the handle.
func (h *Handle) AcquireRead() { h.readers.Add(1) }

// Release signals the reader acquired via AcquireRead is done.
func (h *Handle) Release() { h.readers.Done() }

// OpenFunc opens (or creates, if create is true) the on-disk store for the
// index identified by id, sizing its initial mmap at mapSize.
type OpenFunc func(id uuid.UUID, mapSize int64, create bool) (*kvstore.Store, error)

type entry struct {
	status Status
	handle *Handle
	// closing is non-nil only in StatusClosing; closed when the handle's
	// last reader releases and the close has completed.
	closing chan struct{}
}

// Mapper is the per-process cache of open index handles.
type Mapper struct {
	mu      sync.RWMutex // guards the map below; write side required for any transition
	byName  map[string]*entry
	nameOf  map[uuid.UUID]string

	mapping *kvstore.Store // persistent name -> uuid table
	baseDir string
	capacity int
	lru      *lru.Cache[string, struct{}] // tracks recency of Available entries only

	open OpenFunc

	acquireRetries  int
	acquireRetryWait time.Duration

	// currentlyUpdating is the process-wide hint of spec.md §9 "Global
	// state": the name of the index a long-running batch currently holds
	// the writer for, so concurrent searches against that same name can
	// be told to wait rather than racing a stale Missing lookup. Modeled
	// after the original implementation's `currently_updating_index`.
	currentlyUpdating struct {
		sync.RWMutex
		name   string
		handle *Handle
	}
}

const mappingTable = "name_to_uuid"

// Options configures a new Mapper.
type Options struct {
	BaseDir              string
	Capacity             int
	AcquireRetries       int
	AcquireRetryWait     time.Duration
	Open                 OpenFunc
}

// New constructs a Mapper backed by a persistent mapping store at
// baseDir/mapping.db.
func New(opts Options) (*Mapper, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = 500
	}
	if opts.AcquireRetries <= 0 {
		opts.AcquireRetries = 100
	}
	if opts.AcquireRetryWait <= 0 {
		opts.AcquireRetryWait = time.Second
	}
	mappingStore, err := kvstore.Open(filepath.Join(opts.BaseDir, "mapping.db"), kvstore.Options{})
	if err != nil {
		return nil, err
	}
	m := &Mapper{
		byName:           make(map[string]*entry),
		nameOf:           make(map[uuid.UUID]string),
		mapping:          mappingStore,
		baseDir:          opts.BaseDir,
		capacity:         opts.Capacity,
		open:             opts.Open,
		acquireRetries:   opts.AcquireRetries,
		acquireRetryWait: opts.AcquireRetryWait,
	}
	m.lru, err = lru.NewWithEvict[string, struct{}](opts.Capacity, m.onEvict)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// onEvict is the hashicorp/golang-lru eviction callback: when the LRU's
// capacity is exceeded, the least-recently-used Available entry is
// transitioned to Closing (spec.md §4.2 "Eviction"). The LRU calls back
// from inside Add/Remove, which run while m.mu is held, so the transition
// runs on its own goroutine.
func (m *Mapper) onEvict(name string, _ struct{}) {
	go func() {
		m.mu.Lock()
		e, ok := m.byName[name]
		if !ok || e.status != StatusAvailable {
			m.mu.Unlock()
			return
		}
		closing := make(chan struct{})
		handle := e.handle
		e.status = StatusClosing
		e.closing = closing
		m.mu.Unlock()

		m.drainAndClose(name, handle, closing, 0, false)
	}()
}

// drainAndClose waits for every outstanding reader on handle to release,
// closes its store, and either reopens it at a larger map size (when
// growBy > 0, the resize path) or transitions the entry to Missing
// (eviction path).
func (m *Mapper) drainAndClose(name string, handle *Handle, closing chan struct{}, growBy int64, reopen bool) {
	handle.readers.Wait()
	if err := handle.Store.Close(); err != nil {
		logging.Errorf("indexmapper: close %s during transition: %v", name, err)
	}
	close(closing)

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byName[name]
	if !ok {
		return
	}
	if reopen {
		newSize := handle.MapSize + growBy
		store, err := m.open(handle.UUID, newSize, false)
		if err != nil {
			logging.Errorf("indexmapper: reopen %s after resize: %v", name, err)
			e.status = StatusMissing
			e.handle = nil
			return
		}
		newHandle := &Handle{
			UUID: handle.UUID, Name: name, Store: store,
			CreatedAt: handle.CreatedAt, UpdatedAt: time.Now().UTC(),
			PrimaryKey: handle.PrimaryKey, MapSize: newSize,
		}
		e.status = StatusAvailable
		e.handle = newHandle
		e.closing = nil
		m.lru.Add(name, struct{}{})
	} else {
		e.status = StatusMissing
		e.handle = nil
		e.closing = nil
	}
}

// Create inserts the mapping, creates the on-disk store, then marks the
// entry Available — the three steps of spec.md §4.2 rule 1, unwinding on
// any failure. The returned handle holds a read reference, which the
// caller must Release.
func (m *Mapper) Create(name string, mapSize int64) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byName[name]; ok && e.status != StatusMissing {
		return nil, errors.New(errors.CodeIndexAlreadyExists, "index %q already exists", name)
	}

	id := uuid.New()
	if err := m.putMapping(name, id); err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "persist mapping for %q", name)
	}

	store, err := m.open(id, mapSize, true)
	if err != nil {
		m.deleteMapping(name) // unwind
		return nil, errors.Wrap(errors.CodeInternal, err, "create on-disk store for %q", name)
	}

	now := time.Now().UTC()
	h := &Handle{UUID: id, Name: name, Store: store, CreatedAt: now, UpdatedAt: now, MapSize: mapSize}
	h.AcquireRead()
	m.byName[name] = &entry{status: StatusAvailable, handle: h}
	m.nameOf[id] = name
	m.lru.Add(name, struct{}{})
	logging.Infof("indexmapper: created index %q (uuid=%s)", name, id)
	return h, nil
}

// Get resolves name to its Handle, looping through the Closing wait and
// lazy-open-on-Missing cases of spec.md §4.2 "Handle acquisition". It
// returns not-found immediately if the entry is BeingDeleted.
func (m *Mapper) Get(name string) (*Handle, error) {
	for attempt := 0; attempt < m.acquireRetries; attempt++ {
		m.mu.RLock()
		e, ok := m.byName[name]
		if !ok {
			m.mu.RUnlock()
			return m.openMissing(name)
		}
		switch e.status {
		case StatusAvailable:
			h := e.handle
			h.AcquireRead()
			m.mu.RUnlock()
			m.lru.Get(name) // bump recency
			return h, nil
		case StatusBeingDeleted:
			m.mu.RUnlock()
			return nil, errors.New(errors.CodeIndexNotFound, "index %q not found", name)
		case StatusClosing:
			closing := e.closing
			m.mu.RUnlock()
			select {
			case <-closing:
				continue
			case <-time.After(m.acquireRetryWait):
				continue
			}
		case StatusMissing:
			m.mu.RUnlock()
			return m.openMissing(name)
		}
	}
	panic(fmt.Sprintf("indexmapper: Get(%q) exceeded %d acquisition retries; handle leak suspected", name, m.acquireRetries))
}

// openMissing upgrades to the write lock and lazily opens an existing
// on-disk index whose in-memory entry had not yet been populated.
func (m *Mapper) openMissing(name string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byName[name]; ok && e.status == StatusAvailable {
		h := e.handle
		h.AcquireRead()
		return h, nil
	}

	id, ok, err := m.getMapping(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.CodeIndexNotFound, "index %q not found", name)
	}

	store, err := m.open(id, 0, false)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "open existing index %q", name)
	}
	now := time.Now().UTC()
	h := &Handle{UUID: id, Name: name, Store: store, CreatedAt: now, UpdatedAt: now}
	m.byName[name] = &entry{status: StatusAvailable, handle: h}
	m.nameOf[id] = name
	m.lru.Add(name, struct{}{})
	h.AcquireRead()
	return h, nil
}

// Delete atomically removes the mapping, transitions the entry to
// BeingDeleted, and spawns a background task that waits for the close
// event, removes the on-disk directory, then sets status to Missing
// (spec.md §4.2 rule 2). Readers observing BeingDeleted must treat the
// name as not-found, which Get already enforces above.
func (m *Mapper) Delete(name string) error {
	m.mu.Lock()
	e, ok := m.byName[name]
	var handle *Handle
	if ok {
		handle = e.handle
		e.status = StatusBeingDeleted
	} else {
		m.byName[name] = &entry{status: StatusBeingDeleted}
	}
	id, found, err := m.getMapping(name)
	if err == nil && found {
		m.deleteMapping(name)
		delete(m.nameOf, id)
	}
	m.lru.Remove(name)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	go func() {
		if handle != nil {
			handle.readers.Wait()
			handle.Store.Close()
		}
		dir := filepath.Join(m.baseDir, id.String())
		if err := os.RemoveAll(dir); err != nil {
			logging.Errorf("indexmapper: remove directory for deleted index %q: %v", name, err)
		}
		m.mu.Lock()
		delete(m.byName, name)
		m.mu.Unlock()
		logging.Infof("indexmapper: finished deleting index %q", name)
	}()
	return nil
}

// Resize transitions an Available entry to Closing, waits for its readers
// to drain, then reopens it with a larger map size (spec.md §4.2 rule 3).
func (m *Mapper) Resize(name string, growBy int64) error {
	m.mu.Lock()
	e, ok := m.byName[name]
	if !ok || e.status != StatusAvailable {
		m.mu.Unlock()
		return errors.New(errors.CodeIndexNotFound, "index %q not available for resize", name)
	}
	handle := e.handle
	closing := make(chan struct{})
	e.status = StatusClosing
	e.closing = closing
	m.mu.Unlock()

	m.drainAndClose(name, handle, closing, growBy, true)
	return nil
}

// Swap exchanges the UUIDs that names a and b map to, in one write
// transaction against the persistent mapping — no on-disk data moves
// (spec.md §4.2 rule 4). Open in-memory stores for a and b are closed,
// without waiting for outstanding readers, and their entries dropped, so
// the next Get resolves through the rewritten mapping.
func (m *Mapper) Swap(a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idA, okA, err := m.getMapping(a)
	if err != nil {
		return err
	}
	idB, okB, err := m.getMapping(b)
	if err != nil {
		return err
	}
	if !okA || !okB {
		return errors.New(errors.CodeIndexNotFound, "swap requires both %q and %q to exist", a, b)
	}

	if err := m.putMapping(a, idB); err != nil {
		return err
	}
	if err := m.putMapping(b, idA); err != nil {
		return err
	}
	m.nameOf[idA] = b
	m.nameOf[idB] = a

	// Close and drop any open in-memory entries for both names; the next
	// Get will lazily reopen against the swapped uuid.
	for _, name := range []string{a, b} {
		if e, ok := m.byName[name]; ok && e.handle != nil {
			if err := e.handle.Store.Close(); err != nil {
				logging.Errorf("indexmapper: close %q before swap: %v", name, err)
			}
		}
	}
	delete(m.byName, a)
	delete(m.byName, b)
	m.lru.Remove(a)
	m.lru.Remove(b)
	logging.Infof("indexmapper: swapped %q <-> %q", a, b)
	return nil
}

// Names lists every index name currently mapped.
func (m *Mapper) Names() ([]string, error) {
	var names []string
	err := m.mapping.View(func(tx *kvstore.Tx) error {
		table, err := tx.Table(mappingTable)
		if err != nil {
			return err
		}
		return table.ForEach(func(key, _ []byte) error {
			names = append(names, string(key))
			return nil
		})
	})
	return names, err
}

// SetCurrentlyUpdating records the index a long-running batch is actively
// writing, so concurrent Get callers for that same name can short-circuit
// to the writer's own handle instead of taking a stale read path (spec.md
// §9 "Global state").
func (m *Mapper) SetCurrentlyUpdating(name string, h *Handle) {
	m.currentlyUpdating.Lock()
	defer m.currentlyUpdating.Unlock()
	m.currentlyUpdating.name = name
	m.currentlyUpdating.handle = h
}

// ClearCurrentlyUpdating releases the hint once the batch commits.
func (m *Mapper) ClearCurrentlyUpdating() {
	m.currentlyUpdating.Lock()
	defer m.currentlyUpdating.Unlock()
	m.currentlyUpdating.name = ""
	m.currentlyUpdating.handle = nil
}

// CurrentlyUpdating returns the handle currently pinned by a running batch
// for name, if any.
func (m *Mapper) CurrentlyUpdating(name string) (*Handle, bool) {
	m.currentlyUpdating.RLock()
	defer m.currentlyUpdating.RUnlock()
	if m.currentlyUpdating.name == name {
		return m.currentlyUpdating.handle, true
	}
	return nil, false
}

func (m *Mapper) getMapping(name string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	var found bool
	err := m.mapping.View(func(tx *kvstore.Tx) error {
		table, err := tx.Table(mappingTable)
		if err != nil {
			return err
		}
		raw, err := table.Get([]byte(name))
		if err != nil || raw == nil {
			return err
		}
		found = true
		return id.UnmarshalBinary(raw)
	})
	return id, found, err
}

func (m *Mapper) putMapping(name string, id uuid.UUID) error {
	return m.mapping.Update(func(tx *kvstore.Tx) error {
		table, err := tx.Table(mappingTable)
		if err != nil {
			return err
		}
		raw, err := id.MarshalBinary()
		if err != nil {
			return err
		}
		return table.Put([]byte(name), raw)
	})
}

func (m *Mapper) deleteMapping(name string) error {
	return m.mapping.Update(func(tx *kvstore.Tx) error {
		table, err := tx.Table(mappingTable)
		if err != nil {
			return err
		}
		return table.Delete([]byte(name))
	})
}

// Close releases every open handle and the mapping store itself. Intended
// for process shutdown only.
func (m *Mapper) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, e := range m.byName {
		if e.handle != nil {
			if err := e.handle.Store.Close(); err != nil {
				logging.Errorf("indexmapper: close %q: %v", name, err)
			}
		}
	}
	return m.mapping.Close()
}
