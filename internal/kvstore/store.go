// Package kvstore is the typed read/write transaction layer over an
// embedded, memory-mapped B-tree store, with copy-on-write snapshots for
// readers. It plays the role the teacher's storage_manager.go gives to
// ForestDB/ (secondary/indexer/storage_manager.go opens a *forestdb.File
// and a *forestdb.KVStore and funnels every mutation through it) — but
// backed by go.etcd.io/bbolt, a pure-Go mmap B+tree, since the teacher's
// ForestDB/Plasma bindings are cgo-bound to a proprietary C library that
// is not reachable from this module's dependency pack.
//
// bbolt's own transaction model already gives single-writer/many-reader
// MVCC snapshots for free: every Read/Update call here is a thin,
// typed wrapper around a bolt.Tx.
package kvstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	bolt "go.etcd.io/bbolt"

	"github.com/latticedb/lattice/internal/errors"
)

// Store is one open embedded KV environment — one per Index, plus one for
// the task queue. It corresponds 1:1 to the teacher's *forestdb.File.
type Store struct {
	db   *bolt.DB
	path string
}

// Options configures how a Store is opened.
type Options struct {
	// InitialMmapSize seeds bbolt's InitialMmapSize, the analogue of the
	// index mapper's index_base_map_size (spec.md §4.2 resize()).
	InitialMmapSize int
	ReadOnly        bool
	Timeout         time.Duration
}

// Open creates parent directories as needed and opens (or creates) the
// store file at path.
func Open(path string, opts Options) (*Store, error) {
	if !opts.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(errors.CodeInternal, err, "create directory for store %s", path)
		}
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{
		Timeout:         opts.Timeout,
		ReadOnly:        opts.ReadOnly,
		InitialMmapSize: opts.InitialMmapSize,
	})
	if err != nil {
		return nil, errors.Wrap(errors.CodeInvalidStore, err, "open store %s", path)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the mmap and file handle. Safe to call once.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the on-disk file backing this store.
func (s *Store) Path() string { return s.path }

// Size returns the current size of the memory-mapped file, the figure the
// index mapper's stats()/resize() logic (spec.md §4.2) compares against
// MaxIndexSize.
func (s *Store) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Tx is a typed handle over a single bbolt transaction; Table opens named
// tables ("buckets" in bbolt's vocabulary) inside it. Callers never see *bolt.Tx
// directly, matching the "expose only read/write operations taking an
// explicit transaction context" rule of spec.md §9.
type Tx struct {
	tx       *bolt.Tx
	writable bool
}

// View opens a read-only, point-in-time snapshot transaction and runs fn
// against it. The snapshot is stable for the whole call even if concurrent
// writers commit in the meantime — bbolt's MVCC guarantees this, giving us
// the "copy-on-write snapshot" property spec.md §2 asks of the KV adapter.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx, writable: false})
	})
}

// Update opens a write transaction and runs fn against it; the transaction
// commits if fn returns nil, and rolls back otherwise. Only one Update may
// run at a time per Store — the single-writer rule of spec.md §5.
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx, writable: true})
	})
}

// Table returns a handle to a named table within the transaction, creating
// it if the transaction is writable and it does not yet exist.
func (tx *Tx) Table(name string) (*Table, error) {
	if tx.writable {
		b, err := tx.tx.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return nil, errors.Wrap(errors.CodeInvalidStore, err, "create table %s", name)
		}
		return &Table{b: b}, nil
	}
	b := tx.tx.Bucket([]byte(name))
	if b == nil {
		return &Table{b: nil}, nil
	}
	return &Table{b: b}, nil
}

// Table is a single keyspace within a Store, the unit the task queue's
// primary table and five secondary bitmap indexes (spec.md §4.1) are each
// stored as.
type Table struct {
	b *bolt.Bucket
}

// compressionMarker prefixes every snappy-compressed value Put writes; Get
// and ForEach reject a stored value without it as a corrupt frame.
const compressionMarker = 0xF5

// Put stores value under key, snappy-compressing it first. Document and
// task payloads are the dominant byte volume through this layer, so
// compressing at the KV boundary (github.com/golang/snappy, a direct
// dependency of the teacher's own go.mod) pays for itself on every index
// larger than trivial.
func (t *Table) Put(key, value []byte) error {
	if t.b == nil {
		return errors.New(errors.CodeInvalidStore, "table does not exist")
	}
	compressed := snappy.Encode(nil, value)
	framed := make([]byte, 0, len(compressed)+1)
	framed = append(framed, compressionMarker)
	framed = append(framed, compressed...)
	return t.b.Put(key, framed)
}

// Get retrieves and decompresses the value stored under key. Returns
// (nil, nil) if the key is absent.
func (t *Table) Get(key []byte) ([]byte, error) {
	if t.b == nil {
		return nil, nil
	}
	raw := t.b.Get(key)
	if raw == nil {
		return nil, nil
	}
	if len(raw) == 0 || raw[0] != compressionMarker {
		return nil, fmt.Errorf("kvstore: corrupt frame for key %x", key)
	}
	return snappy.Decode(nil, raw[1:])
}

// Delete removes key, a no-op if absent.
func (t *Table) Delete(key []byte) error {
	if t.b == nil {
		return nil
	}
	return t.b.Delete(key)
}

// ForEach iterates key/value pairs in key order, decompressing each value
// before invoking fn. Iteration stops early if fn returns an error.
func (t *Table) ForEach(fn func(key, value []byte) error) error {
	if t.b == nil {
		return nil
	}
	return t.b.ForEach(func(k, raw []byte) error {
		if len(raw) == 0 || raw[0] != compressionMarker {
			return fmt.Errorf("kvstore: corrupt frame for key %x", k)
		}
		v, err := snappy.Decode(nil, raw[1:])
		if err != nil {
			return err
		}
		return fn(k, v)
	})
}

// DeleteTable drops name and everything stored under it in one step,
// rather than a caller iterating every key with Delete. No-op if the
// table was never created. tx must be writable.
func (tx *Tx) DeleteTable(name string) error {
	if !tx.writable {
		return errors.New(errors.CodeInvalidStore, "table %s is not writable", name)
	}
	if err := tx.tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
		return errors.Wrap(errors.CodeInvalidStore, err, "delete table %s", name)
	}
	return nil
}

// NestedTable returns (creating if writable) a table nested under this
// one, the layout the task queue uses for its secondary bitmap indexes
// (status/kind/index_uid/canceled_by/date, each its own nested table
// under the task queue's root table).
func (t *Table) NestedTable(name string, writable bool) (*Table, error) {
	if t.b == nil {
		return &Table{b: nil}, nil
	}
	if writable {
		nb, err := t.b.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return nil, errors.Wrap(errors.CodeInvalidStore, err, "create nested table %s", name)
		}
		return &Table{b: nb}, nil
	}
	return &Table{b: t.b.Bucket([]byte(name))}, nil
}
