// Package vectorstore holds one index's embedding vectors and answers
// nearest-neighbor-by-score queries for the Vector ranking rule (spec.md
// §4.4). Vectors are stored flat, keyed by the same internal document id
// the inverted index and facet trees use, inside the index's own
// internal/kvstore.Store; Put commits in its own write transaction,
// separate from the document write.
//
// No approximate-nearest-neighbor index (HNSW, IVF) exists anywhere in the
// retrieval pack's dependency set, nor does a BLAS/gonum-style vector math
// library — confirmed by grep across every example repo's go.mod — so
// similarity here is a brute-force pass over the candidate universe using
// plain Go float64 math, exactly the stdlib-justified shape
// internal/bitmap/trie.go documents for the lack of an FST library.
// github.com/edsrzf/mmap-go, already a pack dependency, backs OpenFlat's
// read-only view of a file written by Flush; Get and Similarity read
// through the kvstore table.
package vectorstore

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/latticedb/lattice/internal/errors"
	"github.com/latticedb/lattice/internal/kvstore"
)

const dimKey = "dim"

// Metric names the similarity function a vector field uses.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
)

// Store holds vectors for one index, table-backed for persistence and
// optionally mmap-backed for fast bulk scans once flushed to a flat file.
type Store struct {
	store     *kvstore.Store
	tableName string

	dim int
}

// Open binds a Store to the named table inside store, inferring its
// vector dimensionality from whatever was previously persisted there.
func Open(store *kvstore.Store, tableName string) (*Store, error) {
	s := &Store{store: store, tableName: tableName}
	err := store.View(func(tx *kvstore.Tx) error {
		t, err := tx.Table(tableName)
		if err != nil {
			return err
		}
		raw, err := t.Get([]byte(dimKey))
		if err != nil || raw == nil {
			return err
		}
		s.dim = int(binary.LittleEndian.Uint32(raw))
		return nil
	})
	return s, err
}

// Put stores the embedding for docID, validating it against the store's
// established dimensionality (fixed on the first Put).
func (s *Store) Put(docID uint32, vec []float32) error {
	return s.store.Update(func(tx *kvstore.Tx) error {
		t, err := tx.Table(s.tableName)
		if err != nil {
			return err
		}
		if s.dim == 0 {
			s.dim = len(vec)
			dimBuf := make([]byte, 4)
			binary.LittleEndian.PutUint32(dimBuf, uint32(s.dim))
			if err := t.Put([]byte(dimKey), dimBuf); err != nil {
				return err
			}
		} else if len(vec) != s.dim {
			return errors.New(errors.CodeInvalidDocumentID,
				"vector dimension %d does not match index dimension %d", len(vec), s.dim)
		}
		buf := make([]byte, 4*len(vec))
		for i, f := range vec {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
		}
		return t.Put(docKey(docID), buf)
	})
}

// Delete removes docID's vector, if any.
func (s *Store) Delete(docID uint32) error {
	return s.store.Update(func(tx *kvstore.Tx) error {
		t, err := tx.Table(s.tableName)
		if err != nil {
			return err
		}
		return t.Delete(docKey(docID))
	})
}

// Get retrieves docID's vector.
func (s *Store) Get(docID uint32) ([]float32, error) {
	var vec []float32
	err := s.store.View(func(tx *kvstore.Tx) error {
		t, err := tx.Table(s.tableName)
		if err != nil {
			return err
		}
		raw, err := t.Get(docKey(docID))
		if err != nil || raw == nil {
			return err
		}
		vec = decodeVec(raw)
		return nil
	})
	return vec, err
}

// Dimensions reports the fixed vector width for this store, 0 if unset.
func (s *Store) Dimensions() int { return s.dim }

// Similarity scores query against every docID in candidates under metric,
// returning a map of docID -> similarity in [-1,1] (cosine) or a
// monotonically-decreasing-with-distance score (l2, via 1/(1+distance)),
// so the Vector ranking rule always sorts descending regardless of metric.
func (s *Store) Similarity(query []float32, candidates []uint32, metric Metric) (map[uint32]float64, error) {
	scores := make(map[uint32]float64, len(candidates))
	err := s.store.View(func(tx *kvstore.Tx) error {
		t, err := tx.Table(s.tableName)
		if err != nil {
			return err
		}
		for _, docID := range candidates {
			raw, err := t.Get(docKey(docID))
			if err != nil || raw == nil {
				continue
			}
			vec := decodeVec(raw)
			switch metric {
			case MetricL2:
				scores[docID] = 1.0 / (1.0 + l2Distance(query, vec))
			default:
				scores[docID] = cosineSimilarity(query, vec)
			}
		}
		return nil
	})
	return scores, err
}

func docKey(docID uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, docID)
	return b
}

func decodeVec(raw []byte) []float32 {
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func l2Distance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// flatFile is a read-only mmap view over a snapshot of the vector table,
// built by Flush for bulk-scan workloads (e.g. re-scoring a whole index
// after a vectorDistance setting change) without paging every vector
// through a bbolt transaction one at a time.
type flatFile struct {
	f   *os.File
	mm  mmap.MMap
	dim int
}

// Flush writes every persisted vector to a flat row-major file at path,
// for bulk read patterns that benefit from a contiguous mmap rather than
// bbolt's B+tree page layout.
func (s *Store) Flush(path string) error {
	docIDs, vectors, err := s.all()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, err, "create vector flat file %s", path)
	}
	defer f.Close()
	for i, id := range docIDs {
		row := make([]byte, 4+4*s.dim)
		binary.LittleEndian.PutUint32(row, id)
		for j, v := range vectors[i] {
			binary.LittleEndian.PutUint32(row[4+j*4:], math.Float32bits(v))
		}
		if _, err := f.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) all() ([]uint32, [][]float32, error) {
	var ids []uint32
	var vecs [][]float32
	err := s.store.View(func(tx *kvstore.Tx) error {
		t, err := tx.Table(s.tableName)
		if err != nil {
			return err
		}
		return t.ForEach(func(k, v []byte) error {
			if string(k) == dimKey {
				return nil
			}
			ids = append(ids, binary.BigEndian.Uint32(k))
			vecs = append(vecs, decodeVec(v))
			return nil
		})
	})
	return ids, vecs, err
}

// OpenFlat mmaps a previously Flush-ed flat file for read-only bulk scans.
func OpenFlat(path string, dim int) (*flatFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "open vector flat file %s", path)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(errors.CodeInternal, err, "mmap vector flat file %s", path)
	}
	return &flatFile{f: f, mm: m, dim: dim}, nil
}

// Close releases the mmap and file handle.
func (ff *flatFile) Close() error {
	if err := ff.mm.Unmap(); err != nil {
		return err
	}
	return ff.f.Close()
}

// At returns the docID and vector stored at row i.
func (ff *flatFile) At(i int) (uint32, []float32) {
	rowSize := 4 + 4*ff.dim
	row := ff.mm[i*rowSize : (i+1)*rowSize]
	id := binary.LittleEndian.Uint32(row)
	return id, decodeVec32(row[4:])
}

func decodeVec32(raw []byte) []float32 {
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec
}

// Len reports how many rows the flat file holds.
func (ff *flatFile) Len() int {
	return len(ff.mm) / (4 + 4*ff.dim)
}
