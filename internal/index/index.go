// Package index implements the per-index collection of typed tables named
// in spec.md §2 and §4.2's IndexHandle: documents, an inverted word index,
// facet trees, a vector store and settings, all backed by one
// internal/kvstore.Store (one writer, many readers — enforced by callers
// going through internal/indexmapper for the writer side and opening their
// own read transactions for the reader side).
//
// Grounded on secondary/indexer's per-partition storage (IndexPartnMap,
// storage_manager.go's indexSnapMap) for the "one struct bundles every
// derived structure for one logical index" shape; generalized from
// Couchbase's single scalar/array index per definition to the
// full-text engine's several co-resident structures per named index.
package index

import (
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/latticedb/lattice/internal/bitmap"
	"github.com/latticedb/lattice/internal/errors"
	"github.com/latticedb/lattice/internal/kvstore"
	"github.com/latticedb/lattice/internal/vectorstore"
)

const (
	tableDocuments  = "documents"
	tableIDMap      = "id_map"     // external string id -> internal uint32
	tableIDMapRev   = "id_map_rev" // internal uint32 -> external string id
	tableWords      = "words"      // word -> bitmap of internal ids
	tableFacetsPfx  = "facet:"     // facet:<field> -> value -> bitmap
	tableSettings   = "settings"
	tablePositions  = "positions" // "word\x00docid" -> varint-encoded positions, for plane-sweep proximity
	settingsKey     = "settings"
	nextDocIDKey    = "next_doc_id"
)

// Settings is the per-index configuration spec.md §4.4's rules read and
// §6's search contract exposes (searchableAttributes drive the Attribute
// rule; sortable/filterable gate which fields a query may reference).
type Settings struct {
	PrimaryKey            string              `json:"primaryKey,omitempty"`
	SearchableAttributes   []string            `json:"searchableAttributes,omitempty"`
	FilterableAttributes   []string            `json:"filterableAttributes,omitempty"`
	SortableAttributes     []string            `json:"sortableAttributes,omitempty"`
	DisplayedAttributes    []string            `json:"displayedAttributes,omitempty"`
	RankingRules           []string            `json:"rankingRules,omitempty"`
	Synonyms               map[string][]string `json:"synonyms,omitempty"`
	TypoMinWordSize        TypoTolerance       `json:"typoTolerance,omitempty"`
	LocalizedAttributes    []LocalizedRule     `json:"localizedAttributes,omitempty"`
	VectorDimensions       int                 `json:"vectorDimensions,omitempty"`
	VectorDistance         string              `json:"vectorDistance,omitempty"` // "cosine" | "l2"
}

// TypoTolerance gates how many characters a word needs before typo-1/typo-2
// derivations are generated (spec.md §4.4 "Query graph construction").
type TypoTolerance struct {
	OneTypo  int `json:"oneTypo"`  // min word length for 1 typo, default 5
	TwoTypos int `json:"twoTypos"` // min word length for 2 typos, default 9
}

// LocalizedRule restricts a set of attribute name patterns to a set of
// locales, per spec.md §8's locale-override scenario.
type LocalizedRule struct {
	AttributePatterns []string `json:"attributePatterns"`
	Locales           []string `json:"locales"`
}

func defaultSettings() Settings {
	return Settings{
		RankingRules:    []string{"words", "typo", "proximity", "attribute", "exactness", "sort", "geo", "vector"},
		TypoMinWordSize: TypoTolerance{OneTypo: 5, TwoTypos: 9},
	}
}

// Stats summarizes an index's current state, the `stats(name)` surface of
// spec.md §4.2.
type Stats struct {
	NumberOfDocuments uint64         `json:"numberOfDocuments"`
	FieldDistribution map[string]int `json:"fieldDistribution"`
	IsIndexing        bool           `json:"isIndexing"`
}

// Index bundles every derived structure for one named index behind a
// single Store.
type Index struct {
	store    *kvstore.Store
	vectors  *vectorstore.Store
}

// Open loads (or initializes, if empty) the index rooted at store.
func Open(store *kvstore.Store) (*Index, error) {
	idx := &Index{store: store}
	if _, err := idx.Settings(); err != nil {
		return nil, err
	}
	vs, err := vectorstore.Open(store, "vectors")
	if err != nil {
		return nil, err
	}
	idx.vectors = vs
	return idx, nil
}

// Settings returns the currently persisted settings, defaulting an
// unset index to defaultSettings().
func (idx *Index) Settings() (Settings, error) {
	var s Settings
	found := false
	err := idx.store.View(func(tx *kvstore.Tx) error {
		t, err := tx.Table(tableSettings)
		if err != nil {
			return err
		}
		raw, err := t.Get([]byte(settingsKey))
		if err != nil || raw == nil {
			return err
		}
		found = true
		return json.Unmarshal(raw, &s)
	})
	if err != nil {
		return Settings{}, err
	}
	if !found {
		return defaultSettings(), nil
	}
	return s, nil
}

// UpdateSettings persists next as the index's settings, replacing what was
// stored before. Merging a partial update into the current settings is the
// caller's job, since it depends on which fields were explicitly present
// in the request payload.
func (idx *Index) UpdateSettings(next Settings) error {
	return idx.store.Update(func(tx *kvstore.Tx) error {
		t, err := tx.Table(tableSettings)
		if err != nil {
			return err
		}
		blob, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return t.Put([]byte(settingsKey), blob)
	})
}

// readSettingsInTx reads settings through an already-open table handle,
// for callers inside an Update that cannot call Settings() without
// nesting a second bbolt transaction on the same goroutine.
func readSettingsInTx(metaT *kvstore.Table) (Settings, error) {
	raw, err := metaT.Get([]byte(settingsKey))
	if err != nil {
		return Settings{}, err
	}
	if raw == nil {
		return defaultSettings(), nil
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// facetValueString renders a document field's value as the string key a
// facet bitmap is filed under, mirroring the plain equality comparison
// search.splitEquality parses out of a "field = value" filter. Fields
// whose value isn't one of these scalar shapes aren't facetable.
func facetValueString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		if x {
			return "true", true
		}
		return "false", true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	}
	return "", false
}

// facetTableFor returns (opening and caching if needed) the facet:<field>
// table for field.
func facetTableFor(tx *kvstore.Tx, cache map[string]*kvstore.Table, field string) (*kvstore.Table, error) {
	if t, ok := cache[field]; ok {
		return t, nil
	}
	t, err := tx.Table(tableFacetsPfx + field)
	if err != nil {
		return nil, err
	}
	cache[field] = t
	return t, nil
}

// walkDocFacets adds (or removes) docID from the facet bitmap of every
// filterable attribute present in fields, the facet-tree counterpart of
// walkDocWords below.
func walkDocFacets(tx *kvstore.Tx, cache map[string]*kvstore.Table, docID uint32, fields map[string]interface{}, filterable []string, add bool) error {
	for _, field := range filterable {
		v, ok := fields[field]
		if !ok {
			continue
		}
		val, ok := facetValueString(v)
		if !ok {
			continue
		}
		ft, err := facetTableFor(tx, cache, field)
		if err != nil {
			return err
		}
		if add {
			if err := addPosting(ft, val, docID); err != nil {
				return err
			}
		} else if err := removePosting(ft, val, docID); err != nil {
			return err
		}
	}
	return nil
}

// docRecord is what's actually stored per internal doc id: the original
// document plus the external id, so deletion/hydration never needs a
// reverse lookup through id_map_rev for the common case.
type docRecord struct {
	ExternalID string                 `json:"id"`
	Fields     map[string]interface{} `json:"fields"`
}

// AddDocuments upserts docs (keyed by primaryKey) according to method,
// returning the set of external ids touched. A document without
// primaryKey, or whose value for it is not a string, fails the whole
// call; no primary key is inferred here.
func (idx *Index) AddDocuments(docs []map[string]interface{}, method string, primaryKey string) ([]string, error) {
	var touched []string
	err := idx.store.Update(func(tx *kvstore.Tx) error {
		idMapT, err := tx.Table(tableIDMap)
		if err != nil {
			return err
		}
		idMapRevT, err := tx.Table(tableIDMapRev)
		if err != nil {
			return err
		}
		docsT, err := tx.Table(tableDocuments)
		if err != nil {
			return err
		}
		wordsT, err := tx.Table(tableWords)
		if err != nil {
			return err
		}
		positionsT, err := tx.Table(tablePositions)
		if err != nil {
			return err
		}
		metaT, err := tx.Table(tableSettings)
		if err != nil {
			return err
		}
		settings, err := readSettingsInTx(metaT)
		if err != nil {
			return err
		}
		facetTables := map[string]*kvstore.Table{}

		for _, fields := range docs {
			rawID, ok := fields[primaryKey]
			if !ok {
				return errors.New(errors.CodeMissingDocumentID, "document missing primary key %q", primaryKey)
			}
			extID, ok := rawID.(string)
			if !ok {
				return errors.New(errors.CodeInvalidDocumentID, "primary key %q must be a string", primaryKey)
			}

			var docID uint32
			existingRaw, err := idMapT.Get([]byte(extID))
			if err != nil {
				return err
			}
			if existingRaw != nil {
				docID = decodeU32(existingRaw)
				prev, err := getDocRecord(docsT, docID)
				if err != nil {
					return err
				}
				if prev != nil {
					if err := walkDocWords(wordsT, positionsT, docID, prev.Fields, removePosting, removePositions); err != nil {
						return err
					}
					if err := walkDocFacets(tx, facetTables, docID, prev.Fields, settings.FilterableAttributes, false); err != nil {
						return err
					}
					if method == "update" {
						for k, v := range prev.Fields {
							if _, overwritten := fields[k]; !overwritten {
								fields[k] = v
							}
						}
					}
				}
			} else {
				docID, err = nextDocID(metaT)
				if err != nil {
					return err
				}
				if err := idMapT.Put([]byte(extID), encodeU32(docID)); err != nil {
					return err
				}
				if err := idMapRevT.Put(encodeU32(docID), []byte(extID)); err != nil {
					return err
				}
			}

			rec := docRecord{ExternalID: extID, Fields: fields}
			blob, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := docsT.Put(encodeU32(docID), blob); err != nil {
				return err
			}
			if err := walkDocWords(wordsT, positionsT, docID, fields, addPosting, putPositions); err != nil {
				return err
			}
			if err := walkDocFacets(tx, facetTables, docID, fields, settings.FilterableAttributes, true); err != nil {
				return err
			}
			touched = append(touched, extID)
		}
		return nil
	})
	return touched, err
}

// DeleteDocuments removes docs by external id, pruning their postings.
func (idx *Index) DeleteDocuments(ids []string) (int, error) {
	deleted := 0
	err := idx.store.Update(func(tx *kvstore.Tx) error {
		idMapT, err := tx.Table(tableIDMap)
		if err != nil {
			return err
		}
		idMapRevT, err := tx.Table(tableIDMapRev)
		if err != nil {
			return err
		}
		docsT, err := tx.Table(tableDocuments)
		if err != nil {
			return err
		}
		wordsT, err := tx.Table(tableWords)
		if err != nil {
			return err
		}
		positionsT, err := tx.Table(tablePositions)
		if err != nil {
			return err
		}
		metaT, err := tx.Table(tableSettings)
		if err != nil {
			return err
		}
		settings, err := readSettingsInTx(metaT)
		if err != nil {
			return err
		}
		facetTables := map[string]*kvstore.Table{}

		for _, extID := range ids {
			raw, err := idMapT.Get([]byte(extID))
			if err != nil || raw == nil {
				continue
			}
			docID := decodeU32(raw)
			rec, err := getDocRecord(docsT, docID)
			if err != nil {
				return err
			}
			if rec != nil {
				if err := walkDocWords(wordsT, positionsT, docID, rec.Fields, removePosting, removePositions); err != nil {
					return err
				}
				if err := walkDocFacets(tx, facetTables, docID, rec.Fields, settings.FilterableAttributes, false); err != nil {
					return err
				}
			}
			if err := docsT.Delete(encodeU32(docID)); err != nil {
				return err
			}
			if err := idMapT.Delete([]byte(extID)); err != nil {
				return err
			}
			if err := idMapRevT.Delete(encodeU32(docID)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Clear removes every document while keeping settings intact (DocumentClear).
func (idx *Index) Clear() error {
	return idx.store.Update(func(tx *kvstore.Tx) error {
		metaT, err := tx.Table(tableSettings)
		if err != nil {
			return err
		}
		settings, err := readSettingsInTx(metaT)
		if err != nil {
			return err
		}
		for _, name := range []string{tableDocuments, tableIDMap, tableIDMapRev, tableWords, tablePositions} {
			if err := tx.DeleteTable(name); err != nil {
				return err
			}
		}
		for _, field := range settings.FilterableAttributes {
			if err := tx.DeleteTable(tableFacetsPfx + field); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats computes NumberOfDocuments and a rough field distribution by
// scanning the documents table once. Acceptable for the stats surface —
// not on the hot query path.
func (idx *Index) Stats() (Stats, error) {
	var s Stats
	s.FieldDistribution = map[string]int{}
	err := idx.store.View(func(tx *kvstore.Tx) error {
		t, err := tx.Table(tableDocuments)
		if err != nil {
			return err
		}
		return t.ForEach(func(_, v []byte) error {
			var rec docRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			s.NumberOfDocuments++
			for field := range rec.Fields {
				s.FieldDistribution[field]++
			}
			return nil
		})
	})
	return s, err
}

// Postings returns the bitmap of internal doc ids containing word exactly.
func (idx *Index) Postings(word string) (*bitmap.Bitmap, error) {
	var bm *bitmap.Bitmap
	err := idx.store.View(func(tx *kvstore.Tx) error {
		t, err := tx.Table(tableWords)
		if err != nil {
			return err
		}
		raw, err := t.Get([]byte(strings.ToLower(word)))
		if err != nil {
			return err
		}
		bm = bitmap.New()
		if raw != nil {
			return bm.UnmarshalBinary(raw)
		}
		return nil
	})
	return bm, err
}

// PrefixPostings unions the postings of every indexed word starting with
// prefix. It walks every key of the words table and keeps the ones that
// start with prefix.
func (idx *Index) PrefixPostings(prefix string) (*bitmap.Bitmap, error) {
	prefix = strings.ToLower(prefix)
	result := bitmap.New()
	err := idx.store.View(func(tx *kvstore.Tx) error {
		t, err := tx.Table(tableWords)
		if err != nil {
			return err
		}
		return t.ForEach(func(k, v []byte) error {
			if !strings.HasPrefix(string(k), prefix) {
				return nil
			}
			bm := bitmap.New()
			if err := bm.UnmarshalBinary(v); err != nil {
				return err
			}
			result.Or(bm)
			return nil
		})
	})
	return result, err
}

// Vocabulary returns every distinct indexed word, for typo-candidate
// generation against the query graph (internal/query's Typo1Of/Typo2Of
// hooks need a list of real indexed words to filter edit-distance
// candidates against, not the dictionary of the query itself).
func (idx *Index) Vocabulary() ([]string, error) {
	var words []string
	err := idx.store.View(func(tx *kvstore.Tx) error {
		t, err := tx.Table(tableWords)
		if err != nil {
			return err
		}
		return t.ForEach(func(k, _ []byte) error {
			words = append(words, string(k))
			return nil
		})
	})
	return words, err
}

// FacetValues returns the bitmap for a given (field, value) pair.
func (idx *Index) FacetValues(field, value string) (*bitmap.Bitmap, error) {
	var bm *bitmap.Bitmap
	err := idx.store.View(func(tx *kvstore.Tx) error {
		t, err := tx.Table(tableFacetsPfx + field)
		if err != nil {
			return err
		}
		raw, err := t.Get([]byte(value))
		if err != nil {
			return err
		}
		bm = bitmap.New()
		if raw != nil {
			return bm.UnmarshalBinary(raw)
		}
		return nil
	})
	return bm, err
}

// Document hydrates the external document for internal id docID.
func (idx *Index) Document(docID uint32) (map[string]interface{}, string, error) {
	var rec *docRecord
	err := idx.store.View(func(tx *kvstore.Tx) error {
		t, err := tx.Table(tableDocuments)
		if err != nil {
			return err
		}
		r, err := getDocRecord(t, docID)
		rec = r
		return err
	})
	if err != nil || rec == nil {
		return nil, "", err
	}
	return rec.Fields, rec.ExternalID, nil
}

// Vectors exposes the per-index vector store for the Vector ranking rule.
func (idx *Index) Vectors() *vectorstore.Store { return idx.vectors }

// AllDocIDs returns the universe bitmap of every live document, the
// starting universe every ranking-rule pipeline run begins from.
func (idx *Index) AllDocIDs() (*bitmap.Bitmap, error) {
	result := bitmap.New()
	err := idx.store.View(func(tx *kvstore.Tx) error {
		t, err := tx.Table(tableIDMapRev)
		if err != nil {
			return err
		}
		return t.ForEach(func(k, _ []byte) error {
			result.Add(decodeU32(k))
			return nil
		})
	})
	return result, err
}

func getDocRecord(t *kvstore.Table, docID uint32) (*docRecord, error) {
	raw, err := t.Get(encodeU32(docID))
	if err != nil || raw == nil {
		return nil, err
	}
	var rec docRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func encodeU32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func decodeU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func nextDocID(metaT *kvstore.Table) (uint32, error) {
	raw, err := metaT.Get([]byte(nextDocIDKey))
	if err != nil {
		return 0, err
	}
	var next uint32
	if raw != nil {
		next = decodeU32(raw)
	}
	if err := metaT.Put([]byte(nextDocIDKey), encodeU32(next+1)); err != nil {
		return 0, err
	}
	return next, nil
}

// tokenize lower-cases and splits on every ASCII character that is not a
// letter or digit; any non-ASCII rune is kept as part of a word. Full Unicode-aware
// segmentation is explicitly out of scope (spec.md §1 Non-goals:
// "tokenizer internals").
func tokenize(s string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r > 127 {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return words
}

// Position is one occurrence of a word within a document: which field it
// came from and its ordinal position within that field's tokens — the
// Proximity rule sums clamped gaps between consecutive matched terms'
// positions, and the Attribute rule discriminates by field-declaration
// order and in-field position (spec.md §4.4).
type Position struct {
	Field string `json:"f"`
	Pos   int    `json:"p"`
}

// walkDocWords tokenizes every string field of fields, in sorted field
// name order for determinism, and invokes postingFn once per distinct
// word (maintaining the word->docids bitmap) and, if positionsFn is
// non-nil, once per occurrence (maintaining the positions table the
// Proximity/Attribute rules read).
func walkDocWords(wordsT, positionsT *kvstore.Table, docID uint32, fields map[string]interface{},
	postingFn func(*kvstore.Table, string, uint32) error,
	positionsFn func(*kvstore.Table, string, uint32, []Position) error) error {

	fieldNames := make([]string, 0, len(fields))
	for f := range fields {
		fieldNames = append(fieldNames, f)
	}
	sort.Strings(fieldNames)

	positionsByWord := map[string][]Position{}
	seen := map[string]bool{}
	for _, field := range fieldNames {
		s, ok := fields[field].(string)
		if !ok {
			continue
		}
		for pos, w := range tokenize(s) {
			if !seen[w] {
				seen[w] = true
				if err := postingFn(wordsT, w, docID); err != nil {
					return err
				}
			}
			positionsByWord[w] = append(positionsByWord[w], Position{Field: field, Pos: pos})
		}
	}
	if positionsFn != nil {
		for w, positions := range positionsByWord {
			if err := positionsFn(positionsT, w, docID, positions); err != nil {
				return err
			}
		}
	}
	return nil
}

func addPosting(t *kvstore.Table, word string, docID uint32) error {
	bm := bitmap.New()
	raw, err := t.Get([]byte(word))
	if err != nil {
		return err
	}
	if raw != nil {
		if err := bm.UnmarshalBinary(raw); err != nil {
			return err
		}
	}
	bm.Add(docID)
	enc, err := bm.MarshalBinary()
	if err != nil {
		return err
	}
	return t.Put([]byte(word), enc)
}

func removePosting(t *kvstore.Table, word string, docID uint32) error {
	raw, err := t.Get([]byte(word))
	if err != nil || raw == nil {
		return err
	}
	bm := bitmap.New()
	if err := bm.UnmarshalBinary(raw); err != nil {
		return err
	}
	bm.Remove(docID)
	if bm.IsEmpty() {
		return t.Delete([]byte(word))
	}
	enc, err := bm.MarshalBinary()
	if err != nil {
		return err
	}
	return t.Put([]byte(word), enc)
}

func positionsKey(word string, docID uint32) []byte {
	return append(append([]byte(word), 0), encodeU32(docID)...)
}

func putPositions(t *kvstore.Table, word string, docID uint32, positions []Position) error {
	blob, err := json.Marshal(positions)
	if err != nil {
		return err
	}
	return t.Put(positionsKey(word, docID), blob)
}

func removePositions(t *kvstore.Table, word string, docID uint32, _ []Position) error {
	return t.Delete(positionsKey(word, docID))
}

// Positions returns every occurrence of word within docID, the primitive
// the Proximity and Attribute ranking rules read.
func (idx *Index) Positions(word string, docID uint32) ([]Position, error) {
	var positions []Position
	err := idx.store.View(func(tx *kvstore.Tx) error {
		t, err := tx.Table(tablePositions)
		if err != nil {
			return err
		}
		raw, err := t.Get(positionsKey(strings.ToLower(word), docID))
		if err != nil || raw == nil {
			return err
		}
		return json.Unmarshal(raw, &positions)
	})
	return positions, err
}

// sortStrings sorts s in place and returns it.
func sortStrings(s []string) []string {
	sort.Strings(s)
	return s
}
