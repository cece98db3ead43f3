// Package search wires the three pipeline stages spec.md §2 lists as
// separate components — query graph construction (internal/query), the
// ranking-rule stack (internal/ranking) and result assembly
// (internal/result) — into the single Execute call the HTTP surface
// invokes per request. It also supplies the one piece none of those three
// packages owns: generating real typo-1/typo-2 candidate words against an
// index's own vocabulary, which internal/query's Build only accepts as an
// injected hook (Options.Typo1Of/Typo2Of).
//
// Grounded on the teacher's scan_client.go request/response shape
// (secondary/queryport/client/scan_client.go) for "one function takes a
// request struct, drives the lower layers, returns a response struct" —
// the same shape this package gives Execute.
package search

import (
	"strings"
	"time"

	"github.com/latticedb/lattice/internal/bitmap"
	"github.com/latticedb/lattice/internal/errors"
	"github.com/latticedb/lattice/internal/index"
	"github.com/latticedb/lattice/internal/query"
	"github.com/latticedb/lattice/internal/ranking"
	"github.com/latticedb/lattice/internal/result"
	"github.com/latticedb/lattice/internal/vectorstore"
)

// Request is one search call's full parameter set, spanning spec.md §6's
// query string, pagination, filters, sort/geo/vector parameters and the
// explain/ranking-score toggles.
type Request struct {
	Query                string
	Offset               int
	Limit                int
	AttributesToRetrieve []string
	RetrieveVectors      bool
	ShowRankingScore     bool

	SortField   string
	SortAsc     bool
	GeoRef      *ranking.GeoPoint
	GeoField    string
	VectorQuery []float32
	VectorField string
	VectorMetric vectorstore.Metric

	Filter *string // resolved tenant-token filter, spec.md §6; nil means unrestricted

	TimeBudget time.Duration // 0 disables the soft ranking-rule time budget
}

// Execute runs one search request against idx end to end: build the query
// graph, derive the starting universe (optionally narrowed by Filter),
// run the configured rule stack, and assemble the paginated response.
func Execute(idx *index.Index, settings index.Settings, req Request) (*result.Page, error) {
	start := time.Now()

	vocab, err := idx.Vocabulary()
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "load vocabulary")
	}
	byLen := bucketByLength(vocab)

	graph := query.Build(req.Query, query.Options{
		Typo: query.TypoTolerance{
			OneTypo:  settings.TypoMinWordSize.OneTypo,
			TwoTypos: settings.TypoMinWordSize.TwoTypos,
		},
		Synonyms:      settings.Synonyms,
		NgramsEnabled: true,
		Typo1Of:       func(w string) []string { return candidatesWithinDistance(w, byLen, 1) },
		Typo2Of:       func(w string) []string { return candidatesWithinDistance(w, byLen, 2) },
	})

	universe, err := idx.AllDocIDs()
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "load document universe")
	}
	if req.Filter != nil {
		filtered, err := applyFilter(idx, *req.Filter)
		if err != nil {
			return nil, err
		}
		universe.And(filtered)
	}

	stackNames := make([]ranking.RuleName, 0, len(settings.RankingRules))
	if len(settings.RankingRules) == 0 {
		stackNames = ranking.DefaultStack()
	} else {
		for _, n := range settings.RankingRules {
			stackNames = append(stackNames, ranking.RuleName(n))
		}
	}
	stack := ranking.Build(stackNames)

	ctx := &ranking.SearchContext{
		Index:          idx,
		Graph:          graph,
		AttributeOrder: settings.SearchableAttributes,
		SortField:      req.SortField,
		SortAsc:        req.SortAsc,
		GeoRef:         req.GeoRef,
		GeoField:       req.GeoField,
		VectorQuery:    req.VectorQuery,
		VectorField:    req.VectorField,
		VectorMetric:   req.VectorMetric,
	}
	if req.TimeBudget > 0 {
		ctx.Deadline = start.Add(req.TimeBudget)
	}

	hits := ranking.Run(ctx, stack, universe)

	return result.Assemble(idx, hits, result.Options{
		Query:                req.Query,
		Offset:               req.Offset,
		Limit:                req.Limit,
		AttributesToRetrieve: req.AttributesToRetrieve,
		RetrieveVectors:      req.RetrieveVectors,
		ShowRankingScore:     req.ShowRankingScore,
		ProcessingTimeMs:     time.Since(start).Milliseconds(),
	})
}

// applyFilter resolves a tenant token's mandatory filter expression
// (spec.md §6: "filter=genres = action") down to a bitmap of matching
// documents. Only the single "field = value" shape is supported today;
// richer boolean filter grammars are explicitly out of scope (spec.md §1
// Non-goals), so anything else is rejected rather than silently ignored.
func applyFilter(idx *index.Index, filter string) (*bitmap.Bitmap, error) {
	field, value, ok := splitEquality(filter)
	if !ok {
		return nil, errors.New(errors.CodeInvalidFilter, "unsupported filter expression %q", filter)
	}
	return idx.FacetValues(field, value)
}

// splitEquality parses the single "field = value" shape this engine's
// filter grammar supports, tolerating surrounding whitespace around the
// operator.
func splitEquality(filter string) (field, value string, ok bool) {
	i := strings.Index(filter, "=")
	if i < 0 {
		return "", "", false
	}
	field = strings.TrimSpace(filter[:i])
	value = strings.Trim(strings.TrimSpace(filter[i+1:]), `"'`)
	if field == "" || value == "" {
		return "", "", false
	}
	return field, value, true
}

func bucketByLength(vocab []string) map[int][]string {
	byLen := make(map[int][]string)
	for _, w := range vocab {
		n := len([]rune(w))
		byLen[n] = append(byLen[n], w)
	}
	return byLen
}

// candidatesWithinDistance returns every word in byLen whose length
// differs from term by at most maxDist (a necessary precondition for edit
// distance <= maxDist) and whose Damerau-Levenshtein distance to term is
// exactly within budget, filtered against the index's real vocabulary so
// the query graph never carries a typo node with zero possible postings.
func candidatesWithinDistance(term string, byLen map[int][]string, maxDist int) []string {
	var out []string
	termLen := len([]rune(term))
	for l := termLen - maxDist; l <= termLen+maxDist; l++ {
		for _, w := range byLen[l] {
			if w == term {
				continue
			}
			if editDistance(term, w) <= maxDist {
				out = append(out, w)
			}
		}
	}
	return out
}

// editDistance computes Damerau-Levenshtein distance (insert, delete,
// substitute, adjacent transpose) between a and b. Core domain logic, not
// ambient infra — no library in the retrieval pack implements typo
// tolerance, so this stays a small hand-rolled function rather than
// reaching for an out-of-pack dependency.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	d := make([][]int, la+1)
	for i := range d {
		d[i] = make([]int, lb+1)
		d[i][0] = i
	}
	for j := 0; j <= lb; j++ {
		d[0][j] = j
	}
	for i := 1; i <= la; i++ {
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := d[i-1][j] + 1
			ins := d[i][j-1] + 1
			sub := d[i-1][j-1] + cost
			best := del
			if ins < best {
				best = ins
			}
			if sub < best {
				best = sub
			}
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				if t := d[i-2][j-2] + 1; t < best {
					best = t
				}
			}
			d[i][j] = best
		}
	}
	return d[la][lb]
}
