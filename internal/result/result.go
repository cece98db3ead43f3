// Package result assembles the final search response: apply pagination
// to a ranked hit list, hydrate each surviving document id back to its
// JSON fields, and fold the ranking pipeline's per-rule ScoreDetails into
// an explain view — the last stage of spec.md §2's "Result assembler"
// component, after internal/ranking has produced an ordered Hit list.
//
// Grounded on the teacher's scan-client pagination idiom
// (secondary/queryport/client/scan_client.go's offset/limit protobuf
// fields) for the shape of "caller supplies offset+limit, the assembler
// slices a materialized result set" — the teacher paginates wire-protocol
// scan results, this paginates a ranked hit list, but the offset/limit
// contract and "estimated total" framing are the same.
package result

import (
	"github.com/latticedb/lattice/internal/errors"
	"github.com/latticedb/lattice/internal/index"
	"github.com/latticedb/lattice/internal/ranking"
)

// Hit is one hydrated, paginated search result.
type Hit struct {
	Document     map[string]interface{} `json:"-"`
	Fields       map[string]interface{} `json:"_fields"`
	Score        float64                 `json:"_score"`
	RankingScore []ranking.ScoreDetail    `json:"_rankingScoreDetails,omitempty"`
}

// Page is the assembled, paginated response body for one search request,
// mirroring spec.md §6's Search API response shape.
type Page struct {
	Hits               []Hit  `json:"hits"`
	Query              string `json:"query"`
	ProcessingTimeMs    int64  `json:"processingTimeMs"`
	Limit              int    `json:"limit"`
	Offset             int    `json:"offset"`
	EstimatedTotalHits int    `json:"estimatedTotalHits"`
}

// Options configures one assembly pass.
type Options struct {
	Query                 string
	Offset                int
	Limit                 int
	AttributesToRetrieve  []string // empty means "all"
	RetrieveVectors       bool
	ShowRankingScore       bool // attach per-rule ScoreDetails for explain
	ProcessingTimeMs       int64
}

// Assemble slices hits to [Offset, Offset+Limit), hydrates each surviving
// document from idx, and projects it down to AttributesToRetrieve.
// EstimatedTotalHits is the full length of the ranked hit list: the
// ranking pipeline walks the whole matching universe before pagination
// (spec.md §4.4's rule contract has no early-exit on offset/limit), so
// the count is exact, not sampled.
func Assemble(idx *index.Index, hits []ranking.Hit, opts Options) (*Page, error) {
	total := len(hits)
	page := &Page{
		Query:            opts.Query,
		ProcessingTimeMs: opts.ProcessingTimeMs,
		Limit:            opts.Limit,
		Offset:           opts.Offset,
		EstimatedTotalHits: total,
	}

	if opts.Offset >= total || opts.Limit <= 0 {
		return page, nil
	}
	end := opts.Offset + opts.Limit
	if end > total {
		end = total
	}
	window := hits[opts.Offset:end]

	page.Hits = make([]Hit, 0, len(window))
	for _, h := range window {
		fields, _, err := idx.Document(h.DocID)
		if err != nil {
			return nil, errors.Wrap(errors.CodeInternal, err, "hydrate document %d", h.DocID)
		}
		if fields == nil {
			continue // deleted between rule evaluation and hydration; skip rather than fail the page
		}
		projected := project(fields, opts.AttributesToRetrieve, opts.RetrieveVectors)
		hit := Hit{Document: fields, Fields: projected, Score: h.Score}
		if opts.ShowRankingScore {
			hit.RankingScore = h.Details
		}
		page.Hits = append(page.Hits, hit)
	}
	return page, nil
}

// project copies fields into a new map restricted to attrs (all fields
// if attrs is empty), dropping the reserved "_vectors" key unless the
// caller explicitly asked to retrieve vectors (spec.md §6: "Vectors are
// omitted unless retrieveVectors=true even when included in
// attributesToRetrieve").
func project(fields map[string]interface{}, attrs []string, retrieveVectors bool) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	if len(attrs) == 0 {
		for k, v := range fields {
			if k == "_vectors" && !retrieveVectors {
				continue
			}
			out[k] = v
		}
		return out
	}
	for _, a := range attrs {
		if a == "_vectors" && !retrieveVectors {
			continue
		}
		if v, ok := fields[a]; ok {
			out[a] = v
		}
	}
	return out
}

// Explain returns a rule-by-rule breakdown of h's score, in pipeline
// order, for callers that want to render why a hit ranked where it did
// (spec.md §4.4 "detailed ranks stay addressable so callers can explain
// the ordering").
func Explain(h Hit) []ranking.ScoreDetail {
	return h.RankingScore
}
