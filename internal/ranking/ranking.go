// Package ranking implements the ordered rule stack of spec.md §4.4: each
// rule consumes a universe bitmap plus shared SearchContext state and
// yields buckets that partition it, with the next rule refining inside
// each bucket. Rules are a fixed set of implementations of the Rule
// interface, resolved by name in Build.
package ranking

import (
	"math"
	"sort"
	"time"

	"github.com/latticedb/lattice/internal/bitmap"
	"github.com/latticedb/lattice/internal/index"
	"github.com/latticedb/lattice/internal/query"
	"github.com/latticedb/lattice/internal/vectorstore"
)

// RuleName identifies a stack entry by its spec.md §4.4 name.
type RuleName string

const (
	RuleWords      RuleName = "words"
	RuleTypo       RuleName = "typo"
	RuleProximity  RuleName = "proximity"
	RuleAttribute  RuleName = "attribute"
	RuleExactness  RuleName = "exactness"
	RuleSort       RuleName = "sort"
	RuleGeo        RuleName = "geo"
	RuleVector     RuleName = "vector"
)

// ScoreDetail is one rule's locally-normalized contribution, rank/max_rank
// kept addressable so callers can explain final ordering (spec.md §4.4
// "Score aggregation"). Grounded on the original implementation's
// score_details.rs: a local Rank/MaxRank pair folded, across the whole
// rule stack, into one GlobalScore by lexicographic merge.
type ScoreDetail struct {
	Rule    RuleName
	Rank    int
	MaxRank int
	Skipped bool // set when a soft time budget truncated this rule
}

// Normalized returns this detail's score in [0,1]; MaxRank==0 (a rule that
// never discriminated, e.g. every candidate tied) normalizes to 1.
func (d ScoreDetail) Normalized() float64 {
	if d.MaxRank <= 0 {
		return 1
	}
	return 1 - float64(d.Rank)/float64(d.MaxRank)
}

// GlobalScore folds a document's ordered ScoreDetails (one per rule it
// passed through) into a single comparable float by lexicographic merge:
// earlier rules dominate, exactly mirroring the pipeline's own precedence.
func GlobalScore(details []ScoreDetail) float64 {
	score := 0.0
	weight := 1.0
	for _, d := range details {
		score += d.Normalized() * weight
		weight /= 1000 // keep earlier rules strictly dominant
	}
	return score
}

// Bucket is a rule's output: a set of document ids that share the same
// local score, plus the detail that produced them.
type Bucket struct {
	Candidates *bitmap.Bitmap
	Detail     ScoreDetail
}

// SearchContext carries everything a rule needs beyond the universe it is
// handed: the parsed query graph, per-document term-position data, the
// target index, and the request's sort/geo/vector parameters.
type SearchContext struct {
	Index    *index.Index
	Graph    *query.Graph
	Deadline time.Time

	RemovalOrder string // "last" | "frequency"; no rule reads it (Words ranks by match count alone)
	SortField    string
	SortAsc      bool
	GeoRef       *GeoPoint
	GeoField     string
	VectorQuery  []float32
	VectorField  string
	VectorMetric vectorstore.Metric

	// attribute order: searchable attributes in declared priority order,
	// for the Attribute rule.
	AttributeOrder []string
}

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Lat, Lng float64
}

func (c *SearchContext) timeUp() bool {
	return !c.Deadline.IsZero() && time.Now().After(c.Deadline)
}

// Rule is one stage of the stack: Run is called once for each bucket the
// previous rule produced, with that bucket as its universe.
type Rule interface {
	Name() RuleName
	// Run partitions universe into zero or more Buckets, in priority
	// order (best bucket first). Every rule except Words accounts for the
	// whole universe across its buckets; Words drops documents that match
	// no query term.
	Run(ctx *SearchContext, universe *bitmap.Bitmap) []Bucket
}

// DefaultStack is the rule order spec.md §4.4 lists, also index.Settings'
// zero-value default.
func DefaultStack() []RuleName {
	return []RuleName{RuleWords, RuleTypo, RuleProximity, RuleAttribute, RuleExactness, RuleSort, RuleGeo, RuleVector}
}

// Build resolves rule names to their implementations.
func Build(names []RuleName) []Rule {
	rules := make([]Rule, 0, len(names))
	for _, n := range names {
		switch n {
		case RuleWords:
			rules = append(rules, &wordsRule{})
		case RuleTypo:
			rules = append(rules, &typoRule{})
		case RuleProximity:
			rules = append(rules, &proximityRule{})
		case RuleAttribute:
			rules = append(rules, &attributeRule{})
		case RuleExactness:
			rules = append(rules, &exactnessRule{})
		case RuleSort:
			rules = append(rules, &sortRule{})
		case RuleGeo:
			rules = append(rules, &geoRule{})
		case RuleVector:
			rules = append(rules, &vectorRule{})
		}
	}
	return rules
}

// Hit is one ranked result: a document id plus the full chain of score
// details that produced its position.
type Hit struct {
	DocID   uint32
	Details []ScoreDetail
	Score   float64
}

// Run executes the whole stack against universe, feeding each rule's
// buckets as the next rule's universes, and flattens the result into a
// score-ordered Hit list (spec.md §4.4 "Rule contract").
func Run(ctx *SearchContext, stack []Rule, universe *bitmap.Bitmap) []Hit {
	type frame struct {
		ids     *bitmap.Bitmap
		details []ScoreDetail
	}
	frames := []frame{{ids: universe}}

	for _, rule := range stack {
		var next []frame
		if ctx.timeUp() {
			for _, f := range frames {
				f.details = append(f.details, ScoreDetail{Rule: rule.Name(), Skipped: true})
				next = append(next, f)
			}
			frames = next
			continue
		}
		for _, f := range frames {
			buckets := rule.Run(ctx, f.ids)
			for _, b := range buckets {
				if b.Candidates.IsEmpty() {
					continue
				}
				details := append(append([]ScoreDetail{}, f.details...), b.Detail)
				next = append(next, frame{ids: b.Candidates, details: details})
			}
		}
		frames = next
	}

	var hits []Hit
	for _, f := range frames {
		it := f.ids.Iterator()
		for it.HasNext() {
			id := it.Next()
			hits = append(hits, Hit{DocID: id, Details: f.details, Score: GlobalScore(f.details)})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits
}

func clampProximity(gap int) int {
	if gap > 7 {
		return 7
	}
	if gap < 0 {
		return 0
	}
	return gap
}

func roundScore(f float64) int {
	return int(math.Round(f * 1000))
}
