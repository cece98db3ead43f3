package ranking

import (
	"math"
	"sort"

	"github.com/latticedb/lattice/internal/bitmap"
	"github.com/latticedb/lattice/internal/query"
)

// nodesAtPosition groups the query graph's non-sentinel nodes by their
// Start position; a phrase or n-gram node is listed only under the
// position it starts at.
func nodesAtPosition(g *query.Graph) map[int][]*query.Node {
	byPos := map[int][]*query.Node{}
	if g == nil {
		return byPos
	}
	for _, n := range g.Nodes {
		if n.ID < 0 {
			continue
		}
		byPos[n.Start] = append(byPos[n.Start], n)
	}
	return byPos
}

// typoWeight is the typo-derivation weight the Typo rule sums
// (0 = exact/phrase/ngram, 1 = typo-1/prefix/synonym, 2 = typo-2/split).
func typoWeight(k query.TermKind) int {
	switch k {
	case query.TermExact, query.TermPhrase, query.TermNgram:
		return 0
	case query.TermTypo1, query.TermPrefix, query.TermSynonym:
		return 1
	default:
		return 2
	}
}

// wordsRule buckets documents by how many distinct query-term positions
// they match, most-matched first (a document matching k of n terms sits in
// the bucket for k). No removal order is applied: documents matching the
// same number of positions share a bucket whichever terms they miss, and
// SearchContext.RemovalOrder is not read.
type wordsRule struct{}

func (r *wordsRule) Name() RuleName { return RuleWords }

func (r *wordsRule) Run(ctx *SearchContext, universe *bitmap.Bitmap) []Bucket {
	byPos := nodesAtPosition(ctx.Graph)
	if len(byPos) == 0 {
		return []Bucket{{Candidates: universe, Detail: ScoreDetail{Rule: RuleWords}}}
	}

	matchCount := map[uint32]int{}
	it := universe.Iterator()
	for it.HasNext() {
		matchCount[it.Next()] = 0
	}

	for _, nodes := range byPos {
		positionBitmap := bitmap.New()
		for _, n := range nodes {
			for _, w := range n.Words {
				bm, err := ctx.Index.Postings(w)
				if err == nil && bm != nil {
					positionBitmap.Or(bm)
				}
			}
		}
		posIt := positionBitmap.Iterator()
		for posIt.HasNext() {
			id := posIt.Next()
			if _, ok := matchCount[id]; ok {
				matchCount[id]++
			}
		}
	}

	maxRank := len(byPos)
	groups := map[int]*bitmap.Bitmap{}
	for id, count := range matchCount {
		if count == 0 {
			continue // matched nothing; dropped from the universe entirely
		}
		if groups[count] == nil {
			groups[count] = bitmap.New()
		}
		groups[count].Add(id)
	}

	var counts []int
	for c := range groups {
		counts = append(counts, c)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(counts)))

	buckets := make([]Bucket, 0, len(counts))
	for _, c := range counts {
		rank := maxRank - c
		buckets = append(buckets, Bucket{
			Candidates: groups[c],
			Detail:     ScoreDetail{Rule: RuleWords, Rank: rank, MaxRank: maxRank},
		})
	}
	return buckets
}

// typoRule buckets by the minimum typo-derivation weight (exact=0 ..
// split/typo2=2) among the nodes that actually matched each document,
// summed across query positions — fewer/lighter typos rank first.
type typoRule struct{}

func (r *typoRule) Name() RuleName { return RuleTypo }

func (r *typoRule) Run(ctx *SearchContext, universe *bitmap.Bitmap) []Bucket {
	byPos := nodesAtPosition(ctx.Graph)
	if len(byPos) == 0 {
		return []Bucket{{Candidates: universe, Detail: ScoreDetail{Rule: RuleTypo}}}
	}

	totalTypo := map[uint32]int{}
	it := universe.Iterator()
	for it.HasNext() {
		totalTypo[it.Next()] = 0
	}

	for _, nodes := range byPos {
		best := map[uint32]int{}
		for _, n := range nodes {
			w := typoWeight(n.Kind)
			for _, word := range n.Words {
				bm, err := ctx.Index.Postings(word)
				if err != nil || bm == nil {
					continue
				}
				posIt := bm.Iterator()
				for posIt.HasNext() {
					id := posIt.Next()
					if cur, ok := best[id]; !ok || w < cur {
						best[id] = w
					}
				}
			}
		}
		for id, w := range best {
			if _, ok := totalTypo[id]; ok {
				totalTypo[id] += w
			}
		}
	}

	maxRank := 2 * len(byPos)
	groups := map[int]*bitmap.Bitmap{}
	it = universe.Iterator()
	for it.HasNext() {
		id := it.Next()
		rank := totalTypo[id]
		if groups[rank] == nil {
			groups[rank] = bitmap.New()
		}
		groups[rank].Add(id)
	}

	var ranks []int
	for rk := range groups {
		ranks = append(ranks, rk)
	}
	sort.Ints(ranks)

	buckets := make([]Bucket, 0, len(ranks))
	for _, rk := range ranks {
		buckets = append(buckets, Bucket{
			Candidates: groups[rk],
			Detail:     ScoreDetail{Rule: RuleTypo, Rank: rk, MaxRank: maxRank},
		})
	}
	return buckets
}

// proximityRule sums clamped position gaps (spec.md §4.4: clamp 7) between
// consecutive matched query positions' occurrences within each document,
// using whichever node at each position actually has a posting for that
// document — plane-sweep across the per-document position lists stored by
// internal/index (rather than a set-only intersection) since exact gaps
// need real offsets.
type proximityRule struct{}

func (r *proximityRule) Name() RuleName { return RuleProximity }

func (r *proximityRule) Run(ctx *SearchContext, universe *bitmap.Bitmap) []Bucket {
	byPos := nodesAtPosition(ctx.Graph)
	var positions []int
	for p := range byPos {
		positions = append(positions, p)
	}
	sort.Ints(positions)
	if len(positions) < 2 {
		return []Bucket{{Candidates: universe, Detail: ScoreDetail{Rule: RuleProximity}}}
	}

	maxRank := 7 * (len(positions) - 1)
	groups := map[int]*bitmap.Bitmap{}

	it := universe.Iterator()
	for it.HasNext() {
		docID := it.Next()
		var prevOffsets []int
		total := 0
		for _, p := range positions {
			var offsets []int
			for _, n := range byPos[p] {
				for _, w := range n.Words {
					occ, err := ctx.Index.Positions(w, docID)
					if err != nil {
						continue
					}
					for _, o := range occ {
						offsets = append(offsets, o.Pos)
					}
				}
			}
			if len(offsets) == 0 {
				continue
			}
			if prevOffsets != nil {
				total += clampProximity(minGap(prevOffsets, offsets))
			}
			prevOffsets = offsets
		}
		if groups[total] == nil {
			groups[total] = bitmap.New()
		}
		groups[total].Add(docID)
	}

	var ranks []int
	for rk := range groups {
		ranks = append(ranks, rk)
	}
	sort.Ints(ranks)

	buckets := make([]Bucket, 0, len(ranks))
	for _, rk := range ranks {
		buckets = append(buckets, Bucket{
			Candidates: groups[rk],
			Detail:     ScoreDetail{Rule: RuleProximity, Rank: rk, MaxRank: maxRank},
		})
	}
	return buckets
}

func minGap(a, b []int) int {
	best := -1
	for _, x := range a {
		for _, y := range b {
			gap := y - x
			if gap < 0 {
				gap = -gap
			}
			if best == -1 || gap < best {
				best = gap
			}
		}
	}
	if best == -1 {
		return 7
	}
	return best
}

// attributeRule prefers matches in attributes declared earlier in
// SearchableAttributes, then earlier in-attribute position.
type attributeRule struct{}

func (r *attributeRule) Name() RuleName { return RuleAttribute }

func (r *attributeRule) Run(ctx *SearchContext, universe *bitmap.Bitmap) []Bucket {
	order := ctx.AttributeOrder
	if len(order) == 0 {
		return []Bucket{{Candidates: universe, Detail: ScoreDetail{Rule: RuleAttribute}}}
	}
	fieldRank := make(map[string]int, len(order))
	for i, f := range order {
		fieldRank[f] = i
	}

	byPos := nodesAtPosition(ctx.Graph)
	// Each attribute spans posStride ranks, ordered by in-field position;
	// positions at or past posStride-1 share the attribute's last rank.
	const posStride = 1000
	maxRank := len(order) * posStride
	groups := map[int]*bitmap.Bitmap{}

	it := universe.Iterator()
	for it.HasNext() {
		docID := it.Next()
		best := maxRank
		for _, nodes := range byPos {
			for _, n := range nodes {
				for _, w := range n.Words {
					occ, err := ctx.Index.Positions(w, docID)
					if err != nil {
						continue
					}
					for _, o := range occ {
						fr, ok := fieldRank[o.Field]
						if !ok {
							continue
						}
						pos := o.Pos
						if pos > posStride-1 {
							pos = posStride - 1
						}
						if rk := fr*posStride + pos; rk < best {
							best = rk
						}
					}
				}
			}
		}
		if groups[best] == nil {
			groups[best] = bitmap.New()
		}
		groups[best].Add(docID)
	}

	var ranks []int
	for rk := range groups {
		ranks = append(ranks, rk)
	}
	sort.Ints(ranks)

	buckets := make([]Bucket, 0, len(ranks))
	for _, rk := range ranks {
		buckets = append(buckets, Bucket{
			Candidates: groups[rk],
			Detail:     ScoreDetail{Rule: RuleAttribute, Rank: rk, MaxRank: maxRank},
		})
	}
	return buckets
}

// exactnessRule buckets exact-match (0) > matches-start (1) > no-exact (2).
type exactnessRule struct{}

func (r *exactnessRule) Name() RuleName { return RuleExactness }

func (r *exactnessRule) Run(ctx *SearchContext, universe *bitmap.Bitmap) []Bucket {
	byPos := nodesAtPosition(ctx.Graph)
	if len(byPos) == 0 {
		return []Bucket{{Candidates: universe, Detail: ScoreDetail{Rule: RuleExactness}}}
	}
	exactWords := map[int][]string{}
	for p, nodes := range byPos {
		for _, n := range nodes {
			if n.Kind == query.TermExact {
				exactWords[p] = append(exactWords[p], n.Words...)
			}
		}
	}

	groups := map[int]*bitmap.Bitmap{0: bitmap.New(), 1: bitmap.New(), 2: bitmap.New()}
	it := universe.Iterator()
	for it.HasNext() {
		docID := it.Next()
		exactCount := 0
		startsExact := false
		for p, words := range exactWords {
			for _, w := range words {
				occ, err := ctx.Index.Positions(w, docID)
				if err != nil || len(occ) == 0 {
					continue
				}
				exactCount++
				if p == 0 {
					for _, o := range occ {
						if o.Pos == 0 {
							startsExact = true
						}
					}
				}
			}
		}
		switch {
		case exactCount == len(exactWords) && exactCount > 0:
			groups[0].Add(docID)
		case startsExact:
			groups[1].Add(docID)
		default:
			groups[2].Add(docID)
		}
	}

	buckets := make([]Bucket, 0, 3)
	for rk := 0; rk <= 2; rk++ {
		if groups[rk].IsEmpty() {
			continue
		}
		buckets = append(buckets, Bucket{
			Candidates: groups[rk],
			Detail:     ScoreDetail{Rule: RuleExactness, Rank: rk, MaxRank: 2},
		})
	}
	return buckets
}

// sortRule applies a user-declared field ordering: numeric before string,
// nulls last ascending / first descending (spec.md §4.4).
type sortRule struct{}

func (r *sortRule) Name() RuleName { return RuleSort }

func (r *sortRule) Run(ctx *SearchContext, universe *bitmap.Bitmap) []Bucket {
	if ctx.SortField == "" {
		return []Bucket{{Candidates: universe, Detail: ScoreDetail{Rule: RuleSort}}}
	}
	type entry struct {
		id   uint32
		val  interface{}
		null bool
	}
	var entries []entry
	it := universe.Iterator()
	for it.HasNext() {
		id := it.Next()
		fields, _, err := ctx.Index.Document(id)
		if err != nil || fields == nil {
			entries = append(entries, entry{id: id, null: true})
			continue
		}
		v, ok := fields[ctx.SortField]
		entries = append(entries, entry{id: id, val: v, null: !ok || v == nil})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.null != b.null {
			if ctx.SortAsc {
				return !a.null // non-null first ascending, nulls last
			}
			return a.null // nulls first descending
		}
		if a.null {
			return false
		}
		_, aNum := toFloat(a.val)
		_, bNum := toFloat(b.val)
		if aNum != bNum {
			return aNum // numeric before string in either direction
		}
		less, comparable := compareValues(a.val, b.val)
		if !comparable {
			return false
		}
		if ctx.SortAsc {
			return less
		}
		return !less
	})

	buckets := make([]Bucket, 0, len(entries))
	maxRank := len(entries)
	for i, e := range entries {
		buckets = append(buckets, Bucket{
			Candidates: bitmap.Of(e.id),
			Detail:     ScoreDetail{Rule: RuleSort, Rank: i, MaxRank: maxRank},
		})
	}
	return buckets
}

func compareValues(a, b interface{}) (less bool, comparable bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af < bf, true
	}
	if aok != bok {
		return aok, true // numeric precedes string
	}
	as, asok := a.(string)
	bs, bsok := b.(string)
	if asok && bsok {
		return as < bs, true
	}
	return false, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// geoRule sorts by distance from ctx.GeoRef; documents missing a geo
// field sort last.
type geoRule struct{}

func (r *geoRule) Name() RuleName { return RuleGeo }

func (r *geoRule) Run(ctx *SearchContext, universe *bitmap.Bitmap) []Bucket {
	if ctx.GeoRef == nil || ctx.GeoField == "" {
		return []Bucket{{Candidates: universe, Detail: ScoreDetail{Rule: RuleGeo}}}
	}
	type entry struct {
		id   uint32
		dist float64
		has  bool
	}
	var entries []entry
	it := universe.Iterator()
	for it.HasNext() {
		id := it.Next()
		fields, _, err := ctx.Index.Document(id)
		if err != nil || fields == nil {
			entries = append(entries, entry{id: id})
			continue
		}
		lat, latOK := toFloat(fieldAt(fields, ctx.GeoField, "lat"))
		lng, lngOK := toFloat(fieldAt(fields, ctx.GeoField, "lng"))
		if !latOK || !lngOK {
			entries = append(entries, entry{id: id})
			continue
		}
		entries = append(entries, entry{id: id, dist: haversine(ctx.GeoRef.Lat, ctx.GeoRef.Lng, lat, lng), has: true})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].has != entries[j].has {
			return entries[i].has
		}
		return entries[i].dist < entries[j].dist
	})

	buckets := make([]Bucket, 0, len(entries))
	maxRank := len(entries)
	for i, e := range entries {
		buckets = append(buckets, Bucket{
			Candidates: bitmap.Of(e.id),
			Detail:     ScoreDetail{Rule: RuleGeo, Rank: i, MaxRank: maxRank},
		})
	}
	return buckets
}

func fieldAt(fields map[string]interface{}, base, sub string) interface{} {
	if nested, ok := fields[base].(map[string]interface{}); ok {
		return nested[sub]
	}
	return fields[base+"_"+sub]
}

func haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusM = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	sinDLat := math.Sin(dLat / 2)
	sinDLng := math.Sin(dLng / 2)
	a := sinDLat*sinDLat + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*sinDLng*sinDLng
	return earthRadiusM * 2 * math.Asin(math.Sqrt(a))
}

// vectorRule scores the final universe by embedding similarity against
// ctx.VectorQuery, ranking buckets by descending similarity.
type vectorRule struct{}

func (r *vectorRule) Name() RuleName { return RuleVector }

func (r *vectorRule) Run(ctx *SearchContext, universe *bitmap.Bitmap) []Bucket {
	if len(ctx.VectorQuery) == 0 || ctx.Index.Vectors() == nil {
		return []Bucket{{Candidates: universe, Detail: ScoreDetail{Rule: RuleVector}}}
	}
	candidates := universe.ToArray()
	scores, err := ctx.Index.Vectors().Similarity(ctx.VectorQuery, candidates, ctx.VectorMetric)
	if err != nil {
		return []Bucket{{Candidates: universe, Detail: ScoreDetail{Rule: RuleVector}}}
	}

	const buckets = 1000
	groups := map[int]*bitmap.Bitmap{}
	for _, id := range candidates {
		score, ok := scores[id]
		if !ok {
			score = 0
		}
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		rank := buckets - int(score*float64(buckets))
		if groups[rank] == nil {
			groups[rank] = bitmap.New()
		}
		groups[rank].Add(id)
	}

	var ranks []int
	for rk := range groups {
		ranks = append(ranks, rk)
	}
	sort.Ints(ranks)

	out := make([]Bucket, 0, len(ranks))
	for _, rk := range ranks {
		out = append(out, Bucket{
			Candidates: groups[rk],
			Detail:     ScoreDetail{Rule: RuleVector, Rank: rk, MaxRank: buckets},
		})
	}
	return out
}
