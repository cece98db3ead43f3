// Package query turns a raw search string into the QueryGraph spec.md §3
// and §4.4 describe: tokenize, derive each term's typo/prefix/split/
// synonym/phrase variants, generate n-grams across consecutive terms, and
// connect everything into a DAG with unique Start/End nodes that the
// ranking pipeline (internal/ranking) walks.
//
// Grounded on spec.md §4.4 directly for derivation rules; the node/edge
// DAG shape mirrors the "contiguous position-range, minimal-gap edge"
// description literally, since nothing in the retrieval pack implements a
// comparable query expansion graph (the teacher's query layer,
// secondary/queryport, is a wire-protocol client for pre-built index scans,
// not a query-language front end).
package query

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// TermKind tags which derivation a Node represents.
type TermKind int

const (
	TermExact TermKind = iota
	TermTypo1
	TermTypo2
	TermPrefix
	TermSplit
	TermSynonym
	TermPhrase
	TermNgram
)

func (k TermKind) String() string {
	switch k {
	case TermExact:
		return "exact"
	case TermTypo1:
		return "typo1"
	case TermTypo2:
		return "typo2"
	case TermPrefix:
		return "prefix"
	case TermSplit:
		return "split"
	case TermSynonym:
		return "synonym"
	case TermPhrase:
		return "phrase"
	case TermNgram:
		return "ngram"
	}
	return "unknown"
}

// Node is an interior vertex of the QueryGraph: one term derivation
// covering [Start,End] positions (inclusive, in original query term
// indices).
type Node struct {
	ID    int
	Kind  TermKind
	Words []string // one word (exact/typo/prefix/synonym) or several (phrase/ngram/split)
	Start int
	End   int
}

// isSentinel reports whether n is the graph's synthetic Start (-1) or
// End (-2) sentinel.
func (n *Node) isSentinel() bool { return n.ID == startNodeID || n.ID == endNodeID }

const (
	startNodeID = -1
	endNodeID   = -2
)

// Graph is the query DAG of spec.md §3: unique Start/End nodes, interior
// nodes reachable from Start and able to reach End (unreachable nodes are
// pruned by Build).
type Graph struct {
	Nodes []*Node
	Edges map[int][]int // node id -> successor node ids

	OriginalTerms []string
}

// TypoTolerance gates minimum word length for typo-1/typo-2 derivation,
// mirroring index.TypoTolerance without importing internal/index (query
// construction has no dependency on a particular index's settings type).
type TypoTolerance struct {
	OneTypo  int
	TwoTypos int
}

// Options configures graph construction.
type Options struct {
	Typo          TypoTolerance
	Synonyms      map[string][]string
	NgramsEnabled bool
	// Typo1Of / Typo2Of generate the candidate words within edit distance
	// 1 / 2 of a term, filtered against the indexed vocabulary by the
	// caller (this package only builds the graph; it does not own the
	// vocabulary membership test — internal/ranking's Words/Typo rules
	// resolve each node's Words against index postings).
	Typo1Of func(word string) []string
	Typo2Of func(word string) []string
}

// Build tokenizes q, applies quoting/phrase rules, and constructs the DAG.
func Build(q string, opts Options) *Graph {
	terms, phraseRanges := tokenizeWithPhrases(q)
	g := &Graph{OriginalTerms: terms, Edges: map[int][]int{}}

	nextID := 0
	newNode := func(kind TermKind, words []string, start, end int) *Node {
		n := &Node{ID: nextID, Kind: kind, Words: words, Start: start, End: end}
		nextID++
		g.Nodes = append(g.Nodes, n)
		return n
	}

	// One slice of candidate nodes per original term position, used to
	// wire minimal-gap edges below.
	byPosition := make(map[int][]*Node)

	inPhrase := func(i int) (int, int, bool) {
		for _, r := range phraseRanges {
			if i >= r[0] && i <= r[1] {
				return r[0], r[1], true
			}
		}
		return 0, 0, false
	}

	handled := map[int]bool{}
	for i, term := range terms {
		if handled[i] {
			continue
		}
		if start, end, ok := inPhrase(i); ok {
			words := append([]string{}, terms[start:end+1]...)
			n := newNode(TermPhrase, words, start, end)
			byPosition[start] = append(byPosition[start], n)
			for j := start; j <= end; j++ {
				handled[j] = true
			}
			continue
		}

		n := newNode(TermExact, []string{term}, i, i)
		byPosition[i] = append(byPosition[i], n)

		wordLen := len([]rune(term))
		if opts.Typo1Of != nil && wordLen >= opts.Typo.OneTypo {
			for _, w := range opts.Typo1Of(term) {
				tn := newNode(TermTypo1, []string{w}, i, i)
				byPosition[i] = append(byPosition[i], tn)
			}
		}
		if opts.Typo2Of != nil && wordLen >= opts.Typo.TwoTypos {
			for _, w := range opts.Typo2Of(term) {
				tn := newNode(TermTypo2, []string{w}, i, i)
				byPosition[i] = append(byPosition[i], tn)
			}
		}
		if wordLen > 0 {
			pn := newNode(TermPrefix, []string{term}, i, i)
			byPosition[i] = append(byPosition[i], pn)
		}
		if syns, ok := opts.Synonyms[strings.ToLower(term)]; ok {
			for _, s := range syns {
				sn := newNode(TermSynonym, []string{s}, i, i)
				byPosition[i] = append(byPosition[i], sn)
			}
		}
		if splitA, splitB, ok := trySplit(term); ok {
			sn := newNode(TermSplit, []string{splitA, splitB}, i, i)
			byPosition[i] = append(byPosition[i], sn)
		}
	}

	if opts.NgramsEnabled {
		buildNgrams(terms, handled, byPosition, newNode)
	}

	wireEdges(g, byPosition, len(terms))
	pruneUnreachable(g)
	return g
}

// trySplit proposes a two-word split of a concatenated term (e.g.
// "icecream" -> "ice","cream") when the term is long enough to plausibly
// be two words glued together; without a frequency dictionary in the pack
// to validate candidate splits against, this only proposes the midpoint
// split, leaving the ranking pipeline's Words rule to discard it if
// neither half has any postings.
func trySplit(term string) (string, string, bool) {
	runes := []rune(term)
	if len(runes) < 6 {
		return "", "", false
	}
	mid := len(runes) / 2
	return string(runes[:mid]), string(runes[mid:]), true
}

func buildNgrams(terms []string, handled map[int]bool, byPosition map[int][]*Node, newNode func(TermKind, []string, int, int) *Node) {
	for i := range terms {
		if handled[i] {
			continue
		}
		if i >= 1 && !handled[i-1] {
			words := []string{terms[i-1], terms[i]}
			n := newNode(TermNgram, words, i-1, i)
			byPosition[i-1] = append(byPosition[i-1], n)
		}
		if i >= 2 && !handled[i-1] && !handled[i-2] {
			words := []string{terms[i-2], terms[i-1], terms[i]}
			n := newNode(TermNgram, words, i-2, i)
			byPosition[i-2] = append(byPosition[i-2], n)
		}
	}
}

// wireEdges connects Start to every node beginning at position 0, End
// from every node ending at the last position, and between nodes A->B
// where B's Start is the smallest position strictly greater than A's End
// (spec.md §3's "minimal among candidates" edge rule).
func wireEdges(g *Graph, byPosition map[int][]*Node, numTerms int) {
	start := &Node{ID: startNodeID}
	end := &Node{ID: endNodeID}
	g.Nodes = append([]*Node{start}, g.Nodes...)
	g.Nodes = append(g.Nodes, end)

	for pos, nodes := range byPosition {
		if pos == 0 {
			for _, n := range nodes {
				g.Edges[start.ID] = append(g.Edges[start.ID], n.ID)
			}
		}
	}

	lastPos := numTerms - 1
	for _, n := range g.Nodes {
		if n.isSentinel() || n.End != lastPos {
			continue
		}
		g.Edges[n.ID] = append(g.Edges[n.ID], end.ID)
	}

	for _, from := range g.Nodes {
		if from.isSentinel() {
			continue
		}
		minGapStart := -1
		for pos := range byPosition {
			if pos > from.End && (minGapStart == -1 || pos < minGapStart) {
				minGapStart = pos
			}
		}
		if minGapStart == -1 {
			continue
		}
		for _, to := range byPosition[minGapStart] {
			g.Edges[from.ID] = append(g.Edges[from.ID], to.ID)
		}
	}
}

// pruneUnreachable removes nodes that cannot reach End or cannot be
// reached from Start, the invariant spec.md §3 states for QueryGraph.
func pruneUnreachable(g *Graph) {
	reachableFromStart := bfs(g.Edges, startNodeID)
	reverse := map[int][]int{}
	for from, tos := range g.Edges {
		for _, to := range tos {
			reverse[to] = append(reverse[to], from)
		}
	}
	reachesEnd := bfs(reverse, endNodeID)

	var kept []*Node
	for _, n := range g.Nodes {
		if n.isSentinel() || (reachableFromStart[n.ID] && reachesEnd[n.ID]) {
			kept = append(kept, n)
		}
	}
	g.Nodes = kept

	for from, tos := range g.Edges {
		if from != startNodeID && !(reachableFromStart[from] && reachesEnd[from]) {
			delete(g.Edges, from)
			continue
		}
		var keptTos []int
		for _, to := range tos {
			if to == endNodeID || (reachableFromStart[to] && reachesEnd[to]) {
				keptTos = append(keptTos, to)
			}
		}
		g.Edges[from] = keptTos
	}
}

func bfs(edges map[int][]int, from int) map[int]bool {
	visited := map[int]bool{from: true}
	queue := []int{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return visited
}

// tokenizeWithPhrases splits q on whitespace, treating a double-quoted
// span as one phrase (spanning multiple terms); an unclosed quote runs to
// end-of-query, per spec.md §4.4's documented policy.
func tokenizeWithPhrases(q string) ([]string, [][2]int) {
	var terms []string
	var phraseRanges [][2]int

	fields := splitKeepingQuotes(q)
	inQuote := false
	phraseStart := -1
	for _, f := range fields {
		term := f
		opensQuote := strings.HasPrefix(term, `"`) && !strings.HasSuffix(term, `"`)
		closesQuote := strings.HasSuffix(term, `"`) && !strings.HasPrefix(term, `"`)
		isWholeQuoted := strings.HasPrefix(term, `"`) && strings.HasSuffix(term, `"`) && len(term) > 1

		term = strings.Trim(term, `"`)
		if term == "" {
			continue
		}
		idx := len(terms)
		terms = append(terms, strings.ToLower(term))

		switch {
		case isWholeQuoted:
			phraseRanges = append(phraseRanges, [2]int{idx, idx})
		case opensQuote && !inQuote:
			inQuote = true
			phraseStart = idx
		case closesQuote && inQuote:
			inQuote = false
			phraseRanges = append(phraseRanges, [2]int{phraseStart, idx})
		}
	}
	if inQuote {
		phraseRanges = append(phraseRanges, [2]int{phraseStart, len(terms) - 1})
	}
	return terms, phraseRanges
}

func splitKeepingQuotes(q string) []string {
	return strings.Fields(q)
}

// Hash returns a stable 64-bit xxhash of word. Postings and the ranking
// rules key on the word string itself, not on this hash.
func Hash(word string) uint64 {
	return xxhash.Sum64String(word)
}
