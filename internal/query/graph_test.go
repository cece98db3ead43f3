package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeByKind(g *Graph, kind TermKind) []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func TestBuildSimpleQueryHasStartAndEnd(t *testing.T) {
	g := Build("fox jumps", Options{})
	// start, end, and an exact+prefix node per term
	require.Len(t, g.Nodes, 6)

	var sawStart, sawEnd bool
	for _, n := range g.Nodes {
		if n.ID == startNodeID {
			sawStart = true
		}
		if n.ID == endNodeID {
			sawEnd = true
		}
	}
	assert.True(t, sawStart)
	assert.True(t, sawEnd)
	assert.Len(t, g.Edges[startNodeID], 2) // exact + prefix node at position 0
}

func TestBuildLowercasesTerms(t *testing.T) {
	g := Build("Fox JUMPS", Options{})
	assert.Equal(t, []string{"fox", "jumps"}, g.OriginalTerms)
}

func TestBuildPhraseBecomesSingleNode(t *testing.T) {
	g := Build(`"quick fox" jumps`, Options{})
	phrases := nodeByKind(g, TermPhrase)
	require.Len(t, phrases, 1)
	assert.Equal(t, []string{"quick", "fox"}, phrases[0].Words)
	assert.Equal(t, 0, phrases[0].Start)
	assert.Equal(t, 1, phrases[0].End)
}

func TestBuildGeneratesTypoCandidatesAboveMinLength(t *testing.T) {
	opts := Options{
		Typo: TypoTolerance{OneTypo: 4, TwoTypos: 8},
		Typo1Of: func(word string) []string {
			return []string{word + "x"}
		},
	}
	g := Build("cats", opts)
	typo1 := nodeByKind(g, TermTypo1)
	require.Len(t, typo1, 1)
	assert.Equal(t, []string{"catsx"}, typo1[0].Words)
}

func TestBuildSkipsTyposBelowMinLength(t *testing.T) {
	opts := Options{
		Typo: TypoTolerance{OneTypo: 10, TwoTypos: 20},
		Typo1Of: func(word string) []string {
			return []string{"should-not-appear"}
		},
	}
	g := Build("cat", opts)
	assert.Empty(t, nodeByKind(g, TermTypo1))
}

func TestBuildSynonymNode(t *testing.T) {
	g := Build("car", Options{Synonyms: map[string][]string{"car": {"automobile"}}})
	syns := nodeByKind(g, TermSynonym)
	require.Len(t, syns, 1)
	assert.Equal(t, []string{"automobile"}, syns[0].Words)
}

func TestBuildNgramsOptional(t *testing.T) {
	without := Build("a b c", Options{})
	assert.Empty(t, nodeByKind(without, TermNgram))

	with := Build("a b c", Options{NgramsEnabled: true})
	assert.NotEmpty(t, nodeByKind(with, TermNgram))
}

func TestPruneUnreachableKeepsOnlyNodesOnAStartToEndPath(t *testing.T) {
	g := Build("fox", Options{})
	for _, n := range g.Nodes {
		if n.isSentinel() {
			continue
		}
		assert.NotEmptyf(t, g.Edges[n.ID], "node %d (kind %s) must have an outgoing edge after pruning", n.ID, n.Kind)
	}
}

func TestHashIsStableAndDistinct(t *testing.T) {
	assert.Equal(t, Hash("fox"), Hash("fox"))
	assert.NotEqual(t, Hash("fox"), Hash("dog"))
}
