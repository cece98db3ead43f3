package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEditDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"book", "back", 2},
		{"same", "same", 0},
		{"ab", "ba", 1}, // adjacent transpose counts as one edit
		{"", "abc", 3},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, editDistance(c.a, c.b), "editDistance(%q, %q)", c.a, c.b)
	}
}

func TestCandidatesWithinDistance(t *testing.T) {
	byLen := bucketByLength([]string{"book", "books", "back", "boo", "cook", "look"})

	typo1 := candidatesWithinDistance("book", byLen, 1)
	assert.ElementsMatch(t, []string{"books", "boo", "cook", "look"}, typo1)

	typo2 := candidatesWithinDistance("book", byLen, 2)
	assert.Contains(t, typo2, "back")
}

func TestSplitEquality(t *testing.T) {
	field, value, ok := splitEquality(`genres = "action"`)
	require.True(t, ok)
	assert.Equal(t, "genres", field)
	assert.Equal(t, "action", value)

	_, _, ok = splitEquality("not a filter")
	assert.False(t, ok)
}
