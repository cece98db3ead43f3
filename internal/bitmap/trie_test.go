package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrieInsertAndLookup(t *testing.T) {
	tr := NewPrefixTrie()
	tr.Insert("book", 1)
	tr.Insert("book", 2)
	tr.Insert("books", 3)
	tr.Insert("boo", 4)

	assert.Equal(t, 3, tr.Len())
	assert.ElementsMatch(t, []uint32{1, 2}, tr.Lookup("book").ToArray())
	assert.Nil(t, tr.Lookup("missing"))
}

func TestTriePrefixPostings(t *testing.T) {
	tr := NewPrefixTrie()
	tr.Insert("book", 1)
	tr.Insert("books", 2)
	tr.Insert("boot", 3)
	tr.Insert("cat", 4)

	postings := tr.PrefixPostings("boo")
	assert.ElementsMatch(t, []uint32{1, 2, 3}, postings.ToArray())

	assert.True(t, tr.PrefixPostings("zzz").IsEmpty())
}

func TestTrieWordsWithPrefix(t *testing.T) {
	tr := NewPrefixTrie()
	for i, w := range []string{"book", "books", "boot", "cat"} {
		tr.Insert(w, uint32(i))
	}

	words := tr.WordsWithPrefix("boo", 0)
	assert.Equal(t, []string{"book", "books", "boot"}, words)

	limited := tr.WordsWithPrefix("boo", 2)
	assert.Len(t, limited, 2)
}
