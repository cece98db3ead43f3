package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddContainsRemove(t *testing.T) {
	b := New()
	assert.True(t, b.IsEmpty())

	b.Add(1)
	b.AddMany([]uint32{2, 3})
	assert.True(t, b.Contains(1))
	assert.True(t, b.Contains(3))
	assert.False(t, b.Contains(4))
	assert.Equal(t, uint64(3), b.Len())

	b.Remove(2)
	assert.False(t, b.Contains(2))
	assert.Equal(t, uint64(2), b.Len())
}

func TestAndOrAndNot(t *testing.T) {
	a := Of(1, 2, 3)
	b := Of(2, 3, 4)

	inter := Intersect(a, b)
	assert.ElementsMatch(t, []uint32{2, 3}, inter.ToArray())
	assert.Equal(t, uint64(2), a.AndCardinality(b))

	union := Union(a, b)
	assert.ElementsMatch(t, []uint32{1, 2, 3, 4}, union.ToArray())

	diff := a.Clone().AndNot(b)
	assert.ElementsMatch(t, []uint32{1}, diff.ToArray())

	c := a.Clone().And(b)
	assert.ElementsMatch(t, []uint32{2, 3}, c.ToArray())
}

func TestMarshalRoundTrip(t *testing.T) {
	orig := Of(5, 6, 7)
	data, err := orig.MarshalBinary()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.UnmarshalBinary(data))
	assert.ElementsMatch(t, orig.ToArray(), restored.ToArray())
}

func TestIteratorAscending(t *testing.T) {
	b := Of(5, 1, 3)
	it := b.Iterator()
	var out []uint32
	for it.HasNext() {
		out = append(out, it.Next())
	}
	assert.Equal(t, []uint32{1, 3, 5}, out)
}

func TestRank(t *testing.T) {
	b := Of(10, 20, 30)
	assert.Equal(t, uint64(1), b.Rank(10))
	assert.Equal(t, uint64(2), b.Rank(20))
	assert.Equal(t, uint64(0), b.Rank(5))
}
