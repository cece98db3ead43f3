// Package bitmap provides the compressed integer sets every other package
// in this module treats as its universe/bucket currency, plus the codec
// layer that (de)serializes them for storage in internal/kvstore.
//
// It wraps github.com/RoaringBitmap/roaring/v2 rather than hand-rolling a
// bitset, the way the wider Go ecosystem (grounded here on
// AKJUS-bsc-erigon's go.mod, which takes roaring/v2 as a direct dependency)
// already does for exactly this kind of document-id set algebra.
package bitmap

import (
	"github.com/RoaringBitmap/roaring/v2"
)

// Bitmap is a mutable, ordered set of uint32 document or term ids.
type Bitmap struct {
	rb *roaring.Bitmap
}

// New returns an empty Bitmap.
func New() *Bitmap {
	return &Bitmap{rb: roaring.New()}
}

// Of returns a Bitmap containing exactly the given ids.
func Of(ids ...uint32) *Bitmap {
	return &Bitmap{rb: roaring.BitmapOf(ids...)}
}

// Add inserts id into the set.
func (b *Bitmap) Add(id uint32) { b.rb.Add(id) }

// AddMany inserts every id in ids into the set.
func (b *Bitmap) AddMany(ids []uint32) {
	for _, id := range ids {
		b.rb.Add(id)
	}
}

// Remove deletes id from the set, a no-op if absent.
func (b *Bitmap) Remove(id uint32) { b.rb.Remove(id) }

// Contains reports whether id is a member.
func (b *Bitmap) Contains(id uint32) bool { return b.rb.Contains(id) }

// Len returns the number of members.
func (b *Bitmap) Len() uint64 { return b.rb.GetCardinality() }

// IsEmpty reports whether the set has no members.
func (b *Bitmap) IsEmpty() bool { return b.rb.IsEmpty() }

// Clone returns an independent copy.
func (b *Bitmap) Clone() *Bitmap { return &Bitmap{rb: b.rb.Clone()} }

// And intersects b with other in place and returns b.
func (b *Bitmap) And(other *Bitmap) *Bitmap {
	b.rb.And(other.rb)
	return b
}

// AndCardinality returns |b ∩ other| without mutating either operand.
func (b *Bitmap) AndCardinality(other *Bitmap) uint64 {
	return b.rb.AndCardinality(other.rb)
}

// Or unions b with other in place and returns b.
func (b *Bitmap) Or(other *Bitmap) *Bitmap {
	b.rb.Or(other.rb)
	return b
}

// AndNot removes every member of other from b in place and returns b.
func (b *Bitmap) AndNot(other *Bitmap) *Bitmap {
	b.rb.AndNot(other.rb)
	return b
}

// Intersect returns a new Bitmap holding a ∩ b, leaving both untouched.
func Intersect(a, b *Bitmap) *Bitmap {
	return &Bitmap{rb: roaring.And(a.rb, b.rb)}
}

// Union returns a new Bitmap holding the union of bitmaps, leaving all
// operands untouched.
func Union(bitmaps ...*Bitmap) *Bitmap {
	raw := make([]*roaring.Bitmap, len(bitmaps))
	for i, bm := range bitmaps {
		raw[i] = bm.rb
	}
	return &Bitmap{rb: roaring.FastOr(raw...)}
}

// ToArray materializes the set as a sorted slice of ids.
func (b *Bitmap) ToArray() []uint32 { return b.rb.ToArray() }

// Iterator returns a forward iterator over set members in ascending order,
// the primitive the plane-sweep proximity rule (spec.md §4.4) walks.
func (b *Bitmap) Iterator() roaring.IntPeekable {
	return b.rb.Iterator()
}

// Rank returns the number of members <= id, used by ranking rules that
// need a stable within-bucket ordinal for a document id.
func (b *Bitmap) Rank(id uint32) uint64 { return b.rb.Rank(id) }

// MarshalBinary implements the codec layer used by internal/kvstore to
// persist secondary bitmap indexes (status/kind/index_uid/date buckets).
func (b *Bitmap) MarshalBinary() ([]byte, error) {
	return b.rb.ToBytes()
}

// UnmarshalBinary restores a Bitmap previously produced by MarshalBinary.
func (b *Bitmap) UnmarshalBinary(data []byte) error {
	if b.rb == nil {
		b.rb = roaring.New()
	}
	return b.rb.UnmarshalBinary(data)
}
