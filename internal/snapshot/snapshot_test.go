package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithDefaultsFillsZeroValues(t *testing.T) {
	got := Options{}.withDefaults()
	assert.Equal(t, int64(64<<20), got.PartSizeBytes)
	assert.Equal(t, 5, got.MaxInFlight)
	assert.Equal(t, 5, got.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, got.BaseBackoff)
}

func TestWithDefaultsPreservesExplicitValues(t *testing.T) {
	opts := Options{
		PartSizeBytes: 8 << 20,
		MaxInFlight:   2,
		MaxRetries:    1,
		BaseBackoff:   time.Second,
	}
	got := opts.withDefaults()
	assert.Equal(t, opts, got)
}

func TestWithDefaultsRejectsNegativeValues(t *testing.T) {
	got := Options{PartSizeBytes: -1, MaxInFlight: -1, MaxRetries: -1, BaseBackoff: -1}.withDefaults()
	assert.Equal(t, int64(64<<20), got.PartSizeBytes)
	assert.Equal(t, 5, got.MaxInFlight)
	assert.Equal(t, 5, got.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, got.BaseBackoff)
}
