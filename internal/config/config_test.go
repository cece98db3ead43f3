package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, int64(64<<30), cfg.MaxIndexSize)
	assert.Equal(t, int64(4<<30), cfg.MaxTaskDBSize)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "127.0.0.1:7700", cfg.BindAddr)
	assert.Equal(t, 1500*time.Millisecond, cfg.SearchTimeBudget)
	assert.Contains(t, cfg.ScoreRuleStack, "words")
	assert.Contains(t, cfg.ScoreRuleStack, "vector")
}

func TestLoadOverridesDefaultsFromViper(t *testing.T) {
	v := viper.New()
	v.Set("max-index-size", int64(1<<20))
	v.Set("data-dir", "/var/lib/lattice")
	v.Set("bind-addr", "0.0.0.0:9000")
	v.Set("master-key", "s3cr3t")
	v.Set("experimental-replication-parameters", true)

	cfg := Load(v)
	assert.Equal(t, int64(1<<20), cfg.MaxIndexSize)
	assert.Equal(t, "/var/lib/lattice", cfg.DataDir)
	assert.Equal(t, "0.0.0.0:9000", cfg.BindAddr)
	assert.Equal(t, "s3cr3t", cfg.MasterKey)
	assert.True(t, cfg.ExperimentalReplication)
}

func TestLoadKeepsDefaultsWhenUnset(t *testing.T) {
	v := viper.New()
	cfg := Load(v)
	assert.Equal(t, Default().MaxIndexSize, cfg.MaxIndexSize)
	assert.Equal(t, Default().DataDir, cfg.DataDir)
	assert.False(t, cfg.ExperimentalReplication)
}

func TestLoadReadsEnvironmentVariables(t *testing.T) {
	t.Setenv("LATTICE_DATA_DIR", "/from/env")
	v := viper.New()
	cfg := Load(v)
	assert.Equal(t, "/from/env", cfg.DataDir)
}

func TestSectionConfigReturnsSubTree(t *testing.T) {
	v := viper.New()
	v.Set("indexer.batch-size", 100)
	cfg := Load(v)

	sub := cfg.SectionConfig("indexer.")
	require.NotNil(t, sub)
	assert.Equal(t, 100, sub.GetInt("batch-size"))
}
