// Package config loads the engine's runtime configuration through viper,
// giving flags and environment variables one precedence chain, while
// keeping the typed-section access pattern the
// teacher's common.Config offers (config.SectionConfig("indexer.", true),
// config.FilterConfig(".settings.") in secondary/indexer/settings.go).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-wide, typed configuration surface. One Config is
// built at process start from flags/env/file and handed to every component
// that needs it; components never read viper or the environment directly.
type Config struct {
	v *viper.Viper

	MaxIndexSize             int64
	MaxTaskDBSize             int64
	SnapshotIntervalSec       int64
	DumpDir                   string
	ExperimentalReplication   bool
	MasterKey                 string
	IndexMapperCapacity       int
	IndexBaseMapSize          int64
	IndexGrowthAmount         int64
	HandleAcquireRetries      int
	HandleAcquireRetryWait    time.Duration
	SearchTimeBudget          time.Duration
	ScoreRuleStack            []string

	DataDir   string
	BindAddr  string
}

// Default mirrors the values the teacher's indexer ships as compiled-in
// defaults before any admin override arrives via metakv.
func Default() *Config {
	return &Config{
		v:                      viper.New(),
		MaxIndexSize:           64 << 30, // 64 GiB initial mmap ceiling, grown on demand
		MaxTaskDBSize:          4 << 30,
		SnapshotIntervalSec:    3600,
		DumpDir:                "./dumps",
		IndexMapperCapacity:    500,
		DataDir:                "./data",
		BindAddr:               "127.0.0.1:7700",
		IndexBaseMapSize:       16 << 20,
		IndexGrowthAmount:      16 << 20,
		HandleAcquireRetries:   100,
		HandleAcquireRetryWait: time.Second,
		SearchTimeBudget:       1500 * time.Millisecond,
		ScoreRuleStack: []string{
			"words", "typo", "proximity", "attribute", "exactness", "sort", "geo", "vector",
		},
	}
}

// Load builds a Config from CLI flags (already bound to the viper instance
// by cmd/latticed) and LATTICE_-prefixed environment variables, in that
// precedence order (flags win). Load does not read a config file; only
// values already present in v, flags and the environment are used.
func Load(v *viper.Viper) *Config {
	cfg := Default()
	cfg.v = v

	v.SetEnvPrefix("LATTICE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	getInt64 := func(key string, def int64) int64 {
		if v.IsSet(key) {
			return v.GetInt64(key)
		}
		return def
	}
	getInt := func(key string, def int) int {
		if v.IsSet(key) {
			return v.GetInt(key)
		}
		return def
	}
	getString := func(key string, def string) string {
		if v.IsSet(key) {
			return v.GetString(key)
		}
		return def
	}

	cfg.MaxIndexSize = getInt64("max-index-size", cfg.MaxIndexSize)
	cfg.MaxTaskDBSize = getInt64("max-task-db-size", cfg.MaxTaskDBSize)
	cfg.SnapshotIntervalSec = getInt64("snapshot-interval-sec", cfg.SnapshotIntervalSec)
	cfg.DumpDir = getString("dump-dir", cfg.DumpDir)
	cfg.ExperimentalReplication = v.GetBool("experimental-replication-parameters")
	cfg.MasterKey = getString("master-key", cfg.MasterKey)
	cfg.IndexMapperCapacity = getInt("index-mapper-capacity", cfg.IndexMapperCapacity)
	cfg.DataDir = getString("data-dir", cfg.DataDir)
	cfg.BindAddr = getString("bind-addr", cfg.BindAddr)

	return cfg
}

// SectionConfig mirrors common.Config.SectionConfig: returns the raw viper
// sub-tree rooted at prefix, for components that want the whole namespace
// rather than a single typed field.
func (c *Config) SectionConfig(prefix string) *viper.Viper {
	return c.v.Sub(strings.TrimSuffix(prefix, "."))
}
