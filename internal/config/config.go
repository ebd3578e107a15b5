// Package config loads the assistant's retrieval configuration from
// YAML. Every field has a default, so an empty (or absent) file yields
// a fully working configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kbforge/retrieval/internal/kberr"
)

// Config is the root configuration document.
type Config struct {
	// StorePath is the SQLite database location. Empty means in-memory.
	StorePath string `yaml:"store_path"`

	// ResourcesPath optionally extends the built-in text-processing
	// word lists (stopwords, glossary, system names).
	ResourcesPath string `yaml:"resources_path"`

	Logging    LoggingConfig    `yaml:"logging"`
	Cache      CacheConfig      `yaml:"cache"`
	QueryCache QueryCacheConfig `yaml:"query_cache"`
	Engine     EngineConfig     `yaml:"engine"`
	Router     RouterConfig     `yaml:"router"`
	Optimizer  OptimizerConfig  `yaml:"optimizer"`
	Watcher    WatcherConfig    `yaml:"watcher"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	FilePath      string `yaml:"file_path"`
	MaxSizeMB     int    `yaml:"max_size_mb"`
	MaxFiles      int    `yaml:"max_files"`
	WriteToStderr bool   `yaml:"write_to_stderr"`
}

type CacheConfig struct {
	Policy              string        `yaml:"policy"`
	MaxEntries          int           `yaml:"max_entries"`
	MaxMemoryBytes      int64         `yaml:"max_memory_bytes"`
	PressureThreshold   float64       `yaml:"pressure_threshold"`
	DefaultTTL          time.Duration `yaml:"default_ttl"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

type QueryCacheConfig struct {
	MaxEntries        int           `yaml:"max_entries"`
	DefaultTTL        time.Duration `yaml:"default_ttl"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	DeepSweepInterval time.Duration `yaml:"deep_sweep_interval"`
	Retention         time.Duration `yaml:"retention"`
	LowHitMax         int           `yaml:"low_hit_max"`
	PreWarmWorkers    int           `yaml:"prewarm_workers"`
}

type EngineConfig struct {
	K1                     float64            `yaml:"k1"`
	B                      float64            `yaml:"b"`
	FieldWeights           map[string]float64 `yaml:"field_weights"`
	CandidateLimit         int                `yaml:"candidate_limit"`
	SnippetWindow          int                `yaml:"snippet_window"`
	SnippetStride          int                `yaml:"snippet_stride"`
	HighlightPre           string             `yaml:"highlight_pre"`
	HighlightPost          string             `yaml:"highlight_post"`
	HighlightCaseSensitive bool               `yaml:"highlight_case_sensitive"`
	RebuildThreshold       int                `yaml:"rebuild_threshold"`
}

type RouterConfig struct {
	SlowThresholdMs float64 `yaml:"slow_threshold_ms"`
	DefaultLimit    int     `yaml:"default_limit"`
}

type OptimizerConfig struct {
	MiningWindow     time.Duration `yaml:"mining_window"`
	MinClusterSize   int           `yaml:"min_cluster_size"`
	MinFrequency     int           `yaml:"min_frequency"`
	VolumeThreshold  int           `yaml:"volume_threshold"`
	SettlePeriod     time.Duration `yaml:"settle_period"`
	AnalysisInterval time.Duration `yaml:"analysis_interval"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	MinPriority      int           `yaml:"min_priority"`
	MinEstimatePct   float64       `yaml:"min_estimate_pct"`
	AlertCeilingMs   float64       `yaml:"alert_ceiling_ms"`
}

type WatcherConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  3,
		},
		Cache: CacheConfig{
			Policy:              "ADAPTIVE",
			MaxEntries:          1000,
			DefaultTTL:          15 * time.Minute,
			MaintenanceInterval: time.Minute,
		},
		QueryCache: QueryCacheConfig{
			MaxEntries:        500,
			DefaultTTL:        15 * time.Minute,
			SweepInterval:     5 * time.Minute,
			DeepSweepInterval: time.Hour,
			Retention:         7 * 24 * time.Hour,
			LowHitMax:         2,
			PreWarmWorkers:    4,
		},
		Engine: EngineConfig{
			K1:               1.2,
			B:                0.75,
			CandidateLimit:   200,
			SnippetWindow:    160,
			SnippetStride:    40,
			HighlightPre:     "<mark>",
			HighlightPost:    "</mark>",
			RebuildThreshold: 50,
		},
		Router: RouterConfig{
			SlowThresholdMs: 500,
			DefaultLimit:    20,
		},
		Optimizer: OptimizerConfig{
			MiningWindow:     24 * time.Hour,
			MinClusterSize:   5,
			MinFrequency:     5,
			VolumeThreshold:  50,
			SettlePeriod:     30 * time.Second,
			AnalysisInterval: time.Hour,
			SnapshotInterval: 10 * time.Minute,
			MinPriority:      1,
			MinEstimatePct:   10,
			AlertCeilingMs:   1000,
		},
		Watcher: WatcherConfig{
			Enabled:  true,
			Debounce: 2 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. A missing file is not an
// error; it just yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, kberr.ValidationError(
			fmt.Sprintf("failed to read config %s", path), err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, kberr.ValidationError(
			fmt.Sprintf("failed to parse config %s", path), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the components cannot default
// their way out of.
func (c *Config) Validate() error {
	switch c.Cache.Policy {
	case "", "LRU", "LFU", "ARC", "ADAPTIVE":
	default:
		return kberr.New(kberr.ErrCodeUnknownPolicy,
			"unknown cache policy: "+c.Cache.Policy, nil)
	}
	if c.Engine.K1 < 0 || c.Engine.B < 0 || c.Engine.B > 1 {
		return kberr.ValidationError("bm25 parameters out of range", nil)
	}
	for field, w := range c.Engine.FieldWeights {
		if w <= 0 {
			return kberr.ValidationError("non-positive weight for field "+field, nil)
		}
	}
	return nil
}
