package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/retrieval/internal/kberr"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesMergeOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retrieval.yaml")
	doc := `
store_path: /tmp/kb.db
cache:
  policy: ARC
  max_entries: 250
engine:
  k1: 1.5
  field_weights:
    title: 4.0
router:
  slow_threshold_ms: 250
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/kb.db", cfg.StorePath)
	assert.Equal(t, "ARC", cfg.Cache.Policy)
	assert.Equal(t, 250, cfg.Cache.MaxEntries)
	assert.Equal(t, 1.5, cfg.Engine.K1)
	assert.Equal(t, 4.0, cfg.Engine.FieldWeights["title"])
	assert.Equal(t, 250.0, cfg.Router.SlowThresholdMs)

	// Untouched sections keep their defaults.
	assert.Equal(t, 15*time.Minute, cfg.QueryCache.DefaultTTL)
	assert.Equal(t, 0.75, cfg.Engine.B)
}

func TestLoad_RejectsUnknownPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  policy: FIFO\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, kberr.ErrCodeUnknownPolicy, kberr.GetCode(err))
}

func TestValidate_BM25Range(t *testing.T) {
	cfg := Default()
	cfg.Engine.B = 1.5
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Engine.FieldWeights = map[string]float64{"title": -1}
	require.Error(t, cfg.Validate())
}
