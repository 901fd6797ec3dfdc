package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metaglass/metaglass/internal/errs"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, int32(10), cfg.Catalog.MaxConns)
	assert.Equal(t, "metaglass-inspections", cfg.BlobStore.Bucket)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "@hourly", cfg.Scheduler.Spec)
}

func TestLoad_PartialFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
queue:
  workers: 2
scheduler:
  enabled: false
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Queue.Workers)
	assert.False(t, cfg.Scheduler.Enabled)

	// everything the file does not name keeps its default
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, "@hourly", cfg.Scheduler.Spec)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [this is not a mapping"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errs.IsMalformed(err))
}
