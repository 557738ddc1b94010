package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XYLEM_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 512, cfg.Embeddings.Dimensions)
	assert.Equal(t, "badger", cfg.Content.Backend)
	assert.Equal(t, 0.85, cfg.Matching.High)
	assert.Equal(t, filepath.Join(dir, "xylem.db"), cfg.DBPath())
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XYLEM_DATA_DIR", dir)
	yml := "server:\n  addr: 0.0.0.0:9000\nembeddings:\n  dimensions: 256\nmatching:\n  high: 0.9\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(yml), 0600))
	t.Setenv("XYLEM_EMBED_DIM", "128")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, 128, cfg.Embeddings.Dimensions)
	assert.Equal(t, 0.9, cfg.Matching.High)
	assert.Equal(t, 0.75, cfg.Matching.Low)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Content.Backend = "gcs"
	assert.Error(t, cfg.Validate())

	cfg = Default(t.TempDir())
	cfg.Embeddings.Provider = "mystery"
	assert.Error(t, cfg.Validate())

	cfg = Default(t.TempDir())
	cfg.Matching.Low = 0.99
	assert.Error(t, cfg.Validate())
}
