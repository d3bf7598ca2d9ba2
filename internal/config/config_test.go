package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "INBOX"), cfg.InboxDir)
	assert.Equal(t, filepath.Join(dir, "INDEX"), cfg.IndexDir)

	assert.Equal(t, "127.0.0.1:8090", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.Equal(t, "https://api.openai.com/v1", cfg.EmbedBaseURL)
	assert.Equal(t, "text-embedding-3-large", cfg.EmbedModel)
	assert.Equal(t, 3072, cfg.EmbedDimensions)
	assert.Equal(t, 64, cfg.EmbedBatchSize)
	assert.Equal(t, 60000, cfg.EmbedTokenBudget)
	assert.Equal(t, 6000, cfg.EmbedMaxChars)
	assert.Equal(t, 4, cfg.OverflowMaxTries)
	assert.InDelta(t, 0.8, cfg.OverflowKeepRatio, 1e-9)

	assert.Equal(t, "smart", cfg.ChunkMode)
	assert.Equal(t, 60, cfg.MinWords)
	assert.Equal(t, 180, cfg.MaxWords)
	assert.InDelta(t, 0.20, cfg.BreakThreshold, 1e-9)

	assert.Equal(t, 10, cfg.TopK)
	assert.InDelta(t, 0.70, cfg.SemanticWeight, 1e-9)
	assert.InDelta(t, 0.30, cfg.LexicalWeight, 1e-9)
	assert.True(t, cfg.MetadataBonus)

	assert.Equal(t, 60, cfg.ExtractTimeoutSec)
	assert.Equal(t, 4, cfg.IndexWorkers)
}

func TestLoad_SettingsFileOverrides(t *testing.T) {
	dir := t.TempDir()
	settings := `
http_addr = "0.0.0.0:9000"
admin_code = "override"
embed_model = "text-embedding-3-small"
embed_dimensions = 1536
chunk_mode = "simple"
top_k = 25
metadata_bonus = false
inbox_dir = "/srv/docs"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.toml"), []byte(settings), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.HTTPAddr)
	assert.Equal(t, "override", cfg.AdminCode)
	assert.Equal(t, "text-embedding-3-small", cfg.EmbedModel)
	assert.Equal(t, 1536, cfg.EmbedDimensions)
	assert.Equal(t, "simple", cfg.ChunkMode)
	assert.Equal(t, 25, cfg.TopK)
	assert.False(t, cfg.MetadataBonus)
	assert.Equal(t, "/srv/docs", cfg.InboxDir)

	// Untouched keys keep their defaults.
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, filepath.Join(dir, "INDEX"), cfg.IndexDir)
}

func TestLoad_APIKeyFromEnvOnly(t *testing.T) {
	dir := t.TempDir()
	settings := `embed_api_key = "should-be-ignored"` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.toml"), []byte(settings), 0o644))

	t.Setenv("KBENGINE_API_KEY", "")
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Empty(t, cfg.EmbedAPIKey)

	t.Setenv("KBENGINE_API_KEY", "sk-test-123")
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.EmbedAPIKey)
}

func TestLoad_MalformedSettings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.toml"), []byte("not [valid toml"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}
