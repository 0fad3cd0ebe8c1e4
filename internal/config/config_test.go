package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: \"9000\"\n"))
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 384, cfg.Embedding.Dimensions)
	assert.Equal(t, "merge", cfg.Segmenter.Strategy)
	assert.Equal(t, 100, cfg.Segmenter.WindowSize)
	assert.InDelta(t, 0.7, cfg.Segmenter.MergeThreshold, 1e-9)
	assert.Equal(t, []string{".pdf"}, cfg.Watcher.Extensions)
	assert.Equal(t, "cosine", cfg.VectorStore.Distance)
	assert.Equal(t, "channel", cfg.Queue.Type)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
}

func TestLoad_FileOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
watcher:
  root: /data/docs
  extensions: [".pdf", ".PDF"]
segmenter:
  strategy: window
  window_size: 50
vector_store:
  distance: l2
ingest:
  purge_on_create: true
  concurrency: 4
`))
	require.NoError(t, err)

	assert.Equal(t, "/data/docs", cfg.Watcher.Root)
	assert.Equal(t, "window", cfg.Segmenter.Strategy)
	assert.Equal(t, 50, cfg.Segmenter.WindowSize)
	assert.Equal(t, "l2", cfg.VectorStore.Distance)
	assert.True(t, cfg.Ingest.PurgeOnCreate)
	assert.Equal(t, 4, cfg.Ingest.Concurrency)
}

func TestLoad_EmbeddingsPathEnv(t *testing.T) {
	t.Setenv("EMBEDDINGS_PATH", "/env/documents")

	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "/env/documents", cfg.Watcher.Root)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown distance", "vector_store:\n  distance: dot\n"},
		{"zero dimensions", "embedding:\n  dimensions: 0\n"},
		{"kafka without brokers", "queue:\n  type: kafka\n"},
		{"unknown queue", "queue:\n  type: nats\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
