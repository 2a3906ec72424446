package testsupport

import (
	"path/filepath"
	"testing"

	"docpipe/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Pipeline.HeartbeatInterval = 1
	cfg.Pipeline.HeartbeatTimeout = 5

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithStagePool overrides the stage pool size on the test config.
func WithStagePool(size int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Pipeline.StagePoolSize = size
	}
}

// WithChunkPool overrides the chunk pool size on the test config.
func WithChunkPool(size int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Pipeline.ChunkPoolSize = size
	}
}

// WithEmbeddingDisabled turns the optional embedding stage off.
func WithEmbeddingDisabled() ConfigOption {
	return func(cfg *config.Config) {
		cfg.Pipeline.EmbeddingEnabled = false
	}
}
