package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"docpipe/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[paths]
data_dir = "` + filepath.Join(dir, "data") + `"

[pipeline]
stage_pool_size = 2
chunk_pool_size = 3
embedding_enabled = false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to be detected")
	}
	if resolved != path {
		t.Fatalf("unexpected resolved path: %s", resolved)
	}
	if cfg.Pipeline.StagePoolSize != 2 || cfg.Pipeline.ChunkPoolSize != 3 {
		t.Fatalf("pool sizes not applied: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.EmbeddingEnabled {
		t.Fatal("embedding_enabled=false not applied")
	}
	if cfg.Chunking.ChunkSize != 1000 {
		t.Fatalf("expected default chunk size, got %d", cfg.Chunking.ChunkSize)
	}
}

func TestLoadRejectsInvalidChunking(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[chunking]
chunk_size = 100
chunk_overlap = 100
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error for overlap >= size")
	}
}

func TestDatabasePath(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = "/tmp/docpipe-test"
	if got := cfg.DatabasePath(); got != "/tmp/docpipe-test/docpipe.db" {
		t.Fatalf("unexpected database path: %s", got)
	}
}
