package stages_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"docpipe/internal/engine"
	"docpipe/internal/fingerprint"
	"docpipe/internal/governor"
	"docpipe/internal/ledger"
	"docpipe/internal/retry"
	"docpipe/internal/services"
	"docpipe/internal/stage"
	"docpipe/internal/stages"
	"docpipe/internal/testsupport"
)

func TestSplitTextWindowsAndOverlap(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta epsilon ", 40)
	pieces := stages.SplitText(text, 100, 20, 10)
	if len(pieces) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(pieces))
	}
	for i, piece := range pieces {
		if utf8.RuneCountInString(piece) > 100 {
			t.Fatalf("chunk %d is %d runes, limit 100", i, utf8.RuneCountInString(piece))
		}
		if strings.TrimSpace(piece) == "" {
			t.Fatalf("chunk %d is blank", i)
		}
	}

	// Determinism: same input, same split.
	again := stages.SplitText(text, 100, 20, 10)
	if len(again) != len(pieces) {
		t.Fatalf("split changed between runs: %d vs %d chunks", len(pieces), len(again))
	}
	for i := range pieces {
		if pieces[i] != again[i] {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}

func TestSplitTextShortTailMerges(t *testing.T) {
	text := strings.Repeat("word ", 22) // 110 runes
	pieces := stages.SplitText(text, 100, 0, 30)
	if len(pieces) != 1 {
		t.Fatalf("short tail not merged: %d chunks", len(pieces))
	}
}

func TestSplitTextEmpty(t *testing.T) {
	if pieces := stages.SplitText("   \n  ", 100, 10, 5); pieces != nil {
		t.Fatalf("blank input produced %d chunks", len(pieces))
	}
}

func TestNormalizeLayout(t *testing.T) {
	in := "Title\r\n\r\n\r\n  body   text\twith\tspaces  \r\nsecond line\n\n\n"
	want := "Title\n\nbody text with spaces\nsecond line"
	if got := stages.NormalizeLayout(in); got != want {
		t.Fatalf("normalized to %q, want %q", got, want)
	}
}

func TestLocalEmbedderDeterministic(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	client := stages.NewLocalEmbedder(cfg)

	a, err := client.Embed(context.Background(), "the quick brown fox")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := client.Embed(context.Background(), "the quick brown fox")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(a) == 0 || len(a) != len(b) {
		t.Fatalf("vector lengths %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("dimension %d differs between identical inputs", i)
		}
		if a[i] < -1 || a[i] >= 1 {
			t.Fatalf("dimension %d = %f out of range", i, a[i])
		}
	}

	if _, err := client.Embed(context.Background(), "   "); !errors.Is(err, services.ErrPermanentInput) {
		t.Fatalf("empty text error = %v, want permanent input", err)
	}
}

func TestLocalExtractorEmitsJSON(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	client := stages.NewLocalExtractor(cfg)

	payload, err := client.Extract(context.Background(), "invoice 42 total 99.00")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	var decoded struct {
		WordCount     int `json:"word_count"`
		NumericTokens int `json:"numeric_tokens"`
	}
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if decoded.WordCount != 5 {
		t.Fatalf("word_count = %d, want 5", decoded.WordCount)
	}
	if decoded.NumericTokens != 3 {
		t.Fatalf("numeric_tokens = %d, want 3", decoded.NumericTokens)
	}
}

// newPipeline wires the full built-in stage set behind a real engine.
func newPipeline(t *testing.T, opts ...testsupport.ConfigOption) (*engine.Engine, *ledger.Store) {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	cfg.Pipeline.BackoffBaseSeconds = 0
	cfg.Pipeline.BackoffMaxSeconds = 0
	cfg.Chunking.ChunkSize = 120
	cfg.Chunking.ChunkOverlap = 20
	cfg.Chunking.ChunkMinSize = 20
	cfg.Embedding.RequestsPerSecond = 0
	cfg.Extraction.RequestsPerSecond = 0
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	store := testsupport.MustOpenStore(t, cfg)
	reg := stage.NewRegistry()
	if err := stages.Register(reg, cfg, store, stages.Clients{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	gov, err := governor.New(cfg.Pipeline.StagePoolSize, cfg.Pipeline.ChunkPoolSize)
	if err != nil {
		t.Fatalf("governor.New: %v", err)
	}
	eng, err := engine.New(cfg, store, reg, gov, retry.New(rand.NewPCG(7, 9)), nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng, store
}

func writeSource(t *testing.T, content string) (path, hash string) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "report.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path, fingerprint.Bytes([]byte(content))
}

func TestFullPipelineEndToEnd(t *testing.T) {
	eng, store := newPipeline(t)
	content := strings.Repeat("Quarterly revenue grew 12 percent across 3 regions.\n", 12)
	path, hash := writeSource(t, content)

	doc, err := eng.Submit(context.Background(), path, hash, "v1", int64(len(content)), "text/plain")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := eng.Process(context.Background(), doc.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := store.GetDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != ledger.DocumentCompleted {
		t.Fatalf("document status = %s (%s: %s), want completed", got.Status, got.ErrorKind, got.ErrorMessage)
	}

	// The published bundle is a readable JSON file with one entry per chunk.
	bundleArt, err := store.Artifact(context.Background(), doc.ID, "persistence", ledger.NoChunk, "bundle")
	if err != nil {
		t.Fatalf("bundle artifact: %v", err)
	}
	raw, err := os.ReadFile(bundleArt.Payload)
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	var bundle struct {
		ContentHash string `json:"content_hash"`
		Chunks      []struct {
			Fields    json.RawMessage `json:"fields"`
			Embedding json.RawMessage `json:"embedding"`
		} `json:"chunks"`
	}
	if err := json.Unmarshal(raw, &bundle); err != nil {
		t.Fatalf("bundle not JSON: %v", err)
	}
	if bundle.ContentHash != hash {
		t.Fatalf("bundle hash = %s, want %s", bundle.ContentHash, hash)
	}
	chunkCount, err := store.ChunkCount(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("ChunkCount: %v", err)
	}
	if len(bundle.Chunks) != chunkCount || chunkCount == 0 {
		t.Fatalf("bundle has %d chunks, ledger has %d", len(bundle.Chunks), chunkCount)
	}
	for i, c := range bundle.Chunks {
		if len(c.Fields) == 0 {
			t.Fatalf("bundle chunk %d missing fields", i)
		}
		if len(c.Embedding) == 0 {
			t.Fatalf("bundle chunk %d missing embedding", i)
		}
	}

	if _, err := store.Artifact(context.Background(), doc.ID, "metrics_and_audit", ledger.NoChunk, "audit"); err != nil {
		t.Fatalf("audit artifact: %v", err)
	}
}

func TestPipelineSkipsDisabledEmbedding(t *testing.T) {
	eng, store := newPipeline(t, testsupport.WithEmbeddingDisabled())
	content := strings.Repeat("Shipment 7 delivered to warehouse 9 on time.\n", 10)
	path, hash := writeSource(t, content)

	doc, err := eng.Submit(context.Background(), path, hash, "v1", int64(len(content)), "text/plain")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := eng.Process(context.Background(), doc.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	attempts, err := store.AttemptsForDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("AttemptsForDocument: %v", err)
	}
	for _, a := range attempts {
		if a.Stage == "embedding" {
			t.Fatal("disabled embedding stage produced attempt rows")
		}
	}

	got, err := store.GetDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != ledger.DocumentCompleted {
		t.Fatalf("document status = %s, want completed", got.Status)
	}
}

func TestPipelineMissingSourceFailsPermanently(t *testing.T) {
	eng, store := newPipeline(t)
	hash := fingerprint.Bytes([]byte("never written"))

	doc, err := eng.Submit(context.Background(), filepath.Join(t.TempDir(), "missing.txt"), hash, "v1", 13, "text/plain")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := eng.Process(context.Background(), doc.ID); err == nil {
		t.Fatal("Process succeeded with a missing source file")
	}

	got, err := store.GetDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != ledger.DocumentFailed {
		t.Fatalf("document status = %s, want failed", got.Status)
	}
	if got.ErrorKind != string(services.KindPermanentInput) {
		t.Fatalf("error kind = %s, want permanent_input", got.ErrorKind)
	}
}
