package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"docpipe/internal/ledger"
	"docpipe/internal/testsupport"
)

func TestCreateDocumentIdempotent(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	first, created, err := store.CreateDocument(ctx, "a.txt", "hash-1", "v1", 10, "text/plain")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("expected first create to insert")
	}

	second, created, err := store.CreateDocument(ctx, "a-copy.txt", "hash-1", "v1", 10, "text/plain")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("expected second create to reuse existing document")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same document id, got %d and %d", first.ID, second.ID)
	}

	other, created, err := store.CreateDocument(ctx, "a.txt", "hash-1", "v2", 10, "text/plain")
	if err != nil {
		t.Fatalf("create with new schema: %v", err)
	}
	if !created || other.ID == first.ID {
		t.Fatal("different schema version must produce a distinct document")
	}
}

func TestBeginAttemptExclusivity(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	doc := testsupport.NewDocument(t, store, "b.txt", "hash-2", "v1")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := store.BeginAttempt(ctx, doc.ID, "ingest", ledger.NoChunk, "", 0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrAttemptActive):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("expected exactly one winner, got %d", succeeded)
	}
	if conflicts != workers-1 {
		t.Fatalf("expected %d conflicts, got %d", workers-1, conflicts)
	}
}

func TestAttemptNumbersAreMonotonic(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	doc := testsupport.NewDocument(t, store, "c.txt", "hash-3", "v1")

	h1, err := store.BeginAttempt(ctx, doc.ID, "chunking", ledger.NoChunk, "", 0)
	if err != nil {
		t.Fatalf("begin first: %v", err)
	}
	if h1.Attempt != 1 {
		t.Fatalf("first attempt number = %d, want 1", h1.Attempt)
	}
	if err := store.FailAttempt(ctx, h1, "transient", "boom", true); err != nil {
		t.Fatalf("fail first: %v", err)
	}

	h2, err := store.BeginAttempt(ctx, doc.ID, "chunking", ledger.NoChunk, "", 0)
	if err != nil {
		t.Fatalf("begin second: %v", err)
	}
	if h2.Attempt != 2 {
		t.Fatalf("second attempt number = %d, want 2", h2.Attempt)
	}
}

func TestCompleteAttemptIdempotent(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	doc := testsupport.NewDocument(t, store, "d.txt", "hash-4", "v1")

	h, err := store.BeginAttempt(ctx, doc.ID, "ingest", ledger.NoChunk, "", 0)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.CompleteAttempt(ctx, h, "artifact:1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.CompleteAttempt(ctx, h, "artifact:1"); err != nil {
		t.Fatalf("second complete should be a no-op, got %v", err)
	}

	// Completing a row that already failed is an impossible transition.
	h2, err := store.BeginAttempt(ctx, doc.ID, "chunking", ledger.NoChunk, "", 0)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.FailAttempt(ctx, h2, "permanent_input", "bad", false); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := store.CompleteAttempt(ctx, h2, "x"); err == nil {
		t.Fatal("expected consistency error completing a failed attempt")
	}
}

func TestLatestStatusIgnoresAbandonedRunning(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	doc := testsupport.NewDocument(t, store, "e.txt", "hash-5", "v1")

	if _, err := store.BeginAttempt(ctx, doc.ID, "ingest", ledger.NoChunk, "", 0); err != nil {
		t.Fatalf("begin: %v", err)
	}

	status, _, err := store.LatestStatus(ctx, doc.ID, "ingest", ledger.NoChunk, time.Hour)
	if err != nil {
		t.Fatalf("latest status: %v", err)
	}
	if status != ledger.AttemptRunning {
		t.Fatalf("fresh running row should report running, got %s", status)
	}

	// With a tiny staleness window the same row counts as abandoned.
	time.Sleep(20 * time.Millisecond)
	status, _, err = store.LatestStatus(ctx, doc.ID, "ingest", ledger.NoChunk, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("latest status: %v", err)
	}
	if status != ledger.AttemptNone {
		t.Fatalf("stale running row should be ignored, got %s", status)
	}

	// A fresh BeginAttempt supersedes the abandoned row instead of conflicting.
	h, err := store.BeginAttempt(ctx, doc.ID, "ingest", ledger.NoChunk, "", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("begin over abandoned: %v", err)
	}
	if h.Attempt != 2 {
		t.Fatalf("attempt number = %d, want 2", h.Attempt)
	}
}

func TestCompleteStageAdvancesDocument(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	doc := testsupport.NewDocument(t, store, "f.txt", "hash-6", "v1")

	h, err := store.BeginAttempt(ctx, doc.ID, "ingest", ledger.NoChunk, "", 0)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.CompleteStage(ctx, h, "artifact:9", ledger.DocumentProcessing, "ingest"); err != nil {
		t.Fatalf("complete stage: %v", err)
	}

	updated, err := store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if updated.Status != ledger.DocumentProcessing || updated.CurrentStage != "ingest" {
		t.Fatalf("unexpected document state: %+v", updated)
	}

	status, attempt, err := store.LatestStatus(ctx, doc.ID, "ingest", ledger.NoChunk, 0)
	if err != nil {
		t.Fatalf("latest status: %v", err)
	}
	if status != ledger.AttemptCompleted || attempt.ResultRef != "artifact:9" {
		t.Fatalf("unexpected attempt state: %s %+v", status, attempt)
	}
}

func TestFailStageMarksDocumentFailed(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	doc := testsupport.NewDocument(t, store, "g.txt", "hash-7", "v1")

	h, err := store.BeginAttempt(ctx, doc.ID, "validation", ledger.NoChunk, "", 0)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.FailStage(ctx, h, "permanent_input", "schema mismatch"); err != nil {
		t.Fatalf("fail stage: %v", err)
	}

	updated, err := store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if updated.Status != ledger.DocumentFailed {
		t.Fatalf("expected failed document, got %s", updated.Status)
	}
	if updated.ErrorKind != "permanent_input" || updated.ErrorMessage != "schema mismatch" {
		t.Fatalf("error not surfaced verbatim: %+v", updated)
	}
}

func TestChunkStates(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	doc := testsupport.NewDocument(t, store, "h.txt", "hash-8", "v1")

	for chunk := int64(1); chunk <= 3; chunk++ {
		h, err := store.BeginAttempt(ctx, doc.ID, "embedding", chunk, "", 0)
		if err != nil {
			t.Fatalf("begin chunk %d: %v", chunk, err)
		}
		if chunk == 2 {
			if err := store.FailAttempt(ctx, h, "permanent_input", "bad chunk", false); err != nil {
				t.Fatalf("fail chunk: %v", err)
			}
			continue
		}
		if err := store.CompleteAttempt(ctx, h, "ref"); err != nil {
			t.Fatalf("complete chunk: %v", err)
		}
	}

	states, err := store.ChunkStates(ctx, doc.ID, "embedding")
	if err != nil {
		t.Fatalf("chunk states: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("expected 3 chunk states, got %d", len(states))
	}
	if states[1].Status != ledger.AttemptFailed || states[1].ErrorKind != "permanent_input" {
		t.Fatalf("unexpected state for failed chunk: %+v", states[1])
	}
	if states[0].Status != ledger.AttemptCompleted || states[2].Status != ledger.AttemptCompleted {
		t.Fatalf("completed chunks misreported: %+v", states)
	}
}

func TestReplaceChunksAndArtifacts(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	doc := testsupport.NewDocument(t, store, "i.txt", "hash-9", "v1")

	chunks := []ledger.Chunk{
		{Sequence: 0, Text: "alpha", TokenCount: 1},
		{Sequence: 1, Text: "beta", TokenCount: 1},
	}
	if err := store.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		t.Fatalf("replace chunks: %v", err)
	}
	if err := store.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		t.Fatalf("re-plan must not conflict: %v", err)
	}

	got, err := store.ChunksForDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("chunks for document: %v", err)
	}
	if len(got) != 2 || got[0].Text != "alpha" {
		t.Fatalf("unexpected chunks: %+v", got)
	}

	ref, err := store.SaveArtifact(ctx, doc.ID, "embedding", got[0].ID, "vector", "[0.1,0.2]")
	if err != nil {
		t.Fatalf("save artifact: %v", err)
	}
	if ref == "" {
		t.Fatal("expected non-empty result ref")
	}

	artifact, err := store.Artifact(ctx, doc.ID, "embedding", got[0].ID, "vector")
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if artifact.Payload != "[0.1,0.2]" {
		t.Fatalf("unexpected payload: %s", artifact.Payload)
	}
}

func TestConcurrentStageWritesAcrossDocuments(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	// Every worker writes to its own document, so the only thing that can
	// fail here is lock contention on the shared database file.
	const docs = 16
	ids := make([]int64, docs)
	for i := range ids {
		doc := testsupport.NewDocument(t, store, "k.txt", "hash-conc-"+string(rune('a'+i)), "v1")
		ids[i] = doc.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			h, err := store.BeginAttempt(ctx, id, "ingest", ledger.NoChunk, "", 0)
			if err != nil {
				t.Errorf("begin doc %d: %v", id, err)
				return
			}
			if _, err := store.SaveArtifact(ctx, id, "ingest", ledger.NoChunk, "staged_path", "/tmp/x"); err != nil {
				t.Errorf("artifact doc %d: %v", id, err)
				return
			}
			if err := store.CompleteStage(ctx, h, "artifact:1", ledger.DocumentCompleted, "ingest"); err != nil {
				t.Errorf("complete doc %d: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Completed != docs {
		t.Fatalf("completed = %d, want %d", health.Completed, docs)
	}
}

func TestReclaimAbandoned(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	doc := testsupport.NewDocument(t, store, "j.txt", "hash-10", "v1")

	if _, err := store.BeginAttempt(ctx, doc.ID, "ingest", ledger.NoChunk, "", 0); err != nil {
		t.Fatalf("begin: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	reclaimed, err := store.ReclaimAbandoned(ctx, time.Now().Add(-10*time.Millisecond))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed attempt, got %d", reclaimed)
	}

	status, attempt, err := store.LatestStatus(ctx, doc.ID, "ingest", ledger.NoChunk, 0)
	if err != nil {
		t.Fatalf("latest status: %v", err)
	}
	if status != ledger.AttemptFailed || attempt.ErrorKind != "abandoned" {
		t.Fatalf("unexpected reclaimed state: %s %+v", status, attempt)
	}
}
