package workflow_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"docpipe/internal/config"
	"docpipe/internal/engine"
	"docpipe/internal/governor"
	"docpipe/internal/ledger"
	"docpipe/internal/retry"
	"docpipe/internal/stage"
	"docpipe/internal/testsupport"
	"docpipe/internal/workflow"
)

type recordingStage struct {
	execs atomic.Int32
}

func (s *recordingStage) Execute(ctx context.Context, doc *ledger.Document) (string, error) {
	s.execs.Add(1)
	return "done", nil
}

func newFixture(t *testing.T) (*config.Config, *ledger.Store, *engine.Engine, *recordingStage) {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	cfg.Pipeline.BackoffBaseSeconds = 0
	cfg.Pipeline.PollIntervalSeconds = 1

	store := testsupport.MustOpenStore(t, cfg)
	reg := stage.NewRegistry()
	handler := &recordingStage{}
	desc := stage.Descriptor{Name: "only", Order: 1, Retryable: true, MaxAttempts: 2, AttemptTimeout: 10 * time.Second}
	if err := reg.Register("v1", desc, handler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	gov, err := governor.New(cfg.Pipeline.StagePoolSize, cfg.Pipeline.ChunkPoolSize)
	if err != nil {
		t.Fatalf("governor.New: %v", err)
	}
	eng, err := engine.New(cfg, store, reg, gov, retry.New(rand.NewPCG(3, 4)), nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return cfg, store, eng, handler
}

func waitForStatus(t *testing.T, store *ledger.Store, id int64, want ledger.DocumentStatus) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := store.GetDocument(context.Background(), id)
		if err != nil {
			t.Fatalf("GetDocument: %v", err)
		}
		if doc.Status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	doc, _ := store.GetDocument(context.Background(), id)
	t.Fatalf("document %d never reached %s (currently %s)", id, want, doc.Status)
}

func TestManagerProcessesPendingDocuments(t *testing.T) {
	cfg, store, eng, handler := newFixture(t)
	mgr := workflow.NewManager(cfg, store, eng, nil)

	var ids []int64
	for i := 0; i < 3; i++ {
		doc, err := eng.Submit(context.Background(), "test://doc", fmt.Sprintf("sha256:%064d", i), "v1", 10, "text/plain")
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, doc.ID)
	}

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop()

	for _, id := range ids {
		waitForStatus(t, store, id, ledger.DocumentCompleted)
	}
	if got := handler.execs.Load(); got != 3 {
		t.Fatalf("stage executed %d times, want 3", got)
	}
}

func TestManagerStartIsExclusive(t *testing.T) {
	cfg, store, eng, _ := newFixture(t)
	mgr := workflow.NewManager(cfg, store, eng, nil)

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop()

	if err := mgr.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded")
	}
	if !mgr.Running() {
		t.Fatal("manager not running after Start")
	}
}

func TestManagerRecoversStalledDocument(t *testing.T) {
	cfg, store, eng, handler := newFixture(t)

	doc, err := eng.Submit(context.Background(), "test://doc", fmt.Sprintf("sha256:%064d", 99), "v1", 10, "text/plain")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Simulate a crashed run: document stuck in processing, its attempt's
	// heartbeat long expired.
	if err := store.SetDocumentStatus(context.Background(), doc.ID, ledger.DocumentProcessing, "", ""); err != nil {
		t.Fatalf("SetDocumentStatus: %v", err)
	}
	if _, err := store.BeginAttempt(context.Background(), doc.ID, "only", ledger.NoChunk, "dead-run", 0); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	cfg.Pipeline.HeartbeatTimeout = 1 // the dead attempt goes stale after a second

	mgr := workflow.NewManager(cfg, store, eng, nil)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop()

	waitForStatus(t, store, doc.ID, ledger.DocumentCompleted)
	if got := handler.execs.Load(); got != 1 {
		t.Fatalf("stage executed %d times, want 1", got)
	}
}
