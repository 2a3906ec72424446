package stage_test

import (
	"context"
	"testing"
	"time"

	"docpipe/internal/ledger"
	"docpipe/internal/stage"
)

type fakeHandler struct{}

func (fakeHandler) Execute(context.Context, *ledger.Document) (string, error) { return "", nil }

type fakeFanOut struct{ fakeHandler }

func (fakeFanOut) PlanChunks(context.Context, *ledger.Document) ([]ledger.Chunk, error) {
	return nil, nil
}

func (fakeFanOut) ExecuteChunk(context.Context, *ledger.Document, ledger.Chunk) (string, error) {
	return "", nil
}

func desc(name string, order int) stage.Descriptor {
	return stage.Descriptor{
		Name:           name,
		Order:          order,
		Retryable:      true,
		MaxAttempts:    3,
		AttemptTimeout: time.Minute,
	}
}

func TestResolveOrdersStages(t *testing.T) {
	reg := stage.NewRegistry()
	if err := reg.Register("v1", desc("chunking", 3), fakeHandler{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("v1", desc("ingest", 1), fakeHandler{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("v1", desc("text_extraction", 2), fakeHandler{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	stages, err := reg.Resolve("v1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"ingest", "text_extraction", "chunking"}
	if len(stages) != len(want) {
		t.Fatalf("expected %d stages, got %d", len(want), len(stages))
	}
	for i, name := range want {
		if stages[i].Descriptor.Name != name {
			t.Fatalf("stage %d = %s, want %s", i, stages[i].Descriptor.Name, name)
		}
	}
}

func TestResolveSkipsDisabledOptional(t *testing.T) {
	reg := stage.NewRegistry()
	embedding := desc("embedding", 2)
	embedding.Optional = true
	embedding.Disabled = true
	embedding.FanOut = true

	if err := reg.Register("v1", desc("chunking", 1), fakeHandler{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("v1", embedding, fakeFanOut{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	stages, err := reg.Resolve("v1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(stages) != 1 || stages[0].Descriptor.Name != "chunking" {
		t.Fatalf("disabled optional stage should be skipped: %+v", stages)
	}
}

func TestResolveUnknownSchema(t *testing.T) {
	reg := stage.NewRegistry()
	if _, err := reg.Resolve("v99"); err == nil {
		t.Fatal("expected error for unknown schema version")
	}
}

func TestRegisterRejectsFanOutWithoutCapability(t *testing.T) {
	reg := stage.NewRegistry()
	d := desc("embedding", 1)
	d.FanOut = true
	if err := reg.Register("v1", d, fakeHandler{}); err == nil {
		t.Fatal("expected error for fan-out descriptor with plain handler")
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := stage.NewRegistry()
	if err := reg.Register("v1", desc("ingest", 1), fakeHandler{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("v1", desc("ingest", 2), fakeHandler{}); err == nil {
		t.Fatal("expected duplicate name rejection")
	}
	if err := reg.Register("v1", desc("other", 1), fakeHandler{}); err == nil {
		t.Fatal("expected duplicate order rejection")
	}
}
