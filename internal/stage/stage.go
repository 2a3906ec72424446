package stage

import (
	"context"
	"time"

	"docpipe/internal/ledger"
)

// Handler is the contract every stage implementation satisfies. Execute
// returns an opaque result reference persisted in the ledger; failures are
// classified through the services error markers (transient failures are
// retried, permanent ones are terminal, contract violations halt the
// document).
type Handler interface {
	Execute(ctx context.Context, doc *ledger.Document) (string, error)
}

// FanOut is implemented by stages that partition their work into
// independently executed chunk tasks. PlanChunks returns the ordered chunk
// descriptors; ExecuteChunk runs one of them. Chunk tasks must not share
// mutable state: each outcome is recorded as its own ledger row.
type FanOut interface {
	Handler
	PlanChunks(ctx context.Context, doc *ledger.Document) ([]ledger.Chunk, error)
	ExecuteChunk(ctx context.Context, doc *ledger.Document, chunk ledger.Chunk) (string, error)
}

// Descriptor describes one stage's position and policy in a pipeline.
// Descriptors are immutable after registration.
type Descriptor struct {
	Name           string
	Order          int
	FanOut         bool
	Retryable      bool
	MaxAttempts    int
	AttemptTimeout time.Duration
	// Optional stages can be disabled per deployment (e.g. the embedding
	// stage toggled off) and are skipped during resolution.
	Optional bool
	Disabled bool
}
