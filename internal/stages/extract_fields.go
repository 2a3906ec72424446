package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"docpipe/internal/ledger"
	"docpipe/internal/services"
)

const stageStructuredExtraction = "structured_extraction"

// StructuredExtractionStage pulls structured fields from each chunk in
// parallel, one fan-out task per chunk row.
type StructuredExtractionStage struct {
	store  *ledger.Store
	client ExtractClient
}

// NewStructuredExtractionStage builds the extraction handler.
func NewStructuredExtractionStage(store *ledger.Store, client ExtractClient) *StructuredExtractionStage {
	return &StructuredExtractionStage{store: store, client: client}
}

// Execute is never called for fan-out stages; the engine dispatches chunks.
func (s *StructuredExtractionStage) Execute(ctx context.Context, doc *ledger.Document) (string, error) {
	return "", services.Wrap(services.ErrContractViolation, stageStructuredExtraction, "execute", "fan-out stage invoked without chunk dispatch", nil)
}

func (s *StructuredExtractionStage) PlanChunks(ctx context.Context, doc *ledger.Document) ([]ledger.Chunk, error) {
	chunks, err := s.store.ChunksForDocument(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, services.Wrap(services.ErrContractViolation, stageStructuredExtraction, "plan", "no chunk rows; chunking stage did not run", nil)
	}
	return chunks, nil
}

func (s *StructuredExtractionStage) ExecuteChunk(ctx context.Context, doc *ledger.Document, chunk ledger.Chunk) (string, error) {
	fields, err := s.client.Extract(ctx, chunk.Text)
	if err != nil {
		return "", fmt.Errorf("extract chunk %d: %w", chunk.Sequence, err)
	}
	if !json.Valid([]byte(fields)) {
		return "", services.Wrap(services.ErrTransient, stageStructuredExtraction, "extract",
			fmt.Sprintf("provider returned invalid JSON for chunk %d", chunk.Sequence), nil)
	}
	return s.store.SaveArtifact(ctx, doc.ID, stageStructuredExtraction, chunk.ID, artifactFields, fields)
}
