package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"docpipe/internal/config"
	"docpipe/internal/ledger"
	"docpipe/internal/services"
)

const stageEmbedding = "embedding"

// EmbeddingStage embeds each chunk independently. It is a fan-out stage:
// the engine plans one task per chunk row and runs them under the chunk
// pool, so one oversized or malformed chunk fails alone while its siblings
// complete.
type EmbeddingStage struct {
	store  *ledger.Store
	client EmbedClient
	model  string
}

// NewEmbeddingStage builds the embedding handler.
func NewEmbeddingStage(cfg *config.Config, store *ledger.Store, client EmbedClient) *EmbeddingStage {
	return &EmbeddingStage{store: store, client: client, model: cfg.Embedding.Model}
}

// Execute is never called for fan-out stages; the engine dispatches chunks.
func (s *EmbeddingStage) Execute(ctx context.Context, doc *ledger.Document) (string, error) {
	return "", services.Wrap(services.ErrContractViolation, stageEmbedding, "execute", "fan-out stage invoked without chunk dispatch", nil)
}

func (s *EmbeddingStage) PlanChunks(ctx context.Context, doc *ledger.Document) ([]ledger.Chunk, error) {
	chunks, err := s.store.ChunksForDocument(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, services.Wrap(services.ErrContractViolation, stageEmbedding, "plan", "no chunk rows; chunking stage did not run", nil)
	}
	return chunks, nil
}

func (s *EmbeddingStage) ExecuteChunk(ctx context.Context, doc *ledger.Document, chunk ledger.Chunk) (string, error) {
	vec, err := s.client.Embed(ctx, chunk.Text)
	if err != nil {
		return "", fmt.Errorf("embed chunk %d: %w", chunk.Sequence, err)
	}

	payload, err := json.Marshal(map[string]any{
		"model":  s.model,
		"dims":   len(vec),
		"vector": vec,
	})
	if err != nil {
		return "", fmt.Errorf("encode embedding: %w", err)
	}
	return s.store.SaveArtifact(ctx, doc.ID, stageEmbedding, chunk.ID, artifactEmbedding, string(payload))
}
