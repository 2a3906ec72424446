package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"docpipe/internal/ledger"
	"docpipe/internal/services"
)

const stageValidation = "validation"

// ValidationStage cross-checks the pipeline's outputs before anything is
// persisted: every chunk must carry valid extraction fields, embeddings
// must be present when the embedding stage ran, and the chunk set must
// still match the manifest written by chunking. Violations are input
// failures; an inconsistent artifact set points at a bug and halts the
// document instead.
type ValidationStage struct {
	store             *ledger.Store
	embeddingExpected bool
}

// NewValidationStage builds the validation handler. embeddingExpected
// mirrors whether the optional embedding stage is enabled.
func NewValidationStage(store *ledger.Store, embeddingExpected bool) *ValidationStage {
	return &ValidationStage{store: store, embeddingExpected: embeddingExpected}
}

func (s *ValidationStage) Execute(ctx context.Context, doc *ledger.Document) (string, error) {
	chunks, err := s.store.ChunksForDocument(ctx, doc.ID)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "", services.Wrap(services.ErrContractViolation, stageValidation, "load chunks", "no chunk rows to validate", nil)
	}

	manifest, err := s.store.Artifact(ctx, doc.ID, stageChunking, ledger.NoChunk, artifactManifest)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return "", services.Wrap(services.ErrContractViolation, stageValidation, "load manifest", "chunk manifest missing", err)
		}
		return "", err
	}
	var declared struct {
		Chunks int `json:"chunks"`
	}
	if err := json.Unmarshal([]byte(manifest.Payload), &declared); err != nil {
		return "", services.Wrap(services.ErrContractViolation, stageValidation, "load manifest", "chunk manifest is not valid JSON", err)
	}
	if declared.Chunks != len(chunks) {
		return "", services.Wrap(services.ErrContractViolation, stageValidation, "check chunks",
			fmt.Sprintf("manifest declares %d chunks, ledger has %d", declared.Chunks, len(chunks)), nil)
	}

	var problems []string
	for _, chunk := range chunks {
		if err := s.checkChunk(ctx, doc.ID, chunk); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return "", services.Wrap(services.ErrPermanentInput, stageValidation, "check chunks", strings.Join(problems, "; "), nil)
	}

	return fmt.Sprintf("validated:%d", len(chunks)), nil
}

func (s *ValidationStage) checkChunk(ctx context.Context, documentID int64, chunk ledger.Chunk) error {
	fields, err := s.store.Artifact(ctx, documentID, stageStructuredExtraction, chunk.ID, artifactFields)
	if err != nil {
		return fmt.Errorf("chunk %d: fields artifact missing", chunk.Sequence)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(fields.Payload), &decoded); err != nil {
		return fmt.Errorf("chunk %d: fields payload is not a JSON object", chunk.Sequence)
	}
	if len(decoded) == 0 {
		return fmt.Errorf("chunk %d: fields payload is empty", chunk.Sequence)
	}

	if s.embeddingExpected {
		emb, err := s.store.Artifact(ctx, documentID, stageEmbedding, chunk.ID, artifactEmbedding)
		if err != nil {
			return fmt.Errorf("chunk %d: embedding artifact missing", chunk.Sequence)
		}
		var vec struct {
			Dims   int       `json:"dims"`
			Vector []float32 `json:"vector"`
		}
		if err := json.Unmarshal([]byte(emb.Payload), &vec); err != nil || vec.Dims == 0 || len(vec.Vector) != vec.Dims {
			return fmt.Errorf("chunk %d: embedding payload malformed", chunk.Sequence)
		}
	}
	return nil
}
