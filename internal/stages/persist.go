package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docpipe/internal/config"
	"docpipe/internal/ledger"
	"docpipe/internal/services"
)

const stagePersistence = "persistence"

// PersistenceStage assembles the validated outputs into one JSON bundle
// under the data directory and records it as the document's final
// artifact. The write goes through a temp file and rename so a crash
// mid-write never leaves a torn bundle at the published path.
type PersistenceStage struct {
	store   *ledger.Store
	dataDir string
}

// NewPersistenceStage builds the persistence handler from config.
func NewPersistenceStage(cfg *config.Config, store *ledger.Store) *PersistenceStage {
	return &PersistenceStage{store: store, dataDir: cfg.Paths.DataDir}
}

type bundleChunk struct {
	Sequence   int             `json:"sequence"`
	TokenCount int             `json:"token_count"`
	Fields     json.RawMessage `json:"fields"`
	Embedding  json.RawMessage `json:"embedding,omitempty"`
}

type bundle struct {
	DocumentID    int64         `json:"document_id"`
	Source        string        `json:"source"`
	ContentHash   string        `json:"content_hash"`
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Chunks        []bundleChunk `json:"chunks"`
}

func (s *PersistenceStage) Execute(ctx context.Context, doc *ledger.Document) (string, error) {
	chunks, err := s.store.ChunksForDocument(ctx, doc.ID)
	if err != nil {
		return "", err
	}

	out := bundle{
		DocumentID:    doc.ID,
		Source:        doc.Source,
		ContentHash:   doc.ContentHash,
		SchemaVersion: doc.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Chunks:        make([]bundleChunk, 0, len(chunks)),
	}
	for _, chunk := range chunks {
		bc := bundleChunk{Sequence: chunk.Sequence, TokenCount: chunk.TokenCount}
		if fields, err := s.store.Artifact(ctx, doc.ID, stageStructuredExtraction, chunk.ID, artifactFields); err == nil {
			bc.Fields = json.RawMessage(fields.Payload)
		}
		if emb, err := s.store.Artifact(ctx, doc.ID, stageEmbedding, chunk.ID, artifactEmbedding); err == nil {
			bc.Embedding = json.RawMessage(emb.Payload)
		}
		if bc.Fields == nil {
			return "", services.Wrap(services.ErrContractViolation, stagePersistence, "assemble",
				fmt.Sprintf("chunk %d has no fields artifact after validation", chunk.Sequence), nil)
		}
		out.Chunks = append(out.Chunks, bc)
	}

	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}

	path := s.bundlePath(doc)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", services.Wrap(services.ErrTransient, stagePersistence, "write bundle", "create output directory", err)
	}
	tmp := path + ".partial"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return "", services.Wrap(services.ErrTransient, stagePersistence, "write bundle", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", services.Wrap(services.ErrTransient, stagePersistence, "write bundle", "publish bundle", err)
	}

	if _, err := s.store.SaveArtifact(ctx, doc.ID, stagePersistence, ledger.NoChunk, artifactBundle, path); err != nil {
		return "", err
	}
	return path, nil
}

func (s *PersistenceStage) bundlePath(doc *ledger.Document) string {
	hash := strings.TrimPrefix(doc.ContentHash, "sha256:")
	if len(hash) > 16 {
		hash = hash[:16]
	}
	return filepath.Join(s.dataDir, "output", fmt.Sprintf("%s-%s.json", hash, doc.SchemaVersion))
}
