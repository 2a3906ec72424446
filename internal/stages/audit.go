package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"docpipe/internal/ledger"
	"docpipe/internal/logging"
)

const stageAudit = "metrics_and_audit"

// AuditStage closes a run by folding the document's full attempt history
// into one audit artifact: attempts per stage, retries, total latency, and
// the chunk roll-up. It reads only what earlier stages already wrote, so
// it can never invalidate their results. The handler is shared by
// concurrent runs and keeps no per-attempt state; its logger comes from the
// attempt context.
type AuditStage struct {
	store *ledger.Store
}

// NewAuditStage builds the audit handler.
func NewAuditStage(store *ledger.Store) *AuditStage {
	return &AuditStage{store: store}
}

type stageAuditEntry struct {
	Attempts  int     `json:"attempts"`
	Retries   int     `json:"retries"`
	LatencyMS float64 `json:"latency_ms"`
}

func (s *AuditStage) Execute(ctx context.Context, doc *ledger.Document) (string, error) {
	attempts, err := s.store.AttemptsForDocument(ctx, doc.ID)
	if err != nil {
		return "", err
	}

	perStage := make(map[string]*stageAuditEntry)
	var totalMS float64
	var retries int
	for _, a := range attempts {
		entry := perStage[a.Stage]
		if entry == nil {
			entry = &stageAuditEntry{}
			perStage[a.Stage] = entry
		}
		entry.Attempts++
		entry.LatencyMS += a.LatencyMS
		totalMS += a.LatencyMS
		if a.Status == ledger.AttemptRetryScheduled {
			entry.Retries++
			retries++
		}
	}

	chunkCount, err := s.store.ChunkCount(ctx, doc.ID)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(map[string]any{
		"document_id":      doc.ID,
		"content_hash":     doc.ContentHash,
		"schema_version":   doc.SchemaVersion,
		"chunks":           chunkCount,
		"attempts":         len(attempts),
		"retries":          retries,
		"total_latency_ms": totalMS,
		"stages":           perStage,
	})
	if err != nil {
		return "", fmt.Errorf("encode audit record: %w", err)
	}

	logging.LoggerFromContext(ctx).Info("document audit",
		logging.Int64(logging.FieldDocumentID, doc.ID),
		logging.Int("chunks", chunkCount),
		logging.Int("attempts", len(attempts)),
		logging.Int("retries", retries),
		logging.Float64("total_latency_ms", totalMS),
	)

	return s.store.SaveArtifact(ctx, doc.ID, stageAudit, ledger.NoChunk, artifactAudit, string(payload))
}
