package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"docpipe/internal/engine"
	"docpipe/internal/ledger"
)

// DocumentService bundles the ledger queries behind the CLI and HTTP
// surfaces.
type DocumentService struct {
	store  *ledger.Store
	engine *engine.Engine
}

// NewDocumentService constructs the service.
func NewDocumentService(store *ledger.Store, eng *engine.Engine) *DocumentService {
	return &DocumentService{store: store, engine: eng}
}

// List returns document summaries, optionally filtered to one status.
func (s *DocumentService) List(ctx context.Context, statusFilter string) ([]DocumentSummary, error) {
	var statuses []ledger.DocumentStatus
	if trimmed := strings.TrimSpace(statusFilter); trimmed != "" {
		status, ok := ledger.ParseDocumentStatus(trimmed)
		if !ok {
			return nil, fmt.Errorf("unknown status %q", statusFilter)
		}
		statuses = append(statuses, status)
	}

	docs, err := s.store.ListDocuments(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	summaries := make([]DocumentSummary, 0, len(docs))
	for _, doc := range docs {
		summaries = append(summaries, summarize(doc))
	}
	return summaries, nil
}

// Detail returns the full per-stage view for one document.
func (s *DocumentService) Detail(ctx context.Context, id int64) (*DocumentDetail, error) {
	view, err := s.engine.Status(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("document %d not found", id)
		}
		return nil, err
	}
	return detailFromView(view), nil
}

// Retry flips failed documents back to pending so the workflow manager
// picks them up again. With no ids it retries every failed document. It
// returns how many documents were reset.
func (s *DocumentService) Retry(ctx context.Context, ids ...int64) (int64, error) {
	return s.store.RetryFailed(ctx, ids...)
}

// Health returns aggregate document counts.
func (s *DocumentService) Health(ctx context.Context) (ledger.HealthSummary, error) {
	return s.store.Health(ctx)
}
