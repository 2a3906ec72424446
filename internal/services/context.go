package services

import "context"

type contextKey string

const (
	documentIDKey    contextKey = "document_id"
	stageKey         contextKey = "stage"
	chunkIDKey       contextKey = "chunk_id"
	correlationIDKey contextKey = "correlation_id"
)

// WithDocumentID annotates context with the document identifier.
func WithDocumentID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, documentIDKey, id)
}

// DocumentIDFromContext extracts the document identifier if present.
func DocumentIDFromContext(ctx context.Context) (int64, bool) {
	v := ctx.Value(documentIDKey)
	if v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	default:
		return 0, false
	}
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(stageKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithChunkID annotates context with the chunk task identifier.
func WithChunkID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, chunkIDKey, id)
}

// ChunkIDFromContext returns the chunk task identifier if present.
func ChunkIDFromContext(ctx context.Context) (int64, bool) {
	if v, ok := ctx.Value(chunkIDKey).(int64); ok {
		return v, true
	}
	return 0, false
}

// WithCorrelationID annotates context with a run correlation identifier.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext extracts the correlation identifier if present.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(correlationIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
