package logging

import (
	"context"
	"log/slog"

	"docpipe/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldDocumentID is the standardized structured logging key for document identifiers.
	FieldDocumentID = "document_id"
	// FieldStage is the standardized structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldChunkID is the standardized structured logging key for chunk task identifiers.
	FieldChunkID = "chunk_id"
	// FieldAttempt is the standardized structured logging key for attempt numbers.
	FieldAttempt = "attempt"
	// FieldCorrelationID is the standardized structured logging key for run correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType tags log records for downstream filtering.
	FieldEventType = "event_type"
	// FieldErrorKind carries the classified failure kind.
	FieldErrorKind = "error_kind"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := services.DocumentIDFromContext(ctx); ok {
		fields = append(fields, slog.Int64(FieldDocumentID, id))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if chunk, ok := services.ChunkIDFromContext(ctx); ok {
		fields = append(fields, slog.Int64(FieldChunkID, chunk))
	}
	if rid, ok := services.CorrelationIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}

type loggerContextKey struct{}

// ContextWithLogger stashes an attempt-scoped logger in the context so stage
// handlers can log without holding logger state of their own. Handlers are
// shared across concurrently processed documents, so they must not be mutated
// per attempt.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if ctx == nil || logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// LoggerFromContext returns the logger stashed by ContextWithLogger, or a
// no-op logger when the context carries none.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return NewNop()
	}
	if logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return NewNop()
}
