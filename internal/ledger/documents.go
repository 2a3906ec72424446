package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const documentColumns = "id, source, content_hash, schema_version, status, current_stage, error_kind, error_message, file_size_bytes, mime_type, created_at, updated_at"

// CreateDocument registers a document under its idempotency key
// (content hash + schema version). If a document with the same key already
// exists it is returned unchanged; submission is idempotent by construction.
// The second return value reports whether a new record was created.
func (s *Store) CreateDocument(ctx context.Context, source, contentHash, schemaVersion string, sizeBytes int64, mimeType string) (*Document, bool, error) {
	existing, err := s.FindByKey(ctx, contentHash, schemaVersion)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := timestamp(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO documents (source, content_hash, schema_version, status, file_size_bytes, mime_type, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (content_hash, schema_version) DO NOTHING`,
		source,
		contentHash,
		schemaVersion,
		DocumentPending,
		sizeBytes,
		nullableString(mimeType),
		now,
		now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert document: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	doc, err := s.FindByKey(ctx, contentHash, schemaVersion)
	if err != nil {
		return nil, false, err
	}
	return doc, affected > 0, nil
}

// GetDocument fetches a document by identifier.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// FindByKey returns the document matching an idempotency key.
func (s *Store) FindByKey(ctx context.Context, contentHash, schemaVersion string) (*Document, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+documentColumns+` FROM documents WHERE content_hash = ? AND schema_version = ? LIMIT 1`,
		contentHash,
		schemaVersion,
	)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s/%s: %w", contentHash, schemaVersion, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find document by key: %w", err)
	}
	return doc, nil
}

// ListDocuments returns documents filtered by status set, or all documents
// when no status is provided, ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context, statuses ...DocumentStatus) ([]*Document, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + documentColumns + ` FROM documents`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// NextForStatuses returns the oldest document matching any of the provided statuses.
func (s *Store) NextForStatuses(ctx context.Context, statuses ...DocumentStatus) (*Document, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := makePlaceholders(len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}

	query := `SELECT ` + documentColumns + ` FROM documents WHERE status IN (` + placeholders + `) ORDER BY created_at LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, args...)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// SetDocumentStatus updates the overall status of a document. Stage-terminal
// transitions should instead go through CompleteStage/FailStage so the
// document row and the attempt row commit together.
func (s *Store) SetDocumentStatus(ctx context.Context, id int64, status DocumentStatus, errorKind, errorMessage string) error {
	err := s.execWithoutResultRetry(
		ctx,
		`UPDATE documents SET status = ?, error_kind = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status,
		nullableString(errorKind),
		nullableString(errorMessage),
		timestamp(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("set document status: %w", err)
	}
	return nil
}

// RetryFailed moves failed documents back to pending so the engine picks them
// up again. Completed stages keep their ledger rows and are skipped on resume.
func (s *Store) RetryFailed(ctx context.Context, ids ...int64) (int64, error) {
	now := timestamp(time.Now())
	if len(ids) == 0 {
		res, err := s.execWithRetry(
			ctx,
			`UPDATE documents SET status = ?, error_kind = NULL, error_message = NULL, updated_at = ? WHERE status = ?`,
			DocumentPending,
			now,
			DocumentFailed,
		)
		if err != nil {
			return 0, fmt.Errorf("retry failed documents: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := makePlaceholders(len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, DocumentPending, now)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE documents SET status = ?, error_kind = NULL, error_message = NULL, updated_at = ?
        WHERE id IN (` + placeholders + `) AND status = '` + string(DocumentFailed) + `'`
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry selected documents: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns a count of documents grouped by status.
func (s *Store) Stats(ctx context.Context) (map[DocumentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM documents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("document stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[DocumentStatus]int)
	for rows.Next() {
		var status DocumentStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates document state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case DocumentPending:
			health.Pending += count
		case DocumentProcessing:
			health.Processing += count
		case DocumentCompleted:
			health.Completed += count
		case DocumentFailed:
			health.Failed += count
		}
	}
	return health, nil
}

func scanDocument(scanner interface{ Scan(dest ...any) error }) (*Document, error) {
	var (
		id           int64
		source       string
		contentHash  string
		schemaVer    string
		statusStr    string
		currentStage sql.NullString
		errorKind    sql.NullString
		errorMessage sql.NullString
		sizeBytes    sql.NullInt64
		mimeType     sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&source,
		&contentHash,
		&schemaVer,
		&statusStr,
		&currentStage,
		&errorKind,
		&errorMessage,
		&sizeBytes,
		&mimeType,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	doc := &Document{
		ID:            id,
		Source:        source,
		ContentHash:   contentHash,
		SchemaVersion: schemaVer,
		Status:        DocumentStatus(statusStr),
		CurrentStage:  currentStage.String,
		ErrorKind:     errorKind.String,
		ErrorMessage:  errorMessage.String,
		FileSizeBytes: sizeBytes.Int64,
		MimeType:      mimeType.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		doc.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		doc.UpdatedAt = updated
	}
	return doc, nil
}
