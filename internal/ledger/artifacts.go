package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const artifactColumns = "id, document_id, stage, chunk_id, kind, payload, created_at"

// SaveArtifact upserts a stage output keyed by (document, stage, chunk, kind)
// and returns an opaque result reference for the ledger row. Re-running a
// completed attempt overwrites its artifact rather than duplicating it.
func (s *Store) SaveArtifact(ctx context.Context, documentID int64, stage string, chunkID int64, kind, payload string) (string, error) {
	now := timestamp(time.Now())
	err := s.execWithoutResultRetry(
		ctx,
		`INSERT INTO artifacts (document_id, stage, chunk_id, kind, payload, created_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT (document_id, stage, chunk_id, kind) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at`,
		documentID,
		stage,
		chunkID,
		kind,
		payload,
		now,
	)
	if err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}

	var id int64
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id FROM artifacts WHERE document_id = ? AND stage = ? AND chunk_id = ? AND kind = ?`,
		documentID, stage, chunkID, kind,
	)
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("read artifact id: %w", err)
	}
	return fmt.Sprintf("artifact:%d", id), nil
}

// Artifact fetches one stage output by its key.
func (s *Store) Artifact(ctx context.Context, documentID int64, stage string, chunkID int64, kind string) (*Artifact, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE document_id = ? AND stage = ? AND chunk_id = ? AND kind = ?`,
		documentID, stage, chunkID, kind,
	)
	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s/%s doc=%d chunk=%d: %w", stage, kind, documentID, chunkID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return artifact, nil
}

// ArtifactsForDocument returns every persisted stage output for a document.
// Completed chunks of a failed fan-out stage remain queryable here.
func (s *Store) ArtifactsForDocument(ctx context.Context, documentID int64) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE document_id = ? ORDER BY id`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

func scanArtifact(scanner interface{ Scan(dest ...any) error }) (*Artifact, error) {
	var (
		artifact   Artifact
		createdRaw string
	)
	if err := scanner.Scan(
		&artifact.ID,
		&artifact.DocumentID,
		&artifact.Stage,
		&artifact.ChunkID,
		&artifact.Kind,
		&artifact.Payload,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		artifact.CreatedAt = created
	}
	return &artifact, nil
}
