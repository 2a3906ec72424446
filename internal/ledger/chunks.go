package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const chunkColumns = "id, document_id, sequence, text, token_count, created_at"

// ReplaceChunks deletes and re-inserts the chunk plan for a document in one
// transaction. The chunking stage calls this so a retried planning attempt
// never leaves a partial plan behind.
func (s *Store) ReplaceChunks(ctx context.Context, documentID int64, chunks []Chunk) error {
	return s.withTxRetry(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}

		now := timestamp(time.Now())
		for _, chunk := range chunks {
			if _, err := tx.ExecContext(
				ctx,
				`INSERT INTO chunks (document_id, sequence, text, token_count, created_at) VALUES (?, ?, ?, ?, ?)`,
				documentID,
				chunk.Sequence,
				chunk.Text,
				chunk.TokenCount,
				now,
			); err != nil {
				return fmt.Errorf("insert chunk %d: %w", chunk.Sequence, err)
			}
		}
		return nil
	})
}

// ChunksForDocument returns the persisted chunk plan in sequence order.
func (s *Store) ChunksForDocument(ctx context.Context, documentID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE document_id = ? ORDER BY sequence`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var (
			chunk      Chunk
			createdRaw string
		)
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.Sequence, &chunk.Text, &chunk.TokenCount, &createdRaw); err != nil {
			return nil, err
		}
		if created, err := parseTimeString(createdRaw); err == nil {
			chunk.CreatedAt = created
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// ChunkCount returns the number of planned chunks for a document.
func (s *Store) ChunkCount(ctx context.Context, documentID int64) (int, error) {
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM chunks WHERE document_id = ?`, documentID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}
