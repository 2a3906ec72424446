package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"docpipe/internal/services"
)

const attemptColumns = "id, document_id, stage, chunk_id, attempt, status, error_kind, error_message, result_ref, correlation_id, latency_ms, started_at, finished_at, heartbeat_at"

// BeginAttempt atomically inserts a running row with the next attempt number
// for the (document, stage, chunk) key. It fails with ErrAttemptActive when a
// live running row already exists. A running row whose last heartbeat is
// older than staleAfter is treated as abandoned by a crashed process: it is
// finalized as failed inside the same transaction and the new attempt
// proceeds. staleAfter <= 0 disables abandonment.
func (s *Store) BeginAttempt(ctx context.Context, documentID int64, stage string, chunkID int64, correlationID string, staleAfter time.Duration) (Handle, error) {
	var handle Handle
	err := s.withTxRetry(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		if staleAfter > 0 {
			cutoff := timestamp(now.Add(-staleAfter))
			_, err := tx.ExecContext(
				ctx,
				`UPDATE attempts
             SET status = ?, error_kind = 'abandoned', error_message = 'attempt abandoned: heartbeat expired', finished_at = ?
             WHERE document_id = ? AND stage = ? AND chunk_id = ? AND status = ?
               AND COALESCE(heartbeat_at, started_at) < ?`,
				AttemptFailed,
				timestamp(now),
				documentID,
				stage,
				chunkID,
				AttemptRunning,
				cutoff,
			)
			if err != nil {
				return fmt.Errorf("expire abandoned attempts: %w", err)
			}
		}

		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO attempts (document_id, stage, chunk_id, attempt, status, correlation_id, started_at, heartbeat_at)
         SELECT ?, ?, ?,
                COALESCE((SELECT MAX(attempt) FROM attempts WHERE document_id = ? AND stage = ? AND chunk_id = ?), 0) + 1,
                ?, ?, ?, ?
         WHERE NOT EXISTS (
             SELECT 1 FROM attempts WHERE document_id = ? AND stage = ? AND chunk_id = ? AND status = ?
         )`,
			documentID, stage, chunkID,
			documentID, stage, chunkID,
			AttemptRunning,
			nullableString(correlationID),
			timestamp(now),
			timestamp(now),
			documentID, stage, chunkID,
			AttemptRunning,
		)
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("begin attempt doc=%d stage=%s chunk=%d: %w", documentID, stage, chunkID, ErrAttemptActive)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}

		var number int
		row := tx.QueryRowContext(ctx, `SELECT attempt FROM attempts WHERE id = ?`, id)
		if err := row.Scan(&number); err != nil {
			return fmt.Errorf("read attempt number: %w", err)
		}

		handle = Handle{
			AttemptID:  id,
			DocumentID: documentID,
			Stage:      stage,
			ChunkID:    chunkID,
			Attempt:    number,
		}
		return nil
	})
	if err != nil {
		return Handle{}, err
	}
	return handle, nil
}

// CompleteAttempt marks the handle's row completed and records the finish
// time and latency. Calling it twice with the same handle is a no-op.
func (s *Store) CompleteAttempt(ctx context.Context, h Handle, resultRef string) error {
	return retryOnBusy(ensureContext(ctx), func() error {
		return s.finalizeAttempt(ctx, s.db, h, AttemptCompleted, "", "", resultRef)
	})
}

// FailAttempt marks the handle's row failed. When retryScheduled is set the
// row is finalized as retry_scheduled instead, recording that a follow-up
// attempt has been handed to the retry coordinator.
func (s *Store) FailAttempt(ctx context.Context, h Handle, errorKind, errorMessage string, retryScheduled bool) error {
	status := AttemptFailed
	if retryScheduled {
		status = AttemptRetryScheduled
	}
	return retryOnBusy(ensureContext(ctx), func() error {
		return s.finalizeAttempt(ctx, s.db, h, status, errorKind, errorMessage, "")
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) finalizeAttempt(ctx context.Context, db execer, h Handle, status AttemptStatus, errorKind, errorMessage, resultRef string) error {
	now := timestamp(time.Now())
	res, err := db.ExecContext(
		ctx,
		`UPDATE attempts
         SET status = ?, error_kind = ?, error_message = ?, result_ref = ?, finished_at = ?, heartbeat_at = NULL,
             latency_ms = (julianday(?) - julianday(started_at)) * 86400000.0
         WHERE id = ? AND status = ?`,
		status,
		nullableString(errorKind),
		nullableString(errorMessage),
		nullableString(resultRef),
		now,
		now,
		h.AttemptID,
		AttemptRunning,
	)
	if err != nil {
		return fmt.Errorf("finalize attempt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var current string
	row := db.QueryRowContext(ctx, `SELECT status FROM attempts WHERE id = ?`, h.AttemptID)
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return services.Wrap(services.ErrLedgerConsistency, h.Stage, "finalize attempt", fmt.Sprintf("attempt %d vanished", h.AttemptID), nil)
		}
		return fmt.Errorf("read attempt status: %w", err)
	}
	if AttemptStatus(current) == status {
		// Idempotent finalize: a duplicate call with the same handle is a no-op.
		return nil
	}
	return services.Wrap(
		services.ErrLedgerConsistency,
		h.Stage,
		"finalize attempt",
		fmt.Sprintf("attempt %d is %s, cannot transition to %s", h.AttemptID, current, status),
		nil,
	)
}

// CompleteStage finalizes a whole-stage attempt and updates the document's
// current-stage pointer and overall status in the same transaction, so a
// crash between the two writes cannot leave them disagreeing.
func (s *Store) CompleteStage(ctx context.Context, h Handle, resultRef string, docStatus DocumentStatus, currentStage string) error {
	return s.withTxRetry(ctx, func(tx *sql.Tx) error {
		if err := s.finalizeAttempt(ctx, tx, h, AttemptCompleted, "", "", resultRef); err != nil {
			return err
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE documents SET status = ?, current_stage = ?, error_kind = NULL, error_message = NULL, updated_at = ? WHERE id = ?`,
			docStatus,
			nullableString(currentStage),
			timestamp(time.Now()),
			h.DocumentID,
		); err != nil {
			return fmt.Errorf("advance document: %w", err)
		}
		return nil
	})
}

// FailStage finalizes a whole-stage attempt as failed and marks the document
// failed with the error surfaced verbatim, in one transaction.
func (s *Store) FailStage(ctx context.Context, h Handle, errorKind, errorMessage string) error {
	return s.withTxRetry(ctx, func(tx *sql.Tx) error {
		if err := s.finalizeAttempt(ctx, tx, h, AttemptFailed, errorKind, errorMessage, ""); err != nil {
			return err
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE documents SET status = ?, error_kind = ?, error_message = ?, updated_at = ? WHERE id = ?`,
			DocumentFailed,
			nullableString(errorKind),
			nullableString(errorMessage),
			timestamp(time.Now()),
			h.DocumentID,
		); err != nil {
			return fmt.Errorf("mark document failed: %w", err)
		}
		return nil
	})
}

// LatestStatus reads the decision-relevant state for a key: a live running
// row wins; otherwise the most recent terminal row. A stale running row
// (heartbeat older than staleAfter) is ignored so a crashed process never
// blocks a fresh attempt. Two running rows for one key is an impossible
// transition and reported as a ledger consistency error.
func (s *Store) LatestStatus(ctx context.Context, documentID int64, stage string, chunkID int64, staleAfter time.Duration) (AttemptStatus, *Attempt, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+attemptColumns+` FROM attempts
         WHERE document_id = ? AND stage = ? AND chunk_id = ?
         ORDER BY attempt DESC`,
		documentID,
		stage,
		chunkID,
	)
	if err != nil {
		return AttemptNone, nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var (
		running  []*Attempt
		terminal *Attempt
	)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return AttemptNone, nil, err
		}
		if attempt.Status == AttemptRunning {
			running = append(running, attempt)
			continue
		}
		if terminal == nil && attempt.Status.Terminal() {
			terminal = attempt
		}
	}
	if err := rows.Err(); err != nil {
		return AttemptNone, nil, err
	}

	if len(running) > 1 {
		return AttemptNone, nil, services.Wrap(
			services.ErrLedgerConsistency,
			stage,
			"latest status",
			fmt.Sprintf("%d running attempts for doc=%d chunk=%d", len(running), documentID, chunkID),
			nil,
		)
	}
	if len(running) == 1 {
		live := running[0]
		if staleAfter <= 0 || s.heartbeatFresh(live, staleAfter) {
			return AttemptRunning, live, nil
		}
		// Stale running row left by a crash: eligible for a fresh attempt.
	}
	if terminal != nil {
		return terminal.Status, terminal, nil
	}
	return AttemptNone, nil, nil
}

func (s *Store) heartbeatFresh(a *Attempt, staleAfter time.Duration) bool {
	last := a.StartedAt
	if a.HeartbeatAt != nil {
		last = *a.HeartbeatAt
	}
	return time.Since(last) < staleAfter
}

// Heartbeat refreshes the liveness timestamp for a running attempt.
func (s *Store) Heartbeat(ctx context.Context, attemptID int64) error {
	err := s.execWithoutResultRetry(
		ctx,
		`UPDATE attempts SET heartbeat_at = ? WHERE id = ? AND status = ?`,
		timestamp(time.Now()),
		attemptID,
		AttemptRunning,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ReclaimAbandoned finalizes running attempts whose heartbeat expired before
// the cutoff, across all documents. Returns the number of rows reclaimed.
func (s *Store) ReclaimAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE attempts
         SET status = ?, error_kind = 'abandoned', error_message = 'attempt abandoned: heartbeat expired', finished_at = ?
         WHERE status = ? AND COALESCE(heartbeat_at, started_at) < ?`,
		AttemptFailed,
		timestamp(time.Now()),
		AttemptRunning,
		timestamp(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim abandoned attempts: %w", err)
	}
	return res.RowsAffected()
}

// ResetStalledProcessing returns documents marked processing with no running
// attempt back to pending so the workflow manager picks them up again.
func (s *Store) ResetStalledProcessing(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE documents SET status = ?, updated_at = ?
         WHERE status = ?
           AND id NOT IN (SELECT DISTINCT document_id FROM attempts WHERE status = ?)`,
		DocumentPending,
		timestamp(time.Now()),
		DocumentProcessing,
		AttemptRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stalled documents: %w", err)
	}
	return res.RowsAffected()
}

// AttemptsForDocument returns every ledger row for a document in insertion order.
func (s *Store) AttemptsForDocument(ctx context.Context, documentID int64) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE document_id = ? ORDER BY id`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query document attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

// ChunkStates summarizes the highest-numbered attempt per chunk for a
// fan-out stage, ordered by chunk id. Used by status reporting so operators
// can see exactly which chunks failed.
func (s *Store) ChunkStates(ctx context.Context, documentID int64, stage string) ([]ChunkState, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT chunk_id, attempt, status, COALESCE(error_kind, ''), COALESCE(error_message, '')
         FROM attempts a
         WHERE document_id = ? AND stage = ? AND chunk_id >= 0
           AND attempt = (
             SELECT MAX(attempt) FROM attempts b
             WHERE b.document_id = a.document_id AND b.stage = a.stage AND b.chunk_id = a.chunk_id
           )
         ORDER BY chunk_id`,
		documentID,
		stage,
	)
	if err != nil {
		return nil, fmt.Errorf("query chunk states: %w", err)
	}
	defer rows.Close()

	var states []ChunkState
	for rows.Next() {
		var state ChunkState
		var status string
		if err := rows.Scan(&state.ChunkID, &state.Attempt, &status, &state.ErrorKind, &state.ErrorMessage); err != nil {
			return nil, err
		}
		state.Status = AttemptStatus(status)
		states = append(states, state)
	}
	return states, rows.Err()
}

func scanAttempt(scanner interface{ Scan(dest ...any) error }) (*Attempt, error) {
	var (
		id            int64
		documentID    int64
		stage         string
		chunkID       int64
		number        int
		statusStr     string
		errorKind     sql.NullString
		errorMessage  sql.NullString
		resultRef     sql.NullString
		correlationID sql.NullString
		latencyMS     sql.NullFloat64
		startedRaw    sql.NullString
		finishedRaw   sql.NullString
		heartbeatRaw  sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&documentID,
		&stage,
		&chunkID,
		&number,
		&statusStr,
		&errorKind,
		&errorMessage,
		&resultRef,
		&correlationID,
		&latencyMS,
		&startedRaw,
		&finishedRaw,
		&heartbeatRaw,
	); err != nil {
		return nil, err
	}

	attempt := &Attempt{
		ID:            id,
		DocumentID:    documentID,
		Stage:         stage,
		ChunkID:       chunkID,
		Attempt:       number,
		Status:        AttemptStatus(statusStr),
		ErrorKind:     errorKind.String,
		ErrorMessage:  errorMessage.String,
		ResultRef:     resultRef.String,
		CorrelationID: correlationID.String,
		LatencyMS:     latencyMS.Float64,
	}
	if started, err := parseTimeString(startedRaw.String); err == nil {
		attempt.StartedAt = started
	}
	if finishedRaw.Valid {
		if finished, err := parseTimeString(finishedRaw.String); err == nil {
			attempt.FinishedAt = &finished
		}
	}
	if heartbeatRaw.Valid {
		if heartbeat, err := parseTimeString(heartbeatRaw.String); err == nil {
			attempt.HeartbeatAt = &heartbeat
		}
	}
	return attempt, nil
}
