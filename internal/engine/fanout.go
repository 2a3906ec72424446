package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"docpipe/internal/ledger"
	"docpipe/internal/logging"
	"docpipe/internal/retry"
	"docpipe/internal/services"
	"docpipe/internal/stage"
)

// chunkFailure records one chunk's terminal failure within a fan-out stage.
type chunkFailure struct {
	chunkID int64
	kind    services.Kind
	message string
}

// runFanOut plans the stage's chunks and executes each as an independent
// ledger-tracked task under a chunk permit. A failed chunk never interrupts
// its siblings; the stage fails only after every chunk has reached a terminal
// state, and the failure message names the chunks that did not complete.
// Chunks with a completed attempt from an earlier run are skipped.
//
// parentCtx carries the caller's cancellation and stops new chunks from
// starting; attemptCtx carries only the per-attempt timeout so in-flight
// chunks finish.
func (e *Engine) runFanOut(parentCtx, attemptCtx context.Context, doc *ledger.Document, desc stage.Descriptor, fan stage.FanOut, correlationID string) (string, error) {
	chunks, err := fan.PlanChunks(attemptCtx, doc)
	if err != nil {
		return "", fmt.Errorf("plan chunks: %w", err)
	}
	if len(chunks) == 0 {
		return "chunks:0/0", nil
	}

	staleAfter := e.staleAfter(desc)
	policy := retry.Policy{
		Base:        time.Duration(e.cfg.Pipeline.BackoffBaseSeconds) * time.Second,
		Max:         time.Duration(e.cfg.Pipeline.BackoffMaxSeconds) * time.Second,
		MaxAttempts: desc.MaxAttempts,
	}
	if !desc.Retryable {
		policy.MaxAttempts = 1
	}

	var (
		mu        sync.Mutex
		failures  []chunkFailure
		completed int
		skipped   bool
	)

	// The group is used for joining only. Cancellation is checked per chunk
	// against parentCtx so one chunk's failure cannot fan in to the others.
	var g errgroup.Group
	for _, chunk := range chunks {
		if parentCtx.Err() != nil {
			skipped = true
			break
		}
		g.Go(func() error {
			done, err := e.runChunk(parentCtx, doc, desc, fan, chunk, correlationID, staleAfter, policy)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var cf chunkFailure
				if errors.As(err, &cf) {
					failures = append(failures, cf)
					return nil
				}
				return err
			}
			if done {
				completed++
			} else {
				skipped = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	if len(failures) > 0 {
		return "", fanOutError(failures)
	}
	if skipped || parentCtx.Err() != nil {
		return "", services.Wrap(services.ErrTransient, desc.Name, "fan-out", "run interrupted before all chunks completed", parentCtx.Err())
	}
	return fmt.Sprintf("chunks:%d/%d", completed, len(chunks)), nil
}

// runChunk drives one chunk through its own attempt and retry lifecycle.
// It returns (true, nil) when the chunk is completed (now or previously),
// (false, nil) when it was left untouched because of cancellation or an
// attempt owned by a live foreign process, and a chunkFailure error when the
// chunk reached a terminal failure.
func (e *Engine) runChunk(ctx context.Context, doc *ledger.Document, desc stage.Descriptor, fan stage.FanOut, chunk ledger.Chunk, correlationID string, staleAfter time.Duration, policy retry.Policy) (bool, error) {
	status, _, err := e.store.LatestStatus(ctx, doc.ID, desc.Name, chunk.ID, staleAfter)
	if err != nil {
		return false, err
	}
	switch status {
	case ledger.AttemptCompleted:
		return true, nil
	case ledger.AttemptRunning:
		return false, nil
	}

	chunkCtx := services.WithStage(ctx, desc.Name)
	chunkCtx = services.WithChunkID(chunkCtx, chunk.ID)
	chunkLogger := logging.WithContext(chunkCtx, e.logger)
	persistCtx := context.WithoutCancel(chunkCtx)

	for try := 1; ; try++ {
		releaseChunk, err := e.governor.AcquireChunk(chunkCtx)
		if err != nil {
			return false, nil
		}

		handle, err := e.store.BeginAttempt(chunkCtx, doc.ID, desc.Name, chunk.ID, correlationID, staleAfter)
		if err != nil {
			releaseChunk()
			if errors.Is(err, ledger.ErrAttemptActive) {
				return false, nil
			}
			return false, err
		}

		stopHeartbeat := e.startHeartbeat(handle.AttemptID)
		resultRef, execErr := e.executeChunk(chunkCtx, doc, desc, fan, chunk)
		stopHeartbeat()

		if execErr == nil {
			err := e.store.CompleteAttempt(persistCtx, handle, resultRef)
			releaseChunk()
			if err != nil {
				return false, err
			}
			chunkLogger.Debug("chunk completed",
				logging.String(logging.FieldEventType, "chunk_complete"),
				logging.Int(logging.FieldAttempt, handle.Attempt),
			)
			return true, nil
		}

		if services.IsFatal(execErr) {
			if err := e.store.FailAttempt(persistCtx, handle, string(services.Classify(execErr)), execErr.Error(), false); err != nil {
				releaseChunk()
				return false, err
			}
			releaseChunk()
			return false, chunkFailure{chunkID: chunk.ID, kind: services.Classify(execErr), message: execErr.Error()}
		}

		decision := e.retries.Decide(execErr, try, policy)
		if decision.Retry {
			if err := e.store.FailAttempt(persistCtx, handle, string(decision.Kind), execErr.Error(), true); err != nil {
				releaseChunk()
				return false, err
			}
			releaseChunk()
			chunkLogger.Warn("chunk failed, retry scheduled",
				logging.String(logging.FieldEventType, "chunk_retry"),
				logging.Int(logging.FieldAttempt, handle.Attempt),
				logging.String(logging.FieldErrorKind, string(decision.Kind)),
				logging.Duration("backoff", decision.Delay),
				logging.Error(execErr),
			)
			if err := retry.Wait(ctx, decision); err != nil {
				return false, nil
			}
			continue
		}

		message := execErr.Error()
		if decision.Exhausted {
			message = fmt.Sprintf("retries exhausted after %d attempts: %s", try, message)
		}
		if err := e.store.FailAttempt(persistCtx, handle, string(decision.Kind), message, false); err != nil {
			releaseChunk()
			return false, err
		}
		releaseChunk()
		chunkLogger.Error("chunk failed permanently",
			logging.String(logging.FieldEventType, "chunk_failure"),
			logging.Int(logging.FieldAttempt, handle.Attempt),
			logging.String(logging.FieldErrorKind, string(decision.Kind)),
			logging.String("error_message", message),
		)
		return false, chunkFailure{chunkID: chunk.ID, kind: decision.Kind, message: message}
	}
}

// executeChunk applies the per-attempt timeout to a single chunk task.
func (e *Engine) executeChunk(ctx context.Context, doc *ledger.Document, desc stage.Descriptor, fan stage.FanOut, chunk ledger.Chunk) (string, error) {
	attemptCtx := context.WithoutCancel(ctx)
	if desc.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(attemptCtx, desc.AttemptTimeout)
		defer cancel()
	}
	return fan.ExecuteChunk(attemptCtx, doc, chunk)
}

func (c chunkFailure) Error() string {
	return fmt.Sprintf("chunk %d: %s: %s", c.chunkID, c.kind, c.message)
}

// fanOutError folds per-chunk terminal failures into a single permanent
// stage error. The worst kind wins: any permanent input failure marks the
// stage permanent_input, otherwise the first failure's kind is used.
func fanOutError(failures []chunkFailure) error {
	sort.Slice(failures, func(i, j int) bool { return failures[i].chunkID < failures[j].chunkID })

	ids := make([]string, len(failures))
	for i, f := range failures {
		ids[i] = fmt.Sprintf("%d", f.chunkID)
	}
	marker := services.ErrPermanentInput
	for _, f := range failures {
		if f.kind == services.KindContractViolation {
			marker = services.ErrContractViolation
			break
		}
	}
	first := failures[0]
	return services.Wrap(marker, "", "fan-out",
		fmt.Sprintf("%d chunk(s) failed [%s]: chunk %d: %s", len(failures), strings.Join(ids, ","), first.chunkID, first.message), nil)
}
