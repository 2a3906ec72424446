package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"docpipe/internal/config"
	"docpipe/internal/governor"
	"docpipe/internal/ledger"
	"docpipe/internal/logging"
	"docpipe/internal/retry"
	"docpipe/internal/services"
	"docpipe/internal/stage"
)

// ErrStageInProgress is returned when another process owns a live running
// attempt for the stage. The caller should back off and let the owner finish.
var ErrStageInProgress = errors.New("stage already in progress")

// Engine drives documents through the resolved stage order, consulting the
// ledger for resumability, the governor for admission, and the retry
// coordinator for failure handling.
type Engine struct {
	cfg      *config.Config
	store    *ledger.Store
	registry *stage.Registry
	governor *governor.Governor
	retries  *retry.Coordinator
	logger   *slog.Logger
}

// New constructs an engine. All collaborators are required except the
// logger, which defaults to a no-op.
func New(cfg *config.Config, store *ledger.Store, registry *stage.Registry, gov *governor.Governor, retries *retry.Coordinator, logger *slog.Logger) (*Engine, error) {
	if cfg == nil || store == nil || registry == nil || gov == nil || retries == nil {
		return nil, errors.New("engine requires config, store, registry, governor, and retry coordinator")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		registry: registry,
		governor: gov,
		retries:  retries,
		logger:   logging.NewComponentLogger(logger, "engine"),
	}, nil
}

// Submit registers a document under its idempotency key and returns it.
// Calling Submit repeatedly for the same identity and schema version is safe:
// the existing document is returned and no work is duplicated.
func (e *Engine) Submit(ctx context.Context, source, contentHash, schemaVersion string, sizeBytes int64, mimeType string) (*ledger.Document, error) {
	if strings.TrimSpace(contentHash) == "" {
		return nil, services.Wrap(services.ErrPermanentInput, "", "submit", "content hash is required", nil)
	}
	if _, err := e.registry.Resolve(schemaVersion); err != nil {
		return nil, services.Wrap(services.ErrPermanentInput, "", "submit", err.Error(), nil)
	}

	doc, created, err := e.store.CreateDocument(ctx, source, contentHash, schemaVersion, sizeBytes, mimeType)
	if err != nil {
		return nil, err
	}
	if created {
		e.logger.Info("document registered",
			logging.Int64(logging.FieldDocumentID, doc.ID),
			logging.String("content_hash", contentHash),
			logging.String("schema_version", schemaVersion),
		)
	}
	return doc, nil
}

// Process runs (or resumes) the pipeline for a document. It executes only
// stages without a completed ledger row, and within a fan-out stage only
// chunks that are not yet completed. On permanent failure the document is
// marked failed, previously completed work stays intact, and the stage error
// is returned. A nil return means every resolved stage is completed.
func (e *Engine) Process(ctx context.Context, documentID int64) error {
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	stages, err := e.registry.Resolve(doc.SchemaVersion)
	if err != nil {
		return services.Wrap(services.ErrPermanentInput, "", "resolve stages", err.Error(), nil)
	}
	if len(stages) == 0 {
		return services.Wrap(services.ErrContractViolation, "", "resolve stages", "empty pipeline for "+doc.SchemaVersion, nil)
	}

	correlationID := uuid.NewString()
	ctx = services.WithDocumentID(ctx, doc.ID)
	ctx = services.WithCorrelationID(ctx, correlationID)
	runLogger := logging.WithContext(ctx, e.logger)

	if doc.Status == ledger.DocumentPending || doc.Status == ledger.DocumentFailed {
		if err := e.store.SetDocumentStatus(ctx, doc.ID, ledger.DocumentProcessing, "", ""); err != nil {
			return err
		}
	}

	runLogger.Info("pipeline run started",
		logging.String(logging.FieldEventType, "run_start"),
		logging.String("schema_version", doc.SchemaVersion),
		logging.Int("stages", len(stages)),
	)

	for i, registered := range stages {
		if err := ctx.Err(); err != nil {
			runLogger.Info("pipeline run cancelled between stages",
				logging.String(logging.FieldEventType, "run_cancelled"),
				logging.String(logging.FieldStage, registered.Descriptor.Name),
			)
			return err
		}

		final := i == len(stages)-1
		if err := e.runStage(ctx, doc, registered, correlationID, final); err != nil {
			if errors.Is(err, ErrStageInProgress) {
				runLogger.Info("stage owned by another process, stopping",
					logging.String(logging.FieldStage, registered.Descriptor.Name),
				)
				return err
			}
			// Only the run context decides whether this was a cancellation.
			// Stage errors can wrap a handler's deadline error (an exhausted
			// timeout retry does) and must still be reported as failures.
			if ctx.Err() != nil {
				return err
			}
			runLogger.Error("pipeline halted on stage failure",
				logging.String(logging.FieldEventType, "run_failed"),
				logging.String(logging.FieldStage, registered.Descriptor.Name),
				logging.Error(err),
			)
			return err
		}
	}

	runLogger.Info("pipeline run completed",
		logging.String(logging.FieldEventType, "run_complete"),
	)
	return nil
}

// runStage executes one stage with skip, admission, retry, and persistence
// semantics. The retry loop holds no stage permit while backing off.
func (e *Engine) runStage(ctx context.Context, doc *ledger.Document, registered stage.Registered, correlationID string, final bool) error {
	desc := registered.Descriptor
	staleAfter := e.staleAfter(desc)

	status, _, err := e.store.LatestStatus(ctx, doc.ID, desc.Name, ledger.NoChunk, staleAfter)
	if err != nil {
		return e.haltDocument(ctx, doc, desc.Name, err)
	}
	switch status {
	case ledger.AttemptCompleted:
		// Idempotency: a completed stage never re-runs.
		if final {
			return e.store.SetDocumentStatus(ctx, doc.ID, ledger.DocumentCompleted, "", "")
		}
		return nil
	case ledger.AttemptRunning:
		return fmt.Errorf("stage %s doc %d: %w", desc.Name, doc.ID, ErrStageInProgress)
	}

	stageCtx := services.WithStage(ctx, desc.Name)
	stageLogger := logging.WithContext(stageCtx, e.logger)
	stageCtx = logging.ContextWithLogger(stageCtx, stageLogger)
	// Terminal ledger writes must land even when the run is being cancelled,
	// otherwise a finished attempt would be re-executed on the next run.
	persistCtx := context.WithoutCancel(stageCtx)

	policy := retry.Policy{
		Base:        time.Duration(e.cfg.Pipeline.BackoffBaseSeconds) * time.Second,
		Max:         time.Duration(e.cfg.Pipeline.BackoffMaxSeconds) * time.Second,
		MaxAttempts: desc.MaxAttempts,
	}
	if !desc.Retryable {
		policy.MaxAttempts = 1
	}

	for try := 1; ; try++ {
		release, err := e.governor.AcquireStage(stageCtx)
		if err != nil {
			return err
		}

		handle, err := e.store.BeginAttempt(stageCtx, doc.ID, desc.Name, ledger.NoChunk, correlationID, staleAfter)
		if err != nil {
			release()
			if errors.Is(err, ledger.ErrAttemptActive) {
				return fmt.Errorf("stage %s doc %d: %w", desc.Name, doc.ID, ErrStageInProgress)
			}
			return err
		}

		stageLogger.Info("stage started",
			logging.String(logging.FieldEventType, "stage_start"),
			logging.Int(logging.FieldAttempt, handle.Attempt),
			logging.Bool("fan_out", desc.FanOut),
		)

		stopHeartbeat := e.startHeartbeat(handle.AttemptID)
		resultRef, execErr := e.executeAttempt(stageCtx, doc, registered, correlationID)
		stopHeartbeat()

		if execErr == nil {
			docStatus := ledger.DocumentProcessing
			if final {
				docStatus = ledger.DocumentCompleted
			}
			if err := e.store.CompleteStage(persistCtx, handle, resultRef, docStatus, desc.Name); err != nil {
				release()
				return e.haltDocument(ctx, doc, desc.Name, err)
			}
			release()
			stageLogger.Info("stage completed",
				logging.String(logging.FieldEventType, "stage_complete"),
				logging.Int(logging.FieldAttempt, handle.Attempt),
				logging.String("result_ref", resultRef),
			)
			return nil
		}

		if services.IsFatal(execErr) {
			// Halt rather than guess: consistency and contract errors are
			// never retried.
			if err := e.store.FailStage(persistCtx, handle, string(services.Classify(execErr)), execErr.Error()); err != nil {
				stageLogger.Error("failed to persist fatal stage failure", logging.Error(err))
			}
			release()
			return execErr
		}

		decision := e.retries.Decide(execErr, try, policy)
		if decision.Retry {
			if err := e.store.FailAttempt(persistCtx, handle, string(decision.Kind), execErr.Error(), true); err != nil {
				release()
				return e.haltDocument(ctx, doc, desc.Name, err)
			}
			release()
			stageLogger.Warn("stage failed, retry scheduled",
				logging.String(logging.FieldEventType, "stage_retry"),
				logging.Int(logging.FieldAttempt, handle.Attempt),
				logging.String(logging.FieldErrorKind, string(decision.Kind)),
				logging.Duration("backoff", decision.Delay),
				logging.Error(execErr),
			)
			if err := retry.Wait(ctx, decision); err != nil {
				return err
			}
			continue
		}

		message := execErr.Error()
		if decision.Exhausted {
			message = fmt.Sprintf("retries exhausted after %d attempts: %s", try, message)
		}
		if err := e.store.FailStage(persistCtx, handle, string(decision.Kind), message); err != nil {
			release()
			return e.haltDocument(ctx, doc, desc.Name, err)
		}
		release()
		stageLogger.Error("stage failed permanently",
			logging.String(logging.FieldEventType, "stage_failure"),
			logging.Int(logging.FieldAttempt, handle.Attempt),
			logging.String(logging.FieldErrorKind, string(decision.Kind)),
			logging.String("error_message", message),
		)
		return fmt.Errorf("stage %s: %s: %w", desc.Name, message, execErr)
	}
}

// executeAttempt runs the stage body once, fan-out or single, under the
// per-attempt timeout. The attempt context is detached from the caller's
// cancellation so an in-flight attempt always reaches a terminal state;
// cancellation takes effect at the next stage or chunk boundary.
func (e *Engine) executeAttempt(ctx context.Context, doc *ledger.Document, registered stage.Registered, correlationID string) (string, error) {
	desc := registered.Descriptor

	attemptCtx := context.WithoutCancel(ctx)
	if desc.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(attemptCtx, desc.AttemptTimeout)
		defer cancel()
	}

	if desc.FanOut {
		fan, ok := registered.Handler.(stage.FanOut)
		if !ok {
			return "", services.Wrap(services.ErrContractViolation, desc.Name, "execute", "descriptor marked fan-out but handler lacks chunk capability", nil)
		}
		return e.runFanOut(ctx, attemptCtx, doc, desc, fan, correlationID)
	}

	resultRef, err := registered.Handler.Execute(attemptCtx, doc)
	if err != nil {
		return "", err
	}
	return resultRef, nil
}

func (e *Engine) staleAfter(desc stage.Descriptor) time.Duration {
	stale := time.Duration(e.cfg.Pipeline.HeartbeatTimeout) * time.Second
	if stale <= 0 && desc.AttemptTimeout > 0 {
		stale = desc.AttemptTimeout
	}
	return stale
}

// haltDocument persists a fatal engine-level failure and surfaces it.
func (e *Engine) haltDocument(ctx context.Context, doc *ledger.Document, stageName string, cause error) error {
	kind := string(services.Classify(cause))
	if err := e.store.SetDocumentStatus(context.WithoutCancel(ctx), doc.ID, ledger.DocumentFailed, kind, cause.Error()); err != nil {
		e.logger.Error("failed to persist document halt",
			logging.Int64(logging.FieldDocumentID, doc.ID),
			logging.String(logging.FieldStage, stageName),
			logging.Error(err),
		)
	}
	return cause
}
