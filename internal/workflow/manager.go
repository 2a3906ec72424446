package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"docpipe/internal/config"
	"docpipe/internal/engine"
	"docpipe/internal/ledger"
	"docpipe/internal/logging"
)

// Manager runs the background processing loop: it claims pending documents
// from the ledger, hands each to the engine on its own goroutine, and
// periodically reclaims work abandoned by dead processes. Concurrency
// inside a document is bounded by the engine's governor; the manager only
// bounds how many documents are dispatched at once.
type Manager struct {
	cfg          *config.Config
	store        *ledger.Store
	engine       *engine.Engine
	logger       *slog.Logger
	pollInterval time.Duration

	slots chan struct{}

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inFlight map[int64]struct{}
	lastErr  error
}

// NewManager constructs the background manager.
func NewManager(cfg *config.Config, store *ledger.Store, eng *engine.Engine, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	poll := time.Duration(cfg.Pipeline.PollIntervalSeconds) * time.Second
	if poll <= 0 {
		poll = time.Second
	}
	workers := cfg.Pipeline.StagePoolSize
	if workers < 1 {
		workers = 1
	}
	return &Manager{
		cfg:          cfg,
		store:        store,
		engine:       eng,
		logger:       logging.NewComponentLogger(logger, "workflow"),
		pollInterval: poll,
		slots:        make(chan struct{}, workers),
		inFlight:     make(map[int64]struct{}),
	}
}

// Start begins background processing. It first resets documents stranded in
// processing by a previous crash, then launches the dispatch loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.recover(runCtx); err != nil {
		m.logger.Warn("startup recovery incomplete", logging.Error(err))
	}

	go m.runLoop(runCtx)
	return nil
}

// Stop terminates background processing and waits for in-flight documents
// to finish their current stage.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// Running reports whether the dispatch loop is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LastError returns the most recent document processing failure, for the
// status surface.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) runLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		m.reclaim(ctx)
		m.dispatchReady(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dispatchReady claims as many pending documents as there are free worker
// slots. Documents already being processed by this manager are skipped;
// documents being processed by another process are protected by the
// ledger's attempt exclusivity instead.
func (m *Manager) dispatchReady(ctx context.Context) {
	for {
		select {
		case m.slots <- struct{}{}:
		default:
			return
		}

		doc, err := m.claimNext(ctx)
		if err != nil {
			<-m.slots
			if !errors.Is(err, context.Canceled) {
				m.logger.Warn("claim next document failed", logging.Error(err))
			}
			return
		}
		if doc == nil {
			<-m.slots
			return
		}

		m.wg.Add(1)
		go m.processDocument(ctx, doc)
	}
}

func (m *Manager) claimNext(ctx context.Context) (*ledger.Document, error) {
	docs, err := m.store.ListDocuments(ctx, ledger.DocumentPending, ledger.DocumentProcessing)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range docs {
		if _, busy := m.inFlight[doc.ID]; busy {
			continue
		}
		m.inFlight[doc.ID] = struct{}{}
		return doc, nil
	}
	return nil, nil
}

func (m *Manager) processDocument(ctx context.Context, doc *ledger.Document) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, doc.ID)
		m.mu.Unlock()
		<-m.slots
	}()

	logger := m.logger.With(logging.Int64(logging.FieldDocumentID, doc.ID))
	err := m.engine.Process(ctx, doc.ID)
	switch {
	case err == nil:
		logger.Info("document processed")
	case errors.Is(err, engine.ErrStageInProgress):
		logger.Debug("document owned elsewhere, will revisit")
	case errors.Is(err, context.Canceled):
	default:
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		logger.Error("document processing failed", logging.Error(err))
	}
}

// reclaim expires attempt rows whose owners stopped heartbeating. The next
// dispatch can then re-run those stages.
func (m *Manager) reclaim(ctx context.Context) {
	stale := time.Duration(m.cfg.Pipeline.HeartbeatTimeout) * time.Second
	if stale <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-stale)
	reclaimed, err := m.store.ReclaimAbandoned(ctx, cutoff)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Warn("reclaim abandoned attempts failed", logging.Error(err))
		}
		return
	}
	if reclaimed > 0 {
		m.logger.Info("reclaimed abandoned attempts",
			logging.Int64("count", reclaimed),
			logging.String(logging.FieldEventType, "reclaim"),
		)
	}
}

// recover runs once at startup: reclaim everything stale and flip
// processing documents with no live attempt back to pending so they are
// re-dispatched.
func (m *Manager) recover(ctx context.Context) error {
	m.reclaim(ctx)
	reset, err := m.store.ResetStalledProcessing(ctx)
	if err != nil {
		return err
	}
	if reset > 0 {
		m.logger.Info("reset stalled documents to pending", logging.Int64("count", reset))
	}
	return nil
}

