package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"docpipe/internal/api"
	"docpipe/internal/config"
	"docpipe/internal/ledger"
	"docpipe/internal/logging"
	"docpipe/internal/workflow"
)

// Daemon ties the workflow manager and the HTTP API together and enforces
// single-instance execution through a lock file. Two daemons sharing one
// ledger would fight over pending documents; the attempt exclusivity in the
// ledger makes that safe but wasteful, so the lock refuses the second
// instance outright.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *ledger.Store
	workflow *workflow.Manager
	service  *api.DocumentService

	lockPath string
	lock     *flock.Flock
	server   *apiServer

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status is the daemon runtime snapshot served at /api/status.
type Status struct {
	Running      bool                 `json:"running"`
	Workflow     bool                 `json:"workflow_running"`
	Health       ledger.HealthSummary `json:"health"`
	DatabasePath string               `json:"database_path"`
	LockFilePath string               `json:"lock_file_path"`
	APIBind      string               `json:"api_bind,omitempty"`
	LastError    string               `json:"last_error,omitempty"`
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *ledger.Store, logger *slog.Logger, wf *workflow.Manager, svc *api.DocumentService) (*Daemon, error) {
	if cfg == nil || store == nil || wf == nil || svc == nil {
		return nil, errors.New("daemon requires config, store, workflow manager, and document service")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.DataDir, "docpiped.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		workflow: wf,
		service:  svc,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock, then launches the workflow manager and
// the API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another docpipe daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.workflow.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start workflow: %w", err)
	}

	server, err := newAPIServer(d.cfg, d, d.logger)
	if err != nil {
		d.workflow.Stop()
		cancel()
		_ = d.lock.Unlock()
		return err
	}
	if server != nil {
		if err := server.start(runCtx); err != nil {
			d.workflow.Stop()
			cancel()
			_ = d.lock.Unlock()
			return err
		}
	}

	d.server = server
	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("daemon started",
		logging.String("lock", d.lockPath),
		logging.String("database", d.cfg.DatabasePath()),
	)
	return nil
}

// Stop shuts down background processing and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.running.Store(false)

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.workflow.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release lock failed", logging.Error(err))
	}
	d.logger.Info("daemon stopped")
}

// Running reports whether the daemon has started and not yet stopped.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// APIAddr returns the bound API address, empty when the API is disabled.
func (d *Daemon) APIAddr() string {
	if d.server == nil {
		return ""
	}
	return d.server.addr()
}

// Status collects the runtime snapshot.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	health, err := d.store.Health(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		Running:      d.running.Load(),
		Workflow:     d.workflow.Running(),
		Health:       health,
		DatabasePath: d.cfg.DatabasePath(),
		LockFilePath: d.lockPath,
		APIBind:      d.APIAddr(),
	}
	if err := d.workflow.LastError(); err != nil {
		status.LastError = err.Error()
	}
	return status, nil
}
