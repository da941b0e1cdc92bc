package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"reportq/internal/api"
	"reportq/internal/config"
	"reportq/internal/connectivity"
	"reportq/internal/console"
	"reportq/internal/logging"
	"reportq/internal/notifications"
	"reportq/internal/preflight"
	"reportq/internal/syncer"
)

// Daemon hosts the sync coordinator, connectivity monitor and API server and
// enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	coord    *syncer.Coordinator
	monitor  *connectivity.Monitor
	notifier notifications.Service
	reports  *api.ReportService
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	sub     *connectivity.Subscription
	passes  sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	QueueDBPath  string
	LockFilePath string
	APIAddress   string
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, coord *syncer.Coordinator, monitor *connectivity.Monitor, notifier notifications.Service, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || coord == nil || monitor == nil {
		return nil, errors.New("daemon requires config, sync coordinator, and connectivity monitor")
	}
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := cfg.DaemonLockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		coord:    coord,
		monitor:  monitor,
		notifier: notifier,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.reports = api.NewReportService(coord, console.New(coord, notifier, logger), monitor)
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, subscribes the coordinator to connectivity
// changes and starts the monitor and API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := d.cfg.EnsureDirectories(); err != nil {
		return err
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another reportq daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.sub = d.monitor.Subscribe(d.onConnectivity)

	if err := d.api.start(d.ctx); err != nil {
		d.teardown()
		return err
	}
	if err := d.monitor.Start(d.ctx); err != nil {
		d.teardown()
		return fmt.Errorf("start connectivity monitor: %w", err)
	}

	d.running.Store(true)
	d.logPreflight()
	d.logger.Info("reportq daemon started",
		logging.String("lock", d.lockPath),
		logging.String("queue_db", d.cfg.QueueDBPath()),
		logging.Int("max_retries", d.coord.MaxRetries()),
	)
	return nil
}

func (d *Daemon) logPreflight() {
	for _, result := range preflight.Failed(preflight.RunAll(d.ctx, d.cfg)) {
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldErrorHint, "run 'reportq queue health' for details"),
			logging.String(logging.FieldImpact, "reports stay queued until the check passes"),
		)
	}
}

// onConnectivity hands the event to the coordinator without blocking the
// monitor loop. The coordinator drops the event if a pass is already running.
func (d *Daemon) onConnectivity(_ context.Context, state connectivity.State) {
	ctx := d.ctx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	d.passes.Add(1)
	go func() {
		defer d.passes.Done()
		d.coord.HandleConnectivity(ctx, state)
	}()
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.teardown()
	d.running.Store(false)
	d.logger.Info("reportq daemon stopped")
}

func (d *Daemon) teardown() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.sub != nil {
		d.sub.Stop()
		d.sub = nil
	}
	d.monitor.Stop()
	d.api.stop()
	d.passes.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.cancel = nil
	d.ctx = nil
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if store := d.coord.Queue().Store(); store != nil {
		return store.Close()
	}
	return nil
}

// Reports exposes the report service backing the API.
func (d *Daemon) Reports() *api.ReportService {
	return d.reports
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		QueueDBPath:  d.cfg.QueueDBPath(),
		LockFilePath: d.lockPath,
		APIAddress:   d.api.address(),
	}
}
