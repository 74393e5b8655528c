/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically runs the Reconciler so aggregate drift is repaired even when
  nobody calls POST /api/admin/reconcile.

DESIGN:
  - robfig/cron drives the schedule (standard 5-field expression or descriptors
    such as "@hourly", "@every 10m")
  - cron.SkipIfStillRunning: a slow pass is never overlapped by the next
  - The latest report is kept for GET /api/admin/reconcile/last

USAGE:
  scheduler := NewReconciliationScheduler(reconciler, "@hourly", logger)
  if err := scheduler.Start(); err != nil { ... }
  defer scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerReconcile endpoint (manual reconciliation)
  - allocation/reconcile.go: Reconciler
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/slice/allocation-engine/allocation"
)

// ReconciliationScheduler runs allocation.Reconciler on a cron schedule.
type ReconciliationScheduler struct {
	Reconciler *allocation.Reconciler
	Schedule   string
	Enabled    bool

	// OnFinish, if set, is called after every scheduled pass.
	OnFinish func(allocation.ReconcileReport, error)

	// Timeout bounds one pass.
	Timeout time.Duration

	logger *slog.Logger
	engine *cron.Cron

	mu      sync.Mutex
	last    *allocation.ReconcileReport
	lastErr error
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(reconciler *allocation.Reconciler, schedule string, logger *slog.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationScheduler{
		Reconciler: reconciler,
		Schedule:   schedule,
		Enabled:    true,
		Timeout:    10 * time.Minute,
		logger:     logger.With(slog.String("component", "scheduler")),
	}
}

// Start registers the job and starts the cron engine. It returns an error
// for an unparsable schedule.
func (rs *ReconciliationScheduler) Start() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logger.Info("reconciliation scheduler disabled, not starting")
		return nil
	}
	if rs.engine != nil {
		return nil
	}

	engine := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	if _, err := engine.AddFunc(rs.Schedule, rs.RunOnce); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", rs.Schedule, err)
	}
	engine.Start()
	rs.engine = engine

	rs.logger.Info("reconciliation scheduler started", slog.String("schedule", rs.Schedule))
	return nil
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	engine := rs.engine
	rs.engine = nil
	rs.mu.Unlock()

	if engine == nil {
		return
	}
	<-engine.Stop().Done()
	rs.logger.Info("reconciliation scheduler stopped")
}

// RunOnce performs one reconciliation pass and records its outcome.
func (rs *ReconciliationScheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.Timeout)
	defer cancel()

	report, err := rs.Reconciler.Run(ctx)
	if err != nil {
		rs.logger.Error("scheduled reconciliation failed", slog.Any("err", err))
	}

	rs.mu.Lock()
	rs.last = &report
	rs.lastErr = err
	rs.mu.Unlock()

	if rs.OnFinish != nil {
		rs.OnFinish(report, err)
	}
}

// Last returns the most recent scheduled report, or nil if none ran yet.
func (rs *ReconciliationScheduler) Last() (*allocation.ReconcileReport, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.last, rs.lastErr
}
