/*
reconcile.go - Ledger/aggregate reconciliation pass

PURPOSE:
  The ledger is the source of truth. This pass recomputes every target's
  total from the ledger, compares it with the denormalized counter, and
  repairs any drift. It also reports users whose committed slices exceed
  their budget.

WHAT IT DOES NOT DO:
  - It never touches allocation records. A budget violation is reported,
    not "fixed" by deleting somebody's allocations.
  - It never returns an error for a mismatch. Mismatches are
    ConsistencyWarnings; only store failures abort the run.

SCHEDULING:
  api.ReconciliationScheduler runs it on a cron schedule; it is also
  exposed as POST /api/admin/reconcile and the `reconcile` CLI command.
*/
package allocation

import (
	"context"
	"log/slog"
	"time"
)

type Reconciler struct {
	store    TxStore
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// ReconcileReport summarizes one pass.
type ReconcileReport struct {
	StartedAt        time.Time
	FinishedAt       time.Time
	TargetsChecked   int
	TargetsRepaired  int
	UsersChecked     int
	BudgetViolations int
	Warnings         []ConsistencyWarning
}

func NewReconciler(store TxStore, observer Observer, logger *slog.Logger) *Reconciler {
	if observer == nil {
		observer = NopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, observer: observer, logger: logger, now: time.Now}
}

func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{StartedAt: r.now()}

	targets, err := r.store.ListTargets(ctx)
	if err != nil {
		return report, wrapStore("list targets", err)
	}
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		w, repaired, err := r.reconcileTarget(ctx, t.ID)
		if err != nil {
			return report, err
		}
		report.TargetsChecked++
		if repaired {
			report.TargetsRepaired++
			report.Warnings = append(report.Warnings, w)
		}
	}

	users, err := r.store.ListUsers(ctx)
	if err != nil {
		return report, wrapStore("list users", err)
	}
	for _, u := range users {
		committed, err := r.store.SumByUser(ctx, u.ID)
		if err != nil {
			return report, wrapStore("sum by user", err)
		}
		report.UsersChecked++
		if committed > u.TotalSlices {
			w := ConsistencyWarning{
				Kind:     WarnBudgetViolation,
				UserID:   u.ID,
				Expected: u.TotalSlices,
				Actual:   committed,
			}
			r.warn(ctx, w)
			report.BudgetViolations++
			report.Warnings = append(report.Warnings, w)
		}
	}

	report.FinishedAt = r.now()
	r.logger.InfoContext(ctx, "reconciliation finished",
		slog.Int("targets_checked", report.TargetsChecked),
		slog.Int("targets_repaired", report.TargetsRepaired),
		slog.Int("users_checked", report.UsersChecked),
		slog.Int("budget_violations", report.BudgetViolations),
		slog.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

// reconcileTarget compares and repairs one target inside a transaction so
// the comparison sees a consistent ledger.
func (r *Reconciler) reconcileTarget(ctx context.Context, id TargetID) (ConsistencyWarning, bool, error) {
	var (
		w        ConsistencyWarning
		repaired bool
	)
	err := r.store.WithTx(ctx, func(s Store) error {
		t, err := s.GetTarget(ctx, id)
		if err != nil {
			return wrapStore("get target", err)
		}
		if t == nil {
			return nil
		}
		sum, err := s.SumByTarget(ctx, id)
		if err != nil {
			return wrapStore("sum by target", err)
		}
		if sum == t.TotalSlicesReceived {
			return nil
		}
		w = ConsistencyWarning{
			Kind:     WarnAggregateMismatch,
			TargetID: id,
			Expected: sum,
			Actual:   t.TotalSlicesReceived,
		}
		if err := s.SetTargetTotal(ctx, id, sum); err != nil {
			return wrapStore("set target total", err)
		}
		repaired = true
		return nil
	})
	if err != nil {
		return w, false, err
	}
	if repaired {
		r.warn(ctx, w)
	}
	return w, repaired, nil
}

func (r *Reconciler) warn(ctx context.Context, w ConsistencyWarning) {
	logWarning(ctx, r.logger, w)
	r.observer.ConsistencyWarning(w)
}
