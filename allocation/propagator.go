/*
propagator.go - Denormalized target aggregates

PURPOSE:
  Keeps Target.TotalSlicesReceived and the per-day analytics series in step
  with the ledger. The engine calls ApplyDelta inside the same transaction
  that wrote the ledger record, so both commit or neither does.

DELTA, NOT ABSOLUTE:
  Targets receive (requested - previous). First allocation, increase,
  decrease and removal all keep the running total correct without
  re-reading the whole ledger.

CLAMPING:
  A delta that would push the total below zero means the aggregate was
  already wrong. The total is floored at 0 and a ConsistencyWarning is
  emitted; the request still succeeds. The Reconciler repairs the drift.

ANALYTICS:
  One entry per (target, UTC day). The entry for today is found and
  accumulated; if absent it is created with this delta as initial totals.
*/
package allocation

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// Propagator is the only writer of target aggregates besides the Reconciler.
type Propagator struct {
	store    TxStore
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

func NewPropagator(store TxStore, observer Observer, logger *slog.Logger, now func() time.Time) *Propagator {
	if observer == nil {
		observer = NopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Propagator{store: store, observer: observer, logger: logger, now: now}
}

// ApplyDelta adds d to the target's aggregates using s, which is expected
// to be the caller's open transaction.
func (p *Propagator) ApplyDelta(ctx context.Context, s Store, targetID TargetID, d Delta, at time.Time) error {
	target, err := s.GetTarget(ctx, targetID)
	if err != nil {
		return wrapStore("get target", err)
	}
	if target == nil {
		return &NotFoundError{Kind: "target", ID: string(targetID)}
	}

	if d.Slices != 0 {
		total := target.TotalSlicesReceived + d.Slices
		if total < 0 {
			p.warn(ctx, ConsistencyWarning{
				Kind:     WarnNegativeTotal,
				TargetID: targetID,
				Expected: 0,
				Actual:   total,
			})
			total = 0
		}
		if err := s.SetTargetTotal(ctx, targetID, total); err != nil {
			return wrapStore("set target total", err)
		}
	}

	day := Day(at)
	entry, err := s.GetAnalytics(ctx, targetID, day)
	if err != nil {
		return wrapStore("get analytics", err)
	}
	if entry == nil {
		entry = &AnalyticsEntry{TargetID: targetID, Date: day, Engagement: decimal.Zero}
	}
	entry.SliceAllocation += d.Slices
	entry.Views += d.Views
	entry.Engagement = entry.Engagement.Add(d.Engagement)

	if err := s.UpsertAnalytics(ctx, *entry); err != nil {
		return wrapStore("upsert analytics", err)
	}
	return nil
}

// RecordView counts one view (with an optional engagement score) against
// the target in its own transaction.
func (p *Propagator) RecordView(ctx context.Context, targetID TargetID, engagement decimal.Decimal) error {
	if targetID == "" {
		return &ValidationError{Field: "target_id", Bound: "required", Value: targetID}
	}
	if engagement.IsNegative() {
		return &ValidationError{Field: "engagement", Bound: "min=0", Value: engagement.String()}
	}
	at := p.now()
	return p.store.WithTx(ctx, func(s Store) error {
		return p.ApplyDelta(ctx, s, targetID, Delta{Views: 1, Engagement: engagement}, at)
	})
}

func (p *Propagator) warn(ctx context.Context, w ConsistencyWarning) {
	logWarning(ctx, p.logger, w)
	p.observer.ConsistencyWarning(w)
}

func logWarning(ctx context.Context, logger *slog.Logger, w ConsistencyWarning) {
	logger.WarnContext(ctx, "consistency warning",
		slog.String("kind", string(w.Kind)),
		slog.String("target_id", string(w.TargetID)),
		slog.String("user_id", string(w.UserID)),
		slog.Int("expected", w.Expected),
		slog.Int("actual", w.Actual),
	)
}
