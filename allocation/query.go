package allocation

import (
	"context"
	"time"
)

// =============================================================================
// QUERY SURFACE - Read-only views over the ledger and aggregates
// =============================================================================

// Query never writes. All methods go straight to the store.
type Query struct {
	store Reader
}

func NewQuery(store Reader) *Query {
	return &Query{store: store}
}

// Allocation is the slices a user currently has on a target, 0 if none.
func (q *Query) Allocation(ctx context.Context, userID UserID, targetID TargetID) (int, error) {
	return NewBudgetResolver(q.store).CurrentAllocation(ctx, userID, targetID)
}

// UserLedger returns the user's allocations, most recent first, joined
// with each target's display fields.
func (q *Query) UserLedger(ctx context.Context, userID UserID) ([]LedgerEntry, error) {
	user, err := q.store.GetUser(ctx, userID)
	if err != nil {
		return nil, wrapStore("get user", err)
	}
	if user == nil {
		return nil, &NotFoundError{Kind: "user", ID: string(userID)}
	}

	records, err := q.store.ListAllocationsByUser(ctx, userID)
	if err != nil {
		return nil, wrapStore("list allocations", err)
	}

	targets := make(map[TargetID]Target)
	entries := make([]LedgerEntry, 0, len(records))
	for _, rec := range records {
		t, ok := targets[rec.TargetID]
		if !ok {
			found, err := q.store.GetTarget(ctx, rec.TargetID)
			if err != nil {
				return nil, wrapStore("get target", err)
			}
			if found != nil {
				t = *found
			} else {
				t = Target{ID: rec.TargetID}
			}
			targets[rec.TargetID] = t
		}
		entries = append(entries, LedgerEntry{AllocationRecord: rec, Target: t})
	}
	return entries, nil
}

// TargetTotal is the denormalized TotalSlicesReceived.
func (q *Query) TargetTotal(ctx context.Context, targetID TargetID) (int, error) {
	t, err := q.Target(ctx, targetID)
	if err != nil {
		return 0, err
	}
	return t.TotalSlicesReceived, nil
}

// LedgerTotal recomputes a target's total from the ledger. It must always
// equal TargetTotal.
func (q *Query) LedgerTotal(ctx context.Context, targetID TargetID) (int, error) {
	sum, err := q.store.SumByTarget(ctx, targetID)
	if err != nil {
		return 0, wrapStore("sum by target", err)
	}
	return sum, nil
}

func (q *Query) Target(ctx context.Context, targetID TargetID) (Target, error) {
	t, err := q.store.GetTarget(ctx, targetID)
	if err != nil {
		return Target{}, wrapStore("get target", err)
	}
	if t == nil {
		return Target{}, &NotFoundError{Kind: "target", ID: string(targetID)}
	}
	return *t, nil
}

// TargetAnalytics returns daily entries in [from, to], oldest first.
func (q *Query) TargetAnalytics(ctx context.Context, targetID TargetID, from, to time.Time) ([]AnalyticsEntry, error) {
	if _, err := q.Target(ctx, targetID); err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, &ValidationError{Field: "to", Bound: "after from", Value: to.Format(time.DateOnly)}
	}
	entries, err := q.store.ListAnalytics(ctx, targetID, Day(from), Day(to))
	if err != nil {
		return nil, wrapStore("list analytics", err)
	}
	return entries, nil
}

// Budget returns the user's total, committed and remaining slices.
func (q *Query) Budget(ctx context.Context, userID UserID) (BudgetSummary, error) {
	user, err := q.store.GetUser(ctx, userID)
	if err != nil {
		return BudgetSummary{}, wrapStore("get user", err)
	}
	if user == nil {
		return BudgetSummary{}, &NotFoundError{Kind: "user", ID: string(userID)}
	}
	return NewBudgetResolver(q.store).Summary(ctx, *user)
}
