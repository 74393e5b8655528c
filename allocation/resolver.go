package allocation

import "context"

// =============================================================================
// BUDGET RESOLVER - Committed totals straight from the ledger
// =============================================================================

// BudgetResolver computes a user's budget position from whatever Reader it
// is bound to. Inside the engine that Reader is the open transaction, so the
// figures always reflect the latest committed writes. Nothing is cached.
type BudgetResolver struct {
	r Reader
}

func NewBudgetResolver(r Reader) BudgetResolver {
	return BudgetResolver{r: r}
}

// CommittedTotal is the sum of slices across all of the user's records.
// A user with no records has committed 0.
func (b BudgetResolver) CommittedTotal(ctx context.Context, userID UserID) (int, error) {
	total, err := b.r.SumByUser(ctx, userID)
	if err != nil {
		return 0, wrapStore("sum by user", err)
	}
	return total, nil
}

// CurrentAllocation is the slices value for the pair, or 0 if absent.
func (b BudgetResolver) CurrentAllocation(ctx context.Context, userID UserID, targetID TargetID) (int, error) {
	rec, err := b.r.GetAllocation(ctx, userID, targetID)
	if err != nil {
		return 0, wrapStore("get allocation", err)
	}
	if rec == nil {
		return 0, nil
	}
	return rec.Slices, nil
}

// Summary returns total, committed and remaining for the user.
func (b BudgetResolver) Summary(ctx context.Context, user User) (BudgetSummary, error) {
	committed, err := b.CommittedTotal(ctx, user.ID)
	if err != nil {
		return BudgetSummary{}, err
	}
	return BudgetSummary{
		UserID:    user.ID,
		Total:     user.TotalSlices,
		Committed: committed,
		Remaining: user.TotalSlices - committed,
	}, nil
}

// Remaining is totalSlices minus the committed total.
func (b BudgetResolver) Remaining(ctx context.Context, user User) (int, error) {
	s, err := b.Summary(ctx, user)
	if err != nil {
		return 0, err
	}
	return s.Remaining, nil
}
