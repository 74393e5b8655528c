package allocation_test

import (
	"context"
	"testing"

	"github.com/slice/allocation-engine/allocation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconciler_CleanLedger(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		_, err := f.engine.SetAllocation(ctx, "u1", "v1", 4)
		require.NoError(t, err)

		report, err := allocation.NewReconciler(f.store, f.observer, nil).Run(ctx)
		require.NoError(t, err)

		assert.Equal(t, 9, report.TargetsChecked)
		assert.Equal(t, 2, report.UsersChecked)
		assert.Zero(t, report.TargetsRepaired)
		assert.Zero(t, report.BudgetViolations)
		assert.Empty(t, report.Warnings)
	})
}

func TestReconciler_RepairsAggregateDrift(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		_, err := f.engine.SetAllocation(ctx, "u1", "v1", 4)
		require.NoError(t, err)
		_, err = f.engine.SetAllocation(ctx, "u2", "v1", 3)
		require.NoError(t, err)

		// GIVEN: the denormalized total no longer matches the ledger
		require.NoError(t, f.store.SetTargetTotal(ctx, "v1", 11))
		require.NoError(t, f.store.SetTargetTotal(ctx, "v2", 2))

		// WHEN: the reconciler runs
		report, err := allocation.NewReconciler(f.store, f.observer, nil).Run(ctx)
		require.NoError(t, err)

		// THEN: both totals are repaired to the ledger sum
		assert.Equal(t, 2, report.TargetsRepaired)
		assert.Equal(t, 7, targetTotal(t, f, "v1"))
		assert.Equal(t, 0, targetTotal(t, f, "v2"))

		require.Len(t, report.Warnings, 2)
		for _, w := range report.Warnings {
			assert.Equal(t, allocation.WarnAggregateMismatch, w.Kind)
		}
		assert.Len(t, f.observer.Warnings(), 2)
		assertInvariants(t, f)

		// A second pass finds nothing
		again, err := allocation.NewReconciler(f.store, f.observer, nil).Run(ctx)
		require.NoError(t, err)
		assert.Zero(t, again.TargetsRepaired)
	})
}

func TestReconciler_ReportsBudgetViolationWithoutTouchingLedger(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		_, err := f.engine.SetAllocation(ctx, "u1", "v1", 6)
		require.NoError(t, err)

		// GIVEN: the budget was lowered behind the engine's back
		require.NoError(t, f.store.SetUserBudget(ctx, "u1", 4))

		report, err := allocation.NewReconciler(f.store, f.observer, nil).Run(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, report.BudgetViolations)
		require.Len(t, report.Warnings, 1)
		assert.Equal(t, allocation.WarnBudgetViolation, report.Warnings[0].Kind)
		assert.Equal(t, allocation.UserID("u1"), report.Warnings[0].UserID)
		assert.Equal(t, 4, report.Warnings[0].Expected)
		assert.Equal(t, 6, report.Warnings[0].Actual)

		// The allocation is still there
		slices, err := f.query.Allocation(ctx, "u1", "v1")
		require.NoError(t, err)
		assert.Equal(t, 6, slices)
	})
}
