/*
Package allocation provides the slice allocation and accounting engine.

PURPOSE:
  Every user holds a fixed budget of slices and spends them on targets
  (videos or brands). This package owns the ledger of those allocations
  and the rules that keep it honest: no user can commit more slices than
  their budget, no single allocation can exceed the per-target cap, and
  every target's denormalized total always matches the ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - User:             The budget holder (TotalSlices)
  - Target:           Video or brand receiving slices, with denormalized totals
  - AllocationRecord: One row per (user, target) pair - the ledger entry
  - AnalyticsEntry:   Per-target, per-day accumulation of slices/views/engagement
  - Delta:            A change applied to a target's aggregates

INVARIANTS:
  1. BUDGET:    sum(AllocationRecord.Slices for user) <= User.TotalSlices
  2. CAP:       1 <= AllocationRecord.Slices <= PerTargetCap (zero is never stored)
  3. UNIQUE:    at most one AllocationRecord per (UserID, TargetID)
  4. AGGREGATE: Target.TotalSlicesReceived == sum(Slices for target)

USAGE:
  engine := allocation.NewEngine(store, allocation.EngineConfig{})
  res, err := engine.SetAllocation(ctx, "user-1", "video-1", 5)

SEE ALSO:
  - engine.go:     SetAllocation / RemoveAllocation / SetBudget
  - propagator.go: Aggregate maintenance
  - store.go:      Persistence interfaces
*/
package allocation

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONFIGURATION CONSTANTS
// =============================================================================

const (
	// DefaultPerTargetCap is the maximum number of slices one allocation record
	// may hold, independent of the user's budget.
	DefaultPerTargetCap = 8

	// DefaultUserBudget is the budget given to newly registered users.
	// Older entry points used 100; 8 is canonical.
	DefaultUserBudget = 8
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TargetID string

// TargetKind distinguishes what a target is. The ledger treats every kind
// the same way.
type TargetKind string

const (
	TargetVideo TargetKind = "video"
	TargetBrand TargetKind = "brand"
)

func (k TargetKind) Valid() bool {
	return k == TargetVideo || k == TargetBrand
}

// =============================================================================
// ENTITIES
// =============================================================================

// Roles a user may hold. The empty role reads as RoleUser.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID           UserID
	Username     string
	Email        string
	PasswordHash string
	Role         string
	TotalSlices  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u User) RoleOrDefault() string {
	if u.Role == "" {
		return RoleUser
	}
	return u.Role
}

// ValidRole reports whether role is one a user may hold.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAdmin
}

type Target struct {
	ID           TargetID
	Kind         TargetKind
	Title        string
	Creator      string
	ThumbnailURL string

	// TotalSlicesReceived is maintained only by the Propagator and the Reconciler.
	TotalSlicesReceived int
	CreatedAt           time.Time
}

// AllocationRecord is the ledger entry for one (user, target) pair.
type AllocationRecord struct {
	ID        string
	UserID    UserID
	TargetID  TargetID
	Slices    int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AnalyticsEntry accumulates activity for one target on one calendar day.
// Date is always UTC midnight (see Day).
type AnalyticsEntry struct {
	TargetID        TargetID
	Date            time.Time
	Views           int
	SliceAllocation int
	Engagement      decimal.Decimal
}

// Delta is a change to a target's aggregates. Slices may be negative.
type Delta struct {
	Slices     int
	Views      int
	Engagement decimal.Decimal
}

func (d Delta) IsZero() bool {
	return d.Slices == 0 && d.Views == 0 && d.Engagement.IsZero()
}

// =============================================================================
// RESULTS
// =============================================================================

// Result describes the outcome of a committed allocation change.
type Result struct {
	// Record is the stored record, nil when the allocation was removed
	// or the pair was already absent.
	Record *AllocationRecord

	// Removed is true when an existing record was deleted.
	Removed bool

	// Previous is the slices value before the change (0 if absent).
	Previous int

	// Delta is what was propagated to the target (requested - previous).
	Delta int

	// Remaining is the user's uncommitted budget after the change.
	Remaining int
}

// BudgetSummary is a user's budget position.
type BudgetSummary struct {
	UserID    UserID
	Total     int
	Committed int
	Remaining int
}

// LedgerEntry is an allocation joined with its target's display fields.
type LedgerEntry struct {
	AllocationRecord
	Target Target
}

// =============================================================================
// TIME
// =============================================================================

// Day truncates t to UTC midnight. Analytics entries are bucketed by Day.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
