/*
store.go - Persistence interfaces for the allocation ledger

PURPOSE:
  The engine reads and writes through these interfaces only. A concrete
  store owns the database handle; it is opened at process start, passed
  to the engine, and closed at shutdown.

KEY INTERFACES:
  Reader:  Pure reads (users, targets, ledger sums, analytics)
  Writer:  Ledger upsert/delete, aggregate and analytics writes
  Store:   Reader + Writer - what a transaction callback receives
  TxStore: Store + WithTx - atomic multi-record writes

NOT-FOUND CONVENTION:
  Single-row getters return (nil, nil) when the row does not exist.
  Callers decide whether absence is an error.

UNIQUENESS:
  Implementations MUST enforce one AllocationRecord per (UserID, TargetID)
  and one AnalyticsEntry per (TargetID, Date).

IMPLEMENTATIONS:
  - store/sqlite:       Production (SQLite, transactions via BEGIN/COMMIT)
  - allocation/store:   In-memory for testing
*/
package allocation

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Interfaces for ledger persistence
// =============================================================================

type Reader interface {
	GetUser(ctx context.Context, id UserID) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	GetTarget(ctx context.Context, id TargetID) (*Target, error)
	ListTargets(ctx context.Context) ([]Target, error)

	// GetAllocation returns the record for the pair, or nil.
	GetAllocation(ctx context.Context, userID UserID, targetID TargetID) (*AllocationRecord, error)

	// ListAllocationsByUser returns a user's records, most recent first.
	ListAllocationsByUser(ctx context.Context, userID UserID) ([]AllocationRecord, error)

	// SumByUser is the user's committed total. 0 when there are no records.
	SumByUser(ctx context.Context, userID UserID) (int, error)

	// SumByTarget is the ledger total for a target. 0 when there are no records.
	SumByTarget(ctx context.Context, targetID TargetID) (int, error)

	GetAnalytics(ctx context.Context, targetID TargetID, day time.Time) (*AnalyticsEntry, error)

	// ListAnalytics returns entries with from <= Date <= to, oldest first.
	ListAnalytics(ctx context.Context, targetID TargetID, from, to time.Time) ([]AnalyticsEntry, error)
}

type Writer interface {
	// UpsertAllocation creates or replaces the record keyed by (UserID, TargetID).
	// On update, the stored ID and CreatedAt are preserved.
	UpsertAllocation(ctx context.Context, rec AllocationRecord) error

	// DeleteAllocation removes the pair's record. Returns false if absent.
	DeleteAllocation(ctx context.Context, userID UserID, targetID TargetID) (bool, error)

	SetTargetTotal(ctx context.Context, targetID TargetID, total int) error
	UpsertAnalytics(ctx context.Context, entry AnalyticsEntry) error
	SetUserBudget(ctx context.Context, userID UserID, total int) error
}

type Store interface {
	Reader
	Writer
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// EntityStore adds the registration writes the boundary layer needs to
// create the entities the ledger references. Returns ErrDuplicate on
// unique-key collisions.
type EntityStore interface {
	TxStore
	CreateUser(ctx context.Context, u User) error
	CreateTarget(ctx context.Context, t Target) error

	// GetUserByUsername returns the user, or nil.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// SetUserRole changes a user's role. Returns NotFoundError for an
	// unknown user.
	SetUserRole(ctx context.Context, id UserID, role string) error
}
