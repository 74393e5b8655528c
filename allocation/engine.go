/*
engine.go - The allocation engine

PURPOSE:
  Validates and commits allocation changes. This is the only place the
  ledger is written.

STATE MACHINE (per user, target pair):
  Absent    --(n > 0)--> Allocated
  Allocated --(n > 0)--> Allocated   (updated in place, never duplicated)
  Allocated --(n = 0)--> Absent      (record deleted, zero is never stored)
  Absent    --(n = 0)--> Absent      (no-op, not an error)

BUDGET CHECK:
  current   = slices already on this pair
  committed = sum of the user's slices
  others    = committed - current
  accept iff requested + others <= user.TotalSlices
  on reject, Remaining = TotalSlices - others

CONCURRENCY:
  Two requests for the same user can both read a stale committed total and
  together exceed the budget. SetAllocation closes that race twice over:
    1. a per-user Locker wraps the whole read-check-write sequence
    2. reads, ledger write and aggregate update run in one store transaction
  The lock is per user, so different users never wait on each other.

ORDER OF CHECKS:
  1. ids present, 0 <= requested <= PerTargetCap   (no I/O)
  2. user exists, target exists                   (inside tx)
  3. budget                                       (inside tx)
  Any failure returns before the first write.

IDEMPOTENCY:
  The API is absolute-value. Re-sending the same request yields delta 0
  and leaves ledger and aggregates unchanged.
*/
package allocation

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EngineConfig configures an Engine. Zero values get defaults.
type EngineConfig struct {
	PerTargetCap int
	Locker       Locker
	Observer     Observer
	Logger       *slog.Logger
	Now          func() time.Time
	NewID        func() string
}

type Engine struct {
	store      TxStore
	propagator *Propagator
	locker     Locker
	observer   Observer
	logger     *slog.Logger
	cap        int
	now        func() time.Time
	newID      func() string
}

func NewEngine(store TxStore, cfg EngineConfig) *Engine {
	if cfg.PerTargetCap <= 0 {
		cfg.PerTargetCap = DefaultPerTargetCap
	}
	if cfg.Locker == nil {
		cfg.Locker = NewKeyedMutex()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Engine{
		store:      store,
		propagator: NewPropagator(store, cfg.Observer, cfg.Logger, cfg.Now),
		locker:     cfg.Locker,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		cap:        cfg.PerTargetCap,
		now:        cfg.Now,
		newID:      cfg.NewID,
	}
}

// PerTargetCap is the configured maximum slices per record.
func (e *Engine) PerTargetCap() int { return e.cap }

// Propagator exposes the engine's propagator for view recording.
func (e *Engine) Propagator() *Propagator { return e.propagator }

// =============================================================================
// ALLOCATION
// =============================================================================

// SetAllocation sets the user's allocation to targetID to exactly requested
// slices. Zero removes the allocation.
func (e *Engine) SetAllocation(ctx context.Context, userID UserID, targetID TargetID, requested int) (Result, error) {
	res, err := e.setAllocation(ctx, userID, targetID, requested)
	if err != nil {
		e.observer.AllocationRejected(rejectReason(err))
		switch {
		case isCancelled(err):
			e.logger.InfoContext(ctx, "allocation cancelled",
				slog.String("user_id", string(userID)),
				slog.String("target_id", string(targetID)),
				slog.Any("err", err),
			)
		case !IsClientError(err) && !IsNotFound(err):
			e.logger.ErrorContext(ctx, "allocation failed",
				slog.String("user_id", string(userID)),
				slog.String("target_id", string(targetID)),
				slog.Int("requested", requested),
				slog.Any("err", err),
			)
		}
		return Result{}, err
	}
	return res, nil
}

// RemoveAllocation deletes the pair's record. Removing an absent pair
// succeeds with Removed=false.
func (e *Engine) RemoveAllocation(ctx context.Context, userID UserID, targetID TargetID) (Result, error) {
	return e.SetAllocation(ctx, userID, targetID, 0)
}

func (e *Engine) setAllocation(ctx context.Context, userID UserID, targetID TargetID, requested int) (Result, error) {
	if err := e.validate(userID, targetID, requested); err != nil {
		return Result{}, err
	}

	unlock, err := e.locker.Lock(ctx, string(userID))
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	var (
		res  Result
		kind TargetKind
	)
	err = e.store.WithTx(ctx, func(s Store) error {
		user, err := s.GetUser(ctx, userID)
		if err != nil {
			return wrapStore("get user", err)
		}
		if user == nil {
			return &NotFoundError{Kind: "user", ID: string(userID)}
		}
		target, err := s.GetTarget(ctx, targetID)
		if err != nil {
			return wrapStore("get target", err)
		}
		if target == nil {
			return &NotFoundError{Kind: "target", ID: string(targetID)}
		}
		kind = target.Kind

		existing, err := s.GetAllocation(ctx, userID, targetID)
		if err != nil {
			return wrapStore("get allocation", err)
		}
		current := 0
		if existing != nil {
			current = existing.Slices
		}
		committed, err := NewBudgetResolver(s).CommittedTotal(ctx, userID)
		if err != nil {
			return err
		}

		others := committed - current
		if requested+others > user.TotalSlices {
			return &BudgetExceededError{
				UserID:    userID,
				TargetID:  targetID,
				Requested: requested,
				Budget:    user.TotalSlices,
				Remaining: user.TotalSlices - others,
			}
		}

		now := e.now()
		res = Result{
			Previous:  current,
			Delta:     requested - current,
			Remaining: user.TotalSlices - others - requested,
		}

		switch {
		case requested == 0:
			removed, err := s.DeleteAllocation(ctx, userID, targetID)
			if err != nil {
				return wrapStore("delete allocation", err)
			}
			res.Removed = removed
		case existing == nil:
			rec := AllocationRecord{
				ID:        e.newID(),
				UserID:    userID,
				TargetID:  targetID,
				Slices:    requested,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := s.UpsertAllocation(ctx, rec); err != nil {
				return wrapStore("upsert allocation", err)
			}
			res.Record = &rec
		default:
			rec := *existing
			rec.Slices = requested
			if res.Delta != 0 {
				rec.UpdatedAt = now
			}
			if err := s.UpsertAllocation(ctx, rec); err != nil {
				return wrapStore("upsert allocation", err)
			}
			res.Record = &rec
		}

		if res.Delta == 0 {
			return nil
		}
		return e.propagator.ApplyDelta(ctx, s, targetID, Delta{Slices: res.Delta}, now)
	})
	if err != nil {
		return Result{}, err
	}

	if res.Delta != 0 {
		e.observer.AllocationCommitted(kind, res.Delta)
		e.logger.InfoContext(ctx, "allocation committed",
			slog.String("user_id", string(userID)),
			slog.String("target_id", string(targetID)),
			slog.Int("slices", requested),
			slog.Int("delta", res.Delta),
			slog.Int("remaining", res.Remaining),
		)
	}
	return res, nil
}

func (e *Engine) validate(userID UserID, targetID TargetID, requested int) error {
	if userID == "" {
		return &ValidationError{Field: "user_id", Bound: "required", Value: userID}
	}
	if targetID == "" {
		return &ValidationError{Field: "target_id", Bound: "required", Value: targetID}
	}
	if requested < 0 {
		return &ValidationError{Field: "slices", Bound: "min=0", Value: requested}
	}
	if requested > e.cap {
		return &ValidationError{Field: "slices", Bound: "max=" + strconv.Itoa(e.cap), Value: requested}
	}
	return nil
}

// =============================================================================
// BUDGET ADMINISTRATION
// =============================================================================

// SetBudget changes a user's total budget. The new total may not be lower
// than what the user has already committed.
func (e *Engine) SetBudget(ctx context.Context, userID UserID, total int) (BudgetSummary, error) {
	if userID == "" {
		return BudgetSummary{}, &ValidationError{Field: "user_id", Bound: "required", Value: userID}
	}
	if total < 0 {
		return BudgetSummary{}, &ValidationError{Field: "total_slices", Bound: "min=0", Value: total}
	}

	unlock, err := e.locker.Lock(ctx, string(userID))
	if err != nil {
		return BudgetSummary{}, err
	}
	defer unlock()

	var summary BudgetSummary
	err = e.store.WithTx(ctx, func(s Store) error {
		user, err := s.GetUser(ctx, userID)
		if err != nil {
			return wrapStore("get user", err)
		}
		if user == nil {
			return &NotFoundError{Kind: "user", ID: string(userID)}
		}
		committed, err := NewBudgetResolver(s).CommittedTotal(ctx, userID)
		if err != nil {
			return err
		}
		if total < committed {
			return &ValidationError{
				Field:   "total_slices",
				Bound:   "min=" + strconv.Itoa(committed),
				Value:   total,
				Message: "budget cannot be lowered below the committed total " + strconv.Itoa(committed),
			}
		}
		if err := s.SetUserBudget(ctx, userID, total); err != nil {
			return wrapStore("set user budget", err)
		}
		summary = BudgetSummary{UserID: userID, Total: total, Committed: committed, Remaining: total - committed}
		return nil
	})
	if err != nil {
		return BudgetSummary{}, err
	}

	e.logger.InfoContext(ctx, "budget adjusted",
		slog.String("user_id", string(userID)),
		slog.Int("total_slices", total),
	)
	return summary, nil
}
