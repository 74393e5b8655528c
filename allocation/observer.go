package allocation

import (
	"context"
	"errors"
)

// Observer receives engine events. The metrics package provides a
// Prometheus implementation; NopObserver discards everything.
type Observer interface {
	AllocationCommitted(kind TargetKind, delta int)
	AllocationRejected(reason string)
	ConsistencyWarning(w ConsistencyWarning)
}

type NopObserver struct{}

func (NopObserver) AllocationCommitted(TargetKind, int)   {}
func (NopObserver) AllocationRejected(string)             {}
func (NopObserver) ConsistencyWarning(ConsistencyWarning) {}

// Rejection reasons reported to Observer.AllocationRejected.
const (
	RejectValidation = "validation"
	RejectBudget     = "budget_exceeded"
	RejectNotFound   = "not_found"
	RejectCancelled  = "cancelled"
	RejectStore      = "store"
)

func rejectReason(err error) string {
	switch {
	case isCancelled(err):
		return RejectCancelled
	case IsNotFound(err):
		return RejectNotFound
	case errors.Is(err, ErrBudgetExceeded):
		return RejectBudget
	case errors.Is(err, ErrValidation):
		return RejectValidation
	default:
		return RejectStore
	}
}

// isCancelled reports whether err came from the caller's context rather
// than the store.
func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
