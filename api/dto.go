/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the allocation domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Small response wrappers

VALIDATION:
  Request types carry go-playground/validator tags for shape checks only
  (presence, format). Business bounds such as the per-target cap and the
  budget are enforced by allocation.Engine, never here.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/slice/allocation-engine/allocation"
)

// =============================================================================
// ALLOCATIONS
// =============================================================================

// CreateAllocationRequest is the body of POST /api/subscriptions.
// VideoID is the legacy name for TargetID; either may be sent.
type CreateAllocationRequest struct {
	UserID   string `json:"user_id" validate:"required"`
	VideoID  string `json:"video_id" validate:"required_without=TargetID"`
	TargetID string `json:"target_id" validate:"required_without=VideoID"`
	Slices   *int   `json:"slices" validate:"required"`
}

func (r CreateAllocationRequest) Target() allocation.TargetID {
	if r.TargetID != "" {
		return allocation.TargetID(r.TargetID)
	}
	return allocation.TargetID(r.VideoID)
}

// UpdateAllocationRequest is the body of PUT /api/subscriptions/user/{userId}/video/{videoId}.
type UpdateAllocationRequest struct {
	Slices *int `json:"slices" validate:"required"`
}

// AllocationDTO represents a committed allocation record.
type AllocationDTO struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	TargetID  string `json:"target_id"`
	Slices    int    `json:"slices"`
	Previous  int    `json:"previous"`
	Remaining int    `json:"remaining"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// RemovedResponse is returned when a zero request removed (or found no) record.
type RemovedResponse struct {
	Removed   bool `json:"removed"`
	Existed   bool `json:"existed"`
	Remaining int  `json:"remaining"`
}

type SlicesResponse struct {
	Slices int `json:"slices"`
}

type DeleteResponse struct {
	Success bool `json:"success"`
	Changes int  `json:"changes"`
}

// LedgerEntryDTO is one row of a user's allocation history.
type LedgerEntryDTO struct {
	ID           string `json:"id"`
	TargetID     string `json:"target_id"`
	Kind         string `json:"kind"`
	Title        string `json:"title"`
	Creator      string `json:"creator"`
	ThumbnailURL string `json:"thumbnail_url"`
	Slices       int    `json:"slices"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// =============================================================================
// USERS & BUDGETS
// =============================================================================

type CreateUserRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type UserDTO struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	TotalSlices int    `json:"total_slices"`
	CreatedAt   string `json:"created_at,omitempty"`
}

type BudgetDTO struct {
	UserID      string `json:"user_id"`
	TotalSlices int    `json:"total_slices"`
	Committed   int    `json:"committed"`
	Remaining   int    `json:"remaining"`
}

type SetBudgetRequest struct {
	TotalSlices *int `json:"total_slices" validate:"required"`
}

type TokenRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// =============================================================================
// TARGETS
// =============================================================================

type CreateTargetRequest struct {
	ID           string `json:"id" validate:"omitempty,max=64"`
	Title        string `json:"title" validate:"required,max=200"`
	Creator      string `json:"creator" validate:"omitempty,max=100"`
	ThumbnailURL string `json:"thumbnail_url" validate:"omitempty,url"`
}

type TargetDTO struct {
	ID                  string `json:"id"`
	Kind                string `json:"kind"`
	Title               string `json:"title"`
	Creator             string `json:"creator"`
	ThumbnailURL        string `json:"thumbnail_url"`
	TotalSlicesReceived int    `json:"total_slices_received"`
	CreatedAt           string `json:"created_at,omitempty"`
}

// RecordViewRequest is the optional body of POST /api/videos/{id}/views.
type RecordViewRequest struct {
	Engagement string `json:"engagement" validate:"omitempty,numeric"`
}

type AnalyticsDTO struct {
	Date            string `json:"date"`
	Views           int    `json:"views"`
	SliceAllocation int    `json:"slice_allocation"`
	Engagement      string `json:"engagement"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type ConsistencyWarningDTO struct {
	Kind     string `json:"kind"`
	TargetID string `json:"target_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Expected int    `json:"expected"`
	Actual   int    `json:"actual"`
}

type ReconcileReportDTO struct {
	StartedAt        string                  `json:"started_at"`
	FinishedAt       string                  `json:"finished_at"`
	TargetsChecked   int                     `json:"targets_checked"`
	TargetsRepaired  int                     `json:"targets_repaired"`
	UsersChecked     int                     `json:"users_checked"`
	BudgetViolations int                     `json:"budget_violations"`
	Warnings         []ConsistencyWarningDTO `json:"warnings"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Details   string `json:"details,omitempty"`
	Field     string `json:"field,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toAllocationDTO(res allocation.Result) AllocationDTO {
	rec := res.Record
	return AllocationDTO{
		ID:        rec.ID,
		UserID:    string(rec.UserID),
		TargetID:  string(rec.TargetID),
		Slices:    rec.Slices,
		Previous:  res.Previous,
		Remaining: res.Remaining,
		CreatedAt: formatTime(rec.CreatedAt),
		UpdatedAt: formatTime(rec.UpdatedAt),
	}
}

func toLedgerEntryDTOs(entries []allocation.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = LedgerEntryDTO{
			ID:           e.ID,
			TargetID:     string(e.TargetID),
			Kind:         string(e.Target.Kind),
			Title:        e.Target.Title,
			Creator:      e.Target.Creator,
			ThumbnailURL: e.Target.ThumbnailURL,
			Slices:       e.Slices,
			CreatedAt:    formatTime(e.CreatedAt),
			UpdatedAt:    formatTime(e.UpdatedAt),
		}
	}
	return dtos
}

func toUserDTO(u allocation.User) UserDTO {
	return UserDTO{
		ID:          string(u.ID),
		Username:    u.Username,
		Email:       u.Email,
		Role:        u.RoleOrDefault(),
		TotalSlices: u.TotalSlices,
		CreatedAt:   formatTime(u.CreatedAt),
	}
}

func toBudgetDTO(b allocation.BudgetSummary) BudgetDTO {
	return BudgetDTO{
		UserID:      string(b.UserID),
		TotalSlices: b.Total,
		Committed:   b.Committed,
		Remaining:   b.Remaining,
	}
}

func toTargetDTO(t allocation.Target) TargetDTO {
	return TargetDTO{
		ID:                  string(t.ID),
		Kind:                string(t.Kind),
		Title:               t.Title,
		Creator:             t.Creator,
		ThumbnailURL:        t.ThumbnailURL,
		TotalSlicesReceived: t.TotalSlicesReceived,
		CreatedAt:           formatTime(t.CreatedAt),
	}
}

func toAnalyticsDTOs(entries []allocation.AnalyticsEntry) []AnalyticsDTO {
	dtos := make([]AnalyticsDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AnalyticsDTO{
			Date:            e.Date.Format(time.DateOnly),
			Views:           e.Views,
			SliceAllocation: e.SliceAllocation,
			Engagement:      e.Engagement.String(),
		}
	}
	return dtos
}

// NewReconcileReportDTO converts a report for JSON output.
func NewReconcileReportDTO(r allocation.ReconcileReport) ReconcileReportDTO {
	warnings := make([]ConsistencyWarningDTO, len(r.Warnings))
	for i, w := range r.Warnings {
		warnings[i] = ConsistencyWarningDTO{
			Kind:     string(w.Kind),
			TargetID: string(w.TargetID),
			UserID:   string(w.UserID),
			Expected: w.Expected,
			Actual:   w.Actual,
		}
	}
	return ReconcileReportDTO{
		StartedAt:        formatTime(r.StartedAt),
		FinishedAt:       formatTime(r.FinishedAt),
		TargetsChecked:   r.TargetsChecked,
		TargetsRepaired:  r.TargetsRepaired,
		UsersChecked:     r.UsersChecked,
		BudgetViolations: r.BudgetViolations,
		Warnings:         warnings,
	}
}
