/*
handlers.go - HTTP API handlers for the slice allocation engine

PURPOSE:
  Exposes the allocation engine via REST API. Handles HTTP request and
  response, JSON serialization, and delegates every decision to the
  allocation package. No business rule lives here.

ENDPOINTS:
  Allocations:
    POST   /api/subscriptions                                  Set allocation (0 removes)
    GET    /api/subscriptions/user/{userId}                    User's ledger, most recent first
    GET    /api/subscriptions/user/{userId}/video/{videoId}    Current slices on a target
    PUT    /api/subscriptions/user/{userId}/video/{videoId}    Set allocation
    DELETE /api/subscriptions/user/{userId}/video/{videoId}    Remove allocation

  Users:
    POST   /api/users                  Register (public)
    GET    /api/users/{id}             User details
    GET    /api/users/{id}/budget      Total, committed, remaining
    POST   /api/auth/token             Issue a bearer token (public)

  Targets:
    POST   /api/videos                 Create video
    POST   /api/brands                 Create brand
    GET    /api/targets/{id}           Target with its total
    GET    /api/targets/{id}/analytics Daily series (?from=&to=, YYYY-MM-DD)
    POST   /api/videos/{id}/views      Record a view

  Admin:
    PUT    /api/admin/users/{id}/budget  Change a user's budget
    POST   /api/admin/reconcile          Run a reconciliation pass
    GET    /api/admin/reconcile/last     Latest scheduled pass

ERROR HANDLING:
  writeDomainError maps the allocation error taxonomy onto HTTP:
  - 400 validation / budget_exceeded (with remaining)
  - 401 / 403 authentication and authorization
  - 404 not_found
  - 409 conflict (username, email or id taken)
  - 500 store

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - auth.go: Token verification
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/slice/allocation-engine/allocation"
	"github.com/slice/allocation-engine/metrics"
	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Options configures a Handler. Zero values get defaults.
type Options struct {
	DefaultBudget int
	Auth          *Authenticator
	Metrics       *metrics.Observer
	Scheduler     *ReconciliationScheduler
	Logger        *slog.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      allocation.EntityStore
	Engine     *allocation.Engine
	Query      *allocation.Query
	Reconciler *allocation.Reconciler

	auth          *Authenticator
	metrics       *metrics.Observer
	scheduler     *ReconciliationScheduler
	validate      *validator.Validate
	defaultBudget int
	logger        *slog.Logger
}

// NewHandler creates a new handler around an engine bound to store.
func NewHandler(store allocation.EntityStore, engine *allocation.Engine, reconciler *allocation.Reconciler, opts Options) *Handler {
	if opts.DefaultBudget < 0 {
		opts.DefaultBudget = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Auth == nil {
		opts.Auth = NewAuthenticator("", false, opts.Logger)
	}
	return &Handler{
		Store:         store,
		Engine:        engine,
		Query:         allocation.NewQuery(store),
		Reconciler:    reconciler,
		auth:          opts.Auth,
		metrics:       opts.Metrics,
		scheduler:     opts.Scheduler,
		validate:      validator.New(),
		defaultBudget: opts.DefaultBudget,
		logger:        opts.Logger,
	}
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// CreateAllocation sets a user's allocation to a target.
// POST /api/subscriptions
func (h *Handler) CreateAllocation(w http.ResponseWriter, r *http.Request) {
	var req CreateAllocationRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	userID := allocation.UserID(req.UserID)
	if !h.authorizeUser(w, r, userID) {
		return
	}

	res, err := h.Engine.SetAllocation(r.Context(), userID, req.Target(), *req.Slices)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if res.Record == nil {
		writeJSON(w, http.StatusOK, RemovedResponse{Removed: true, Existed: res.Removed, Remaining: res.Remaining})
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationDTO(res))
}

// GetAllocation returns the slices a user has on a target, 0 if none.
// GET /api/subscriptions/user/{userId}/video/{videoId}
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	userID := allocation.UserID(chi.URLParam(r, "userId"))
	targetID := allocation.TargetID(chi.URLParam(r, "videoId"))

	if !h.authorizeUser(w, r, userID) {
		return
	}

	slices, err := h.Query.Allocation(r.Context(), userID, targetID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SlicesResponse{Slices: slices})
}

// UpdateAllocation sets the allocation for the pair in the URL.
// PUT /api/subscriptions/user/{userId}/video/{videoId}
func (h *Handler) UpdateAllocation(w http.ResponseWriter, r *http.Request) {
	userID := allocation.UserID(chi.URLParam(r, "userId"))
	targetID := allocation.TargetID(chi.URLParam(r, "videoId"))

	var req UpdateAllocationRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if !h.authorizeUser(w, r, userID) {
		return
	}

	res, err := h.Engine.SetAllocation(r.Context(), userID, targetID, *req.Slices)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if res.Record == nil {
		writeJSON(w, http.StatusOK, RemovedResponse{Removed: true, Existed: res.Removed, Remaining: res.Remaining})
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(res))
}

// DeleteAllocation removes the pair's allocation. Removing an absent pair
// succeeds with changes=0.
// DELETE /api/subscriptions/user/{userId}/video/{videoId}
func (h *Handler) DeleteAllocation(w http.ResponseWriter, r *http.Request) {
	userID := allocation.UserID(chi.URLParam(r, "userId"))
	targetID := allocation.TargetID(chi.URLParam(r, "videoId"))

	if !h.authorizeUser(w, r, userID) {
		return
	}

	res, err := h.Engine.RemoveAllocation(r.Context(), userID, targetID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	changes := 0
	if res.Removed {
		changes = 1
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Success: true, Changes: changes})
}

// ListUserAllocations returns the user's ledger, most recent first. Only
// the user or an admin may read it.
// GET /api/subscriptions/user/{userId}
func (h *Handler) ListUserAllocations(w http.ResponseWriter, r *http.Request) {
	userID := allocation.UserID(chi.URLParam(r, "userId"))

	if !h.authorizeUser(w, r, userID) {
		return
	}

	entries, err := h.Query.UserLedger(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTOs(entries))
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// CreateUser registers a user with the default budget.
// POST /api/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password", err)
		return
	}

	now := time.Now().UTC()
	user := allocation.User{
		ID:           allocation.UserID(uuid.NewString()),
		Username:     req.Username,
		Email:        strings.ToLower(req.Email),
		PasswordHash: string(hash),
		TotalSlices:  h.defaultBudget,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "user created",
		slog.String("user_id", string(user.ID)),
		slog.Int("total_slices", user.TotalSlices),
	)
	writeJSON(w, http.StatusCreated, toUserDTO(user))
}

// GetUser returns a single user.
// GET /api/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := allocation.UserID(chi.URLParam(r, "id"))

	user, err := h.Store.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get user", err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "User not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

// GetBudget returns total, committed and remaining slices.
// GET /api/users/{id}/budget
func (h *Handler) GetBudget(w http.ResponseWriter, r *http.Request) {
	id := allocation.UserID(chi.URLParam(r, "id"))

	if !h.authorizeUser(w, r, id) {
		return
	}

	summary, err := h.Query.Budget(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBudgetDTO(summary))
}

// IssueToken exchanges a username and password for a bearer token.
// POST /api/auth/token
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	user, err := h.Store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to look up user", err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	}

	token, expires, err := h.auth.IssueToken(user.ID, user.RoleOrDefault())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token", err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, ExpiresAt: formatTime(expires)})
}

// =============================================================================
// TARGET HANDLERS
// =============================================================================

// CreateVideo creates a video target.
// POST /api/videos
func (h *Handler) CreateVideo(w http.ResponseWriter, r *http.Request) {
	h.createTarget(w, r, allocation.TargetVideo)
}

// CreateBrand creates a brand target.
// POST /api/brands
func (h *Handler) CreateBrand(w http.ResponseWriter, r *http.Request) {
	h.createTarget(w, r, allocation.TargetBrand)
}

func (h *Handler) createTarget(w http.ResponseWriter, r *http.Request, kind allocation.TargetKind) {
	var req CreateTargetRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	target := allocation.Target{
		ID:           allocation.TargetID(id),
		Kind:         kind,
		Title:        req.Title,
		Creator:      req.Creator,
		ThumbnailURL: req.ThumbnailURL,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.Store.CreateTarget(r.Context(), target); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTargetDTO(target))
}

// GetTarget returns a target and its total.
// GET /api/targets/{id}
func (h *Handler) GetTarget(w http.ResponseWriter, r *http.Request) {
	id := allocation.TargetID(chi.URLParam(r, "id"))

	target, err := h.Query.Target(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTargetDTO(target))
}

// GetTargetAnalytics returns the daily series for a target. Defaults to the
// last 30 days.
// GET /api/targets/{id}/analytics?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *Handler) GetTargetAnalytics(w http.ResponseWriter, r *http.Request) {
	id := allocation.TargetID(chi.URLParam(r, "id"))

	to := allocation.Day(time.Now())
	from := to.AddDate(0, 0, -30)
	var err error
	if s := r.URL.Query().Get("from"); s != "" {
		if from, err = time.Parse(time.DateOnly, s); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from date (use YYYY-MM-DD)", err)
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		if to, err = time.Parse(time.DateOnly, s); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to date (use YYYY-MM-DD)", err)
			return
		}
	}

	entries, err := h.Query.TargetAnalytics(r.Context(), id, from, to)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAnalyticsDTOs(entries))
}

// RecordView counts one view against a video.
// POST /api/videos/{id}/views
func (h *Handler) RecordView(w http.ResponseWriter, r *http.Request) {
	id := allocation.TargetID(chi.URLParam(r, "id"))

	var req RecordViewRequest
	if r.ContentLength != 0 {
		if !h.decodeAndValidate(w, r, &req) {
			return
		}
	}
	engagement := decimal.Zero
	if req.Engagement != "" {
		var err error
		if engagement, err = decimal.NewFromString(req.Engagement); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid engagement", err)
			return
		}
	}

	if err := h.Engine.Propagator().RecordView(r.Context(), id, engagement); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// SetBudget changes a user's total budget.
// PUT /api/admin/users/{id}/budget
func (h *Handler) SetBudget(w http.ResponseWriter, r *http.Request) {
	id := allocation.UserID(chi.URLParam(r, "id"))

	var req SetBudgetRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	summary, err := h.Engine.SetBudget(r.Context(), id, *req.TotalSlices)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBudgetDTO(summary))
}

// TriggerReconcile runs one reconciliation pass synchronously.
// POST /api/admin/reconcile
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.Run(r.Context())
	if h.metrics != nil {
		h.metrics.ReconcileFinished(err)
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewReconcileReportDTO(report))
}

// LastReconcile returns the latest scheduled pass.
// GET /api/admin/reconcile/last
func (h *Handler) LastReconcile(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusNotFound, "Reconciliation scheduler is disabled", nil)
		return
	}
	report, err := h.scheduler.Last()
	if report == nil {
		writeError(w, http.StatusNotFound, "No scheduled reconciliation has run yet", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Last scheduled reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, NewReconcileReportDTO(*report))
}

// Healthz reports whether the store answers.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeAndValidate reads a JSON body into dst and runs struct validation.
// It writes the 400 itself and returns false on failure.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Request body is required", nil)
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			first := vErrs[0]
			writeErrorResponse(w, http.StatusBadRequest, ErrorResponse{
				Error:   fmt.Sprintf("Field %s failed %s validation", first.Field(), first.Tag()),
				Kind:    "validation",
				Field:   first.Field(),
				Details: err.Error(),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

// authorizeUser checks that the caller may act for userID.
func (h *Handler) authorizeUser(w http.ResponseWriter, r *http.Request, userID allocation.UserID) bool {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated", nil)
		return false
	}
	if !p.CanActFor(userID) {
		writeError(w, http.StatusForbidden, "Cannot act for another user", nil)
		return false
	}
	return true
}

// writeDomainError maps allocation errors to HTTP responses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *allocation.ValidationError
		budgetErr     *allocation.BudgetExceededError
		notFoundErr   *allocation.NotFoundError
	)
	switch {
	case errors.As(err, &budgetErr):
		remaining := budgetErr.Remaining
		writeErrorResponse(w, http.StatusBadRequest, ErrorResponse{
			Error:     "Slice budget exceeded",
			Kind:      "budget_exceeded",
			Details:   err.Error(),
			Remaining: &remaining,
		})
	case errors.As(err, &validationErr):
		writeErrorResponse(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Kind:    "validation",
			Field:   validationErr.Field,
			Details: err.Error(),
		})
	case errors.As(err, &notFoundErr):
		writeErrorResponse(w, http.StatusNotFound, ErrorResponse{
			Error:   fmt.Sprintf("%s not found", capitalize(notFoundErr.Kind)),
			Kind:    "not_found",
			Details: err.Error(),
		})
	case errors.Is(err, allocation.ErrDuplicate):
		writeError(w, http.StatusConflict, "Already exists", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "Request cancelled", err)
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("err", err),
		)
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Kind: kindForStatus(status)}
	if err != nil {
		resp.Details = err.Error()
	}
	writeErrorResponse(w, status, resp)
}

func writeErrorResponse(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}

func kindForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "store"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
