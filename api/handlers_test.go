/*
handlers_test.go - HTTP tests for the API

Tests for:
- Allocation routes (create, update, remove, read, ledger)
- Error mapping (validation, budget_exceeded, not_found, conflict)
- Registration, token issue and authorization
- Admin budget and reconciliation routes
*/
package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/slice/allocation-engine/allocation"
	"github.com/slice/allocation-engine/metrics"
	"github.com/slice/allocation-engine/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type testServer struct {
	t      *testing.T
	store  *sqlite.Store
	router http.Handler
	auth   *Authenticator
	token  string
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer wires a router over a fresh SQLite store. devBypass skips
// token checks.
func newTestServer(t *testing.T, devBypass bool) *testServer {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := quietLogger()
	obs := metrics.New()
	engine := allocation.NewEngine(store, allocation.EngineConfig{Observer: obs, Logger: logger})
	reconciler := allocation.NewReconciler(store, obs, logger)
	auth := NewAuthenticator(testSecret, devBypass, logger)

	h := NewHandler(store, engine, reconciler, Options{
		DefaultBudget: allocation.DefaultUserBudget,
		Auth:          auth,
		Metrics:       obs,
		Logger:        logger,
	})

	ts := &testServer{
		t:      t,
		store:  store,
		router: NewRouter(h, RouterConfig{Logger: logger}),
		auth:   auth,
	}
	ts.seed()
	return ts
}

func (ts *testServer) seed() {
	ctx := context.Background()
	require.NoError(ts.t, ts.store.CreateUser(ctx, allocation.User{
		ID: "u1", Username: "alice", Email: "alice@example.com", PasswordHash: "x", TotalSlices: 8,
	}))
	require.NoError(ts.t, ts.store.CreateUser(ctx, allocation.User{
		ID: "u2", Username: "bob", Email: "bob@example.com", PasswordHash: "x", TotalSlices: 8,
	}))
	for _, id := range []allocation.TargetID{"v1", "v2"} {
		require.NoError(ts.t, ts.store.CreateTarget(ctx, allocation.Target{
			ID: id, Kind: allocation.TargetVideo, Title: "Video " + string(id), Creator: "creator",
		}))
	}
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func TestCreateAllocation_Success(t *testing.T) {
	ts := newTestServer(t, true)

	// WHEN: u1 allocates 5 slices to v1 using the legacy video_id field
	rec := ts.do(http.MethodPost, "/api/subscriptions", map[string]any{
		"user_id": "u1", "video_id": "v1", "slices": 5,
	})

	// THEN: 201 with the record and the remaining budget
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dto := decode[AllocationDTO](t, rec)
	assert.Equal(t, "u1", dto.UserID)
	assert.Equal(t, "v1", dto.TargetID)
	assert.Equal(t, 5, dto.Slices)
	assert.Equal(t, 3, dto.Remaining)

	rec = ts.do(http.MethodGet, "/api/targets/v1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, decode[TargetDTO](t, rec).TotalSlicesReceived)
}

func TestCreateAllocation_ZeroRemoves(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(http.MethodPost, "/api/subscriptions", map[string]any{"user_id": "u1", "target_id": "v1", "slices": 3})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(http.MethodPost, "/api/subscriptions", map[string]any{"user_id": "u1", "target_id": "v1", "slices": 0})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RemovedResponse](t, rec)
	assert.True(t, resp.Removed)
	assert.True(t, resp.Existed)
	assert.Equal(t, 8, resp.Remaining)

	rec = ts.do(http.MethodGet, "/api/subscriptions/user/u1/video/v1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[SlicesResponse](t, rec).Slices)
}

func TestCreateAllocation_ValidationErrors(t *testing.T) {
	ts := newTestServer(t, true)

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"above cap", map[string]any{"user_id": "u1", "video_id": "v1", "slices": 9}, "slices"},
		{"negative", map[string]any{"user_id": "u1", "video_id": "v1", "slices": -1}, "slices"},
		{"missing slices", map[string]any{"user_id": "u1", "video_id": "v1"}, "Slices"},
		{"missing target", map[string]any{"user_id": "u1", "slices": 1}, "VideoID"},
		{"missing user", map[string]any{"video_id": "v1", "slices": 1}, "UserID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/subscriptions", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, "validation", resp.Kind)
			assert.Equal(t, tt.field, resp.Field)
		})
	}
}

func TestCreateAllocation_MalformedBody(t *testing.T) {
	ts := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodPost, "/api/subscriptions", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAllocation_BudgetExceeded(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(http.MethodPost, "/api/subscriptions", map[string]any{"user_id": "u1", "video_id": "v1", "slices": 5})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(http.MethodPost, "/api/subscriptions", map[string]any{"user_id": "u1", "video_id": "v2", "slices": 4})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "budget_exceeded", resp.Kind)
	require.NotNil(t, resp.Remaining)
	assert.Equal(t, 3, *resp.Remaining)
}

func TestCreateAllocation_NotFound(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(http.MethodPost, "/api/subscriptions", map[string]any{"user_id": "u1", "video_id": "ghost", "slices": 1})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Kind)
}

func TestUpdateAndDeleteAllocation(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(http.MethodPut, "/api/subscriptions/user/u1/video/v1", map[string]any{"slices": 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 4, decode[AllocationDTO](t, rec).Slices)

	rec = ts.do(http.MethodPut, "/api/subscriptions/user/u1/video/v1", map[string]any{"slices": 6})
	require.Equal(t, http.StatusOK, rec.Code)
	dto := decode[AllocationDTO](t, rec)
	assert.Equal(t, 6, dto.Slices)
	assert.Equal(t, 4, dto.Previous)

	rec = ts.do(http.MethodDelete, "/api/subscriptions/user/u1/video/v1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DeleteResponse{Success: true, Changes: 1}, decode[DeleteResponse](t, rec))

	rec = ts.do(http.MethodDelete, "/api/subscriptions/user/u1/video/v1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DeleteResponse{Success: true, Changes: 0}, decode[DeleteResponse](t, rec))

	rec = ts.do(http.MethodGet, "/api/targets/v1", nil)
	assert.Equal(t, 0, decode[TargetDTO](t, rec).TotalSlicesReceived)
}

func TestListUserAllocations(t *testing.T) {
	ts := newTestServer(t, true)

	for _, target := range []string{"v1", "v2"} {
		rec := ts.do(http.MethodPost, "/api/subscriptions", map[string]any{"user_id": "u1", "video_id": target, "slices": 2})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := ts.do(http.MethodGet, "/api/subscriptions/user/u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]LedgerEntryDTO](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, "v2", entries[0].TargetID)
	assert.Equal(t, "Video v2", entries[0].Title)
	assert.Equal(t, "video", entries[0].Kind)

	rec = ts.do(http.MethodGet, "/api/subscriptions/user/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// USERS, TARGETS, AUTH
// =============================================================================

func TestCreateUserAndIssueToken(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodPost, "/api/users", map[string]any{
		"username": "carol", "email": "Carol@Example.com", "password": "correct-horse",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	user := decode[UserDTO](t, rec)
	assert.Equal(t, allocation.DefaultUserBudget, user.TotalSlices)
	assert.Equal(t, "carol@example.com", user.Email)

	// Duplicate username
	rec = ts.do(http.MethodPost, "/api/users", map[string]any{
		"username": "carol", "email": "other@example.com", "password": "correct-horse",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Wrong password
	rec = ts.do(http.MethodPost, "/api/auth/token", map[string]any{"username": "carol", "password": "nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/api/auth/token", map[string]any{"username": "carol", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	ts.token = decode[TokenResponse](t, rec).Token

	rec = ts.do(http.MethodGet, "/api/users/"+user.ID+"/budget", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, BudgetDTO{UserID: user.ID, TotalSlices: 8, Committed: 0, Remaining: 8}, decode[BudgetDTO](t, rec))
}

func TestAuth_RequiresToken(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodGet, "/api/subscriptions/user/u1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ts.token = "garbage"
	rec = ts.do(http.MethodGet, "/api/subscriptions/user/u1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_CannotActForAnotherUser(t *testing.T) {
	ts := newTestServer(t, false)

	token, _, err := ts.auth.IssueToken("u2", RoleUser)
	require.NoError(t, err)
	ts.token = token

	rec := ts.do(http.MethodPost, "/api/subscriptions", map[string]any{"user_id": "u1", "video_id": "v1", "slices": 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodPost, "/api/subscriptions", map[string]any{"user_id": "u2", "video_id": "v1", "slices": 1})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(http.MethodPut, "/api/admin/users/u2/budget", map[string]any{"total_slices": 100})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuth_CannotReadAnotherUsersLedger(t *testing.T) {
	ts := newTestServer(t, false)

	token, _, err := ts.auth.IssueToken("u2", RoleUser)
	require.NoError(t, err)
	ts.token = token

	for _, path := range []string{
		"/api/subscriptions/user/u1",
		"/api/subscriptions/user/u1/video/v1",
		"/api/users/u1/budget",
	} {
		rec := ts.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}

	rec := ts.do(http.MethodGet, "/api/subscriptions/user/u2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_AdminTokenFromRole(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodPost, "/api/users", map[string]any{
		"username": "root", "email": "root@example.com", "password": "correct-horse",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	admin := decode[UserDTO](t, rec)
	assert.Equal(t, RoleUser, admin.Role)

	// GIVEN: the user has been granted the admin role
	require.NoError(t, ts.store.SetUserRole(context.Background(), allocation.UserID(admin.ID), RoleAdmin))

	// WHEN: they log in
	rec = ts.do(http.MethodPost, "/api/auth/token", map[string]any{"username": "root", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	ts.token = decode[TokenResponse](t, rec).Token

	// THEN: the token reaches the admin routes
	rec = ts.do(http.MethodPut, "/api/admin/users/u1/budget", map[string]any{"total_slices": 12})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 12, decode[BudgetDTO](t, rec).TotalSlices)

	rec = ts.do(http.MethodPost, "/api/admin/reconcile", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/api/subscriptions/user/u1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewHandler_DefaultAuthRequiresToken(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	engine := allocation.NewEngine(store, allocation.EngineConfig{Logger: quietLogger()})
	reconciler := allocation.NewReconciler(store, nil, quietLogger())
	h := NewHandler(store, engine, reconciler, Options{Logger: quietLogger()})
	router := NewRouter(h, RouterConfig{Logger: quietLogger()})

	for _, tt := range []struct{ method, path string }{
		{http.MethodPost, "/api/admin/reconcile"},
		{http.MethodGet, "/api/subscriptions/user/u1"},
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, tt.path)
	}
}

func TestCreateTargetsAndRecordView(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(http.MethodPost, "/api/videos", map[string]any{"id": "v9", "title": "New", "creator": "me"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "video", decode[TargetDTO](t, rec).Kind)

	rec = ts.do(http.MethodPost, "/api/videos", map[string]any{"id": "v9", "title": "Again"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(http.MethodPost, "/api/brands", map[string]any{"title": "Acme"})
	require.Equal(t, http.StatusCreated, rec.Code)
	brand := decode[TargetDTO](t, rec)
	assert.Equal(t, "brand", brand.Kind)
	assert.NotEmpty(t, brand.ID)

	rec = ts.do(http.MethodPost, "/api/videos/v9/views", map[string]any{"engagement": "0.5"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/api/targets/v9/analytics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	series := decode[[]AnalyticsDTO](t, rec)
	require.Len(t, series, 1)
	assert.Equal(t, 1, series[0].Views)
	assert.Equal(t, "0.5", series[0].Engagement)

	rec = ts.do(http.MethodGet, "/api/targets/v9/analytics?from=bad", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdmin_SetBudget(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(http.MethodPost, "/api/subscriptions", map[string]any{"user_id": "u1", "video_id": "v1", "slices": 6})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(http.MethodPut, "/api/admin/users/u1/budget", map[string]any{"total_slices": 12})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 6, decode[BudgetDTO](t, rec).Remaining)

	rec = ts.do(http.MethodPut, "/api/admin/users/u1/budget", map[string]any{"total_slices": 5})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[ErrorResponse](t, rec).Kind)
}

func TestAdmin_Reconcile(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(http.MethodPost, "/api/subscriptions", map[string]any{"user_id": "u1", "video_id": "v1", "slices": 3})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, ts.store.SetTargetTotal(context.Background(), "v1", 10))

	rec = ts.do(http.MethodPost, "/api/admin/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[ReconcileReportDTO](t, rec)
	assert.Equal(t, 1, report.TargetsRepaired)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, "aggregate_mismatch", report.Warnings[0].Kind)
	assert.Equal(t, 3, report.Warnings[0].Expected)
	assert.Equal(t, 10, report.Warnings[0].Actual)

	rec = ts.do(http.MethodGet, "/api/targets/v1", nil)
	assert.Equal(t, 3, decode[TargetDTO](t, rec).TotalSlicesReceived)

	// Scheduler not configured
	rec = ts.do(http.MethodGet, "/api/admin/reconcile/last", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
