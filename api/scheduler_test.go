package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/slice/allocation-engine/allocation"
	"github.com/slice/allocation-engine/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReconciler(t *testing.T) (*sqlite.Store, *allocation.Reconciler) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateTarget(context.Background(), allocation.Target{ID: "v1", Kind: allocation.TargetVideo, Title: "One"}))
	return store, allocation.NewReconciler(store, nil, quietLogger())
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	_, rec := newReconciler(t)
	s := NewReconciliationScheduler(rec, "not a schedule", quietLogger())

	assert.Error(t, s.Start())
	s.Stop()
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	_, rec := newReconciler(t)
	s := NewReconciliationScheduler(rec, "not a schedule", quietLogger())
	s.Enabled = false

	assert.NoError(t, s.Start())
	s.Stop()
}

func TestScheduler_StartStop(t *testing.T) {
	_, rec := newReconciler(t)
	s := NewReconciliationScheduler(rec, "@hourly", quietLogger())

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	s.Stop()
	s.Stop()
}

func TestScheduler_RunOnceRecordsLast(t *testing.T) {
	store, rec := newReconciler(t)
	require.NoError(t, store.SetTargetTotal(context.Background(), "v1", 4))

	var finished int
	s := NewReconciliationScheduler(rec, "@hourly", quietLogger())
	s.OnFinish = func(allocation.ReconcileReport, error) { finished++ }

	last, err := s.Last()
	assert.Nil(t, last)
	assert.NoError(t, err)

	s.RunOnce()

	last, err = s.Last()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 1, last.TargetsRepaired)
	assert.Equal(t, 1, finished)

	// The admin endpoint serves the same report
	engine := allocation.NewEngine(store, allocation.EngineConfig{Logger: quietLogger()})
	h := NewHandler(store, engine, rec, Options{
		Auth:      NewAuthenticator("", true, quietLogger()),
		Scheduler: s,
		Logger:    quietLogger(),
	})
	router := NewRouter(h, RouterConfig{Logger: quietLogger()})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/admin/reconcile/last", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[ReconcileReportDTO](t, w).TargetsRepaired)
}
