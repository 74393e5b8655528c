package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/slice/allocation-engine/allocation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver_Counters(t *testing.T) {
	o := New()

	o.AllocationCommitted(allocation.TargetVideo, 3)
	o.AllocationCommitted(allocation.TargetVideo, -2)
	o.AllocationCommitted(allocation.TargetBrand, 1)
	o.AllocationRejected(allocation.RejectBudget)
	o.ConsistencyWarning(allocation.ConsistencyWarning{Kind: allocation.WarnNegativeTotal})
	o.ReconcileFinished(nil)
	o.ReconcileFinished(errors.New("db down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(o.committed.WithLabelValues("video")))
	assert.Equal(t, 3.0, testutil.ToFloat64(o.slicesIn.WithLabelValues("video")))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.slicesOut.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.slicesIn.WithLabelValues("brand")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.rejected.WithLabelValues("budget_exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.warnings.WithLabelValues("negative_total")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.reconciles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.reconciles.WithLabelValues("error")))
}

func TestObserver_Handler(t *testing.T) {
	o := New()
	o.AllocationRejected(allocation.RejectValidation)

	rec := httptest.NewRecorder()
	o.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `slice_allocations_rejected_total{reason="validation"} 1`)
}
