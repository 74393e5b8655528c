// Package metrics exports engine events as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slice/allocation-engine/allocation"
)

const namespace = "slice"

var _ allocation.Observer = (*Observer)(nil)

// Observer implements allocation.Observer on its own registry so tests
// can create as many as they like.
type Observer struct {
	registry *prometheus.Registry

	committed  *prometheus.CounterVec
	slicesIn   *prometheus.CounterVec
	slicesOut  *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	warnings   *prometheus.CounterVec
	reconciles *prometheus.CounterVec
}

func New() *Observer {
	o := &Observer{
		registry: prometheus.NewRegistry(),
		committed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_committed_total",
			Help:      "Allocation changes committed, by target kind.",
		}, []string{"kind"}),
		slicesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slices_allocated_total",
			Help:      "Slices added to targets, by target kind.",
		}, []string{"kind"}),
		slicesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slices_released_total",
			Help:      "Slices withdrawn from targets, by target kind.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_rejected_total",
			Help:      "Allocation requests rejected, by reason.",
		}, []string{"reason"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_warnings_total",
			Help:      "Ledger/aggregate disagreements detected, by kind.",
		}, []string{"kind"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation passes, by outcome.",
		}, []string{"outcome"}),
	}
	o.registry.MustRegister(
		o.committed, o.slicesIn, o.slicesOut, o.rejected, o.warnings, o.reconciles,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return o
}

func (o *Observer) AllocationCommitted(kind allocation.TargetKind, delta int) {
	o.committed.WithLabelValues(string(kind)).Inc()
	switch {
	case delta > 0:
		o.slicesIn.WithLabelValues(string(kind)).Add(float64(delta))
	case delta < 0:
		o.slicesOut.WithLabelValues(string(kind)).Add(float64(-delta))
	}
}

func (o *Observer) AllocationRejected(reason string) {
	o.rejected.WithLabelValues(reason).Inc()
}

func (o *Observer) ConsistencyWarning(w allocation.ConsistencyWarning) {
	o.warnings.WithLabelValues(string(w.Kind)).Inc()
}

// ReconcileFinished counts one reconciliation pass.
func (o *Observer) ReconcileFinished(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.reconciles.WithLabelValues(outcome).Inc()
}

// Registry exposes the underlying registry.
func (o *Observer) Registry() *prometheus.Registry { return o.registry }

// Handler serves the registry in the Prometheus exposition format.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}
