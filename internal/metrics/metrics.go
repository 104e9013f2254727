// Package metrics holds Prometheus instruments that are used across the
// control plane.  All collectors are registered with the global registry,
// so importing this package in main.go is enough to expose them on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WikisCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_wikis_created_total",
			Help: "Cumulative number of wikis provisioned.",
		})

	WikisDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_wikis_deleted_total",
			Help: "Cumulative number of wikis whose registry rows were removed.",
		})

	WikisRenamedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_wikis_renamed_total",
			Help: "Cumulative number of wiki renames.",
		})

	RequestTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_request_transitions_total",
			Help: "Request workflow transitions by resulting status.",
		},
		[]string{"status"},
	)

	CacheRebuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_cache_rebuilds_total",
			Help: "Materialized cache regenerations by kind (wiki, index, deleted).",
		},
		[]string{"kind"},
	)

	SweepTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_sweep_transitions_total",
			Help: "Inactivity sweep transitions by kind (reactivate, inactive, close, removable).",
		},
		[]string{"kind"},
	)

	DeferredJobFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_deferred_job_failures_total",
			Help: "Post-provisioning deferred jobs that returned an error.",
		})
)

func init() {
	prometheus.MustRegister(
		WikisCreatedTotal,
		WikisDeletedTotal,
		WikisRenamedTotal,
		RequestTransitionsTotal,
		CacheRebuildsTotal,
		SweepTransitionsTotal,
		DeferredJobFailuresTotal,
	)
}
