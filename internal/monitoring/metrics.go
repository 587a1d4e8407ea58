// Package monitoring exposes operator specific Prometheus metrics on the
// controller-runtime registry.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgvault_operator_operations_total",
			Help: "PostgresBackup operations that reached a terminal phase.",
		},
		[]string{"action", "operator", "phase"},
	)

	activeTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgvault_operator_active_tasks",
			Help: "Polling tasks currently running.",
		},
		[]string{"action"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgvault_operator_job_duration_seconds",
			Help:    "Time from Commvault job start to its terminal status.",
			Buckets: []float64{30, 60, 300, 600, 1200, 1800, 3600, 7200},
		},
		[]string{"action", "operator"},
	)

	schedulesFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgvault_operator_schedule_backups_total",
			Help: "Backups created by PostgresBackupSchedules.",
		},
		[]string{"namespace", "schedule"},
	)
)

func init() {
	metrics.Registry.MustRegister(Collectors()...)
}

// Collectors returns all operator collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		operationsTotal,
		activeTasks,
		jobDuration,
		schedulesFired,
	}
}
