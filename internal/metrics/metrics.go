// Package metrics exposes the control plane's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "controlplane"

// Metrics aggregates the counters the services report into.
type Metrics struct {
	LifecycleOps  *prometheus.CounterVec
	BackupOps     *prometheus.CounterVec
	HealthChecks  *prometheus.CounterVec
	BackupsPurged prometheus.Counter
	AlertsFired   *prometheus.CounterVec
}

// New registers the control plane metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LifecycleOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_operations_total",
				Help:      "Tenant lifecycle operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		BackupOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backup_operations_total",
				Help:      "Backup and restore operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		HealthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_checks_total",
				Help:      "Tenant health checks by result",
			},
			[]string{"result"},
		),
		BackupsPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backups_purged_total",
				Help:      "Expired backups removed by the retention sweep",
			},
		),
		AlertsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_fired_total",
				Help:      "Alerts published after deduplication, by type",
			},
			[]string{"type"},
		),
	}
	reg.MustRegister(m.LifecycleOps, m.BackupOps, m.HealthChecks, m.BackupsPurged, m.AlertsFired)
	return m
}

// Outcome labels.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// ObserveLifecycle records one lifecycle operation.
func (m *Metrics) ObserveLifecycle(operation string, err error) {
	m.LifecycleOps.WithLabelValues(operation, outcome(err)).Inc()
}

// ObserveBackup records one backup or restore operation.
func (m *Metrics) ObserveBackup(operation string, err error) {
	m.BackupOps.WithLabelValues(operation, outcome(err)).Inc()
}

// ObserveHealth records one health check result.
func (m *Metrics) ObserveHealth(healthy bool) {
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	m.HealthChecks.WithLabelValues(result).Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeOK
}
