// Package metrics owns the prometheus collectors of migration, deployment, backup and
// monitoring passes.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/splax/tenantops/internal/domain"
)

const namespace = "tenantops"

var durationBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900}

// Collector groups every tenantops metric on a private registry.
type Collector struct {
	registry *prometheus.Registry

	migrationResults  *prometheus.CounterVec
	migrationDuration prometheus.Histogram
	deployServers     *prometheus.CounterVec
	deployRuns        *prometheus.CounterVec
	backupBytes       *prometheus.CounterVec
	backupDuration    *prometheus.HistogramVec
	backupFailures    *prometheus.CounterVec
	backupPruned      *prometheus.CounterVec
	diskUsed          prometheus.Gauge
	serverUp          *prometheus.GaugeVec
}

// New registers the collectors. withRuntime adds Go and process collectors for
// long-running processes.
func New(withRuntime bool) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.migrationResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "migration",
		Name:      "results_total",
		Help:      "Per-database migration outcomes",
	}, []string{"outcome"})

	c.migrationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "migration",
		Name:      "duration_seconds",
		Help:      "Time spent migrating one database",
		Buckets:   durationBuckets,
	})

	c.deployServers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "deploy",
		Name:      "server_outcomes_total",
		Help:      "Terminal server states of deployment passes",
	}, []string{"state"})

	c.deployRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "deploy",
		Name:      "runs_total",
		Help:      "Deployment passes by result",
	}, []string{"result"})

	c.backupBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backup",
		Name:      "bytes_total",
		Help:      "Compressed bytes written by backups",
	}, []string{"kind"})

	c.backupDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "backup",
		Name:      "target_duration_seconds",
		Help:      "Time spent backing up one target",
		Buckets:   durationBuckets,
	}, []string{"kind"})

	c.backupFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backup",
		Name:      "failures_total",
		Help:      "Backup targets that failed",
	}, []string{"kind"})

	c.backupPruned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backup",
		Name:      "pruned_total",
		Help:      "Backup artifacts removed by retention",
	}, []string{"kind"})

	c.diskUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "backup",
		Name:      "disk_used_ratio",
		Help:      "Used fraction of the backup volume",
	})

	c.serverUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "server_up",
		Help:      "1 when the server's liveness endpoint answers",
	}, []string{"server"})

	c.registry.MustRegister(
		c.migrationResults, c.migrationDuration,
		c.deployServers, c.deployRuns,
		c.backupBytes, c.backupDuration, c.backupFailures, c.backupPruned, c.diskUsed,
		c.serverUp,
	)
	if withRuntime {
		c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Register adds an extra collector, returning the existing one when it is already
// registered.
func (c *Collector) Register(collector prometheus.Collector) prometheus.Collector {
	if err := c.registry.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return collector
}

// ObserveMigration records one migrated database.
func (c *Collector) ObserveMigration(result domain.MigrationResult, elapsed time.Duration) {
	outcome := "noop"
	switch {
	case result.Failed():
		outcome = "failed"
	case result.Applied:
		outcome = "applied"
	}
	c.migrationResults.WithLabelValues(outcome).Inc()
	c.migrationDuration.Observe(elapsed.Seconds())
}

// ObserveServer records a terminal server state.
func (c *Collector) ObserveServer(status domain.ServerStatus) {
	c.deployServers.WithLabelValues(string(status.State)).Inc()
}

// ObserveRun records the overall result of a deployment pass.
func (c *Collector) ObserveRun(summary domain.RunSummary) {
	result := "success"
	switch {
	case summary.RollbackFailed > 0:
		result = "rollback_failed"
	case summary.Failures() > 0:
		result = "failure"
	}
	c.deployRuns.WithLabelValues(result).Inc()
}

// ObserveBackup records a written artifact.
func (c *Collector) ObserveBackup(rec domain.BackupRecord, elapsed time.Duration) {
	c.backupBytes.WithLabelValues(string(rec.Kind)).Add(float64(rec.Size))
	c.backupDuration.WithLabelValues(string(rec.Kind)).Observe(elapsed.Seconds())
}

// ObserveBackupFailure records a failed target.
func (c *Collector) ObserveBackupFailure(kind domain.BackupKind) {
	c.backupFailures.WithLabelValues(string(kind)).Inc()
}

// ObservePruned records removed artifacts.
func (c *Collector) ObservePruned(kind domain.BackupKind, n int) {
	c.backupPruned.WithLabelValues(string(kind)).Add(float64(n))
}

// SetDiskUsage records the used percentage of the backup volume.
func (c *Collector) SetDiskUsage(percent float64) {
	c.diskUsed.Set(percent / 100)
}

// SetServerHealth records the monitor's view of a server.
func (c *Collector) SetServerHealth(server string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	c.serverUp.WithLabelValues(server).Set(v)
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (c *Collector) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
