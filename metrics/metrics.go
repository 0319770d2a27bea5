package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for litedb metrics.
const (
	Fail = "fail"
	Ok   = "ok"

	ModeNormal      = "normal"
	ModeMaintenance = "maintenance"

	OpPrepare = "prepare"
	OpStep    = "step"
	OpBackup  = "backup"
)

// Collectors for sqlite.Handle, sqlite.DataReader and sqlite.Backup metrics.
var (
	HandleOpensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "litedb_handle_opens_total",
		Help: "Cumulative number of native database opens, by mode and outcome.",
	}, []string{"mode", "status"})
	ContentionRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "litedb_contention_retries_total",
		Help: "Cumulative number of Busy/Locked/CantOpen retries, by operation.",
	}, []string{"op"})
	StatementsPreparedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "litedb_statements_prepared_total",
		Help: "Cumulative number of statements compiled.",
	})
	StatementDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "litedb_statement_duration_seconds",
		Help:    "Duration of statements from first step to completion.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
	BackupPagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "litedb_backup_pages_total",
		Help: "Cumulative number of pages copied by online backups.",
	})
)

// LitedbCollectors returns the metrics used by the litedb driver.
func LitedbCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		HandleOpensTotal,
		ContentionRetriesTotal,
		StatementsPreparedTotal,
		StatementDurationSeconds,
		BackupPagesTotal,
	}
}
