// Package metrics registers prometheus collectors for the acquisition engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "sorterfleet_"

var (
	registerOnce sync.Once

	pollCycles  prometheus.Counter
	pollLatency prometheus.Histogram

	readFailures    *prometheus.CounterVec
	connectionsLost *prometheus.CounterVec
	connectedGauge  prometheus.Gauge

	reconnectAttempts *prometheus.CounterVec

	appendTotal   *prometheus.CounterVec
	appendSkipped *prometheus.CounterVec
	purgeTotal    *prometheus.CounterVec
	purgedRows    *prometheus.CounterVec

	aggregateRows *prometheus.CounterVec
	cacheResets   *prometheus.CounterVec

	archiveRows   prometheus.Counter
	archiveErrors prometheus.Counter
)

// Init registers the engine's collectors. Call once from the process entry
// point before any worker starts.
func Init() {
	registerOnce.Do(func() {
		pollCycles = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "poll_cycles_total",
			Help: "Completed polling cycles",
		})
		pollLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "poll_cycle_seconds",
			Help:    "Polling cycle duration",
			Buckets: prometheus.DefBuckets,
		})
		readFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "tag_read_failures_total",
				Help: "Failed tag reads by machine",
			},
			[]string{"machine"},
		)
		connectionsLost = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "connections_lost_total",
				Help: "Sessions torn down after crossing the failure threshold",
			},
			[]string{"machine"},
		)
		connectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "connected_machines",
			Help: "Machines with a live session",
		})
		reconnectAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconnect_attempts_total",
				Help: "Reconnection attempts by result",
			},
			[]string{"machine", "result"},
		)
		appendTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "metric_appends_total",
				Help: "Metric rows appended by machine",
			},
			[]string{"machine"},
		)
		appendSkipped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "metric_appends_skipped_total",
				Help: "Appends skipped because the file was unavailable",
			},
			[]string{"machine"},
		)
		purgeTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "purges_total",
				Help: "Rolling-window purges executed by machine",
			},
			[]string{"machine"},
		)
		purgedRows = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "purged_rows_total",
				Help: "Rows dropped by rolling-window purges",
			},
			[]string{"machine"},
		)
		aggregateRows = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "aggregated_rows_total",
				Help: "Rows folded into totals by machine",
			},
			[]string{"machine"},
		)
		cacheResets = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "aggregation_cache_resets_total",
				Help: "Cache invalidations caused by file truncation or replacement",
			},
			[]string{"machine"},
		)
		archiveRows = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "archived_rows_total",
			Help: "Purged rows handed to the archive sink",
		})
		archiveErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "archive_errors_total",
			Help: "Archive sink failures",
		})

		prometheus.MustRegister(
			pollCycles, pollLatency,
			readFailures, connectionsLost, connectedGauge,
			reconnectAttempts,
			appendTotal, appendSkipped, purgeTotal, purgedRows,
			aggregateRows, cacheResets,
			archiveRows, archiveErrors,
		)
	})
}

// ObservePollCycle records one completed polling cycle.
func ObservePollCycle(duration time.Duration) {
	if pollCycles == nil {
		return
	}
	pollCycles.Inc()
	pollLatency.Observe(duration.Seconds())
}

// AddReadFailures counts failed tag reads for a machine.
func AddReadFailures(machine string, count int) {
	if readFailures == nil || count <= 0 {
		return
	}
	readFailures.WithLabelValues(machine).Add(float64(count))
}

// IncConnectionLost counts a session teardown.
func IncConnectionLost(machine string) {
	if connectionsLost == nil {
		return
	}
	connectionsLost.WithLabelValues(machine).Inc()
}

// SetConnectedMachines records the current live session count.
func SetConnectedMachines(count int) {
	if connectedGauge == nil {
		return
	}
	connectedGauge.Set(float64(count))
}

// IncReconnectAttempt counts a reconnection attempt.
func IncReconnectAttempt(machine, result string) {
	if reconnectAttempts == nil {
		return
	}
	reconnectAttempts.WithLabelValues(machine, result).Inc()
}

// IncAppend counts an appended metric row.
func IncAppend(machine string) {
	if appendTotal == nil {
		return
	}
	appendTotal.WithLabelValues(machine).Inc()
}

// IncAppendSkipped counts an append skipped due to an unavailable file.
func IncAppendSkipped(machine string) {
	if appendSkipped == nil {
		return
	}
	appendSkipped.WithLabelValues(machine).Inc()
}

// ObservePurge records a purge run and the rows it dropped.
func ObservePurge(machine string, dropped int) {
	if purgeTotal == nil {
		return
	}
	purgeTotal.WithLabelValues(machine).Inc()
	purgedRows.WithLabelValues(machine).Add(float64(dropped))
}

// AddAggregatedRows counts rows folded into cumulative totals.
func AddAggregatedRows(machine string, count int) {
	if aggregateRows == nil || count <= 0 {
		return
	}
	aggregateRows.WithLabelValues(machine).Add(float64(count))
}

// IncCacheReset counts an aggregation cache invalidation.
func IncCacheReset(machine string) {
	if cacheResets == nil {
		return
	}
	cacheResets.WithLabelValues(machine).Inc()
}

// AddArchivedRows counts rows handed to the archive sink.
func AddArchivedRows(count int) {
	if archiveRows == nil || count <= 0 {
		return
	}
	archiveRows.Add(float64(count))
}

// IncArchiveError counts an archive sink failure.
func IncArchiveError() {
	if archiveErrors == nil {
		return
	}
	archiveErrors.Inc()
}
