package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// retrieval and ingestion batch.
type Metrics struct {
	// Retrieval metrics.
	FilesPlanned    prometheus.Counter
	FilesCached     prometheus.Counter // planned files skipped because already on disk
	FilesDownloaded prometheus.Counter
	DownloadErrors  prometheus.Counter // files abandoned after the single retry

	// Ingestion metrics.
	FieldsWritten     prometheus.Counter
	DecodeErrors      prometheus.Counter
	ArchivesCompleted prometheus.Counter
	ArchivesDeleted   prometheus.Counter // archives removed because no variable was written

	BatchRunning prometheus.Gauge

	DownloadDuration  prometheus.Histogram
	RunIngestDuration prometheus.Histogram
}

// NewMetrics creates and registers all batch metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.FilesPlanned,
		m.FilesCached,
		m.FilesDownloaded,
		m.DownloadErrors,
		m.FieldsWritten,
		m.DecodeErrors,
		m.ArchivesCompleted,
		m.ArchivesDeleted,
		m.BatchRunning,
		m.DownloadDuration,
		m.RunIngestDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		FilesPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ncarens",
			Name:      "files_planned_total",
			Help:      "Total raw files selected by the retrieval planner.",
		}),
		FilesCached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ncarens",
			Name:      "files_cached_total",
			Help:      "Planned files skipped because a local copy already exists.",
		}),
		FilesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ncarens",
			Name:      "files_downloaded_total",
			Help:      "Raw files fetched from the remote archive.",
		}),
		DownloadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ncarens",
			Name:      "download_errors_total",
			Help:      "Files abandoned after the fetch retry also failed.",
		}),
		FieldsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ncarens",
			Name:      "fields_written_total",
			Help:      "2-D fields written into canonical archives.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ncarens",
			Name:      "decode_errors_total",
			Help:      "Per-variable or per-file decode failures that were skipped.",
		}),
		ArchivesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ncarens",
			Name:      "archives_completed_total",
			Help:      "Canonical archives closed with at least one populated variable.",
		}),
		ArchivesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ncarens",
			Name:      "archives_deleted_total",
			Help:      "Empty archives deleted instead of being persisted.",
		}),
		BatchRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ncarens",
			Name:      "batch_running",
			Help:      "1 while a retrieval/ingestion batch is active.",
		}),
		DownloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ncarens",
			Name:      "download_duration_seconds",
			Help:      "Duration of individual file downloads.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		RunIngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ncarens",
			Name:      "run_ingest_duration_seconds",
			Help:      "Duration of one run's complete ingestion.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
	}
}
