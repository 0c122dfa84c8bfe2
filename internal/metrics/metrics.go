// Package metrics registers the Prometheus collectors shared by the
// ingestion and reporting pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repoledger_events_ingested_total",
		Help: "Raw events appended to the bronze store, by stream.",
	}, []string{"stream"})

	EventsDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repoledger_events_deduplicated_total",
		Help: "Raw events collapsed onto an existing bronze row, by stream.",
	}, []string{"stream"})

	EventsProjected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repoledger_events_projected_total",
		Help: "Raw events successfully projected into silver.",
	})

	ProjectionDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repoledger_projection_drift_total",
		Help: "Raw events marked processed_failed with reason DRIFT.",
	})

	IngestionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repoledger_ingestion_runs_total",
		Help: "Ingestion runs by outcome (succeeded, or the failure category).",
	}, []string{"outcome"})

	StreamsTruncated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repoledger_streams_truncated_total",
		Help: "Ingestion runs that hit max_events_per_run with pages remaining.",
	})

	ReportsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repoledger_reports_generated_total",
		Help: "Reports persisted, by scope.",
	}, []string{"scope"})

	ValidationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repoledger_report_validation_failures_total",
		Help: "Report runs that exhausted validation retries.",
	})

	IngestionLagSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "repoledger_ingestion_lag_seconds",
		Help: "Seconds since the newest watermark, per repository.",
	}, []string{"repository"})
)
