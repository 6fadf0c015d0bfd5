// Package metrics provides Prometheus metrics for the dispensing engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	EventsScored        *prometheus.CounterVec
	HighRiskEvents      *prometheus.CounterVec
	LookupMisses        prometheus.Counter
	DuplicateRejections prometheus.Counter
	IngestDuration      prometheus.Histogram
	QueryDuration       *prometheus.HistogramVec
	SummariesBuilt      prometheus.Counter
	SummaryBuildFailed  prometheus.Counter
	AnomaliesDetected   prometheus.Counter
	ReprocessedEvents   *prometheus.CounterVec
	AlertsPublished     prometheus.Counter
	OutboxPending       prometheus.Gauge
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		EventsScored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispensing_events_scored_total",
			Help: "Total dispensing events enriched and scored",
		}, []string{"category"}),
		HighRiskEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispensing_high_risk_events_total",
			Help: "Total events classified high or critical",
		}, []string{"severity"}),
		LookupMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispensing_drug_lookup_misses_total",
			Help: "Total events scored with fallback drug metadata",
		}),
		DuplicateRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispensing_duplicate_submissions_total",
			Help: "Total duplicate submissions rejected at ingestion",
		}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispensing_ingest_duration_seconds",
			Help:    "Enrich, score and persist duration per event",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analytics_query_duration_seconds",
			Help:    "Aggregation and analytics query duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"query"}),
		SummariesBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analytics_daily_summaries_built_total",
			Help: "Total daily summaries materialized",
		}),
		SummaryBuildFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analytics_daily_summary_failures_total",
			Help: "Total per-day pre-aggregation failures",
		}),
		AnomaliesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analytics_anomalies_detected_total",
			Help: "Total anomalous (date, metric) pairs reported",
		}),
		ReprocessedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispensing_reprocessed_events_total",
			Help: "Total events reprocessed under a new scoring policy",
		}, []string{"outcome"}),
		AlertsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispensing_alerts_published_total",
			Help: "Total high-risk alerts published to the alert topic",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispensing_outbox_pending_entries",
			Help: "Pending alert outbox entries",
		}),
	}

	prometheus.MustRegister(
		m.EventsScored,
		m.HighRiskEvents,
		m.LookupMisses,
		m.DuplicateRejections,
		m.IngestDuration,
		m.QueryDuration,
		m.SummariesBuilt,
		m.SummaryBuildFailed,
		m.AnomaliesDetected,
		m.ReprocessedEvents,
		m.AlertsPublished,
		m.OutboxPending,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
