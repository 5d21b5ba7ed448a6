package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slidepipe",
			Name:      "jobs_total",
			Help:      "Total pipeline runs by terminal status and error code",
		},
		[]string{"status", "error_code"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "slidepipe",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	llmRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slidepipe",
			Name:      "llm_requests_total",
			Help:      "Total LLM gateway calls by provider, operation and outcome",
		},
		[]string{"provider", "operation", "outcome"},
	)

	llmLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "slidepipe",
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of LLM gateway calls by provider and operation",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	imagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slidepipe",
			Name:      "images_processed_total",
			Help:      "Images processed by outcome (ok, upload_failed)",
		},
		[]string{"outcome"},
	)

	dedupeRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "slidepipe",
			Name:      "last_dedupe_ratio",
			Help:      "Dedupe ratio observed on the most recently completed run",
		},
	)

	coverageRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "slidepipe",
			Name:      "last_coverage_ratio",
			Help:      "Coverage ratio observed on the most recently completed run",
		},
	)
)

// Init registers collectors.
func Init() {
	prometheus.MustRegister(jobsTotal, stageDuration, llmRequests, llmLatency, imagesProcessed, dedupeRatio, coverageRatio)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

// IncJob records a terminal job outcome. errorCode is empty for successful runs.
func IncJob(status, errorCode string) { jobsTotal.WithLabelValues(status, errorCode).Inc() }

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, dur time.Duration) { stageDuration.WithLabelValues(stage).Observe(dur.Seconds()) }

// ObserveLLM records an LLM gateway call outcome and latency.
func ObserveLLM(provider, operation, outcome string, dur time.Duration) {
	llmRequests.WithLabelValues(provider, operation, outcome).Inc()
	llmLatency.WithLabelValues(provider, operation).Observe(dur.Seconds())
}

// IncImage records an image-ingestion outcome.
func IncImage(outcome string) { imagesProcessed.WithLabelValues(outcome).Inc() }

// SetDedupeRatio records the dedupe ratio of the most recent run.
func SetDedupeRatio(v float64) { dedupeRatio.Set(v) }

// SetCoverageRatio records the coverage ratio of the most recent run.
func SetCoverageRatio(v float64) { coverageRatio.Set(v) }
