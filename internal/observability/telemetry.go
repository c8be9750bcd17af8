// Package observability provides structured logging and Prometheus metrics
// for the ingestion and correlation pipeline.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger from the configured level and format
// (json or console).
func NewLogger(level, format string) (*zap.Logger, error) {
	var config zap.Config

	if format == "console" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return config.Build()
}

// Metrics holds the Prometheus metrics exposed by the pipeline.
type Metrics struct {
	// Ingestion
	IndicatorsIngested *prometheus.CounterVec
	DedupDropped       prometheus.Counter
	FeedFetchDuration  *prometheus.HistogramVec
	FeedFetchErrors    *prometheus.CounterVec

	// Reconciliation
	IndicatorsCreated prometheus.Counter
	IndicatorsUpdated prometheus.Counter
	ReconcileErrors   prometheus.Counter
	AlertsCreated     prometheus.Counter

	// Correlation
	CorrelationPatterns prometheus.Counter
	CorrelationDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics registers pipeline metrics on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	namespace := "intelify"

	return &Metrics{
		IndicatorsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "indicators_ingested_total",
				Help:      "Normalized indicators fetched, by feed",
			},
			[]string{"source"},
		),
		DedupDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dedup_dropped_total",
				Help:      "Indicators superseded during last-write-wins merge",
			},
		),
		FeedFetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "feed_fetch_duration_seconds",
				Help:      "Feed fetch latency, by feed",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		FeedFetchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_fetch_errors_total",
				Help:      "Feed fetches that failed, by feed",
			},
			[]string{"source"},
		),
		IndicatorsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "indicators_created_total",
				Help:      "Indicators created during reconciliation",
			},
		),
		IndicatorsUpdated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "indicators_updated_total",
				Help:      "Indicators updated during reconciliation",
			},
		),
		ReconcileErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_errors_total",
				Help:      "Per-indicator reconciliation failures",
			},
		),
		AlertsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_created_total",
				Help:      "High-risk alerts emitted",
			},
		),
		CorrelationPatterns: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "correlation_patterns_total",
				Help:      "Correlation patterns produced across runs",
			},
		),
		CorrelationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "correlation_duration_seconds",
				Help:      "Correlation pass latency",
				Buckets:   prometheus.DefBuckets,
			},
		),
		registry: registry,
	}
}

// Handler returns an HTTP handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
