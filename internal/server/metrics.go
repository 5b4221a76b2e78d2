package server

import (
	"errors"
	"time"

	"github.com/MeKo-Tech/medvision/internal/inference"
	"github.com/MeKo-Tech/medvision/internal/mempool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medvision_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medvision_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Inference metrics
	analysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medvision_analyses_total",
			Help: "Total number of analyses by outcome",
		},
		[]string{"status"}, // status: success, input_error, model_error, store_error, cancelled, error
	)

	branchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medvision_branch_duration_seconds",
			Help:    "Model branch duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"branch", "status"},
	)

	analysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medvision_analysis_duration_seconds",
			Help:    "End-to-end analysis duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 25},
		},
	)

	maskCoverage = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medvision_mask_coverage_ratio",
			Help:    "Fraction of pixels marked as tumor",
			Buckets: []float64{0, .001, .01, .025, .05, .1, .2, .4, .6, 1},
		},
	)

	predictedLabels = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medvision_predicted_labels_total",
			Help: "Total number of predictions per class",
		},
		[]string{"label"},
	)

	// Rate limiting metrics
	rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medvision_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"type"}, // type: minute, requests, data
	)

	// File upload metrics
	uploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medvision_upload_size_bytes",
			Help:    "Size of uploaded files in bytes",
			Buckets: []float64{1024, 10 * 1024, 100 * 1024, 1024 * 1024, 5 * 1024 * 1024, 10 * 1024 * 1024, 50 * 1024 * 1024},
		},
	)

	// Report metrics
	reportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medvision_reports_total",
			Help: "Total number of report operations",
		},
		[]string{"operation", "status"},
	)

	// WebSocket metrics
	websocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medvision_websocket_active_connections",
			Help: "Number of active WebSocket connections",
		},
	)

	websocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medvision_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: sent, received
	)

	// Buffer pool metrics
	_ = promauto.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "medvision_mempool_gets_total",
			Help: "Float32 buffers requested from the pool",
		},
		func() float64 { return float64(mempool.Snapshot().Gets) },
	)

	_ = promauto.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "medvision_mempool_allocs_total",
			Help: "Float32 buffers the pool had to allocate",
		},
		func() float64 { return float64(mempool.Snapshot().Allocs) },
	)
)

// Observer records inference measurements into the Prometheus registry.
type Observer struct{}

// NewObserver returns an inference.Observer backed by the server metrics.
func NewObserver() *Observer { return &Observer{} }

// ObserveBranch implements inference.Observer.
func (*Observer) ObserveBranch(branch string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	branchDuration.WithLabelValues(branch, status).Observe(d.Seconds())
}

// ObserveAnalysis implements inference.Observer.
func (*Observer) ObserveAnalysis(a *inference.Analysis, err error) {
	analysesTotal.WithLabelValues(analysisStatus(err)).Inc()
	if err != nil || a == nil {
		return
	}
	analysisDuration.Observe(a.Timing.Total.Seconds())
	maskCoverage.Observe(a.Segmentation.Coverage)
	if a.Classification != nil {
		predictedLabels.WithLabelValues(a.Classification.Label).Inc()
	}
}

func analysisStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case inference.IsInputError(err):
		return "input_error"
	case inference.IsModelError(err):
		return "model_error"
	case errors.Is(err, inference.ErrStore):
		return "store_error"
	case isContextError(err):
		return "cancelled"
	default:
		return "error"
	}
}
