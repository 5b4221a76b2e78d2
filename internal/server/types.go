package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MeKo-Tech/medvision/internal/artifact"
	"github.com/MeKo-Tech/medvision/internal/inference"
	"github.com/MeKo-Tech/medvision/internal/report"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP server state and dependencies.
type Server struct {
	svc          *inference.Service
	store        artifact.Store
	reports      report.Repository
	rateLimiter  *RateLimiter
	modelsDir    string
	corsOrigin   string
	maxUploadMB  int64
	timeout      time.Duration
	embedOverlay bool
}

// Config holds server configuration.
type Config struct {
	Host         string
	Port         int
	CORSOrigin   string
	MaxUploadMB  int64
	TimeoutSec   int
	EmbedOverlay bool
	ModelsDir    string
	RateLimit    RateLimitConfig
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Time    string `json:"time"`
	Models  bool   `json:"models_loaded"`
	Reports bool   `json:"reports_enabled"`
}

// ModelInfo describes one loaded model.
type ModelInfo struct {
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	InputShape  []int64  `json:"input_shape,omitempty"`
	Classes     []string `json:"classes,omitempty"`
}

// ModelsResponse is returned by /models.
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
	Count  int         `json:"count"`
}

// ClassificationResponse is the classifier part of a prediction.
type ClassificationResponse struct {
	Label         string             `json:"label"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// SegmentationResponse is the segmenter part of a prediction.
type SegmentationResponse struct {
	Coverage   float64 `json:"coverage"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	OverlayKey string  `json:"overlay_key,omitempty"`
}

// TimingResponse reports stage durations in milliseconds.
type TimingResponse struct {
	DecodeMs         int64 `json:"decode_ms"`
	SegmentationMs   int64 `json:"segmentation_ms"`
	ClassificationMs int64 `json:"classification_ms"`
	TotalMs          int64 `json:"total_ms"`
}

// PredictResponse is returned by /predict and over /ws/analyze.
type PredictResponse struct {
	AnalysisID          string                 `json:"analysis_id"`
	Classification      ClassificationResponse `json:"classification"`
	Segmentation        SegmentationResponse   `json:"segmentation"`
	SegmentationMaskURL string                 `json:"segmentation_mask_url,omitempty"`
	OverlayPNG          []byte                 `json:"overlay_png,omitempty"`
	Timing              TimingResponse         `json:"timing"`
}

// ReportResponse is a stored report plus links to its artifacts.
type ReportResponse struct {
	*report.Report
	SegmentationMaskURL string `json:"segmentation_mask_url,omitempty"`
	PDFURL              string `json:"pdf_url"`
}

// ReportsResponse is returned by GET /reports.
type ReportsResponse struct {
	Reports []ReportResponse `json:"reports"`
	Count   int              `json:"count"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string            `json:"error"`
	RequestID string            `json:"request_id,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// NewServer creates a server around an inference service. The overlay store
// is taken from the service. A nil repository disables the report routes.
func NewServer(config Config, svc *inference.Service, reports report.Repository) (*Server, error) {
	if svc == nil {
		return nil, errors.New("inference service is required")
	}
	if config.MaxUploadMB <= 0 {
		config.MaxUploadMB = 20
	}
	if config.CORSOrigin == "" {
		config.CORSOrigin = "*"
	}
	return &Server{
		svc:          svc,
		store:        svc.Store(),
		reports:      reports,
		rateLimiter:  NewRateLimiterFromConfig(config.RateLimit),
		modelsDir:    config.ModelsDir,
		corsOrigin:   config.CORSOrigin,
		maxUploadMB:  config.MaxUploadMB,
		timeout:      time.Duration(config.TimeoutSec) * time.Second,
		embedOverlay: config.EmbedOverlay,
	}, nil
}

// RateLimiter returns the configured limiter, or nil when disabled.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// Close releases server resources.
func (s *Server) Close() error {
	var errs []error
	if s.reports != nil {
		errs = append(errs, s.reports.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.wrap(s.healthHandler))
	mux.HandleFunc("/models", s.wrap(s.modelsHandler))
	mux.HandleFunc("/predict", s.wrap(s.rateLimitMiddleware(s.predictHandler)))
	mux.HandleFunc("/mask", s.wrap(s.latestMaskHandler))
	mux.HandleFunc("/mask/{id}", s.wrap(s.maskHandler))
	mux.HandleFunc("/reports", s.wrap(s.rateLimitMiddleware(s.reportsHandler)))
	mux.HandleFunc("/reports/{id}", s.wrap(s.reportHandler))
	mux.HandleFunc("/reports/{id}/pdf", s.wrap(s.reportPDFHandler))
	mux.HandleFunc("/ws/analyze", s.wrap(s.rateLimitMiddleware(s.analyzeWebSocketHandler)))
	mux.Handle("/metrics", promhttp.Handler())
}

// Handler returns a mux with all routes installed.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}
