package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/MeKo-Tech/medvision/internal/artifact"
	"github.com/MeKo-Tech/medvision/internal/classifier"
	"github.com/MeKo-Tech/medvision/internal/inference"
	"github.com/MeKo-Tech/medvision/internal/models"
	"github.com/MeKo-Tech/medvision/internal/version"
)

// uploadField is the multipart field carrying the scan.
const uploadField = "image"

type shapeReporter interface {
	InputShape() []int64
}

type classLister interface {
	Classes() []string
}

// healthHandler returns server health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, r, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: version.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Models:  s.svc != nil,
		Reports: s.reports != nil,
	})
}

// modelsHandler returns information about the loaded models.
func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, r, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	modelInfos := models.ListAvailableModels()
	modelList := make([]ModelInfo, len(modelInfos))
	for i, info := range modelInfos {
		mi := ModelInfo{
			Name:        info.Name,
			Path:        models.ResolveModelPath(s.modelsDir, info.Type, info.Filename),
			Type:        info.Type,
			Description: info.Description,
		}
		var branch any
		if s.svc != nil {
			if info.Type == models.TypeSegmentation {
				branch = s.svc.Segmenter()
			} else {
				branch = s.svc.Classifier()
			}
		}
		if sr, ok := branch.(shapeReporter); ok {
			mi.InputShape = sr.InputShape()
		}
		if cl, ok := branch.(classLister); ok {
			mi.Classes = cl.Classes()
		}
		modelList[i] = mi
	}

	writeJSON(w, http.StatusOK, ModelsResponse{Models: modelList, Count: len(modelList)})
}

// latestMaskHandler serves the most recently written overlay.
func (s *Server) latestMaskHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, r, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		s.writeError(w, r, "overlay storage is disabled", http.StatusServiceUnavailable)
		return
	}

	key, data, err := s.store.Latest(r.Context())
	if err != nil {
		s.writeArtifactError(w, r, err)
		return
	}
	w.Header().Set("X-Analysis-ID", key)
	writePNG(w, data)
}

// maskHandler serves the overlay of one analysis.
func (s *Server) maskHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, r, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		s.writeError(w, r, "overlay storage is disabled", http.StatusServiceUnavailable)
		return
	}

	data, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeArtifactError(w, r, err)
		return
	}
	writePNG(w, data)
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("Failed to write overlay", "error", err)
	}
}

func (s *Server) writeArtifactError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		s.writeError(w, r, "mask not found", http.StatusNotFound)
	case errors.Is(err, artifact.ErrInvalidKey):
		s.writeError(w, r, "invalid analysis id", http.StatusBadRequest)
	default:
		slog.Error("Failed to read overlay", "error", err, "request_id", requestIDFrom(r.Context()))
		s.writeError(w, r, "failed to read mask", http.StatusInternalServerError)
	}
}

// uploadError carries the status code for a rejected upload.
type uploadError struct {
	status  int
	message string
}

func (e *uploadError) Error() string { return e.message }

// readUpload parses the multipart form and returns the bytes of the image
// field. Callers release spooled form files with cleanupForm.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := s.maxUploadMB * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(limit); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, &uploadError{status: http.StatusRequestEntityTooLarge, message: "file too large"}
		}
		return nil, &uploadError{status: http.StatusBadRequest, message: "failed to parse form data"}
	}

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		return nil, &uploadError{status: http.StatusBadRequest, message: "no image file provided"}
	}
	defer func() { _ = file.Close() }()

	if header.Size > limit {
		return nil, &uploadError{status: http.StatusRequestEntityTooLarge, message: "file too large"}
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, &uploadError{status: http.StatusBadRequest, message: "failed to read image data"}
	}
	uploadSizeBytes.Observe(float64(len(data)))
	return data, nil
}

func cleanupForm(form *multipart.Form) {
	if form != nil {
		_ = form.RemoveAll()
	}
}

// analyze runs the service under the configured request timeout.
func (s *Server) analyze(ctx context.Context, data []byte) (*inference.Analysis, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.svc.Analyze(ctx, data)
}

// analysisErrorStatus maps an inference failure onto a status code and a
// client-facing message.
func analysisErrorStatus(err error) (int, string) {
	var ue *uploadError
	switch {
	case errors.As(err, &ue):
		return ue.status, ue.message
	case inference.IsInputError(err):
		return http.StatusBadRequest, err.Error()
	case inference.IsModelError(err):
		return http.StatusInternalServerError, "inference failed: " + err.Error()
	case errors.Is(err, inference.ErrStore):
		return http.StatusInternalServerError, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "inference timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "inference failed: " + err.Error()
	}
}

func (s *Server) writeAnalysisError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := analysisErrorStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Analysis failed", "error", err, "request_id", requestIDFrom(r.Context()))
	} else {
		slog.Info("Analysis rejected", "error", err, "request_id", requestIDFrom(r.Context()))
	}
	s.writeError(w, r, msg, status)
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// maskURL returns the overlay route for a stored artifact.
func maskURL(key string) string {
	if key == "" {
		return ""
	}
	return "/mask/" + key
}

// newPredictResponse renders an analysis. The overlay is embedded when asked
// for or when it was not stored and so has no URL.
func newPredictResponse(a *inference.Analysis, embed bool) PredictResponse {
	resp := PredictResponse{
		AnalysisID: a.ID,
		Segmentation: SegmentationResponse{
			Coverage:   classifier.Round4(a.Segmentation.Coverage),
			Width:      a.Segmentation.Width,
			Height:     a.Segmentation.Height,
			OverlayKey: a.Segmentation.OverlayKey,
		},
		SegmentationMaskURL: maskURL(a.Segmentation.OverlayKey),
		Timing: TimingResponse{
			DecodeMs:         a.Timing.Decode.Milliseconds(),
			SegmentationMs:   a.Timing.Segmentation.Milliseconds(),
			ClassificationMs: a.Timing.Classification.Milliseconds(),
			TotalMs:          a.Timing.Total.Milliseconds(),
		},
	}
	if c := a.Classification; c != nil {
		resp.Classification = ClassificationResponse{
			Label:         c.Label,
			Confidence:    c.Confidence,
			Probabilities: c.Probabilities,
		}
	}
	if embed || resp.SegmentationMaskURL == "" {
		resp.OverlayPNG = a.OverlayPNG
	}
	return resp
}
