package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/medvision/internal/artifact"
	"github.com/MeKo-Tech/medvision/internal/report"
)

// maxPatchBytes bounds PATCH /reports/{id} bodies.
const maxPatchBytes = 1 << 20

// reportsHandler creates a report from an uploaded scan or lists reports.
func (s *Server) reportsHandler(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		s.writeError(w, r, "reports are disabled", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.createReport(w, r)
	case http.MethodGet:
		s.listReports(w, r)
	default:
		s.writeError(w, r, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// reportHandler reads or updates one report.
func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		s.writeError(w, r, "reports are disabled", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		rep, err := s.reports.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeReportError(w, r, "get", err)
			return
		}
		writeJSON(w, http.StatusOK, newReportResponse(rep))
	case http.MethodPatch:
		s.updateReport(w, r)
	default:
		s.writeError(w, r, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createReport(w http.ResponseWriter, r *http.Request) {
	if s.svc == nil {
		s.writeError(w, r, "inference service not initialized", http.StatusServiceUnavailable)
		return
	}

	data, err := s.readUpload(w, r)
	defer cleanupForm(r.MultipartForm)
	if err != nil {
		s.writeAnalysisError(w, r, err)
		return
	}

	req, err := parseCreateRequest(r)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		s.writeValidationError(w, r, "create", err)
		return
	}

	a, err := s.analyze(r.Context(), data)
	if err != nil {
		s.writeAnalysisError(w, r, err)
		return
	}

	rep := report.FromAnalysis(req, a, time.Now())
	if err := s.reports.Create(r.Context(), rep); err != nil {
		s.writeReportError(w, r, "create", err)
		return
	}
	reportsTotal.WithLabelValues("create", "success").Inc()
	slog.Info("Report created", "id", rep.ID, "analysis_id", a.ID, "request_id", requestIDFrom(r.Context()))

	w.Header().Set("Location", "/reports/"+rep.ID)
	writeJSON(w, http.StatusCreated, newReportResponse(rep))
}

// parseCreateRequest reads the patient fields of a report upload.
func parseCreateRequest(r *http.Request) (report.CreateRequest, error) {
	req := report.CreateRequest{
		PatientID:     strings.TrimSpace(r.FormValue("patient_id")),
		PatientName:   strings.TrimSpace(r.FormValue("patient_name")),
		PatientEmail:  strings.TrimSpace(r.FormValue("patient_email")),
		PatientGender: strings.ToLower(strings.TrimSpace(r.FormValue("patient_gender"))),
		ContactNumber: strings.TrimSpace(r.FormValue("contact_number")),
	}
	if v := strings.TrimSpace(r.FormValue("patient_age")); v != "" {
		age, err := strconv.Atoi(v)
		if err != nil {
			return req, &report.ValidationError{Fields: map[string]string{"patient_age": "must be a number"}}
		}
		req.PatientAge = age
	}
	return req, nil
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := report.Filter{
		PatientID: q.Get("patient_id"),
		Status:    q.Get("status"),
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		s.writeError(w, r, "invalid limit", http.StatusBadRequest)
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		s.writeError(w, r, "invalid offset", http.StatusBadRequest)
		return
	}

	reps, err := s.reports.List(r.Context(), f)
	if err != nil {
		s.writeReportError(w, r, "list", err)
		return
	}
	resp := ReportsResponse{Reports: make([]ReportResponse, 0, len(reps)), Count: len(reps)}
	for _, rep := range reps {
		resp.Reports = append(resp.Reports, newReportResponse(rep))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) updateReport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPatchBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req report.UpdateRequest
	if err := dec.Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.writeError(w, r, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.writeError(w, r, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeValidationError(w, r, "update", err)
		return
	}

	rep, err := s.reports.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeReportError(w, r, "update", err)
		return
	}
	rep.Apply(req, time.Now())
	if err := s.reports.Update(r.Context(), rep); err != nil {
		s.writeReportError(w, r, "update", err)
		return
	}
	reportsTotal.WithLabelValues("update", "success").Inc()
	writeJSON(w, http.StatusOK, newReportResponse(rep))
}

// reportPDFHandler renders a report with its overlay as a PDF download.
func (s *Server) reportPDFHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, r, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.reports == nil {
		s.writeError(w, r, "reports are disabled", http.StatusServiceUnavailable)
		return
	}

	rep, err := s.reports.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeReportError(w, r, "pdf", err)
		return
	}

	var overlayPNG []byte
	if s.store != nil && rep.OverlayKey != "" {
		overlayPNG, err = s.store.Get(r.Context(), rep.OverlayKey)
		if err != nil && !errors.Is(err, artifact.ErrNotFound) {
			slog.Warn("Failed to load overlay for report", "id", rep.ID, "error", err)
		}
	}

	pdf, err := report.RenderPDF(rep, overlayPNG)
	if err != nil {
		s.writeReportError(w, r, "pdf", err)
		return
	}
	reportsTotal.WithLabelValues("pdf", "success").Inc()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "report-"+rep.ID+".pdf"))
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pdf); err != nil {
		slog.Error("Failed to write report pdf", "error", err)
	}
}

func (s *Server) writeValidationError(w http.ResponseWriter, r *http.Request, op string, err error) {
	reportsTotal.WithLabelValues(op, "invalid").Inc()
	var ve *report.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:     ve.Error(),
			RequestID: requestIDFrom(r.Context()),
			Fields:    ve.Fields,
		})
		return
	}
	s.writeError(w, r, err.Error(), http.StatusBadRequest)
}

func (s *Server) writeReportError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, report.ErrNotFound):
		reportsTotal.WithLabelValues(op, "not_found").Inc()
		s.writeError(w, r, "report not found", http.StatusNotFound)
	case errors.Is(err, report.ErrDuplicate):
		reportsTotal.WithLabelValues(op, "conflict").Inc()
		s.writeError(w, r, err.Error(), http.StatusConflict)
	default:
		reportsTotal.WithLabelValues(op, "error").Inc()
		slog.Error("Report operation failed", "operation", op, "error", err, "request_id", requestIDFrom(r.Context()))
		s.writeError(w, r, "report "+op+" failed", http.StatusInternalServerError)
	}
}

func newReportResponse(rep *report.Report) ReportResponse {
	return ReportResponse{
		Report:              rep,
		SegmentationMaskURL: maskURL(rep.OverlayKey),
		PDFURL:              "/reports/" + rep.ID + "/pdf",
	}
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}
