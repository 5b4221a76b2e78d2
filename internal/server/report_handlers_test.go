package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MeKo-Tech/medvision/internal/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patientFields(id string) map[string]string {
	return map[string]string{
		"patient_id":     id,
		"patient_name":   "Ada Lovelace",
		"patient_email":  "ada@example.org",
		"patient_age":    "36",
		"patient_gender": "Female",
		"contact_number": "+44 20 7946 0000",
	}
}

func (e *testEnv) createReport(t *testing.T, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := CreateMultipartRequest("/reports", scanPNG(t), fields)
	require.NoError(t, err)
	return e.do(req)
}

func TestCreateReport(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())

	w := env.createReport(t, patientFields("P-001"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decodeJSON[ReportResponse](t, w.Body)
	require.NotNil(t, resp.Report)
	assert.Equal(t, "/reports/"+resp.ID, w.Header().Get("Location"))
	assert.Equal(t, "P-001", resp.PatientID)
	assert.Equal(t, "female", resp.PatientGender)
	assert.Equal(t, 36, resp.PatientAge)
	assert.Equal(t, report.StatusPending, resp.Status)
	assert.Equal(t, "glioma", resp.Classification.Label)
	assert.Equal(t, resp.AnalysisID, resp.OverlayKey)
	assert.Equal(t, "/mask/"+resp.OverlayKey, resp.SegmentationMaskURL)
	assert.Equal(t, "/reports/"+resp.ID+"/pdf", resp.PDFURL)

	stored, err := env.reports.Get(t.Context(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", stored.PatientName)
}

func TestCreateReport_Validation(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())

	tests := []struct {
		name      string
		mutate    func(map[string]string)
		wantField string
	}{
		{name: "missing patient id", mutate: func(f map[string]string) { delete(f, "patient_id") }, wantField: "patient_id"},
		{name: "missing name", mutate: func(f map[string]string) { f["patient_name"] = "  " }, wantField: "patient_name"},
		{name: "bad email", mutate: func(f map[string]string) { f["patient_email"] = "nope" }, wantField: "patient_email"},
		{name: "age not a number", mutate: func(f map[string]string) { f["patient_age"] = "old" }, wantField: "patient_age"},
		{name: "age out of range", mutate: func(f map[string]string) { f["patient_age"] = "400" }, wantField: "patient_age"},
		{name: "unknown gender", mutate: func(f map[string]string) { f["patient_gender"] = "x" }, wantField: "patient_gender"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := patientFields("P-002")
			tt.mutate(fields)

			w := env.createReport(t, fields)
			require.Equal(t, http.StatusBadRequest, w.Code)
			resp := decodeJSON[ErrorResponse](t, w.Body)
			assert.Contains(t, resp.Fields, tt.wantField)
		})
	}

	// Invalid requests never reach the models.
	assert.Zero(t, env.segModel.Calls())
	assert.Zero(t, env.clsModel.Calls())
}

func TestListReports(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	for _, id := range []string{"P-1", "P-1", "P-2"} {
		require.Equal(t, http.StatusCreated, env.createReport(t, patientFields(id)).Code)
	}

	tests := []struct {
		name      string
		target    string
		wantCode  int
		wantCount int
	}{
		{name: "all", target: "/reports", wantCode: http.StatusOK, wantCount: 3},
		{name: "by patient", target: "/reports?patient_id=P-1", wantCode: http.StatusOK, wantCount: 2},
		{name: "by status", target: "/reports?status=reviewed", wantCode: http.StatusOK, wantCount: 0},
		{name: "limit", target: "/reports?limit=1", wantCode: http.StatusOK, wantCount: 1},
		{name: "offset", target: "/reports?offset=2", wantCode: http.StatusOK, wantCount: 1},
		{name: "bad limit", target: "/reports?limit=-3", wantCode: http.StatusBadRequest},
		{name: "bad offset", target: "/reports?offset=x", wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(httptest.NewRequest(http.MethodGet, tt.target, nil))
			require.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode == http.StatusOK {
				resp := decodeJSON[ReportsResponse](t, w.Body)
				assert.Equal(t, tt.wantCount, resp.Count)
				assert.Len(t, resp.Reports, tt.wantCount)
			}
		})
	}
}

func TestGetAndUpdateReport(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	created := decodeJSON[ReportResponse](t, env.createReport(t, patientFields("P-3")).Body)

	w := env.do(httptest.NewRequest(http.MethodGet, "/reports/"+created.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decodeJSON[ReportResponse](t, w.Body).ID)

	patch := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPatch, "/reports/"+created.ID, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return env.do(req)
	}

	w = patch(`{"doctor_notes":"Enhancing lesion, refer to neurosurgery."}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decodeJSON[ReportResponse](t, w.Body)
	assert.Equal(t, report.StatusReviewed, updated.Status)
	assert.Equal(t, "Enhancing lesion, refer to neurosurgery.", updated.DoctorNotes)
	assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))

	w = patch(`{"status":"pending"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, report.StatusPending, decodeJSON[ReportResponse](t, w.Body).Status)

	for name, body := range map[string]string{
		"empty":         `{}`,
		"unknown field": `{"diagnosis":"x"}`,
		"bad status":    `{"status":"closed"}`,
		"not json":      `notes`,
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, patch(body).Code)
		})
	}
}

func TestReportHandlers_NotFound(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())

	tests := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{name: "get", method: http.MethodGet, target: "/reports/01ARZ3NDEKTSV4RRFFQ69G5FAV"},
		{name: "patch", method: http.MethodPatch, target: "/reports/01ARZ3NDEKTSV4RRFFQ69G5FAV", body: `{"status":"reviewed"}`},
		{name: "pdf", method: http.MethodGet, target: "/reports/01ARZ3NDEKTSV4RRFFQ69G5FAV/pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.Equal(t, "report not found", decodeJSON[ErrorResponse](t, w.Body).Error)
		})
	}
}

func TestReportHandlers_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	for _, tt := range []struct{ method, target string }{
		{http.MethodDelete, "/reports"},
		{http.MethodPut, "/reports/01ARZ3NDEKTSV4RRFFQ69G5FAV"},
		{http.MethodPost, "/reports/01ARZ3NDEKTSV4RRFFQ69G5FAV/pdf"},
	} {
		w := env.do(httptest.NewRequest(tt.method, tt.target, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, tt.method+" "+tt.target)
	}
}

func TestReportPDF(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	created := decodeJSON[ReportResponse](t, env.createReport(t, patientFields("P-4")).Body)

	w := env.do(httptest.NewRequest(http.MethodGet, created.PDFURL, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "report-"+created.ID+".pdf")
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF")))
}

func TestReportHandlers_Disabled(t *testing.T) {
	s := &Server{corsOrigin: "*"}
	for _, h := range []http.HandlerFunc{s.reportsHandler, s.reportHandler, s.reportPDFHandler} {
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, "/reports", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	}
}
