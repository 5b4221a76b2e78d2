package server

import (
	"net/http"
	"strconv"
)

// predictHandler analyzes one uploaded scan.
func (s *Server) predictHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
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

	a, err := s.analyze(r.Context(), data)
	if err != nil {
		s.writeAnalysisError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newPredictResponse(a, s.wantsOverlay(r)))
}

// wantsOverlay reports whether the base64 overlay should be embedded. The
// embed query parameter overrides the server default.
func (s *Server) wantsOverlay(r *http.Request) bool {
	v := r.URL.Query().Get("embed")
	if v == "" {
		return s.embedOverlay
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return s.embedOverlay
	}
	return b
}
