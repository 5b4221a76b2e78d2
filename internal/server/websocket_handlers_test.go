package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialAnalyze(t *testing.T, env *testEnv, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/analyze"
	return websocket.DefaultDialer.Dial(url, header)
}

func TestAnalyzeWebSocket(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	conn, _, err := dialAnalyze(t, env, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	t.Run("binary image", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, scanPNG(t)))

		var resp PredictResponse
		require.NoError(t, conn.ReadJSON(&resp))
		assert.Equal(t, "glioma", resp.Classification.Label)
		assert.Equal(t, "/mask/"+resp.AnalysisID, resp.SegmentationMaskURL)
		assert.Len(t, resp.Classification.Probabilities, 4)
	})

	t.Run("text message", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"image"}`)))

		var resp ErrorResponse
		require.NoError(t, conn.ReadJSON(&resp))
		assert.Contains(t, resp.Error, "binary message")
		assert.NotEmpty(t, resp.RequestID)
	})

	t.Run("undecodable image", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("garbage")))

		var resp ErrorResponse
		require.NoError(t, conn.ReadJSON(&resp))
		assert.Contains(t, resp.Error, "invalid image")
	})

	assert.Equal(t, 1, env.segModel.Calls())
}

func TestAnalyzeWebSocket_RejectsForeignOrigin(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.CORSOrigin = "https://viewer.example.org"
	env := newTestEnv(t, cfg)

	_, resp, err := dialAnalyze(t, env, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dialAnalyze(t, env, http.Header{"Origin": {"https://viewer.example.org"}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		allowed, origin string
		want            bool
	}{
		{"*", "https://any.example", true},
		{"https://a.example", "", true},
		{"https://a.example", "https://a.example", true},
		{"a.example:8443", "https://a.example:8443", true},
		{"https://a.example", "https://b.example", false},
		{"https://a.example", "://bad", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, originAllowed(tt.allowed, tt.origin), tt.allowed+" vs "+tt.origin)
	}
}
