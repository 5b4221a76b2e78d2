package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// upgrader returns a websocket upgrader honoring the CORS origin setting.
func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(s.corsOrigin, r.Header.Get("Origin"))
		},
	}
}

func originAllowed(allowed, origin string) bool {
	if allowed == "*" || origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return origin == allowed || u.Host == allowed
}

// analyzeWebSocketHandler analyzes every binary message received on the
// connection as an encoded image.
func (s *Server) analyzeWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if s.svc == nil {
		s.writeError(w, r, "inference service not initialized", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	websocketConnections.Inc()
	defer websocketConnections.Dec()

	slog.Info("WebSocket connection established", "remote_addr", r.RemoteAddr)
	s.handleWebSocketConnection(r.Context(), conn)
}

// handleWebSocketConnection processes messages until the client goes away.
func (s *Server) handleWebSocketConnection(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(s.maxUploadMB * 1024 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("WebSocket error", "error", err)
			}
			return
		}
		websocketMessagesTotal.WithLabelValues("received").Inc()
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		requestID := uuid.NewString()
		var resp any
		if messageType != websocket.BinaryMessage {
			resp = ErrorResponse{Error: "send the image as a binary message", RequestID: requestID}
		} else {
			uploadSizeBytes.Observe(float64(len(data)))
			resp = s.analyzeMessage(ctx, requestID, data)
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(resp); err != nil {
			slog.Error("Failed to write WebSocket response", "error", err)
			return
		}
		websocketMessagesTotal.WithLabelValues("sent").Inc()
	}
}

// analyzeMessage returns a PredictResponse on success and an ErrorResponse
// otherwise.
func (s *Server) analyzeMessage(ctx context.Context, requestID string, data []byte) any {
	a, err := s.analyze(ctx, data)
	if err != nil {
		_, msg := analysisErrorStatus(err)
		slog.Info("WebSocket analysis failed", "error", err, "request_id", requestID)
		return ErrorResponse{Error: msg, RequestID: requestID}
	}
	return newPredictResponse(a, s.embedOverlay)
}
