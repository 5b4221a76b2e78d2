package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MeKo-Tech/medvision/internal/artifact"
	"github.com/MeKo-Tech/medvision/internal/classifier"
	"github.com/MeKo-Tech/medvision/internal/inference"
	"github.com/MeKo-Tech/medvision/internal/onnx/mock"
	"github.com/MeKo-Tech/medvision/internal/report"
	"github.com/MeKo-Tech/medvision/internal/segmenter"
	"github.com/MeKo-Tech/medvision/internal/testutil"
	"github.com/stretchr/testify/require"
)

// testEnv is a server backed by scripted models and in-memory storage.
type testEnv struct {
	segModel *mock.Model
	clsModel *mock.Model
	store    *artifact.MemoryStore
	reports  *report.MemoryRepository
	server   *Server
	handler  http.Handler
}

func defaultTestConfig() Config {
	return Config{CORSOrigin: "*", MaxUploadMB: 5, TimeoutSec: 30}
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		segModel: &mock.Model{Output: mock.NewDiskMap(256, 256, 90, 100, 30, 0.95, 0.05).NHWC()},
		clsModel: &mock.Model{Output: mock.NewClassLogits(4, 0, 3, -1)},
		store:    artifact.NewMemoryStore(16),
		reports:  report.NewMemoryRepository(),
	}
	seg, err := segmenter.New(segmenter.DefaultConfig(), env.segModel)
	require.NoError(t, err)
	cls, err := classifier.New(classifier.DefaultConfig(), env.clsModel)
	require.NoError(t, err)
	svc, err := inference.NewService(seg, cls, env.store, inference.WithObserver(NewObserver()))
	require.NoError(t, err)

	env.server, err = NewServer(cfg, svc, env.reports)
	require.NoError(t, err)
	env.handler = env.server.Handler()
	t.Cleanup(func() { _ = env.server.Close() })
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) predict(t *testing.T, target string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	req, err := CreateMultipartRequest(target, data, nil)
	require.NoError(t, err)
	return e.do(req)
}

func scanPNG(t *testing.T) []byte {
	t.Helper()
	return testutil.EncodePNG(t, testutil.GenerateScan(testutil.DefaultScanConfig()))
}

func decodeJSON[T any](t *testing.T, body *bytes.Buffer) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body.Bytes(), &v))
	return v
}
