package support

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/MeKo-Tech/medvision/internal/artifact"
	"github.com/MeKo-Tech/medvision/internal/classifier"
	"github.com/MeKo-Tech/medvision/internal/inference"
	"github.com/MeKo-Tech/medvision/internal/models"
	"github.com/MeKo-Tech/medvision/internal/onnx/mock"
	"github.com/MeKo-Tech/medvision/internal/report"
	"github.com/MeKo-Tech/medvision/internal/segmenter"
	"github.com/MeKo-Tech/medvision/internal/server"
	"github.com/MeKo-Tech/medvision/internal/testutil"
)

// APIContext holds the state of one scenario: a running API backed by
// scripted models and the last response received from it.
type APIContext struct {
	HTTPServer *httptest.Server
	App        *server.Server
	SegModel   *mock.Model
	ClsModel   *mock.Model
	Store      *artifact.MemoryStore
	Reports    *report.MemoryRepository

	Config server.Config

	LastStatusCode int
	LastHeaders    http.Header
	LastBody       []byte

	// Vars holds values remembered from earlier responses, substituted into
	// request paths as {name}.
	Vars map[string]string
}

// NewAPIContext creates a context with default server settings. The server is
// started by the first step that needs it.
func NewAPIContext() *APIContext {
	return &APIContext{
		Config: server.Config{CORSOrigin: "*", MaxUploadMB: 5, TimeoutSec: 30},
		Vars:   map[string]string{},
	}
}

// Start launches the API on an httptest server.
func (c *APIContext) Start() error {
	if c.HTTPServer != nil {
		return nil
	}
	c.SegModel = &mock.Model{Output: mock.NewDiskMap(256, 256, 90, 100, 30, 0.95, 0.05).NHWC()}
	c.ClsModel = &mock.Model{Output: mock.NewClassLogits(len(models.DefaultClasses), 0, 3, -1)}
	c.Store = artifact.NewMemoryStore(32)
	c.Reports = report.NewMemoryRepository()

	seg, err := segmenter.New(segmenter.DefaultConfig(), c.SegModel)
	if err != nil {
		return fmt.Errorf("failed to create segmenter: %w", err)
	}
	cls, err := classifier.New(classifier.DefaultConfig(), c.ClsModel)
	if err != nil {
		return fmt.Errorf("failed to create classifier: %w", err)
	}
	svc, err := inference.NewService(seg, cls, c.Store, inference.WithObserver(server.NewObserver()))
	if err != nil {
		return err
	}
	c.App, err = server.NewServer(c.Config, svc, c.Reports)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	c.HTTPServer = httptest.NewServer(c.App.Handler())
	return nil
}

// Cleanup stops the server and releases its storage.
func (c *APIContext) Cleanup() error {
	if c.HTTPServer == nil {
		return nil
	}
	c.HTTPServer.Close()
	c.HTTPServer = nil
	return c.App.Close()
}

// Expand substitutes remembered variables written as {name}.
func (c *APIContext) Expand(s string) string {
	for k, v := range c.Vars {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	return s
}

// URL resolves a request path against the running server.
func (c *APIContext) URL(path string) string {
	return c.HTTPServer.URL + c.Expand(path)
}

// Do sends req and records the response.
func (c *APIContext) Do(req *http.Request) error {
	resp, err := c.HTTPServer.Client().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	c.LastStatusCode = resp.StatusCode
	c.LastHeaders = resp.Header
	c.LastBody = buf.Bytes()
	return nil
}

// JSON decodes the last response body.
func (c *APIContext) JSON() (map[string]any, error) {
	var v map[string]any
	if err := json.Unmarshal(c.LastBody, &v); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w (body: %s)", err, truncate(c.LastBody))
	}
	return v, nil
}

// Field looks up a dotted path such as "classification.label" in the last
// JSON response.
func (c *APIContext) Field(path string) (any, error) {
	v, err := c.JSON()
	if err != nil {
		return nil, err
	}
	var cur any = v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %q: %q is not an object", path, part)
		}
		cur, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("field %q not found in %s", path, truncate(c.LastBody))
		}
	}
	return cur, nil
}

// ScanPNG returns a synthetic brain scan encoded as PNG.
func ScanPNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, testutil.GenerateScan(testutil.DefaultScanConfig())); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncate(b []byte) string {
	const limit = 300
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
