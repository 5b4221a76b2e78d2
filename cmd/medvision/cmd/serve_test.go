package cmd

import (
	"testing"

	"github.com/MeKo-Tech/medvision/internal/artifact"
	"github.com/MeKo-Tech/medvision/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeCommand(t *testing.T) {
	assert.Equal(t, "serve", serveCmd.Use)
	assert.Contains(t, serveCmd.Long, "/predict")

	for _, name := range []string{
		"host", "port", "cors-origin", "max-upload-size", "timeout", "shutdown-timeout",
		"seg-model", "cls-model", "artifact-backend", "artifact-dir", "embed-overlay",
		"rate-limit-enabled", "requests-per-minute", "rate-limit-burst",
		"max-requests-per-day", "max-data-per-day",
	} {
		assert.NotNil(t, serveCmd.Flags().Lookup(name), name)
	}
}

func TestApplyServeFlags(t *testing.T) {
	require.NoError(t, serveCmd.ParseFlags([]string{
		"--port", "9090",
		"--cors-origin", "https://viewer.example.org",
		"--artifact-backend", "fs",
		"--artifact-dir", "/tmp/overlays",
		"--seg-model", "/models/unetr.onnx",
		"--embed-overlay",
		"--rate-limit-enabled",
		"--requests-per-minute", "12",
		"--max-data-per-day", "5",
	}))

	cfg := config.DefaultConfig()
	applyServeFlags(serveCmd, &cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host, "unset flags keep the configured value")
	assert.Equal(t, "https://viewer.example.org", cfg.Server.CORSOrigin)
	assert.Equal(t, artifact.BackendFS, cfg.Artifacts.Backend)
	assert.Equal(t, "/tmp/overlays", cfg.Artifacts.Dir)
	assert.Equal(t, "/models/unetr.onnx", cfg.Segmentation.ModelPath)
	assert.Empty(t, cfg.Classification.ModelPath)
	assert.True(t, cfg.Server.EmbedOverlay)
	assert.True(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, 12, cfg.Server.RateLimit.RequestsPerMinute)
	require.NoError(t, cfg.Validate())

	sc := toServerConfig(&cfg)
	assert.Equal(t, 9090, sc.Port)
	assert.Equal(t, int64(20), sc.MaxUploadMB)
	assert.True(t, sc.EmbedOverlay)
	assert.True(t, sc.RateLimit.Enabled)
	assert.Equal(t, int64(5<<20), sc.RateLimit.MaxDataPerDay)
}
