package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func newTestLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader()
	if loader == nil || loader.v == nil {
		t.Fatal("NewLoader() returned no viper instance")
	}
	if loader.GetViper() != viper.GetViper() {
		t.Error("NewLoader() should use the global viper instance")
	}
}

func TestLoadWithNoConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Chdir(tmpDir)
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	cfg, err := newTestLoader().Load()
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if cfg.LogLevel != infoLevel {
		t.Errorf("Expected default log level %q, got %q", infoLevel, cfg.LogLevel)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if len(cfg.Classification.Mean) != 3 {
		t.Errorf("Expected default mean, got %v", cfg.Classification.Mean)
	}
}

func TestLoadWithValidYAMLFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "medvision.yaml")

	yamlContent := `
log_level: debug
models_dir: /custom/models
segmentation:
  threshold: 0.35
  channel_order: rgb
classification:
  classes: [glioma, meningioma, notumor, pituitary, other]
server:
  port: 9000
  embed_overlay: true
  rate_limit:
    enabled: true
    requests_per_minute: 5
artifacts:
  backend: fs
  dir: /var/lib/medvision
`
	if err := os.WriteFile(configFile, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	loader := newTestLoader()
	cfg, err := loader.LoadWithFile(configFile)
	if err != nil {
		t.Fatalf("LoadWithFile() unexpected error: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.ModelsDir != "/custom/models" {
		t.Errorf("Expected models dir /custom/models, got %s", cfg.ModelsDir)
	}
	if cfg.Segmentation.Threshold != 0.35 || cfg.Segmentation.ChannelOrder != "rgb" {
		t.Errorf("Segmentation not loaded: %+v", cfg.Segmentation)
	}
	if cfg.Segmentation.ImageSize != 256 {
		t.Errorf("Unset keys should keep defaults, got image size %d", cfg.Segmentation.ImageSize)
	}
	if len(cfg.Classification.Classes) != 5 {
		t.Errorf("Expected 5 classes, got %v", cfg.Classification.Classes)
	}
	if cfg.Server.Port != 9000 || !cfg.Server.EmbedOverlay {
		t.Errorf("Server not loaded: %+v", cfg.Server)
	}
	if !cfg.Server.RateLimit.Enabled || cfg.Server.RateLimit.RequestsPerMinute != 5 {
		t.Errorf("Rate limit not loaded: %+v", cfg.Server.RateLimit)
	}
	if cfg.Artifacts.Backend != "fs" || cfg.Artifacts.Dir != "/var/lib/medvision" {
		t.Errorf("Artifacts not loaded: %+v", cfg.Artifacts)
	}
	if loader.GetConfigFileUsed() != configFile {
		t.Errorf("Expected config file used %s, got %s", configFile, loader.GetConfigFileUsed())
	}
}

func TestLoadWithInvalidYAMLFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "medvision.yaml")
	if err := os.WriteFile(configFile, []byte("server: [port: 1"), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	if _, err := newTestLoader().LoadWithFile(configFile); err == nil {
		t.Error("LoadWithFile() expected error for invalid YAML")
	}
}

func TestLoadWithNonExistentFile(t *testing.T) {
	_, err := newTestLoader().LoadWithFile("/nonexistent/medvision.yaml")
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("Expected missing file error, got %v", err)
	}
}

func TestLoadWithValidationFailure(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "medvision.yaml")
	if err := os.WriteFile(configFile, []byte("log_level: loud\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := newTestLoader().LoadWithFile(configFile); err == nil {
		t.Error("LoadWithFile() expected validation error")
	}

	cfg, err := newTestLoader().LoadWithFileWithoutValidation(configFile)
	if err != nil {
		t.Fatalf("LoadWithFileWithoutValidation() unexpected error: %v", err)
	}
	if cfg.LogLevel != "loud" {
		t.Errorf("Expected raw log level, got %s", cfg.LogLevel)
	}
}

func TestLoadSearchesWorkingDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	t.Chdir(tmpDir)
	if err := os.WriteFile(filepath.Join(tmpDir, "medvision.yaml"), []byte("server:\n  port: 7070\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := newTestLoader().LoadWithoutValidation()
	if err != nil {
		t.Fatalf("LoadWithoutValidation() unexpected error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Expected port 7070 from working directory config, got %d", cfg.Server.Port)
	}
}

func TestEnvironmentVariableOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MEDVISION_LOG_LEVEL", "warn")
	t.Setenv("MEDVISION_SERVER_PORT", "9191")
	t.Setenv("MEDVISION_ARTIFACTS_BACKEND", "redis")
	t.Setenv("MEDVISION_SEGMENTATION_THRESHOLD", "0.7")

	cfg, err := newTestLoader().Load()
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("Expected log level from env, got %s", cfg.LogLevel)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Expected port from env, got %d", cfg.Server.Port)
	}
	if cfg.Artifacts.Backend != "redis" {
		t.Errorf("Expected artifact backend from env, got %s", cfg.Artifacts.Backend)
	}
	if cfg.Segmentation.Threshold != 0.7 {
		t.Errorf("Expected threshold from env, got %v", cfg.Segmentation.Threshold)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("MEDVISION_TEST_DOTENV=loaded\nMEDVISION_TEST_PRESET=fromfile\n"), 0o600); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Setenv("MEDVISION_TEST_PRESET", "fromenv")
	t.Cleanup(func() { _ = os.Unsetenv("MEDVISION_TEST_DOTENV") })

	if err := LoadDotEnv(envFile, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() unexpected error: %v", err)
	}
	if got := os.Getenv("MEDVISION_TEST_DOTENV"); got != "loaded" {
		t.Errorf("Expected dotenv value, got %q", got)
	}
	if got := os.Getenv("MEDVISION_TEST_PRESET"); got != "fromenv" {
		t.Errorf("Existing environment should win, got %q", got)
	}
}

func TestGetSetConfigValues(t *testing.T) {
	loader := newTestLoader()
	loader.Set("server.host", "0.0.0.0")
	if got := loader.GetString("server.host"); got != "0.0.0.0" {
		t.Errorf("GetString() = %q", got)
	}
	if got := loader.Get("server.host"); got != "0.0.0.0" {
		t.Errorf("Get() = %v", got)
	}
}

func TestGetResolvedConfig(t *testing.T) {
	loader := newTestLoader()
	loader.setDefaults()
	settings := loader.GetResolvedConfig()
	for _, key := range []string{"server", "segmentation", "classification", "artifacts", "reports"} {
		if _, ok := settings[key]; !ok {
			t.Errorf("Resolved config missing %q", key)
		}
	}
}

func TestGenerateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generated.yaml")
	if err := GenerateDefaultConfigFile(path); err != nil {
		t.Fatalf("GenerateDefaultConfigFile() unexpected error: %v", err)
	}

	cfg, err := newTestLoader().LoadWithFile(path)
	if err != nil {
		t.Fatalf("Generated config does not load: %v", err)
	}
	if cfg.Server.Port != DefaultConfig().Server.Port {
		t.Errorf("Generated config lost defaults: port %d", cfg.Server.Port)
	}
}

func TestGenerateDefaultConfigFileWithEmptyFilename(t *testing.T) {
	t.Chdir(t.TempDir())
	if err := GenerateDefaultConfigFile(""); err != nil {
		t.Fatalf("GenerateDefaultConfigFile() unexpected error: %v", err)
	}
	if _, err := os.Stat("medvision.yaml"); err != nil {
		t.Errorf("Expected medvision.yaml: %v", err)
	}
}

func TestGetConfigSearchPaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	paths := GetConfigSearchPaths()
	if paths[0] != "." {
		t.Errorf("First search path should be the working directory, got %s", paths[0])
	}
	want := map[string]bool{filepath.Join("/xdg", "medvision"): false, "/etc/medvision": false}
	for _, p := range paths {
		if _, ok := want[p]; ok {
			want[p] = true
		}
	}
	for p, found := range want {
		if !found {
			t.Errorf("Search paths %v missing %s", paths, p)
		}
	}
}

func TestPrintConfigInfo(t *testing.T) {
	var buf bytes.Buffer
	newTestLoader().PrintConfigInfo(&buf)
	if !strings.Contains(buf.String(), EnvPrefix) {
		t.Errorf("PrintConfigInfo() output missing env prefix: %s", buf.String())
	}
}
