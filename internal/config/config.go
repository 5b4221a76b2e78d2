package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/medvision/internal/artifact"
	"github.com/MeKo-Tech/medvision/internal/classifier"
	"github.com/MeKo-Tech/medvision/internal/models"
	"github.com/MeKo-Tech/medvision/internal/onnx"
	"github.com/MeKo-Tech/medvision/internal/report"
	"github.com/MeKo-Tech/medvision/internal/segmenter"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	seg := segmenter.DefaultConfig()
	cls := classifier.DefaultConfig()
	return Config{
		ModelsDir: models.DefaultModelsDir,
		LogLevel:  "info",
		Verbose:   false,
		Segmentation: SegmentationConfig{
			ImageSize:    seg.ImageSize,
			PatchSize:    seg.PatchSize,
			NumChannels:  seg.Channels,
			Threshold:    float64(seg.Threshold),
			Alpha:        seg.Alpha,
			Layout:       seg.Layout,
			ChannelOrder: seg.ChannelOrder,
			Resample:     seg.Resample,
			NumThreads:   seg.NumThreads,
		},
		Classification: ClassificationConfig{
			InputSize:  cls.InputSize,
			Mean:       toFloat64s(cls.Mean),
			Std:        toFloat64s(cls.Std),
			Resample:   cls.Resample,
			NumThreads: cls.NumThreads,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			CORSOrigin:      "*",
			MaxUploadMB:     20,
			TimeoutSec:      30,
			ShutdownTimeout: 10,
			EmbedOverlay:    false,
			Warmup:          true,
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerMinute: 60,
				Burst:             10,
				MaxRequestsPerDay: 0,
				MaxDataPerDayMB:   0,
			},
		},
		Artifacts: ArtifactsConfig{
			Backend:        artifact.BackendMemory,
			Dir:            "artifacts",
			MemoryCapacity: 256,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "medvision:overlay:",
				TTLSec: 86400,
			},
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "overlays",
			},
		},
		Reports: ReportsConfig{
			Backend: report.BackendMemory,
		},
		GPU: GPUConfig{
			Enabled:     false,
			Device:      0,
			MemoryLimit: "auto",
		},
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if err := validateThreshold(c.Segmentation.Threshold, "segmentation.threshold"); err != nil {
		return err
	}
	if err := validateThreshold(c.Segmentation.Alpha, "segmentation.alpha"); err != nil {
		return err
	}
	if err := c.ToSegmenterConfig().Validate(); err != nil {
		return fmt.Errorf("invalid segmentation config: %w", err)
	}

	if len(c.Classification.Mean) != 3 || len(c.Classification.Std) != 3 {
		return errors.New("classification.mean and classification.std need exactly 3 values")
	}
	if err := c.ToClassifierConfig(nil).Validate(); err != nil {
		return fmt.Errorf("invalid classification config: %w", err)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Server.MaxUploadMB)
	}
	if c.Server.TimeoutSec <= 0 {
		return fmt.Errorf("invalid timeout: %d (must be positive)", c.Server.TimeoutSec)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %d (must not be negative)", c.Server.ShutdownTimeout)
	}
	if rl := c.Server.RateLimit; rl.Enabled && rl.RequestsPerMinute <= 0 {
		return fmt.Errorf("invalid rate limit: %d requests per minute (must be positive)", rl.RequestsPerMinute)
	}

	validBackends := []string{artifact.BackendMemory, artifact.BackendFS, artifact.BackendRedis, artifact.BackendS3}
	if !contains(validBackends, c.Artifacts.Backend) {
		return fmt.Errorf("invalid artifact backend: %s (must be one of: %s)", c.Artifacts.Backend, strings.Join(validBackends, ", "))
	}
	switch c.Artifacts.Backend {
	case artifact.BackendFS:
		if c.Artifacts.Dir == "" {
			return errors.New("artifacts.dir is required for the fs backend")
		}
	case artifact.BackendRedis:
		if c.Artifacts.Redis.Addr == "" {
			return errors.New("artifacts.redis.addr is required for the redis backend")
		}
	case artifact.BackendS3:
		if c.Artifacts.S3.Bucket == "" {
			return errors.New("artifacts.s3.bucket is required for the s3 backend")
		}
	}

	validReportBackends := []string{report.BackendMemory, report.BackendPostgres}
	if !contains(validReportBackends, c.Reports.Backend) {
		return fmt.Errorf("invalid reports backend: %s (must be one of: %s)", c.Reports.Backend, strings.Join(validReportBackends, ", "))
	}
	if c.Reports.Backend == report.BackendPostgres && c.Reports.DSN == "" {
		return errors.New("reports.dsn is required for the postgres backend")
	}

	if c.GPU.MemoryLimit != "auto" && c.GPU.MemoryLimit != "" {
		if err := validateMemoryLimit(c.GPU.MemoryLimit); err != nil {
			return fmt.Errorf("invalid GPU memory limit: %w", err)
		}
	}

	return nil
}

// ToGPUConfig converts the GPU section to onnx.GPUConfig.
func (c *Config) ToGPUConfig() onnx.GPUConfig {
	cfg := onnx.DefaultGPUConfig()
	cfg.UseGPU = c.GPU.Enabled
	cfg.DeviceID = c.GPU.Device
	if limit, err := parseMemoryLimit(c.GPU.MemoryLimit); err == nil {
		cfg.GPUMemLimit = limit
	}
	return cfg
}

// ToSegmenterConfig converts to segmenter.Config, resolving the model path
// under ModelsDir unless an explicit path is set.
func (c *Config) ToSegmenterConfig() segmenter.Config {
	cfg := segmenter.DefaultConfig()
	cfg.UpdateModelPath(c.ModelsDir)
	if c.Segmentation.ModelPath != "" {
		cfg.ModelPath = c.Segmentation.ModelPath
	}
	cfg.ImageSize = c.Segmentation.ImageSize
	cfg.PatchSize = c.Segmentation.PatchSize
	cfg.Channels = c.Segmentation.NumChannels
	cfg.Threshold = float32(c.Segmentation.Threshold)
	cfg.Alpha = c.Segmentation.Alpha
	cfg.Layout = c.Segmentation.Layout
	cfg.ChannelOrder = c.Segmentation.ChannelOrder
	cfg.Resample = c.Segmentation.Resample
	cfg.NumThreads = c.Segmentation.NumThreads
	cfg.GPU = c.ToGPUConfig()
	return cfg
}

// ToClassifierConfig converts to classifier.Config. Classes come from the
// config when set, then from the manifest, then from the built-in defaults.
func (c *Config) ToClassifierConfig(manifest *models.Manifest) classifier.Config {
	cfg := classifier.DefaultConfig()
	cfg.UpdateModelPath(c.ModelsDir)
	if c.Classification.ModelPath != "" {
		cfg.ModelPath = c.Classification.ModelPath
	}
	cfg.InputSize = c.Classification.InputSize
	if len(c.Classification.Mean) == 3 {
		cfg.Mean = toFloat32x3(c.Classification.Mean)
	}
	if len(c.Classification.Std) == 3 {
		cfg.Std = toFloat32x3(c.Classification.Std)
	}
	switch {
	case len(c.Classification.Classes) > 0:
		cfg.Classes = append([]string(nil), c.Classification.Classes...)
	case manifest != nil && len(manifest.Classification.Classes) > 0:
		cfg.Classes = append([]string(nil), manifest.Classification.Classes...)
	}
	cfg.Resample = c.Classification.Resample
	cfg.NumThreads = c.Classification.NumThreads
	cfg.GPU = c.ToGPUConfig()
	return cfg
}

// ToArtifactConfig converts to artifact.Config.
func (c *Config) ToArtifactConfig() artifact.Config {
	a := c.Artifacts
	return artifact.Config{
		Backend:        a.Backend,
		Dir:            a.Dir,
		MemoryCapacity: a.MemoryCapacity,
		Redis: artifact.RedisConfig{
			Addr:     a.Redis.Addr,
			Password: a.Redis.Password,
			DB:       a.Redis.DB,
			Prefix:   a.Redis.Prefix,
			TTL:      time.Duration(a.Redis.TTLSec) * time.Second,
		},
		S3: artifact.S3Config{
			Bucket:          a.S3.Bucket,
			Region:          a.S3.Region,
			Prefix:          a.S3.Prefix,
			Endpoint:        a.S3.Endpoint,
			ForcePathStyle:  a.S3.ForcePathStyle,
			AccessKeyID:     a.S3.AccessKeyID,
			SecretAccessKey: a.S3.SecretAccessKey,
		},
	}
}

// ToReportConfig converts to report.Config.
func (c *Config) ToReportConfig() report.Config {
	return report.Config{Backend: c.Reports.Backend, DSN: c.Reports.DSN}
}

// Helper functions

// contains checks if a slice contains a string.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// validateThreshold validates that a value is between 0.0 and 1.0.
func validateThreshold(value float64, name string) error {
	if value < 0.0 || value > 1.0 {
		return fmt.Errorf("invalid %s: %.2f (must be between 0.0 and 1.0)", name, value)
	}
	return nil
}

var memoryUnits = []struct {
	suffix string
	scale  float64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// validateMemoryLimit validates GPU memory limit format (e.g., "1GB", "512MB").
func validateMemoryLimit(limit string) error {
	_, err := parseMemoryLimit(limit)
	return err
}

// parseMemoryLimit converts a limit like "512MB" to bytes. "auto" and ""
// mean unlimited.
func parseMemoryLimit(limit string) (uint64, error) {
	if limit == "" || limit == "auto" {
		return 0, nil
	}
	upper := strings.ToUpper(strings.TrimSpace(limit))
	for _, u := range memoryUnits {
		if !strings.HasSuffix(upper, u.suffix) {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSuffix(upper, u.suffix), 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid number in memory limit: %s", limit)
		}
		return uint64(n * u.scale), nil
	}
	return 0, errors.New("memory limit must end with one of: B, KB, MB, GB")
}

func toFloat64s(v [3]float32) []float64 {
	return []float64{float64(v[0]), float64(v[1]), float64(v[2])}
}

func toFloat32x3(v []float64) [3]float32 {
	return [3]float32{float32(v[0]), float32(v[1]), float32(v[2])}
}
