//nolint:lll
package config

// Config represents the complete configuration for the medvision service.
// It covers the serve and analyze commands and supports loading from
// configuration files, environment variables, and command-line flags.
type Config struct {
	// Global settings
	ModelsDir string `mapstructure:"models_dir" yaml:"models_dir" json:"models_dir"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file" json:"log_file"`
	Verbose   bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// ONNX Runtime
	ONNX ONNXConfig `mapstructure:"onnx" yaml:"onnx" json:"onnx"`

	// Model branches
	Segmentation   SegmentationConfig   `mapstructure:"segmentation" yaml:"segmentation" json:"segmentation"`
	Classification ClassificationConfig `mapstructure:"classification" yaml:"classification" json:"classification"`

	// Server configuration (for serve command)
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`

	// Overlay artifact storage
	Artifacts ArtifactsConfig `mapstructure:"artifacts" yaml:"artifacts" json:"artifacts"`

	// Report storage
	Reports ReportsConfig `mapstructure:"reports" yaml:"reports" json:"reports"`

	// GPU configuration
	GPU GPUConfig `mapstructure:"gpu" yaml:"gpu" json:"gpu"`
}

// ONNXConfig locates the ONNX Runtime shared library.
type ONNXConfig struct {
	LibraryPath string `mapstructure:"library_path" yaml:"library_path" json:"library_path"`
}

// SegmentationConfig contains segmentation branch settings.
type SegmentationConfig struct {
	ModelPath    string  `mapstructure:"model_path" yaml:"model_path" json:"model_path"`
	ImageSize    int     `mapstructure:"image_size" yaml:"image_size" json:"image_size"`
	PatchSize    int     `mapstructure:"patch_size" yaml:"patch_size" json:"patch_size"`
	NumChannels  int     `mapstructure:"num_channels" yaml:"num_channels" json:"num_channels"`
	Threshold    float64 `mapstructure:"threshold" yaml:"threshold" json:"threshold"`
	Alpha        float64 `mapstructure:"alpha" yaml:"alpha" json:"alpha"`
	Layout       string  `mapstructure:"layout" yaml:"layout" json:"layout"`
	ChannelOrder string  `mapstructure:"channel_order" yaml:"channel_order" json:"channel_order"`
	Resample     string  `mapstructure:"resample" yaml:"resample" json:"resample"`
	NumThreads   int     `mapstructure:"num_threads" yaml:"num_threads" json:"num_threads"`
}

// ClassificationConfig contains classification branch settings. An empty
// class list falls back to the model manifest.
type ClassificationConfig struct {
	ModelPath  string    `mapstructure:"model_path" yaml:"model_path" json:"model_path"`
	InputSize  int       `mapstructure:"input_size" yaml:"input_size" json:"input_size"`
	Mean       []float64 `mapstructure:"mean" yaml:"mean" json:"mean"`
	Std        []float64 `mapstructure:"std" yaml:"std" json:"std"`
	Classes    []string  `mapstructure:"classes" yaml:"classes" json:"classes"`
	Resample   string    `mapstructure:"resample" yaml:"resample" json:"resample"`
	NumThreads int       `mapstructure:"num_threads" yaml:"num_threads" json:"num_threads"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string          `mapstructure:"host" yaml:"host" json:"host"`
	Port            int             `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string          `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int             `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec      int             `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout int             `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	EmbedOverlay    bool            `mapstructure:"embed_overlay" yaml:"embed_overlay" json:"embed_overlay"`
	Warmup          bool            `mapstructure:"warmup" yaml:"warmup" json:"warmup"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig contains per-client request limits and daily quotas.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
	Burst             int  `mapstructure:"burst" yaml:"burst" json:"burst"`
	MaxRequestsPerDay int  `mapstructure:"max_requests_per_day" yaml:"max_requests_per_day" json:"max_requests_per_day"`
	MaxDataPerDayMB   int  `mapstructure:"max_data_per_day_mb" yaml:"max_data_per_day_mb" json:"max_data_per_day_mb"`
}

// ArtifactsConfig selects the overlay store backend.
type ArtifactsConfig struct {
	Backend        string      `mapstructure:"backend" yaml:"backend" json:"backend"`
	Dir            string      `mapstructure:"dir" yaml:"dir" json:"dir"`
	MemoryCapacity int         `mapstructure:"memory_capacity" yaml:"memory_capacity" json:"memory_capacity"`
	Redis          RedisConfig `mapstructure:"redis" yaml:"redis" json:"redis"`
	S3             S3Config    `mapstructure:"s3" yaml:"s3" json:"s3"`
}

// RedisConfig contains Redis artifact store settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`
	DB       int    `mapstructure:"db" yaml:"db" json:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix" json:"prefix"`
	TTLSec   int    `mapstructure:"ttl_sec" yaml:"ttl_sec" json:"ttl_sec"`
}

// S3Config contains S3 artifact store settings. Empty credentials use the
// default AWS credential chain.
type S3Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket" json:"bucket"`
	Region          string `mapstructure:"region" yaml:"region" json:"region"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix" json:"prefix"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	ForcePathStyle  bool   `mapstructure:"force_path_style" yaml:"force_path_style" json:"force_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id" json:"-"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key" json:"-"`
}

// ReportsConfig selects the report repository.
type ReportsConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" json:"backend"`
	DSN     string `mapstructure:"dsn" yaml:"dsn" json:"-"`
}

// GPUConfig contains GPU acceleration settings.
type GPUConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Device      int    `mapstructure:"device" yaml:"device" json:"device"`
	MemoryLimit string `mapstructure:"memory_limit" yaml:"memory_limit" json:"memory_limit"`
}
