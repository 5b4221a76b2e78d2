package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "medvision"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "MEDVISION"

	// DefaultEnvFile is the dotenv file read from the working directory.
	DefaultEnvFile = ".env"
)

// Loader handles loading configuration from various sources.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader on the global viper instance so cobra flag
// bindings are visible.
func NewLoader() *Loader {
	return &Loader{v: viper.GetViper()}
}

// NewLoaderWithViper creates a loader on a caller-owned viper instance.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v}
}

// LoadDotEnv reads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{DefaultEnvFile}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("error reading env file %s: %w", p, err)
		}
		slog.Debug("Loaded env file", "path", p)
	}
	return nil
}

// Load loads configuration from files, environment variables, and defaults,
// then validates it.
func (l *Loader) Load() (*Config, error) {
	return l.load("", true)
}

// LoadWithoutValidation is Load without the validation step.
func (l *Loader) LoadWithoutValidation() (*Config, error) {
	return l.load("", false)
}

// LoadWithFile loads configuration from a specific file path. An empty path
// searches the standard locations.
func (l *Loader) LoadWithFile(configFile string) (*Config, error) {
	return l.load(configFile, true)
}

// LoadWithFileWithoutValidation loads configuration from a specific file path without validation.
func (l *Loader) LoadWithFileWithoutValidation(configFile string) (*Config, error) {
	return l.load(configFile, false)
}

func (l *Loader) load(configFile string, validate bool) (*Config, error) {
	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", configFile)
		}
		l.v.SetConfigFile(configFile)
	} else {
		l.v.SetConfigName(ConfigFileName)
		l.v.SetConfigType("yaml")
		l.addConfigPaths()
	}

	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if validate {
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}
	return &config, nil
}

// Get returns a value from the configuration.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// GetString returns a string value from the configuration.
func (l *Loader) GetString(key string) string {
	return l.v.GetString(key)
}

// Set sets a value in the configuration.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// GetConfigFileUsed returns the path of the config file used.
func (l *Loader) GetConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// GetViper returns the underlying viper instance for advanced usage.
func (l *Loader) GetViper() *viper.Viper {
	return l.v
}

// addConfigPaths adds the standard configuration search paths.
func (l *Loader) addConfigPaths() {
	for _, p := range GetConfigSearchPaths() {
		l.v.AddConfigPath(p)
	}
}

// setupEnvironmentVariables configures environment variable handling.
func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.AutomaticEnv()
	// server.max_upload_mb -> MEDVISION_SERVER_MAX_UPLOAD_MB
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// setDefaults sets default values for all configuration options.
func (l *Loader) setDefaults() {
	d := DefaultConfig()

	l.v.SetDefault("models_dir", d.ModelsDir)
	l.v.SetDefault("log_level", d.LogLevel)
	l.v.SetDefault("log_file", d.LogFile)
	l.v.SetDefault("verbose", d.Verbose)
	l.v.SetDefault("onnx.library_path", d.ONNX.LibraryPath)

	l.v.SetDefault("segmentation.model_path", d.Segmentation.ModelPath)
	l.v.SetDefault("segmentation.image_size", d.Segmentation.ImageSize)
	l.v.SetDefault("segmentation.patch_size", d.Segmentation.PatchSize)
	l.v.SetDefault("segmentation.num_channels", d.Segmentation.NumChannels)
	l.v.SetDefault("segmentation.threshold", d.Segmentation.Threshold)
	l.v.SetDefault("segmentation.alpha", d.Segmentation.Alpha)
	l.v.SetDefault("segmentation.layout", d.Segmentation.Layout)
	l.v.SetDefault("segmentation.channel_order", d.Segmentation.ChannelOrder)
	l.v.SetDefault("segmentation.resample", d.Segmentation.Resample)
	l.v.SetDefault("segmentation.num_threads", d.Segmentation.NumThreads)

	l.v.SetDefault("classification.model_path", d.Classification.ModelPath)
	l.v.SetDefault("classification.input_size", d.Classification.InputSize)
	l.v.SetDefault("classification.mean", d.Classification.Mean)
	l.v.SetDefault("classification.std", d.Classification.Std)
	l.v.SetDefault("classification.classes", d.Classification.Classes)
	l.v.SetDefault("classification.resample", d.Classification.Resample)
	l.v.SetDefault("classification.num_threads", d.Classification.NumThreads)

	l.v.SetDefault("server.host", d.Server.Host)
	l.v.SetDefault("server.port", d.Server.Port)
	l.v.SetDefault("server.cors_origin", d.Server.CORSOrigin)
	l.v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)
	l.v.SetDefault("server.timeout_sec", d.Server.TimeoutSec)
	l.v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	l.v.SetDefault("server.embed_overlay", d.Server.EmbedOverlay)
	l.v.SetDefault("server.warmup", d.Server.Warmup)
	l.v.SetDefault("server.rate_limit.enabled", d.Server.RateLimit.Enabled)
	l.v.SetDefault("server.rate_limit.requests_per_minute", d.Server.RateLimit.RequestsPerMinute)
	l.v.SetDefault("server.rate_limit.burst", d.Server.RateLimit.Burst)
	l.v.SetDefault("server.rate_limit.max_requests_per_day", d.Server.RateLimit.MaxRequestsPerDay)
	l.v.SetDefault("server.rate_limit.max_data_per_day_mb", d.Server.RateLimit.MaxDataPerDayMB)

	l.v.SetDefault("artifacts.backend", d.Artifacts.Backend)
	l.v.SetDefault("artifacts.dir", d.Artifacts.Dir)
	l.v.SetDefault("artifacts.memory_capacity", d.Artifacts.MemoryCapacity)
	l.v.SetDefault("artifacts.redis.addr", d.Artifacts.Redis.Addr)
	l.v.SetDefault("artifacts.redis.password", d.Artifacts.Redis.Password)
	l.v.SetDefault("artifacts.redis.db", d.Artifacts.Redis.DB)
	l.v.SetDefault("artifacts.redis.prefix", d.Artifacts.Redis.Prefix)
	l.v.SetDefault("artifacts.redis.ttl_sec", d.Artifacts.Redis.TTLSec)
	l.v.SetDefault("artifacts.s3.bucket", d.Artifacts.S3.Bucket)
	l.v.SetDefault("artifacts.s3.region", d.Artifacts.S3.Region)
	l.v.SetDefault("artifacts.s3.prefix", d.Artifacts.S3.Prefix)
	l.v.SetDefault("artifacts.s3.endpoint", d.Artifacts.S3.Endpoint)
	l.v.SetDefault("artifacts.s3.force_path_style", d.Artifacts.S3.ForcePathStyle)
	l.v.SetDefault("artifacts.s3.access_key_id", d.Artifacts.S3.AccessKeyID)
	l.v.SetDefault("artifacts.s3.secret_access_key", d.Artifacts.S3.SecretAccessKey)

	l.v.SetDefault("reports.backend", d.Reports.Backend)
	l.v.SetDefault("reports.dsn", d.Reports.DSN)

	l.v.SetDefault("gpu.enabled", d.GPU.Enabled)
	l.v.SetDefault("gpu.device", d.GPU.Device)
	l.v.SetDefault("gpu.memory_limit", d.GPU.MemoryLimit)
}

// GetResolvedConfig returns the current resolved configuration for debugging.
func (l *Loader) GetResolvedConfig() map[string]interface{} {
	return l.v.AllSettings()
}

// WriteConfigToFile writes the current configuration to a file.
func (l *Loader) WriteConfigToFile(filename string) error {
	return l.v.WriteConfigAs(filename)
}

// GenerateDefaultConfigFile writes a configuration file holding only the
// defaults.
func GenerateDefaultConfigFile(filename string) error {
	loader := NewLoaderWithViper(viper.New())
	loader.setDefaults()

	if filename == "" {
		filename = ConfigFileName + ".yaml"
	}

	return loader.WriteConfigToFile(filename)
}

// GetConfigSearchPaths returns the paths where configuration files are searched.
func GetConfigSearchPaths() []string {
	paths := []string{"."}

	home, homeErr := os.UserHomeDir()
	if homeErr == nil {
		paths = append(paths, home)
	}

	if configDir, exists := os.LookupEnv("XDG_CONFIG_HOME"); exists {
		paths = append(paths, filepath.Join(configDir, ConfigFileName))
	} else if homeErr == nil {
		paths = append(paths, filepath.Join(home, ".config", ConfigFileName))
	}

	paths = append(paths, filepath.Join("/etc", ConfigFileName))

	return paths
}

// PrintConfigInfo prints information about configuration loading for debugging.
func (l *Loader) PrintConfigInfo(w io.Writer) {
	_, _ = fmt.Fprintf(w, "Configuration file used: %s\n", l.GetConfigFileUsed())
	_, _ = fmt.Fprintf(w, "Configuration search paths: %v\n", GetConfigSearchPaths())
	_, _ = fmt.Fprintf(w, "Environment prefix: %s\n", EnvPrefix)
}
