package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFS     = "fs"
	BackendRedis  = "redis"
	BackendS3     = "s3"
)

// Config selects and configures a backend.
type Config struct {
	Backend        string
	Dir            string
	MemoryCapacity int
	Redis          RedisConfig
	S3             S3Config
}

// Open builds the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	backend := strings.ToLower(cfg.Backend)
	slog.Debug("Opening artifact store", "backend", backend)
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(cfg.MemoryCapacity), nil
	case BackendFS:
		return NewFSStore(cfg.Dir)
	case BackendRedis:
		return NewRedisStore(ctx, cfg.Redis)
	case BackendS3:
		return NewS3Store(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown artifact backend: %s", cfg.Backend)
	}
}
