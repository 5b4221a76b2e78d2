package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MeKo-Tech/medvision/internal/artifact"
	"github.com/MeKo-Tech/medvision/internal/config"
	"github.com/MeKo-Tech/medvision/internal/inference"
	"github.com/MeKo-Tech/medvision/internal/report"
	"github.com/MeKo-Tech/medvision/internal/server"
	"github.com/spf13/cobra"
)

// Idle rate-limit clients are dropped on this interval.
const rateLimitPruneInterval = 10 * time.Minute

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for tumor analysis",
	Long: `Start an HTTP server that provides REST and WebSocket endpoints for tumor
segmentation, classification and patient reports.

The server provides the following endpoints:
  POST  /predict            - Analyze an uploaded scan
  GET   /mask               - Overlay of the most recent analysis
  GET   /mask/{id}          - Overlay of a given analysis
  POST  /reports            - Analyze a scan and store a patient report
  GET   /reports            - List reports
  GET   /reports/{id}       - Fetch a report
  PATCH /reports/{id}       - Add doctor notes or change status
  GET   /reports/{id}/pdf   - Download a report as PDF
  GET   /ws/analyze         - Stream scans over a WebSocket
  GET   /health             - Health check endpoint
  GET   /models             - List loaded models
  GET   /metrics            - Prometheus metrics

Examples:
  medvision serve
  medvision serve --port 8080
  medvision serve --host 0.0.0.0 --artifact-backend fs --artifact-dir /var/lib/medvision`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		applyServeFlags(cmd, cfg)

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, err := artifact.Open(ctx, cfg.ToArtifactConfig())
		if err != nil {
			return fmt.Errorf("failed to open artifact store: %w", err)
		}

		reports, err := report.Open(ctx, cfg.ToReportConfig())
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("failed to open report repository: %w", err)
		}

		p, err := buildPipeline(cfg, store, inference.WithObserver(server.NewObserver()))
		if err != nil {
			_ = reports.Close()
			_ = store.Close()
			return err
		}
		defer func() { _ = p.Close() }()

		if cfg.Server.Warmup {
			start := time.Now()
			if err := p.svc.Warmup(ctx, cfg.Segmentation.ImageSize); err != nil {
				slog.Warn("Model warmup failed", "error", err)
			} else {
				slog.Info("Models warmed up", "duration", time.Since(start).String())
			}
		}

		srv, err := server.NewServer(toServerConfig(cfg), p.svc, reports)
		if err != nil {
			_ = reports.Close()
			_ = store.Close()
			return fmt.Errorf("failed to initialize server: %w", err)
		}

		timeout := time.Duration(cfg.Server.TimeoutSec) * time.Second
		httpServer := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       timeout,
			WriteTimeout:      timeout + 5*time.Second,
		}

		if rl := srv.RateLimiter(); rl != nil {
			go pruneRateLimiter(ctx, rl)
		}

		go func() {
			slog.Info("Starting medvision server",
				"host", cfg.Server.Host,
				"port", cfg.Server.Port,
				"artifacts", cfg.Artifacts.Backend,
				"reports", cfg.Reports.Backend)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server error", "error", err)
				cancel()
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			slog.Info("Received shutdown signal", "signal", sig.String())
		case <-ctx.Done():
			slog.Info("Context cancelled, initiating shutdown")
		}

		shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
		slog.Info("Starting graceful shutdown", "timeout", shutdownTimeout.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server shutdown completed")
		}

		if err := srv.Close(); err != nil {
			slog.Error("Server cleanup error", "error", err)
		}

		slog.Info("Graceful shutdown completed")
		return nil
	},
}

// applyServeFlags copies explicitly set flags over the loaded configuration.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Server.Host, _ = f.GetString("host")
	}
	if f.Changed("port") {
		cfg.Server.Port, _ = f.GetInt("port")
	}
	if f.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = f.GetString("cors-origin")
	}
	if f.Changed("max-upload-size") {
		cfg.Server.MaxUploadMB, _ = f.GetInt("max-upload-size")
	}
	if f.Changed("timeout") {
		cfg.Server.TimeoutSec, _ = f.GetInt("timeout")
	}
	if f.Changed("shutdown-timeout") {
		cfg.Server.ShutdownTimeout, _ = f.GetInt("shutdown-timeout")
	}
	if f.Changed("embed-overlay") {
		cfg.Server.EmbedOverlay, _ = f.GetBool("embed-overlay")
	}
	if f.Changed("warmup") {
		cfg.Server.Warmup, _ = f.GetBool("warmup")
	}
	if f.Changed("seg-model") {
		cfg.Segmentation.ModelPath, _ = f.GetString("seg-model")
	}
	if f.Changed("cls-model") {
		cfg.Classification.ModelPath, _ = f.GetString("cls-model")
	}
	if f.Changed("artifact-backend") {
		cfg.Artifacts.Backend, _ = f.GetString("artifact-backend")
	}
	if f.Changed("artifact-dir") {
		cfg.Artifacts.Dir, _ = f.GetString("artifact-dir")
	}
	if f.Changed("reports-backend") {
		cfg.Reports.Backend, _ = f.GetString("reports-backend")
	}
	if f.Changed("rate-limit-enabled") {
		cfg.Server.RateLimit.Enabled, _ = f.GetBool("rate-limit-enabled")
	}
	if f.Changed("requests-per-minute") {
		cfg.Server.RateLimit.RequestsPerMinute, _ = f.GetInt("requests-per-minute")
	}
	if f.Changed("rate-limit-burst") {
		cfg.Server.RateLimit.Burst, _ = f.GetInt("rate-limit-burst")
	}
	if f.Changed("max-requests-per-day") {
		cfg.Server.RateLimit.MaxRequestsPerDay, _ = f.GetInt("max-requests-per-day")
	}
	if f.Changed("max-data-per-day") {
		cfg.Server.RateLimit.MaxDataPerDayMB, _ = f.GetInt("max-data-per-day")
	}
}

func toServerConfig(cfg *config.Config) server.Config {
	rl := cfg.Server.RateLimit
	return server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		CORSOrigin:   cfg.Server.CORSOrigin,
		MaxUploadMB:  int64(cfg.Server.MaxUploadMB),
		TimeoutSec:   cfg.Server.TimeoutSec,
		EmbedOverlay: cfg.Server.EmbedOverlay,
		ModelsDir:    cfg.ModelsDir,
		RateLimit: server.RateLimitConfig{
			Enabled:           rl.Enabled,
			RequestsPerMinute: rl.RequestsPerMinute,
			Burst:             rl.Burst,
			MaxRequestsPerDay: rl.MaxRequestsPerDay,
			MaxDataPerDay:     int64(rl.MaxDataPerDayMB) << 20,
		},
	}
}

func pruneRateLimiter(ctx context.Context, rl *server.RateLimiter) {
	ticker := time.NewTicker(rateLimitPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rl.Prune(time.Hour); n > 0 {
				slog.Debug("Pruned idle rate limit clients", "count", n)
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origin")
	serveCmd.Flags().Int("max-upload-size", 20, "maximum upload size in MB")
	serveCmd.Flags().Int("timeout", 30, "request timeout in seconds")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	serveCmd.Flags().Bool("embed-overlay", false, "embed the overlay PNG in /predict responses by default")
	serveCmd.Flags().Bool("warmup", true, "run both models once before accepting requests")
	// Model flags
	serveCmd.Flags().String("seg-model", "", "override segmentation model path")
	serveCmd.Flags().String("cls-model", "", "override classification model path")
	// Storage flags
	serveCmd.Flags().String("artifact-backend", artifact.BackendMemory, "overlay store backend: memory, fs, redis or s3")
	serveCmd.Flags().String("artifact-dir", "artifacts", "overlay directory for the fs backend")
	serveCmd.Flags().String("reports-backend", report.BackendMemory, "report repository backend: memory or postgres")
	// Rate limiting flags
	serveCmd.Flags().Bool("rate-limit-enabled", false, "enable rate limiting")
	serveCmd.Flags().Int("requests-per-minute", 60, "maximum requests per minute per client")
	serveCmd.Flags().Int("rate-limit-burst", 10, "requests a client may issue at once")
	serveCmd.Flags().Int("max-requests-per-day", 0, "maximum requests per day per client (0 = unlimited)")
	serveCmd.Flags().Int("max-data-per-day", 0, "maximum upload volume per day per client in MB (0 = unlimited)")
}
