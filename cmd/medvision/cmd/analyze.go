package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/MeKo-Tech/medvision/internal/classifier"
	"github.com/MeKo-Tech/medvision/internal/inference"
	"github.com/MeKo-Tech/medvision/internal/utils"
	"github.com/spf13/cobra"
)

const (
	outputFormatJSON = "json"
	outputFormatText = "text"
)

// analyzeResult is the per-file output of the analyze command.
type analyzeResult struct {
	File          string             `json:"file"`
	AnalysisID    string             `json:"analysis_id,omitempty"`
	Label         string             `json:"label,omitempty"`
	Confidence    float64            `json:"confidence,omitempty"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
	Coverage      float64            `json:"coverage"`
	OverlayPath   string             `json:"overlay_path,omitempty"`
	DurationMs    int64              `json:"duration_ms"`
	Error         string             `json:"error,omitempty"`
}

// analyzeCmd represents the analyze command.
var analyzeCmd = &cobra.Command{
	Use:   "analyze <image>...",
	Short: "Analyze scans locally",
	Long: `Run segmentation and classification on one or more image files without
starting a server.

Supported formats: JPEG, PNG, BMP, TIFF, WebP

Examples:
  medvision analyze scan.png
  medvision analyze scans/*.png --format json
  medvision analyze scan.jpg --overlay-dir overlays`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if format != outputFormatJSON && format != outputFormatText {
			return fmt.Errorf("invalid output format: %s (must be one of: %s, %s)", format, outputFormatText, outputFormatJSON)
		}
		overlayDir, _ := cmd.Flags().GetString("overlay-dir")
		if overlayDir != "" {
			if err := os.MkdirAll(overlayDir, 0o750); err != nil {
				return fmt.Errorf("failed to create overlay directory: %w", err)
			}
		}

		cfg := GetConfig()
		if cmd.Flags().Changed("seg-model") {
			cfg.Segmentation.ModelPath, _ = cmd.Flags().GetString("seg-model")
		}
		if cmd.Flags().Changed("cls-model") {
			cfg.Classification.ModelPath, _ = cmd.Flags().GetString("cls-model")
		}

		p, err := buildPipeline(cfg, nil)
		if err != nil {
			return err
		}
		defer func() { _ = p.Close() }()

		results := make([]analyzeResult, 0, len(args))
		failed := 0
		for _, path := range args {
			res := analyzeFile(cmd.Context(), p.svc, path, overlayDir)
			if res.Error != "" {
				failed++
			}
			results = append(results, res)
		}

		if err := writeResults(cmd.OutOrStdout(), format, results, p.cls.Classes()); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d image(s) failed", failed, len(args))
		}
		return nil
	},
}

func analyzeFile(ctx context.Context, svc *inference.Service, path, overlayDir string) analyzeResult {
	res := analyzeResult{File: path}
	if !utils.IsSupportedImage(path) {
		res.Error = "unsupported image format"
		return res
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: paths come from the command line
	if err != nil {
		res.Error = err.Error()
		return res
	}

	a, err := svc.Analyze(ctx, data)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.AnalysisID = a.ID
	res.Label = a.Classification.Label
	res.Confidence = a.Classification.Confidence
	res.Probabilities = a.Classification.Probabilities
	res.Coverage = classifier.Round4(a.Segmentation.Coverage)
	res.DurationMs = a.Timing.Total.Milliseconds()

	if overlayDir != "" {
		out := filepath.Join(overlayDir, a.ID+".png")
		if err := os.WriteFile(out, a.OverlayPNG, 0o600); err != nil {
			res.Error = fmt.Sprintf("failed to write overlay: %v", err)
			return res
		}
		res.OverlayPath = out
	}
	return res
}

func writeResults(w io.Writer, format string, results []analyzeResult, classes []string) error {
	if format == outputFormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	var b strings.Builder
	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(&b, "%s: error: %s\n", r.File, r.Error)
			continue
		}
		fmt.Fprintf(&b, "%s: %s (%.2f%%), tumor coverage %.2f%%, %dms\n",
			r.File, r.Label, r.Confidence*100, r.Coverage*100, r.DurationMs)
		for _, c := range classes {
			fmt.Fprintf(&b, "  %-12s %.4f\n", c, r.Probabilities[c])
		}
		if r.OverlayPath != "" {
			fmt.Fprintf(&b, "  overlay: %s\n", r.OverlayPath)
		}
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().StringP("format", "f", outputFormatText, "output format (text, json)")
	analyzeCmd.Flags().String("overlay-dir", "", "write overlay PNGs to this directory")
	analyzeCmd.Flags().String("seg-model", "", "override segmentation model path")
	analyzeCmd.Flags().String("cls-model", "", "override classification model path")
}
