// Package segmenter runs the tumor segmentation branch: resize, patchify,
// model call, mask postprocessing and overlay compositing.
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/MeKo-Tech/medvision/internal/mask"
	"github.com/MeKo-Tech/medvision/internal/models"
	"github.com/MeKo-Tech/medvision/internal/onnx"
	"github.com/MeKo-Tech/medvision/internal/overlay"
	"github.com/MeKo-Tech/medvision/internal/patch"
	"github.com/MeKo-Tech/medvision/internal/utils"
)

// Model is the opaque segmentation network.
type Model interface {
	Run(ctx context.Context, input onnx.Tensor) (onnx.Tensor, error)
	Close() error
}

// Config controls the segmentation branch.
type Config struct {
	ModelPath    string
	ImageSize    int
	PatchSize    int
	Channels     int
	Threshold    float32
	Alpha        float64
	Layout       string
	ChannelOrder string
	Resample     string
	NumThreads   int
	GPU          onnx.GPUConfig
}

// DefaultConfig returns the training-time preprocessing of the stock model.
func DefaultConfig() Config {
	return Config{
		ModelPath:    models.GetSegmentationModelPath(""),
		ImageSize:    256,
		PatchSize:    16,
		Channels:     3,
		Threshold:    mask.DefaultThreshold,
		Alpha:        overlay.DefaultAlpha,
		Layout:       "hwc",
		ChannelOrder: utils.ChannelOrderBGR,
		Resample:     utils.ResampleHalfPixel,
		NumThreads:   0,
		GPU:          onnx.DefaultGPUConfig(),
	}
}

// UpdateModelPath relocates the model file under modelsDir.
func (c *Config) UpdateModelPath(modelsDir string) {
	filename := filepath.Base(c.ModelPath)
	if filename == "." || filename == "" || filename == "/" {
		filename = models.SegmentationUNETR
	}
	c.ModelPath = models.ResolveModelPath(modelsDir, models.TypeSegmentation, filename)
}

// Validate checks the preprocessing parameters.
func (c Config) Validate() error {
	if _, err := patch.NewTargetShape(c.ImageSize, c.PatchSize, c.Channels); err != nil {
		return err
	}
	if c.Channels != 3 {
		return fmt.Errorf("segmentation expects 3 channels, got %d", c.Channels)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be in [0,1], got %v", c.Threshold)
	}
	if c.Alpha < 0 {
		return fmt.Errorf("alpha must be non-negative, got %v", c.Alpha)
	}
	if _, err := patch.ParseLayout(c.Layout); err != nil {
		return err
	}
	if !utils.ValidChannelOrder(c.ChannelOrder) {
		return fmt.Errorf("unknown channel order: %s", c.ChannelOrder)
	}
	if err := utils.ValidateResample(c.Resample); err != nil {
		return err
	}
	return nil
}

// Result is the output of one segmentation pass.
type Result struct {
	Mask     mask.Mask
	Resized  patch.Image
	Overlay  *image.RGBA
	Coverage float64
	Duration time.Duration
}

// ErrModel marks failures of the model call or its output.
var ErrModel = errors.New("segmentation model failed")

// Segmenter wraps a Model with the fixed pre- and postprocessing.
type Segmenter struct {
	cfg    Config
	model  Model
	target patch.TargetShape
	layout patch.Layout
}

// New builds a Segmenter around an already loaded model.
func New(cfg Config, model Model) (*Segmenter, error) {
	if model == nil {
		return nil, errors.New("segmentation model is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segmentation config: %w", err)
	}
	target, err := patch.NewTargetShape(cfg.ImageSize, cfg.PatchSize, cfg.Channels)
	if err != nil {
		return nil, err
	}
	layout, err := patch.ParseLayout(cfg.Layout)
	if err != nil {
		return nil, err
	}
	return &Segmenter{cfg: cfg, model: model, target: target, layout: layout}, nil
}

// Config returns the segmenter configuration.
func (s *Segmenter) Config() Config { return s.cfg }

// InputShape returns the model input shape [1, N, D].
func (s *Segmenter) InputShape() []int64 { return s.target.Dims() }

// Preprocess resizes img to ImageSize x ImageSize and normalizes it to [0, 1]
// floats in the configured channel order.
func (s *Segmenter) Preprocess(img image.Image) (patch.Image, error) {
	resized, err := utils.Resize(img, s.cfg.ImageSize, s.cfg.ImageSize, s.cfg.Resample)
	if err != nil {
		return patch.Image{}, err
	}
	data, w, h, err := utils.ToFloatHWC(resized, s.cfg.ChannelOrder)
	if err != nil {
		return patch.Image{}, err
	}
	return patch.NewImage(data, h, w, s.cfg.Channels, s.cfg.ChannelOrder)
}

// Segment runs the full branch on img. Preprocessing failures are returned
// as *utils.ImageProcessingError; model failures wrap ErrModel.
func (s *Segmenter) Segment(ctx context.Context, img image.Image) (*Result, error) {
	start := time.Now()

	base, err := s.Preprocess(img)
	if err != nil {
		return nil, err
	}

	patches := patch.Extract(base, s.cfg.PatchSize, s.cfg.PatchSize)
	input, err := patch.Pack(patches, s.target, s.layout)
	if err != nil {
		return nil, fmt.Errorf("failed to pack patches: %w", err)
	}

	output, err := s.model.Run(ctx, input)
	patch.Release(input)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrModel, err)
	}

	raw, err := mask.FromTensor(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModel, err)
	}
	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		lo, hi, mean := onnx.TensorStats(raw.Data)
		slog.Debug("Segmentation output", "width", raw.Width, "height", raw.Height,
			"min", lo, "max", hi, "mean", mean)
	}

	binary, err := mask.Postprocess(raw, s.cfg.ImageSize, s.cfg.Threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModel, err)
	}

	composite, err := overlay.Composite(base, binary, s.cfg.Alpha)
	if err != nil {
		return nil, fmt.Errorf("failed to composite overlay: %w", err)
	}

	return &Result{
		Mask:     binary,
		Resized:  base,
		Overlay:  composite,
		Coverage: mask.Coverage(binary),
		Duration: time.Since(start),
	}, nil
}

// Close releases the underlying model.
func (s *Segmenter) Close() error {
	if s.model == nil {
		return nil
	}
	return s.model.Close()
}
