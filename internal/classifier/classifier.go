// Package classifier runs the tumor classification branch: resize, ImageNet
// normalization, model call and softmax over the class logits.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"time"

	"github.com/MeKo-Tech/medvision/internal/mempool"
	"github.com/MeKo-Tech/medvision/internal/models"
	"github.com/MeKo-Tech/medvision/internal/onnx"
	"github.com/MeKo-Tech/medvision/internal/utils"
)

// Model is the opaque classification network.
type Model interface {
	Run(ctx context.Context, input onnx.Tensor) (onnx.Tensor, error)
	Close() error
}

// ImageNet normalization statistics.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Config controls the classification branch.
type Config struct {
	ModelPath  string
	InputSize  int
	Mean       [3]float32
	Std        [3]float32
	Classes    []string
	Resample   string
	NumThreads int
	GPU        onnx.GPUConfig
}

// DefaultConfig returns the training-time preprocessing of the stock model.
func DefaultConfig() Config {
	return Config{
		ModelPath:  models.GetClassificationModelPath(""),
		InputSize:  224,
		Mean:       ImageNetMean,
		Std:        ImageNetStd,
		Classes:    append([]string(nil), models.DefaultClasses...),
		Resample:   "linear",
		NumThreads: 0,
		GPU:        onnx.DefaultGPUConfig(),
	}
}

// UpdateModelPath relocates the model file under modelsDir.
func (c *Config) UpdateModelPath(modelsDir string) {
	filename := filepath.Base(c.ModelPath)
	if filename == "." || filename == "" || filename == "/" {
		filename = models.ClassificationViT
	}
	c.ModelPath = models.ResolveModelPath(modelsDir, models.TypeClassification, filename)
}

// Validate checks the preprocessing parameters and class list.
func (c Config) Validate() error {
	if c.InputSize <= 0 {
		return fmt.Errorf("input size must be positive, got %d", c.InputSize)
	}
	if len(c.Classes) == 0 {
		return errors.New("at least one class is required")
	}
	for i, s := range c.Std {
		if s == 0 {
			return fmt.Errorf("std[%d] is zero", i)
		}
	}
	if err := utils.ValidateResample(c.Resample); err != nil {
		return err
	}
	return nil
}

// Result is the top class plus the full distribution. Confidence and
// Probabilities are rounded to four decimals; Scores holds the unrounded
// softmax output in class order.
type Result struct {
	Label         string
	Index         int
	Confidence    float64
	Probabilities map[string]float64
	Scores        []float64
	Duration      time.Duration
}

// ErrModel marks failures of the model call or its output.
var ErrModel = errors.New("classification model failed")

// Classifier wraps a Model with the fixed pre- and postprocessing.
type Classifier struct {
	cfg   Config
	model Model
}

// New builds a Classifier around an already loaded model.
func New(cfg Config, model Model) (*Classifier, error) {
	if model == nil {
		return nil, errors.New("classification model is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid classification config: %w", err)
	}
	cfg.Classes = append([]string(nil), cfg.Classes...)
	return &Classifier{cfg: cfg, model: model}, nil
}

// Config returns the classifier configuration.
func (c *Classifier) Config() Config { return c.cfg }

// Classes returns the class labels in model output order.
func (c *Classifier) Classes() []string { return append([]string(nil), c.cfg.Classes...) }

// InputShape returns the model input shape [1, 3, S, S].
func (c *Classifier) InputShape() []int64 {
	s := int64(c.cfg.InputSize)
	return []int64{1, 3, s, s}
}

// Preprocess resizes img to InputSize x InputSize and returns the normalized
// NCHW tensor. The tensor buffer is pooled; release it with
// mempool.PutFloat32 after use.
func (c *Classifier) Preprocess(img image.Image) (onnx.Tensor, error) {
	resized, err := utils.Resize(img, c.cfg.InputSize, c.cfg.InputSize, c.cfg.Resample)
	if err != nil {
		return onnx.Tensor{}, err
	}
	data, w, h, err := utils.NormalizeNCHW(resized, c.cfg.Mean, c.cfg.Std)
	if err != nil {
		return onnx.Tensor{}, err
	}
	tensor, err := onnx.NewImageTensor(data, 3, h, w)
	if err != nil {
		mempool.PutFloat32(data)
		return onnx.Tensor{}, err
	}
	return tensor, nil
}

// Classify runs the full branch on img. Preprocessing failures are returned
// as *utils.ImageProcessingError; model failures wrap ErrModel.
func (c *Classifier) Classify(ctx context.Context, img image.Image) (*Result, error) {
	start := time.Now()

	input, err := c.Preprocess(img)
	if err != nil {
		return nil, err
	}

	output, err := c.model.Run(ctx, input)
	mempool.PutFloat32(input.Data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrModel, err)
	}

	res, err := c.decode(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModel, err)
	}
	res.Duration = time.Since(start)
	return res, nil
}

// decode turns the logits of the first batch element into a Result.
func (c *Classifier) decode(output onnx.Tensor) (*Result, error) {
	if err := onnx.Verify(output); err != nil {
		return nil, fmt.Errorf("invalid output tensor: %w", err)
	}
	n := len(c.cfg.Classes)
	width := int(output.Shape[len(output.Shape)-1])
	if width != n || len(output.Data) < n {
		return nil, fmt.Errorf("model produced %d logits for %d classes", width, n)
	}
	logits := output.Data[:n]
	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("logit %d is not finite", i)
		}
	}

	probs := Softmax(logits)
	idx := Argmax(probs)
	res := &Result{
		Label:         c.cfg.Classes[idx],
		Index:         idx,
		Confidence:    Round4(probs[idx]),
		Probabilities: make(map[string]float64, n),
		Scores:        probs,
	}
	for i, name := range c.cfg.Classes {
		res.Probabilities[name] = Round4(probs[i])
	}
	return res, nil
}

// Close releases the underlying model.
func (c *Classifier) Close() error {
	if c.model == nil {
		return nil
	}
	return c.model.Close()
}

// Softmax converts logits to probabilities, subtracting the maximum first.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}

	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}

	var sum float64
	probs := make([]float64, len(logits))
	for i, v := range logits {
		e := math.Exp(float64(v - maxLogit))
		probs[i] = e
		sum += e
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// Argmax returns the index of the largest value, the first on ties, or -1
// for an empty slice.
func Argmax(values []float64) int {
	if len(values) == 0 {
		return -1
	}

	maxIdx := 0
	maxVal := values[0]
	for i, v := range values[1:] {
		if v > maxVal {
			maxVal = v
			maxIdx = i + 1
		}
	}
	return maxIdx
}

// Round4 rounds to four decimal places.
func Round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
