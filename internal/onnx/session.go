package onnx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/yalue/onnxruntime_go"
)

// SessionConfig describes one model session.
type SessionConfig struct {
	ModelPath   string
	LibraryPath string
	NumThreads  int
	InputRank   int // expected input rank, 0 accepts any
	GPU         GPUConfig
}

// Session wraps a single-input, single-output ONNX Runtime session. Run calls
// are serialized.
type Session struct {
	cfg        SessionConfig
	session    *onnxruntime_go.DynamicAdvancedSession
	inputInfo  onnxruntime_go.InputOutputInfo
	outputInfo onnxruntime_go.InputOutputInfo
	mu         sync.Mutex
}

// NewSession loads a model from disk.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("model path cannot be empty")
	}
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}
	if err := ValidateGPUConfig(cfg.GPU); err != nil {
		return nil, err
	}
	if err := InitializeRuntime(cfg.LibraryPath, cfg.GPU.UseGPU); err != nil {
		return nil, err
	}

	inputInfo, outputInfo, err := modelIOInfo(cfg.ModelPath, cfg.InputRank)
	if err != nil {
		return nil, err
	}

	opts, err := onnxruntime_go.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer func() {
		if err := opts.Destroy(); err != nil {
			slog.Warn("Failed to destroy session options", "error", err)
		}
	}()

	if err := ConfigureSessionForGPU(opts, cfg.GPU); err != nil {
		return nil, fmt.Errorf("failed to configure GPU: %w", err)
	}
	if cfg.NumThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}

	sess, err := onnxruntime_go.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{inputInfo.Name}, []string{outputInfo.Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	slog.Debug("Model session created",
		"model_path", cfg.ModelPath,
		"input", inputInfo.Name,
		"input_shape", inputInfo.Dimensions,
		"output", outputInfo.Name,
		"output_shape", outputInfo.Dimensions)

	return &Session{cfg: cfg, session: sess, inputInfo: inputInfo, outputInfo: outputInfo}, nil
}

// modelIOInfo reads and validates the model's declared inputs and outputs.
func modelIOInfo(modelPath string, rank int) (onnxruntime_go.InputOutputInfo, onnxruntime_go.InputOutputInfo, error) {
	var zero onnxruntime_go.InputOutputInfo
	inputs, outputs, err := onnxruntime_go.GetInputOutputInfo(modelPath)
	if err != nil {
		return zero, zero, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	if len(inputs) != 1 {
		return zero, zero, fmt.Errorf("expected 1 input, got %d", len(inputs))
	}
	if len(outputs) != 1 {
		return zero, zero, fmt.Errorf("expected 1 output, got %d", len(outputs))
	}
	if rank > 0 && len(inputs[0].Dimensions) != rank {
		return zero, zero, fmt.Errorf("expected %dD input tensor, got %dD", rank, len(inputs[0].Dimensions))
	}
	return inputs[0], outputs[0], nil
}

// InputShape returns the declared input shape; dynamic dims are negative.
func (s *Session) InputShape() []int64 { return []int64(s.inputInfo.Dimensions) }

// OutputShape returns the declared output shape.
func (s *Session) OutputShape() []int64 { return []int64(s.outputInfo.Dimensions) }

// ModelPath returns the path the session was loaded from.
func (s *Session) ModelPath() string { return s.cfg.ModelPath }

// Run executes the model on input. The context is checked before the call;
// the native call itself cannot be interrupted.
func (s *Session) Run(ctx context.Context, input Tensor) (Tensor, error) {
	if err := ctx.Err(); err != nil {
		return Tensor{}, err
	}
	if err := Verify(input); err != nil {
		return Tensor{}, fmt.Errorf("invalid input tensor: %w", err)
	}
	if !ShapeCompatible(s.InputShape(), input.Shape) {
		return Tensor{}, fmt.Errorf("input shape %v incompatible with model input %v", input.Shape, s.InputShape())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return Tensor{}, errors.New("session is closed")
	}

	in, err := onnxruntime_go.NewTensor(onnxruntime_go.NewShape(input.Shape...), input.Data)
	if err != nil {
		return Tensor{}, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer func() {
		if err := in.Destroy(); err != nil {
			slog.Warn("Failed to destroy input tensor", "error", err)
		}
	}()

	outputs := []onnxruntime_go.Value{nil}
	if err := s.session.Run([]onnxruntime_go.Value{in}, outputs); err != nil {
		return Tensor{}, fmt.Errorf("inference failed: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o == nil {
				continue
			}
			if err := o.Destroy(); err != nil {
				slog.Warn("Failed to destroy output tensor", "error", err)
			}
		}
	}()

	out, ok := outputs[0].(*onnxruntime_go.Tensor[float32])
	if !ok {
		return Tensor{}, fmt.Errorf("expected float32 tensor, got %T", outputs[0])
	}

	// Copy out of native memory before the deferred Destroy.
	data := make([]float32, len(out.GetData()))
	copy(data, out.GetData())
	shape := make([]int64, len(out.GetShape()))
	copy(shape, out.GetShape())

	return Tensor{Data: data, Shape: shape}, nil
}

// Close releases the native session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}
