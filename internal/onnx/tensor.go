package onnx

import (
	"errors"
	"fmt"
)

// Tensor is a dense float32 tensor exchanged with a model session.
// Data is row-major in the order implied by Shape.
type Tensor struct {
	Data  []float32
	Shape []int64
}

// Elements returns the number of elements described by shape, or -1 if any
// dimension is not positive.
func Elements(shape []int64) int {
	if len(shape) == 0 {
		return -1
	}
	n := int64(1)
	for _, d := range shape {
		if d <= 0 {
			return -1
		}
		n *= d
	}
	return int(n)
}

// NewImageTensor builds a single-image tensor with shape [1, C, H, W].
// data must be length C*H*W in NCHW order.
func NewImageTensor(data []float32, c, h, w int) (Tensor, error) {
	if data == nil {
		return Tensor{}, errors.New("nil data")
	}
	expected := c * h * w
	if len(data) != expected {
		return Tensor{}, fmt.Errorf("unexpected data length: got %d, want %d", len(data), expected)
	}
	return Tensor{Data: data, Shape: []int64{1, int64(c), int64(h), int64(w)}}, nil
}

// NewSequenceTensor builds a batch-of-one token sequence tensor with shape
// [1, N, D], as consumed by patch-based encoders.
func NewSequenceTensor(data []float32, n, d int) (Tensor, error) {
	if data == nil {
		return Tensor{}, errors.New("nil data")
	}
	if n <= 0 || d <= 0 {
		return Tensor{}, fmt.Errorf("invalid sequence dimensions %dx%d", n, d)
	}
	if len(data) != n*d {
		return Tensor{}, fmt.Errorf("unexpected data length: got %d, want %d", len(data), n*d)
	}
	return Tensor{Data: data, Shape: []int64{1, int64(n), int64(d)}}, nil
}

// ValidateNCHW ensures a shape is [N, C, H, W] with positive dimensions.
func ValidateNCHW(shape []int64) error {
	if len(shape) != 4 {
		return fmt.Errorf("shape rank %d != 4", len(shape))
	}
	for i, v := range shape {
		if v <= 0 {
			return fmt.Errorf("dimension %d must be > 0, got %d", i, v)
		}
	}
	return nil
}

// Verify checks that the tensor's data length matches its shape.
func Verify(t Tensor) error {
	n := Elements(t.Shape)
	if n < 0 {
		return fmt.Errorf("invalid tensor shape %v", t.Shape)
	}
	if len(t.Data) != n {
		return fmt.Errorf("tensor data length %d != expected %d for shape %v", len(t.Data), n, t.Shape)
	}
	return nil
}

// VerifyImageTensor checks data length matches the provided NCHW shape.
func VerifyImageTensor(t Tensor) error {
	if err := ValidateNCHW(t.Shape); err != nil {
		return err
	}
	return Verify(t)
}

// ShapeCompatible reports whether an actual shape satisfies an expected model
// shape, where non-positive expected dimensions are dynamic.
func ShapeCompatible(expected, actual []int64) bool {
	if len(expected) != len(actual) {
		return false
	}
	for i, d := range expected {
		if d > 0 && d != actual[i] {
			return false
		}
	}
	return true
}

// TensorStats computes simple statistics for debug output.
func TensorStats(data []float32) (float32, float32, float32) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	minVal, maxVal := data[0], data[0]
	var sum float64
	for _, v := range data {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
		sum += float64(v)
	}
	return minVal, maxVal, float32(sum / float64(len(data)))
}
