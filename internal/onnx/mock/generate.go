package mock

import (
	"context"
	"math"
	"sync"

	"github.com/MeKo-Tech/medvision/internal/onnx"
)

// ProbabilityMap is a synthetic single-channel segmentation output.
type ProbabilityMap struct {
	Data   []float32
	Width  int
	Height int
}

// NewUniformMap creates a uniform probability map of size WxH with the given value in [0,1].
func NewUniformMap(w, h int, value float32) ProbabilityMap {
	if w <= 0 || h <= 0 {
		return ProbabilityMap{}
	}
	data := make([]float32, w*h)
	for i := range data {
		data[i] = clamp01(value)
	}
	return ProbabilityMap{Data: data, Width: w, Height: h}
}

// NewCenteredBlobMap creates a Gaussian-like blob centered in the map.
// sigma controls spread; higher values = wider blob.
func NewCenteredBlobMap(w, h int, peak float32, sigma float64) ProbabilityMap {
	if w <= 0 || h <= 0 {
		return ProbabilityMap{}
	}
	data := make([]float32, w*h)
	cx := float64(w-1) / 2.0
	cy := float64(h-1) / 2.0
	inv2s2 := 1.0 / (2.0 * sigma * sigma)
	for y := range h {
		for x := range w {
			dx := float64(x) - cx
			dy := float64(y) - cy
			data[y*w+x] = clamp01(float32(math.Exp(-(dx*dx+dy*dy)*inv2s2)) * peak)
		}
	}
	return ProbabilityMap{Data: data, Width: w, Height: h}
}

// NewDiskMap marks a filled circle of radius r at (cx, cy) with inside, and
// everything else with outside.
func NewDiskMap(w, h, cx, cy, r int, inside, outside float32) ProbabilityMap {
	if w <= 0 || h <= 0 {
		return ProbabilityMap{}
	}
	data := make([]float32, w*h)
	r2 := r * r
	for y := range h {
		for x := range w {
			dx, dy := x-cx, y-cy
			v := outside
			if dx*dx+dy*dy <= r2 {
				v = inside
			}
			data[y*w+x] = clamp01(v)
		}
	}
	return ProbabilityMap{Data: data, Width: w, Height: h}
}

// NHWC returns the map as a [1, H, W, 1] tensor.
func (m ProbabilityMap) NHWC() onnx.Tensor {
	return onnx.Tensor{Data: m.Data, Shape: []int64{1, int64(m.Height), int64(m.Width), 1}}
}

// NCHW returns the map as a [1, 1, H, W] tensor.
func (m ProbabilityMap) NCHW() onnx.Tensor {
	return onnx.Tensor{Data: m.Data, Shape: []int64{1, 1, int64(m.Height), int64(m.Width)}}
}

// NewClassLogits builds a [1, C] logit tensor whose argmax is winner.
func NewClassLogits(classes, winner int, high, low float32) onnx.Tensor {
	if classes <= 0 {
		return onnx.Tensor{Shape: []int64{}}
	}
	data := make([]float32, classes)
	for i := range data {
		data[i] = low
		if i == winner {
			data[i] = high
		}
	}
	return onnx.Tensor{Data: data, Shape: []int64{1, int64(classes)}}
}

// Model is a scripted stand-in for a model session. It returns Output (or
// Err) for every call and records copies of the inputs it was given, since
// callers may recycle input buffers once Run returns.
type Model struct {
	Output onnx.Tensor
	Err    error
	// Fn, when set, computes the output from the input instead of Output.
	Fn func(onnx.Tensor) (onnx.Tensor, error)

	mu     sync.Mutex
	inputs []onnx.Tensor
	closed bool
}

// Run implements the model interface used by the inference branches.
func (m *Model) Run(ctx context.Context, input onnx.Tensor) (onnx.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return onnx.Tensor{}, err
	}
	recorded := onnx.Tensor{
		Data:  append([]float32(nil), input.Data...),
		Shape: append([]int64(nil), input.Shape...),
	}
	m.mu.Lock()
	m.inputs = append(m.inputs, recorded)
	m.mu.Unlock()

	if m.Fn != nil {
		return m.Fn(input)
	}
	if m.Err != nil {
		return onnx.Tensor{}, m.Err
	}
	return m.Output, nil
}

// Close marks the model closed.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls returns how many times Run was invoked.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

// LastInput returns the most recent input tensor.
func (m *Model) LastInput() (onnx.Tensor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inputs) == 0 {
		return onnx.Tensor{}, false
	}
	return m.inputs[len(m.inputs)-1], true
}

// Closed reports whether Close was called.
func (m *Model) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
