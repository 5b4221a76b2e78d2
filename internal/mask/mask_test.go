package mask

import (
	"testing"

	"github.com/MeKo-Tech/medvision/internal/onnx"
	"github.com/MeKo-Tech/medvision/internal/onnx/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromTensor_Shapes(t *testing.T) {
	m := mock.NewDiskMap(8, 4, 4, 2, 1, 0.9, 0.1)
	tests := []struct {
		name   string
		tensor onnx.Tensor
	}{
		{name: "HW", tensor: onnx.Tensor{Data: m.Data, Shape: []int64{4, 8}}},
		{name: "1HW", tensor: onnx.Tensor{Data: m.Data, Shape: []int64{1, 4, 8}}},
		{name: "NHWC", tensor: m.NHWC()},
		{name: "NCHW", tensor: m.NCHW()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromTensor(tt.tensor)
			require.NoError(t, err)
			assert.Equal(t, 8, got.Width)
			assert.Equal(t, 4, got.Height)
			assert.Equal(t, m.Data, got.Data)
		})
	}
}

func TestFromTensor_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		tensor onnx.Tensor
	}{
		{name: "empty", tensor: onnx.Tensor{}},
		{name: "batch of two", tensor: onnx.Tensor{Data: make([]float32, 8), Shape: []int64{2, 2, 2}}},
		{name: "multi channel", tensor: onnx.Tensor{Data: make([]float32, 16), Shape: []int64{1, 2, 2, 4}}},
		{name: "length mismatch", tensor: onnx.Tensor{Data: make([]float32, 3), Shape: []int64{2, 2}}},
		{name: "rank five", tensor: onnx.Tensor{Data: make([]float32, 1), Shape: []int64{1, 1, 1, 1, 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromTensor(tt.tensor)
			assert.Error(t, err)
		})
	}
}

func TestFromTensor_Copies(t *testing.T) {
	src := []float32{0.1, 0.2, 0.3, 0.4}
	m, err := FromTensor(onnx.Tensor{Data: src, Shape: []int64{2, 2}})
	require.NoError(t, err)
	src[0] = 9
	assert.InDelta(t, 0.1, m.Data[0], 1e-7)
}

func TestResize_SameSizeIsCopy(t *testing.T) {
	m := Mask{Data: []float32{0, 1, 1, 0, 0.3, 0.7}, Width: 3, Height: 2}
	out, err := Resize(m, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, m.Data, out.Data)
	out.Data[0] = 5
	assert.Zero(t, m.Data[0])
}

func TestResize_Upscale2x(t *testing.T) {
	// Half-pixel mapping on a 2x2 -> 4x4 upscale: output pixel 1 maps to
	// source 0.25, pixel 2 to 0.75.
	m := Mask{Data: []float32{0, 1, 0, 1}, Width: 2, Height: 2}
	out, err := Resize(m, 4, 4)
	require.NoError(t, err)

	want := []float32{0, 0.25, 0.75, 1}
	for y := range 4 {
		for x := range 4 {
			assert.InDelta(t, want[x], out.At(x, y), 1e-6, "x=%d y=%d", x, y)
		}
	}
}

func TestResize_Downscale(t *testing.T) {
	m := Mask{Data: []float32{0, 1, 0, 1, 0, 1, 0, 1}, Width: 4, Height: 2}
	out, err := Resize(m, 2, 1)
	require.NoError(t, err)
	// dst 0 -> src 0.5, dst 1 -> src 2.5; rows average (src y = 0.5).
	assert.InDelta(t, 0.5, out.At(0, 0), 1e-6)
	assert.InDelta(t, 0.5, out.At(1, 0), 1e-6)
}

func TestResize_ConstantStaysConstant(t *testing.T) {
	m := mock.NewUniformMap(64, 64, 0.6)
	raw := Mask{Data: m.Data, Width: 64, Height: 64}
	out, err := Resize(raw, 256, 256)
	require.NoError(t, err)
	for _, v := range out.Data {
		require.InDelta(t, 0.6, v, 1e-6)
	}
}

func TestResize_Errors(t *testing.T) {
	_, err := Resize(Mask{}, 4, 4)
	assert.Error(t, err)
	_, err = Resize(New(2, 2), 0, 4)
	assert.Error(t, err)
}

func TestBinarize(t *testing.T) {
	m := Mask{Data: []float32{0, 0.49, 0.5, 0.51, 1}, Width: 5, Height: 1}
	out := Binarize(m, DefaultThreshold)
	assert.Equal(t, []float32{0, 0, 0, 1, 1}, out.Data)
}

func TestPostprocess_Idempotent(t *testing.T) {
	disk := mock.NewDiskMap(256, 256, 128, 128, 40, 1, 0)
	m := Mask{Data: disk.Data, Width: 256, Height: 256}

	out, err := Postprocess(m, 256, DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, m.Data, out.Data)

	again, err := Postprocess(out, 256, DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, out.Data, again.Data)
}

func TestPostprocess_ConstantAboveThreshold(t *testing.T) {
	raw := Mask{Data: mock.NewUniformMap(16, 16, 0.6).Data, Width: 16, Height: 16}
	out, err := Postprocess(raw, 256, DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, 256, out.Width)
	assert.Equal(t, 256, out.Height)
	assert.InDelta(t, 1.0, Coverage(out), 1e-12)
}

func TestCoverage(t *testing.T) {
	assert.Zero(t, Coverage(Mask{}))
	assert.InDelta(t, 0.25, Coverage(Mask{Data: []float32{1, 0, 0, 0}, Width: 2, Height: 2}), 1e-12)
	// Non-binary values do not count.
	assert.InDelta(t, 0.0, Coverage(Mask{Data: []float32{0.9, 0.6}, Width: 2, Height: 1}), 1e-12)
}
