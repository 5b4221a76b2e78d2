package segmenter

import (
	"context"
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/MeKo-Tech/medvision/internal/mask"
	"github.com/MeKo-Tech/medvision/internal/onnx"
	"github.com/MeKo-Tech/medvision/internal/onnx/mock"
	"github.com/MeKo-Tech/medvision/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grayImage(w, h int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 256, cfg.ImageSize)
	assert.Equal(t, 16, cfg.PatchSize)
	assert.InDelta(t, 0.5, cfg.Threshold, 1e-9)
	assert.InDelta(t, 0.5, cfg.Alpha, 1e-9)
	assert.Equal(t, utils.ChannelOrderBGR, cfg.ChannelOrder)
	assert.Equal(t, utils.ResampleHalfPixel, cfg.Resample)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "patch not dividing", mutate: func(c *Config) { c.PatchSize = 15 }},
		{name: "channels", mutate: func(c *Config) { c.Channels = 1 }},
		{name: "threshold", mutate: func(c *Config) { c.Threshold = 2 }},
		{name: "alpha", mutate: func(c *Config) { c.Alpha = -1 }},
		{name: "layout", mutate: func(c *Config) { c.Layout = "nchw" }},
		{name: "order", mutate: func(c *Config) { c.ChannelOrder = "yuv" }},
		{name: "resample", mutate: func(c *Config) { c.Resample = "sinc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestUpdateModelPath(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.UpdateModelPath(dir)
	assert.Equal(t, filepath.Join(dir, "unetr_segmentation.onnx"), cfg.ModelPath)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.ImageSize = 0
	_, err = New(cfg, &mock.Model{})
	require.Error(t, err)
}

func TestSegment_ConstantGrayFullMask(t *testing.T) {
	model := &mock.Model{Output: mock.NewUniformMap(256, 256, 0.6).NHWC()}
	seg, err := New(DefaultConfig(), model)
	require.NoError(t, err)

	res, err := seg.Segment(context.Background(), grayImage(256, 256, 128))
	require.NoError(t, err)

	assert.Equal(t, 256, res.Mask.Width)
	assert.Equal(t, 256, res.Mask.Height)
	for _, v := range res.Mask.Data {
		require.Equal(t, float32(1), v)
	}
	assert.InDelta(t, 1.0, res.Coverage, 1e-12)
	assert.Equal(t, 256, res.Overlay.Bounds().Dx())

	// Gray 128 plus the half-weight green layer: 128 + 127.5 -> 256 saturates.
	c := res.Overlay.RGBAAt(10, 10)
	assert.Equal(t, uint8(128), c.R)
	assert.Equal(t, uint8(255), c.G)
	assert.Equal(t, uint8(128), c.B)

	in, ok := model.LastInput()
	require.True(t, ok)
	assert.Equal(t, []int64{1, 256, 768}, in.Shape)
	for _, v := range in.Data {
		require.InDelta(t, 128.0/255.0, v, 1e-6)
	}
}

func TestPreprocess_DownscaleInterpolatesNeighbours(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 512, 512))
	pattern := []uint8{0, 0, 255, 255}
	for y := range 512 {
		for x := range 512 {
			v := pattern[x%4]
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}

	seg, err := New(DefaultConfig(), &mock.Model{})
	require.NoError(t, err)
	base, err := seg.Preprocess(img)
	require.NoError(t, err)
	require.Equal(t, 256, base.Width)
	assert.Equal(t, utils.ChannelOrderBGR, base.ChannelOrder)

	row := base.Data[100*base.Width*3:]
	for x := range 8 {
		want := float32(x % 2)
		for c := range 3 {
			require.InDelta(t, want, row[x*3+c], 1e-6, "x=%d c=%d", x, c)
		}
	}
}

func TestSegment_ResizesInputAndOutput(t *testing.T) {
	// Model output at a lower resolution with a centred disk.
	model := &mock.Model{Output: mock.NewDiskMap(64, 64, 32, 32, 16, 0.9, 0.1).NCHW()}
	seg, err := New(DefaultConfig(), model)
	require.NoError(t, err)

	res, err := seg.Segment(context.Background(), grayImage(300, 180, 40))
	require.NoError(t, err)
	assert.Equal(t, 256, res.Mask.Width)
	assert.Equal(t, float32(1), res.Mask.At(128, 128))
	assert.Equal(t, float32(0), res.Mask.At(2, 2))
	assert.Greater(t, res.Coverage, 0.1)
	assert.Less(t, res.Coverage, 0.3)
	assert.Equal(t, 256, res.Resized.Width)
	assert.Equal(t, 256, res.Resized.Height)
}

func TestSegment_ModelErrors(t *testing.T) {
	tests := []struct {
		name  string
		model *mock.Model
	}{
		{name: "run fails", model: &mock.Model{Err: errors.New("cuda out of memory")}},
		{name: "bad output shape", model: &mock.Model{Output: onnx.Tensor{Data: make([]float32, 6), Shape: []int64{1, 2, 3, 1, 1}}}},
		{name: "empty output", model: &mock.Model{Output: onnx.Tensor{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg, err := New(DefaultConfig(), tt.model)
			require.NoError(t, err)
			_, err = seg.Segment(context.Background(), grayImage(256, 256, 1))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrModel)
		})
	}
}

func TestSegment_NilImage(t *testing.T) {
	seg, err := New(DefaultConfig(), &mock.Model{})
	require.NoError(t, err)
	_, err = seg.Segment(context.Background(), nil)
	require.Error(t, err)
	var ipe *utils.ImageProcessingError
	assert.ErrorAs(t, err, &ipe)
	assert.NotErrorIs(t, err, ErrModel)
}

func TestSegment_Cancelled(t *testing.T) {
	seg, err := New(DefaultConfig(), &mock.Model{Output: mock.NewUniformMap(256, 256, 0).NHWC()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = seg.Segment(ctx, grayImage(32, 32, 0))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSegment_ChannelOrder(t *testing.T) {
	tests := []struct {
		order       string
		first, last float64
	}{
		{order: utils.ChannelOrderBGR, first: 0, last: 1},
		{order: utils.ChannelOrderRGB, first: 1, last: 0},
	}
	for _, tt := range tests {
		t.Run(tt.order, func(t *testing.T) {
			model := &mock.Model{Output: mock.NewUniformMap(256, 256, 0).NHWC()}
			cfg := DefaultConfig()
			cfg.ChannelOrder = tt.order
			seg, err := New(cfg, model)
			require.NoError(t, err)

			img := image.NewRGBA(image.Rect(0, 0, 256, 256))
			for i := 0; i < len(img.Pix); i += 4 {
				img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 255, 0, 0, 255
			}
			res, err := seg.Segment(context.Background(), img)
			require.NoError(t, err)

			in, _ := model.LastInput()
			assert.InDelta(t, tt.first, in.Data[0], 1e-6)
			assert.InDelta(t, tt.last, in.Data[2], 1e-6)
			// The overlay is always RGB regardless of the model's order.
			assert.Equal(t, uint8(255), res.Overlay.RGBAAt(0, 0).R)
			assert.Equal(t, uint8(0), res.Overlay.RGBAAt(0, 0).B)
		})
	}
}

func TestSegment_ThresholdBoundary(t *testing.T) {
	model := &mock.Model{Output: mock.NewUniformMap(256, 256, mask.DefaultThreshold).NHWC()}
	seg, err := New(DefaultConfig(), model)
	require.NoError(t, err)
	res, err := seg.Segment(context.Background(), grayImage(256, 256, 0))
	require.NoError(t, err)
	assert.Zero(t, res.Coverage, "values equal to the threshold are background")
}

func TestClose(t *testing.T) {
	model := &mock.Model{}
	seg, err := New(DefaultConfig(), model)
	require.NoError(t, err)
	require.NoError(t, seg.Close())
	assert.True(t, model.Closed())
	assert.Equal(t, []int64{1, 256, 768}, seg.InputShape())
}
