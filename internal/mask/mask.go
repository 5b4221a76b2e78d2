// Package mask converts raw segmentation model output into a binary tumor
// mask at image resolution.
package mask

import (
	"errors"
	"fmt"

	"github.com/MeKo-Tech/medvision/internal/onnx"
)

// DefaultThreshold is the binarization cut-off. Values strictly above it are
// foreground.
const DefaultThreshold = 0.5

// Mask is a single-channel H x W map stored row-major.
type Mask struct {
	Data   []float32
	Width  int
	Height int
}

// New returns a zero mask of the given size.
func New(width, height int) Mask {
	if width <= 0 || height <= 0 {
		return Mask{}
	}
	return Mask{Data: make([]float32, width*height), Width: width, Height: height}
}

// At returns the value at (x, y).
func (m Mask) At(x, y int) float32 { return m.Data[y*m.Width+x] }

// Empty reports whether the mask has no pixels.
func (m Mask) Empty() bool { return m.Width <= 0 || m.Height <= 0 || len(m.Data) == 0 }

// FromTensor interprets a model output as a probability map. Accepted shapes
// are [H, W], [1, H, W], [1, H, W, 1] and [1, 1, H, W].
func FromTensor(t onnx.Tensor) (Mask, error) {
	if err := onnx.Verify(t); err != nil {
		return Mask{}, fmt.Errorf("invalid mask tensor: %w", err)
	}

	var h, w int64
	s := t.Shape
	switch {
	case len(s) == 2:
		h, w = s[0], s[1]
	case len(s) == 3 && s[0] == 1:
		h, w = s[1], s[2]
	case len(s) == 4 && s[0] == 1 && s[3] == 1:
		h, w = s[1], s[2]
	case len(s) == 4 && s[0] == 1 && s[1] == 1:
		h, w = s[2], s[3]
	default:
		return Mask{}, fmt.Errorf("unsupported mask tensor shape %v", s)
	}

	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return Mask{Data: data, Width: int(w), Height: int(h)}, nil
}

// Resize scales m to width x height with bilinear interpolation using
// pixel-centre alignment and edge clamping. Resizing to the current size
// returns an exact copy.
func Resize(m Mask, width, height int) (Mask, error) {
	if m.Empty() {
		return Mask{}, errors.New("cannot resize empty mask")
	}
	if width <= 0 || height <= 0 {
		return Mask{}, fmt.Errorf("invalid target size %dx%d", width, height)
	}

	out := New(width, height)
	if width == m.Width && height == m.Height {
		copy(out.Data, m.Data)
		return out, nil
	}

	sx := float64(m.Width) / float64(width)
	sy := float64(m.Height) / float64(height)
	for y := range height {
		y0, y1, fy := sourceCoord(y, sy, m.Height)
		for x := range width {
			x0, x1, fx := sourceCoord(x, sx, m.Width)
			top := lerp(m.At(x0, y0), m.At(x1, y0), fx)
			bottom := lerp(m.At(x0, y1), m.At(x1, y1), fx)
			out.Data[y*width+x] = lerp(top, bottom, fy)
		}
	}
	return out, nil
}

// sourceCoord maps a destination index to the two neighbouring source indices
// and the interpolation weight of the second.
func sourceCoord(dst int, scale float64, size int) (int, int, float32) {
	src := (float64(dst)+0.5)*scale - 0.5
	if src < 0 {
		src = 0
	}
	i0 := int(src)
	if i0 >= size-1 {
		return size - 1, size - 1, 0
	}
	return i0, i0 + 1, float32(src - float64(i0))
}

func lerp(a, b, t float32) float32 { return a + (b-a)*t }

// Binarize maps values above threshold to 1 and everything else to 0.
func Binarize(m Mask, threshold float32) Mask {
	out := Mask{Data: make([]float32, len(m.Data)), Width: m.Width, Height: m.Height}
	for i, v := range m.Data {
		if v > threshold {
			out.Data[i] = 1
		}
	}
	return out
}

// Postprocess resizes a raw probability map to size x size and binarizes it.
func Postprocess(raw Mask, size int, threshold float32) (Mask, error) {
	resized, err := Resize(raw, size, size)
	if err != nil {
		return Mask{}, err
	}
	return Binarize(resized, threshold), nil
}

// Coverage returns the fraction of pixels equal to 1.
func Coverage(m Mask) float64 {
	if len(m.Data) == 0 {
		return 0
	}
	n := 0
	for _, v := range m.Data {
		if v == 1 {
			n++
		}
	}
	return float64(n) / float64(len(m.Data))
}
