package utils

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/MeKo-Tech/medvision/internal/mempool"
	"github.com/disintegration/imaging"
)

// Channel orders for float image conversion.
const (
	ChannelOrderRGB = "rgb"
	ChannelOrderBGR = "bgr"
)

// ImageProcessingError represents errors that can occur during image processing.
type ImageProcessingError struct {
	Operation string
	Err       error
}

func (e *ImageProcessingError) Error() string {
	return fmt.Sprintf("image processing error in %s: %v", e.Operation, e.Err)
}

func (e *ImageProcessingError) Unwrap() error { return e.Err }

// ImageConstraints bounds accepted input dimensions. Zero max values disable
// the upper bound.
type ImageConstraints struct {
	MaxWidth  int
	MaxHeight int
	MinWidth  int
	MinHeight int
}

// DefaultImageConstraints accepts anything from a single pixel up to 8192 on
// a side.
func DefaultImageConstraints() ImageConstraints {
	return ImageConstraints{
		MaxWidth:  8192,
		MaxHeight: 8192,
		MinWidth:  1,
		MinHeight: 1,
	}
}

// ValidChannelOrder reports whether order names a supported channel order.
func ValidChannelOrder(order string) bool {
	switch strings.ToLower(order) {
	case ChannelOrderRGB, ChannelOrderBGR:
		return true
	}
	return false
}

// ResampleHalfPixel names two-tap bilinear interpolation with pixel-centre
// alignment and no antialiasing, matching OpenCV INTER_LINEAR. The other
// resample names select an imaging filter.
const ResampleHalfPixel = "halfpixel"

// ValidateResample checks that name is a supported resample mode.
func ValidateResample(name string) error {
	if strings.ToLower(name) == ResampleHalfPixel {
		return nil
	}
	_, err := ResampleFilter(name)
	return err
}

// Resize resizes img to exactly w x h with the named resample mode.
func Resize(img image.Image, w, h int, resample string) (*image.NRGBA, error) {
	if strings.ToLower(resample) == ResampleHalfPixel {
		return ResizeHalfPixel(img, w, h)
	}
	filter, err := ResampleFilter(resample)
	if err != nil {
		return nil, &ImageProcessingError{Operation: "resize", Err: err}
	}
	return ResizeTo(img, w, h, filter)
}

// ResizeHalfPixel resizes img to w x h by interpolating between the two
// nearest source pixels on each axis. Source coordinates are
// (dst+0.5)*scale-0.5, clamped to the image edges. Channels are rounded to
// the nearest 8-bit value.
func ResizeHalfPixel(img image.Image, w, h int) (*image.NRGBA, error) {
	if img == nil {
		return nil, &ImageProcessingError{Operation: "resize", Err: errors.New("input image is nil")}
	}
	if w <= 0 || h <= 0 {
		return nil, &ImageProcessingError{Operation: "resize", Err: fmt.Errorf("invalid target dimensions: %dx%d", w, h)}
	}
	src := imaging.Clone(img)
	sw, sh := src.Rect.Dx(), src.Rect.Dy()
	if sw <= 0 || sh <= 0 {
		return nil, &ImageProcessingError{Operation: "resize", Err: errors.New("invalid image dimensions")}
	}
	if sw == w && sh == h {
		return src, nil
	}

	xs := make([]halfPixelTap, w)
	for x := range xs {
		xs[x] = newHalfPixelTap(x, float64(sw)/float64(w), sw)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		ty := newHalfPixelTap(y, float64(sh)/float64(h), sh)
		r0 := src.Pix[ty.i0*src.Stride:]
		r1 := src.Pix[ty.i1*src.Stride:]
		out := dst.Pix[y*dst.Stride:]
		for x, tx := range xs {
			a, b := tx.i0*4, tx.i1*4
			for c := range 4 {
				top := float64(r0[a+c]) + (float64(r0[b+c])-float64(r0[a+c]))*tx.frac
				bottom := float64(r1[a+c]) + (float64(r1[b+c])-float64(r1[a+c]))*tx.frac
				out[x*4+c] = clampUint8(top + (bottom-top)*ty.frac)
			}
		}
	}
	return dst, nil
}

type halfPixelTap struct {
	i0, i1 int
	frac   float64
}

func newHalfPixelTap(dst int, scale float64, size int) halfPixelTap {
	src := (float64(dst)+0.5)*scale - 0.5
	if src < 0 {
		src = 0
	}
	i0 := int(src)
	if i0 >= size-1 {
		return halfPixelTap{i0: size - 1, i1: size - 1}
	}
	return halfPixelTap{i0: i0, i1: i0 + 1, frac: src - float64(i0)}
}

func clampUint8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// ResampleFilter maps a filter name to an imaging filter.
func ResampleFilter(name string) (imaging.ResampleFilter, error) {
	switch strings.ToLower(name) {
	case "", "linear", "bilinear":
		return imaging.Linear, nil
	case "nearest":
		return imaging.NearestNeighbor, nil
	case "lanczos":
		return imaging.Lanczos, nil
	case "catmullrom", "bicubic":
		return imaging.CatmullRom, nil
	case "box":
		return imaging.Box, nil
	default:
		return imaging.ResampleFilter{}, fmt.Errorf("unknown resample filter: %s", name)
	}
}

// ResizeTo resizes img to exactly w x h, ignoring aspect ratio.
func ResizeTo(img image.Image, w, h int, filter imaging.ResampleFilter) (*image.NRGBA, error) {
	if img == nil {
		return nil, &ImageProcessingError{Operation: "resize", Err: errors.New("input image is nil")}
	}
	if w <= 0 || h <= 0 {
		return nil, &ImageProcessingError{Operation: "resize", Err: fmt.Errorf("invalid target dimensions: %dx%d", w, h)}
	}
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return imaging.Clone(img), nil
	}
	return imaging.Resize(img, w, h, filter), nil
}

// ToFloatHWC converts an image to interleaved H x W x 3 float32 values in
// [0, 1] using the given channel order. Alpha is discarded.
func ToFloatHWC(img image.Image, order string) ([]float32, int, int, error) {
	if img == nil {
		return nil, 0, 0, &ImageProcessingError{Operation: "normalize", Err: errors.New("input image is nil")}
	}
	if !ValidChannelOrder(order) {
		return nil, 0, 0, &ImageProcessingError{Operation: "normalize", Err: fmt.Errorf("unknown channel order: %s", order)}
	}

	nrgba := imaging.Clone(img)
	width, height := nrgba.Rect.Dx(), nrgba.Rect.Dy()
	if width <= 0 || height <= 0 {
		return nil, 0, 0, &ImageProcessingError{Operation: "normalize", Err: errors.New("invalid image dimensions")}
	}

	bgr := strings.ToLower(order) == ChannelOrderBGR
	data := make([]float32, 3*width*height)
	for y := range height {
		row := nrgba.Pix[y*nrgba.Stride:]
		for x := range width {
			r := float32(row[x*4]) / 255.0
			g := float32(row[x*4+1]) / 255.0
			b := float32(row[x*4+2]) / 255.0
			i := (y*width + x) * 3
			if bgr {
				data[i], data[i+1], data[i+2] = b, g, r
			} else {
				data[i], data[i+1], data[i+2] = r, g, b
			}
		}
	}
	return data, width, height, nil
}

// NormalizeNCHW converts an RGB image to a planar [3, H, W] buffer with
// per-channel (v/255 - mean) / std normalization. The buffer comes from
// mempool; callers return it with mempool.PutFloat32.
func NormalizeNCHW(img image.Image, mean, std [3]float32) ([]float32, int, int, error) {
	if img == nil {
		return nil, 0, 0, &ImageProcessingError{Operation: "normalize", Err: errors.New("input image is nil")}
	}
	for c, s := range std {
		if s == 0 {
			return nil, 0, 0, &ImageProcessingError{Operation: "normalize", Err: fmt.Errorf("std[%d] is zero", c)}
		}
	}

	nrgba := imaging.Clone(img)
	width, height := nrgba.Rect.Dx(), nrgba.Rect.Dy()
	if width <= 0 || height <= 0 {
		return nil, 0, 0, &ImageProcessingError{Operation: "normalize", Err: errors.New("invalid image dimensions")}
	}

	plane := width * height
	data := mempool.GetFloat32(3 * plane)
	for y := range height {
		row := nrgba.Pix[y*nrgba.Stride:]
		for x := range width {
			idx := y*width + x
			for c := range 3 {
				v := float32(row[x*4+c]) / 255.0
				data[c*plane+idx] = (v - mean[c]) / std[c]
			}
		}
	}
	return data, width, height, nil
}
