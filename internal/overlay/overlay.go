// Package overlay draws a binary segmentation mask onto its source image.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/MeKo-Tech/medvision/internal/mask"
	"github.com/MeKo-Tech/medvision/internal/patch"
	"github.com/MeKo-Tech/medvision/internal/utils"
	"github.com/disintegration/imaging"
)

// DefaultAlpha is the weight of the mask layer in the blend.
const DefaultAlpha = 0.5

// Composite blends m as a green layer onto base:
//
//	out = sat(base*1.0 + layer*alpha)
//
// where base and mask are first scaled from [0, 1] to 8-bit by truncation and
// layer carries the scaled mask in its green channel only. Red and blue
// therefore equal the base. The result is opaque.
func Composite(base patch.Image, m mask.Mask, alpha float64) (*image.RGBA, error) {
	if base.Channels != 3 {
		return nil, fmt.Errorf("overlay needs a 3-channel base image, got %d", base.Channels)
	}
	if base.Width != m.Width || base.Height != m.Height {
		return nil, fmt.Errorf("mask size %dx%d does not match image size %dx%d",
			m.Width, m.Height, base.Width, base.Height)
	}
	if len(base.Data) != base.Width*base.Height*3 || len(m.Data) != m.Width*m.Height {
		return nil, fmt.Errorf("overlay inputs have inconsistent data lengths")
	}
	if alpha < 0 || math.IsNaN(alpha) {
		return nil, fmt.Errorf("invalid overlay alpha %v", alpha)
	}

	// Index of red and blue within the base's channel order.
	ri, bi := 0, 2
	if base.ChannelOrder == utils.ChannelOrderBGR {
		ri, bi = 2, 0
	}

	out := image.NewRGBA(image.Rect(0, 0, base.Width, base.Height))
	for y := range base.Height {
		for x := range base.Width {
			i := y*base.Width + x
			px := base.Data[i*3 : i*3+3]
			layer := float64(to8(m.Data[i])) * alpha
			out.SetRGBA(x, y, color.RGBA{
				R: to8(px[ri]),
				G: saturate(float64(to8(px[1])) + layer),
				B: to8(px[bi]),
				A: 255,
			})
		}
	}
	return out, nil
}

// to8 scales a [0, 1] sample to 8-bit, truncating. The epsilon absorbs the
// float32 error of samples that were themselves 8-bit values divided by 255.
func to8(v float32) uint8 {
	switch {
	case v <= 0 || math.IsNaN(float64(v)):
		return 0
	case v >= 1:
		return 255
	}
	return uint8(float64(v)*255 + 1e-3)
}

// saturate rounds half to even and clamps to [0, 255].
func saturate(v float64) uint8 {
	r := math.RoundToEven(v)
	switch {
	case r <= 0:
		return 0
	case r >= 255:
		return 255
	}
	return uint8(r)
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("cannot encode nil image")
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}
