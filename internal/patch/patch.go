// Package patch tiles a normalized image into fixed-size square patches and
// packs them into the flat patch tensor consumed by the segmentation model.
package patch

import (
	"errors"
	"fmt"
)

// Image is an interleaved H x W x C float32 image. Values are normalized to
// [0, 1] and ChannelOrder records whether the channels are rgb or bgr.
type Image struct {
	Data         []float32
	Height       int
	Width        int
	Channels     int
	ChannelOrder string
}

// NewImage wraps HWC data after checking its length.
func NewImage(data []float32, height, width, channels int, order string) (Image, error) {
	if height <= 0 || width <= 0 || channels <= 0 {
		return Image{}, fmt.Errorf("invalid image dimensions %dx%dx%d", height, width, channels)
	}
	if len(data) != height*width*channels {
		return Image{}, fmt.Errorf("image data length %d does not match %dx%dx%d", len(data), height, width, channels)
	}
	return Image{Data: data, Height: height, Width: width, Channels: channels, ChannelOrder: order}, nil
}

// At returns the sample at (y, x, c).
func (im Image) At(y, x, c int) float32 {
	return im.Data[(y*im.Width+x)*im.Channels+c]
}

// Patch is a square sub-array of an Image. Data is HWC, Row and Col give the
// patch position on the extraction grid.
type Patch struct {
	Data     []float32
	Size     int
	Channels int
	Row      int
	Col      int
}

// Len returns the number of samples in the patch.
func (p Patch) Len() int { return p.Size * p.Size * p.Channels }

// Extract returns the patches of img with top-left corners at multiples of
// stride, from (0, 0) to (H-size, W-size) inclusive, in row-major order.
// Images smaller than one patch yield an empty slice.
func Extract(img Image, size, stride int) []Patch {
	if size <= 0 || stride <= 0 || img.Channels <= 0 {
		return []Patch{}
	}
	if img.Height < size || img.Width < size || len(img.Data) < img.Height*img.Width*img.Channels {
		return []Patch{}
	}

	rows := (img.Height-size)/stride + 1
	cols := (img.Width-size)/stride + 1
	patches := make([]Patch, 0, rows*cols)
	rowLen := size * img.Channels

	for r := range rows {
		y0 := r * stride
		for c := range cols {
			x0 := c * stride
			data := make([]float32, size*rowLen)
			for dy := range size {
				src := ((y0+dy)*img.Width + x0) * img.Channels
				copy(data[dy*rowLen:(dy+1)*rowLen], img.Data[src:src+rowLen])
			}
			patches = append(patches, Patch{
				Data:     data,
				Size:     size,
				Channels: img.Channels,
				Row:      r,
				Col:      c,
			})
		}
	}
	return patches
}

// ErrShapeMismatch is returned when patches cannot fill a target shape.
var ErrShapeMismatch = errors.New("patch count does not match target shape")
