package patch

import (
	"fmt"
	"strings"

	"github.com/MeKo-Tech/medvision/internal/mempool"
	"github.com/MeKo-Tech/medvision/internal/onnx"
)

// Layout is the flattening order of a single patch.
type Layout int

const (
	// LayoutHWC flattens row by row, column by column, channel last. This is
	// the training-time order of the segmentation model.
	LayoutHWC Layout = iota
	// LayoutCHW flattens one channel plane at a time.
	LayoutCHW
)

func (l Layout) String() string {
	switch l {
	case LayoutHWC:
		return "hwc"
	case LayoutCHW:
		return "chw"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout parses "hwc" or "chw". Empty defaults to hwc.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(s) {
	case "", "hwc":
		return LayoutHWC, nil
	case "chw":
		return LayoutCHW, nil
	default:
		return 0, fmt.Errorf("unknown patch layout: %s", s)
	}
}

// TargetShape is the (NumPatches, FlatPatchLen) matrix the model expects,
// before the leading batch dimension.
type TargetShape struct {
	NumPatches   int
	FlatPatchLen int
	PatchSize    int
	Channels     int
}

// NewTargetShape derives the flat patch tensor shape for a square image.
func NewTargetShape(imageSize, patchSize, channels int) (TargetShape, error) {
	if imageSize <= 0 || patchSize <= 0 || channels <= 0 {
		return TargetShape{}, fmt.Errorf("invalid target shape parameters: image=%d patch=%d channels=%d",
			imageSize, patchSize, channels)
	}
	if imageSize%patchSize != 0 {
		return TargetShape{}, fmt.Errorf("image size %d is not a multiple of patch size %d", imageSize, patchSize)
	}
	side := imageSize / patchSize
	return TargetShape{
		NumPatches:   side * side,
		FlatPatchLen: patchSize * patchSize * channels,
		PatchSize:    patchSize,
		Channels:     channels,
	}, nil
}

// Elements returns NumPatches * FlatPatchLen.
func (s TargetShape) Elements() int { return s.NumPatches * s.FlatPatchLen }

// Dims returns the batched tensor shape [1, NumPatches, FlatPatchLen].
func (s TargetShape) Dims() []int64 {
	return []int64{1, int64(s.NumPatches), int64(s.FlatPatchLen)}
}

// Pack flattens patches in the given layout into a [1, N, D] tensor. The
// tensor data comes from mempool and can be released with Release once the
// model call has returned.
func Pack(patches []Patch, target TargetShape, layout Layout) (onnx.Tensor, error) {
	if layout != LayoutHWC && layout != LayoutCHW {
		return onnx.Tensor{}, fmt.Errorf("unsupported layout %s", layout)
	}
	total := 0
	for _, p := range patches {
		total += p.Len()
	}
	if len(patches) != target.NumPatches || total != target.Elements() {
		return onnx.Tensor{}, fmt.Errorf("%w: %d patches with %d elements, want %d x %d",
			ErrShapeMismatch, len(patches), total, target.NumPatches, target.FlatPatchLen)
	}

	data := mempool.GetFloat32(target.Elements())
	for i, p := range patches {
		if p.Size != target.PatchSize || p.Channels != target.Channels || len(p.Data) != target.FlatPatchLen {
			mempool.PutFloat32(data)
			return onnx.Tensor{}, fmt.Errorf("%w: patch %d is %dx%dx%d", ErrShapeMismatch, i, p.Size, p.Size, p.Channels)
		}
		dst := data[i*target.FlatPatchLen : (i+1)*target.FlatPatchLen]
		if layout == LayoutHWC {
			copy(dst, p.Data)
			continue
		}
		plane := p.Size * p.Size
		for px := range plane {
			for c := range p.Channels {
				dst[c*plane+px] = p.Data[px*p.Channels+c]
			}
		}
	}

	return onnx.NewSequenceTensor(data, target.NumPatches, target.FlatPatchLen)
}

// Release hands a packed tensor's buffer back to the pool. The tensor must
// not be used afterwards.
func Release(t onnx.Tensor) {
	mempool.PutFloat32(t.Data)
}
