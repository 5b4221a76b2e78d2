package segmenter

import (
	"fmt"

	"github.com/MeKo-Tech/medvision/internal/onnx"
	"github.com/MeKo-Tech/medvision/internal/patch"
)

// NewONNXModel loads the segmentation network with ONNX Runtime and checks
// that its declared input accepts the flat patch tensor.
func NewONNXModel(cfg Config, libraryPath string) (*onnx.Session, error) {
	target, err := patch.NewTargetShape(cfg.ImageSize, cfg.PatchSize, cfg.Channels)
	if err != nil {
		return nil, err
	}
	sess, err := onnx.NewSession(onnx.SessionConfig{
		ModelPath:   cfg.ModelPath,
		LibraryPath: libraryPath,
		NumThreads:  cfg.NumThreads,
		InputRank:   3,
		GPU:         cfg.GPU,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load segmentation model: %w", err)
	}
	if !onnx.ShapeCompatible(sess.InputShape(), target.Dims()) {
		_ = sess.Close()
		return nil, fmt.Errorf("segmentation model input %v does not accept %v", sess.InputShape(), target.Dims())
	}
	return sess, nil
}
