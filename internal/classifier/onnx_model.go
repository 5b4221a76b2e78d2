package classifier

import (
	"fmt"

	"github.com/MeKo-Tech/medvision/internal/onnx"
)

// NewONNXModel loads the classification network with ONNX Runtime and
// checks that it takes an NCHW image of the configured size.
func NewONNXModel(cfg Config, libraryPath string) (*onnx.Session, error) {
	sess, err := onnx.NewSession(onnx.SessionConfig{
		ModelPath:   cfg.ModelPath,
		LibraryPath: libraryPath,
		NumThreads:  cfg.NumThreads,
		InputRank:   4,
		GPU:         cfg.GPU,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load classification model: %w", err)
	}
	s := int64(cfg.InputSize)
	want := []int64{1, 3, s, s}
	if !onnx.ShapeCompatible(sess.InputShape(), want) {
		_ = sess.Close()
		return nil, fmt.Errorf("classification model input %v does not accept %v", sess.InputShape(), want)
	}
	if out := sess.OutputShape(); len(out) > 0 {
		if n := out[len(out)-1]; n > 0 && int(n) < len(cfg.Classes) {
			_ = sess.Close()
			return nil, fmt.Errorf("classification model has %d outputs for %d classes", n, len(cfg.Classes))
		}
	}
	return sess, nil
}
