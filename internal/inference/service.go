// Package inference runs both model branches for one uploaded image and
// merges them into a single analysis.
package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/medvision/internal/artifact"
	"github.com/MeKo-Tech/medvision/internal/classifier"
	"github.com/MeKo-Tech/medvision/internal/overlay"
	"github.com/MeKo-Tech/medvision/internal/segmenter"
	"github.com/MeKo-Tech/medvision/internal/utils"
	"golang.org/x/sync/errgroup"
)

// Branch names used in errors, logs and metrics.
const (
	BranchSegmentation   = "segmentation"
	BranchClassification = "classification"
)

// Segmenter is the segmentation branch.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image) (*segmenter.Result, error)
}

// Classifier is the classification branch.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) (*classifier.Result, error)
}

// Observer receives per-request measurements.
type Observer interface {
	ObserveBranch(branch string, d time.Duration, err error)
	ObserveAnalysis(a *Analysis, err error)
}

// Segmentation summarizes the segmentation branch output.
type Segmentation struct {
	Coverage   float64
	OverlayKey string
	Width      int
	Height     int
}

// Timing records how long each stage took.
type Timing struct {
	Decode         time.Duration
	Segmentation   time.Duration
	Classification time.Duration
	Store          time.Duration
	Total          time.Duration
}

// Analysis is the merged result for one image.
type Analysis struct {
	ID             string
	CreatedAt      time.Time
	Classification *classifier.Result
	Segmentation   Segmentation
	OverlayPNG     []byte
	Timing         Timing
}

// Option customizes a Service.
type Option func(*Service)

// WithConstraints bounds accepted image dimensions.
func WithConstraints(c utils.ImageConstraints) Option {
	return func(s *Service) { s.constraints = c }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithKeyFunc overrides artifact key generation.
func WithKeyFunc(fn func() string) Option {
	return func(s *Service) { s.newKey = fn }
}

// Service is the inference facade. It holds no per-request state.
type Service struct {
	seg         Segmenter
	cls         Classifier
	store       artifact.Store
	constraints utils.ImageConstraints
	observer    Observer
	newKey      func() string
}

// NewService wires the two branches and the overlay store. A nil store skips
// persisting overlays; the PNG is still returned in the Analysis.
func NewService(seg Segmenter, cls Classifier, store artifact.Store, opts ...Option) (*Service, error) {
	if seg == nil {
		return nil, errors.New("segmenter is required")
	}
	if cls == nil {
		return nil, errors.New("classifier is required")
	}
	s := &Service{
		seg:         seg,
		cls:         cls,
		store:       store,
		constraints: utils.DefaultImageConstraints(),
		newKey:      artifact.NewKey,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Store returns the overlay store, which may be nil.
func (s *Service) Store() artifact.Store { return s.store }

// Segmenter returns the segmentation branch.
func (s *Service) Segmenter() Segmenter { return s.seg }

// Classifier returns the classification branch.
func (s *Service) Classifier() Classifier { return s.cls }

// Analyze decodes data and analyzes it.
func (s *Service) Analyze(ctx context.Context, data []byte) (*Analysis, error) {
	start := time.Now()
	if len(data) == 0 {
		err := &InputError{Reason: ErrNoImage.Error(), Err: ErrNoImage}
		s.observe(nil, err)
		return nil, err
	}
	img, format, err := utils.DecodeImage(data)
	if err != nil {
		ie := &InputError{Reason: "invalid image", Err: err}
		s.observe(nil, ie)
		return nil, ie
	}
	slog.Debug("Decoded upload", "format", format, "bytes", len(data),
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())

	a, err := s.analyze(ctx, img, time.Since(start), true)
	if a != nil {
		a.Timing.Total = time.Since(start)
	}
	return a, err
}

// AnalyzeImage analyzes an already decoded image.
func (s *Service) AnalyzeImage(ctx context.Context, img image.Image) (*Analysis, error) {
	start := time.Now()
	a, err := s.analyze(ctx, img, 0, true)
	if a != nil {
		a.Timing.Total = time.Since(start)
	}
	return a, err
}

// Warmup runs both branches once on a blank image without storing anything.
func (s *Service) Warmup(ctx context.Context, size int) error {
	if size <= 0 {
		size = 256
	}
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	_, err := s.analyze(ctx, img, 0, false)
	return err
}

func (s *Service) analyze(ctx context.Context, img image.Image, decode time.Duration, persist bool) (*Analysis, error) {
	start := time.Now()
	if img == nil {
		err := &InputError{Reason: ErrNoImage.Error(), Err: ErrNoImage}
		s.observe(nil, err)
		return nil, err
	}
	if err := utils.ValidateImageConstraints(img, s.constraints); err != nil {
		ie := &InputError{Reason: "invalid image", Err: err}
		s.observe(nil, ie)
		return nil, ie
	}

	var (
		segRes *segmenter.Result
		clsRes *classifier.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.Now()
		res, err := s.seg.Segment(gctx, img)
		s.observeBranch(BranchSegmentation, time.Since(t), err)
		if err != nil {
			return classify(BranchSegmentation, err)
		}
		segRes = res
		return nil
	})
	g.Go(func() error {
		t := time.Now()
		res, err := s.cls.Classify(gctx, img)
		s.observeBranch(BranchClassification, time.Since(t), err)
		if err != nil {
			return classify(BranchClassification, err)
		}
		clsRes = res
		return nil
	})
	if err := g.Wait(); err != nil {
		s.observe(nil, err)
		return nil, err
	}

	pngData, err := overlay.EncodePNG(segRes.Overlay)
	if err != nil {
		me := &ModelError{Branch: BranchSegmentation, Err: err}
		s.observe(nil, me)
		return nil, me
	}

	a := &Analysis{
		ID:             s.newKey(),
		CreatedAt:      time.Now().UTC(),
		Classification: clsRes,
		Segmentation: Segmentation{
			Coverage: segRes.Coverage,
			Width:    segRes.Mask.Width,
			Height:   segRes.Mask.Height,
		},
		OverlayPNG: pngData,
		Timing: Timing{
			Decode:         decode,
			Segmentation:   segRes.Duration,
			Classification: clsRes.Duration,
		},
	}

	if persist && s.store != nil {
		t := time.Now()
		if err := s.store.Put(ctx, a.ID, pngData); err != nil {
			wrapped := fmt.Errorf("%w: %w", ErrStore, err)
			s.observe(nil, wrapped)
			return nil, wrapped
		}
		a.Segmentation.OverlayKey = a.ID
		a.Timing.Store = time.Since(t)
	}

	a.Timing.Total = time.Since(start)
	slog.Info("Analysis complete",
		"id", a.ID,
		"label", clsRes.Label,
		"confidence", clsRes.Confidence,
		"coverage", segRes.Coverage,
		"duration_ms", a.Timing.Total.Milliseconds())
	s.observe(a, nil)
	return a, nil
}

// classify maps a branch failure onto the error taxonomy.
func classify(branch string, err error) error {
	var ipe *utils.ImageProcessingError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &ipe):
		return &InputError{Reason: "invalid image", Err: err}
	default:
		return &ModelError{Branch: branch, Err: err}
	}
}

func (s *Service) observeBranch(branch string, d time.Duration, err error) {
	if s.observer != nil {
		s.observer.ObserveBranch(branch, d, err)
	}
}

func (s *Service) observe(a *Analysis, err error) {
	if s.observer != nil {
		s.observer.ObserveAnalysis(a, err)
	}
}
