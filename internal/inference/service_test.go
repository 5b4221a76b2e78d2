package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/MeKo-Tech/medvision/internal/artifact"
	"github.com/MeKo-Tech/medvision/internal/classifier"
	"github.com/MeKo-Tech/medvision/internal/onnx"
	"github.com/MeKo-Tech/medvision/internal/onnx/mock"
	"github.com/MeKo-Tech/medvision/internal/segmenter"
	"github.com/MeKo-Tech/medvision/internal/testutil"
	"github.com/MeKo-Tech/medvision/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	segModel *mock.Model
	clsModel *mock.Model
	store    *artifact.MemoryStore
	svc      *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		segModel: &mock.Model{Output: mock.NewDiskMap(256, 256, 90, 100, 30, 0.95, 0.05).NHWC()},
		clsModel: &mock.Model{Output: mock.NewClassLogits(4, 0, 3, -1)},
		store:    artifact.NewMemoryStore(16),
	}
	seg, err := segmenter.New(segmenter.DefaultConfig(), f.segModel)
	require.NoError(t, err)
	cls, err := classifier.New(classifier.DefaultConfig(), f.clsModel)
	require.NoError(t, err)
	f.svc, err = NewService(seg, cls, f.store, opts...)
	require.NoError(t, err)
	return f
}

func TestNewService_RequiresBranches(t *testing.T) {
	_, err := NewService(nil, nil, nil)
	assert.Error(t, err)

	seg, err := segmenter.New(segmenter.DefaultConfig(), &mock.Model{})
	require.NoError(t, err)
	_, err = NewService(seg, nil, nil)
	assert.Error(t, err)
}

func TestAnalyze(t *testing.T) {
	f := newFixture(t)
	data := testutil.EncodePNG(t, testutil.GenerateScan(testutil.DefaultScanConfig()))

	a, err := f.svc.Analyze(context.Background(), data)
	require.NoError(t, err)

	assert.True(t, artifact.ValidKey(a.ID))
	assert.Equal(t, a.ID, a.Segmentation.OverlayKey)
	assert.Equal(t, "glioma", a.Classification.Label)
	assert.Equal(t, 256, a.Segmentation.Width)
	assert.Greater(t, a.Segmentation.Coverage, 0.0)
	assert.Less(t, a.Segmentation.Coverage, 0.2)
	assert.Positive(t, a.Timing.Total)

	stored, err := f.store.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.OverlayPNG, stored)

	decoded, err := png.Decode(bytes.NewReader(a.OverlayPNG))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 256, 256), decoded.Bounds())

	assert.Equal(t, 1, f.segModel.Calls())
	assert.Equal(t, 1, f.clsModel.Calls())
}

func TestAnalyze_BothBranchesSeeSamePixels(t *testing.T) {
	f := newFixture(t)
	data := testutil.EncodePNG(t, testutil.CreateGrayImage(256, 256, 128))

	_, err := f.svc.Analyze(context.Background(), data)
	require.NoError(t, err)

	segIn, ok := f.segModel.LastInput()
	require.True(t, ok)
	clsIn, ok := f.clsModel.LastInput()
	require.True(t, ok)

	v := float32(128) / 255
	assert.InDelta(t, v, segIn.Data[0], 1e-6)
	assert.InDelta(t, (v-0.485)/0.229, clsIn.Data[0], 1e-4)
}

func TestAnalyze_InputErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		data []byte
	}{
		{name: "missing", data: nil},
		{name: "undecodable", data: []byte("GIF89a but not really")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Analyze(context.Background(), tt.data)
			require.Error(t, err)
			assert.True(t, IsInputError(err))
			assert.False(t, IsModelError(err))
		})
	}
	assert.Zero(t, f.segModel.Calls(), "models never run on bad input")
}

func TestAnalyze_TooLarge(t *testing.T) {
	f := newFixture(t, WithConstraints(utils.ImageConstraints{MinWidth: 1, MinHeight: 1, MaxWidth: 64, MaxHeight: 64}))
	_, err := f.svc.Analyze(context.Background(), testutil.EncodePNG(t, testutil.CreateGrayImage(65, 10, 1)))
	require.Error(t, err)
	assert.True(t, IsInputError(err))
}

func TestAnalyze_ModelFailureAbortsRequest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fixture)
		branch string
	}{
		{
			name:   "segmentation",
			mutate: func(f *fixture) { f.segModel.Err = errors.New("session crashed") },
			branch: BranchSegmentation,
		},
		{
			name:   "classification",
			mutate: func(f *fixture) { f.clsModel.Output = onnx.Tensor{Data: []float32{1}, Shape: []int64{1, 1}} },
			branch: BranchClassification,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.mutate(f)
			_, err := f.svc.Analyze(context.Background(), testutil.EncodePNG(t, testutil.CreateGrayImage(32, 32, 9)))
			require.Error(t, err)

			var me *ModelError
			require.ErrorAs(t, err, &me)
			assert.Equal(t, tt.branch, me.Branch)
			assert.False(t, IsInputError(err))
			assert.Zero(t, f.store.Len(), "no partial result stored")
		})
	}
}

type failingStore struct{ artifact.Store }

func (failingStore) Put(context.Context, string, []byte) error { return errors.New("disk full") }

func TestAnalyze_StoreFailure(t *testing.T) {
	seg, err := segmenter.New(segmenter.DefaultConfig(), &mock.Model{Output: mock.NewUniformMap(16, 16, 0).NHWC()})
	require.NoError(t, err)
	cls, err := classifier.New(classifier.DefaultConfig(), &mock.Model{Output: mock.NewClassLogits(4, 1, 1, 0)})
	require.NoError(t, err)
	svc, err := NewService(seg, cls, failingStore{})
	require.NoError(t, err)

	_, err = svc.Analyze(context.Background(), testutil.EncodePNG(t, testutil.CreateGrayImage(8, 8, 0)))
	require.ErrorIs(t, err, ErrStore)
	assert.False(t, IsInputError(err))
	assert.False(t, IsModelError(err))
}

func TestAnalyze_NilStoreReturnsOverlay(t *testing.T) {
	seg, err := segmenter.New(segmenter.DefaultConfig(), &mock.Model{Output: mock.NewUniformMap(16, 16, 1).NHWC()})
	require.NoError(t, err)
	cls, err := classifier.New(classifier.DefaultConfig(), &mock.Model{Output: mock.NewClassLogits(4, 3, 1, 0)})
	require.NoError(t, err)
	svc, err := NewService(seg, cls, nil, WithKeyFunc(func() string { return "fixed" }))
	require.NoError(t, err)

	a, err := svc.AnalyzeImage(context.Background(), testutil.CreateGrayImage(40, 40, 10))
	require.NoError(t, err)
	assert.Equal(t, "fixed", a.ID)
	assert.Empty(t, a.Segmentation.OverlayKey)
	assert.NotEmpty(t, a.OverlayPNG)
	assert.Equal(t, "pituitary", a.Classification.Label)
	assert.InDelta(t, 1.0, a.Segmentation.Coverage, 1e-12)
}

func TestAnalyze_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.AnalyzeImage(ctx, testutil.CreateGrayImage(16, 16, 0))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsModelError(err))
}

func TestAnalyze_ConcurrentRequestsKeepOwnOverlay(t *testing.T) {
	// Segmentation output follows the input brightness, so each request has a
	// distinct overlay and the stored artifact must match its own response.
	segModel := &mock.Model{Fn: func(in onnx.Tensor) (onnx.Tensor, error) {
		v := float32(0)
		if in.Data[0] > 0.5 {
			v = 1
		}
		return mock.NewUniformMap(16, 16, v).NHWC(), nil
	}}
	seg, err := segmenter.New(segmenter.DefaultConfig(), segModel)
	require.NoError(t, err)
	cls, err := classifier.New(classifier.DefaultConfig(), &mock.Model{Output: mock.NewClassLogits(4, 2, 1, 0)})
	require.NoError(t, err)
	store := artifact.NewMemoryStore(64)
	svc, err := NewService(seg, cls, store)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			level := uint8(20)
			if i%2 == 0 {
				level = 230
			}
			a, err := svc.AnalyzeImage(context.Background(), testutil.CreateGrayImage(32, 32, level))
			if !assert.NoError(t, err) {
				return
			}
			stored, err := store.Get(context.Background(), a.Segmentation.OverlayKey)
			assert.NoError(t, err)
			assert.Equal(t, a.OverlayPNG, stored, fmt.Sprintf("request %d", i))
			want := 0.0
			if level > 128 {
				want = 1
			}
			assert.InDelta(t, want, a.Segmentation.Coverage, 1e-12)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, store.Len())
}

type recordingObserver struct {
	mu       sync.Mutex
	branches []string
	analyses int
	failures int
}

func (o *recordingObserver) ObserveBranch(branch string, _ time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.branches = append(o.branches, branch)
}

func (o *recordingObserver) ObserveAnalysis(_ *Analysis, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.failures++
		return
	}
	o.analyses++
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, WithObserver(obs))

	_, err := f.svc.AnalyzeImage(context.Background(), testutil.CreateGrayImage(16, 16, 0))
	require.NoError(t, err)
	_, err = f.svc.Analyze(context.Background(), nil)
	require.Error(t, err)

	assert.ElementsMatch(t, []string{BranchSegmentation, BranchClassification}, obs.branches)
	assert.Equal(t, 1, obs.analyses)
	assert.Equal(t, 1, obs.failures)
}

func TestWarmup(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Warmup(context.Background(), 0))
	assert.Equal(t, 1, f.segModel.Calls())
	assert.Zero(t, f.store.Len(), "warmup does not store overlays")
}

func TestErrorTypes(t *testing.T) {
	ie := &InputError{Reason: "invalid image", Err: errors.New("bad header")}
	assert.Equal(t, "invalid image: bad header", ie.Error())
	assert.Equal(t, "no image", (&InputError{Reason: "no image"}).Error())

	me := &ModelError{Branch: BranchClassification, Err: errors.New("boom")}
	assert.Equal(t, "classification failed: boom", me.Error())
	assert.True(t, IsModelError(fmt.Errorf("wrapped: %w", me)))
}
