package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/medvision/internal/artifact"
	"github.com/MeKo-Tech/medvision/internal/classifier"
	"github.com/MeKo-Tech/medvision/internal/config"
	"github.com/MeKo-Tech/medvision/internal/inference"
	"github.com/MeKo-Tech/medvision/internal/models"
	"github.com/MeKo-Tech/medvision/internal/segmenter"
)

// modelLoader opens the two networks for the given branch configurations.
type modelLoader func(seg segmenter.Config, cls classifier.Config, libraryPath string) (segmenter.Model, classifier.Model, error)

// loadModels is swapped for scripted models in tests.
var loadModels modelLoader = loadONNXModels

func loadONNXModels(segCfg segmenter.Config, clsCfg classifier.Config, libraryPath string) (segmenter.Model, classifier.Model, error) {
	for _, p := range []string{segCfg.ModelPath, clsCfg.ModelPath} {
		if err := models.ValidateModelExists(p); err != nil {
			return nil, nil, err
		}
	}
	segModel, err := segmenter.NewONNXModel(segCfg, libraryPath)
	if err != nil {
		return nil, nil, err
	}
	clsModel, err := classifier.NewONNXModel(clsCfg, libraryPath)
	if err != nil {
		_ = segModel.Close()
		return nil, nil, err
	}
	return segModel, clsModel, nil
}

// pipeline owns the inference service and the model sessions behind it.
type pipeline struct {
	svc *inference.Service
	seg *segmenter.Segmenter
	cls *classifier.Classifier
}

// Close releases both model sessions.
func (p *pipeline) Close() error {
	return errors.Join(p.seg.Close(), p.cls.Close())
}

// buildPipeline loads the manifest and models named by cfg and wires them
// into an inference service storing overlays in store.
func buildPipeline(cfg *config.Config, store artifact.Store, opts ...inference.Option) (*pipeline, error) {
	manifest, err := models.LoadManifestOrDefault(models.GetManifestPath(cfg.ModelsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to load model manifest: %w", err)
	}

	segCfg := cfg.ToSegmenterConfig()
	clsCfg := cfg.ToClassifierConfig(&manifest)
	slog.Debug("Loading models",
		"segmentation", segCfg.ModelPath,
		"classification", clsCfg.ModelPath,
		"classes", clsCfg.Classes,
		"gpu", segCfg.GPU.UseGPU)

	segModel, clsModel, err := loadModels(segCfg, clsCfg, cfg.ONNX.LibraryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}

	seg, err := segmenter.New(segCfg, segModel)
	if err != nil {
		_ = segModel.Close()
		_ = clsModel.Close()
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}
	cls, err := classifier.New(clsCfg, clsModel)
	if err != nil {
		_ = seg.Close()
		_ = clsModel.Close()
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}

	svc, err := inference.NewService(seg, cls, store, opts...)
	if err != nil {
		_ = seg.Close()
		_ = cls.Close()
		return nil, err
	}
	return &pipeline{svc: svc, seg: seg, cls: cls}, nil
}
