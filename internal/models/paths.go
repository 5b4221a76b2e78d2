package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Model file name constants.
const (
	SegmentationUNETR = "unetr_segmentation.onnx"
	ClassificationViT = "vit_classifier.onnx"
	ManifestFile      = "manifest.yaml"
)

// Model type categories for organized directory structure.
const (
	TypeSegmentation   = "segmentation"
	TypeClassification = "classification"
)

// Default models directory.
const DefaultModelsDir = "models"

// Environment variable for models directory override.
const EnvModelsDir = "MEDVISION_MODELS_DIR"

// findProjectRoot finds the project root by looking for go.mod.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", errors.New("could not find project root (go.mod not found)")
}

// ModelInfo contains metadata about a model.
type ModelInfo struct {
	Name        string
	Type        string
	Description string
	Filename    string
}

// GetModelsDir returns the models directory path from various sources
// Priority: 1. Explicit modelsDir parameter, 2. Environment variable, 3. Project root + default.
func GetModelsDir(modelsDir string) string {
	if modelsDir != "" {
		return modelsDir
	}

	if envDir := os.Getenv(EnvModelsDir); envDir != "" {
		return envDir
	}

	if projectRoot, err := findProjectRoot(); err == nil {
		return filepath.Join(projectRoot, DefaultModelsDir)
	}

	return DefaultModelsDir
}

// ResolveModelPath resolves a model filename to its full path. The organized
// layout (<dir>/<type>/<file>) wins when present, otherwise the flat layout
// (<dir>/<file>) is returned.
func ResolveModelPath(modelsDir, modelType, filename string) string {
	baseDir := GetModelsDir(modelsDir)

	if modelType != "" {
		organizedPath := filepath.Join(baseDir, modelType, filename)
		if _, err := os.Stat(organizedPath); err == nil {
			return organizedPath
		}
	}

	return filepath.Join(baseDir, filename)
}

// GetSegmentationModelPath returns the path for the segmentation model.
func GetSegmentationModelPath(modelsDir string) string {
	return ResolveModelPath(modelsDir, TypeSegmentation, SegmentationUNETR)
}

// GetClassificationModelPath returns the path for the classification model.
func GetClassificationModelPath(modelsDir string) string {
	return ResolveModelPath(modelsDir, TypeClassification, ClassificationViT)
}

// GetManifestPath returns the path of the model manifest.
func GetManifestPath(modelsDir string) string {
	return filepath.Join(GetModelsDir(modelsDir), ManifestFile)
}

// ValidateModelExists checks if a model file exists at the given path.
func ValidateModelExists(modelPath string) error {
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", modelPath)
	}
	return nil
}

// ListAvailableModels returns information about the known models.
func ListAvailableModels() []ModelInfo {
	return []ModelInfo{
		{
			Name:        "unetr-segmentation",
			Type:        TypeSegmentation,
			Description: "UNETR 2D tumor segmentation over 16x16 patches",
			Filename:    SegmentationUNETR,
		},
		{
			Name:        "vit-classifier",
			Type:        TypeClassification,
			Description: "ViT tumor classifier (glioma, meningioma, notumor, pituitary)",
			Filename:    ClassificationViT,
		},
	}
}
