package models

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultClasses are the classifier labels in training order.
var DefaultClasses = []string{"glioma", "meningioma", "notumor", "pituitary"}

// Manifest describes the deployed models. It lives next to the model files
// as manifest.yaml.
type Manifest struct {
	Segmentation   SegmentationSpec   `yaml:"segmentation"`
	Classification ClassificationSpec `yaml:"classification"`
}

// SegmentationSpec describes the segmentation model input.
type SegmentationSpec struct {
	File         string `yaml:"file"`
	ImageSize    int    `yaml:"image_size"`
	PatchSize    int    `yaml:"patch_size"`
	Channels     int    `yaml:"channels"`
	ChannelOrder string `yaml:"channel_order"`
}

// ClassificationSpec describes the classification model input and labels.
type ClassificationSpec struct {
	File      string     `yaml:"file"`
	InputSize int        `yaml:"input_size"`
	Classes   []string   `yaml:"classes"`
	Mean      [3]float32 `yaml:"mean"`
	Std       [3]float32 `yaml:"std"`
}

// DefaultManifest returns the manifest of the stock models.
func DefaultManifest() Manifest {
	return Manifest{
		Segmentation: SegmentationSpec{
			File:         SegmentationUNETR,
			ImageSize:    256,
			PatchSize:    16,
			Channels:     3,
			ChannelOrder: "bgr",
		},
		Classification: ClassificationSpec{
			File:      ClassificationViT,
			InputSize: 224,
			Classes:   append([]string(nil), DefaultClasses...),
			Mean:      [3]float32{0.485, 0.456, 0.406},
			Std:       [3]float32{0.229, 0.224, 0.225},
		},
	}
}

// LoadManifest reads a manifest file. Missing fields keep their defaults.
// A missing file yields the default manifest and os.ErrNotExist.
func LoadManifest(path string) (Manifest, error) {
	m := DefaultManifest()
	data, err := os.ReadFile(path) //nolint:gosec // G304: manifest path comes from configuration
	if err != nil {
		return m, err
	}
	// Explicit lists replace the default class list instead of merging.
	m.Classification.Classes = nil
	if err := yaml.Unmarshal(data, &m); err != nil {
		return DefaultManifest(), fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if len(m.Classification.Classes) == 0 {
		m.Classification.Classes = append([]string(nil), DefaultClasses...)
	}
	if err := m.Validate(); err != nil {
		return DefaultManifest(), fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return m, nil
}

// LoadManifestOrDefault is LoadManifest that treats a missing file as the
// default manifest.
func LoadManifestOrDefault(path string) (Manifest, error) {
	m, err := LoadManifest(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	return m, err
}

// Validate checks internal consistency.
func (m Manifest) Validate() error {
	s := m.Segmentation
	if s.ImageSize <= 0 || s.PatchSize <= 0 || s.Channels <= 0 {
		return errors.New("segmentation sizes must be positive")
	}
	if s.ImageSize%s.PatchSize != 0 {
		return fmt.Errorf("segmentation image_size %d is not a multiple of patch_size %d", s.ImageSize, s.PatchSize)
	}
	if s.ChannelOrder != "" && s.ChannelOrder != "rgb" && s.ChannelOrder != "bgr" {
		return fmt.Errorf("unknown channel_order %q", s.ChannelOrder)
	}
	c := m.Classification
	if c.InputSize <= 0 {
		return errors.New("classification input_size must be positive")
	}
	seen := make(map[string]struct{}, len(c.Classes))
	for _, name := range c.Classes {
		if name == "" {
			return errors.New("empty class name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate class name %q", name)
		}
		seen[name] = struct{}{}
	}
	for i, s := range c.Std {
		if s == 0 {
			return fmt.Errorf("classification std[%d] is zero", i)
		}
	}
	return nil
}
