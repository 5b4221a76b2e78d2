package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ImageSize represents common image dimensions.
type ImageSize struct {
	Width  int
	Height int
}

var (
	// Common scan sizes.
	ModelSize  = ImageSize{256, 256}
	SmallSize  = ImageSize{128, 128}
	ExportSize = ImageSize{512, 512}
	WideSize   = ImageSize{630, 420}
)

// ScanConfig describes a synthetic brain scan.
type ScanConfig struct {
	Size       ImageSize
	Background uint8 // gray level outside the skull
	Tissue     uint8 // gray level of the brain
	Lesion     uint8 // gray level of the bright region, 0 disables it
	LesionX    float64
	LesionY    float64 // centre as a fraction of width and height
	LesionR    float64 // radius as a fraction of the shorter side
	Label      string  // burned-in annotation, as scanner exports carry
}

// DefaultScanConfig returns a 256x256 scan with a bright lesion upper left.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		Size:       ModelSize,
		Background: 0,
		Tissue:     90,
		Lesion:     220,
		LesionX:    0.35,
		LesionY:    0.4,
		LesionR:    0.1,
		Label:      "",
	}
}

// GenerateScan draws an elliptical head with an optional circular lesion.
func GenerateScan(cfg ScanConfig) *image.RGBA {
	w, h := cfg.Size.Width, cfg.Size.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{gray(cfg.Background)}, image.Point{}, draw.Src)

	cx, cy := float64(w)/2, float64(h)/2
	rx, ry := float64(w)*0.42, float64(h)*0.46
	lx, ly := cfg.LesionX*float64(w), cfg.LesionY*float64(h)
	lr := cfg.LesionR * math.Min(float64(w), float64(h))

	for y := range h {
		for x := range w {
			fx, fy := float64(x)+0.5, float64(y)+0.5
			dx, dy := (fx-cx)/rx, (fy-cy)/ry
			if dx*dx+dy*dy > 1 {
				continue
			}
			v := cfg.Tissue
			if cfg.Lesion != 0 && math.Hypot(fx-lx, fy-ly) <= lr {
				v = cfg.Lesion
			}
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}

	if cfg.Label != "" {
		drawer := &font.Drawer{
			Dst:  img,
			Src:  image.White,
			Face: basicfont.Face7x13,
			Dot:  fixed.P(4, 4+basicfont.Face7x13.Metrics().Ascent.Ceil()),
		}
		drawer.DrawString(cfg.Label)
	}
	return img
}

func gray(v uint8) color.RGBA { return color.RGBA{R: v, G: v, B: v, A: 255} }

// CreateTestImage returns a solid image.
func CreateTestImage(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)
	return img
}

// CreateGrayImage returns a solid gray image.
func CreateGrayImage(width, height int, v uint8) *image.RGBA {
	return CreateTestImage(width, height, gray(v))
}

// CreateGradientImage returns a horizontal black to white ramp.
func CreateGradientImage(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			v := uint8(0)
			if width > 1 {
				v = uint8(x * 255 / (width - 1))
			}
			img.SetRGBA(x, y, gray(v))
		}
	}
	return img
}

// EncodePNG encodes img as PNG bytes.
func EncodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img), "Failed to encode PNG image")
	return buf.Bytes()
}

// EncodeJPEG encodes img as JPEG bytes.
func EncodeJPEG(t *testing.T, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}), "Failed to encode JPEG image")
	return buf.Bytes()
}

// SaveImage saves an image to the specified path, choosing the encoder by
// extension.
func SaveImage(t *testing.T, img image.Image, path string) {
	t.Helper()

	dir := filepath.Dir(path)
	require.NoError(t, EnsureDir(dir), "Failed to create directory %s", dir)
	require.NoError(t, imaging.Save(img, path), "Failed to save image %s", path)
}

// LoadImage loads an image from the specified path.
func LoadImage(t *testing.T, path string) image.Image {
	t.Helper()

	file, err := os.Open(path) //nolint:gosec // G304: Test file reading with controlled path
	require.NoError(t, err, "Failed to open image file %s", path)
	defer func() { _ = file.Close() }()

	img, _, err := image.Decode(file)
	require.NoError(t, err, "Failed to decode image")
	return img
}

// CompareImages reports whether two images differ by at most tolerance,
// measured as the mean normalized RGBA distance.
func CompareImages(img1, img2 image.Image, tolerance float64) bool {
	bounds1 := img1.Bounds()
	if bounds1 != img2.Bounds() {
		return false
	}

	var totalDiff, pixelCount float64
	for y := bounds1.Min.Y; y < bounds1.Max.Y; y++ {
		for x := bounds1.Min.X; x < bounds1.Max.X; x++ {
			r1, g1, b1, a1 := img1.At(x, y).RGBA()
			r2, g2, b2, a2 := img2.At(x, y).RGBA()

			dr := float64(r1) - float64(r2)
			dg := float64(g1) - float64(g2)
			db := float64(b1) - float64(b2)
			da := float64(a1) - float64(a2)

			totalDiff += math.Sqrt(dr*dr + dg*dg + db*db + da*da)
			pixelCount++
		}
	}
	if pixelCount == 0 {
		return true
	}

	maxDiff := math.Sqrt(4 * 65535 * 65535)
	return (totalDiff/pixelCount)/maxDiff <= tolerance
}
