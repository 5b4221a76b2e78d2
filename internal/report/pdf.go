package report

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	summaryWidth  = 620
	summaryHeight = 877
	summaryMargin = 24
	lineHeight    = 16
	wrapColumns   = 80
)

// RenderPDF renders a report as a PDF: a summary page followed by the
// overlay image when one is given.
func RenderPDF(r *Report, overlayPNG []byte) ([]byte, error) {
	if r == nil {
		return nil, errors.New("report is nil")
	}

	summary, err := encodePNG(renderSummary(r))
	if err != nil {
		return nil, err
	}
	pages := []io.Reader{bytes.NewReader(summary)}
	if len(overlayPNG) > 0 {
		if _, _, err := image.DecodeConfig(bytes.NewReader(overlayPNG)); err != nil {
			return nil, fmt.Errorf("invalid overlay image: %w", err)
		}
		pages = append(pages, bytes.NewReader(overlayPNG))
	}

	var buf bytes.Buffer
	conf := model.NewDefaultConfiguration()
	if err := api.ImportImages(nil, &buf, pages, pdfcpu.DefaultImportConfig(), conf); err != nil {
		return nil, fmt.Errorf("failed to render report pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// SummaryLines returns the text printed on the summary page.
func SummaryLines(r *Report) []string {
	lines := []string{
		"MedVision Analysis Report",
		"",
		"Report ID:   " + r.ID,
		fmt.Sprintf("Patient:     %s (%s)", r.PatientName, r.PatientID),
	}
	if r.PatientEmail != "" {
		lines = append(lines, "Email:       "+r.PatientEmail)
	}
	if r.PatientAge > 0 {
		lines = append(lines, fmt.Sprintf("Age:         %d", r.PatientAge))
	}
	if r.PatientGender != "" {
		lines = append(lines, "Gender:      "+r.PatientGender)
	}
	if r.ContactNumber != "" {
		lines = append(lines, "Contact:     "+r.ContactNumber)
	}
	lines = append(lines,
		"Created:     "+r.CreatedAt.UTC().Format("2006-01-02 15:04 MST"),
		"Status:      "+r.Status,
		"",
		fmt.Sprintf("Finding:     %s (confidence %.4f)", r.Classification.Label, r.Classification.Confidence),
	)

	labels := make([]string, 0, len(r.Classification.Probabilities))
	for label := range r.Classification.Probabilities {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		lines = append(lines, fmt.Sprintf("  %-12s %.4f", label, r.Classification.Probabilities[label]))
	}
	lines = append(lines, fmt.Sprintf("Tumor area:  %.2f%% of the scan", r.Coverage*100))

	if r.DoctorNotes != "" {
		lines = append(lines, "", "Doctor notes:")
		for _, para := range strings.Split(r.DoctorNotes, "\n") {
			lines = append(lines, wrap(para, wrapColumns)...)
		}
	}
	return lines
}

func renderSummary(r *Report) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, summaryWidth, summaryHeight))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: basicfont.Face7x13,
	}
	y := summaryMargin + basicfont.Face7x13.Ascent
	for _, line := range SummaryLines(r) {
		if y > summaryHeight-summaryMargin {
			break
		}
		d.Dot = fixed.P(summaryMargin, y)
		d.DrawString(line)
		y += lineHeight
	}
	return imaging.Resize(img, summaryWidth*2, summaryHeight*2, imaging.NearestNeighbor)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode summary page: %w", err)
	}
	return buf.Bytes(), nil
}

// wrap splits s on spaces into lines of at most width runes. Longer words
// get a line of their own.
func wrap(s string, width int) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return []string{""}
	}
	var lines []string
	var cur strings.Builder
	for _, w := range words {
		if cur.Len() > 0 && cur.Len()+1+len(w) > width {
			lines = append(lines, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	return append(lines, cur.String())
}
