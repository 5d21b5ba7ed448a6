// Package formula gates embedded images into formula candidates and hands
// the survivors to a pluggable Transcriber for LaTeX transcription.
package formula

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
)

const (
	maxDimension  = 2000
	minDimension  = 20
	minAspect     = 0.3
	minLightRatio = 0.5
	lightPixelMin = 200
)

// Transcriber turns a candidate formula image into LaTeX. A real backend
// would wrap an OCR model; DeterministicTranscriber stands in for one when
// no such dependency exists in this module's stack.
type Transcriber interface {
	Transcribe(img image.Image) (string, bool)
}

// Detector runs the size/aspect/brightness gate and, for images that pass,
// asks a Transcriber for LaTeX.
type Detector struct {
	transcriber Transcriber
}

// NewDetector constructs a Detector. A nil transcriber falls back to
// DeterministicTranscriber.
func NewDetector(t Transcriber) *Detector {
	if t == nil {
		t = DeterministicTranscriber{}
	}
	return &Detector{transcriber: t}
}

// Detect decodes imageBytes and attempts LaTeX transcription. It tolerates
// any decode failure by returning ok=false, never an error — formula
// detection is best-effort and must never fail the pipeline.
func (d *Detector) Detect(imageBytes []byte) (latex string, ok bool) {
	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return "", false
	}
	if !isFormulaCandidate(img) {
		return "", false
	}
	out, ok := d.transcriber.Transcribe(img)
	if !ok {
		return "", false
	}
	out = strings.TrimSpace(out)
	if len(out) < 2 {
		return "", false
	}
	if !hasMathIndicator(out) && len(out) < 10 {
		return "", false
	}
	return out, true
}

// isFormulaCandidate applies the same heuristic as the original system:
// formulas are small-to-medium, not much taller than wide (w/h >= 0.3),
// and mostly light background.
func isFormulaCandidate(img image.Image) bool {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if w > maxDimension || h > maxDimension {
		return false
	}
	if w < minDimension || h < minDimension {
		return false
	}

	denom := h
	if denom < 1 {
		denom = 1
	}
	aspect := float64(w) / float64(denom)
	if aspect < minAspect {
		return false
	}

	total := w * h
	if total == 0 {
		return false
	}
	light := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			if gray.Y > lightPixelMin {
				light++
			}
		}
	}
	lightRatio := float64(light) / float64(total)
	return lightRatio >= minLightRatio
}

func hasMathIndicator(s string) bool {
	return strings.ContainsAny(s, `\^_{}+=()-*/`)
}

// DeterministicTranscriber is a dependency-free stand-in for a real OCR
// model. It cannot read symbols out of pixels, so it declines every image;
// wiring a real Transcriber (e.g. an OCR/ML backend) is a deployment concern
// outside this module.
type DeterministicTranscriber struct{}

// Transcribe always declines. Kept as a distinct type (rather than nil
// handling baked into Detector) so tests can substitute a fake that returns
// fixed LaTeX strings.
func (DeterministicTranscriber) Transcribe(img image.Image) (string, bool) {
	return "", false
}
