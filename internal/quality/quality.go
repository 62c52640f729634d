// Package quality decides whether an uploaded document image is usable for
// OCR. Its findings are advisory: a poor image still goes through
// recognition, the issues only route the result to manual review. The one
// hard failure is an image that cannot be decoded at all.
package quality

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"
	"unicode"

	"github.com/disintegration/imaging"

	"github.com/zombor/ocr-review/internal/scanning"
)

// ErrUndecodable is returned by Decode when the upload is not an image the
// pipeline can read.
var ErrUndecodable = errors.New("document image could not be decoded")

// Issue codes reported in Result.Issues
const (
	IssueLowResolution  = "low_resolution"
	IssueBlurry         = "blurry"
	IssueLowContrast    = "low_contrast"
	IssueExcessiveSkew  = "excessive_skew"
	IssueLowTextDensity = "low_text_density"
)

// analysisWidth is the width images are downscaled to before measuring.
const analysisWidth = 800

// Config holds the thresholds used by Checker
type Config struct {
	MinWidth       int
	MinHeight      int
	BlurThreshold  float64 // minimum edge variance
	MinContrast    float64 // minimum luminance standard deviation (0-255)
	MaxSkewDegrees float64
	MinTextChars   int
}

// DefaultConfig returns the thresholds used when none are configured
func DefaultConfig() Config {
	return Config{
		MinWidth:       600,
		MinHeight:      600,
		BlurThreshold:  60,
		MinContrast:    25,
		MaxSkewDegrees: 5,
		MinTextChars:   40,
	}
}

// Result is the outcome of a quality check
type Result struct {
	IsGoodQuality bool     `json:"is_good_quality"`
	Issues        []string `json:"issues"`
	Width         int      `json:"width,omitempty"`
	Height        int      `json:"height,omitempty"`
	Sharpness     float64  `json:"sharpness,omitempty"`
	Contrast      float64  `json:"contrast,omitempty"`
	SkewDegrees   float64  `json:"skew_degrees,omitempty"`
}

// AddIssue records an issue once and marks the result as not good quality
func (r *Result) AddIssue(issue string) {
	for _, existing := range r.Issues {
		if existing == issue {
			return
		}
	}
	r.Issues = append(r.Issues, issue)
	r.IsGoodQuality = false
}

// Checker evaluates document images. It is a pure function of its input.
type Checker struct {
	cfg Config
}

// NewChecker creates a Checker
func NewChecker(cfg Config) *Checker {
	return &Checker{cfg: cfg}
}

// Decode decodes the upload, turning any failure into ErrUndecodable
func Decode(data []byte, contentType string) (image.Image, error) {
	img, err := scanning.DecodeImage(data, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return img, nil
}

// Check measures resolution, sharpness, contrast and skew of img
func (c *Checker) Check(img image.Image) Result {
	bounds := img.Bounds()
	res := Result{
		IsGoodQuality: true,
		Issues:        []string{},
		Width:         bounds.Dx(),
		Height:        bounds.Dy(),
	}

	if res.Width < c.cfg.MinWidth || res.Height < c.cfg.MinHeight {
		res.AddIssue(IssueLowResolution)
	}

	gray := imaging.Grayscale(img)
	if gray.Bounds().Dx() > analysisWidth {
		gray = imaging.Resize(gray, analysisWidth, 0, imaging.Box)
	}

	res.Sharpness = round2(edgeVariance(gray))
	if res.Sharpness < c.cfg.BlurThreshold {
		res.AddIssue(IssueBlurry)
	}

	res.Contrast = round2(luminanceStdDev(gray))
	if res.Contrast < c.cfg.MinContrast {
		res.AddIssue(IssueLowContrast)
	}

	// Skew is meaningless on a flat image
	if res.Contrast >= c.cfg.MinContrast {
		res.SkewDegrees = estimateSkew(gray)
		if math.Abs(res.SkewDegrees) > c.cfg.MaxSkewDegrees {
			res.AddIssue(IssueExcessiveSkew)
		}
	}

	return res
}

// CheckText adds the text-density finding derived from the recognised text.
// It doubles as the only check available when no image could be analysed.
func (c *Checker) CheckText(res *Result, rawText string) {
	if countTextChars(rawText) < c.cfg.MinTextChars {
		res.AddIssue(IssueLowTextDensity)
	}
}

func countTextChars(text string) int {
	n := 0
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// edgeVariance is the variance of a 4-neighbour Laplacian over the image.
// Sharp text has strong edges and therefore high variance.
func edgeVariance(gray *image.NRGBA) float64 {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}
	var sum, sumSq float64
	n := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			lap := 4*lum(gray, x, y) - lum(gray, x-1, y) - lum(gray, x+1, y) - lum(gray, x, y-1) - lum(gray, x, y+1)
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

func luminanceStdDev(gray *image.NRGBA) float64 {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	var sum, sumSq float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := lum(gray, x, y)
			sum += v
			sumSq += v * v
		}
	}
	n := float64(w * h)
	mean := sum / n
	return math.Sqrt(math.Max(sumSq/n-mean*mean, 0))
}

// estimateSkew returns the rotation (in degrees) that maximises the variance
// of the horizontal ink projection. Text lines produce a sharply alternating
// profile only when they run horizontally.
func estimateSkew(gray *image.NRGBA) float64 {
	small := gray
	if small.Bounds().Dx() > 300 {
		small = imaging.Resize(gray, 300, 0, imaging.Box)
	}
	best, bestScore := 0.0, -1.0
	for angle := -15.0; angle <= 15.0; angle += 1.5 {
		rotated := small
		if angle != 0 {
			rotated = imaging.Rotate(small, angle, color.White)
		}
		if score := projectionVariance(rotated); score > bestScore {
			best, bestScore = angle, score
		}
	}
	// Rotating by +a straightens text skewed by -a
	return -best
}

func projectionVariance(gray *image.NRGBA) float64 {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if h == 0 {
		return 0
	}
	var sum, sumSq float64
	for y := 0; y < h; y++ {
		var ink float64
		for x := 0; x < w; x++ {
			ink += 255 - lum(gray, x, y)
		}
		sum += ink
		sumSq += ink * ink
	}
	mean := sum / float64(h)
	return sumSq/float64(h) - mean*mean
}

func lum(img *image.NRGBA, x, y int) float64 {
	i := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
	return float64(img.Pix[i])
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Summary renders the issues for log lines and error messages
func (r Result) Summary() string {
	if len(r.Issues) == 0 {
		return "ok"
	}
	return strings.Join(r.Issues, ",")
}
