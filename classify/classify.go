// Package classify decides whether a rendered page bears a handwritten
// signature, using a fixed-geometry ink-density heuristic over the
// bottom-right region of the page.
package classify

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// Heuristic geometry and thresholds. The layout is fixed: a signature, if
// present, lands in the bottom-right region of page 1.
const (
	// ROIFractionX and ROIFractionY place the region-of-interest origin at
	// this fraction of the page width and height; the region extends to the
	// bottom-right corner.
	ROIFractionX = 0.75
	ROIFractionY = 0.75
	// InkThreshold is the grayscale intensity below which a pixel counts as
	// ink (inverted threshold: ink is darker than paper).
	InkThreshold = 180
	// MinBlobArea discards connected ink regions smaller than this many
	// pixels as noise.
	MinBlobArea = 150
	// SignedRatio is the ink coverage above which the region is classified
	// as signed.
	SignedRatio = 0.01
)

// Result is the outcome for one rendered page.
type Result struct {
	Signed      bool
	InkRatio    float64
	PreviewPath string
}

// Classifier applies the heuristic and writes an annotated preview image for
// every classification, signed or not. It is fail-closed: any processing
// problem yields a not-signed result instead of an error.
type Classifier struct {
	detectionsDir string
	logger        *slog.Logger
}

func New(detectionsDir string, logger *slog.Logger) (*Classifier, error) {
	if detectionsDir == "" {
		return nil, fmt.Errorf("detections directory is empty")
	}
	if err := os.MkdirAll(detectionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create detections directory: %w", err)
	}
	return &Classifier{detectionsDir: detectionsDir, logger: logger}, nil
}

// ROIOrigin returns the top-left corner of the region of interest for an
// image with the given bounds: floor(0.75*width), floor(0.75*height),
// relative to the bounds origin.
func ROIOrigin(bounds image.Rectangle) image.Point {
	return image.Point{
		X: bounds.Min.X + int(float64(bounds.Dx())*ROIFractionX),
		Y: bounds.Min.Y + int(float64(bounds.Dy())*ROIFractionY),
	}
}

// Classify measures ink coverage in the region of interest of img and writes
// the annotated preview as <stem>_detected.jpg in the detections directory.
// stem is the attachment filename without extension. A nil or degenerate
// image classifies as not signed.
func (c *Classifier) Classify(img image.Image, stem string) Result {
	result := Result{}
	if img == nil {
		return result
	}

	bounds := img.Bounds()
	origin := ROIOrigin(bounds)
	roi := image.Rect(origin.X, origin.Y, bounds.Max.X, bounds.Max.Y)
	if roi.Dx() <= 0 || roi.Dy() <= 0 {
		c.writePreview(img, roi, stem, &result)
		return result
	}

	crop := imaging.Crop(img, roi)
	gray := imaging.Grayscale(crop)

	mask := binarize(gray)
	inkArea := sumBlobAreas(mask, gray.Bounds().Dx(), gray.Bounds().Dy())

	totalArea := roi.Dx() * roi.Dy()
	result.InkRatio = float64(inkArea) / float64(totalArea)
	result.Signed = result.InkRatio > SignedRatio

	c.writePreview(img, roi, stem, &result)
	return result
}

// binarize marks every pixel darker than InkThreshold as ink.
func binarize(gray *image.NRGBA) []bool {
	bounds := gray.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	mask := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Grayscale NRGBA has R == G == B.
			if gray.NRGBAAt(bounds.Min.X+x, bounds.Min.Y+y).R < InkThreshold {
				mask[y*w+x] = true
			}
		}
	}
	return mask
}

// sumBlobAreas labels 4-connected ink regions and sums the pixel area of
// those at or above MinBlobArea.
func sumBlobAreas(mask []bool, w, h int) int {
	visited := make([]bool, len(mask))
	stack := make([]int, 0, 64)
	total := 0

	for start := range mask {
		if !mask[start] || visited[start] {
			continue
		}

		area := 0
		stack = append(stack[:0], start)
		visited[start] = true
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			area++

			x, y := idx%w, idx/w
			if x > 0 && mask[idx-1] && !visited[idx-1] {
				visited[idx-1] = true
				stack = append(stack, idx-1)
			}
			if x < w-1 && mask[idx+1] && !visited[idx+1] {
				visited[idx+1] = true
				stack = append(stack, idx+1)
			}
			if y > 0 && mask[idx-w] && !visited[idx-w] {
				visited[idx-w] = true
				stack = append(stack, idx-w)
			}
			if y < h-1 && mask[idx+w] && !visited[idx+w] {
				visited[idx+w] = true
				stack = append(stack, idx+w)
			}
		}

		if area >= MinBlobArea {
			total += area
		}
	}

	return total
}

// writePreview draws the ROI rectangle on a copy of the full page and saves
// it as an audit artifact. Failures are logged, never propagated: the preview
// is not a control-flow dependency.
func (c *Classifier) writePreview(img image.Image, roi image.Rectangle, stem string, result *Result) {
	preview := imaging.Clone(img)
	drawRect(preview, roi, color.NRGBA{G: 255, A: 255}, 2)

	path := filepath.Join(c.detectionsDir, stem+"_detected.jpg")
	if err := imaging.Save(preview, path); err != nil {
		if c.logger != nil {
			c.logger.Warn("write detection preview", "path", path, "err", err)
		}
		return
	}
	result.PreviewPath = path
	if c.logger != nil {
		c.logger.Info("detection preview saved", "path", path)
	}
}

func drawRect(img *image.NRGBA, rect image.Rectangle, col color.NRGBA, thickness int) {
	rect = rect.Intersect(img.Bounds())
	for t := 0; t < thickness; t++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			setIfInside(img, x, rect.Min.Y+t, col)
			setIfInside(img, x, rect.Max.Y-1-t, col)
		}
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			setIfInside(img, rect.Min.X+t, y, col)
			setIfInside(img, rect.Max.X-1-t, y, col)
		}
	}
}

func setIfInside(img *image.NRGBA, x, y int, col color.NRGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetNRGBA(x, y, col)
	}
}
