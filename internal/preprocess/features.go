// Package preprocess turns camera frames into the feature vectors the model
// runner expects: cover resize, center crop and per-pixel channel packing.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"math"

	"ei-camera-detect/internal/models"

	"github.com/disintegration/imaging"
)

// ErrEmptyImage is returned for images or geometries without pixels.
var ErrEmptyImage = errors.New("image has no pixels")

// Resizer scales an image to exactly width x height using area averaging.
type Resizer interface {
	Resize(img image.Image, width, height int) image.Image
}

// BoxResizer is a pure Go area-averaging resizer.
type BoxResizer struct{}

// Resize implements Resizer.
func (BoxResizer) Resize(img image.Image, width, height int) image.Image {
	return imaging.Resize(img, width, height, imaging.Box)
}

// Plan is the resize and crop geometry for one source size.
type Plan struct {
	Scale        float64
	ResizeWidth  int
	ResizeHeight int
	Crop         image.Rectangle
}

// PlanFor computes the cover resize and center crop for a source of
// srcW x srcH pixels and the model geometry g.
func PlanFor(srcW, srcH int, g models.ModelGeometry) (Plan, error) {
	if srcW <= 0 || srcH <= 0 {
		return Plan{}, fmt.Errorf("source %dx%d: %w", srcW, srcH, ErrEmptyImage)
	}
	if g.InputWidth <= 0 || g.InputHeight <= 0 {
		return Plan{}, fmt.Errorf("model input %dx%d: %w", g.InputWidth, g.InputHeight, ErrEmptyImage)
	}

	factorW := float64(g.InputWidth) / float64(srcW)
	factorH := float64(g.InputHeight) / float64(srcH)
	scale := math.Max(factorW, factorH)

	// The dominant axis lands exactly on the target; rounding noise on it must
	// never leave the resized image a pixel short.
	resizeW := max(int(math.Round(scale*float64(srcW))), g.InputWidth)
	resizeH := max(int(math.Round(scale*float64(srcH))), g.InputHeight)

	cropX := (resizeW - g.InputWidth) / 2
	cropY := (resizeH - g.InputHeight) / 2

	return Plan{
		Scale:        scale,
		ResizeWidth:  resizeW,
		ResizeHeight: resizeH,
		Crop:         image.Rect(cropX, cropY, cropX+g.InputWidth, cropY+g.InputHeight),
	}, nil
}

// Preprocessor extracts feature vectors from frames.
type Preprocessor struct {
	resizer Resizer
}

// New creates a Preprocessor. A nil resizer selects BoxResizer.
func New(resizer Resizer) *Preprocessor {
	if resizer == nil {
		resizer = BoxResizer{}
	}
	return &Preprocessor{resizer: resizer}
}

// Extract resizes and crops img to the model geometry and packs the result.
// It returns the features and the cropped image that was packed.
func (p *Preprocessor) Extract(img image.Image, g models.ModelGeometry) (models.FeatureVector, *image.NRGBA, error) {
	bounds := img.Bounds()
	plan, err := PlanFor(bounds.Dx(), bounds.Dy(), g)
	if err != nil {
		return nil, nil, err
	}

	resized := p.resizer.Resize(img, plan.ResizeWidth, plan.ResizeHeight)
	cropped := imaging.Crop(resized, plan.Crop.Add(resized.Bounds().Min))
	if cropped.Bounds().Dx() != g.InputWidth || cropped.Bounds().Dy() != g.InputHeight {
		return nil, nil, fmt.Errorf("resizer returned %v, cannot crop %v", resized.Bounds(), plan.Crop)
	}

	if g.Grayscale {
		cropped = imaging.Grayscale(cropped)
	}
	return Pack(cropped, g.Grayscale), cropped, nil
}

// PackRGB packs one colour pixel as r<<16 | g<<8 | b.
func PackRGB(r, g, b uint8) int {
	return int(r)<<16 | int(g)<<8 | int(b)
}

// PackGray replicates a luma value across all three channels.
func PackGray(p uint8) int {
	return int(p)<<16 | int(p)<<8 | int(p)
}

// Pack flattens img row-major into packed pixel values. For grayscale the
// red channel is taken as the luma value.
func Pack(img *image.NRGBA, grayscale bool) models.FeatureVector {
	b := img.Bounds()
	features := make(models.FeatureVector, 0, b.Dx()*b.Dy())
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			if grayscale {
				features = append(features, PackGray(row[x]))
			} else {
				features = append(features, PackRGB(row[x], row[x+1], row[x+2]))
			}
		}
	}
	return features
}
