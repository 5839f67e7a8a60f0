package camera

import (
	"image"

	"ei-camera-detect/internal/preprocess"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// AreaResizer resizes with OpenCV's INTER_AREA interpolation, matching the
// resampling used when the models were trained.
type AreaResizer struct {
	fallback preprocess.BoxResizer
}

var _ preprocess.Resizer = AreaResizer{}

// Resize implements preprocess.Resizer. Conversion failures fall back to the
// pure Go box filter.
func (r AreaResizer) Resize(img image.Image, width, height int) image.Image {
	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		log.WithError(err).Debug("OpenCV conversion failed, using box filter")
		return r.fallback.Resize(img, width, height)
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Point{X: width, Y: height}, 0, 0, gocv.InterpolationArea)

	out, err := dst.ToImage()
	if err != nil {
		log.WithError(err).Debug("OpenCV conversion failed, using box filter")
		return r.fallback.Resize(img, width, height)
	}
	return out
}
