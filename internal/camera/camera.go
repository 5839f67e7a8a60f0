// Package camera opens local capture devices through OpenCV.
package camera

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// ErrReadFailed is returned when the device delivers no frame.
var ErrReadFailed = errors.New("camera read failed")

// Source is an open capture device.
type Source struct {
	id     int
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	frame  gocv.Mat
	closed bool
}

// Open opens the capture device with the given index.
func Open(deviceID int) (*Source, error) {
	vc, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera %d: %w", deviceID, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("camera %d could not be opened", deviceID)
	}
	return &Source{id: deviceID, vc: vc, frame: gocv.NewMat()}, nil
}

// ID returns the device index.
func (s *Source) ID() int { return s.id }

// Read grabs one frame. The returned image is independent of the device
// buffer.
func (s *Source) Read() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("camera %d is closed: %w", s.id, ErrReadFailed)
	}
	if ok := s.vc.Read(&s.frame); !ok || s.frame.Empty() {
		return nil, fmt.Errorf("camera %d: %w", s.id, ErrReadFailed)
	}
	img, err := s.frame.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	return img, nil
}

// Resolution returns the frame size reported by the driver.
func (s *Source) Resolution() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.vc.Get(gocv.VideoCaptureFrameWidth)), int(s.vc.Get(gocv.VideoCaptureFrameHeight))
}

// Close releases the device. Further reads fail with ErrReadFailed.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.frame.Close()
	return s.vc.Close()
}

// Probe tries device indices 0..n-1 and returns those that deliver a frame.
func Probe(n int) []int {
	var found []int
	for id := 0; id < n; id++ {
		src, err := Open(id)
		if err != nil {
			continue
		}
		img, err := src.Read()
		if err == nil {
			backend := int(src.vc.Get(gocv.VideoCaptureBackend))
			log.Infof("Camera %s (%d x %d) found in port %d", backendName(backend), img.Bounds().Dx(), img.Bounds().Dy(), id)
			found = append(found, id)
		}
		src.Close()
	}
	return found
}

func backendName(id int) string {
	switch id {
	case 200:
		return "V4L2"
	case 700:
		return "DSHOW"
	case 1200:
		return "AVFOUNDATION"
	case 1400:
		return "MSMF"
	case 1800:
		return "GSTREAMER"
	case 1900:
		return "FFMPEG"
	default:
		return fmt.Sprintf("backend %d", id)
	}
}

// Select picks the device to use. An explicit index always wins. Otherwise
// exactly one probed device is required; none or several means no camera.
func Select(explicit, probeCount int) (int, bool) {
	if explicit >= 0 {
		return explicit, true
	}
	return choose(Probe(probeCount))
}

func choose(found []int) (int, bool) {
	switch len(found) {
	case 0:
		log.Warn("Cannot find any webcams, falling back to the test image")
		return 0, false
	case 1:
		return found[0], true
	default:
		log.Warnf("Multiple cameras found %v, add the camera port ID as a second argument to use a specific one", found)
		return 0, false
	}
}

// Verify opens the device and checks that its first read succeeds. A device
// that opens but delivers nothing is a fatal configuration error.
func Verify(deviceID int) (*Source, error) {
	src, err := Open(deviceID)
	if err != nil {
		return nil, err
	}
	img, err := src.Read()
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("capture device at port %d failed to read an image, is a camera connected? %w", deviceID, err)
	}
	w, h := src.Resolution()
	log.WithFields(log.Fields{
		"device": deviceID,
		"width":  w,
		"height": h,
	}).Infof("Camera selected, first frame %dx%d", img.Bounds().Dx(), img.Bounds().Dy())
	return src, nil
}

// LoadImage reads a still image from disk.
func LoadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", path, err)
	}
	return img, nil
}
