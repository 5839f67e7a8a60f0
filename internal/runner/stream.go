package runner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"ei-camera-detect/internal/models"

	log "github.com/sirupsen/logrus"
)

// ErrStreamClosed is returned by Next once the stream has been closed.
var ErrStreamClosed = errors.New("stream closed")

const defaultReadRetryDelay = 200 * time.Millisecond

// FrameSource produces camera frames. Read blocks until a frame is
// available or the device fails.
type FrameSource interface {
	Read() (image.Image, error)
	Close() error
}

// FeatureExtractor turns a frame into the model's feature vector and the
// cropped image it was computed from.
type FeatureExtractor interface {
	Extract(img image.Image, g models.ModelGeometry) (models.FeatureVector, *image.NRGBA, error)
}

// Item is one classified frame.
type Item struct {
	Result     *models.InferenceResult
	Frame      *image.NRGBA
	CapturedAt time.Time
}

type itemResult struct {
	item Item
	err  error
}

// Stream pulls frames from a source, preprocesses and classifies them on a
// worker goroutine. Each call to Next yields exactly one element.
type Stream struct {
	source     FrameSource
	extractor  FeatureExtractor
	classifier Classifier
	geometry   models.ModelGeometry
	retryDelay time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	demand    chan struct{}
	items     chan itemResult
	pending   bool // a demand was sent and its item not yet received
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewStream starts the worker. The caller keeps ownership of source and
// classifier; Close only stops the worker.
func NewStream(source FrameSource, extractor FeatureExtractor, classifier Classifier, g models.ModelGeometry, retryDelay time.Duration) *Stream {
	if retryDelay <= 0 {
		retryDelay = defaultReadRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		source:     source,
		extractor:  extractor,
		classifier: classifier,
		geometry:   g,
		retryDelay: retryDelay,
		ctx:        ctx,
		cancel:     cancel,
		demand:     make(chan struct{}),
		items:      make(chan itemResult),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Next returns the next classified frame. Next is not safe for concurrent
// use. If ctx ends while an element is in progress, Next returns ctx.Err()
// and the element is handed to the following call.
func (s *Stream) Next(ctx context.Context) (Item, error) {
	select {
	case <-s.ctx.Done():
		return Item{}, ErrStreamClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}

	if !s.pending {
		select {
		case <-s.ctx.Done():
			return Item{}, ErrStreamClosed
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case s.demand <- struct{}{}:
		}
		s.pending = true
	}

	select {
	case <-s.ctx.Done():
		return Item{}, ErrStreamClosed
	case <-ctx.Done():
		return Item{}, ctx.Err()
	case r := <-s.items:
		s.pending = false
		return r.item, r.err
	}
}

// Close stops the worker and waits for it to exit. The stream cannot be
// restarted.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *Stream) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.demand:
		}

		item, err := s.produce()
		select {
		case <-s.ctx.Done():
			return
		case s.items <- itemResult{item: item, err: err}:
		}
	}
}

func (s *Stream) produce() (Item, error) {
	frame, capturedAt, err := s.read()
	if err != nil {
		return Item{}, err
	}

	features, cropped, err := s.extractor.Extract(frame, s.geometry)
	if err != nil {
		return Item{}, fmt.Errorf("failed to preprocess frame: %w", err)
	}

	res, err := s.classifier.Classify(s.ctx, features)
	if err != nil {
		if s.ctx.Err() != nil {
			return Item{}, ErrStreamClosed
		}
		return Item{}, err
	}
	return Item{Result: res, Frame: cropped, CapturedAt: capturedAt}, nil
}

// read retries failed grabs until one succeeds or the stream is closed.
func (s *Stream) read() (image.Image, time.Time, error) {
	for {
		frame, err := s.source.Read()
		if err == nil {
			return frame, time.Now(), nil
		}
		log.WithError(err).Warn("Failed to read camera frame, retrying")

		select {
		case <-s.ctx.Done():
			return nil, time.Time{}, ErrStreamClosed
		case <-time.After(s.retryDelay):
		}
	}
}
