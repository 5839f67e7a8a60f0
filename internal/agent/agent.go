// Package agent runs the capture/dispatch loop: it paces frame requests,
// filters the classification results and forwards them as telemetry.
package agent

import (
	"context"
	"errors"
	"image"
	"time"

	"ei-camera-detect/internal/inference"
	"ei-camera-detect/internal/models"
	"ei-camera-detect/internal/runner"
	"ei-camera-detect/internal/twin"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Sender delivers a serialised envelope on a named output.
type Sender interface {
	SendMessageToOutput(ctx context.Context, payload []byte, output string) error
}

// Observer is notified after every processed frame.
type Observer interface {
	OnPrediction(ev models.PredictionEvent)
}

// FrameStream yields classified frames one at a time.
type FrameStream interface {
	Next(ctx context.Context) (runner.Item, error)
}

// Options configure the loop.
type Options struct {
	OutputName         string
	DeviceID           int
	IdlePollInterval   time.Duration
	TestImageDelay     time.Duration
	ExitAfterTestImage bool
}

// Status is a snapshot of the loop counters.
type Status struct {
	Frames         int64      `json:"frames"`
	Sent           int64      `json:"sent"`
	Suppressed     int64      `json:"suppressed"`
	Errors         int64      `json:"errors"`
	LastPrediction *time.Time `json:"last_prediction,omitempty"`
}

// Agent owns the loop state. Collaborators are injected so the loop can run
// against fakes.
type Agent struct {
	state      *twin.State
	info       *models.ModelInfo
	sender     Sender
	extractor  runner.FeatureExtractor
	classifier runner.Classifier
	opts       Options
	observers  []Observer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	frames     *atomic.Int64
	sent       *atomic.Int64
	suppressed *atomic.Int64
	failures   *atomic.Int64
	last       *atomic.Time
}

// New creates an Agent. sender may be nil when telemetry is disabled.
func New(state *twin.State, info *models.ModelInfo, sender Sender, extractor runner.FeatureExtractor, classifier runner.Classifier, opts Options) *Agent {
	if opts.OutputName == "" {
		opts.OutputName = "classification"
	}
	if opts.IdlePollInterval <= 0 {
		opts.IdlePollInterval = time.Second
	}
	return &Agent{
		state:      state,
		info:       info,
		sender:     sender,
		extractor:  extractor,
		classifier: classifier,
		opts:       opts,
		now:        time.Now,
		sleep:      sleepContext,
		frames:     atomic.NewInt64(0),
		sent:       atomic.NewInt64(0),
		suppressed: atomic.NewInt64(0),
		failures:   atomic.NewInt64(0),
		last:       atomic.NewTime(time.Time{}),
	}
}

// AddObserver registers o for prediction events. Not safe to call while
// the loop is running.
func (a *Agent) AddObserver(o Observer) {
	a.observers = append(a.observers, o)
}

// Status returns the current counters.
func (a *Agent) Status() Status {
	s := Status{
		Frames:     a.frames.Load(),
		Sent:       a.sent.Load(),
		Suppressed: a.suppressed.Load(),
		Errors:     a.failures.Load(),
	}
	if last := a.last.Load(); !last.IsZero() {
		s.LastPrediction = &last
	}
	return s
}

// RunStream processes frames from stream until ctx is cancelled. It returns
// an error only when the stream ends for another reason.
func (a *Agent) RunStream(ctx context.Context, stream FrameStream) error {
	next := a.now()
	for {
		if ctx.Err() != nil {
			return nil
		}

		cfg := a.state.Load()
		tick := time.Duration(cfg.FrameTickMilliseconds) * time.Millisecond

		if wait := next.Sub(a.now()); wait > 0 {
			if err := a.sleep(ctx, wait); err != nil {
				return nil
			}
		}

		if !cfg.RunClassification {
			if err := a.sleep(ctx, max(tick, a.opts.IdlePollInterval)); err != nil {
				return nil
			}
			continue
		}

		item, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, runner.ErrStreamClosed) {
				return err
			}
			a.failures.Inc()
			log.WithError(err).Warn("Failed to classify frame")
			next = a.now().Add(tick)
			continue
		}

		a.dispatch(ctx, models.SourceCamera, item.Result, item.Frame, item.CapturedAt)
		next = a.now().Add(a.tick())
	}
}

func (a *Agent) tick() time.Duration {
	return time.Duration(a.state.Load().FrameTickMilliseconds) * time.Millisecond
}

// RunTestImage classifies img once, then waits TestImageDelay and either
// returns or idles until ctx is cancelled.
func (a *Agent) RunTestImage(ctx context.Context, img image.Image) error {
	features, cropped, err := a.extractor.Extract(img, a.info.Geometry())
	if err != nil {
		return err
	}
	res, err := a.classifier.Classify(ctx, features)
	if err != nil {
		return err
	}
	a.dispatch(ctx, models.SourceTestImage, res, cropped, a.now())

	if err := a.sleep(ctx, a.opts.TestImageDelay); err != nil {
		return nil
	}
	if a.opts.ExitAfterTestImage {
		return nil
	}

	log.Info("Test image classified, idling until interrupted")
	<-ctx.Done()
	return nil
}

// dispatch logs, filters and sends one result, then notifies observers.
func (a *Agent) dispatch(ctx context.Context, source string, res *models.InferenceResult, frame *image.NRGBA, capturedAt time.Time) {
	cfg := a.state.Load()
	labels := a.info.Parameters.Labels

	for _, line := range inference.Describe(res, labels) {
		log.Info(line)
	}

	preds := inference.Filter(res, labels, cfg.ScoreThreshold)
	a.frames.Inc()
	a.last.Store(capturedAt)

	sent := false
	switch {
	case len(preds) == 0:
		a.suppressed.Inc()
	case a.sender == nil:
		log.Debug("Telemetry disabled, not sending predictions")
	default:
		sent = a.send(ctx, preds)
	}

	ev := models.PredictionEvent{
		Source:      source,
		DeviceID:    a.opts.DeviceID,
		ModelType:   a.info.Parameters.ModelType,
		Predictions: preds,
		Sent:        sent,
		CapturedAt:  capturedAt,
		Frame:       frame,
	}
	if res != nil {
		ev.TimingMs = res.Timing.Total()
	}
	if source == models.SourceTestImage {
		ev.DeviceID = -1
	}
	for _, o := range a.observers {
		o.OnPrediction(ev)
	}
}

func (a *Agent) send(ctx context.Context, preds []models.Prediction) bool {
	payload, err := inference.Marshal(inference.NewEnvelope(preds))
	if err != nil {
		a.failures.Inc()
		log.WithError(err).Error("Failed to encode predictions")
		return false
	}
	if err := a.sender.SendMessageToOutput(ctx, payload, a.opts.OutputName); err != nil {
		a.failures.Inc()
		log.WithError(err).Errorf("Failed to send message to output %s", a.opts.OutputName)
		return false
	}
	a.sent.Inc()
	log.Debugf("Sent %s", payload)
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
