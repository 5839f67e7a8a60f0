package twin

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// PatchSource delivers desired-property patches, blocking until one arrives.
type PatchSource interface {
	ReceiveDesiredPatch(ctx context.Context) (map[string]any, error)
}

// Reporter writes reported properties back to the twin.
type Reporter interface {
	PatchReported(ctx context.Context, props map[string]any) error
}

// Listener applies patches from a PatchSource to a State until its context ends.
type Listener struct {
	state      *State
	source     PatchSource
	reporter   Reporter
	retryDelay time.Duration
}

// NewListener creates a Listener. reporter may be nil.
func NewListener(state *State, source PatchSource, reporter Reporter, retryDelay time.Duration) *Listener {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Listener{
		state:      state,
		source:     source,
		reporter:   reporter,
		retryDelay: retryDelay,
	}
}

// Run blocks, applying patches. Errors of a single iteration are logged and
// the loop continues; only ctx cancellation ends it.
func (l *Listener) Run(ctx context.Context) {
	log.Info("Twin patch listener started")
	for {
		if ctx.Err() != nil {
			log.Info("Twin patch listener stopped")
			return
		}

		if err := l.next(ctx); err != nil {
			if ctx.Err() != nil {
				log.Info("Twin patch listener stopped")
				return
			}
			log.WithError(err).Error("Unexpected error in twin patch listener")
		}
	}
}

// next waits for and applies one patch. Panics while applying are turned
// into errors so a malformed patch cannot end the listener.
func (l *Listener) next(ctx context.Context) (err error) {
	patch, err := l.source.ReceiveDesiredPatch(ctx)
	if err != nil {
		// Avoid spinning while the transport is down.
		select {
		case <-ctx.Done():
		case <-time.After(l.retryDelay):
		}
		return fmt.Errorf("failed to receive desired patch: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while applying patch: %v", r)
		}
	}()

	log.Infof("The data in the desired properties patch was: %v", patch)
	cfg, applyErr := l.state.ApplyPatch(patch)
	log.WithFields(log.Fields{
		"scoreThreshold":        cfg.ScoreThreshold,
		"runClassification":     cfg.RunClassification,
		"frameTickMilliseconds": cfg.FrameTickMilliseconds,
	}).Infof("Total calls confirmed: %d", l.state.PatchCount())

	l.report(ctx, cfg)

	if applyErr != nil {
		return fmt.Errorf("patch partially applied: %w", applyErr)
	}
	return nil
}

// report publishes the effective settings. Failures are logged, not retried.
func (l *Listener) report(ctx context.Context, cfg RuntimeConfig) {
	if l.reporter == nil {
		return
	}
	props := cfg.Reported()
	props["twinPatches"] = l.state.PatchCount()
	if err := l.reporter.PatchReported(ctx, props); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Warn("Failed to report twin properties")
	}
}

// InitializeFrom fetches the desired snapshot once and merges it into state.
// The reported settings are written back afterwards.
func InitializeFrom(ctx context.Context, state *State, desired map[string]any, reporter Reporter) RuntimeConfig {
	cfg, err := state.Initialize(desired)
	if err != nil {
		log.WithError(err).Warn("Ignoring invalid values in desired properties")
	}
	log.WithFields(log.Fields{
		"scoreThreshold":        cfg.ScoreThreshold,
		"runClassification":     cfg.RunClassification,
		"frameTickMilliseconds": cfg.FrameTickMilliseconds,
	}).Info("Runtime configuration initialized from twin")

	if reporter != nil {
		if err := reporter.PatchReported(ctx, cfg.Reported()); err != nil {
			log.WithError(err).Warn("Failed to report twin properties")
		}
	}
	return cfg
}
