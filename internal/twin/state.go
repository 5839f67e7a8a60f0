// Package twin holds the remotely controlled runtime settings and applies
// desired-property patches to them.
package twin

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// Recognised desired-property keys.
const (
	KeyScoreThreshold        = "scoreThreshold"
	KeyRunClassification     = "runClassification"
	KeyFrameTickMilliseconds = "frameTickMilliseconds"
)

// Phase is the lifecycle position of the State.
type Phase int32

const (
	Uninitialized Phase = iota
	Initialized
	Updated
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Updated:
		return "updated"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// RuntimeConfig is one immutable snapshot of the remote settings.
type RuntimeConfig struct {
	ScoreThreshold        float64 `json:"scoreThreshold"`
	RunClassification     bool    `json:"runClassification"`
	FrameTickMilliseconds int     `json:"frameTickMilliseconds"`
}

// Defaults returns the built-in settings used before any twin data arrives.
func Defaults() RuntimeConfig {
	return RuntimeConfig{
		ScoreThreshold:        0.5,
		RunClassification:     true,
		FrameTickMilliseconds: 100,
	}
}

// State is a single-writer, many-reader cell for RuntimeConfig. Readers
// always see a complete snapshot.
type State struct {
	current *atomic.Pointer[RuntimeConfig]
	phase   *atomic.Int32
	patches *atomic.Int64
}

// NewState creates a State holding the given defaults.
func NewState(defaults RuntimeConfig) *State {
	cfg := defaults
	return &State{
		current: atomic.NewPointer(&cfg),
		phase:   atomic.NewInt32(int32(Uninitialized)),
		patches: atomic.NewInt64(0),
	}
}

// Load returns the current snapshot.
func (s *State) Load() RuntimeConfig {
	return *s.current.Load()
}

// Phase returns the lifecycle phase.
func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

// PatchCount returns how many patches have been applied since start.
func (s *State) PatchCount() int64 {
	return s.patches.Load()
}

// Initialize merges the desired-state snapshot fetched at startup.
func (s *State) Initialize(desired map[string]any) (RuntimeConfig, error) {
	cfg, err := s.merge(desired)
	s.phase.Store(int32(Initialized))
	return cfg, err
}

// ApplyPatch merges one desired-property patch and counts it.
func (s *State) ApplyPatch(patch map[string]any) (RuntimeConfig, error) {
	cfg, err := s.merge(patch)
	s.patches.Inc()
	s.phase.Store(int32(Updated))
	return cfg, err
}

// merge applies recognised keys over the current snapshot and publishes
// the result. Invalid values are skipped; their errors are combined.
func (s *State) merge(values map[string]any) (RuntimeConfig, error) {
	next, err := Merge(s.Load(), values)
	s.current.Store(&next)
	return next, err
}

// Merge returns base with the recognised keys of values applied. Keys are
// matched case-insensitively; unknown keys and "$" metadata are ignored.
func Merge(base RuntimeConfig, values map[string]any) (RuntimeConfig, error) {
	var errs error
	for key, raw := range values {
		if strings.HasPrefix(key, "$") {
			continue
		}
		switch {
		case strings.EqualFold(key, KeyScoreThreshold):
			v, ok := toFloat(raw)
			if !ok || v < 0 || v > 1 {
				errs = multierr.Append(errs, fmt.Errorf("%s: want number in [0,1], got %v", KeyScoreThreshold, raw))
				continue
			}
			base.ScoreThreshold = v
		case strings.EqualFold(key, KeyRunClassification):
			v, ok := raw.(bool)
			if !ok {
				errs = multierr.Append(errs, fmt.Errorf("%s: want bool, got %v", KeyRunClassification, raw))
				continue
			}
			base.RunClassification = v
		case strings.EqualFold(key, KeyFrameTickMilliseconds):
			v, ok := toFloat(raw)
			if !ok || v < 0 || v != math.Trunc(v) || v > math.MaxInt32 {
				errs = multierr.Append(errs, fmt.Errorf("%s: want non-negative integer, got %v", KeyFrameTickMilliseconds, raw))
				continue
			}
			base.FrameTickMilliseconds = int(v)
		}
	}
	return base, errs
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Reported renders the snapshot as reported properties.
func (c RuntimeConfig) Reported() map[string]any {
	return map[string]any{
		KeyScoreThreshold:        c.ScoreThreshold,
		KeyRunClassification:     c.RunClassification,
		KeyFrameTickMilliseconds: c.FrameTickMilliseconds,
	}
}
