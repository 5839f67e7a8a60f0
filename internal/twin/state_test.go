package twin

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOnlyScoreThreshold(t *testing.T) {
	base := RuntimeConfig{ScoreThreshold: 0.5, RunClassification: false, FrameTickMilliseconds: 250}

	got, err := Merge(base, map[string]any{"scoreThreshold": 0.8})
	require.NoError(t, err)
	assert.Equal(t, RuntimeConfig{ScoreThreshold: 0.8, RunClassification: false, FrameTickMilliseconds: 250}, got)
}

func TestMergeIgnoresUnknownKeys(t *testing.T) {
	base := Defaults()

	got, err := Merge(base, map[string]any{
		"$version":     float64(12),
		"colour":       "blue",
		"somethingNew": map[string]any{"x": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, base, got)
}

func TestMergeAllKeys(t *testing.T) {
	got, err := Merge(Defaults(), map[string]any{
		"ScoreThreshold":        0.25,
		"runClassification":     false,
		"frameTickMilliseconds": float64(1000),
	})
	require.NoError(t, err)
	assert.Equal(t, RuntimeConfig{ScoreThreshold: 0.25, RunClassification: false, FrameTickMilliseconds: 1000}, got)
}

func TestMergeRejectsInvalidValuesIndividually(t *testing.T) {
	tests := []struct {
		name  string
		patch map[string]any
	}{
		{"threshold too high", map[string]any{"scoreThreshold": 1.2}},
		{"threshold negative", map[string]any{"scoreThreshold": -0.1}},
		{"threshold string", map[string]any{"scoreThreshold": "0.6"}},
		{"run flag not bool", map[string]any{"runClassification": "yes"}},
		{"tick negative", map[string]any{"frameTickMilliseconds": float64(-5)}},
		{"tick fractional", map[string]any{"frameTickMilliseconds": 10.5}},
		{"tick null", map[string]any{"frameTickMilliseconds": nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Merge(Defaults(), tt.patch)
			assert.Error(t, err)
			assert.Equal(t, Defaults(), got)
		})
	}
}

func TestMergeAppliesValidKeysAlongsideInvalid(t *testing.T) {
	got, err := Merge(Defaults(), map[string]any{
		"scoreThreshold":        0.9,
		"frameTickMilliseconds": "fast",
	})
	assert.Error(t, err)
	assert.Equal(t, 0.9, got.ScoreThreshold)
	assert.Equal(t, 100, got.FrameTickMilliseconds)
}

func TestStatePhases(t *testing.T) {
	s := NewState(Defaults())
	assert.Equal(t, Uninitialized, s.Phase())

	_, err := s.Initialize(map[string]any{"frameTickMilliseconds": float64(500)})
	require.NoError(t, err)
	assert.Equal(t, Initialized, s.Phase())
	assert.Equal(t, int64(0), s.PatchCount())
	assert.Equal(t, 500, s.Load().FrameTickMilliseconds)

	_, err = s.ApplyPatch(map[string]any{"scoreThreshold": 0.8})
	require.NoError(t, err)
	_, err = s.ApplyPatch(map[string]any{"unknown": true})
	require.NoError(t, err)

	assert.Equal(t, Updated, s.Phase())
	assert.Equal(t, int64(2), s.PatchCount())
	assert.Equal(t, RuntimeConfig{ScoreThreshold: 0.8, RunClassification: true, FrameTickMilliseconds: 500}, s.Load())
	assert.Equal(t, "updated", s.Phase().String())
}

func TestStateSnapshotsAreConsistent(t *testing.T) {
	s := NewState(RuntimeConfig{ScoreThreshold: 0, FrameTickMilliseconds: 0})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 1000; i++ {
			// threshold and tick always move together
			_, _ = s.ApplyPatch(map[string]any{
				"scoreThreshold":        float64(i) / 1000,
				"frameTickMilliseconds": float64(i),
			})
		}
	}()

	for i := 0; i < 1000; i++ {
		cfg := s.Load()
		if int(cfg.ScoreThreshold*1000+0.5) != cfg.FrameTickMilliseconds {
			t.Fatalf("torn snapshot: %+v", cfg)
		}
	}
	wg.Wait()
}

func TestReported(t *testing.T) {
	props := RuntimeConfig{ScoreThreshold: 0.4, RunClassification: true, FrameTickMilliseconds: 20}.Reported()
	assert.Equal(t, map[string]any{
		"scoreThreshold":        0.4,
		"runClassification":     true,
		"frameTickMilliseconds": 20,
	}, props)
}
