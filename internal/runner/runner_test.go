package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ei-camera-detect/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel answers requests on the server side of a pipe. handler returns
// the responses to write for a request, in order.
func fakeModel(t *testing.T, handler func(req map[string]any) []map[string]any) *Runner {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	go func() {
		dec := json.NewDecoder(server)
		for {
			var req map[string]any
			if err := dec.Decode(&req); err != nil {
				return
			}
			for _, resp := range handler(req) {
				data, _ := json.Marshal(resp)
				if _, err := server.Write(append(data, 0)); err != nil {
					return
				}
			}
		}
	}()
	return newConnected(client)
}

func helloReply(id any, sensor int) map[string]any {
	return map[string]any{
		"id":      id,
		"success": true,
		"project": map[string]any{"id": 42, "owner": "acme", "name": "widgets", "deploy_version": 7},
		"model_parameters": map[string]any{
			"sensor":              sensor,
			"image_input_width":   96,
			"image_input_height":  96,
			"image_channel_count": 3,
			"labels":              []string{"cat", "dog"},
			"model_type":          "classification",
		},
	}
}

func TestHello(t *testing.T) {
	r := fakeModel(t, func(req map[string]any) []map[string]any {
		assert.Equal(t, float64(1), req["hello"])
		return []map[string]any{helloReply(req["id"], models.SensorCamera)}
	})

	info, err := r.Hello(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acme", info.Project.Owner)
	assert.Equal(t, "widgets", info.Project.Name)
	assert.Equal(t, []string{"cat", "dog"}, info.Parameters.Labels)
	assert.Equal(t, models.ModelGeometry{InputWidth: 96, InputHeight: 96}, info.Geometry())
	assert.Same(t, info, r.Info())
}

func TestHelloRejectsNonCameraModel(t *testing.T) {
	r := fakeModel(t, func(req map[string]any) []map[string]any {
		return []map[string]any{helloReply(req["id"], 1)}
	})

	_, err := r.Hello(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a camera model")
}

func TestClassify(t *testing.T) {
	r := fakeModel(t, func(req map[string]any) []map[string]any {
		assert.Equal(t, []any{float64(1), float64(2), float64(3)}, req["classify"])
		return []map[string]any{{
			"id":      req["id"],
			"success": true,
			"result":  map[string]any{"classification": map[string]any{"cat": 0.9, "dog": 0.1}},
			"timing":  map[string]any{"dsp": 2, "classification": 5, "anomaly": 0},
		}}
	})

	res, err := r.Classify(context.Background(), models.FeatureVector{1, 2, 3})
	require.NoError(t, err)
	assert.True(t, res.IsClassification())
	assert.Equal(t, 0.9, res.Classification["cat"])
	assert.Equal(t, 7, res.Timing.Total())
}

func TestClassifyDetections(t *testing.T) {
	r := fakeModel(t, func(req map[string]any) []map[string]any {
		return []map[string]any{{
			"id":      req["id"],
			"success": true,
			"result": map[string]any{"bounding_boxes": []any{
				map[string]any{"label": "cup", "value": 0.8, "x": 1, "y": 2, "width": 3, "height": 4},
			}},
		}}
	})

	res, err := r.Classify(context.Background(), models.FeatureVector{0})
	require.NoError(t, err)
	assert.True(t, res.IsDetection())
	assert.Equal(t, []models.BoundingBox{{Label: "cup", Value: 0.8, X: 1, Y: 2, Width: 3, Height: 4}}, res.BoundingBoxes)
}

func TestClassifyModelError(t *testing.T) {
	r := fakeModel(t, func(req map[string]any) []map[string]any {
		return []map[string]any{{"id": req["id"], "success": false, "error": "wrong feature count"}}
	})

	_, err := r.Classify(context.Background(), models.FeatureVector{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong feature count")
}

func TestCallSkipsStaleResponses(t *testing.T) {
	r := fakeModel(t, func(req map[string]any) []map[string]any {
		id := req["id"].(float64)
		if id < 2 {
			return nil
		}
		return []map[string]any{
			{"id": id - 1, "success": true, "result": map[string]any{"classification": map[string]any{"stale": 1.0}}},
			{"id": id, "success": true, "result": map[string]any{"classification": map[string]any{"fresh": 0.5}}},
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := r.Classify(ctx, models.FeatureVector{1})
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	res, err := r.Classify(context.Background(), models.FeatureVector{1})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"fresh": 0.5}, res.Classification)
}

func TestStopUnblocksInFlightCall(t *testing.T) {
	r := fakeModel(t, func(map[string]any) []map[string]any { return nil })

	errc := make(chan error, 1)
	go func() {
		_, err := r.Classify(context.Background(), models.FeatureVector{1})
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("classify did not return after Stop")
	}

	_, err := r.Classify(context.Background(), models.FeatureVector{1})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestCheckExecutable(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "model.eim")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
	assert.ErrorContains(t, checkExecutable(plain), "not executable")

	require.NoError(t, os.Chmod(plain, 0o755))
	assert.NoError(t, checkExecutable(plain))

	assert.ErrorContains(t, checkExecutable(dir), "directory")
	assert.Error(t, checkExecutable(filepath.Join(dir, "missing.eim")))
}

func TestStartFailsWhenModelExits(t *testing.T) {
	script := filepath.Join(t.TempDir(), "broken.eim")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 3\n"), 0o755))

	r := New(script, Options{StartTimeout: 5 * time.Second})
	_, err := r.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited before opening its socket")

	r.stateMu.Lock()
	tmpDir := r.tmpDir
	r.stateMu.Unlock()
	_, statErr := os.Stat(tmpDir)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestCallRecoversFromInterruptedFrame(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	r := newConnected(client)

	first, _ := json.Marshal(map[string]any{"id": 1, "success": true, "result": map[string]any{"classification": map[string]any{"stale": 1.0}}})
	second, _ := json.Marshal(map[string]any{"id": 2, "success": true, "result": map[string]any{"classification": map[string]any{"fresh": 0.5}}})
	half := len(first) / 2

	halfSent := make(chan struct{})
	go func() {
		dec := json.NewDecoder(server)
		var req map[string]any
		if dec.Decode(&req) != nil {
			return
		}
		if _, err := server.Write(first[:half]); err != nil {
			return
		}
		close(halfSent)

		if dec.Decode(&req) != nil {
			return
		}
		server.Write(append(first[half:], 0))
		server.Write(append(second, 0))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.Classify(ctx, models.FeatureVector{1})
		errc <- err
	}()
	<-halfSent
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	res, err := r.Classify(context.Background(), models.FeatureVector{1})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"fresh": 0.5}, res.Classification)
}
