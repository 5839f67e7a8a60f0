// Package onnx runs exported ONNX image classifiers in-process as an
// alternative to the .eim model runner.
package onnx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ei-camera-detect/internal/models"
	"ei-camera-detect/internal/runner"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// Runner holds one ONNX Runtime session with preallocated tensors.
type Runner struct {
	modelPath    string
	metadataPath string
	libraryPath  string

	mu      sync.Mutex
	meta    *Metadata
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	stopped bool
	envUp   bool
}

// New creates a Runner. libraryPath may be empty to use the default
// onnxruntime shared library lookup.
func New(modelPath, metadataPath, libraryPath string) *Runner {
	return &Runner{modelPath: modelPath, metadataPath: metadataPath, libraryPath: libraryPath}
}

// Start loads the metadata, initialises ONNX Runtime and creates the session.
func (r *Runner) Start(_ context.Context) (*models.ModelInfo, error) {
	meta, err := LoadMetadata(r.metadataPath)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, runner.ErrStopped
	}

	if r.libraryPath != "" {
		ort.SetSharedLibraryPath(r.libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	r.envUp = true

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		r.destroyLocked()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	r.input = input

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		r.destroyLocked()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	r.output = output

	session, err := ort.NewAdvancedSession(r.modelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		r.destroyLocked()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	r.session = session
	r.meta = meta

	log.WithFields(log.Fields{
		"input":   meta.InputShape,
		"output":  meta.OutputShape,
		"classes": len(meta.Classes),
	}).Info("ONNX model loaded")

	return meta.ModelInfo(r.modelPath), nil
}

// Classify runs the session on one packed feature vector.
func (r *Runner) Classify(_ context.Context, features models.FeatureVector) (*models.InferenceResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.session == nil {
		return nil, runner.ErrStopped
	}

	start := time.Now()
	if err := Unpack(features, r.meta.Channels(), r.input.GetData()); err != nil {
		return nil, err
	}
	dsp := time.Since(start)

	if err := r.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	raw := r.output.GetData()
	scores := make([]float64, len(raw))
	if r.meta.ApplySoftmax {
		scores = Softmax(raw)
	} else {
		for i, v := range raw {
			scores[i] = float64(v)
		}
	}

	res := &models.InferenceResult{Classification: make(map[string]float64, len(r.meta.Classes))}
	for i, name := range r.meta.Classes {
		if i < len(scores) {
			res.Classification[name] = scores[i]
		}
	}
	res.Timing = models.Timing{
		DSP:            int(dsp.Milliseconds()),
		Classification: int((time.Since(start) - dsp).Milliseconds()),
	}
	return res, nil
}

// Stop releases the session and the ONNX environment. It waits for an
// in-flight Run to finish. Safe to call again.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	r.stopped = true
	return r.destroyLocked()
}

func (r *Runner) destroyLocked() error {
	if r.session != nil {
		r.session.Destroy()
		r.session = nil
	}
	if r.input != nil {
		r.input.Destroy()
		r.input = nil
	}
	if r.output != nil {
		r.output.Destroy()
		r.output = nil
	}
	if r.envUp {
		r.envUp = false
		return ort.DestroyEnvironment()
	}
	return nil
}
