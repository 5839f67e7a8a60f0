package onnx

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"ei-camera-detect/internal/models"
)

// Metadata describes an exported ONNX image classifier.
type Metadata struct {
	InputShape   []int64  `json:"input_shape"`
	OutputShape  []int64  `json:"output_shape"`
	Classes      []string `json:"classes"`
	InputName    string   `json:"input_name"`
	OutputName   string   `json:"output_name"`
	ApplySoftmax bool     `json:"apply_softmax"`
}

// LoadMetadata reads and validates a metadata file.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := meta.validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata %s: %w", path, err)
	}
	if meta.InputName == "" {
		meta.InputName = "input"
	}
	if meta.OutputName == "" {
		meta.OutputName = "output"
	}
	return &meta, nil
}

func (m *Metadata) validate() error {
	if len(m.InputShape) != 4 {
		return fmt.Errorf("input_shape must be NCHW, got %v", m.InputShape)
	}
	if m.InputShape[0] != 1 {
		return fmt.Errorf("batch size must be 1, got %d", m.InputShape[0])
	}
	if c := m.InputShape[1]; c != 1 && c != 3 {
		return fmt.Errorf("channel count must be 1 or 3, got %d", c)
	}
	if m.InputShape[2] <= 0 || m.InputShape[3] <= 0 {
		return fmt.Errorf("input size must be positive, got %v", m.InputShape)
	}
	if len(m.OutputShape) == 0 {
		return fmt.Errorf("output_shape is empty")
	}
	if len(m.Classes) == 0 {
		return fmt.Errorf("no classes")
	}
	return nil
}

// Channels is the number of input channels.
func (m *Metadata) Channels() int { return int(m.InputShape[1]) }

// Height is the input height in pixels.
func (m *Metadata) Height() int { return int(m.InputShape[2]) }

// Width is the input width in pixels.
func (m *Metadata) Width() int { return int(m.InputShape[3]) }

// ModelInfo describes the model the same way an .eim runner would.
func (m *Metadata) ModelInfo(modelPath string) *models.ModelInfo {
	name := strings.TrimSuffix(filepath.Base(modelPath), filepath.Ext(modelPath))
	labels := append([]string(nil), m.Classes...)
	return &models.ModelInfo{
		Project: models.Project{Owner: "local", Name: name},
		Parameters: models.ModelParameters{
			InputFeaturesCount: m.Width() * m.Height(),
			ImageInputWidth:    m.Width(),
			ImageInputHeight:   m.Height(),
			ImageChannelCount:  m.Channels(),
			LabelCount:         len(labels),
			Labels:             labels,
			ModelType:          models.ModelTypeClassification,
			Sensor:             models.SensorCamera,
		},
	}
}

// Unpack writes packed per-pixel features into dst as a planar [0,1]
// tensor. Gray models read the low byte of each value.
func Unpack(features models.FeatureVector, channels int, dst []float32) error {
	pixels := len(features)
	if len(dst) != pixels*channels {
		return fmt.Errorf("tensor holds %d values, features need %d", len(dst), pixels*channels)
	}

	for i, v := range features {
		if channels == 1 {
			dst[i] = float32(v&0xff) / 255
			continue
		}
		dst[i] = float32((v>>16)&0xff) / 255
		dst[pixels+i] = float32((v>>8)&0xff) / 255
		dst[2*pixels+i] = float32(v&0xff) / 255
	}
	return nil
}

// Softmax normalises raw scores into probabilities.
func Softmax(scores []float32) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	maxV := float64(scores[0])
	for _, s := range scores[1:] {
		maxV = math.Max(maxV, float64(s))
	}
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(float64(s) - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
