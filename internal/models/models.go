// Package models holds the types shared across the agent packages.
package models

import (
	"image"
	"time"
)

// SensorCamera is the sensor type the runner reports for image models.
const SensorCamera = 3

// Model types reported in the model parameters.
const (
	ModelTypeClassification  = "classification"
	ModelTypeObjectDetection = "object_detection"
)

// ModelGeometry is the fixed input geometry of the loaded model.
type ModelGeometry struct {
	InputWidth  int
	InputHeight int
	Grayscale   bool
}

// FeatureVector holds one packed 24-bit value per pixel, row-major.
type FeatureVector []int

// Project describes the project a model was built from.
type Project struct {
	ID            int    `json:"id"`
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DeployVersion int    `json:"deploy_version"`
}

// ModelParameters are the parameters announced by the runner on hello.
type ModelParameters struct {
	AxisCount          int      `json:"axis_count"`
	Frequency          float64  `json:"frequency"`
	HasAnomaly         int      `json:"has_anomaly"`
	InputFeaturesCount int      `json:"input_features_count"`
	ImageInputWidth    int      `json:"image_input_width"`
	ImageInputHeight   int      `json:"image_input_height"`
	ImageChannelCount  int      `json:"image_channel_count"`
	IntervalMs         float64  `json:"interval_ms"`
	LabelCount         int      `json:"label_count"`
	Labels             []string `json:"labels"`
	ModelType          string   `json:"model_type"`
	Sensor             int      `json:"sensor"`
}

// ModelInfo is what a runner knows about the model it has loaded.
type ModelInfo struct {
	Project    Project         `json:"project"`
	Parameters ModelParameters `json:"model_parameters"`
}

// Geometry derives the input geometry from the model parameters.
func (m *ModelInfo) Geometry() ModelGeometry {
	return ModelGeometry{
		InputWidth:  m.Parameters.ImageInputWidth,
		InputHeight: m.Parameters.ImageInputHeight,
		Grayscale:   m.Parameters.ImageChannelCount == 1,
	}
}

// BoundingBox is a single object detection reported by the model.
type BoundingBox struct {
	Label  string  `json:"label"`
	Value  float64 `json:"value"`
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

// Timing holds the runner's processing times in milliseconds.
type Timing struct {
	DSP            int `json:"dsp"`
	Classification int `json:"classification"`
	Anomaly        int `json:"anomaly"`
}

// Total is dsp + classification, the figure printed in result lines.
func (t Timing) Total() int {
	return t.DSP + t.Classification
}

// InferenceResult is either a classification (label -> score) or a list of
// bounding boxes. Exactly one of Classification and BoundingBoxes is set.
type InferenceResult struct {
	Classification map[string]float64 `json:"classification,omitempty"`
	BoundingBoxes  []BoundingBox      `json:"bounding_boxes,omitempty"`
	Anomaly        *float64           `json:"anomaly,omitempty"`
	Timing         Timing             `json:"-"`
}

// IsClassification reports whether the result carries class scores.
func (r *InferenceResult) IsClassification() bool {
	return r.Classification != nil
}

// IsDetection reports whether the result carries bounding boxes.
func (r *InferenceResult) IsDetection() bool {
	return r.Classification == nil && r.BoundingBoxes != nil
}

// Rect is the position of a detection in model input coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Prediction is one result entry that passed the score threshold.
type Prediction struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
	Rect  *Rect   `json:"rect,omitempty"`
}

// Envelope is the outbound telemetry payload.
type Envelope struct {
	Predictions []Prediction `json:"predictions"`
}

// Frame sources.
const (
	SourceCamera    = "camera"
	SourceTestImage = "test_image"
)

// PredictionEvent describes one processed frame for observers.
type PredictionEvent struct {
	Source      string       `json:"source"`
	DeviceID    int          `json:"device_id"`
	ModelType   string       `json:"model_type"`
	Predictions []Prediction `json:"predictions"`
	TimingMs    int          `json:"timing_ms"`
	Sent        bool         `json:"sent"`
	CapturedAt  time.Time    `json:"captured_at"`

	// Frame is the cropped model input, when available.
	Frame *image.NRGBA `json:"-"`
}
