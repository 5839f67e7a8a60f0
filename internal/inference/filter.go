// Package inference filters model output by score and formats it for
// telemetry and logs.
package inference

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"ei-camera-detect/internal/models"
)

// Filter returns the predictions of res whose score is at least threshold.
// Classification scores are visited in the order of labels; labels the model
// reported but did not declare follow in sorted order.
func Filter(res *models.InferenceResult, labels []string, threshold float64) []models.Prediction {
	if res == nil {
		return nil
	}

	predictions := make([]models.Prediction, 0)
	switch {
	case res.IsClassification():
		for _, label := range orderedLabels(res.Classification, labels) {
			score := res.Classification[label]
			if score >= threshold {
				predictions = append(predictions, models.Prediction{Class: label, Score: score})
			}
		}
	case res.IsDetection():
		for _, bb := range res.BoundingBoxes {
			if bb.Value < threshold {
				continue
			}
			predictions = append(predictions, models.Prediction{
				Class: bb.Label,
				Score: bb.Value,
				Rect: &models.Rect{
					X:      bb.X,
					Y:      bb.Y,
					Width:  bb.Width,
					Height: bb.Height,
				},
			})
		}
	}
	return predictions
}

// orderedLabels lists the declared labels present in scores, then any extra
// labels in scores, sorted.
func orderedLabels(scores map[string]float64, labels []string) []string {
	ordered := make([]string, 0, len(scores))
	seen := make(map[string]bool, len(labels))
	for _, label := range labels {
		if _, ok := scores[label]; ok && !seen[label] {
			ordered = append(ordered, label)
			seen[label] = true
		}
	}

	var extra []string
	for label := range scores {
		if !seen[label] {
			extra = append(extra, label)
		}
	}
	sort.Strings(extra)
	return append(ordered, extra...)
}

// NewEnvelope wraps predictions for sending. A nil slice becomes an empty list.
func NewEnvelope(predictions []models.Prediction) models.Envelope {
	if predictions == nil {
		predictions = []models.Prediction{}
	}
	return models.Envelope{Predictions: predictions}
}

// Marshal encodes the envelope as the telemetry payload.
func Marshal(env models.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal predictions: %w", err)
	}
	return data, nil
}

// Describe renders the unfiltered result as console lines.
func Describe(res *models.InferenceResult, labels []string) []string {
	if res == nil {
		return nil
	}

	switch {
	case res.IsClassification():
		var b strings.Builder
		fmt.Fprintf(&b, "Result (%d ms.) ", res.Timing.Total())
		for _, label := range orderedLabels(res.Classification, labels) {
			fmt.Fprintf(&b, "%s: %.2f\t", label, res.Classification[label])
		}
		lines := []string{strings.TrimRight(b.String(), "\t ")}
		if res.Anomaly != nil {
			lines = append(lines, fmt.Sprintf("Anomaly score: %.2f", *res.Anomaly))
		}
		return lines
	case res.IsDetection():
		lines := make([]string, 0, len(res.BoundingBoxes)+1)
		lines = append(lines, fmt.Sprintf("Found %d bounding boxes (%d ms.)", len(res.BoundingBoxes), res.Timing.Total()))
		for _, bb := range res.BoundingBoxes {
			lines = append(lines, fmt.Sprintf("\t%s (%.2f): x=%d y=%d w=%d h=%d", bb.Label, bb.Value, bb.X, bb.Y, bb.Width, bb.Height))
		}
		return lines
	default:
		return []string{fmt.Sprintf("Empty result (%d ms.)", res.Timing.Total())}
	}
}
