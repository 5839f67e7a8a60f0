package runner

import (
	"ei-camera-detect/internal/models"
)

// Messages exchanged with an Edge Impulse Linux model process. Every request
// carries an increasing id; every response is a JSON object followed by a
// NUL byte.

type helloRequest struct {
	Hello int `json:"hello"`
	ID    int `json:"id"`
}

type classifyRequest struct {
	Classify models.FeatureVector `json:"classify"`
	ID       int                  `json:"id"`
	Debug    bool                 `json:"debug,omitempty"`
}

type response struct {
	ID      int    `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type helloResponse struct {
	response
	Project         models.Project         `json:"project"`
	ModelParameters models.ModelParameters `json:"model_parameters"`
}

type classifyResponse struct {
	response
	Result models.InferenceResult `json:"result"`
	Timing models.Timing          `json:"timing"`
}
