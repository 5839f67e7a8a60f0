package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"ei-camera-detect/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMetadata(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMetadata(t *testing.T) {
	path := writeMetadata(t, `{"input_shape":[1,3,64,48],"output_shape":[1,2],"classes":["cat","dog"]}`)

	meta, err := LoadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, 3, meta.Channels())
	assert.Equal(t, 64, meta.Height())
	assert.Equal(t, 48, meta.Width())
	assert.Equal(t, "input", meta.InputName)
	assert.Equal(t, "output", meta.OutputName)

	info := meta.ModelInfo("/models/pets.onnx")
	assert.Equal(t, "pets", info.Project.Name)
	assert.Equal(t, models.SensorCamera, info.Parameters.Sensor)
	assert.Equal(t, models.ModelGeometry{InputWidth: 48, InputHeight: 64}, info.Geometry())
	assert.Equal(t, []string{"cat", "dog"}, info.Parameters.Labels)
}

func TestLoadMetadataRejectsBadShapes(t *testing.T) {
	tests := map[string]string{
		"not nchw":      `{"input_shape":[64,64],"output_shape":[1,2],"classes":["a"]}`,
		"batch":         `{"input_shape":[2,3,8,8],"output_shape":[1,2],"classes":["a"]}`,
		"channels":      `{"input_shape":[1,4,8,8],"output_shape":[1,2],"classes":["a"]}`,
		"no classes":    `{"input_shape":[1,3,8,8],"output_shape":[1,2],"classes":[]}`,
		"no output":     `{"input_shape":[1,3,8,8],"classes":["a"]}`,
		"invalid json":  `{"input_shape":`,
		"negative size": `{"input_shape":[1,3,-1,8],"output_shape":[1,2],"classes":["a"]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadMetadata(writeMetadata(t, body))
			assert.Error(t, err)
		})
	}
}

func TestUnpackRGB(t *testing.T) {
	features := models.FeatureVector{0xff0000, 0x00ff00, 0x0000ff, 0x336699}
	dst := make([]float32, 12)

	require.NoError(t, Unpack(features, 3, dst))
	assert.Equal(t, []float32{1, 0, 0, 0x33 / 255.0}, dst[0:4])
	assert.Equal(t, []float32{0, 1, 0, 0x66 / 255.0}, dst[4:8])
	assert.Equal(t, []float32{0, 0, 1, 0x99 / 255.0}, dst[8:12])
}

func TestUnpackGray(t *testing.T) {
	features := models.FeatureVector{0, 128 * 65793, 255 * 65793}
	dst := make([]float32, 3)

	require.NoError(t, Unpack(features, 1, dst))
	assert.Equal(t, []float32{0, 128 / 255.0, 1}, dst)
}

func TestUnpackSizeMismatch(t *testing.T) {
	assert.Error(t, Unpack(models.FeatureVector{1, 2}, 3, make([]float32, 3)))
}

func TestSoftmax(t *testing.T) {
	out := Softmax([]float32{1, 1, 1, 1})
	for _, v := range out {
		assert.InDelta(t, 0.25, v, 1e-9)
	}

	out = Softmax([]float32{1000, 0})
	assert.InDelta(t, 1.0, out[0], 1e-9)
	assert.InDelta(t, 0.0, out[1], 1e-9)

	assert.Empty(t, Softmax(nil))
}
