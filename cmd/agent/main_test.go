package main

import (
	"context"
	"errors"
	"image"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"ei-camera-detect/internal/agent"
	"ei-camera-detect/internal/models"
	"ei-camera-detect/internal/preprocess"
	"ei-camera-detect/internal/twin"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	args, err := parseArgs([]string{"--config", "/etc/agent.yaml", "model.eim", "2"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/agent.yaml", args.configPath)
	assert.Equal(t, "model.eim", args.modelPath)
	require.NotNil(t, args.deviceID)
	assert.Equal(t, 2, *args.deviceID)
}

func TestParseArgsDefaults(t *testing.T) {
	args, err := parseArgs([]string{"model.eim"})
	require.NoError(t, err)
	assert.Equal(t, "config.yaml", args.configPath)
	assert.Nil(t, args.deviceID)
}

func TestParseArgsErrors(t *testing.T) {
	_, err := parseArgs([]string{"--help"})
	assert.True(t, errors.Is(err, pflag.ErrHelp))

	_, err = parseArgs(nil)
	assert.ErrorIs(t, err, errUsage)

	_, err = parseArgs([]string{"--config", "agent.yaml"})
	assert.ErrorIs(t, err, errUsage)

	_, err = parseArgs([]string{"model.eim", "front"})
	assert.ErrorIs(t, err, errUsage)

	_, err = parseArgs([]string{"model.eim", "1", "extra"})
	assert.ErrorIs(t, err, errUsage)

	_, err = parseArgs([]string{"--bogus"})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, pflag.ErrHelp))
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "/opt/agent/model.eim", resolvePath("model.eim", "/opt/agent"))
	assert.Equal(t, "/opt/agent/models/a.eim", resolvePath("models/a.eim", "/opt/agent"))
	assert.Equal(t, "/data/model.eim", resolvePath("/data/model.eim", "/opt/agent"))
	assert.Empty(t, resolvePath("", "/opt/agent"))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 0, exitCode(pflag.ErrHelp))
	assert.Equal(t, exitUsage, exitCode(errUsage))
	assert.Equal(t, exitUsage, exitCode(errors.New("unknown flag: --bogus")))
}

// TestMainExitStatus re-runs the test binary as the agent so the real exit
// status of main is observed.
func TestMainExitStatus(t *testing.T) {
	if os.Getenv("AGENT_RUN_MAIN") == "1" {
		os.Args = append([]string{"agent"}, strings.Fields(os.Getenv("AGENT_ARGS"))...)
		main()
		return
	}

	cases := []struct {
		name string
		args string
		want int
	}{
		{"missing model path", "", exitUsage},
		{"config only", "--config missing.yaml", exitUsage},
		{"non-integer device", "model.eim front", exitUsage},
		{"unknown flag", "--bogus model.eim", exitUsage},
		{"help", "--help", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := exec.Command(os.Args[0], "-test.run=^TestMainExitStatus$")
			cmd.Env = append(os.Environ(), "AGENT_RUN_MAIN=1", "AGENT_ARGS="+tc.args)
			err := cmd.Run()

			if tc.want == 0 {
				require.NoError(t, err)
				return
			}
			var exitErr *exec.ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, tc.want, exitErr.ExitCode())
		})
	}
}

type unpluggedCamera struct{}

func (unpluggedCamera) Read() (image.Image, error) { return nil, errors.New("grab failed") }
func (unpluggedCamera) Close() error               { return nil }

type unusedClassifier struct{}

func (unusedClassifier) Classify(context.Context, models.FeatureVector) (*models.InferenceResult, error) {
	return nil, errors.New("classify must not be reached")
}

func TestRunReturnsOnInterruptWhileCameraFails(t *testing.T) {
	g := models.ModelGeometry{InputWidth: 2, InputHeight: 2}
	info := &models.ModelInfo{Parameters: models.ModelParameters{ImageInputWidth: 2, ImageInputHeight: 2, ImageChannelCount: 3}}
	extractor := preprocess.New(nil)
	a := agent.New(twin.NewState(twin.Defaults()), info, nil, extractor, unusedClassifier{}, agent.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, unpluggedCamera{}, "", a, extractor, unusedClassifier{}, g) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after interrupt")
	}
}
