package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"ei-camera-detect/config"
	"ei-camera-detect/internal/agent"
	"ei-camera-detect/internal/api"
	"ei-camera-detect/internal/camera"
	"ei-camera-detect/internal/cleanup"
	"ei-camera-detect/internal/database"
	"ei-camera-detect/internal/iothub"
	"ei-camera-detect/internal/logger"
	"ei-camera-detect/internal/models"
	"ei-camera-detect/internal/preprocess"
	"ei-camera-detect/internal/runner"
	"ei-camera-detect/internal/runner/onnx"
	"ei-camera-detect/internal/sse"
	"ei-camera-detect/internal/twin"
	"ei-camera-detect/internal/utils"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const (
	exitUsage        = 2
	streamRetryDelay = 100 * time.Millisecond
)

var errUsage = errors.New("usage")

type cliArgs struct {
	configPath string
	modelPath  string
	deviceID   *int
}

func parseArgs(args []string) (cliArgs, error) {
	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: agent [--config FILE] <path_to_model.eim> [camera_device_id]")
		fs.PrintDefaults()
	}

	var out cliArgs
	fs.StringVarP(&out.configPath, "config", "c", "config.yaml", "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return out, err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return out, fmt.Errorf("%w: missing model path", errUsage)
	}
	if len(rest) > 2 {
		fs.Usage()
		return out, fmt.Errorf("%w: too many arguments", errUsage)
	}
	out.modelPath = rest[0]
	if len(rest) == 2 {
		id, err := strconv.Atoi(rest[1])
		if err != nil {
			fs.Usage()
			return out, fmt.Errorf("%w: camera device id %q is not an integer", errUsage, rest[1])
		}
		out.deviceID = &id
	}
	return out, nil
}

// newIoTHubClient uses the configured connection string, or the IoT Edge
// workload API when none is set.
func newIoTHubClient(ctx context.Context, cfg config.IoTHubConfig) (*iothub.Client, error) {
	opts := iothub.Options{
		GatewayHost:    cfg.GatewayHost,
		CAFile:         cfg.CAFile,
		Port:           cfg.Port,
		APIVersion:     cfg.APIVersion,
		TokenTTL:       cfg.TokenTTL,
		RequestTimeout: cfg.RequestTimeout,
	}
	if cfg.ConnectionString != "" {
		return iothub.NewClient(cfg.ConnectionString, opts)
	}
	env, err := iothub.EdgeEnvironmentFromEnv(os.Getenv)
	if err != nil {
		return nil, err
	}
	return iothub.NewEdgeClient(ctx, env, opts)
}

// exitCode maps a parseArgs error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, pflag.ErrHelp):
		return 0
	default:
		return exitUsage
	}
}

// resolvePath anchors relative paths at the directory of the executable.
func resolvePath(path, baseDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		log.Warnf("Cannot determine executable path, using working directory: %v", err)
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

func newBackend(cfg config.RunnerConfig) runner.Backend {
	if cfg.Backend == "onnx" {
		return onnx.New(cfg.ModelPath, cfg.MetadataPath, cfg.OnnxLibrary)
	}
	return runner.New(cfg.ModelPath, runner.Options{
		StartTimeout: cfg.StartTimeout,
		Debug:        cfg.Debug,
	})
}

func newResizer(name string) preprocess.Resizer {
	if name == "imaging" {
		return preprocess.BoxResizer{}
	}
	return camera.AreaResizer{}
}

// reportStats patches system statistics into the reported properties until
// ctx ends.
func reportStats(ctx context.Context, reporter twin.Reporter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := utils.GetSystemStats()
			if err := reporter.PatchReported(ctx, map[string]any{"system": stats}); err != nil {
				log.WithError(err).Warn("Failed to report system stats")
				continue
			}
			log.Debugf("Reported system stats: cpu %.1f%%, heap %s", stats.CPUUsage, utils.FormatBytes(stats.MemoryAlloc))
		}
	}
}

func main() {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCode(err))
	}

	cfg, err := config.Load(args.configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logCloser, err := logger.Init(cfg.Log)
	if err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}
	defer logCloser.Close()

	baseDir := executableDir()
	cfg.Runner.ModelPath = resolvePath(args.modelPath, baseDir)
	cfg.Agent.TestImage = resolvePath(cfg.Agent.TestImage, baseDir)
	if args.deviceID != nil {
		cfg.Camera.DeviceID = *args.deviceID
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("Starting %s runner for %s", cfg.Runner.Backend, cfg.Runner.ModelPath)
	backend := newBackend(cfg.Runner)
	info, err := backend.Start(ctx)
	if err != nil {
		log.Fatalf("Failed to start model runner: %v", err)
	}
	defer backend.Stop()

	// log.Fatalf skips deferred calls, so the model process is stopped first.
	fatalf := func(format string, args ...any) {
		backend.Stop()
		log.Fatalf(format, args...)
	}

	// Stop the runner as soon as a signal arrives so an in-flight classify
	// returns instead of waiting on the model process.
	go func() {
		<-ctx.Done()
		log.Info("Shutdown signal received, stopping runner")
		if err := backend.Stop(); err != nil {
			log.WithError(err).Warn("Error stopping runner")
		}
	}()

	geometry := info.Geometry()
	log.Infof("Loaded runner for \"%s / %s\"", info.Project.Owner, info.Project.Name)
	log.Infof("Model input %dx%d, %d channel(s), type %s, labels %v",
		geometry.InputWidth, geometry.InputHeight, info.Parameters.ImageChannelCount,
		info.Parameters.ModelType, info.Parameters.Labels)

	var src *camera.Source
	deviceID, haveCamera := camera.Select(cfg.Camera.DeviceID, cfg.Camera.ProbeCount)
	if haveCamera {
		src, err = camera.Verify(deviceID)
		if err != nil {
			fatalf("%v", err)
		}
		defer src.Close()
	} else {
		deviceID = -1
	}

	state := twin.NewState(twin.RuntimeConfig{
		ScoreThreshold:        cfg.Runtime.ScoreThreshold,
		RunClassification:     cfg.Runtime.RunClassification,
		FrameTickMilliseconds: cfg.Runtime.FrameTickMilliseconds,
	})

	var sender agent.Sender
	if cfg.IoTHub.Enabled {
		client, err := newIoTHubClient(ctx, cfg.IoTHub)
		if err != nil {
			fatalf("Failed to create IoT Hub client: %v", err)
		}
		if err := client.Connect(ctx); err != nil {
			fatalf("Failed to connect to IoT Hub: %v", err)
		}
		defer client.Disconnect()
		sender = client

		tw, err := client.GetTwin(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to fetch module twin, using defaults")
			tw = &iothub.Twin{}
		}
		twin.InitializeFrom(ctx, state, tw.Desired, client)

		go twin.NewListener(state, client, client, cfg.Agent.PatchRetryDelay).Run(ctx)
		if cfg.Stats.ReportInterval > 0 {
			go reportStats(ctx, client, cfg.Stats.ReportInterval)
		}
	} else {
		log.Warn("IoT Hub disabled, predictions are only logged")
		twin.InitializeFrom(ctx, state, nil, nil)
	}

	extractor := preprocess.New(newResizer(cfg.Camera.Resizer))
	a := agent.New(state, info, sender, extractor, backend, agent.Options{
		OutputName:         cfg.Agent.OutputName,
		DeviceID:           deviceID,
		IdlePollInterval:   cfg.Agent.IdlePollInterval,
		TestImageDelay:     cfg.Agent.TestImageDelay,
		ExitAfterTestImage: cfg.Agent.ExitAfterTestImage,
	})

	var history api.HistoryReader
	if cfg.DB.Enabled {
		store, err := database.Open(cfg.DB)
		if err != nil {
			fatalf("Failed to initialize database: %v", err)
		}
		defer store.Close()
		a.AddObserver(store)
		history = store

		cleanupService := cleanup.NewService(store, cfg.Cleanup.RetentionDays, cfg.Cleanup.Interval)
		cleanupService.StartBackgroundCleanup()
		defer cleanupService.StopBackgroundCleanup()
	}

	if cfg.API.Enabled {
		if log.GetLevel() < log.DebugLevel {
			gin.SetMode(gin.ReleaseMode)
		}
		hub := sse.NewHub()
		go hub.Run(ctx)
		a.AddObserver(hub)

		srv := api.NewServer(cfg.API.Host, cfg.API.Port, api.NewHandler(api.Deps{
			State:   state,
			Model:   info,
			Agent:   a,
			History: history,
			Hub:     hub,
			Stats:   utils.GetSystemStats,
		}))
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("Status API shutdown")
			}
		}()
	}

	var frames runner.FrameSource
	if src != nil {
		frames = src
	}
	if err := run(ctx, frames, cfg.Agent.TestImage, a, extractor, backend, geometry); err != nil {
		log.Errorf("Agent stopped: %v", err)
	}
	log.Info("Shutting down")
}

// run drives the camera loop, or classifies the test image when no camera
// was selected.
func run(ctx context.Context, src runner.FrameSource, testImage string, a *agent.Agent, extractor runner.FeatureExtractor, classifier runner.Classifier, g models.ModelGeometry) error {
	if src == nil {
		img, err := camera.LoadImage(testImage)
		if err != nil {
			return fmt.Errorf("no camera and no usable test image: %w", err)
		}
		return a.RunTestImage(ctx, img)
	}

	stream := runner.NewStream(src, extractor, classifier, g, streamRetryDelay)
	defer stream.Close()
	// A frame that never arrives must not hold up shutdown.
	stopClose := context.AfterFunc(ctx, func() { stream.Close() })
	defer stopClose()

	err := a.RunStream(ctx, stream)
	if ctx.Err() != nil && errors.Is(err, runner.ErrStreamClosed) {
		return nil
	}
	return err
}
