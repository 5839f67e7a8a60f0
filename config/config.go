package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides (EICAMERA_IOTHUB_PORT, ...).
const EnvPrefix = "EICAMERA"

// edgeWorkloadEnv is set by the IoT Edge runtime for deployed modules.
const edgeWorkloadEnv = "IOTEDGE_WORKLOADURI"

// Config is the main application configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Camera  CameraConfig  `mapstructure:"camera"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	IoTHub  IoTHubConfig  `mapstructure:"iothub"`
	DB      DBConfig      `mapstructure:"db"`
	Cleanup CleanupConfig `mapstructure:"cleanup"`
	API     APIConfig     `mapstructure:"api"`
	Stats   StatsConfig   `mapstructure:"stats"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
	File   string `mapstructure:"file"`
}

// RunnerConfig selects and configures the model runner backend.
type RunnerConfig struct {
	Backend      string        `mapstructure:"backend"`       // eim or onnx
	ModelPath    string        `mapstructure:"model_path"`    // set from the command line
	MetadataPath string        `mapstructure:"metadata_path"` // onnx only
	OnnxLibrary  string        `mapstructure:"onnx_library"`  // onnx only, path to libonnxruntime
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	Debug        bool          `mapstructure:"debug"`
}

// CameraConfig holds capture device settings.
type CameraConfig struct {
	DeviceID   int    `mapstructure:"device_id"` // -1 probes for a device
	ProbeCount int    `mapstructure:"probe_count"`
	Resizer    string `mapstructure:"resizer"` // opencv or imaging
}

// AgentConfig holds capture/dispatch loop settings.
type AgentConfig struct {
	OutputName         string        `mapstructure:"output_name"`
	TestImage          string        `mapstructure:"test_image"`
	TestImageDelay     time.Duration `mapstructure:"test_image_delay"`
	ExitAfterTestImage bool          `mapstructure:"exit_after_test_image"`
	IdlePollInterval   time.Duration `mapstructure:"idle_poll_interval"`
	PatchRetryDelay    time.Duration `mapstructure:"patch_retry_delay"`
}

// RuntimeConfig holds the defaults for the twin-controlled settings.
type RuntimeConfig struct {
	ScoreThreshold        float64 `mapstructure:"score_threshold"`
	RunClassification     bool    `mapstructure:"run_classification"`
	FrameTickMilliseconds int     `mapstructure:"frame_tick_ms"`
}

// IoTHubConfig holds the cloud connection settings.
type IoTHubConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	ConnectionString string        `mapstructure:"connection_string"`
	GatewayHost      string        `mapstructure:"gateway_host"`
	CAFile           string        `mapstructure:"ca_file"`
	Port             int           `mapstructure:"port"`
	APIVersion       string        `mapstructure:"api_version"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// DBConfig holds settings for the local prediction history.
type DBConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	File        string `mapstructure:"file"`
	SnapshotDir string `mapstructure:"snapshot_dir"` // empty disables frame snapshots
}

// CleanupConfig holds settings for history pruning.
type CleanupConfig struct {
	RetentionDays int           `mapstructure:"retention_days"`
	Interval      time.Duration `mapstructure:"interval"`
}

// APIConfig holds settings for the local status API.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// StatsConfig controls periodic system stats reporting.
type StatsConfig struct {
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// Load reads configuration from defaults, an optional .env file, an optional
// YAML file and environment variables, in that order of precedence (lowest first).
func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(configPath), ".env")); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Infof("Config loaded from %s", configPath)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEdgeEnv(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

// Validate checks values that would otherwise fail much later at runtime.
func (c *Config) Validate() error {
	switch c.Runner.Backend {
	case "eim", "onnx":
	default:
		return fmt.Errorf("unknown runner backend %q", c.Runner.Backend)
	}
	switch c.Camera.Resizer {
	case "opencv", "imaging":
	default:
		return fmt.Errorf("unknown resizer %q", c.Camera.Resizer)
	}
	if c.Runtime.ScoreThreshold < 0 || c.Runtime.ScoreThreshold > 1 {
		return fmt.Errorf("runtime.score_threshold must be within [0,1], got %v", c.Runtime.ScoreThreshold)
	}
	if c.Runtime.FrameTickMilliseconds < 0 {
		return errors.New("runtime.frame_tick_ms must not be negative")
	}
	// Without a connection string the identity comes from the IoT Edge
	// workload API.
	if c.IoTHub.Enabled && c.IoTHub.ConnectionString == "" && os.Getenv(edgeWorkloadEnv) == "" {
		return fmt.Errorf("iothub is enabled but neither a connection string nor %s is set", edgeWorkloadEnv)
	}
	return nil
}

// loadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set win over the file.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	log.Infof("Environment loaded from %s", path)
	return nil
}

// bindEdgeEnv maps the variables injected by the IoT Edge runtime.
func bindEdgeEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"iothub.connection_string": {EnvPrefix + "_IOTHUB_CONNECTION_STRING", "EdgeHubConnectionString", "IOTHUB_DEVICE_CONNECTION_STRING"},
		"iothub.gateway_host":      {EnvPrefix + "_IOTHUB_GATEWAY_HOST", "IOTEDGE_GATEWAYHOSTNAME"},
		"iothub.ca_file":           {EnvPrefix + "_IOTHUB_CA_FILE", "EdgeModuleCACertificateFile"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

// setDefaults sets the default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("runner.backend", "eim")
	v.SetDefault("runner.model_path", "")
	v.SetDefault("runner.metadata_path", "")
	v.SetDefault("runner.onnx_library", "")
	v.SetDefault("runner.start_timeout", 30*time.Second)
	v.SetDefault("runner.debug", false)

	v.SetDefault("camera.device_id", -1)
	v.SetDefault("camera.probe_count", 5)
	v.SetDefault("camera.resizer", "opencv")

	v.SetDefault("agent.output_name", "classification")
	v.SetDefault("agent.test_image", "model_test.jpg")
	v.SetDefault("agent.test_image_delay", 5*time.Second)
	v.SetDefault("agent.exit_after_test_image", false)
	v.SetDefault("agent.idle_poll_interval", time.Second)
	v.SetDefault("agent.patch_retry_delay", 5*time.Second)

	v.SetDefault("runtime.score_threshold", 0.5)
	v.SetDefault("runtime.run_classification", true)
	v.SetDefault("runtime.frame_tick_ms", 100)

	v.SetDefault("iothub.enabled", true)
	v.SetDefault("iothub.connection_string", "")
	v.SetDefault("iothub.gateway_host", "")
	v.SetDefault("iothub.ca_file", "")
	v.SetDefault("iothub.port", 8883)
	v.SetDefault("iothub.api_version", "2021-04-12")
	v.SetDefault("iothub.token_ttl", time.Hour)
	v.SetDefault("iothub.request_timeout", 30*time.Second)

	v.SetDefault("db.enabled", false)
	v.SetDefault("db.file", "/data/ei-camera-detect.db")
	v.SetDefault("db.snapshot_dir", "")

	v.SetDefault("cleanup.retention_days", 7)
	v.SetDefault("cleanup.interval", 24*time.Hour)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	v.SetDefault("stats.report_interval", 5*time.Minute)
}

// ensureDirectories creates the directories for the log file and the database.
func ensureDirectories(cfg *Config) error {
	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	if cfg.DB.Enabled && cfg.DB.File != "" && cfg.DB.File != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DB.File), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	if cfg.DB.Enabled && cfg.DB.SnapshotDir != "" {
		if err := os.MkdirAll(cfg.DB.SnapshotDir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	return nil
}
