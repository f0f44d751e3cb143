package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caffeineduck/polybridge/internal/logger"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCommand         = "polybridge child"
	DefaultCapacity        = 500
	DefaultQueueCapacity   = 128
	DefaultRetryLimit      = 1
	DefaultStartupTimeout  = 30 * time.Second
	DefaultGracePeriod     = 5 * time.Second
	DefaultHTTPAddr        = "127.0.0.1:8080"
	DefaultReadTimeout     = 10 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// RuntimeConfig selects the child runtime. Wasm takes precedence over
// Command when both are set.
type RuntimeConfig struct {
	Command         string   `yaml:"command"`
	Env             []string `yaml:"env"`
	Dir             string   `yaml:"dir"`
	Wasm            string   `yaml:"wasm"`
	WasmCacheDir    string   `yaml:"wasmCacheDir"`
	WasmMemoryPages uint32   `yaml:"wasmMemoryPages"`
}

// BridgeConfig holds shared state limits and the host operations exposed
// to the child.
type BridgeConfig struct {
	Capacity     int           `yaml:"capacity"`
	MaxKeySize   int           `yaml:"maxKeySize"`
	MaxValueSize int           `yaml:"maxValueSize"`
	AllowedHosts []string      `yaml:"allowedHosts"`
	HTTPTimeout  time.Duration `yaml:"httpTimeout"`
}

// SupervisorConfig holds the restart policy and shutdown timing.
type SupervisorConfig struct {
	RestartOnFailure    *bool         `yaml:"restartOnFailure"`
	RestartOnCompletion *bool         `yaml:"restartOnCompletion"`
	StartupTimeout      time.Duration `yaml:"startupTimeout"`
	GracePeriod         time.Duration `yaml:"gracePeriod"`
	MaxRestarts         int           `yaml:"maxRestarts"`
}

type SubmissionConfig struct {
	QueueCapacity int  `yaml:"queueCapacity"`
	RetryLimit    *int `yaml:"retryLimit"`
}

type InterpreterConfig struct {
	// Timeout bounds each interpret call; zero waits indefinitely.
	Timeout time.Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type Config struct {
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Submission  SubmissionConfig  `yaml:"submission"`
	Interpreter InterpreterConfig `yaml:"interpreter"`
	Server      ServerConfig      `yaml:"server"`
	Logger      logger.Config     `yaml:"logger"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// Load reads a YAML config file and fills in defaults. An empty path
// returns Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}

	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file failed: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Runtime.Command == "" && cfg.Runtime.Wasm == "" {
		cfg.Runtime.Command = DefaultCommand
	}
	if cfg.Bridge.Capacity == 0 {
		cfg.Bridge.Capacity = DefaultCapacity
	}
	if cfg.Supervisor.RestartOnFailure == nil {
		cfg.Supervisor.RestartOnFailure = boolPtr(true)
	}
	if cfg.Supervisor.RestartOnCompletion == nil {
		cfg.Supervisor.RestartOnCompletion = boolPtr(true)
	}
	if cfg.Supervisor.StartupTimeout == 0 {
		cfg.Supervisor.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.Supervisor.GracePeriod == 0 {
		cfg.Supervisor.GracePeriod = DefaultGracePeriod
	}
	if cfg.Submission.QueueCapacity == 0 {
		cfg.Submission.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Submission.RetryLimit == nil {
		limit := DefaultRetryLimit
		cfg.Submission.RetryLimit = &limit
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	defaults := logger.DefaultConfig()
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = defaults.Level
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = defaults.Format
	}
	if cfg.Logger.OutputPath == "" {
		cfg.Logger.OutputPath = defaults.OutputPath
	}
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Bridge.Capacity < 1 {
		errs = append(errs, fmt.Errorf("bridge.capacity must be positive, got %d", c.Bridge.Capacity))
	}
	if c.Bridge.MaxKeySize < 0 || c.Bridge.MaxValueSize < 0 {
		errs = append(errs, errors.New("bridge size limits must not be negative"))
	}
	if c.Submission.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("submission.queueCapacity must be positive, got %d", c.Submission.QueueCapacity))
	}
	if c.Submission.RetryLimit != nil && *c.Submission.RetryLimit < 0 {
		errs = append(errs, errors.New("submission.retryLimit must not be negative"))
	}
	if c.Supervisor.MaxRestarts < 0 {
		errs = append(errs, errors.New("supervisor.maxRestarts must not be negative"))
	}
	if c.Supervisor.StartupTimeout < 0 || c.Supervisor.GracePeriod < 0 || c.Interpreter.Timeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	switch c.Logger.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logger.format must be json or console, got %q", c.Logger.Format))
	}
	return errors.Join(errs...)
}

func boolPtr(v bool) *bool {
	return &v
}
