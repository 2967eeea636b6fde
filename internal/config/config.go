// Package config provides configuration management for TubeAgent.
// Configuration is loaded from environment variables with sensible defaults.
// Pipeline tuning constants may additionally be overridden from an optional
// YAML file pointed at by TUBEAGENT_CONFIG.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Default values
	DefaultPort     = 8790
	DefaultLogLevel = "info"
	DefaultDataDir  = ".tubeagent"

	// Environment variable names
	EnvPort       = "TUBEAGENT_PORT"
	EnvLogLevel   = "TUBEAGENT_LOG_LEVEL"
	EnvDataDir    = "TUBEAGENT_DATA_DIR"
	EnvConfigFile = "TUBEAGENT_CONFIG"

	// Provider environment variable names
	EnvProvider      = "TUBEAGENT_PROVIDER"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvOpenAIBaseURL = "OPENAI_BASE_URL"
	EnvOpenAIModel   = "TUBEAGENT_OPENAI_MODEL"
	EnvGeminiKey     = "GEMINI_API_KEY"
	EnvGeminiModel   = "TUBEAGENT_GEMINI_MODEL"

	// Database filename
	DBFilename = "tubeagent.db"

	// Provider names
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultGeminiModel = "gemini-2.0-flash"
)

// Pipeline holds the tunable constants of the chunking/transcription pipeline.
// These fix the role of each parameter; the exact values are configuration,
// not invariants.
type Pipeline struct {
	// Chunk planning
	TargetChunkSeconds float64 `yaml:"target_chunk_seconds"`
	OverlapSeconds     float64 `yaml:"overlap_seconds"`
	SubChunkSeconds    float64 `yaml:"sub_chunk_seconds"`
	ResplitMinSeconds  float64 `yaml:"resplit_min_seconds"`

	// Scheduling
	Concurrency int `yaml:"concurrency"`
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff and timeouts
	BackoffBaseSeconds float64 `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds  float64 `yaml:"backoff_max_seconds"`
	TimeoutFactor      float64 `yaml:"timeout_factor"`
	TimeoutMinSeconds  float64 `yaml:"timeout_min_seconds"`

	// Manifest storage
	StorageRetries int `yaml:"storage_retries"`

	// Strategy selection
	DirectThresholdMinutes int `yaml:"direct_threshold_minutes"`
}

// Validate fills zero values with defaults and rejects nonsense.
func (p *Pipeline) Validate() error {
	if p.TargetChunkSeconds == 0 {
		p.TargetChunkSeconds = 1500
	}
	if p.TargetChunkSeconds < 0 {
		return fmt.Errorf("target_chunk_seconds must be positive")
	}
	if p.OverlapSeconds == 0 {
		p.OverlapSeconds = 2
	}
	if p.OverlapSeconds < 0 || p.OverlapSeconds >= p.TargetChunkSeconds {
		return fmt.Errorf("overlap_seconds must be in [0, target_chunk_seconds)")
	}
	if p.SubChunkSeconds == 0 {
		p.SubChunkSeconds = 1200
	}
	if p.ResplitMinSeconds == 0 {
		p.ResplitMinSeconds = 300
	}
	if p.Concurrency == 0 {
		p.Concurrency = 3
	}
	if p.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffBaseSeconds == 0 {
		p.BackoffBaseSeconds = 2
	}
	if p.BackoffMaxSeconds == 0 {
		p.BackoffMaxSeconds = 60
	}
	if p.TimeoutFactor == 0 {
		p.TimeoutFactor = 1.5
	}
	if p.TimeoutMinSeconds == 0 {
		p.TimeoutMinSeconds = 120
	}
	if p.StorageRetries == 0 {
		p.StorageRetries = 3
	}
	if p.DirectThresholdMinutes == 0 {
		p.DirectThresholdMinutes = 20
	}
	return nil
}

// BackoffBase returns the initial retry delay.
func (p Pipeline) BackoffBase() time.Duration {
	return time.Duration(p.BackoffBaseSeconds * float64(time.Second))
}

// BackoffMax returns the retry delay ceiling.
func (p Pipeline) BackoffMax() time.Duration {
	return time.Duration(p.BackoffMaxSeconds * float64(time.Second))
}

// TimeoutMin returns the floor for per-call ASR timeouts.
func (p Pipeline) TimeoutMin() time.Duration {
	return time.Duration(p.TimeoutMinSeconds * float64(time.Second))
}

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	JobsDir() string
	CacheDir() string
	Provider() string
	OpenAIKey() string
	OpenAIBaseURL() string
	OpenAIModel() string
	GeminiKey() string
	GeminiModel() string
	Pipeline() Pipeline
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port     int
	logLevel string
	dataDir  string

	provider      string
	openAIKey     string
	openAIBaseURL string
	openAIModel   string
	geminiKey     string
	geminiModel   string

	pipeline Pipeline
}

// New creates a new EnvConfig with defaults, the optional YAML overlay,
// and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:        DefaultPort,
		logLevel:    DefaultLogLevel,
		dataDir:     defaultDataDir(),
		provider:    ProviderGemini,
		openAIModel: DefaultOpenAIModel,
		geminiModel: DefaultGeminiModel,
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg.pipeline); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if pv := os.Getenv(EnvProvider); pv != "" {
		if pv != ProviderOpenAI && pv != ProviderGemini {
			return nil, fmt.Errorf("invalid %s: must be %q or %q", EnvProvider, ProviderOpenAI, ProviderGemini)
		}
		cfg.provider = pv
	}

	cfg.openAIKey = os.Getenv(EnvOpenAIKey)
	cfg.openAIBaseURL = os.Getenv(EnvOpenAIBaseURL)
	if m := os.Getenv(EnvOpenAIModel); m != "" {
		cfg.openAIModel = m
	}
	cfg.geminiKey = os.Getenv(EnvGeminiKey)
	if m := os.Getenv(EnvGeminiModel); m != "" {
		cfg.geminiModel = m
	}

	if err := cfg.pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// JobsDir returns the directory holding per-job manifests and artifacts
func (c *EnvConfig) JobsDir() string {
	return filepath.Join(c.dataDir, "jobs")
}

// CacheDir returns the downloaded-media cache directory
func (c *EnvConfig) CacheDir() string {
	return filepath.Join(c.dataDir, "cache")
}

func (c *EnvConfig) Provider() string      { return c.provider }
func (c *EnvConfig) OpenAIKey() string     { return c.openAIKey }
func (c *EnvConfig) OpenAIBaseURL() string { return c.openAIBaseURL }
func (c *EnvConfig) OpenAIModel() string   { return c.openAIModel }
func (c *EnvConfig) GeminiKey() string     { return c.geminiKey }
func (c *EnvConfig) GeminiModel() string   { return c.geminiModel }

// Pipeline returns the pipeline tuning constants
func (c *EnvConfig) Pipeline() Pipeline {
	return c.pipeline
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
