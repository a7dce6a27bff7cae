// Package config provides configuration loading for all devflow processes.
// A Config is built from defaults, optionally overlaid with a YAML file
// (after environment expansion) and finally with the well-known environment
// variables. The result is validated once and threaded explicitly into
// components; nothing reads configuration after startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/devflow/envelope"
)

// Config is the complete devflow configuration.
type Config struct {
	Broker       BrokerConfig       `yaml:"broker"`
	Generator    GeneratorConfig    `yaml:"generator"`
	Artifact     ArtifactConfig     `yaml:"artifact"`
	Worker       WorkerConfig       `yaml:"worker"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Dashboard    DashboardConfig    `yaml:"dashboard"`
	Log          LogConfig          `yaml:"log"`
}

// BrokerConfig configures the JetStream connection.
type BrokerConfig struct {
	// URL is the NATS server URL. Ignored when Embedded is set.
	URL string `yaml:"url"`
	// Embedded runs an in-process broker instead of dialing URL. Meant
	// for the single-binary mode and local development.
	Embedded bool `yaml:"embedded"`
	// StoreDir is where the embedded broker keeps stream data.
	StoreDir string `yaml:"store_dir"`
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// ConnectRetries is the startup retry budget before the process gives up.
	ConnectRetries int `yaml:"connect_retries"`
}

// GeneratorConfig configures the content generator client.
type GeneratorConfig struct {
	// Provider selects the wire dialect ("openai", "anthropic", "ollama").
	Provider string `yaml:"provider"`
	// Endpoint is the generator API base URL.
	Endpoint string `yaml:"endpoint"`
	// Model is the default model identifier.
	Model string `yaml:"model"`
	// FallbackModels are tried in order when the primary model fails
	// non-transiently.
	FallbackModels []string `yaml:"fallback_models"`
	// Temperature controls sampling randomness (0.0-1.0).
	Temperature float64 `yaml:"temperature"`
	// MaxTokens caps the response length per call.
	MaxTokens int `yaml:"max_tokens"`
	// Timeout bounds a single HTTP call.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries is the transient-failure retry count per generate call.
	MaxRetries int `yaml:"max_retries"`
	// RetryBudget bounds the total time spent on one generate call
	// including retries.
	RetryBudget time.Duration `yaml:"retry_budget"`
	// MaxRPM is the process-wide token-bucket rate limit.
	MaxRPM int `yaml:"max_rpm"`
}

// ArtifactConfig configures the git-backed artifact store.
type ArtifactConfig struct {
	// URL is the repository the store writes to. A local path is used
	// directly; a remote URL is cloned into WorkDir.
	URL string `yaml:"url"`
	// WorkDir holds the store's local checkout when URL is remote.
	WorkDir string `yaml:"work_dir"`
	// AuthorName and AuthorEmail identify pipeline commits.
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
	// Push mirrors request branches to the remote after each commit.
	Push bool `yaml:"push"`
}

// StageSettings tunes one stage's worker.
type StageSettings struct {
	// Concurrency is the number of deliveries processed in parallel.
	Concurrency int `yaml:"concurrency"`
	// Deadline bounds one transform invocation.
	Deadline time.Duration `yaml:"deadline"`
}

// WorkerConfig configures the stage worker runtime.
type WorkerConfig struct {
	// ID identifies this worker in provenance entries. Empty derives
	// hostname-pid at startup.
	ID string `yaml:"id"`
	// ListenAddr serves the worker's /metrics and /health. Replicas on
	// one host need distinct ports. Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`
	// MaxAttempts is the delivery attempt ceiling before DLQ routing.
	MaxAttempts int `yaml:"max_attempts"`
	// SubscribeTopic and PublishTopic override the stage-derived topics.
	// Normally left empty.
	SubscribeTopic string `yaml:"subscribe_topic"`
	PublishTopic   string `yaml:"publish_topic"`
	// DedupeSize bounds the idempotency cache.
	DedupeSize int `yaml:"dedupe_size"`
	// Stages holds per-stage tuning keyed by stage name.
	Stages map[string]StageSettings `yaml:"stages"`
}

// OrchestratorConfig configures state tracking and the status API.
type OrchestratorConfig struct {
	// ListenAddr serves the read-only state API and /metrics.
	ListenAddr string `yaml:"listen_addr"`
	// StallCheckInterval is the sweeper period.
	StallCheckInterval time.Duration `yaml:"stall_check_interval"`
	// StallThreshold marks a request stalled when no event arrived for
	// this long. StageStallThresholds override it per stage.
	StallThreshold       time.Duration            `yaml:"stall_threshold"`
	StageStallThresholds map[string]time.Duration `yaml:"stage_stall_thresholds"`
}

// GatewayConfig configures the ingress HTTP server.
type GatewayConfig struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`
	// OrchestratorURL is where /status and /requests reads are proxied.
	OrchestratorURL string `yaml:"orchestrator_url"`
	// MaxArchiveBytes caps an uploaded archive.
	MaxArchiveBytes int64 `yaml:"max_archive_bytes"`
	// MaxFileBytes caps a single extracted text file.
	MaxFileBytes int64 `yaml:"max_file_bytes"`
	// MaxFiles caps the number of extracted files.
	MaxFiles int `yaml:"max_files"`
	// IgnorePatterns extend the built-in ingestion ignore list.
	IgnorePatterns []string `yaml:"ignore_patterns"`
	// CloneDepth is the git ingestion history depth.
	CloneDepth int `yaml:"clone_depth"`
	// MaxClients bounds concurrent connections on the listener.
	MaxClients int `yaml:"max_clients"`
	// ShutdownGrace bounds the drain on SIGTERM.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// DashboardConfig configures the websocket fan-out.
type DashboardConfig struct {
	// Buffer is the per-client message buffer; overflow disconnects the
	// client.
	Buffer int `yaml:"buffer"`
	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration every process starts from.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:            "nats://127.0.0.1:4222",
			ConnectTimeout: 5 * time.Second,
			ConnectRetries: 5,
		},
		Generator: GeneratorConfig{
			Provider:    "openai",
			Endpoint:    "http://localhost:11434/v1",
			Model:       "qwen2.5-coder:32b",
			Temperature: 0.2,
			MaxTokens:   8192,
			Timeout:     60 * time.Second,
			MaxRetries:  3,
			RetryBudget: 60 * time.Second,
			MaxRPM:      60,
		},
		Artifact: ArtifactConfig{
			AuthorName:  "devflow",
			AuthorEmail: "devflow@localhost",
		},
		Worker: WorkerConfig{
			ListenAddr:  ":8091",
			MaxAttempts: 5,
			DedupeSize:  1024,
			Stages: map[string]StageSettings{
				envelope.StageAnalysis.String():  {Concurrency: 4, Deadline: 600 * time.Second},
				envelope.StagePlanning.String():  {Concurrency: 4, Deadline: 300 * time.Second},
				envelope.StageBlueprint.String(): {Concurrency: 4, Deadline: 600 * time.Second},
				envelope.StageCoding.String():    {Concurrency: 4, Deadline: 1200 * time.Second},
				envelope.StageTesting.String():   {Concurrency: 1, Deadline: 900 * time.Second},
			},
		},
		Orchestrator: OrchestratorConfig{
			ListenAddr:         ":8090",
			StallCheckInterval: 30 * time.Second,
			StallThreshold:     10 * time.Minute,
		},
		Gateway: GatewayConfig{
			ListenAddr:      ":8080",
			OrchestratorURL: "http://127.0.0.1:8090",
			MaxArchiveBytes: 50 << 20,
			MaxFileBytes:    5 << 20,
			MaxFiles:        10000,
			CloneDepth:      1,
			MaxClients:      512,
			ShutdownGrace:   10 * time.Second,
		},
		Dashboard: DashboardConfig{
			Buffer:       256,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is usable. Callers treat a
// validation error as fatal at startup.
func (c *Config) Validate() error {
	if c.Broker.URL == "" && !c.Broker.Embedded {
		return fmt.Errorf("broker.url is required unless broker.embedded is set")
	}
	if c.Broker.ConnectRetries < 0 {
		return fmt.Errorf("broker.connect_retries must not be negative")
	}
	if c.Generator.Endpoint == "" {
		return fmt.Errorf("generator.endpoint is required")
	}
	if c.Generator.Model == "" {
		return fmt.Errorf("generator.model is required")
	}
	if c.Generator.Temperature < 0 || c.Generator.Temperature > 1 {
		return fmt.Errorf("generator.temperature must be between 0 and 1")
	}
	if c.Generator.Timeout <= 0 {
		return fmt.Errorf("generator.timeout must be positive")
	}
	if c.Generator.MaxRPM <= 0 {
		return fmt.Errorf("generator.max_rpm must be positive")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be at least 1")
	}
	for _, stage := range envelope.Stages() {
		s, ok := c.Worker.Stages[stage.String()]
		if !ok {
			return fmt.Errorf("worker.stages.%s is missing", stage)
		}
		if s.Concurrency < 1 {
			return fmt.Errorf("worker.stages.%s.concurrency must be at least 1", stage)
		}
		if s.Deadline <= 0 {
			return fmt.Errorf("worker.stages.%s.deadline must be positive", stage)
		}
	}
	for name := range c.Worker.Stages {
		if _, err := envelope.ParseStage(name); err != nil {
			return fmt.Errorf("worker.stages: %w", err)
		}
	}
	for name := range c.Orchestrator.StageStallThresholds {
		if _, err := envelope.ParseStage(name); err != nil {
			return fmt.Errorf("orchestrator.stage_stall_thresholds: %w", err)
		}
	}
	if c.Orchestrator.StallCheckInterval <= 0 {
		return fmt.Errorf("orchestrator.stall_check_interval must be positive")
	}
	if c.Orchestrator.StallThreshold <= 0 {
		return fmt.Errorf("orchestrator.stall_threshold must be positive")
	}
	if c.Gateway.MaxArchiveBytes <= 0 {
		return fmt.Errorf("gateway.max_archive_bytes must be positive")
	}
	if c.Gateway.MaxFileBytes <= 0 {
		return fmt.Errorf("gateway.max_file_bytes must be positive")
	}
	if c.Gateway.MaxFiles <= 0 {
		return fmt.Errorf("gateway.max_files must be positive")
	}
	if c.Gateway.CloneDepth < 1 {
		return fmt.Errorf("gateway.clone_depth must be at least 1")
	}
	if c.Dashboard.Buffer < 1 {
		return fmt.Errorf("dashboard.buffer must be at least 1")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not text or json", c.Log.Format)
	}
	return nil
}

// StageSettings returns the tuning for one stage. Callers run after
// Validate, so the stage is known to be present.
func (c *Config) StageSettings(stage envelope.Stage) StageSettings {
	return c.Worker.Stages[stage.String()]
}

// StallThresholdFor returns the stall threshold applying to a stage,
// honoring per-stage overrides.
func (c *Config) StallThresholdFor(stage envelope.Stage) time.Duration {
	if d, ok := c.Orchestrator.StageStallThresholds[stage.String()]; ok && d > 0 {
		return d
	}
	return c.Orchestrator.StallThreshold
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (when non-empty) with environment expansion applied, then environment
// variable overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(ExpandEnvWithDefaults(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes parses a configuration document over the defaults. Used by
// tests and callers that already hold the file contents.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(ExpandEnvWithDefaults(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
