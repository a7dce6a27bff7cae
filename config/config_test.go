package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/devflow/envelope"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDefaultStageSettings(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		stage       envelope.Stage
		concurrency int
		deadline    time.Duration
	}{
		{envelope.StageAnalysis, 4, 600 * time.Second},
		{envelope.StagePlanning, 4, 300 * time.Second},
		{envelope.StageBlueprint, 4, 600 * time.Second},
		{envelope.StageCoding, 4, 1200 * time.Second},
		{envelope.StageTesting, 1, 900 * time.Second},
	}
	for _, tt := range tests {
		s := cfg.StageSettings(tt.stage)
		if s.Concurrency != tt.concurrency {
			t.Errorf("%s concurrency = %d, want %d", tt.stage, s.Concurrency, tt.concurrency)
		}
		if s.Deadline != tt.deadline {
			t.Errorf("%s deadline = %v, want %v", tt.stage, s.Deadline, tt.deadline)
		}
	}
}

func TestLoadFromBytesOverlaysDefaults(t *testing.T) {
	doc := `
broker:
  url: nats://broker.internal:4222
worker:
  max_attempts: 3
  stages:
    coding:
      concurrency: 8
      deadline: 30m
dashboard:
  buffer: 64
`
	cfg, err := LoadFromBytes([]byte(doc))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cfg.Broker.URL != "nats://broker.internal:4222" {
		t.Errorf("broker url = %q", cfg.Broker.URL)
	}
	if cfg.Worker.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Worker.MaxAttempts)
	}
	if s := cfg.StageSettings(envelope.StageCoding); s.Concurrency != 8 || s.Deadline != 30*time.Minute {
		t.Errorf("coding settings = %+v", s)
	}
	// Untouched stages keep their defaults.
	if s := cfg.StageSettings(envelope.StageTesting); s.Concurrency != 1 {
		t.Errorf("testing concurrency = %d, want default 1", s.Concurrency)
	}
	if cfg.Dashboard.Buffer != 64 {
		t.Errorf("dashboard buffer = %d, want 64", cfg.Dashboard.Buffer)
	}
	// Defaults for untouched sections survive.
	if cfg.Gateway.MaxArchiveBytes != 50<<20 {
		t.Errorf("max archive bytes = %d", cfg.Gateway.MaxArchiveBytes)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty broker url", func(c *Config) { c.Broker.URL = "" }, "broker.url"},
		{"bad temperature", func(c *Config) { c.Generator.Temperature = 1.5 }, "temperature"},
		{"zero rpm", func(c *Config) { c.Generator.MaxRPM = 0 }, "max_rpm"},
		{"zero attempts", func(c *Config) { c.Worker.MaxAttempts = 0 }, "max_attempts"},
		{
			"missing stage",
			func(c *Config) { delete(c.Worker.Stages, "planning") },
			"worker.stages.planning",
		},
		{
			"unknown stage key",
			func(c *Config) { c.Worker.Stages["deploy"] = StageSettings{Concurrency: 1, Deadline: time.Minute} },
			"unknown stage",
		},
		{
			"zero concurrency",
			func(c *Config) { c.Worker.Stages["coding"] = StageSettings{Concurrency: 0, Deadline: time.Minute} },
			"concurrency",
		},
		{"zero stall threshold", func(c *Config) { c.Orchestrator.StallThreshold = 0 }, "stall_threshold"},
		{"zero archive cap", func(c *Config) { c.Gateway.MaxArchiveBytes = 0 }, "max_archive_bytes"},
		{"zero ws buffer", func(c *Config) { c.Dashboard.Buffer = 0 }, "dashboard.buffer"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestExpandEnvWithDefaults(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		env      map[string]string
		expected string
	}{
		{
			name:     "default used when var unset",
			input:    `${DEVFLOW_BROKER:-nats://localhost:4222}`,
			env:      map[string]string{},
			expected: `nats://localhost:4222`,
		},
		{
			name:     "env value used when set",
			input:    `${DEVFLOW_BROKER:-nats://localhost:4222}`,
			env:      map[string]string{"DEVFLOW_BROKER": "nats://prod:4222"},
			expected: `nats://prod:4222`,
		},
		{
			name:     "multiple vars with defaults",
			input:    `${DEVFLOW_HOST:-localhost}:${DEVFLOW_PORT:-8080}`,
			env:      map[string]string{"DEVFLOW_HOST": "gw.internal"},
			expected: `gw.internal:8080`,
		},
		{
			name:     "empty default",
			input:    `pre${DEVFLOW_OPT:-}post`,
			env:      map[string]string{},
			expected: `prepost`,
		},
		{
			name:     "plain reference without default",
			input:    `${DEVFLOW_PLAIN}`,
			env:      map[string]string{"DEVFLOW_PLAIN": "value"},
			expected: `value`,
		},
		{
			name:     "unset plain reference becomes empty",
			input:    `${DEVFLOW_PLAIN}`,
			env:      map[string]string{},
			expected: ``,
		},
	}

	vars := []string{"DEVFLOW_BROKER", "DEVFLOW_HOST", "DEVFLOW_PORT", "DEVFLOW_OPT", "DEVFLOW_PLAIN"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, v := range vars {
				os.Unsetenv(v)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := ExpandEnvWithDefaults(tt.input); got != tt.expected {
				t.Errorf("ExpandEnvWithDefaults(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("BROKER_URL", "nats://env:4222")
	t.Setenv("STAGE_CONCURRENCY", "2")
	t.Setenv("STAGE_DEADLINE_SECONDS", "120")
	t.Setenv("MAX_ATTEMPTS", "7")
	t.Setenv("GENERATOR_ENDPOINT", "http://gen.internal/v1")
	t.Setenv("GENERATOR_TIMEOUT_SECONDS", "90")
	t.Setenv("GENERATOR_MAX_RPM", "30")
	t.Setenv("ARTIFACT_STORE_URL", "/tmp/artifacts.git")
	t.Setenv("STALL_THRESHOLD_SECONDS", "300")
	t.Setenv("DASHBOARD_WS_BUFFER", "128")

	cfg, err := LoadFromBytes(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker.URL != "nats://env:4222" {
		t.Errorf("broker url = %q", cfg.Broker.URL)
	}
	for _, stage := range envelope.Stages() {
		s := cfg.StageSettings(stage)
		if s.Concurrency != 2 || s.Deadline != 120*time.Second {
			t.Errorf("%s settings = %+v, want concurrency 2 deadline 2m", stage, s)
		}
	}
	if cfg.Worker.MaxAttempts != 7 {
		t.Errorf("max attempts = %d", cfg.Worker.MaxAttempts)
	}
	if cfg.Generator.Endpoint != "http://gen.internal/v1" {
		t.Errorf("generator endpoint = %q", cfg.Generator.Endpoint)
	}
	if cfg.Generator.Timeout != 90*time.Second {
		t.Errorf("generator timeout = %v", cfg.Generator.Timeout)
	}
	if cfg.Generator.MaxRPM != 30 {
		t.Errorf("generator rpm = %d", cfg.Generator.MaxRPM)
	}
	if cfg.Artifact.URL != "/tmp/artifacts.git" {
		t.Errorf("artifact url = %q", cfg.Artifact.URL)
	}
	if cfg.Orchestrator.StallThreshold != 300*time.Second {
		t.Errorf("stall threshold = %v", cfg.Orchestrator.StallThreshold)
	}
	if cfg.Dashboard.Buffer != 128 {
		t.Errorf("dashboard buffer = %d", cfg.Dashboard.Buffer)
	}
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "many")
	if _, err := LoadFromBytes(nil); err == nil || !strings.Contains(err.Error(), "MAX_ATTEMPTS") {
		t.Errorf("expected MAX_ATTEMPTS parse error, got %v", err)
	}
}

func TestStallThresholdPerStageOverride(t *testing.T) {
	doc := `
orchestrator:
  stall_threshold: 10m
  stage_stall_thresholds:
    coding: 30m
`
	cfg, err := LoadFromBytes([]byte(doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if d := cfg.StallThresholdFor(envelope.StageCoding); d != 30*time.Minute {
		t.Errorf("coding stall threshold = %v, want 30m", d)
	}
	if d := cfg.StallThresholdFor(envelope.StageAnalysis); d != 10*time.Minute {
		t.Errorf("analysis stall threshold = %v, want 10m", d)
	}
}
