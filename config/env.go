package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"
)

// envDefaultPattern matches ${VAR:-default} with the default capture
// allowed to be empty.
var envDefaultPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*):-([^}]*)\}`)

// ExpandEnvWithDefaults expands environment references in a configuration
// document. ${VAR:-default} substitutes the default when VAR is unset or
// empty; ${VAR} and $VAR expand to the value or to the empty string.
func ExpandEnvWithDefaults(s string) string {
	s = envDefaultPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envDefaultPattern.FindStringSubmatch(match)
		if v := os.Getenv(groups[1]); v != "" {
			return v
		}
		return groups[2]
	})
	return os.ExpandEnv(s)
}

// applyEnv overlays the well-known environment variables onto the config.
// STAGE_CONCURRENCY and STAGE_DEADLINE_SECONDS apply to every stage; worker
// processes run a single stage, so a per-process override is what operators
// expect.
func (c *Config) applyEnv() error {
	if v := os.Getenv("BROKER_URL"); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv("SUBSCRIBE_TOPIC"); v != "" {
		c.Worker.SubscribeTopic = v
	}
	if v := os.Getenv("PUBLISH_TOPIC"); v != "" {
		c.Worker.PublishTopic = v
	}
	if v := os.Getenv("STAGE_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STAGE_CONCURRENCY: %w", err)
		}
		for name, s := range c.Worker.Stages {
			s.Concurrency = n
			c.Worker.Stages[name] = s
		}
	}
	if v := os.Getenv("STAGE_DEADLINE_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STAGE_DEADLINE_SECONDS: %w", err)
		}
		for name, s := range c.Worker.Stages {
			s.Deadline = time.Duration(n) * time.Second
			c.Worker.Stages[name] = s
		}
	}
	if v := os.Getenv("MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_ATTEMPTS: %w", err)
		}
		c.Worker.MaxAttempts = n
	}
	if v := os.Getenv("GENERATOR_ENDPOINT"); v != "" {
		c.Generator.Endpoint = v
	}
	if v := os.Getenv("GENERATOR_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GENERATOR_TIMEOUT_SECONDS: %w", err)
		}
		c.Generator.Timeout = time.Duration(n) * time.Second
	}
	if v := os.Getenv("GENERATOR_MAX_RPM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GENERATOR_MAX_RPM: %w", err)
		}
		c.Generator.MaxRPM = n
	}
	if v := os.Getenv("ARTIFACT_STORE_URL"); v != "" {
		c.Artifact.URL = v
	}
	if v := os.Getenv("STALL_THRESHOLD_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STALL_THRESHOLD_SECONDS: %w", err)
		}
		c.Orchestrator.StallThreshold = time.Duration(n) * time.Second
	}
	if v := os.Getenv("DASHBOARD_WS_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DASHBOARD_WS_BUFFER: %w", err)
		}
		c.Dashboard.Buffer = n
	}
	if v := os.Getenv("GATEWAY_ADDR"); v != "" {
		c.Gateway.ListenAddr = v
	}
	if v := os.Getenv("ORCHESTRATOR_ADDR"); v != "" {
		c.Orchestrator.ListenAddr = v
	}
	if v := os.Getenv("DEVFLOW_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}
