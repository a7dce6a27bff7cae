// Package main provides the devflow binary entry point.
// Devflow is a distributed development pipeline: a project brief moves
// through analysis, planning, blueprint, coding, and testing workers over
// a durable broker, with an orchestrator tracking every request and a
// websocket dashboard streaming progress.
//
// One binary carries every role. `devflow gateway`, `devflow worker
// <stage>`, and `devflow orchestrator` run the individual services;
// `devflow all` runs the whole fabric in one process for local use; the
// submit/status/requests/cancel subcommands are a thin client for the
// gateway API.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	// Register generator providers via init()
	_ "github.com/c360studio/devflow/generator/providers"

	"github.com/c360studio/devflow/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "devflow"
)

// configError marks a failure to produce a valid configuration. The
// process exits 2 for those and 1 for everything else.
type configError struct {
	err error
}

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var cfgErr configError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "devflow",
		Short: "Distributed development pipeline",
		Long: `Devflow turns a free-form project brief into staged artifacts:
analysis, planning, blueprint, code, and test results, produced by
independent workers over a durable broker.

Server roles:
  gateway       HTTP ingress accepting submissions
  worker        one stage worker (analysis|planning|blueprint|coding|testing)
  orchestrator  pipeline state tracking, state API, dashboard websocket
  all           every role in one process

Client commands (talk to a running gateway):
  submit, status, requests, cancel`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("DEVFLOW_CONFIG"), "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	load := func() (*config.Config, error) {
		return loadConfig(configPath, logLevel)
	}

	cmd.AddCommand(
		gatewayCmd(load),
		workerCmd(load),
		orchestratorCmd(load),
		allCmd(load),
		submitCmd(),
		statusCmd(),
		requestsCmd(),
		cancelCmd(),
		versionCmd(),
	)

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

// loadConfig builds the effective configuration and installs the process
// logger. Any failure here is a configError, so the process exits 2.
func loadConfig(path, logLevel string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, configError{err}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, configError{err}
		}
	}
	setupLogging(cfg.Log)
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func printBanner(role string) {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Printf("║             Devflow v%s                     ║\n", Version)
	fmt.Println("║      Distributed Development Pipeline         ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
	fmt.Printf("role: %s\n", role)
}
