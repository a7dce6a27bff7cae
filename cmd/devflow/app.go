package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/devflow/artifact"
	"github.com/c360studio/devflow/broker"
	"github.com/c360studio/devflow/config"
	"github.com/c360studio/devflow/dashboard"
	"github.com/c360studio/devflow/envelope"
	"github.com/c360studio/devflow/gateway"
	"github.com/c360studio/devflow/generator"
	"github.com/c360studio/devflow/orchestrator"
	"github.com/c360studio/devflow/stage"
	"github.com/c360studio/devflow/telemetry"
	"github.com/c360studio/devflow/worker"
)

// stopTimeout bounds each component's drain during shutdown.
const stopTimeout = 30 * time.Second

type loadFunc func() (*config.Config, error)

func gatewayCmd(load loadFunc) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the ingress HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Gateway.ListenAddr = listen
			}
			return runGateway(cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides gateway.listen_addr)")
	return cmd
}

func runGateway(cfg *config.Config) error {
	printBanner("gateway")
	logger := slog.Default()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := connectBroker(ctx, cfg, logger, "devflow-gateway")
	if err != nil {
		return err
	}
	defer b.Close()

	metrics := telemetry.New()
	srv, err := gateway.New(cfg.Gateway, b, metrics, logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	mux := http.NewServeMux()
	srv.RegisterHTTPHandlers(mux)

	if err := srv.Serve(ctx, mux); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	logger.Info("Gateway shutdown complete")
	return nil
}

func workerCmd(load loadFunc) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "worker <stage>",
		Short: "Run one stage worker",
		Long: `Run a worker for one pipeline stage. The stage names its input topic
and consumer group; replicas of the same stage share the load.

Stages: analysis, planning, blueprint, coding, testing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := envelope.ParseStage(args[0])
			if err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Worker.ListenAddr = listen
			}
			return runWorker(cfg, st)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Metrics listen address (overrides worker.listen_addr)")
	return cmd
}

func runWorker(cfg *config.Config, st envelope.Stage) error {
	printBanner("worker/" + st.String())
	logger := slog.Default()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := connectBroker(ctx, cfg, logger, "devflow-worker-"+st.String())
	if err != nil {
		return err
	}
	defer b.Close()

	metrics := telemetry.New()
	transform, err := newTransform(st, cfg, logger)
	if err != nil {
		return err
	}

	w, err := worker.New(workerConfig(cfg, st), b, transform, metrics, logger)
	if err != nil {
		return fmt.Errorf("build %s worker: %w", st, err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start %s worker: %w", st, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Worker.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", handleHealth)
		g.Go(func() error {
			return serveHTTP(gctx, cfg.Worker.ListenAddr, mux, logger.With("component", "worker-metrics"))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	if stopErr := w.Stop(stopTimeout); stopErr != nil {
		logger.Error("Worker stop", "error", stopErr)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("Worker shutdown complete", "stage", st.String())
	return nil
}

func orchestratorCmd(load loadFunc) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Run the pipeline orchestrator",
		Long: `Run the orchestrator: it observes every stage topic, tracks each
request through a per-request state machine, serves the read-only state
API, and streams transitions to dashboard websocket clients.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Orchestrator.ListenAddr = listen
			}
			return runOrchestrator(cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides orchestrator.listen_addr)")
	return cmd
}

func runOrchestrator(cfg *config.Config) error {
	printBanner("orchestrator")
	logger := slog.Default()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := connectBroker(ctx, cfg, logger, "devflow-orchestrator")
	if err != nil {
		return err
	}
	defer b.Close()

	metrics := telemetry.New()
	orch, hub, err := buildOrchestrator(cfg, b, metrics, logger)
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	if err := hub.Start(ctx); err != nil {
		_ = orch.Stop(stopTimeout)
		return fmt.Errorf("start dashboard hub: %w", err)
	}

	mux := http.NewServeMux()
	orch.RegisterHTTPHandlers(mux)
	hub.RegisterHTTPHandlers(mux)
	mux.Handle("/metrics", metrics.Handler())

	err = serveHTTP(ctx, cfg.Orchestrator.ListenAddr, mux, logger.With("component", "orchestrator-api"))

	if stopErr := orch.Stop(stopTimeout); stopErr != nil {
		logger.Error("Orchestrator stop", "error", stopErr)
	}
	if stopErr := hub.Stop(stopTimeout); stopErr != nil {
		logger.Error("Dashboard hub stop", "error", stopErr)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("Orchestrator shutdown complete")
	return nil
}

func allCmd(load loadFunc) *cobra.Command {
	var standalone bool

	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run the whole pipeline in one process",
		Long: `Run the gateway, all five stage workers, the orchestrator, and the
dashboard in a single process. With --standalone the fabric runs on an
in-memory broker instead of NATS, so nothing else needs to be running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runAll(cfg, standalone)
		},
	}
	cmd.Flags().BoolVar(&standalone, "standalone", false, "Use an in-memory broker (no NATS)")
	return cmd
}

func runAll(cfg *config.Config, standalone bool) error {
	printBanner("all")
	logger := slog.Default()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var b broker.Broker
	if standalone {
		logger.Info("Using in-memory broker")
		b = broker.NewMemory()
	} else {
		js, err := connectBroker(ctx, cfg, logger, "devflow-all")
		if err != nil {
			return err
		}
		b = js
	}
	defer b.Close()

	// One registry for the whole process; the gateway and orchestrator
	// surfaces both expose it.
	metrics := telemetry.New()

	orch, hub, err := buildOrchestrator(cfg, b, metrics, logger)
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	if err := hub.Start(ctx); err != nil {
		_ = orch.Stop(stopTimeout)
		return fmt.Errorf("start dashboard hub: %w", err)
	}

	workers := make([]*worker.Worker, 0, len(envelope.Stages()))
	for _, st := range envelope.Stages() {
		transform, err := newTransform(st, cfg, logger)
		if err != nil {
			return err
		}
		w, err := worker.New(workerConfig(cfg, st), b, transform, metrics, logger)
		if err != nil {
			return fmt.Errorf("build %s worker: %w", st, err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start %s worker: %w", st, err)
		}
		workers = append(workers, w)
	}

	gw, err := gateway.New(cfg.Gateway, b, metrics, logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	gwMux := http.NewServeMux()
	gw.RegisterHTTPHandlers(gwMux)

	orchMux := http.NewServeMux()
	orch.RegisterHTTPHandlers(orchMux)
	hub.RegisterHTTPHandlers(orchMux)
	orchMux.Handle("/metrics", metrics.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gw.Serve(gctx, gwMux)
	})
	g.Go(func() error {
		return serveHTTP(gctx, cfg.Orchestrator.ListenAddr, orchMux, logger.With("component", "orchestrator-api"))
	})

	logger.Info("All components started",
		"gateway", cfg.Gateway.ListenAddr,
		"orchestrator", cfg.Orchestrator.ListenAddr,
		"workers", len(workers))

	err = g.Wait()

	for _, w := range workers {
		if stopErr := w.Stop(stopTimeout); stopErr != nil {
			logger.Error("Worker stop", "error", stopErr)
		}
	}
	if stopErr := orch.Stop(stopTimeout); stopErr != nil {
		logger.Error("Orchestrator stop", "error", stopErr)
	}
	if stopErr := hub.Stop(stopTimeout); stopErr != nil {
		logger.Error("Dashboard hub stop", "error", stopErr)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// connectBroker dials NATS (or starts the embedded server) with the
// configured retry budget. A broker that stays unreachable is a fatal
// startup error.
func connectBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger, name string) (*broker.JetStream, error) {
	b, err := broker.Connect(ctx, broker.ConnectOptions{
		URL:      cfg.Broker.URL,
		Embedded: cfg.Broker.Embedded,
		StoreDir: cfg.Broker.StoreDir,
		Timeout:  cfg.Broker.ConnectTimeout,
		Retries:  cfg.Broker.ConnectRetries,
		Name:     name,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	return b, nil
}

// buildOrchestrator assembles the orchestrator and the dashboard hub over
// its event stream.
func buildOrchestrator(cfg *config.Config, b broker.Broker, metrics *telemetry.Metrics, logger *slog.Logger) (*orchestrator.Orchestrator, *dashboard.Hub, error) {
	orch, err := orchestrator.New(orchestrator.Config{
		StallCheckInterval: cfg.Orchestrator.StallCheckInterval,
		StallThreshold:     cfg.Orchestrator.StallThreshold,
		StageThresholds:    cfg.Orchestrator.StageStallThresholds,
		EventBuffer:        cfg.Dashboard.Buffer,
	}, b, metrics, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build orchestrator: %w", err)
	}
	hub, err := dashboard.New(cfg.Dashboard, orch, orch.Events(), metrics, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build dashboard hub: %w", err)
	}
	return orch, hub, nil
}

// newTransform builds the stage's transform with its collaborators: the
// generator client for the thinking stages, the artifact store for the
// final one.
func newTransform(st envelope.Stage, cfg *config.Config, logger *slog.Logger) (worker.Transform, error) {
	if st == envelope.StageTesting {
		store, err := newArtifactStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		return stage.NewTesting(store, logger)
	}

	gen, err := newGenerator(cfg, logger)
	if err != nil {
		return nil, err
	}
	switch st {
	case envelope.StageAnalysis:
		return stage.NewAnalysis(gen, logger)
	case envelope.StagePlanning:
		return stage.NewPlanning(gen, logger), nil
	case envelope.StageBlueprint:
		return stage.NewBlueprint(gen, logger)
	case envelope.StageCoding:
		return stage.NewCoding(gen, logger)
	}
	return nil, fmt.Errorf("unknown stage %q", st)
}

func newGenerator(cfg *config.Config, logger *slog.Logger) (*generator.Client, error) {
	temp := cfg.Generator.Temperature
	retry := generator.DefaultRetryConfig()
	if cfg.Generator.MaxRetries > 0 {
		retry.MaxAttempts = cfg.Generator.MaxRetries
	}
	if cfg.Generator.RetryBudget > 0 {
		retry.Budget = cfg.Generator.RetryBudget
	}

	client, err := generator.NewClient(generator.Config{
		Provider:       cfg.Generator.Provider,
		Endpoint:       cfg.Generator.Endpoint,
		Model:          cfg.Generator.Model,
		FallbackModels: cfg.Generator.FallbackModels,
		Temperature:    &temp,
		MaxTokens:      cfg.Generator.MaxTokens,
		Timeout:        cfg.Generator.Timeout,
		MaxRPM:         cfg.Generator.MaxRPM,
	}, generator.WithLogger(logger), generator.WithRetryConfig(retry))
	if err != nil {
		return nil, fmt.Errorf("build generator client: %w", err)
	}
	return client, nil
}

func newArtifactStore(cfg *config.Config, logger *slog.Logger) (artifact.Store, error) {
	workDir := cfg.Artifact.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "devflow-artifacts")
		logger.Warn("artifact.work_dir not set, using temporary checkout", "work_dir", workDir)
	}
	store, err := artifact.NewGitStore(artifact.Config{
		URL:         cfg.Artifact.URL,
		WorkDir:     workDir,
		AuthorName:  cfg.Artifact.AuthorName,
		AuthorEmail: cfg.Artifact.AuthorEmail,
		Push:        cfg.Artifact.Push,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build artifact store: %w", err)
	}
	return store, nil
}

func workerConfig(cfg *config.Config, st envelope.Stage) worker.Config {
	settings := cfg.StageSettings(st)
	return worker.Config{
		Stage:          st,
		Concurrency:    settings.Concurrency,
		Deadline:       settings.Deadline,
		MaxAttempts:    cfg.Worker.MaxAttempts,
		DedupeSize:     cfg.Worker.DedupeSize,
		WorkerID:       cfg.Worker.ID,
		SubscribeTopic: cfg.Worker.SubscribeTopic,
		PublishTopic:   cfg.Worker.PublishTopic,
	}
}

// serveHTTP runs mux on addr until ctx is cancelled, then shuts down
// gracefully. A clean shutdown returns nil.
func serveHTTP(ctx context.Context, addr string, mux *http.ServeMux, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("HTTP server listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", addr, err)
	}
	return nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}
