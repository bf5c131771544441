// Package main implements the entry point for the Dendra data pipeline
// engine worker. The worker subscribes to environmental telemetry
// subjects, decodes and transforms observations per configured rules,
// and writes the results to time-series, webhook and archive
// destinations.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/DendraScience/dendra-worker-tasks-dpe/config"
	"github.com/DendraScience/dendra-worker-tasks-dpe/controller"
	"github.com/DendraScience/dendra-worker-tasks-dpe/docstore"
	"github.com/DendraScience/dendra-worker-tasks-dpe/goes"
	"github.com/DendraScience/dendra-worker-tasks-dpe/metric"
	"github.com/DendraScience/dendra-worker-tasks-dpe/natsclient"
	"github.com/DendraScience/dendra-worker-tasks-dpe/pipeline"
	"github.com/DendraScience/dendra-worker-tasks-dpe/sink"
	"github.com/DendraScience/dendra-worker-tasks-dpe/sink/influx"
	"github.com/DendraScience/dendra-worker-tasks-dpe/sink/webhook"
	"github.com/DendraScience/dendra-worker-tasks-dpe/timeedit"
	"github.com/DendraScience/dendra-worker-tasks-dpe/writer"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dpe-worker"
)

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

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	configManager, err := config.NewManager(cliCfg.ConfigPath, cliCfg.PollInterval, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := configManager.GetConfig().Get()

	if cliCfg.Validate {
		slog.Info("Configuration is valid",
			"pipelines", len(cfg.Pipelines), "version_ts", cfg.VersionTs)
		return nil
	}

	ctx := context.Background()

	metricsRegistry, metricsServer, err := setupMetrics(cfg)
	if err != nil {
		return err
	}
	if metricsServer != nil {
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Stop(stopCtx)
		}()
	}

	natsClient, err := buildNATSClient(cfg, metricsRegistry, logger)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	defer func() { _ = natsClient.Close(ctx) }()

	if err := connectToNATS(ctx, natsClient); err != nil {
		return err
	}
	if err := ensureStream(ctx, natsClient, cfg); err != nil {
		return err
	}

	ctrl, err := buildController(cfg, natsClient, metricsRegistry, logger)
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}

	if err := configManager.Start(ctx); err != nil {
		return fmt.Errorf("start config manager: %w", err)
	}
	defer configManager.Stop()

	return runWithSignalHandling(ctx, ctrl, configManager)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting data pipeline engine worker",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

func buildNATSClient(cfg *config.Config, metricsRegistry *metric.MetricsRegistry, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(-1),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if metricsRegistry != nil {
		opts = append(opts,
			natsclient.WithCoreMetrics(metricsRegistry.CoreMetrics()),
			natsclient.WithMetrics(metricsRegistry))
	}
	opts = append(opts,
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			logger.Info("NATS health changed", "healthy", healthy)
		}))

	return natsclient.NewClient(cfg.NATS.URL, opts...)
}

// connectToNATS establishes the connection and waits for it to be ready
func connectToNATS(ctx context.Context, natsClient *natsclient.Client) error {
	slog.Info("Connecting to NATS")
	if err := natsClient.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := natsClient.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}

	return nil
}

// ensureStream creates or updates the stream covering every configured
// subject, so subscriptions never race stream provisioning.
func ensureStream(ctx context.Context, natsClient *natsclient.Client, cfg *config.Config) error {
	subjects := streamSubjects(cfg)
	if len(subjects) == 0 {
		return nil
	}

	slog.Info("Ensuring stream", "stream", cfg.NATS.Stream, "subjects", subjects)
	_, err := natsClient.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      cfg.NATS.Stream,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.NATS.Stream, err)
	}
	return nil
}

// streamSubjects collects every subject the worker subscribes or
// publishes to, deduplicated and sorted.
func streamSubjects(cfg *config.Config) []string {
	seen := make(map[string]bool)
	add := func(subject string) {
		if subject != "" {
			seen[subject] = true
		}
	}

	for _, p := range cfg.Pipelines {
		add(p.ChangeLogSubject)
		for _, src := range p.Sources {
			add(src.SubToSubject)
			add(src.PubToSubject)
			add(src.ErrorSubject)
		}
	}

	subjects := make([]string, 0, len(seen))
	for subject := range seen {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	return subjects
}

func setupMetrics(cfg *config.Config) (*metric.MetricsRegistry, *metric.Server, error) {
	if !cfg.Metrics.Enabled {
		return nil, nil, nil
	}

	registry := metric.NewMetricsRegistry()
	server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)

	errCh := make(chan error, 1)
	if err := server.Start(errCh); err != nil {
		return nil, nil, fmt.Errorf("start metrics server: %w", err)
	}
	go func() {
		if err := <-errCh; err != nil {
			slog.Error("Metrics server failed", "error", err)
		}
	}()

	slog.Info("Metrics server started", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	return registry, server, nil
}

func buildController(
	cfg *config.Config,
	natsClient *natsclient.Client,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*controller.Controller, error) {
	opts := controller.Options{
		Transport:         controller.NewTransport(natsClient),
		Stream:            cfg.NATS.Stream,
		EvaluatorFactory:  pipeline.PassthroughFactory{},
		DecoderFactory:    goes.Factory{},
		TimeEditorFactory: timeedit.Factory{},
		SinkFactories:     buildSinkFactories(cfg),
		Logger:            logger,
	}

	if cfg.Archive.URL != "" {
		archive, err := docstore.New(docstore.Config{URL: cfg.Archive.URL})
		if err != nil {
			return nil, fmt.Errorf("create archive client: %w", err)
		}
		opts.Archive = archive
		opts.ArchiveCollection = cfg.Archive.Collection
	}

	if metricsRegistry != nil {
		opts.Metrics = metricsRegistry.CoreMetrics()
		opts.MetricsRegistry = metricsRegistry
	}

	return controller.New(opts)
}

// buildSinkFactories maps each write flavor to its sink constructor. The
// base endpoint comes from worker config; messages select the database
// or path within it.
func buildSinkFactories(cfg *config.Config) map[string]writer.SinkFactory {
	factories := make(map[string]writer.SinkFactory)

	if cfg.Influx.URL != "" {
		factories[config.FlavorInflux] = func(sink.Options) (sink.Sink, error) {
			return influx.New(influx.Config{
				URL:      cfg.Influx.URL,
				Username: cfg.Influx.Username,
				Password: cfg.Influx.Password,
			})
		}
	}

	if cfg.Webhook.URL != "" {
		factories[config.FlavorWebhook] = func(sink.Options) (sink.Sink, error) {
			return webhook.New(webhook.Config{
				URL:     cfg.Webhook.URL,
				Headers: cfg.Webhook.Headers,
			})
		}
	}

	return factories
}

// runWithSignalHandling runs the controller until a shutdown signal
func runWithSignalHandling(ctx context.Context, ctrl *controller.Controller, configManager *config.Manager) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	slog.Info("Worker started")
	err := ctrl.Run(signalCtx, configManager.OnChange())
	if err != nil && signalCtx.Err() == nil {
		return fmt.Errorf("controller: %w", err)
	}

	slog.Info("Worker shutdown complete")
	return nil
}

// printHelp prints help information
func printHelp() {
	printDetailedHelp()
}
