package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quadtile/drover/internal/broker"
	"github.com/quadtile/drover/internal/config"
	"github.com/quadtile/drover/internal/consumer"
	"github.com/quadtile/drover/internal/editlock"
	"github.com/quadtile/drover/internal/events"
	"github.com/quadtile/drover/internal/log"
	"github.com/quadtile/drover/internal/metrics"
	"github.com/quadtile/drover/internal/rpc"
	"github.com/quadtile/drover/internal/scenario"
	"github.com/quadtile/drover/internal/storage"
	"github.com/quadtile/drover/internal/task"
	"github.com/quadtile/drover/internal/tracing"
)

// shutdownGrace bounds the final event flush at exit.
const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	Long: `Serve connects to the broker, loads the scenario directory, resets
stale edit locks and accepts tasks until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := log.WithComponent("serve")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := newTracingProvider("drover-scheduler")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	historyDB, err := storage.Open(cfg.HistoryDB)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer historyDB.Close()
	if err := storage.MigrateHistory(historyDB); err != nil {
		return err
	}

	logDB, err := storage.Open(cfg.LogDB)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer logDB.Close()
	if err := storage.MigrateEvents(logDB); err != nil {
		return err
	}

	locks, err := editlock.NewManager(ctx, historyDB)
	if err != nil {
		return err
	}

	hub := events.NewHub(storage.NewEventRepository(logDB))
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = hub.Close(flushCtx)
	}()

	b, err := broker.Dial(cfg.AMQPURL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer b.Close()

	client, err := rpc.NewClient(ctx, b, consumer.Keys(),
		rpc.WithErrorCallback(func(kind rpc.ErrorKind, requestID string, err error) {
			hub.Error("scheduler", fmt.Sprintf("Reply dispatch failed (%s, request %s): %v", kind, requestID, err))
		}))
	if err != nil {
		return err
	}

	provider, err := scenario.NewProvider(cfg.ScenarioDB, func(key string) bool {
		_, ok := consumer.Lookup(key)
		return ok
	})
	if err != nil {
		return fmt.Errorf("failed to load scenarios: %w", err)
	}
	watcher, err := scenario.NewWatcher(provider, scenario.DefaultDebounce)
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	mgr := task.NewManager(ctx, client, provider, locks, hub, task.TimeoutsFromConfig(cfg))

	if cfg.MetricsAddr != "" {
		health := metrics.NewHealthChecker()
		health.AddCheck("broker", func() error {
			if !b.Running() {
				return fmt.Errorf("broker connection down")
			}
			return nil
		})
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, health); err != nil {
				logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	if cfg.RunTaskURL != "" {
		logger.Info().Str("run_task_url", cfg.RunTaskURL).Msg("intake endpoint advertised")
	}
	for key, url := range cfg.GeneratorURLs {
		logger.Info().Str("routing_key", key).Str("url", url).Msg("generator import endpoint")
	}
	logger.Info().Int("scenarios", len(provider.List())).
		Strs("consumers", consumer.Keys()).Msg("scheduler running")

	<-ctx.Done()
	logger.Info().Msg("shutting down, stopping running tasks")
	mgr.RequestStopAll("scheduler")
	return nil
}

func newTracingProvider(service string) (*tracing.Provider, error) {
	filePath := cfg.Tracing.FilePath
	if filePath == "" {
		filePath = config.DefaultTracesFilePath()
	}
	tp, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     filePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  service,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	return tp, nil
}
