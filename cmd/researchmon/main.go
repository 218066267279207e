// Package main provides the researchmon binary entry point.
// Researchmon attaches to one DeepResearchPro research task and
// maintains a live, reconciled view of the multi-agent pipeline from
// the backend's REST API and websocket stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/XiaoChennnng/DeepResearchPro/api"
	"github.com/XiaoChennnng/DeepResearchPro/cache"
	"github.com/XiaoChennnng/DeepResearchPro/config"
	"github.com/XiaoChennnng/DeepResearchPro/monitor"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "researchmon"
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

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "researchmon",
		Short: "Live monitor for DeepResearchPro research tasks",
		Long: `Researchmon attaches to one research task of a DeepResearchPro backend
and reconciles its three data paths - the initial REST snapshot,
periodic REST polls and the websocket stream - into one consistent
view of the seven-agent pipeline.

It logs stage transitions, agent completions, review rollbacks and
errors, and can expose scheduler metrics for Prometheus.`,
	}

	cmd.AddCommand(watchCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func watchCmd() *cobra.Command {
	var (
		taskID      int64
		configPath  string
		backendURL  string
		logLevel    string
		metricsAddr string
		purge       bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Attach to a research task and follow it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID <= 0 {
				return fmt.Errorf("--task must be a positive task id")
			}
			return runWatch(watchOptions{
				taskID:      taskID,
				configPath:  configPath,
				backendURL:  backendURL,
				logLevel:    logLevel,
				metricsAddr: metricsAddr,
				purge:       purge,
			})
		},
	}

	cmd.Flags().Int64VarP(&taskID, "task", "t", 0, "Research task id to watch")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&backendURL, "backend", "", "Backend base URL (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve /metrics on (disabled when empty)")
	cmd.Flags().BoolVar(&purge, "purge", false, "Clear persisted cache for the task before attaching")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

type watchOptions struct {
	taskID      int64
	configPath  string
	backendURL  string
	logLevel    string
	metricsAddr string
	purge       bool
}

func runWatch(opts watchOptions) error {
	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(opts.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration: defaults, user file, project file, then --config
	cfg, err := config.NewLoader(logger).Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.backendURL != "" {
		cfg.Backend.URL = opts.backendURL
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	taskCache, err := buildCache(cfg)
	if err != nil {
		return fmt.Errorf("create cache backend: %w", err)
	}
	if taskCache != nil {
		defer taskCache.Close()
	}

	registry := prometheus.NewRegistry()
	sessionOpts := []monitor.SessionOption{
		monitor.WithLogger(logger),
		monitor.WithRegistry(registry),
	}
	if taskCache != nil {
		sessionOpts = append(sessionOpts, monitor.WithCache(taskCache))
	}
	if opts.purge {
		sessionOpts = append(sessionOpts, monitor.WithPurge())
	}

	session, err := monitor.NewSession(cfg, opts.taskID, sessionOpts...)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if opts.metricsAddr != "" {
		startMetricsServer(ctx, opts.metricsAddr, registry, logger)
	}

	if opts.configPath != "" {
		if err := watchConfig(ctx, opts.configPath, session, logger); err != nil {
			logger.Warn("Config hot-reload disabled", "error", err)
		}
	}

	logger.Info("Researchmon starting",
		"version", Version,
		"task_id", opts.taskID,
		"backend", cfg.Backend.URL)

	if err := session.Run(ctx); err != nil {
		if errors.Is(err, api.ErrTaskNotFound) {
			return fmt.Errorf("task %d does not exist", opts.taskID)
		}
		return err
	}
	return nil
}

// buildCache constructs the configured cache backend. The memory
// backend returns nil: nothing to persist, nothing to close.
func buildCache(cfg *config.Config) (cache.TaskCache, error) {
	switch cfg.Cache.Backend {
	case "memory":
		return nil, nil
	case "file":
		return cache.NewFile(cfg.Cache.Dir)
	case "sqlite":
		return cache.NewSQLite(cfg.Cache.Path)
	case "nats":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return cache.NewNATSKV(ctx, cfg.Cache.URL)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// startMetricsServer serves /metrics until the context is cancelled.
func startMetricsServer(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("Metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// watchConfig hot-reloads the stage band table when the config file
// changes. Other settings require a restart.
func watchConfig(ctx context.Context, path string, session *monitor.Session, logger *slog.Logger) error {
	watcher, err := config.NewWatcher(config.WatcherConfig{
		Path:   path,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}

	go func() {
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events():
				if !ok {
					return
				}
				if ev.Error != nil || ev.Config == nil {
					continue
				}
				table, err := ev.Config.BandTable()
				if err != nil {
					logger.Warn("Reloaded config has invalid bands", "error", err)
					continue
				}
				if err := session.ApplyBands(ctx, table); err != nil {
					return
				}
				logger.Info("Stage band table reloaded")
			}
		}
	}()
	return nil
}
