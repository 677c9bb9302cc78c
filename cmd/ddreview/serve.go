package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lamim/ddreview/internal/config"
	"github.com/lamim/ddreview/internal/logging"
	"github.com/lamim/ddreview/internal/metrics"
	"github.com/lamim/ddreview/internal/orchestrator"
	"github.com/lamim/ddreview/internal/server"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the review API server",
		Long: `Serve the review API over HTTP. Configuration is read from --config; when
the file does not exist the built-in defaults are used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func loadConfig() (*config.Config, *config.Secrets, error) {
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Config %s not found, using defaults\n", configPath)
		return config.Default()
	}
	return config.Load(configPath)
}

func runServe(ctx context.Context, addr string) error {
	cfg, secrets, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logger, logFile, err := logging.Setup(os.Stderr, level, cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logFile.Close()
	}()

	if verbose {
		for provider, key := range secrets.APIKeys {
			if key != "" {
				logger.Debug("Loaded API key", "provider", provider, "length", len(key))
			}
		}
	}

	logger.Info("ddreview starting",
		"version", Version,
		"config", configPath,
		"data_dir", cfg.Storage.DataDir,
		"addr", cfg.Server.Addr)

	collector := metrics.NewCollector(logger)
	svc, err := orchestrator.Open(cfg, secrets, collector, logger)
	if err != nil {
		return err
	}
	srv := server.New(svc, cfg.Server, collector, logger.With("component", "server"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("Shutdown signal received")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("ddreview stopped")
	return nil
}
