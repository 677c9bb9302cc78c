package orchestrator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lamim/ddreview/internal/api"
	"github.com/lamim/ddreview/internal/checkpoint"
	"github.com/lamim/ddreview/internal/config"
	"github.com/lamim/ddreview/internal/metrics"
	"github.com/lamim/ddreview/internal/notify"
	"github.com/lamim/ddreview/internal/pipeline"
	"github.com/lamim/ddreview/internal/report"
	"github.com/lamim/ddreview/internal/stage"
	"github.com/lamim/ddreview/internal/storage"
	"github.com/lamim/ddreview/internal/synthesis"
)

// Intervals converts the polling config to notifier intervals
func Intervals(pc config.PollingConfig) notify.Intervals {
	return notify.Intervals{
		Fast:   time.Duration(pc.FastSeconds) * time.Second,
		Normal: time.Duration(pc.NormalSeconds) * time.Second,
		Slow:   time.Duration(pc.SlowSeconds) * time.Second,
	}
}

// PollerConfig converts the polling config to a poller config
func PollerConfig(pc config.PollingConfig) notify.PollerConfig {
	return notify.PollerConfig{
		Intervals:         Intervals(pc),
		BackoffInitial:    time.Duration(pc.BackoffInitialMillis) * time.Millisecond,
		BackoffMax:        time.Duration(pc.BackoffMaxSeconds) * time.Second,
		BackoffMaxElapsed: time.Duration(pc.BackoffMaxElapsedSeconds) * time.Second,
	}
}

// Open builds a service from configuration, rooted at cfg.Storage.DataDir
func Open(cfg *config.Config, secrets *config.Secrets, collector *metrics.Collector, logger *slog.Logger) (*Service, error) {
	if collector == nil {
		collector = metrics.NewCollector(logger)
	}
	files, err := storage.NewFileStore(cfg.Storage.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open data directory: %w", err)
	}

	registry := stage.Default()
	feed := notify.NewChangeFeed()
	checkpoints := checkpoint.NewManager(files, collector, logger.With("component", "checkpoint"))
	pipelines := pipeline.NewStore(registry, files, checkpoints, feed, collector, logger.With("component", "pipeline"))

	var synth report.Synthesizer
	if cfg.Synthesis.Enabled {
		client := api.NewClient(logger.With("component", "api"))
		synth = synthesis.New(client, cfg.Synthesis, cfg.Refinement, secrets.GetAPIKey(cfg.Synthesis.BaseURL), logger.With("component", "synthesis"))
		logger.Info("Refinement synthesis enabled",
			"provider", config.GetProviderName(cfg.Synthesis.BaseURL),
			"model", cfg.Synthesis.ModelName)
	} else {
		logger.Info("Refinement synthesis disabled; propose requests will fail")
	}
	reports := report.NewStore(files, synth, cfg.Refinement.MaxPromptLength, collector, logger.With("component", "report"))

	return New(registry, files, pipelines, checkpoints, reports, feed, Intervals(cfg.Polling), logger), nil
}
