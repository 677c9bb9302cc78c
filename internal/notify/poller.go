package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/lamim/ddreview/internal/stage"
	"github.com/lamim/ddreview/pkg/models"
)

// Fetcher reads the latest committed pipeline of a project
type Fetcher interface {
	GetProgress(ctx context.Context, projectID string) (*models.Pipeline, error)
}

// Update is delivered whenever the observed pipeline changes or a read fails.
// On failure Pipeline still carries the last good snapshot.
type Update struct {
	Pipeline *models.Pipeline
	Interval time.Duration
	Err      error
}

// Stale reports whether the update carries a retained snapshot after a failed read
func (u Update) Stale() bool {
	return u.Err != nil
}

// PollerConfig tunes cadence and failure backoff
type PollerConfig struct {
	Intervals         Intervals
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMaxElapsed time.Duration
}

// DefaultPollerConfig returns the standard cadence with a bounded backoff
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Intervals:         DefaultIntervals(),
		BackoffInitial:    500 * time.Millisecond,
		BackoffMax:        10 * time.Second,
		BackoffMaxElapsed: 2 * time.Minute,
	}
}

// Poller polls one project's pipeline at the cadence its state calls for
type Poller struct {
	fetch     Fetcher
	projectID string
	registry  *stage.Registry
	cfg       PollerConfig
	logger    *slog.Logger

	mu   sync.RWMutex
	last *models.Pipeline
}

// NewPoller creates a poller for projectID
func NewPoller(fetch Fetcher, projectID string, registry *stage.Registry, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.Intervals == (Intervals{}) {
		cfg.Intervals = DefaultIntervals()
	}
	return &Poller{
		fetch:     fetch,
		projectID: projectID,
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
	}
}

// Last returns the last good snapshot, or nil before the first successful read
func (p *Poller) Last() *models.Pipeline {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last.Clone()
}

func (p *Poller) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.cfg.BackoffInitial > 0 {
		b.InitialInterval = p.cfg.BackoffInitial
	}
	if p.cfg.BackoffMax > 0 {
		b.MaxInterval = p.cfg.BackoffMax
	}
	b.MaxElapsedTime = p.cfg.BackoffMaxElapsed
	b.Reset()
	return b
}

// interval returns the cadence for pl
func (p *Poller) interval(pl *models.Pipeline) time.Duration {
	phase, err := p.registry.PhaseOf(pl.CurrentStage)
	if err != nil {
		phase = models.PhaseProcessing
	}
	return PollInterval(pl, phase, p.cfg.Intervals)
}

func changed(prev, next *models.Pipeline) bool {
	if prev == nil {
		return true
	}
	return prev.Revision != next.Revision || prev.ChangeSeq != next.ChangeSeq
}

// Run polls until the pipeline reaches a terminal status, ctx is cancelled, a
// non-retryable error occurs, or retries are exhausted. Updates are sent only
// when the snapshot changed or a read failed.
func (p *Poller) Run(ctx context.Context, updates chan<- Update) error {
	b := p.newBackOff()
	for {
		pl, err := p.fetch.GetProgress(ctx, p.projectID)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var wait time.Duration
		if err != nil {
			class := models.Classify(err)
			if class == models.ClassValidation || class == models.ClassNotFound {
				return fmt.Errorf("polling %s stopped: %w", p.projectID, err)
			}
			wait = b.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("polling %s gave up after %s: %w", p.projectID, b.GetElapsedTime().Round(time.Millisecond), err)
			}
			p.logger.Warn("Progress read failed, keeping last snapshot",
				"project_id", p.projectID,
				"retry_in", wait,
				"error", err)
			if !p.send(ctx, updates, Update{Pipeline: p.Last(), Interval: wait, Err: err}) {
				return ctx.Err()
			}
		} else {
			b.Reset()
			wait = p.interval(pl)

			p.mu.Lock()
			isNew := changed(p.last, pl)
			p.last = pl.Clone()
			p.mu.Unlock()

			if isNew {
				if !p.send(ctx, updates, Update{Pipeline: pl.Clone(), Interval: wait}) {
					return ctx.Err()
				}
			}
			if wait == 0 {
				p.logger.Debug("Pipeline reached terminal status, polling stopped",
					"project_id", p.projectID,
					"status", pl.Status)
				return nil
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Poller) send(ctx context.Context, updates chan<- Update, u Update) bool {
	select {
	case updates <- u:
		return true
	case <-ctx.Done():
		return false
	}
}
