// Package notify surfaces live pipeline state to clients: the polling cadence,
// a retrying poller and a per-project change counter for push adapters.
package notify

import (
	"time"

	"github.com/lamim/ddreview/pkg/models"
)

// Intervals are the polling periods per activity level
type Intervals struct {
	Fast   time.Duration // active pre-processing and processing
	Normal time.Duration // post-processing
	Slow   time.Duration // paused
}

// DefaultIntervals returns the standard cadence
func DefaultIntervals() Intervals {
	return Intervals{
		Fast:   2 * time.Second,
		Normal: 5 * time.Second,
		Slow:   10 * time.Second,
	}
}

// PollInterval returns how long a client should wait before polling again.
// Zero means stop: the pipeline reached a terminal status.
func PollInterval(p *models.Pipeline, phase models.Phase, iv Intervals) time.Duration {
	if p == nil {
		return iv.Fast
	}
	switch p.Status {
	case models.StatusCompleted, models.StatusFailed:
		return 0
	case models.StatusPaused:
		return iv.Slow
	}
	if phase == models.PhasePostProcessing {
		return iv.Normal
	}
	return iv.Fast
}
