package checkpoint

import (
	"fmt"

	"github.com/lamim/ddreview/internal/storage"
	"github.com/lamim/ddreview/pkg/models"
)

// SupersedeOpen skips every open checkpoint raised before epoch. It is called
// after a resume so that stale questions from the rewound run cannot gate it.
// Returns the superseded checkpoints.
func (m *Manager) SupersedeOpen(projectID string, epoch int) ([]*models.Checkpoint, error) {
	if err := storage.ValidateKey("project", projectID); err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(projectID)
	defer unlock()

	cps, err := m.snapshot(projectID)
	if err != nil {
		return nil, err
	}

	var superseded []*models.Checkpoint
	for _, cp := range cps {
		if cp.Status.IsTerminal() || cp.Epoch >= epoch {
			continue
		}
		now := m.now()
		cp.Status = models.CheckpointSkipped
		cp.SkipReason = fmt.Sprintf("superseded by resume (epoch %d)", epoch)
		cp.ResolvedAt = &now
		if err := m.commit(cp); err != nil {
			m.logger.Error("Failed to supersede checkpoint", "checkpoint_id", cp.ID, "error", err)
			return superseded, err
		}
		m.metrics.RecordCheckpoint(string(cp.Type), "superseded")
		m.logger.Info("Checkpoint superseded", "project_id", projectID, "checkpoint_id", cp.ID, "epoch", epoch)
		superseded = append(superseded, cp.Clone())
	}
	return superseded, nil
}

