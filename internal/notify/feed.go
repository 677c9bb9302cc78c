package notify

import (
	"context"
	"sync"
)

// ChangeFeed keeps a monotonically increasing change counter per project and
// lets waiters block until the counter moves past a value they have seen.
// Counters are process-local and restart from zero.
type ChangeFeed struct {
	mu      sync.Mutex
	seqs    map[string]uint64
	signals map[string]chan struct{}
}

// NewChangeFeed creates an empty change feed
func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{
		seqs:    make(map[string]uint64),
		signals: make(map[string]chan struct{}),
	}
}

// Publish bumps the project's counter and wakes every waiter
func (f *ChangeFeed) Publish(projectID string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seqs[projectID]++
	if ch, ok := f.signals[projectID]; ok {
		close(ch)
		delete(f.signals, projectID)
	}
	return f.seqs[projectID]
}

// Current returns the project's counter
func (f *ChangeFeed) Current(projectID string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seqs[projectID]
}

// Wait blocks until the project's counter exceeds since or ctx is done
func (f *ChangeFeed) Wait(ctx context.Context, projectID string, since uint64) (uint64, error) {
	for {
		f.mu.Lock()
		if seq := f.seqs[projectID]; seq > since {
			f.mu.Unlock()
			return seq, nil
		}
		ch, ok := f.signals[projectID]
		if !ok {
			ch = make(chan struct{})
			f.signals[projectID] = ch
		}
		f.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return f.Current(projectID), ctx.Err()
		}
	}
}
