package api

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter *rate.Limiter
	rpm     int
}

// RateLimiterPool hands out one limiter per provider:model key. The first
// configured rate for a key wins for the life of the pool.
type RateLimiterPool struct {
	mu      sync.Mutex
	entries map[string]limiterEntry
	logger  *slog.Logger
}

func NewRateLimiterPool(logger *slog.Logger) *RateLimiterPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiterPool{entries: make(map[string]limiterEntry), logger: logger}
}

// GetOrCreate returns the limiter for modelID, creating it at requestsPerMinute
func (p *RateLimiterPool) GetOrCreate(modelID string, requestsPerMinute int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[modelID]; ok {
		if e.rpm != requestsPerMinute {
			p.logger.Warn("Rate limiter exists with a different rate, keeping it",
				"model_id", modelID,
				"existing_rpm", e.rpm,
				"requested_rpm", requestsPerMinute)
		}
		return e.limiter
	}

	burst := max(5, requestsPerMinute/5)
	limiter := rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst)
	p.entries[modelID] = limiterEntry{limiter: limiter, rpm: requestsPerMinute}
	p.logger.Debug("Created rate limiter", "model_id", modelID, "rpm", requestsPerMinute, "burst", burst)
	return limiter
}

// Wait blocks until modelID may send another request or ctx ends
func (p *RateLimiterPool) Wait(ctx context.Context, modelID string, requestsPerMinute int) error {
	return p.GetOrCreate(modelID, requestsPerMinute).Wait(ctx)
}
