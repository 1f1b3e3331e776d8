package room

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReapInterval  = time.Minute
	defaultIdleThreshold = 5 * time.Minute
)

var errMissingRegistry = errors.New("room: registry is required")

// ReaperConfig configures the idle sweep.
type ReaperConfig struct {
	Registry      *Registry
	Interval      time.Duration
	IdleThreshold time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Reaper periodically evicts collaborators whose last activity is older than
// the idle threshold, using the same leave path as an explicit leave so lock
// release and room destruction behave identically.
type Reaper struct {
	registry      *Registry
	interval      time.Duration
	idleThreshold time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

// NewReaper constructs a Reaper.
func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultReapInterval
	}
	threshold := cfg.IdleThreshold
	if threshold <= 0 {
		threshold = defaultIdleThreshold
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reaper{
		registry:      cfg.Registry,
		interval:      interval,
		idleThreshold: threshold,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one eviction pass and returns the number of evicted
// collaborators.
func (r *Reaper) Sweep() int {
	cutoff := r.clock().Add(-r.idleThreshold)
	evicted := r.registry.sweepIdle(cutoff)
	if evicted > 0 {
		r.logger.Info("idle sweep complete", zap.Int("evicted", evicted))
	}
	return evicted
}
