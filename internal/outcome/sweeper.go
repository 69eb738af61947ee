package outcome

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/store"
)

// SweepConfig controls the periodic pass over calls that never received a
// terminal signal.
type SweepConfig struct {
	// Interval between sweeps.
	Interval time.Duration `koanf:"interval"`

	// StuckAfter is how long a non-terminal session may sit without a
	// terminal signal before the sweep classifies it.
	StuckAfter time.Duration `koanf:"stuck_after"`
}

// DefaultSweepConfig returns the baseline sweep cadence.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:   time.Minute,
		StuckAfter: 10 * time.Minute,
	}
}

// Validate checks the sweep configuration.
func (c *SweepConfig) Validate() error {
	if c.Interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if c.StuckAfter <= 0 {
		return errors.New("sweep stuck_after must be positive")
	}
	return nil
}

// Sweeper periodically re-drives sessions stuck without a terminal signal
// through the outcome classifier.
type Sweeper struct {
	cfg        SweepConfig
	store      store.Store
	classifier *Classifier
	logger     *zap.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg SweepConfig, st store.Store, classifier *Classifier, logger *zap.Logger) (*Sweeper, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepConfig().Interval
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = DefaultSweepConfig().StuckAfter
	}
	return &Sweeper{cfg: cfg, store: st, classifier: classifier, logger: logger}, nil
}

// Run sweeps until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Errors on individual sessions are logged, not fatal.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.StuckAfter)
	stuck, err := s.store.ListStuckSessions(ctx, cutoff)
	if err != nil {
		s.logger.Warn("failed to list stuck sessions", zap.Error(err))
		return
	}

	for _, session := range stuck {
		// A finished handoff that never saw its terminal webhook is a
		// success, not a failure.
		status := StatusFailed
		if session.TransferCompleted {
			status = StatusCompleted
		}
		sig := Signal{
			Status:   status,
			Duration: time.Since(session.InitiatedAt),
		}
		s.logger.Info("sweeping stuck session",
			zap.String("call_id", session.CallID),
			zap.String("status", status),
			zap.Time("initiated_at", session.InitiatedAt))
		if err := s.classifier.HandleTerminal(ctx, session.CallID, sig); err != nil {
			s.logger.Warn("sweep classification failed",
				zap.String("call_id", session.CallID), zap.Error(err))
		}
	}
}
