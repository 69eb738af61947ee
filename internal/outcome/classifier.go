// Package outcome decides what a terminated call attempt amounted to.
//
// One terminal provider signal (or one sweep pass over stuck calls) runs the
// classifier once: the attempt either achieved its goal, failed for real, or
// ended ambiguously and earns a bounded retry. Retry back-off uses fixed
// tiers rather than computed exponentials so operators can reason about
// redial timing.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/classify"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/store"
)

const instrumentationName = "github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/outcome"

// Terminal statuses the provider reports.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusBusy      = "busy"
	StatusNoAnswer  = "no-answer"
	StatusCanceled  = "canceled"
)

// Signal is the terminal event for one attempt.
type Signal struct {
	// Status is the provider's terminal status.
	Status string

	// Duration is how long the call lasted.
	Duration time.Duration
}

// DefaultMaxRetries applies when no retry bound is configured.
const DefaultMaxRetries = 3

// Config controls outcome classification and retry scheduling.
type Config struct {
	// MaxRetries bounds redials per session. Zero disables retries; nil
	// selects DefaultMaxRetries.
	MaxRetries *int `koanf:"max_retries"`

	// ShortCallThreshold marks calls too short to have done anything.
	ShortCallThreshold time.Duration `koanf:"short_call_threshold"`

	// InteractionWindow is how long a connected call may run without the
	// agent ever being reached before it counts as incomplete.
	InteractionWindow time.Duration `koanf:"interaction_window"`

	// RecentRetryWindow suppresses duplicate terminal webhooks: a retry
	// increment inside this window means the event was already counted.
	RecentRetryWindow time.Duration `koanf:"recent_retry_window"`

	// BackoffTiers are the fixed waits before redials, indexed by retry
	// count. The last tier applies to any count beyond the table.
	BackoffTiers []time.Duration `koanf:"backoff_tiers"`
}

// DefaultConfig returns the standard retry policy.
func DefaultConfig() Config {
	maxRetries := DefaultMaxRetries
	return Config{
		MaxRetries:         &maxRetries,
		ShortCallThreshold: 10 * time.Second,
		InteractionWindow:  30 * time.Second,
		RecentRetryWindow:  5 * time.Second,
		BackoffTiers:       []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute},
	}
}

// Validate checks the outcome configuration.
func (c *Config) Validate() error {
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	if len(c.BackoffTiers) == 0 {
		return errors.New("at least one backoff tier is required")
	}
	for i, tier := range c.BackoffTiers {
		if tier <= 0 {
			return fmt.Errorf("backoff tier %d must be positive", i)
		}
	}
	return nil
}

// Backoff returns the wait before the retryCount-th redial.
func (c Config) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if retryCount > len(c.BackoffTiers) {
		retryCount = len(c.BackoffTiers)
	}
	return c.BackoffTiers[retryCount-1]
}

// Classifier applies the terminal decision table.
type Classifier struct {
	cfg    Config
	store  store.Store
	logger *zap.Logger

	meter        metric.Meter
	retryCount   metric.Int64Counter
	failedCount  metric.Int64Counter
	dupTerminals metric.Int64Counter
}

// NewClassifier creates an outcome classifier.
func NewClassifier(cfg Config, st store.Store, logger *zap.Logger) (*Classifier, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries == nil {
		maxRetries := DefaultMaxRetries
		cfg.MaxRetries = &maxRetries
	}
	if cfg.ShortCallThreshold == 0 {
		cfg.ShortCallThreshold = DefaultConfig().ShortCallThreshold
	}
	if cfg.InteractionWindow == 0 {
		cfg.InteractionWindow = DefaultConfig().InteractionWindow
	}
	if cfg.RecentRetryWindow == 0 {
		cfg.RecentRetryWindow = DefaultConfig().RecentRetryWindow
	}
	if len(cfg.BackoffTiers) == 0 {
		cfg.BackoffTiers = DefaultConfig().BackoffTiers
	}

	c := &Classifier{
		cfg:    cfg,
		store:  st,
		logger: logger,
		meter:  otel.Meter(instrumentationName),
	}
	c.initMetrics()
	return c, nil
}

// initMetrics initializes OpenTelemetry counters.
func (c *Classifier) initMetrics() {
	var err error

	c.retryCount, err = c.meter.Int64Counter(
		"callhandler.outcome.retries_scheduled_total",
		metric.WithDescription("Retries scheduled for incomplete attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		c.logger.Warn("failed to create retry counter", zap.Error(err))
	}

	c.failedCount, err = c.meter.Int64Counter(
		"callhandler.outcome.terminal_failures_total",
		metric.WithDescription("Attempts failed after retry budget exhaustion"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		c.logger.Warn("failed to create failure counter", zap.Error(err))
	}

	c.dupTerminals, err = c.meter.Int64Counter(
		"callhandler.outcome.duplicate_terminals_total",
		metric.WithDescription("Terminal webhooks suppressed by the recency guard"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		c.logger.Warn("failed to create duplicate counter", zap.Error(err))
	}
}

// HandleTerminal runs the decision table once for a terminal signal. Rules
// are evaluated in order; the first match wins.
func (c *Classifier) HandleTerminal(ctx context.Context, callID string, sig Signal) error {
	session, err := c.store.GetSession(ctx, callID)
	if err != nil {
		return fmt.Errorf("failed to read session %s: %w", callID, err)
	}
	if session.LifecycleState.Terminal() {
		return nil
	}

	log := c.logger.With(
		zap.String("call_id", callID),
		zap.String("status", sig.Status),
		zap.Duration("duration", sig.Duration))
	now := time.Now().UTC()

	// Rule 1: the agent already recorded a completion result.
	if session.AgentOutcome != "" {
		log.Info("attempt completed with agent outcome",
			zap.String("agent_outcome", session.AgentOutcome))
		return c.finish(ctx, callID, store.StateCompleted, "", now)
	}

	// Rule 2: a pure-classification attempt that stored a classification
	// succeeded, however short the call was.
	if session.Purpose == store.PurposeClassify && session.Classification != "" &&
		session.Classification != classify.Unknown {
		log.Info("classification attempt completed",
			zap.String("classification", string(session.Classification)))
		return c.finish(ctx, callID, store.StateCompleted, "", now)
	}

	// Rule 3: a retry increment moments ago means this terminal signal is a
	// duplicate webhook delivery.
	if session.LastRetryAt != nil && now.Sub(*session.LastRetryAt) < c.cfg.RecentRetryWindow {
		c.add(ctx, c.dupTerminals)
		log.Info("duplicate terminal signal suppressed",
			zap.Time("last_retry_at", *session.LastRetryAt))
		return nil
	}

	// Rule 4: incomplete attempts earn a bounded retry.
	if c.incomplete(session, sig) {
		return c.scheduleRetry(ctx, session, sig, now, log)
	}

	// Rule 5: everything else completed.
	return c.finish(ctx, callID, store.StateCompleted, "", now)
}

// incomplete reports whether the attempt ended without doing its job.
func (c *Classifier) incomplete(session *store.CallSession, sig Signal) bool {
	if sig.Duration < c.cfg.ShortCallThreshold {
		return true
	}
	switch sig.Status {
	case StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled:
		return true
	}
	// Connected but ended without the agent ever being reached.
	if !session.TransferCompleted && sig.Duration < c.cfg.InteractionWindow {
		return true
	}
	return false
}

// scheduleRetry increments the retry count at most once per terminal event
// and either schedules the next attempt or fails the session for good.
func (c *Classifier) scheduleRetry(ctx context.Context, session *store.CallSession, sig Signal, now time.Time, log *zap.Logger) error {
	maxRetries := *c.cfg.MaxRetries
	if session.MaxRetries > 0 {
		maxRetries = session.MaxRetries
	}

	newCount := session.RetryCount + 1
	lastErr := fmt.Sprintf("incomplete attempt: status=%s duration=%s", sig.Status, sig.Duration)

	if newCount > maxRetries {
		c.add(ctx, c.failedCount)
		log.Warn("retry budget exhausted", zap.Int("retry_count", newCount))
		finalErr := fmt.Sprintf("failed after %d attempts: %s", newCount, lastErr)
		return c.finish(ctx, session.CallID, store.StateFailed, finalErr, now)
	}

	next := now.Add(c.cfg.Backoff(newCount))
	state := store.StateRetryPending
	err := c.store.UpdateSession(ctx, session.CallID, store.Patch{
		LifecycleState: &state,
		RetryCount:     &newCount,
		LastRetryAt:    &now,
		NextAttemptAt:  &next,
		LastError:      &lastErr,
		EndedAt:        &now,
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retry for %s: %w", session.CallID, err)
	}
	c.add(ctx, c.retryCount)
	log.Info("retry scheduled",
		zap.Int("retry_count", newCount),
		zap.Time("next_attempt_at", next))
	return nil
}

// finish moves the session to a terminal state with the end time recorded.
func (c *Classifier) finish(ctx context.Context, callID string, state store.LifecycleState, lastErr string, now time.Time) error {
	patch := store.Patch{
		LifecycleState: &state,
		EndedAt:        &now,
	}
	if lastErr != "" {
		patch.LastError = &lastErr
	}
	if err := c.store.UpdateSession(ctx, callID, patch); err != nil {
		return fmt.Errorf("failed to finish session %s: %w", callID, err)
	}
	return nil
}

func (c *Classifier) add(ctx context.Context, counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(ctx, 1)
	}
}
