// Package dispatch runs the per-call IVR navigation loop.
//
// While a call is navigating, the dispatcher polls the action queue, selects
// the newest unexecuted action belonging to the current attempt, re-validates
// the session at the last instant, executes the action through the telephony
// adapter, and marks it executed exactly once. Failed actions stay executed
// with the error recorded: re-sending digits to an IVR tree that may already
// have consumed them does more damage than skipping a menu level.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/classify"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/store"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/telephony"
)

const instrumentationName = "github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/dispatch"

// StaleTag marks queue entries left over from a prior attempt that reused
// the same call identifier.
const StaleTag = "stale"

// Config controls the dispatch poll loop.
type Config struct {
	// Interval between polls.
	Interval time.Duration `koanf:"interval"`

	// MaxPolls bounds the loop; poll budget exhaustion is the timeout
	// mechanism, there is no external cancellation signal.
	MaxPolls int `koanf:"max_polls"`
}

// DefaultConfig returns the baseline 2s/60-poll cadence (~2 minutes).
func DefaultConfig() Config {
	return Config{
		Interval: 2 * time.Second,
		MaxPolls: 60,
	}
}

// Validate checks the dispatch configuration.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("dispatch interval must be positive")
	}
	if c.MaxPolls <= 0 {
		return errors.New("dispatch max_polls must be positive")
	}
	return nil
}

// Dispatcher drives the navigation loop for calls in the navigating state.
// At most one loop runs per call identifier; starting a second no-ops.
type Dispatcher struct {
	cfg    Config
	store  store.Store
	ops    telephony.Ops
	gate   *classify.Gate
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	executedCount metric.Int64Counter
	staleCount    metric.Int64Counter
	guardCount    metric.Int64Counter

	mu      sync.Mutex
	running map[string]struct{}
}

// New creates a dispatcher.
func New(cfg Config, st store.Store, ops telephony.Ops, gate *classify.Gate, logger *zap.Logger) (*Dispatcher, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if ops == nil {
		return nil, errors.New("telephony ops are required")
	}
	if gate == nil {
		return nil, errors.New("classification gate is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = DefaultConfig().MaxPolls
	}

	d := &Dispatcher{
		cfg:     cfg,
		store:   st,
		ops:     ops,
		gate:    gate,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
		running: make(map[string]struct{}),
	}
	d.initMetrics()
	return d, nil
}

// initMetrics initializes OpenTelemetry counters.
func (d *Dispatcher) initMetrics() {
	var err error

	d.executedCount, err = d.meter.Int64Counter(
		"callhandler.dispatch.actions_executed_total",
		metric.WithDescription("Navigation actions executed"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		d.logger.Warn("failed to create executed counter", zap.Error(err))
	}

	d.staleCount, err = d.meter.Int64Counter(
		"callhandler.dispatch.stale_actions_total",
		metric.WithDescription("Actions rejected as belonging to a prior attempt"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		d.logger.Warn("failed to create stale counter", zap.Error(err))
	}

	d.guardCount, err = d.meter.Int64Counter(
		"callhandler.dispatch.guard_trips_total",
		metric.WithDescription("Last-instant guard preventing execution"),
		metric.WithUnit("{trip}"),
	)
	if err != nil {
		d.logger.Warn("failed to create guard counter", zap.Error(err))
	}
}

// Start launches the loop for a call in a goroutine. Returns false without
// starting anything when a loop is already live for the call.
func (d *Dispatcher) Start(ctx context.Context, callID string) bool {
	if callID == "" {
		return false
	}

	d.mu.Lock()
	if _, live := d.running[callID]; live {
		d.mu.Unlock()
		return false
	}
	d.running[callID] = struct{}{}
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.running, callID)
			d.mu.Unlock()
		}()
		d.Run(ctx, callID)
	}()
	return true
}

// Running reports whether a loop is live for the call.
func (d *Dispatcher) Running(callID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, live := d.running[callID]
	return live
}

// Run executes the poll loop synchronously until a stop condition or the
// poll budget is reached. Stop conditions are terminal exits, not errors.
func (d *Dispatcher) Run(ctx context.Context, callID string) {
	log := d.logger.With(zap.String("call_id", callID))
	log.Debug("dispatch loop starting")

	for poll := 0; poll < d.cfg.MaxPolls; poll++ {
		if poll > 0 {
			select {
			case <-ctx.Done():
				log.Debug("dispatch loop canceled")
				return
			case <-time.After(d.cfg.Interval):
			}
		}

		stop := d.tick(ctx, callID, log)
		if stop {
			return
		}
	}
	log.Info("dispatch loop poll budget exhausted")
}

// tick performs one poll. Returns true when the loop must stop.
func (d *Dispatcher) tick(ctx context.Context, callID string, log *zap.Logger) bool {
	ctx, span := d.tracer.Start(ctx, "dispatch.tick",
		trace.WithAttributes(attribute.String("call_id", callID)))
	defer span.End()

	session, err := d.store.GetSession(ctx, callID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("session disappeared, stopping dispatch")
		return true
	}
	if err != nil {
		log.Warn("failed to read session", zap.Error(err))
		return false
	}
	if stop, reason := shouldStop(session); stop {
		log.Debug("dispatch loop stopping", zap.String("reason", reason))
		return true
	}

	action, stale, err := d.selectAction(ctx, session)
	if err != nil {
		log.Warn("failed to select action", zap.Error(err))
		return false
	}
	for _, s := range stale {
		// Cross-attempt bleed: the provider reused this call id and the
		// queue still holds the old attempt's actions. Tag, never run.
		if err := d.store.MarkActionExecuted(ctx, s.ID, StaleTag); err != nil {
			log.Warn("failed to tag stale action", zap.String("action_id", s.ID), zap.Error(err))
			continue
		}
		d.addCount(ctx, d.staleCount)
		log.Info("rejected stale action",
			zap.String("action_id", s.ID),
			zap.Time("action_created_at", s.CreatedAt),
			zap.Time("attempt_initiated_at", session.InitiatedAt))
	}
	if action == nil {
		return false
	}

	// Last-instant guard: classification may have flipped to human between
	// selection and execution. Re-read everything before touching the call.
	fresh, err := d.store.GetSession(ctx, callID)
	if err != nil {
		log.Warn("last-instant session read failed", zap.Error(err))
		return false
	}
	if stop, reason := shouldStop(fresh); stop {
		d.addCount(ctx, d.guardCount)
		log.Info("last-instant guard stopped execution",
			zap.String("action_id", action.ID), zap.String("reason", reason))
		return true
	}
	if fresh.ControlHandle != session.ControlHandle {
		d.addCount(ctx, d.guardCount)
		log.Warn("control handle changed between selection and execution",
			zap.String("action_id", action.ID))
		return false
	}
	reachable, err := d.gate.HumanReachable(ctx, callID)
	if err != nil {
		log.Warn("last-instant classification read failed", zap.Error(err))
		return false
	}
	if reachable {
		d.addCount(ctx, d.guardCount)
		log.Info("human reachable at last instant, skipping execution",
			zap.String("action_id", action.ID))
		return true
	}

	d.execute(ctx, fresh, action, log)
	return false
}

// selectAction partitions the unexecuted queue into the single newest action
// belonging to the current attempt and any stale leftovers.
func (d *Dispatcher) selectAction(ctx context.Context, session *store.CallSession) (*store.Action, []store.Action, error) {
	// Fetch the full unexecuted queue so stale entries can be tagged; the
	// since filter alone would leave them pending forever.
	actions, err := d.store.GetUnexecutedActions(ctx, session.CallID, time.Time{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list actions: %w", err)
	}

	var current *store.Action
	var stale []store.Action
	for i := range actions {
		a := actions[i]
		if a.CreatedAt.Before(session.InitiatedAt) {
			stale = append(stale, a)
			continue
		}
		if current == nil {
			// Queue is newest-first; the first eligible entry wins.
			current = &actions[i]
		}
	}
	return current, stale, nil
}

// execute runs one action and marks it executed exactly once regardless of
// the provider outcome.
func (d *Dispatcher) execute(ctx context.Context, session *store.CallSession, action *store.Action, log *zap.Logger) {
	var err error
	switch action.Kind {
	case store.ActionDTMF:
		err = d.ops.SendDTMF(ctx, session.ControlHandle, action.Value)
	case store.ActionSpeech:
		err = d.ops.Speak(ctx, session.ControlHandle, action.Value)
	default:
		err = fmt.Errorf("unknown action kind %q", action.Kind)
	}

	errTag := ""
	if err != nil {
		errTag = err.Error()
		log.Warn("action execution failed",
			zap.String("action_id", action.ID),
			zap.String("kind", string(action.Kind)),
			zap.Error(err))
	} else {
		log.Info("action executed",
			zap.String("action_id", action.ID),
			zap.String("kind", string(action.Kind)))
	}

	if markErr := d.store.MarkActionExecuted(ctx, action.ID, errTag); markErr != nil {
		log.Error("failed to mark action executed",
			zap.String("action_id", action.ID), zap.Error(markErr))
		return
	}
	d.addCount(ctx, d.executedCount)
}

func (d *Dispatcher) addCount(ctx context.Context, counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(ctx, 1)
	}
}

// shouldStop evaluates the loop's terminal exit conditions against a fresh
// session read.
func shouldStop(session *store.CallSession) (bool, string) {
	switch {
	case session.LifecycleState.Terminal():
		return true, "session terminal"
	case session.LifecycleState != store.StateNavigating:
		return true, "not navigating"
	case session.TransferInitiated:
		return true, "transfer initiated"
	case classify.HumanReachable(session.Classification):
		return true, "human reachable"
	}
	return false, ""
}
