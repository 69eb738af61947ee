// Package supervisor owns the per-call lifecycle state machine.
//
// One logical supervisor exists per in-flight call: it consumes provider
// webhook events, drives lifecycle transitions, starts and stops the
// classification watch and the action dispatcher, and performs handoff the
// instant a human becomes reachable. All coordination between the per-call
// loops goes through the session store; the registry only holds cancel
// handles so loops can be halted without waiting for their next poll.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/classify"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/dispatch"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/handoff"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/outcome"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/store"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/telephony"
)

const instrumentationName = "github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/supervisor"

// FallbackPolicy decides what happens when classification never resolves
// within the watch budget.
type FallbackPolicy string

const (
	// FallbackAssumeHuman treats the unclassified call as human and hands
	// off. The safer default: a wasted agent connect beats a dropped human.
	FallbackAssumeHuman FallbackPolicy = "assume_human"
	// FallbackHangUp stops the media stream and fails the attempt.
	FallbackHangUp FallbackPolicy = "hang_up"
)

// Config controls the supervisor and its classification watch.
type Config struct {
	// WatchInterval between classification polls.
	WatchInterval time.Duration `koanf:"watch_interval"`

	// WatchMaxPolls bounds the classification watch; budget exhaustion
	// triggers the fallback policy.
	WatchMaxPolls int `koanf:"watch_max_polls"`

	// StreamTarget is where the media stream is pointed for transcription.
	StreamTarget string `koanf:"stream_target"`

	// Fallback is the single configured policy for unresolved
	// classification, replacing the per-handler inconsistency this design
	// descends from.
	Fallback FallbackPolicy `koanf:"fallback"`

	// HandoffTimeout bounds the handoff RPCs.
	HandoffTimeout time.Duration `koanf:"handoff_timeout"`

	// DefaultMaxRetries seeds new sessions.
	DefaultMaxRetries int `koanf:"default_max_retries"`
}

// DefaultConfig returns the baseline supervisor settings. The watch shares
// the dispatcher's 2s/60-poll cadence.
func DefaultConfig() Config {
	return Config{
		WatchInterval:     2 * time.Second,
		WatchMaxPolls:     60,
		Fallback:          FallbackAssumeHuman,
		HandoffTimeout:    30 * time.Second,
		DefaultMaxRetries: 3,
	}
}

// Validate checks the supervisor configuration.
func (c *Config) Validate() error {
	if c.WatchInterval <= 0 {
		return errors.New("watch_interval must be positive")
	}
	if c.WatchMaxPolls <= 0 {
		return errors.New("watch_max_polls must be positive")
	}
	if c.Fallback != FallbackAssumeHuman && c.Fallback != FallbackHangUp {
		return fmt.Errorf("unknown fallback policy %q", string(c.Fallback))
	}
	return nil
}

// Supervisor consumes webhook events and runs the per-call state machine.
type Supervisor struct {
	cfg        Config
	store      store.Store
	ops        telephony.Ops
	gate       *classify.Gate
	dispatcher *dispatch.Dispatcher
	handoff    *handoff.Executor
	outcome    *outcome.Classifier
	logger     *zap.Logger
	registry   *Registry

	tracer         trace.Tracer
	meter          metric.Meter
	eventCount     metric.Int64Counter
	handoffCount   metric.Int64Counter
	handoffFailure metric.Int64Counter
}

// New creates a supervisor.
func New(cfg Config, st store.Store, ops telephony.Ops, gate *classify.Gate,
	dispatcher *dispatch.Dispatcher, handoffExec *handoff.Executor,
	outcomeCls *outcome.Classifier, logger *zap.Logger) (*Supervisor, error) {

	if st == nil {
		return nil, errors.New("store is required")
	}
	if ops == nil {
		return nil, errors.New("telephony ops are required")
	}
	if gate == nil {
		return nil, errors.New("classification gate is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if handoffExec == nil {
		return nil, errors.New("handoff executor is required")
	}
	if outcomeCls == nil {
		return nil, errors.New("outcome classifier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	defaults := DefaultConfig()
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = defaults.WatchInterval
	}
	if cfg.WatchMaxPolls <= 0 {
		cfg.WatchMaxPolls = defaults.WatchMaxPolls
	}
	if cfg.Fallback == "" {
		cfg.Fallback = defaults.Fallback
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = defaults.HandoffTimeout
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = defaults.DefaultMaxRetries
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:        cfg,
		store:      st,
		ops:        ops,
		gate:       gate,
		dispatcher: dispatcher,
		handoff:    handoffExec,
		outcome:    outcomeCls,
		logger:     logger,
		registry:   NewRegistry(),
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

// initMetrics initializes OpenTelemetry counters.
func (s *Supervisor) initMetrics() {
	var err error

	s.eventCount, err = s.meter.Int64Counter(
		"callhandler.supervisor.events_total",
		metric.WithDescription("Webhook events handled"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		s.logger.Warn("failed to create event counter", zap.Error(err))
	}

	s.handoffCount, err = s.meter.Int64Counter(
		"callhandler.supervisor.handoffs_total",
		metric.WithDescription("Handoffs performed"),
		metric.WithUnit("{handoff}"),
	)
	if err != nil {
		s.logger.Warn("failed to create handoff counter", zap.Error(err))
	}

	s.handoffFailure, err = s.meter.Int64Counter(
		"callhandler.supervisor.handoff_failures_total",
		metric.WithDescription("Handoffs that failed terminally"),
		metric.WithUnit("{handoff}"),
	)
	if err != nil {
		s.logger.Warn("failed to create handoff failure counter", zap.Error(err))
	}
}

// Registry exposes the per-call watch registry.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Shutdown stops every per-call loop.
func (s *Supervisor) Shutdown() {
	s.registry.StopAll()
}

// HandleEvent applies one webhook event to the call's state machine.
// Deliveries are idempotent: duplicates and out-of-order arrivals resolve
// through re-reads and the transfer_initiated compare-and-set.
func (s *Supervisor) HandleEvent(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	ctx, span := s.tracer.Start(ctx, "supervisor.handle_event",
		trace.WithAttributes(
			attribute.String("call_id", ev.CallID),
			attribute.String("event", string(ev.Kind))))
	defer span.End()

	if s.eventCount != nil {
		s.eventCount.Add(ctx, 1, metric.WithAttributes(attribute.String("event", string(ev.Kind))))
	}
	log := s.logger.With(zap.String("call_id", ev.CallID), zap.String("event", string(ev.Kind)))

	switch ev.Kind {
	case EventCallInitiated:
		return s.onInitiated(ctx, ev, log)
	case EventCallAnswered:
		return s.onAnswered(ctx, ev, log)
	case EventStreamStarted:
		return s.onStreamStarted(ctx, ev, log)
	case EventStreamStopped:
		log.Debug("media stream stopped")
		return nil
	case EventCallTerminal:
		return s.onTerminal(ctx, ev, log)
	case EventDialResult:
		return s.onDialResult(ctx, ev, log)
	}
	return fmt.Errorf("unhandled event kind %q", string(ev.Kind))
}

// onInitiated creates the session row, or re-arms an existing one when the
// provider reused the call identifier for a retry attempt. Re-arming moves
// initiated_at forward, which is what fences off the old attempt's queued
// actions.
func (s *Supervisor) onInitiated(ctx context.Context, ev Event, log *zap.Logger) error {
	now := time.Now().UTC()
	session, err := s.store.GetSession(ctx, ev.CallID)
	if errors.Is(err, store.ErrNotFound) {
		session = &store.CallSession{
			CallID:         ev.CallID,
			AttemptID:      uuid.NewString(),
			ControlHandle:  ev.ControlHandle,
			LifecycleState: store.StateInitiated,
			Classification: classify.Unknown,
			Purpose:        purposeFromMetadata(ev.Metadata),
			MaxRetries:     s.cfg.DefaultMaxRetries,
			CreatedAt:      now,
			InitiatedAt:    now,
			Metadata:       ev.Metadata,
		}
		if err := s.store.CreateSession(ctx, session); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				// Two webhook deliveries raced the create; the row exists now.
				return nil
			}
			return fmt.Errorf("failed to create session: %w", err)
		}
		log.Info("call session created", zap.String("attempt_id", session.AttemptID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}

	if session.LifecycleState.Terminal() {
		log.Warn("ignoring call-initiated for terminal session")
		return nil
	}
	if session.LifecycleState == store.StateInitiated {
		log.Debug("duplicate call-initiated ignored")
		return nil
	}
	if !canTransition(session.LifecycleState, store.StateInitiated) {
		log.Debug("duplicate call-initiated ignored",
			zap.String("state", string(session.LifecycleState)))
		return nil
	}

	state := store.StateInitiated
	attempt := uuid.NewString()
	patch := store.Patch{
		AttemptID:      &attempt,
		LifecycleState: &state,
		InitiatedAt:    &now,
	}
	if ev.ControlHandle != "" {
		patch.ControlHandle = &ev.ControlHandle
	}
	if err := s.store.UpdateSession(ctx, ev.CallID, patch); err != nil {
		return fmt.Errorf("failed to re-arm session: %w", err)
	}
	log.Info("call session re-armed for new attempt",
		zap.String("attempt_id", attempt), zap.Time("initiated_at", now))
	return nil
}

// onAnswered starts the media stream; the streaming transition happens when
// the provider confirms with stream-started. A stream start failure leaves
// the call unclassified rather than crashing; handoff then relies on the
// fallback path.
func (s *Supervisor) onAnswered(ctx context.Context, ev Event, log *zap.Logger) error {
	session, err := s.store.GetSession(ctx, ev.CallID)
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	if session.LifecycleState.Terminal() || session.TransferInitiated {
		return nil
	}

	handle := session.ControlHandle
	if ev.ControlHandle != "" {
		handle = ev.ControlHandle
	}
	if err := s.ops.StartStream(ctx, handle, s.cfg.StreamTarget); err != nil {
		log.Error("failed to start media stream, call stays unclassified", zap.Error(err))
		return nil
	}
	log.Info("media stream start requested")
	return nil
}

// onStreamStarted moves the call to classifying and begins the watch.
func (s *Supervisor) onStreamStarted(ctx context.Context, ev Event, log *zap.Logger) error {
	session, err := s.store.GetSession(ctx, ev.CallID)
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	if session.LifecycleState.Terminal() || session.TransferInitiated {
		return nil
	}
	if session.LifecycleState == store.StateClassifying || session.LifecycleState == store.StateNavigating {
		// Duplicate delivery; just make sure the watch is alive.
		if watchCtx, ok := s.registry.Start(context.Background(), ev.CallID); ok {
			go s.runWatch(watchCtx, ev.CallID)
		}
		return nil
	}
	if err := s.setState(ctx, session, store.StateStreaming, log); err != nil {
		return err
	}
	// Streaming rolls straight into classifying; there is no intermediate
	// event from the provider.
	session.LifecycleState = store.StateStreaming
	if err := s.setState(ctx, session, store.StateClassifying, log); err != nil {
		return err
	}

	watchCtx, ok := s.registry.Start(context.Background(), ev.CallID)
	if !ok {
		log.Debug("classification watch already live")
		return nil
	}
	go s.runWatch(watchCtx, ev.CallID)
	log.Info("classification watch started")
	return nil
}

// onTerminal stops every loop for the call, records the end time, and runs
// the outcome classifier.
func (s *Supervisor) onTerminal(ctx context.Context, ev Event, log *zap.Logger) error {
	s.registry.Stop(ev.CallID)

	now := time.Now().UTC()
	if err := s.store.UpdateSession(ctx, ev.CallID, store.Patch{EndedAt: &now}); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		log.Warn("failed to record end time", zap.Error(err))
	}

	log.Info("call terminal", zap.String("status", ev.Status), zap.Duration("duration", ev.Duration))
	return s.outcome.HandleTerminal(ctx, ev.CallID, outcome.Signal{
		Status:   ev.Status,
		Duration: ev.Duration,
	})
}

// onDialResult handles simple dial-based flows that never stream or
// classify: an answered dial goes straight to handoff, anything else is a
// terminal signal.
func (s *Supervisor) onDialResult(ctx context.Context, ev Event, log *zap.Logger) error {
	if ev.Status == "answered" {
		log.Info("dial answered, handing off")
		s.initiateTransfer(ctx, ev.CallID)
		return nil
	}
	return s.onTerminal(ctx, ev, log)
}

// runWatch polls the classification until human-reachable, an IVR verdict,
// a stop condition, or the poll budget. It shares the dispatcher's stop
// conditions: terminal session, transfer initiated, budget exhausted.
func (s *Supervisor) runWatch(ctx context.Context, callID string) {
	log := s.logger.With(zap.String("call_id", callID))

	for poll := 0; poll < s.cfg.WatchMaxPolls; poll++ {
		if poll > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.WatchInterval):
			}
		}

		session, err := s.store.GetSession(ctx, callID)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("session disappeared, stopping watch")
			return
		}
		if err != nil {
			log.Warn("failed to read session in watch", zap.Error(err))
			continue
		}
		if session.LifecycleState.Terminal() || session.TransferInitiated {
			return
		}

		state, err := s.gate.Current(ctx, callID)
		if err != nil {
			log.Warn("failed to read classification", zap.Error(err))
			continue
		}

		if classify.HumanReachable(state) {
			log.Info("human reachable", zap.String("classification", string(state)))
			s.initiateTransfer(ctx, callID)
			return
		}
		if state == classify.IVROnly && session.LifecycleState == store.StateClassifying {
			if err := s.setState(ctx, session, store.StateNavigating, log); err != nil {
				log.Warn("failed to enter navigating", zap.Error(err))
				continue
			}
			if s.dispatcher.Start(ctx, callID) {
				log.Info("action dispatcher started")
			}
		}
	}

	s.onWatchBudgetExhausted(callID, log)
}

// onWatchBudgetExhausted applies the configured fallback policy when the
// classification never resolved.
func (s *Supervisor) onWatchBudgetExhausted(callID string, log *zap.Logger) {
	// The watch loop is done either way; release its registry entry.
	s.registry.Stop(callID)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandoffTimeout)
	defer cancel()

	session, err := s.store.GetSession(ctx, callID)
	if err != nil {
		log.Warn("failed to read session after watch budget", zap.Error(err))
		return
	}
	if session.LifecycleState.Terminal() || session.TransferInitiated {
		return
	}
	if classify.HumanReachable(session.Classification) {
		s.initiateTransfer(ctx, callID)
		return
	}

	switch s.cfg.Fallback {
	case FallbackAssumeHuman:
		log.Warn("classification unresolved within budget, assuming human")
		s.initiateTransfer(ctx, callID)
	case FallbackHangUp:
		log.Warn("classification unresolved within budget, hanging up")
		if err := s.ops.StopStream(ctx, session.ControlHandle); err != nil {
			log.Warn("failed to stop stream", zap.Error(err))
		}
		lastErr := "classification unresolved within budget"
		state := store.StateFailed
		now := time.Now().UTC()
		if err := s.store.UpdateSession(ctx, callID, store.Patch{
			LifecycleState: &state,
			LastError:      &lastErr,
			EndedAt:        &now,
		}); err != nil {
			log.Warn("failed to fail unresolved session", zap.Error(err))
		}
	}
}

// initiateTransfer performs the exactly-once handoff sequence: win the
// transfer_initiated compare-and-set, halt the per-call loops, move to
// transferring, and run the handoff strategy. Losing the CAS means another
// delivery of the same signal got here first; nothing else to do.
func (s *Supervisor) initiateTransfer(ctx context.Context, callID string) {
	log := s.logger.With(zap.String("call_id", callID))

	won, err := s.store.CompareAndSetTransferInitiated(ctx, callID)
	if err != nil {
		log.Error("transfer compare-and-set failed", zap.Error(err))
		return
	}
	if !won {
		log.Debug("transfer already initiated, skipping")
		return
	}

	// Halting the registry cancels the watch and dispatcher contexts; the
	// handoff runs on its own context since the canceled one may be ours.
	s.registry.Stop(callID)
	hctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandoffTimeout)
	defer cancel()

	session, err := s.store.GetSession(hctx, callID)
	if err != nil {
		log.Error("failed to read session for handoff", zap.Error(err))
		return
	}
	if err := s.setState(hctx, session, store.StateTransferring, log); err != nil {
		log.Error("failed to enter transferring", zap.Error(err))
		return
	}

	finalState, handoffErr := s.handoff.Run(hctx, session)
	now := time.Now().UTC()
	if handoffErr != nil {
		if s.handoffFailure != nil {
			s.handoffFailure.Add(hctx, 1)
		}
		log.Error("handoff failed", zap.Error(handoffErr))
		lastErr := handoffErr.Error()
		state := store.StateFailed
		if err := s.store.UpdateSession(hctx, callID, store.Patch{
			LifecycleState: &state,
			LastError:      &lastErr,
			EndedAt:        &now,
		}); err != nil {
			log.Error("failed to record handoff failure", zap.Error(err))
		}
		return
	}

	if s.handoffCount != nil {
		s.handoffCount.Add(hctx, 1)
	}
	completed := true
	patch := store.Patch{
		LifecycleState:    &finalState,
		TransferCompleted: &completed,
	}
	if finalState.Terminal() {
		patch.EndedAt = &now
	}
	if err := s.store.UpdateSession(hctx, callID, patch); err != nil {
		log.Error("failed to record handoff success", zap.Error(err))
		return
	}
	log.Info("handoff complete", zap.String("final_state", string(finalState)))
}

// setState validates and applies a lifecycle transition. The supervisor is
// the only writer of lifecycle_state outside the outcome classifier.
func (s *Supervisor) setState(ctx context.Context, session *store.CallSession, to store.LifecycleState, log *zap.Logger) error {
	if !canTransition(session.LifecycleState, to) {
		return fmt.Errorf("illegal transition %s -> %s for call %s",
			session.LifecycleState, to, session.CallID)
	}
	if session.LifecycleState == to {
		return nil
	}
	if err := s.store.UpdateSession(ctx, session.CallID, store.Patch{LifecycleState: &to}); err != nil {
		return fmt.Errorf("failed to set state %s: %w", to, err)
	}
	log.Debug("lifecycle transition",
		zap.String("from", string(session.LifecycleState)),
		zap.String("to", string(to)))
	return nil
}

// purposeFromMetadata reads the attempt purpose the originator tagged the
// call with; connect is the default.
func purposeFromMetadata(metadata map[string]string) store.Purpose {
	if metadata["purpose"] == string(store.PurposeClassify) {
		return store.PurposeClassify
	}
	return store.PurposeConnect
}
