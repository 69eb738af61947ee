// Package handoff connects a human-reachable call to the destination voice
// agent.
//
// Two strategies exist, selected by deployment mode: a direct transfer of
// the live leg, or unmuting an agent that was pre-dialed muted into a
// conference room. Handoff runs at most once per attempt; callers must hold
// the transfer_initiated compare-and-set before invoking it, and a handoff
// failure is terminal for the attempt.
package handoff

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/store"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/telephony"
)

// Mode selects the handoff strategy.
type Mode string

const (
	// ModeDirectTransfer transfers the live leg to a fixed address.
	ModeDirectTransfer Mode = "transfer"
	// ModeConferenceBridge unmutes the pre-dialed agent in a conference.
	ModeConferenceBridge Mode = "conference"
)

// ErrCallAlreadyEnded is returned when the leg died before handoff started.
var ErrCallAlreadyEnded = errors.New("call_already_ended")

// Config holds strategy selection and destination addressing.
type Config struct {
	// Mode selects the strategy.
	Mode Mode `koanf:"mode"`

	// Destination is the transfer address for direct mode.
	Destination string `koanf:"destination"`

	// ConferenceRoom names the pre-dialed room for conference mode.
	ConferenceRoom string `koanf:"conference_room"`

	// AgentHandle is the pre-dialed agent leg in the conference.
	AgentHandle string `koanf:"agent_handle"`
}

// Validate checks the handoff configuration for the selected mode.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeDirectTransfer:
		if c.Destination == "" {
			return errors.New("handoff destination is required for transfer mode")
		}
	case ModeConferenceBridge:
		if c.ConferenceRoom == "" || c.AgentHandle == "" {
			return errors.New("handoff conference_room and agent_handle are required for conference mode")
		}
	default:
		return fmt.Errorf("unknown handoff mode %q", string(c.Mode))
	}
	return nil
}

// Executor performs the handoff for one call attempt.
type Executor struct {
	cfg    Config
	ops    telephony.Ops
	logger *zap.Logger
}

// NewExecutor creates a handoff executor.
func NewExecutor(cfg Config, ops telephony.Ops, logger *zap.Logger) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ops == nil {
		return nil, errors.New("telephony ops are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{cfg: cfg, ops: ops, logger: logger}, nil
}

// Run connects the session to the agent and returns the lifecycle state the
// attempt ends in on success (completed for transfers, bridged for
// conference handoffs).
func (e *Executor) Run(ctx context.Context, session *store.CallSession) (store.LifecycleState, error) {
	log := e.logger.With(
		zap.String("call_id", session.CallID),
		zap.String("mode", string(e.cfg.Mode)))

	switch e.cfg.Mode {
	case ModeDirectTransfer:
		if err := e.directTransfer(ctx, session, log); err != nil {
			return store.StateFailed, err
		}
		return store.StateCompleted, nil
	case ModeConferenceBridge:
		if err := e.unmuteAgent(ctx, log); err != nil {
			return store.StateFailed, err
		}
		return store.StateBridged, nil
	}
	return store.StateFailed, fmt.Errorf("unknown handoff mode %q", string(e.cfg.Mode))
}

// directTransfer re-verifies the leg is live, then transfers it with the
// call metadata attached.
func (e *Executor) directTransfer(ctx context.Context, session *store.CallSession, log *zap.Logger) error {
	state, err := e.ops.GetCallState(ctx, session.ControlHandle)
	if err != nil {
		return fmt.Errorf("failed to verify call state: %w", err)
	}
	if !state.Active {
		log.Warn("call ended before transfer", zap.String("raw_state", state.Raw))
		return ErrCallAlreadyEnded
	}

	if err := e.ops.Transfer(ctx, session.ControlHandle, e.cfg.Destination, session.Metadata); err != nil {
		return fmt.Errorf("transfer failed: %w", err)
	}
	log.Info("call transferred", zap.String("destination", e.cfg.Destination))
	return nil
}

// unmuteAgent verifies the agent's mute state before toggling: unmuting an
// already-unmuted participant is a no-op, not an error, and must not issue
// a provider call.
func (e *Executor) unmuteAgent(ctx context.Context, log *zap.Logger) error {
	participant, err := e.ops.GetParticipant(ctx, e.cfg.ConferenceRoom, e.cfg.AgentHandle)
	if err != nil {
		return fmt.Errorf("failed to read agent participant: %w", err)
	}
	if !participant.Muted {
		log.Info("agent already unmuted")
		return nil
	}

	if err := e.ops.Mute(ctx, e.cfg.AgentHandle, false); err != nil {
		return fmt.Errorf("unmute failed: %w", err)
	}
	log.Info("agent unmuted", zap.String("conference", e.cfg.ConferenceRoom))
	return nil
}
