package store

import (
	"fmt"
	"time"

	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/classify"
)

// LifecycleState tracks where a call attempt is in its lifecycle.
type LifecycleState string

const (
	// StateInitiated means the provider accepted the call but no media yet.
	StateInitiated LifecycleState = "initiated"
	// StateStreaming means the media stream to the transcription pipeline is up.
	StateStreaming LifecycleState = "streaming"
	// StateClassifying means the supervisor is waiting for a classification.
	StateClassifying LifecycleState = "classifying"
	// StateNavigating means the action dispatcher is driving the IVR tree.
	StateNavigating LifecycleState = "navigating"
	// StateTransferring means handoff to the agent destination is in flight.
	StateTransferring LifecycleState = "transferring"
	// StateBridged means the call is connected to the agent via a bridge.
	StateBridged LifecycleState = "bridged"
	// StateCompleted is terminal success.
	StateCompleted LifecycleState = "completed"
	// StateFailed is terminal failure.
	StateFailed LifecycleState = "failed"
	// StateRetryPending means the attempt ended incomplete and a retry is scheduled.
	StateRetryPending LifecycleState = "retry_pending"
)

// Terminal reports whether no further transitions may leave this state.
func (s LifecycleState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Validate checks the state is a known value.
func (s LifecycleState) Validate() error {
	switch s {
	case StateInitiated, StateStreaming, StateClassifying, StateNavigating,
		StateTransferring, StateBridged, StateCompleted, StateFailed, StateRetryPending:
		return nil
	}
	return fmt.Errorf("unknown lifecycle state %q", string(s))
}

// Purpose describes what a call attempt is meant to achieve.
type Purpose string

const (
	// PurposeConnect attempts a full connect-and-handoff.
	PurposeConnect Purpose = "connect"
	// PurposeClassify only needs to store a classification for the number.
	PurposeClassify Purpose = "classify"
)

// ActionKind distinguishes IVR navigation action types.
type ActionKind string

const (
	// ActionDTMF sends keypad digits.
	ActionDTMF ActionKind = "dtmf"
	// ActionSpeech speaks a prompt into the call.
	ActionSpeech ActionKind = "speech"
)

// Validate checks the kind is a known value.
func (k ActionKind) Validate() error {
	if k != ActionDTMF && k != ActionSpeech {
		return fmt.Errorf("unknown action kind %q", string(k))
	}
	return nil
}

// CallSession is one attempted phone call. The store row is the single source
// of truth; in-memory copies are never authoritative across poll ticks.
type CallSession struct {
	// CallID is the provider-assigned leg identifier. Unique per live attempt
	// but may be reused by the provider across retries of the same number.
	CallID string `json:"call_id"`

	// AttemptID uniquely identifies this attempt even when CallID is reused.
	AttemptID string `json:"attempt_id"`

	// ControlHandle is the opaque handle required to operate on the live leg.
	ControlHandle string `json:"control_handle"`

	// LifecycleState is owned by the call supervisor.
	LifecycleState LifecycleState `json:"lifecycle_state"`

	// Classification is written by the external transcription pipeline.
	Classification classify.State `json:"classification"`

	// TransferInitiated flips exactly once per attempt via compare-and-set.
	// Once true no further actions may be dispatched.
	TransferInitiated bool `json:"transfer_initiated"`

	// TransferCompleted records handoff success.
	TransferCompleted bool `json:"transfer_completed"`

	// Purpose of the attempt; classification-only attempts count short calls
	// that stored a classification as success.
	Purpose Purpose `json:"purpose"`

	// AgentOutcome is a completion result recorded by the external agent,
	// if any. Non-empty means the attempt achieved its goal.
	AgentOutcome string `json:"agent_outcome,omitempty"`

	// RetryCount is the number of incomplete outcomes seen so far.
	RetryCount int `json:"retry_count"`

	// MaxRetries bounds RetryCount; further incomplete outcomes fail the call.
	MaxRetries int `json:"max_retries"`

	// NextAttemptAt is when the next retry should be placed, if scheduled.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// LastRetryAt guards against duplicate terminal webhooks double-counting.
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`

	// LastError is the most recent attempt-level error message.
	LastError string `json:"last_error,omitempty"`

	// CreatedAt is when the session row was first created.
	CreatedAt time.Time `json:"created_at"`

	// InitiatedAt is when the current attempt began. Actions created before
	// this instant belong to a prior attempt and must never be executed.
	InitiatedAt time.Time `json:"initiated_at"`

	// EndedAt is set when a terminal provider signal arrives.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// Metadata carries customer/session identifiers into handoff.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Action is one unit of IVR navigation work. Actions are created by the
// navigation planner, consumed by the dispatcher, and never deleted, only
// marked executed, with an optional error tag for audit.
type Action struct {
	// ID is the unique action identifier.
	ID string `json:"id"`

	// CallID is the call leg this action targets.
	CallID string `json:"call_id"`

	// Kind selects the telephony operation (dtmf or speech).
	Kind ActionKind `json:"kind"`

	// Value is the digit sequence or the text to speak.
	Value string `json:"value"`

	// Executed flips to true exactly once, whether the telephony operation
	// succeeded or failed.
	Executed bool `json:"executed"`

	// ExecutedAt is when the dispatcher marked the action executed.
	ExecutedAt *time.Time `json:"executed_at,omitempty"`

	// Error tags failed or skipped actions ("stale", provider error text).
	Error string `json:"error,omitempty"`

	// CreatedAt orders the queue and gates cross-attempt bleed.
	CreatedAt time.Time `json:"created_at"`
}

// Patch is a partial session update. Only non-nil fields are written, so a
// component can update the fields it owns without clobbering concurrent
// writes to fields owned by other components.
type Patch struct {
	AttemptID         *string
	ControlHandle     *string
	LifecycleState    *LifecycleState
	Classification    *classify.State
	TransferCompleted *bool
	AgentOutcome      *string
	RetryCount        *int
	NextAttemptAt     *time.Time
	LastRetryAt       *time.Time
	LastError         *string
	InitiatedAt       *time.Time
	EndedAt           *time.Time
}

// Empty reports whether the patch writes nothing.
func (p Patch) Empty() bool {
	return p.AttemptID == nil && p.ControlHandle == nil && p.LifecycleState == nil && p.Classification == nil &&
		p.TransferCompleted == nil && p.AgentOutcome == nil && p.RetryCount == nil &&
		p.NextAttemptAt == nil && p.LastRetryAt == nil && p.LastError == nil &&
		p.InitiatedAt == nil && p.EndedAt == nil
}
