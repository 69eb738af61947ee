package supervisor

import (
	"fmt"
	"time"
)

// EventKind is the provider-agnostic webhook event taxonomy.
type EventKind string

const (
	// EventCallInitiated means the provider accepted the call attempt.
	EventCallInitiated EventKind = "call-initiated"
	// EventCallAnswered means the far end picked up.
	EventCallAnswered EventKind = "call-answered"
	// EventStreamStarted means the media stream to the classifier is live.
	EventStreamStarted EventKind = "stream-started"
	// EventStreamStopped means the media stream ended.
	EventStreamStopped EventKind = "stream-stopped"
	// EventCallTerminal means the call ended (completed/failed/busy/
	// no-answer/canceled, carried in Status).
	EventCallTerminal EventKind = "call-terminal"
	// EventDialResult reports the outcome of a simple dial-based flow.
	EventDialResult EventKind = "dial-result"
)

// Validate checks the kind is a known value.
func (k EventKind) Validate() error {
	switch k {
	case EventCallInitiated, EventCallAnswered, EventStreamStarted,
		EventStreamStopped, EventCallTerminal, EventDialResult:
		return nil
	}
	return fmt.Errorf("unknown event kind %q", string(k))
}

// Event is one provider webhook delivery. Deliveries may arrive out of order
// and duplicated; handlers must be idempotent.
type Event struct {
	// CallID identifies the call leg.
	CallID string `json:"call_id"`

	// ControlHandle is the current handle for operating on the leg.
	ControlHandle string `json:"control_handle"`

	// Kind is the event taxonomy entry.
	Kind EventKind `json:"event"`

	// Status carries terminal or dial-result detail.
	Status string `json:"status,omitempty"`

	// Duration is how long the call lasted, for terminal events.
	Duration time.Duration `json:"duration,omitempty"`

	// Metadata carries customer/session identifiers from the originator.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks the event for required fields.
func (e Event) Validate() error {
	if e.CallID == "" {
		return fmt.Errorf("call_id is required")
	}
	return e.Kind.Validate()
}
