// Package telephony adapts the provider's call-control REST API.
//
// Every operation is a single RPC that can fail or time out. Operations are
// safe to retry at the provider level but this adapter never retries on its
// own: a failed DTMF burst re-sent blindly can desynchronize an IVR tree
// that already consumed the first one, so retry decisions belong to the
// callers that know the call state.
package telephony

import (
	"context"
	"errors"
	"fmt"
)

// Ops is the narrow contract the call loops depend on. The REST client
// implements it for production; tests substitute fakes.
type Ops interface {
	// Answer picks up an inbound leg.
	Answer(ctx context.Context, controlHandle string) error

	// StartStream attaches the media stream to the transcription target.
	StartStream(ctx context.Context, controlHandle, target string) error

	// StopStream detaches the media stream.
	StopStream(ctx context.Context, controlHandle string) error

	// SendDTMF plays keypad digits into the call.
	SendDTMF(ctx context.Context, controlHandle, digits string) error

	// Speak reads text into the call.
	Speak(ctx context.Context, controlHandle, text string) error

	// Mute sets the mute state of a conference participant.
	Mute(ctx context.Context, controlHandle string, muted bool) error

	// Transfer moves the live leg to a destination, carrying call metadata.
	Transfer(ctx context.Context, controlHandle, destination string, metadata map[string]string) error

	// Bridge joins two live legs.
	Bridge(ctx context.Context, handleA, handleB string) error

	// GetCallState queries whether the leg is still live.
	GetCallState(ctx context.Context, controlHandle string) (CallState, error)

	// GetParticipant queries a conference participant's state.
	GetParticipant(ctx context.Context, conference, controlHandle string) (Participant, error)
}

// CallState is the provider's view of a call leg.
type CallState struct {
	Active bool   `json:"active"`
	Raw    string `json:"raw"`
}

// Participant is the provider's view of a conference member.
type Participant struct {
	ControlHandle string `json:"control_handle"`
	Muted         bool   `json:"muted"`
}

// ProviderError carries the HTTP-like status the provider returned.
type ProviderError struct {
	Status  int
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d (%s): %s", e.Status, e.Code, e.Message)
}

// Temporary reports whether the failure looks transient (network or 5xx).
func (e *ProviderError) Temporary() bool {
	return e.Status == 0 || e.Status >= 500
}

// AsProviderError unwraps err into a ProviderError if it is one.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
