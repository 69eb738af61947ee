package classify

import (
	"context"
	"errors"
	"fmt"
)

// Source provides the current stored classification for a call. The session
// store satisfies this.
type Source interface {
	Classification(ctx context.Context, callID string) (State, error)
}

// Gate answers "is a human reachable on this call right now". It has no
// state of its own: every query re-reads the source so a classification
// written between polls is always observed.
type Gate struct {
	src Source
}

// NewGate creates a classification gate over a source.
func NewGate(src Source) (*Gate, error) {
	if src == nil {
		return nil, errors.New("classification source is required")
	}
	return &Gate{src: src}, nil
}

// Current returns the stored classification for the call.
func (g *Gate) Current(ctx context.Context, callID string) (State, error) {
	if callID == "" {
		return Unknown, fmt.Errorf("call_id is required")
	}
	return g.src.Classification(ctx, callID)
}

// HumanReachable re-reads the classification and applies the predicate.
func (g *Gate) HumanReachable(ctx context.Context, callID string) (bool, error) {
	state, err := g.Current(ctx, callID)
	if err != nil {
		return false, err
	}
	return HumanReachable(state), nil
}
