// Package classify holds the tri-state call classification produced by the
// external transcription pipeline and the human-reachability predicate the
// supervisor and dispatcher act on.
//
// Classification values are monotonic in practice (a call is never
// un-classified) but nothing here assumes that: callers must re-read the
// store before acting on a value.
package classify

import "fmt"

// State is the classification of the far end of a call.
type State string

const (
	// Unknown means the pipeline has not classified the call yet.
	Unknown State = "unknown"
	// Human means a person answered directly.
	Human State = "human"
	// IVROnly means an automated tree answered with no human detected yet.
	IVROnly State = "ivr_only"
	// IVRThenHuman means the tree has been traversed and a human is on the line.
	IVRThenHuman State = "ivr_then_human"
)

// Validate checks the state is a known value.
func (s State) Validate() error {
	switch s {
	case Unknown, Human, IVROnly, IVRThenHuman:
		return nil
	}
	return fmt.Errorf("unknown classification %q", string(s))
}

// HumanReachable reports whether a human can be connected right now.
func HumanReachable(s State) bool {
	return s == Human || s == IVRThenHuman
}
