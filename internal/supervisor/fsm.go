package supervisor

import "github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/store"

// transitions enumerates the legal lifecycle edges. Terminal states have no
// outgoing edges; retry_pending re-enters initiated when the provider reuses
// the call identifier for the next attempt.
var transitions = map[store.LifecycleState][]store.LifecycleState{
	store.StateInitiated: {
		store.StateStreaming, store.StateClassifying, store.StateTransferring,
		store.StateCompleted, store.StateFailed,
	},
	store.StateStreaming: {
		store.StateClassifying, store.StateTransferring,
		store.StateCompleted, store.StateFailed,
	},
	store.StateClassifying: {
		store.StateNavigating, store.StateTransferring,
		store.StateCompleted, store.StateFailed,
	},
	store.StateNavigating: {
		store.StateTransferring, store.StateCompleted, store.StateFailed,
	},
	store.StateTransferring: {
		store.StateBridged, store.StateCompleted, store.StateFailed,
	},
	store.StateBridged: {
		store.StateCompleted, store.StateFailed,
	},
	store.StateRetryPending: {
		store.StateInitiated,
	},
}

// canTransition reports whether the edge from -> to is legal.
func canTransition(from, to store.LifecycleState) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
