package store

import (
	"context"
	"errors"
	"time"

	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/classify"
)

// ErrNotFound is returned when no session row exists for a call identifier.
var ErrNotFound = errors.New("call session not found")

// ErrAlreadyExists is returned when creating a session for a call identifier
// that already has a row.
var ErrAlreadyExists = errors.New("call session already exists")

// Store is the narrow adapter over the persistent session table and action
// queue. Rows give read-your-writes consistency per call identifier; updates
// are last-writer-wins per field (Patch only writes the fields set on it).
type Store interface {
	// GetSession fetches a session by call identifier. ErrNotFound when absent.
	GetSession(ctx context.Context, callID string) (*CallSession, error)

	// CreateSession inserts a new session row. ErrAlreadyExists on duplicates.
	CreateSession(ctx context.Context, session *CallSession) error

	// UpdateSession applies a partial update to a session row.
	UpdateSession(ctx context.Context, callID string, patch Patch) error

	// CompareAndSetTransferInitiated atomically flips transfer_initiated from
	// false to true. Returns true only for the caller that won the flip; all
	// later callers (duplicate webhook deliveries included) get false.
	CompareAndSetTransferInitiated(ctx context.Context, callID string) (bool, error)

	// Classification returns the stored classification for a call. This is
	// the read the classification gate performs every poll.
	Classification(ctx context.Context, callID string) (classify.State, error)

	// GetUnexecutedActions returns unexecuted actions for the call created at
	// or after since, newest first.
	GetUnexecutedActions(ctx context.Context, callID string, since time.Time) ([]Action, error)

	// CreateAction inserts a navigation action into the queue.
	CreateAction(ctx context.Context, action *Action) error

	// MarkActionExecuted flips an action to executed with an optional error
	// tag. Actions already executed are left untouched.
	MarkActionExecuted(ctx context.Context, actionID, errTag string) error

	// ListStuckSessions returns non-terminal sessions whose attempt began
	// before the cutoff and that never received a terminal signal. Used by
	// the periodic sweep.
	ListStuckSessions(ctx context.Context, cutoff time.Time) ([]CallSession, error)

	// Close releases store resources.
	Close() error
}
