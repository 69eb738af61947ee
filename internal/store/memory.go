package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/classify"
)

// Memory is an in-process Store used by tests and local mode. It mirrors the
// Postgres implementation's semantics, including the transfer_initiated
// compare-and-set.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
	actions  map[string]*Action
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*CallSession),
		actions:  make(map[string]*Action),
	}
}

// GetSession fetches a session by call identifier.
func (m *Memory) GetSession(ctx context.Context, callID string) (*CallSession, error) {
	if callID == "" {
		return nil, fmt.Errorf("call_id is required")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

// CreateSession inserts a new session row.
func (m *Memory) CreateSession(ctx context.Context, session *CallSession) error {
	if session == nil || session.CallID == "" {
		return fmt.Errorf("session with call_id is required")
	}
	if err := session.LifecycleState.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.CallID]; exists {
		return ErrAlreadyExists
	}
	m.sessions[session.CallID] = cloneSession(session)
	return nil
}

// UpdateSession applies a partial update; only fields set on the patch are
// written.
func (m *Memory) UpdateSession(ctx context.Context, callID string, patch Patch) error {
	if callID == "" {
		return fmt.Errorf("call_id is required")
	}
	if patch.Empty() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[callID]
	if !ok {
		return ErrNotFound
	}
	applyPatch(session, patch)
	return nil
}

// CompareAndSetTransferInitiated flips transfer_initiated false -> true.
func (m *Memory) CompareAndSetTransferInitiated(ctx context.Context, callID string) (bool, error) {
	if callID == "" {
		return false, fmt.Errorf("call_id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[callID]
	if !ok {
		return false, ErrNotFound
	}
	if session.TransferInitiated {
		return false, nil
	}
	session.TransferInitiated = true
	return true, nil
}

// Classification returns the stored classification for a call.
func (m *Memory) Classification(ctx context.Context, callID string) (classify.State, error) {
	session, err := m.GetSession(ctx, callID)
	if err != nil {
		return classify.Unknown, err
	}
	if session.Classification == "" {
		return classify.Unknown, nil
	}
	return session.Classification, nil
}

// GetUnexecutedActions returns unexecuted actions created at or after since,
// newest first.
func (m *Memory) GetUnexecutedActions(ctx context.Context, callID string, since time.Time) ([]Action, error) {
	if callID == "" {
		return nil, fmt.Errorf("call_id is required")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Action
	for _, action := range m.actions {
		if action.CallID != callID || action.Executed || action.CreatedAt.Before(since) {
			continue
		}
		out = append(out, *action)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CreateAction inserts a navigation action.
func (m *Memory) CreateAction(ctx context.Context, action *Action) error {
	if action == nil || action.ID == "" || action.CallID == "" {
		return fmt.Errorf("action with id and call_id is required")
	}
	if err := action.Kind.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.actions[action.ID]; exists {
		return fmt.Errorf("action %s already exists", action.ID)
	}
	copied := *action
	m.actions[action.ID] = &copied
	return nil
}

// MarkActionExecuted flips an action to executed exactly once.
func (m *Memory) MarkActionExecuted(ctx context.Context, actionID, errTag string) error {
	if actionID == "" {
		return fmt.Errorf("action_id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	action, ok := m.actions[actionID]
	if !ok {
		return fmt.Errorf("action %s is unknown", actionID)
	}
	if action.Executed {
		return nil
	}
	now := time.Now().UTC()
	action.Executed = true
	action.ExecutedAt = &now
	action.Error = errTag
	return nil
}

// ListStuckSessions returns non-terminal sessions initiated before the
// cutoff. Bridged sessions are excluded: the call reached the agent and is
// only waiting on its terminal signal.
func (m *Memory) ListStuckSessions(ctx context.Context, cutoff time.Time) ([]CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []CallSession
	for _, session := range m.sessions {
		if session.LifecycleState.Terminal() || session.LifecycleState == StateRetryPending ||
			session.LifecycleState == StateBridged {
			continue
		}
		if session.EndedAt == nil && session.InitiatedAt.Before(cutoff) {
			out = append(out, *cloneSession(session))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InitiatedAt.Before(out[j].InitiatedAt)
	})
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

// GetAction returns an action by id. Test helper.
func (m *Memory) GetAction(actionID string) (*Action, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	action, ok := m.actions[actionID]
	if !ok {
		return nil, false
	}
	copied := *action
	return &copied, true
}

// cloneSession copies a session row, including the metadata map, so callers
// cannot mutate stored state through a returned session.
func cloneSession(session *CallSession) *CallSession {
	copied := *session
	copied.Metadata = maps.Clone(session.Metadata)
	return &copied
}

func applyPatch(session *CallSession, patch Patch) {
	if patch.AttemptID != nil {
		session.AttemptID = *patch.AttemptID
	}
	if patch.ControlHandle != nil {
		session.ControlHandle = *patch.ControlHandle
	}
	if patch.LifecycleState != nil {
		session.LifecycleState = *patch.LifecycleState
	}
	if patch.Classification != nil {
		session.Classification = *patch.Classification
	}
	if patch.TransferCompleted != nil {
		session.TransferCompleted = *patch.TransferCompleted
	}
	if patch.AgentOutcome != nil {
		session.AgentOutcome = *patch.AgentOutcome
	}
	if patch.RetryCount != nil {
		session.RetryCount = *patch.RetryCount
	}
	if patch.NextAttemptAt != nil {
		session.NextAttemptAt = patch.NextAttemptAt
	}
	if patch.LastRetryAt != nil {
		session.LastRetryAt = patch.LastRetryAt
	}
	if patch.LastError != nil {
		session.LastError = *patch.LastError
	}
	if patch.InitiatedAt != nil {
		session.InitiatedAt = *patch.InitiatedAt
	}
	if patch.EndedAt != nil {
		session.EndedAt = patch.EndedAt
	}
}
