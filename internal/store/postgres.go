package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/classify"
)

const sessionColumns = `call_id, attempt_id, control_handle, lifecycle_state, classification,
	transfer_initiated, transfer_completed, purpose, agent_outcome,
	retry_count, max_retries, next_attempt_at, last_retry_at, last_error,
	created_at, initiated_at, ended_at, metadata`

// Postgres is the production Store backed by the call_sessions and
// call_actions tables.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects a pool and verifies it with a ping.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("store dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// GetSession fetches a session by call identifier.
func (p *Postgres) GetSession(ctx context.Context, callID string) (*CallSession, error) {
	if callID == "" {
		return nil, fmt.Errorf("call_id is required")
	}

	row := p.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE call_id = $1`, callID)
	return scanSession(row)
}

// CreateSession inserts a new session row.
func (p *Postgres) CreateSession(ctx context.Context, session *CallSession) error {
	if session == nil || session.CallID == "" {
		return fmt.Errorf("session with call_id is required")
	}
	if err := session.LifecycleState.Validate(); err != nil {
		return err
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO call_sessions (`+sessionColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		session.CallID, session.AttemptID, session.ControlHandle,
		string(session.LifecycleState), string(session.Classification),
		session.TransferInitiated, session.TransferCompleted,
		string(session.Purpose), session.AgentOutcome,
		session.RetryCount, session.MaxRetries,
		session.NextAttemptAt, session.LastRetryAt, session.LastError,
		session.CreatedAt, session.InitiatedAt, session.EndedAt, session.Metadata,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create session %s: %w", session.CallID, err)
	}
	return nil
}

// UpdateSession applies a partial update; only fields set on the patch are
// written, so each component's owned fields never clobber another's.
func (p *Postgres) UpdateSession(ctx context.Context, callID string, patch Patch) error {
	if callID == "" {
		return fmt.Errorf("call_id is required")
	}
	if patch.Empty() {
		return nil
	}

	sets := make([]string, 0, 8)
	args := make([]any, 0, 8)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.AttemptID != nil {
		add("attempt_id", *patch.AttemptID)
	}
	if patch.ControlHandle != nil {
		add("control_handle", *patch.ControlHandle)
	}
	if patch.LifecycleState != nil {
		add("lifecycle_state", string(*patch.LifecycleState))
	}
	if patch.Classification != nil {
		add("classification", string(*patch.Classification))
	}
	if patch.TransferCompleted != nil {
		add("transfer_completed", *patch.TransferCompleted)
	}
	if patch.AgentOutcome != nil {
		add("agent_outcome", *patch.AgentOutcome)
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}
	if patch.NextAttemptAt != nil {
		add("next_attempt_at", *patch.NextAttemptAt)
	}
	if patch.LastRetryAt != nil {
		add("last_retry_at", *patch.LastRetryAt)
	}
	if patch.LastError != nil {
		add("last_error", *patch.LastError)
	}
	if patch.InitiatedAt != nil {
		add("initiated_at", *patch.InitiatedAt)
	}
	if patch.EndedAt != nil {
		add("ended_at", *patch.EndedAt)
	}

	args = append(args, callID)
	query := fmt.Sprintf("UPDATE call_sessions SET %s WHERE call_id = $%d",
		strings.Join(sets, ", "), len(args))

	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSetTransferInitiated flips transfer_initiated false -> true in a
// single statement; rows-affected tells the caller whether it won.
func (p *Postgres) CompareAndSetTransferInitiated(ctx context.Context, callID string) (bool, error) {
	if callID == "" {
		return false, fmt.Errorf("call_id is required")
	}

	tag, err := p.pool.Exec(ctx,
		`UPDATE call_sessions SET transfer_initiated = TRUE
		 WHERE call_id = $1 AND transfer_initiated = FALSE`, callID)
	if err != nil {
		return false, fmt.Errorf("failed to set transfer_initiated for %s: %w", callID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Distinguish "lost the race" from "no such session".
	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM call_sessions WHERE call_id = $1)`, callID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check session %s: %w", callID, err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// Classification returns the stored classification for a call.
func (p *Postgres) Classification(ctx context.Context, callID string) (classify.State, error) {
	if callID == "" {
		return classify.Unknown, fmt.Errorf("call_id is required")
	}

	var raw string
	err := p.pool.QueryRow(ctx,
		`SELECT classification FROM call_sessions WHERE call_id = $1`, callID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return classify.Unknown, ErrNotFound
	}
	if err != nil {
		return classify.Unknown, fmt.Errorf("failed to read classification for %s: %w", callID, err)
	}
	if raw == "" {
		return classify.Unknown, nil
	}
	return classify.State(raw), nil
}

// GetUnexecutedActions returns unexecuted actions created at or after since,
// newest first.
func (p *Postgres) GetUnexecutedActions(ctx context.Context, callID string, since time.Time) ([]Action, error) {
	if callID == "" {
		return nil, fmt.Errorf("call_id is required")
	}

	rows, err := p.pool.Query(ctx,
		`SELECT id, call_id, kind, value, executed, executed_at, error, created_at
		 FROM call_actions
		 WHERE call_id = $1 AND executed = FALSE AND created_at >= $2
		 ORDER BY created_at DESC`, callID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions for %s: %w", callID, err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var a Action
		var kind string
		if err := rows.Scan(&a.ID, &a.CallID, &kind, &a.Value,
			&a.Executed, &a.ExecutedAt, &a.Error, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		a.Kind = ActionKind(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateAction inserts a navigation action.
func (p *Postgres) CreateAction(ctx context.Context, action *Action) error {
	if action == nil || action.ID == "" || action.CallID == "" {
		return fmt.Errorf("action with id and call_id is required")
	}
	if err := action.Kind.Validate(); err != nil {
		return err
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO call_actions (id, call_id, kind, value, executed, created_at)
		 VALUES ($1,$2,$3,$4,FALSE,$5)`,
		action.ID, action.CallID, string(action.Kind), action.Value, action.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create action %s: %w", action.ID, err)
	}
	return nil
}

// MarkActionExecuted flips an action to executed exactly once; an already
// executed action is left untouched.
func (p *Postgres) MarkActionExecuted(ctx context.Context, actionID, errTag string) error {
	if actionID == "" {
		return fmt.Errorf("action_id is required")
	}

	_, err := p.pool.Exec(ctx,
		`UPDATE call_actions SET executed = TRUE, executed_at = NOW(), error = $2
		 WHERE id = $1 AND executed = FALSE`, actionID, errTag)
	if err != nil {
		return fmt.Errorf("failed to mark action %s executed: %w", actionID, err)
	}
	return nil
}

// ListStuckSessions returns non-terminal sessions initiated before the cutoff
// that never received a terminal signal. Bridged sessions are excluded: the
// call reached the agent and is only waiting on its terminal signal.
func (p *Postgres) ListStuckSessions(ctx context.Context, cutoff time.Time) ([]CallSession, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions
		 WHERE lifecycle_state NOT IN ('completed','failed','retry_pending','bridged')
		   AND ended_at IS NULL AND initiated_at < $1
		 ORDER BY initiated_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck sessions: %w", err)
	}
	defer rows.Close()

	var out []CallSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *session)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*CallSession, error) {
	var s CallSession
	var state, classification, purpose string
	err := row.Scan(
		&s.CallID, &s.AttemptID, &s.ControlHandle, &state, &classification,
		&s.TransferInitiated, &s.TransferCompleted, &purpose, &s.AgentOutcome,
		&s.RetryCount, &s.MaxRetries, &s.NextAttemptAt, &s.LastRetryAt, &s.LastError,
		&s.CreatedAt, &s.InitiatedAt, &s.EndedAt, &s.Metadata,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	s.LifecycleState = LifecycleState(state)
	s.Classification = classify.State(classification)
	s.Purpose = Purpose(purpose)
	return &s, nil
}
