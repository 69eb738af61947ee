package outcome

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/store"
)

func TestSweepClassifiesStuckSessions(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	now := time.Now().UTC()

	stuck := &store.CallSession{
		CallID:         "stuck",
		AttemptID:      "attempt-1",
		LifecycleState: store.StateClassifying,
		Purpose:        store.PurposeConnect,
		MaxRetries:     3,
		CreatedAt:      now.Add(-time.Hour),
		InitiatedAt:    now.Add(-time.Hour),
	}
	require.NoError(t, m.CreateSession(ctx, stuck))

	fresh := &store.CallSession{
		CallID:         "fresh",
		AttemptID:      "attempt-2",
		LifecycleState: store.StateClassifying,
		Purpose:        store.PurposeConnect,
		MaxRetries:     3,
		CreatedAt:      now,
		InitiatedAt:    now,
	}
	require.NoError(t, m.CreateSession(ctx, fresh))

	classifier := newTestClassifier(t, m)
	sweeper, err := NewSweeper(SweepConfig{Interval: time.Minute, StuckAfter: 10 * time.Minute}, m, classifier, zap.NewNop())
	require.NoError(t, err)

	sweeper.Sweep(ctx)

	// The stuck session ran for an hour without a transfer: the classifier
	// sees a long failed attempt and schedules a retry.
	got, err := m.GetSession(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, store.StateRetryPending, got.LifecycleState)
	assert.Equal(t, 1, got.RetryCount)

	// The fresh session is untouched.
	got, err = m.GetSession(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, store.StateClassifying, got.LifecycleState)
	assert.Zero(t, got.RetryCount)
}

func TestSweepLeavesBridgedSessions(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	now := time.Now().UTC()

	// A call that handed off an hour ago and is still on the line with the
	// agent. Routine success, not a stuck call.
	bridged := &store.CallSession{
		CallID:            "bridged",
		AttemptID:         "attempt-1",
		LifecycleState:    store.StateBridged,
		Purpose:           store.PurposeConnect,
		TransferInitiated: true,
		TransferCompleted: true,
		MaxRetries:        3,
		CreatedAt:         now.Add(-time.Hour),
		InitiatedAt:       now.Add(-time.Hour),
	}
	require.NoError(t, m.CreateSession(ctx, bridged))

	classifier := newTestClassifier(t, m)
	sweeper, err := NewSweeper(SweepConfig{Interval: time.Minute, StuckAfter: 10 * time.Minute}, m, classifier, zap.NewNop())
	require.NoError(t, err)

	sweeper.Sweep(ctx)

	got, err := m.GetSession(ctx, "bridged")
	require.NoError(t, err)
	assert.Equal(t, store.StateBridged, got.LifecycleState)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.EndedAt)
}

func TestSweepCompletesFinishedHandoff(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	now := time.Now().UTC()

	// The handoff ran but the final state patch never landed.
	transferring := &store.CallSession{
		CallID:            "half-done",
		AttemptID:         "attempt-1",
		LifecycleState:    store.StateTransferring,
		Purpose:           store.PurposeConnect,
		TransferInitiated: true,
		TransferCompleted: true,
		MaxRetries:        3,
		CreatedAt:         now.Add(-time.Hour),
		InitiatedAt:       now.Add(-time.Hour),
	}
	require.NoError(t, m.CreateSession(ctx, transferring))

	classifier := newTestClassifier(t, m)
	sweeper, err := NewSweeper(SweepConfig{Interval: time.Minute, StuckAfter: 10 * time.Minute}, m, classifier, zap.NewNop())
	require.NoError(t, err)

	sweeper.Sweep(ctx)

	got, err := m.GetSession(ctx, "half-done")
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, got.LifecycleState)
	assert.Zero(t, got.RetryCount)
}

func TestSweepConfigValidate(t *testing.T) {
	cfg := DefaultSweepConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Interval = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultSweepConfig()
	cfg.StuckAfter = -time.Minute
	assert.Error(t, cfg.Validate())
}
