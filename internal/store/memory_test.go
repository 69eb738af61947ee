package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/classify"
)

func newSession(callID string) *CallSession {
	now := time.Now().UTC()
	return &CallSession{
		CallID:         callID,
		AttemptID:      "attempt-" + callID,
		ControlHandle:  "handle-" + callID,
		LifecycleState: StateInitiated,
		Classification: classify.Unknown,
		Purpose:        PurposeConnect,
		MaxRetries:     3,
		CreatedAt:      now,
		InitiatedAt:    now,
	}
}

func TestMemorySessions(t *testing.T) {
	ctx := context.Background()

	t.Run("create and get round-trip", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.CreateSession(ctx, newSession("c1")))

		got, err := m.GetSession(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "c1", got.CallID)
		assert.Equal(t, StateInitiated, got.LifecycleState)
	})

	t.Run("create duplicate returns ErrAlreadyExists", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.CreateSession(ctx, newSession("c1")))
		assert.ErrorIs(t, m.CreateSession(ctx, newSession("c1")), ErrAlreadyExists)
	})

	t.Run("get unknown returns ErrNotFound", func(t *testing.T) {
		m := NewMemory()
		_, err := m.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("returned session is a copy", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.CreateSession(ctx, newSession("c1")))

		got, err := m.GetSession(ctx, "c1")
		require.NoError(t, err)
		got.LifecycleState = StateFailed

		again, err := m.GetSession(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, StateInitiated, again.LifecycleState)
	})

	t.Run("metadata does not alias stored state", func(t *testing.T) {
		m := NewMemory()
		session := newSession("c1")
		session.Metadata = map[string]string{"customer_id": "cust-1"}
		require.NoError(t, m.CreateSession(ctx, session))

		// Neither the caller's original map nor a returned copy may reach
		// the stored row.
		session.Metadata["customer_id"] = "mangled"
		got, err := m.GetSession(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "cust-1", got.Metadata["customer_id"])

		got.Metadata["customer_id"] = "mangled"
		again, err := m.GetSession(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "cust-1", again.Metadata["customer_id"])
	})
}

func TestMemoryUpdateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("patch writes only set fields", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.CreateSession(ctx, newSession("c1")))

		state := StateNavigating
		cls := classify.IVROnly
		require.NoError(t, m.UpdateSession(ctx, "c1", Patch{
			LifecycleState: &state,
			Classification: &cls,
		}))

		got, err := m.GetSession(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, StateNavigating, got.LifecycleState)
		assert.Equal(t, classify.IVROnly, got.Classification)
		assert.Equal(t, "handle-c1", got.ControlHandle)
		assert.Equal(t, 3, got.MaxRetries)
	})

	t.Run("empty patch is a no-op", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.CreateSession(ctx, newSession("c1")))
		assert.NoError(t, m.UpdateSession(ctx, "c1", Patch{}))
	})

	t.Run("unknown call returns ErrNotFound", func(t *testing.T) {
		m := NewMemory()
		state := StateFailed
		assert.ErrorIs(t, m.UpdateSession(ctx, "missing", Patch{LifecycleState: &state}), ErrNotFound)
	})

	t.Run("concurrent patches to disjoint fields both land", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.CreateSession(ctx, newSession("c1")))

		var wg sync.WaitGroup
		state := StateClassifying
		cls := classify.Human
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.UpdateSession(ctx, "c1", Patch{LifecycleState: &state})
		}()
		go func() {
			defer wg.Done()
			_ = m.UpdateSession(ctx, "c1", Patch{Classification: &cls})
		}()
		wg.Wait()

		got, err := m.GetSession(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, StateClassifying, got.LifecycleState)
		assert.Equal(t, classify.Human, got.Classification)
	})
}

func TestMemoryCompareAndSetTransferInitiated(t *testing.T) {
	ctx := context.Background()

	t.Run("first caller wins, second loses", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.CreateSession(ctx, newSession("c1")))

		won, err := m.CompareAndSetTransferInitiated(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, won)

		won, err = m.CompareAndSetTransferInitiated(ctx, "c1")
		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("exactly one winner under concurrency", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.CreateSession(ctx, newSession("c1")))

		const racers = 16
		wins := make(chan bool, racers)
		var wg sync.WaitGroup
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				won, err := m.CompareAndSetTransferInitiated(ctx, "c1")
				require.NoError(t, err)
				wins <- won
			}()
		}
		wg.Wait()
		close(wins)

		winners := 0
		for won := range wins {
			if won {
				winners++
			}
		}
		assert.Equal(t, 1, winners)
	})

	t.Run("unknown call returns ErrNotFound", func(t *testing.T) {
		m := NewMemory()
		_, err := m.CompareAndSetTransferInitiated(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryActions(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC()

	mkAction := func(id string, createdAt time.Time) *Action {
		return &Action{
			ID:        id,
			CallID:    "c1",
			Kind:      ActionDTMF,
			Value:     "1",
			CreatedAt: createdAt,
		}
	}

	t.Run("unexecuted queue is newest first", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.CreateAction(ctx, mkAction("a-old", base.Add(-time.Minute))))
		require.NoError(t, m.CreateAction(ctx, mkAction("a-new", base)))
		require.NoError(t, m.CreateAction(ctx, mkAction("a-mid", base.Add(-30*time.Second))))

		actions, err := m.GetUnexecutedActions(ctx, "c1", time.Time{})
		require.NoError(t, err)
		require.Len(t, actions, 3)
		assert.Equal(t, "a-new", actions[0].ID)
		assert.Equal(t, "a-mid", actions[1].ID)
		assert.Equal(t, "a-old", actions[2].ID)
	})

	t.Run("since filter excludes older actions", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.CreateAction(ctx, mkAction("a-old", base.Add(-time.Minute))))
		require.NoError(t, m.CreateAction(ctx, mkAction("a-new", base)))

		actions, err := m.GetUnexecutedActions(ctx, "c1", base.Add(-time.Second))
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, "a-new", actions[0].ID)
	})

	t.Run("executed actions leave the queue", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.CreateAction(ctx, mkAction("a1", base)))
		require.NoError(t, m.MarkActionExecuted(ctx, "a1", ""))

		actions, err := m.GetUnexecutedActions(ctx, "c1", time.Time{})
		require.NoError(t, err)
		assert.Empty(t, actions)

		got, ok := m.GetAction("a1")
		require.True(t, ok)
		assert.True(t, got.Executed)
		assert.NotNil(t, got.ExecutedAt)
	})

	t.Run("marking executed twice keeps the first record", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.CreateAction(ctx, mkAction("a1", base)))
		require.NoError(t, m.MarkActionExecuted(ctx, "a1", "provider timeout"))
		require.NoError(t, m.MarkActionExecuted(ctx, "a1", ""))

		got, ok := m.GetAction("a1")
		require.True(t, ok)
		assert.Equal(t, "provider timeout", got.Error)
	})

	t.Run("invalid kind is rejected", func(t *testing.T) {
		m := NewMemory()
		err := m.CreateAction(ctx, &Action{ID: "a1", CallID: "c1", Kind: "email", CreatedAt: base})
		assert.Error(t, err)
	})
}

func TestMemoryListStuckSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	m := NewMemory()

	stuck := newSession("stuck")
	stuck.InitiatedAt = now.Add(-time.Hour)
	require.NoError(t, m.CreateSession(ctx, stuck))

	fresh := newSession("fresh")
	require.NoError(t, m.CreateSession(ctx, fresh))

	done := newSession("done")
	done.InitiatedAt = now.Add(-time.Hour)
	done.LifecycleState = StateCompleted
	require.NoError(t, m.CreateSession(ctx, done))

	waiting := newSession("waiting")
	waiting.InitiatedAt = now.Add(-time.Hour)
	waiting.LifecycleState = StateRetryPending
	require.NoError(t, m.CreateSession(ctx, waiting))

	// Handed off an hour ago and still on with the agent; not stuck.
	talking := newSession("talking")
	talking.InitiatedAt = now.Add(-time.Hour)
	talking.LifecycleState = StateBridged
	talking.TransferInitiated = true
	talking.TransferCompleted = true
	require.NoError(t, m.CreateSession(ctx, talking))

	got, err := m.ListStuckSessions(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stuck", got[0].CallID)
}

func TestMemoryClassification(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	session := newSession("c1")
	session.Classification = ""
	require.NoError(t, m.CreateSession(ctx, session))

	state, err := m.Classification(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, classify.Unknown, state)

	cls := classify.IVRThenHuman
	require.NoError(t, m.UpdateSession(ctx, "c1", Patch{Classification: &cls}))

	state, err = m.Classification(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, classify.IVRThenHuman, state)
}
