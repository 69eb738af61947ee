package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/classify"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/dispatch"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/handoff"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/outcome"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/store"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/telephony"
)

// fakeOps records provider calls; all calls succeed.
type fakeOps struct {
	mu           sync.Mutex
	streamStarts int
	streamStops  int
	transfers    int
	callActive   bool
}

func (f *fakeOps) Answer(ctx context.Context, handle string) error { return nil }

func (f *fakeOps) StartStream(ctx context.Context, handle, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamStarts++
	return nil
}

func (f *fakeOps) StopStream(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamStops++
	return nil
}

func (f *fakeOps) SendDTMF(ctx context.Context, handle, digits string) error { return nil }
func (f *fakeOps) Speak(ctx context.Context, handle, text string) error      { return nil }
func (f *fakeOps) Mute(ctx context.Context, handle string, muted bool) error { return nil }

func (f *fakeOps) Transfer(ctx context.Context, handle, dest string, md map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers++
	return nil
}

func (f *fakeOps) Bridge(ctx context.Context, a, b string) error { return nil }

func (f *fakeOps) GetCallState(ctx context.Context, handle string) (telephony.CallState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return telephony.CallState{Active: f.callActive}, nil
}

func (f *fakeOps) GetParticipant(ctx context.Context, conf, handle string) (telephony.Participant, error) {
	return telephony.Participant{ControlHandle: handle, Muted: true}, nil
}

func (f *fakeOps) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers
}

func (f *fakeOps) streamStopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamStops
}

func newTestSupervisor(t *testing.T, m *store.Memory, ops *fakeOps, mutate ...func(*Config)) *Supervisor {
	t.Helper()

	gate, err := classify.NewGate(m)
	require.NoError(t, err)

	dispatcher, err := dispatch.New(dispatch.Config{Interval: time.Millisecond, MaxPolls: 3}, m, ops, gate, zap.NewNop())
	require.NoError(t, err)

	handoffExec, err := handoff.NewExecutor(
		handoff.Config{Mode: handoff.ModeDirectTransfer, Destination: "sip:agent@example.com"},
		ops, zap.NewNop())
	require.NoError(t, err)

	outcomeCls, err := outcome.NewClassifier(outcome.DefaultConfig(), m, zap.NewNop())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.WatchInterval = time.Millisecond
	cfg.WatchMaxPolls = 3
	cfg.StreamTarget = "wss://pipeline.example/stream"
	for _, fn := range mutate {
		fn(&cfg)
	}

	sup, err := New(cfg, m, ops, gate, dispatcher, handoffExec, outcomeCls, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(sup.Shutdown)
	return sup
}

func initiated(callID string) Event {
	return Event{
		CallID:        callID,
		ControlHandle: "handle-" + callID,
		Kind:          EventCallInitiated,
		Metadata:      map[string]string{"customer_id": "cust-1"},
	}
}

func TestHandleCallInitiated(t *testing.T) {
	ctx := context.Background()

	t.Run("creates session with attempt identity", func(t *testing.T) {
		m := store.NewMemory()
		sup := newTestSupervisor(t, m, &fakeOps{})

		require.NoError(t, sup.HandleEvent(ctx, initiated("c1")))

		got, err := m.GetSession(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, store.StateInitiated, got.LifecycleState)
		assert.NotEmpty(t, got.AttemptID)
		assert.Equal(t, "handle-c1", got.ControlHandle)
		assert.Equal(t, store.PurposeConnect, got.Purpose)
		assert.Equal(t, 3, got.MaxRetries)
	})

	t.Run("classify purpose from metadata", func(t *testing.T) {
		m := store.NewMemory()
		sup := newTestSupervisor(t, m, &fakeOps{})

		ev := initiated("c1")
		ev.Metadata["purpose"] = "classify"
		require.NoError(t, sup.HandleEvent(ctx, ev))

		got, err := m.GetSession(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, store.PurposeClassify, got.Purpose)
	})

	t.Run("reused call id re-arms retry_pending session", func(t *testing.T) {
		m := store.NewMemory()
		sup := newTestSupervisor(t, m, &fakeOps{})

		require.NoError(t, sup.HandleEvent(ctx, initiated("c1")))
		first, err := m.GetSession(ctx, "c1")
		require.NoError(t, err)

		// The attempt ends incomplete and the provider redials with the
		// same call id.
		old := time.Now().UTC().Add(-time.Hour)
		state := store.StateRetryPending
		count := 1
		require.NoError(t, m.UpdateSession(ctx, "c1", store.Patch{
			LifecycleState: &state,
			RetryCount:     &count,
			InitiatedAt:    &old,
		}))

		ev := initiated("c1")
		ev.ControlHandle = "handle-next"
		require.NoError(t, sup.HandleEvent(ctx, ev))

		got, err := m.GetSession(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, store.StateInitiated, got.LifecycleState)
		assert.Equal(t, "handle-next", got.ControlHandle)
		assert.True(t, got.InitiatedAt.After(old))
		// Retry bookkeeping survives re-arming, but the attempt identity
		// is fresh.
		assert.Equal(t, 1, got.RetryCount)
		assert.NotEqual(t, first.AttemptID, got.AttemptID)
	})

	t.Run("terminal session ignores re-initiation", func(t *testing.T) {
		m := store.NewMemory()
		sup := newTestSupervisor(t, m, &fakeOps{})

		require.NoError(t, sup.HandleEvent(ctx, initiated("c1")))
		state := store.StateFailed
		require.NoError(t, m.UpdateSession(ctx, "c1", store.Patch{LifecycleState: &state}))

		require.NoError(t, sup.HandleEvent(ctx, initiated("c1")))
		got, err := m.GetSession(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, store.StateFailed, got.LifecycleState)
	})
}

func TestHandleCallAnswered(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ops := &fakeOps{}
	sup := newTestSupervisor(t, m, ops)

	require.NoError(t, sup.HandleEvent(ctx, initiated("c1")))
	require.NoError(t, sup.HandleEvent(ctx, Event{CallID: "c1", Kind: EventCallAnswered}))

	assert.Equal(t, 1, ops.streamStarts)
	// State moves on stream-started confirmation, not on the request.
	got, err := m.GetSession(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StateInitiated, got.LifecycleState)
}

func TestHandleStreamStartedBeginsWatch(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ops := &fakeOps{}
	sup := newTestSupervisor(t, m, ops)

	require.NoError(t, sup.HandleEvent(ctx, initiated("c1")))
	require.NoError(t, sup.HandleEvent(ctx, Event{CallID: "c1", Kind: EventStreamStarted}))

	got, err := m.GetSession(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StateClassifying, got.LifecycleState)
	assert.True(t, sup.Registry().Active("c1"))
}

func TestWatchHandsOffWhenHumanDetected(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ops := &fakeOps{callActive: true}
	sup := newTestSupervisor(t, m, ops)

	require.NoError(t, sup.HandleEvent(ctx, initiated("c1")))
	cls := classify.Human
	require.NoError(t, m.UpdateSession(ctx, "c1", store.Patch{Classification: &cls}))

	require.NoError(t, sup.HandleEvent(ctx, Event{CallID: "c1", Kind: EventStreamStarted}))

	require.Eventually(t, func() bool {
		got, err := m.GetSession(ctx, "c1")
		return err == nil && got.TransferInitiated
	}, time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool { return ops.transferCount() == 1 },
		time.Second, 2*time.Millisecond)

	got, err := m.GetSession(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, got.LifecycleState)
	assert.True(t, got.TransferCompleted)
	assert.False(t, sup.Registry().Active("c1"))
}

func TestWatchStartsDispatcherForIVR(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ops := &fakeOps{}
	sup := newTestSupervisor(t, m, ops)

	require.NoError(t, sup.HandleEvent(ctx, initiated("c1")))
	cls := classify.IVROnly
	require.NoError(t, m.UpdateSession(ctx, "c1", store.Patch{Classification: &cls}))

	require.NoError(t, sup.HandleEvent(ctx, Event{CallID: "c1", Kind: EventStreamStarted}))

	require.Eventually(t, func() bool {
		got, err := m.GetSession(ctx, "c1")
		return err == nil && got.LifecycleState == store.StateNavigating
	}, time.Second, 2*time.Millisecond)
}

func TestWatchBudgetHangUpFallback(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ops := &fakeOps{}
	sup := newTestSupervisor(t, m, ops, func(cfg *Config) { cfg.Fallback = FallbackHangUp })

	require.NoError(t, sup.HandleEvent(ctx, initiated("c1")))
	require.NoError(t, sup.HandleEvent(ctx, Event{CallID: "c1", Kind: EventStreamStarted}))

	// Classification never resolves; the budget exhausts and the call is
	// hung up and failed.
	require.Eventually(t, func() bool {
		got, err := m.GetSession(ctx, "c1")
		return err == nil && got.LifecycleState == store.StateFailed
	}, time.Second, 2*time.Millisecond)

	assert.Equal(t, 1, ops.streamStopCount())
	assert.False(t, sup.Registry().Active("c1"))

	got, err := m.GetSession(ctx, "c1")
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "unresolved")
	assert.NotNil(t, got.EndedAt)
}

func TestExactlyOneHandoffUnderDuplicateSignals(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ops := &fakeOps{callActive: true}
	sup := newTestSupervisor(t, m, ops)

	require.NoError(t, sup.HandleEvent(ctx, initiated("c1")))
	cls := classify.IVRThenHuman
	require.NoError(t, m.UpdateSession(ctx, "c1", store.Patch{Classification: &cls}))

	// Many concurrent deliveries of the human-reachable signal race the
	// compare-and-set. Only one may transfer.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.initiateTransfer(ctx, "c1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ops.transferCount())

	got, err := m.GetSession(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.TransferInitiated)
	assert.Equal(t, store.StateCompleted, got.LifecycleState)
}

func TestHandoffFailureFailsSession(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	// Leg already dead: handoff returns call_already_ended.
	ops := &fakeOps{callActive: false}
	sup := newTestSupervisor(t, m, ops)

	require.NoError(t, sup.HandleEvent(ctx, initiated("c1")))
	sup.initiateTransfer(ctx, "c1")

	got, err := m.GetSession(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, got.LifecycleState)
	assert.Contains(t, got.LastError, "call_already_ended")
	assert.NotNil(t, got.EndedAt)
	assert.Zero(t, ops.transferCount())
}

func TestHandleCallTerminal(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ops := &fakeOps{}
	sup := newTestSupervisor(t, m, ops)

	require.NoError(t, sup.HandleEvent(ctx, initiated("c1")))
	require.NoError(t, sup.HandleEvent(ctx, Event{
		CallID:   "c1",
		Kind:     EventCallTerminal,
		Status:   outcome.StatusBusy,
		Duration: time.Second,
	}))

	got, err := m.GetSession(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StateRetryPending, got.LifecycleState)
	assert.NotNil(t, got.EndedAt)
	assert.False(t, sup.Registry().Active("c1"))
}

func TestHandleDialResult(t *testing.T) {
	ctx := context.Background()

	t.Run("answered dial hands off directly", func(t *testing.T) {
		m := store.NewMemory()
		ops := &fakeOps{callActive: true}
		sup := newTestSupervisor(t, m, ops)

		require.NoError(t, sup.HandleEvent(ctx, initiated("c1")))
		require.NoError(t, sup.HandleEvent(ctx, Event{CallID: "c1", Kind: EventDialResult, Status: "answered"}))

		assert.Equal(t, 1, ops.transferCount())
		got, err := m.GetSession(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, got.TransferInitiated)
	})

	t.Run("unanswered dial is terminal", func(t *testing.T) {
		m := store.NewMemory()
		sup := newTestSupervisor(t, m, &fakeOps{})

		require.NoError(t, sup.HandleEvent(ctx, initiated("c1")))
		require.NoError(t, sup.HandleEvent(ctx, Event{CallID: "c1", Kind: EventDialResult, Status: outcome.StatusNoAnswer}))

		got, err := m.GetSession(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, store.StateRetryPending, got.LifecycleState)
	})
}

func TestEventValidate(t *testing.T) {
	assert.Error(t, Event{Kind: EventCallInitiated}.Validate())
	assert.Error(t, Event{CallID: "c1", Kind: "coffee-break"}.Validate())
	assert.NoError(t, Event{CallID: "c1", Kind: EventCallTerminal}.Validate())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	ctx, ok := r.Start(context.Background(), "c1")
	require.True(t, ok)
	require.NotNil(t, ctx)
	assert.True(t, r.Active("c1"))

	_, ok = r.Start(context.Background(), "c1")
	assert.False(t, ok)

	assert.True(t, r.Stop("c1"))
	assert.False(t, r.Active("c1"))
	assert.False(t, r.Stop("c1"))

	select {
	case <-ctx.Done():
	default:
		t.Fatal("stop must cancel the per-call context")
	}

	_, ok = r.Start(context.Background(), "c2")
	require.True(t, ok)
	r.StopAll()
	assert.False(t, r.Active("c2"))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(store.StateInitiated, store.StateStreaming))
	assert.True(t, canTransition(store.StateClassifying, store.StateNavigating))
	assert.True(t, canTransition(store.StateNavigating, store.StateTransferring))
	assert.True(t, canTransition(store.StateRetryPending, store.StateInitiated))
	assert.True(t, canTransition(store.StateClassifying, store.StateClassifying))

	assert.False(t, canTransition(store.StateCompleted, store.StateInitiated))
	assert.False(t, canTransition(store.StateFailed, store.StateStreaming))
	assert.False(t, canTransition(store.StateNavigating, store.StateClassifying))
	assert.False(t, canTransition(store.StateBridged, store.StateNavigating))
}
