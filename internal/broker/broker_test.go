package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatcore/internal/models"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		event    models.EventType
		tier     Tier
		priority uint8
		key      string
	}{
		{models.EventSendMessage, TierHigh, 10, "event.high.sendMessage"},
		{models.EventCallRequest, TierHigh, 9, "event.high.callRequest"},
		{models.EventCallClose, TierHigh, 8, "event.high.callClose"},
		{models.EventDeleteMessage, TierMedium, 5, "event.medium.deleteMessage"},
		{models.EventJoinGroup, TierMedium, 5, "event.medium.joinGroup"},
		{models.EventTyping, TierLow, 1, "event.low.typing"},
		{models.EventPresence, TierLow, 2, "event.low.presence"},
	}
	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			tier, priority := Classify(tt.event)
			if tier != tt.tier || priority != tt.priority {
				t.Errorf("Classify(%s) = %s/%d, want %s/%d", tt.event, tier, priority, tt.tier, tt.priority)
			}
			if got := RoutingKey(tt.event); got != tt.key {
				t.Errorf("RoutingKey(%s) = %q, want %q", tt.event, got, tt.key)
			}
		})
	}
}

func TestRetryPolicy_Next(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BackoffUnit: time.Second}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for retries, d := range want {
		requeue, delay := p.Next(retries)
		if !requeue || delay != d {
			t.Errorf("Next(%d) = %v, %v; want true, %v", retries, requeue, delay, d)
		}
	}
	if requeue, _ := p.Next(3); requeue {
		t.Error("Next(3) should dead-letter")
	}
}

func TestQueueArgs(t *testing.T) {
	args := queueArgs(TierConfig{TTL: 30 * time.Second, Capacity: 100})
	require.Equal(t, int32(MaxPriority), args["x-max-priority"])
	require.Equal(t, int32(30000), args["x-message-ttl"])
	require.Equal(t, int32(100), args["x-max-length"])
	require.Equal(t, DeadLetterExchange, args["x-dead-letter-exchange"])
	require.Equal(t, "event.low.*", bindingKey(TierLow))
}

func newTestBroker(t *testing.T, opts Options) *MemoryBroker {
	t.Helper()
	if opts.Retry.BackoffUnit == 0 {
		opts.Retry.BackoffUnit = time.Millisecond
	}
	b := NewMemory(opts, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func consume(t *testing.T, b *MemoryBroker, queue string, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Consume(ctx, queue, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestMemoryBroker_RetryThenDeadLetterOnce(t *testing.T) {
	var archived atomic.Int32
	b := newTestBroker(t, Options{
		Retry: RetryPolicy{MaxRetries: 3},
		OnDeadLetter: func(context.Context, DeadLetter) {
			archived.Add(1)
		},
	})

	var calls atomic.Int32
	consume(t, b, TierHigh.Queue(), func(context.Context, models.QueuedEvent) error {
		calls.Add(1)
		return errors.New("boom")
	})

	require.NoError(t, b.Publish(context.Background(), models.QueuedEvent{Type: models.EventSendMessage, UserID: "alice"}))

	require.Eventually(t, func() bool { return len(b.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, int32(4), calls.Load())
	dead := b.DeadLetters()
	require.Len(t, dead, 1)
	require.Equal(t, "boom", dead[0].Reason)
	require.Equal(t, 3, dead[0].Event.Retries)
	require.Equal(t, int32(1), archived.Load())
}

func TestMemoryBroker_RecoversFromFailure(t *testing.T) {
	b := newTestBroker(t, Options{})

	var calls atomic.Int32
	handled := make(chan models.QueuedEvent, 1)
	consume(t, b, TierMedium.Queue(), func(_ context.Context, ev models.QueuedEvent) error {
		if calls.Add(1) == 1 {
			panic("first attempt")
		}
		handled <- ev
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), models.QueuedEvent{Type: models.EventDeleteMessage}))

	select {
	case ev := <-handled:
		require.Equal(t, 1, ev.Retries)
		require.Equal(t, uint8(5), ev.Priority)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not retried")
	}
	require.Empty(t, b.DeadLetters())
}

func TestMemoryBroker_LowTierFailuresDiscarded(t *testing.T) {
	b := newTestBroker(t, Options{})

	var calls atomic.Int32
	consume(t, b, TierLow.Queue(), func(context.Context, models.QueuedEvent) error {
		calls.Add(1)
		return errors.New("nobody listening")
	})

	require.NoError(t, b.Publish(context.Background(), models.QueuedEvent{Type: models.EventTyping}))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	require.Equal(t, int32(1), calls.Load())
	require.Empty(t, b.DeadLetters())
}

func TestMemoryBroker_PriorityOrder(t *testing.T) {
	b := newTestBroker(t, Options{Tiers: map[Tier]TierConfig{TierHigh: {Prefetch: 1}}})

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, models.QueuedEvent{ID: "close", Type: models.EventCallClose}))
	require.NoError(t, b.Publish(ctx, models.QueuedEvent{ID: "request", Type: models.EventCallRequest}))
	require.NoError(t, b.Publish(ctx, models.QueuedEvent{ID: "m1", Type: models.EventSendMessage}))
	require.NoError(t, b.Publish(ctx, models.QueuedEvent{ID: "m2", Type: models.EventSendMessage}))
	require.Equal(t, 4, b.Len(TierHigh.Queue()))

	var (
		mu    sync.Mutex
		order []string
	)
	consume(t, b, TierHigh.Queue(), func(_ context.Context, ev models.QueuedEvent) error {
		mu.Lock()
		order = append(order, ev.ID)
		mu.Unlock()
		return nil
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"m1", "m2", "request", "close"}, order)
}

func TestMemoryBroker_ExpiredEventsDeadLettered(t *testing.T) {
	b := newTestBroker(t, Options{})
	now := time.Now()
	b.now = func() time.Time { return now }

	require.NoError(t, b.Publish(context.Background(), models.QueuedEvent{Type: models.EventTyping}))
	b.now = func() time.Time { return now.Add(time.Minute) }

	var calls atomic.Int32
	consume(t, b, TierLow.Queue(), func(context.Context, models.QueuedEvent) error {
		calls.Add(1)
		return nil
	})

	require.Eventually(t, func() bool { return len(b.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "expired", b.DeadLetters()[0].Reason)
	require.Zero(t, calls.Load())
}

func TestMemoryBroker_Overflow(t *testing.T) {
	b := newTestBroker(t, Options{Tiers: map[Tier]TierConfig{TierMedium: {Capacity: 1}}})
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, models.QueuedEvent{Type: models.EventJoinGroup}))
	err := b.Publish(ctx, models.QueuedEvent{Type: models.EventJoinGroup})
	require.ErrorIs(t, err, models.ErrBrokerUnavailable)
	require.Len(t, b.DeadLetters(), 1)
}

func TestMemoryBroker_Closed(t *testing.T) {
	b := newTestBroker(t, Options{})
	require.True(t, b.HealthCheck(context.Background()))
	require.NoError(t, b.Close())
	require.False(t, b.HealthCheck(context.Background()))

	err := b.Publish(context.Background(), models.QueuedEvent{Type: models.EventSendMessage})
	require.ErrorIs(t, err, models.ErrBrokerUnavailable)
}

func TestMemoryBroker_CloseDuringRetry(t *testing.T) {
	b := NewMemory(Options{Retry: RetryPolicy{BackoffUnit: time.Hour}}, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		_ = b.Consume(context.Background(), TierHigh.Queue(), func(context.Context, models.QueuedEvent) error {
			if calls.Add(1) == 1 {
				close(started)
			}
			<-release
			return errors.New("boom")
		})
	}()

	require.NoError(t, b.Publish(context.Background(), models.QueuedEvent{Type: models.EventSendMessage}))
	<-started

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = b.Close()
	}()
	require.Eventually(t, func() bool { return !b.HealthCheck(context.Background()) }, time.Second, time.Millisecond)

	// the failing delivery finishes after Close and must not schedule a retry
	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	select {
	case <-consumed:
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return after Close")
	}
	require.Equal(t, int32(1), calls.Load())
	require.Empty(t, b.DeadLetters())
}

// flakyBroker fails the first Consume on every queue, like a dropped connection.
type flakyBroker struct {
	*MemoryBroker
	mu    sync.Mutex
	calls map[string]int
}

func (f *flakyBroker) Consume(ctx context.Context, queue string, h Handler) error {
	f.mu.Lock()
	f.calls[queue]++
	n := f.calls[queue]
	f.mu.Unlock()
	if n == 1 {
		return models.ErrBrokerUnavailable
	}
	return f.MemoryBroker.Consume(ctx, queue, h)
}

func (f *flakyBroker) consumeCalls(queue string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[queue]
}

func TestSupervise_RestartsFailedConsumer(t *testing.T) {
	b := &flakyBroker{MemoryBroker: newTestBroker(t, Options{}), calls: make(map[string]int)}

	handled := make(chan models.QueuedEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Supervise(ctx, b, TierHigh.Queue(), func(_ context.Context, ev models.QueuedEvent) error {
			handled <- ev
			return nil
		}, time.Millisecond, nil)
	}()

	require.NoError(t, b.Publish(context.Background(), models.QueuedEvent{ID: "m1", Type: models.EventSendMessage}))
	select {
	case ev := <-handled:
		require.Equal(t, "m1", ev.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer was not restarted")
	}
	require.Equal(t, 2, b.consumeCalls(TierHigh.Queue()))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Supervise did not return after cancellation")
	}
}

func TestSupervise_StopsWhileWaiting(t *testing.T) {
	b := &flakyBroker{MemoryBroker: newTestBroker(t, Options{}), calls: make(map[string]int)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Supervise(ctx, b, TierLow.Queue(), func(context.Context, models.QueuedEvent) error { return nil }, time.Hour, nil)
	}()

	require.Eventually(t, func() bool { return b.consumeCalls(TierLow.Queue()) == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Supervise did not return during backoff")
	}
}
