package broker

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatcore/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type item struct {
	ev      models.QueuedEvent
	seq     uint64
	expires time.Time
}

// itemHeap pops the highest priority first and keeps FIFO order within a priority.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].ev.Priority != h[j].ev.Priority {
		return h[i].ev.Priority > h[j].ev.Priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type memQueue struct {
	tier   Tier
	cfg    TierConfig
	mu     sync.Mutex
	items  itemHeap
	signal chan struct{}
}

func (q *memQueue) push(it *item) bool {
	q.mu.Lock()
	if len(q.items) >= q.cfg.Capacity {
		q.mu.Unlock()
		return false
	}
	heap.Push(&q.items, it)
	q.mu.Unlock()
	q.notify()
	return true
}

func (q *memQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *memQueue) pop(ctx context.Context, done <-chan struct{}) (*item, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := heap.Pop(&q.items).(*item)
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// pass the wakeup on to another idle worker
				q.notify()
			}
			return it, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, false
		case <-done:
			return nil, false
		}
	}
}

// MemoryBroker is an in-process Broker for single-node deployments and tests.
// It is not durable: queued events are lost on restart.
type MemoryBroker struct {
	opts   Options
	queues map[string]*memQueue
	seq    atomic.Uint64
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
	// lifecycle orders scheduling a retry against Close waiting for them
	lifecycle sync.Mutex
	now       func() time.Time
	log       *zap.Logger

	mu   sync.Mutex
	dead []DeadLetter
}

func NewMemory(opts Options, log *zap.Logger) *MemoryBroker {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	b := &MemoryBroker{
		opts:   opts,
		queues: make(map[string]*memQueue, len(Tiers)),
		done:   make(chan struct{}),
		now:    time.Now,
		log:    log.With(zap.String("component", "broker"), zap.String("broker", "memory")),
	}
	for _, t := range Tiers {
		b.queues[t.Queue()] = &memQueue{
			tier:   t,
			cfg:    opts.Tiers[t],
			signal: make(chan struct{}, 1),
		}
	}
	return b
}

func (b *MemoryBroker) Publish(ctx context.Context, ev models.QueuedEvent) error {
	if b.closed.Load() {
		return fmt.Errorf("%w: broker closed", models.ErrBrokerUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrBrokerUnavailable, err)
	}

	tier, priority := Classify(ev.Type)
	if ev.Priority == 0 {
		ev.Priority = priority
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.EnqueuedAt.IsZero() {
		ev.EnqueuedAt = b.now()
	}

	q := b.queues[tier.Queue()]
	if !q.push(b.newItem(q, ev)) {
		b.deadLetter(ctx, q, ev, "queue full")
		return fmt.Errorf("%w: %s is full", models.ErrBrokerUnavailable, q.tier.Queue())
	}
	return nil
}

func (b *MemoryBroker) newItem(q *memQueue, ev models.QueuedEvent) *item {
	return &item{
		ev:      ev,
		seq:     b.seq.Add(1),
		expires: b.now().Add(q.cfg.TTL),
	}
}

// Consume runs the tier's prefetch count of workers. Each worker handles its
// deliveries one at a time in the order it receives them.
func (b *MemoryBroker) Consume(ctx context.Context, queue string, h Handler) error {
	q, ok := b.queues[queue]
	if !ok {
		return fmt.Errorf("consume: unknown queue %q", queue)
	}

	g, ctx := errgroup.WithContext(ctx)
	for range q.cfg.Prefetch {
		g.Go(func() error {
			for {
				it, ok := q.pop(ctx, b.done)
				if !ok {
					return nil
				}
				b.deliver(ctx, q, h, it)
			}
		})
	}
	return g.Wait()
}

func (b *MemoryBroker) deliver(ctx context.Context, q *memQueue, h Handler, it *item) {
	ev := it.ev
	if !b.now().Before(it.expires) {
		b.deadLetter(ctx, q, ev, "expired")
		return
	}

	err := runHandler(ctx, h, ev)
	if err == nil {
		return
	}

	log := b.log.With(
		zap.String("queue", q.tier.Queue()),
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.Int("retries", ev.Retries),
		zap.Error(err),
	)
	if q.tier == TierLow {
		log.Debug("low priority event failed, discarded")
		return
	}

	requeue, delay := b.opts.Retry.Next(ev.Retries)
	if !requeue {
		b.deadLetter(ctx, q, ev, err.Error())
		return
	}
	ev.Retries++

	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.closed.Load() {
		log.Warn("broker closed, retry dropped")
		return
	}
	log.Warn("event failed, requeueing", zap.Duration("backoff", delay))
	b.wg.Go(func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-b.done:
			log.Warn("broker closed with a pending retry, event lost")
			return
		}
		if !q.push(b.newItem(q, ev)) {
			b.deadLetter(ctx, q, ev, "queue full")
		}
	})
}

func (b *MemoryBroker) deadLetter(ctx context.Context, q *memQueue, ev models.QueuedEvent, reason string) {
	dl := DeadLetter{
		Event:  ev,
		Queue:  q.tier.Queue(),
		Reason: reason,
		DeadAt: b.now(),
	}
	b.mu.Lock()
	b.dead = append(b.dead, dl)
	b.mu.Unlock()

	b.log.Warn("event dead-lettered",
		zap.String("queue", dl.Queue),
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.String("reason", reason),
	)
	if b.opts.OnDeadLetter != nil {
		b.opts.OnDeadLetter(context.WithoutCancel(ctx), dl)
	}
}

// DeadLetters returns a copy of the dead-letter queue.
func (b *MemoryBroker) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, len(b.dead))
	copy(out, b.dead)
	return out
}

// Len returns the number of events waiting in a queue.
func (b *MemoryBroker) Len(queue string) int {
	q, ok := b.queues[queue]
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (b *MemoryBroker) HealthCheck(context.Context) bool {
	return !b.closed.Load()
}

// Close stops all workers. Events still queued are dropped.
func (b *MemoryBroker) Close() error {
	b.lifecycle.Lock()
	if b.closed.Swap(true) {
		b.lifecycle.Unlock()
		return nil
	}
	close(b.done)
	b.lifecycle.Unlock()

	b.wg.Wait()
	return nil
}
