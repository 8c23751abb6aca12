// Package broker moves queued events from the gateway to the processor over
// three priority tiers and a dead-letter queue.
package broker

import (
	"context"
	"fmt"
	"time"

	"chatcore/internal/models"

	"go.uber.org/zap"
)

type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

const (
	Exchange           = "chat.events"
	DeadLetterExchange = "chat.events.dlx"
	DeadLetterQueue    = "chat.events.dead"

	MaxPriority        = 10
	DefaultMaxRetries  = 3
	DefaultBackoffUnit = time.Second
)

// Tiers lists the tiers in the order their consumers are started.
var Tiers = []Tier{TierHigh, TierMedium, TierLow}

// Queue is the queue name of a tier.
func (t Tier) Queue() string { return "chat.events." + string(t) }

// TierConfig holds the per-tier delivery settings.
type TierConfig struct {
	Prefetch int
	TTL      time.Duration
	Capacity int
}

// DefaultTierConfig keeps the high tier narrow so each worker sees its
// deliveries in order, and lets the perishable low tier go wide.
func DefaultTierConfig() map[Tier]TierConfig {
	return map[Tier]TierConfig{
		TierHigh:   {Prefetch: 5, TTL: 5 * time.Minute, Capacity: 10000},
		TierMedium: {Prefetch: 20, TTL: 30 * time.Minute, Capacity: 10000},
		TierLow:    {Prefetch: 50, TTL: 30 * time.Second, Capacity: 1000},
	}
}

// Classify returns the tier and priority weight of an event type.
func Classify(t models.EventType) (Tier, uint8) {
	switch t {
	case models.EventSendMessage, models.EventCallAnswer, models.EventCallRefuse:
		return TierHigh, 10
	case models.EventCallRequest:
		return TierHigh, 9
	case models.EventCallClose:
		return TierHigh, 8
	case models.EventDeleteMessage, models.EventUpdateMessage, models.EventMessageRead,
		models.EventJoinGroup, models.EventLeaveGroup:
		return TierMedium, 5
	case models.EventPresence:
		return TierLow, 2
	case models.EventTyping:
		return TierLow, 1
	}
	return TierMedium, 5
}

// RoutingKey is "event.<tier>.<type>", so exchange bindings never change.
func RoutingKey(t models.EventType) string {
	tier, _ := Classify(t)
	return fmt.Sprintf("event.%s.%s", tier, t)
}

// Handler performs the effect of one event. A returned error triggers the
// retry policy.
type Handler func(ctx context.Context, ev models.QueuedEvent) error

// Broker is the contract shared by the in-memory and AMQP implementations.
type Broker interface {
	// Publish returns a nil error once the broker has accepted the event.
	Publish(ctx context.Context, ev models.QueuedEvent) error
	// Consume runs workers on the queue until ctx is done.
	Consume(ctx context.Context, queue string, h Handler) error
	HealthCheck(ctx context.Context) bool
	Close() error
}

// DeadLetter is an event that exhausted its retries, expired or overflowed.
type DeadLetter struct {
	Event  models.QueuedEvent `json:"event"`
	Queue  string             `json:"queue"`
	Reason string             `json:"reason"`
	DeadAt time.Time          `json:"deadAt"`
}

// DeadLetterFunc observes every event routed to the dead-letter queue.
type DeadLetterFunc func(ctx context.Context, dl DeadLetter)

type RetryPolicy struct {
	MaxRetries  int
	BackoffUnit time.Duration
}

// Next decides what happens to a delivery that failed after retries earlier
// retries: requeue after 2^(retries+1) units, or dead-letter.
func (p RetryPolicy) Next(retries int) (bool, time.Duration) {
	if retries >= p.MaxRetries {
		return false, 0
	}
	return true, p.BackoffUnit << (retries + 1)
}

type Options struct {
	Tiers        map[Tier]TierConfig
	Retry        RetryPolicy
	OnDeadLetter DeadLetterFunc
}

func (o Options) withDefaults() Options {
	def := DefaultTierConfig()
	if o.Tiers == nil {
		o.Tiers = def
	}
	for _, t := range Tiers {
		c, ok := o.Tiers[t]
		if !ok {
			c = def[t]
		}
		if c.Prefetch <= 0 {
			c.Prefetch = def[t].Prefetch
		}
		if c.TTL <= 0 {
			c.TTL = def[t].TTL
		}
		if c.Capacity <= 0 {
			c.Capacity = def[t].Capacity
		}
		o.Tiers[t] = c
	}
	if o.Retry.MaxRetries < 0 {
		o.Retry.MaxRetries = 0
	} else if o.Retry.MaxRetries == 0 {
		o.Retry.MaxRetries = DefaultMaxRetries
	}
	if o.Retry.BackoffUnit <= 0 {
		o.Retry.BackoffUnit = DefaultBackoffUnit
	}
	return o
}

func tierOf(queue string) (Tier, error) {
	for _, t := range Tiers {
		if t.Queue() == queue {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown queue %q", queue)
}

// runHandler turns a handler panic into an error so one bad event cannot
// take down its worker.
func runHandler(ctx context.Context, h Handler, ev models.QueuedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

const maxSuperviseBackoff = 30 * time.Second

// Supervise keeps a consumer on queue running until ctx is done. When Consume
// returns, typically because the broker connection dropped, it is started
// again after a backoff that doubles up to 30s and resets once a consumer
// has stayed up that long.
func Supervise(ctx context.Context, b Broker, queue string, h Handler, backoff time.Duration, log *zap.Logger) {
	if backoff <= 0 {
		backoff = DefaultBackoffUnit
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "broker"), zap.String("queue", queue))

	delay := backoff
	for {
		started := time.Now()
		err := b.Consume(ctx, queue, h)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > maxSuperviseBackoff {
			delay = backoff
		}
		log.Warn("consumer stopped, restarting", zap.Duration("backoff", delay), zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		delay = min(delay*2, maxSuperviseBackoff)
	}
}
