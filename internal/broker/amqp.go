package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chatcore/internal/models"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	retryHeader = "x-retry"

	dialTimeout         = 5 * time.Second
	heartbeat           = 10 * time.Second
	maxReconnectBackoff = 30 * time.Second
)

// AMQPBroker is the durable Broker on RabbitMQ. Events are published to a
// topic exchange and bound to one priority queue per tier. Every queue
// dead-letters into a fanout exchange feeding the dead-letter queue.
//
// A lost connection is redialed in the background and the topology is
// declared again; consumers pick the new connection up when they restart.
type AMQPBroker struct {
	url  string
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pub    *amqp.Channel
	closed bool
}

// DialAMQP connects and declares the topology.
func DialAMQP(url string, opts Options, log *zap.Logger) (*AMQPBroker, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &AMQPBroker{
		url:  url,
		opts: opts.withDefaults(),
		log:  log.With(zap.String("component", "broker"), zap.String("broker", "amqp")),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.ensure(); err != nil {
		return nil, err
	}
	return b, nil
}

// ensure returns a live publish channel. It redials and declares the
// topology when the connection or the channel is gone. b.mu must be held.
func (b *AMQPBroker) ensure() (*amqp.Channel, error) {
	if b.closed {
		return nil, fmt.Errorf("%w: broker closed", models.ErrBrokerUnavailable)
	}
	if b.pub != nil && !b.pub.IsClosed() {
		return b.pub, nil
	}

	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.DialConfig(b.url, amqp.Config{
			Dial:      amqp.DefaultDial(dialTimeout),
			Heartbeat: heartbeat,
			Locale:    "en_US",
		})
		if err != nil {
			return nil, fmt.Errorf("%w: dial: %v", models.ErrBrokerUnavailable, err)
		}
		b.conn = conn
		go b.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: channel: %v", models.ErrBrokerUnavailable, err)
	}
	if err := b.declare(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: confirm mode: %v", models.ErrBrokerUnavailable, err)
	}
	b.pub = ch
	return ch, nil
}

// watch redials after the connection drops. A graceful close ends it.
func (b *AMQPBroker) watch(closes <-chan *amqp.Error) {
	cause, ok := <-closes
	if !ok {
		return
	}
	b.log.Error("connection lost", zap.Error(cause))

	delay := b.opts.Retry.BackoffUnit
	for {
		b.mu.Lock()
		closed := b.closed
		var err error
		if !closed {
			_, err = b.ensure()
		}
		b.mu.Unlock()

		switch {
		case closed:
			return
		case err == nil:
			b.log.Info("reconnected")
			return
		}
		b.log.Warn("reconnect failed", zap.Duration("backoff", delay), zap.Error(err))
		time.Sleep(delay)
		delay = min(delay*2, maxReconnectBackoff)
	}
}

// queueArgs declares the priority range, message TTL, length limit and
// dead-letter target of a tier queue.
func queueArgs(cfg TierConfig) amqp.Table {
	return amqp.Table{
		"x-max-priority":         int32(MaxPriority),
		"x-message-ttl":          int32(cfg.TTL / time.Millisecond),
		"x-max-length":           int32(cfg.Capacity),
		"x-overflow":             "reject-publish-dlx",
		"x-dead-letter-exchange": DeadLetterExchange,
	}
}

// bindingKey matches every event type of a tier.
func bindingKey(t Tier) string {
	return "event." + string(t) + ".*"
}

func (b *AMQPBroker) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare exchange: %v", models.ErrBrokerUnavailable, err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare dead-letter exchange: %v", models.ErrBrokerUnavailable, err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare %s: %v", models.ErrBrokerUnavailable, DeadLetterQueue, err)
	}
	if err := ch.QueueBind(DeadLetterQueue, "", DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("%w: bind %s: %v", models.ErrBrokerUnavailable, DeadLetterQueue, err)
	}
	for _, t := range Tiers {
		if _, err := ch.QueueDeclare(t.Queue(), true, false, false, false, queueArgs(b.opts.Tiers[t])); err != nil {
			return fmt.Errorf("%w: declare %s: %v", models.ErrBrokerUnavailable, t.Queue(), err)
		}
		if err := ch.QueueBind(t.Queue(), bindingKey(t), Exchange, false, nil); err != nil {
			return fmt.Errorf("%w: bind %s: %v", models.ErrBrokerUnavailable, t.Queue(), err)
		}
	}
	return nil
}

func (b *AMQPBroker) publishing(ev models.QueuedEvent) (amqp.Publishing, error) {
	_, priority := Classify(ev.Type)
	if ev.Priority == 0 {
		ev.Priority = priority
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.EnqueuedAt.IsZero() {
		ev.EnqueuedAt = time.Now()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event: %w", err)
	}
	return amqp.Publishing{
		Headers:      amqp.Table{retryHeader: int32(ev.Retries)},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     ev.Priority,
		MessageId:    ev.ID,
		Timestamp:    ev.EnqueuedAt,
		Type:         string(ev.Type),
		Body:         body,
	}, nil
}

// Publish waits for the broker's confirm, so a nil error means the event is
// durably queued.
func (b *AMQPBroker) Publish(ctx context.Context, ev models.QueuedEvent) error {
	msg, err := b.publishing(ev)
	if err != nil {
		return err
	}

	b.mu.Lock()
	pub, err := b.ensure()
	if err != nil {
		b.mu.Unlock()
		return err
	}
	conf, err := pub.PublishWithDeferredConfirmWithContext(ctx, Exchange, RoutingKey(ev.Type), false, false, msg)
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: publish: %v", models.ErrBrokerUnavailable, err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: confirm: %v", models.ErrBrokerUnavailable, err)
	}
	if !acked {
		return fmt.Errorf("%w: publish rejected", models.ErrBrokerUnavailable)
	}
	return nil
}

// consumeChannel opens a channel on the live connection for one consumer.
func (b *AMQPBroker) consumeChannel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.ensure(); err != nil {
		return nil, err
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: channel: %v", models.ErrBrokerUnavailable, err)
	}
	return ch, nil
}

// Consume opens a channel limited to the tier's prefetch and runs that many
// workers over its deliveries. It returns ErrBrokerUnavailable when the
// channel is lost; Supervise restarts it on a fresh connection.
func (b *AMQPBroker) Consume(ctx context.Context, queue string, h Handler) error {
	tier, err := tierOf(queue)
	if err != nil {
		return err
	}
	cfg := b.opts.Tiers[tier]

	ch, err := b.consumeChannel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("%w: qos: %v", models.ErrBrokerUnavailable, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("%w: consume %s: %v", models.ErrBrokerUnavailable, queue, err)
	}

	republish := func(ctx context.Context, ev models.QueuedEvent) error {
		msg, err := b.publishing(ev)
		if err != nil {
			return err
		}
		return ch.PublishWithContext(ctx, Exchange, RoutingKey(ev.Type), false, false, msg)
	}

	log := b.log.With(zap.String("queue", queue))
	g, ctx := errgroup.WithContext(ctx)
	for range cfg.Prefetch {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return fmt.Errorf("%w: %s deliveries closed", models.ErrBrokerUnavailable, queue)
					}
					b.settle(ctx, tier, h, d, d.Body, d.Headers, republish, log)
				}
			}
		})
	}
	return g.Wait()
}

// acknowledger settles one delivery. amqp.Delivery satisfies it.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type republishFunc func(ctx context.Context, ev models.QueuedEvent) error

func retriesOf(headers amqp.Table) int {
	switch n := headers[retryHeader].(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	}
	return 0
}

// settle runs the handler on one delivery and acks, retries or dead-letters it.
// A retry is a republish carrying the incremented x-retry header, since a
// requeued delivery cannot carry a counter.
func (b *AMQPBroker) settle(ctx context.Context, tier Tier, h Handler, d acknowledger, body []byte, headers amqp.Table, republish republishFunc, log *zap.Logger) {
	var ev models.QueuedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Error("undecodable delivery, dead-lettering", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	ev.Retries = retriesOf(headers)

	err := runHandler(ctx, h, ev)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	log = log.With(
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.Int("retries", ev.Retries),
		zap.Error(err),
	)
	if tier == TierLow {
		log.Debug("low priority event failed, discarded")
		_ = d.Ack(false)
		return
	}

	requeue, delay := b.opts.Retry.Next(ev.Retries)
	if !requeue {
		b.toDeadLetter(ctx, d, ev, tier, err.Error())
		return
	}

	log.Warn("event failed, requeueing", zap.Duration("backoff", delay))
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		// unacked deliveries return to the queue when the channel closes
		_ = d.Nack(false, true)
		return
	}

	ev.Retries++
	if err := republish(ctx, ev); err != nil {
		log.Error("requeue failed, returning delivery", zap.Error(err))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (b *AMQPBroker) toDeadLetter(ctx context.Context, d acknowledger, ev models.QueuedEvent, tier Tier, reason string) {
	_ = d.Nack(false, false)
	b.log.Warn("event dead-lettered",
		zap.String("queue", tier.Queue()),
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.String("reason", reason),
	)
	if b.opts.OnDeadLetter != nil {
		b.opts.OnDeadLetter(context.WithoutCancel(ctx), DeadLetter{
			Event:  ev,
			Queue:  tier.Queue(),
			Reason: reason,
			DeadAt: time.Now(),
		})
	}
}

func (b *AMQPBroker) HealthCheck(context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && !b.conn.IsClosed()
}

func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.pub != nil {
		_ = b.pub.Close()
	}
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
