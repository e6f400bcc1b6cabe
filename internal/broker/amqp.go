package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/quadtile/drover/internal/log"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("broker closed")

// ErrNotConnected is returned while a reconnect is in flight.
var ErrNotConnected = errors.New("broker not connected")

const defaultRedialDelay = 5 * time.Second

// AMQP is the production Broker over amqp091. One connection, one confirm
// channel for publishing, one channel per consumer. A dropped connection is
// redialed with a fixed delay; consumers re-declare their topology and
// resume on their own.
type AMQP struct {
	url         string
	redialDelay time.Duration
	logger      zerolog.Logger

	mu     sync.RWMutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool

	// pubMu serializes publishes so per-routing-key FIFO holds.
	pubMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures the AMQP broker.
type Option func(*AMQP)

// WithRedialDelay overrides the fixed reconnect delay.
func WithRedialDelay(d time.Duration) Option {
	return func(b *AMQP) { b.redialDelay = d }
}

// Dial connects and starts the reconnect supervisor.
func Dial(url string, opts ...Option) (*AMQP, error) {
	b := &AMQP{
		url:         url,
		redialDelay: defaultRedialDelay,
		logger:      log.WithComponent("broker"),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.connect(); err != nil {
		return nil, err
	}

	b.wg.Add(1)
	go b.supervise()
	return b, nil
}

func (b *AMQP) connect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.pubCh = ch
	b.mu.Unlock()

	b.logger.Info().Str("url", redactURL(b.url)).Msg("broker connected")
	return nil
}

// supervise redials whenever the connection drops, until Close.
func (b *AMQP) supervise() {
	defer b.wg.Done()
	for {
		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()
		if conn == nil {
			return
		}

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-b.done:
			return
		case amqpErr := <-closeCh:
			if amqpErr == nil {
				// Clean shutdown.
				return
			}
			b.logger.Warn().Err(amqpErr).Msg("broker connection lost")
		}

		for {
			select {
			case <-b.done:
				return
			case <-time.After(b.redialDelay):
			}
			if err := b.connect(); err != nil {
				b.logger.Error().Err(err).Dur("retry_in", b.redialDelay).Msg("broker redial failed")
				continue
			}
			break
		}
	}
}

// Publish sends one persistent-free message and waits for the confirm.
func (b *AMQP) Publish(ctx context.Context, exchange, key string, pub Publishing) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.RLock()
	ch, closed := b.pubCh, b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if ch == nil || ch.IsClosed() {
		return ErrNotConnected
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: pub.CorrelationID,
		ReplyTo:       pub.ReplyTo,
		Body:          pub.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", exchange, key, err)
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm publish to %s/%s: %w", exchange, key, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected publish to %s/%s", exchange, key)
	}
	return nil
}

// Consume starts a self-healing consumer goroutine for the spec.
func (b *AMQP) Consume(ctx context.Context, spec QueueSpec, fn DeliveryFunc) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	b.wg.Add(1)
	go b.consumeLoop(ctx, spec, fn)
	return nil
}

func (b *AMQP) consumeLoop(ctx context.Context, spec QueueSpec, fn DeliveryFunc) {
	defer b.wg.Done()
	logger := b.logger.With().Str("queue", spec.Queue).Str("key", spec.RoutingKey).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		default:
		}

		deliveries, err := b.openConsumer(ctx, spec)
		if err != nil {
			logger.Warn().Err(err).Dur("retry_in", b.redialDelay).Msg("consumer setup failed")
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-time.After(b.redialDelay):
				continue
			}
		}

		logger.Debug().Msg("consumer running")
		for delivery := range deliveries {
			d := Delivery{
				Body:          delivery.Body,
				CorrelationID: delivery.CorrelationId,
				ReplyTo:       delivery.ReplyTo,
				RoutingKey:    delivery.RoutingKey,
			}
			ack := fn(d)
			if spec.AutoAck {
				continue
			}
			if ack {
				if err := delivery.Ack(false); err != nil {
					logger.Warn().Err(err).Msg("ack failed")
				}
			} else if err := delivery.Nack(false, true); err != nil {
				logger.Warn().Err(err).Msg("nack failed")
			}
		}
		// Delivery channel closed: connection or channel dropped. Loop and
		// re-establish once the supervisor has redialed.
		logger.Warn().Msg("consumer stream closed")
	}
}

func (b *AMQP) openConsumer(ctx context.Context, spec QueueSpec) (<-chan amqp.Delivery, error) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(spec.Exchange, spec.ExchangeKind, false, spec.ExchangeAutoDelete, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", spec.Exchange, err)
	}

	// A named queue is shared; an unnamed one is private to this consumer.
	exclusive := spec.Queue == ""
	queue, err := ch.QueueDeclare(spec.Queue, false, exclusive, exclusive, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare queue %q: %w", spec.Queue, err)
	}
	if err := ch.QueueBind(queue.Name, spec.RoutingKey, spec.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to bind queue %s: %w", queue.Name, err)
	}
	if spec.Prefetch > 0 {
		if err := ch.Qos(spec.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue.Name, "", spec.AutoAck, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to start consumer on %s: %w", queue.Name, err)
	}
	return deliveries, nil
}

// Running reports whether the connection is currently up.
func (b *AMQP) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed && b.conn != nil && !b.conn.IsClosed()
}

// Close tears down the connection and stops all consumers.
func (b *AMQP) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.mu.Unlock()

	close(b.done)
	var err error
	if conn != nil {
		err = conn.Close()
	}
	b.wg.Wait()
	return err
}

// redactURL hides credentials in connection URLs for logging.
func redactURL(url string) string {
	at := -1
	scheme := -1
	for i := 0; i < len(url); i++ {
		if url[i] == '@' {
			at = i
		}
		if i+2 < len(url) && url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' && scheme == -1 {
			scheme = i + 3
		}
	}
	if at == -1 || scheme == -1 || at < scheme {
		return url
	}
	return url[:scheme] + "***" + url[at:]
}
