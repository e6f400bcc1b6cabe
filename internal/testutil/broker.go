package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quadtile/drover/internal/broker"
)

// Loopback is an in-memory Broker. Publishes route synchronously into
// per-queue channels; consumers drain them on their own goroutines. Direct
// exchanges route by key, fanout exchanges copy to every bound queue.
type Loopback struct {
	mu      sync.Mutex
	queues  map[string]*loopQueue
	direct  map[string]map[string][]*loopQueue // exchange → key → queues
	fanout  map[string][]*loopQueue            // exchange → queues
	nextAnon int
	closed  bool
	wg      sync.WaitGroup
}

type loopQueue struct {
	name string
	ch   chan broker.Delivery
}

// NewLoopback returns an empty in-memory broker.
func NewLoopback() *Loopback {
	return &Loopback{
		queues: make(map[string]*loopQueue),
		direct: make(map[string]map[string][]*loopQueue),
		fanout: make(map[string][]*loopQueue),
	}
}

var _ broker.Broker = (*Loopback)(nil)

// Publish routes the message to every matching queue. Unroutable messages
// are dropped, as a real broker would without mandatory publishing.
func (l *Loopback) Publish(_ context.Context, exchange, key string, pub broker.Publishing) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("loopback broker closed")
	}
	var targets []*loopQueue
	if keys, ok := l.direct[exchange]; ok {
		targets = append(targets, keys[key]...)
	}
	targets = append(targets, l.fanout[exchange]...)
	l.mu.Unlock()

	for _, q := range targets {
		body := append([]byte(nil), pub.Body...)
		q.ch <- broker.Delivery{
			Body:          body,
			CorrelationID: pub.CorrelationID,
			ReplyTo:       pub.ReplyTo,
			RoutingKey:    key,
		}
	}
	return nil
}

// Consume binds a queue per the spec and drains it until the context ends.
func (l *Loopback) Consume(ctx context.Context, spec broker.QueueSpec, fn broker.DeliveryFunc) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("loopback broker closed")
	}

	name := spec.Queue
	if name == "" {
		l.nextAnon++
		name = fmt.Sprintf("amq.gen-%d", l.nextAnon)
	}
	q, ok := l.queues[name]
	if !ok {
		q = &loopQueue{name: name, ch: make(chan broker.Delivery, 1024)}
		l.queues[name] = q
	}

	switch spec.ExchangeKind {
	case "fanout":
		l.fanout[spec.Exchange] = append(l.fanout[spec.Exchange], q)
	default:
		keys, ok := l.direct[spec.Exchange]
		if !ok {
			keys = make(map[string][]*loopQueue)
			l.direct[spec.Exchange] = keys
		}
		if !containsQueue(keys[spec.RoutingKey], q) {
			keys[spec.RoutingKey] = append(keys[spec.RoutingKey], q)
		}
	}
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-q.ch:
				fn(d)
			}
		}
	}()
	return nil
}

func containsQueue(queues []*loopQueue, q *loopQueue) bool {
	for _, existing := range queues {
		if existing == q {
			return true
		}
	}
	return false
}

// HasQueue reports whether a queue with the name has been bound. Tests
// starting consumers on their own goroutines poll it before publishing:
// unroutable messages are dropped.
func (l *Loopback) HasQueue(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.queues[name]
	return ok
}

// Running always reports true until Close.
func (l *Loopback) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// Close stops accepting publishes. Consumers stop with their contexts.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
