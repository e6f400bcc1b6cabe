package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quadtile/drover/internal/log"
	"github.com/quadtile/drover/internal/metrics"
	"github.com/quadtile/drover/internal/wire"
)

const (
	// DefaultFlushSize is how many completed events accumulate before a
	// flush to the store.
	DefaultFlushSize = 100
	// DefaultBackfillCount is the history page served to a new subscriber.
	DefaultBackfillCount = 100
	// subscriberBuffer is each observer's channel capacity; live events
	// beyond it are dropped for that observer, never queued.
	subscriberBuffer = 256

	flushTimeout = 10 * time.Second
)

// Hub fans events out to subscribed observers and persists the completed
// ones. Active subjects (running tasks, pending close requests) keep their
// latest document in memory and are replayed in full whenever an observer
// attaches.
type Hub struct {
	store  Store
	logger zerolog.Logger

	flushSize     int
	backfillCount int

	mu          sync.Mutex
	subs        map[int]chan Event
	nextSub     int
	active      map[string]Event
	activeOrder []string
	pending     []Event
	closed      bool
}

// Option configures the hub.
type Option func(*Hub)

// WithFlushSize overrides the completed-event batch size.
func WithFlushSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.flushSize = n
		}
	}
}

// WithBackfillCount overrides the history page size served on attach.
func WithBackfillCount(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.backfillCount = n
		}
	}
}

// NewHub builds a hub over the given store. store may be nil, in which
// case completed events are dropped after fan-out; tests use that.
func NewHub(store Store, opts ...Option) *Hub {
	h := &Hub{
		store:         store,
		logger:        log.WithComponent("events"),
		flushSize:     DefaultFlushSize,
		backfillCount: DefaultBackfillCount,
		subs:          make(map[int]chan Event),
		active:        make(map[string]Event),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe attaches an observer: it first receives the full set of active
// documents, then one history page from the store, then live events. The
// returned cancel detaches it; the channel is closed afterwards.
func (h *Hub) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, fmt.Errorf("event hub closed")
	}
	replay := make([]Event, 0, len(h.activeOrder))
	for _, key := range h.activeOrder {
		replay = append(replay, h.active[key])
	}
	h.mu.Unlock()

	var history []Event
	if h.store != nil {
		page, err := h.store.LoadPage(ctx, h.backfillCount, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load event history: %w", err)
		}
		history = page
	}

	ch := make(chan Event, subscriberBuffer)
	for _, e := range replay {
		if !send(ch, e) {
			break
		}
	}
	for _, e := range history {
		if !send(ch, e) {
			break
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return nil, nil, fmt.Errorf("event hub closed")
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.mu.Unlock()
	metrics.EventSubscribers.Inc()

	cancel := func() {
		h.mu.Lock()
		sub, ok := h.subs[id]
		if ok {
			delete(h.subs, id)
		}
		h.mu.Unlock()
		if ok {
			close(sub)
			metrics.EventSubscribers.Dec()
		}
	}
	return ch, cancel, nil
}

// Publish records the latest document for a subject and fans it out.
// subject keys the in-memory active set (task uuid, close-request uuid).
// A completed publish retires the subject and queues the event for the
// store; plain messages should publish completed with a fresh subject.
func (h *Hub) Publish(subject string, e Event, completed bool) {
	if e.Created.IsZero() {
		e.Created = time.Now()
	}

	var flush []Event
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if completed {
		if _, ok := h.active[subject]; ok {
			delete(h.active, subject)
			h.activeOrder = removeKey(h.activeOrder, subject)
		}
		h.pending = append(h.pending, e)
		if len(h.pending) >= h.flushSize {
			flush = h.pending
			h.pending = nil
		}
	} else {
		if _, ok := h.active[subject]; !ok {
			h.activeOrder = append(h.activeOrder, subject)
		}
		h.active[subject] = e
	}
	for _, ch := range h.subs {
		send(ch, e)
	}
	h.mu.Unlock()

	if flush != nil {
		h.flush(flush)
	}
}

// Message publishes a plain severity-tagged message. Those are complete
// the moment they exist.
func (h *Hub) Message(username, severity, message string) {
	body, err := json.Marshal(map[string]string{
		"severity": severity,
		"message":  message,
	})
	if err != nil {
		return
	}
	status := wire.TaskCompleted
	if severity == "error" {
		status = wire.TaskFailed
	}
	h.Publish("msg:"+message, Event{
		Type:     TypeEvent,
		Username: username,
		Status:   status,
		Data:     body,
	}, true)
}

// Error publishes an error-severity message.
func (h *Hub) Error(username, message string) {
	h.logger.Error().Str("username", username).Msg(message)
	h.Message(username, "error", message)
}

// Info publishes an info-severity message.
func (h *Hub) Info(username, message string) {
	h.Message(username, "info", message)
}

// Flush writes every queued completed event to the store.
func (h *Hub) Flush(ctx context.Context) error {
	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()
	if len(batch) == 0 || h.store == nil {
		return nil
	}
	if err := h.store.SaveBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to flush %d events: %w", len(batch), err)
	}
	metrics.EventsFlushed.Add(float64(len(batch)))
	return nil
}

// Close flushes the queue and detaches every observer.
func (h *Hub) Close(ctx context.Context) error {
	err := h.Flush(ctx)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return err
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[int]chan Event)
	h.mu.Unlock()

	for _, ch := range subs {
		close(ch)
		metrics.EventSubscribers.Dec()
	}
	return err
}

func (h *Hub) flush(batch []Event) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := h.store.SaveBatch(ctx, batch); err != nil {
		h.logger.Error().Err(err).Int("count", len(batch)).Msg("failed to flush events")
		return
	}
	metrics.EventsFlushed.Add(float64(len(batch)))
}

// send delivers without ever blocking; a full observer misses the event.
func send(ch chan Event, e Event) bool {
	select {
	case ch <- e:
		return true
	default:
		return false
	}
}

func removeKey(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}
