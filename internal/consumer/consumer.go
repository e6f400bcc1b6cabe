// Package consumer holds the process-global table of task consumers an
// rpc-server can host, keyed by routing key, together with the contracts a
// consumer implements (Handler) and is driven through (Responder).
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quadtile/drover/internal/wire"
)

// DefaultHeartbeat is the reporting interval consumers are expected to
// beat; the scheduler fails a step that stays silent longer.
const DefaultHeartbeat = 5 * time.Second

// ErrNoReply tells the worker host that the consumer produced its own
// reply traffic and no terminal reply must be synthesized for the run.
var ErrNoReply = errors.New("consumer handled its own reply")

// Responder is the consumer's view of the worker host during one run.
type Responder interface {
	// PublishProgress reports partial completion, progress in percent.
	PublishProgress(progress float64, message string) error
	// PublishMessage reports an intermediate message without moving the
	// progress.
	PublishMessage(message string) error
	// NotifyCompleted ends the run successfully. At most one terminal
	// notification takes effect per run.
	NotifyCompleted(message string) error
	// NotifyFailed ends the run with an error message.
	NotifyFailed(message string) error
	// PublishRaw sends bytes as-is where a reply would go. Protocol
	// probes use it; regular consumers never should.
	PublishRaw(body []byte) error
	// CloseRequested reports whether the user asked to stop the task;
	// cooperative consumers poll it between work chunks.
	CloseRequested() bool
}

// Handler runs one task. The same instance is reused for every delivery a
// worker process picks up, so per-process state (run counters) lives on it.
type Handler interface {
	Run(ctx context.Context, input wire.TaskInput, r Responder) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, input wire.TaskInput, r Responder) error

func (f HandlerFunc) Run(ctx context.Context, input wire.TaskInput, r Responder) error {
	return f(ctx, input, r)
}

// Descriptor describes one hostable consumer.
type Descriptor struct {
	// Factory builds the handler instance for a worker process.
	Factory func() Handler
	// HeartbeatTimeout is how long the scheduler waits between reports
	// for this key; zero means the configured default.
	HeartbeatTimeout time.Duration
	// RaiseOnClose makes the host cancel the run context when a close
	// is requested instead of waiting for a cooperative poll.
	RaiseOnClose bool
	// ValidateInput rejects bad payloads before the handler runs; nil
	// accepts everything.
	ValidateInput func(input wire.TaskInput) error
}

var (
	regMu    sync.RWMutex
	registry = make(map[string]Descriptor)
)

// Register adds a consumer under its routing key. Registering a key twice
// is an error: two definitions for one queue means a wiring bug.
func Register(routingKey string, d Descriptor) error {
	if routingKey == "" {
		return errors.New("empty routing key")
	}
	if d.Factory == nil {
		return fmt.Errorf("consumer %q has no factory", routingKey)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, ok := registry[routingKey]; ok {
		return fmt.Errorf("consumer %q already registered", routingKey)
	}
	registry[routingKey] = d
	return nil
}

// MustRegister is Register for init-time wiring.
func MustRegister(routingKey string, d Descriptor) {
	if err := Register(routingKey, d); err != nil {
		panic(err)
	}
}

// Lookup returns the descriptor for a routing key.
func Lookup(routingKey string) (Descriptor, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	d, ok := registry[routingKey]
	return d, ok
}

// Keys lists every registered routing key, sorted.
func Keys() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HeartbeatFor returns the reporting timeout for a key, falling back for
// unregistered keys and descriptors that left it zero.
func HeartbeatFor(routingKey string, fallback time.Duration) time.Duration {
	if d, ok := Lookup(routingKey); ok && d.HeartbeatTimeout > 0 {
		return d.HeartbeatTimeout
	}
	return fallback
}
