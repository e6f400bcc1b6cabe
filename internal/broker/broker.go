// Package broker adapts the message broker for the scheduler and its
// workers: request queues per routing key, the shared reply queue, and the
// fanout command exchange. Payloads are opaque octets; per-routing-key FIFO
// holds as long as a single publisher serializes its publishes, which this
// adapter does.
package broker

import "context"

// Topology names shared by the scheduler and every rpc-server.
const (
	// RPCExchange carries requests (direct) and replies (key "feedback").
	RPCExchange = "rpc_manager_exchange"
	// CmdExchange fans control commands out to every worker pool.
	CmdExchange = "rpc_manager_cmd_exchange"
	// ReplyQueue is the scheduler's reply mailbox.
	ReplyQueue = "reply-to-queue"
	// FeedbackKey binds the reply queue and names the reply_to property.
	FeedbackKey = "feedback"
	// CmdKey is the routing key commands are published under.
	CmdKey = "rpc_manager_cmd"

	queueSuffix = "_queue"
)

// QueueName returns the request queue name for a routing key.
func QueueName(routingKey string) string { return routingKey + queueSuffix }

// Publishing is an outgoing message.
type Publishing struct {
	Body          []byte
	CorrelationID string
	ReplyTo       string
}

// Delivery is an incoming message.
type Delivery struct {
	Body          []byte
	CorrelationID string
	ReplyTo       string
	RoutingKey    string
}

// DeliveryFunc handles one delivery; the return value acknowledges it.
// Ignored for auto-ack consumers.
type DeliveryFunc func(d Delivery) bool

// QueueSpec describes one consumer binding.
type QueueSpec struct {
	Exchange           string
	ExchangeKind       string // "direct" or "fanout"
	ExchangeAutoDelete bool
	Queue              string // empty means a server-named exclusive queue
	RoutingKey         string
	Prefetch           int
	AutoAck            bool
}

// RequestQueueSpec binds the request queue for one routing key. Prefetch 1:
// a worker holds at most one task.
func RequestQueueSpec(routingKey string) QueueSpec {
	return QueueSpec{
		Exchange:     RPCExchange,
		ExchangeKind: "direct",
		Queue:        QueueName(routingKey),
		RoutingKey:   routingKey,
		Prefetch:     1,
	}
}

// ReplyQueueSpec binds the scheduler's reply queue.
func ReplyQueueSpec() QueueSpec {
	return QueueSpec{
		Exchange:     RPCExchange,
		ExchangeKind: "direct",
		Queue:        ReplyQueue,
		RoutingKey:   FeedbackKey,
		AutoAck:      true,
	}
}

// CommandQueueSpec binds an anonymous queue to the command fanout. Every
// consumer sees every command.
func CommandQueueSpec() QueueSpec {
	return QueueSpec{
		Exchange:           CmdExchange,
		ExchangeKind:       "fanout",
		ExchangeAutoDelete: true,
		RoutingKey:         CmdKey,
		AutoAck:            true,
	}
}

// Broker is the transport seam between the scheduler, the worker pools and
// the tests' loopback substitute.
type Broker interface {
	// Publish sends one message and waits for the broker's confirm.
	Publish(ctx context.Context, exchange, key string, pub Publishing) error
	// Consume starts a consumer that survives reconnects; it stops when
	// the context is canceled. Returns after the consumer is running.
	Consume(ctx context.Context, spec QueueSpec, fn DeliveryFunc) error
	// Running reports whether the underlying connection is up.
	Running() bool
	// Close tears the connection down for good.
	Close() error
}
