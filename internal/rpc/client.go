package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quadtile/drover/internal/broker"
	"github.com/quadtile/drover/internal/log"
	"github.com/quadtile/drover/internal/metrics"
	"github.com/quadtile/drover/internal/wire"
)

// commandTimeout bounds control command publishes issued outside a task
// driver, such as the defensive terminate for unaccounted replies.
const commandTimeout = 5 * time.Second

// systemUsername signs commands the scheduler issues on its own behalf.
const systemUsername = "scheduler"

// ErrorKind classifies reply dispatch failures.
type ErrorKind string

const (
	ErrorDecode    ErrorKind = "json-decode"
	ErrorValidate  ErrorKind = "validation"
	ErrorUnknownID ErrorKind = "unknown-id"
)

// ErrorCallback observes reply dispatch failures, e.g. to surface them on
// the event feed.
type ErrorCallback func(kind ErrorKind, requestID string, err error)

// Client publishes requests and commands and dispatches the shared reply
// stream into per-request mailboxes.
type Client struct {
	broker  broker.Broker
	reg     *registry
	known   map[string]struct{}
	logger  zerolog.Logger
	onError ErrorCallback
}

// Option configures the client.
type Option func(*Client)

// WithErrorCallback installs the dispatch failure observer.
func WithErrorCallback(cb ErrorCallback) Option {
	return func(c *Client) { c.onError = cb }
}

// NewClient starts the reply consumer and returns the client. knownKeys
// are the routing keys requests may address; anything else is refused
// without touching the wire.
func NewClient(ctx context.Context, b broker.Broker, knownKeys []string, opts ...Option) (*Client, error) {
	c := &Client{
		broker: b,
		reg:    newRegistry(),
		known:  make(map[string]struct{}, len(knownKeys)),
		logger: log.WithComponent("rpc"),
	}
	for _, key := range knownKeys {
		c.known[key] = struct{}{}
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := b.Consume(ctx, broker.ReplyQueueSpec(), c.handleReply); err != nil {
		return nil, fmt.Errorf("failed to start reply consumer: %w", err)
	}
	return c, nil
}

// Request publishes input to the routing key's queue under a fresh
// correlation id and registers it for replies. An unknown key yields an
// already-failed record with the zero uuid; so does a failed publish,
// with the uuid it would have had.
func (c *Client) Request(ctx context.Context, routingKey string, input wire.TaskInput) *RPCData {
	if _, ok := c.known[routingKey]; !ok {
		c.logger.Error().Str("routing_key", routingKey).Msg("request for unknown routing key")
		return FailedRPCData(routingKey, fmt.Sprintf("Unknown routing key %q", routingKey))
	}
	body, err := json.Marshal(input)
	if err != nil {
		return FailedRPCData(routingKey, fmt.Sprintf("Failed to encode task input: %v", err))
	}

	data := newRPCData(routingKey)
	requestID := data.RequestID().String()
	// Registered before the publish so an immediate reply cannot race the
	// registration.
	c.reg.register(requestID, data.Mailbox())

	pub := broker.Publishing{
		Body:          body,
		CorrelationID: requestID,
		ReplyTo:       broker.FeedbackKey,
	}
	if err := c.broker.Publish(ctx, broker.RPCExchange, routingKey, pub); err != nil {
		c.reg.drop(requestID)
		c.logger.Error().Err(err).Str("routing_key", routingKey).Str("request_id", requestID).
			Msg("failed to publish request")
		data.MarkFailed(fmt.Sprintf("Failed to publish request: %v", err))
		return data
	}
	metrics.RPCRequests.WithLabelValues(routingKey).Inc()
	c.logger.Debug().Str("routing_key", routingKey).Str("request_id", requestID).Msg("request published")
	return data
}

// Close fans out a stop order for the request: cooperative close, or
// forced termination of the worker process when terminate is set.
func (c *Client) Close(ctx context.Context, requestID, username string, terminate bool) error {
	cmd := wire.CloseTask(requestID, username)
	if terminate {
		cmd = wire.TerminateTask(requestID, username)
	}
	return c.publishCommand(ctx, cmd)
}

// NotifyClosed fans out that the request's cancellation is resolved and
// parked close requests for it can be forgotten.
func (c *Client) NotifyClosed(ctx context.Context, requestID string) error {
	return c.publishCommand(ctx, wire.NotifyTaskClosed(requestID))
}

// Drop forgets a finished request. Late replies for it are ignored for
// the cache TTL instead of being treated as stray traffic.
func (c *Client) Drop(requestID string) {
	c.reg.drop(requestID)
}

func (c *Client) publishCommand(ctx context.Context, cmd wire.Command) error {
	body, err := cmd.Encode()
	if err != nil {
		return err
	}
	if err := c.broker.Publish(ctx, broker.CmdExchange, broker.CmdKey, broker.Publishing{Body: body}); err != nil {
		return fmt.Errorf("failed to publish %s command: %w", cmd.Cmd, err)
	}
	metrics.CommandsPublished.WithLabelValues(cmd.Cmd.String()).Inc()
	return nil
}

func (c *Client) handleReply(d broker.Delivery) bool {
	reply, err := wire.DecodeReply(d.Body)
	if err != nil {
		kind := ErrorValidate
		if !json.Valid(d.Body) {
			kind = ErrorDecode
		}
		c.dispatchError(kind, d.CorrelationID, err)
		return true
	}

	switch c.reg.route(reply) {
	case routeOK:
		metrics.RPCReplies.WithLabelValues(reply.Status.String()).Inc()
	case routeDropped:
		c.logger.Debug().Str("request_id", reply.RequestID).Msg("late reply for dropped request")
	case routeUnknown:
		c.dispatchError(ErrorUnknownID, reply.RequestID,
			fmt.Errorf("no pending request %s", reply.RequestID))
	}
	return true
}

// dispatchError reports a reply that could not be delivered and terminates
// its sender: a worker still grinding on a request nobody tracks holds a
// queue slot for nothing.
func (c *Client) dispatchError(kind ErrorKind, requestID string, err error) {
	metrics.RPCErrors.WithLabelValues(string(kind)).Inc()
	c.logger.Error().Err(err).Str("kind", string(kind)).Str("request_id", requestID).
		Msg("reply dispatch failed")
	if c.onError != nil {
		c.onError(kind, requestID, err)
	}
	if requestID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := c.Close(ctx, requestID, systemUsername, true); err != nil {
		c.logger.Error().Err(err).Str("request_id", requestID).Msg("failed to terminate stray request")
	}
}
