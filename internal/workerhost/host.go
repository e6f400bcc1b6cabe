// Package workerhost runs one consumer inside a worker process: it drains
// the consumer's request queue one task at a time, answers on the reply
// route, and keeps the supervisor informed over the command channel.
package workerhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/quadtile/drover/internal/broker"
	"github.com/quadtile/drover/internal/cmdchan"
	"github.com/quadtile/drover/internal/consumer"
	"github.com/quadtile/drover/internal/log"
	"github.com/quadtile/drover/internal/wire"
)

// Host wires one registered consumer to its queue and command channel.
type Host struct {
	routingKey string
	instance   int
	broker     broker.Broker
	cmd        cmdchan.Handler
	desc       consumer.Descriptor
	handler    consumer.Handler
	logger     zerolog.Logger

	baseCtx context.Context
}

// New builds the host for a routing key. The key must be registered.
func New(routingKey string, instance int, b broker.Broker, cmd cmdchan.Handler) (*Host, error) {
	desc, ok := consumer.Lookup(routingKey)
	if !ok {
		return nil, fmt.Errorf("no consumer registered for %q", routingKey)
	}
	return &Host{
		routingKey: routingKey,
		instance:   instance,
		broker:     b,
		cmd:        cmd,
		desc:       desc,
		handler:    desc.Factory(),
		logger:     log.WithWorker(routingKey, instance),
	}, nil
}

// Run consumes the request queue until the context ends. Prefetch is one:
// the host holds at most a single task.
func (h *Host) Run(ctx context.Context) error {
	h.baseCtx = ctx
	if err := h.broker.Consume(ctx, broker.RequestQueueSpec(h.routingKey), h.handleDelivery); err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", broker.QueueName(h.routingKey), err)
	}
	h.logger.Info().Msg("worker host started")
	<-ctx.Done()
	h.logger.Info().Msg("worker host stopped")
	return nil
}

func (h *Host) handleDelivery(d broker.Delivery) bool {
	corrID := d.CorrelationID
	if corrID == "" {
		h.logger.Error().Msg("delivery without correlation id dropped")
		return true
	}
	logger := h.logger.With().Str("request_id", corrID).Logger()
	rsp := &responder{broker: h.broker, corrID: corrID, cmd: h.cmd, logger: logger}

	var input wire.TaskInput
	if err := json.Unmarshal(d.Body, &input); err != nil {
		logger.Error().Err(err).Msg("undecodable task input")
		h.notifyFailed(rsp, fmt.Sprintf("Invalid task input: %v", err), logger)
		return true
	}
	if h.desc.ValidateInput != nil {
		if err := h.desc.ValidateInput(input); err != nil {
			logger.Error().Err(err).Msg("task input rejected")
			h.notifyFailed(rsp, fmt.Sprintf("Invalid task input: %v", err), logger)
			return true
		}
	}

	if !h.cmd.TryOpenTask(corrID) {
		logger.Info().Msg("task refused at opening")
		h.notifyFailed(rsp, fmt.Sprintf("Task has been cancelled by user %s", input.Username), logger)
		return true
	}

	started := time.Now()
	h.runTask(input, rsp, logger)
	logger.Info().Dur("elapsed", time.Since(started)).Msg("task finished")

	// The supervisor hears the task end before the broker hands us the
	// next one.
	h.cmd.NotifyTaskClosed()
	return true
}

func (h *Host) runTask(input wire.TaskInput, rsp *responder, logger zerolog.Logger) {
	runCtx, cancel := context.WithCancel(h.baseCtx)
	defer cancel()
	if h.desc.RaiseOnClose {
		rsp.cancel = cancel
	}

	if err := rsp.PublishMessage("Task is opened"); err != nil {
		logger.Error().Err(err).Msg("failed to announce task opening")
	}

	err := h.safeRun(runCtx, input, rsp)
	switch {
	case errors.Is(err, consumer.ErrNoReply):
		// The consumer spoke for itself; nothing to add.
	case rsp.terminalSent():
		if err != nil {
			logger.Warn().Err(err).Msg("handler errored after its terminal reply")
		}
	case err == nil:
		h.notifyCompleted(rsp, "Task completed", logger)
	case rsp.CloseRequested() && errors.Is(err, context.Canceled):
		h.notifyFailed(rsp, fmt.Sprintf("Interrupted by %s", input.Username), logger)
	default:
		logger.Error().Err(err).Msg("handler failed")
		h.notifyFailed(rsp, err.Error(), logger)
	}
}

func (h *Host) safeRun(ctx context.Context, input wire.TaskInput, rsp *responder) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", p, debug.Stack())
		}
	}()
	return h.handler.Run(ctx, input, rsp)
}

func (h *Host) notifyCompleted(rsp *responder, message string, logger zerolog.Logger) {
	if err := rsp.NotifyCompleted(message); err != nil {
		logger.Error().Err(err).Msg("failed to publish terminal reply")
	}
}

func (h *Host) notifyFailed(rsp *responder, message string, logger zerolog.Logger) {
	if err := rsp.NotifyFailed(message); err != nil {
		logger.Error().Err(err).Msg("failed to publish terminal reply")
	}
}
