package workerhost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quadtile/drover/internal/broker"
	"github.com/quadtile/drover/internal/cmdchan"
	"github.com/quadtile/drover/internal/wire"
)

// publishTimeout bounds a single reply publish. Replies go out with a
// background context: a raise-on-close cancellation must not take the
// terminal reply down with it.
const publishTimeout = 10 * time.Second

// responder carries the per-run reply state. A fresh one is built for
// every delivery.
type responder struct {
	broker broker.Broker
	corrID string
	cmd    cmdchan.Handler
	logger zerolog.Logger

	// cancel aborts the handler when a close arrives and the consumer
	// registered raise-on-close.
	cancel context.CancelFunc

	mu           sync.Mutex
	terminal     bool
	closeReq     bool
	lastProgress float64
}

func (r *responder) publish(reply wire.Reply) error {
	body, err := reply.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	return r.publishBody(body)
}

func (r *responder) publishBody(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	err := r.broker.Publish(ctx, broker.RPCExchange, broker.FeedbackKey, broker.Publishing{
		Body:          body,
		CorrelationID: r.corrID,
	})
	if err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}
	return nil
}

// pollClose checks the command channel for a pushed close after a publish.
func (r *responder) pollClose() {
	if !r.cmd.IsCloseRequested() {
		return
	}
	r.mu.Lock()
	first := !r.closeReq
	r.closeReq = true
	cancel := r.cancel
	r.mu.Unlock()
	if first {
		r.logger.Info().Msg("close requested")
		if cancel != nil {
			cancel()
		}
	}
}

func (r *responder) PublishProgress(progress float64, message string) error {
	r.mu.Lock()
	if r.terminal {
		r.mu.Unlock()
		return fmt.Errorf("progress after terminal reply")
	}
	if progress > r.lastProgress {
		r.lastProgress = progress
	}
	r.mu.Unlock()

	if err := r.publish(wire.ProgressReply(r.corrID, progress, message)); err != nil {
		return err
	}
	r.pollClose()
	return nil
}

func (r *responder) PublishMessage(message string) error {
	r.mu.Lock()
	if r.terminal {
		r.mu.Unlock()
		return fmt.Errorf("message after terminal reply")
	}
	progress := r.lastProgress
	r.mu.Unlock()

	if err := r.publish(wire.ProgressReply(r.corrID, progress, message)); err != nil {
		return err
	}
	r.pollClose()
	return nil
}

// NotifyCompleted publishes the successful terminal reply. Only the first
// terminal notification of a run goes out.
func (r *responder) NotifyCompleted(message string) error {
	if !r.claimTerminal() {
		return nil
	}
	return r.publish(wire.CompletedReply(r.corrID, message))
}

// NotifyFailed publishes the failing terminal reply.
func (r *responder) NotifyFailed(message string) error {
	if !r.claimTerminal() {
		return nil
	}
	return r.publish(wire.FailedReply(r.corrID, message))
}

// PublishRaw sends bytes where a reply would go, unencoded and unvalidated.
func (r *responder) PublishRaw(body []byte) error {
	return r.publishBody(body)
}

func (r *responder) CloseRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeReq
}

func (r *responder) claimTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return false
	}
	r.terminal = true
	return true
}

func (r *responder) terminalSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}
