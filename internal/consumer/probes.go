package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/quadtile/drover/internal/wire"
)

// Probe consumers for exercising the whole pipeline against a live broker:
// two step counters with different speeds and one consumer that answers
// with bytes no reply parser accepts.
const (
	KeyConsumerA       = "consumer_A"
	KeyConsumerB       = "consumer_B"
	KeyInvalidResponse = "invalid_response"

	probeSteps = 1000
)

func init() {
	MustRegister(KeyConsumerA, Descriptor{
		Factory:          func() Handler { return &stepConsumer{name: KeyConsumerA, stepDuration: 7 * time.Millisecond} },
		HeartbeatTimeout: DefaultHeartbeat,
		RaiseOnClose:     true,
	})
	MustRegister(KeyConsumerB, Descriptor{
		Factory:          func() Handler { return &stepConsumer{name: KeyConsumerB, stepDuration: 10 * time.Millisecond} },
		HeartbeatTimeout: DefaultHeartbeat,
		RaiseOnClose:     true,
	})
	MustRegister(KeyInvalidResponse, Descriptor{
		Factory: func() Handler {
			return HandlerFunc(func(_ context.Context, _ wire.TaskInput, r Responder) error {
				if err := r.PublishRaw([]byte("Hello")); err != nil {
					return err
				}
				return ErrNoReply
			})
		},
		HeartbeatTimeout: DefaultHeartbeat,
	})
}

// stepConsumer grinds through a fixed number of sleep steps, reporting
// every ten percent.
type stepConsumer struct {
	name         string
	stepDuration time.Duration
	runs         int
}

func (c *stepConsumer) Run(ctx context.Context, _ wire.TaskInput, r Responder) error {
	c.runs++
	timer := time.NewTimer(c.stepDuration)
	defer timer.Stop()

	for step := 1; step <= probeSteps; step++ {
		timer.Reset(c.stepDuration)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if step%(probeSteps/10) == 0 {
			progress := float64(step) / probeSteps * 100
			msg := fmt.Sprintf("%s finished step %d of %d", c.name, step, probeSteps)
			if err := r.PublishProgress(progress, msg); err != nil {
				return err
			}
		}
	}
	return r.NotifyCompleted(fmt.Sprintf("The %dth %s completed the task", c.runs, c.name))
}
