package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quadtile/drover/internal/broker"
)

func collect(t *testing.T, ch <-chan broker.Delivery, want int) []broker.Delivery {
	t.Helper()
	var got []broker.Delivery
	deadline := time.After(2 * time.Second)
	for len(got) < want {
		select {
		case d := <-ch:
			got = append(got, d)
		case <-deadline:
			t.Fatalf("timed out waiting for deliveries: have %d, want %d", len(got), want)
		}
	}
	return got
}

func TestLoopbackDirectRouting(t *testing.T) {
	l := NewLoopback()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gotA := make(chan broker.Delivery, 10)
	gotB := make(chan broker.Delivery, 10)
	require.NoError(t, l.Consume(ctx, broker.RequestQueueSpec("consumer_A"), func(d broker.Delivery) bool {
		gotA <- d
		return true
	}))
	require.NoError(t, l.Consume(ctx, broker.RequestQueueSpec("consumer_B"), func(d broker.Delivery) bool {
		gotB <- d
		return true
	}))

	require.NoError(t, l.Publish(ctx, broker.RPCExchange, "consumer_A", broker.Publishing{
		Body:          []byte(`{"n": 1}`),
		CorrelationID: "req-1",
		ReplyTo:       broker.FeedbackKey,
	}))

	deliveries := collect(t, gotA, 1)
	assert.Equal(t, "req-1", deliveries[0].CorrelationID)
	assert.Equal(t, "consumer_A", deliveries[0].RoutingKey)
	assert.Equal(t, broker.FeedbackKey, deliveries[0].ReplyTo)

	select {
	case <-gotB:
		t.Fatal("consumer_B received a message routed to consumer_A")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopbackFanoutCopiesToAllQueues(t *testing.T) {
	l := NewLoopback()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan broker.Delivery, 10)
	second := make(chan broker.Delivery, 10)
	require.NoError(t, l.Consume(ctx, broker.CommandQueueSpec(), func(d broker.Delivery) bool {
		first <- d
		return true
	}))
	require.NoError(t, l.Consume(ctx, broker.CommandQueueSpec(), func(d broker.Delivery) bool {
		second <- d
		return true
	}))

	require.NoError(t, l.Publish(ctx, broker.CmdExchange, broker.CmdKey, broker.Publishing{
		Body: []byte(`{"cmd": 0}`),
	}))

	collect(t, first, 1)
	collect(t, second, 1)
}

func TestLoopbackSharedQueueCompetes(t *testing.T) {
	l := NewLoopback()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan broker.Delivery, 20)
	spec := broker.RequestQueueSpec("consumer_A")
	require.NoError(t, l.Consume(ctx, spec, func(d broker.Delivery) bool {
		got <- d
		return true
	}))
	require.NoError(t, l.Consume(ctx, spec, func(d broker.Delivery) bool {
		got <- d
		return true
	}))

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Publish(ctx, broker.RPCExchange, "consumer_A", broker.Publishing{Body: []byte(`{}`)}))
	}

	// Both consumers share one queue: each message is delivered once.
	collect(t, got, 10)
	select {
	case <-got:
		t.Fatal("message delivered twice from a shared queue")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopbackPublishCopiesBody(t *testing.T) {
	l := NewLoopback()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan broker.Delivery, 1)
	require.NoError(t, l.Consume(ctx, broker.ReplyQueueSpec(), func(d broker.Delivery) bool {
		got <- d
		return true
	}))

	body := []byte(`{"status": 1}`)
	require.NoError(t, l.Publish(ctx, broker.RPCExchange, broker.FeedbackKey, broker.Publishing{Body: body}))
	body[2] = 'X'

	deliveries := collect(t, got, 1)
	assert.JSONEq(t, `{"status": 1}`, string(deliveries[0].Body))
}

func TestLoopbackCloseRejectsPublish(t *testing.T) {
	l := NewLoopback()
	require.NoError(t, l.Close())
	assert.False(t, l.Running())
	assert.Error(t, l.Publish(context.Background(), broker.RPCExchange, "k", broker.Publishing{}))
}
