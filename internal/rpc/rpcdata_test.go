package rpc

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quadtile/drover/internal/wire"
)

func TestRPCDataApplyProgress(t *testing.T) {
	d := newRPCData("road_generator")
	require.Equal(t, wire.TaskWaiting, d.Status())

	d.Apply(wire.ProgressReply(d.RequestID().String(), 40, "working"))
	assert.Equal(t, wire.TaskInProgress, d.Status())
	assert.InDelta(t, 0.4, d.Progress(), 1e-9)
	assert.Equal(t, "working", d.Message())

	// Progress never regresses, even when a stale reply arrives late.
	d.Apply(wire.ProgressReply(d.RequestID().String(), 10, "stale"))
	assert.InDelta(t, 0.4, d.Progress(), 1e-9)
	assert.Equal(t, "stale", d.Message())
}

func TestRPCDataApplyTerminal(t *testing.T) {
	d := newRPCData("road_generator")
	d.Apply(wire.CompletedReply(d.RequestID().String(), "done"))
	assert.Equal(t, wire.TaskCompleted, d.Status())
	assert.InDelta(t, 1.0, d.Progress(), 1e-9)

	// Terminal state never changes again.
	d.Apply(wire.FailedReply(d.RequestID().String(), "too late"))
	assert.Equal(t, wire.TaskCompleted, d.Status())
	assert.Equal(t, "done", d.Message())
}

func TestRPCDataApplyFailure(t *testing.T) {
	for _, r := range []wire.Reply{
		wire.FailedReply("r", "boom"),
		wire.TimeoutReply("r"),
		wire.ConsumerNotFoundReply("r"),
	} {
		d := newRPCData("road_generator")
		d.Apply(r)
		assert.Equal(t, wire.TaskFailed, d.Status(), r.Status.String())
	}
}

func TestRPCDataMarkFailed(t *testing.T) {
	d := newRPCData("road_generator")
	d.MarkFailed("heartbeat lost")
	assert.Equal(t, wire.TaskFailed, d.Status())
	assert.Equal(t, "heartbeat lost", d.Message())

	d.MarkFailed("second attempt")
	assert.Equal(t, "heartbeat lost", d.Message())
}

func TestFailedRPCData(t *testing.T) {
	d := FailedRPCData("nonexistent", "Unknown routing key")
	assert.Equal(t, uuid.Nil, d.RequestID())
	assert.Equal(t, wire.TaskFailed, d.Status())

	v := d.Snapshot()
	assert.Empty(t, v.RequestID)
	assert.Equal(t, "nonexistent", v.RoutingKey)
	assert.Equal(t, wire.TaskFailed, v.Status)
}

func TestRPCDataSnapshot(t *testing.T) {
	d := newRPCData("fence_generator")
	d.Apply(wire.ProgressReply(d.RequestID().String(), 25, "quarter"))

	v := d.Snapshot()
	assert.Equal(t, d.RequestID().String(), v.RequestID)
	assert.Equal(t, "fence_generator", v.RoutingKey)
	assert.Equal(t, wire.TaskInProgress, v.Status)
	assert.InDelta(t, 0.25, v.Progress, 1e-9)
	assert.Equal(t, "quarter", v.Message)
}
