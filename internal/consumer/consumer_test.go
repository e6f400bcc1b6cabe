package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quadtile/drover/internal/geo"
	"github.com/quadtile/drover/internal/wire"
)

// recorder captures everything a handler pushes through the Responder.
type recorder struct {
	progress  []float64
	messages  []string
	completed []string
	failed    []string
	raw       [][]byte
	closeReq  bool
}

func (r *recorder) PublishProgress(p float64, msg string) error {
	r.progress = append(r.progress, p)
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recorder) PublishMessage(msg string) error {
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recorder) NotifyCompleted(msg string) error {
	r.completed = append(r.completed, msg)
	return nil
}

func (r *recorder) NotifyFailed(msg string) error {
	r.failed = append(r.failed, msg)
	return nil
}

func (r *recorder) PublishRaw(body []byte) error {
	r.raw = append(r.raw, body)
	return nil
}

func (r *recorder) CloseRequested() bool { return r.closeReq }

func TestRegisterRejectsDuplicates(t *testing.T) {
	d := Descriptor{Factory: func() Handler { return HandlerFunc(nil) }}
	require.NoError(t, Register("test_dup_key", d))
	err := Register("test_dup_key", d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegisterRejectsBadDescriptors(t *testing.T) {
	assert.Error(t, Register("", Descriptor{Factory: func() Handler { return nil }}))
	assert.Error(t, Register("test_no_factory", Descriptor{}))
}

func TestBuiltinKeysRegistered(t *testing.T) {
	keys := Keys()
	for _, want := range []string{
		KeyConsumerA, KeyConsumerB, KeyInvalidResponse,
		KeyRoadGenerator, KeyPowerlineGenerator, KeyFenceGenerator,
		KeyRoadImportOSM, KeyPowerlineImportOSM, KeyFenceImportOSM,
	} {
		assert.Contains(t, keys, want)
	}
}

func TestHeartbeatFor(t *testing.T) {
	assert.Equal(t, DefaultHeartbeat, HeartbeatFor(KeyConsumerA, time.Minute))
	assert.Equal(t, time.Minute, HeartbeatFor("never_registered", time.Minute))
}

func TestStepConsumerReportsEveryTenPercent(t *testing.T) {
	c := &stepConsumer{name: KeyConsumerA, stepDuration: time.Microsecond}
	rec := &recorder{}

	require.NoError(t, c.Run(context.Background(), wire.TaskInput{}, rec))

	require.Len(t, rec.progress, 10)
	assert.InDelta(t, 10, rec.progress[0], 1e-9)
	assert.InDelta(t, 100, rec.progress[9], 1e-9)
	require.Len(t, rec.completed, 1)
	assert.Equal(t, "The 1th consumer_A completed the task", rec.completed[0])

	require.NoError(t, c.Run(context.Background(), wire.TaskInput{}, rec))
	assert.Equal(t, "The 2th consumer_A completed the task", rec.completed[1])
}

func TestStepConsumerAbortsOnCancel(t *testing.T) {
	c := &stepConsumer{name: KeyConsumerB, stepDuration: 5 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	rec := &recorder{}
	err := c.Run(ctx, wire.TaskInput{}, rec)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.completed)
}

func TestInvalidResponseConsumer(t *testing.T) {
	d, ok := Lookup(KeyInvalidResponse)
	require.True(t, ok)

	rec := &recorder{}
	err := d.Factory().Run(context.Background(), wire.TaskInput{}, rec)
	assert.ErrorIs(t, err, ErrNoReply)
	require.Len(t, rec.raw, 1)
	assert.Equal(t, []byte("Hello"), rec.raw[0])
	assert.Empty(t, rec.completed)
	assert.Empty(t, rec.failed)
}

type fakeGenerator struct {
	gotReq  GeneratorRequest
	fail    error
	message string
	beats   int
}

func (g *fakeGenerator) Generate(_ context.Context, req GeneratorRequest, progress ProgressFunc) (string, error) {
	g.gotReq = req
	for i := 1; i <= g.beats; i++ {
		if err := progress(float64(i)/float64(g.beats)*100, "generating"); err != nil {
			return "", err
		}
	}
	if g.fail != nil {
		return "", g.fail
	}
	return g.message, nil
}

func TestGeneratorAdapter(t *testing.T) {
	gen := &fakeGenerator{message: "built 3 roads", beats: 4}
	require.NoError(t, InstallGenerator(KeyRoadGenerator, gen))

	d, ok := Lookup(KeyRoadGenerator)
	require.True(t, ok)
	assert.True(t, d.RaiseOnClose)

	input := wire.TaskInput{
		Username: "vasya",
		Cells:    []geo.Cell{{Level: 11, I: 980, J: 978}},
		Params:   map[string]any{"width": 4.5},
	}
	rec := &recorder{}
	require.NoError(t, d.Factory().Run(context.Background(), input, rec))

	assert.Equal(t, "vasya", gen.gotReq.Username)
	assert.Len(t, gen.gotReq.Cells, 1)
	assert.Equal(t, map[string]any{"width": 4.5}, gen.gotReq.Params)
	assert.Len(t, rec.progress, 4)
	require.Len(t, rec.completed, 1)
	assert.Equal(t, "built 3 roads", rec.completed[0])
}

func TestGeneratorAdapterWithoutImplementation(t *testing.T) {
	d, ok := Lookup(KeyFenceImportOSM)
	require.True(t, ok)

	err := d.Factory().Run(context.Background(), wire.TaskInput{Username: "vasya"}, &recorder{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no generator installed")
}

func TestGeneratorAdapterPropagatesFailure(t *testing.T) {
	boom := errors.New("osm source unreachable")
	require.NoError(t, InstallGenerator(KeyPowerlineImportOSM, &fakeGenerator{fail: boom}))

	d, _ := Lookup(KeyPowerlineImportOSM)
	rec := &recorder{}
	err := d.Factory().Run(context.Background(), wire.TaskInput{}, rec)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rec.completed)
}

func TestInstallGenerator(t *testing.T) {
	assert.Error(t, InstallGenerator("consumer_A", &fakeGenerator{}))
	assert.Error(t, InstallGenerator(KeyRoadGenerator, nil))
}

func TestValidateImportInput(t *testing.T) {
	rect := &geo.Rect{LonMin: 30, LatMin: 59, LonMax: 31, LatMax: 60}
	assert.NoError(t, validateImportInput(wire.TaskInput{Username: "vasya", Rect: rect}))
	assert.Error(t, validateImportInput(wire.TaskInput{Rect: rect}))
	assert.Error(t, validateImportInput(wire.TaskInput{Username: "vasya"}))

	bad := &geo.Rect{LonMin: 31, LatMin: 59, LonMax: 30, LatMax: 60}
	assert.Error(t, validateImportInput(wire.TaskInput{Username: "vasya", Rect: bad}))
}

func TestValidateGenerateInput(t *testing.T) {
	cells := []geo.Cell{{Level: 11, I: 980, J: 978}}
	assert.NoError(t, validateGenerateInput(wire.TaskInput{Username: "vasya", Cells: cells}))
	assert.NoError(t, validateGenerateInput(wire.TaskInput{
		Username: "vasya",
		Locked:   []wire.LockedView{{Type: "vegetation", Cells: []int64{42}}},
	}))
	assert.Error(t, validateGenerateInput(wire.TaskInput{Username: "vasya"}))
	assert.Error(t, validateGenerateInput(wire.TaskInput{Cells: cells}))
}
