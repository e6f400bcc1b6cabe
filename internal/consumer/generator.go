package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quadtile/drover/internal/geo"
	"github.com/quadtile/drover/internal/wire"
)

// Generator produces or imports geometry for one object family. The
// implementations live outside this repository; the adapter below gives
// them the task protocol.
type Generator interface {
	// Generate runs one job and returns its completion message. It
	// reports through progress and aborts when progress returns an error
	// or the context ends.
	Generate(ctx context.Context, req GeneratorRequest, progress ProgressFunc) (string, error)
}

// GeneratorRequest is the validated input of a generator run.
type GeneratorRequest struct {
	Username string
	Rect     *geo.Rect
	Cells    []geo.Cell
	Locked   []wire.LockedView
	Params   map[string]any
}

// ProgressFunc reports fractional completion in percent.
type ProgressFunc func(progress float64, message string) error

// Generator routing keys. The *_import_osm keys pull source data for a
// rectangle; the *_generator keys rebuild geometry on locked cells.
const (
	KeyRoadGenerator      = "road_generator"
	KeyPowerlineGenerator = "powerline_generator"
	KeyFenceGenerator     = "fence_generator"
	KeyRoadImportOSM      = "road_import_osm"
	KeyPowerlineImportOSM = "powerline_import_osm"
	KeyFenceImportOSM     = "fence_import_osm"
)

// GeneratorKeys lists every generator routing key.
var GeneratorKeys = []string{
	KeyRoadGenerator,
	KeyPowerlineGenerator,
	KeyFenceGenerator,
	KeyRoadImportOSM,
	KeyPowerlineImportOSM,
	KeyFenceImportOSM,
}

var (
	genMu      sync.RWMutex
	generators = make(map[string]Generator)
)

// InstallGenerator binds the implementation behind a generator key. A run
// through a key with no installed generator fails cleanly.
func InstallGenerator(routingKey string, gen Generator) error {
	if !isGeneratorKey(routingKey) {
		return fmt.Errorf("%q is not a generator routing key", routingKey)
	}
	if gen == nil {
		return fmt.Errorf("nil generator for %q", routingKey)
	}
	genMu.Lock()
	defer genMu.Unlock()
	generators[routingKey] = gen
	return nil
}

func installedGenerator(routingKey string) (Generator, bool) {
	genMu.RLock()
	defer genMu.RUnlock()
	gen, ok := generators[routingKey]
	return gen, ok
}

func isGeneratorKey(routingKey string) bool {
	for _, k := range GeneratorKeys {
		if k == routingKey {
			return true
		}
	}
	return false
}

func init() {
	for _, key := range GeneratorKeys {
		key := key
		validate := validateGenerateInput
		if key == KeyRoadImportOSM || key == KeyPowerlineImportOSM || key == KeyFenceImportOSM {
			validate = validateImportInput
		}
		MustRegister(key, Descriptor{
			Factory:          func() Handler { return &generatorAdapter{routingKey: key} },
			HeartbeatTimeout: DefaultHeartbeat,
			RaiseOnClose:     true,
			ValidateInput:    validate,
		})
	}
}

// validateImportInput: imports pull data for an area, so a rectangle is
// mandatory.
func validateImportInput(input wire.TaskInput) error {
	if input.Username == "" {
		return errors.New("input has no username")
	}
	if input.Rect == nil {
		return errors.New("import input has no rect")
	}
	return input.Rect.Validate()
}

// validateGenerateInput: generation rebuilds claimed geometry, so cells or
// locked data must be present.
func validateGenerateInput(input wire.TaskInput) error {
	if input.Username == "" {
		return errors.New("input has no username")
	}
	if len(input.Cells) == 0 && len(input.Locked) == 0 {
		return errors.New("generate input has neither cells nor locked data")
	}
	for _, c := range input.Cells {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type generatorAdapter struct {
	routingKey string
}

func (a *generatorAdapter) Run(ctx context.Context, input wire.TaskInput, r Responder) error {
	gen, ok := installedGenerator(a.routingKey)
	if !ok {
		return fmt.Errorf("no generator installed for %q", a.routingKey)
	}
	req := GeneratorRequest{
		Username: input.Username,
		Rect:     input.Rect,
		Cells:    input.Cells,
		Locked:   input.Locked,
		Params:   input.Params,
	}
	message, err := gen.Generate(ctx, req, r.PublishProgress)
	if err != nil {
		return err
	}
	return r.NotifyCompleted(message)
}
