package scenario

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce batches bursts of file events into one reload.
const DefaultDebounce = time.Second

// Watcher reloads the provider when the scenario directory changes. A
// failed reload keeps the previous set in place; the provider logs it.
type Watcher struct {
	provider  *Provider
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	done      chan struct{}
}

// NewWatcher builds a watcher over the provider's directory. debounce <= 0
// uses the default.
func NewWatcher(p *Provider, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario watcher: %w", err)
	}
	return &Watcher{
		provider:  p,
		fsWatcher: fsw,
		debounce:  debounce,
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching. Reloads happen on the watcher's own goroutine.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.provider.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.provider.dir, err)
	}
	go w.loop()
	return nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !isScenarioEvent(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			pending = true

		case <-timerC(timer):
			if pending {
				pending = false
				if err := w.provider.Reload(); err != nil {
					w.provider.logger.Error().Err(err).Msg("scenario reload failed, keeping previous set")
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.provider.logger.Warn().Err(err).Msg("scenario watcher error")

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func isScenarioEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	return strings.HasSuffix(filepath.Base(event.Name), ".xml")
}
