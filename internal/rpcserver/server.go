// Package rpcserver supervises the worker pools of one rpc-server: it
// spawns one OS process per (routing key, instance), restarts crashed
// workers, and turns the scheduler's fanned-out commands into command
// channel pushes or process kills.
package rpcserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/quadtile/drover/internal/broker"
	"github.com/quadtile/drover/internal/cmdchan"
	"github.com/quadtile/drover/internal/config"
	"github.com/quadtile/drover/internal/consumer"
	"github.com/quadtile/drover/internal/log"
	"github.com/quadtile/drover/internal/metrics"
	"github.com/quadtile/drover/internal/wire"
)

// DefaultStopTimeout is the join window before Stop kills stragglers.
const DefaultStopTimeout = 10 * time.Second

// Options tune how workers are spawned. Tests substitute the binary.
type Options struct {
	// Binary is the executable re-executed per worker; empty means the
	// running binary itself.
	Binary string
	// Args builds the worker argv (after the binary). Nil uses the drover
	// worker subcommand.
	Args func(routingKey string, instance int, socketPath string) []string
	// RestartDelay is the pause before a crashed worker is respawned.
	RestartDelay time.Duration
	// StopTimeout is Stop's join window.
	StopTimeout time.Duration
}

// WorkerInfo describes one live worker process.
type WorkerInfo struct {
	ID         int
	RoutingKey string
	Instance   int
	PID        int
}

type worker struct {
	id         int
	routingKey string
	instance   int
	cmd        *exec.Cmd
	done       chan struct{}
}

// Server owns the worker pools of one rpc-server process.
type Server struct {
	broker broker.Broker
	cm     *cmdchan.Manager
	specs  []config.ConsumerSpec
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	workers  map[int]*worker
	nextID   int
	restarts int
	stopping bool
}

// New builds a supervisor for the given worker layout. Every routing key
// must be registered; nothing is spawned until Start.
func New(b broker.Broker, cm *cmdchan.Manager, specs []config.ConsumerSpec, opts Options) (*Server, error) {
	if err := config.ValidateConsumers(specs); err != nil {
		return nil, err
	}
	for _, spec := range specs {
		if _, ok := consumer.Lookup(spec.RoutingKey); !ok {
			return nil, fmt.Errorf("no consumer registered for %q", spec.RoutingKey)
		}
	}
	if opts.Binary == "" {
		bin, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve own binary: %w", err)
		}
		opts.Binary = bin
	}
	if opts.Args == nil {
		opts.Args = func(routingKey string, instance int, socketPath string) []string {
			return []string{
				"worker",
				"--routing-key", routingKey,
				"--instance", strconv.Itoa(instance),
				"--cmd-socket", socketPath,
			}
		}
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return &Server{
		broker:  b,
		cm:      cm,
		specs:   specs,
		opts:    opts,
		logger:  log.WithComponent("rpcserver"),
		workers: make(map[int]*worker),
	}, nil
}

// Start subscribes to the command fanout and spawns every configured
// worker. ctx bounds the command consumer and restart scheduling.
func (s *Server) Start(ctx context.Context) error {
	if err := s.broker.Consume(ctx, broker.CommandQueueSpec(), s.handleCommand); err != nil {
		return fmt.Errorf("failed to subscribe to command exchange: %w", err)
	}
	for _, spec := range s.specs {
		for instance := 1; instance <= spec.Instances; instance++ {
			if err := s.spawn(ctx, spec.RoutingKey, instance); err != nil {
				return err
			}
		}
	}
	s.logger.Info().Int("workers", len(s.Workers())).Msg("worker pools started")
	return nil
}

func (s *Server) spawn(ctx context.Context, routingKey string, instance int) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	socketPath, err := s.cm.CreateEndpoint(id)
	if err != nil {
		return fmt.Errorf("failed to open command endpoint for worker %d: %w", id, err)
	}

	cmd := exec.Command(s.opts.Binary, s.opts.Args(routingKey, instance, socketPath)...)
	logger := log.WithWorker(routingKey, instance)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to pipe worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to pipe worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		s.cm.RemoveEndpoint(id)
		return fmt.Errorf("failed to start worker %s/%d: %w", routingKey, instance, err)
	}

	w := &worker{id: id, routingKey: routingKey, instance: instance, cmd: cmd, done: make(chan struct{})}
	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()
	metrics.WorkersRunning.WithLabelValues(routingKey).Inc()
	logger.Info().Int("worker", id).Int("pid", cmd.Process.Pid).Msg("worker started")

	go s.forwardOutput(logger, stdout, "stdout")
	go s.forwardOutput(logger, stderr, "stderr")
	go s.reap(ctx, w, logger)
	return nil
}

// forwardOutput folds a worker pipe into the supervisor log line by line.
func (s *Server) forwardOutput(logger zerolog.Logger, r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		logger.Info().Str("stream", stream).Msg(scanner.Text())
	}
}

// reap waits a worker process out and handles the aftermath: orphaned task
// cleanup and, while not stopping, the respawn.
func (s *Server) reap(ctx context.Context, w *worker, logger zerolog.Logger) {
	err := w.cmd.Wait()
	close(w.done)

	// The endpoint must be read before removal: the held task id is what
	// the crash reply is correlated to.
	taskID, held := s.cm.TaskOf(w.id)
	s.cm.RemoveEndpoint(w.id)
	metrics.WorkersRunning.WithLabelValues(w.routingKey).Dec()

	s.mu.Lock()
	delete(s.workers, w.id)
	stopping := s.stopping
	s.mu.Unlock()

	if stopping {
		logger.Info().Int("worker", w.id).Msg("worker exited")
		return
	}

	logger.Warn().Err(err).Int("worker", w.id).Str("task_id", taskID).Msg("worker died")
	if held {
		// Nobody will answer the orphaned request; fail it ourselves so
		// the step loop and any close driver resolve.
		s.publishCrashReply(ctx, taskID, logger)
		s.cm.CancelCloseRequest(taskID)
	}

	metrics.WorkerRestarts.WithLabelValues(w.routingKey).Inc()
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.opts.RestartDelay):
	}
	if err := s.spawn(ctx, w.routingKey, w.instance); err != nil {
		s.logger.Error().Err(err).Str("routing_key", w.routingKey).Int("instance", w.instance).
			Msg("failed to restart worker")
	}
}

func (s *Server) publishCrashReply(ctx context.Context, taskID string, logger zerolog.Logger) {
	body, err := wire.FailedReply(taskID, "Worker process died").Encode()
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode crash reply")
		return
	}
	pub := broker.Publishing{Body: body, CorrelationID: taskID}
	if err := s.broker.Publish(ctx, broker.RPCExchange, broker.FeedbackKey, pub); err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to publish crash reply")
	}
}

// handleCommand reacts to the scheduler's fanned-out control commands.
func (s *Server) handleCommand(d broker.Delivery) bool {
	cmd, err := wire.DecodeCommand(d.Body)
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed command dropped")
		return true
	}
	switch cmd.Cmd {
	case wire.CmdCloseTask:
		s.cm.CloseRequest(cmd.RequestID, false)
	case wire.CmdTerminateTask:
		if id, held := s.cm.CloseRequest(cmd.RequestID, true); held {
			s.Terminate(id)
		}
	case wire.CmdNotifyTaskClosed:
		s.cm.CancelCloseRequest(cmd.RequestID)
	}
	return true
}

// Terminate kills one worker outright. The reap goroutine handles the
// orphaned task and the respawn.
func (s *Server) Terminate(workerID int) {
	s.mu.Lock()
	w, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn().Int("worker", workerID).Msg("terminate for unknown worker")
		return
	}
	s.logger.Warn().Int("worker", workerID).Str("routing_key", w.routingKey).
		Msg("terminating worker")
	if err := w.cmd.Process.Kill(); err != nil {
		s.logger.Error().Err(err).Int("worker", workerID).Msg("failed to kill worker")
	}
}

// Stop winds the pools down: term every worker, join within the stop
// window, kill the rest. Returns how many stopped in time and how many had
// to be killed.
func (s *Server) Stop() (stopped, killed int) {
	s.mu.Lock()
	s.stopping = true
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.logger.Warn().Err(err).Int("worker", w.id).Msg("failed to signal worker")
		}
	}

	timeout := time.NewTimer(s.opts.StopTimeout)
	defer timeout.Stop()
	expired := false
	for _, w := range workers {
		if !expired {
			select {
			case <-w.done:
				stopped++
				continue
			case <-timeout.C:
				expired = true
			}
		}
		_ = w.cmd.Process.Kill()
		<-w.done
		killed++
	}
	s.cm.Close()
	s.logger.Info().Int("stopped", stopped).Int("killed", killed).Msg("worker pools stopped")
	return stopped, killed
}

// Workers lists the live worker processes.
func (s *Server) Workers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, WorkerInfo{
			ID:         w.id,
			RoutingKey: w.routingKey,
			Instance:   w.instance,
			PID:        w.cmd.Process.Pid,
		})
	}
	return out
}

// Restarts reports how many crash restarts have happened.
func (s *Server) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}
