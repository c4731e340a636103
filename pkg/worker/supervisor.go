package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/odvcencio/gridrunner/pkg/logging"
	"github.com/odvcencio/gridrunner/pkg/telemetry"
)

// Process is a running worker.
type Process interface {
	// Wait blocks until the worker exited.
	Wait() error
	// Stop asks the worker to finish its tests and exit.
	Stop() error
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, slot int) (Process, error)
}

// InProcessSpawner runs workers as goroutines of the current process.
type InProcessSpawner struct {
	New func() *Server
}

func (s InProcessSpawner) Spawn(ctx context.Context, _ int) (Process, error) {
	srv := s.New()
	ctx, cancel := context.WithCancel(ctx)
	p := &inProcess{srv: srv, cancel: cancel, exited: make(chan struct{})}
	if err := srv.Start(ctx); err != nil {
		cancel()
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
			srv.Stop()
			<-srv.Done()
		case <-srv.Done():
		}
		cancel()
		close(p.exited)
	}()
	return p, nil
}

type inProcess struct {
	srv    *Server
	cancel context.CancelFunc
	exited chan struct{}
}

func (p *inProcess) Wait() error {
	<-p.exited
	return nil
}

func (p *inProcess) Stop() error {
	p.srv.Stop()
	return nil
}

// ExecSpawner runs every worker as a child process, typically the current
// binary with the worker subcommand.
type ExecSpawner struct {
	Path string
	Args []string
	Env  []string
}

func (s ExecSpawner) Spawn(ctx context.Context, slot int) (Process, error) {
	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("GRIDRUNNER_WORKER_SLOT=%d", slot))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 10 * time.Second
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Stop() error {
	return p.cmd.Process.Signal(os.Interrupt)
}

// Supervisor keeps a fixed number of workers alive. A worker that exits,
// for example after handling testsPerWorker tests, is replaced; restarts are
// rate limited so a crashing worker cannot spin.
type Supervisor struct {
	spawner Spawner
	count   int
	limiter *rate.Limiter
	logger  *logging.Logger

	hub   *telemetry.Hub
	runID string

	mu      sync.Mutex
	procs   map[int]Process
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewSupervisor supervises count workers started by spawner.
func NewSupervisor(spawner Spawner, count int, logger *logging.Logger) *Supervisor {
	if count < 1 {
		count = 1
	}
	return &Supervisor{
		spawner: spawner,
		count:   count,
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), count),
		logger:  logger,
		procs:   make(map[int]Process),
	}
}

// EnableTelemetry publishes worker starts and exits to hub. Call before Start.
func (s *Supervisor) EnableTelemetry(hub *telemetry.Hub, runID string) {
	s.hub = hub
	s.runID = runID
}

func (s *Supervisor) publish(typ telemetry.EventType, data map[string]any) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(telemetry.Event{Type: typ, RunID: s.runID, Data: data})
}

// Start spawns every worker. It fails if the first generation cannot start.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for slot := 0; slot < s.count; slot++ {
		p, err := s.spawner.Spawn(ctx, slot)
		if err != nil {
			cancel()
			_ = s.Stop(context.Background())
			return err
		}
		s.track(slot, p)
		s.wg.Add(1)
		go s.keep(ctx, slot, p)
	}
	return nil
}

func (s *Supervisor) track(slot int, p Process) {
	s.mu.Lock()
	s.procs[slot] = p
	s.mu.Unlock()
	s.publish(telemetry.EventWorkerStarted, map[string]any{"slot": slot})
}

func (s *Supervisor) keep(ctx context.Context, slot int, p Process) {
	defer s.wg.Done()
	for {
		err := p.Wait()
		if ctx.Err() != nil || s.isStopped() {
			return
		}

		telemetry.RecordWorkerRestart()
		details := map[string]any{"slot": slot}
		if err != nil {
			details["error"] = err.Error()
		}
		s.publish(telemetry.EventWorkerExited, details)
		s.logger.Info(logging.CategoryWorker, "worker_restart", "replacing exited worker", details)

		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		next, err := s.spawner.Spawn(ctx, slot)
		if err != nil {
			s.logger.Error(logging.CategoryWorker, "worker_spawn_failed", err.Error(), details)
			if errors.Is(err, context.Canceled) {
				return
			}
			continue
		}
		s.track(slot, next)
		if s.isStopped() {
			_ = next.Stop()
		}
		p = next
	}
}

func (s *Supervisor) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop stops every worker and waits for them to exit or ctx to end.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	procs := make([]Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		_ = p.Stop()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
