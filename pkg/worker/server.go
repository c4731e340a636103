package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/gridrunner/pkg/browser"
	"github.com/odvcencio/gridrunner/pkg/bus"
	"github.com/odvcencio/gridrunner/pkg/config"
	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
	"github.com/odvcencio/gridrunner/pkg/events"
	"github.com/odvcencio/gridrunner/pkg/logging"
	"github.com/odvcencio/gridrunner/pkg/pool"
	"github.com/odvcencio/gridrunner/pkg/telemetry"
	"github.com/odvcencio/gridrunner/pkg/testtree"
)

// ServerOptions wires a worker.
type ServerOptions struct {
	Config   *config.Config
	Bus      bus.MessageBus
	Attacher browser.Attacher
	Registry *testtree.Registry
	// Comparator checks assertView screenshots; nil accepts them all.
	Comparator testtree.Comparator
	Logger     *logging.Logger
	// Emitter receives file read events; a private one is used when nil.
	Emitter *events.Emitter
}

// Server is one worker. It takes tests from the shared queue group until
// it handled testsPerWorker of them, then stops taking new ones and is done
// once the last test in flight replied.
type Server struct {
	id       string
	bus      bus.MessageBus
	parser   *CachingTestParser
	pool     *AttachingPool
	executor *Executor
	logger   *logging.Logger
	maxTests int

	mu       sync.Mutex
	sub      bus.Subscription
	handled  int
	inflight int
	stopping bool
	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates a worker.
func NewServer(opts ServerOptions) *Server {
	registry := opts.Registry
	if registry == nil {
		registry = testtree.Default
	}
	return &Server{
		id:       uuid.NewString(),
		bus:      opts.Bus,
		parser:   NewCachingTestParser(opts.Config, registry, opts.Emitter),
		pool:     NewAttachingPool(opts.Attacher, opts.Bus, opts.Logger),
		executor: NewExecutor(opts.Comparator),
		logger:   opts.Logger,
		maxTests: opts.Config.System.TestsPerWorker,
		done:     make(chan struct{}),
	}
}

// ID identifies the worker in logs and traces.
func (s *Server) ID() string {
	return s.id
}

// Done is closed once the worker stopped and has no test in flight.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Start joins the queue group.
func (s *Server) Start(ctx context.Context) error {
	sub, err := s.bus.QueueSubscribe(ctx, RunTestSubject, QueueGroup, s.handler(ctx))
	if err != nil {
		return gerrors.Wrap(err, gerrors.ErrCodeDispatch, "failed to join worker queue")
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	s.logger.Info(logging.CategoryWorker, "worker_started", "worker joined queue", map[string]any{
		"worker":           s.id,
		"tests_per_worker": s.maxTests,
	})
	return nil
}

// Run serves until ctx ends or the worker recycles itself.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		s.Stop()
		<-s.done
	case <-s.done:
	}
	return nil
}

// Stop leaves the queue group. Tests in flight still complete.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	sub := s.sub
	idle := s.inflight == 0
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if idle {
		s.shutdown()
	}
}

func (s *Server) shutdown() {
	s.doneOnce.Do(func() {
		s.pool.Close(context.Background())
		s.logger.Info(logging.CategoryWorker, "worker_exited", "worker stopped", map[string]any{
			"worker":  s.id,
			"handled": s.Handled(),
		})
		close(s.done)
	})
}

// Handled returns how many tests the worker accepted.
func (s *Server) Handled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handled
}

func (s *Server) handler(ctx context.Context) bus.MessageHandler {
	return func(msg *bus.Message) []byte {
		var req RunTestRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			resp := failureResponse(gerrors.Wrap(err, gerrors.ErrCodeInvalidInput, "malformed run request"), nil)
			data, _ := json.Marshal(resp)
			return data
		}

		s.mu.Lock()
		s.handled++
		s.inflight++
		recycle := s.maxTests > 0 && s.handled >= s.maxTests
		s.mu.Unlock()
		if recycle {
			go s.Stop()
		}

		go func() {
			resp := s.runTest(ctx, req)
			data, err := json.Marshal(resp)
			if err != nil {
				data, _ = json.Marshal(failureResponse(gerrors.Wrap(err, gerrors.ErrCodeInternal, "failed to encode result"), nil))
			}
			if err := s.bus.Publish(context.WithoutCancel(ctx), msg.ReplyTo, data); err != nil {
				s.logger.Warn(logging.CategoryWorker, "reply_failed", err.Error(), map[string]any{"test": req.FullTitle})
			}
			s.finish()
		}()
		return nil
	}
}

func (s *Server) finish() {
	s.mu.Lock()
	s.inflight--
	idle := s.stopping && s.inflight == 0
	s.mu.Unlock()
	if idle {
		s.shutdown()
	}
}

func (s *Server) runTest(ctx context.Context, req RunTestRequest) Response {
	ctx, span := telemetry.StartSpan(ctx, "worker.runTest",
		telemetry.AttrWorkerID.String(s.id),
		telemetry.AttrBrowserID.String(req.BrowserID),
		telemetry.AttrSessionID.String(req.SessionID),
		telemetry.AttrTestTitle.String(req.FullTitle),
		telemetry.AttrTestFile.String(req.File),
	)
	started := time.Now()
	var runErr error
	defer func() {
		telemetry.EndSpan(span, runErr)
		s.logger.Log(logging.Event{
			Level:     logging.LevelDebug,
			Category:  logging.CategoryWorker,
			EventType: "test_ran",
			BrowserID: req.BrowserID,
			SessionID: req.SessionID,
			Message:   req.FullTitle,
			Details:   map[string]any{"duration_ms": time.Since(started).Milliseconds(), "failed": runErr != nil},
		})
	}()

	test, err := s.parser.Find(ctx, req.File, req.BrowserID, req.FullTitle)
	if err != nil {
		runErr = err
		return failureResponse(err, nil)
	}

	agent := pool.NewAgent(req.BrowserID, req.BrowserVersion, s.pool)
	b, err := agent.GetBrowser(ctx, pool.SessionRequest{
		SessionID:   req.SessionID,
		SessionCaps: req.SessionCaps,
		SessionOpts: req.SessionOpts,
	})
	if err != nil {
		runErr = err
		return failureResponse(err, nil)
	}

	res, err := s.executor.Run(ctx, test, b)
	if freeErr := agent.FreeBrowser(context.WithoutCancel(ctx), b); freeErr != nil {
		s.logger.Warn(logging.CategoryWorker, "free_failed", freeErr.Error(), map[string]any{"session": req.SessionID})
	}
	if err != nil {
		runErr = err
		return failureResponse(err, &res)
	}
	return Response{Result: &res}
}
