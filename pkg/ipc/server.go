// Package ipc serves run state over HTTP: health, Prometheus metrics, the
// stored run history and a live websocket stream of run events.
package ipc

import (
	"context"
	stdliberrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
	"github.com/odvcencio/gridrunner/pkg/logging"
	"github.com/odvcencio/gridrunner/pkg/runner"
	"github.com/odvcencio/gridrunner/pkg/storage"
	"github.com/odvcencio/gridrunner/pkg/telemetry"
)

// Config configures the IPC server.
type Config struct {
	BindAddress string
}

// StatsSource reports the statistics of the current run.
type StatsSource func() runner.Stats

// Server exposes run state over HTTP and websockets.
type Server struct {
	cfg       Config
	store     *storage.Store
	telemetry *telemetry.Hub
	stats     StatsSource
	hub       *Hub
	logger    *logging.Logger

	eventConnLimiter *connLimiter

	mu         sync.Mutex
	httpServer *http.Server
	addr       net.Addr
}

// NewServer creates a server. store, telemetryHub and stats may be nil;
// the endpoints they back then report the data as unavailable.
func NewServer(cfg Config, store *storage.Store, telemetryHub *telemetry.Hub, stats StatsSource, logger *logging.Logger) *Server {
	s := &Server{
		cfg:              cfg,
		store:            store,
		telemetry:        telemetryHub,
		stats:            stats,
		hub:              NewHub(),
		logger:           logger,
		eventConnLimiter: newConnLimiter(maxEventStreamClients),
	}
	if store != nil {
		store.AddObserver(storage.ObserverFunc(s.onStorageEvent))
	}
	return s
}

// Hub returns the hub feeding the live event stream.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(s.securityHeadersMiddleware)
	router.Use(s.requestLogMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.handleMetrics)
	router.Get("/ws/events", s.handleEventStream)

	router.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/runs/{runID}/results", s.handleRunResults)
		r.Get("/runs/{runID}/flaky", s.handleFlakyTests)
		r.Get("/history", s.handleTestHistory)
	})
	return router
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("ipc listen on %s: %w", s.cfg.BindAddress, err)
	}

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.addr = ln.Addr()
	s.mu.Unlock()

	go s.forwardTelemetry(ctx)

	serverErr := make(chan error, 1)
	go func() {
		_ = s.logger.Info(logging.CategoryIPC, "server_started", "serving IPC on "+ln.Addr().String(), nil)
		if err := httpServer.Serve(ln); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// Addr returns the address the server listens on once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// forwardTelemetry relays telemetry events to the stream until ctx is done.
func (s *Server) forwardTelemetry(ctx context.Context) {
	if s.telemetry == nil {
		return
	}
	ch, unsubscribe := s.telemetry.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			s.broadcastTelemetry(event)
		}
	}
}

func (s *Server) broadcastTelemetry(event telemetry.Event) {
	s.hub.Broadcast(Event{
		Type:      string(event.Type),
		RunID:     event.RunID,
		BrowserID: event.BrowserID,
		SessionID: event.SessionID,
		Payload:   event.Data,
		Timestamp: event.Timestamp,
	})
}

func (s *Server) onStorageEvent(event storage.Event) {
	s.hub.Broadcast(Event{
		Type:      "storage." + string(event.Type),
		RunID:     event.RunID,
		Payload:   event.Data,
		Timestamp: event.Timestamp,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil && s.store.DB() != nil {
		if err := s.store.DB().PingContext(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, stdliberrors.New("database unavailable"))
			return
		}
	}
	respondJSON(w, map[string]any{
		"status":        "ok",
		"time":          time.Now().UTC().Format(time.RFC3339),
		"streamClients": s.hub.ClientCount(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		respondError(w, http.StatusServiceUnavailable, stdliberrors.New("no run in progress"))
		return
	}
	respondJSON(w, s.stats())
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, stdliberrors.New("results storage disabled"))
		return false
	}
	return true
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	runs, err := s.store.ListRuns(parseLimit(r.URL.Query().Get("limit"), defaultListLimit))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	run, err := s.store.GetRun(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, storageStatus(err), err)
		return
	}
	respondJSON(w, run)
}

func (s *Server) handleRunResults(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	runID := chi.URLParam(r, "runID")
	if _, err := s.store.GetRun(runID); err != nil {
		respondError(w, storageStatus(err), err)
		return
	}
	results, err := s.store.ListResults(runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if browserID := r.URL.Query().Get("browser"); browserID != "" {
		filtered := results[:0]
		for _, res := range results {
			if res.BrowserID == browserID {
				filtered = append(filtered, res)
			}
		}
		results = filtered
	}
	respondJSON(w, map[string]any{"results": results})
}

func (s *Server) handleFlakyTests(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	flaky, err := s.store.FlakyTests(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"flaky": flaky})
}

func (s *Server) handleTestHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	q := r.URL.Query()
	browserID := strings.TrimSpace(q.Get("browser"))
	title := strings.TrimSpace(q.Get("title"))
	if browserID == "" || title == "" {
		respondError(w, http.StatusBadRequest,
			gerrors.New(gerrors.ErrCodeInvalidInput, "browser and title are required"))
		return
	}
	history, err := s.store.TestHistory(browserID, title, parseLimit(q.Get("limit"), defaultListLimit))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"history": history})
}

func storageStatus(err error) int {
	if stdliberrors.Is(err, storage.ErrRunNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
