package ipc

import (
	"context"
	"encoding/json"
	stdliberrors "errors"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/gridrunner/pkg/logging"
)

// streamFilter selects events by browser, run and type prefix. Empty
// fields match everything.
type streamFilter struct {
	browserID string
	runID     string
	prefixes  []string
}

func parseStreamFilter(r *http.Request) streamFilter {
	q := r.URL.Query()
	f := streamFilter{
		browserID: strings.TrimSpace(q.Get("browser")),
		runID:     strings.TrimSpace(q.Get("run")),
	}
	for _, p := range strings.Split(q.Get("types"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			f.prefixes = append(f.prefixes, p)
		}
	}
	return f
}

func (f streamFilter) match(event Event) bool {
	if f.browserID != "" && event.BrowserID != "" && event.BrowserID != f.browserID {
		return false
	}
	if f.runID != "" && event.RunID != "" && event.RunID != f.runID {
		return false
	}
	if len(f.prefixes) == 0 {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(event.Type, p) {
			return true
		}
	}
	return false
}

// handleEventStream streams hub events over a websocket.
//
// Query parameters: browser and run restrict events to one browser or run,
// types is a comma separated list of event type prefixes.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketOriginAllowed(r) {
		respondError(w, http.StatusForbidden, stdliberrors.New("origin not allowed"))
		return
	}
	if !s.eventConnLimiter.Acquire() {
		metricRejectedClients.Inc()
		respondError(w, http.StatusServiceUnavailable, stdliberrors.New("too many stream clients"))
		return
	}
	defer s.eventConnLimiter.Release()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		_ = s.logger.Warn(logging.CategoryIPC, "stream_accept_failed", err.Error(), nil)
		return
	}
	conn.SetReadLimit(maxWSReadBytesEventStream)

	filter := parseStreamFilter(r)
	client := s.hub.register(conn, filter.match)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	startWSPing(ctx, conn)

	go func() {
		defer cancel()
		s.readClient(ctx, client)
	}()

	go func() {
		if err := client.writeLoop(ctx); err != nil && ctx.Err() == nil {
			_ = s.logger.Warn(logging.CategoryIPC, "stream_write_failed", err.Error(), nil)
		}
		cancel()
	}()

	client.enqueue(Event{Type: "stream.ready", Payload: map[string]any{
		"browser": filter.browserID,
		"run":     filter.runID,
		"types":   filter.prefixes,
	}})

	<-ctx.Done()
	s.hub.removeClient(client)
	client.close(websocket.StatusNormalClosure, "shutdown")
}

// readClient answers pings and returns when the client goes away.
func (s *Server) readClient(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			c.enqueue(Event{Type: "server.pong", Timestamp: time.Now()})
		}
	}
}

func startWSPing(ctx context.Context, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	ticker := time.NewTicker(wsPingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
				_ = conn.Ping(pingCtx)
				cancel()
			}
		}
	}()
}
