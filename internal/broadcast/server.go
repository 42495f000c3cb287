package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Shakes-tzd/htmlgraph/internal/index"
	"github.com/Shakes-tzd/htmlgraph/internal/ir"
)

// Reader is the index read surface behind the catch-up endpoints.
type Reader interface {
	Overview(ctx context.Context) (index.Overview, error)
	RecentEvents(ctx context.Context, limit int) ([]ir.Event, error)
	SessionEvents(ctx context.Context, sessionID string, offset, limit int) ([]ir.Event, error)
}

const (
	DefaultSendTimeout = 2 * time.Second
	heartbeatInterval  = 15 * time.Second
	maxPageSize        = 1000
)

// Server exposes the push channel and the catch-up API over HTTP.
type Server struct {
	dispatcher  *Dispatcher
	reader      Reader
	sendTimeout time.Duration
	heartbeat   time.Duration
	logger      *slog.Logger

	addr  net.Addr
	ready chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSendTimeout bounds every write to one observer. An observer that
// cannot accept a write in time is disconnected.
func WithSendTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.sendTimeout = d }
}

// WithHeartbeat sets the keep-alive comment interval.
func WithHeartbeat(d time.Duration) ServerOption {
	return func(s *Server) { s.heartbeat = d }
}

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a Server.
func NewServer(d *Dispatcher, reader Reader, opts ...ServerOption) *Server {
	s := &Server{
		dispatcher:  d,
		reader:      reader,
		sendTimeout: DefaultSendTimeout,
		heartbeat:   heartbeatInterval,
		logger:      slog.Default(),
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.HandleEvents)
	mux.HandleFunc("GET /api/overview", s.HandleOverview)
	mux.HandleFunc("GET /api/events/recent", s.HandleRecentEvents)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.HandleSessionEvents)
	return mux
}

// Ready is closed once Serve is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address. Only valid after Ready is closed.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Serve listens on address and serves until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	// No WriteTimeout: streams are long-lived and every write sets its own
	// deadline.
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("broadcast server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("broadcast server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("broadcast server shutdown: %w", err)
	}
	s.logger.Info("broadcast server stopped")
	return nil
}

// HandleEvents streams messages to one observer as server-sent events.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	rc := http.NewResponseController(w)

	sub := s.dispatcher.Subscribe()
	defer s.dispatcher.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := s.write(rc, w, flusher, []byte(": connected "+sub.ID+"\n\n")); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	start := time.Now()
	sent := 0

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("observer disconnected", "observer", sub.ID, "sent", sent, "duration", time.Since(start))
			return
		case msg, ok := <-sub.C:
			if !ok {
				s.logger.Info("observer dropped", "observer", sub.ID, "sent", sent)
				return
			}
			frame, err := encodeFrame(msg)
			if err != nil {
				s.logger.Warn("encode broadcast frame", "id", msg.ID, "error", err)
				continue
			}
			if err := s.write(rc, w, flusher, frame); err != nil {
				s.logger.Warn("observer write failed, disconnecting", "observer", sub.ID, "error", err)
				return
			}
			sent++
		case <-heartbeat.C:
			if err := s.write(rc, w, flusher, []byte(": ping\n\n")); err != nil {
				return
			}
		}
	}
}

// write sends one frame under the per-observer deadline.
func (s *Server) write(rc *http.ResponseController, w http.ResponseWriter, f http.Flusher, frame []byte) error {
	if err := rc.SetWriteDeadline(time.Now().Add(s.sendTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	f.Flush()
	return nil
}

func encodeFrame(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	frame := fmt.Appendf(nil, "id: %d\nevent: %s\ndata: ", msg.ID, msg.Kind)
	frame = append(frame, data...)
	return append(frame, '\n', '\n'), nil
}

// HandleOverview serves the index overview.
func (s *Server) HandleOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := s.reader.Overview(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, ov)
}

// HandleRecentEvents serves the newest events across sessions.
func (s *Server) HandleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.sendError(w, err)
		return
	}
	events, err := s.reader.RecentEvents(r.Context(), limit)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, events)
}

// HandleSessionEvents pages through one session's events in sequence order.
func (s *Server) HandleSessionEvents(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.sendError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.sendError(w, err)
		return
	}
	events, err := s.reader.SessionEvents(r.Context(), r.PathValue("id"), offset, limit)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, events)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 || v > maxPageSize {
		return 0, ir.NewError(ir.ErrCodeInvalidArgument, "broadcast.query", key, fmt.Sprintf("%s must be an integer in [0, %d]", key, maxPageSize))
	}
	return v, nil
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case ir.IsInvalidArgument(err):
		status = http.StatusBadRequest
	case ir.IsNotFound(err):
		status = http.StatusNotFound
	case ir.IsBusy(err):
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(errorBody{Code: string(ir.CodeOf(err)), Error: err.Error()}); encErr != nil {
		s.logger.Warn("writing JSON error response", "error", encErr, "status", status)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Warn("writing JSON response", "error", err)
	}
}
