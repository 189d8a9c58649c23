// Package gateway exposes the engine over HTTP: the chat endpoint in unary
// and SSE form, cooperative cancel, the monitor surface (REST + websocket
// feed) and the operational endpoints.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/auth"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/config"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/engine"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// Processor runs chat requests. Implemented by *engine.Engine.
type Processor interface {
	Process(ctx context.Context, req *engine.Request) (*engine.Response, error)
	ProcessStream(ctx context.Context, req *engine.Request) (<-chan *models.Event, error)
	Cancel(ctx context.Context, sessionID string) bool
}

// SessionMonitor serves the monitor surface. Implemented by
// *monitor.Monitor.
type SessionMonitor interface {
	List() []*models.MonitorSession
	Watch() (<-chan *models.Event, func())
	PurgeUserSessions(ctx context.Context, userID string) int
}

// MemoryPurger deletes a user's long-term memory records. Implemented by
// *store.Store.
type MemoryPurger interface {
	DeleteMemoryRecordsByUser(ctx context.Context, userID string) (int64, error)
}

// Options wires the server's collaborators.
type Options struct {
	Config  *config.Config
	Engine  Processor
	Monitor SessionMonitor
	Memory  MemoryPurger
	Auth    *auth.Service
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Server is the HTTP front of the platform.
type Server struct {
	cfg     *config.Config
	engine  Processor
	monitor SessionMonitor
	memory  MemoryPurger
	auth    *auth.Service
	logger  *observability.Logger
	metrics *observability.Metrics

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates the gateway server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	authService := opts.Auth
	if authService == nil {
		authService = auth.NewService(auth.Config{})
	}
	return &Server{
		cfg:     opts.Config,
		engine:  opts.Engine,
		monitor: opts.Monitor,
		memory:  opts.Memory,
		auth:    authService,
		logger:  logger.WithFields("component", "gateway"),
		metrics: opts.Metrics,
	}
}

// Handler builds the route table. Exposed so tests can drive the server
// through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/chat", s.instrument("/api/chat", http.HandlerFunc(s.handleChat)))
	mux.Handle("/api/chat/cancel", s.instrument("/api/chat/cancel", http.HandlerFunc(s.handleCancel)))
	mux.Handle("/api/monitor/sessions", s.instrument("/api/monitor/sessions", s.adminOnly(s.handleMonitorSessions)))
	mux.Handle("/api/monitor/purge", s.instrument("/api/monitor/purge", s.adminOnly(s.handleMonitorPurge)))
	mux.Handle("/api/monitor/ws", s.adminOnly(s.handleMonitorWS))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// adminOnly guards a monitor endpoint: JWT or API key, with the verified
// subject attached to the request context for downstream logging.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, err := s.auth.AuthorizeAdmin(r)
		if err != nil {
			writeUnauthorized(w)
			return
		}
		next(w, r.WithContext(auth.WithSubject(r.Context(), subject)))
	}
}

// Start begins serving in the background. The listener address comes from
// server.host / server.port; port 0 picks a free port (see Addr).
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr reports the bound listen address, empty before Start.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	if s == nil || s.httpServer == nil {
		return
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn(shutdownCtx, "http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

// instrument wraps a handler with request logging and HTTP metrics. The
// route label is the registered pattern, never the raw URL.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, route, fmt.Sprintf("%d", rec.status), elapsed.Seconds())
		}
		s.logger.Debug(r.Context(), "http request",
			"method", r.Method, "route", route, "status", rec.status, "elapsed_s", elapsed.Seconds())
	})
}
