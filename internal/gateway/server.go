// Package gateway serves the concierge HTTP API: streamed chat turns, tool
// listing, routine management and the internal routine trigger.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/concierge/internal/agent"
	"github.com/haasonsaas/concierge/internal/auth"
	"github.com/haasonsaas/concierge/internal/observability"
	"github.com/haasonsaas/concierge/internal/ratelimit"
	"github.com/haasonsaas/concierge/internal/routines"
	"github.com/haasonsaas/concierge/internal/storage"
	"github.com/haasonsaas/concierge/pkg/models"
)

const (
	defaultMaxBody      = 1 << 20
	defaultHistoryLimit = 40
	routineSecretHeader = "X-Routine-Secret"
)

// Chatter runs conversation turns. agent.Loop implements it.
type Chatter interface {
	Run(ctx context.Context, turn *agent.Turn) (<-chan *agent.Event, error)
	Tools(ctx context.Context, callerID string) []models.ToolDefinition
}

// RoutineService is the caller-facing routine API. routines.Service
// implements it.
type RoutineService interface {
	CreateRoutine(ctx context.Context, routine *models.Routine) (*models.Routine, error)
	ListRoutines(ctx context.Context, callerID string) ([]*models.Routine, error)
	GetRoutine(ctx context.Context, callerID, id string) (*models.Routine, error)
	SetEnabled(ctx context.Context, callerID, id string, enabled bool) (*models.Routine, error)
	DeleteRoutine(ctx context.Context, callerID, id string) error
	Executions(ctx context.Context, callerID, id string, limit int) ([]*models.RoutineExecution, error)
}

// Config configures the HTTP listener.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration

	// RoutineSecret guards POST /internal/routines/tick. Empty disables the
	// endpoint.
	RoutineSecret string

	MaxBodyBytes int64
	HistoryLimit int
}

// Server is the HTTP API.
type Server struct {
	cfg Config

	chat          Chatter
	conversations storage.ConversationStore
	routines      RoutineService
	ticker        routines.Ticker
	auth          *auth.Service
	limiter       *ratelimit.Limiter

	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithConversations enables history loading and the conversation endpoints.
func WithConversations(store storage.ConversationStore) Option {
	return func(s *Server) { s.conversations = store }
}

// WithRoutines enables the routine endpoints. A nil ticker leaves the
// internal trigger disabled.
func WithRoutines(svc RoutineService, ticker routines.Ticker) Option {
	return func(s *Server) {
		s.routines = svc
		s.ticker = ticker
	}
}

// WithAuth sets the authenticator for /v1 endpoints.
func WithAuth(service *auth.Service) Option {
	return func(s *Server) {
		if service != nil {
			s.auth = service
		}
	}
}

// WithLimiter throttles chat requests per caller.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithMetrics records request metrics and serves gatherer on /metrics.
func WithMetrics(m *observability.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithLogger configures the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer builds the API server around chat.
func NewServer(cfg Config, chat Chatter, opts ...Option) (*Server, error) {
	if chat == nil {
		return nil, errors.New("gateway: chat runner is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		chat:   chat,
		auth:   auth.NewService(auth.Config{}),
		logger: slog.Default().With("component", "gateway"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the routed, instrumented API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("POST /internal/routines/tick", s.handleTick)

	mux.Handle("POST /v1/chat", s.protect(s.handleChat))
	mux.Handle("GET /v1/tools", s.protect(s.handleTools))
	mux.Handle("GET /v1/conversations", s.protect(s.handleListConversations))
	mux.Handle("GET /v1/conversations/{id}/messages", s.protect(s.handleConversationMessages))
	mux.Handle("GET /v1/usage", s.protect(s.handleUsage))

	mux.Handle("GET /v1/routines", s.protect(s.handleListRoutines))
	mux.Handle("POST /v1/routines", s.protect(s.handleCreateRoutine))
	mux.Handle("GET /v1/routines/{id}", s.protect(s.handleGetRoutine))
	mux.Handle("PATCH /v1/routines/{id}", s.protect(s.handleUpdateRoutine))
	mux.Handle("DELETE /v1/routines/{id}", s.protect(s.handleDeleteRoutine))
	mux.Handle("GET /v1/routines/{id}/executions", s.protect(s.handleRoutineExecutions))

	return s.instrument(mux)
}

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = server
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Best-effort: the client may already be gone.
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a size-limited JSON body into v. On failure it writes the
// error response and returns false.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
