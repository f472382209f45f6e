// Package rest exposes the relay's HTTP surface: command submission with
// outcome-mapped status codes, the unauthenticated status probe, and the
// admin endpoints for keys, connections, and broadcast.
package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"vtt-relay/internal/domain"
	"vtt-relay/internal/infra/tracer"
	"vtt-relay/internal/usecase/registry"
)

// PendingSource reports the number of in-flight commands.
type PendingSource interface {
	PendingCount() int
}

// KeyStore is the slice of the managed key store the admin surface uses.
type KeyStore interface {
	Create(ctx context.Context, name string) (*domain.APIKey, string, error)
	List(ctx context.Context) ([]domain.APIKey, error)
	Revoke(ctx context.Context, id string) error
}

// FrameSource reports gateway frame totals for the metrics endpoint.
type FrameSource interface {
	FrameCounts() (in, out uint64)
}

// Deps bundles the collaborators the server serves from. Keys and Frames are
// optional; a nil Keys disables key administration.
type Deps struct {
	Dispatcher Dispatcher
	Registry   *registry.Registry
	Pending    PendingSource
	Gate       domain.CredentialGate
	Keys       KeyStore
	Frames     FrameSource
	Bus        domain.EventBus
}

// Config holds the REST listener settings.
type Config struct {
	Addr              string
	AdminToken        string
	RequestTimeout    time.Duration
	MaxRequestTimeout time.Duration
	MaxBodyBytes      int64
	Version           string
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.MaxRequestTimeout <= 0 {
		c.MaxRequestTimeout = 60 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.Version == "" {
		c.Version = "dev"
	}
}

// Server is the HTTP facade callers submit commands through.
type Server struct {
	deps   Deps
	logger *slog.Logger
	cfg    Config

	metrics   *Metrics
	startTime time.Time

	httpSrv    *http.Server
	middleware []func(http.Handler) http.Handler
	unobserve  func()

	mu        sync.RWMutex
	boundAddr string
}

// NewServer creates a REST server over deps.
func NewServer(deps Deps, logger *slog.Logger, cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		deps:      deps,
		logger:    logger,
		cfg:       cfg,
		metrics:   &Metrics{},
		startTime: time.Now(),
	}
}

// Use appends middleware applied around the whole route set, outermost first.
// Must be called before Start.
func (s *Server) Use(mw func(http.Handler) http.Handler) {
	s.middleware = append(s.middleware, mw)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/command", s.handleCommand)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("POST /api/v1/keys", s.requireAdmin(s.handleKeyCreate))
	mux.HandleFunc("GET /api/v1/keys", s.requireAdmin(s.handleKeyList))
	mux.HandleFunc("DELETE /api/v1/keys/{id}", s.requireAdmin(s.handleKeyRevoke))
	mux.HandleFunc("GET /api/v1/connections", s.requireAdmin(s.handleConnectionList))
	mux.HandleFunc("DELETE /api/v1/connections/{id}", s.requireAdmin(s.handleConnectionRemove))
	mux.HandleFunc("POST /api/v1/broadcast", s.requireAdmin(s.handleBroadcast))
	return mux
}

// Start begins serving. Blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	var handler http.Handler = s.routes()
	for i := len(s.middleware) - 1; i >= 0; i-- {
		handler = s.middleware[i](handler)
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.unobserve = s.metrics.observe(s.deps.Bus)
	s.httpSrv = &http.Server{Handler: handler}

	s.logger.Info("api started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api serve: %w", err)
	}
	return nil
}

// Stop shuts the listener down and detaches the metrics subscriptions.
func (s *Server) Stop(ctx context.Context) error {
	if s.unobserve != nil {
		s.unobserve()
	}
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the listener address. Empty until Start has bound.
func (s *Server) BoundAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundAddr
}

// handleCommand submits one command to the peer and answers with its response
// or the outcome-mapped error status.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeCaller(w, r) {
		return
	}

	timeout := s.cfg.RequestTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest,
				domain.NewDomainError("API.Command", domain.ErrInvalidInput, "timeout must be a positive duration"))
			return
		}
		timeout = d
	}
	if timeout > s.cfg.MaxRequestTimeout {
		timeout = s.cfg.MaxRequestTimeout
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest,
			domain.NewDomainError("API.Command", domain.ErrInvalidInput, "body unreadable or too large"))
		return
	}
	env, err := domain.ParseEnvelope(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, span := tracer.StartSpan(r.Context(), "relay.dispatch",
		trace.WithAttributes(tracer.StringAttr("command.type", env.Type)))
	defer span.End()

	start := time.Now()
	resp, err := s.deps.Dispatcher.Dispatch(ctx, env, timeout)
	latency := time.Since(start)
	if err != nil {
		tracer.RecordError(span, err)
		status := statusFor(err)
		s.logger.Warn("command failed",
			"type", env.Type,
			"code", domain.ErrorCodeOf(err),
			"status", status,
			"latency", latency.String(),
			"error", err,
		)
		if resp != nil && errors.Is(err, domain.ErrPeerError) {
			// The peer answered with an error indicator; return its reply
			// verbatim under a failure status.
			writeRawJSON(w, status, resp.Raw)
			return
		}
		writeError(w, status, err)
		return
	}
	tracer.SetOK(span)

	s.logger.Debug("command dispatched", "type", env.Type, "latency", latency.String())
	writeRawJSON(w, http.StatusOK, resp.Raw)
}

type statusResponse struct {
	Connections   []string `json:"connections"`
	Pending       int      `json:"pending_requests"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Version       string   `json:"version"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Connections:   s.deps.Registry.ListIDs(),
		Pending:       s.deps.Pending.PendingCount(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Version:       s.cfg.Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorizeCaller enforces X-API-Key through the credential gate. Writes the
// 401 itself and reports whether the request may proceed.
func (s *Server) authorizeCaller(w http.ResponseWriter, r *http.Request) bool {
	const op = "API.Auth"

	key := r.Header.Get("X-API-Key")
	if key == "" {
		writeError(w, http.StatusUnauthorized,
			domain.NewDomainError(op, domain.ErrMissingIdentity, "X-API-Key header required"))
		return false
	}
	ok, err := s.deps.Gate.Authorize(r.Context(), key)
	if err != nil {
		s.logger.Warn("credential gate failed closed", "error", err)
		writeError(w, http.StatusUnauthorized,
			domain.NewDomainError(op, domain.ErrInvalidCredential, "gate unavailable"))
		return false
	}
	if !ok {
		writeError(w, http.StatusUnauthorized,
			domain.NewDomainError(op, domain.ErrInvalidCredential, ""))
		return false
	}
	return true
}

// requireAdmin guards the administration endpoints with the configured bearer
// token. With no token configured the surface is absent.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			writeError(w, http.StatusNotFound,
				domain.NewDomainError("API.Admin", domain.ErrNotFound, "administration disabled"))
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized,
				domain.NewDomainError("API.Admin", domain.ErrUnauthorized, "admin token required"))
			return
		}
		next(w, r)
	}
}

// statusFor maps a dispatch or admin error to its HTTP status. The mapping is
// 1:1 and stable; monitoring keys off it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNoPeerConnected), errors.Is(err, domain.ErrPeerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrRequestTimeout), errors.Is(err, domain.ErrRequestExpired):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrPeerError):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrProtocolError),
		errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrKeyRevoked):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrConnectionNotFound),
		errors.Is(err, domain.ErrKeyNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, status int, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(raw)
}
