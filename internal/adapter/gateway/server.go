// Package gateway terminates peer WebSocket connections and runs the frame
// dispatch loop: liveness frames are answered in place, correlated responses
// settle their pending command, and everything else is forwarded as an
// unsolicited peer event.
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
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"vtt-relay/internal/domain"
	"vtt-relay/internal/usecase/registry"
)

const (
	sendQueueSize = 64
	writeTimeout  = 5 * time.Second
)

// Resolver settles pending commands with correlated peer responses.
type Resolver interface {
	Resolve(id string, env *domain.Envelope) bool
}

// Config holds the gateway listener settings.
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// Server is the WebSocket endpoint game clients connect to.
type Server struct {
	registry *registry.Registry
	resolver Resolver
	bus      domain.EventBus
	logger   *slog.Logger
	cfg      Config

	httpSrv *http.Server

	mu        sync.RWMutex
	boundAddr string

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
}

// NewServer creates a gateway admitting connections into reg and settling
// correlated responses through resolver.
func NewServer(reg *registry.Registry, resolver Resolver, bus domain.EventBus, logger *slog.Logger, cfg Config) *Server {
	return &Server{
		registry: reg,
		resolver: resolver,
		bus:      bus,
		logger:   logger,
		cfg:      cfg,
	}
}

// Start begins accepting connections. Blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleSocket)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.httpSrv = &http.Server{Handler: mux}

	s.logger.Info("gateway started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every peer socket with the shutdown reason and shuts the
// listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.registry.CloseAll(domain.CloseShutdown)

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

// FrameCounts reports total frames read from and written to peer sockets.
func (s *Server) FrameCounts() (in, out uint64) {
	return s.framesIn.Load(), s.framesOut.Load()
}

// handleSocket runs the whole connection lifecycle: upgrade, admission, read
// loop, teardown. The socket is accepted before admission so rejections reach
// the client as machine-readable close codes instead of opaque handshake
// failures.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	token := r.URL.Query().Get("token")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	pc := newPeerConn(ws)
	go s.writeLoop(pc)

	peer, err := s.registry.Admit(r.Context(), registry.AdmitRequest{
		ID:         id,
		Credential: token,
		RemoteAddr: r.RemoteAddr,
	}, pc)
	if err != nil {
		pc.Close(closeReasonFor(err))
		s.logger.Info("admission rejected", "connection_id", id, "remote", r.RemoteAddr, "error", err)
		return
	}

	s.readLoop(r.Context(), pc, peer)

	// Normal teardown. A superseded connection was already closed by the
	// registry, and its stale seq makes the release a no-op.
	pc.Close(domain.CloseNormal)
	s.registry.Release(context.Background(), peer.ID, peer.Seq)
}

func (s *Server) readLoop(ctx context.Context, pc *peerConn, peer *domain.Peer) {
	for {
		select {
		case <-pc.done:
			return
		default:
		}

		_, data, err := pc.ws.Read(ctx)
		if err != nil {
			return
		}
		s.framesIn.Add(1)
		s.handleFrame(ctx, pc, peer.ID, data)
	}
}

func (s *Server) writeLoop(pc *peerConn) {
	for {
		select {
		case <-pc.done:
			return
		case env := <-pc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := pc.ws.Write(ctx, websocket.MessageText, env.Raw)
			cancel()
			if err != nil {
				return
			}
			s.framesOut.Add(1)
		}
	}
}

// handleFrame dispatches one inbound frame. Frames are handled inline so a
// connection's responses settle in arrival order.
func (s *Server) handleFrame(ctx context.Context, pc *peerConn, connID string, data []byte) {
	env, err := domain.ParseEnvelope(data)
	if err != nil {
		detail := "malformed frame"
		var de *domain.DomainError
		if errors.As(err, &de) && de.Detail != "" {
			detail = de.Detail
		}
		if sendErr := pc.Send(ctx, domain.ErrorEnvelope(detail)); sendErr != nil {
			s.logger.Debug("error reply not delivered", "connection_id", connID, "error", sendErr)
		}
		s.emit(ctx, domain.EventProtocolError, connID, frameDetail{Error: detail})
		s.logger.Warn("protocol error", "connection_id", connID, "error", err)
		return
	}

	s.registry.Touch(connID)

	switch env.Type {
	case domain.MsgTypePing:
		s.registry.MarkLiveness(connID)
		if err := pc.Send(ctx, domain.PongEnvelope()); err != nil {
			s.logger.Debug("pong not delivered", "connection_id", connID, "error", err)
		}
	case domain.MsgTypePong:
		s.registry.MarkLiveness(connID)
	default:
		if env.RequestID != "" {
			if !s.resolver.Resolve(env.RequestID, env) {
				s.logger.Debug("unmatched response discarded",
					"connection_id", connID,
					"request_id", env.RequestID,
					"type", env.Type,
				)
			}
			return
		}
		s.emit(ctx, domain.EventPeerEvent, connID, json.RawMessage(env.Raw))
		s.logger.Debug("peer event", "connection_id", connID, "type", env.Type)
	}
}

func closeReasonFor(err error) domain.CloseReason {
	switch {
	case errors.Is(err, domain.ErrMissingIdentity):
		return domain.CloseMissingIdentity
	case errors.Is(err, domain.ErrInvalidCredential):
		return domain.CloseInvalidCredential
	default:
		return domain.CloseNormal
	}
}

func (s *Server) emit(ctx context.Context, eventType domain.EventType, connID string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(ctx, eventType, connID, payload)
}

type frameDetail struct {
	Error string `json:"error"`
}
