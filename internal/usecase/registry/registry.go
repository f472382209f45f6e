// Package registry tracks admitted peer connections and selects the primary
// one. Admission owns the whole handshake decision: identity and credential
// checks, supersession of a previous connection under the same id, and the
// welcome notification.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"vtt-relay/internal/domain"
)

// Config tunes liveness bookkeeping.
type Config struct {
	// IdleAfter flags a peer idle when no liveness frame arrived for this
	// long. Idle peers stay live and primary-eligible.
	IdleAfter time.Duration
}

func (c *Config) applyDefaults() {
	if c.IdleAfter <= 0 {
		c.IdleAfter = 90 * time.Second
	}
}

// AdmitRequest carries the handshake parameters of one socket.
type AdmitRequest struct {
	ID         string
	Credential string
	RemoteAddr string
}

type entry struct {
	peer domain.Peer
	link domain.PeerLink
}

// Registry is the mutex-guarded table of live connections.
type Registry struct {
	mu      sync.RWMutex
	peers   map[string]*entry
	nextSeq atomic.Uint64

	gate   domain.CredentialGate
	bus    domain.EventBus
	logger *slog.Logger
	cfg    Config
}

// New creates a registry admitting through gate.
func New(gate domain.CredentialGate, bus domain.EventBus, logger *slog.Logger, cfg Config) *Registry {
	cfg.applyDefaults()
	return &Registry{
		peers:  make(map[string]*entry),
		gate:   gate,
		bus:    bus,
		logger: logger,
		cfg:    cfg,
	}
}

// Admit validates the handshake and registers the connection.
//
// A connection under the same id supersedes the previous one: the old entry
// is replaced atomically under the registry lock, so at no instant are both
// primary-eligible, and the old socket is closed with the superseded reason.
// On success the new socket receives a welcome frame.
func (r *Registry) Admit(ctx context.Context, req AdmitRequest, link domain.PeerLink) (*domain.Peer, error) {
	const op = "Registry.Admit"

	if req.ID == "" {
		return nil, domain.NewDomainError(op, domain.ErrMissingIdentity, "id parameter required")
	}
	if req.Credential == "" {
		return nil, domain.NewDomainError(op, domain.ErrMissingIdentity, "token parameter required")
	}

	// The gate may consult the key store; keep that out of the lock.
	allowed, err := r.gate.Authorize(ctx, req.Credential)
	if err != nil {
		r.logger.Warn("credential gate failed closed", "connection_id", req.ID, "error", err)
		return nil, domain.NewDomainError(op, domain.ErrInvalidCredential, "gate unavailable")
	}
	if !allowed {
		return nil, domain.NewDomainError(op, domain.ErrInvalidCredential, "")
	}

	now := time.Now()
	peer := domain.Peer{
		ID:           req.ID,
		RemoteAddr:   req.RemoteAddr,
		Seq:          r.nextSeq.Add(1),
		AdmittedAt:   now,
		LastLiveness: now,
		Status:       domain.PeerStatusAdmitted,
	}

	r.mu.Lock()
	old := r.peers[req.ID]
	r.peers[req.ID] = &entry{peer: peer, link: link}
	r.mu.Unlock()

	if old != nil {
		// The old entry left the table in the swap above; finish its close
		// handshake outside the lock.
		if err := old.link.Close(domain.CloseSuperseded); err != nil {
			r.logger.Debug("superseded close", "connection_id", req.ID, "error", err)
		}
		r.emit(ctx, domain.EventPeerSuperseded, req.ID, peerDetail{RemoteAddr: old.peer.RemoteAddr})
		r.logger.Info("connection superseded",
			"connection_id", req.ID,
			"old_remote", old.peer.RemoteAddr,
			"new_remote", req.RemoteAddr,
		)
	}

	if err := link.Send(ctx, domain.WelcomeEnvelope(req.ID)); err != nil {
		// The read loop will notice a dead socket; admission stands.
		r.logger.Warn("welcome frame not delivered", "connection_id", req.ID, "error", err)
	}

	r.emit(ctx, domain.EventPeerAdmitted, req.ID, peerDetail{RemoteAddr: req.RemoteAddr})
	r.logger.Info("peer admitted",
		"connection_id", req.ID,
		"remote", req.RemoteAddr,
		"seq", peer.Seq,
	)

	out := peer
	return &out, nil
}

// Remove unconditionally drops the entry for id and closes its socket.
// Removing an unknown id is a no-op; the return value reports whether an
// entry was dropped.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.mu.Lock()
	e, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := e.link.Close(domain.CloseNormal); err != nil {
		r.logger.Debug("close on remove", "connection_id", id, "error", err)
	}
	r.emit(ctx, domain.EventPeerDisconnected, id, peerDetail{RemoteAddr: e.peer.RemoteAddr})
	r.logger.Info("peer removed", "connection_id", id)
	return true
}

// Release drops the entry for id only when it still belongs to generation
// seq. The socket read loop uses it for teardown so a superseded connection's
// cleanup never evicts its successor.
func (r *Registry) Release(ctx context.Context, id string, seq uint64) bool {
	r.mu.Lock()
	e, ok := r.peers[id]
	if ok && e.peer.Seq == seq {
		delete(r.peers, id)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.emit(ctx, domain.EventPeerDisconnected, id, peerDetail{RemoteAddr: e.peer.RemoteAddr})
	r.logger.Info("peer disconnected", "connection_id", id)
	return true
}

// ListIDs returns the ids of every live connection, sorted.
func (r *Registry) ListIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// List returns a snapshot of every live connection, sorted by id.
func (r *Registry) List() []domain.Peer {
	r.mu.RLock()
	peers := make([]domain.Peer, 0, len(r.peers))
	for _, e := range r.peers {
		peers = append(peers, e.peer)
	}
	r.mu.RUnlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Count reports the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Primary selects the connection that carries outbound commands: the oldest
// surviving admission, by admission time with the admission sequence as the
// tiebreak. Idle peers are eligible; only removal ends eligibility.
func (r *Registry) Primary() (domain.PeerLink, *domain.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entry
	for _, e := range r.peers {
		if best == nil {
			best = e
			continue
		}
		if e.peer.AdmittedAt.Before(best.peer.AdmittedAt) ||
			(e.peer.AdmittedAt.Equal(best.peer.AdmittedAt) && e.peer.Seq < best.peer.Seq) {
			best = e
		}
	}
	if best == nil {
		return nil, nil, false
	}
	peer := best.peer
	return best.link, &peer, true
}

// Touch marks the connection active. Called for every inbound frame.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if e, ok := r.peers[id]; ok {
		e.peer.Status = domain.PeerStatusActive
	}
	r.mu.Unlock()
}

// MarkLiveness records a liveness frame (ping or pong) for the connection.
func (r *Registry) MarkLiveness(id string) {
	r.mu.Lock()
	if e, ok := r.peers[id]; ok {
		e.peer.LastLiveness = time.Now()
		e.peer.Status = domain.PeerStatusActive
	}
	r.mu.Unlock()
}

// CheckIdle flags peers without a liveness frame since the configured window
// as idle and returns how many it flagged. Run periodically by the
// maintenance scheduler.
func (r *Registry) CheckIdle(ctx context.Context) int {
	cutoff := time.Now().Add(-r.cfg.IdleAfter)

	r.mu.Lock()
	var flagged []domain.Peer
	for _, e := range r.peers {
		if e.peer.Status != domain.PeerStatusIdle && e.peer.LastLiveness.Before(cutoff) {
			e.peer.Status = domain.PeerStatusIdle
			flagged = append(flagged, e.peer)
		}
	}
	r.mu.Unlock()

	for _, p := range flagged {
		r.emit(ctx, domain.EventPeerIdle, p.ID, peerDetail{
			RemoteAddr:   p.RemoteAddr,
			LastLiveness: p.LastLiveness.Format(time.RFC3339),
		})
		r.logger.Warn("peer idle",
			"connection_id", p.ID,
			"last_liveness", p.LastLiveness.Format(time.RFC3339),
		)
	}
	return len(flagged)
}

// Broadcast queues a frame on every live connection and reports how many
// accepted it. Connections with a full send queue are skipped, not waited on.
func (r *Registry) Broadcast(ctx context.Context, env *domain.Envelope) int {
	r.mu.RLock()
	targets := make([]*entry, 0, len(r.peers))
	for _, e := range r.peers {
		targets = append(targets, e)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, e := range targets {
		if err := e.link.Send(ctx, env); err != nil {
			r.logger.Debug("broadcast skipped connection", "connection_id", e.peer.ID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// CloseAll tears down every connection with the given reason. Used on
// shutdown.
func (r *Registry) CloseAll(reason domain.CloseReason) {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.peers))
	for id, e := range r.peers {
		delete(r.peers, id)
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		if err := e.link.Close(reason); err != nil {
			r.logger.Debug("close on shutdown", "connection_id", e.peer.ID, "error", err)
		}
	}
	if len(entries) > 0 {
		r.logger.Info("closed all connections", "count", len(entries))
	}
}

func (r *Registry) emit(ctx context.Context, eventType domain.EventType, connID string, detail peerDetail) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(ctx, eventType, connID, detail)
}

type peerDetail struct {
	RemoteAddr   string `json:"remote_addr,omitempty"`
	LastLiveness string `json:"last_liveness,omitempty"`
}
