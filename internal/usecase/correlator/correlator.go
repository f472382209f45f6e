// Package correlator matches synchronous command submissions to asynchronous
// peer responses by requestId. Every pending entry settles exactly once: via
// the peer's response, the per-call timer, the periodic sweep, or shutdown.
package correlator

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"vtt-relay/internal/domain"
)

// PeerSource provides the primary connection used to carry outbound frames.
type PeerSource interface {
	Primary() (domain.PeerLink, *domain.Peer, bool)
}

// Outcome is the settled result of a call. Env is non-nil for responses,
// including peer-rejected ones; Err is non-nil for every failure outcome.
type Outcome struct {
	Env *domain.Envelope
	Err error
}

// Call is the handle for one in-flight command.
type Call struct {
	id string
	ch chan Outcome
}

// ID returns the correlation id stamped into the transmitted frame.
func (c *Call) ID() string { return c.id }

// Done yields the single settlement of this call.
func (c *Call) Done() <-chan Outcome { return c.ch }

// Await blocks until the call settles or ctx is done.
func (c *Call) Await(ctx context.Context) (*domain.Envelope, error) {
	select {
	case out := <-c.ch:
		return out.Env, out.Err
	case <-ctx.Done():
		return nil, domain.WrapOp("Correlator.Await", ctx.Err())
	}
}

type pendingRequest struct {
	id        string
	msgType   string
	peerID    string
	createdAt time.Time
	timer     *time.Timer
	ch        chan Outcome
}

// Config bounds per-call timers.
type Config struct {
	// DefaultTimeout applies when the caller passes no timeout.
	DefaultTimeout time.Duration
	// MaxTimeout clamps caller-chosen timeouts. The maintenance sweep age
	// must be at least this large so the sweep never races a live timer.
	MaxTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 15 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 60 * time.Second
	}
}

// Correlator owns the pending-request table.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool

	peers  PeerSource
	bus    domain.EventBus
	logger *slog.Logger
	cfg    Config

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// New creates a correlator dispatching through peers.
func New(peers PeerSource, bus domain.EventBus, logger *slog.Logger, cfg Config) *Correlator {
	cfg.applyDefaults()
	return &Correlator{
		pending: make(map[string]*pendingRequest),
		peers:   peers,
		bus:     bus,
		logger:  logger,
		cfg:     cfg,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// NewID generates a collision-resistant correlation id: millisecond timestamp
// plus monotonic random suffix.
func (c *Correlator) NewID() string {
	c.entropyMu.Lock()
	defer c.entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), c.entropy).String()
}

// Enqueue registers a command and transmits it to the primary connection.
//
// With no live connection it fails synchronously with ErrNoPeerConnected:
// nothing is registered and no timer is armed. A transmission failure removes
// the entry immediately and returns ErrDeliveryFailure rather than leaving
// the caller to wait out the timeout. The envelope is stamped with a fresh id
// when it carries none.
func (c *Correlator) Enqueue(ctx context.Context, env *domain.Envelope, timeout time.Duration) (*Call, error) {
	const op = "Correlator.Enqueue"

	if env == nil || env.Type == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "envelope missing type")
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	if timeout > c.cfg.MaxTimeout {
		timeout = c.cfg.MaxTimeout
	}

	link, peer, ok := c.peers.Primary()
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrNoPeerConnected, "")
	}

	id := env.RequestID
	if id == "" {
		id = c.NewID()
		stamped, err := env.WithRequestID(id)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		env = stamped
	}

	req := &pendingRequest{
		id:        id,
		msgType:   env.Type,
		peerID:    peer.ID,
		createdAt: time.Now(),
		ch:        make(chan Outcome, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.NewDomainError(op, domain.ErrUnavailable, "correlator closed")
	}
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return nil, domain.NewDomainError(op, domain.ErrDuplicateRequest, id)
	}
	c.pending[id] = req
	c.mu.Unlock()

	if err := link.Send(ctx, env); err != nil {
		c.drop(id)
		c.emit(ctx, domain.EventRequestFailed, peer.ID, requestDetail{RequestID: id, Type: req.msgType, Error: err.Error()})
		c.logger.Warn("frame delivery failed",
			"request_id", id,
			"type", req.msgType,
			"connection_id", peer.ID,
			"error", err,
		)
		return nil, domain.NewDomainError(op, domain.ErrDeliveryFailure, err.Error())
	}

	// Arm the timer only if the entry is still pending; the peer may already
	// have answered.
	c.mu.Lock()
	if cur, ok := c.pending[id]; ok && cur == req {
		cur.timer = time.AfterFunc(timeout, func() { c.timeout(id, timeout) })
	}
	c.mu.Unlock()

	c.logger.Debug("request enqueued",
		"request_id", id,
		"type", req.msgType,
		"connection_id", peer.ID,
		"timeout", timeout.String(),
	)
	return &Call{id: id, ch: req.ch}, nil
}

// Resolve settles the pending entry for id with a peer response. Unknown or
// already-settled ids are a silent no-op: late and duplicate responses are
// discarded by design of the at-most-once settlement. Returns whether a
// pending entry was settled.
func (c *Correlator) Resolve(id string, env *domain.Envelope) bool {
	if id == "" || env == nil {
		return false
	}

	req, ok := c.take(id)
	if !ok {
		return false
	}

	latency := time.Since(req.createdAt)
	if env.IsFailure() {
		req.ch <- Outcome{
			Env: env,
			Err: domain.NewDomainError("Correlator.Resolve", domain.ErrPeerError, env.ErrorText),
		}
		c.emit(context.Background(), domain.EventRequestFailed, req.peerID,
			requestDetail{RequestID: id, Type: req.msgType, Error: env.ErrorText})
		c.logger.Debug("request rejected by peer",
			"request_id", id,
			"type", req.msgType,
			"latency", latency.String(),
			"error", env.ErrorText,
		)
		return true
	}

	req.ch <- Outcome{Env: env}
	c.emit(context.Background(), domain.EventRequestResolved, req.peerID,
		requestDetail{RequestID: id, Type: req.msgType, LatencyMS: latency.Milliseconds()})
	c.logger.Debug("request resolved",
		"request_id", id,
		"type", req.msgType,
		"latency", latency.String(),
	)
	return true
}

// Sweep force-expires every entry at least maxAge old at the moment of the
// call and returns how many it expired. Younger entries are never touched.
// Safe to run concurrently with timers and resolution: settlement is
// delete-under-lock, so each entry still fires exactly once.
func (c *Correlator) Sweep(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	var victims []*pendingRequest
	for id, req := range c.pending {
		if !req.createdAt.After(cutoff) {
			delete(c.pending, id)
			victims = append(victims, req)
		}
	}
	c.mu.Unlock()

	for _, req := range victims {
		if req.timer != nil {
			req.timer.Stop()
		}
		req.ch <- Outcome{Err: domain.NewDomainError("Correlator.Sweep", domain.ErrRequestExpired, req.id)}
		c.emit(context.Background(), domain.EventRequestExpired, req.peerID,
			requestDetail{RequestID: req.id, Type: req.msgType})
		c.logger.Warn("request expired by sweep",
			"request_id", req.id,
			"type", req.msgType,
			"age", time.Since(req.createdAt).String(),
		)
	}
	return len(victims)
}

// PendingCount reports the number of unsettled entries.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending entry and rejects further enqueues. Idempotent.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	victims := make([]*pendingRequest, 0, len(c.pending))
	for id, req := range c.pending {
		delete(c.pending, id)
		victims = append(victims, req)
	}
	c.mu.Unlock()

	for _, req := range victims {
		if req.timer != nil {
			req.timer.Stop()
		}
		req.ch <- Outcome{Err: domain.NewDomainError("Correlator.Close", domain.ErrDeliveryFailure, "relay shutting down")}
	}
	if len(victims) > 0 {
		c.logger.Info("failed pending requests on shutdown", "count", len(victims))
	}
}

func (c *Correlator) timeout(id string, after time.Duration) {
	req, ok := c.take(id)
	if !ok {
		return
	}
	req.ch <- Outcome{Err: domain.NewDomainError("Correlator.Timeout", domain.ErrRequestTimeout, after.String())}
	c.emit(context.Background(), domain.EventRequestTimeout, req.peerID,
		requestDetail{RequestID: id, Type: req.msgType})
	c.logger.Warn("request timed out",
		"request_id", id,
		"type", req.msgType,
		"timeout", after.String(),
	)
}

// take removes and returns the pending entry for id, stopping its timer.
func (c *Correlator) take(id string) (*pendingRequest, bool) {
	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	return req, true
}

// drop removes the entry for id without settling it. Used only on the enqueue
// path before the caller holds a Call.
func (c *Correlator) drop(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Correlator) emit(ctx context.Context, eventType domain.EventType, connID string, detail requestDetail) {
	if c.bus == nil {
		return
	}
	c.bus.Emit(ctx, eventType, connID, detail)
}

type requestDetail struct {
	RequestID string `json:"request_id"`
	Type      string `json:"type,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}
