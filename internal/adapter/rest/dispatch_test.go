package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vtt-relay/internal/domain"
	"vtt-relay/internal/usecase/correlator"
)

type mockDispatcher struct {
	mu           sync.Mutex
	calls        int
	dispatchFunc func(ctx context.Context, env *domain.Envelope, timeout time.Duration) (*domain.Envelope, error)
}

func (d *mockDispatcher) Dispatch(ctx context.Context, env *domain.Envelope, timeout time.Duration) (*domain.Envelope, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.dispatchFunc(ctx, env, timeout)
}

func (d *mockDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func rollEnvelope(t *testing.T) *domain.Envelope {
	t.Helper()
	env, err := domain.ParseEnvelope([]byte(`{"type":"roll","formula":"1d20"}`))
	require.NoError(t, err)
	return env
}

// --- Circuit Breaker Tests ---

func TestBreakerPassesThrough(t *testing.T) {
	reply, err := domain.ParseEnvelope([]byte(`{"type":"roll.result","total":14}`))
	require.NoError(t, err)

	inner := &mockDispatcher{
		dispatchFunc: func(_ context.Context, _ *domain.Envelope, _ time.Duration) (*domain.Envelope, error) {
			return reply, nil
		},
	}

	bd := NewBreakerDispatcher(inner, BreakerConfig{}, slog.Default())
	resp, err := bd.Dispatch(context.Background(), rollEnvelope(t), time.Second)

	require.NoError(t, err)
	assert.Equal(t, "roll.result", resp.Type)
}

func TestBreakerOpensAfterDeliveryFailures(t *testing.T) {
	inner := &mockDispatcher{
		dispatchFunc: func(_ context.Context, _ *domain.Envelope, _ time.Duration) (*domain.Envelope, error) {
			return nil, domain.NewDomainError("PeerConn.Send", domain.ErrDeliveryFailure, "send queue full")
		},
	}

	cfg := BreakerConfig{
		MaxFailures: 3,
		Timeout:     5 * time.Second,
		Interval:    60 * time.Second,
	}
	bd := NewBreakerDispatcher(inner, cfg, slog.Default())

	// First 3 calls go through and fail.
	for i := 0; i < 3; i++ {
		_, err := bd.Dispatch(context.Background(), rollEnvelope(t), time.Second)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrDeliveryFailure)
	}
	assert.Equal(t, 3, inner.callCount())

	// Circuit should now be open.
	assert.Equal(t, gobreaker.StateOpen, bd.State())

	// Next call should fail fast without reaching the correlator.
	_, err := bd.Dispatch(context.Background(), rollEnvelope(t), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPeerUnavailable)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 3, inner.callCount(), "dispatcher should not be called when circuit is open")
}

func TestBreakerIgnoresPeerRejections(t *testing.T) {
	reply, err := domain.ParseEnvelope([]byte(`{"type":"roll.result","error":"bad formula"}`))
	require.NoError(t, err)

	inner := &mockDispatcher{
		dispatchFunc: func(_ context.Context, _ *domain.Envelope, _ time.Duration) (*domain.Envelope, error) {
			return reply, domain.NewDomainError("Correlator.Resolve", domain.ErrPeerError, "bad formula")
		},
	}

	bd := NewBreakerDispatcher(inner, BreakerConfig{MaxFailures: 2}, slog.Default())

	// A peer that answers with application errors is a healthy peer; the
	// circuit must stay closed no matter how many rejections arrive.
	for i := 0; i < 10; i++ {
		resp, err := bd.Dispatch(context.Background(), rollEnvelope(t), time.Second)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrPeerError)
		require.NotNil(t, resp, "rejection envelope must pass through the breaker")
	}
	assert.Equal(t, gobreaker.StateClosed, bd.State())
	assert.Equal(t, 10, inner.callCount())
}

func TestBreakerIgnoresNoPeer(t *testing.T) {
	inner := &mockDispatcher{
		dispatchFunc: func(_ context.Context, _ *domain.Envelope, _ time.Duration) (*domain.Envelope, error) {
			return nil, domain.NewDomainError("Correlator.Enqueue", domain.ErrNoPeerConnected, "")
		},
	}

	bd := NewBreakerDispatcher(inner, BreakerConfig{MaxFailures: 2}, slog.Default())

	// No-peer already fails fast; tripping on it would only delay recovery
	// when the peer reconnects.
	for i := 0; i < 5; i++ {
		_, err := bd.Dispatch(context.Background(), rollEnvelope(t), time.Second)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrNoPeerConnected)
	}
	assert.Equal(t, gobreaker.StateClosed, bd.State())
	assert.Equal(t, 5, inner.callCount())
}

func TestBreakerClosesAfterSuccess(t *testing.T) {
	reply, err := domain.ParseEnvelope([]byte(`{"type":"roll.result","total":7}`))
	require.NoError(t, err)

	var mu sync.Mutex
	shouldFail := true
	inner := &mockDispatcher{
		dispatchFunc: func(_ context.Context, _ *domain.Envelope, _ time.Duration) (*domain.Envelope, error) {
			mu.Lock()
			failing := shouldFail
			mu.Unlock()
			if failing {
				return nil, domain.NewDomainError("Correlator", domain.ErrRequestTimeout, "")
			}
			return reply, nil
		},
	}

	cfg := BreakerConfig{
		MaxFailures: 2,
		Timeout:     50 * time.Millisecond, // short timeout for testing
		Interval:    60 * time.Second,
	}
	bd := NewBreakerDispatcher(inner, cfg, slog.Default())

	// Trip the breaker.
	for i := 0; i < 2; i++ {
		bd.Dispatch(context.Background(), rollEnvelope(t), time.Second)
	}
	assert.Equal(t, gobreaker.StateOpen, bd.State())

	// Wait for half-open transition.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, gobreaker.StateHalfOpen, bd.State())

	// Next call should probe (half-open allows 1 request).
	mu.Lock()
	shouldFail = false
	mu.Unlock()
	resp, err := bd.Dispatch(context.Background(), rollEnvelope(t), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "roll.result", resp.Type)

	// Circuit should be closed again.
	assert.Equal(t, gobreaker.StateClosed, bd.State())
}

func TestBreakerPropagatesInnerErrors(t *testing.T) {
	sentinel := errors.New("specific error")
	inner := &mockDispatcher{
		dispatchFunc: func(_ context.Context, _ *domain.Envelope, _ time.Duration) (*domain.Envelope, error) {
			return nil, sentinel
		},
	}

	bd := NewBreakerDispatcher(inner, BreakerConfig{MaxFailures: 10}, slog.Default())
	_, err := bd.Dispatch(context.Background(), rollEnvelope(t), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
}

func TestBreakerDefaultConfig(t *testing.T) {
	reply, err := domain.ParseEnvelope([]byte(`{"type":"pong"}`))
	require.NoError(t, err)

	inner := &mockDispatcher{
		dispatchFunc: func(_ context.Context, _ *domain.Envelope, _ time.Duration) (*domain.Envelope, error) {
			return reply, nil
		},
	}

	// Zero config should use sensible defaults, not panic.
	bd := NewBreakerDispatcher(inner, BreakerConfig{}, slog.Default())
	resp, err := bd.Dispatch(context.Background(), rollEnvelope(t), time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp)
}

// --- Correlator Dispatcher Tests ---

// loopbackPeer answers every transmitted frame by resolving its requestId
// through the correlator, standing in for a connected game client.
type loopbackPeer struct {
	mu    sync.Mutex
	corr  *correlator.Correlator
	reply func(requestID string) *domain.Envelope
}

func (p *loopbackPeer) Primary() (domain.PeerLink, *domain.Peer, bool) {
	return p, &domain.Peer{ID: "gm-1"}, true
}

func (p *loopbackPeer) Send(_ context.Context, env *domain.Envelope) error {
	p.mu.Lock()
	corr := p.corr
	reply := p.reply
	p.mu.Unlock()
	go corr.Resolve(env.RequestID, reply(env.RequestID))
	return nil
}

func (p *loopbackPeer) Close(domain.CloseReason) error { return nil }

func TestCorrelatorDispatcherRoundtrip(t *testing.T) {
	peer := &loopbackPeer{
		reply: func(id string) *domain.Envelope {
			env, _ := domain.ParseEnvelope([]byte(fmt.Sprintf(`{"type":"roll.result","requestId":%q,"total":14}`, id)))
			return env
		},
	}
	corr := correlator.New(peer, nil, slog.Default(), correlator.Config{})
	defer corr.Close()
	peer.mu.Lock()
	peer.corr = corr
	peer.mu.Unlock()

	d := CorrelatorDispatcher{Correlator: corr}
	resp, err := d.Dispatch(context.Background(), rollEnvelope(t), 2*time.Second)

	require.NoError(t, err)
	assert.Equal(t, "roll.result", resp.Type)
	assert.Equal(t, 0, corr.PendingCount())
}

func TestCorrelatorDispatcherPeerRejection(t *testing.T) {
	peer := &loopbackPeer{
		reply: func(id string) *domain.Envelope {
			env, _ := domain.ParseEnvelope([]byte(fmt.Sprintf(`{"type":"roll.result","requestId":%q,"error":"bad formula"}`, id)))
			return env
		},
	}
	corr := correlator.New(peer, nil, slog.Default(), correlator.Config{})
	defer corr.Close()
	peer.mu.Lock()
	peer.corr = corr
	peer.mu.Unlock()

	d := CorrelatorDispatcher{Correlator: corr}
	resp, err := d.Dispatch(context.Background(), rollEnvelope(t), 2*time.Second)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPeerError)
	require.NotNil(t, resp)
	assert.Equal(t, "bad formula", resp.ErrorText)
}

type emptyPeers struct{}

func (emptyPeers) Primary() (domain.PeerLink, *domain.Peer, bool) { return nil, nil, false }

func TestCorrelatorDispatcherNoPeer(t *testing.T) {
	corr := correlator.New(emptyPeers{}, nil, slog.Default(), correlator.Config{})
	defer corr.Close()

	d := CorrelatorDispatcher{Correlator: corr}
	_, err := d.Dispatch(context.Background(), rollEnvelope(t), time.Second)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoPeerConnected)
}
