package rest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"vtt-relay/internal/domain"
	"vtt-relay/internal/usecase/correlator"
)

// Dispatcher submits one command to the peer and blocks for its outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *domain.Envelope, timeout time.Duration) (*domain.Envelope, error)
}

// CorrelatorDispatcher adapts the correlator's enqueue/await pair to the
// blocking shape the HTTP handlers use.
type CorrelatorDispatcher struct {
	Correlator *correlator.Correlator
}

// Dispatch implements Dispatcher.
func (d CorrelatorDispatcher) Dispatch(ctx context.Context, env *domain.Envelope, timeout time.Duration) (*domain.Envelope, error) {
	call, err := d.Correlator.Enqueue(ctx, env, timeout)
	if err != nil {
		return nil, err
	}
	return call.Await(ctx)
}

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the dispatch circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration
}

// BreakerDispatcher wraps a Dispatcher with a circuit breaker. When the peer
// stops answering, the circuit opens and callers fail fast instead of each
// waiting out the full request timeout.
type BreakerDispatcher struct {
	inner   Dispatcher
	breaker *gobreaker.CircuitBreaker[*domain.Envelope]
	logger  *slog.Logger
}

// NewBreakerDispatcher wraps inner with a circuit breaker.
// If cfg is zero-valued, sensible defaults are used.
func NewBreakerDispatcher(inner Dispatcher, cfg BreakerConfig, logger *slog.Logger) *BreakerDispatcher {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.Envelope](gobreaker.Settings{
		Name:        "peer-dispatch",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: isDispatchSuccess,
	})

	return &BreakerDispatcher{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// isDispatchSuccess decides which outcomes count against the breaker. Only
// peer-side transport failures do: a missing peer already fails fast, and a
// peer that answers with an application error is a healthy peer.
func isDispatchSuccess(err error) bool {
	if err == nil {
		return true
	}
	return !errors.Is(err, domain.ErrDeliveryFailure) &&
		!errors.Is(err, domain.ErrRequestTimeout) &&
		!errors.Is(err, domain.ErrRequestExpired)
}

// Dispatch implements Dispatcher. Calls are routed through the circuit breaker.
func (d *BreakerDispatcher) Dispatch(ctx context.Context, env *domain.Envelope, timeout time.Duration) (*domain.Envelope, error) {
	resp, err := d.breaker.Execute(func() (*domain.Envelope, error) {
		return d.inner.Dispatch(ctx, env, timeout)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, domain.NewDomainError("Dispatch.Breaker", domain.ErrPeerUnavailable, "circuit open")
		}
		// Peer rejections carry the response envelope through with the error.
		return resp, err
	}
	return resp, nil
}

// State returns the current circuit breaker state for monitoring.
func (d *BreakerDispatcher) State() gobreaker.State {
	return d.breaker.State()
}

// Compile-time interface checks.
var (
	_ Dispatcher = CorrelatorDispatcher{}
	_ Dispatcher = (*BreakerDispatcher)(nil)
)
