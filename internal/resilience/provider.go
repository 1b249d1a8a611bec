package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/livecoach/pkg/provider/s2s"
)

// GuardedProvider implements [s2s.Provider] by routing every Connect through
// a [CircuitBreaker]. Only the handshake is guarded; once a session is open,
// its transport and timeout failures belong to the caller.
type GuardedProvider struct {
	inner   s2s.Provider
	name    string
	breaker *CircuitBreaker
}

var _ s2s.Provider = (*GuardedProvider)(nil)

// NewGuardedProvider wraps inner. name labels the provider in errors and logs.
// Unless cfg.IsFailure says otherwise, [IsUpstreamFailure] decides which
// errors count.
func NewGuardedProvider(inner s2s.Provider, name string, cfg CircuitBreakerConfig) *GuardedProvider {
	if cfg.Name == "" {
		cfg.Name = name
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = IsUpstreamFailure
	}
	return &GuardedProvider{
		inner:   inner,
		name:    name,
		breaker: NewCircuitBreaker(cfg),
	}
}

// Connect dials the wrapped provider unless the breaker is open, in which
// case it fails fast with a [*s2s.ConnectError] wrapping [ErrCircuitOpen].
func (g *GuardedProvider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	var sess s2s.Session
	err := g.breaker.Execute(func() error {
		var err error
		sess, err = g.inner.Connect(ctx, cfg)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, &s2s.ConnectError{Provider: g.name, Diagnostic: "upstream unavailable", Err: ErrCircuitOpen}
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Breaker exposes the underlying breaker for health reporting.
func (g *GuardedProvider) Breaker() *CircuitBreaker { return g.breaker }

// IsUpstreamFailure reports whether err indicates the backend itself is
// unhealthy. Caller cancellation is not.
func IsUpstreamFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
