// Package auth composes the credential schemes admission and the REST facade
// authenticate against.
package auth

import (
	"context"
	"fmt"
	"log/slog"

	"vtt-relay/internal/domain"
)

// Gate accepts a credential when any enabled scheme accepts it. A scheme
// error fails that scheme closed but does not mask acceptance by another; if
// nothing accepted and a scheme errored, the error is surfaced so callers
// know the decision was degraded.
type Gate struct {
	schemes []domain.CredentialScheme
	logger  *slog.Logger
}

// NewGate builds a gate over the given schemes, consulted in order.
func NewGate(logger *slog.Logger, schemes ...domain.CredentialScheme) *Gate {
	return &Gate{schemes: schemes, logger: logger}
}

// Authorize implements domain.CredentialGate.
func (g *Gate) Authorize(ctx context.Context, credential string) (bool, error) {
	if credential == "" {
		return false, nil
	}

	var firstErr error
	for _, scheme := range g.schemes {
		ok, err := scheme.Authorize(ctx, credential)
		if err != nil {
			g.logger.Warn("auth scheme unavailable", "scheme", scheme.Name(), "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", scheme.Name(), err)
			}
			continue
		}
		if ok {
			g.logger.Debug("credential accepted", "scheme", scheme.Name())
			return true, nil
		}
	}
	return false, firstErr
}

// SchemeNames lists the enabled schemes for the status surface.
func (g *Gate) SchemeNames() []string {
	names := make([]string, 0, len(g.schemes))
	for _, s := range g.schemes {
		names = append(names, s.Name())
	}
	return names
}

var _ domain.CredentialGate = (*Gate)(nil)

// ClientIDScheme accepts credentials by format alone: 8 to 64 alphanumeric
// characters by default. It consults no storage, which keeps casual LAN
// setups running without key provisioning.
type ClientIDScheme struct {
	minLen int
	maxLen int
}

// NewClientIDScheme builds the format scheme. Non-positive bounds fall back
// to the 8/64 defaults.
func NewClientIDScheme(minLen, maxLen int) *ClientIDScheme {
	if minLen <= 0 {
		minLen = 8
	}
	if maxLen <= 0 {
		maxLen = 64
	}
	return &ClientIDScheme{minLen: minLen, maxLen: maxLen}
}

func (s *ClientIDScheme) Name() string { return "client-id" }

func (s *ClientIDScheme) Authorize(_ context.Context, credential string) (bool, error) {
	if len(credential) < s.minLen || len(credential) > s.maxLen {
		return false, nil
	}
	for i := 0; i < len(credential); i++ {
		c := credential[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		default:
			return false, nil
		}
	}
	return true, nil
}

var _ domain.CredentialScheme = (*ClientIDScheme)(nil)

// KeyValidator is the slice of the key store the key scheme needs.
type KeyValidator interface {
	Validate(ctx context.Context, credential string) (bool, error)
}

// KeyScheme accepts credentials that match a non-revoked managed key.
type KeyScheme struct {
	store KeyValidator
}

// NewKeyScheme builds the managed-key scheme over store.
func NewKeyScheme(store KeyValidator) *KeyScheme {
	return &KeyScheme{store: store}
}

func (s *KeyScheme) Name() string { return "api-key" }

func (s *KeyScheme) Authorize(ctx context.Context, credential string) (bool, error) {
	return s.store.Validate(ctx, credential)
}

var _ domain.CredentialScheme = (*KeyScheme)(nil)
