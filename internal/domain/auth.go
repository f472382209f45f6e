package domain

import "context"

// CredentialScheme validates one class of credential. Schemes are composed by
// the auth gate; a credential is accepted when any enabled scheme accepts it.
type CredentialScheme interface {
	// Name identifies the scheme in logs and events.
	Name() string

	// Authorize reports whether the credential is acceptable. An error means
	// the scheme could not decide (backing store unavailable); the gate
	// fails closed in that case.
	Authorize(ctx context.Context, credential string) (bool, error)
}

// CredentialGate is the composed decision consumed by socket admission and by
// the REST caller authentication.
type CredentialGate interface {
	Authorize(ctx context.Context, credential string) (bool, error)
}
