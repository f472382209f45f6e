package domain

import "time"

// APIKey is a managed credential accepted by the key-store auth scheme. Only
// the SHA-256 digest of the key material is persisted; the raw key is shown
// once at creation time.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the key has been withdrawn.
func (k *APIKey) Revoked() bool { return k.RevokedAt != nil }
