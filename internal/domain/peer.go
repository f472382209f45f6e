package domain

import (
	"context"
	"time"
)

// PeerStatus tracks the lifecycle of one admitted connection. Closed is
// terminal; a reconnect under the same id is a new Peer.
type PeerStatus string

const (
	PeerStatusAdmitted PeerStatus = "admitted"
	PeerStatusActive   PeerStatus = "active"
	PeerStatusIdle     PeerStatus = "idle"
	PeerStatusClosed   PeerStatus = "closed"
)

// CloseReason is the machine-readable reason a peer socket closes with. The
// gateway maps each reason to a distinct close code on the wire.
type CloseReason string

const (
	CloseSuperseded        CloseReason = "superseded"
	CloseMissingIdentity   CloseReason = "missing identity"
	CloseInvalidCredential CloseReason = "invalid credential"
	CloseShutdown          CloseReason = "server shutting down"
	CloseNormal            CloseReason = "closed"
)

// Peer is the registry's record of one live connection.
type Peer struct {
	ID           string     `json:"id"`
	RemoteAddr   string     `json:"remote_addr,omitempty"`
	Seq          uint64     `json:"-"`
	AdmittedAt   time.Time  `json:"admitted_at"`
	LastLiveness time.Time  `json:"last_liveness"`
	Status       PeerStatus `json:"status"`
}

// PeerLink is the transport handle the registry and correlator use to reach a
// connection without depending on the socket implementation.
type PeerLink interface {
	// Send queues a frame for delivery. A closed link or a full send queue
	// returns ErrDeliveryFailure.
	Send(ctx context.Context, env *Envelope) error

	// Close tears the link down with a machine-readable reason. Safe to call
	// more than once; only the first call takes effect.
	Close(reason CloseReason) error
}
