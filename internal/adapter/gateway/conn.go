package gateway

import (
	"context"
	"sync"

	"nhooyr.io/websocket"

	"vtt-relay/internal/domain"
)

// Close codes for admission and supersession outcomes, in the private range so
// clients can branch on the cause without parsing the reason text.
const (
	StatusSuperseded        websocket.StatusCode = 4000
	StatusMissingIdentity   websocket.StatusCode = 4001
	StatusInvalidCredential websocket.StatusCode = 4002
)

// peerConn is the transport half of one admitted connection. It satisfies
// domain.PeerLink so the registry and correlator never touch websocket types.
type peerConn struct {
	ws        *websocket.Conn
	sendCh    chan *domain.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newPeerConn(ws *websocket.Conn) *peerConn {
	return &peerConn{
		ws:     ws,
		sendCh: make(chan *domain.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Send queues a frame for the write loop. It never blocks: a closed link or a
// full queue is an immediate delivery failure.
func (pc *peerConn) Send(_ context.Context, env *domain.Envelope) error {
	const op = "PeerConn.Send"

	select {
	case <-pc.done:
		return domain.NewDomainError(op, domain.ErrDeliveryFailure, "connection closed")
	default:
	}

	select {
	case pc.sendCh <- env:
		return nil
	case <-pc.done:
		return domain.NewDomainError(op, domain.ErrDeliveryFailure, "connection closed")
	default:
		return domain.NewDomainError(op, domain.ErrDeliveryFailure, "send queue full")
	}
}

// Close completes the closing handshake with the code mapped from reason.
// Only the first call takes effect; later calls return nil.
func (pc *peerConn) Close(reason domain.CloseReason) error {
	var err error
	pc.closeOnce.Do(func() {
		close(pc.done)
		err = pc.ws.Close(closeCode(reason), string(reason))
	})
	return err
}

func closeCode(reason domain.CloseReason) websocket.StatusCode {
	switch reason {
	case domain.CloseSuperseded:
		return StatusSuperseded
	case domain.CloseMissingIdentity:
		return StatusMissingIdentity
	case domain.CloseInvalidCredential:
		return StatusInvalidCredential
	case domain.CloseShutdown:
		return websocket.StatusGoingAway
	default:
		return websocket.StatusNormalClosure
	}
}
