package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"vtt-relay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- fakes ---

type fakeGate struct {
	accept map[string]bool
	err    error
}

func (g *fakeGate) Authorize(_ context.Context, credential string) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	return g.accept[credential], nil
}

type fakeLink struct {
	mu     sync.Mutex
	sent   []*domain.Envelope
	closed []domain.CloseReason
}

func (l *fakeLink) Send(_ context.Context, env *domain.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, env)
	return nil
}

func (l *fakeLink) Close(reason domain.CloseReason) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, reason)
	return nil
}

func (l *fakeLink) closeReasons() []domain.CloseReason {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.CloseReason, len(l.closed))
	copy(out, l.closed)
	return out
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	gate := &fakeGate{accept: map[string]bool{
		"abcdefgh12": true,
		"xyz99999":   true,
	}}
	return New(gate, nil, testLogger(), Config{IdleAfter: time.Minute})
}

func admit(t *testing.T, r *Registry, id, credential string) (*domain.Peer, *fakeLink) {
	t.Helper()
	link := &fakeLink{}
	peer, err := r.Admit(context.Background(), AdmitRequest{
		ID:         id,
		Credential: credential,
		RemoteAddr: "127.0.0.1:50000",
	}, link)
	if err != nil {
		t.Fatalf("Admit(%q): %v", id, err)
	}
	return peer, link
}

// --- tests ---

func TestAdmitSuccess(t *testing.T) {
	r := testRegistry(t)
	peer, link := admit(t, r, "gm-1", "abcdefgh12")

	if peer.Status != domain.PeerStatusAdmitted {
		t.Errorf("status = %q, want admitted", peer.Status)
	}
	if ids := r.ListIDs(); len(ids) != 1 || ids[0] != "gm-1" {
		t.Errorf("ListIDs = %v", ids)
	}

	// The new socket got its welcome notification.
	link.mu.Lock()
	defer link.mu.Unlock()
	if len(link.sent) != 1 || link.sent[0].Type != domain.MsgTypeWelcome {
		t.Fatalf("sent = %+v, want one welcome frame", link.sent)
	}
	var frame map[string]string
	if err := json.Unmarshal(link.sent[0].Raw, &frame); err != nil {
		t.Fatalf("welcome unmarshal: %v", err)
	}
	if frame["connectionId"] != "gm-1" {
		t.Errorf("welcome connectionId = %q", frame["connectionId"])
	}
}

func TestAdmitMissingIdentity(t *testing.T) {
	r := testRegistry(t)

	_, err := r.Admit(context.Background(), AdmitRequest{Credential: "abcdefgh12"}, &fakeLink{})
	if !errors.Is(err, domain.ErrMissingIdentity) {
		t.Errorf("missing id: expected ErrMissingIdentity, got: %v", err)
	}

	_, err = r.Admit(context.Background(), AdmitRequest{ID: "gm-1"}, &fakeLink{})
	if !errors.Is(err, domain.ErrMissingIdentity) {
		t.Errorf("missing credential: expected ErrMissingIdentity, got: %v", err)
	}

	if n := r.Count(); n != 0 {
		t.Errorf("count = %d after rejected admissions", n)
	}
}

func TestAdmitInvalidCredential(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Admit(context.Background(), AdmitRequest{ID: "gm-1", Credential: "!!bad!!"}, &fakeLink{})
	if !errors.Is(err, domain.ErrInvalidCredential) {
		t.Errorf("expected ErrInvalidCredential, got: %v", err)
	}
}

func TestAdmitGateErrorFailsClosed(t *testing.T) {
	gate := &fakeGate{err: fmt.Errorf("store offline")}
	r := New(gate, nil, testLogger(), Config{})

	_, err := r.Admit(context.Background(), AdmitRequest{ID: "gm-1", Credential: "abcdefgh12"}, &fakeLink{})
	if !errors.Is(err, domain.ErrInvalidCredential) {
		t.Errorf("expected ErrInvalidCredential on gate failure, got: %v", err)
	}
}

func TestSupersession(t *testing.T) {
	r := testRegistry(t)

	// First admission under gm-1.
	first, link1 := admit(t, r, "gm-1", "abcdefgh12")

	// Reconnect under the same id with a different valid credential.
	second, link2 := admit(t, r, "gm-1", "xyz99999")

	reasons := link1.closeReasons()
	if len(reasons) != 1 || reasons[0] != domain.CloseSuperseded {
		t.Fatalf("old link close reasons = %v, want [superseded]", reasons)
	}
	if len(link2.closeReasons()) != 0 {
		t.Error("new link must stay open")
	}

	// Exactly one entry remains and the new connection is primary.
	if ids := r.ListIDs(); len(ids) != 1 || ids[0] != "gm-1" {
		t.Errorf("ListIDs = %v", ids)
	}
	_, primary, ok := r.Primary()
	if !ok {
		t.Fatal("no primary after supersession")
	}
	if primary.Seq != second.Seq {
		t.Errorf("primary seq = %d, want new conn %d (old %d)", primary.Seq, second.Seq, first.Seq)
	}
}

func TestPrimaryOldestSurviving(t *testing.T) {
	r := testRegistry(t)
	admit(t, r, "a", "abcdefgh12")
	time.Sleep(2 * time.Millisecond)
	admit(t, r, "b", "abcdefgh12")
	time.Sleep(2 * time.Millisecond)
	admit(t, r, "c", "abcdefgh12")

	_, primary, ok := r.Primary()
	if !ok || primary.ID != "a" {
		t.Fatalf("primary = %+v, want a", primary)
	}

	// When the oldest goes away, the next-oldest takes over.
	r.Remove(context.Background(), "a")
	_, primary, ok = r.Primary()
	if !ok || primary.ID != "b" {
		t.Fatalf("primary after removal = %+v, want b", primary)
	}
}

func TestPrimaryNoneWhenEmpty(t *testing.T) {
	r := testRegistry(t)
	if _, _, ok := r.Primary(); ok {
		t.Error("empty registry reported a primary")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	r := testRegistry(t)
	_, link := admit(t, r, "gm-1", "abcdefgh12")

	if !r.Remove(context.Background(), "gm-1") {
		t.Fatal("first remove should drop the entry")
	}
	reasons := link.closeReasons()
	if len(reasons) != 1 || reasons[0] != domain.CloseNormal {
		t.Errorf("close reasons = %v", reasons)
	}

	if r.Remove(context.Background(), "gm-1") {
		t.Error("second remove should be a no-op")
	}
	if r.Remove(context.Background(), "never-admitted") {
		t.Error("removing an unknown id should be a no-op")
	}
}

func TestReleaseGenerationAware(t *testing.T) {
	r := testRegistry(t)
	first, _ := admit(t, r, "gm-1", "abcdefgh12")
	second, _ := admit(t, r, "gm-1", "xyz99999")

	// The superseded connection's teardown must not evict its successor.
	if r.Release(context.Background(), "gm-1", first.Seq) {
		t.Error("stale release dropped the successor entry")
	}
	if n := r.Count(); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	if !r.Release(context.Background(), "gm-1", second.Seq) {
		t.Error("matching release should drop the entry")
	}
	if n := r.Count(); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestListIDsReflectsLiveSet(t *testing.T) {
	r := testRegistry(t)
	admit(t, r, "gm-1", "abcdefgh12")
	admit(t, r, "player-2", "abcdefgh12")
	admit(t, r, "display-3", "abcdefgh12")
	r.Remove(context.Background(), "player-2")

	ids := r.ListIDs()
	want := []string{"display-3", "gm-1"}
	if len(ids) != len(want) {
		t.Fatalf("ListIDs = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ListIDs = %v, want %v (sorted)", ids, want)
		}
	}
}

func TestIdleFlaggingAndRecovery(t *testing.T) {
	r := testRegistry(t)
	admit(t, r, "gm-1", "abcdefgh12")

	// Backdate the liveness timestamp past the idle window.
	r.mu.Lock()
	r.peers["gm-1"].peer.LastLiveness = time.Now().Add(-5 * time.Minute)
	r.mu.Unlock()

	if n := r.CheckIdle(context.Background()); n != 1 {
		t.Fatalf("CheckIdle flagged %d, want 1", n)
	}
	peers := r.List()
	if peers[0].Status != domain.PeerStatusIdle {
		t.Errorf("status = %q, want idle", peers[0].Status)
	}

	// Idle peers remain live and primary-eligible.
	if _, _, ok := r.Primary(); !ok {
		t.Error("idle peer should still be primary")
	}

	// A liveness frame brings it back.
	r.MarkLiveness("gm-1")
	if n := r.CheckIdle(context.Background()); n != 0 {
		t.Errorf("CheckIdle after liveness flagged %d, want 0", n)
	}
	if got := r.List()[0].Status; got != domain.PeerStatusActive {
		t.Errorf("status = %q, want active", got)
	}
}

type failingLink struct {
	fakeLink
}

func (l *failingLink) Send(context.Context, *domain.Envelope) error {
	return domain.NewDomainError("test", domain.ErrDeliveryFailure, "queue full")
}

func TestBroadcastSkipsFailedSends(t *testing.T) {
	r := testRegistry(t)
	_, link1 := admit(t, r, "gm-1", "abcdefgh12")
	_, link2 := admit(t, r, "player-2", "abcdefgh12")

	// A third connection whose send queue rejects everything.
	if _, err := r.Admit(context.Background(), AdmitRequest{ID: "display-3", Credential: "abcdefgh12"}, &failingLink{}); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	env, err := domain.NewEnvelope("table.announce", map[string]any{"text": "session starts"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if n := r.Broadcast(context.Background(), env); n != 2 {
		t.Fatalf("Broadcast delivered %d, want 2", n)
	}

	for i, link := range []*fakeLink{link1, link2} {
		link.mu.Lock()
		if len(link.sent) != 2 || link.sent[1].Type != "table.announce" {
			t.Errorf("link %d sent %d frames, want welcome then broadcast", i, len(link.sent))
		}
		link.mu.Unlock()
	}
}

func TestCloseAll(t *testing.T) {
	r := testRegistry(t)
	_, link1 := admit(t, r, "gm-1", "abcdefgh12")
	_, link2 := admit(t, r, "player-2", "abcdefgh12")

	r.CloseAll(domain.CloseShutdown)

	if n := r.Count(); n != 0 {
		t.Errorf("count = %d after CloseAll", n)
	}
	for i, link := range []*fakeLink{link1, link2} {
		reasons := link.closeReasons()
		if len(reasons) != 1 || reasons[0] != domain.CloseShutdown {
			t.Errorf("link %d close reasons = %v", i, reasons)
		}
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", n)
			_, err := r.Admit(ctx, AdmitRequest{ID: id, Credential: "abcdefgh12"}, &fakeLink{})
			if err != nil {
				t.Errorf("Admit(%s): %v", id, err)
				return
			}
			r.Touch(id)
			r.MarkLiveness(id)
			r.ListIDs()
			r.Primary()
			r.Release(ctx, id, 0) // stale seq, must not drop
		}(i)
	}
	wg.Wait()

	if n := r.Count(); n != 20 {
		t.Errorf("count = %d, want 20", n)
	}
}
