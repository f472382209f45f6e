package correlator

import (
	"context"
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

type fakeLink struct {
	mu      sync.Mutex
	sent    []*domain.Envelope
	sendErr error
}

func (l *fakeLink) Send(_ context.Context, env *domain.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, env)
	return nil
}

func (l *fakeLink) Close(domain.CloseReason) error { return nil }

func (l *fakeLink) lastSent(t *testing.T) *domain.Envelope {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sent) == 0 {
		t.Fatal("no frame was sent")
	}
	return l.sent[len(l.sent)-1]
}

type fakePeers struct {
	link *fakeLink
	ok   bool
}

func (p *fakePeers) Primary() (domain.PeerLink, *domain.Peer, bool) {
	if !p.ok {
		return nil, nil, false
	}
	return p.link, &domain.Peer{ID: "gm-1", AdmittedAt: time.Now()}, true
}

func testCorrelator(t *testing.T, peers PeerSource) *Correlator {
	t.Helper()
	return New(peers, nil, testLogger(), Config{
		DefaultTimeout: time.Second,
		MaxTimeout:     5 * time.Second,
	})
}

func rollEnvelope(t *testing.T) *domain.Envelope {
	t.Helper()
	env, err := domain.ParseEnvelope([]byte(`{"type":"roll","formula":"1d20"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return env
}

func responseFor(t *testing.T, id string) *domain.Envelope {
	t.Helper()
	env, err := domain.ParseEnvelope([]byte(fmt.Sprintf(`{"type":"roll-result","requestId":%q,"total":17}`, id)))
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	return env
}

// --- tests ---

func TestEnqueueNoPeerFailsFast(t *testing.T) {
	c := testCorrelator(t, &fakePeers{ok: false})

	start := time.Now()
	_, err := c.Enqueue(context.Background(), rollEnvelope(t), 2*time.Second)
	if !errors.Is(err, domain.ErrNoPeerConnected) {
		t.Fatalf("expected ErrNoPeerConnected, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("rejection took %v, want synchronous", elapsed)
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("pending = %d, want 0 (nothing registered)", n)
	}
}

func TestEnqueueStampsRequestID(t *testing.T) {
	link := &fakeLink{}
	c := testCorrelator(t, &fakePeers{link: link, ok: true})

	call, err := c.Enqueue(context.Background(), rollEnvelope(t), time.Second)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if call.ID() == "" {
		t.Fatal("call has empty id")
	}
	if len(call.ID()) != 26 {
		t.Errorf("id %q is not a ULID", call.ID())
	}

	sent := link.lastSent(t)
	if sent.RequestID != call.ID() {
		t.Errorf("transmitted id %q != call id %q", sent.RequestID, call.ID())
	}
	// The original payload must survive the stamping.
	if sent.Type != "roll" {
		t.Errorf("transmitted type = %q", sent.Type)
	}
}

func TestEnqueueKeepsCallerRequestID(t *testing.T) {
	link := &fakeLink{}
	c := testCorrelator(t, &fakePeers{link: link, ok: true})

	env, err := domain.ParseEnvelope([]byte(`{"type":"roll","requestId":"caller-7","formula":"1d4"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	call, err := c.Enqueue(context.Background(), env, time.Second)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if call.ID() != "caller-7" {
		t.Errorf("call id = %q, want caller-7", call.ID())
	}
}

func TestEnqueueDuplicateRequestID(t *testing.T) {
	link := &fakeLink{}
	c := testCorrelator(t, &fakePeers{link: link, ok: true})

	env, _ := domain.ParseEnvelope([]byte(`{"type":"roll","requestId":"dup-1"}`))
	if _, err := c.Enqueue(context.Background(), env, time.Minute); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	_, err := c.Enqueue(context.Background(), env, time.Minute)
	if !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestResolveSettlesCall(t *testing.T) {
	link := &fakeLink{}
	c := testCorrelator(t, &fakePeers{link: link, ok: true})

	call, err := c.Enqueue(context.Background(), rollEnvelope(t), 2*time.Second)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	resp := responseFor(t, call.ID())
	go func() {
		time.Sleep(50 * time.Millisecond)
		c.Resolve(call.ID(), resp)
	}()

	env, err := call.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if env.Type != "roll-result" {
		t.Errorf("response type = %q", env.Type)
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("pending = %d after resolve", n)
	}
}

func TestResolveUnknownIDNoOp(t *testing.T) {
	c := testCorrelator(t, &fakePeers{ok: false})
	if c.Resolve("never-seen", responseFor(t, "never-seen")) {
		t.Error("resolve of unknown id reported a settlement")
	}
}

func TestResolveTwiceSecondNoOp(t *testing.T) {
	link := &fakeLink{}
	c := testCorrelator(t, &fakePeers{link: link, ok: true})

	call, err := c.Enqueue(context.Background(), rollEnvelope(t), 2*time.Second)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	resp := responseFor(t, call.ID())

	if !c.Resolve(call.ID(), resp) {
		t.Fatal("first resolve should settle")
	}
	if c.Resolve(call.ID(), resp) {
		t.Fatal("second resolve should be a no-op")
	}

	// Exactly one outcome is delivered.
	<-call.Done()
	select {
	case out := <-call.Done():
		t.Fatalf("second outcome delivered: %+v", out)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResolvePeerErrorRejects(t *testing.T) {
	link := &fakeLink{}
	c := testCorrelator(t, &fakePeers{link: link, ok: true})

	call, err := c.Enqueue(context.Background(), rollEnvelope(t), 2*time.Second)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	resp, _ := domain.ParseEnvelope([]byte(fmt.Sprintf(
		`{"type":"roll-result","requestId":%q,"error":"unknown formula"}`, call.ID())))
	c.Resolve(call.ID(), resp)

	env, err := call.Await(context.Background())
	if !errors.Is(err, domain.ErrPeerError) {
		t.Fatalf("expected ErrPeerError, got: %v", err)
	}
	if env == nil || env.ErrorText != "unknown formula" {
		t.Errorf("failure envelope = %+v", env)
	}
}

func TestTimeoutFiresNearDeadline(t *testing.T) {
	link := &fakeLink{}
	c := testCorrelator(t, &fakePeers{link: link, ok: true})

	start := time.Now()
	call, err := c.Enqueue(context.Background(), rollEnvelope(t), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	_, err = call.Await(context.Background())
	elapsed := time.Since(start)
	if !errors.Is(err, domain.ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got: %v", err)
	}
	if elapsed < 80*time.Millisecond || elapsed > time.Second {
		t.Errorf("timed out after %v, want ~100ms", elapsed)
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("pending = %d after timeout", n)
	}
}

func TestDeliveryFailureImmediate(t *testing.T) {
	link := &fakeLink{sendErr: fmt.Errorf("send queue full")}
	c := testCorrelator(t, &fakePeers{link: link, ok: true})

	start := time.Now()
	_, err := c.Enqueue(context.Background(), rollEnvelope(t), 5*time.Second)
	if !errors.Is(err, domain.ErrDeliveryFailure) {
		t.Fatalf("expected ErrDeliveryFailure, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("failure took %v, want immediate", elapsed)
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("pending = %d, want 0 after teardown", n)
	}
}

func TestSweepAgeBoundary(t *testing.T) {
	link := &fakeLink{}
	c := testCorrelator(t, &fakePeers{link: link, ok: true})

	oldCall, err := c.Enqueue(context.Background(), rollEnvelope(t), 5*time.Second)
	if err != nil {
		t.Fatalf("Enqueue old: %v", err)
	}
	youngCall, err := c.Enqueue(context.Background(), rollEnvelope(t), 5*time.Second)
	if err != nil {
		t.Fatalf("Enqueue young: %v", err)
	}

	maxAge := time.Minute
	// Backdate the first entry to exactly the cutoff age.
	c.mu.Lock()
	c.pending[oldCall.ID()].createdAt = time.Now().Add(-maxAge)
	c.mu.Unlock()

	if n := c.Sweep(maxAge); n != 1 {
		t.Fatalf("Sweep expired %d entries, want 1", n)
	}

	_, err = oldCall.Await(context.Background())
	if !errors.Is(err, domain.ErrRequestExpired) {
		t.Errorf("expected ErrRequestExpired, got: %v", err)
	}

	// The younger entry must survive untouched.
	if n := c.PendingCount(); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
	select {
	case out := <-youngCall.Done():
		t.Fatalf("young call settled by sweep: %+v", out)
	case <-time.After(50 * time.Millisecond):
	}

	// A second sweep finds nothing new.
	if n := c.Sweep(maxAge); n != 0 {
		t.Errorf("second Sweep expired %d entries, want 0", n)
	}
}

func TestSettleExactlyOnceUnderRace(t *testing.T) {
	link := &fakeLink{}
	c := testCorrelator(t, &fakePeers{link: link, ok: true})

	for i := 0; i < 25; i++ {
		call, err := c.Enqueue(context.Background(), rollEnvelope(t), 20*time.Millisecond)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		resp := responseFor(t, call.ID())

		// Response, sweep, and the per-call timer all race for the entry.
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Resolve(call.ID(), resp)
		}()
		go func() {
			defer wg.Done()
			c.Sweep(time.Nanosecond)
		}()
		wg.Wait()

		select {
		case <-call.Done():
		case <-time.After(time.Second):
			t.Fatal("call never settled")
		}
		select {
		case out := <-call.Done():
			t.Fatalf("iteration %d: second settlement: %+v", i, out)
		case <-time.After(40 * time.Millisecond):
		}
	}
}

func TestCloseFailsPendingAndRejectsNew(t *testing.T) {
	link := &fakeLink{}
	c := testCorrelator(t, &fakePeers{link: link, ok: true})

	call, err := c.Enqueue(context.Background(), rollEnvelope(t), time.Minute)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	c.Close()

	_, err = call.Await(context.Background())
	if !errors.Is(err, domain.ErrDeliveryFailure) {
		t.Errorf("expected ErrDeliveryFailure on shutdown, got: %v", err)
	}

	_, err = c.Enqueue(context.Background(), rollEnvelope(t), time.Second)
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable after close, got: %v", err)
	}
}

func TestAwaitHonorsContext(t *testing.T) {
	link := &fakeLink{}
	c := testCorrelator(t, &fakePeers{link: link, ok: true})

	call, err := c.Enqueue(context.Background(), rollEnvelope(t), time.Minute)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := call.Await(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}

	// The abandoned entry stays pending until its timer or the sweep reaps it.
	if n := c.PendingCount(); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestNewIDUnique(t *testing.T) {
	c := testCorrelator(t, &fakePeers{ok: false})
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := c.NewID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q after %d draws", id, i)
		}
		seen[id] = struct{}{}
	}
}
