package rest

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"vtt-relay/internal/domain"
)

// Metrics tracks relay counters for the metrics endpoint. Counters are fed by
// event bus subscriptions so the socket and dispatch hot paths never touch
// them directly.
type Metrics struct {
	Admissions     atomic.Int64
	Supersessions  atomic.Int64
	Disconnects    atomic.Int64
	PeerEvents     atomic.Int64
	Resolved       atomic.Int64
	Timeouts       atomic.Int64
	Expired        atomic.Int64
	Failed         atomic.Int64
	ProtocolErrors atomic.Int64
	KeysCreated    atomic.Int64
	KeysRevoked    atomic.Int64
}

// observe wires the counters to the bus and returns the unsubscribe hook.
func (m *Metrics) observe(bus domain.EventBus) func() {
	if bus == nil {
		return func() {}
	}

	counters := map[domain.EventType]*atomic.Int64{
		domain.EventPeerAdmitted:     &m.Admissions,
		domain.EventPeerSuperseded:   &m.Supersessions,
		domain.EventPeerDisconnected: &m.Disconnects,
		domain.EventPeerEvent:        &m.PeerEvents,
		domain.EventRequestResolved:  &m.Resolved,
		domain.EventRequestTimeout:   &m.Timeouts,
		domain.EventRequestExpired:   &m.Expired,
		domain.EventRequestFailed:    &m.Failed,
		domain.EventProtocolError:    &m.ProtocolErrors,
		domain.EventKeyCreated:       &m.KeysCreated,
		domain.EventKeyRevoked:       &m.KeysRevoked,
	}

	unsubs := make([]func(), 0, len(counters))
	for eventType, counter := range counters {
		c := counter
		unsubs = append(unsubs, bus.Subscribe(eventType, func(context.Context, domain.Event) {
			c.Add(1)
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// handleMetrics serves GET /metrics in Prometheus text format. The lightweight
// text format avoids pulling in the full prometheus client.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	m := s.metrics

	// Connection metrics.
	fmt.Fprintf(w, "# HELP vttrelay_connections_active Live peer connections.\n")
	fmt.Fprintf(w, "# TYPE vttrelay_connections_active gauge\n")
	fmt.Fprintf(w, "vttrelay_connections_active %d\n", s.deps.Registry.Count())

	fmt.Fprintf(w, "# HELP vttrelay_admissions_total Total admitted connections.\n")
	fmt.Fprintf(w, "# TYPE vttrelay_admissions_total counter\n")
	fmt.Fprintf(w, "vttrelay_admissions_total %d\n", m.Admissions.Load())

	fmt.Fprintf(w, "# HELP vttrelay_supersessions_total Connections replaced by a reconnect under the same id.\n")
	fmt.Fprintf(w, "# TYPE vttrelay_supersessions_total counter\n")
	fmt.Fprintf(w, "vttrelay_supersessions_total %d\n", m.Supersessions.Load())

	fmt.Fprintf(w, "# HELP vttrelay_disconnects_total Total peer disconnects.\n")
	fmt.Fprintf(w, "# TYPE vttrelay_disconnects_total counter\n")
	fmt.Fprintf(w, "vttrelay_disconnects_total %d\n", m.Disconnects.Load())

	// Request metrics.
	fmt.Fprintf(w, "# HELP vttrelay_requests_pending In-flight correlated commands.\n")
	fmt.Fprintf(w, "# TYPE vttrelay_requests_pending gauge\n")
	fmt.Fprintf(w, "vttrelay_requests_pending %d\n", s.deps.Pending.PendingCount())

	fmt.Fprintf(w, "# HELP vttrelay_requests_resolved_total Commands answered by the peer.\n")
	fmt.Fprintf(w, "# TYPE vttrelay_requests_resolved_total counter\n")
	fmt.Fprintf(w, "vttrelay_requests_resolved_total %d\n", m.Resolved.Load())

	fmt.Fprintf(w, "# HELP vttrelay_requests_timeout_total Commands that hit the per-call timer.\n")
	fmt.Fprintf(w, "# TYPE vttrelay_requests_timeout_total counter\n")
	fmt.Fprintf(w, "vttrelay_requests_timeout_total %d\n", m.Timeouts.Load())

	fmt.Fprintf(w, "# HELP vttrelay_requests_expired_total Commands force-expired by the sweep.\n")
	fmt.Fprintf(w, "# TYPE vttrelay_requests_expired_total counter\n")
	fmt.Fprintf(w, "vttrelay_requests_expired_total %d\n", m.Expired.Load())

	fmt.Fprintf(w, "# HELP vttrelay_requests_failed_total Commands that failed delivery or were rejected by the peer.\n")
	fmt.Fprintf(w, "# TYPE vttrelay_requests_failed_total counter\n")
	fmt.Fprintf(w, "vttrelay_requests_failed_total %d\n", m.Failed.Load())

	// Wire metrics.
	fmt.Fprintf(w, "# HELP vttrelay_protocol_errors_total Unparseable frames received.\n")
	fmt.Fprintf(w, "# TYPE vttrelay_protocol_errors_total counter\n")
	fmt.Fprintf(w, "vttrelay_protocol_errors_total %d\n", m.ProtocolErrors.Load())

	fmt.Fprintf(w, "# HELP vttrelay_peer_events_total Unsolicited frames forwarded as events.\n")
	fmt.Fprintf(w, "# TYPE vttrelay_peer_events_total counter\n")
	fmt.Fprintf(w, "vttrelay_peer_events_total %d\n", m.PeerEvents.Load())

	if s.deps.Frames != nil {
		in, out := s.deps.Frames.FrameCounts()
		fmt.Fprintf(w, "# HELP vttrelay_frames_received_total Frames read from peer sockets.\n")
		fmt.Fprintf(w, "# TYPE vttrelay_frames_received_total counter\n")
		fmt.Fprintf(w, "vttrelay_frames_received_total %d\n", in)

		fmt.Fprintf(w, "# HELP vttrelay_frames_sent_total Frames written to peer sockets.\n")
		fmt.Fprintf(w, "# TYPE vttrelay_frames_sent_total counter\n")
		fmt.Fprintf(w, "vttrelay_frames_sent_total %d\n", out)
	}

	// Key metrics.
	fmt.Fprintf(w, "# HELP vttrelay_keys_created_total API keys created.\n")
	fmt.Fprintf(w, "# TYPE vttrelay_keys_created_total counter\n")
	fmt.Fprintf(w, "vttrelay_keys_created_total %d\n", m.KeysCreated.Load())

	fmt.Fprintf(w, "# HELP vttrelay_keys_revoked_total API keys revoked.\n")
	fmt.Fprintf(w, "# TYPE vttrelay_keys_revoked_total counter\n")
	fmt.Fprintf(w, "vttrelay_keys_revoked_total %d\n", m.KeysRevoked.Load())

	// Uptime.
	fmt.Fprintf(w, "# HELP vttrelay_uptime_seconds Seconds since the relay started.\n")
	fmt.Fprintf(w, "# TYPE vttrelay_uptime_seconds gauge\n")
	fmt.Fprintf(w, "vttrelay_uptime_seconds %.0f\n", time.Since(s.startTime).Seconds())

	// Go runtime metrics.
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
	fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
	fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)

	fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total bytes of memory obtained from the OS.\n")
	fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_sys_bytes %d\n", mem.Sys)

	fmt.Fprintf(w, "# HELP go_gc_duration_seconds Total GC pause duration.\n")
	fmt.Fprintf(w, "# TYPE go_gc_duration_seconds gauge\n")
	fmt.Fprintf(w, "go_gc_duration_seconds %f\n", float64(mem.PauseTotalNs)/1e9)
}
