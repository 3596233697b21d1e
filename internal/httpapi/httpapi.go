// Package httpapi serves the health/admin endpoints of spec.md §6 on the
// stdlib ServeMux, the way the teacher's cmd/agent wires its own routes:
// /health, /ready, /metrics (Prometheus text exposition), /diagnostics.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/remy/internal/queue"
)

// Pinger probes one provider's reachability for /diagnostics.
type Pinger struct {
	Name string
	Ping func(ctx context.Context) error
}

// Server carries the handlers' shared state.
type Server struct {
	startedAt time.Time
	ready     atomic.Bool
	queue     *queue.Queue
	pingers   []Pinger
	errors    *ErrorRing
	metrics   *Metrics
	log       zerolog.Logger
}

// New builds the admin server state. queue may be nil in tests.
func New(q *queue.Queue, pingers []Pinger, errors *ErrorRing, metrics *Metrics, log zerolog.Logger) *Server {
	if errors == nil {
		errors = NewErrorRing(32)
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{
		startedAt: time.Now(),
		queue:     q,
		pingers:   pingers,
		errors:    errors,
		metrics:   metrics,
		log:       log,
	}
}

// SetReady flips /ready to 200 once database init and scheduler start
// complete.
func (s *Server) SetReady() { s.ready.Store(true) }

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /diagnostics", s.handleDiagnostics)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime_s": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready.Load() {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.metrics.WriteTo(w)
	fmt.Fprintf(w, "# TYPE remy_uptime_seconds gauge\nremy_uptime_seconds %d\n", int(time.Since(s.startedAt).Seconds()))
	if s.queue != nil {
		if stats, err := s.queue.GetStats(r.Context()); err == nil {
			fmt.Fprintf(w, "# TYPE remy_outbound_queue_depth gauge\nremy_outbound_queue_depth{status=\"pending\"} %d\nremy_outbound_queue_depth{status=\"failed\"} %d\n",
				stats.Pending, stats.Failed)
		}
	}
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	providers := map[string]string{}
	for _, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			providers[p.Name] = fmt.Sprintf("unreachable: %v", err)
		} else {
			providers[p.Name] = "ok"
		}
	}

	report := map[string]any{
		"uptime_s":      int(time.Since(s.startedAt).Seconds()),
		"providers":     providers,
		"recent_errors": s.errors.Snapshot(),
	}
	if s.queue != nil {
		if stats, err := s.queue.GetStats(ctx); err == nil {
			report["queue"] = map[string]int{
				"pending":  stats.Pending,
				"sending":  stats.Sending,
				"sent_24h": stats.Sent24h,
				"failed":   stats.Failed,
			}
		}
	}
	writeJSON(w, http.StatusOK, report)
}

// Serve runs the admin server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("addr", addr).Msg("admin http server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ErrorRing keeps the last N error strings for /diagnostics.
type ErrorRing struct {
	mu   sync.Mutex
	max  int
	ring []string
}

// NewErrorRing builds a ring holding up to max entries.
func NewErrorRing(max int) *ErrorRing {
	if max <= 0 {
		max = 32
	}
	return &ErrorRing{max: max}
}

// Record appends an error, evicting the oldest past capacity.
func (e *ErrorRing) Record(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ring = append(e.ring, fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), msg))
	if len(e.ring) > e.max {
		e.ring = e.ring[len(e.ring)-e.max:]
	}
}

// Snapshot returns a copy of the current entries, oldest first.
func (e *ErrorRing) Snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.ring))
	copy(out, e.ring)
	return out
}

// Metrics is a minimal named-counter set rendered in Prometheus text
// exposition format; a full client library has nothing to attach to in this
// single-process deployment (see DESIGN.md).
type Metrics struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewMetrics builds an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{counters: map[string]int64{}}
}

// Inc bumps a counter.
func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
}

// Add adds delta to a counter.
func (m *Metrics) Add(name string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += delta
}

// WriteTo renders all counters, sorted by name for stable output.
func (m *Metrics) WriteTo(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.counters))
	for name := range m.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "# TYPE %s counter\n%s %d\n", name, name, m.counters[name])
	}
}
