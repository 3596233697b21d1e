package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestHealthAlwaysOK(t *testing.T) {
	s := New(nil, nil, nil, nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, 200, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Contains(t, body, "uptime_s")
}

func TestReadyFlipsWithStartupState(t *testing.T) {
	s := New(nil, nil, nil, nil, zerolog.Nop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	require.Equal(t, 503, rec.Code)
	require.Contains(t, rec.Body.String(), "starting")

	s.SetReady()
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "ready")
}

func TestDiagnosticsReportsProvidersAndErrors(t *testing.T) {
	ring := NewErrorRing(4)
	ring.Record("anthropic stream: 529")
	pingers := []Pinger{
		{Name: "anthropic", Ping: func(ctx context.Context) error { return nil }},
		{Name: "ollama", Ping: func(ctx context.Context) error { return errors.New("connection refused") }},
	}
	s := New(nil, pingers, ring, nil, zerolog.Nop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/diagnostics", nil))
	require.Equal(t, 200, rec.Code)

	var body struct {
		Providers    map[string]string `json:"providers"`
		RecentErrors []string          `json:"recent_errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Providers["anthropic"])
	require.Contains(t, body.Providers["ollama"], "unreachable")
	require.Len(t, body.RecentErrors, 1)
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.Inc("remy_messages_total")
	m.Add("remy_tokens_total", 42)
	s := New(nil, nil, nil, m, zerolog.Nop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "remy_messages_total 1")
	require.Contains(t, body, "remy_tokens_total 42")
	require.Contains(t, body, "remy_uptime_seconds")
}

func TestErrorRingEvictsOldest(t *testing.T) {
	ring := NewErrorRing(2)
	ring.Record("first")
	ring.Record("second")
	ring.Record("third")
	snap := ring.Snapshot()
	require.Len(t, snap, 2)
	require.True(t, strings.HasSuffix(snap[0], "second"))
	require.True(t, strings.HasSuffix(snap[1], "third"))
}
