package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vAudience/vertx-stomp/internal/journal"
	"github.com/vAudience/vertx-stomp/internal/logging"
	"github.com/vAudience/vertx-stomp/internal/networking"
)

type stubReadiness struct {
	connections  int
	transactions int
	uptime       time.Duration
}

func (s *stubReadiness) ConnectionCount() int         { return s.connections }
func (s *stubReadiness) TransactionCount() int        { return s.transactions }
func (s *stubReadiness) Uptime() time.Duration        { return s.uptime }

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

type stubRoller struct {
	segment string
	err     error
	calls   int
}

func (s *stubRoller) Roll() (string, error) {
	s.calls++
	return s.segment, s.err
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)

	handlers.LivenessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp %q", payload.Timestamp)
	}
}

func TestReadinessHandlerReportsCounts(t *testing.T) {
	readiness := &stubReadiness{connections: 3, transactions: 1, uptime: 45 * time.Second}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Readiness: readiness})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	handlers.ReadinessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		Status           string  `json:"status"`
		UptimeSeconds    float64 `json:"uptime_seconds"`
		Connections      int     `json:"connections"`
		LiveTransactions int     `json:"live_transactions"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "ok" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Connections != 3 || payload.LiveTransactions != 1 {
		t.Fatalf("unexpected counts: %+v", payload)
	}
	if payload.UptimeSeconds != readiness.uptime.Seconds() {
		t.Fatalf("unexpected uptime: got %f want %f", payload.UptimeSeconds, readiness.uptime.Seconds())
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	readiness := &stubReadiness{connections: 2, transactions: 1, uptime: 90 * time.Second}
	current := time.Unix(0, 0)
	clock := func() time.Time { return current }
	bandwidth := networking.NewBandwidthRegulator(100, clock)
	if !bandwidth.Allow("conn-1", 100) {
		t.Fatalf("initial bandwidth allowance failed")
	}
	if bandwidth.Allow("conn-1", 10) {
		t.Fatalf("expected bandwidth request to be throttled")
	}
	current = current.Add(time.Second)

	retention := func() journal.StorageStats {
		return journal.StorageStats{Segments: 5, Headers: 5, Bytes: 12345, LastSweep: time.Unix(1700000000, 0)}
	}

	handlers := NewHandlerSet(Options{
		Logger:           logging.NewTestLogger(),
		Readiness:        readiness,
		Bandwidth:        bandwidth,
		JournalRetention: retention,
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handlers.MetricsHandler().ServeHTTP(rr, req)

	if got := rr.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	body := rr.Body.String()
	for _, substr := range []string{
		"stomp_broker_uptime_seconds 90",
		"stomp_broker_connections 2",
		"stomp_broker_live_transactions 1",
		`stomp_broker_bandwidth_bytes_per_second{connection="conn-1"} 100.00`,
		`stomp_broker_bandwidth_denied_total{connection="conn-1"} 1`,
		"stomp_broker_journal_segments 5",
		"stomp_broker_journal_bytes 12345",
	} {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics missing %q:\n%s", substr, body)
		}
	}
}

func TestJournalRollHandlerAuthAndRateLimits(t *testing.T) {
	roller := &stubRoller{segment: "/tmp/segment-2"}
	limiter := &stubLimiter{remaining: 1}
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Journal:     roller,
		AdminToken:  "topsecret",
		RateLimiter: limiter,
	})

	makeRequest := func(token string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/admin/journal/roll", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		handlers.JournalRollHandler().ServeHTTP(rr, req)
		return rr
	}

	if resp := makeRequest(""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for missing token, got %d", resp.Code)
	}

	if resp := makeRequest("topsecret"); resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for authorised request, got %d", resp.Code)
	}
	if roller.calls != 1 {
		t.Fatalf("expected roller invoked once, got %d", roller.calls)
	}

	if resp := makeRequest("topsecret"); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", resp.Code)
	}
}

func TestJournalRollHandlerRejectsNonPost(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:     logging.NewTestLogger(),
		Journal:    &stubRoller{},
		AdminToken: "topsecret",
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/journal/roll", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	handlers.JournalRollHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestJournalRollHandlerDisabledWithoutAdminToken(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:  logging.NewTestLogger(),
		Journal: &stubRoller{},
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/journal/roll", nil)
	handlers.JournalRollHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}
