package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vAudience/vertx-stomp/internal/journal"
	"github.com/vAudience/vertx-stomp/internal/logging"
	"github.com/vAudience/vertx-stomp/internal/networking"
)

// ReadinessProvider exposes broker state required for readiness checks.
type ReadinessProvider interface {
	ConnectionCount() int
	TransactionCount() int
	Uptime() time.Duration
}

// JournalRoller rolls the active audit journal segment and reports where the
// new segment lives.
type JournalRoller interface {
	Roll() (string, error)
}

// JournalRollerFunc adapts a function into a JournalRoller.
type JournalRollerFunc func() (string, error)

// Roll implements JournalRoller.
func (f JournalRollerFunc) Roll() (string, error) { return f() }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures a HandlerSet.
type Options struct {
	Logger            *logging.Logger
	Readiness         ReadinessProvider
	Bandwidth         *networking.BandwidthRegulator
	Journal           JournalRoller
	JournalRetention  func() journal.StorageStats
	AdminToken        string
	RateLimiter       RateLimiter
	TimeSource        func() time.Time
}

// HandlerSet bundles the broker's operational HTTP surface: liveness,
// readiness, Prometheus-style metrics, and an admin-gated journal roll.
type HandlerSet struct {
	logger           *logging.Logger
	readiness        ReadinessProvider
	bandwidth        *networking.BandwidthRegulator
	journal          JournalRoller
	journalRetention func() journal.StorageStats
	adminToken       string
	rateLimiter      RateLimiter
	now              func() time.Time
}

// NewHandlerSet constructs a HandlerSet from opts.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:           logger,
		readiness:        opts.Readiness,
		bandwidth:        opts.Bandwidth,
		journal:          opts.Journal,
		journalRetention: opts.JournalRetention,
		adminToken:       strings.TrimSpace(opts.AdminToken),
		rateLimiter:      opts.RateLimiter,
		now:              now,
	}
}

// Register attaches every handler to mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	if h.journal != nil {
		mux.HandleFunc("/admin/journal/roll", h.JournalRollHandler())
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports broker readiness, including connection and
// transaction counts.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status            string  `json:"status"`
		UptimeSeconds     float64 `json:"uptime_seconds"`
		Connections       int     `json:"connections"`
		LiveTransactions  int     `json:"live_transactions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Connections = h.readiness.ConnectionCount()
			resp.LiveTransactions = h.readiness.TransactionCount()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// MetricsHandler emits Prometheus-compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		var uptime float64
		var connections, transactions int
		if h.readiness != nil {
			uptime = h.readiness.Uptime().Seconds()
			connections = h.readiness.ConnectionCount()
			transactions = h.readiness.TransactionCount()
		}
		fmt.Fprintf(w, "# HELP stomp_broker_uptime_seconds Broker uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE stomp_broker_uptime_seconds gauge\n")
		fmt.Fprintf(w, "stomp_broker_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP stomp_broker_connections Current connected STOMP sessions.\n")
		fmt.Fprintf(w, "# TYPE stomp_broker_connections gauge\n")
		fmt.Fprintf(w, "stomp_broker_connections %d\n", connections)

		fmt.Fprintf(w, "# HELP stomp_broker_live_transactions Live client transactions awaiting commit or abort.\n")
		fmt.Fprintf(w, "# TYPE stomp_broker_live_transactions gauge\n")
		fmt.Fprintf(w, "stomp_broker_live_transactions %d\n", transactions)

		if h.bandwidth != nil {
			usage := h.bandwidth.SnapshotUsage()
			if len(usage) > 0 {
				fmt.Fprintf(w, "# HELP stomp_broker_bandwidth_bytes_per_second Observed outbound bandwidth per connection in bytes per second.\n")
				fmt.Fprintf(w, "# TYPE stomp_broker_bandwidth_bytes_per_second gauge\n")
				for connID, sample := range usage {
					fmt.Fprintf(w, "stomp_broker_bandwidth_bytes_per_second{connection=%q} %.2f\n", connID, sample.BytesPerSecond)
				}
				fmt.Fprintf(w, "# HELP stomp_broker_bandwidth_denied_total Total throttled deliveries per connection.\n")
				fmt.Fprintf(w, "# TYPE stomp_broker_bandwidth_denied_total counter\n")
				for connID, sample := range usage {
					fmt.Fprintf(w, "stomp_broker_bandwidth_denied_total{connection=%q} %d\n", connID, sample.DeniedDeliveries)
				}
			}
		}

		if h.journalRetention != nil {
			stats := h.journalRetention()
			fmt.Fprintf(w, "# HELP stomp_broker_journal_segments Journal segments currently retained.\n")
			fmt.Fprintf(w, "# TYPE stomp_broker_journal_segments gauge\n")
			fmt.Fprintf(w, "stomp_broker_journal_segments %d\n", stats.Segments)
			fmt.Fprintf(w, "# HELP stomp_broker_journal_bytes Total on-disk size of retained journal segments in bytes.\n")
			fmt.Fprintf(w, "# TYPE stomp_broker_journal_bytes gauge\n")
			fmt.Fprintf(w, "stomp_broker_journal_bytes %d\n", stats.Bytes)
		}
	}
}

// JournalRollHandler authorises and triggers a journal segment roll.
func (h *HandlerSet) JournalRollHandler() http.HandlerFunc {
	type response struct {
		Status  string `json:"status"`
		Segment string `json:"segment,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "journal_roll"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("journal roll denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("journal roll denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("journal roll denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.journal == nil {
			reqLogger.Warn("journal roll denied: journaling disabled")
			http.Error(w, "journaling is unavailable", http.StatusServiceUnavailable)
			return
		}
		segment, err := h.journal.Roll()
		if err != nil {
			reqLogger.Error("journal roll failed", logging.Error(err))
			http.Error(w, "failed to roll journal", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("journal segment rolled", logging.String("segment", segment))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Segment: segment})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
