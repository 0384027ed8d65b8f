package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTCPAddr is the default address the raw STOMP TCP listener binds to.
	DefaultTCPAddr = ":61613"
	// DefaultWSAddr is the default address the STOMP-over-WebSocket HTTP server binds to.
	DefaultWSAddr = ":61614"

	// DefaultHeartbeatSendMs is the server's default heart-beat sx value in
	// milliseconds; CONNECT pairs it with the client's cy to set the idle-check period.
	DefaultHeartbeatSendMs = 1000
	// DefaultHeartbeatRecvMs is the server's default heart-beat sy value in
	// milliseconds; CONNECT pairs it with the client's cx to set the PING period.
	DefaultHeartbeatRecvMs = 1000

	// DefaultMaxFrameInTransaction bounds how many frames a single transaction may buffer.
	DefaultMaxFrameInTransaction = 1000
	// DefaultTransactionChunkSize of zero disables chunked commit dispatch.
	DefaultTransactionChunkSize = 0

	// DefaultMaxBodyLength bounds a single frame body in bytes.
	DefaultMaxBodyLength = 1 << 20
	// DefaultMaxHeaderLength bounds a single header line in bytes.
	DefaultMaxHeaderLength = 8 * 1024
	// DefaultMaxHeaders bounds the number of headers a single frame may carry.
	DefaultMaxHeaders = 128

	// DefaultSupportedVersions lists the STOMP protocol versions offered during negotiation.
	DefaultSupportedVersions = "1.0,1.1,1.2"

	// DefaultBandwidthBytesPerSecond caps per-connection outbound MESSAGE throughput.
	DefaultBandwidthBytesPerSecond = 48000.0 / 8.0

	// DefaultJournalMaxAge controls how long rolled journal segments are retained on disk.
	DefaultJournalMaxAge = 7 * 24 * time.Hour
	// DefaultJournalMaxSegments bounds how many rolled journal segments are retained.
	DefaultJournalMaxSegments = 100

	// DefaultLogLevel controls verbosity for broker logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "stomp-broker.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultAuthMode disables authentication; CONNECT accepts any login/passcode.
	DefaultAuthMode = "none"
	// DefaultHMACLeeway bounds clock skew tolerance when verifying bearer tokens.
	DefaultHMACLeeway = 30 * time.Second
)

// Config captures all runtime tunables for the STOMP broker.
type Config struct {
	TCPAddr        string
	WSAddr         string
	AllowedOrigins []string
	TLSCertPath    string
	TLSKeyPath     string
	AdminToken     string

	HeartbeatSendMs int
	HeartbeatRecvMs int

	MaxFrameInTransaction int
	TransactionChunkSize  int

	MaxBodyLength   int
	MaxHeaderLength int
	MaxHeaders      int

	Secured           bool
	TrailingLine      bool
	SupportedVersions []string

	// AuthMode selects the AuthProvider: "none", "static", or "hmac".
	AuthMode       string
	StaticLogin    string
	StaticPasscode string
	HMACSecret     string
	HMACLeeway     time.Duration

	BandwidthBytesPerSecond float64

	JournalDir         string
	JournalMaxAge      time.Duration
	JournalMaxSegments int

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the broker configuration from environment variables, applying sane defaults
// and returning one combined error describing every invalid override.
func Load() (*Config, error) {
	cfg := &Config{
		TCPAddr:        getString("STOMP_ADDR", DefaultTCPAddr),
		WSAddr:         getString("STOMP_WS_ADDR", DefaultWSAddr),
		AllowedOrigins: parseList(os.Getenv("STOMP_ALLOWED_ORIGINS")),
		TLSCertPath:    strings.TrimSpace(os.Getenv("STOMP_TLS_CERT")),
		TLSKeyPath:     strings.TrimSpace(os.Getenv("STOMP_TLS_KEY")),
		AdminToken:     strings.TrimSpace(os.Getenv("STOMP_ADMIN_TOKEN")),

		HeartbeatSendMs: DefaultHeartbeatSendMs,
		HeartbeatRecvMs: DefaultHeartbeatRecvMs,

		MaxFrameInTransaction: DefaultMaxFrameInTransaction,
		TransactionChunkSize:  DefaultTransactionChunkSize,

		MaxBodyLength:   DefaultMaxBodyLength,
		MaxHeaderLength: DefaultMaxHeaderLength,
		MaxHeaders:      DefaultMaxHeaders,

		TrailingLine:      false,
		SupportedVersions: parseList(getString("STOMP_SUPPORTED_VERSIONS", DefaultSupportedVersions)),

		AuthMode:       strings.ToLower(getString("STOMP_AUTH_MODE", DefaultAuthMode)),
		StaticLogin:    strings.TrimSpace(os.Getenv("STOMP_AUTH_LOGIN")),
		StaticPasscode: strings.TrimSpace(os.Getenv("STOMP_AUTH_PASSCODE")),
		HMACSecret:     strings.TrimSpace(os.Getenv("STOMP_AUTH_HMAC_SECRET")),
		HMACLeeway:     DefaultHMACLeeway,

		BandwidthBytesPerSecond: DefaultBandwidthBytesPerSecond,

		JournalDir:         strings.TrimSpace(getString("STOMP_JOURNAL_DIR", "journal")),
		JournalMaxAge:       DefaultJournalMaxAge,
		JournalMaxSegments: DefaultJournalMaxSegments,

		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("STOMP_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("STOMP_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("STOMP_SECURED")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("STOMP_SECURED must be a boolean value, got %q", raw))
		} else {
			cfg.Secured = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STOMP_TRAILING_LINE")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("STOMP_TRAILING_LINE must be a boolean value, got %q", raw))
		} else {
			cfg.TrailingLine = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STOMP_HEARTBEAT_SX_MS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("STOMP_HEARTBEAT_SX_MS must be a non-negative integer, got %q", raw))
		} else {
			cfg.HeartbeatSendMs = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STOMP_HEARTBEAT_SY_MS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("STOMP_HEARTBEAT_SY_MS must be a non-negative integer, got %q", raw))
		} else {
			cfg.HeartbeatRecvMs = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STOMP_MAX_FRAME_IN_TRANSACTION")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("STOMP_MAX_FRAME_IN_TRANSACTION must be an integer, got %q", raw))
		} else {
			cfg.MaxFrameInTransaction = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STOMP_TRANSACTION_CHUNK_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("STOMP_TRANSACTION_CHUNK_SIZE must be a non-negative integer, got %q", raw))
		} else {
			cfg.TransactionChunkSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STOMP_MAX_BODY_LENGTH")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STOMP_MAX_BODY_LENGTH must be a positive integer, got %q", raw))
		} else {
			cfg.MaxBodyLength = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STOMP_MAX_HEADER_LENGTH")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STOMP_MAX_HEADER_LENGTH must be a positive integer, got %q", raw))
		} else {
			cfg.MaxHeaderLength = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STOMP_MAX_HEADERS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STOMP_MAX_HEADERS must be a positive integer, got %q", raw))
		} else {
			cfg.MaxHeaders = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STOMP_BANDWIDTH_BYTES_PER_SEC")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STOMP_BANDWIDTH_BYTES_PER_SEC must be a positive number, got %q", raw))
		} else {
			cfg.BandwidthBytesPerSecond = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STOMP_JOURNAL_MAX_AGE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("STOMP_JOURNAL_MAX_AGE must be a positive duration, got %q", raw))
		} else {
			cfg.JournalMaxAge = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STOMP_JOURNAL_MAX_SEGMENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("STOMP_JOURNAL_MAX_SEGMENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.JournalMaxSegments = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STOMP_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("STOMP_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STOMP_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("STOMP_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STOMP_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("STOMP_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STOMP_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("STOMP_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("STOMP_AUTH_HMAC_LEEWAY")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("STOMP_AUTH_HMAC_LEEWAY must be a non-negative duration, got %q", raw))
		} else {
			cfg.HMACLeeway = duration
		}
	}

	switch cfg.AuthMode {
	case "none", "static", "hmac":
	default:
		problems = append(problems, fmt.Sprintf("STOMP_AUTH_MODE must be one of none, static, hmac; got %q", cfg.AuthMode))
	}
	if cfg.AuthMode == "hmac" && cfg.HMACSecret == "" {
		problems = append(problems, "STOMP_AUTH_HMAC_SECRET must be set when STOMP_AUTH_MODE=hmac")
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "STOMP_TLS_CERT and STOMP_TLS_KEY must be provided together")
	}

	if len(cfg.SupportedVersions) == 0 {
		problems = append(problems, "STOMP_SUPPORTED_VERSIONS must list at least one protocol version")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
