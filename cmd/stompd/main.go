// Command stompd runs the STOMP 1.2 broker: a TCP listener, a WebSocket
// upgrade endpoint, and an HTTP operations surface (liveness, readiness,
// metrics, and an admin-gated journal roll).
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vAudience/vertx-stomp/internal/auth"
	configpkg "github.com/vAudience/vertx-stomp/internal/config"
	"github.com/vAudience/vertx-stomp/internal/httpapi"
	"github.com/vAudience/vertx-stomp/internal/journal"
	"github.com/vAudience/vertx-stomp/internal/logging"
	"github.com/vAudience/vertx-stomp/internal/networking"
	"github.com/vAudience/vertx-stomp/internal/stomp"
	"github.com/vAudience/vertx-stomp/internal/transport"
)

// journalRoller adapts a mutable *journal.Writer cell into httpapi.JournalRoller,
// swapping in a freshly opened segment and closing the outgoing one.
type journalRoller struct {
	root     string
	brokerID string
	logger   *logging.Logger

	current **journal.Writer
}

func (r *journalRoller) Roll() (string, error) {
	next, _, err := journal.NewWriter(r.root, r.brokerID, nil)
	if err != nil {
		return "", err
	}
	previous := *r.current
	*r.current = next
	if previous != nil {
		if err := previous.Close(); err != nil {
			r.logger.Warn("failed to close rolled journal segment", logging.Error(err))
		}
	}
	return next.Directory(), nil
}

// buildAuthProvider selects the STOMP CONNECT credential check named by
// cfg.AuthMode.
func buildAuthProvider(cfg *configpkg.Config) (auth.Provider, error) {
	switch cfg.AuthMode {
	case "static":
		return auth.NewStaticCredentialsProvider(cfg.StaticLogin, cfg.StaticPasscode), nil
	case "hmac":
		return auth.NewHMACBearerProvider(cfg.HMACSecret, cfg.HMACLeeway)
	default:
		return auth.AllowAllProvider{}, nil
	}
}

func main() {
	cfg, err := configpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	authProvider, err := buildAuthProvider(cfg)
	if err != nil {
		logger.Fatal("failed to configure authentication", logging.Error(err))
	}

	engineOpts := stomp.EngineOptions{
		SupportedVersions:     cfg.SupportedVersions,
		HeartbeatSendMs:       cfg.HeartbeatSendMs,
		HeartbeatRecvMs:       cfg.HeartbeatRecvMs,
		MaxFrameInTransaction: cfg.MaxFrameInTransaction,
		TransactionChunkSize:  cfg.TransactionChunkSize,
		Secured:               cfg.Secured,
		AutoGCDestinations:    true,
	}
	engine := stomp.NewEngine(engineOpts, authProvider, logger)
	engine.Bandwidth = networking.NewBandwidthRegulator(cfg.BandwidthBytesPerSecond, nil)
	engine.Registry.Bandwidth = engine.Bandwidth

	var currentJournal *journal.Writer
	if cfg.JournalDir != "" {
		writer, _, err := journal.NewWriter(cfg.JournalDir, "stompd", nil)
		if err != nil {
			logger.Fatal("failed to open audit journal", logging.Error(err))
		}
		currentJournal = writer
		engine.Journal = writer
	}
	defer func() {
		if currentJournal != nil {
			if err := currentJournal.Close(); err != nil {
				logger.Warn("failed to close audit journal on shutdown", logging.Error(err))
			}
		}
	}()

	cleaner := journal.NewCleaner(cfg.JournalDir, journal.RetentionPolicy{
		MaxSegments: cfg.JournalMaxSegments,
		MaxAge:      cfg.JournalMaxAge,
	}, logger.With(logging.String("component", "journal-cleaner")))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go cleaner.Run(ctx, time.Hour)

	codec := stomp.NewCodec(stomp.CodecLimits{
		MaxBodyLength:   cfg.MaxBodyLength,
		MaxHeaderLength: cfg.MaxHeaderLength,
		MaxHeaders:      cfg.MaxHeaders,
		TrailingLine:    cfg.TrailingLine,
	})

	tcpAcceptor := transport.NewTCPAcceptor(engine, codec, logger.With(logging.String("component", "tcp")))
	listener, err := net.Listen("tcp", cfg.TCPAddr)
	if err != nil {
		logger.Fatal("failed to bind TCP listener", logging.Error(err), logging.String("address", cfg.TCPAddr))
	}
	logger.Info("stomp tcp listener bound", logging.String("address", listenerURL(cfg.TCPAddr, false)))
	go func() {
		if err := tcpAcceptor.Serve(ctx, listener); err != nil {
			logger.Error("tcp acceptor terminated", logging.Error(err))
		}
	}()

	wsHandler := transport.NewWSHandler(engine, codec, logger.With(logging.String("component", "websocket")), cfg.AllowedOrigins)

	handlerSet := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger.With(logging.String("component", "httpapi")),
		Readiness:   engine,
		Bandwidth:   engine.Bandwidth,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(time.Minute, 30, nil),
		Journal: &journalRoller{
			root:     cfg.JournalDir,
			brokerID: "stompd",
			logger:   logger,
			current:  &currentJournal,
		},
		JournalRetention: cleaner.Stats,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	handlerSet.Register(mux)

	httpServer := &http.Server{Addr: cfg.WSAddr, Handler: mux}
	go func() {
		logger.Info("stomp http/ws listener bound", logging.String("address", listenerURL(cfg.WSAddr, cfg.TLSCertPath != "")))
		var serveErr error
		if cfg.TLSCertPath != "" {
			serveErr = httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			serveErr = httpServer.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("http server terminated", logging.Error(serveErr))
		}
	}()

	logger.Info("stompd ready")

	<-ctx.Done()
	logger.Info("shutdown signal received, draining connections")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", logging.Error(err))
	}
	_ = listener.Close()
}
