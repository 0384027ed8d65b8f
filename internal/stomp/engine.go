package stomp

import (
	"context"
	"sync"
	"time"

	"github.com/vAudience/vertx-stomp/internal/auth"
	"github.com/vAudience/vertx-stomp/internal/logging"
	"github.com/vAudience/vertx-stomp/internal/networking"
)

// Journal records dispatched traffic for audit purposes. It is never
// consulted for redelivery; a nil Journal on Engine disables recording
// entirely.
type Journal interface {
	RecordMessage(destination, messageID string, body []byte) error
}

// EngineOptions configures the negotiable and resource-bounding behaviour of
// an Engine instance.
type EngineOptions struct {
	SupportedVersions     []string // ordered oldest to newest, e.g. {"1.0","1.1","1.2"}
	HeartbeatSendMs       int      // server's sx: paired with the client's cy to set the idle-check period
	HeartbeatRecvMs       int      // server's sy: paired with the client's cx to set the PING period
	MaxFrameInTransaction int      // <=0 disables the cap
	TransactionChunkSize  int      // 0 disables chunked commit dispatch
	Secured               bool
	AutoGCDestinations    bool
}

// DefaultEngineOptions mirrors the package defaults documented for the
// broker's configuration surface.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		SupportedVersions:     []string{"1.0", "1.1", "1.2"},
		HeartbeatSendMs:       1000,
		HeartbeatRecvMs:       1000,
		MaxFrameInTransaction: 1000,
		TransactionChunkSize:  0,
		AutoGCDestinations:    true,
	}
}

// Engine is the session engine: it owns the destination registry, the
// transaction manager, and every live connection, and routes inbound frames
// to a Handler. One Engine instance serves one broker; its TransactionManager
// count is instance-scoped, never a process-wide global.
type Engine struct {
	Options EngineOptions
	Auth    auth.Provider
	Logger  *logging.Logger

	Registry     *Registry
	Transactions *TransactionManager
	Bandwidth    *networking.BandwidthRegulator
	Journal      Journal
	Handler      Handler

	mu          sync.Mutex
	connections map[string]*Connection
	hbStop      map[string]chan struct{}
	startedAt   time.Time
}

// NewEngine constructs an Engine. authProvider and logger must both be
// non-nil; callers wanting no authentication pass auth.AllowAllProvider{}.
func NewEngine(opts EngineOptions, authProvider auth.Provider, logger *logging.Logger) *Engine {
	e := &Engine{
		Options:      opts,
		Auth:         authProvider,
		Logger:       logger,
		Registry:     NewRegistry(opts.AutoGCDestinations),
		Transactions: NewTransactionManager(opts.MaxFrameInTransaction),
		connections:  make(map[string]*Connection),
		hbStop:       make(map[string]chan struct{}),
		startedAt:    time.Now(),
	}
	e.Handler = &DefaultHandler{Engine: e}
	return e
}

// Uptime reports how long this Engine has been serving connections.
func (e *Engine) Uptime() time.Duration {
	return time.Since(e.startedAt)
}

// Register accepts a newly dialled transport session, wrapping sink in a
// Connection in the CONNECTING state and tracking it for teardown.
func (e *Engine) Register(sink Sink) *Connection {
	conn := NewConnection(newUUID(), sink, e.teardown)
	e.mu.Lock()
	e.connections[conn.ID] = conn
	e.mu.Unlock()
	return conn
}

// Dispatch routes a single inbound frame through the session state machine
// documented for the engine, writing any RECEIPT/ERROR/MESSAGE/CONNECTED
// frames the command produces to conn's sink.
func (e *Engine) Dispatch(ctx context.Context, conn *Connection, frame *Frame) {
	if conn.State() == StateClosed {
		return
	}
	if frame.Command == CmdHeartbeat {
		conn.touch()
		return
	}

	if frame.Command == CmdConnect || frame.Command == CmdStomp {
		if conn.State() == StateConnecting {
			if err := e.Handler.HandleConnect(ctx, conn, frame); err != nil {
				conn.Close()
			} else {
				ping, pong := conn.heartbeatPeriods()
				e.startHeartbeat(conn, ping, pong)
			}
			return
		}
		e.sendErrorAndClose(conn, ErrAlreadyConnected.Error(), frame)
		return
	}

	if conn.State() == StateConnecting {
		e.sendErrorAndClose(conn, ErrNotConnected.Error(), frame)
		return
	}

	conn.touch()
	var err error
	switch frame.Command {
	case CmdSend:
		err = e.Handler.HandleSend(ctx, conn, frame)
	case CmdSubscribe:
		err = e.Handler.HandleSubscribe(ctx, conn, frame)
	case CmdUnsubscribe:
		err = e.Handler.HandleUnsubscribe(ctx, conn, frame)
	case CmdBegin:
		err = e.Handler.HandleBegin(ctx, conn, frame)
	case CmdCommit:
		err = e.Handler.HandleCommit(ctx, conn, frame)
	case CmdAbort:
		err = e.Handler.HandleAbort(ctx, conn, frame)
	case CmdAck:
		err = e.Handler.HandleAck(ctx, conn, frame)
	case CmdNack:
		err = e.Handler.HandleNack(ctx, conn, frame)
	case CmdDisconnect:
		err = e.Handler.HandleDisconnect(ctx, conn, frame)
	default:
		e.sendErrorAndClose(conn, "unsupported command "+string(frame.Command), frame)
		return
	}
	if err != nil {
		conn.Close()
	}
}

// sendErrorAndClose writes an ERROR frame describing message, echoing the
// offending frame's receipt id if one was requested, then closes conn.
func (e *Engine) sendErrorAndClose(conn *Connection, message string, offending *Frame) {
	receiptID := ""
	if offending != nil {
		receiptID, _ = offending.ReceiptRequested()
	}
	_ = conn.Sink.WriteFrame(NewErrorFrame(message, receiptID, ""))
	conn.Close()
}

// maybeReceipt writes a RECEIPT frame if frame requested one. Call only once
// a command's side effects are fully visible, per the receipt ordering rule.
func (e *Engine) maybeReceipt(conn *Connection, frame *Frame) {
	if id, ok := frame.ReceiptRequested(); ok {
		_ = conn.Sink.WriteFrame(NewReceiptFrame(id))
	}
}

// teardown runs the close cascade documented for connection teardown: cancel
// heartbeat timers, remove subscriptions (GC'ing empty destinations), abort
// and remove transactions, and drop the connection from the registry. It is
// registered as the Connection's onClose hook and so runs at most once per
// connection.
func (e *Engine) teardown(conn *Connection) {
	e.stopHeartbeat(conn.ID)
	e.Registry.RemoveConnection(conn.ID)
	e.Transactions.DropAllForConn(conn.ID)

	e.mu.Lock()
	delete(e.connections, conn.ID)
	e.mu.Unlock()

	if e.Bandwidth != nil {
		e.Bandwidth.Forget(conn.ID)
	}
}

// TransactionCount reports the number of live transactions across every
// connection this Engine instance is serving.
func (e *Engine) TransactionCount() int {
	return e.Transactions.Count()
}

// ConnectionCount reports the number of connections currently registered,
// regardless of their session state.
func (e *Engine) ConnectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.connections)
}
