package stomp

import (
	"context"
	"runtime"
	"strconv"
	"strings"

	"github.com/vAudience/vertx-stomp/internal/logging"
)

// Handler dispatches one command per STOMP verb reaching a CONNECTED
// connection, plus CONNECT/STOMP itself. DefaultHandler implements the
// engine's standard command semantics; embed it in a custom struct and
// override individual methods to customise behaviour without re-implementing
// the rest, the same plug-in-point pattern STOMP server handlers expose in
// other runtimes via overridable default methods.
type Handler interface {
	HandleConnect(ctx context.Context, conn *Connection, frame *Frame) error
	HandleSend(ctx context.Context, conn *Connection, frame *Frame) error
	HandleSubscribe(ctx context.Context, conn *Connection, frame *Frame) error
	HandleUnsubscribe(ctx context.Context, conn *Connection, frame *Frame) error
	HandleBegin(ctx context.Context, conn *Connection, frame *Frame) error
	HandleCommit(ctx context.Context, conn *Connection, frame *Frame) error
	HandleAbort(ctx context.Context, conn *Connection, frame *Frame) error
	HandleAck(ctx context.Context, conn *Connection, frame *Frame) error
	HandleNack(ctx context.Context, conn *Connection, frame *Frame) error
	HandleDisconnect(ctx context.Context, conn *Connection, frame *Frame) error
}

// DefaultHandler implements the engine's standard STOMP 1.2 command
// semantics against the Engine it is bound to.
type DefaultHandler struct {
	Engine *Engine
}

var _ Handler = (*DefaultHandler)(nil)

func (h *DefaultHandler) log() *logging.Logger {
	if h.Engine.Logger != nil {
		return h.Engine.Logger
	}
	return logging.NewTestLogger()
}

// HandleConnect negotiates protocol version, authenticates if the engine is
// secured, computes heartbeat periods, and emits CONNECTED.
func (h *DefaultHandler) HandleConnect(ctx context.Context, conn *Connection, frame *Frame) error {
	accept := frame.Headers.GetDefault(HeaderAcceptVersion, "1.0")
	version, ok := negotiateVersion(accept, h.Engine.Options.SupportedVersions)
	if !ok {
		supported := strings.Join(h.Engine.Options.SupportedVersions, ",")
		f := NewErrorFrame(ErrUnsupportedVersion.Error(), "", "")
		f.Headers.Set(HeaderVersion, supported)
		_ = conn.Sink.WriteFrame(f)
		return ErrUnsupportedVersion
	}

	if h.Engine.Options.Secured {
		login := frame.Headers.GetDefault(HeaderLogin, "")
		passcode := frame.Headers.GetDefault(HeaderPasscode, "")
		ok, err := h.Engine.Auth.Authenticate(ctx, login, passcode)
		if err != nil || !ok {
			_ = conn.Sink.WriteFrame(NewErrorFrame(ErrAuthenticationFailed.Error(), "", ""))
			return ErrAuthenticationFailed
		}
	}

	cx, cy := parseHeartBeat(frame.Headers.GetDefault(HeaderHeartBeat, "0,0"))
	sx, sy := h.Engine.Options.HeartbeatSendMs, h.Engine.Options.HeartbeatRecvMs
	ping := negotiatedPeriod(cx, sy)
	pong := negotiatedPeriod(sx, cy)

	conn.markConnected(version, ping, pong)

	connected := NewFrame(CmdConnected).
		WithHeader(HeaderVersion, version).
		WithHeader(HeaderSession, conn.ID).
		WithHeader(HeaderHeartBeat, strconv.Itoa(ping)+","+strconv.Itoa(pong))
	return conn.Sink.WriteFrame(connected)
}

// HandleSend buffers the frame into its named transaction, or dispatches it
// immediately via the destination registry.
func (h *DefaultHandler) HandleSend(_ context.Context, conn *Connection, frame *Frame) error {
	dest, ok := frame.Headers.Get(HeaderDestination)
	if !ok {
		h.Engine.sendErrorAndClose(conn, ErrMissingDestination.Error(), frame)
		return ErrMissingDestination
	}

	if txID, inTx := frame.Headers.Get(HeaderTransaction); inTx {
		if err := h.Engine.Transactions.Append(conn.ID, txID, frame); err != nil {
			if err == ErrTooManyFramesInTx {
				h.Engine.sendErrorAndClose(conn, err.Error(), frame)
			} else {
				h.Engine.sendErrorAndClose(conn, err.Error(), frame)
			}
			return err
		}
		h.Engine.maybeReceipt(conn, frame)
		return nil
	}

	h.Engine.Registry.Dispatch(dest, frame)
	if h.Engine.Journal != nil {
		_ = h.Engine.Journal.RecordMessage(dest, "", frame.Body)
	}
	h.Engine.maybeReceipt(conn, frame)
	return nil
}

// HandleSubscribe registers a new Subscription, rejecting a duplicate id.
func (h *DefaultHandler) HandleSubscribe(_ context.Context, conn *Connection, frame *Frame) error {
	id, hasID := frame.Headers.Get(HeaderID)
	if !hasID {
		h.Engine.sendErrorAndClose(conn, ErrMissingID.Error(), frame)
		return ErrMissingID
	}
	dest, hasDest := frame.Headers.Get(HeaderDestination)
	if !hasDest {
		h.Engine.sendErrorAndClose(conn, ErrMissingDestination.Error(), frame)
		return ErrMissingDestination
	}

	ack := AckMode(frame.Headers.GetDefault(HeaderAck, string(AckAuto)))
	sub := NewSubscription(id, conn.ID, dest, ack)
	if !conn.addSubscription(sub) {
		h.Engine.sendErrorAndClose(conn, ErrDuplicateSubscription.Error(), frame)
		return ErrDuplicateSubscription
	}
	h.Engine.Registry.Subscribe(sub, conn.Sink)
	h.Engine.maybeReceipt(conn, frame)
	return nil
}

// HandleUnsubscribe removes the Subscription named by the id header.
func (h *DefaultHandler) HandleUnsubscribe(_ context.Context, conn *Connection, frame *Frame) error {
	id, ok := frame.Headers.Get(HeaderID)
	if !ok {
		h.Engine.sendErrorAndClose(conn, ErrMissingID.Error(), frame)
		return ErrMissingID
	}
	sub, found := conn.removeSubscription(id)
	if !found {
		h.Engine.sendErrorAndClose(conn, ErrUnknownSubscription.Error(), frame)
		return ErrUnknownSubscription
	}
	h.Engine.Registry.Unsubscribe(sub.Destination, conn.ID, id)
	h.Engine.maybeReceipt(conn, frame)
	return nil
}

// HandleBegin creates a new, empty Transaction for the connection.
func (h *DefaultHandler) HandleBegin(_ context.Context, conn *Connection, frame *Frame) error {
	txID, ok := frame.Headers.Get(HeaderTransaction)
	if !ok {
		h.Engine.sendErrorAndClose(conn, ErrMissingTransaction.Error(), frame)
		return ErrMissingTransaction
	}
	if err := h.Engine.Transactions.Begin(conn.ID, txID); err != nil {
		h.Engine.sendErrorAndClose(conn, err.Error(), frame)
		return err
	}
	h.Engine.maybeReceipt(conn, frame)
	return nil
}

// HandleCommit replays a transaction's buffered frames in order, chunking the
// dispatch when the engine is configured with a transactionChunkSize, then
// deletes the transaction.
func (h *DefaultHandler) HandleCommit(_ context.Context, conn *Connection, frame *Frame) error {
	txID, ok := frame.Headers.Get(HeaderTransaction)
	if !ok {
		h.Engine.sendErrorAndClose(conn, ErrMissingTransaction.Error(), frame)
		return ErrMissingTransaction
	}
	tx, err := h.Engine.Transactions.Take(conn.ID, txID)
	if err != nil {
		h.Engine.Transactions.DropAllForConn(conn.ID)
		h.Engine.sendErrorAndClose(conn, err.Error(), frame)
		return err
	}

	chunkSize := h.Engine.Options.TransactionChunkSize
	if chunkSize <= 0 {
		h.replayFrames(conn, tx.frames)
	} else {
		for start := 0; start < len(tx.frames); start += chunkSize {
			end := min(start+chunkSize, len(tx.frames))
			h.replayFrames(conn, tx.frames[start:end])
			runtime.Gosched()
		}
	}

	h.Engine.maybeReceipt(conn, frame)
	return nil
}

// replayFrames dispatches each buffered SEND via the destination registry
// and applies each buffered ACK/NACK, preserving insertion order.
func (h *DefaultHandler) replayFrames(conn *Connection, buffered []bufferedFrame) {
	for _, bf := range buffered {
		f := bf.frame
		switch f.Command {
		case CmdSend:
			dest, _ := f.Headers.Get(HeaderDestination)
			h.Engine.Registry.Dispatch(dest, f)
			if h.Engine.Journal != nil {
				_ = h.Engine.Journal.RecordMessage(dest, "", f.Body)
			}
		case CmdAck:
			h.applyAck(conn, f)
		case CmdNack:
			h.applyNack(conn, f)
		}
	}
}

// HandleAbort discards a transaction's buffer without dispatching it.
func (h *DefaultHandler) HandleAbort(_ context.Context, conn *Connection, frame *Frame) error {
	txID, ok := frame.Headers.Get(HeaderTransaction)
	if !ok {
		h.Engine.sendErrorAndClose(conn, ErrMissingTransaction.Error(), frame)
		return ErrMissingTransaction
	}
	_, err := h.Engine.Transactions.Take(conn.ID, txID)
	if err != nil {
		h.Engine.Transactions.DropAllForConn(conn.ID)
		h.Engine.sendErrorAndClose(conn, err.Error(), frame)
		return err
	}
	h.Engine.maybeReceipt(conn, frame)
	return nil
}

// HandleAck applies or defers a client/client-individual acknowledgement.
func (h *DefaultHandler) HandleAck(_ context.Context, conn *Connection, frame *Frame) error {
	if _, ok := frame.Headers.Get(HeaderID); !ok {
		h.Engine.sendErrorAndClose(conn, ErrMissingID.Error(), frame)
		return ErrMissingID
	}
	if txID, inTx := frame.Headers.Get(HeaderTransaction); inTx {
		if err := h.Engine.Transactions.Append(conn.ID, txID, frame); err != nil {
			h.Engine.sendErrorAndClose(conn, err.Error(), frame)
			return err
		}
		h.Engine.maybeReceipt(conn, frame)
		return nil
	}
	h.applyAck(conn, frame)
	h.Engine.maybeReceipt(conn, frame)
	return nil
}

// HandleNack applies or defers a negative acknowledgement, triggering
// Queue redelivery for the nack'd message.
func (h *DefaultHandler) HandleNack(_ context.Context, conn *Connection, frame *Frame) error {
	if _, ok := frame.Headers.Get(HeaderID); !ok {
		h.Engine.sendErrorAndClose(conn, ErrMissingID.Error(), frame)
		return ErrMissingID
	}
	if txID, inTx := frame.Headers.Get(HeaderTransaction); inTx {
		if err := h.Engine.Transactions.Append(conn.ID, txID, frame); err != nil {
			h.Engine.sendErrorAndClose(conn, err.Error(), frame)
			return err
		}
		h.Engine.maybeReceipt(conn, frame)
		return nil
	}
	h.applyNack(conn, frame)
	h.Engine.maybeReceipt(conn, frame)
	return nil
}

// applyAck resolves the ack-id against the owning Subscription. An unknown
// ack-id is ignored, per the non-strict default.
func (h *DefaultHandler) applyAck(conn *Connection, frame *Frame) {
	ackID, _ := frame.Headers.Get(HeaderID)
	sub, ok := h.findOwningSubscription(conn, ackID)
	if !ok {
		return
	}
	sub.resolve(ackID)
}

// applyNack resolves the ack-id and re-dispatches it on Queue destinations,
// skipping the originating connection when another subscriber exists.
func (h *DefaultHandler) applyNack(conn *Connection, frame *Frame) {
	ackID, _ := frame.Headers.Get(HeaderID)
	sub, ok := h.findOwningSubscription(conn, ackID)
	if !ok {
		return
	}
	resolved, ok := sub.resolve(ackID)
	if !ok {
		return
	}
	for _, delivery := range resolved {
		h.Engine.Registry.redeliver(sub.Destination, delivery.original, conn.ID)
	}
}

// findOwningSubscription locates the Subscription on conn whose pending set
// contains ackID.
func (h *DefaultHandler) findOwningSubscription(conn *Connection, ackID string) (*Subscription, bool) {
	for _, sub := range conn.allSubscriptions() {
		if sub.hasPending(ackID) {
			return sub, true
		}
	}
	return nil, false
}

// HandleDisconnect emits the receipt, if requested, then closes the
// connection.
func (h *DefaultHandler) HandleDisconnect(_ context.Context, conn *Connection, frame *Frame) error {
	h.Engine.maybeReceipt(conn, frame)
	conn.Close()
	return nil
}

// negotiateVersion picks the highest version present in both the client's
// comma-separated accept-version header and the server's supported list.
func negotiateVersion(clientAccept string, supported []string) (string, bool) {
	client := strings.Split(clientAccept, ",")
	clientSet := make(map[string]bool, len(client))
	for _, v := range client {
		clientSet[strings.TrimSpace(v)] = true
	}

	best := ""
	for _, v := range supported {
		if clientSet[v] && versionLess(best, v) {
			best = v
		}
	}
	return best, best != ""
}

func versionLess(a, b string) bool {
	if a == "" {
		return true
	}
	am, an, _ := parseVersion(a)
	bm, bn, _ := parseVersion(b)
	if am != bm {
		return am < bm
	}
	return an < bn
}

func parseVersion(v string) (major, minor int, ok bool) {
	parts := strings.SplitN(v, ".", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	return major, minor, err1 == nil && err2 == nil
}

// parseHeartBeat parses a "cx,cy" heart-beat header, defaulting each side to
// 0 if absent or malformed.
func parseHeartBeat(raw string) (cx, cy int) {
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) == 2 {
		cx, _ = strconv.Atoi(strings.TrimSpace(parts[0]))
		cy, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
	}
	return cx, cy
}

// negotiatedPeriod implements the heart-beat negotiation formula: zero on
// either side disables that direction, otherwise the slower (larger) of the
// two periods governs.
func negotiatedPeriod(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return max(a, b)
}
