package stomp

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/vAudience/vertx-stomp/internal/auth"
	"github.com/vAudience/vertx-stomp/internal/logging"
)

// fakeSink is an in-memory Sink recording every frame written to it, for
// asserting on engine output without a real transport.
type fakeSink struct {
	mu     sync.Mutex
	frames []*Frame
	closed bool
}

func (s *fakeSink) WriteFrame(f *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) byCommand(cmd Command) []*Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Frame
	for _, f := range s.frames {
		if f.Command == cmd {
			out = append(out, f)
		}
	}
	return out
}

func newTestEngine(t *testing.T, opts EngineOptions) *Engine {
	t.Helper()
	return NewEngine(opts, auth.AllowAllProvider{}, logging.NewTestLogger())
}

// connectClient drives a fresh connection through CONNECT negotiation and
// returns it along with its sink.
func connectClient(t *testing.T, e *Engine) (*Connection, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	conn := e.Register(sink)
	connectFrame := NewFrame(CmdConnect).
		WithHeader(HeaderAcceptVersion, "1.2").
		WithHeader(HeaderHeartBeat, "1000,1000")
	e.Dispatch(context.Background(), conn, connectFrame)
	if conn.State() != StateConnected {
		t.Fatalf("expected connection to reach CONNECTED, got state %v", conn.State())
	}
	if len(sink.byCommand(CmdConnected)) != 1 {
		t.Fatalf("expected exactly one CONNECTED frame")
	}
	return conn, sink
}

func sendFrame(e *Engine, conn *Connection, f *Frame) {
	e.Dispatch(context.Background(), conn, f)
}

func TestHandleConnectNegotiatesVersionAndHeartbeat(t *testing.T) {
	opts := DefaultEngineOptions()
	e := newTestEngine(t, opts)
	conn, sink := connectClient(t, e)
	defer conn.Close()

	connected := sink.byCommand(CmdConnected)[0]
	if v, _ := connected.Headers.Get(HeaderVersion); v != "1.2" {
		t.Fatalf("expected version 1.2, got %q", v)
	}
	if hb, _ := connected.Headers.Get(HeaderHeartBeat); hb != "1000,1000" {
		t.Fatalf("expected heart-beat 1000,1000 default negotiation, got %q", hb)
	}
}

func TestHandleConnectRejectsUnsupportedVersion(t *testing.T) {
	opts := DefaultEngineOptions()
	opts.SupportedVersions = []string{"1.2"}
	e := newTestEngine(t, opts)
	sink := &fakeSink{}
	conn := e.Register(sink)

	sendFrame(e, conn, NewFrame(CmdConnect).WithHeader(HeaderAcceptVersion, "1.0,1.1"))
	if conn.State() != StateClosed {
		t.Fatalf("expected connection closed after version mismatch")
	}
	if len(sink.byCommand(CmdError)) != 1 {
		t.Fatalf("expected one ERROR frame")
	}
}

// S1. Basic commit.
func TestScenarioBasicCommit(t *testing.T) {
	e := newTestEngine(t, DefaultEngineOptions())
	subConn, subSink := connectClient(t, e)
	defer subConn.Close()
	pubConn, _ := connectClient(t, e)
	defer pubConn.Close()

	sendFrame(e, subConn, NewFrame(CmdSubscribe).WithHeader(HeaderID, "s1").WithHeader(HeaderDestination, "/queue/a"))

	sendFrame(e, pubConn, NewFrame(CmdBegin).WithHeader(HeaderTransaction, "my-tx"))
	for _, body := range []string{"Hello", "World", "!!!"} {
		sendFrame(e, pubConn, NewFrame(CmdSend).
			WithHeader(HeaderDestination, "/queue/a").
			WithHeader(HeaderTransaction, "my-tx").
			WithBody([]byte(body)))
	}
	sendFrame(e, pubConn, NewFrame(CmdCommit).WithHeader(HeaderTransaction, "my-tx"))

	messages := subSink.byCommand(CmdMessage)
	if len(messages) != 3 {
		t.Fatalf("expected 3 MESSAGE frames, got %d", len(messages))
	}
	wantBodies := []string{"Hello", "World", "!!!"}
	for i, msg := range messages {
		if string(msg.Body) != wantBodies[i] {
			t.Fatalf("message %d: expected body %q, got %q", i, wantBodies[i], msg.Body)
		}
		if tx, _ := msg.Headers.Get(HeaderTransaction); tx != "my-tx" {
			t.Fatalf("message %d: expected transaction header my-tx, got %q", i, tx)
		}
	}
	if len(subSink.byCommand(CmdError)) != 0 {
		t.Fatalf("expected no ERROR frames")
	}
}

// S2. Abort.
func TestScenarioAbort(t *testing.T) {
	e := newTestEngine(t, DefaultEngineOptions())
	subConn, subSink := connectClient(t, e)
	defer subConn.Close()
	pubConn, _ := connectClient(t, e)
	defer pubConn.Close()

	sendFrame(e, subConn, NewFrame(CmdSubscribe).WithHeader(HeaderID, "s1").WithHeader(HeaderDestination, "/queue/a"))

	sendFrame(e, pubConn, NewFrame(CmdBegin).WithHeader(HeaderTransaction, "my-tx"))
	for _, body := range []string{"Hello", "World", "!!!"} {
		sendFrame(e, pubConn, NewFrame(CmdSend).
			WithHeader(HeaderDestination, "/queue/a").
			WithHeader(HeaderTransaction, "my-tx").
			WithBody([]byte(body)))
	}
	sendFrame(e, pubConn, NewFrame(CmdAbort).WithHeader(HeaderTransaction, "my-tx"))

	if len(subSink.byCommand(CmdMessage)) != 0 {
		t.Fatalf("expected 0 MESSAGE frames after abort")
	}
	if len(subSink.byCommand(CmdError)) != 0 {
		t.Fatalf("expected 0 ERROR frames after abort")
	}
	if e.TransactionCount() != 0 {
		t.Fatalf("expected 0 live transactions after abort")
	}
}

// S3. Duplicate begin.
func TestScenarioDuplicateBegin(t *testing.T) {
	e := newTestEngine(t, DefaultEngineOptions())
	pubConn, pubSink := connectClient(t, e)

	sendFrame(e, pubConn, NewFrame(CmdBegin).WithHeader(HeaderTransaction, "my-tx"))
	sendFrame(e, pubConn, NewFrame(CmdSend).WithHeader(HeaderDestination, "/queue/a").
		WithHeader(HeaderTransaction, "my-tx").WithBody([]byte("Hello")))
	sendFrame(e, pubConn, NewFrame(CmdSend).WithHeader(HeaderDestination, "/queue/a").
		WithHeader(HeaderTransaction, "my-tx").WithBody([]byte("World")))
	sendFrame(e, pubConn, NewFrame(CmdBegin).WithHeader(HeaderTransaction, "my-tx"))

	errors := pubSink.byCommand(CmdError)
	if len(errors) < 1 {
		t.Fatalf("expected at least one ERROR frame")
	}
	found := false
	for _, errFrame := range errors {
		if msg, _ := errFrame.Headers.Get(HeaderMessage); msg == ErrTransactionExists.Error() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an ERROR containing %q", ErrTransactionExists.Error())
	}
}

// S4. Commit unknown tx.
func TestScenarioCommitUnknownTransaction(t *testing.T) {
	e := newTestEngine(t, DefaultEngineOptions())
	subConn, subSink := connectClient(t, e)
	defer subConn.Close()
	pubConn, pubSink := connectClient(t, e)

	sendFrame(e, subConn, NewFrame(CmdSubscribe).WithHeader(HeaderID, "s1").WithHeader(HeaderDestination, "/queue/a"))

	sendFrame(e, pubConn, NewFrame(CmdBegin).WithHeader(HeaderTransaction, "my-tx"))
	for _, body := range []string{"Hello", "World", "!!!"} {
		sendFrame(e, pubConn, NewFrame(CmdSend).WithHeader(HeaderDestination, "/queue/a").
			WithHeader(HeaderTransaction, "my-tx").WithBody([]byte(body)))
	}
	sendFrame(e, pubConn, NewFrame(CmdCommit).WithHeader(HeaderTransaction, "illegal"))

	errors := pubSink.byCommand(CmdError)
	found := false
	for _, errFrame := range errors {
		if msg, _ := errFrame.Headers.Get(HeaderMessage); msg == ErrUnknownTransaction.Error() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an ERROR containing %q", ErrUnknownTransaction.Error())
	}
	if e.TransactionCount() != 0 {
		t.Fatalf("expected 0 live transactions, got %d", e.TransactionCount())
	}
	if len(subSink.byCommand(CmdMessage)) != 0 {
		t.Fatalf("expected no MESSAGE delivered")
	}
}

// S5. Frame cap.
func TestScenarioFrameCap(t *testing.T) {
	opts := DefaultEngineOptions()
	opts.MaxFrameInTransaction = 2
	e := newTestEngine(t, opts)
	subConn, subSink := connectClient(t, e)
	defer subConn.Close()
	pubConn, pubSink := connectClient(t, e)

	sendFrame(e, subConn, NewFrame(CmdSubscribe).WithHeader(HeaderID, "s1").WithHeader(HeaderDestination, "/queue/a"))

	sendFrame(e, pubConn, NewFrame(CmdBegin).WithHeader(HeaderTransaction, "my-tx"))
	for _, body := range []string{"a", "b", "c"} {
		sendFrame(e, pubConn, NewFrame(CmdSend).WithHeader(HeaderDestination, "/queue/a").
			WithHeader(HeaderTransaction, "my-tx").WithBody([]byte(body)))
	}
	sendFrame(e, pubConn, NewFrame(CmdCommit).WithHeader(HeaderTransaction, "my-tx"))

	if len(pubSink.byCommand(CmdError)) != 1 {
		t.Fatalf("expected exactly 1 ERROR, got %d", len(pubSink.byCommand(CmdError)))
	}
	if e.TransactionCount() != 0 {
		t.Fatalf("expected 0 live transactions, got %d", e.TransactionCount())
	}
	if len(subSink.byCommand(CmdMessage)) != 0 {
		t.Fatalf("expected 0 MESSAGE frames, got %d", len(subSink.byCommand(CmdMessage)))
	}
}

// S6. Chunked 5000.
func TestScenarioChunkedCommit(t *testing.T) {
	opts := DefaultEngineOptions()
	opts.TransactionChunkSize = 100
	opts.MaxFrameInTransaction = 10000
	e := newTestEngine(t, opts)
	subConn, subSink := connectClient(t, e)
	defer subConn.Close()
	pubConn, _ := connectClient(t, e)

	sendFrame(e, subConn, NewFrame(CmdSubscribe).WithHeader(HeaderID, "s1").WithHeader(HeaderDestination, "/queue/a"))

	sendFrame(e, pubConn, NewFrame(CmdBegin).WithHeader(HeaderTransaction, "bulk"))
	const n = 5000
	for i := 0; i < n; i++ {
		sendFrame(e, pubConn, NewFrame(CmdSend).WithHeader(HeaderDestination, "/queue/a").
			WithHeader(HeaderTransaction, "bulk").WithBody([]byte("Hello-"+strconv.Itoa(i))))
	}
	sendFrame(e, pubConn, NewFrame(CmdCommit).WithHeader(HeaderTransaction, "bulk"))

	messages := subSink.byCommand(CmdMessage)
	if len(messages) != n {
		t.Fatalf("expected %d MESSAGE frames, got %d", n, len(messages))
	}
	for i, msg := range messages {
		want := "Hello-" + strconv.Itoa(i)
		if string(msg.Body) != want {
			t.Fatalf("message %d: expected body %q, got %q", i, want, msg.Body)
		}
	}
}

// Invariant 3: close implies abort.
func TestCloseDropsLiveTransactions(t *testing.T) {
	e := newTestEngine(t, DefaultEngineOptions())
	subConn, subSink := connectClient(t, e)
	defer subConn.Close()
	pubConn, _ := connectClient(t, e)

	sendFrame(e, subConn, NewFrame(CmdSubscribe).WithHeader(HeaderID, "s1").WithHeader(HeaderDestination, "/queue/a"))
	sendFrame(e, pubConn, NewFrame(CmdBegin).WithHeader(HeaderTransaction, "my-tx"))
	sendFrame(e, pubConn, NewFrame(CmdSend).WithHeader(HeaderDestination, "/queue/a").
		WithHeader(HeaderTransaction, "my-tx").WithBody([]byte("never-delivered")))

	pubConn.Close()

	if e.TransactionCount() != 0 {
		t.Fatalf("expected 0 live transactions after close, got %d", e.TransactionCount())
	}
	if len(subSink.byCommand(CmdMessage)) != 0 {
		t.Fatalf("expected no buffered SEND to be dispatched after close")
	}
}

// Invariant 4: fan-out on a Topic.
func TestTopicFanOut(t *testing.T) {
	e := newTestEngine(t, DefaultEngineOptions())
	var subs []*Connection
	var sinks []*fakeSink
	for i := 0; i < 3; i++ {
		conn, sink := connectClient(t, e)
		defer conn.Close()
		sendFrame(e, conn, NewFrame(CmdSubscribe).WithHeader(HeaderID, "s").WithHeader(HeaderDestination, "/topic/news"))
		subs = append(subs, conn)
		sinks = append(sinks, sink)
	}
	pubConn, _ := connectClient(t, e)
	defer pubConn.Close()

	sendFrame(e, pubConn, NewFrame(CmdSend).WithHeader(HeaderDestination, "/topic/news").WithBody([]byte("breaking")))

	seen := map[string]bool{}
	for _, sink := range sinks {
		messages := sink.byCommand(CmdMessage)
		if len(messages) != 1 {
			t.Fatalf("expected each subscriber to receive exactly 1 MESSAGE, got %d", len(messages))
		}
		id, _ := messages[0].Headers.Get(HeaderMessageID)
		if seen[id] {
			t.Fatalf("expected unique message-id per subscriber, saw duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestQueueRoundRobinAndNackRedelivery(t *testing.T) {
	e := newTestEngine(t, DefaultEngineOptions())
	connA, sinkA := connectClient(t, e)
	defer connA.Close()
	connB, sinkB := connectClient(t, e)
	defer connB.Close()
	sendFrame(e, connA, NewFrame(CmdSubscribe).WithHeader(HeaderID, "a").WithHeader(HeaderDestination, "/queue/work").WithHeader(HeaderAck, string(AckClient)))
	sendFrame(e, connB, NewFrame(CmdSubscribe).WithHeader(HeaderID, "b").WithHeader(HeaderDestination, "/queue/work").WithHeader(HeaderAck, string(AckClient)))

	pubConn, _ := connectClient(t, e)
	defer pubConn.Close()
	sendFrame(e, pubConn, NewFrame(CmdSend).WithHeader(HeaderDestination, "/queue/work").WithBody([]byte("task-1")))

	if len(sinkA.byCommand(CmdMessage)) != 1 {
		t.Fatalf("expected round-robin to deliver the first message to subscriber a")
	}
	msg := sinkA.byCommand(CmdMessage)[0]
	ackID, _ := msg.Headers.Get(HeaderMessageID)

	sendFrame(e, connA, NewFrame(CmdNack).WithHeader(HeaderID, ackID))

	// nack should redeliver to the other subscriber, skipping the originator.
	time.Sleep(time.Millisecond)
	if len(sinkB.byCommand(CmdMessage)) != 1 {
		t.Fatalf("expected nack to redeliver to subscriber b, got %d messages", len(sinkB.byCommand(CmdMessage)))
	}
	if string(sinkB.byCommand(CmdMessage)[0].Body) != "task-1" {
		t.Fatalf("expected redelivered body to match original")
	}
}

func TestUnsubscribeUnknownIDErrors(t *testing.T) {
	e := newTestEngine(t, DefaultEngineOptions())
	conn, sink := connectClient(t, e)

	sendFrame(e, conn, NewFrame(CmdUnsubscribe).WithHeader(HeaderID, "nope"))
	if len(sink.byCommand(CmdError)) != 1 {
		t.Fatalf("expected 1 ERROR for unknown subscription id")
	}
	if conn.State() != StateClosed {
		t.Fatalf("expected connection closed after protocol error")
	}
}

func TestDisconnectSendsReceiptThenCloses(t *testing.T) {
	e := newTestEngine(t, DefaultEngineOptions())
	conn, sink := connectClient(t, e)

	sendFrame(e, conn, NewFrame(CmdDisconnect).WithHeader(HeaderReceipt, "bye"))
	receipts := sink.byCommand(CmdReceipt)
	if len(receipts) != 1 {
		t.Fatalf("expected 1 RECEIPT frame")
	}
	if id, _ := receipts[0].Headers.Get(HeaderReceiptID); id != "bye" {
		t.Fatalf("expected receipt-id bye, got %q", id)
	}
	if conn.State() != StateClosed {
		t.Fatalf("expected connection closed after DISCONNECT")
	}
}
