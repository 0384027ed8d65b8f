package transport

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/vAudience/vertx-stomp/internal/stomp"
)

// writeQueueSize bounds how many encoded frames a connection's writer
// goroutine may have queued before the connection is considered a slow
// consumer and closed, per the backpressure policy in §9.
const writeQueueSize = 256

// errQueueFull is returned by WriteFrame when a sink's outbound queue is
// full; the sink has already been closed by then.
var errQueueFull = errors.New("transport: outbound queue full")

// rawWriter abstracts the wire-level write operation a transport performs
// for one already-encoded frame, applying its own write-deadline policy.
type rawWriter interface {
	writeRaw(payload []byte) error
	closeConn() error
}

// frameSink is the shared Sink implementation for both the TCP and
// WebSocket transports: WriteFrame encodes onto a bounded channel, and a
// background goroutine drains it onto the underlying rawWriter.
type frameSink struct {
	codec  *stomp.Codec
	writer rawWriter

	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newFrameSink(codec *stomp.Codec, writer rawWriter) *frameSink {
	s := &frameSink{
		codec:  codec,
		writer: writer,
		queue:  make(chan []byte, writeQueueSize),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *frameSink) pump() {
	for {
		select {
		case payload, ok := <-s.queue:
			if !ok {
				return
			}
			if err := s.writer.writeRaw(payload); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// WriteFrame implements stomp.Sink.
func (s *frameSink) WriteFrame(f *stomp.Frame) error {
	var buf bytes.Buffer
	if err := s.codec.Encode(&buf, f); err != nil {
		return err
	}
	select {
	case s.queue <- buf.Bytes():
		return nil
	case <-s.done:
		return errors.New("transport: connection closed")
	default:
		s.Close()
		return errQueueFull
	}
}

// Close implements stomp.Sink. Safe to call multiple times or concurrently.
func (s *frameSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return s.writer.closeConn()
}

var _ stomp.Sink = (*frameSink)(nil)

// defaultWriteTimeout bounds how long a single frame write may block the
// writer goroutine before the connection is treated as unresponsive.
const defaultWriteTimeout = 10 * time.Second
