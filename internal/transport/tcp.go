package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"github.com/vAudience/vertx-stomp/internal/logging"
	"github.com/vAudience/vertx-stomp/internal/stomp"
)

// TCPAcceptor accepts raw STOMP connections and feeds decoded frames into an
// Engine, one reader goroutine per connection.
type TCPAcceptor struct {
	Engine *stomp.Engine
	Codec  *stomp.Codec
	Logger *logging.Logger
}

// NewTCPAcceptor constructs an acceptor bound to engine, decoding with codec.
func NewTCPAcceptor(engine *stomp.Engine, codec *stomp.Codec, logger *logging.Logger) *TCPAcceptor {
	if logger == nil {
		logger = logging.L()
	}
	return &TCPAcceptor{Engine: engine, Codec: codec, Logger: logger}
}

// Serve accepts connections from listener until ctx is cancelled or Accept
// fails permanently.
func (a *TCPAcceptor) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}
		go a.handle(ctx, conn)
	}
}

type tcpRawWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *tcpRawWriter) writeRaw(payload []byte) error {
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	_, err := w.conn.Write(payload)
	return err
}

func (w *tcpRawWriter) closeConn() error {
	return w.conn.Close()
}

func (a *TCPAcceptor) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log := a.Logger.With(logging.String("remote_addr", remote), logging.String("transport", "tcp"))

	sink := newFrameSink(a.Codec, &tcpRawWriter{conn: conn, timeout: defaultWriteTimeout})
	session := a.Engine.Register(sink)

	reader := bufio.NewReader(conn)
	for {
		frame, err := a.Codec.Decode(reader)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debug("tcp read ended", logging.Error(err))
			}
			session.Close()
			return
		}
		a.Engine.Dispatch(ctx, session, frame)
		if session.State() == stomp.StateClosed {
			return
		}
	}
}
