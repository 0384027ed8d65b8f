package transport

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vAudience/vertx-stomp/internal/logging"
	"github.com/vAudience/vertx-stomp/internal/stomp"
)

// WSHandler upgrades HTTP requests to WebSocket connections and feeds
// decoded STOMP frames into an Engine, one frame per WebSocket message.
type WSHandler struct {
	Engine *stomp.Engine
	Codec  *stomp.Codec
	Logger *logging.Logger

	upgrader websocket.Upgrader
}

// NewWSHandler constructs a handler bound to engine, decoding with codec and
// accepting only origins on allowedOrigins (plus localhost).
func NewWSHandler(engine *stomp.Engine, codec *stomp.Codec, logger *logging.Logger, allowedOrigins []string) *WSHandler {
	if logger == nil {
		logger = logging.L()
	}
	return &WSHandler{
		Engine: engine,
		Codec:  codec,
		Logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: buildOriginChecker(logger, allowedOrigins),
		},
	}
}

type wsRawWriter struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (w *wsRawWriter) writeRaw(payload []byte) error {
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsRawWriter) closeConn() error {
	return w.conn.Close()
}

// ServeHTTP implements http.Handler.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Logger.With(logging.String("remote_addr", r.RemoteAddr), logging.String("transport", "websocket"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	sink := newFrameSink(h.Codec, &wsRawWriter{conn: conn, timeout: defaultWriteTimeout})
	session := h.Engine.Register(sink)
	ctx := r.Context()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			log.Debug("websocket read ended", logging.Error(err))
			session.Close()
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		reader := bufio.NewReader(bytes.NewReader(payload))
		frame, err := h.Codec.Decode(reader)
		if err != nil {
			log.Debug("dropping malformed websocket frame", logging.Error(err))
			continue
		}
		h.Engine.Dispatch(ctx, session, frame)
		if session.State() == stomp.StateClosed {
			return
		}
	}
}
