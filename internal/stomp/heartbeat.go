package stomp

import "time"

// startHeartbeat launches the bidirectional heartbeat supervisor for conn
// once it has negotiated ping/pong periods (milliseconds; 0 disables the
// respective direction). It is idempotent per connection id: a stale timer
// is stopped before a new one starts.
func (e *Engine) startHeartbeat(conn *Connection, pingMillis, pongMillis int) {
	e.stopHeartbeat(conn.ID)
	if pingMillis <= 0 && pongMillis <= 0 {
		return
	}

	stop := make(chan struct{})
	e.mu.Lock()
	e.hbStop[conn.ID] = stop
	e.mu.Unlock()

	go e.runHeartbeat(conn, pingMillis, pongMillis, stop)
}

func (e *Engine) runHeartbeat(conn *Connection, pingMillis, pongMillis int, stop chan struct{}) {
	var pingC, idleCheckC <-chan time.Time

	if pingMillis > 0 {
		ticker := time.NewTicker(time.Duration(pingMillis) * time.Millisecond)
		defer ticker.Stop()
		pingC = ticker.C
	}

	var idleLimit time.Duration
	if pongMillis > 0 {
		idleLimit = 2 * time.Duration(pongMillis) * time.Millisecond
		checkEvery := time.Duration(pongMillis) * time.Millisecond
		if checkEvery <= 0 {
			checkEvery = time.Millisecond
		}
		ticker := time.NewTicker(checkEvery)
		defer ticker.Stop()
		idleCheckC = ticker.C
	}

	for {
		select {
		case <-stop:
			return
		case <-pingC:
			if err := conn.Sink.WriteFrame(NewFrame(CmdHeartbeat)); err != nil {
				conn.Close()
				return
			}
		case <-idleCheckC:
			if conn.idleFor() > idleLimit {
				conn.Close()
				return
			}
		}
	}
}

// stopHeartbeat cancels conn's heartbeat timers, if any are running. Safe to
// call on a connection with no active timers.
func (e *Engine) stopHeartbeat(connID string) {
	e.mu.Lock()
	stop, ok := e.hbStop[connID]
	if ok {
		delete(e.hbStop, connID)
	}
	e.mu.Unlock()
	if ok {
		close(stop)
	}
}
