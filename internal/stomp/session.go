package stomp

import (
	"sync"
	"time"
)

// ConnState is a connection's position in the CONNECTING -> CONNECTED ->
// CLOSED state machine. CLOSED is terminal.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateClosed
)

// Connection is the per-connection session: its transport sink, negotiated
// protocol version and heartbeat periods, and the subscriptions and
// transactions it owns. One Connection exists per accepted transport session
// for its lifetime.
type Connection struct {
	ID   string
	Sink Sink

	mu           sync.Mutex
	state        ConnState
	version      string
	pingMillis   int // server -> client heartbeat period this connection negotiated
	pongMillis   int // expected client activity period; idle for more than twice this disconnects
	lastClientIn time.Time
	subsByID     map[string]*Subscription
	login        string
	closeOnce    sync.Once
	onClose      func(*Connection)
}

// NewConnection constructs a connection in the CONNECTING state, awaiting its
// CONNECT/STOMP frame.
func NewConnection(id string, sink Sink, onClose func(*Connection)) *Connection {
	return &Connection{
		ID:       id,
		Sink:     sink,
		state:    StateConnecting,
		subsByID: make(map[string]*Subscription),
		onClose:  onClose,
	}
}

// State returns the connection's current state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// markConnected transitions CONNECTING -> CONNECTED, recording the
// negotiated version and heartbeat periods. It is a no-op if the connection
// is not currently CONNECTING.
func (c *Connection) markConnected(version string, pingMillis, pongMillis int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return false
	}
	c.state = StateConnected
	c.version = version
	c.pingMillis = pingMillis
	c.pongMillis = pongMillis
	c.lastClientIn = time.Now()
	return true
}

// touch records inbound traffic (frame or heartbeat) for idle tracking.
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastClientIn = time.Now()
	c.mu.Unlock()
}

// idleFor reports how long it has been since the last inbound traffic.
func (c *Connection) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastClientIn)
}

// heartbeatPeriods returns the negotiated ping/pong periods in milliseconds.
func (c *Connection) heartbeatPeriods() (ping, pong int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingMillis, c.pongMillis
}

// addSubscription registers sub under its id. ok is false if the id is
// already in use on this connection.
func (c *Connection) addSubscription(sub *Subscription) (ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.subsByID[sub.ID]; exists {
		return false
	}
	c.subsByID[sub.ID] = sub
	return true
}

// removeSubscription drops the subscription with id, returning it if found.
func (c *Connection) removeSubscription(id string) (*Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subsByID[id]
	if ok {
		delete(c.subsByID, id)
	}
	return sub, ok
}

// subscription looks up a live subscription by id without removing it.
func (c *Connection) subscription(id string) (*Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subsByID[id]
	return sub, ok
}

// allSubscriptions returns a snapshot of every subscription owned by this
// connection, used to find the subscription that owns an ack id.
func (c *Connection) allSubscriptions() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Subscription, 0, len(c.subsByID))
	for _, sub := range c.subsByID {
		out = append(out, sub)
	}
	return out
}

// Close transitions the connection to CLOSED exactly once, invoking the
// engine's teardown hook. Safe to call multiple times or concurrently.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		_ = c.Sink.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}
