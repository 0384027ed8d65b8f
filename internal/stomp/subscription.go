package stomp

import "sync"

// pendingAck remembers a delivered-but-unacknowledged MESSAGE so a NACK
// can redeliver the original content rather than an empty placeholder.
type pendingAck struct {
	messageID string
	original  *Frame
}

// Subscription tracks one client's interest in a destination and the set of
// delivered-but-unacknowledged deliveries awaiting client or
// client-individual acknowledgement.
type Subscription struct {
	ID          string
	ConnID      string
	Destination string
	Ack         AckMode

	mu      sync.Mutex
	pending []pendingAck // FIFO of outstanding deliveries, oldest first
}

// NewSubscription constructs a subscription with the given ack mode. An empty
// ack defaults to AckAuto per STOMP 1.2.
func NewSubscription(id, connID, destination string, ack AckMode) *Subscription {
	if ack == "" {
		ack = AckAuto
	}
	return &Subscription{ID: id, ConnID: connID, Destination: destination, Ack: ack}
}

// trackPending records a delivered message, keyed by its message-id, as
// awaiting acknowledgement. It is a no-op for AckAuto subscriptions, which
// never expect an ACK/NACK. original is the SEND frame the MESSAGE was built
// from, retained so a NACK can redeliver the same content.
func (s *Subscription) trackPending(messageID string, original *Frame) {
	if s.Ack == AckAuto {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, pendingAck{messageID: messageID, original: original})
	s.mu.Unlock()
}

// resolve removes messageID from the pending set per the subscription's ack
// mode and returns the deliveries resolved (acked or nacked) by this call: a
// single delivery under client-individual, or messageID and every delivery
// before it under the cumulative client mode. ok is false if messageID is
// not pending.
func (s *Subscription) resolve(messageID string) (resolved []pendingAck, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, p := range s.pending {
		if p.messageID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}

	switch s.Ack {
	case AckClientIndividual:
		resolved = []pendingAck{s.pending[idx]}
		s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
	default: // AckClient: cumulative
		resolved = append([]pendingAck(nil), s.pending[:idx+1]...)
		s.pending = s.pending[idx+1:]
	}
	return resolved, true
}

// hasPending reports whether messageID is currently awaiting acknowledgement.
func (s *Subscription) hasPending(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pending {
		if p.messageID == messageID {
			return true
		}
	}
	return false
}

// PendingCount reports the number of outstanding unacknowledged deliveries.
func (s *Subscription) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
