package stomp

import (
	"strings"
	"sync"

	"github.com/vAudience/vertx-stomp/internal/networking"
)

// DestinationKind selects a Destination's dispatch discipline.
type DestinationKind int

const (
	// Queue load-balances SEND frames round-robin across its subscribers and
	// redelivers a nack'd message, skipping the originating subscriber when
	// another is available.
	Queue DestinationKind = iota
	// Topic fans SEND frames out to every current subscriber.
	Topic
)

// InferKind derives a destination's dispatch discipline from its name when
// the caller (SUBSCRIBE or SEND) does not carry an explicit kind out of
// band. Names prefixed "/topic/" fan out; everything else, including the
// "/queue/" prefix and unprefixed names, load-balances.
func InferKind(name string) DestinationKind {
	if strings.HasPrefix(name, "/topic/") {
		return Topic
	}
	return Queue
}

type subscriberEntry struct {
	sub  *Subscription
	sink Sink
}

// destination is one named routing point: a Topic's ordered subscriber list,
// or a Queue's list plus round-robin cursor.
type destination struct {
	name string
	kind DestinationKind

	mu     sync.Mutex
	subs   []*subscriberEntry
	cursor int
}

// Registry is the shared, concurrency-safe mapping from destination name to
// Destination. It keeps no per-connection index; RemoveConnection scans every
// destination.
type Registry struct {
	mu           sync.Mutex
	destinations map[string]*destination
	autoGC       bool

	// Bandwidth, when set, gates each outbound MESSAGE write against the
	// receiving connection's token bucket. A denied charge drops that one
	// delivery rather than blocking the dispatching goroutine.
	Bandwidth *networking.BandwidthRegulator
}

// NewRegistry constructs an empty registry. autoGC removes a destination from
// the map once its last subscription is removed.
func NewRegistry(autoGC bool) *Registry {
	return &Registry{destinations: make(map[string]*destination), autoGC: autoGC}
}

// getOrCreate returns the named destination, creating it with kind if absent.
func (r *Registry) getOrCreate(name string, kind DestinationKind) *destination {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.destinations[name]
	if !ok {
		d = &destination{name: name, kind: kind}
		r.destinations[name] = d
	}
	return d
}

// Subscribe registers sub against its Destination, lazily creating the
// destination with the inferred kind.
func (r *Registry) Subscribe(sub *Subscription, sink Sink) {
	d := r.getOrCreate(sub.Destination, InferKind(sub.Destination))
	d.mu.Lock()
	d.subs = append(d.subs, &subscriberEntry{sub: sub, sink: sink})
	d.mu.Unlock()
}

// Unsubscribe removes the subscription with subID owned by connID from its
// destination, garbage-collecting the destination if it becomes empty and
// auto-GC is enabled. ok is false if no matching subscription was found.
func (r *Registry) Unsubscribe(destName, connID, subID string) (ok bool) {
	r.mu.Lock()
	d, found := r.destinations[destName]
	r.mu.Unlock()
	if !found {
		return false
	}

	d.mu.Lock()
	for i, e := range d.subs {
		if e.sub.ConnID == connID && e.sub.ID == subID {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			if d.cursor > i {
				d.cursor--
			}
			ok = true
			break
		}
	}
	empty := len(d.subs) == 0
	d.mu.Unlock()

	if ok && empty && r.autoGC {
		r.mu.Lock()
		if cur, still := r.destinations[destName]; still && cur == d {
			delete(r.destinations, destName)
		}
		r.mu.Unlock()
	}
	return ok
}

// RemoveConnection removes every subscription owned by connID across all
// destinations, garbage-collecting destinations left empty, and returns the
// destination names the connection had been subscribed to.
func (r *Registry) RemoveConnection(connID string) []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.destinations))
	for name := range r.destinations {
		names = append(names, name)
	}
	r.mu.Unlock()

	var touched []string
	for _, name := range names {
		r.mu.Lock()
		d, ok := r.destinations[name]
		r.mu.Unlock()
		if !ok {
			continue
		}

		d.mu.Lock()
		before := len(d.subs)
		kept := d.subs[:0]
		for _, e := range d.subs {
			if e.sub.ConnID != connID {
				kept = append(kept, e)
			}
		}
		d.subs = kept
		d.cursor = 0
		removed := before != len(d.subs)
		empty := len(d.subs) == 0
		d.mu.Unlock()

		if removed {
			touched = append(touched, name)
		}
		if removed && empty && r.autoGC {
			r.mu.Lock()
			if cur, still := r.destinations[name]; still && cur == d {
				delete(r.destinations, name)
			}
			r.mu.Unlock()
		}
	}
	return touched
}

// pendingDelivery pairs a MESSAGE frame with the sink it must be written to,
// letting Dispatch take its subscriber snapshot under the destination lock
// and perform the actual writes outside it.
type pendingDelivery struct {
	connID string
	sink   Sink
	frame  *Frame
}

// allow charges payloadBytes against connID's bandwidth budget, if a
// regulator is configured. A nil regulator always allows.
func (r *Registry) allow(connID string, payloadBytes int) bool {
	if r.Bandwidth == nil {
		return true
	}
	return r.Bandwidth.Allow(connID, payloadBytes)
}

// Dispatch routes a SEND's body and headers to destName's current
// subscribers per its kind, tracking each delivery against the receiving
// subscription's pending-ack set. It creates the destination, with the kind
// InferKind gives for destName, if this is the first traffic it has seen.
func (r *Registry) Dispatch(destName string, source *Frame) {
	d := r.getOrCreate(destName, InferKind(destName))

	var deliveries []pendingDelivery
	d.mu.Lock()
	switch d.kind {
	case Topic:
		snapshot := make([]*subscriberEntry, len(d.subs))
		copy(snapshot, d.subs)
		for _, e := range snapshot {
			messageID := newUUID()
			msg := buildMessage(source, e.sub, messageID)
			e.sub.trackPending(messageID, source)
			deliveries = append(deliveries, pendingDelivery{connID: e.sub.ConnID, sink: e.sink, frame: msg})
		}
	default: // Queue
		if len(d.subs) > 0 {
			e := d.subs[d.cursor%len(d.subs)]
			d.cursor = (d.cursor + 1) % len(d.subs)
			messageID := newUUID()
			msg := buildMessage(source, e.sub, messageID)
			e.sub.trackPending(messageID, source)
			deliveries = append(deliveries, pendingDelivery{connID: e.sub.ConnID, sink: e.sink, frame: msg})
		}
	}
	d.mu.Unlock()

	for _, delivery := range deliveries {
		if !r.allow(delivery.connID, len(delivery.frame.Body)) {
			continue
		}
		_ = delivery.sink.WriteFrame(delivery.frame)
	}
}

// redeliver is used by Nack on a Queue destination: it re-dispatches a single
// MESSAGE, preferring a subscriber other than skipConnID when one exists.
func (r *Registry) redeliver(destName string, source *Frame, skipConnID string) {
	d := r.getOrCreate(destName, InferKind(destName))

	d.mu.Lock()
	var target *subscriberEntry
	if d.kind == Queue && len(d.subs) > 0 {
		for i := 0; i < len(d.subs); i++ {
			idx := (d.cursor + i) % len(d.subs)
			if d.subs[idx].sub.ConnID != skipConnID {
				target = d.subs[idx]
				d.cursor = (idx + 1) % len(d.subs)
				break
			}
		}
		if target == nil {
			target = d.subs[d.cursor%len(d.subs)]
			d.cursor = (d.cursor + 1) % len(d.subs)
		}
	}
	var delivery *pendingDelivery
	if target != nil {
		messageID := newUUID()
		msg := buildMessage(source, target.sub, messageID)
		target.sub.trackPending(messageID, source)
		delivery = &pendingDelivery{connID: target.sub.ConnID, sink: target.sink, frame: msg}
	}
	d.mu.Unlock()

	if delivery != nil && r.allow(delivery.connID, len(delivery.frame.Body)) {
		_ = delivery.sink.WriteFrame(delivery.frame)
	}
}

// findSubscriberSink locates the live subscriber entry for sub, if its
// destination and subscription are both still registered.
func (r *Registry) findSubscriberSink(destName, subID string) (Sink, bool) {
	r.mu.Lock()
	d, ok := r.destinations[destName]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.subs {
		if e.sub.ID == subID {
			return e.sink, true
		}
	}
	return nil, false
}

func buildMessage(source *Frame, sub *Subscription, messageID string) *Frame {
	msg := NewFrame(CmdMessage)
	source.Headers.Each(func(key, value string) {
		switch key {
		case HeaderReceipt, HeaderSubscription, HeaderMessageID, HeaderAck:
			return
		}
		msg.Headers.Set(key, value)
	})
	msg.Headers.Set(HeaderSubscription, sub.ID)
	msg.Headers.Set(HeaderMessageID, messageID)
	if sub.Ack != AckAuto {
		msg.Headers.Set(HeaderAck, messageID)
	}
	msg.Body = source.Body
	return msg
}
