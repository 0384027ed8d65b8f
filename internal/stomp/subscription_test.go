package stomp

import "testing"

func TestSubscriptionAutoAckNeverTracksPending(t *testing.T) {
	sub := NewSubscription("s1", "c1", "/queue/a", AckAuto)
	sub.trackPending("m1", NewFrame(CmdSend))
	if sub.PendingCount() != 0 {
		t.Fatalf("expected AckAuto subscriptions to never track pending acks")
	}
}

func TestSubscriptionClientIndividualResolvesOne(t *testing.T) {
	sub := NewSubscription("s1", "c1", "/queue/a", AckClientIndividual)
	sub.trackPending("m1", NewFrame(CmdSend).WithBody([]byte("one")))
	sub.trackPending("m2", NewFrame(CmdSend).WithBody([]byte("two")))
	sub.trackPending("m3", NewFrame(CmdSend).WithBody([]byte("three")))

	resolved, ok := sub.resolve("m2")
	if !ok || len(resolved) != 1 || resolved[0].messageID != "m2" {
		t.Fatalf("expected client-individual ack to resolve only m2, got %+v", resolved)
	}
	if sub.PendingCount() != 2 {
		t.Fatalf("expected 2 still pending, got %d", sub.PendingCount())
	}
}

func TestSubscriptionClientCumulativeResolvesUpToAndIncluding(t *testing.T) {
	sub := NewSubscription("s1", "c1", "/queue/a", AckClient)
	sub.trackPending("m1", NewFrame(CmdSend))
	sub.trackPending("m2", NewFrame(CmdSend))
	sub.trackPending("m3", NewFrame(CmdSend))

	resolved, ok := sub.resolve("m2")
	if !ok || len(resolved) != 2 {
		t.Fatalf("expected cumulative ack of m2 to resolve m1 and m2, got %+v", resolved)
	}
	if sub.PendingCount() != 1 {
		t.Fatalf("expected 1 still pending (m3), got %d", sub.PendingCount())
	}
	if !sub.hasPending("m3") {
		t.Fatalf("expected m3 to remain pending")
	}
}

func TestSubscriptionResolveUnknownID(t *testing.T) {
	sub := NewSubscription("s1", "c1", "/queue/a", AckClient)
	sub.trackPending("m1", NewFrame(CmdSend))
	if _, ok := sub.resolve("does-not-exist"); ok {
		t.Fatalf("expected resolve of unknown id to fail")
	}
}
