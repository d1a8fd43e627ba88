package session

import (
	"testing"
	"time"

	"github.com/pion/logging"

	"groundlink/internal/protocol"
)

func newTestRegistry() *Registry {
	factory := logging.NewDefaultLoggerFactory()
	return New(factory.NewLogger("session_test"))
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry()
	out := make(chan protocol.Envelope, 4)

	_, displaced := r.Register("900123", protocol.ClientInfo{ID: "900123", DisplayName: "EGLL_TWR"}, out, nil)
	if displaced != nil {
		t.Fatalf("expected no displacement on first register, got %+v", displaced)
	}

	s := r.Lookup("900123")
	if s == nil || s.Info.DisplayName != "EGLL_TWR" {
		t.Fatalf("lookup mismatch: %+v", s)
	}
}

func TestRegisterDisplacesPriorSession(t *testing.T) {
	r := newTestRegistry()
	out1 := make(chan protocol.Envelope, 4)
	out2 := make(chan protocol.Envelope, 4)

	r.Register("900123", protocol.ClientInfo{ID: "900123"}, out1, nil)
	_, displaced := r.Register("900123", protocol.ClientInfo{ID: "900123"}, out2, nil)

	if displaced == nil {
		t.Fatal("expected displacement of prior session")
	}
	if displaced.Outbound != (chan<- protocol.Envelope)(out1) {
		t.Fatal("displaced session should reference the first outbound channel")
	}

	s := r.Lookup("900123")
	if s.Outbound != (chan<- protocol.Envelope)(out2) {
		t.Fatal("current session should reference the second outbound channel")
	}
}

func TestDeregisterRemovesSession(t *testing.T) {
	r := newTestRegistry()
	out := make(chan protocol.Envelope, 4)
	self, _ := r.Register("900123", protocol.ClientInfo{ID: "900123"}, out, nil)
	r.Deregister(self)

	if s := r.Lookup("900123"); s != nil {
		t.Fatalf("expected nil after deregister, got %+v", s)
	}
}

func TestSnapshotReflectsRoster(t *testing.T) {
	r := newTestRegistry()
	r.Register("1", protocol.ClientInfo{ID: "1", DisplayName: "A"}, make(chan protocol.Envelope, 1), nil)
	r.Register("2", protocol.ClientInfo{ID: "2", DisplayName: "B"}, make(chan protocol.Envelope, 1), nil)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
}

func TestSubscribeReceivesConnectedAndDisconnectedInOrder(t *testing.T) {
	r := newTestRegistry()
	sub := r.Subscribe()
	defer r.Unsubscribe(sub)

	self, _ := r.Register("900123", protocol.ClientInfo{ID: "900123"}, make(chan protocol.Envelope, 1), nil)
	r.Deregister(self)

	select {
	case ev := <-sub.Events:
		if ev.Kind != EventConnected {
			t.Fatalf("expected EventConnected first, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connected event")
	}

	select {
	case ev := <-sub.Events:
		if ev.Kind != EventDisconnected || ev.ID != "900123" {
			t.Fatalf("expected EventDisconnected(900123), got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnected event")
	}
}

func TestDisconnectStrictlyPrecedesReconnect(t *testing.T) {
	// Invariant 6: after disconnect+reconnect of c, peers observe
	// ClientDisconnected(c) strictly before any subsequent ClientConnected(c).
	r := newTestRegistry()
	sub := r.Subscribe()
	defer r.Unsubscribe(sub)

	self, _ := r.Register("900123", protocol.ClientInfo{ID: "900123"}, make(chan protocol.Envelope, 1), nil)
	<-sub.Events // connected

	r.Deregister(self)
	r.Register("900123", protocol.ClientInfo{ID: "900123"}, make(chan protocol.Envelope, 1), nil)

	ev1 := <-sub.Events
	ev2 := <-sub.Events
	if ev1.Kind != EventDisconnected || ev2.Kind != EventConnected {
		t.Fatalf("expected disconnected-then-connected, got %v then %v", ev1.Kind, ev2.Kind)
	}
}
