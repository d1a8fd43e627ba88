package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"groundlink/internal/callarbiter"
	"groundlink/internal/ice"
	"groundlink/internal/identity"
	"groundlink/internal/keepalive"
	"groundlink/internal/protocol"
	"groundlink/internal/session"
)

type fakeVerifier struct{}

func (fakeVerifier) Verify(ctx context.Context, token string) (protocol.ClientID, error) {
	if token == "bad" {
		return "", identity.ErrInvalidToken
	}
	return protocol.ClientID(token), nil
}

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	factory := logging.NewDefaultLoggerFactory()
	logger := factory.NewLogger("gateway_test")

	registry := session.New(logger)
	arbiter := callarbiter.New(registry, logger, time.Minute)
	feed := identity.NewDataFeed("http://127.0.0.1:0", time.Hour)
	iceCfg := ice.NewConfig([]string{"stun:stun.example.com:3478"}, nil, "groundlink", []byte("secret"), time.Minute)

	gw := New(registry, arbiter, fakeVerifier{}, feed, iceCfg, logger, 200*time.Millisecond, keepalive.Config{
		PingInterval:  time.Hour,
		PongWaitTime:  time.Hour,
		WriteDeadline: time.Second,
	})

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return gw, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, srv)
	defer conn.Close()

	conn.WriteJSON(protocol.Hello("bad"))
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeError || env.Kind != protocol.ErrUnauthenticated {
		t.Fatalf("expected Error{Unauthenticated}, got %+v", env)
	}
}

func TestHandshakeTimesOutWithoutHello(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, srv)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected connection to close after handshake timeout")
	}
}

func TestSuccessfulHandshakeSendsWelcomeThenRoster(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, srv)
	defer conn.Close()

	conn.WriteJSON(protocol.Hello("900123"))

	welcome := readEnvelope(t, conn)
	if welcome.Type != protocol.TypeWelcome || welcome.Self == nil || welcome.Self.ID != "900123" {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}
	if welcome.IceConfig == nil || len(welcome.IceConfig.Servers) == 0 {
		t.Fatalf("expected ice servers in welcome, got %+v", welcome.IceConfig)
	}

	roster := readEnvelope(t, conn)
	if roster.Type != protocol.TypeRoster {
		t.Fatalf("expected roster, got %+v", roster)
	}
}

func TestSecondClientSeesRosterDelta(t *testing.T) {
	_, srv := newTestGateway(t)

	connA := dial(t, srv)
	defer connA.Close()
	connA.WriteJSON(protocol.Hello("A"))
	readEnvelope(t, connA) // welcome
	readEnvelope(t, connA) // roster

	connB := dial(t, srv)
	defer connB.Close()
	connB.WriteJSON(protocol.Hello("B"))
	readEnvelope(t, connB) // welcome
	readEnvelope(t, connB) // roster

	delta := readEnvelope(t, connA)
	if delta.Type != protocol.TypeClientConnected || delta.Client == nil || delta.Client.ID != "B" {
		t.Fatalf("expected client_connected(B) delta on A, got %+v", delta)
	}
}

func TestUnknownMessageTypeClosesConnection(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, srv)
	defer conn.Close()

	conn.WriteJSON(protocol.Hello("900123"))
	readEnvelope(t, conn) // welcome
	readEnvelope(t, conn) // roster

	raw, _ := json.Marshal(map[string]string{"type": "not_a_real_type"})
	conn.WriteMessage(websocket.TextMessage, raw)

	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeError || env.Kind != protocol.ErrProtocolViolation {
		t.Fatalf("expected Error{ProtocolViolation}, got %+v", env)
	}
}

func TestPingReceivesPong(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, srv)
	defer conn.Close()

	conn.WriteJSON(protocol.Hello("900123"))
	readEnvelope(t, conn) // welcome
	readEnvelope(t, conn) // roster

	conn.WriteJSON(protocol.Envelope{Type: protocol.TypePing})
	pong := readEnvelope(t, conn)
	if pong.Type != protocol.TypePong {
		t.Fatalf("expected pong, got %+v", pong)
	}
}

func TestPeerNotFoundOnInviteToUnknownPeer(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, srv)
	defer conn.Close()

	conn.WriteJSON(protocol.Hello("A"))
	readEnvelope(t, conn) // welcome
	readEnvelope(t, conn) // roster

	conn.WriteJSON(protocol.CallInviteMsg("ghost", "", "offer-sdp"))
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypePeerNotFound || env.ID != "ghost" {
		t.Fatalf("expected peer_not_found(ghost), got %+v", env)
	}
}

func TestDisplacedSessionReceivesErrorAndCloses(t *testing.T) {
	gw, srv := newTestGateway(t)

	connA1 := dial(t, srv)
	defer connA1.Close()
	connA1.WriteJSON(protocol.Hello("A"))
	readEnvelope(t, connA1) // welcome
	readEnvelope(t, connA1) // roster

	connA2 := dial(t, srv)
	defer connA2.Close()
	connA2.WriteJSON(protocol.Hello("A"))
	readEnvelope(t, connA2) // welcome
	readEnvelope(t, connA2) // roster

	env := readEnvelope(t, connA1)
	if env.Type != protocol.TypeError || env.Kind != protocol.ErrDisplaced {
		t.Fatalf("expected Error{Displaced} on displaced session, got %+v", env)
	}

	connA1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := connA1.ReadMessage(); err == nil {
		t.Fatal("expected displaced session's socket to close")
	}

	// The displaced session's own deferred cleanup (triggered by the
	// Close() above unblocking its dispatch loop) must not evict the
	// still-live A2 session: Deregister has to compare identity, not just
	// id, or A vanishes from the roster after every displacement.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if s := gw.Registry.Lookup("A"); s != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected session A to remain registered after its displaced predecessor's cleanup ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

var _ http.Handler = (*Gateway)(nil)
