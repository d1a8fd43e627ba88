package ice

import (
	"testing"
	"time"

	"github.com/pion/turn/v4"
)

func TestIssueIncludesStunAndTurnServers(t *testing.T) {
	cfg := NewConfig(
		[]string{"stun:stun.example.com:3478"},
		[]string{"turn:turn.example.com:3478"},
		"groundlink",
		[]byte("shared-secret"),
		10*time.Minute,
	)

	ice := cfg.Issue("900123")
	if len(ice.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(ice.Servers))
	}
	if ice.Servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun server: %+v", ice.Servers[0])
	}
	turnServer := ice.Servers[1]
	if turnServer.Username == "" || turnServer.Credential == "" {
		t.Fatalf("expected minted credential, got %+v", turnServer)
	}
}

func TestAuthHandlerVerifiesMintedCredential(t *testing.T) {
	cfg := NewConfig(nil, []string{"turn:turn.example.com:3478"}, "groundlink", []byte("shared-secret"), 10*time.Minute)
	ice := cfg.Issue("900123")
	turnServer := ice.Servers[0]

	key, ok := cfg.AuthHandler()(turnServer.Username, cfg.Realm, nil)
	if !ok {
		t.Fatal("expected auth handler to accept minted username")
	}
	expected := turn.GenerateAuthKey(turnServer.Username, cfg.Realm, turnServer.Credential)
	if string(key) != string(expected) {
		t.Fatal("auth handler key does not match expected long-term-credential key")
	}
}

func TestNoTurnURLsOmitsTurnServer(t *testing.T) {
	cfg := NewConfig([]string{"stun:stun.example.com:3478"}, nil, "groundlink", []byte("secret"), 0)
	ice := cfg.Issue("900123")
	if len(ice.Servers) != 1 {
		t.Fatalf("expected only the stun server, got %+v", ice.Servers)
	}
}
