package protocol

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"hello", Hello("tok-123")},
		{"welcome", Welcome(ClientInfo{ID: "900123", DisplayName: "EGLL_TWR", Frequency: "118.500"}, IceConfig{
			Servers: []IceServer{{URLs: []string{"stun:stun.example.com:3478"}}},
		})},
		{"roster", RosterSnapshot([]ClientInfo{{ID: "900123", DisplayName: "EGLL_TWR"}})},
		{"client_connected", ClientConnectedEvent(ClientInfo{ID: "900456", DisplayName: "EGLL_GND"})},
		{"client_disconnected", ClientDisconnectedEvent("900456")},
		{"call_invite", CallInviteMsg("900456", "900123", "v=0...")},
		{"call_accept", CallAcceptMsg("900123", "900456", "v=0...")},
		{"call_reject", CallRejectMsg("900123", "900456")},
		{"call_end", CallEndMsg("900123", "900456")},
		{"ice_candidate", IceCandidateMsg("900123", "900456", "candidate:1 1 UDP ...")},
		{"peer_not_found", PeerNotFoundMsg("999999")},
		{"error", ErrorMsg(ErrRateLimited, "too many call_invite")},
		{"pong", PongMsg()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.env)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var decoded Envelope
			if err := json.Unmarshal(raw, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if decoded.Type != tc.env.Type {
				t.Fatalf("type mismatch: got %q want %q", decoded.Type, tc.env.Type)
			}
		})
	}
}

func TestEnvelopeTypeDiscriminator(t *testing.T) {
	raw := []byte(`{"type":"ping"}`)
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != TypePing {
		t.Fatalf("got %q want %q", env.Type, TypePing)
	}
}

func TestErrorMsgCarriesKind(t *testing.T) {
	env := ErrorMsg(ErrAlreadyInCall, "peer already in call")
	if env.Kind != ErrAlreadyInCall {
		t.Fatalf("got kind %q want %q", env.Kind, ErrAlreadyInCall)
	}
	if env.Type != TypeError {
		t.Fatalf("got type %q want %q", env.Type, TypeError)
	}
}
