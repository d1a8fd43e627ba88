// Package protocol defines the wire message schema exchanged between the
// signaling gateway and connected clients: a single framed JSON message per
// WebSocket text frame, discriminated by a "type" field.
package protocol

// ClientID is the opaque stable identifier a client authenticates as (a
// VATSIM CID in production, but treated as an opaque string of digits here).
type ClientID string

// ClientInfo is the roster-visible identity of a connected client.
type ClientInfo struct {
	ID          ClientID `json:"id"`
	DisplayName string   `json:"display_name"`
	Frequency   string   `json:"frequency"`
}

// ErrorKind enumerates the taxonomy of server-surfaced errors (§7).
type ErrorKind string

const (
	ErrUnauthenticated   ErrorKind = "Unauthenticated"
	ErrRateLimited       ErrorKind = "RateLimited"
	ErrSelfCall          ErrorKind = "SelfCall"
	ErrAlreadyInCall     ErrorKind = "AlreadyInCall"
	ErrPeerBusy          ErrorKind = "PeerBusy"
	ErrProtocolViolation ErrorKind = "ProtocolViolation"
	ErrInternal          ErrorKind = "Internal"
	ErrDisplaced         ErrorKind = "Displaced"
)

// Message type discriminators, shared by both directions of the wire schema.
const (
	TypeHello              = "hello"
	TypeCallInvite         = "call_invite"
	TypeCallAccept         = "call_accept"
	TypeCallReject         = "call_reject"
	TypeCallEnd            = "call_end"
	TypeIceCandidate       = "ice_candidate"
	TypePing               = "ping"
	TypeWelcome            = "welcome"
	TypeRoster             = "roster"
	TypeClientConnected    = "client_connected"
	TypeClientDisconnected = "client_disconnected"
	TypePeerNotFound       = "peer_not_found"
	TypeError              = "error"
	TypePong               = "pong"
)

// Envelope is the outer shape of every frame: a type discriminator plus the
// union of every message's payload fields, of which each message type sets
// only its own. Encoding keeps payload
// fields flat alongside "type" rather than nesting under a "data" key, to
// match the wire shape implied by §4.1's per-message field lists.
type Envelope struct {
	Type string `json:"type"`

	// Client -> Server fields
	Token     string   `json:"token,omitempty"`
	Peer      ClientID `json:"peer,omitempty"`
	SDPOffer  string   `json:"sdp_offer,omitempty"`
	SDPAnswer string   `json:"sdp_answer,omitempty"`
	Candidate string   `json:"candidate,omitempty"`

	// Server -> Client fields
	Self      *ClientInfo  `json:"self,omitempty"`
	IceConfig *IceConfig   `json:"ice_config,omitempty"`
	Clients   []ClientInfo `json:"clients,omitempty"`
	Client    *ClientInfo  `json:"client,omitempty"`
	ID        ClientID     `json:"id,omitempty"`
	From      ClientID     `json:"from,omitempty"`
	Kind      ErrorKind    `json:"kind,omitempty"`
	Detail    string       `json:"detail,omitempty"`
}

// IceServer is a single STUN/TURN endpoint configuration entry.
type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// IceConfig is the ordered list of ICE servers issued to a client on Welcome.
type IceConfig struct {
	Servers []IceServer `json:"servers"`
}

// Hello constructs the first client->server message establishing identity.
func Hello(token string) Envelope {
	return Envelope{Type: TypeHello, Token: token}
}

// Welcome constructs the server's post-registration greeting.
func Welcome(self ClientInfo, ice IceConfig) Envelope {
	return Envelope{Type: TypeWelcome, Self: &self, IceConfig: &ice}
}

// RosterSnapshot constructs the full-roster message sent once on connect.
func RosterSnapshot(clients []ClientInfo) Envelope {
	return Envelope{Type: TypeRoster, Clients: clients}
}

// ClientConnectedEvent constructs a roster delta for a newly online client.
func ClientConnectedEvent(c ClientInfo) Envelope {
	return Envelope{Type: TypeClientConnected, Client: &c}
}

// ClientDisconnectedEvent constructs a roster delta for a client going offline.
func ClientDisconnectedEvent(id ClientID) Envelope {
	return Envelope{Type: TypeClientDisconnected, ID: id}
}

// CallInviteMsg constructs a call-invite envelope carried in either direction:
// client->server uses Peer as the target, server->client uses From as the
// originator. Both fields are set so callers can use whichever applies.
func CallInviteMsg(peer, from ClientID, sdpOffer string) Envelope {
	return Envelope{Type: TypeCallInvite, Peer: peer, From: from, SDPOffer: sdpOffer}
}

func CallAcceptMsg(peer, from ClientID, sdpAnswer string) Envelope {
	return Envelope{Type: TypeCallAccept, Peer: peer, From: from, SDPAnswer: sdpAnswer}
}

func CallRejectMsg(peer, from ClientID) Envelope {
	return Envelope{Type: TypeCallReject, Peer: peer, From: from}
}

func CallEndMsg(peer, from ClientID) Envelope {
	return Envelope{Type: TypeCallEnd, Peer: peer, From: from}
}

func IceCandidateMsg(peer, from ClientID, candidate string) Envelope {
	return Envelope{Type: TypeIceCandidate, Peer: peer, From: from, Candidate: candidate}
}

func PeerNotFoundMsg(id ClientID) Envelope {
	return Envelope{Type: TypePeerNotFound, ID: id}
}

func ErrorMsg(kind ErrorKind, detail string) Envelope {
	return Envelope{Type: TypeError, Kind: kind, Detail: detail}
}

func PongMsg() Envelope {
	return Envelope{Type: TypePong}
}
