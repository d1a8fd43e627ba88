// Package gateway implements the single WebSocket signaling endpoint
// clients connect to: handshake, registration, roster fan-out, and the
// per-session dispatch loop wiring ratelimit and callarbiter (§4.6).
// Restructured from the teacher's internal/handlers.WebsocketHandler
// (upgrade, per-connection goroutine, deferred panic recovery) around the
// protocol's Envelope.Type switch instead of SFU signaling.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"groundlink/internal/callarbiter"
	"groundlink/internal/database"
	"groundlink/internal/identity"
	"groundlink/internal/ice"
	"groundlink/internal/keepalive"
	"groundlink/internal/metrics"
	"groundlink/internal/protocol"
	"groundlink/internal/ratelimit"
	"groundlink/internal/recovery"
	"groundlink/internal/session"
)

const outboundQueueDepth = 32

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway holds the collaborators a connection needs across its lifetime.
type Gateway struct {
	Registry         *session.Registry
	Arbiter          *callarbiter.Arbiter
	Verifier         identity.TokenVerifier
	Feed             *identity.DataFeed
	ICE              *ice.Config
	Logger           logging.LeveledLogger
	HandshakeTimeout time.Duration
	Keepalive        keepalive.Config
}

// New builds a Gateway with the given collaborators. handshakeTimeout
// defaults to 10s when zero.
func New(registry *session.Registry, arbiter *callarbiter.Arbiter, verifier identity.TokenVerifier, feed *identity.DataFeed, iceCfg *ice.Config, logger logging.LeveledLogger, handshakeTimeout time.Duration, ka keepalive.Config) *Gateway {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &Gateway{
		Registry:         registry,
		Arbiter:          arbiter,
		Verifier:         verifier,
		Feed:             feed,
		ICE:              iceCfg,
		Logger:           logger,
		HandshakeTimeout: handshakeTimeout,
		Keepalive:        ka,
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the full
// connection lifecycle from §4.6. It never panics out of the HTTP handler:
// a failure partway through the handshake just closes the socket.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.Logger.Errorf("gateway: upgrade failed: %v", err)
		return
	}

	id, info, ok := g.handshake(conn)
	if !ok {
		recovery.SafeCloser(g.Logger, conn.Close, "websocket")
		return
	}

	g.serve(conn, id, info)
}

// handshake awaits Hello{token} within HandshakeTimeout, verifies it, and
// resolves ClientInfo. On any failure it sends Error{Unauthenticated} (when
// possible) and returns ok=false; the caller closes the socket.
func (g *Gateway) handshake(conn *websocket.Conn) (protocol.ClientID, protocol.ClientInfo, bool) {
	conn.SetReadDeadline(time.Now().Add(g.HandshakeTimeout))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		g.Logger.Warnf("gateway: handshake read failed: %v", err)
		return "", protocol.ClientInfo{}, false
	}

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != protocol.TypeHello {
		g.Logger.Warnf("gateway: expected hello, got decode error=%v type=%q", err, env.Type)
		conn.WriteJSON(protocol.ErrorMsg(protocol.ErrUnauthenticated, "expected hello"))
		return "", protocol.ClientInfo{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.HandshakeTimeout)
	defer cancel()
	id, err := g.Verifier.Verify(ctx, env.Token)
	if err != nil {
		g.Logger.Warnf("gateway: token rejected: %v", err)
		conn.WriteJSON(protocol.ErrorMsg(protocol.ErrUnauthenticated, "invalid token"))
		return "", protocol.ClientInfo{}, false
	}

	info := g.Feed.Lookup(id)
	conn.SetReadDeadline(time.Time{})
	return id, info, true
}

// serve runs the steady-state lifecycle for an authenticated connection:
// registration, welcome/roster, subscription fan-out, and the dispatch
// loop. It owns the connection until the socket closes.
func (g *Gateway) serve(conn *websocket.Conn, id protocol.ClientID, info protocol.ClientInfo) {
	outbound := make(chan protocol.Envelope, outboundQueueDepth)
	closed := make(chan struct{})
	var closeOnce func()
	closeOnce = func() {
		select {
		case <-closed:
		default:
			close(closed)
			conn.Close()
		}
	}

	mySession, displaced := g.Registry.Register(id, info, outbound, closeOnce)
	if displaced != nil {
		metrics.RecordSessionDisplaced()
		select {
		case displaced.Outbound <- protocol.ErrorMsg(protocol.ErrDisplaced, "reconnected from another location"):
		default:
		}
		if displaced.Close != nil {
			displaced.Close()
		}
	}
	metrics.RecordSessionCreated()
	database.RecordAuditEvent("session.connect", string(id), "", nil)

	iceConfig := g.ICE.Issue(id)
	g.recordTurnIssuance(id, iceConfig)

	sub := g.Registry.Subscribe()

	defer func() {
		g.Registry.Unsubscribe(sub)
		g.Arbiter.OnDisconnect(id)
		g.Registry.Deregister(mySession)
		metrics.RecordSessionClosed()
		database.RecordAuditEvent("session.disconnect", string(id), "", nil)
		closeOnce()
	}()

	ka := g.Keepalive
	if ka == (keepalive.Config{}) {
		ka = keepalive.DefaultConfig()
	}
	mon := keepalive.NewMonitor(conn, g.Logger, ka)
	mon.Start()
	defer mon.Stop()

	go g.writer(conn, mon, outbound, sub, closed)

	outbound <- protocol.Welcome(info, iceConfig)
	outbound <- protocol.RosterSnapshot(g.Registry.Snapshot())

	g.dispatch(conn, id, mon)
}

// writer is the session's single encoder task (§4.6 "one encoder task"):
// it drains outbound plus translated roster-subscription events, in
// enqueue order, onto the wire.
func (g *Gateway) writer(conn *websocket.Conn, mon *keepalive.Monitor, outbound <-chan protocol.Envelope, sub *session.Subscription, closed <-chan struct{}) {
	for {
		select {
		case <-closed:
			return
		case env, ok := <-outbound:
			if !ok {
				return
			}
			if err := mon.WriteJSONWithTimeout(env); err != nil {
				g.Logger.Warnf("gateway: write failed: %v", err)
				return
			}
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			var env protocol.Envelope
			switch ev.Kind {
			case session.EventConnected:
				env = protocol.ClientConnectedEvent(ev.Info)
			case session.EventDisconnected:
				env = protocol.ClientDisconnectedEvent(ev.ID)
			}
			if err := mon.WriteJSONWithTimeout(env); err != nil {
				g.Logger.Warnf("gateway: write failed: %v", err)
				return
			}
		}
	}
}

// dispatch is the session's decoder task: read, rate-limit, route to the
// arbiter. A panic anywhere in here is contained by recovery.Guard so one
// misbehaving session can never take down another.
func (g *Gateway) dispatch(conn *websocket.Conn, id protocol.ClientID, mon *keepalive.Monitor) {
	defer recovery.Guard(g.Logger, string(id), func() { conn.Close() })

	limiter := ratelimit.NewDefault()

	for {
		if !mon.IsAlive() {
			g.Logger.Warnf("gateway: session %s stale, closing", id)
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.Logger.Infof("gateway: session %s closed normally", id)
			} else {
				g.Logger.Warnf("gateway: session %s read error: %v", id, err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			mon.WriteJSONWithTimeout(protocol.ErrorMsg(protocol.ErrProtocolViolation, "malformed frame"))
			return
		}

		if kind, limited := ratelimit.KindForEnvelope(env.Type); limited {
			if !limiter.Allow(kind) {
				metrics.RecordRateLimitDrop()
				mon.WriteJSONWithTimeout(protocol.ErrorMsg(protocol.ErrRateLimited, string(env.Type)))
				continue
			}
		}

		metrics.RecordMessageProcessed()

		switch env.Type {
		case protocol.TypeCallInvite:
			g.handleInvite(mon, id, env)
		case protocol.TypeCallAccept:
			g.Arbiter.Accept(id, env.Peer, env.SDPAnswer)
		case protocol.TypeCallReject:
			g.Arbiter.Reject(id, env.Peer)
		case protocol.TypeCallEnd:
			g.Arbiter.End(id, env.Peer)
		case protocol.TypeIceCandidate:
			g.Arbiter.Ice(id, env.Peer, env.Candidate)
		case protocol.TypePing:
			mon.WriteJSONWithTimeout(protocol.PongMsg())
		default:
			mon.WriteJSONWithTimeout(protocol.ErrorMsg(protocol.ErrProtocolViolation, "unknown message type "+env.Type))
			return
		}
	}
}

// recordTurnIssuance writes an audit row for the TURN credential just
// minted into iceConfig's Welcome, if any TURN server was issued.
func (g *Gateway) recordTurnIssuance(id protocol.ClientID, iceConfig protocol.IceConfig) {
	for _, s := range iceConfig.Servers {
		if s.Username == "" {
			continue
		}
		expiry, err := ice.ExpiryFromUsername(s.Username)
		if err != nil {
			g.Logger.Warnf("gateway: %v", err)
			continue
		}
		if err := database.RecordTurnIssuance(string(id), s.Username, expiry); err != nil {
			g.Logger.Warnf("gateway: audit turn issuance failed: %v", err)
		}
	}
}

func (g *Gateway) handleInvite(mon *keepalive.Monitor, id protocol.ClientID, env protocol.Envelope) {
	outcome := g.Arbiter.Invite(id, env.Peer, env.SDPOffer)
	switch outcome {
	case callarbiter.InviteOK:
		metrics.RecordCallInvited()
		database.RecordAuditEvent("call.invite", string(id), string(env.Peer), nil)
	case callarbiter.InviteSelfCall:
		mon.WriteJSONWithTimeout(protocol.ErrorMsg(protocol.ErrSelfCall, ""))
	case callarbiter.InviteAlreadyInCall:
		mon.WriteJSONWithTimeout(protocol.ErrorMsg(protocol.ErrAlreadyInCall, ""))
	case callarbiter.InvitePeerBusy:
		mon.WriteJSONWithTimeout(protocol.ErrorMsg(protocol.ErrPeerBusy, string(env.Peer)))
	case callarbiter.InvitePeerNotFound:
		mon.WriteJSONWithTimeout(protocol.PeerNotFoundMsg(env.Peer))
	}
}
