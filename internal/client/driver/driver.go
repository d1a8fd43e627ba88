// Package driver maintains the client's single WebSocket connection to
// the signaling gateway (§4.7): connection manager with exponential
// backoff reconnect, and a local roster mirror fed by Roster/
// ClientConnected/ClientDisconnected deltas. Reconnect-loop shape grounds
// on thatcooperguy-nvremote's heartbeat.ConnectSignaling/calculateBackoff;
// this talks plain JSON envelopes to the gateway rather than Socket.IO.
package driver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"groundlink/internal/protocol"
)

// ConnState is the connection manager's externally visible state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	baseReconnectDelay = 250 * time.Millisecond
	maxReconnectDelay  = 30 * time.Second
	reconnectJitter    = 0.2
)

// calculateBackoff returns the exponential backoff delay for the given
// attempt (0-indexed), capped at maxReconnectDelay and jittered ±20%.
func calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	jitter := delay * reconnectJitter * (2*rand.Float64() - 1)
	d := time.Duration(delay + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// ErrNotConnected is returned by Send when there is no live session.
var ErrNotConnected = errors.New("driver: not connected")

// Driver owns the gateway WebSocket connection and the roster mirror
// derived from its events.
type Driver struct {
	url     string
	tokenFn func() string
	logger  logging.LeveledLogger

	onState   func(ConnState)
	onEnvelope func(protocol.Envelope)

	mu       sync.RWMutex
	state    ConnState
	conn     *websocket.Conn
	outbound chan protocol.Envelope
	self     protocol.ClientInfo
	ice      protocol.IceConfig
	roster   map[protocol.ClientID]protocol.ClientInfo
}

// New builds a Driver. tokenFn is called fresh on every (re)connect so a
// refreshed bearer token is always used. onEnvelope receives every
// message the roster mirror doesn't consume itself (call_*, ice_candidate,
// peer_not_found, error, pong) — typically routed into the call
// controller.
func New(url string, tokenFn func() string, logger logging.LeveledLogger, onState func(ConnState), onEnvelope func(protocol.Envelope)) *Driver {
	return &Driver{
		url:        url,
		tokenFn:    tokenFn,
		logger:     logger,
		onState:    onState,
		onEnvelope: onEnvelope,
		roster:     make(map[protocol.ClientID]protocol.ClientInfo),
	}
}

// Run drives the reconnect loop until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		d.setState(StateConnecting)
		err := d.runSession(ctx)
		if ctx.Err() != nil {
			d.setState(StateDisconnected)
			return ctx.Err()
		}
		d.setState(StateDisconnected)
		if err != nil {
			d.logger.Warnf("driver: session ended: %v", err)
		}

		delay := calculateBackoff(attempt)
		attempt++
		d.logger.Infof("driver: reconnecting in %v (attempt %d)", delay, attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runSession dials, performs the Hello handshake, and runs the read/write
// loops until the connection drops or ctx is cancelled. Run does not reset
// its backoff attempt counter after a session reaches Connected, so the
// reconnect delay keeps growing across sessions up to maxReconnectDelay.
func (d *Driver) runSession(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.Hello(d.tokenFn())); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	var welcome protocol.Envelope
	if err := conn.ReadJSON(&welcome); err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type == protocol.TypeError {
		return fmt.Errorf("gateway rejected hello: %s", welcome.Kind)
	}
	if welcome.Type != protocol.TypeWelcome || welcome.Self == nil {
		return fmt.Errorf("expected welcome, got %q", welcome.Type)
	}

	var roster protocol.Envelope
	if err := conn.ReadJSON(&roster); err != nil {
		return fmt.Errorf("read roster: %w", err)
	}
	if roster.Type != protocol.TypeRoster {
		return fmt.Errorf("expected roster, got %q", roster.Type)
	}

	d.mu.Lock()
	d.conn = conn
	d.self = *welcome.Self
	d.ice = *welcome.IceConfig
	d.outbound = make(chan protocol.Envelope, 32)
	d.roster = make(map[protocol.ClientID]protocol.ClientInfo, len(roster.Clients))
	for _, c := range roster.Clients {
		d.roster[c.ID] = c
	}
	outbound := d.outbound
	d.mu.Unlock()

	d.setState(StateConnected)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for env := range outbound {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(env); err != nil {
				d.logger.Warnf("driver: write failed: %v", err)
				return
			}
		}
	}()

	readErr := d.readLoop(conn)

	d.mu.Lock()
	close(d.outbound)
	d.outbound = nil
	d.conn = nil
	d.mu.Unlock()
	<-writerDone

	return readErr
}

func (d *Driver) readLoop(conn *websocket.Conn) error {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}

		switch env.Type {
		case protocol.TypeRoster:
			d.mu.Lock()
			d.roster = make(map[protocol.ClientID]protocol.ClientInfo, len(env.Clients))
			for _, c := range env.Clients {
				d.roster[c.ID] = c
			}
			d.mu.Unlock()
		case protocol.TypeClientConnected:
			if env.Client != nil {
				d.mu.Lock()
				d.roster[env.Client.ID] = *env.Client
				d.mu.Unlock()
			}
		case protocol.TypeClientDisconnected:
			d.mu.Lock()
			delete(d.roster, env.ID)
			d.mu.Unlock()
		default:
			if d.onEnvelope != nil {
				d.onEnvelope(env)
			}
		}
	}
}

// Send enqueues an envelope for the active session. It returns
// ErrNotConnected if there is no live connection. The send happens under
// the same lock runSession uses to close d.outbound on disconnect, so a
// send can never race a close of the channel it targets.
func (d *Driver) Send(env protocol.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outbound == nil {
		return ErrNotConnected
	}
	select {
	case d.outbound <- env:
		return nil
	default:
		return fmt.Errorf("driver: outbound queue full")
	}
}

// State returns the current connection state.
func (d *Driver) State() ConnState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Self returns the client's own roster-visible info, as resolved by the
// gateway on the most recent Welcome.
func (d *Driver) Self() protocol.ClientInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.self
}

// IceConfig returns the ICE server configuration issued on the most
// recent Welcome.
func (d *Driver) IceConfig() protocol.IceConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ice
}

// Roster returns a snapshot of the locally mirrored roster.
func (d *Driver) Roster() []protocol.ClientInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]protocol.ClientInfo, 0, len(d.roster))
	for _, c := range d.roster {
		out = append(out, c)
	}
	return out
}

func (d *Driver) setState(s ConnState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	if d.onState != nil {
		d.onState(s)
	}
}
