// Package callcontrol drives the user-visible call state machine on the
// client and coordinates the signaling driver with the peer transport
// (§4.7). It owns no network connection itself: envelopes arrive via
// HandleEnvelope from the driver's onEnvelope callback, and outbound
// envelopes are written through the Sender the caller supplies.
//
// Grounds on shahmir-k-pionly-stunturn-server-seperate-logging's
// webrtc/handler.go message-type switch for the call-flow shape (call/
// cancelCall/acceptCall/hangUp), reworked into a small synchronous state
// machine instead of a per-connection dispatch loop, since the driver
// already owns the single dispatch goroutine.
package callcontrol

import (
	"fmt"
	"sync"
	"time"

	"groundlink/internal/client/transport"
	"groundlink/internal/protocol"
)

// State is the user-visible call display state.
type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateAccepted
	StateRejected
	StateError
)

func (s State) String() string {
	switch s {
	case StateOutgoing:
		return "outgoing"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// Display is the state snapshot handed to the UI callback.
type Display struct {
	State State
	Peer  protocol.ClientID
	Err   string
}

// IncomingInvite is a queued, not-yet-acted-on call invite.
type IncomingInvite struct {
	From     protocol.ClientID
	SDPOffer string
}

// maxQueuedInvites is the point past which new incoming invites are
// auto-rejected rather than queued (§4.7 "five or more incoming invites").
const maxQueuedInvites = 5

// debounceWindow collapses duplicate user actions (double taps on the
// same control) arriving within this window.
const debounceWindow = 400 * time.Millisecond

// Sender delivers an envelope to the gateway. It is satisfied by
// (*driver.Driver).Send.
type Sender func(protocol.Envelope) error

// Controller is the call state machine plus the ignore list. It is not
// safe for concurrent use from more than one goroutine driving user
// actions, but HandleEnvelope may be called concurrently with user
// actions; both paths take the same lock.
type Controller struct {
	send       Sender
	iceServers []protocol.IceServer
	onDisplay  func(Display)
	onIncoming func(IncomingInvite)

	mu            sync.Mutex
	state         State
	peer          protocol.ClientID
	pc            *transport.PeerConnection
	incoming      []IncomingInvite
	ignoreList    map[protocol.ClientID]struct{}
	lastAction    map[string]time.Time
}

// New builds an idle Controller. onDisplay is invoked whenever the call
// display state changes; onIncoming is invoked when a new invite is
// queued (not auto-rejected, not ignored) so the UI can show blinking
// keys.
func New(send Sender, iceServers []protocol.IceServer, onDisplay func(Display), onIncoming func(IncomingInvite)) *Controller {
	return &Controller{
		send:       send,
		iceServers: iceServers,
		onDisplay:  onDisplay,
		onIncoming: onIncoming,
		ignoreList: make(map[protocol.ClientID]struct{}),
		lastAction: make(map[string]time.Time),
	}
}

// SetIgnored adds or removes a peer from the ignore list.
func (c *Controller) SetIgnored(id protocol.ClientID, ignored bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ignored {
		c.ignoreList[id] = struct{}{}
	} else {
		delete(c.ignoreList, id)
	}
}

// State returns the current call display.
func (c *Controller) State() Display {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Display{State: c.state, Peer: c.peer}
}

// Incoming returns a snapshot of the queued incoming invites.
func (c *Controller) Incoming() []IncomingInvite {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]IncomingInvite, len(c.incoming))
	copy(out, c.incoming)
	return out
}

// StartCall begins an outgoing call to peer. Debounced against repeated
// taps; rejected outright if a call is already in progress.
func (c *Controller) StartCall(peer protocol.ClientID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.debouncedLocked("start_call:" + string(peer)) {
		return nil
	}
	if c.state != StateIdle {
		return fmt.Errorf("callcontrol: cannot start call in state %s", c.state)
	}

	pc := transport.New(
		func(candidate string) { c.send(protocol.IceCandidateMsg(peer, "", candidate)) },
		nil,
		c.onConnectionLost(peer),
		c.onMediaError(peer),
	)
	offer, err := pc.CreateOffer(transport.IceServersFromConfig(protocol.IceConfig{Servers: c.iceServers}))
	if err != nil {
		pc.Close()
		return fmt.Errorf("create offer: %w", err)
	}

	c.pc = pc
	c.peer = peer
	c.setStateLocked(StateOutgoing, "")

	if err := c.send(protocol.CallInviteMsg(peer, "", offer)); err != nil {
		c.clearLocked()
		return fmt.Errorf("send invite: %w", err)
	}
	return nil
}

// AcceptCall accepts a queued incoming invite from peer.
func (c *Controller) AcceptCall(peer protocol.ClientID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.debouncedLocked("accept_call:" + string(peer)) {
		return nil
	}

	idx := -1
	for i, inv := range c.incoming {
		if inv.From == peer {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("callcontrol: no queued invite from %s", peer)
	}
	inv := c.incoming[idx]
	c.incoming = append(c.incoming[:idx], c.incoming[idx+1:]...)

	pc := transport.New(
		func(candidate string) { c.send(protocol.IceCandidateMsg(peer, "", candidate)) },
		nil,
		c.onConnectionLost(peer),
		c.onMediaError(peer),
	)
	answer, err := pc.AcceptOffer(inv.SDPOffer, transport.IceServersFromConfig(protocol.IceConfig{Servers: c.iceServers}))
	if err != nil {
		pc.Close()
		return fmt.Errorf("accept offer: %w", err)
	}

	c.pc = pc
	c.peer = peer
	if err := c.send(protocol.CallAcceptMsg(peer, "", answer)); err != nil {
		c.clearLocked()
		return fmt.Errorf("send accept: %w", err)
	}
	c.setStateLocked(StateAccepted, "")
	return nil
}

// RejectCall rejects a queued incoming invite from peer without
// connecting.
func (c *Controller) RejectCall(peer protocol.ClientID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, inv := range c.incoming {
		if inv.From == peer {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("callcontrol: no queued invite from %s", peer)
	}
	c.incoming = append(c.incoming[:idx], c.incoming[idx+1:]...)
	return c.send(protocol.CallRejectMsg(peer, ""))
}

// EndCall ends the active call, if any.
func (c *Controller) EndCall() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.debouncedLocked("end_call") {
		return nil
	}
	if c.state == StateIdle || c.peer == "" {
		return nil
	}
	peer := c.peer
	c.clearLocked()
	return c.send(protocol.CallEndMsg(peer, ""))
}

// HandleEnvelope processes a server-originated call envelope. It is
// intended to be wired as the driver's onEnvelope callback (filtered to
// call_*, ice_candidate, and peer_not_found types; other types should be
// routed elsewhere by the caller).
func (c *Controller) HandleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeCallInvite:
		c.handleIncomingInvite(env.From, env.SDPOffer)
	case protocol.TypeCallAccept:
		c.handleAccept(env.From, env.SDPAnswer)
	case protocol.TypeCallReject:
		c.handleReject(env.From)
	case protocol.TypeCallEnd:
		c.handleEnd(env.From)
	case protocol.TypeIceCandidate:
		c.handleRemoteICE(env.From, env.Candidate)
	case protocol.TypePeerNotFound:
		c.handlePeerNotFound(env.ID)
	}
}

func (c *Controller) handleIncomingInvite(from protocol.ClientID, sdpOffer string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ignored := c.ignoreList[from]; ignored {
		return
	}
	if len(c.incoming) >= maxQueuedInvites {
		c.send(protocol.CallRejectMsg(from, ""))
		return
	}
	c.incoming = append(c.incoming, IncomingInvite{From: from, SDPOffer: sdpOffer})
	if c.onIncoming != nil {
		go c.onIncoming(IncomingInvite{From: from, SDPOffer: sdpOffer})
	}
}

func (c *Controller) handleAccept(from protocol.ClientID, sdpAnswer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOutgoing || c.peer != from || c.pc == nil {
		return
	}
	if err := c.pc.ApplyAnswer(sdpAnswer); err != nil {
		c.setStateLocked(StateError, err.Error())
		return
	}
	c.setStateLocked(StateAccepted, "")
}

func (c *Controller) handleReject(from protocol.ClientID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOutgoing || c.peer != from {
		return
	}
	c.setStateLocked(StateRejected, "")
	if c.pc != nil {
		c.pc.Close()
		c.pc = nil
	}
}

func (c *Controller) handleEnd(from protocol.ClientID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer != from {
		return
	}
	c.clearLocked()
}

func (c *Controller) handleRemoteICE(from protocol.ClientID, candidate string) {
	c.mu.Lock()
	pc := c.pc
	active := pc != nil && c.peer == from
	c.mu.Unlock()
	if !active {
		return
	}
	pc.AddRemoteICE(candidate)
}

func (c *Controller) handlePeerNotFound(peer protocol.ClientID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOutgoing || c.peer != peer {
		return
	}
	c.setStateLocked(StateError, "peer not found")
	if c.pc != nil {
		c.pc.Close()
		c.pc = nil
	}
}

func (c *Controller) onConnectionLost(peer protocol.ClientID) func() {
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.peer != peer {
			return
		}
		// §4.5: ICE failure past the grace period must request a CallEnd
		// via signaling, not just clear local state — the server-side
		// CallRecord is past Invited by now (auto-hangup doesn't cover
		// it) and would otherwise become a permanent zombie.
		c.send(protocol.CallEndMsg(peer, ""))
		c.setStateLocked(StateError, "connection lost")
		c.pc = nil
	}
}

func (c *Controller) onMediaError(peer protocol.ClientID) func(error) {
	return func(err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.peer != peer {
			return
		}
		c.setStateLocked(StateError, err.Error())
	}
}

func (c *Controller) clearLocked() {
	if c.pc != nil {
		c.pc.Close()
		c.pc = nil
	}
	c.peer = ""
	c.setStateLocked(StateIdle, "")
}

func (c *Controller) setStateLocked(s State, errMsg string) {
	c.state = s
	if c.onDisplay != nil {
		d := Display{State: s, Peer: c.peer, Err: errMsg}
		go c.onDisplay(d)
	}
}

func (c *Controller) debouncedLocked(key string) bool {
	now := time.Now()
	if last, ok := c.lastAction[key]; ok && now.Sub(last) < debounceWindow {
		return true
	}
	c.lastAction[key] = now
	return false
}
