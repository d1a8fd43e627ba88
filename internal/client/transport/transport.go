// Package transport wraps a single WebRTC peer connection to one remote
// peer (§4.5): offer/answer negotiation, ICE trickling, and pause/resume
// of the outgoing audio sender without renegotiation. Generalized from
// ehrlich-b-wingthing's PeerManager.HandleOffer (answer-only) to also
// originate offers, using trickled candidates instead of waiting on
// GatheringCompletePromise.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"groundlink/internal/protocol"
)

// State is the peer connection's position in its lifecycle (§4.5).
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionLostGrace is how long a disconnected/failed ICE state is
// tolerated before ConnectionLost fires (§4.5 "grace period ≈5s").
const ConnectionLostGrace = 5 * time.Second

// PeerConnection wraps one pion/webrtc PeerConnection and the bookkeeping
// the call controller needs: current state, local-candidate trickling, and
// buffering remote candidates that arrive before a remote description is
// set.
type PeerConnection struct {
	mu    sync.Mutex
	pc    *webrtc.PeerConnection
	state State

	audioTrack *webrtc.TrackLocalStaticSample
	sender     *webrtc.RTPSender
	paused     bool

	remoteDescSet    bool
	pendingRemoteICE []webrtc.ICECandidateInit

	lossTimer *time.Timer

	onLocalICE       func(candidate string)
	onStateChange    func(State)
	onConnectionLost func()
	onMediaError     func(error)
}

// New builds an idle PeerConnection. onLocalICE is invoked from pion's own
// goroutines, onStateChange on a new goroutine per transition,
// onConnectionLost from the grace timer's goroutine, and onMediaError from
// the goroutine applying buffered remote candidates while the connection's
// lock is held; callers must not block in them.
func New(onLocalICE func(string), onStateChange func(State), onConnectionLost func(), onMediaError func(error)) *PeerConnection {
	return &PeerConnection{
		state:            StateIdle,
		onLocalICE:       onLocalICE,
		onStateChange:    onStateChange,
		onConnectionLost: onConnectionLost,
		onMediaError:     onMediaError,
	}
}

// IceServersFromConfig converts the wire IceConfig into pion's ICEServer
// list for webrtc.Configuration.
func IceServersFromConfig(cfg protocol.IceConfig) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

// State returns the current lifecycle state.
func (p *PeerConnection) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// CreateOffer builds the peer connection (initiator path), adds a local
// audio track, and returns the offer SDP. Local ICE candidates are
// trickled via onLocalICE as pion discovers them rather than waiting for
// gathering to complete.
func (p *PeerConnection) CreateOffer(iceServers []webrtc.ICEServer) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle {
		return "", fmt.Errorf("transport: CreateOffer called in state %s", p.state)
	}

	if err := p.buildLocked(iceServers); err != nil {
		return "", err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.closeLocked()
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.closeLocked()
		return "", fmt.Errorf("set local description: %w", err)
	}

	p.setStateLocked(StateOffering)
	return offer.SDP, nil
}

// AcceptOffer builds the peer connection (callee path), applies the
// remote offer, and returns the answer SDP.
func (p *PeerConnection) AcceptOffer(sdpOffer string, iceServers []webrtc.ICEServer) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle {
		return "", fmt.Errorf("transport: AcceptOffer called in state %s", p.state)
	}

	if err := p.buildLocked(iceServers); err != nil {
		return "", err
	}
	p.setStateLocked(StateAnswering)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		p.closeLocked()
		return "", fmt.Errorf("set remote description: %w", err)
	}
	p.remoteDescSet = true
	p.flushPendingICELocked()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		p.closeLocked()
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		p.closeLocked()
		return "", fmt.Errorf("set local description: %w", err)
	}

	// No further local action is required; the callee now only waits for
	// ICE/DTLS to complete.
	p.setStateLocked(StateNegotiating)
	return answer.SDP, nil
}

// ApplyAnswer applies a remote answer SDP (initiator path), transitioning
// Offering -> Negotiating.
func (p *PeerConnection) ApplyAnswer(sdpAnswer string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOffering {
		return fmt.Errorf("transport: ApplyAnswer called in state %s", p.state)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdpAnswer}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.remoteDescSet = true
	p.flushPendingICELocked()

	p.setStateLocked(StateNegotiating)
	return nil
}

// AddRemoteICE applies a trickled remote candidate, JSON-encoded the same
// way this package encodes the local candidates it hands to onLocalICE. If the remote description has
// not been set yet, the candidate is buffered.
func (p *PeerConnection) AddRemoteICE(candidate string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("unmarshal ice candidate: %w", err)
	}

	if !p.remoteDescSet {
		p.pendingRemoteICE = append(p.pendingRemoteICE, init)
		return nil
	}
	return p.pc.AddICECandidate(init)
}

func (p *PeerConnection) flushPendingICELocked() {
	for _, init := range p.pendingRemoteICE {
		if err := p.pc.AddICECandidate(init); err != nil && p.onMediaError != nil {
			p.onMediaError(fmt.Errorf("flush pending ice candidate: %w", err))
		}
	}
	p.pendingRemoteICE = nil
}

// Pause mutes the outgoing audio sender without tearing down the peer
// connection or triggering renegotiation; Resume restores it.
func (p *PeerConnection) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sender == nil {
		return errors.New("transport: no active sender to pause")
	}
	if p.paused {
		return nil
	}
	if err := p.sender.ReplaceTrack(nil); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	p.paused = true
	return nil
}

// Resume restores audio transmission after Pause.
func (p *PeerConnection) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sender == nil {
		return errors.New("transport: no active sender to resume")
	}
	if !p.paused {
		return nil
	}
	if err := p.sender.ReplaceTrack(p.audioTrack); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	p.paused = false
	return nil
}

// WriteAudioSample forwards one encoded audio sample to the remote peer.
// It is a no-op while paused.
func (p *PeerConnection) WriteAudioSample(sample media.Sample) error {
	p.mu.Lock()
	track, paused := p.audioTrack, p.paused
	p.mu.Unlock()
	if track == nil || paused {
		return nil
	}
	return track.WriteSample(sample)
}

// Close tears down the peer connection and any pending grace timer.
func (p *PeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *PeerConnection) closeLocked() error {
	if p.lossTimer != nil {
		p.lossTimer.Stop()
	}
	if p.state == StateClosed {
		return nil
	}
	var err error
	if p.pc != nil {
		err = p.pc.Close()
	}
	p.setStateLocked(StateClosed)
	return err
}

func (p *PeerConnection) buildLocked(iceServers []webrtc.ICEServer) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	p.pc = pc

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "groundlink")
	if err != nil {
		pc.Close()
		return fmt.Errorf("new audio track: %w", err)
	}
	p.audioTrack = track

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return fmt.Errorf("add track: %w", err)
	}
	p.sender = sender

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || p.onLocalICE == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		p.onLocalICE(string(raw))
	})

	pc.OnConnectionStateChange(p.handleConnectionStateChange)

	return nil
}

func (p *PeerConnection) handleConnectionStateChange(cs webrtc.PeerConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch cs {
	case webrtc.PeerConnectionStateConnected:
		if p.lossTimer != nil {
			p.lossTimer.Stop()
			p.lossTimer = nil
		}
		p.setStateLocked(StateConnected)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if p.lossTimer == nil {
			p.lossTimer = time.AfterFunc(ConnectionLostGrace, func() {
				if p.onConnectionLost != nil {
					p.onConnectionLost()
				}
			})
		}
	case webrtc.PeerConnectionStateClosed:
		p.setStateLocked(StateClosed)
	}
}

func (p *PeerConnection) setStateLocked(s State) {
	if p.state == s {
		return
	}
	p.state = s
	if p.onStateChange != nil {
		go p.onStateChange(s)
	}
}
