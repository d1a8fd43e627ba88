// Package callarbiter owns the two-party call state machine: at-most-one-
// call-per-peer enforcement, invite/accept/reject/end routing, and the
// auto-hangup timeout on unanswered invites. Like the session registry, it
// is a single-writer actor; every operation is totally ordered through its
// command mailbox, which is what makes the tie-break rule in §4.4 ("the
// invite serialized first wins") fall out for free rather than needing
// explicit locking.
package callarbiter

import (
	"time"

	"github.com/pion/logging"

	"groundlink/internal/metrics"
	"groundlink/internal/protocol"
	"groundlink/internal/session"
)

// CallState is the server-side call tag; Terminated is represented by
// absence from the arbiter's index rather than an explicit state.
type CallState int

const (
	StateInvited CallState = iota
	StateAccepted
)

// CallRecord is a two-party call association, owned exclusively by the
// arbiter.
type CallRecord struct {
	Initiator protocol.ClientID
	Callee    protocol.ClientID
	State     CallState
	CreatedAt time.Time

	timer *time.Timer
}

// DefaultAutoHangupTimeout is the default unanswered-invite expiry (§4.4).
const DefaultAutoHangupTimeout = 60 * time.Second

// InviteOutcome is the result of Invite; it is richer than protocol.ErrorKind
// because a failed invite can also be PeerNotFound, which the protocol
// surfaces as its own message type rather than an Error{kind} (§4.1).
type InviteOutcome int

const (
	InviteOK InviteOutcome = iota
	InviteSelfCall
	InviteAlreadyInCall
	InvitePeerBusy
	InvitePeerNotFound
)

type inviteCmd struct {
	initiator, callee protocol.ClientID
	offer             string
	reply             chan InviteOutcome
}

type acceptCmd struct {
	callee, initiator protocol.ClientID
	answer            string
}

type rejectCmd struct {
	callee, initiator protocol.ClientID
}

type endCmd struct {
	actor, other protocol.ClientID
}

type iceCmd struct {
	from, to  protocol.ClientID
	candidate string
}

type disconnectCmd struct {
	id protocol.ClientID
}

type autoHangupCmd struct {
	rec *CallRecord
}

// Arbiter is the call-arbiter actor. Build with New.
type Arbiter struct {
	registry *session.Registry
	logger   logging.LeveledLogger
	timeout  time.Duration

	invites     chan inviteCmd
	accepts     chan acceptCmd
	rejects     chan rejectCmd
	ends        chan endCmd
	ices        chan iceCmd
	disconnects chan disconnectCmd
	autoHangups chan autoHangupCmd
}

// New starts the arbiter actor. registry is consulted to resolve a
// ClientId's outbound channel when routing and to check liveness for
// PeerNotFound.
func New(registry *session.Registry, logger logging.LeveledLogger, timeout time.Duration) *Arbiter {
	if timeout <= 0 {
		timeout = DefaultAutoHangupTimeout
	}
	a := &Arbiter{
		registry:    registry,
		logger:      logger,
		timeout:     timeout,
		invites:     make(chan inviteCmd),
		accepts:     make(chan acceptCmd),
		rejects:     make(chan rejectCmd),
		ends:        make(chan endCmd),
		ices:        make(chan iceCmd),
		disconnects: make(chan disconnectCmd),
		autoHangups: make(chan autoHangupCmd),
	}
	go a.run()
	return a
}

func (a *Arbiter) run() {
	records := make(map[protocol.ClientID]*CallRecord)

	removeRecord := func(rec *CallRecord) {
		if rec.timer != nil {
			rec.timer.Stop()
		}
		if records[rec.Initiator] == rec {
			delete(records, rec.Initiator)
		}
		if records[rec.Callee] == rec {
			delete(records, rec.Callee)
		}
	}

	for {
		select {
		case cmd := <-a.invites:
			switch {
			case cmd.initiator == cmd.callee:
				cmd.reply <- InviteSelfCall
				continue
			case records[cmd.initiator] != nil:
				// A reciprocal invite racing against one already in
				// flight the other way (callee already invited
				// initiator) is a tie, not "initiator already busy": the
				// first-serialized invite wins and this one loses as
				// PeerBusy (§4.4 tie-break, §9 Open Question).
				if rec := records[cmd.initiator]; rec.Initiator == cmd.callee && rec.Callee == cmd.initiator {
					cmd.reply <- InvitePeerBusy
					continue
				}
				cmd.reply <- InviteAlreadyInCall
				continue
			case records[cmd.callee] != nil:
				cmd.reply <- InvitePeerBusy
				continue
			}
			calleeSession := a.registry.Lookup(cmd.callee)
			if calleeSession == nil {
				cmd.reply <- InvitePeerNotFound
				continue
			}
			rec := &CallRecord{
				Initiator: cmd.initiator,
				Callee:    cmd.callee,
				State:     StateInvited,
				CreatedAt: time.Now(),
			}
			records[cmd.initiator] = rec
			records[cmd.callee] = rec
			rec.timer = time.AfterFunc(a.timeout, func() {
				a.autoHangups <- autoHangupCmd{rec: rec}
			})
			a.sendTo(calleeSession.Outbound, protocol.CallInviteMsg(cmd.callee, cmd.initiator, cmd.offer))
			cmd.reply <- InviteOK

		case cmd := <-a.accepts:
			rec, ok := records[cmd.callee]
			if !ok || rec.Callee != cmd.callee || rec.Initiator != cmd.initiator || rec.State != StateInvited {
				a.logger.Warnf("callarbiter: accept with no matching invited record (callee=%s initiator=%s)", cmd.callee, cmd.initiator)
				continue
			}
			rec.State = StateAccepted
			if rec.timer != nil {
				rec.timer.Stop()
			}
			metrics.RecordCallAccepted()
			if initSession := a.registry.Lookup(cmd.initiator); initSession != nil {
				a.sendTo(initSession.Outbound, protocol.CallAcceptMsg(cmd.initiator, cmd.callee, cmd.answer))
			}

		case cmd := <-a.rejects:
			rec, ok := records[cmd.callee]
			if !ok || rec.Callee != cmd.callee || rec.Initiator != cmd.initiator || rec.State != StateInvited {
				a.logger.Warnf("callarbiter: reject with no matching invited record (callee=%s initiator=%s)", cmd.callee, cmd.initiator)
				continue
			}
			removeRecord(rec)
			metrics.RecordCallEnded("rejected")
			if initSession := a.registry.Lookup(cmd.initiator); initSession != nil {
				a.sendTo(initSession.Outbound, protocol.CallRejectMsg(cmd.initiator, cmd.callee))
			}

		case cmd := <-a.ends:
			rec, ok := records[cmd.actor]
			if !ok || (rec.Initiator != cmd.other && rec.Callee != cmd.other) {
				a.logger.Warnf("callarbiter: end with no matching record (actor=%s other=%s)", cmd.actor, cmd.other)
				continue
			}
			removeRecord(rec)
			metrics.RecordCallEnded("ended")
			if otherSession := a.registry.Lookup(cmd.other); otherSession != nil {
				a.sendTo(otherSession.Outbound, protocol.CallEndMsg(cmd.other, cmd.actor))
			}

		case cmd := <-a.ices:
			rec, ok := records[cmd.from]
			if !ok || (rec.Initiator != cmd.to && rec.Callee != cmd.to) {
				a.logger.Warnf("callarbiter: ice with no matching record (from=%s to=%s)", cmd.from, cmd.to)
				continue
			}
			if toSession := a.registry.Lookup(cmd.to); toSession != nil {
				a.sendTo(toSession.Outbound, protocol.IceCandidateMsg(cmd.to, cmd.from, cmd.candidate))
			}

		case cmd := <-a.disconnects:
			rec, ok := records[cmd.id]
			if !ok {
				continue
			}
			other := rec.Initiator
			if other == cmd.id {
				other = rec.Callee
			}
			removeRecord(rec)
			metrics.RecordCallEnded("ended")
			if otherSession := a.registry.Lookup(other); otherSession != nil {
				a.sendTo(otherSession.Outbound, protocol.CallEndMsg(other, cmd.id))
			}

		case cmd := <-a.autoHangups:
			rec := cmd.rec
			if records[rec.Initiator] != rec || rec.State != StateInvited {
				continue // already accepted/rejected/ended/disconnected
			}
			removeRecord(rec)
			metrics.RecordCallEnded("auto_hangup")
			if calleeSession := a.registry.Lookup(rec.Callee); calleeSession != nil {
				a.sendTo(calleeSession.Outbound, protocol.CallEndMsg(rec.Callee, rec.Initiator))
			}
			if initSession := a.registry.Lookup(rec.Initiator); initSession != nil {
				a.sendTo(initSession.Outbound, protocol.CallEndMsg(rec.Initiator, rec.Callee))
			}
		}
	}
}

// sendTo delivers env to out without blocking the arbiter indefinitely on a
// stalled session; a full outbound queue indicates a dead or misbehaving
// peer and the message is dropped rather than wedging call routing for
// every other session.
func (a *Arbiter) sendTo(out chan<- protocol.Envelope, env protocol.Envelope) {
	select {
	case out <- env:
	default:
		a.logger.Warnf("callarbiter: outbound queue full, dropping %s", env.Type)
	}
}

// Invite implements invite(initiator, callee, offer) → Result (§4.4).
func (a *Arbiter) Invite(initiator, callee protocol.ClientID, offer string) InviteOutcome {
	reply := make(chan InviteOutcome, 1)
	a.invites <- inviteCmd{initiator: initiator, callee: callee, offer: offer, reply: reply}
	return <-reply
}

// Accept implements accept(callee, initiator, answer).
func (a *Arbiter) Accept(callee, initiator protocol.ClientID, answer string) {
	a.accepts <- acceptCmd{callee: callee, initiator: initiator, answer: answer}
}

// Reject implements reject(callee, initiator).
func (a *Arbiter) Reject(callee, initiator protocol.ClientID) {
	a.rejects <- rejectCmd{callee: callee, initiator: initiator}
}

// End implements end(actor, other).
func (a *Arbiter) End(actor, other protocol.ClientID) {
	a.ends <- endCmd{actor: actor, other: other}
}

// Ice implements ice(from, to, candidate).
func (a *Arbiter) Ice(from, to protocol.ClientID, candidate string) {
	a.ices <- iceCmd{from: from, to: to, candidate: candidate}
}

// OnDisconnect implements on_disconnect(id).
func (a *Arbiter) OnDisconnect(id protocol.ClientID) {
	a.disconnects <- disconnectCmd{id: id}
}
