// Package session implements the authoritative registry of online clients:
// the signaling gateway's single source of truth for "who is connected and
// how do I reach them." It is built as a single-writer actor (a goroutine
// draining a command mailbox) so that registration, displacement, and
// roster fan-out are all totally ordered without locks, per the
// concurrency model the gateway relies on.
package session

import (
	"time"

	"github.com/pion/logging"

	"groundlink/internal/protocol"
)

// Session is per-connected-client state owned exclusively by the registry.
type Session struct {
	ID            protocol.ClientID
	Info          protocol.ClientInfo
	Outbound      chan<- protocol.Envelope
	Close         func()
	EstablishedAt time.Time
}

// EventKind discriminates registry events published to subscribers.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
)

// Event is a roster delta: a client came online or went offline.
type Event struct {
	Kind EventKind
	Info protocol.ClientInfo // valid for EventConnected
	ID   protocol.ClientID   // valid for EventDisconnected
}

// Subscription is a registry-owned event stream. The gateway's writer task
// translates events arriving on Events into roster-delta frames and writes
// them to the session's socket; the registry never writes to any session's
// Outbound channel (the gateway sends the Displaced notification itself).
type Subscription struct {
	id     uint64
	Events chan Event
}

const subscriberQueueDepth = 64

// registerReply carries back both the newly created Session (which the
// caller must hold onto and present to Deregister, so a later stale
// deregister can never remove a session that has since displaced it) and
// the prior occupant, if any, that this registration displaced.
type registerReply struct {
	self      *Session
	displaced *Session
}

type registerCmd struct {
	id       protocol.ClientID
	info     protocol.ClientInfo
	outbound chan<- protocol.Envelope
	closeFn  func()
	reply    chan registerReply
}

type deregisterCmd struct {
	session *Session
	done    chan struct{}
}

type lookupCmd struct {
	id    protocol.ClientID
	reply chan *Session
}

type snapshotCmd struct {
	reply chan []protocol.ClientInfo
}

type subscribeCmd struct {
	reply chan *Subscription
}

type unsubscribeCmd struct {
	subID uint64
}

// Registry is the session registry actor. Zero value is not usable; build
// with New.
type Registry struct {
	logger logging.LeveledLogger

	register   chan registerCmd
	deregister chan deregisterCmd
	lookup     chan lookupCmd
	snapshot   chan snapshotCmd
	subscribe  chan subscribeCmd
	unsub      chan unsubscribeCmd
}

// New starts the registry actor goroutine and returns a handle to it.
func New(logger logging.LeveledLogger) *Registry {
	r := &Registry{
		logger:     logger,
		register:   make(chan registerCmd),
		deregister: make(chan deregisterCmd),
		lookup:     make(chan lookupCmd),
		snapshot:   make(chan snapshotCmd),
		subscribe:  make(chan subscribeCmd),
		unsub:      make(chan unsubscribeCmd),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	sessions := make(map[protocol.ClientID]*Session)
	subs := make(map[uint64]*Subscription)
	var nextSubID uint64

	publish := func(ev Event) {
		for _, s := range subs {
			select {
			case s.Events <- ev:
			default:
				r.logger.Warnf("session: subscriber %d lagging, dropping", s.id)
			}
		}
	}

	for {
		select {
		case cmd := <-r.register:
			var displaced *Session
			if old, ok := sessions[cmd.id]; ok {
				displaced = old
			}
			s := &Session{
				ID:            cmd.id,
				Info:          cmd.info,
				Outbound:      cmd.outbound,
				Close:         cmd.closeFn,
				EstablishedAt: time.Now(),
			}
			sessions[cmd.id] = s
			cmd.reply <- registerReply{self: s, displaced: displaced}
			publish(Event{Kind: EventConnected, Info: cmd.info})

		case cmd := <-r.deregister:
			// Only remove the session if it is still the current
			// occupant for its id: a displaced session's own deferred
			// cleanup also calls Deregister, and by the time that runs a
			// newer session may already have replaced it. Comparing
			// identity (not just id) keeps that stale deregister from
			// evicting the live session and emitting a spurious delta.
			if cur, ok := sessions[cmd.session.ID]; ok && cur == cmd.session {
				delete(sessions, cmd.session.ID)
				publish(Event{Kind: EventDisconnected, ID: cmd.session.ID})
			}
			close(cmd.done)

		case cmd := <-r.lookup:
			cmd.reply <- sessions[cmd.id]

		case cmd := <-r.snapshot:
			out := make([]protocol.ClientInfo, 0, len(sessions))
			for _, s := range sessions {
				out = append(out, s.Info)
			}
			cmd.reply <- out

		case cmd := <-r.subscribe:
			nextSubID++
			sub := &Subscription{id: nextSubID, Events: make(chan Event, subscriberQueueDepth)}
			subs[sub.id] = sub
			cmd.reply <- sub

		case cmd := <-r.unsub:
			if sub, ok := subs[cmd.subID]; ok {
				delete(subs, cmd.subID)
				close(sub.Events)
			}
		}
	}
}

// Register inserts (or replaces) the session for id. closeFn is stored as
// the Session's Close; Register never calls it, and the caller of a later
// displacing Register invokes it to close the underlying transport. Returns the newly created Session
// (the caller must hold onto it and pass it to Deregister, not just the
// id, so that a displaced session's own cleanup can never remove a
// session that has since replaced it) and, if a prior session existed,
// its Session so the caller can send Error{Displaced} on its outbound
// channel before calling its Close.
func (r *Registry) Register(id protocol.ClientID, info protocol.ClientInfo, outbound chan<- protocol.Envelope, closeFn func()) (self, displaced *Session) {
	reply := make(chan registerReply, 1)
	r.register <- registerCmd{id: id, info: info, outbound: outbound, closeFn: closeFn, reply: reply}
	out := <-reply
	return out.self, out.displaced
}

// Deregister removes session if it is still the current occupant for its
// id, publishing Disconnected in that case. A stale deregister from a
// session that has since been displaced by a newer registration is a
// no-op: it must never evict the session that replaced it. Safe to call
// more than once.
func (r *Registry) Deregister(session *Session) {
	done := make(chan struct{})
	r.deregister <- deregisterCmd{session: session, done: done}
	<-done
}

// Lookup returns the live session for id, or nil.
func (r *Registry) Lookup(id protocol.ClientID) *Session {
	reply := make(chan *Session, 1)
	r.lookup <- lookupCmd{id: id, reply: reply}
	return <-reply
}

// Snapshot returns the current roster as a ClientInfo slice in no
// guaranteed order; callers needing stable ordering should sort.
func (r *Registry) Snapshot() []protocol.ClientInfo {
	reply := make(chan []protocol.ClientInfo, 1)
	r.snapshot <- snapshotCmd{reply: reply}
	return <-reply
}

// Subscribe registers a new event stream observer. The caller must
// eventually call Unsubscribe, or the subscription channel leaks.
func (r *Registry) Subscribe() *Subscription {
	reply := make(chan *Subscription, 1)
	r.subscribe <- subscribeCmd{reply: reply}
	return <-reply
}

// Unsubscribe removes a subscription and closes its channel.
func (r *Registry) Unsubscribe(sub *Subscription) {
	r.unsub <- unsubscribeCmd{subID: sub.id}
}
