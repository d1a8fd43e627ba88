// Package ratelimit enforces per-session, per-message-kind token buckets
// on the control plane. Exceeding a bucket drops the offending message and
// notifies the client with Error{RateLimited}; it never terminates the
// session.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"groundlink/internal/protocol"
)

// Kind identifies a rate-limited message category. Hello is intentionally
// absent: it is allowed exactly once per connection, enforced by the
// gateway's handshake step rather than a bucket.
type Kind int

const (
	KindCallInvite Kind = iota
	KindCallAccept
	KindCallReject
	KindCallEnd
	KindIceCandidate
	KindPing
)

// Limit describes a token bucket's steady-state rate and burst capacity.
type Limit struct {
	Rate  rate.Limit
	Burst int
}

// DefaultLimits returns the bucket configuration from §4.3: CallInvite
// ≤1/s burst 3; CallAccept/Reject/End ≤2/s burst 5; IceCandidate ≤20/s
// burst 50; Ping ≤1/s burst 3.
func DefaultLimits() map[Kind]Limit {
	return map[Kind]Limit{
		KindCallInvite:   {Rate: 1, Burst: 3},
		KindCallAccept:   {Rate: 2, Burst: 5},
		KindCallReject:   {Rate: 2, Burst: 5},
		KindCallEnd:      {Rate: 2, Burst: 5},
		KindIceCandidate: {Rate: 20, Burst: 50},
		KindPing:         {Rate: 1, Burst: 3},
	}
}

// KindForEnvelope maps a decoded wire message to its rate-limit Kind. ok is
// false for message types that aren't rate-limited (Hello) or unrecognized.
func KindForEnvelope(t string) (Kind, bool) {
	switch t {
	case protocol.TypeCallInvite:
		return KindCallInvite, true
	case protocol.TypeCallAccept:
		return KindCallAccept, true
	case protocol.TypeCallReject:
		return KindCallReject, true
	case protocol.TypeCallEnd:
		return KindCallEnd, true
	case protocol.TypeIceCandidate:
		return KindIceCandidate, true
	case protocol.TypePing:
		return KindPing, true
	default:
		return 0, false
	}
}

// Limiter holds one golang.org/x/time/rate.Limiter per message kind for a
// single session. It is not safe for concurrent Allow calls across
// goroutines beyond the single dispatch-loop caller the gateway uses per
// session — the per-session discipline in §5 guarantees that.
type Limiter struct {
	buckets map[Kind]*rate.Limiter
}

// New builds a Limiter from the given per-kind configuration.
func New(limits map[Kind]Limit) *Limiter {
	buckets := make(map[Kind]*rate.Limiter, len(limits))
	for k, l := range limits {
		buckets[k] = rate.NewLimiter(l.Rate, l.Burst)
	}
	return &Limiter{buckets: buckets}
}

// NewDefault builds a Limiter using DefaultLimits().
func NewDefault() *Limiter {
	return New(DefaultLimits())
}

// Allow reports whether a message of the given kind may proceed right now,
// consuming a token if so. Unknown kinds (not present in the configured
// map) are always allowed.
func (l *Limiter) Allow(k Kind) bool {
	b, ok := l.buckets[k]
	if !ok {
		return true
	}
	return b.AllowN(time.Now(), 1)
}
