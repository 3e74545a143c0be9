// Package racebus implements the in-process publish/subscribe dispatcher:
// path-prefix channels, wildcard subscription matching, and the ordering
// and failure-handling guarantees the core's value proposition rests on.
package racebus

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/race/racelog"
	"github.com/cuemby/race/racemetrics"
)

// Channel is a '/'-separated path identifier. Channels are never
// explicitly registered; they exist implicitly once published-to or
// subscribed-to.
type Channel string

// LocalPrefix is the channel prefix that is strictly in-process: channels
// under it never cross the Remote connector.
const LocalPrefix = "/local/"

// IsLocal reports whether a channel is confined to this process.
func (c Channel) IsLocal() bool {
	return strings.HasPrefix(string(c), LocalPrefix)
}

func (c Channel) segments() []string {
	trimmed := strings.Trim(string(c), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Handle is an opaque, addressable reference to a message sink (an
// Entity, a BusConnector proxy, or the anonymous sentinel). It supports
// only send and equality, never exposing the sink's internals.
type Handle interface {
	// Send enqueues msg for delivery to this handle's owner. It must
	// never block on the owner's processing and returns false if the
	// message could not be enqueued (e.g. a disconnected remote proxy or
	// a full inbox under hard-fail policy).
	Send(msg any) bool

	// ID returns a stable string identity, unique within a Runtime for
	// local handles and globally unique (runtime URI + name) for remote
	// ones. Two handles addressing the same Entity always have equal ID.
	ID() string
}

// Equal reports whether two handles address the same Entity.
func Equal(a, b Handle) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID() == b.ID()
}

// BusEvent is the immutable triple the Bus routes: the channel published
// to, the opaque payload, and the handle of the publisher.
type BusEvent struct {
	Channel Channel
	Payload any
	Sender  Handle
}

// Pattern is a subscription pattern: a Channel with optional wildcard
// segments. A segment "*" (anywhere, including last) matches exactly one
// non-empty segment. A trailing "**" segment matches one or more trailing
// segments (the subtree strictly under the literal prefix). "**" used
// anywhere but the final segment is unsupported and matches nothing.
type Pattern string

// Matches reports whether the pattern matches the given channel.
func (p Pattern) Matches(ch Channel) bool {
	pat := Channel(p).segments()
	seg := ch.segments()
	n := len(pat)

	if n > 0 && pat[n-1] == "**" {
		prefix := pat[:n-1]
		if len(seg) <= len(prefix) {
			return false
		}
		for i, ps := range prefix {
			if ps != "*" && ps != seg[i] {
				return false
			}
		}
		return true
	}

	if len(seg) != n {
		return false
	}
	for i, ps := range pat {
		if ps != "*" && ps != seg[i] {
			return false
		}
	}
	return true
}

type subscription struct {
	handle  Handle
	pattern Pattern
}

// snapshot is the Bus's copy-on-write subscription table. publish reads
// one snapshot atomically without ever blocking a concurrent
// subscribe/unsubscribe.
type snapshot struct {
	subs []subscription
}

// Bus routes BusEvents from publishers to every matching subscriber. It
// never synchronously invokes subscriber code from inside Publish — it
// always enqueues, one per-subscriber goroutine draining each handle's own
// mailbox so a slow subscriber never delays delivery to others.
type Bus struct {
	snap atomic.Pointer[snapshot]
	mu   sync.Mutex // serializes subscribe/unsubscribe writers only

	log zerolog.Logger
}

// New creates an empty Bus.
func New() *Bus {
	b := &Bus{log: racelog.WithComponent("bus")}
	b.snap.Store(&snapshot{})
	return b
}

// Publish constructs a BusEvent and enqueues it to every subscriber whose
// pattern matches channel, in subscriber-declaration order. It returns
// once enqueueing is complete; delivery itself is asynchronous and the
// Bus never blocks on subscriber processing.
func (b *Bus) Publish(channel Channel, payload any, sender Handle) {
	snap := b.snap.Load()
	ev := BusEvent{Channel: channel, Payload: payload, Sender: sender}

	matched := false
	for _, s := range snap.subs {
		if !s.pattern.Matches(channel) {
			continue
		}
		matched = true
		if !s.handle.Send(ev) {
			racemetrics.BusEnqueueDropped.WithLabelValues("inbox_full_or_disconnected").Inc()
		}
	}
	if !matched {
		b.log.Debug().Str("channel", string(channel)).Msg("publish matched no subscribers")
	}
}

// Subscribe registers a Subscription for handle against pattern.
// Subscribing twice with the same (handle, pattern) pair is idempotent.
func (b *Bus) Subscribe(handle Handle, pattern Pattern) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.snap.Load()
	for _, s := range cur.subs {
		if Equal(s.handle, handle) && s.pattern == pattern {
			return
		}
	}

	next := make([]subscription, len(cur.subs), len(cur.subs)+1)
	copy(next, cur.subs)
	next = append(next, subscription{handle: handle, pattern: pattern})
	b.snap.Store(&snapshot{subs: next})
}

// Unsubscribe removes the (handle, pattern) Subscription, if present.
func (b *Bus) Unsubscribe(handle Handle, pattern Pattern) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.snap.Load()
	next := make([]subscription, 0, len(cur.subs))
	for _, s := range cur.subs {
		if Equal(s.handle, handle) && s.pattern == pattern {
			continue
		}
		next = append(next, s)
	}
	b.snap.Store(&snapshot{subs: next})
}

// UnsubscribeAll removes every Subscription held by handle. Called during
// Entity termination.
func (b *Bus) UnsubscribeAll(handle Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.snap.Load()
	next := make([]subscription, 0, len(cur.subs))
	for _, s := range cur.subs {
		if Equal(s.handle, handle) {
			continue
		}
		next = append(next, s)
	}
	b.snap.Store(&snapshot{subs: next})
}

// Subscriptions returns a snapshot of current (handle, pattern) pairs,
// for introspection and tests.
func (b *Bus) Subscriptions() []Subscription {
	cur := b.snap.Load()
	out := make([]Subscription, len(cur.subs))
	for i, s := range cur.subs {
		out[i] = Subscription{Handle: s.handle, Pattern: s.pattern}
	}
	return out
}

// Subscription is the public (handle, pattern) pair.
type Subscription struct {
	Handle  Handle
	Pattern Pattern
}
