package raceentity

import (
	"reflect"

	"github.com/cuemby/race/raceclock"
	"github.com/cuemby/race/racebus"
	"github.com/cuemby/race/racetopic"
)

// Context is passed to a Handler on every invocation, carrying the
// Entity's own handle plus access to Bus, Clock, and the ChannelTopic
// coordinator so a handler never needs to close over Runtime internals
// directly.
type Context struct {
	Self  *AddressableHandle
	Bus   *racebus.Bus
	Clock *raceclock.Clock
	Topic *racetopic.Coordinator

	// Channel and Sender are populated only while dispatching a
	// Bus-delivered message; they are zero/nil for direct Sends.
	Channel racebus.Channel
	Sender  racebus.Handle
}

// Publish delegates to the Bus with the current Entity as sender.
func (c *Context) Publish(channel racebus.Channel, payload any) {
	c.Bus.Publish(channel, payload, c.Self)
}

// Subscribe registers the current Entity against pattern.
func (c *Context) Subscribe(pattern racebus.Pattern) {
	c.Bus.Subscribe(c.Self, pattern)
}

// Unsubscribe removes the current Entity's subscription to pattern.
func (c *Context) Unsubscribe(pattern racebus.Pattern) {
	c.Bus.Unsubscribe(c.Self, pattern)
}

// Handler is the single required extension point for an Entity: every
// application message not intercepted by the lifecycle priority lane is
// delivered to Handle. Lifecycle commands never reach Handle; they are
// drained from a separate channel entirely (§5 "priority lane").
type Handler interface {
	Handle(ctx *Context, msg any)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx *Context, msg any)

func (f HandlerFunc) Handle(ctx *Context, msg any) { f(ctx, msg) }

// TypedDispatcher is an optional Handler implementation that dispatches
// by the dynamic type of msg, falling back to a catch-all when no typed
// entry matches. It exists so Entity authors are not forced to write a
// type switch by hand (spec.md §9 "Partial-function message dispatch").
type TypedDispatcher struct {
	table    map[reflect.Type]func(*Context, any)
	catchAll func(*Context, any)
}

// NewTypedDispatcher creates an empty dispatcher. Register entries with
// On, then optionally supply a catch-all with Default.
func NewTypedDispatcher() *TypedDispatcher {
	return &TypedDispatcher{table: make(map[reflect.Type]func(*Context, any))}
}

// On registers a handler for every message whose dynamic type matches
// that of sample.
func (d *TypedDispatcher) On(sample any, fn func(*Context, any)) *TypedDispatcher {
	d.table[reflect.TypeOf(sample)] = fn
	return d
}

// Default registers the catch-all invoked when no typed entry matches.
func (d *TypedDispatcher) Default(fn func(*Context, any)) *TypedDispatcher {
	d.catchAll = fn
	return d
}

func (d *TypedDispatcher) Handle(ctx *Context, msg any) {
	if fn, ok := d.table[reflect.TypeOf(msg)]; ok {
		fn(ctx, msg)
		return
	}
	if d.catchAll != nil {
		d.catchAll(ctx, msg)
	}
}
