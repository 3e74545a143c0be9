package raceentity

import "github.com/cuemby/race/racebus"

// AddressableHandle is the local, pointer-based Handle implementation for
// an in-process Entity. Two AddressableHandles compare equal (via
// racebus.Equal) iff they address the same Entity.
type AddressableHandle struct {
	id     string
	entity *Entity
}

// ID returns the handle's stable identity: the owning Runtime URI (empty
// for a purely local, non-remoted Runtime) joined with the Entity name.
func (h *AddressableHandle) ID() string { return h.id }

// Send enqueues an application message onto the Entity's inbox, applying
// its configured overflow policy. It never blocks.
func (h *AddressableHandle) Send(msg any) bool {
	return h.entity.enqueueApplication(msg)
}

// anonymousHandle is the sentinel sender used when a publish is initiated
// from a non-Entity context (a Clock callback, an I/O goroutine, the
// Runtime itself). It is never registered as a subscriber and never
// receives anything; Send is a discarding no-op so a stray reference
// never silently accumulates a backlog.
type anonymousHandle struct{}

func (anonymousHandle) Send(msg any) bool { return true }
func (anonymousHandle) ID() string        { return "anonymous" }

// Anonymous is the sentinel sender handle for publishes not made on
// behalf of any Entity.
var Anonymous racebus.Handle = anonymousHandle{}
