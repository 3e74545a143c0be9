// Package raceentity implements the Entity: a sequential, lifecycle-
// managed message processor addressed by an AddressableHandle.
package raceentity

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/race/raceclock"
	"github.com/cuemby/race/racebus"
	"github.com/cuemby/race/racelog"
	"github.com/cuemby/race/racemetrics"
	"github.com/cuemby/race/racepool"
	"github.com/cuemby/race/racetopic"
)

// OverflowPolicy governs what happens when an Entity's inbox is full.
type OverflowPolicy int

const (
	// DropOldest discards the longest-queued message to make room,
	// incrementing a counter. This is the default.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the incoming message, incrementing a counter.
	DropNewest
	// HardFail refuses the incoming message and Send returns false. The
	// Bus counts the refusal in racemetrics.BusEnqueueDropped; Publish
	// returns nothing, so the publisher is not told of it.
	HardFail
)

// Ack is the lifecycle acknowledgment an Entity returns for every
// Command: a positive ack (Ok, Err nil) or a failure ack carrying a
// classified reason.
type Ack struct {
	Ok  bool
	Err error
}

// Optional lifecycle hooks a Handler may implement. An Entity whose
// Handler implements none of these still acknowledges every Command
// positively; they exist so application code only overrides what it
// needs, the same way the core's own handlers do.
type (
	Initializer interface {
		OnInitialize(ctx *Context, config any) error
	}
	Starter interface {
		OnStart(ctx *Context) error
	}
	Pauser interface {
		OnPause(ctx *Context) error
	}
	Resumer interface {
		OnResume(ctx *Context) error
	}
	Terminator interface {
		OnTerminate(ctx *Context) error
	}
)

// Spec describes one Entity as declared in a Runtime's configuration:
// its name, message handler, declarative subscriptions, and queuing
// policy.
type Spec struct {
	Name      string
	Handler   Handler
	ReadFrom  []racebus.Pattern
	Overflow  OverflowPolicy
	InboxSize int // default 256 if zero
	// Pool, if set, is acquired around every application-message
	// dispatch, bounding concurrent handler execution across every
	// Entity sharing the same Pool. Nil means unbounded.
	Pool *racepool.Pool
	// Topic, if set, is exposed on Context so the Handler can negotiate
	// ChannelTopic production without closing over the Runtime.
	Topic *racetopic.Coordinator
}

type lifecycleRequest struct {
	cmd    Command
	config any
	reply  chan Ack
}

// Entity is a sequential message processor: one goroutine ever executes
// its Handler, so application code never needs its own locking.
type Entity struct {
	spec  Spec
	bus   *racebus.Bus
	clock *raceclock.Clock
	log   zerolog.Logger

	handle *AddressableHandle

	priority chan lifecycleRequest
	inbox    chan any

	stateMu sync.Mutex
	state   State

	closed   chan struct{}
	stopOnce sync.Once
}

// New constructs an Entity in state Uninitialized. It performs no I/O;
// per spec.md §4.3 contracts, external resource allocation must happen
// in OnInitialize or OnStart, never here.
func New(spec Spec, runtimeURI string, bus *racebus.Bus, clock *raceclock.Clock) *Entity {
	if spec.InboxSize == 0 {
		spec.InboxSize = 256
	}
	id := spec.Name
	if runtimeURI != "" {
		id = runtimeURI + "/" + spec.Name
	}
	e := &Entity{
		spec:     spec,
		bus:      bus,
		clock:    clock,
		log:      racelog.WithComponent("entity").With().Str("entity", spec.Name).Logger(),
		priority: make(chan lifecycleRequest),
		inbox:    make(chan any, spec.InboxSize),
		state:    Uninitialized,
		closed:   make(chan struct{}),
	}
	e.handle = &AddressableHandle{id: id, entity: e}
	go e.run()
	return e
}

// Name returns the Entity's declared name.
func (e *Entity) Name() string { return e.spec.Name }

// Handle returns the Entity's stable AddressableHandle.
func (e *Entity) Handle() *AddressableHandle { return e.handle }

// State returns the Entity's current lifecycle state.
func (e *Entity) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// Done is closed once the Entity's goroutine has exited after Terminate.
func (e *Entity) Done() <-chan struct{} { return e.closed }

// SendCommand delivers cmd on the priority lane, ahead of any already-
// enqueued application messages, and blocks for the Entity's
// acknowledgment or ctx's deadline, whichever comes first. The
// Supervisor is the only intended caller.
func (e *Entity) SendCommand(ctx context.Context, cmd Command, config any) Ack {
	reply := make(chan Ack, 1)
	req := lifecycleRequest{cmd: cmd, config: config, reply: reply}

	select {
	case e.priority <- req:
	case <-e.closed:
		return Ack{Ok: cmd == Terminate}
	case <-ctx.Done():
		return Ack{Err: ctx.Err()}
	}

	select {
	case ack := <-reply:
		return ack
	case <-ctx.Done():
		return Ack{Err: ctx.Err()}
	}
}

// enqueueApplication is called by AddressableHandle.Send for ordinary
// application messages (including Bus-delivered BusEvents).
func (e *Entity) enqueueApplication(msg any) bool {
	switch e.spec.Overflow {
	case HardFail:
		select {
		case e.inbox <- msg:
			return true
		default:
			racemetrics.BusEnqueueDropped.WithLabelValues("inbox_full_hard_fail").Inc()
			return false
		}
	case DropNewest:
		select {
		case e.inbox <- msg:
			return true
		default:
			racemetrics.BusEnqueueDropped.WithLabelValues("inbox_full_drop_newest").Inc()
			return true
		}
	default: // DropOldest
		for {
			select {
			case e.inbox <- msg:
				return true
			default:
			}
			select {
			case <-e.inbox:
				racemetrics.BusEnqueueDropped.WithLabelValues("inbox_full_drop_oldest").Inc()
			default:
			}
		}
	}
}

func (e *Entity) run() {
	defer close(e.closed)
	for {
		var inboxCh chan any
		if e.State() == Running {
			inboxCh = e.inbox
		}

		select {
		case req := <-e.priority:
			if e.handleLifecycle(req) {
				e.drainInbox()
				return
			}
		case msg := <-inboxCh:
			e.dispatch(msg)
		}
	}
}

// drainInbox discards anything left in the inbox once Terminated, so a
// publisher blocked in enqueueApplication's drop-oldest loop is never
// starved by a dead Entity (the loop always has room once this runs).
func (e *Entity) drainInbox() {
	for {
		select {
		case <-e.inbox:
		default:
			return
		}
	}
}

func (e *Entity) ctx() *Context {
	return &Context{Self: e.handle, Bus: e.bus, Clock: e.clock, Topic: e.spec.Topic}
}

func (e *Entity) dispatch(msg any) {
	if e.spec.Pool != nil {
		if err := e.spec.Pool.Acquire(context.Background()); err != nil {
			return
		}
		defer e.spec.Pool.Release()
	}

	ctx := e.ctx()
	if ev, ok := msg.(racebus.BusEvent); ok {
		ctx.Channel = ev.Channel
		ctx.Sender = ev.Sender
		e.spec.Handler.Handle(ctx, ev.Payload)
		return
	}
	e.spec.Handler.Handle(ctx, msg)
}

// handleLifecycle executes one lifecycle Command and replies on
// req.reply. It returns true once the Entity has reached Terminated and
// its goroutine should exit.
func (e *Entity) handleLifecycle(req lifecycleRequest) bool {
	e.stateMu.Lock()
	from := e.state
	_, ok := next(from, req.cmd, false)
	e.stateMu.Unlock()

	if !ok {
		req.reply <- Ack{Ok: false, Err: &InvalidTransitionError{From: from, Command: req.cmd}}
		return false
	}

	ctx := e.ctx()
	var err error
	switch req.cmd {
	case Initialize:
		if init, ok := e.spec.Handler.(Initializer); ok {
			err = init.OnInitialize(ctx, req.config)
		}
		if err == nil {
			for _, p := range e.spec.ReadFrom {
				e.bus.Subscribe(e.handle, p)
			}
		}
	case Start:
		if s, ok := e.spec.Handler.(Starter); ok {
			err = s.OnStart(ctx)
		}
	case Pause:
		if p, ok := e.spec.Handler.(Pauser); ok {
			err = p.OnPause(ctx)
		}
	case Resume:
		if r, ok := e.spec.Handler.(Resumer); ok {
			err = r.OnResume(ctx)
		}
	case Terminate:
		if t, ok := e.spec.Handler.(Terminator); ok {
			err = t.OnTerminate(ctx)
		}
	}

	to, _ := next(from, req.cmd, err != nil)

	e.stateMu.Lock()
	e.state = to
	final := e.state
	e.stateMu.Unlock()

	// A Terminate command always unsubscribes; any other command that
	// lands the Entity in Terminated on failure (Initialize, Start) must
	// too, since it will never receive its own Terminate command to do
	// so — run() is about to exit once this returns true.
	if final == Terminated {
		e.bus.UnsubscribeAll(e.handle)
	}

	if from != Uninitialized {
		racemetrics.EntitiesByState.WithLabelValues(from.String()).Dec()
	}
	racemetrics.EntitiesByState.WithLabelValues(final.String()).Inc()

	if err != nil {
		e.log.Error().Err(err).Str("command", req.cmd.String()).Msg("lifecycle command failed")
		req.reply <- Ack{Ok: false, Err: err}
		return final == Terminated
	}

	req.reply <- Ack{Ok: true}
	return final == Terminated
}

// InvalidTransitionError reports a Command that is illegal from the
// Entity's current state (e.g. Pause while already Paused).
type InvalidTransitionError struct {
	From    State
	Command Command
}

func (e *InvalidTransitionError) Error() string {
	return "raceentity: " + e.Command.String() + " is invalid from state " + e.From.String()
}
