// Package racesup implements the Supervisor: deterministic, declaration-
// ordered instantiation and lifecycle orchestration of a Runtime's
// Entities.
package racesup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/race/raceclock"
	"github.com/cuemby/race/racebus"
	"github.com/cuemby/race/raceentity"
	"github.com/cuemby/race/racelog"
	"github.com/cuemby/race/racemetrics"
)

// Default per-phase timeouts, matching spec.md §4.4.
const (
	DefaultInitTimeout    = 30 * time.Second
	DefaultStartTimeout   = 10 * time.Second
	DefaultPauseTimeout   = 10 * time.Second
	DefaultResumeTimeout  = 10 * time.Second
	DefaultTerminateTimeout = 60 * time.Second
)

// Timeouts carries the per-phase timeout budget; a zero Timeouts uses
// the package defaults.
type Timeouts struct {
	Init      time.Duration
	Start     time.Duration
	Pause     time.Duration
	Resume    time.Duration
	Terminate time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Init == 0 {
		t.Init = DefaultInitTimeout
	}
	if t.Start == 0 {
		t.Start = DefaultStartTimeout
	}
	if t.Pause == 0 {
		t.Pause = DefaultPauseTimeout
	}
	if t.Resume == 0 {
		t.Resume = DefaultResumeTimeout
	}
	if t.Terminate == 0 {
		t.Terminate = DefaultTerminateTimeout
	}
	return t
}

func (t Timeouts) forCommand(cmd raceentity.Command) time.Duration {
	switch cmd {
	case raceentity.Initialize:
		return t.Init
	case raceentity.Start:
		return t.Start
	case raceentity.Pause:
		return t.Pause
	case raceentity.Resume:
		return t.Resume
	default:
		return t.Terminate
	}
}

// EntitySpec is one declared Entity: its construction spec plus the
// per-Entity configuration object handed to Initialize.
type EntitySpec struct {
	Spec   raceentity.Spec
	Config any
}

// FailureError reports which declared Entity failed a phase, and why.
type FailureError struct {
	Entity  string
	Command raceentity.Command
	Reason  error
}

func (f *FailureError) Error() string {
	return fmt.Sprintf("racesup: entity %q failed %s: %v", f.Entity, f.Command, f.Reason)
}

func (f *FailureError) Unwrap() error { return f.Reason }

// Supervisor instantiates and orchestrates Entities in declaration
// order, enforcing that every phase N command reaches every Entity only
// after phase N-1 acknowledged for all of them.
type Supervisor struct {
	bus      *racebus.Bus
	clock    *raceclock.Clock
	timeouts Timeouts
	log      zerolog.Logger

	runtimeURI string

	entitiesMu sync.Mutex
	entities   []*raceentity.Entity

	remoteMu sync.Mutex
	remotes  map[string]racebus.Handle
}

// New creates a Supervisor bound to bus and clock. runtimeURI is used to
// build globally-stable Entity handle IDs (empty for a purely local,
// non-remoted Runtime).
func New(bus *racebus.Bus, clock *raceclock.Clock, runtimeURI string, timeouts Timeouts) *Supervisor {
	return &Supervisor{
		bus:        bus,
		clock:      clock,
		timeouts:   timeouts.withDefaults(),
		log:        racelog.WithComponent("supervisor"),
		runtimeURI: runtimeURI,
	}
}

// Entities returns the Entities in declaration order. Valid only after
// Start has begun constructing them. StartOne may append to this list
// after Start returns, so every reader takes a fresh snapshot under
// entitiesMu rather than holding a slice header across calls.
func (s *Supervisor) Entities() []*raceentity.Entity {
	s.entitiesMu.Lock()
	defer s.entitiesMu.Unlock()
	out := make([]*raceentity.Entity, len(s.entities))
	copy(out, s.entities)
	return out
}

// ByName looks up a constructed, locally-running Entity by name.
func (s *Supervisor) ByName(name string) (*raceentity.Entity, bool) {
	s.entitiesMu.Lock()
	defer s.entitiesMu.Unlock()
	for _, e := range s.entities {
		if e.Name() == name {
			return e, true
		}
	}
	return nil, false
}

// RegisterRemote adds a remote-proxied Entity's stable handle to the
// name-to-handle map under name, so that a config-declared remote
// reference shows up there exactly as a local Entity would, per
// spec.md §3's invariant that a remote-proxied Entity appears in the
// name-to-handle map of the process whose config declared it.
func (s *Supervisor) RegisterRemote(name string, handle racebus.Handle) {
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	if s.remotes == nil {
		s.remotes = make(map[string]racebus.Handle)
	}
	s.remotes[name] = handle
}

// HandleByName resolves name to its handle regardless of whether the
// config declared it local or remote: a local Entity's own
// AddressableHandle, or the RemoteHandle RegisterRemote recorded for it.
func (s *Supervisor) HandleByName(name string) (racebus.Handle, bool) {
	if e, ok := s.ByName(name); ok {
		return e.Handle(), true
	}
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	h, ok := s.remotes[name]
	return h, ok
}

// Start instantiates every EntitySpec in order, then runs the
// Initialize and Start phases in sequence. A phase-N failure cancels
// remaining phase-N commands, tears down already-successful Entities in
// reverse order, and returns the triggering FailureError.
func (s *Supervisor) Start(ctx context.Context, specs []EntitySpec) error {
	entities := make([]*raceentity.Entity, 0, len(specs))
	for _, es := range specs {
		entities = append(entities, raceentity.New(es.Spec, s.runtimeURI, s.bus, s.clock))
	}
	s.entitiesMu.Lock()
	s.entities = entities
	s.entitiesMu.Unlock()

	configs := make(map[string]any, len(specs))
	for _, es := range specs {
		configs[es.Spec.Name] = es.Config
	}

	if err := s.runPhase(ctx, raceentity.Initialize, configs); err != nil {
		return err
	}
	if err := s.runPhase(ctx, raceentity.Start, nil); err != nil {
		return err
	}
	return nil
}

// StartOne constructs and brings up a single Entity outside the initial
// declaration-order batch, then appends it to the Supervisor's Entities
// list under its own name. This is the Remote connector's "Start"
// deployment mode (spec.md §4.6): a peer Runtime asks this process to
// instantiate an Entity on demand rather than looking up one already
// running. Unlike Start, a StartOne failure leaves every other Entity
// untouched — there is no declaration-order batch to tear down.
func (s *Supervisor) StartOne(ctx context.Context, es EntitySpec) (*raceentity.Entity, error) {
	if _, exists := s.ByName(es.Spec.Name); exists {
		return nil, fmt.Errorf("racesup: entity %q already exists", es.Spec.Name)
	}

	e := raceentity.New(es.Spec, s.runtimeURI, s.bus, s.clock)
	s.entitiesMu.Lock()
	s.entities = append(s.entities, e)
	s.entitiesMu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, s.timeouts.Init)
	ack := e.SendCommand(initCtx, raceentity.Initialize, es.Config)
	cancel()
	if !ack.Ok {
		return nil, &FailureError{Entity: es.Spec.Name, Command: raceentity.Initialize, Reason: ack.Err}
	}

	startCtx, cancel := context.WithTimeout(ctx, s.timeouts.Start)
	ack = e.SendCommand(startCtx, raceentity.Start, nil)
	cancel()
	if !ack.Ok {
		return nil, &FailureError{Entity: es.Spec.Name, Command: raceentity.Start, Reason: ack.Err}
	}

	return e, nil
}

// Pause runs the Pause phase across every Entity in declaration order.
func (s *Supervisor) Pause(ctx context.Context) error {
	return s.runPhase(ctx, raceentity.Pause, nil)
}

// Resume runs the Resume phase across every Entity in declaration order.
func (s *Supervisor) Resume(ctx context.Context) error {
	return s.runPhase(ctx, raceentity.Resume, nil)
}

// Shutdown issues Terminate to every Entity in reverse declaration
// order, awaiting each with the Terminate timeout; a timed-out Entity is
// abandoned but the pass continues to its predecessors.
func (s *Supervisor) Shutdown(parent context.Context) {
	entities := s.Entities()
	for i := len(entities) - 1; i >= 0; i-- {
		e := entities[i]
		ctx, cancel := context.WithTimeout(parent, s.timeouts.Terminate)
		ack := e.SendCommand(ctx, raceentity.Terminate, nil)
		cancel()
		if !ack.Ok {
			s.log.Warn().Str("entity", e.Name()).Err(ack.Err).Msg("terminate did not acknowledge within timeout, abandoning")
		}
	}
}

// runPhase sends cmd to every Entity in declaration order, waiting for
// each acknowledgment before advancing to the next. On failure it
// cancels the remaining phase-N commands and terminates, in reverse
// order, the Entities that acknowledged cmd in this phase. Entities
// after the failing one are not sent Terminate and keep their state.
func (s *Supervisor) runPhase(parent context.Context, cmd raceentity.Command, configs map[string]any) error {
	timer := racemetrics.NewTimer()
	defer timer.ObserveDurationVec(racemetrics.SupervisorPhaseDuration, cmd.String())

	timeout := s.timeouts.forCommand(cmd)
	entities := s.Entities()
	succeeded := make([]*raceentity.Entity, 0, len(entities))

	for _, e := range entities {
		var config any
		if configs != nil {
			config = configs[e.Name()]
		}

		ctx, cancel := context.WithTimeout(parent, timeout)
		ack := e.SendCommand(ctx, cmd, config)
		cancel()

		if !ack.Ok {
			s.log.Error().Str("entity", e.Name()).Str("command", cmd.String()).Err(ack.Err).Msg("phase failed")
			s.teardown(parent, succeeded)
			return &FailureError{Entity: e.Name(), Command: cmd, Reason: ack.Err}
		}
		succeeded = append(succeeded, e)
		s.log.Debug().Str("entity", e.Name()).Str("command", cmd.String()).Msg("phase acknowledged")
	}
	return nil
}

func (s *Supervisor) teardown(parent context.Context, entities []*raceentity.Entity) {
	for i := len(entities) - 1; i >= 0; i-- {
		e := entities[i]
		ctx, cancel := context.WithTimeout(parent, s.timeouts.Terminate)
		ack := e.SendCommand(ctx, raceentity.Terminate, nil)
		cancel()
		if !ack.Ok {
			s.log.Warn().Str("entity", e.Name()).Msg("teardown terminate did not acknowledge within timeout")
		}
	}
}
