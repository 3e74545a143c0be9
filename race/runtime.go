package race

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/race/raceclock"
	"github.com/cuemby/race/racebus"
	"github.com/cuemby/race/raceentity"
	"github.com/cuemby/race/racelog"
	"github.com/cuemby/race/racepool"
	"github.com/cuemby/race/raceremote"
	"github.com/cuemby/race/racesup"
	"github.com/cuemby/race/racetopic"
)

// Factory constructs a Handler from one Entity's resolved options.
// Entity classes are registered under an implementation identifier
// string named in configuration, the same indirection a DI container
// performs by name rather than by compiled-in reference.
type Factory func(options map[string]interface{}) (raceentity.Handler, error)

// Registry maps an implementation identifier to the Factory that builds
// it. Applications populate one at process startup before calling
// NewRuntime.
type Registry map[string]Factory

// Runtime is the per-process aggregate: Clock, Bus, Supervisor,
// ChannelTopic coordinator, Remote connector, and the live Entities map.
// Exactly one Runtime exists per process, per spec.md §3.
type Runtime struct {
	URI  string
	Name string

	Clock *raceclock.Clock
	Bus   *racebus.Bus
	Topic *racetopic.Coordinator
	Pool  *racepool.Pool

	sup      *racesup.Supervisor
	remote   *raceremote.Connector
	codecs   *raceremote.Registry
	registry Registry
	secrets  SecretStore

	bridgesMu sync.Mutex
	bridges   map[string]*raceremote.BusConnector

	mu      sync.Mutex
	running bool

	log zerolog.Logger
}

// Options configures a Runtime at construction time.
type Options struct {
	URI                string // this process's address, e.g. "race://host:7070/orders"; defaults to RuntimeName if empty
	PoolCeiling        int    // default runtime.NumCPU()*4
	SecretStore        SecretStore
	SupervisorTimeouts racesup.Timeouts
}

// NewRuntime constructs a Runtime bound to cfg and registry. It does not
// start anything; call Start.
func NewRuntime(cfg *Config, registry Registry, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if opts.PoolCeiling == 0 {
		opts.PoolCeiling = runtime.NumCPU() * 4
	}
	if opts.SecretStore == nil {
		opts.SecretStore = EnvSecretStore{}
	}

	clock := raceclock.New()
	bus := racebus.New()
	pool := racepool.New(opts.PoolCeiling)
	topic := racetopic.New()

	uri := opts.URI
	if uri == "" {
		uri = cfg.RuntimeName
	}

	sup := racesup.New(bus, clock, uri, opts.SupervisorTimeouts)

	rt := &Runtime{
		URI:      uri,
		Name:     cfg.RuntimeName,
		Clock:    clock,
		Bus:      bus,
		Topic:    topic,
		Pool:     pool,
		sup:      sup,
		codecs:   raceremote.NewRegistry(),
		registry: registry,
		secrets:  opts.SecretStore,
		bridges:  make(map[string]*raceremote.BusConnector),
		log:      racelog.WithRuntime(uri),
	}

	rt.remote = raceremote.New(raceremote.Config{RuntimeURI: uri, RuntimeName: cfg.RuntimeName}, raceremote.Handlers{
		OnInspect: rt.inspectStates,
		OnShutdown: func() {
			go rt.Shutdown(context.Background())
		},
		OnPeerConnected:  rt.onPeerConnected,
		OnBusEvent:       rt.onRemoteBusEvent,
		OnChannelRequest: rt.onChannelRequest,
		OnLookup:         rt.onLookup,
		OnInstantiate:    rt.onInstantiate,
		OnLifecycleCmd:   rt.onLifecycleCmd,
	})

	return rt, nil
}

// RegisterPayloadCodec makes payload type typeID wire-transmittable
// across this Runtime's Remote connector: publishes matching a peer's
// ChannelRequest are encoded with it, and inbound BUS_EVENTs carrying
// typeID are decoded with it. newPayload must return a fresh pointer
// for yaml.Unmarshal to populate.
func (rt *Runtime) RegisterPayloadCodec(typeID string, newPayload func() any) {
	rt.codecs.RegisterYAML(typeID, newPayload)
}

// Start builds every configured Entity, then runs Initialize and Start
// in declaration order through the Supervisor. A remote-declared Entity
// is resolved via a LOOKUP or INSTANTIATE exchange instead, per
// spec.md §4.6, and registered under its declared name so it appears in
// the name-to-handle map exactly as a local Entity would.
func (rt *Runtime) Start(ctx context.Context, cfg *Config) error {
	specs := make([]racesup.EntitySpec, 0, len(cfg.Entities))
	for _, ec := range cfg.Entities {
		if ec.RemoteURI != "" {
			handle, err := rt.resolveRemoteEntity(ctx, ec)
			if err != nil {
				return NewError(ErrClassTransport, fmt.Sprintf("failed to resolve remote entity %q via %q", ec.Name, ec.RemoteURI), err)
			}
			rt.sup.RegisterRemote(ec.Name, handle)

			for _, pattern := range ec.ReadFrom {
				if err := rt.remote.RequestRemoteChannel(ctx, ec.RemoteURI, pattern); err != nil {
					return NewError(ErrClassTransport, fmt.Sprintf("failed to request remote channel %q from %q for entity %q", pattern, ec.RemoteURI, ec.Name), err)
				}
			}
			continue
		}

		factory, ok := rt.registry[ec.Implementation]
		if !ok {
			return NewError(ErrClassConfig, fmt.Sprintf("unknown entity implementation %q for entity %q", ec.Implementation, ec.Name), nil)
		}

		resolved, err := Resolve(ec.Options, rt.secrets)
		if err != nil {
			return err
		}

		handler, err := factory(resolved)
		if err != nil {
			return NewError(ErrClassConfig, fmt.Sprintf("failed to construct entity %q", ec.Name), err)
		}

		patterns := make([]racebus.Pattern, 0, len(ec.ReadFrom))
		for _, p := range ec.ReadFrom {
			patterns = append(patterns, racebus.Pattern(p))
		}

		specs = append(specs, racesup.EntitySpec{
			Spec: raceentity.Spec{
				Name:     ec.Name,
				Handler:  handler,
				ReadFrom: patterns,
				Pool:     rt.Pool,
				Topic:    rt.Topic,
			},
			Config: resolved,
		})
	}

	if cfg.Listen != "" {
		if err := rt.remote.Listen(cfg.Listen); err != nil {
			return NewError(ErrClassConfig, "failed to start remote listener", err)
		}
	}

	if err := rt.sup.Start(ctx, specs); err != nil {
		return NewError(ErrClassLifecycle, "startup failed", err)
	}

	rt.mu.Lock()
	rt.running = true
	rt.mu.Unlock()
	return nil
}

// Pause runs the Pause phase across every Entity.
func (rt *Runtime) Pause(ctx context.Context) error {
	if err := rt.sup.Pause(ctx); err != nil {
		return NewError(ErrClassLifecycle, "pause failed", err)
	}
	return nil
}

// Resume runs the Resume phase across every Entity.
func (rt *Runtime) Resume(ctx context.Context) error {
	if err := rt.sup.Resume(ctx); err != nil {
		return NewError(ErrClassLifecycle, "resume failed", err)
	}
	return nil
}

// Shutdown cascades per spec.md §5: the Clock stops issuing new
// callbacks, the Supervisor terminates Entities in reverse order, and
// the Remote connector closes its links.
func (rt *Runtime) Shutdown(ctx context.Context) {
	rt.mu.Lock()
	if !rt.running {
		rt.mu.Unlock()
		return
	}
	rt.running = false
	rt.mu.Unlock()

	rt.Clock.Stop()
	rt.sup.Shutdown(ctx)
	rt.remote.Close()
}

// ReportError logs a classified non-lifecycle error and publishes it to
// the designated error channel (spec.md §7 Propagation). It increments
// no counter itself; the racemetrics counters are incremented where each
// failure is detected.
func (rt *Runtime) ReportError(err *Error) {
	rt.log.Error().Str("class", err.Class.String()).Err(err).Msg("classified error")
	rt.Bus.Publish(ErrorsChannel, err, nil)
}

// Inspect returns each Entity's current lifecycle state by name, for the
// `inspect` CLI surface and the INSPECT wire message.
func (rt *Runtime) Inspect() map[string]string {
	return rt.inspectStates()
}

// HandleByName resolves name to its handle, local or remote, per
// spec.md §3's name-to-handle map invariant.
func (rt *Runtime) HandleByName(name string) (racebus.Handle, bool) {
	return rt.sup.HandleByName(name)
}

func (rt *Runtime) inspectStates() map[string]string {
	out := make(map[string]string)
	for _, e := range rt.sup.Entities() {
		out[e.Name()] = e.State().String()
	}
	return out
}
