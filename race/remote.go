package race

import (
	"context"
	"fmt"

	"github.com/cuemby/race/racebus"
	"github.com/cuemby/race/raceentity"
	"github.com/cuemby/race/racemetrics"
	"github.com/cuemby/race/raceremote"
	"github.com/cuemby/race/racesup"
)

// onPeerConnected constructs the outbound BusConnector for a newly live
// Peer, keyed by its connection-stable RemoteAddr rather than its URI
// (URI is only populated once the handshake frame arrives, after this
// hook already needs the connector to exist).
func (rt *Runtime) onPeerConnected(peer *raceremote.Peer, inbound bool) {
	bc := raceremote.NewBusConnector(peer.RemoteAddr(), peer, rt.Bus, rt.codecs)

	rt.bridgesMu.Lock()
	rt.bridges[peer.RemoteAddr()] = bc
	rt.bridgesMu.Unlock()

	go func() {
		<-peer.Done()
		rt.bridgesMu.Lock()
		delete(rt.bridges, peer.RemoteAddr())
		rt.bridgesMu.Unlock()
	}()
}

// onRemoteBusEvent decodes an inbound BUS_EVENT and republishes it on
// the local Bus under a RemoteHandle sender identity. The sender's own
// URI/name already identify it uniquely, so unlike the outbound path
// this needs no per-peer BusConnector lookup.
func (rt *Runtime) onRemoteBusEvent(channel, payloadTypeID string, payload []byte, senderURI, senderName string) {
	codec, ok := rt.codecs.Lookup(payloadTypeID)
	if !ok {
		racemetrics.SerializationFailures.WithLabelValues(payloadTypeID).Inc()
		rt.log.Warn().Str("type", payloadTypeID).Msg("dropping inbound remote event: unregistered payload type")
		return
	}
	decoded, err := codec.Read(payload)
	if err != nil {
		racemetrics.SerializationFailures.WithLabelValues(payloadTypeID).Inc()
		rt.log.Warn().Err(err).Str("type", payloadTypeID).Msg("failed to decode inbound remote event")
		return
	}
	sender := raceremote.NewRemoteHandle(senderURI, senderName)
	rt.Bus.Publish(racebus.Channel(channel), decoded, sender)
}

// onChannelRequest is invoked when a peer asks this Runtime to start
// forwarding local publishes matching pattern to it, the server side of
// Connector.RequestRemoteChannel.
func (rt *Runtime) onChannelRequest(peer *raceremote.Peer, pattern string) {
	rt.bridgesMu.Lock()
	bc, ok := rt.bridges[peer.RemoteAddr()]
	if !ok {
		bc = raceremote.NewBusConnector(peer.RemoteAddr(), peer, rt.Bus, rt.codecs)
		rt.bridges[peer.RemoteAddr()] = bc
	}
	rt.bridgesMu.Unlock()

	bc.RequestChannel(racebus.Pattern(pattern))
}

// resolveRemoteEntity performs the request/response exchange spec.md
// §4.6 requires during Initialize for every remote-declared Entity: a
// LOOKUP against an already-running peer Entity, or an INSTANTIATE
// asking the peer to construct one, depending on ec.RemoteMode. Either
// way it returns the stable RemoteHandle the caller must register under
// ec.Name so the Entity appears in this process's name-to-handle map.
func (rt *Runtime) resolveRemoteEntity(ctx context.Context, ec EntityConfig) (racebus.Handle, error) {
	var uri, name string
	var err error

	switch ec.RemoteMode {
	case "start":
		resolved, rerr := Resolve(ec.Options, rt.secrets)
		if rerr != nil {
			return nil, rerr
		}
		uri, name, err = rt.remote.Instantiate(ctx, ec.RemoteURI, ec.Name, ec.Implementation, resolved)
	default: // "lookup", and the empty default
		uri, name, err = rt.remote.Lookup(ctx, ec.RemoteURI, ec.Name)
	}
	if err != nil {
		return nil, err
	}
	return raceremote.NewRemoteHandle(uri, name), nil
}

// onLookup answers a peer's LOOKUP for an Entity this process has
// running locally, per spec.md §4.6's "Lookup" deployment mode.
func (rt *Runtime) onLookup(name string) (handleURI, handleName string, found bool) {
	if _, ok := rt.sup.ByName(name); !ok {
		return "", "", false
	}
	return rt.URI, name, true
}

// onInstantiate answers a peer's INSTANTIATE by constructing the named
// Entity from its own Registry and bringing it up through Initialize
// and Start, per spec.md §4.6's "Start" deployment mode. The resulting
// Entity is indistinguishable, from this process's own name-to-handle
// map, from one this process declared locally from the start.
func (rt *Runtime) onInstantiate(name, class string, config any) (handleURI, handleName string, err error) {
	factory, ok := rt.registry[class]
	if !ok {
		return "", "", fmt.Errorf("unknown entity implementation %q", class)
	}

	opts, _ := config.(map[string]interface{})
	resolved, err := Resolve(opts, rt.secrets)
	if err != nil {
		return "", "", err
	}

	handler, err := factory(resolved)
	if err != nil {
		return "", "", err
	}

	spec := racesup.EntitySpec{
		Spec: raceentity.Spec{
			Name:    name,
			Handler: handler,
			Pool:    rt.Pool,
			Topic:   rt.Topic,
		},
		Config: resolved,
	}

	if _, err := rt.sup.StartOne(context.Background(), spec); err != nil {
		return "", "", err
	}
	return rt.URI, name, nil
}

// onLifecycleCmd routes an inbound LIFECYCLE_CMD to the named local
// Entity and reports its acknowledgment back to the caller, per
// spec.md §6's wire protocol.
func (rt *Runtime) onLifecycleCmd(handleName, cmdName string, config any) (ok bool, reason string) {
	e, found := rt.sup.ByName(handleName)
	if !found {
		return false, fmt.Sprintf("unknown entity %q", handleName)
	}
	cmd, valid := raceentity.ParseCommand(cmdName)
	if !valid {
		return false, fmt.Sprintf("unknown command %q", cmdName)
	}

	ack := e.SendCommand(context.Background(), cmd, config)
	if !ack.Ok {
		if ack.Err != nil {
			return false, ack.Err.Error()
		}
		return false, "rejected"
	}
	return true, ""
}
