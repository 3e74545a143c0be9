package raceremote

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/race/racebus"
	"github.com/cuemby/race/racelog"
	"github.com/cuemby/race/racemetrics"
)

// RemoteHandle is the cross-process AddressableHandle: a stable
// identifier (Runtime URI + Entity name) for an Entity that lives on a
// peer Runtime. Sending to it only has meaning as a BusEvent sender
// identity; application code never calls Send on it directly.
type RemoteHandle struct {
	uri  string
	name string
}

// NewRemoteHandle constructs the identity for a remote Entity.
func NewRemoteHandle(uri, name string) *RemoteHandle {
	return &RemoteHandle{uri: uri, name: name}
}

func (h *RemoteHandle) ID() string { return h.uri + "/" + h.name }

// Send is a no-op: a RemoteHandle is an identity token recovered from a
// remote sender field, never a live delivery target. Local delivery to
// a remote Entity happens through its BusConnector instead.
func (h *RemoteHandle) Send(msg any) bool { return false }

// BusConnector is the local proxy Entity for one peer Runtime. Per
// spec.md §4.6 it subscribes locally to whatever non-local channels the
// peer has requested, forwards matching BusEvents over the wire, and on
// the receiving side republishes inbound BUS_EVENT frames onto the
// local Bus carrying a RemoteHandle sender.
type BusConnector struct {
	peerURI  string
	peer     *Peer
	bus      *racebus.Bus
	registry *Registry

	mu        sync.Mutex
	requested map[racebus.Pattern]struct{}

	log zerolog.Logger
}

// NewBusConnector creates the proxy for peer, identified by peerURI.
func NewBusConnector(peerURI string, peer *Peer, bus *racebus.Bus, registry *Registry) *BusConnector {
	return &BusConnector{
		peerURI:   peerURI,
		peer:      peer,
		bus:       bus,
		registry:  registry,
		requested: make(map[racebus.Pattern]struct{}),
		log:       racelog.WithComponent("bus-connector").With().Str("peer", peerURI).Logger(),
	}
}

// ID implements racebus.Handle; the BusConnector's own identity is the
// peer's Runtime URI.
func (bc *BusConnector) ID() string { return bc.peerURI }

// Send implements racebus.Handle. The Bus invokes this for every local
// BusEvent matching a pattern the peer has requested; it serializes the
// payload and forwards a BUS_EVENT frame.
func (bc *BusConnector) Send(msg any) bool {
	ev, ok := msg.(racebus.BusEvent)
	if !ok {
		return false
	}
	if ev.Channel.IsLocal() {
		// Never bridged, per spec.md §3 Channel contract.
		return false
	}

	typeID, ok := bc.registry.TypeIDFor(ev.Payload)
	if !ok {
		racemetrics.SerializationFailures.WithLabelValues("unregistered").Inc()
		bc.log.Warn().Str("channel", string(ev.Channel)).Msg("dropping outbound event: unregistered payload type")
		return false
	}
	codec, _ := bc.registry.Lookup(typeID)
	data, err := codec.Write(ev.Payload)
	if err != nil {
		racemetrics.SerializationFailures.WithLabelValues(typeID).Inc()
		bc.log.Warn().Err(err).Str("type", typeID).Msg("failed to encode outbound payload")
		return false
	}

	senderURI, senderName := "", ""
	if ev.Sender != nil {
		senderURI, senderName = splitHandleID(ev.Sender.ID())
	}

	err = bc.peer.Send(Message{
		Kind: KindBusEvent,
		Body: busEventBody(string(ev.Channel), typeID, data, senderURI, senderName),
	})
	if err != nil {
		racemetrics.RemoteTransportFailures.WithLabelValues(bc.peerURI).Inc()
		return false
	}
	return true
}

// RequestChannel registers local interest in forwarding channel to the
// peer, subscribing this BusConnector to it if not already done.
func (bc *BusConnector) RequestChannel(pattern racebus.Pattern) {
	bc.mu.Lock()
	if _, already := bc.requested[pattern]; already {
		bc.mu.Unlock()
		return
	}
	bc.requested[pattern] = struct{}{}
	bc.mu.Unlock()
	bc.bus.Subscribe(bc, pattern)
}

// OnRemoteBusEvent decodes and republishes an inbound BUS_EVENT onto the
// local Bus, attributing it to a RemoteHandle built from the wire
// sender fields.
func (bc *BusConnector) OnRemoteBusEvent(channel, payloadTypeID string, payload []byte, senderURI, senderName string) {
	codec, ok := bc.registry.Lookup(payloadTypeID)
	if !ok {
		racemetrics.SerializationFailures.WithLabelValues(payloadTypeID).Inc()
		bc.log.Warn().Str("type", payloadTypeID).Msg("dropping inbound event: unregistered payload type")
		return
	}
	decoded, err := codec.Read(payload)
	if err != nil {
		racemetrics.SerializationFailures.WithLabelValues(payloadTypeID).Inc()
		bc.log.Warn().Err(err).Str("type", payloadTypeID).Msg("failed to decode inbound payload")
		return
	}
	sender := NewRemoteHandle(senderURI, senderName)
	bc.bus.Publish(racebus.Channel(channel), decoded, sender)
}

func splitHandleID(id string) (uri, name string) {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '/' {
			return id[:i], id[i+1:]
		}
	}
	return "", id
}
