package raceremote

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/race/racebus"
)

type greeting struct {
	Text string `yaml:"text"`
}

func TestFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan []byte, 1)
	go func() {
		data, err := readFrame(server)
		require.NoError(t, err)
		done <- data
	}()

	require.NoError(t, writeFrame(client, []byte("hello")))
	assert.Equal(t, []byte("hello"), <-done)
}

// Round-trip codec property: Read(Write(payload)) == payload.
func TestYAMLCodecRoundTrip(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterYAML("greeting", func() any { return new(greeting) })

	codec, ok := reg.Lookup("greeting")
	require.True(t, ok)

	original := &greeting{Text: "hello"}
	data, err := codec.Write(original)
	require.NoError(t, err)

	decoded, err := codec.Read(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	typeID, ok := reg.TypeIDFor(original)
	require.True(t, ok)
	assert.Equal(t, "greeting", typeID)
}

func TestUnregisteredPayloadTypeIsSerializationFailure(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.TypeIDFor(&greeting{})
	assert.False(t, ok)
}

type recorderHandle struct{ ch chan any }

func (r recorderHandle) Send(msg any) bool {
	ev := msg.(racebus.BusEvent)
	r.ch <- ev.Payload
	return true
}
func (r recorderHandle) ID() string { return "recorder" }

func waitForCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

// S6 — Remote publish, exercised at the transport level: two Connectors
// over loopback TCP, a BusConnector on each side bridging one channel.
func TestBusConnectorBridgesAcrossLoopbackTCP(t *testing.T) {
	regA := NewRegistry()
	regA.RegisterYAML("greeting", func() any { return new(greeting) })
	regB := NewRegistry()
	regB.RegisterYAML("greeting", func() any { return new(greeting) })

	busA := racebus.New()
	busB := racebus.New()

	received := make(chan any, 10)
	busB.Subscribe(recorderHandle{ch: received}, "/g")

	var bcB *BusConnector
	connB := New(Config{RuntimeURI: "race://b/rt", RuntimeName: "rt-b"}, Handlers{
		OnPeerConnected: func(peer *Peer, inbound bool) {
			if inbound {
				bcB = NewBusConnector("race://a/rt", peer, busB, regB)
			}
		},
		OnBusEvent: func(channel, typeID string, payload []byte, senderURI, senderName string) {
			bcB.OnRemoteBusEvent(channel, typeID, payload, senderURI, senderName)
		},
	})
	require.NoError(t, connB.Listen("127.0.0.1:0"))
	addr := connB.listener.Addr().String()

	connA := New(Config{RuntimeURI: "race://a/rt", RuntimeName: "rt-a"}, Handlers{})
	peerA, err := connA.EnsurePeer(context.Background(), addr)
	require.NoError(t, err)

	bcA := NewBusConnector("race://b/rt", peerA, busA, regA)
	bcA.RequestChannel("/g")

	waitForCond(t, func() bool { return bcB != nil }, "server never observed inbound peer")

	busA.Publish("/g", &greeting{Text: "hi"}, nil)

	select {
	case msg := <-received:
		assert.Equal(t, &greeting{Text: "hi"}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("bridged event never arrived")
	}
}

// TestConnectorLookupResolvesHandle covers the "Lookup" half of
// spec.md §4.6's deployment modes at the transport level: a LOOKUP for
// an Entity the peer reports as running returns a stable handle built
// from the peer's own URI and the Entity's name.
func TestConnectorLookupResolvesHandle(t *testing.T) {
	connB := New(Config{RuntimeURI: "race://b/rt", RuntimeName: "rt-b"}, Handlers{
		OnLookup: func(name string) (string, string, bool) {
			if name == "known" {
				return "race://b/rt", name, true
			}
			return "", "", false
		},
	})
	require.NoError(t, connB.Listen("127.0.0.1:0"))
	addr := connB.listener.Addr().String()

	connA := New(Config{RuntimeURI: "race://a/rt", RuntimeName: "rt-a"}, Handlers{})

	uri, name, err := connA.Lookup(context.Background(), addr, "known")
	require.NoError(t, err)
	assert.Equal(t, "race://b/rt", uri)
	assert.Equal(t, "known", name)

	_, _, err = connA.Lookup(context.Background(), addr, "missing")
	assert.Error(t, err)
}

// TestConnectorInstantiateConstructsRemotely covers the "Start" half of
// spec.md §4.6's deployment modes: an INSTANTIATE reaching a peer with
// no handler for the requested class surfaces as an error, and one the
// peer can satisfy returns a handle.
func TestConnectorInstantiateConstructsRemotely(t *testing.T) {
	var gotClass string
	connB := New(Config{RuntimeURI: "race://b/rt", RuntimeName: "rt-b"}, Handlers{
		OnInstantiate: func(name, class string, config any) (string, string, error) {
			gotClass = class
			if class == "unknown" {
				return "", "", fmt.Errorf("no such class")
			}
			return "race://b/rt", name, nil
		},
	})
	require.NoError(t, connB.Listen("127.0.0.1:0"))
	addr := connB.listener.Addr().String()

	connA := New(Config{RuntimeURI: "race://a/rt", RuntimeName: "rt-a"}, Handlers{})

	uri, name, err := connA.Instantiate(context.Background(), addr, "fresh", "worker", nil)
	require.NoError(t, err)
	assert.Equal(t, "race://b/rt", uri)
	assert.Equal(t, "fresh", name)
	assert.Equal(t, "worker", gotClass)

	_, _, err = connA.Instantiate(context.Background(), addr, "fresh2", "unknown", nil)
	assert.Error(t, err)
}

// TestConnectorLifecycleCmdRoutesToHandler covers LIFECYCLE_CMD, the
// wire message a Remote connector uses to drive a lifecycle Command on
// an Entity owned by a peer process.
func TestConnectorLifecycleCmdRoutesToHandler(t *testing.T) {
	connB := New(Config{RuntimeURI: "race://b/rt", RuntimeName: "rt-b"}, Handlers{
		OnLifecycleCmd: func(handleName, cmd string, config any) (bool, string) {
			if handleName == "worker" && cmd == "pause" {
				return true, ""
			}
			return false, "no such entity"
		},
	})
	require.NoError(t, connB.Listen("127.0.0.1:0"))
	addr := connB.listener.Addr().String()

	connA := New(Config{RuntimeURI: "race://a/rt", RuntimeName: "rt-a"}, Handlers{})
	peer, err := connA.EnsurePeer(context.Background(), addr)
	require.NoError(t, err)

	reply, err := peer.Request(Message{Kind: KindLifecycleCmd, Body: lifecycleCmdBody("worker", "pause", nil)}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindAck, reply.Kind)

	reply, err = peer.Request(Message{Kind: KindLifecycleCmd, Body: lifecycleCmdBody("ghost", "pause", nil)}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindNack, reply.Kind)
}
