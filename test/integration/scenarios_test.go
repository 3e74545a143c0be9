// Package integration exercises the Runtime end to end, across process
// boundaries where a scenario calls for it, matching spec.md §8's
// numbered walkthroughs.
package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/race"
	"github.com/cuemby/race/raceentity"
	"github.com/cuemby/race/racetopic"
)

// recordingHandler appends every message it receives, in arrival order,
// and optionally calls a hook from inside OnInitialize/OnStart so a test
// can observe ordering without racing on shared state.
type recordingHandler struct {
	mu       sync.Mutex
	received []any
	onInit   func(name string)
	onStart  func(name string)
	name     string
}

func (h *recordingHandler) Handle(ctx *raceentity.Context, msg any) {
	h.mu.Lock()
	h.received = append(h.received, msg)
	h.mu.Unlock()
}

func (h *recordingHandler) OnInitialize(ctx *raceentity.Context, config any) error {
	if h.onInit != nil {
		h.onInit(h.name)
	}
	return nil
}

func (h *recordingHandler) OnStart(ctx *raceentity.Context) error {
	if h.onStart != nil {
		h.onStart(h.name)
	}
	return nil
}

func (h *recordingHandler) all() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]any, len(h.received))
	copy(out, h.received)
	return out
}

type orderEvent struct{ ID int }

// TestStartupOrderingIsDeclarationOrder covers S1: Entities are
// initialized and started strictly in the order they are declared, not
// concurrently, per spec.md §5.
func TestStartupOrderingIsDeclarationOrder(t *testing.T) {
	var mu sync.Mutex
	var initOrder, startOrder []string

	names := []string{"first", "second", "third"}
	registry := race.Registry{}
	for _, n := range names {
		n := n
		registry["recorder"+n] = func(options map[string]interface{}) (raceentity.Handler, error) {
			return &recordingHandler{
				name: n,
				onInit: func(name string) {
					mu.Lock()
					initOrder = append(initOrder, name)
					mu.Unlock()
				},
				onStart: func(name string) {
					mu.Lock()
					startOrder = append(startOrder, name)
					mu.Unlock()
				},
			}, nil
		}
	}

	cfg := &race.Config{
		RuntimeName: "s1-runtime",
		Entities: []race.EntityConfig{
			{Name: "first", Implementation: "recorderfirst"},
			{Name: "second", Implementation: "recordersecond"},
			{Name: "third", Implementation: "recorderthird"},
		},
	}

	rt, err := race.NewRuntime(cfg, registry, race.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.Start(ctx, cfg))
	defer rt.Shutdown(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, names, initOrder)
	assert.Equal(t, names, startOrder)
}

// TestPublishSubscribeFansOutToEveryMatchingSubscriber covers S2: a
// published message reaches every Entity subscribed to a matching
// channel, and none that isn't.
func TestPublishSubscribeFansOutToEveryMatchingSubscriber(t *testing.T) {
	interested := &recordingHandler{name: "interested"}
	bystander := &recordingHandler{name: "bystander"}

	registry := race.Registry{
		"interested": func(options map[string]interface{}) (raceentity.Handler, error) { return interested, nil },
		"bystander":  func(options map[string]interface{}) (raceentity.Handler, error) { return bystander, nil },
	}

	cfg := &race.Config{
		RuntimeName: "s2-runtime",
		Entities: []race.EntityConfig{
			{Name: "interested", Implementation: "interested", ReadFrom: []string{"/orders/placed"}},
			{Name: "bystander", Implementation: "bystander", ReadFrom: []string{"/invoices/sent"}},
		},
	}

	rt, err := race.NewRuntime(cfg, registry, race.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.Start(ctx, cfg))
	defer rt.Shutdown(context.Background())

	rt.Bus.Publish("/orders/placed", orderEvent{ID: 1}, nil)

	require.Eventually(t, func() bool { return len(interested.all()) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, bystander.all())
}

// TestWildcardReadFromMatchesSubtree covers S3: a trailing "**" pattern
// matches every channel strictly under the literal prefix, and a single
// "*" matches exactly one segment.
func TestWildcardReadFromMatchesSubtree(t *testing.T) {
	subtree := &recordingHandler{name: "subtree"}
	oneSegment := &recordingHandler{name: "one-segment"}

	registry := race.Registry{
		"subtree":     func(options map[string]interface{}) (raceentity.Handler, error) { return subtree, nil },
		"one-segment": func(options map[string]interface{}) (raceentity.Handler, error) { return oneSegment, nil },
	}

	cfg := &race.Config{
		RuntimeName: "s3-runtime",
		Entities: []race.EntityConfig{
			{Name: "subtree", Implementation: "subtree", ReadFrom: []string{"/orders/**"}},
			{Name: "one-segment", Implementation: "one-segment", ReadFrom: []string{"/orders/*"}},
		},
	}

	rt, err := race.NewRuntime(cfg, registry, race.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.Start(ctx, cfg))
	defer rt.Shutdown(context.Background())

	rt.Bus.Publish("/orders/42/shipped", orderEvent{ID: 42}, nil)
	rt.Bus.Publish("/orders/43", orderEvent{ID: 43}, nil)

	require.Eventually(t, func() bool { return len(subtree.all()) == 2 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(oneSegment.all()) == 1 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, []any{orderEvent{ID: 42}, orderEvent{ID: 43}}, subtree.all())
	assert.Equal(t, []any{orderEvent{ID: 43}}, oneSegment.all())
}

// meteredProvider is a Provider (and TransitiveProvider) that serves any
// topic on produceCh's channel; whether it has demand is read back
// through the Coordinator's HasDemand.
type meteredProvider struct {
	mu        sync.Mutex
	demanded  bool
	upstream  *racetopic.ChannelTopic
	produceCh racetopic.ChannelTopic
}

func (p *meteredProvider) CanServe(topic racetopic.ChannelTopic) bool {
	return topic.Channel == p.produceCh.Channel
}

func (p *meteredProvider) UpstreamTopic(topic racetopic.ChannelTopic) (racetopic.ChannelTopic, bool) {
	if p.upstream == nil {
		return racetopic.ChannelTopic{}, false
	}
	return *p.upstream, true
}

// TestChannelTopicOnlyProducesUnderDemand covers S4: a registered
// Provider only sees demand (via HasDemand) once a Request is made for
// its ChannelTopic, and stops once the last subscriber Releases it.
func TestChannelTopicOnlyProducesUnderDemand(t *testing.T) {
	var producerHandler recordingHandler
	producerHandler.name = "producer"

	registry := race.Registry{
		"producer": func(options map[string]interface{}) (raceentity.Handler, error) { return &producerHandler, nil },
		"consumer": func(options map[string]interface{}) (raceentity.Handler, error) { return &recordingHandler{name: "consumer"}, nil },
	}

	cfg := &race.Config{
		RuntimeName: "s4-runtime",
		Entities: []race.EntityConfig{
			{Name: "producer", Implementation: "producer"},
			{Name: "consumer", Implementation: "consumer"},
		},
	}

	rt, err := race.NewRuntime(cfg, registry, race.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.Start(ctx, cfg))
	defer rt.Shutdown(context.Background())

	topic := racetopic.ChannelTopic{Channel: "/rates/live"}
	provider := &meteredProvider{produceCh: topic}

	// An Entity registers itself as a topic's provider from its own
	// lifecycle hooks in practice; this test exercises the Coordinator
	// surface directly with a standalone handle rather than reaching
	// into Runtime internals for the producer Entity's live handle.
	subscriber := newTestHandle("s4-subscriber")
	rt.Topic.RegisterProvider(topic.Channel, subscriber, provider)
	producerHandle := subscriber

	assert.False(t, rt.Topic.HasDemand(producerHandle, topic))

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()
	_, err = rt.Topic.Request(reqCtx, subscriber, topic)
	require.NoError(t, err)

	assert.True(t, rt.Topic.HasDemand(producerHandle, topic))

	rt.Topic.Release(subscriber, producerHandle, topic)
	assert.False(t, rt.Topic.HasDemand(producerHandle, topic))
}

// raceHandleAdapter is a minimal racebus.Handle for tests that need a
// stable identity without a live Entity behind it.
type raceHandleAdapter struct {
	id string
}

func (h *raceHandleAdapter) ID() string    { return h.id }
func (h *raceHandleAdapter) Send(any) bool { return true }

func newTestHandle(id string) *raceHandleAdapter { return &raceHandleAdapter{id: id} }

// TestEntityTopicFieldReachesHandlerContext confirms a configured
// Runtime threads its ChannelTopic Coordinator onto every Entity's
// Context, so application Handler code can negotiate production without
// closing over Runtime internals (spec.md §4's Context contract).
func TestEntityTopicFieldReachesHandlerContext(t *testing.T) {
	seen := make(chan *racetopic.Coordinator, 1)
	registry := race.Registry{
		"probe": func(options map[string]interface{}) (raceentity.Handler, error) {
			return raceentity.HandlerFunc(func(ctx *raceentity.Context, msg any) {
				seen <- ctx.Topic
			}), nil
		},
	}

	cfg := &race.Config{
		RuntimeName: "s4b-runtime",
		Entities: []race.EntityConfig{
			{Name: "probe", Implementation: "probe", ReadFrom: []string{"/ping"}},
		},
	}

	rt, err := race.NewRuntime(cfg, registry, race.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.Start(ctx, cfg))
	defer rt.Shutdown(context.Background())

	rt.Bus.Publish("/ping", struct{}{}, nil)

	select {
	case got := <-seen:
		assert.Same(t, rt.Topic, got)
	case <-time.After(time.Second):
		t.Fatal("handler never observed a Context")
	}
}

// TestRemotePublishCrossesTwoRuntimes covers S6: an Entity on Runtime B
// is configured with a RemoteURI pointing at Runtime A, naming an
// Entity ("upstream") that actually runs on A. Per spec.md §4.6's
// "Lookup" deployment mode, B's Supervisor resolves that reference to a
// stable handle during Start before anything is published; once A
// accepts B's ChannelRequest for /rates, a payload A publishes locally
// still arrives at B's subscribed Entity over the wire.
func TestRemotePublishCrossesTwoRuntimes(t *testing.T) {
	type priceUpdate struct{ Symbol string; Price int }

	received := &recordingHandler{name: "remote-sink"}
	sinkRegistry := race.Registry{
		"sink": func(options map[string]interface{}) (raceentity.Handler, error) { return received, nil },
	}

	addrA := fmt.Sprintf("127.0.0.1:%d", freePort(t))

	cfgA := &race.Config{
		RuntimeName: "runtime-a",
		Listen:      addrA,
		Entities: []race.EntityConfig{
			{Name: "upstream", Implementation: "source"},
		},
	}
	sourceRegistry := race.Registry{
		"source": func(options map[string]interface{}) (raceentity.Handler, error) {
			return &recordingHandler{name: "upstream"}, nil
		},
	}
	rtA, err := race.NewRuntime(cfgA, sourceRegistry, race.Options{URI: "race://" + addrA})
	require.NoError(t, err)
	rtA.RegisterPayloadCodec("priceUpdate", func() any { return new(priceUpdate) })

	ctxA, cancelA := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelA()
	require.NoError(t, rtA.Start(ctxA, cfgA))
	defer rtA.Shutdown(context.Background())

	cfgB := &race.Config{
		RuntimeName: "runtime-b",
		Entities: []race.EntityConfig{
			{Name: "sink", Implementation: "sink", ReadFrom: []string{"/rates"}},
			{Name: "upstream", Implementation: "source", RemoteURI: addrA, RemoteMode: "lookup", ReadFrom: []string{"/rates"}},
		},
	}
	rtB, err := race.NewRuntime(cfgB, sinkRegistry, race.Options{})
	require.NoError(t, err)
	rtB.RegisterPayloadCodec("priceUpdate", func() any { return new(priceUpdate) })

	ctxB, cancelB := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelB()
	require.NoError(t, rtB.Start(ctxB, cfgB))
	defer rtB.Shutdown(context.Background())

	// Invariant: "upstream" appears in B's name-to-handle map even
	// though no local Entity on B backs it, resolved via the Lookup
	// exchange during Start.
	handle, ok := rtB.HandleByName("upstream")
	require.True(t, ok)
	assert.Equal(t, "race://"+addrA+"/upstream", handle.ID())

	// Give the ChannelRequest time to land before publishing, since it
	// travels over its own TCP round trip independent of this goroutine.
	require.Eventually(t, func() bool {
		rtA.Bus.Publish("/rates", priceUpdate{Symbol: "ACME", Price: 100}, nil)
		return len(received.all()) >= 1
	}, 2*time.Second, 20*time.Millisecond)

	got := received.all()
	require.NotEmpty(t, got)
	last, ok := got[len(got)-1].(*priceUpdate)
	require.True(t, ok)
	assert.Equal(t, "ACME", last.Symbol)
}
