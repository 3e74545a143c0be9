package racetopic

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/race/racebus"
)

type fakeHandle struct{ id string }

func (f *fakeHandle) Send(msg any) bool { return true }
func (f *fakeHandle) ID() string        { return f.id }

type staticProvider struct {
	serves  ChannelTopic
	publish atomic.Int64
}

func (p *staticProvider) CanServe(topic ChannelTopic) bool { return topic == p.serves }

// S4 — ChannelTopic on/off.
func TestChannelTopicOnOff(t *testing.T) {
	coord := New()
	topic := ChannelTopic{Channel: "/v", Key: "high"}
	provider := &staticProvider{serves: topic}
	providerHandle := &fakeHandle{id: "Pr"}
	coord.RegisterProvider(topic.Channel, providerHandle, provider)

	assert.False(t, coord.HasDemand(providerHandle, topic))

	s1 := &fakeHandle{id: "S1"}
	got, err := coord.Request(context.Background(), s1, topic)
	require.NoError(t, err)
	assert.True(t, racebus.Equal(got, providerHandle))
	assert.True(t, coord.HasDemand(providerHandle, topic))

	coord.Release(s1, providerHandle, topic)
	assert.False(t, coord.HasDemand(providerHandle, topic))

	// Idempotent release.
	coord.Release(s1, providerHandle, topic)
	assert.False(t, coord.HasDemand(providerHandle, topic))
}

type transitiveProvider struct {
	serves         ChannelTopic
	upstream       ChannelTopic
	canServeCalls  atomic.Int64
}

func (p *transitiveProvider) CanServe(topic ChannelTopic) bool {
	if topic == p.serves {
		return true
	}
	return false
}

func (p *transitiveProvider) UpstreamTopic(topic ChannelTopic) (ChannelTopic, bool) {
	return p.upstream, true
}

type upstreamProvider struct {
	serves        ChannelTopic
	canServeCalls atomic.Int64
}

func (p *upstreamProvider) CanServe(topic ChannelTopic) bool {
	if topic == p.serves {
		p.canServeCalls.Add(1)
		return true
	}
	return false
}

// S5 — Transitive.
func TestChannelTopicTransitive(t *testing.T) {
	coord := New()

	xTopic := ChannelTopic{Channel: "/x", Key: "k"}
	yTopic := ChannelTopic{Channel: "/y", Key: "k"}

	pr1 := &upstreamProvider{serves: xTopic}
	pr1Handle := &fakeHandle{id: "Pr1"}
	coord.RegisterProvider(xTopic.Channel, pr1Handle, pr1)

	pr2 := &transitiveProvider{serves: yTopic, upstream: xTopic}
	pr2Handle := &fakeHandle{id: "Pr2"}
	coord.RegisterProvider(yTopic.Channel, pr2Handle, pr2)

	s := &fakeHandle{id: "S"}
	got, err := coord.Request(context.Background(), s, yTopic)
	require.NoError(t, err)
	assert.True(t, racebus.Equal(got, pr2Handle))

	assert.EqualValues(t, 1, pr1.canServeCalls.Load())
	assert.True(t, coord.HasDemand(pr1Handle, xTopic))
	assert.True(t, coord.HasDemand(pr2Handle, yTopic))

	coord.Release(s, pr2Handle, yTopic)
	assert.False(t, coord.HasDemand(pr2Handle, yTopic))
	assert.False(t, coord.HasDemand(pr1Handle, xTopic))
}

func TestChannelTopicCycleDetected(t *testing.T) {
	coord := New()
	a := ChannelTopic{Channel: "/a"}
	b := ChannelTopic{Channel: "/b"}

	pa := &transitiveProvider{serves: a, upstream: b}
	paHandle := &fakeHandle{id: "A"}
	pb := &transitiveProvider{serves: b, upstream: a}
	pbHandle := &fakeHandle{id: "B"}

	coord.RegisterProvider(a.Channel, paHandle, pa)
	coord.RegisterProvider(b.Channel, pbHandle, pb)

	s := &fakeHandle{id: "S"}
	_, err := coord.Request(context.Background(), s, a)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestChannelTopicNoProvider(t *testing.T) {
	coord := New()
	s := &fakeHandle{id: "S"}
	_, err := coord.Request(context.Background(), s, ChannelTopic{Channel: "/nowhere"})
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestOnTerminateRevokesAsProviderAndSubscriber(t *testing.T) {
	coord := New()
	topic := ChannelTopic{Channel: "/v"}
	provider := &staticProvider{serves: topic}
	providerHandle := &fakeHandle{id: "Pr"}
	coord.RegisterProvider(topic.Channel, providerHandle, provider)

	s1 := &fakeHandle{id: "S1"}
	_, err := coord.Request(context.Background(), s1, topic)
	require.NoError(t, err)

	var revoked []ChannelTopic
	coord.OnTerminate(providerHandle, func(subscriber racebus.Handle, topic ChannelTopic) {
		revoked = append(revoked, topic)
	})

	require.Len(t, revoked, 1)
	assert.Equal(t, topic, revoked[0])
	assert.False(t, coord.HasDemand(providerHandle, topic))
}
