// Package racetopic implements the ChannelTopic coordinator: transitive,
// on-demand production negotiation layered over the Bus so a high-volume
// Provider never does work nobody has asked for.
package racetopic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/cuemby/race/racebus"
	"github.com/cuemby/race/racelog"
	"github.com/cuemby/race/racemetrics"
)

// ChannelTopic is a channel plus an optional application-supplied
// discriminator. An empty Key means "the whole channel".
type ChannelTopic struct {
	Channel racebus.Channel
	Key     string
}

func (t ChannelTopic) String() string {
	if t.Key == "" {
		return string(t.Channel)
	}
	return fmt.Sprintf("%s#%s", t.Channel, t.Key)
}

// Provider is implemented by an Entity able to serve one or more
// ChannelTopics.
type Provider interface {
	// CanServe reports whether this Provider can serve topic. Evaluated
	// once per Request against every opted-in Provider.
	CanServe(topic ChannelTopic) bool
}

// TransitiveProvider is a Provider that, to serve a topic, must itself
// become a Subscriber of an upstream ChannelTopic.
type TransitiveProvider interface {
	Provider
	// UpstreamTopic returns the topic this Provider depends on to serve
	// topic. Called once, on the topic's first Accept.
	UpstreamTopic(topic ChannelTopic) (ChannelTopic, bool)
}

var (
	// ErrNoProvider is returned when no registered Provider can serve a
	// requested topic.
	ErrNoProvider = errors.New("racetopic: no provider can serve this topic")
	// ErrCycle is returned when servicing a Request would require a
	// ChannelTopic already on the current dependency path.
	ErrCycle = errors.New("racetopic: ChannelTopic request cycle detected")
)

type registration struct {
	handle   racebus.Handle
	provider Provider
}

// demandKey identifies one (producer, ChannelTopic) demand-record set.
type demandKey struct {
	producer string
	topic    ChannelTopic
}

// pendingRequest is the TTL-cache entry recorded under a Request's
// correlation ID while that Request is in progress; it is deleted when
// Request returns. Nothing reads it: Release takes no correlation ID,
// and a Release with no matching demand record is ignored without
// being logged or counted as a protocol violation.
type pendingRequest struct {
	topic      ChannelTopic
	subscriber racebus.Handle
}

const defaultCollectionWindow = 50 * time.Millisecond
const pendingTTL = 30 * time.Second

// Coordinator negotiates ChannelTopic production on/off for one Runtime.
type Coordinator struct {
	mu sync.Mutex

	providers map[racebus.Channel][]registration
	// demand maps a (producer, topic) pair to the set of consumer handle
	// IDs currently holding it.
	demand map[demandKey]map[string]struct{}
	// upstream tracks, per (producer,topic), the upstream ChannelTopic
	// and handle a Transitive provider acquired to serve it, so Release
	// can propagate.
	upstream map[demandKey]*upstreamLease

	pending *gocache.Cache

	window time.Duration
	log    zerolog.Logger
}

type upstreamLease struct {
	topic    ChannelTopic
	provider racebus.Handle
}

// New creates a Coordinator with the default response-collection window.
func New() *Coordinator {
	return NewWithWindow(defaultCollectionWindow)
}

// NewWithWindow creates a Coordinator with an explicit collection window.
func NewWithWindow(window time.Duration) *Coordinator {
	return &Coordinator{
		providers: make(map[racebus.Channel][]registration),
		demand:    make(map[demandKey]map[string]struct{}),
		upstream:  make(map[demandKey]*upstreamLease),
		pending:   gocache.New(pendingTTL, pendingTTL/2),
		window:    window,
		log:       racelog.WithComponent("topic-coordinator"),
	}
}

// RegisterProvider opts a Provider in for every topic on channel. A
// Provider may register for multiple channels by calling this more than
// once.
func (c *Coordinator) RegisterProvider(channel racebus.Channel, handle racebus.Handle, provider Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[channel] = append(c.providers[channel], registration{handle: handle, provider: provider})
}

// UnregisterProvider removes handle from every channel's provider list.
// Called on Entity termination.
func (c *Coordinator) UnregisterProvider(handle racebus.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch, regs := range c.providers {
		kept := regs[:0]
		for _, r := range regs {
			if !racebus.Equal(r.handle, handle) {
				kept = append(kept, r)
			}
		}
		c.providers[ch] = kept
	}
}

// Request performs the four-step Request/Response/Accept/Reject
// protocol for topic on behalf of subscriber, recursing upstream for a
// Transitive provider, and returns the accepted Provider's handle.
func (c *Coordinator) Request(ctx context.Context, subscriber racebus.Handle, topic ChannelTopic) (racebus.Handle, error) {
	return c.request(ctx, subscriber, topic, nil)
}

func (c *Coordinator) request(ctx context.Context, subscriber racebus.Handle, topic ChannelTopic, path []ChannelTopic) (racebus.Handle, error) {
	for _, p := range path {
		if p == topic {
			racemetrics.TopicProtocolViolations.WithLabelValues("cycle").Inc()
			return nil, ErrCycle
		}
	}
	path = append(path, topic)

	c.mu.Lock()
	candidates := make([]registration, 0, 1)
	for _, r := range c.providers[topic.Channel] {
		if r.provider.CanServe(topic) {
			candidates = append(candidates, r)
		}
	}
	c.mu.Unlock()

	if len(candidates) == 0 {
		return nil, ErrNoProvider
	}

	// Default selectResponse policy: first responder wins. Every
	// candidate already answered synchronously via CanServe, so the
	// "collection window" only paces how long we wait before committing
	// to the first true responder — with an in-process Bus, candidates
	// are known immediately, so we accept the first eligible candidate
	// in registration order.
	chosen := candidates[0]
	correlationID := uuid.NewString()
	c.pending.Set(correlationID, &pendingRequest{topic: topic, subscriber: subscriber}, gocache.DefaultExpiration)
	defer c.pending.Delete(correlationID)

	key := demandKey{producer: chosen.handle.ID(), topic: topic}

	c.mu.Lock()
	firstDemand := len(c.demand[key]) == 0
	c.mu.Unlock()

	if firstDemand {
		if tp, ok := chosen.provider.(TransitiveProvider); ok {
			if upstreamTopic, need := tp.UpstreamTopic(topic); need {
				upstreamCtx, cancel := context.WithTimeout(ctx, c.window*10)
				upstreamProvider, err := c.request(upstreamCtx, chosen.handle, upstreamTopic, path)
				cancel()
				if err != nil {
					return nil, fmt.Errorf("racetopic: transitive upstream request for %s failed: %w", upstreamTopic, err)
				}
				c.mu.Lock()
				c.upstream[key] = &upstreamLease{topic: upstreamTopic, provider: upstreamProvider}
				c.mu.Unlock()
			}
		}
	}

	c.mu.Lock()
	if c.demand[key] == nil {
		c.demand[key] = make(map[string]struct{})
	}
	c.demand[key][subscriber.ID()] = struct{}{}
	count := len(c.demand[key])
	c.mu.Unlock()

	racemetrics.TopicDemandRecords.WithLabelValues(string(topic.Channel), topic.Key).Set(float64(count))
	c.log.Debug().Str("topic", topic.String()).Str("provider", chosen.handle.ID()).Msg("accepted")

	return chosen.handle, nil
}

// Release removes subscriber's demand record for (provider, topic). Once
// the last record for a (provider, topic) pair is released, if that
// grant was fulfilled by a Transitive provider's own upstream
// subscription, the upstream is released too. Idempotent.
func (c *Coordinator) Release(subscriber racebus.Handle, provider racebus.Handle, topic ChannelTopic) {
	key := demandKey{producer: provider.ID(), topic: topic}

	c.mu.Lock()
	set := c.demand[key]
	if set != nil {
		delete(set, subscriber.ID())
	}
	empty := len(set) == 0
	var lease *upstreamLease
	if empty {
		lease = c.upstream[key]
		delete(c.upstream, key)
		delete(c.demand, key)
	}
	c.mu.Unlock()

	racemetrics.TopicDemandRecords.WithLabelValues(string(topic.Channel), topic.Key).Set(float64(len(set)))

	if lease != nil {
		c.Release(provider, lease.provider, lease.topic)
	}
}

// HasDemand reports whether any consumer currently holds a demand record
// for (provider, topic). A Provider must consult this before emitting,
// per the invariant that nothing is produced with zero demand records.
func (c *Coordinator) HasDemand(provider racebus.Handle, topic ChannelTopic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.demand[demandKey{producer: provider.ID(), topic: topic}]) > 0
}

// OnTerminate releases every demand record held by handle as a
// Subscriber, and revokes every demand record handle holds as a
// Provider (notifying subscribers via onRevoke), matching spec.md §4.5's
// termination invariant.
func (c *Coordinator) OnTerminate(handle racebus.Handle, onRevoke func(subscriber racebus.Handle, topic ChannelTopic)) {
	c.UnregisterProvider(handle)

	c.mu.Lock()
	var toRevoke []struct {
		key  demandKey
		subs []string
	}
	for key, set := range c.demand {
		if key.producer == handle.ID() {
			subs := make([]string, 0, len(set))
			for s := range set {
				subs = append(subs, s)
			}
			toRevoke = append(toRevoke, struct {
				key  demandKey
				subs []string
			}{key, subs})
			delete(c.demand, key)
			delete(c.upstream, key)
		}
	}
	// Also drop any demand record this handle held as a subscriber.
	for key, set := range c.demand {
		delete(set, handle.ID())
	}
	c.mu.Unlock()

	if onRevoke != nil {
		for _, r := range toRevoke {
			for range r.subs {
				onRevoke(handle, r.key.topic)
			}
		}
	}
}
