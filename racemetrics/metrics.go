// Package racemetrics exposes the Prometheus collectors the core error
// taxonomy (spec §7) demands be surfaced "as a counter, not a propagated
// failure", plus phase-duration histograms for the Supervisor.
package racemetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BusEnqueueDropped counts BusEvents dropped instead of delivered,
	// labeled by reason ("inbox_full_or_disconnected" from the Bus,
	// "inbox_full_hard_fail", "inbox_full_drop_newest" and
	// "inbox_full_drop_oldest" from an Entity's inbox).
	BusEnqueueDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "race_bus_enqueue_dropped_total",
			Help: "BusEvents dropped rather than enqueued to a subscriber",
		},
		[]string{"reason"},
	)

	// RemoteTransportFailures counts failed sends/reconnects per peer
	// runtime URI.
	RemoteTransportFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "race_remote_transport_failures_total",
			Help: "Remote connector transport failures",
		},
		[]string{"peer"},
	)

	// SerializationFailures counts codec failures by payload type id.
	SerializationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "race_serialization_failures_total",
			Help: "Payload serialization/deserialization failures",
		},
		[]string{"payload_type"},
	)

	// TopicProtocolViolations counts unexpected Accept/Release messages
	// the ChannelTopic coordinator logged and ignored.
	TopicProtocolViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "race_topic_protocol_violations_total",
			Help: "Unexpected ChannelTopic protocol messages",
		},
		[]string{"kind"},
	)

	// SupervisorPhaseDuration times each lifecycle phase fan-out.
	SupervisorPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "race_supervisor_phase_duration_seconds",
			Help:    "Time to complete a Supervisor lifecycle phase across all Entities",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	// EntitiesByState tracks the current lifecycle state distribution.
	EntitiesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "race_entities_by_state",
			Help: "Number of Entities currently in each lifecycle state",
		},
		[]string{"state"},
	)

	// TopicDemandRecords tracks live demand-record counts per ChannelTopic.
	TopicDemandRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "race_topic_demand_records",
			Help: "Live demand records for a (channel, topic key) pair",
		},
		[]string{"channel", "topic_key"},
	)
)

func init() {
	prometheus.MustRegister(
		BusEnqueueDropped,
		RemoteTransportFailures,
		SerializationFailures,
		TopicProtocolViolations,
		SupervisorPhaseDuration,
		EntitiesByState,
		TopicDemandRecords,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for later observation into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
