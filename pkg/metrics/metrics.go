// Package metrics exposes the gateway's operational counters, both as
// Prometheus collectors and as a JSON snapshot for the lightweight
// /v0/metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics bundles every counter the gateway records. The zero value is not
// usable; construct with New.
type Metrics struct {
	IngestTotal         prometheus.Counter
	IngestRejected      prometheus.Counter
	InteractTotal       prometheus.Counter
	EventsAppended      prometheus.Counter
	ProviderDispatches  *prometheus.CounterVec
	ProviderFailures    *prometheus.CounterVec
	OutboxDelivered     prometheus.Counter
	OutboxFailed        prometheus.Counter
	OutboxDeadLettered  prometheus.Counter
	OutboxConsumed      prometheus.Counter
	OutboxReclaimed     prometheus.Counter
	SignatureRejections prometheus.Counter
	PersistenceErrors   prometheus.Counter
	StreamConnections   prometheus.Gauge
	StreamDropped       prometheus.Counter
}

// New registers the gateway collectors on the given registerer and returns
// the bundle. Pass prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IngestTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ingest_total",
			Help: "Unified inputs accepted by POST /v0/ingest.",
		}),
		IngestRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ingest_rejected_total",
			Help: "Ingest requests rejected by validation or auth.",
		}),
		InteractTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_interact_total",
			Help: "User interactions accepted by POST /v0/interact.",
		}),
		EventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_timeline_events_appended_total",
			Help: "Timeline events appended across all sessions.",
		}),
		ProviderDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_dispatches_total",
			Help: "Provider invoke/interact dispatches by provider id.",
		}, []string{"provider_id"}),
		ProviderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_failures_total",
			Help: "Provider dispatches that fell back to local synthesis.",
		}, []string{"provider_id"}),
		OutboxDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_outbox_delivered_total",
			Help: "Outbox rows delivered to the broker.",
		}),
		OutboxFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_outbox_failed_total",
			Help: "Outbox dispatch attempts that failed and were scheduled for retry.",
		}),
		OutboxDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_outbox_dead_lettered_total",
			Help: "Outbox rows that exhausted their attempt budget.",
		}),
		OutboxConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_outbox_consumed_total",
			Help: "Outbox rows acknowledged by the stream consumer.",
		}),
		OutboxReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_outbox_reclaimed_total",
			Help: "Stale processing rows returned to pending by the watchdog.",
		}),
		PersistenceErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_persistence_errors_total",
			Help: "Store writes that returned an error.",
		}),
		SignatureRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_signature_rejections_total",
			Help: "External-channel requests rejected by the HMAC gate.",
		}),
		StreamConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_stream_connections",
			Help: "Currently connected WebSocket subscribers.",
		}),
		StreamDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_stream_dropped_total",
			Help: "Subscribers disconnected for falling behind.",
		}),
	}
}

// Snapshot is the JSON shape served by GET /v0/metrics.
type Snapshot struct {
	IngestTotal         int64 `json:"ingestTotal"`
	IngestRejected      int64 `json:"ingestRejected"`
	InteractTotal       int64 `json:"interactTotal"`
	EventsAppended      int64 `json:"eventsAppended"`
	OutboxDelivered     int64 `json:"outboxDelivered"`
	OutboxFailed        int64 `json:"outboxFailed"`
	OutboxDeadLettered  int64 `json:"outboxDeadLettered"`
	OutboxConsumed      int64 `json:"outboxConsumed"`
	SignatureRejections int64 `json:"signatureRejections"`
	PersistenceErrors   int64 `json:"persistenceErrors"`
	StreamConnections   int64 `json:"streamConnections"`
}

// Snapshot reads the current counter values. Prometheus counters are
// read through their protobuf DTOs, which is cheap at this cardinality.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		IngestTotal:         counterValue(m.IngestTotal),
		IngestRejected:      counterValue(m.IngestRejected),
		InteractTotal:       counterValue(m.InteractTotal),
		EventsAppended:      counterValue(m.EventsAppended),
		OutboxDelivered:     counterValue(m.OutboxDelivered),
		OutboxFailed:        counterValue(m.OutboxFailed),
		OutboxDeadLettered:  counterValue(m.OutboxDeadLettered),
		OutboxConsumed:      counterValue(m.OutboxConsumed),
		SignatureRejections: counterValue(m.SignatureRejections),
		PersistenceErrors:   counterValue(m.PersistenceErrors),
		StreamConnections:   gaugeValue(m.StreamConnections),
	}
}

func counterValue(c prometheus.Counter) int64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	if m.Counter == nil || m.Counter.Value == nil {
		return 0
	}
	return int64(*m.Counter.Value)
}

func gaugeValue(g prometheus.Gauge) int64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	if m.Gauge == nil || m.Gauge.Value == nil {
		return 0
	}
	return int64(*m.Gauge.Value)
}
