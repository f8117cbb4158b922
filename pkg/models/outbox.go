package models

import "time"

// OutboxStatus is the dispatch state of an outbox row.
type OutboxStatus string

// Outbox row states. pending/failed rows whose next_retry_at has passed are
// eligible for dispatch; delivered and consumed are terminal for the
// producer side.
const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxDelivered  OutboxStatus = "delivered"
	OutboxFailed     OutboxStatus = "failed"
	OutboxDeadLetter OutboxStatus = "dead_letter"
	OutboxConsumed   OutboxStatus = "consumed"
)

// Terminal reports whether the status never returns to pending.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxDelivered || s == OutboxConsumed || s == OutboxDeadLetter
}

// DefaultMaxAttempts is the dispatch attempt budget before dead-lettering.
const DefaultMaxAttempts = 12

// ChannelTimeline is the outbox channel carrying timeline events.
const ChannelTimeline = "timeline"

// OutboxRow is the durable record pairing every timeline event with a
// broker dispatch. Exactly one row exists per event_id; the row is created
// in the same transaction as the timeline event.
type OutboxRow struct {
	ID          int64        `json:"id"`
	EventID     string       `json:"eventId"`
	SessionID   string       `json:"sessionId"`
	Channel     string       `json:"channel"`
	Payload     []byte       `json:"payload"`
	Status      OutboxStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"maxAttempts"`
	LastError   string       `json:"lastError,omitempty"`
	NextRetryAt time.Time    `json:"nextRetryAt"`
	LockedBy    string       `json:"lockedBy,omitempty"`
	LockedAt    *time.Time   `json:"lockedAt,omitempty"`
	DeliveredAt *time.Time   `json:"deliveredAt,omitempty"`
	ConsumedAt  *time.Time   `json:"consumedAt,omitempty"`
	ConsumedBy  string       `json:"consumedBy,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// StreamRef names the broker streams an envelope is published to.
type StreamRef struct {
	Key       string `json:"key"`
	GlobalKey string `json:"globalKey"`
}

// EnvelopeTypeTimelineEvent is the only envelope type currently on the wire.
const EnvelopeTypeTimelineEvent = "timeline_event"

// StreamEnvelope is the payload dispatched from the outbox to the broker
// and fanned out to subscribers.
type StreamEnvelope struct {
	SchemaVersion string         `json:"schemaVersion"`
	Type          string         `json:"type"`
	Event         *TimelineEvent `json:"event"`
	Stream        StreamRef      `json:"stream"`
}

// IngestAck is the response of POST /v0/ingest: the resolved session, the
// routing decision, created runs, every interaction emitted during the call,
// and a subscription hint pointing just past the current cursor.
type IngestAck struct {
	SessionID    string           `json:"sessionId"`
	Rotated      bool             `json:"rotated,omitempty"`
	Routing      *RoutingDecision `json:"routing"`
	Runs         []*ProviderRun   `json:"runs"`
	Events       []*TimelineEvent `json:"events"`
	Subscription SubscriptionHint `json:"subscription"`
}

// InteractAck is the response of POST /v0/interact.
type InteractAck struct {
	SessionID    string           `json:"sessionId"`
	Rotated      bool             `json:"rotated,omitempty"`
	Events       []*TimelineEvent `json:"events"`
	Subscription SubscriptionHint `json:"subscription"`
}

// SubscriptionHint tells the client where to resume streaming from.
type SubscriptionHint struct {
	Cursor  int64  `json:"cursor"`
	Channel string `json:"channel"`
}

// TimelinePage is the response of GET /v0/timeline.
type TimelinePage struct {
	SessionID  string           `json:"sessionId"`
	Events     []*TimelineEvent `json:"events"`
	NextCursor int64            `json:"nextCursor"`
}
