// Package models defines the wire types shared by the gateway's HTTP
// surface, the persistence store, the outbox, and the stream broker.
package models

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the wire schema version accepted and emitted by the gateway.
const SchemaVersion = "v0"

// EventKind classifies a timeline event.
type EventKind string

// Timeline event kinds.
const (
	EventKindInbound         EventKind = "inbound"
	EventKindRoutingDecision EventKind = "routing_decision"
	EventKindProviderRun     EventKind = "provider_run"
	EventKindInteraction     EventKind = "interaction"
	EventKindUserInteraction EventKind = "user_interaction"
	EventKindDomainEvent     EventKind = "domain_event"
)

// ValidEventKind reports whether k is one of the known timeline kinds.
func ValidEventKind(k EventKind) bool {
	switch k {
	case EventKindInbound, EventKindRoutingDecision, EventKindProviderRun,
		EventKindInteraction, EventKindUserInteraction, EventKindDomainEvent:
		return true
	}
	return false
}

// TimelineEvent is a single durable, ordered fact within a session.
// Events are append-only: once written they are never updated or deleted.
// (sessionId, seq) uniquely identifies an event; seq values form a gapless
// ascending sequence per session.
type TimelineEvent struct {
	EventID         string          `json:"eventId"`
	TraceID         string          `json:"traceId"`
	SessionID       string          `json:"sessionId"`
	UserID          string          `json:"userId"`
	ProviderID      string          `json:"providerId,omitempty"`
	RunID           string          `json:"runId,omitempty"`
	Seq             int64           `json:"seq"`
	TimestampMs     int64           `json:"timestampMs"`
	Kind            EventKind       `json:"kind"`
	ExtensionKind   string          `json:"extensionKind,omitempty"`
	RenderSchemaRef string          `json:"renderSchemaRef,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// UnifiedUserInput is the body of POST /v0/ingest: one user or channel
// message entering the gateway.
type UnifiedUserInput struct {
	SchemaVersion string `json:"schemaVersion"`
	TraceID       string `json:"traceId"`
	UserID        string `json:"userId"`
	SessionID     string `json:"sessionId"`
	Source        string `json:"source"`
	TimestampMs   int64  `json:"timestampMs"`
	Text          string `json:"text,omitempty"`
	Locale        string `json:"locale,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// Input sources handled without the HMAC envelope. Any other source is an
// external channel and must carry signature headers.
const (
	SourceApp = "app"
	SourceAPI = "api"
)

// InternalSource reports whether the source skips external-channel signing.
func InternalSource(source string) bool {
	return source == SourceApp || source == SourceAPI
}

// UserInteraction is the body of POST /v0/interact: a button press, form
// submission, or other callback from a client widget.
type UserInteraction struct {
	TraceID     string         `json:"traceId"`
	UserID      string         `json:"userId"`
	SessionID   string         `json:"sessionId"`
	ActionID    string         `json:"actionId"`
	RunID       string         `json:"runId,omitempty"`
	ProviderID  string         `json:"providerId,omitempty"`
	TimestampMs int64          `json:"timestampMs"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// ProviderEventItem is one entry of the bulk POST /v0/events body: an
// out-of-band interaction or domain event pushed by a provider.
type ProviderEventItem struct {
	Kind            EventKind       `json:"kind"`
	TraceID         string          `json:"traceId"`
	SessionID       string          `json:"sessionId"`
	UserID          string          `json:"userId"`
	ProviderID      string          `json:"providerId"`
	RunID           string          `json:"runId,omitempty"`
	ExtensionKind   string          `json:"extensionKind,omitempty"`
	RenderSchemaRef string          `json:"renderSchemaRef,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// ProviderEventResult reports per-item acceptance for bulk event pushes.
type ProviderEventResult struct {
	Index    int    `json:"index"`
	Accepted bool   `json:"accepted"`
	EventID  string `json:"eventId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ContextSnapshot is the TTL-bounded user profile snapshot served to
// providers through GET /v0/context/users/:profileRef.
type ContextSnapshot struct {
	ProfileRef   string         `json:"profileRef"`
	UserID       string         `json:"userId"`
	Snapshot     map[string]any `json:"snapshot"`
	TTLExpiresAt int64          `json:"ttlExpiresAt"`
}

// Expired reports whether the snapshot's TTL has passed at the given time.
func (c *ContextSnapshot) Expired(now time.Time) bool {
	return c.TTLExpiresAt <= now.UnixMilli()
}

// NowMs returns the current wall clock in milliseconds since epoch,
// the timestamp unit used on the wire.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
