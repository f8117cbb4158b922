package models

import "time"

// Session is the conversational state for one user on one logical
// conversation. Seq is the last assigned event sequence number and is
// strictly non-decreasing across all mutations.
type Session struct {
	SessionID            string    `json:"sessionId"`
	UserID               string    `json:"userId"`
	Seq                  int64     `json:"seq"`
	LastActivityAt       int64     `json:"lastActivityAt"`
	LastUserText         string    `json:"lastUserText,omitempty"`
	TopicDriftStreak     int       `json:"topicDriftStreak"`
	StickyProviderID     string    `json:"stickyProviderId,omitempty"`
	StickyScoreBoost     float64   `json:"stickyScoreBoost"`
	SwitchLeadProviderID string    `json:"switchLeadProviderId,omitempty"`
	SwitchLeadStreak     int       `json:"switchLeadStreak"`
	LastSwitchTs         int64     `json:"lastSwitchTs,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// NextSeq advances and returns the session's event sequence. Callers must
// hold the session's single-writer lock (see routing.Engine).
func (s *Session) NextSeq() int64 {
	s.Seq++
	return s.Seq
}

// Clone returns a shallow copy, used to snapshot the session for async
// persistence without racing the single-writer mutations.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// RunMode distinguishes synchronous (locally synthesised) provider runs from
// asynchronous remote dispatches.
type RunMode string

// RoutingMode records whether the run was selected normally or as fallback.
type RoutingMode string

// Provider run modes.
const (
	RunModeSync  RunMode = "sync"
	RunModeAsync RunMode = "async"

	RoutingModeNormal   RoutingMode = "normal"
	RoutingModeFallback RoutingMode = "fallback"

	RunStatusInProgress = "in-progress"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
)

// ProviderRun is one execution of one provider for one ingest trace.
// IdempotencyKey is deterministic from traceId+providerId so retries map to
// the same run.
type ProviderRun struct {
	RunID          string      `json:"runId"`
	TraceID        string      `json:"traceId"`
	SessionID      string      `json:"sessionId"`
	UserID         string      `json:"userId"`
	ProviderID     string      `json:"providerId"`
	Mode           RunMode     `json:"mode"`
	RoutingMode    RoutingMode `json:"routingMode"`
	IdempotencyKey string      `json:"idempotencyKey"`
	Status         string      `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// InvokeIdempotencyKey builds the idempotency key for an invoke dispatch.
func InvokeIdempotencyKey(traceID, providerID string) string {
	return traceID + ":" + providerID
}

// InteractIdempotencyKey builds the idempotency key for an interact dispatch.
func InteractIdempotencyKey(traceID, runID string) string {
	return traceID + ":" + runID + ":interact"
}

// RouteCandidate is one scored provider in a routing decision.
type RouteCandidate struct {
	ProviderID            string  `json:"providerId"`
	Score                 float64 `json:"score"`
	Reason                string  `json:"reason"`
	RequiresClarification bool    `json:"requiresClarification"`
	SuggestedMode         RunMode `json:"suggestedMode"`
}

// FallbackNone marks a routing decision that needs no fallback provider.
const FallbackNone = "none"

// RoutingDecision is computed at ingest time and embedded as the payload of
// a routing_decision timeline event; it is never stored as its own entity.
type RoutingDecision struct {
	Candidates               []RouteCandidate `json:"candidates"`
	RequiresUserConfirmation bool             `json:"requiresUserConfirmation"`
	Fallback                 string           `json:"fallback"`
}
