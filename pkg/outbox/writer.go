// Package outbox implements the transactional outbox between the timeline
// event log and the stream broker: every appended event gets a durable
// dispatch row, and a worker pool drains those rows to the broker with
// retry, dead-lettering, and stale-claim recovery.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/uniassist/gateway/pkg/broker"
	"github.com/uniassist/gateway/pkg/metrics"
	"github.com/uniassist/gateway/pkg/models"
	"github.com/uniassist/gateway/pkg/store"
)

// Writer appends timeline events together with their outbox rows. When
// inline dispatch is enabled the envelope is pushed to the broker inside
// the same call and the row is marked delivered immediately; otherwise the
// worker pool picks it up.
type Writer struct {
	store          store.Store
	broker         broker.Broker
	streamPrefix   string
	globalKey      string
	inlineDispatch bool
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// NewWriter builds a writer over the store and broker.
func NewWriter(st store.Store, b broker.Broker, streamPrefix, globalKey string, inlineDispatch bool, m *metrics.Metrics, logger *slog.Logger) *Writer {
	return &Writer{
		store:          st,
		broker:         b,
		streamPrefix:   streamPrefix,
		globalKey:      globalKey,
		inlineDispatch: inlineDispatch,
		metrics:        m,
		logger:         logger.With("component", "outbox"),
	}
}

// StreamKey returns the per-session stream key for a session id.
func (w *Writer) StreamKey(sessionID string) string {
	return w.streamPrefix + sessionID
}

// Append persists the event and its outbox row atomically, then optionally
// dispatches inline. The append itself is idempotent on event id.
func (w *Writer) Append(ctx context.Context, ev *models.TimelineEvent) error {
	env := &models.StreamEnvelope{
		SchemaVersion: models.SchemaVersion,
		Type:          models.EnvelopeTypeTimelineEvent,
		Event:         ev,
		Stream: models.StreamRef{
			Key:       w.StreamKey(ev.SessionID),
			GlobalKey: w.globalKey,
		},
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox envelope: %w", err)
	}

	row := &models.OutboxRow{
		EventID:     ev.EventID,
		SessionID:   ev.SessionID,
		Channel:     models.ChannelTimeline,
		Payload:     payload,
		Status:      models.OutboxPending,
		MaxAttempts: models.DefaultMaxAttempts,
		NextRetryAt: time.Now(),
	}

	if err := w.store.AppendEvent(ctx, ev, row); err != nil {
		w.metrics.PersistenceErrors.Inc()
		return err
	}
	w.metrics.EventsAppended.Inc()

	if !w.inlineDispatch {
		return nil
	}

	// Inline dispatch failure is not an append failure: the row stays
	// pending and the worker retries it.
	if err := w.broker.Publish(ctx, env); err != nil {
		w.logger.Warn("inline dispatch failed, leaving row for worker",
			"event_id", ev.EventID, "error", err)
		return nil
	}
	stored, err := w.store.GetOutboxByEventID(ctx, ev.EventID)
	if err != nil {
		w.logger.Warn("inline dispatch could not load outbox row",
			"event_id", ev.EventID, "error", err)
		return nil
	}
	if err := w.store.MarkOutboxDelivered(ctx, stored.ID, time.Now()); err != nil {
		w.logger.Warn("inline dispatch could not mark row delivered",
			"event_id", ev.EventID, "error", err)
		return nil
	}
	w.metrics.OutboxDelivered.Inc()
	return nil
}
