package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/uniassist/gateway/pkg/models"
	"github.com/uniassist/gateway/pkg/store"
)

// PushProviderEvents appends a bulk of out-of-band provider events,
// returning a per-index result so one bad item never blocks the rest.
func (p *Pipeline) PushProviderEvents(ctx context.Context, items []models.ProviderEventItem) []models.ProviderEventResult {
	results := make([]models.ProviderEventResult, len(items))
	for i := range items {
		item := &items[i]
		results[i] = models.ProviderEventResult{Index: i}

		eventID, err := p.pushOne(ctx, item)
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		results[i].Accepted = true
		results[i].EventID = eventID
	}
	return results
}

func (p *Pipeline) pushOne(ctx context.Context, item *models.ProviderEventItem) (string, error) {
	if err := validateProviderEvent(item); err != nil {
		return "", err
	}

	var eventID string
	err := p.engine.WithExistingSession(ctx, item.SessionID, time.Now(), func(s *models.Session) error {
		ev := &models.TimelineEvent{
			EventID:         "evt_" + uuid.NewString(),
			TraceID:         item.TraceID,
			SessionID:       s.SessionID,
			UserID:          item.UserID,
			ProviderID:      item.ProviderID,
			RunID:           item.RunID,
			Seq:             s.NextSeq(),
			TimestampMs:     models.NowMs(),
			Kind:            item.Kind,
			ExtensionKind:   item.ExtensionKind,
			RenderSchemaRef: item.RenderSchemaRef,
			Payload:         item.Payload,
		}
		if err := p.writer.Append(ctx, ev); err != nil {
			return err
		}
		eventID = ev.EventID
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("session %s not found", item.SessionID)
		}
		return "", err
	}
	return eventID, nil
}

func validateProviderEvent(item *models.ProviderEventItem) error {
	if item.SessionID == "" {
		return NewValidationError("sessionId", "sessionId is required")
	}
	if item.ProviderID == "" {
		return NewValidationError("providerId", "providerId is required")
	}
	if item.Kind != models.EventKindInteraction && item.Kind != models.EventKindDomainEvent {
		return NewValidationError("kind", fmt.Sprintf("unsupported kind %q", item.Kind))
	}
	if len(item.Payload) == 0 {
		return NewValidationError("payload", "payload is required")
	}
	return nil
}

// GetContext is the read-through user-context surface: serve the cached
// snapshot while its TTL holds, otherwise synthesise a default snapshot and
// write it through with a fresh TTL.
func (p *Pipeline) GetContext(ctx context.Context, profileRef string) (*models.ContextSnapshot, error) {
	snap, err := p.store.GetUserContext(ctx, profileRef)
	if err == nil && !snap.Expired(time.Now()) {
		return snap, nil
	}
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	snap = &models.ContextSnapshot{
		ProfileRef: profileRef,
		UserID:     profileRef,
		Snapshot: map[string]any{
			"preferences": map[string]any{},
			"profile":     map[string]any{"ref": profileRef},
		},
		TTLExpiresAt: time.Now().Add(contextTTL).UnixMilli(),
	}
	if err := p.store.PutUserContext(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Timeline serves the cursor-fetch surface: events with seq > cursor plus
// the cursor to resume from.
func (p *Pipeline) Timeline(ctx context.Context, sessionID string, cursor int64, limit int) (*models.TimelinePage, error) {
	events, err := p.store.ListEvents(ctx, sessionID, cursor, limit)
	if err != nil {
		return nil, err
	}

	next := cursor
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	return &models.TimelinePage{
		SessionID:  sessionID,
		Events:     events,
		NextCursor: next,
	}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func newSessionSuffix() string {
	return uuid.NewString()
}
