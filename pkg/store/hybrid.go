package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/uniassist/gateway/pkg/models"
)

// hotBufferSize bounds the per-session in-memory event tail.
const hotBufferSize = 256

// hotBufferSessions bounds how many session tails are kept at once; the
// least recently touched tail is evicted first.
const hotBufferSessions = 4096

// hotBufferTTL evicts tails for sessions that have gone quiet. The buffer
// only bridges the window where durable reads lag a fresh append, so an
// evicted tail just means reads come straight from the durable store.
const hotBufferTTL = time.Hour

// Hybrid layers a bounded in-memory event tail over a durable store.
// Writes go to the durable store first; the buffer is only updated after a
// successful append, so reads never surface an event that was not persisted.
// Reads merge both sides and dedup by event_id, which keeps recently
// appended events visible even while the durable read lags behind.
type Hybrid struct {
	durable Store

	// mu serialises read-modify-write of a session's tail; the LRU itself
	// is safe for concurrent use and handles size and TTL eviction.
	mu      sync.Mutex
	buffers *expirable.LRU[string, []*models.TimelineEvent]
}

// NewHybrid wraps a durable store with a hot event buffer.
func NewHybrid(durable Store) *Hybrid {
	return &Hybrid{
		durable: durable,
		buffers: expirable.NewLRU[string, []*models.TimelineEvent](hotBufferSessions, nil, hotBufferTTL),
	}
}

// Durable reports whether the underlying store survives restarts.
func (h *Hybrid) Durable() bool { return h.durable.Durable() }

func (h *Hybrid) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return h.durable.GetSession(ctx, sessionID)
}

func (h *Hybrid) PutSession(ctx context.Context, s *models.Session) error {
	return h.durable.PutSession(ctx, s)
}

// AppendEvent persists the event, then mirrors it into the session's hot
// buffer, evicting the oldest tail entries past the buffer bound.
func (h *Hybrid) AppendEvent(ctx context.Context, ev *models.TimelineEvent, row *models.OutboxRow) error {
	if err := h.durable.AppendEvent(ctx, ev, row); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	buf, _ := h.buffers.Get(ev.SessionID)
	for _, existing := range buf {
		if existing.EventID == ev.EventID {
			return nil
		}
	}
	buf = append(buf, ev)
	if len(buf) > hotBufferSize {
		buf = buf[len(buf)-hotBufferSize:]
	}
	h.buffers.Add(ev.SessionID, buf)
	return nil
}

// ListEvents merges the durable page with the hot buffer, dropping
// duplicates by event_id and returning ascending seq order.
func (h *Hybrid) ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*models.TimelineEvent, error) {
	durable, err := h.durable.ListEvents(ctx, sessionID, afterSeq, limit)
	if err != nil {
		return nil, err
	}

	buf, _ := h.buffers.Get(sessionID)
	hot := make([]*models.TimelineEvent, 0, len(buf))
	for _, ev := range buf {
		if ev.Seq > afterSeq {
			hot = append(hot, ev)
		}
	}

	seen := make(map[string]struct{}, len(durable)+len(hot))
	merged := make([]*models.TimelineEvent, 0, len(durable)+len(hot))
	for _, ev := range durable {
		seen[ev.EventID] = struct{}{}
		merged = append(merged, ev)
	}
	for _, ev := range hot {
		if _, ok := seen[ev.EventID]; ok {
			continue
		}
		merged = append(merged, ev)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })

	if max := pageLimit(limit); len(merged) > max {
		merged = merged[:max]
	}
	return merged, nil
}

// DropSessionBuffer discards the hot tail for a session. The routing
// engine calls this when a session rotates out; tails for sessions that
// simply go quiet age out via the LRU's TTL.
func (h *Hybrid) DropSessionBuffer(sessionID string) {
	h.buffers.Remove(sessionID)
}

func (h *Hybrid) CreateRun(ctx context.Context, run *models.ProviderRun) (*models.ProviderRun, error) {
	return h.durable.CreateRun(ctx, run)
}

func (h *Hybrid) GetRun(ctx context.Context, runID string) (*models.ProviderRun, error) {
	return h.durable.GetRun(ctx, runID)
}

func (h *Hybrid) UpdateRunStatus(ctx context.Context, runID, status string) error {
	return h.durable.UpdateRunStatus(ctx, runID, status)
}

func (h *Hybrid) InsertOutbox(ctx context.Context, row *models.OutboxRow) error {
	return h.durable.InsertOutbox(ctx, row)
}

func (h *Hybrid) GetOutboxByEventID(ctx context.Context, eventID string) (*models.OutboxRow, error) {
	return h.durable.GetOutboxByEventID(ctx, eventID)
}

func (h *Hybrid) ClaimOutbox(ctx context.Context, lockedBy string, limit int, now time.Time) ([]*models.OutboxRow, error) {
	return h.durable.ClaimOutbox(ctx, lockedBy, limit, now)
}

func (h *Hybrid) MarkOutboxDelivered(ctx context.Context, id int64, now time.Time) error {
	return h.durable.MarkOutboxDelivered(ctx, id, now)
}

func (h *Hybrid) MarkOutboxFailed(ctx context.Context, id int64, lastError string, nextRetryAt time.Time, dead bool) error {
	return h.durable.MarkOutboxFailed(ctx, id, lastError, nextRetryAt, dead)
}

func (h *Hybrid) MarkOutboxConsumed(ctx context.Context, eventID, consumedBy string, now time.Time) error {
	return h.durable.MarkOutboxConsumed(ctx, eventID, consumedBy, now)
}

func (h *Hybrid) ReleaseOutboxClaims(ctx context.Context, lockedBy string) (int, error) {
	return h.durable.ReleaseOutboxClaims(ctx, lockedBy)
}

func (h *Hybrid) ReclaimStaleOutbox(ctx context.Context, lockedBefore time.Time) (int, error) {
	return h.durable.ReclaimStaleOutbox(ctx, lockedBefore)
}

func (h *Hybrid) PurgeTerminalOutbox(ctx context.Context, before time.Time) (int, error) {
	return h.durable.PurgeTerminalOutbox(ctx, before)
}

func (h *Hybrid) OutboxStats(ctx context.Context) (map[models.OutboxStatus]int, error) {
	return h.durable.OutboxStats(ctx)
}

func (h *Hybrid) GetUserContext(ctx context.Context, profileRef string) (*models.ContextSnapshot, error) {
	return h.durable.GetUserContext(ctx, profileRef)
}

func (h *Hybrid) PutUserContext(ctx context.Context, snap *models.ContextSnapshot) error {
	return h.durable.PutUserContext(ctx, snap)
}
