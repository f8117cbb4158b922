package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/uniassist/gateway/pkg/models"
)

// Memory is the non-durable Store used when no database is configured and
// by tests. All invariants (sequencing, one outbox row per event,
// single-claim) hold; nothing survives a restart.
type Memory struct {
	mu           sync.Mutex
	sessions     map[string]*models.Session
	events       map[string][]*models.TimelineEvent // sessionID → ascending seq
	eventIDs     map[string]bool
	runs         map[string]*models.ProviderRun // runID → run
	runsByKey    map[string]*models.ProviderRun // idempotencyKey → run
	outbox       map[string]*models.OutboxRow   // eventID → row
	outboxNextID int64
	contexts     map[string]*models.ContextSnapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:  make(map[string]*models.Session),
		events:    make(map[string][]*models.TimelineEvent),
		eventIDs:  make(map[string]bool),
		runs:      make(map[string]*models.ProviderRun),
		runsByKey: make(map[string]*models.ProviderRun),
		outbox:    make(map[string]*models.OutboxRow),
		contexts:  make(map[string]*models.ContextSnapshot),
	}
}

// Durable reports false: memory mode is sequenced but not restart-safe.
func (m *Memory) Durable() bool { return false }

// GetSession returns a copy of the stored session.
func (m *Memory) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// PutSession stores a copy of the session snapshot.
func (m *Memory) PutSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s.Clone()
	return nil
}

// AppendEvent inserts the event and its outbox row under one lock,
// mirroring the transactional pairing of the durable store.
func (m *Memory) AppendEvent(_ context.Context, ev *models.TimelineEvent, row *models.OutboxRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.eventIDs[ev.EventID] {
		list := m.events[ev.SessionID]
		for _, existing := range list {
			if existing.Seq == ev.Seq {
				return ErrSeqConflict
			}
		}
		m.events[ev.SessionID] = append(list, ev)
		m.eventIDs[ev.EventID] = true
	}

	existing, ok := m.outbox[ev.EventID]
	if ok {
		if !existing.Status.Terminal() {
			existing.Status = models.OutboxPending
			existing.NextRetryAt = row.NextRetryAt
			existing.UpdatedAt = time.Now()
		}
		return nil
	}
	m.outboxNextID++
	stored := *row
	stored.ID = m.outboxNextID
	stored.EventID = ev.EventID
	m.outbox[ev.EventID] = &stored
	return nil
}

// ListEvents returns events with seq > afterSeq in ascending order.
func (m *Memory) ListEvents(_ context.Context, sessionID string, afterSeq int64, limit int) ([]*models.TimelineEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit = pageLimit(limit)
	list := m.events[sessionID]
	out := make([]*models.TimelineEvent, 0, limit)
	for _, ev := range sortedBySeq(list) {
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// CreateRun inserts the run or returns the existing run for the same
// idempotency key.
func (m *Memory) CreateRun(_ context.Context, run *models.ProviderRun) (*models.ProviderRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.runsByKey[run.IdempotencyKey]; ok {
		return existing, nil
	}
	stored := *run
	m.runs[run.RunID] = &stored
	m.runsByKey[run.IdempotencyKey] = &stored
	return &stored, nil
}

// GetRun returns a run by id.
func (m *Memory) GetRun(_ context.Context, runID string) (*models.ProviderRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *run
	return &copied, nil
}

// UpdateRunStatus advances a run's status.
func (m *Memory) UpdateRunStatus(_ context.Context, runID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	run.UpdatedAt = time.Now()
	return nil
}

// InsertOutbox inserts a bare outbox row.
func (m *Memory) InsertOutbox(_ context.Context, row *models.OutboxRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outboxNextID++
	stored := *row
	stored.ID = m.outboxNextID
	m.outbox[row.EventID] = &stored
	return nil
}

// GetOutboxByEventID returns a copy of the row for an event.
func (m *Memory) GetOutboxByEventID(_ context.Context, eventID string) (*models.OutboxRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.outbox[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *row
	return &copied, nil
}

// ClaimOutbox claims up to limit eligible rows ordered by next_retry_at.
func (m *Memory) ClaimOutbox(_ context.Context, lockedBy string, limit int, now time.Time) ([]*models.OutboxRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	eligible := make([]*models.OutboxRow, 0, limit)
	for _, row := range m.outbox {
		if (row.Status == models.OutboxPending || row.Status == models.OutboxFailed) &&
			row.Attempts < row.MaxAttempts &&
			!row.NextRetryAt.After(now) {
			eligible = append(eligible, row)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].NextRetryAt.Before(eligible[j].NextRetryAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]*models.OutboxRow, 0, len(eligible))
	for _, row := range eligible {
		row.Status = models.OutboxProcessing
		row.Attempts++
		row.LockedBy = lockedBy
		lockedAt := now
		row.LockedAt = &lockedAt
		row.UpdatedAt = now
		copied := *row
		claimed = append(claimed, &copied)
	}
	return claimed, nil
}

// MarkOutboxDelivered advances a claimed row to delivered.
func (m *Memory) MarkOutboxDelivered(_ context.Context, id int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.outboxByID(id)
	if row == nil {
		return ErrNotFound
	}
	// The consumer may have already advanced the row; never regress it.
	if row.Status == models.OutboxConsumed {
		return nil
	}
	row.Status = models.OutboxDelivered
	deliveredAt := now
	row.DeliveredAt = &deliveredAt
	row.LockedBy = ""
	row.LockedAt = nil
	row.UpdatedAt = now
	return nil
}

// MarkOutboxFailed records a dispatch failure, dead-lettering when the
// attempt budget is exhausted.
func (m *Memory) MarkOutboxFailed(_ context.Context, id int64, lastError string, nextRetryAt time.Time, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.outboxByID(id)
	if row == nil {
		return ErrNotFound
	}
	if dead {
		row.Status = models.OutboxDeadLetter
	} else {
		row.Status = models.OutboxFailed
		row.NextRetryAt = nextRetryAt
	}
	row.LastError = lastError
	row.LockedBy = ""
	row.LockedAt = nil
	row.UpdatedAt = time.Now()
	return nil
}

// MarkOutboxConsumed advances a delivered row to consumed.
func (m *Memory) MarkOutboxConsumed(_ context.Context, eventID, consumedBy string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.outbox[eventID]
	if !ok {
		return ErrNotFound
	}
	if row.Status == models.OutboxConsumed {
		return nil
	}
	row.Status = models.OutboxConsumed
	consumedAt := now
	row.ConsumedAt = &consumedAt
	row.ConsumedBy = consumedBy
	row.UpdatedAt = now
	return nil
}

// ReleaseOutboxClaims returns this worker's processing rows to pending.
func (m *Memory) ReleaseOutboxClaims(_ context.Context, lockedBy string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for _, row := range m.outbox {
		if row.Status == models.OutboxProcessing && row.LockedBy == lockedBy {
			row.Status = models.OutboxPending
			// The released attempt produced no outcome; give it back.
			if row.Attempts > 0 {
				row.Attempts--
			}
			row.LockedBy = ""
			row.LockedAt = nil
			row.UpdatedAt = time.Now()
			released++
		}
	}
	return released, nil
}

// ReclaimStaleOutbox returns rows locked before the cutoff to pending. A
// stale row that already spent its last attempt goes to dead_letter
// instead, so attempts never exceed max_attempts on a later claim.
func (m *Memory) ReclaimStaleOutbox(_ context.Context, lockedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reclaimed := 0
	for _, row := range m.outbox {
		if row.Status == models.OutboxProcessing && row.LockedAt != nil && row.LockedAt.Before(lockedBefore) {
			if row.Attempts >= row.MaxAttempts {
				row.Status = models.OutboxDeadLetter
			} else {
				row.Status = models.OutboxPending
			}
			row.LockedBy = ""
			row.LockedAt = nil
			row.UpdatedAt = time.Now()
			reclaimed++
		}
	}
	return reclaimed, nil
}

// PurgeTerminalOutbox deletes terminal rows created before the cutoff.
func (m *Memory) PurgeTerminalOutbox(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for eventID, row := range m.outbox {
		if row.Status.Terminal() && row.CreatedAt.Before(before) {
			delete(m.outbox, eventID)
			purged++
		}
	}
	return purged, nil
}

// OutboxStats returns row counts per status.
func (m *Memory) OutboxStats(_ context.Context) (map[models.OutboxStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[models.OutboxStatus]int)
	for _, row := range m.outbox {
		stats[row.Status]++
	}
	return stats, nil
}

// GetUserContext returns a cached snapshot.
func (m *Memory) GetUserContext(_ context.Context, profileRef string) (*models.ContextSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.contexts[profileRef]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *snap
	return &copied, nil
}

// PutUserContext upserts a snapshot.
func (m *Memory) PutUserContext(_ context.Context, snap *models.ContextSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *snap
	m.contexts[snap.ProfileRef] = &copied
	return nil
}

func (m *Memory) outboxByID(id int64) *models.OutboxRow {
	for _, row := range m.outbox {
		if row.ID == id {
			return row
		}
	}
	return nil
}

func sortedBySeq(list []*models.TimelineEvent) []*models.TimelineEvent {
	sorted := make([]*models.TimelineEvent, len(list))
	copy(sorted, list)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	return sorted
}
