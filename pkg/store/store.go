// Package store provides durable and in-memory persistence for sessions,
// timeline events, provider runs, the transactional outbox, and the
// user-context cache.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/uniassist/gateway/pkg/models"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrSeqConflict is returned when an append collides on
	// (session_id, seq), meaning a second writer slipped past the session lock.
	ErrSeqConflict = errors.New("sequence conflict")
)

// DefaultPageSize caps timeline reads when the caller passes no limit.
const DefaultPageSize = 1000

// BufferDropper is implemented by stores that keep a per-session hot tail
// worth discarding when the session rotates out.
type BufferDropper interface {
	DropSessionBuffer(sessionID string)
}

// Store is the persistence contract shared by the Postgres and in-memory
// implementations. AppendEvent MUST write the timeline event and its outbox
// row atomically.
type Store interface {
	// Durable reports whether writes survive a restart.
	Durable() bool

	// GetSession returns a session or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)

	// PutSession upserts a session snapshot.
	PutSession(ctx context.Context, s *models.Session) error

	// AppendEvent atomically inserts the timeline event and its outbox row.
	// The insert is idempotent on event_id: re-appending an existing event
	// leaves terminal outbox rows alone and resets non-terminal ones to
	// pending.
	AppendEvent(ctx context.Context, ev *models.TimelineEvent, row *models.OutboxRow) error

	// ListEvents returns events with seq > afterSeq in ascending seq order,
	// capped at limit (DefaultPageSize when limit <= 0).
	ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*models.TimelineEvent, error)

	// CreateRun inserts a provider run. On an idempotency-key collision the
	// existing run is returned instead: retries map to the same run.
	CreateRun(ctx context.Context, run *models.ProviderRun) (*models.ProviderRun, error)

	// GetRun returns a run by id or ErrNotFound.
	GetRun(ctx context.Context, runID string) (*models.ProviderRun, error)

	// UpdateRunStatus advances a run's status.
	UpdateRunStatus(ctx context.Context, runID, status string) error

	// InsertOutbox inserts a bare outbox row (no paired event). Used by the
	// worker's test harness and by operators re-injecting rows.
	InsertOutbox(ctx context.Context, row *models.OutboxRow) error

	// GetOutboxByEventID returns the row for an event or ErrNotFound.
	GetOutboxByEventID(ctx context.Context, eventID string) (*models.OutboxRow, error)

	// ClaimOutbox atomically claims up to limit eligible rows
	// (pending/failed with next_retry_at <= now): sets status=processing,
	// locked_by, locked_at and increments attempts. No row is ever claimed
	// by two workers concurrently.
	ClaimOutbox(ctx context.Context, lockedBy string, limit int, now time.Time) ([]*models.OutboxRow, error)

	// MarkOutboxDelivered advances a claimed row to delivered.
	MarkOutboxDelivered(ctx context.Context, id int64, now time.Time) error

	// MarkOutboxFailed records a dispatch failure: failed with a retry time,
	// or dead_letter when the attempt budget is exhausted.
	MarkOutboxFailed(ctx context.Context, id int64, lastError string, nextRetryAt time.Time, dead bool) error

	// MarkOutboxConsumed advances a delivered row to consumed after the
	// downstream consumer group acknowledged the broker entry.
	MarkOutboxConsumed(ctx context.Context, eventID, consumedBy string, now time.Time) error

	// ReleaseOutboxClaims returns this worker's processing rows to pending
	// without counting an attempt outcome (graceful shutdown).
	ReleaseOutboxClaims(ctx context.Context, lockedBy string) (int, error)

	// ReclaimStaleOutbox returns processing rows locked before the given
	// time to pending (crashed workers).
	ReclaimStaleOutbox(ctx context.Context, lockedBefore time.Time) (int, error)

	// PurgeTerminalOutbox deletes delivered/consumed/dead_letter rows
	// created before the cutoff. Returns the number deleted.
	PurgeTerminalOutbox(ctx context.Context, before time.Time) (int, error)

	// OutboxStats returns row counts per status.
	OutboxStats(ctx context.Context) (map[models.OutboxStatus]int, error)

	// GetUserContext returns a cached snapshot or ErrNotFound.
	GetUserContext(ctx context.Context, profileRef string) (*models.ContextSnapshot, error)

	// PutUserContext upserts a snapshot keyed by profileRef.
	PutUserContext(ctx context.Context, snap *models.ContextSnapshot) error
}

func pageLimit(limit int) int {
	if limit <= 0 || limit > DefaultPageSize {
		return DefaultPageSize
	}
	return limit
}
