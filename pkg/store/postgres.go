package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uniassist/gateway/pkg/models"
)

// Postgres is the durable Store backed by a pooled *sql.DB (pgx stdlib
// driver). All writes that must be atomic run in explicit transactions.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an already-migrated database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Durable reports true.
func (p *Postgres) Durable() bool { return true }

// GetSession loads a session row.
func (p *Postgres) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, seq, last_activity_at,
		       COALESCE(last_user_text, ''), topic_drift_streak,
		       COALESCE(sticky_provider_id, ''), sticky_score_boost,
		       COALESCE(switch_lead_provider_id, ''), switch_lead_streak,
		       COALESCE(last_switch_ts, 0), created_at, updated_at
		FROM sessions WHERE session_id = $1`, sessionID)

	var s models.Session
	err := row.Scan(&s.SessionID, &s.UserID, &s.Seq, &s.LastActivityAt,
		&s.LastUserText, &s.TopicDriftStreak,
		&s.StickyProviderID, &s.StickyScoreBoost,
		&s.SwitchLeadProviderID, &s.SwitchLeadStreak,
		&s.LastSwitchTs, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &s, nil
}

// PutSession upserts the session snapshot.
func (p *Postgres) PutSession(ctx context.Context, s *models.Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, user_id, seq, last_activity_at, last_user_text,
			topic_drift_streak, sticky_provider_id, sticky_score_boost,
			switch_lead_provider_id, switch_lead_streak, last_switch_ts,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,NULLIF($7,''),$8,NULLIF($9,''),$10,NULLIF($11,0),now(),now())
		ON CONFLICT (session_id) DO UPDATE SET
			seq = EXCLUDED.seq,
			last_activity_at = EXCLUDED.last_activity_at,
			last_user_text = EXCLUDED.last_user_text,
			topic_drift_streak = EXCLUDED.topic_drift_streak,
			sticky_provider_id = EXCLUDED.sticky_provider_id,
			sticky_score_boost = EXCLUDED.sticky_score_boost,
			switch_lead_provider_id = EXCLUDED.switch_lead_provider_id,
			switch_lead_streak = EXCLUDED.switch_lead_streak,
			last_switch_ts = EXCLUDED.last_switch_ts,
			updated_at = now()`,
		s.SessionID, s.UserID, s.Seq, s.LastActivityAt, s.LastUserText,
		s.TopicDriftStreak, s.StickyProviderID, s.StickyScoreBoost,
		s.SwitchLeadProviderID, s.SwitchLeadStreak, s.LastSwitchTs)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// AppendEvent inserts the timeline event and its outbox row in a single
// transaction. Idempotent on event_id; a (session_id, seq) collision from a
// concurrent writer surfaces as ErrSeqConflict.
func (p *Postgres) AppendEvent(ctx context.Context, ev *models.TimelineEvent, row *models.OutboxRow) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO timeline_events (
			event_id, trace_id, session_id, user_id, provider_id, run_id,
			seq, timestamp_ms, kind, extension_kind, render_schema_ref, payload
		) VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,$8,$9,NULLIF($10,''),NULLIF($11,''),$12)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.TraceID, ev.SessionID, ev.UserID, ev.ProviderID, ev.RunID,
		ev.Seq, ev.TimestampMs, string(ev.Kind), ev.ExtensionKind, ev.RenderSchemaRef,
		[]byte(ev.Payload))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSeqConflict
		}
		return fmt.Errorf("failed to insert timeline event: %w", err)
	}

	// One row per event_id. Terminal rows are left alone; anything else is
	// reset to pending so a re-append gets re-dispatched.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_events (
			event_id, session_id, channel, payload, status, attempts,
			max_attempts, next_retry_at
		) VALUES ($1,$2,$3,$4,'pending',0,$5,$6)
		ON CONFLICT (event_id) DO UPDATE SET
			status = 'pending',
			next_retry_at = EXCLUDED.next_retry_at,
			updated_at = now()
		WHERE outbox_events.status NOT IN ('delivered','consumed','dead_letter')`,
		ev.EventID, ev.SessionID, row.Channel, row.Payload,
		row.MaxAttempts, row.NextRetryAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event append: %w", err)
	}
	return nil
}

// ListEvents returns events with seq > afterSeq in ascending order.
func (p *Postgres) ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*models.TimelineEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT event_id, trace_id, session_id, user_id,
		       COALESCE(provider_id, ''), COALESCE(run_id, ''),
		       seq, timestamp_ms, kind, COALESCE(extension_kind, ''),
		       COALESCE(render_schema_ref, ''), payload
		FROM timeline_events
		WHERE session_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`, sessionID, afterSeq, pageLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list timeline events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.TimelineEvent
	for rows.Next() {
		var ev models.TimelineEvent
		var kind string
		var payload []byte
		if err := rows.Scan(&ev.EventID, &ev.TraceID, &ev.SessionID, &ev.UserID,
			&ev.ProviderID, &ev.RunID, &ev.Seq, &ev.TimestampMs, &kind,
			&ev.ExtensionKind, &ev.RenderSchemaRef, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan timeline event: %w", err)
		}
		ev.Kind = models.EventKind(kind)
		ev.Payload = payload
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate timeline events: %w", err)
	}
	return events, nil
}

// CreateRun inserts a run; an idempotency-key collision returns the
// existing run.
func (p *Postgres) CreateRun(ctx context.Context, run *models.ProviderRun) (*models.ProviderRun, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO provider_runs (
			run_id, trace_id, session_id, user_id, provider_id,
			mode, routing_mode, idempotency_key, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		run.RunID, run.TraceID, run.SessionID, run.UserID, run.ProviderID,
		string(run.Mode), string(run.RoutingMode), run.IdempotencyKey, run.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to insert provider run: %w", err)
	}
	return p.runByIdempotencyKey(ctx, run.IdempotencyKey)
}

// GetRun returns a run by id.
func (p *Postgres) GetRun(ctx context.Context, runID string) (*models.ProviderRun, error) {
	return p.scanRun(p.db.QueryRowContext(ctx, runSelect+` WHERE run_id = $1`, runID))
}

// UpdateRunStatus advances a run's status.
func (p *Postgres) UpdateRunStatus(ctx context.Context, runID, status string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE provider_runs SET status = $2, updated_at = now() WHERE run_id = $1`,
		runID, status)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertOutbox inserts a bare outbox row.
func (p *Postgres) InsertOutbox(ctx context.Context, row *models.OutboxRow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO outbox_events (
			event_id, session_id, channel, payload, status, attempts,
			max_attempts, last_error, next_retry_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9)`,
		row.EventID, row.SessionID, row.Channel, row.Payload, string(row.Status),
		row.Attempts, row.MaxAttempts, row.LastError, row.NextRetryAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox row: %w", err)
	}
	return nil
}

// GetOutboxByEventID returns the row for an event.
func (p *Postgres) GetOutboxByEventID(ctx context.Context, eventID string) (*models.OutboxRow, error) {
	return p.scanOutbox(p.db.QueryRowContext(ctx, outboxSelect+` WHERE event_id = $1`, eventID))
}

// ClaimOutbox atomically claims eligible rows with SKIP LOCKED so no row is
// processed twice concurrently.
func (p *Postgres) ClaimOutbox(ctx context.Context, lockedBy string, limit int, now time.Time) ([]*models.OutboxRow, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE outbox_events SET
			status = 'processing',
			attempts = attempts + 1,
			locked_by = $1,
			locked_at = $2,
			updated_at = $2
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status IN ('pending','failed')
				AND next_retry_at <= $2
				AND attempts < max_attempts
			ORDER BY next_retry_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns, lockedBy, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var claimed []*models.OutboxRow
	for rows.Next() {
		row, err := scanOutboxColumns(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimed rows: %w", err)
	}
	return claimed, nil
}

// MarkOutboxDelivered advances a claimed row to delivered. A row the
// consumer already advanced to consumed is left alone.
func (p *Postgres) MarkOutboxDelivered(ctx context.Context, id int64, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET
			status = 'delivered', delivered_at = $2,
			locked_by = NULL, locked_at = NULL, updated_at = $2
		WHERE id = $1 AND status <> 'consumed'`, id, now)
	if err != nil {
		return fmt.Errorf("failed to mark outbox delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM outbox_events WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check outbox row: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// MarkOutboxFailed records a failure with its retry time, or dead-letters
// the row when the budget is exhausted.
func (p *Postgres) MarkOutboxFailed(ctx context.Context, id int64, lastError string, nextRetryAt time.Time, dead bool) error {
	status := models.OutboxFailed
	if dead {
		status = models.OutboxDeadLetter
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET
			status = $2, last_error = $3, next_retry_at = $4,
			locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE id = $1`, id, string(status), lastError, nextRetryAt)
	if err != nil {
		return fmt.Errorf("failed to mark outbox failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOutboxConsumed advances a delivered row to consumed.
func (p *Postgres) MarkOutboxConsumed(ctx context.Context, eventID, consumedBy string, now time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET
			status = 'consumed', consumed_at = $2, consumed_by = $3, updated_at = $2
		WHERE event_id = $1 AND status <> 'consumed'`, eventID, now, consumedBy)
	if err != nil {
		return fmt.Errorf("failed to mark outbox consumed: %w", err)
	}
	return nil
}

// ReleaseOutboxClaims returns this worker's in-flight rows to pending
// without burning the attempt.
func (p *Postgres) ReleaseOutboxClaims(ctx context.Context, lockedBy string) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET
			status = 'pending', attempts = GREATEST(attempts - 1, 0),
			locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE status = 'processing' AND locked_by = $1`, lockedBy)
	if err != nil {
		return 0, fmt.Errorf("failed to release outbox claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReclaimStaleOutbox returns rows locked before the cutoff to pending. A
// stale row that already spent its last attempt goes to dead_letter
// instead, so attempts never exceed max_attempts on a later claim.
func (p *Postgres) ReclaimStaleOutbox(ctx context.Context, lockedBefore time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET
			status = CASE WHEN attempts >= max_attempts THEN 'dead_letter' ELSE 'pending' END,
			locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE status = 'processing' AND locked_at < $1`, lockedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale outbox rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeTerminalOutbox deletes terminal rows created before the cutoff.
func (p *Postgres) PurgeTerminalOutbox(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM outbox_events
		WHERE status IN ('delivered','consumed','dead_letter') AND created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal outbox rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// OutboxStats returns row counts per status.
func (p *Postgres) OutboxStats(ctx context.Context) (map[models.OutboxStatus]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[models.OutboxStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan outbox stats: %w", err)
		}
		stats[models.OutboxStatus(status)] = count
	}
	return stats, rows.Err()
}

// GetUserContext returns a cached snapshot.
func (p *Postgres) GetUserContext(ctx context.Context, profileRef string) (*models.ContextSnapshot, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT profile_ref, user_id, snapshot, ttl_expires_at
		FROM user_context_cache WHERE profile_ref = $1`, profileRef)

	var snap models.ContextSnapshot
	var raw []byte
	err := row.Scan(&snap.ProfileRef, &snap.UserID, &raw, &snap.TTLExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user context: %w", err)
	}
	if err := unmarshalSnapshot(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// PutUserContext upserts a snapshot keyed by profileRef.
func (p *Postgres) PutUserContext(ctx context.Context, snap *models.ContextSnapshot) error {
	raw, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO user_context_cache (profile_ref, user_id, snapshot, ttl_expires_at, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (profile_ref) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			snapshot = EXCLUDED.snapshot,
			ttl_expires_at = EXCLUDED.ttl_expires_at,
			updated_at = now()`,
		snap.ProfileRef, snap.UserID, raw, snap.TTLExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert user context: %w", err)
	}
	return nil
}

const runSelect = `
	SELECT run_id, trace_id, session_id, user_id, provider_id,
	       mode, routing_mode, idempotency_key, status, created_at, updated_at
	FROM provider_runs`

func (p *Postgres) runByIdempotencyKey(ctx context.Context, key string) (*models.ProviderRun, error) {
	return p.scanRun(p.db.QueryRowContext(ctx, runSelect+` WHERE idempotency_key = $1`, key))
}

func (p *Postgres) scanRun(row *sql.Row) (*models.ProviderRun, error) {
	var run models.ProviderRun
	var mode, routingMode string
	err := row.Scan(&run.RunID, &run.TraceID, &run.SessionID, &run.UserID,
		&run.ProviderID, &mode, &routingMode, &run.IdempotencyKey, &run.Status,
		&run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan provider run: %w", err)
	}
	run.Mode = models.RunMode(mode)
	run.RoutingMode = models.RoutingMode(routingMode)
	return &run, nil
}

const outboxColumns = `id, event_id, session_id, channel, payload, status,
	attempts, max_attempts, COALESCE(last_error, ''), next_retry_at,
	COALESCE(locked_by, ''), locked_at, delivered_at, consumed_at,
	COALESCE(consumed_by, ''), created_at, updated_at`

const outboxSelect = `SELECT ` + outboxColumns + ` FROM outbox_events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxColumns(scanner rowScanner) (*models.OutboxRow, error) {
	var row models.OutboxRow
	var status string
	err := scanner.Scan(&row.ID, &row.EventID, &row.SessionID, &row.Channel,
		&row.Payload, &status, &row.Attempts, &row.MaxAttempts, &row.LastError,
		&row.NextRetryAt, &row.LockedBy, &row.LockedAt, &row.DeliveredAt,
		&row.ConsumedAt, &row.ConsumedBy, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox row: %w", err)
	}
	row.Status = models.OutboxStatus(status)
	return &row, nil
}

func (p *Postgres) scanOutbox(row *sql.Row) (*models.OutboxRow, error) {
	out, err := scanOutboxColumns(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return out, nil
}

func marshalSnapshot(snap *models.ContextSnapshot) ([]byte, error) {
	raw, err := json.Marshal(snap.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context snapshot: %w", err)
	}
	return raw, nil
}

func unmarshalSnapshot(raw []byte, snap *models.ContextSnapshot) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &snap.Snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal context snapshot: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
