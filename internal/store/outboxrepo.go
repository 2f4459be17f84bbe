package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lmsbridge/internal/config"
	"lmsbridge/internal/outbox"
)

// OutboxRepo persists outbox events. Producers only insert; selection and
// status transitions belong to the single dispatcher, so no row locking is
// needed beyond per-statement atomicity and the batch transaction.
type OutboxRepo struct {
	db *DB
}

// NewOutboxRepo creates an OutboxRepo.
func NewOutboxRepo(db *DB) *OutboxRepo {
	return &OutboxRepo{db: db}
}

// Insert appends a new event with status pending.
func (r *OutboxRepo) Insert(ctx context.Context, ev outbox.Event) error {
	const query = `INSERT INTO outbox_events
		(event_id, event_type, category, actor_id, tenant_id, payload,
		 status, attempts, last_attempt_at, last_response, epoch, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, '', ?, ?)`

	_, err := r.db.Writer.ExecContext(ctx, query,
		ev.EventID, ev.EventType, ev.Category, ev.ActorID, ev.TenantID,
		ev.Payload, string(outbox.StatusPending), ev.Epoch, ev.CreatedAt.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox event %s: %w", ev.EventID, err)
	}
	return nil
}

// SelectDispatchable returns events eligible for dispatch at now: pending
// events, plus failed events whose exponential backoff window has elapsed
// and whose attempts are below the retry ceiling. Ordered oldest first.
func (r *OutboxRepo) SelectDispatchable(ctx context.Context, limit int, now time.Time) ([]outbox.Event, error) {
	if limit <= 0 {
		limit = config.DefaultDispatchLimit
	}

	// backoff(n) = 2^n * 60 seconds, computed in SQL as (60 << attempts).
	const query = `SELECT id, event_id, event_type, category, actor_id, tenant_id,
		payload, status, attempts, last_attempt_at, last_response, epoch, created_at
		FROM outbox_events
		WHERE status = 'pending'
		   OR (status = 'failed' AND attempts < ? AND ? > last_attempt_at + (60 << attempts))
		ORDER BY created_at ASC, id ASC
		LIMIT ?`

	rows, err := r.db.Reader.QueryContext(ctx, query,
		config.MaxRetryAttempts, now.UTC().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("select dispatchable events: %w", err)
	}
	defer rows.Close()

	var events []outbox.Event
	for rows.Next() {
		var (
			ev                     outbox.Event
			status                 string
			lastAttempt, createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.EventType, &ev.Category,
			&ev.ActorID, &ev.TenantID, &ev.Payload, &status, &ev.Attempts,
			&lastAttempt, &ev.LastResponse, &ev.Epoch, &createdAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		ev.Status = outbox.Status(status)
		if lastAttempt > 0 {
			ev.LastAttemptAt = time.Unix(lastAttempt, 0).UTC()
		}
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}
	return events, nil
}

// MarkSent transitions every event in the batch to sent inside one
// transaction. Sent is terminal.
func (r *OutboxRepo) MarkSent(ctx context.Context, events []outbox.Event, responseSnippet string, now time.Time) error {
	return r.markBatch(ctx, events, `UPDATE outbox_events
		SET status = 'sent', last_attempt_at = ?, last_response = ?
		WHERE event_id = ? AND status != 'sent'`, responseSnippet, now)
}

// MarkFailed transitions every event in the batch to failed, incrementing
// attempts and stamping the attempt time, inside one transaction.
func (r *OutboxRepo) MarkFailed(ctx context.Context, events []outbox.Event, responseSnippet string, now time.Time) error {
	return r.markBatch(ctx, events, `UPDATE outbox_events
		SET status = 'failed', attempts = attempts + 1, last_attempt_at = ?, last_response = ?
		WHERE event_id = ? AND status != 'sent'`, responseSnippet, now)
}

func (r *OutboxRepo) markBatch(ctx context.Context, events []outbox.Event, query, responseSnippet string, now time.Time) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark batch: %w", err)
	}
	defer tx.Rollback()

	snippet := truncateResponse(responseSnippet)
	ts := now.UTC().Unix()
	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, query, ts, snippet, ev.EventID); err != nil {
			return fmt.Errorf("mark event %s: %w", ev.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark batch: %w", err)
	}
	return nil
}

// PurgeNonTerminalBefore deletes pending and failed events created under an
// activation epoch older than epoch. Sent events are untouched. Returns the
// number of deleted rows.
func (r *OutboxRepo) PurgeNonTerminalBefore(ctx context.Context, epoch int64) (int64, error) {
	const query = `DELETE FROM outbox_events
		WHERE status IN ('pending', 'failed') AND epoch < ?`
	res, err := r.db.Writer.ExecContext(ctx, query, epoch)
	if err != nil {
		return 0, fmt.Errorf("purge stale outbox events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge stale outbox events: %w", err)
	}
	return n, nil
}

// Cleanup deletes sent events older than the retention window and failed
// events that exhausted their retries. Returns the number of deleted rows.
func (r *OutboxRepo) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.UTC().Add(-time.Duration(config.CleanupDays) * 24 * time.Hour).Unix()
	const query = `DELETE FROM outbox_events
		WHERE (status = 'sent' AND created_at < ?)
		   OR (status = 'failed' AND attempts >= ?)`
	res, err := r.db.Writer.ExecContext(ctx, query, cutoff, config.MaxRetryAttempts)
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox events: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of events per delivery status.
func (r *OutboxRepo) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	const query = `SELECT status, COUNT(*) FROM outbox_events GROUP BY status`
	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count outbox events: %w", err)
	}
	defer rows.Close()

	counts := make(map[outbox.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan outbox count: %w", err)
		}
		counts[outbox.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox counts: %w", err)
	}
	return counts, nil
}

// truncateResponse keeps only a diagnostic snippet of the remote response.
func truncateResponse(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
