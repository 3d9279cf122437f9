package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"voice-survey-agent/internal/events"
)

func (s *PostgresStore) ClaimDueEvents(ctx context.Context, now time.Time, limit int) ([]events.OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE event_outbox SET status = 'sending', locked_at = $1, updated_at = $1
		WHERE id IN (
		  SELECT id FROM event_outbox
		  WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		  ORDER BY created_at ASC LIMIT $2
		  FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, dedup_key, payload::text, status, attempts, next_attempt_at,
		          locked_at, last_error, created_at, updated_at`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due events: %w", err)
	}
	defer rows.Close()

	var msgs []events.OutboxMessage
	for rows.Next() {
		var (
			m       events.OutboxMessage
			payload string
			next    sql.NullTime
			locked  sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.Type, &m.DedupKey, &payload, &m.Status, &m.Attempts, &next,
			&locked, &m.LastError, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		m.Payload = []byte(payload)
		m.NextAttemptAt = timePtr(next)
		m.LockedAt = timePtr(locked)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due events iteration: %w", err)
	}
	return msgs, nil
}

func (s *PostgresStore) MarkEventPublished(ctx context.Context, id string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE event_outbox SET status = 'published', locked_at = NULL, updated_at = $2 WHERE id = $1`,
		id, now); err != nil {
		return fmt.Errorf("mark event published: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailEvent(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET status = 'queued', attempts = attempts + 1, last_error = $2, next_attempt_at = $3,
		    locked_at = NULL, updated_at = $4
		WHERE id = $1`, id, errMsg, nextAttemptAt, s.clock()); err != nil {
		return fmt.Errorf("fail event: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleEvents(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE event_outbox SET status = 'queued', locked_at = NULL, updated_at = $1
		WHERE status = 'sending' AND locked_at < $2`, s.clock(), staleBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
