package repos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tablebook/booking/internal/models"
	"tablebook/booking/internal/retry"
	"tablebook/booking/internal/targets"
	"tablebook/shared/events"
)

const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessing = "processing"
	OutboxStatusSent       = "sent"
	OutboxStatusFailed     = "failed"
)

const outboxColumns = `entry_id, event_id, target, topic, payload, attempts, max_attempts,
		next_attempt_at, status, locked_at, locked_by, last_error, created_at, updated_at, sent_at`

type OutboxRepo struct {
	pool        *pgxpool.Pool
	maxAttempts int
	policy      retry.Policy
}

func NewOutboxRepo(pool *pgxpool.Pool, maxAttempts int, policy retry.Policy) *OutboxRepo {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &OutboxRepo{pool: pool, maxAttempts: maxAttempts, policy: policy}
}

// FanOutInTx inserts one pending entry per event per subscribed target,
// inside the same transaction that appended the events. Each entry stores the
// target-shaped payload, so the worker never re-reads domain state.
func (r *OutboxRepo) FanOutInTx(ctx context.Context, tx pgx.Tx, domainEvents []models.DomainEvent, router targets.Router) ([]models.OutboxEntry, error) {
	now := time.Now().UTC()
	var out []models.OutboxEntry
	for _, e := range domainEvents {
		envelope := buildEnvelope(e)
		raw, err := json.Marshal(envelope)
		if err != nil {
			return nil, err
		}
		for _, route := range router.Routes(e.EventType) {
			payload, err := targets.Project(route.Target, envelope, raw)
			if err != nil {
				return nil, err
			}
			entry := models.OutboxEntry{
				EntryID:       uuid.New(),
				EventID:       e.EventID,
				Target:        route.Target,
				Topic:         route.Topic,
				Payload:       payload,
				MaxAttempts:   r.maxAttempts,
				NextAttemptAt: now,
				Status:        OutboxStatusPending,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO outbox_entries (
					entry_id, event_id, target, topic, payload, attempts, max_attempts,
					next_attempt_at, status, created_at, updated_at
				) VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $9)
			`, entry.EntryID, entry.EventID, entry.Target, entry.Topic, entry.Payload,
				entry.MaxAttempts, entry.NextAttemptAt, entry.Status, now)
			if err != nil {
				return nil, err
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

// PendingEntries is the read-only poll contract: due pending entries oldest
// first, optionally filtered to one target. It takes no locks; a worker that
// intends to deliver must go through ClaimPending instead.
func (r *OutboxRepo) PendingEntries(ctx context.Context, target string, limit int) ([]models.OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_entries
		WHERE status = $1 AND next_attempt_at <= now()
			AND ($2 = '' OR target = $2)
		ORDER BY created_at ASC
		LIMIT $3
	`, OutboxStatusPending, target, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutboxEntries(rows, limit)
}

// ClaimPending atomically moves due pending entries to processing and stamps
// the claimer. SKIP LOCKED lets concurrent workers drain disjoint batches.
func (r *OutboxRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		WITH candidates AS (
			SELECT entry_id
			FROM outbox_entries
			WHERE status = $1 AND next_attempt_at <= now()
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE outbox_entries o
		SET status = $3, locked_at = now(), locked_by = $4, updated_at = now()
		FROM candidates c
		WHERE o.entry_id = c.entry_id
		RETURNING o.entry_id, o.event_id, o.target, o.topic, o.payload, o.attempts, o.max_attempts,
			o.next_attempt_at, o.status, o.locked_at, o.locked_by, o.last_error, o.created_at, o.updated_at, o.sent_at
	`, OutboxStatusPending, limit, OutboxStatusProcessing, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutboxEntries(rows, limit)
}

func (r *OutboxRepo) GetByID(ctx context.Context, entryID uuid.UUID) (models.OutboxEntry, error) {
	var entry models.OutboxEntry
	err := r.pool.QueryRow(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_entries
		WHERE entry_id = $1
	`, entryID).Scan(outboxFields(&entry)...)
	return entry, err
}

// MarkSent finalizes a delivered entry. sent is terminal.
func (r *OutboxRepo) MarkSent(ctx context.Context, entryID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET status = $2, sent_at = now(), locked_at = NULL, locked_by = '', updated_at = now()
		WHERE entry_id = $1
	`, entryID, OutboxStatusSent)
	return err
}

// MarkFailed records a delivery failure: back to pending with a backed-off
// next_attempt_at, or failed (dead-letter) once attempts reach the cap.
// Returns whether the entry went dead.
func (r *OutboxRepo) MarkFailed(ctx context.Context, entryID uuid.UUID, attempts int, lastErr string) (bool, error) {
	dead := attempts >= r.maxAttempts
	status := OutboxStatusPending
	var nextAttempt *time.Time
	if dead {
		status = OutboxStatusFailed
	} else {
		t := r.policy.NextAttemptAt(time.Now(), attempts)
		nextAttempt = &t
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET status = $2, attempts = $3, next_attempt_at = COALESCE($4, next_attempt_at),
			last_error = $5, locked_at = NULL, locked_by = '', updated_at = now()
		WHERE entry_id = $1
	`, entryID, status, attempts, nextAttempt, lastErr)
	return dead, err
}

// ReleaseStale returns processing entries whose claim is older than the
// horizon to pending. Covers workers that died mid-batch.
func (r *OutboxRepo) ReleaseStale(ctx context.Context, horizon time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET status = $1, locked_at = NULL, locked_by = '', updated_at = now()
		WHERE status = $2 AND locked_at < now() - $3::interval
	`, OutboxStatusPending, OutboxStatusProcessing, horizon.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListDead pages the dead-letter queue for operator inspection.
func (r *OutboxRepo) ListDead(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_entries
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, OutboxStatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutboxEntries(rows, limit)
}

// Requeue resets a dead-lettered entry for another delivery cycle.
func (r *OutboxRepo) Requeue(ctx context.Context, entryID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET status = $2, attempts = 0, next_attempt_at = now(), last_error = '', updated_at = now()
		WHERE entry_id = $1 AND status = $3
	`, entryID, OutboxStatusPending, OutboxStatusFailed)
	return err
}

func buildEnvelope(e models.DomainEvent) events.Envelope {
	return events.Envelope{
		EventID:       e.EventID,
		OccurredAt:    e.OccurredAt,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Version:       e.Version,
		Payload:       e.Payload,
	}
}

func outboxFields(entry *models.OutboxEntry) []any {
	return []any{
		&entry.EntryID, &entry.EventID, &entry.Target, &entry.Topic, &entry.Payload,
		&entry.Attempts, &entry.MaxAttempts, &entry.NextAttemptAt, &entry.Status,
		&entry.LockedAt, &entry.LockedBy, &entry.LastError, &entry.CreatedAt,
		&entry.UpdatedAt, &entry.SentAt,
	}
}

func scanOutboxEntries(rows pgx.Rows, capacity int) ([]models.OutboxEntry, error) {
	entries := make([]models.OutboxEntry, 0, capacity)
	for rows.Next() {
		var entry models.OutboxEntry
		if err := rows.Scan(outboxFields(&entry)...); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
