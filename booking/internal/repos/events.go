package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tablebook/booking/internal/chain"
	"tablebook/booking/internal/domain"
	"tablebook/booking/internal/models"
)

// chainLockKey serializes hash computation across all appenders. Concurrent
// transactions otherwise read the same chain head and both link to it.
const chainLockKey = 7_424_001

const eventColumns = `event_id, global_position, aggregate_id, aggregate_type, event_type, version,
		payload, occurred_at, causation_id, correlation_id, hash_previous, hash_current`

type EventsRepo struct {
	pool *pgxpool.Pool
}

func NewEventsRepo(pool *pgxpool.Pool) *EventsRepo {
	return &EventsRepo{pool: pool}
}

// AppendInTx links and inserts staged events inside the caller's transaction.
// It takes the chain advisory lock for the remainder of the transaction,
// reads the current head, and hashes each event against its predecessor.
// The unique index on (aggregate_id, version) turns a concurrent append to
// the same aggregate into a stale_version conflict.
func (r *EventsRepo) AppendInTx(ctx context.Context, tx pgx.Tx, events []models.DomainEvent) ([]models.DomainEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return nil, err
	}

	head := chain.GenesisHash
	err := tx.QueryRow(ctx, `
		SELECT hash_current FROM domain_events
		ORDER BY global_position DESC
		LIMIT 1
	`).Scan(&head)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	out := make([]models.DomainEvent, 0, len(events))
	for _, e := range events {
		if e.EventID == uuid.Nil {
			e.EventID = uuid.New()
		}
		e.HashPrevious = head
		e.HashCurrent = chain.ComputeHash(e, head)
		head = e.HashCurrent

		err := tx.QueryRow(ctx, `
			INSERT INTO domain_events (
				event_id, aggregate_id, aggregate_type, event_type, version,
				payload, occurred_at, causation_id, correlation_id, hash_previous, hash_current
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING global_position
		`, e.EventID, e.AggregateID, e.AggregateType, e.EventType, e.Version,
			e.Payload, e.OccurredAt, e.CausationID, e.CorrelationID, e.HashPrevious, e.HashCurrent).
			Scan(&e.GlobalPosition)
		if err != nil {
			var c domain.ConflictError
			if translated := domain.TranslatePgError(err, false); errors.As(translated, &c) {
				return nil, domain.ConflictError{Reason: domain.ConflictStaleVersion, Detail: fmt.Sprintf("version %d already written for aggregate %s", e.Version, e.AggregateID)}
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// GetEvents returns an aggregate's events at or above fromVersion, in
// version order. toVersion <= 0 means no upper bound.
func (r *EventsRepo) GetEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion int64, toVersion int64) ([]models.DomainEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM domain_events
		WHERE aggregate_id = $1 AND version >= $2
			AND ($3 <= 0 OR version <= $3)
		ORDER BY version ASC
	`, aggregateID, fromVersion, toVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetAllEvents pages the global log in write order, strictly after the given
// position.
func (r *EventsRepo) GetAllEvents(ctx context.Context, afterPosition int64, limit int) ([]models.DomainEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM domain_events
		WHERE global_position > $1
		ORDER BY global_position ASC
		LIMIT $2
	`, afterPosition, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// StreamEvents returns a global, time-ordered slice for rebuilding read-side
// projections: optionally filtered by event type, starting at fromTime
// (zero means the beginning of the log).
func (r *EventsRepo) StreamEvents(ctx context.Context, eventTypes []string, fromTime time.Time, limit int) ([]models.DomainEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM domain_events
		WHERE ($1::text[] IS NULL OR cardinality($1::text[]) = 0 OR event_type = ANY($1))
			AND ($2::timestamptz IS NULL OR occurred_at >= $2)
		ORDER BY global_position ASC
		LIMIT $3
	`, eventTypes, nullIfZeroTime(fromTime), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// VerifyChain walks the whole log in batches and recomputes every link.
// The running head carries across batches so the link between the last
// event of one batch and the first of the next is checked like any other.
// Returns the count of verified events, or an IntegrityFault carrying the
// first broken position.
func (r *EventsRepo) VerifyChain(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var verified int64
	var position int64
	head := chain.GenesisHash
	for {
		batch, err := r.GetAllEvents(ctx, position, batchSize)
		if err != nil {
			return verified, err
		}
		if len(batch) == 0 {
			return verified, nil
		}
		head, err = chain.Verify(batch, head)
		if err != nil {
			return verified, domain.IntegrityFault{Detail: "event chain verification failed", Cause: err}
		}
		verified += int64(len(batch))
		position = batch[len(batch)-1].GlobalPosition
	}
}

func scanEvents(rows pgx.Rows) ([]models.DomainEvent, error) {
	var out []models.DomainEvent
	for rows.Next() {
		var e models.DomainEvent
		if err := rows.Scan(
			&e.EventID, &e.GlobalPosition, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Version,
			&e.Payload, &e.OccurredAt, &e.CausationID, &e.CorrelationID, &e.HashPrevious, &e.HashCurrent,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
