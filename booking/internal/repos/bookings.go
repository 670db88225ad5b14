package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tablebook/booking/internal/domain"
	"tablebook/booking/internal/models"
	"tablebook/booking/internal/targets"
	"tablebook/shared/workflow"
)

const bookingColumns = `booking_id, restaurant_id, slot_at, party_size, customer_name, customer_phone,
		customer_email, status, version, notes, created_at, updated_at`

type BookingsRepo struct {
	pool        *pgxpool.Pool
	events      *EventsRepo
	outbox      *OutboxRepo
	router      targets.Router
	lockTimeout time.Duration
}

func NewBookingsRepo(pool *pgxpool.Pool, events *EventsRepo, outbox *OutboxRepo, router targets.Router, lockTimeout time.Duration) *BookingsRepo {
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &BookingsRepo{pool: pool, events: events, outbox: outbox, router: router, lockTimeout: lockTimeout}
}

// Reserve commits a new booking, its events and its outbox fan-out in one
// transaction. Slot exclusivity is held three ways: a slot-scoped advisory
// lock plus FOR UPDATE on live rows closes the check-then-act window, the
// version CAS on updates keeps writers honest, and the partial unique index
// on (restaurant_id, slot_at) is the backstop nothing can race past.
// A lost race surfaces as ConflictError(slot_taken).
func (r *BookingsRepo) Reserve(ctx context.Context, b *domain.Booking) (models.Booking, []models.DomainEvent, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Booking{}, nil, domain.TranslatePgError(err, false)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// SET LOCAL does not take bind parameters; the interval is formatted
	// from config, never from request input.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
		return models.Booking{}, nil, domain.TranslatePgError(err, true)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text), hashtext($2::text))`,
		b.RestaurantID.String(), b.SlotAt.UTC().Format(time.RFC3339)); err != nil {
		return models.Booking{}, nil, domain.TranslatePgError(err, true)
	}

	var holder uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT booking_id FROM bookings
		WHERE restaurant_id = $1 AND slot_at = $2 AND status <> $3
		FOR UPDATE
	`, b.RestaurantID, b.SlotAt, workflow.BookingStatusCancelled).Scan(&holder)
	if err == nil {
		return models.Booking{}, nil, domain.ConflictError{Reason: domain.ConflictSlotTaken, Detail: "slot already booked"}
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Booking{}, nil, domain.TranslatePgError(err, true)
	}

	now := time.Now().UTC()
	row := models.Booking{
		BookingID:     b.ID,
		RestaurantID:  b.RestaurantID,
		SlotAt:        b.SlotAt,
		PartySize:     b.PartySize,
		CustomerName:  b.CustomerName,
		CustomerPhone: b.CustomerPhone,
		CustomerEmail: b.CustomerEmail,
		Status:        b.Status,
		Version:       b.Version + int64(len(b.UncommittedEvents())),
		Notes:         b.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO bookings (
			booking_id, restaurant_id, slot_at, party_size, customer_name, customer_phone,
			customer_email, status, version, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, row.BookingID, row.RestaurantID, row.SlotAt, row.PartySize, row.CustomerName, row.CustomerPhone,
		row.CustomerEmail, row.Status, row.Version, row.Notes, now)
	if err != nil {
		return models.Booking{}, nil, domain.TranslatePgError(err, true)
	}

	appended, err := r.events.AppendInTx(ctx, tx, b.UncommittedEvents())
	if err != nil {
		return models.Booking{}, nil, err
	}
	if _, err := r.outbox.FanOutInTx(ctx, tx, appended, r.router); err != nil {
		return models.Booking{}, nil, domain.TranslatePgError(err, false)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Booking{}, nil, domain.TranslatePgError(err, true)
	}
	b.MarkCommitted()
	return row, appended, nil
}

// Transition loads the booking, applies the aggregate mutation, and commits
// the row update, events and fan-out atomically. The UPDATE carries the
// version the caller read; zero rows affected means a concurrent writer got
// there first and the caller sees ConflictError(stale_version).
func (r *BookingsRepo) Transition(ctx context.Context, bookingID uuid.UUID, expectedVersion int64, mutate func(*domain.Booking) error) (models.Booking, []models.DomainEvent, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Booking{}, nil, domain.TranslatePgError(err, false)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row, err := getBooking(ctx, tx, bookingID)
	if err != nil {
		return models.Booking{}, nil, err
	}
	if expectedVersion > 0 && row.Version != expectedVersion {
		return models.Booking{}, nil, domain.ConflictError{
			Reason: domain.ConflictStaleVersion,
			Detail: fmt.Sprintf("expected version %d, found %d", expectedVersion, row.Version),
		}
	}

	agg := domain.Rehydrate(row)
	if err := mutate(agg); err != nil {
		return models.Booking{}, nil, err
	}
	staged := agg.UncommittedEvents()
	if len(staged) == 0 {
		// Idempotent repeat; nothing to write.
		return row, nil, nil
	}

	now := time.Now().UTC()
	newVersion := agg.Version + int64(len(staged))
	tag, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = $3, version = $4, updated_at = $5
		WHERE booking_id = $1 AND version = $2
	`, bookingID, row.Version, agg.Status, newVersion, now)
	if err != nil {
		return models.Booking{}, nil, domain.TranslatePgError(err, false)
	}
	if tag.RowsAffected() == 0 {
		return models.Booking{}, nil, domain.ConflictError{Reason: domain.ConflictStaleVersion, Detail: "booking changed concurrently"}
	}

	appended, err := r.events.AppendInTx(ctx, tx, staged)
	if err != nil {
		return models.Booking{}, nil, err
	}
	if _, err := r.outbox.FanOutInTx(ctx, tx, appended, r.router); err != nil {
		return models.Booking{}, nil, domain.TranslatePgError(err, false)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Booking{}, nil, domain.TranslatePgError(err, false)
	}
	agg.MarkCommitted()

	row.Status = agg.Status
	row.Version = newVersion
	row.UpdatedAt = now
	return row, appended, nil
}

func (r *BookingsRepo) GetByID(ctx context.Context, bookingID uuid.UUID) (models.Booking, error) {
	return getBooking(ctx, r.pool, bookingID)
}

func (r *BookingsRepo) ListByRestaurant(ctx context.Context, restaurantID uuid.UUID, from, to time.Time, status string, limit, offset int) ([]models.Booking, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM bookings
		WHERE restaurant_id = $1
			AND slot_at >= $2 AND slot_at < $3
			AND ($4 = '' OR status = $4)
	`, restaurantID, from, to, status).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE restaurant_id = $1
			AND slot_at >= $2 AND slot_at < $3
			AND ($4 = '' OR status = $4)
		ORDER BY slot_at ASC, created_at ASC
		LIMIT $5 OFFSET $6
	`, restaurantID, from, to, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	bookings := make([]models.Booking, 0, limit)
	for rows.Next() {
		var m models.Booking
		if err := rows.Scan(bookingFields(&m)...); err != nil {
			return nil, 0, err
		}
		bookings = append(bookings, m)
	}
	return bookings, total, rows.Err()
}

// ActiveSlots returns the slots holding a non-cancelled booking in the window.
func (r *BookingsRepo) ActiveSlots(ctx context.Context, restaurantID uuid.UUID, from, to time.Time) (map[time.Time]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT slot_at, party_size FROM bookings
		WHERE restaurant_id = $1
			AND slot_at >= $2 AND slot_at < $3
			AND status <> $4
	`, restaurantID, from, to, workflow.BookingStatusCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	taken := map[time.Time]int{}
	for rows.Next() {
		var slotAt time.Time
		var partySize int
		if err := rows.Scan(&slotAt, &partySize); err != nil {
			return nil, err
		}
		taken[slotAt.UTC()] = partySize
	}
	return taken, rows.Err()
}

func getBooking(ctx context.Context, db DBTX, bookingID uuid.UUID) (models.Booking, error) {
	var m models.Booking
	err := db.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE booking_id = $1
	`, bookingID).Scan(bookingFields(&m)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Booking{}, domain.ErrNotFound
	}
	return m, err
}

func bookingFields(m *models.Booking) []any {
	return []any{
		&m.BookingID, &m.RestaurantID, &m.SlotAt, &m.PartySize, &m.CustomerName, &m.CustomerPhone,
		&m.CustomerEmail, &m.Status, &m.Version, &m.Notes, &m.CreatedAt, &m.UpdatedAt,
	}
}
