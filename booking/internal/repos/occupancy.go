package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"tablebook/booking/internal/models"
)

// OccupancyRepo maintains the read-side slot_occupancy projection. Only the
// consumer writes here; the command path never touches it.
type OccupancyRepo struct {
	pool *pgxpool.Pool
}

func NewOccupancyRepo(pool *pgxpool.Pool) *OccupancyRepo {
	return &OccupancyRepo{pool: pool}
}

// Apply folds one lifecycle event into the projection. delta is +1 for a
// slot gained (created), -1 for a slot released (cancelled); partyDelta
// moves the covers count the same direction.
func (r *OccupancyRepo) Apply(ctx context.Context, restaurantID uuid.UUID, slotAt time.Time, delta int, partyDelta int) error {
	slotAt = slotAt.UTC()
	day := slotAt.Truncate(24 * time.Hour)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO slot_occupancy (restaurant_id, day, slot_at, active_count, party_total, updated_at)
		VALUES ($1, $2, $3, GREATEST($4, 0), GREATEST($5, 0), now())
		ON CONFLICT (restaurant_id, slot_at)
		DO UPDATE SET
			active_count = GREATEST(slot_occupancy.active_count + $4, 0),
			party_total = GREATEST(slot_occupancy.party_total + $5, 0),
			updated_at = now()
	`, restaurantID, day, slotAt, delta, partyDelta)
	return err
}

func (r *OccupancyRepo) ListDay(ctx context.Context, restaurantID uuid.UUID, day time.Time) ([]models.SlotOccupancy, error) {
	day = day.UTC().Truncate(24 * time.Hour)
	rows, err := r.pool.Query(ctx, `
		SELECT restaurant_id, day, slot_at, active_count, party_total, updated_at
		FROM slot_occupancy
		WHERE restaurant_id = $1 AND day = $2
		ORDER BY slot_at ASC
	`, restaurantID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SlotOccupancy
	for rows.Next() {
		var s models.SlotOccupancy
		if err := rows.Scan(&s.RestaurantID, &s.Day, &s.SlotAt, &s.ActiveCount, &s.PartyTotal, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Rebuild clears a restaurant's projection so the consumer can replay the
// log into it from scratch.
func (r *OccupancyRepo) Rebuild(ctx context.Context, restaurantID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM slot_occupancy WHERE restaurant_id = $1`, restaurantID)
	return err
}
