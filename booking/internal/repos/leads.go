package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"tablebook/booking/internal/models"
)

type LeadsRepo struct {
	pool *pgxpool.Pool
}

func NewLeadsRepo(pool *pgxpool.Pool) *LeadsRepo {
	return &LeadsRepo{pool: pool}
}

// Capture records a lost reservation attempt. Runs outside the failed
// reserve transaction; loss of a lead is acceptable, loss of a booking is
// not, so errors here are logged by the caller rather than propagated to the
// guest.
func (r *LeadsRepo) Capture(ctx context.Context, lead models.Lead) (models.Lead, error) {
	if lead.LeadID == uuid.Nil {
		lead.LeadID = uuid.New()
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO leads (
			lead_id, restaurant_id, slot_at, party_size, customer_name,
			customer_phone, customer_email, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, lead.LeadID, lead.RestaurantID, lead.SlotAt, lead.PartySize, lead.CustomerName,
		lead.CustomerPhone, lead.CustomerEmail, lead.Reason, lead.CreatedAt)
	return lead, err
}

func (r *LeadsRepo) ListByRestaurant(ctx context.Context, restaurantID uuid.UUID, limit, offset int) ([]models.Lead, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT lead_id, restaurant_id, slot_at, party_size, customer_name,
			customer_phone, customer_email, reason, created_at
		FROM leads
		WHERE restaurant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, restaurantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leads := make([]models.Lead, 0, limit)
	for rows.Next() {
		var lead models.Lead
		if err := rows.Scan(
			&lead.LeadID, &lead.RestaurantID, &lead.SlotAt, &lead.PartySize, &lead.CustomerName,
			&lead.CustomerPhone, &lead.CustomerEmail, &lead.Reason, &lead.CreatedAt,
		); err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}
