package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tablebook/booking/internal/domain"
	"tablebook/booking/internal/models"
)

const restaurantColumns = `restaurant_id, slug, name, capacity, slot_duration_min, created_at`

type RestaurantsRepo struct {
	pool *pgxpool.Pool
}

func NewRestaurantsRepo(pool *pgxpool.Pool) *RestaurantsRepo {
	return &RestaurantsRepo{pool: pool}
}

func (r *RestaurantsRepo) Create(ctx context.Context, m models.Restaurant) (models.Restaurant, error) {
	if m.RestaurantID == uuid.Nil {
		m.RestaurantID = uuid.New()
	}
	if m.SlotDurationMin <= 0 {
		m.SlotDurationMin = 90
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO restaurants (restaurant_id, slug, name, capacity, slot_duration_min, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+restaurantColumns+`
	`, m.RestaurantID, m.Slug, m.Name, m.Capacity, m.SlotDurationMin, m.CreatedAt).
		Scan(&m.RestaurantID, &m.Slug, &m.Name, &m.Capacity, &m.SlotDurationMin, &m.CreatedAt)
	return m, domain.TranslatePgError(err, false)
}

func (r *RestaurantsRepo) GetByID(ctx context.Context, restaurantID uuid.UUID) (models.Restaurant, error) {
	var m models.Restaurant
	err := r.pool.QueryRow(ctx, `
		SELECT `+restaurantColumns+`
		FROM restaurants
		WHERE restaurant_id = $1
	`, restaurantID).
		Scan(&m.RestaurantID, &m.Slug, &m.Name, &m.Capacity, &m.SlotDurationMin, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Restaurant{}, domain.ErrNotFound
	}
	return m, err
}

func (r *RestaurantsRepo) GetBySlug(ctx context.Context, slug string) (models.Restaurant, error) {
	var m models.Restaurant
	err := r.pool.QueryRow(ctx, `
		SELECT `+restaurantColumns+`
		FROM restaurants
		WHERE slug = $1
	`, slug).
		Scan(&m.RestaurantID, &m.Slug, &m.Name, &m.Capacity, &m.SlotDurationMin, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Restaurant{}, domain.ErrNotFound
	}
	return m, err
}

func (r *RestaurantsRepo) List(ctx context.Context, limit, offset int) ([]models.Restaurant, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+restaurantColumns+`
		FROM restaurants
		ORDER BY name ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Restaurant, 0, limit)
	for rows.Next() {
		var m models.Restaurant
		if err := rows.Scan(&m.RestaurantID, &m.Slug, &m.Name, &m.Capacity, &m.SlotDurationMin, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
