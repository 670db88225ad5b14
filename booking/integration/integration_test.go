//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"tablebook/booking/internal/domain"
	"tablebook/booking/internal/models"
	"tablebook/booking/internal/repos"
	"tablebook/booking/internal/retry"
	"tablebook/booking/internal/targets"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("db connect failed: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("db ping failed: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func testBookingsRepo(pool *pgxpool.Pool) (*repos.BookingsRepo, *repos.RestaurantsRepo) {
	eventsRepo := repos.NewEventsRepo(pool)
	outboxRepo := repos.NewOutboxRepo(pool, 3, retry.DefaultPolicy())
	router := targets.Default()
	bookingsRepo := repos.NewBookingsRepo(pool, eventsRepo, outboxRepo, router, 3*time.Second)
	return bookingsRepo, repos.NewRestaurantsRepo(pool)
}

func newTestBooking(t *testing.T, restaurantID uuid.UUID, slotAt time.Time, name string) *domain.Booking {
	t.Helper()
	limits := domain.Limits{BookingWindowDays: 90, MaxPartySize: 20}
	b, err := domain.NewBooking(restaurantID, slotAt, 2, name, "", "", "", limits, time.Now().UTC())
	if err != nil {
		t.Fatalf("new booking: %v", err)
	}
	return b
}

// Many concurrent reservations for the same slot must produce exactly one
// booking; every loser must see a slot_taken conflict.
func TestConcurrentSlotExclusivity(t *testing.T) {
	pool := testPool(t)
	bookingsRepo, restaurantsRepo := testBookingsRepo(pool)
	ctx := context.Background()

	restaurant, err := restaurantsRepo.Create(ctx, newTestRestaurant())
	if err != nil {
		t.Fatalf("create restaurant: %v", err)
	}
	slot := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Hour)

	const contenders = 16
	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := newTestBooking(t, restaurant.RestaurantID, slot, fmt.Sprintf("Guest %d", i))
			_, _, errs[i] = bookingsRepo.Reserve(ctx, b)
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case domain.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
	if conflicts != contenders-1 {
		t.Fatalf("conflicts = %d, want %d", conflicts, contenders-1)
	}
}

// A cancelled booking frees its slot for a new reservation.
func TestSlotReuseAfterCancel(t *testing.T) {
	pool := testPool(t)
	bookingsRepo, restaurantsRepo := testBookingsRepo(pool)
	ctx := context.Background()

	restaurant, err := restaurantsRepo.Create(ctx, newTestRestaurant())
	if err != nil {
		t.Fatalf("create restaurant: %v", err)
	}
	slot := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Hour)

	first, _, err := bookingsRepo.Reserve(ctx, newTestBooking(t, restaurant.RestaurantID, slot, "First"))
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	if _, _, err := bookingsRepo.Reserve(ctx, newTestBooking(t, restaurant.RestaurantID, slot, "Second")); !domain.IsConflict(err) {
		t.Fatalf("second reserve on held slot: got %v, want conflict", err)
	}

	_, _, err = bookingsRepo.Transition(ctx, first.BookingID, first.Version, func(b *domain.Booking) error {
		return b.Cancel("change of plans", time.Now().UTC())
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, _, err := bookingsRepo.Reserve(ctx, newTestBooking(t, restaurant.RestaurantID, slot, "Third")); err != nil {
		t.Fatalf("reserve after cancel: %v", err)
	}
}

// A transition carrying a version another writer already advanced past must
// fail with stale_version and leave the row untouched.
func TestStaleVersionRejected(t *testing.T) {
	pool := testPool(t)
	bookingsRepo, restaurantsRepo := testBookingsRepo(pool)
	ctx := context.Background()

	restaurant, err := restaurantsRepo.Create(ctx, newTestRestaurant())
	if err != nil {
		t.Fatalf("create restaurant: %v", err)
	}
	slot := time.Now().UTC().Add(96 * time.Hour).Truncate(time.Hour)

	row, _, err := bookingsRepo.Reserve(ctx, newTestBooking(t, restaurant.RestaurantID, slot, "Holder"))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	confirmed, _, err := bookingsRepo.Transition(ctx, row.BookingID, row.Version, func(b *domain.Booking) error {
		return b.Confirm(time.Now().UTC())
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Version <= row.Version {
		t.Fatalf("version did not advance: %d -> %d", row.Version, confirmed.Version)
	}

	// Replay the stale version.
	_, _, err = bookingsRepo.Transition(ctx, row.BookingID, row.Version, func(b *domain.Booking) error {
		return b.Cancel("stale attempt", time.Now().UTC())
	})
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("stale transition: got %v, want conflict", err)
	}
	if conflict.Reason != domain.ConflictStaleVersion {
		t.Fatalf("conflict reason = %q, want %q", conflict.Reason, domain.ConflictStaleVersion)
	}

	got, err := bookingsRepo.GetByID(ctx, row.BookingID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != confirmed.Version || got.Status != confirmed.Status {
		t.Fatalf("row changed by stale transition: %+v", got)
	}
}

// Every committed event must land as at least one pending outbox entry in the
// same transaction.
func TestOutboxFanOutAtomicity(t *testing.T) {
	pool := testPool(t)
	bookingsRepo, restaurantsRepo := testBookingsRepo(pool)
	ctx := context.Background()

	restaurant, err := restaurantsRepo.Create(ctx, newTestRestaurant())
	if err != nil {
		t.Fatalf("create restaurant: %v", err)
	}
	slot := time.Now().UTC().Add(120 * time.Hour).Truncate(time.Hour)

	_, committed, err := bookingsRepo.Reserve(ctx, newTestBooking(t, restaurant.RestaurantID, slot, "Outbox"))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(committed) == 0 {
		t.Fatal("no committed events")
	}

	for _, e := range committed {
		var count int
		err := pool.QueryRow(ctx, `
			SELECT count(*) FROM outbox_entries WHERE event_id = $1
		`, e.EventID).Scan(&count)
		if err != nil {
			t.Fatalf("count outbox: %v", err)
		}
		if count == 0 {
			t.Fatalf("event %s has no outbox entries", e.EventID)
		}
	}
}

// An entry that keeps failing must dead-letter at max_attempts and stay
// there: failed is terminal and never re-claimed.
func TestOutboxRetryExhaustion(t *testing.T) {
	pool := testPool(t)
	bookingsRepo, restaurantsRepo := testBookingsRepo(pool)
	outboxRepo := repos.NewOutboxRepo(pool, 3, retry.Policy{Base: time.Millisecond, Cap: time.Millisecond})
	ctx := context.Background()

	restaurant, err := restaurantsRepo.Create(ctx, newTestRestaurant())
	if err != nil {
		t.Fatalf("create restaurant: %v", err)
	}
	slot := time.Now().UTC().Add(144 * time.Hour).Truncate(time.Hour)

	_, committed, err := bookingsRepo.Reserve(ctx, newTestBooking(t, restaurant.RestaurantID, slot, "Exhaust"))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(committed) == 0 {
		t.Fatal("no committed events")
	}

	var entryID uuid.UUID
	err = pool.QueryRow(ctx, `
		SELECT entry_id FROM outbox_entries WHERE event_id = $1 LIMIT 1
	`, committed[0].EventID).Scan(&entryID)
	if err != nil {
		t.Fatalf("pick entry: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		// Drain any backoff so the entry is claimable again.
		if _, err := pool.Exec(ctx, `
			UPDATE outbox_entries SET next_attempt_at = now() WHERE entry_id = $1
		`, entryID); err != nil {
			t.Fatalf("reset next_attempt_at: %v", err)
		}

		claimed, err := outboxRepo.ClaimPending(ctx, "it-worker", 100)
		if err != nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		var found bool
		for _, e := range claimed {
			if e.EntryID == entryID {
				found = true
			}
		}
		if !found {
			t.Fatalf("attempt %d: entry not claimed", attempt)
		}

		dead, err := outboxRepo.MarkFailed(ctx, entryID, attempt, "gateway unreachable")
		if err != nil {
			t.Fatalf("mark failed attempt %d: %v", attempt, err)
		}
		if wantDead := attempt == 3; dead != wantDead {
			t.Fatalf("attempt %d: dead = %v, want %v", attempt, dead, wantDead)
		}
	}

	entry, err := outboxRepo.GetByID(ctx, entryID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.Status != repos.OutboxStatusFailed {
		t.Fatalf("status = %s, want %s", entry.Status, repos.OutboxStatusFailed)
	}
	if entry.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", entry.Attempts)
	}
	if entry.LastError == "" {
		t.Fatal("last_error not recorded")
	}

	// Terminal: even with a due next_attempt_at, failed rows must not be
	// claimable.
	if _, err := pool.Exec(ctx, `
		UPDATE outbox_entries SET next_attempt_at = now() WHERE entry_id = $1
	`, entryID); err != nil {
		t.Fatalf("reset next_attempt_at: %v", err)
	}
	claimed, err := outboxRepo.ClaimPending(ctx, "it-worker", 100)
	if err != nil {
		t.Fatalf("claim after dead-letter: %v", err)
	}
	for _, e := range claimed {
		if e.EntryID == entryID {
			t.Fatal("dead-lettered entry was re-claimed")
		}
	}
}

func newTestRestaurant() models.Restaurant {
	return models.Restaurant{
		Slug:            "it-" + uuid.NewString()[:8],
		Name:            "Integration Test Bistro",
		Capacity:        40,
		SlotDurationMin: 60,
	}
}
