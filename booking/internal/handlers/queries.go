package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tablebook/shared/cachex"
	"tablebook/shared/logx"

	"tablebook/booking/internal/cqrs"
	"tablebook/booking/internal/repos"
)

const (
	QryGetBooking       = "get_booking"
	QryListBookings     = "list_bookings"
	QrySlotAvailability = "slot_availability"
	QryListLeads        = "list_leads"
	QryListDeadLetters  = "list_dead_letters"
	QryStreamEvents     = "stream_events"
	QryBookingHistory   = "booking_history"
)

type GetBookingQuery struct {
	BookingID uuid.UUID
}

func (GetBookingQuery) QueryName() string { return QryGetBooking }

type ListBookingsQuery struct {
	RestaurantID uuid.UUID
	From         time.Time
	To           time.Time
	Status       string
	Limit        int
	Offset       int
}

func (ListBookingsQuery) QueryName() string { return QryListBookings }

type SlotAvailabilityQuery struct {
	RestaurantID uuid.UUID
	Day          time.Time
}

func (SlotAvailabilityQuery) QueryName() string { return QrySlotAvailability }

type ListLeadsQuery struct {
	RestaurantID uuid.UUID
	Limit        int
	Offset       int
}

func (ListLeadsQuery) QueryName() string { return QryListLeads }

type ListDeadLettersQuery struct {
	Limit int
}

func (ListDeadLettersQuery) QueryName() string { return QryListDeadLetters }

// StreamEventsQuery pages the global event log for audit inspection and
// projection rebuilds.
type StreamEventsQuery struct {
	EventTypes []string
	From       time.Time
	Limit      int
}

func (StreamEventsQuery) QueryName() string { return QryStreamEvents }

// BookingHistoryQuery returns one aggregate's event stream in version order.
// Zero version bounds mean unbounded.
type BookingHistoryQuery struct {
	BookingID   uuid.UUID
	FromVersion int64
	ToVersion   int64
}

func (BookingHistoryQuery) QueryName() string { return QryBookingHistory }

// SlotAvailability is the read model served to booking widgets.
type SlotAvailability struct {
	RestaurantID uuid.UUID  `json:"restaurant_id"`
	Day          time.Time  `json:"day"`
	SlotMinutes  int        `json:"slot_minutes"`
	Slots        []SlotInfo `json:"slots"`
}

type SlotInfo struct {
	SlotAt    time.Time `json:"slot_at"`
	Available bool      `json:"available"`
	PartySize int       `json:"party_size,omitempty"`
}

type QueryHandlers struct {
	bookings    *repos.BookingsRepo
	restaurants *repos.RestaurantsRepo
	leads       *repos.LeadsRepo
	outbox      *repos.OutboxRepo
	events      *repos.EventsRepo
	cache       *cachex.Client
	logger      logx.Logger
	cacheTTL    time.Duration
}

func NewQueryHandlers(bookings *repos.BookingsRepo, restaurants *repos.RestaurantsRepo, leads *repos.LeadsRepo, outbox *repos.OutboxRepo, events *repos.EventsRepo, cache *cachex.Client, logger logx.Logger, cacheTTL time.Duration) *QueryHandlers {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &QueryHandlers{
		bookings:    bookings,
		restaurants: restaurants,
		leads:       leads,
		outbox:      outbox,
		events:      events,
		cache:       cache,
		logger:      logger,
		cacheTTL:    cacheTTL,
	}
}

func (h *QueryHandlers) Register(bus *cqrs.Bus) {
	bus.RegisterQuery(QryGetBooking, h.handleGet)
	bus.RegisterQuery(QryListBookings, h.handleList)
	bus.RegisterQuery(QrySlotAvailability, h.handleAvailability)
	bus.RegisterQuery(QryListLeads, h.handleListLeads)
	bus.RegisterQuery(QryListDeadLetters, h.handleListDeadLetters)
	bus.RegisterQuery(QryStreamEvents, h.handleStreamEvents)
	bus.RegisterQuery(QryBookingHistory, h.handleBookingHistory)
}

func (h *QueryHandlers) handleGet(ctx context.Context, qry cqrs.Query) cqrs.QueryResult {
	q, ok := qry.(GetBookingQuery)
	if !ok {
		return cqrs.QueryResult{Error: fmt.Errorf("handlers: unexpected payload %T", qry)}
	}
	row, err := h.bookings.GetByID(ctx, q.BookingID)
	if err != nil {
		return cqrs.QueryResult{Error: err}
	}
	return cqrs.QueryResult{Success: true, Data: row, TotalCount: 1}
}

func (h *QueryHandlers) handleList(ctx context.Context, qry cqrs.Query) cqrs.QueryResult {
	q, ok := qry.(ListBookingsQuery)
	if !ok {
		return cqrs.QueryResult{Error: fmt.Errorf("handlers: unexpected payload %T", qry)}
	}
	from, to := q.From, q.To
	if from.IsZero() {
		from = time.Now().UTC().Truncate(24 * time.Hour)
	}
	if to.IsZero() {
		to = from.AddDate(0, 0, 1)
	}
	rows, total, err := h.bookings.ListByRestaurant(ctx, q.RestaurantID, from, to, q.Status, q.Limit, q.Offset)
	if err != nil {
		return cqrs.QueryResult{Error: err}
	}
	return cqrs.QueryResult{Success: true, Data: rows, TotalCount: total}
}

// handleAvailability builds the day's slot grid from the restaurant's slot
// duration and marks each slot against live bookings. Cached briefly; every
// write to the day invalidates the key.
func (h *QueryHandlers) handleAvailability(ctx context.Context, qry cqrs.Query) cqrs.QueryResult {
	q, ok := qry.(SlotAvailabilityQuery)
	if !ok {
		return cqrs.QueryResult{Error: fmt.Errorf("handlers: unexpected payload %T", qry)}
	}
	day := q.Day.UTC().Truncate(24 * time.Hour)
	key := availabilityCacheKey(q.RestaurantID, day)

	if h.cache != nil {
		var cached SlotAvailability
		if hit, err := h.cache.GetJSON(ctx, key, &cached); err == nil && hit {
			return cqrs.QueryResult{Success: true, Data: cached, TotalCount: int64(len(cached.Slots))}
		}
	}

	restaurant, err := h.restaurants.GetByID(ctx, q.RestaurantID)
	if err != nil {
		return cqrs.QueryResult{Error: err}
	}
	taken, err := h.bookings.ActiveSlots(ctx, q.RestaurantID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return cqrs.QueryResult{Error: err}
	}

	grid := time.Duration(restaurant.SlotDurationMin) * time.Minute
	if grid <= 0 {
		grid = 90 * time.Minute
	}
	availability := SlotAvailability{
		RestaurantID: q.RestaurantID,
		Day:          day,
		SlotMinutes:  int(grid.Minutes()),
	}
	for slot := day; slot.Before(day.AddDate(0, 0, 1)); slot = slot.Add(grid) {
		partySize, booked := taken[slot]
		availability.Slots = append(availability.Slots, SlotInfo{
			SlotAt:    slot,
			Available: !booked,
			PartySize: partySize,
		})
	}

	if h.cache != nil {
		if err := h.cache.SetJSON(ctx, key, availability, h.cacheTTL); err != nil {
			h.logger.Debug(ctx, "cache_set_failed", "failed to cache availability",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
	return cqrs.QueryResult{Success: true, Data: availability, TotalCount: int64(len(availability.Slots))}
}

func (h *QueryHandlers) handleListLeads(ctx context.Context, qry cqrs.Query) cqrs.QueryResult {
	q, ok := qry.(ListLeadsQuery)
	if !ok {
		return cqrs.QueryResult{Error: fmt.Errorf("handlers: unexpected payload %T", qry)}
	}
	leads, err := h.leads.ListByRestaurant(ctx, q.RestaurantID, q.Limit, q.Offset)
	if err != nil {
		return cqrs.QueryResult{Error: err}
	}
	return cqrs.QueryResult{Success: true, Data: leads, TotalCount: int64(len(leads))}
}

func (h *QueryHandlers) handleListDeadLetters(ctx context.Context, qry cqrs.Query) cqrs.QueryResult {
	q, ok := qry.(ListDeadLettersQuery)
	if !ok {
		return cqrs.QueryResult{Error: fmt.Errorf("handlers: unexpected payload %T", qry)}
	}
	entries, err := h.outbox.ListDead(ctx, q.Limit)
	if err != nil {
		return cqrs.QueryResult{Error: err}
	}
	return cqrs.QueryResult{Success: true, Data: entries, TotalCount: int64(len(entries))}
}

func (h *QueryHandlers) handleStreamEvents(ctx context.Context, qry cqrs.Query) cqrs.QueryResult {
	q, ok := qry.(StreamEventsQuery)
	if !ok {
		return cqrs.QueryResult{Error: fmt.Errorf("handlers: unexpected payload %T", qry)}
	}
	list, err := h.events.StreamEvents(ctx, q.EventTypes, q.From, q.Limit)
	if err != nil {
		return cqrs.QueryResult{Error: err}
	}
	return cqrs.QueryResult{Success: true, Data: list, TotalCount: int64(len(list))}
}

func (h *QueryHandlers) handleBookingHistory(ctx context.Context, qry cqrs.Query) cqrs.QueryResult {
	q, ok := qry.(BookingHistoryQuery)
	if !ok {
		return cqrs.QueryResult{Error: fmt.Errorf("handlers: unexpected payload %T", qry)}
	}
	list, err := h.events.GetEvents(ctx, q.BookingID, q.FromVersion, q.ToVersion)
	if err != nil {
		return cqrs.QueryResult{Error: err}
	}
	return cqrs.QueryResult{Success: true, Data: list, TotalCount: int64(len(list))}
}

func availabilityCacheKey(restaurantID uuid.UUID, day time.Time) string {
	return "availability:" + restaurantID.String() + ":" + day.Format("2006-01-02")
}
