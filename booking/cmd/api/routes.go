package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tablebook/shared/httpx"
	"tablebook/shared/restaurantx"

	"tablebook/booking/internal/cqrs"
	"tablebook/booking/internal/domain"
	"tablebook/booking/internal/handlers"
	"tablebook/booking/internal/models"
	"tablebook/booking/internal/repos"
)

type apiRoutes struct {
	bus         *cqrs.Bus
	restaurants *repos.RestaurantsRepo
	outbox      *repos.OutboxRepo
}

func (a *apiRoutes) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/bookings", a.createBooking)
	mux.HandleFunc("GET /api/v1/bookings", a.listBookings)
	mux.HandleFunc("GET /api/v1/bookings/{id}", a.getBooking)
	mux.HandleFunc("GET /api/v1/bookings/{id}/events", a.bookingHistory)
	mux.HandleFunc("POST /api/v1/bookings/{id}/confirm", a.confirmBooking)
	mux.HandleFunc("POST /api/v1/bookings/{id}/cancel", a.cancelBooking)
	mux.HandleFunc("POST /api/v1/bookings/{id}/complete", a.completeBooking)
	mux.HandleFunc("GET /api/v1/availability", a.slotAvailability)
	mux.HandleFunc("GET /api/v1/leads", a.listLeads)
	mux.HandleFunc("GET /api/v1/restaurants/current", a.currentRestaurant)
	mux.HandleFunc("POST /api/v1/restaurants", a.createRestaurant)
	mux.HandleFunc("GET /api/v1/events", a.streamEvents)
	mux.HandleFunc("GET /api/v1/outbox/pending", a.listPendingOutbox)
	mux.HandleFunc("GET /api/v1/outbox/dead", a.listDeadLetters)
	mux.HandleFunc("POST /api/v1/outbox/{id}/requeue", a.requeueDeadLetter)
}

type createBookingRequest struct {
	SlotAt        time.Time `json:"slot_at"`
	PartySize     int       `json:"party_size"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone string    `json:"customer_phone"`
	CustomerEmail string    `json:"customer_email"`
	Notes         string    `json:"notes"`
}

func (a *apiRoutes) createBooking(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := requestRestaurantID(w, r)
	if !ok {
		return
	}
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
		return
	}

	res := a.bus.DispatchCommand(r.Context(), handlers.CreateBookingCommand{
		RestaurantID:  restaurantID,
		SlotAt:        req.SlotAt,
		PartySize:     req.PartySize,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		CustomerEmail: req.CustomerEmail,
		Notes:         req.Notes,
	})
	if res.Error != nil {
		writeDomainError(w, r, res.Error)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res.Data)
}

func (a *apiRoutes) getBooking(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	res := a.bus.DispatchQuery(r.Context(), handlers.GetBookingQuery{BookingID: bookingID})
	if res.Error != nil {
		writeDomainError(w, r, res.Error)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res.Data)
}

func (a *apiRoutes) listBookings(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := requestRestaurantID(w, r)
	if !ok {
		return
	}
	q := handlers.ListBookingsQuery{
		RestaurantID: restaurantID,
		Status:       strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:        queryInt(r, "limit", 50),
		Offset:       queryInt(r, "offset", 0),
	}
	if v := strings.TrimSpace(r.URL.Query().Get("from")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid from timestamp", nil)
			return
		}
		q.From = t
	}
	if v := strings.TrimSpace(r.URL.Query().Get("to")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid to timestamp", nil)
			return
		}
		q.To = t
	}

	res := a.bus.DispatchQuery(r.Context(), q)
	if res.Error != nil {
		writeDomainError(w, r, res.Error)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"bookings":    res.Data,
		"total_count": res.TotalCount,
	})
}

type transitionRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	Reason          string `json:"reason"`
}

func (a *apiRoutes) confirmBooking(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, func(bookingID uuid.UUID, req transitionRequest) cqrs.Command {
		return handlers.ConfirmBookingCommand{BookingID: bookingID, ExpectedVersion: req.ExpectedVersion}
	})
}

func (a *apiRoutes) cancelBooking(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, func(bookingID uuid.UUID, req transitionRequest) cqrs.Command {
		return handlers.CancelBookingCommand{BookingID: bookingID, ExpectedVersion: req.ExpectedVersion, Reason: req.Reason}
	})
}

func (a *apiRoutes) completeBooking(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, func(bookingID uuid.UUID, req transitionRequest) cqrs.Command {
		return handlers.CompleteBookingCommand{BookingID: bookingID, ExpectedVersion: req.ExpectedVersion}
	})
}

func (a *apiRoutes) transition(w http.ResponseWriter, r *http.Request, build func(uuid.UUID, transitionRequest) cqrs.Command) {
	bookingID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if r.Body != nil {
		// Body is optional; an absent expected_version skips the CAS check.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	res := a.bus.DispatchCommand(r.Context(), build(bookingID, req))
	if res.Error != nil {
		writeDomainError(w, r, res.Error)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res.Data)
}

func (a *apiRoutes) slotAvailability(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := requestRestaurantID(w, r)
	if !ok {
		return
	}
	day := time.Now().UTC()
	if v := strings.TrimSpace(r.URL.Query().Get("day")); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid day, expected YYYY-MM-DD", nil)
			return
		}
		day = t
	}
	res := a.bus.DispatchQuery(r.Context(), handlers.SlotAvailabilityQuery{RestaurantID: restaurantID, Day: day})
	if res.Error != nil {
		writeDomainError(w, r, res.Error)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res.Data)
}

func (a *apiRoutes) listLeads(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := requestRestaurantID(w, r)
	if !ok {
		return
	}
	res := a.bus.DispatchQuery(r.Context(), handlers.ListLeadsQuery{
		RestaurantID: restaurantID,
		Limit:        queryInt(r, "limit", 50),
		Offset:       queryInt(r, "offset", 0),
	})
	if res.Error != nil {
		writeDomainError(w, r, res.Error)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"leads":       res.Data,
		"total_count": res.TotalCount,
	})
}

func (a *apiRoutes) currentRestaurant(w http.ResponseWriter, r *http.Request) {
	restaurantID, ok := requestRestaurantID(w, r)
	if !ok {
		return
	}
	record, err := a.restaurants.GetByID(r.Context(), restaurantID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, record)
}

type createRestaurantRequest struct {
	Slug            string `json:"slug"`
	Name            string `json:"name"`
	Capacity        int    `json:"capacity"`
	SlotDurationMin int    `json:"slot_duration_min"`
}

func (a *apiRoutes) createRestaurant(w http.ResponseWriter, r *http.Request) {
	var req createRestaurantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
		return
	}
	if strings.TrimSpace(req.Slug) == "" || strings.TrimSpace(req.Name) == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "slug and name are required", nil)
		return
	}
	record, err := a.restaurants.Create(r.Context(), models.Restaurant{
		Slug:            strings.TrimSpace(req.Slug),
		Name:            strings.TrimSpace(req.Name),
		Capacity:        req.Capacity,
		SlotDurationMin: req.SlotDurationMin,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, record)
}

func (a *apiRoutes) bookingHistory(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	res := a.bus.DispatchQuery(r.Context(), handlers.BookingHistoryQuery{
		BookingID:   bookingID,
		FromVersion: int64(queryInt(r, "from_version", 0)),
		ToVersion:   int64(queryInt(r, "to_version", 0)),
	})
	if res.Error != nil {
		writeDomainError(w, r, res.Error)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"events":      res.Data,
		"total_count": res.TotalCount,
	})
}

func (a *apiRoutes) streamEvents(w http.ResponseWriter, r *http.Request) {
	q := handlers.StreamEventsQuery{Limit: queryInt(r, "limit", 100)}
	if v := strings.TrimSpace(r.URL.Query().Get("type")); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.EventTypes = append(q.EventTypes, t)
			}
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("from")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid from timestamp", nil)
			return
		}
		q.From = t
	}
	res := a.bus.DispatchQuery(r.Context(), q)
	if res.Error != nil {
		writeDomainError(w, r, res.Error)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"events":      res.Data,
		"total_count": res.TotalCount,
	})
}

func (a *apiRoutes) listPendingOutbox(w http.ResponseWriter, r *http.Request) {
	entries, err := a.outbox.PendingEntries(r.Context(), strings.TrimSpace(r.URL.Query().Get("target")), queryInt(r, "limit", 50))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"entries":     entries,
		"total_count": len(entries),
	})
}

func (a *apiRoutes) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	res := a.bus.DispatchQuery(r.Context(), handlers.ListDeadLettersQuery{Limit: queryInt(r, "limit", 50)})
	if res.Error != nil {
		writeDomainError(w, r, res.Error)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"entries":     res.Data,
		"total_count": res.TotalCount,
	})
}

func (a *apiRoutes) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	entryID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := a.outbox.Requeue(r.Context(), entryID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entry_id": entryID, "status": repos.OutboxStatusPending})
}

func requestRestaurantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := restaurantx.RestaurantIDFromContext(r.Context())
	if raw == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing restaurant", nil)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid restaurant id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(r.PathValue(name)))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid "+name, nil)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// writeDomainError maps the error taxonomy onto HTTP statuses. Conflicts are
// 409 with the reason surfaced so clients can distinguish a taken slot from a
// stale version.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr domain.ValidationError
	if errors.As(err, &verr) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", verr.Error(), map[string]any{"field": verr.Field})
		return
	}
	var conflict domain.ConflictError
	if errors.As(err, &conflict) {
		httpx.WriteError(w, r, http.StatusConflict, "CONFLICT", conflict.Error(), map[string]any{"reason": conflict.Reason})
		return
	}
	if errors.Is(err, domain.ErrNotFound) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
		return
	}
	if domain.IsTransient(err) {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "temporary failure, retry the request", nil)
		return
	}
	httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
}
