// Package handlers implements the command and query handlers dispatched by
// the bus. Commands own the write path; queries serve reads, cached where a
// stale answer is acceptable.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tablebook/shared/cachex"
	"tablebook/shared/logx"
	"tablebook/shared/metricsx"

	"tablebook/booking/internal/cqrs"
	"tablebook/booking/internal/domain"
	"tablebook/booking/internal/models"
	"tablebook/booking/internal/repos"
)

const (
	CmdCreateBooking   = "create_booking"
	CmdConfirmBooking  = "confirm_booking"
	CmdCancelBooking   = "cancel_booking"
	CmdCompleteBooking = "complete_booking"
)

type CreateBookingCommand struct {
	RestaurantID  uuid.UUID
	SlotAt        time.Time
	PartySize     int
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	Notes         string
}

func (CreateBookingCommand) CommandName() string { return CmdCreateBooking }

type ConfirmBookingCommand struct {
	BookingID       uuid.UUID
	ExpectedVersion int64
}

func (ConfirmBookingCommand) CommandName() string { return CmdConfirmBooking }

type CancelBookingCommand struct {
	BookingID       uuid.UUID
	ExpectedVersion int64
	Reason          string
}

func (CancelBookingCommand) CommandName() string { return CmdCancelBooking }

type CompleteBookingCommand struct {
	BookingID       uuid.UUID
	ExpectedVersion int64
}

func (CompleteBookingCommand) CommandName() string { return CmdCompleteBooking }

type CommandHandlers struct {
	bookings    *repos.BookingsRepo
	restaurants *repos.RestaurantsRepo
	leads       *repos.LeadsRepo
	cache       *cachex.Client
	logger      logx.Logger
	limits      domain.Limits
}

func NewCommandHandlers(bookings *repos.BookingsRepo, restaurants *repos.RestaurantsRepo, leads *repos.LeadsRepo, cache *cachex.Client, logger logx.Logger, limits domain.Limits) *CommandHandlers {
	return &CommandHandlers{
		bookings:    bookings,
		restaurants: restaurants,
		leads:       leads,
		cache:       cache,
		logger:      logger,
		limits:      limits,
	}
}

func (h *CommandHandlers) Register(bus *cqrs.Bus) {
	bus.RegisterCommand(CmdCreateBooking, h.handleCreate)
	bus.RegisterCommand(CmdConfirmBooking, h.handleConfirm)
	bus.RegisterCommand(CmdCancelBooking, h.handleCancel)
	bus.RegisterCommand(CmdCompleteBooking, h.handleComplete)
}

func (h *CommandHandlers) handleCreate(ctx context.Context, cmd cqrs.Command) cqrs.CommandResult {
	c, ok := cmd.(CreateBookingCommand)
	if !ok {
		return cqrs.CommandResult{Error: fmt.Errorf("handlers: unexpected payload %T", cmd)}
	}

	restaurant, err := h.restaurants.GetByID(ctx, c.RestaurantID)
	if err != nil {
		return cqrs.CommandResult{Error: err}
	}
	if restaurant.SlotDurationMin > 0 {
		grid := time.Duration(restaurant.SlotDurationMin) * time.Minute
		if !c.SlotAt.UTC().Truncate(grid).Equal(c.SlotAt.UTC()) {
			return cqrs.CommandResult{Error: domain.ValidationError{
				Field:  "slot_at",
				Detail: fmt.Sprintf("must align to the %d-minute slot grid", restaurant.SlotDurationMin),
			}}
		}
	}
	if restaurant.Capacity > 0 && c.PartySize > restaurant.Capacity {
		return cqrs.CommandResult{Error: domain.ValidationError{
			Field:  "party_size",
			Detail: fmt.Sprintf("exceeds restaurant capacity of %d", restaurant.Capacity),
		}}
	}

	agg, err := domain.NewBooking(c.RestaurantID, c.SlotAt, c.PartySize,
		c.CustomerName, c.CustomerPhone, c.CustomerEmail, c.Notes, h.limits, time.Now().UTC())
	if err != nil {
		return cqrs.CommandResult{Error: err}
	}

	row, committed, err := h.bookings.Reserve(ctx, agg)
	if err != nil {
		var conflict domain.ConflictError
		if errors.As(err, &conflict) {
			metricsx.IncSlotConflict(conflict.Reason)
			metricsx.IncReservation("conflict")
			h.captureLead(ctx, c, conflict.Reason)
		} else {
			metricsx.IncReservation("error")
		}
		return cqrs.CommandResult{Error: err}
	}

	metricsx.IncReservation("created")
	h.invalidateAvailability(ctx, row.RestaurantID, row.SlotAt)
	return cqrs.CommandResult{Success: true, Data: row, Events: committed}
}

func (h *CommandHandlers) handleConfirm(ctx context.Context, cmd cqrs.Command) cqrs.CommandResult {
	c, ok := cmd.(ConfirmBookingCommand)
	if !ok {
		return cqrs.CommandResult{Error: fmt.Errorf("handlers: unexpected payload %T", cmd)}
	}
	now := time.Now().UTC()
	row, committed, err := h.bookings.Transition(ctx, c.BookingID, c.ExpectedVersion, func(b *domain.Booking) error {
		return b.Confirm(now)
	})
	if err != nil {
		return cqrs.CommandResult{Error: err}
	}
	return cqrs.CommandResult{Success: true, Data: row, Events: committed}
}

func (h *CommandHandlers) handleCancel(ctx context.Context, cmd cqrs.Command) cqrs.CommandResult {
	c, ok := cmd.(CancelBookingCommand)
	if !ok {
		return cqrs.CommandResult{Error: fmt.Errorf("handlers: unexpected payload %T", cmd)}
	}
	now := time.Now().UTC()
	row, committed, err := h.bookings.Transition(ctx, c.BookingID, c.ExpectedVersion, func(b *domain.Booking) error {
		return b.Cancel(c.Reason, now)
	})
	if err != nil {
		return cqrs.CommandResult{Error: err}
	}
	// The slot is free again.
	h.invalidateAvailability(ctx, row.RestaurantID, row.SlotAt)
	return cqrs.CommandResult{Success: true, Data: row, Events: committed}
}

func (h *CommandHandlers) handleComplete(ctx context.Context, cmd cqrs.Command) cqrs.CommandResult {
	c, ok := cmd.(CompleteBookingCommand)
	if !ok {
		return cqrs.CommandResult{Error: fmt.Errorf("handlers: unexpected payload %T", cmd)}
	}
	now := time.Now().UTC()
	row, committed, err := h.bookings.Transition(ctx, c.BookingID, c.ExpectedVersion, func(b *domain.Booking) error {
		return b.Complete(now)
	})
	if err != nil {
		return cqrs.CommandResult{Error: err}
	}
	return cqrs.CommandResult{Success: true, Data: row, Events: committed}
}

// captureLead persists the losing attempt's contact details so the host can
// follow up. A failure here must not mask the conflict response.
func (h *CommandHandlers) captureLead(ctx context.Context, c CreateBookingCommand, reason string) {
	if h.leads == nil {
		return
	}
	_, err := h.leads.Capture(ctx, models.Lead{
		RestaurantID:  c.RestaurantID,
		SlotAt:        c.SlotAt.UTC(),
		PartySize:     c.PartySize,
		CustomerName:  c.CustomerName,
		CustomerPhone: c.CustomerPhone,
		CustomerEmail: c.CustomerEmail,
		Reason:        reason,
	})
	if err != nil {
		h.logger.Warn(ctx, "lead_capture_failed", "failed to capture lead",
			slog.String("restaurant_id", c.RestaurantID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (h *CommandHandlers) invalidateAvailability(ctx context.Context, restaurantID uuid.UUID, slotAt time.Time) {
	if h.cache == nil {
		return
	}
	key := availabilityCacheKey(restaurantID, slotAt.UTC().Truncate(24*time.Hour))
	if err := h.cache.Delete(ctx, key); err != nil {
		h.logger.Warn(ctx, "cache_invalidate_failed", "failed to invalidate availability cache",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}
