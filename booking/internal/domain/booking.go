package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tablebook/shared/events"
	"tablebook/shared/workflow"

	"tablebook/booking/internal/models"
)

// Limits are the request-validation knobs the API loads from config.
type Limits struct {
	BookingWindowDays int
	MaxPartySize      int
}

type ValidationError struct {
	Field  string
	Detail string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// Booking is the write-side aggregate. All mutations go through methods that
// record an event; state fields are only ever set by those methods or by
// Rehydrate.
type Booking struct {
	Root

	RestaurantID  uuid.UUID
	SlotAt        time.Time
	PartySize     int
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	Status        string
	Notes         string
}

type bookingCreatedPayload struct {
	RestaurantID  uuid.UUID `json:"restaurant_id"`
	SlotAt        time.Time `json:"slot_at"`
	PartySize     int       `json:"party_size"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone string    `json:"customer_phone,omitempty"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	Notes         string    `json:"notes,omitempty"`
}

type bookingTransitionPayload struct {
	RestaurantID uuid.UUID `json:"restaurant_id"`
	SlotAt       time.Time `json:"slot_at"`
	PartySize    int       `json:"party_size"`
	FromStatus   string    `json:"from_status"`
	ToStatus     string    `json:"to_status"`
	Reason       string    `json:"reason,omitempty"`
}

// NewBooking validates the request and builds a pending aggregate with a
// staged booking_created event. The slot itself is not checked here; that is
// the repository's transaction.
func NewBooking(restaurantID uuid.UUID, slotAt time.Time, partySize int, customerName, customerPhone, customerEmail, notes string, limits Limits, now time.Time) (*Booking, error) {
	customerName = strings.TrimSpace(customerName)
	if customerName == "" {
		return nil, ValidationError{Field: "customer_name", Detail: "required"}
	}
	if partySize < 1 {
		return nil, ValidationError{Field: "party_size", Detail: "must be at least 1"}
	}
	if limits.MaxPartySize > 0 && partySize > limits.MaxPartySize {
		return nil, ValidationError{Field: "party_size", Detail: fmt.Sprintf("must be at most %d", limits.MaxPartySize)}
	}
	slotAt = slotAt.UTC().Truncate(time.Minute)
	if !slotAt.After(now) {
		return nil, ValidationError{Field: "slot_at", Detail: "must be in the future"}
	}
	if limits.BookingWindowDays > 0 {
		horizon := now.AddDate(0, 0, limits.BookingWindowDays)
		if slotAt.After(horizon) {
			return nil, ValidationError{Field: "slot_at", Detail: fmt.Sprintf("beyond the %d-day booking window", limits.BookingWindowDays)}
		}
	}

	b := &Booking{
		Root: Root{
			ID:            uuid.New(),
			AggregateType: models.AggregateTypeBooking,
		},
		RestaurantID:  restaurantID,
		SlotAt:        slotAt,
		PartySize:     partySize,
		CustomerName:  customerName,
		CustomerPhone: strings.TrimSpace(customerPhone),
		CustomerEmail: strings.TrimSpace(customerEmail),
		Status:        workflow.BookingStatusPending,
		Notes:         strings.TrimSpace(notes),
	}
	err := b.Record(events.EventBookingCreated, bookingCreatedPayload{
		RestaurantID:  b.RestaurantID,
		SlotAt:        b.SlotAt,
		PartySize:     b.PartySize,
		CustomerName:  b.CustomerName,
		CustomerPhone: b.CustomerPhone,
		CustomerEmail: b.CustomerEmail,
		Notes:         b.Notes,
	}, now)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Rehydrate rebuilds the aggregate from its persisted row. Used by the
// repository before applying a transition.
func Rehydrate(m models.Booking) *Booking {
	return &Booking{
		Root: Root{
			ID:            m.BookingID,
			AggregateType: models.AggregateTypeBooking,
			Version:       m.Version,
		},
		RestaurantID:  m.RestaurantID,
		SlotAt:        m.SlotAt,
		PartySize:     m.PartySize,
		CustomerName:  m.CustomerName,
		CustomerPhone: m.CustomerPhone,
		CustomerEmail: m.CustomerEmail,
		Status:        m.Status,
		Notes:         m.Notes,
	}
}

func (b *Booking) Confirm(now time.Time) error {
	return b.transition(workflow.BookingStatusConfirmed, "", now)
}

func (b *Booking) Cancel(reason string, now time.Time) error {
	return b.transition(workflow.BookingStatusCancelled, reason, now)
}

func (b *Booking) Complete(now time.Time) error {
	return b.transition(workflow.BookingStatusCompleted, "", now)
}

func (b *Booking) transition(toStatus, reason string, now time.Time) error {
	fromStatus := workflow.NormalizeBookingStatus(b.Status)
	if fromStatus == toStatus {
		// Idempotent repeat: no new event, no version bump.
		return nil
	}
	if !workflow.CanTransition(fromStatus, toStatus) {
		return ConflictError{
			Reason: ConflictStaleVersion,
			Detail: fmt.Sprintf("cannot move booking from %s to %s", fromStatus, toStatus),
		}
	}
	eventType := workflow.EventTypeForTransition(fromStatus, toStatus)
	err := b.Record(eventType, bookingTransitionPayload{
		RestaurantID: b.RestaurantID,
		SlotAt:       b.SlotAt,
		PartySize:    b.PartySize,
		FromStatus:   fromStatus,
		ToStatus:     toStatus,
		Reason:       strings.TrimSpace(reason),
	}, now)
	if err != nil {
		return err
	}
	b.Status = toStatus
	return nil
}
