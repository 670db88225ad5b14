package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"tablebook/shared/events"
	"tablebook/shared/workflow"

	"tablebook/booking/internal/models"
)

var testLimits = Limits{BookingWindowDays: 90, MaxPartySize: 20}

func newTestBooking(t *testing.T) *Booking {
	t.Helper()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	b, err := NewBooking(uuid.New(), now.Add(48*time.Hour), 4, "Dana Reyes", "+14155550142", "dana@example.com", "", testLimits, now)
	if err != nil {
		t.Fatalf("NewBooking: %v", err)
	}
	return b
}

func TestNewBookingStagesCreatedEvent(t *testing.T) {
	b := newTestBooking(t)
	if b.Status != workflow.BookingStatusPending {
		t.Fatalf("status = %s, want pending", b.Status)
	}
	evs := b.UncommittedEvents()
	if len(evs) != 1 {
		t.Fatalf("uncommitted = %d, want 1", len(evs))
	}
	e := evs[0]
	if e.EventType != events.EventBookingCreated {
		t.Fatalf("event type = %s", e.EventType)
	}
	if e.Version != 1 {
		t.Fatalf("version = %d, want 1", e.Version)
	}
	if e.AggregateID != b.ID {
		t.Fatalf("aggregate id mismatch")
	}
	var payload map[string]any
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload["party_size"].(float64) != 4 {
		t.Fatalf("payload party_size = %v", payload["party_size"])
	}
}

func TestNewBookingValidation(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	slot := now.Add(48 * time.Hour)

	cases := []struct {
		name      string
		slot      time.Time
		party     int
		customer  string
		wantField string
	}{
		{"empty name", slot, 4, "  ", "customer_name"},
		{"zero party", slot, 0, "Dana", "party_size"},
		{"oversize party", slot, 21, "Dana", "party_size"},
		{"past slot", now.Add(-time.Hour), 4, "Dana", "slot_at"},
		{"beyond window", now.AddDate(0, 0, 91), 4, "Dana", "slot_at"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewBooking(uuid.New(), tc.slot, tc.party, tc.customer, "", "", "", testLimits, now)
			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tc.wantField {
				t.Fatalf("field = %s, want %s", verr.Field, tc.wantField)
			}
		})
	}
}

func TestRecordAssignsSequentialVersions(t *testing.T) {
	b := newTestBooking(t)
	now := time.Date(2026, 8, 28, 13, 0, 0, 0, time.UTC)
	if err := b.Confirm(now); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	evs := b.UncommittedEvents()
	if len(evs) != 2 {
		t.Fatalf("uncommitted = %d, want 2", len(evs))
	}
	if evs[0].Version != 1 || evs[1].Version != 2 {
		t.Fatalf("versions = %d,%d", evs[0].Version, evs[1].Version)
	}
	b.MarkCommitted()
	if b.Version != 2 {
		t.Fatalf("committed version = %d, want 2", b.Version)
	}
	if len(b.UncommittedEvents()) != 0 {
		t.Fatalf("buffer not cleared")
	}
}

func TestTransitions(t *testing.T) {
	now := time.Date(2026, 8, 28, 13, 0, 0, 0, time.UTC)

	t.Run("confirm then complete", func(t *testing.T) {
		b := newTestBooking(t)
		if err := b.Confirm(now); err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		if err := b.Complete(now); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if b.Status != workflow.BookingStatusCompleted {
			t.Fatalf("status = %s", b.Status)
		}
	})

	t.Run("complete from pending rejected", func(t *testing.T) {
		b := newTestBooking(t)
		err := b.Complete(now)
		var c ConflictError
		if !errors.As(err, &c) {
			t.Fatalf("err = %v, want ConflictError", err)
		}
	})

	t.Run("cancel is terminal", func(t *testing.T) {
		b := newTestBooking(t)
		if err := b.Cancel("guest called", now); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		if err := b.Confirm(now); err == nil {
			t.Fatalf("expected conflict confirming a cancelled booking")
		}
	})

	t.Run("repeat transition is idempotent", func(t *testing.T) {
		b := newTestBooking(t)
		if err := b.Confirm(now); err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		staged := len(b.UncommittedEvents())
		if err := b.Confirm(now); err != nil {
			t.Fatalf("repeat Confirm: %v", err)
		}
		if len(b.UncommittedEvents()) != staged {
			t.Fatalf("repeat transition staged an event")
		}
	})
}

func TestRehydrate(t *testing.T) {
	m := models.Booking{
		BookingID:    uuid.New(),
		RestaurantID: uuid.New(),
		SlotAt:       time.Date(2026, 9, 1, 19, 0, 0, 0, time.UTC),
		PartySize:    2,
		CustomerName: "Ivo",
		Status:       workflow.BookingStatusConfirmed,
		Version:      2,
	}
	b := Rehydrate(m)
	if b.Version != 2 || b.Status != workflow.BookingStatusConfirmed {
		t.Fatalf("rehydrated version=%d status=%s", b.Version, b.Status)
	}
	now := time.Date(2026, 9, 1, 21, 0, 0, 0, time.UTC)
	if err := b.Complete(now); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	evs := b.UncommittedEvents()
	if len(evs) != 1 || evs[0].Version != 3 {
		t.Fatalf("expected one event at version 3, got %+v", evs)
	}
	if evs[0].EventType != events.EventBookingCompleted {
		t.Fatalf("event type = %s", evs[0].EventType)
	}
}
