package handlers

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCommandAndQueryNames(t *testing.T) {
	if got := (CreateBookingCommand{}).CommandName(); got != CmdCreateBooking {
		t.Fatalf("CommandName = %s", got)
	}
	if got := (CancelBookingCommand{}).CommandName(); got != CmdCancelBooking {
		t.Fatalf("CommandName = %s", got)
	}
	if got := (SlotAvailabilityQuery{}).QueryName(); got != QrySlotAvailability {
		t.Fatalf("QueryName = %s", got)
	}
	if got := (StreamEventsQuery{}).QueryName(); got != QryStreamEvents {
		t.Fatalf("QueryName = %s", got)
	}
	if got := (BookingHistoryQuery{}).QueryName(); got != QryBookingHistory {
		t.Fatalf("QueryName = %s", got)
	}
}

func TestAvailabilityCacheKey(t *testing.T) {
	id := uuid.MustParse("0b6a9df0-3a62-4f52-9a2e-2f3f5f1d8f11")
	day := time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC)
	want := "availability:0b6a9df0-3a62-4f52-9a2e-2f3f5f1d8f11:2026-09-14"
	if got := availabilityCacheKey(id, day); got != want {
		t.Fatalf("key = %s, want %s", got, want)
	}
	// Midday input must map onto the same daily key after truncation by the
	// caller; the key itself only renders the date.
	if got := availabilityCacheKey(id, day.Add(13*time.Hour).Truncate(24*time.Hour)); got != want {
		t.Fatalf("truncated key = %s, want %s", got, want)
	}
}
