package workflow

import "testing"

func TestCanTransition(t *testing.T) {
	if !CanTransition(BookingStatusPending, BookingStatusConfirmed) {
		t.Fatalf("expected pending -> confirmed to be allowed")
	}
	if !CanTransition(BookingStatusConfirmed, BookingStatusCancelled) {
		t.Fatalf("expected confirmed -> cancelled to be allowed")
	}
	if CanTransition(BookingStatusCompleted, BookingStatusPending) {
		t.Fatalf("expected completed -> pending to be blocked")
	}
	if CanTransition(BookingStatusCancelled, BookingStatusConfirmed) {
		t.Fatalf("expected cancelled -> confirmed to be blocked")
	}
}

func TestEventTypeForTransition(t *testing.T) {
	if ev := EventTypeForTransition(BookingStatusPending, BookingStatusConfirmed); ev != BookingEventConfirmed {
		t.Fatalf("expected %s, got %q", BookingEventConfirmed, ev)
	}
	if ev := EventTypeForTransition(BookingStatusPending, BookingStatusPending); ev != "" {
		t.Fatalf("expected empty event for self transition, got %q", ev)
	}
}

func TestIsActive(t *testing.T) {
	if IsActive(BookingStatusCancelled) {
		t.Fatalf("cancelled must not hold the slot")
	}
	if !IsActive(BookingStatusPending) || !IsActive(BookingStatusConfirmed) {
		t.Fatalf("pending and confirmed must hold the slot")
	}
}
