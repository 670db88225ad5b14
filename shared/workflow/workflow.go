package workflow

import "strings"

const (
	BookingStatusPending   = "pending"
	BookingStatusConfirmed = "confirmed"
	BookingStatusCancelled = "cancelled"
	BookingStatusCompleted = "completed"
)

const (
	BookingEventCreated   = "booking_created"
	BookingEventConfirmed = "booking_confirmed"
	BookingEventCancelled = "booking_cancelled"
	BookingEventCompleted = "booking_completed"
)

var bookingTransitions = map[string]map[string]string{
	BookingStatusPending: {
		BookingStatusConfirmed: BookingEventConfirmed,
		BookingStatusCancelled: BookingEventCancelled,
	},
	BookingStatusConfirmed: {
		BookingStatusCompleted: BookingEventCompleted,
		BookingStatusCancelled: BookingEventCancelled,
	},
}

func NormalizeBookingStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeBookingStatus(fromStatus)
	toStatus = NormalizeBookingStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := bookingTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeBookingStatus(fromStatus)
	toStatus = NormalizeBookingStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := bookingTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

// IsActive reports whether a status holds the slot. Cancelled bookings fall
// out of the uniqueness scope so the slot can be rebooked immediately.
func IsActive(status string) bool {
	switch NormalizeBookingStatus(status) {
	case BookingStatusPending, BookingStatusConfirmed, BookingStatusCompleted:
		return true
	default:
		return false
	}
}

func AllBookingStatuses() []string {
	return []string{
		BookingStatusPending,
		BookingStatusConfirmed,
		BookingStatusCancelled,
		BookingStatusCompleted,
	}
}
