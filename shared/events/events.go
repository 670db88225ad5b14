package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire shape published for every delivered outbox entry.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Version       int64           `json:"version"`
	Payload       json.RawMessage `json:"payload"`
}

// Delivery targets and the topics their gateways consume.
const (
	TargetPayments  = "payments"
	TargetEmail     = "email"
	TargetMessaging = "messaging"
	TargetAnalytics = "analytics"

	TopicPaymentRequests  = "payments.requests"
	TopicEmailNotices     = "notifications.email"
	TopicMessagingNotices = "notifications.messaging"
	TopicBookingEvents    = "booking.events"
)

const (
	EventBookingCreated   = "booking_created"
	EventBookingConfirmed = "booking_confirmed"
	EventBookingCancelled = "booking_cancelled"
	EventBookingCompleted = "booking_completed"
)
