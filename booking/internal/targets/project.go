package targets

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tablebook/shared/events"
)

// DeliveryMeta is the header section every projected payload carries, so the
// delivery worker can key, trace and route a message without knowing the
// target's shape.
type DeliveryMeta struct {
	EventID       uuid.UUID `json:"event_id"`
	EventType     string    `json:"event_type"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   uuid.UUID `json:"aggregate_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type paymentPayload struct {
	DeliveryMeta
	Action       string    `json:"action"`
	RestaurantID uuid.UUID `json:"restaurant_id"`
	SlotAt       time.Time `json:"slot_at"`
	PartySize    int       `json:"party_size"`
}

type emailPayload struct {
	DeliveryMeta
	Template string         `json:"template"`
	Vars     map[string]any `json:"vars"`
}

type messagingPayload struct {
	DeliveryMeta
	Phone    string         `json:"phone"`
	Template string         `json:"template"`
	Vars     map[string]any `json:"vars"`
}

// bookingFields is the union of the booking lifecycle event payloads.
type bookingFields struct {
	RestaurantID  uuid.UUID `json:"restaurant_id"`
	SlotAt        time.Time `json:"slot_at"`
	PartySize     int       `json:"party_size"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone string    `json:"customer_phone"`
	CustomerEmail string    `json:"customer_email"`
	ToStatus      string    `json:"to_status"`
	Reason        string    `json:"reason"`
}

var paymentActions = map[string]string{
	events.EventBookingCreated:   "authorize_deposit",
	events.EventBookingConfirmed: "capture_deposit",
	events.EventBookingCancelled: "release_deposit",
}

var emailTemplates = map[string]string{
	events.EventBookingCreated:   "booking_received",
	events.EventBookingConfirmed: "booking_confirmed",
	events.EventBookingCancelled: "booking_cancelled",
	events.EventBookingCompleted: "booking_thanks",
}

// Project builds the target-shaped delivery payload for one event. It is a
// pure transformation of the envelope: analytics receives the envelope bytes
// unchanged, the other targets receive only the fields their gateway needs.
func Project(target string, envelope events.Envelope, raw []byte) ([]byte, error) {
	if target == events.TargetAnalytics {
		return raw, nil
	}

	var fields bookingFields
	if err := json.Unmarshal(envelope.Payload, &fields); err != nil {
		return nil, fmt.Errorf("targets: decode %s payload: %w", envelope.EventType, err)
	}
	meta := DeliveryMeta{
		EventID:       envelope.EventID,
		EventType:     envelope.EventType,
		AggregateType: envelope.AggregateType,
		AggregateID:   envelope.AggregateID,
		OccurredAt:    envelope.OccurredAt,
	}

	switch target {
	case events.TargetPayments:
		action, ok := paymentActions[envelope.EventType]
		if !ok {
			return nil, fmt.Errorf("targets: no payment action for %s", envelope.EventType)
		}
		return json.Marshal(paymentPayload{
			DeliveryMeta: meta,
			Action:       action,
			RestaurantID: fields.RestaurantID,
			SlotAt:       fields.SlotAt,
			PartySize:    fields.PartySize,
		})
	case events.TargetEmail:
		template, ok := emailTemplates[envelope.EventType]
		if !ok {
			return nil, fmt.Errorf("targets: no email template for %s", envelope.EventType)
		}
		return json.Marshal(emailPayload{
			DeliveryMeta: meta,
			Template:     template,
			Vars:         templateVars(fields),
		})
	case events.TargetMessaging:
		template, ok := emailTemplates[envelope.EventType]
		if !ok {
			return nil, fmt.Errorf("targets: no message template for %s", envelope.EventType)
		}
		return json.Marshal(messagingPayload{
			DeliveryMeta: meta,
			Phone:        fields.CustomerPhone,
			Template:     template,
			Vars:         templateVars(fields),
		})
	default:
		return nil, fmt.Errorf("targets: unknown target %q", target)
	}
}

func templateVars(fields bookingFields) map[string]any {
	vars := map[string]any{
		"customer_name": fields.CustomerName,
		"restaurant_id": fields.RestaurantID.String(),
		"slot_at":       fields.SlotAt.UTC().Format(time.RFC3339),
		"party_size":    fields.PartySize,
	}
	if fields.ToStatus != "" {
		vars["status"] = fields.ToStatus
	}
	if fields.Reason != "" {
		vars["reason"] = fields.Reason
	}
	return vars
}
