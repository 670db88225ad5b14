package targets

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"tablebook/shared/events"
)

func testEnvelope(t *testing.T, eventType string, payload map[string]any) (events.Envelope, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	envelope := events.Envelope{
		EventID:       uuid.New(),
		OccurredAt:    time.Date(2026, 6, 15, 18, 0, 0, 0, time.UTC),
		AggregateType: "booking",
		AggregateID:   uuid.New(),
		EventType:     eventType,
		Version:       1,
		Payload:       body,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return envelope, raw
}

func TestProjectAnalyticsPassesEnvelopeThrough(t *testing.T) {
	envelope, raw := testEnvelope(t, events.EventBookingCreated, map[string]any{
		"restaurant_id": uuid.NewString(),
		"slot_at":       "2026-06-15T18:00:00Z",
		"party_size":    4,
	})
	got, err := Project(events.TargetAnalytics, envelope, raw)
	if err != nil {
		t.Fatalf("project analytics: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatal("analytics payload must be the envelope bytes unchanged")
	}
}

func TestProjectPaymentShape(t *testing.T) {
	restaurantID := uuid.New()
	envelope, raw := testEnvelope(t, events.EventBookingCreated, map[string]any{
		"restaurant_id": restaurantID.String(),
		"slot_at":       "2026-06-15T18:00:00Z",
		"party_size":    6,
		"customer_name": "Dana",
	})
	got, err := Project(events.TargetPayments, envelope, raw)
	if err != nil {
		t.Fatalf("project payments: %v", err)
	}
	var p paymentPayload
	if err := json.Unmarshal(got, &p); err != nil {
		t.Fatalf("decode payment payload: %v", err)
	}
	if p.Action != "authorize_deposit" {
		t.Fatalf("action = %q", p.Action)
	}
	if p.RestaurantID != restaurantID || p.PartySize != 6 {
		t.Fatalf("unexpected payment fields: %+v", p)
	}
	if p.EventID != envelope.EventID || p.AggregateID != envelope.AggregateID {
		t.Fatalf("delivery meta not carried: %+v", p.DeliveryMeta)
	}
	// Payment payloads must not leak contact details.
	var asMap map[string]any
	_ = json.Unmarshal(got, &asMap)
	if _, ok := asMap["customer_name"]; ok {
		t.Fatal("payment payload must not carry customer_name")
	}
}

func TestProjectEmailAndMessagingVars(t *testing.T) {
	envelope, raw := testEnvelope(t, events.EventBookingCancelled, map[string]any{
		"restaurant_id":  uuid.NewString(),
		"slot_at":        "2026-06-15T18:00:00Z",
		"party_size":     2,
		"customer_name":  "Robin",
		"customer_phone": "+15550100",
		"to_status":      "cancelled",
		"reason":         "illness",
	})

	got, err := Project(events.TargetEmail, envelope, raw)
	if err != nil {
		t.Fatalf("project email: %v", err)
	}
	var e emailPayload
	if err := json.Unmarshal(got, &e); err != nil {
		t.Fatalf("decode email payload: %v", err)
	}
	if e.Template != "booking_cancelled" {
		t.Fatalf("template = %q", e.Template)
	}
	if e.Vars["customer_name"] != "Robin" || e.Vars["reason"] != "illness" {
		t.Fatalf("unexpected vars: %v", e.Vars)
	}

	got, err = Project(events.TargetMessaging, envelope, raw)
	if err != nil {
		t.Fatalf("project messaging: %v", err)
	}
	var m messagingPayload
	if err := json.Unmarshal(got, &m); err != nil {
		t.Fatalf("decode messaging payload: %v", err)
	}
	if m.Phone != "+15550100" {
		t.Fatalf("phone = %q", m.Phone)
	}
}

func TestProjectRejectsUnknownTarget(t *testing.T) {
	envelope, raw := testEnvelope(t, events.EventBookingCreated, map[string]any{
		"restaurant_id": uuid.NewString(),
	})
	if _, err := Project("billing", envelope, raw); err == nil {
		t.Fatal("expected error for unknown target")
	}
}

func TestProjectPaymentsSkipsCompleted(t *testing.T) {
	envelope, raw := testEnvelope(t, events.EventBookingCompleted, map[string]any{
		"restaurant_id": uuid.NewString(),
	})
	if _, err := Project(events.TargetPayments, envelope, raw); err == nil {
		t.Fatal("expected error: completed has no payment action")
	}
}
