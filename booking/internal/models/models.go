package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	AggregateTypeBooking = "booking"
)

type Restaurant struct {
	RestaurantID    uuid.UUID `json:"restaurant_id"`
	Slug            string    `json:"slug"`
	Name            string    `json:"name"`
	Capacity        int       `json:"capacity"`
	SlotDurationMin int       `json:"slot_duration_min"`
	CreatedAt       time.Time `json:"created_at"`
}

type Booking struct {
	BookingID     uuid.UUID `json:"booking_id"`
	RestaurantID  uuid.UUID `json:"restaurant_id"`
	SlotAt        time.Time `json:"slot_at"`
	PartySize     int       `json:"party_size"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone string    `json:"customer_phone"`
	CustomerEmail string    `json:"customer_email"`
	Status        string    `json:"status"`
	Version       int64     `json:"version"`
	Notes         string    `json:"notes"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DomainEvent is one link of the global hash chain. Payload bytes are stored
// verbatim (BYTEA) because they are part of the hashed material.
type DomainEvent struct {
	EventID        uuid.UUID       `json:"event_id"`
	GlobalPosition int64           `json:"global_position"`
	AggregateID    uuid.UUID       `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	EventType      string          `json:"event_type"`
	Version        int64           `json:"version"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurred_at"`
	CausationID    *uuid.UUID      `json:"causation_id,omitempty"`
	CorrelationID  *uuid.UUID      `json:"correlation_id,omitempty"`
	HashPrevious   string          `json:"hash_previous"`
	HashCurrent    string          `json:"hash_current"`
}

type OutboxEntry struct {
	EntryID       uuid.UUID       `json:"entry_id"`
	EventID       uuid.UUID       `json:"event_id"`
	Target        string          `json:"target"`
	Topic         string          `json:"topic"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	Status        string          `json:"status"`
	LockedAt      *time.Time      `json:"locked_at,omitempty"`
	LockedBy      string          `json:"locked_by,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
}

// Lead captures a reservation attempt that lost the slot race, so the intent
// is not discarded with the failed transaction.
type Lead struct {
	LeadID        uuid.UUID `json:"lead_id"`
	RestaurantID  uuid.UUID `json:"restaurant_id"`
	SlotAt        time.Time `json:"slot_at"`
	PartySize     int       `json:"party_size"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone string    `json:"customer_phone"`
	CustomerEmail string    `json:"customer_email"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// SlotOccupancy is the read-side projection rebuilt by the consumer from the
// event log; never written by the command path.
type SlotOccupancy struct {
	RestaurantID uuid.UUID `json:"restaurant_id"`
	Day          time.Time `json:"day"`
	SlotAt       time.Time `json:"slot_at"`
	ActiveCount  int       `json:"active_count"`
	PartyTotal   int       `json:"party_total"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type AuditLog struct {
	AuditID      uuid.UUID       `json:"audit_id"`
	OccurredAt   time.Time       `json:"occurred_at"`
	RestaurantID uuid.UUID       `json:"restaurant_id"`
	Subject      string          `json:"subject"`
	Action       string          `json:"action"`
	ResourceType *string         `json:"resource_type,omitempty"`
	ResourceID   *string         `json:"resource_id,omitempty"`
	RequestID    string          `json:"request_id"`
	Method       string          `json:"method"`
	Path         string          `json:"path"`
	StatusCode   int             `json:"status_code"`
	DurationMS   int64           `json:"duration_ms"`
	ClientIP     string          `json:"client_ip"`
	UserAgent    string          `json:"user_agent"`
	Details      json.RawMessage `json:"details,omitempty"`
}
