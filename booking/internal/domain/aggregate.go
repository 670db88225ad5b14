package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"tablebook/booking/internal/models"
)

// Root is embedded by aggregates. Version reflects persisted state only;
// recorded events sit in an uncommitted buffer until the repository appends
// them inside the owning transaction and calls MarkCommitted.
type Root struct {
	ID            uuid.UUID
	AggregateType string
	Version       int64

	uncommitted []models.DomainEvent
}

// Record stages an event at version Version+len(buffer)+1. Payload must be a
// JSON-marshalable snapshot of the change. OccurredAt is truncated to
// microseconds, the precision timestamptz keeps, so the hash computed at
// append time survives a read-back.
func (r *Root) Record(eventType string, payload any, occurredAt time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.uncommitted = append(r.uncommitted, models.DomainEvent{
		EventID:       uuid.New(),
		AggregateID:   r.ID,
		AggregateType: r.AggregateType,
		EventType:     eventType,
		Version:       r.Version + int64(len(r.uncommitted)) + 1,
		Payload:       raw,
		OccurredAt:    occurredAt.UTC().Truncate(time.Microsecond),
	})
	return nil
}

// UncommittedEvents returns the staged buffer in record order.
func (r *Root) UncommittedEvents() []models.DomainEvent {
	return r.uncommitted
}

// MarkCommitted advances Version past the staged buffer and clears it.
// Called by the repository after the transaction commits.
func (r *Root) MarkCommitted() {
	r.Version += int64(len(r.uncommitted))
	r.uncommitted = nil
}
