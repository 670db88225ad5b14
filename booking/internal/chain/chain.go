// Package chain implements the tamper-evident hash chain over the global
// event sequence. One chain spans all aggregates: editing any historical
// event invalidates every hash after it.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"tablebook/booking/internal/models"
)

// GenesisHash anchors the first event ever written.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

type Mismatch struct {
	GlobalPosition int64
	EventID        string
	Expected       string
	Got            string
}

func (m Mismatch) Error() string {
	return fmt.Sprintf("hash chain broken at position %d (event %s)", m.GlobalPosition, m.EventID)
}

// ComputeHash derives an event's hash_current from its stored fields and its
// predecessor's hash_current. The canonical form is a JSON object whose keys
// encoding/json emits in sorted order, with occurred_at normalized to UTC at
// microsecond precision (what timestamptz retains, so the hash is identical
// before and after a database round-trip) and the payload embedded as its
// stored bytes.
func ComputeHash(e models.DomainEvent, hashPrevious string) string {
	doc := map[string]any{
		"aggregate_id":   e.AggregateID.String(),
		"aggregate_type": e.AggregateType,
		"event_type":     e.EventType,
		"payload":        json.RawMessage(e.Payload),
		"version":        e.Version,
		"occurred_at":    e.OccurredAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
		"hash_previous":  hashPrevious,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		// Payload is the only field that can fail to marshal; it is
		// validated as JSON before an event is appended.
		b = []byte(fmt.Sprintf("%v", doc))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Verify walks events in global write order and recomputes every link,
// anchored on head: the hash_current of the event preceding the slice, or
// GenesisHash at the true start of the log. The anchor must come from the
// caller's own walk, never from the slice's stored hash_previous, or a
// consistent edit at a slice boundary would go unnoticed. Returns the new
// head after the last event. The first broken link is returned as a
// Mismatch; the log must then be treated as corrupt from that position
// onward and handed to a human.
func Verify(events []models.DomainEvent, head string) (string, error) {
	prev := head
	for _, e := range events {
		if e.HashPrevious != prev {
			return prev, Mismatch{GlobalPosition: e.GlobalPosition, EventID: e.EventID.String(), Expected: prev, Got: e.HashPrevious}
		}
		want := ComputeHash(e, prev)
		if e.HashCurrent != want {
			return prev, Mismatch{GlobalPosition: e.GlobalPosition, EventID: e.EventID.String(), Expected: want, Got: e.HashCurrent}
		}
		prev = e.HashCurrent
	}
	return prev, nil
}
