package domain

import (
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestTranslatePgError(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505", ConstraintName: "bookings_slot_active_uq"}
	err := TranslatePgError(unique, false)
	var c ConflictError
	if !errors.As(err, &c) || c.Reason != ConflictSlotTaken {
		t.Fatalf("unique violation -> %v", err)
	}
	// The message reaches end users; no storage vocabulary.
	if strings.Contains(err.Error(), unique.ConstraintName) {
		t.Fatalf("constraint name leaked: %v", err)
	}
	if c.Detail != "this slot was just booked" {
		t.Fatalf("detail = %q", c.Detail)
	}

	lockTimeout := &pgconn.PgError{Code: "55P03"}
	err = TranslatePgError(lockTimeout, true)
	if !errors.As(err, &c) || c.Reason != ConflictSlotTaken {
		t.Fatalf("lock timeout on reserve path -> %v", err)
	}
	err = TranslatePgError(lockTimeout, false)
	if !IsTransient(err) {
		t.Fatalf("lock timeout off reserve path -> %v", err)
	}

	if !IsTransient(TranslatePgError(&pgconn.PgError{Code: "40001"}, false)) {
		t.Fatalf("serialization failure should be transient")
	}
	if !IsTransient(TranslatePgError(&pgconn.PgError{Code: "08006"}, true)) {
		t.Fatalf("connection failure should be transient")
	}

	plain := errors.New("boom")
	if got := TranslatePgError(plain, false); got != plain {
		t.Fatalf("non-pg error rewritten: %v", got)
	}
	if TranslatePgError(nil, false) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestDeliveryFailureUnwrap(t *testing.T) {
	cause := errors.New("broker unreachable")
	err := DeliveryFailure{Target: "payments", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("unwrap lost the cause")
	}
}
