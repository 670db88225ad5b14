// Package domain holds the booking aggregate and the error taxonomy the
// command path reports with. Handlers map these types onto HTTP statuses;
// the worker maps them onto retry decisions.
package domain

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	ConflictSlotTaken    = "slot_taken"
	ConflictStaleVersion = "stale_version"
)

// ConflictError means the caller lost a race: either the slot was claimed by
// a concurrent reservation or the aggregate moved past the expected version.
// Never retried automatically.
type ConflictError struct {
	Reason string
	Detail string
}

func (e ConflictError) Error() string {
	if e.Detail == "" {
		return "conflict: " + e.Reason
	}
	return fmt.Sprintf("conflict: %s: %s", e.Reason, e.Detail)
}

// IntegrityFault means stored state contradicts an invariant the schema and
// the hash chain are supposed to hold. Requires operator attention.
type IntegrityFault struct {
	Detail string
	Cause  error
}

func (e IntegrityFault) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("integrity fault: %s: %v", e.Detail, e.Cause)
	}
	return "integrity fault: " + e.Detail
}

func (e IntegrityFault) Unwrap() error { return e.Cause }

// DeliveryFailure wraps a target publish error; the outbox worker converts it
// into a retry or a dead-letter depending on the attempt count.
type DeliveryFailure struct {
	Target string
	Cause  error
}

func (e DeliveryFailure) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.Target, e.Cause)
}

func (e DeliveryFailure) Unwrap() error { return e.Cause }

// TransientError marks a failure the caller may retry as-is: lock timeouts
// outside the reserve path, dropped connections, serialization aborts.
type TransientError struct {
	Cause error
}

func (e TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Cause) }

func (e TransientError) Unwrap() error { return e.Cause }

var ErrNotFound = errors.New("not found")

// Postgres SQLSTATEs the repos translate.
const (
	pgUniqueViolation    = "23505"
	pgLockNotAvailable   = "55P03"
	pgSerializationFail  = "40001"
	pgDeadlockDetected   = "40P01"
	pgConnectionFailure  = "08006"
	pgAdminShutdown      = "57P01"
	pgCannotConnectNow   = "57P03"
	pgTooManyConnections = "53300"
	pgInsufficientMemory = "53200"
)

// TranslatePgError classifies a pgx error for the command path. onReservePath
// controls how a lock timeout reads: under the slot lock it means another
// writer holds the slot, so it surfaces as a conflict rather than a retry.
func TranslatePgError(err error, onReservePath bool) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		// Detail is user-presentable; constraint names stay in the database.
		return ConflictError{Reason: ConflictSlotTaken, Detail: "this slot was just booked"}
	case pgLockNotAvailable:
		if onReservePath {
			return ConflictError{Reason: ConflictSlotTaken, Detail: "this slot was just booked"}
		}
		return TransientError{Cause: err}
	case pgSerializationFail, pgDeadlockDetected,
		pgConnectionFailure, pgAdminShutdown, pgCannotConnectNow,
		pgTooManyConnections, pgInsufficientMemory:
		return TransientError{Cause: err}
	}
	return err
}

func IsConflict(err error) bool {
	var c ConflictError
	return errors.As(err, &c)
}

func IsTransient(err error) bool {
	var t TransientError
	return errors.As(err, &t)
}
