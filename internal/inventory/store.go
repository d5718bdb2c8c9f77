package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrLedgerUnderflow means a release/consume asked for more than is
	// reserved. It indicates a bug or corrupted counters, never a normal
	// business refusal.
	ErrLedgerUnderflow = errors.New("ledger underflow")
)

// InsufficientStockError refuses a reserve that the available counter cannot
// cover. It carries both figures so callers can surface them to the user.
type InsufficientStockError struct {
	ResourceID string
	Requested  int
	Available  int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d",
		e.ResourceID, e.Requested, e.Available)
}

// LedgerStore is the external counter store. Implementations must make each
// mutation a single atomic conditional operation: concurrent reserves across
// process instances race on the store, not on in-process locks, and whichever
// conditional update lands first wins.
type LedgerStore interface {
	GetEntry(ctx context.Context, resourceID string) (LedgerEntry, error)

	// PutEntry creates or replaces an entry (seeding and manual adjustment).
	PutEntry(ctx context.Context, entry LedgerEntry) error

	// ReserveStock moves qty from available to reserved if available >= qty,
	// returning the updated entry. Refusal is *InsufficientStockError with
	// the availability at decision time; an unknown resource counts as zero
	// available.
	ReserveStock(ctx context.Context, resourceID string, qty int) (LedgerEntry, error)

	// ReleaseStock moves qty from reserved back to available.
	ReleaseStock(ctx context.Context, resourceID string, qty int) (LedgerEntry, error)

	// ConsumeStock removes qty from reserved and total: the quantity has
	// left the pool permanently (confirm).
	ConsumeStock(ctx context.Context, resourceID string, qty int) (LedgerEntry, error)

	// RestockEntry adds qty to available and total (confirmed reversal).
	RestockEntry(ctx context.Context, resourceID string, qty int) (LedgerEntry, error)
}

// ReservationStore persists reservations and their status transitions.
type ReservationStore interface {
	CreateReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id string) (Reservation, error)
	ReservationsByOrder(ctx context.Context, orderRef string) ([]Reservation, error)

	// Transition flips status from->to only if the current status still is
	// from, atomically. It returns false when the reservation is missing or
	// already moved on, which callers treat as a stale no-op.
	Transition(ctx context.Context, id string, from, to Status) (bool, error)

	// DuePending returns up to limit pending reservations whose expiry has
	// passed, oldest expiry first.
	DuePending(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}

// Store combines both ports; the Postgres and in-memory adapters implement
// it in full, the Redis adapter covers only the ledger side.
type Store interface {
	LedgerStore
	ReservationStore
}
