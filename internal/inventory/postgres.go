package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBPool matches the methods from *pgxpool.Pool that the store uses.
// This allows us to mock the database in tests.
type DBPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresStore implements Store. Each ledger mutation is a single guarded
// UPDATE, so the row is the serialization point and no two writers can race
// the counters negative.
type PostgresStore struct {
	pool DBPool
}

func NewPostgresStore(pool DBPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetEntry(ctx context.Context, resourceID string) (LedgerEntry, error) {
	var entry LedgerEntry
	row := s.pool.QueryRow(ctx, `
		SELECT resource_id, available, reserved, total, reorder_threshold, updated_at
		FROM stock_ledger
		WHERE resource_id=$1
	`, resourceID)
	if err := row.Scan(&entry.ResourceID, &entry.Available, &entry.Reserved, &entry.Total, &entry.ReorderThreshold, &entry.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LedgerEntry{}, ErrNotFound
		}
		return LedgerEntry{}, fmt.Errorf("get ledger entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) PutEntry(ctx context.Context, entry LedgerEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stock_ledger (resource_id, available, reserved, total, reorder_threshold)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (resource_id) DO UPDATE SET
			available=EXCLUDED.available,
			reserved=EXCLUDED.reserved,
			total=EXCLUDED.total,
			reorder_threshold=EXCLUDED.reorder_threshold,
			updated_at=now()
	`, entry.ResourceID, entry.Available, entry.Reserved, entry.Total, entry.ReorderThreshold)
	if err != nil {
		return fmt.Errorf("put ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReserveStock(ctx context.Context, resourceID string, qty int) (LedgerEntry, error) {
	entry, err := s.mutateEntry(ctx, `
		UPDATE stock_ledger
		SET available = available - $2, reserved = reserved + $2, updated_at = now()
		WHERE resource_id = $1 AND available >= $2
		RETURNING resource_id, available, reserved, total, reorder_threshold, updated_at
	`, resourceID, qty)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return LedgerEntry{}, fmt.Errorf("reserve stock: %w", err)
	}

	// The guard refused: report the availability we lost to. An unknown
	// resource counts as zero available.
	available := 0
	current, gerr := s.GetEntry(ctx, resourceID)
	if gerr == nil {
		available = current.Available
	} else if !errors.Is(gerr, ErrNotFound) {
		return LedgerEntry{}, fmt.Errorf("reserve stock: %w", gerr)
	}
	return LedgerEntry{}, &InsufficientStockError{ResourceID: resourceID, Requested: qty, Available: available}
}

func (s *PostgresStore) ReleaseStock(ctx context.Context, resourceID string, qty int) (LedgerEntry, error) {
	entry, err := s.mutateEntry(ctx, `
		UPDATE stock_ledger
		SET available = available + $2, reserved = reserved - $2, updated_at = now()
		WHERE resource_id = $1 AND reserved >= $2
		RETURNING resource_id, available, reserved, total, reorder_threshold, updated_at
	`, resourceID, qty)
	if err == nil {
		return entry, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return LedgerEntry{}, s.guardFailure(ctx, resourceID)
	}
	return LedgerEntry{}, fmt.Errorf("release stock: %w", err)
}

func (s *PostgresStore) ConsumeStock(ctx context.Context, resourceID string, qty int) (LedgerEntry, error) {
	entry, err := s.mutateEntry(ctx, `
		UPDATE stock_ledger
		SET reserved = reserved - $2, total = total - $2, updated_at = now()
		WHERE resource_id = $1 AND reserved >= $2
		RETURNING resource_id, available, reserved, total, reorder_threshold, updated_at
	`, resourceID, qty)
	if err == nil {
		return entry, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return LedgerEntry{}, s.guardFailure(ctx, resourceID)
	}
	return LedgerEntry{}, fmt.Errorf("consume stock: %w", err)
}

func (s *PostgresStore) RestockEntry(ctx context.Context, resourceID string, qty int) (LedgerEntry, error) {
	entry, err := s.mutateEntry(ctx, `
		UPDATE stock_ledger
		SET available = available + $2, total = total + $2, updated_at = now()
		WHERE resource_id = $1
		RETURNING resource_id, available, reserved, total, reorder_threshold, updated_at
	`, resourceID, qty)
	if err == nil {
		return entry, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return LedgerEntry{}, ErrNotFound
	}
	return LedgerEntry{}, fmt.Errorf("restock entry: %w", err)
}

func (s *PostgresStore) mutateEntry(ctx context.Context, sql string, resourceID string, qty int) (LedgerEntry, error) {
	var entry LedgerEntry
	row := s.pool.QueryRow(ctx, sql, resourceID, qty)
	if err := row.Scan(&entry.ResourceID, &entry.Available, &entry.Reserved, &entry.Total, &entry.ReorderThreshold, &entry.UpdatedAt); err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

// guardFailure distinguishes a missing row from an underflow after a guarded
// update matched nothing.
func (s *PostgresStore) guardFailure(ctx context.Context, resourceID string) error {
	if _, err := s.GetEntry(ctx, resourceID); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	return ErrLedgerUnderflow
}

func (s *PostgresStore) CreateReservation(ctx context.Context, r Reservation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reservations (id, order_ref, resource_id, user_id, quantity, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.OrderRef, r.ResourceID, r.UserID, r.Quantity, string(r.Status), r.ExpiresAt, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReservation(ctx context.Context, id string) (Reservation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, order_ref, resource_id, user_id, quantity, status, expires_at, created_at
		FROM reservations
		WHERE id=$1
	`, id)
	r, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ReservationsByOrder(ctx context.Context, orderRef string) ([]Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_ref, resource_id, user_id, quantity, status, expires_at, created_at
		FROM reservations
		WHERE order_ref=$1
		ORDER BY created_at
	`, orderRef)
	if err != nil {
		return nil, fmt.Errorf("reservations by order: %w", err)
	}
	defer rows.Close()
	return collectReservations(rows)
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to Status) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reservations
		SET status=$3, updated_at=now()
		WHERE id=$1 AND status=$2
	`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("transition reservation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) DuePending(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_ref, resource_id, user_id, quantity, status, expires_at, created_at
		FROM reservations
		WHERE status='pending' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due pending reservations: %w", err)
	}
	defer rows.Close()
	return collectReservations(rows)
}

func scanReservation(row pgx.Row) (Reservation, error) {
	var r Reservation
	var status string
	if err := row.Scan(&r.ID, &r.OrderRef, &r.ResourceID, &r.UserID, &r.Quantity, &status, &r.ExpiresAt, &r.CreatedAt); err != nil {
		return Reservation{}, err
	}
	r.Status = Status(status)
	return r, nil
}

func collectReservations(rows pgx.Rows) ([]Reservation, error) {
	var out []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
