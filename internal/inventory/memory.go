package inventory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the ledger and reservations in process memory behind one
// mutex, which is the atomic serialization point the contract asks for. Used
// by unit tests and broker-less local runs.
type MemoryStore struct {
	mu           sync.Mutex
	entries      map[string]LedgerEntry
	reservations map[string]Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:      make(map[string]LedgerEntry),
		reservations: make(map[string]Reservation),
	}
}

func (s *MemoryStore) GetEntry(ctx context.Context, resourceID string) (LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[resourceID]
	if !ok {
		return LedgerEntry{}, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryStore) PutEntry(ctx context.Context, entry LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.UpdatedAt = time.Now().UTC()
	s.entries[entry.ResourceID] = entry
	return nil
}

func (s *MemoryStore) ReserveStock(ctx context.Context, resourceID string, qty int) (LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[resourceID]
	if !ok {
		return LedgerEntry{}, &InsufficientStockError{ResourceID: resourceID, Requested: qty, Available: 0}
	}
	if entry.Available < qty {
		return LedgerEntry{}, &InsufficientStockError{ResourceID: resourceID, Requested: qty, Available: entry.Available}
	}
	entry.Available -= qty
	entry.Reserved += qty
	entry.UpdatedAt = time.Now().UTC()
	s.entries[resourceID] = entry
	return entry, nil
}

func (s *MemoryStore) ReleaseStock(ctx context.Context, resourceID string, qty int) (LedgerEntry, error) {
	return s.apply(resourceID, func(e *LedgerEntry) error {
		if e.Reserved < qty {
			return ErrLedgerUnderflow
		}
		e.Available += qty
		e.Reserved -= qty
		return nil
	})
}

func (s *MemoryStore) ConsumeStock(ctx context.Context, resourceID string, qty int) (LedgerEntry, error) {
	return s.apply(resourceID, func(e *LedgerEntry) error {
		if e.Reserved < qty {
			return ErrLedgerUnderflow
		}
		e.Reserved -= qty
		e.Total -= qty
		return nil
	})
}

func (s *MemoryStore) RestockEntry(ctx context.Context, resourceID string, qty int) (LedgerEntry, error) {
	return s.apply(resourceID, func(e *LedgerEntry) error {
		e.Available += qty
		e.Total += qty
		return nil
	})
}

func (s *MemoryStore) apply(resourceID string, mutate func(*LedgerEntry) error) (LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[resourceID]
	if !ok {
		return LedgerEntry{}, ErrNotFound
	}
	if err := mutate(&entry); err != nil {
		return LedgerEntry{}, err
	}
	entry.UpdatedAt = time.Now().UTC()
	s.entries[resourceID] = entry
	return entry, nil
}

func (s *MemoryStore) CreateReservation(ctx context.Context, r Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[r.ID] = r
	return nil
}

func (s *MemoryStore) GetReservation(ctx context.Context, id string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ReservationsByOrder(ctx context.Context, orderRef string) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reservation
	for _, r := range s.reservations {
		if r.OrderRef == orderRef {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from, to Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	s.reservations[id] = r
	return true, nil
}

func (s *MemoryStore) DuePending(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Reservation
	for _, r := range s.reservations {
		if r.Expired(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
