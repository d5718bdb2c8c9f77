package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mozammilrja/stock-coordinator-go/internal/bus"
	"github.com/mozammilrja/stock-coordinator-go/internal/events"
)

// Reservation hold duration bounds. Requests outside the window are clamped,
// a zero request takes the default.
const (
	DefaultTTL = 30 * time.Minute
	MinTTL     = time.Minute
	MaxTTL     = time.Hour
)

// Release reasons carried on inventory.released events.
const (
	ReasonCancelled = "cancelled"
	ReasonExpired   = "expired"
	ReasonReversal  = "reversal"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrMissingResource = errors.New("resource id required")
)

// StateConflictError refuses a transition the current status does not allow,
// for example confirming a reservation that was already released.
type StateConflictError struct {
	ReservationID string
	Current       Status
	Requested     Status
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("reservation %s is %s, cannot move to %s",
		e.ReservationID, e.Current, e.Requested)
}

// Manager owns the reservation lifecycle. Transition ownership is settled by
// the status compare-and-set: whoever flips the row applies the matching
// ledger arithmetic, and a ledger failure hands the status back so an
// at-least-once redelivery can retry.
type Manager struct {
	ledger       LedgerStore
	reservations ReservationStore
	publisher    bus.Publisher
	logger       *zap.Logger

	now func() time.Time
}

// NewManager takes the two ports separately so the ledger can live in Redis
// while reservations stay in Postgres. Pass the same store twice when one
// backend covers both.
func NewManager(ledger LedgerStore, reservations ReservationStore, publisher bus.Publisher, logger *zap.Logger) *Manager {
	return &Manager{
		ledger:       ledger,
		reservations: reservations,
		publisher:    publisher,
		logger:       logger,
		now:          time.Now,
	}
}

// ReserveRequest describes one reservation attempt against one resource.
type ReserveRequest struct {
	OrderRef      string
	ResourceID    string
	UserID        string
	Quantity      int
	TTL           time.Duration
	CorrelationID string
}

// Reserve moves stock from available to reserved and records a pending
// reservation. The ledger decrement happens first; if persisting or
// announcing the reservation fails afterwards, the stock is handed back and
// the error returned, so a reserve either fully happened or did not.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (Reservation, LedgerEntry, error) {
	if req.ResourceID == "" {
		return Reservation{}, LedgerEntry{}, ErrMissingResource
	}
	if req.Quantity <= 0 {
		return Reservation{}, LedgerEntry{}, ErrInvalidQuantity
	}

	entry, err := m.ledger.ReserveStock(ctx, req.ResourceID, req.Quantity)
	if err != nil {
		return Reservation{}, LedgerEntry{}, err
	}

	now := m.now()
	res := Reservation{
		ID:         uuid.NewString(),
		OrderRef:   req.OrderRef,
		ResourceID: req.ResourceID,
		UserID:     req.UserID,
		Quantity:   req.Quantity,
		Status:     StatusPending,
		ExpiresAt:  now.Add(clampTTL(req.TTL)),
		CreatedAt:  now,
	}

	if err := m.reservations.CreateReservation(ctx, res); err != nil {
		if _, lerr := m.ledger.ReleaseStock(ctx, req.ResourceID, req.Quantity); lerr != nil {
			m.logger.Error("failed to return stock after reservation write failure",
				zap.String("resourceId", req.ResourceID),
				zap.Int("quantity", req.Quantity),
				zap.Error(lerr))
		}
		return Reservation{}, LedgerEntry{}, err
	}

	err = m.publisher.Publish(ctx, events.TopicStockReserved, events.StockReserved{
		ReservationID: res.ID,
		OrderRef:      res.OrderRef,
		ResourceID:    res.ResourceID,
		UserID:        res.UserID,
		Quantity:      res.Quantity,
		Available:     entry.Available,
		ExpiresAt:     res.ExpiresAt,
	}, bus.Meta{CorrelationID: req.CorrelationID})
	if err != nil {
		m.undoReserve(ctx, res)
		return Reservation{}, LedgerEntry{}, err
	}

	m.logger.Info("stock reserved",
		zap.String("reservationId", res.ID),
		zap.String("orderRef", res.OrderRef),
		zap.String("resourceId", res.ResourceID),
		zap.Int("quantity", res.Quantity),
		zap.Int("available", entry.Available))

	m.maybeLowStock(ctx, entry, req.Quantity, req.CorrelationID)
	return res, entry, nil
}

// undoReserve rolls back a reservation whose announcement never made it out.
func (m *Manager) undoReserve(ctx context.Context, res Reservation) {
	ok, err := m.reservations.Transition(ctx, res.ID, StatusPending, StatusReleased)
	if err != nil || !ok {
		m.logger.Error("failed to roll back unannounced reservation",
			zap.String("reservationId", res.ID),
			zap.Error(err))
		return
	}
	if _, err := m.ledger.ReleaseStock(ctx, res.ResourceID, res.Quantity); err != nil {
		m.logger.Error("failed to return stock for unannounced reservation",
			zap.String("reservationId", res.ID),
			zap.String("resourceId", res.ResourceID),
			zap.Int("quantity", res.Quantity),
			zap.Error(err))
	}
}

// maybeLowStock fires inventory.low_stock when this reserve crossed the
// reorder threshold. Already-low entries do not re-fire on every reserve.
func (m *Manager) maybeLowStock(ctx context.Context, entry LedgerEntry, qty int, correlationID string) {
	if entry.ReorderThreshold <= 0 {
		return
	}
	if entry.Available >= entry.ReorderThreshold || entry.Available+qty < entry.ReorderThreshold {
		return
	}
	err := m.publisher.Publish(ctx, events.TopicLowStock, events.LowStock{
		ResourceID: entry.ResourceID,
		Available:  entry.Available,
		Threshold:  entry.ReorderThreshold,
	}, bus.Meta{CorrelationID: correlationID})
	if err != nil {
		m.logger.Warn("failed to publish low stock alert",
			zap.String("resourceId", entry.ResourceID),
			zap.Error(err))
	}
}

// Confirm finalizes a pending reservation: the quantity leaves reserved and
// total for good. Confirming an already confirmed reservation is a no-op;
// a released one is a conflict.
func (m *Manager) Confirm(ctx context.Context, id, correlationID string) (Reservation, error) {
	res, err := m.reservations.GetReservation(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	switch res.Status {
	case StatusConfirmed:
		return res, nil
	case StatusReleased:
		return Reservation{}, &StateConflictError{ReservationID: id, Current: res.Status, Requested: StatusConfirmed}
	}

	ok, err := m.reservations.Transition(ctx, id, StatusPending, StatusConfirmed)
	if err != nil {
		return Reservation{}, err
	}
	if !ok {
		return m.afterLostRace(ctx, id, StatusConfirmed)
	}

	if _, err := m.ledger.ConsumeStock(ctx, res.ResourceID, res.Quantity); err != nil {
		if ok, terr := m.reservations.Transition(ctx, id, StatusConfirmed, StatusPending); terr != nil || !ok {
			m.logger.Error("failed to hand back confirm after ledger failure",
				zap.String("reservationId", id),
				zap.Error(terr))
		}
		return Reservation{}, err
	}

	res.Status = StatusConfirmed
	m.logger.Info("reservation confirmed",
		zap.String("reservationId", id),
		zap.String("orderRef", res.OrderRef),
		zap.String("resourceId", res.ResourceID),
		zap.Int("quantity", res.Quantity))
	return res, nil
}

// Release returns a reservation's stock to the pool. From pending this is a
// cancel or expiry; from confirmed only the explicit reversal reason is
// allowed and the quantity is restocked into both available and total.
// Releasing an already released reservation is a no-op.
func (m *Manager) Release(ctx context.Context, id, reason, correlationID string) (Reservation, error) {
	res, err := m.reservations.GetReservation(ctx, id)
	if err != nil {
		return Reservation{}, err
	}

	switch res.Status {
	case StatusReleased:
		return res, nil
	case StatusConfirmed:
		if reason != ReasonReversal {
			return Reservation{}, &StateConflictError{ReservationID: id, Current: res.Status, Requested: StatusReleased}
		}
		return m.releaseFrom(ctx, res, StatusConfirmed, reason, correlationID)
	default:
		return m.releaseFrom(ctx, res, StatusPending, reason, correlationID)
	}
}

func (m *Manager) releaseFrom(ctx context.Context, res Reservation, from Status, reason, correlationID string) (Reservation, error) {
	ok, err := m.reservations.Transition(ctx, res.ID, from, StatusReleased)
	if err != nil {
		return Reservation{}, err
	}
	if !ok {
		return m.afterLostRace(ctx, res.ID, StatusReleased)
	}

	var entry LedgerEntry
	if from == StatusConfirmed {
		entry, err = m.ledger.RestockEntry(ctx, res.ResourceID, res.Quantity)
	} else {
		entry, err = m.ledger.ReleaseStock(ctx, res.ResourceID, res.Quantity)
	}
	if err != nil {
		if ok, terr := m.reservations.Transition(ctx, res.ID, StatusReleased, from); terr != nil || !ok {
			m.logger.Error("failed to hand back release after ledger failure",
				zap.String("reservationId", res.ID),
				zap.Error(terr))
		}
		return Reservation{}, err
	}

	res.Status = StatusReleased
	m.logger.Info("reservation released",
		zap.String("reservationId", res.ID),
		zap.String("orderRef", res.OrderRef),
		zap.String("resourceId", res.ResourceID),
		zap.Int("quantity", res.Quantity),
		zap.String("reason", reason))

	err = m.publisher.Publish(ctx, events.TopicStockReleased, events.StockReleased{
		ReservationID: res.ID,
		OrderRef:      res.OrderRef,
		ResourceID:    res.ResourceID,
		UserID:        res.UserID,
		Quantity:      res.Quantity,
		Available:     entry.Available,
		Reason:        reason,
	}, bus.Meta{CorrelationID: correlationID})
	if err != nil {
		// The release already happened; resurrecting the reservation to
		// retry the announcement would be worse than a lost event.
		m.logger.Error("failed to publish release",
			zap.String("reservationId", res.ID),
			zap.Error(err))
		return res, err
	}
	return res, nil
}

// afterLostRace re-reads a reservation after a failed compare-and-set and
// reports the outcome: success if another worker already applied the wanted
// status, conflict otherwise.
func (m *Manager) afterLostRace(ctx context.Context, id string, wanted Status) (Reservation, error) {
	res, err := m.reservations.GetReservation(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	if res.Status == wanted {
		return res, nil
	}
	return Reservation{}, &StateConflictError{ReservationID: id, Current: res.Status, Requested: wanted}
}

// SeedEntry creates the ledger entry for a new resource. Seeding an existing
// resource is a no-op returning the current entry, so replayed creation
// events cannot reset live counters.
func (m *Manager) SeedEntry(ctx context.Context, resourceID string, initialStock, reorderThreshold int) (LedgerEntry, bool, error) {
	if resourceID == "" {
		return LedgerEntry{}, false, ErrMissingResource
	}
	if initialStock < 0 {
		return LedgerEntry{}, false, ErrInvalidQuantity
	}
	if existing, err := m.ledger.GetEntry(ctx, resourceID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return LedgerEntry{}, false, err
	}

	entry := LedgerEntry{
		ResourceID:       resourceID,
		Available:        initialStock,
		Reserved:         0,
		Total:            initialStock,
		ReorderThreshold: reorderThreshold,
		UpdatedAt:        m.now(),
	}
	if err := m.ledger.PutEntry(ctx, entry); err != nil {
		return LedgerEntry{}, false, err
	}
	m.logger.Info("ledger entry seeded",
		zap.String("resourceId", resourceID),
		zap.Int("initialStock", initialStock))
	return entry, true, nil
}

// Restock adds quantity to available and total on an existing entry.
func (m *Manager) Restock(ctx context.Context, resourceID string, qty int) (LedgerEntry, error) {
	if resourceID == "" {
		return LedgerEntry{}, ErrMissingResource
	}
	if qty <= 0 {
		return LedgerEntry{}, ErrInvalidQuantity
	}
	entry, err := m.ledger.RestockEntry(ctx, resourceID, qty)
	if err != nil {
		return LedgerEntry{}, err
	}
	m.logger.Info("stock added",
		zap.String("resourceId", resourceID),
		zap.Int("quantity", qty),
		zap.Int("available", entry.Available))
	return entry, nil
}

// Entry returns the current ledger counters for one resource.
func (m *Manager) Entry(ctx context.Context, resourceID string) (LedgerEntry, error) {
	return m.ledger.GetEntry(ctx, resourceID)
}

// Reservation returns one reservation by id.
func (m *Manager) Reservation(ctx context.Context, id string) (Reservation, error) {
	return m.reservations.GetReservation(ctx, id)
}

// ByOrder returns every reservation recorded for an order reference.
func (m *Manager) ByOrder(ctx context.Context, orderRef string) ([]Reservation, error) {
	return m.reservations.ReservationsByOrder(ctx, orderRef)
}

// DuePending lists pending reservations whose expiry has passed.
func (m *Manager) DuePending(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	return m.reservations.DuePending(ctx, now, limit)
}

func clampTTL(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTTL
	case d < MinTTL:
		return MinTTL
	case d > MaxTTL:
		return MaxTTL
	default:
		return d
	}
}
