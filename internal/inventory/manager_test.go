package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mozammilrja/stock-coordinator-go/internal/bus"
	"github.com/mozammilrja/stock-coordinator-go/internal/events"
)

type publishedEvent struct {
	Topic   string
	Payload any
	Meta    bus.Meta
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	failOn map[string]error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{failOn: make(map[string]error)}
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload any, meta bus.Meta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failOn[topic]; ok {
		return err
	}
	p.events = append(p.events, publishedEvent{Topic: topic, Payload: payload, Meta: meta})
	return nil
}

func (p *fakePublisher) byTopic(topic string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, ev := range p.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *MemoryStore, *fakePublisher) {
	t.Helper()
	store := NewMemoryStore()
	pub := newFakePublisher()
	return NewManager(store, store, pub, zap.NewNop()), store, pub
}

func mustSeed(t *testing.T, m *Manager, id string, stock, threshold int) {
	t.Helper()
	if _, _, err := m.SeedEntry(context.Background(), id, stock, threshold); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func mustEntry(t *testing.T, m *Manager, id string) LedgerEntry {
	t.Helper()
	entry, err := m.Entry(context.Background(), id)
	if err != nil {
		t.Fatalf("entry %s: %v", id, err)
	}
	return entry
}

func TestManagerReserveConfirm(t *testing.T) {
	ctx := context.Background()
	m, _, pub := newTestManager(t)
	mustSeed(t, m, "sku-1", 100, 0)

	res, entry, err := m.Reserve(ctx, ReserveRequest{
		OrderRef:   "order-1",
		ResourceID: "sku-1",
		UserID:     "user-1",
		Quantity:   10,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("expected pending, got %s", res.Status)
	}
	checkCounters(t, entry, 90, 10, 100)

	reserved := pub.byTopic(events.TopicStockReserved)
	if len(reserved) != 1 {
		t.Fatalf("expected one reserved event, got %d", len(reserved))
	}
	payload := reserved[0].Payload.(events.StockReserved)
	if payload.ReservationID != res.ID || payload.Available != 90 {
		t.Fatalf("unexpected event payload: %+v", payload)
	}

	confirmed, err := m.Confirm(ctx, res.ID, "")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Status)
	}
	checkCounters(t, mustEntry(t, m, "sku-1"), 90, 0, 90)

	// Redelivered confirm is a no-op.
	again, err := m.Confirm(ctx, res.ID, "")
	if err != nil {
		t.Fatalf("repeat confirm: %v", err)
	}
	if again.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", again.Status)
	}
	checkCounters(t, mustEntry(t, m, "sku-1"), 90, 0, 90)
}

func TestManagerReserveValidation(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	tests := map[string]struct {
		req  ReserveRequest
		want error
	}{
		"missing resource": {
			req:  ReserveRequest{Quantity: 1},
			want: ErrMissingResource,
		},
		"zero quantity": {
			req:  ReserveRequest{ResourceID: "sku-1"},
			want: ErrInvalidQuantity,
		},
		"negative quantity": {
			req:  ReserveRequest{ResourceID: "sku-1", Quantity: -2},
			want: ErrInvalidQuantity,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, _, err := m.Reserve(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestManagerReserveInsufficient(t *testing.T) {
	ctx := context.Background()
	m, _, pub := newTestManager(t)
	mustSeed(t, m, "sku-1", 5, 0)

	_, _, err := m.Reserve(ctx, ReserveRequest{OrderRef: "order-1", ResourceID: "sku-1", Quantity: 8})
	var insufficient *InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.Requested != 8 || insufficient.Available != 5 {
		t.Fatalf("unexpected figures: %+v", insufficient)
	}
	checkCounters(t, mustEntry(t, m, "sku-1"), 5, 0, 5)
	if n := len(pub.byTopic(events.TopicStockReserved)); n != 0 {
		t.Fatalf("expected no reserved events, got %d", n)
	}
}

func TestManagerReleasePending(t *testing.T) {
	ctx := context.Background()
	m, _, pub := newTestManager(t)
	mustSeed(t, m, "sku-1", 100, 0)

	res, _, err := m.Reserve(ctx, ReserveRequest{OrderRef: "order-1", ResourceID: "sku-1", Quantity: 10})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	released, err := m.Release(ctx, res.ID, ReasonCancelled, "")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != StatusReleased {
		t.Fatalf("expected released, got %s", released.Status)
	}
	checkCounters(t, mustEntry(t, m, "sku-1"), 100, 0, 100)

	evs := pub.byTopic(events.TopicStockReleased)
	if len(evs) != 1 {
		t.Fatalf("expected one released event, got %d", len(evs))
	}
	payload := evs[0].Payload.(events.StockReleased)
	if payload.Reason != ReasonCancelled || payload.Available != 100 {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	// Redelivered release is a no-op that publishes nothing new.
	if _, err := m.Release(ctx, res.ID, ReasonCancelled, ""); err != nil {
		t.Fatalf("repeat release: %v", err)
	}
	checkCounters(t, mustEntry(t, m, "sku-1"), 100, 0, 100)
	if n := len(pub.byTopic(events.TopicStockReleased)); n != 1 {
		t.Fatalf("expected still one released event, got %d", n)
	}
}

func TestManagerConfirmAfterReleaseConflicts(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	mustSeed(t, m, "sku-1", 10, 0)

	res, _, err := m.Reserve(ctx, ReserveRequest{OrderRef: "order-1", ResourceID: "sku-1", Quantity: 2})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := m.Release(ctx, res.ID, ReasonCancelled, ""); err != nil {
		t.Fatalf("release: %v", err)
	}

	_, err = m.Confirm(ctx, res.ID, "")
	var conflict *StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected StateConflictError, got %v", err)
	}
	if conflict.Current != StatusReleased || conflict.Requested != StatusConfirmed {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}
	checkCounters(t, mustEntry(t, m, "sku-1"), 10, 0, 10)
}

func TestManagerReleaseConfirmedRequiresReversal(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	mustSeed(t, m, "sku-1", 100, 0)

	res, _, err := m.Reserve(ctx, ReserveRequest{OrderRef: "order-1", ResourceID: "sku-1", Quantity: 10})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := m.Confirm(ctx, res.ID, ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	_, err = m.Release(ctx, res.ID, ReasonCancelled, "")
	var conflict *StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected StateConflictError, got %v", err)
	}

	// A reversal puts the quantity back on the shelf.
	released, err := m.Release(ctx, res.ID, ReasonReversal, "")
	if err != nil {
		t.Fatalf("reversal: %v", err)
	}
	if released.Status != StatusReleased {
		t.Fatalf("expected released, got %s", released.Status)
	}
	checkCounters(t, mustEntry(t, m, "sku-1"), 100, 0, 100)
}

func TestManagerReservePublishFailureReturnsStock(t *testing.T) {
	ctx := context.Background()
	m, store, pub := newTestManager(t)
	mustSeed(t, m, "sku-1", 100, 0)
	pub.failOn[events.TopicStockReserved] = errors.New("broker down")

	_, _, err := m.Reserve(ctx, ReserveRequest{OrderRef: "order-1", ResourceID: "sku-1", Quantity: 10})
	if err == nil {
		t.Fatalf("expected publish failure to surface")
	}
	checkCounters(t, mustEntry(t, m, "sku-1"), 100, 0, 100)

	all, err := store.ReservationsByOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("by order: %v", err)
	}
	if len(all) != 1 || all[0].Status != StatusReleased {
		t.Fatalf("expected rolled back reservation, got %+v", all)
	}
}

func TestManagerLowStockFiresOnCrossing(t *testing.T) {
	ctx := context.Background()
	m, _, pub := newTestManager(t)
	mustSeed(t, m, "sku-1", 10, 5)

	// 10 -> 4 crosses the threshold.
	if _, _, err := m.Reserve(ctx, ReserveRequest{OrderRef: "order-1", ResourceID: "sku-1", Quantity: 6}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	alerts := pub.byTopic(events.TopicLowStock)
	if len(alerts) != 1 {
		t.Fatalf("expected one low stock alert, got %d", len(alerts))
	}
	payload := alerts[0].Payload.(events.LowStock)
	if payload.Available != 4 || payload.Threshold != 5 {
		t.Fatalf("unexpected alert: %+v", payload)
	}

	// 4 -> 3 is already below; no repeat alert.
	if _, _, err := m.Reserve(ctx, ReserveRequest{OrderRef: "order-2", ResourceID: "sku-1", Quantity: 1}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if n := len(pub.byTopic(events.TopicLowStock)); n != 1 {
		t.Fatalf("expected still one alert, got %d", n)
	}
}

func TestManagerReserveClampsTTL(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	mustSeed(t, m, "sku-1", 100, 0)

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	tests := map[string]struct {
		ttl  time.Duration
		want time.Duration
	}{
		"zero takes default":   {ttl: 0, want: DefaultTTL},
		"below floor clamps":   {ttl: 10 * time.Second, want: MinTTL},
		"above ceiling clamps": {ttl: 3 * time.Hour, want: MaxTTL},
		"in range kept":        {ttl: 10 * time.Minute, want: 10 * time.Minute},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			res, _, err := m.Reserve(ctx, ReserveRequest{
				OrderRef:   "order-1",
				ResourceID: "sku-1",
				Quantity:   1,
				TTL:        tc.ttl,
			})
			if err != nil {
				t.Fatalf("reserve: %v", err)
			}
			if got := res.ExpiresAt.Sub(fixed); got != tc.want {
				t.Fatalf("expected expiry after %v, got %v", tc.want, got)
			}
		})
	}
}

func TestManagerSeedEntryIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	entry, created, err := m.SeedEntry(ctx, "sku-1", 50, 5)
	if err != nil || !created {
		t.Fatalf("expected fresh seed, got created=%v err=%v", created, err)
	}
	checkCounters(t, entry, 50, 0, 50)

	if _, _, err := m.Reserve(ctx, ReserveRequest{OrderRef: "order-1", ResourceID: "sku-1", Quantity: 10}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// A replayed creation event must not reset live counters.
	entry, created, err = m.SeedEntry(ctx, "sku-1", 50, 5)
	if err != nil || created {
		t.Fatalf("expected existing entry, got created=%v err=%v", created, err)
	}
	checkCounters(t, entry, 40, 10, 50)
}

// failingLedger wraps a LedgerStore and injects one failure.
type failingLedger struct {
	LedgerStore
	consumeErr error
}

func (f *failingLedger) ConsumeStock(ctx context.Context, resourceID string, qty int) (LedgerEntry, error) {
	if f.consumeErr != nil {
		return LedgerEntry{}, f.consumeErr
	}
	return f.LedgerStore.ConsumeStock(ctx, resourceID, qty)
}

func TestManagerConfirmLedgerFailureHandsBack(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ledger := &failingLedger{LedgerStore: store}
	m := NewManager(ledger, store, newFakePublisher(), zap.NewNop())
	mustSeed(t, m, "sku-1", 10, 0)

	res, _, err := m.Reserve(ctx, ReserveRequest{OrderRef: "order-1", ResourceID: "sku-1", Quantity: 3})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	ledger.consumeErr = errors.New("ledger down")
	if _, err := m.Confirm(ctx, res.ID, ""); err == nil {
		t.Fatalf("expected confirm to fail")
	}

	// The status goes back to pending so a redelivery can retry.
	got, err := m.Reservation(ctx, res.ID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected pending after handback, got %s", got.Status)
	}

	ledger.consumeErr = nil
	if _, err := m.Confirm(ctx, res.ID, ""); err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
	checkCounters(t, mustEntry(t, m, "sku-1"), 7, 0, 7)
}

func TestManagerRestock(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	mustSeed(t, m, "sku-1", 5, 0)

	entry, err := m.Restock(ctx, "sku-1", 20)
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	checkCounters(t, entry, 25, 0, 25)

	if _, err := m.Restock(ctx, "sku-1", 0); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected invalid quantity, got %v", err)
	}
	if _, err := m.Restock(ctx, "missing", 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestManagerConcurrentReserves(t *testing.T) {
	ctx := context.Background()
	m, _, pub := newTestManager(t)
	mustSeed(t, m, "sku-1", 30, 0)

	const workers = 60
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := m.Reserve(ctx, ReserveRequest{OrderRef: "order-load", ResourceID: "sku-1", Quantity: 1})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	won := 0
	for err := range errs {
		if err == nil {
			won++
			continue
		}
		var insufficient *InsufficientStockError
		if !errors.As(err, &insufficient) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 30 {
		t.Fatalf("expected 30 reservations, got %d", won)
	}
	checkCounters(t, mustEntry(t, m, "sku-1"), 0, 30, 30)
	if n := len(pub.byTopic(events.TopicStockReserved)); n != 30 {
		t.Fatalf("expected 30 reserved events, got %d", n)
	}
}
