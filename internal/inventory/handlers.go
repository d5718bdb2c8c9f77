package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mozammilrja/stock-coordinator-go/internal/bus"
	"github.com/mozammilrja/stock-coordinator-go/internal/events"
)

// OrderCreatedHandler reserves stock for every valid line of a new order.
// A line the ledger cannot cover is a business refusal: it is logged and the
// remaining lines still run, so the message is acked. Returning an error
// drops the message without requeue, which is reserved for infrastructure
// failures where a redelivery could succeed.
func OrderCreatedHandler(m *Manager, logger *zap.Logger) bus.Handler {
	return func(ctx context.Context, ev events.Envelope) error {
		var payload events.OrderCreated
		if err := ev.Decode(&payload); err != nil {
			return fmt.Errorf("decode order.created: %w", err)
		}
		if payload.OrderID == "" {
			return errors.New("order.created missing orderId")
		}

		correlationID := correlationFrom(ev)
		ttl := time.Duration(payload.TTLSeconds) * time.Second

		for _, line := range payload.Items {
			if line.ResourceID == "" || line.Quantity <= 0 {
				logger.Warn("skipping invalid order line",
					zap.String("orderId", payload.OrderID),
					zap.String("resourceId", line.ResourceID),
					zap.Int("quantity", line.Quantity))
				continue
			}

			_, _, err := m.Reserve(ctx, ReserveRequest{
				OrderRef:      payload.OrderID,
				ResourceID:    line.ResourceID,
				UserID:        payload.UserID,
				Quantity:      line.Quantity,
				TTL:           ttl,
				CorrelationID: correlationID,
			})

			var insufficient *InsufficientStockError
			switch {
			case err == nil:
			case errors.As(err, &insufficient):
				logger.Warn("reserve refused",
					zap.String("orderId", payload.OrderID),
					zap.String("resourceId", line.ResourceID),
					zap.Int("requested", insufficient.Requested),
					zap.Int("available", insufficient.Available))
			default:
				return fmt.Errorf("reserve %s for order %s: %w", line.ResourceID, payload.OrderID, err)
			}
		}
		return nil
	}
}

// OrderCompletedHandler confirms every pending reservation held for the
// order. Reservations the sweeper released first are logged and skipped.
func OrderCompletedHandler(m *Manager, logger *zap.Logger) bus.Handler {
	return func(ctx context.Context, ev events.Envelope) error {
		var payload events.OrderCompleted
		if err := ev.Decode(&payload); err != nil {
			return fmt.Errorf("decode order.completed: %w", err)
		}
		if payload.OrderID == "" {
			return errors.New("order.completed missing orderId")
		}

		correlationID := correlationFrom(ev)
		reservations, err := m.ByOrder(ctx, payload.OrderID)
		if err != nil {
			return fmt.Errorf("load reservations for order %s: %w", payload.OrderID, err)
		}
		if len(reservations) == 0 {
			logger.Warn("completed order holds no reservations",
				zap.String("orderId", payload.OrderID))
			return nil
		}

		for _, res := range reservations {
			if res.Status != StatusPending {
				continue
			}
			_, err := m.Confirm(ctx, res.ID, correlationID)
			switch {
			case err == nil:
			case isStateConflict(err):
				logger.Warn("reservation settled before confirm",
					zap.String("orderId", payload.OrderID),
					zap.String("reservationId", res.ID))
			default:
				return fmt.Errorf("confirm %s for order %s: %w", res.ID, payload.OrderID, err)
			}
		}
		return nil
	}
}

// OrderCancelledHandler releases every reservation held for the order.
// Already released reservations are no-ops; confirmed ones stay confirmed.
func OrderCancelledHandler(m *Manager, logger *zap.Logger) bus.Handler {
	return func(ctx context.Context, ev events.Envelope) error {
		var payload events.OrderCancelled
		if err := ev.Decode(&payload); err != nil {
			return fmt.Errorf("decode order.cancelled: %w", err)
		}
		if payload.OrderID == "" {
			return errors.New("order.cancelled missing orderId")
		}

		correlationID := correlationFrom(ev)
		reservations, err := m.ByOrder(ctx, payload.OrderID)
		if err != nil {
			return fmt.Errorf("load reservations for order %s: %w", payload.OrderID, err)
		}

		for _, res := range reservations {
			_, err := m.Release(ctx, res.ID, ReasonCancelled, correlationID)
			switch {
			case err == nil:
			case isStateConflict(err):
				logger.Warn("reservation already confirmed, cancel does not touch it",
					zap.String("orderId", payload.OrderID),
					zap.String("reservationId", res.ID))
			default:
				return fmt.Errorf("release %s for order %s: %w", res.ID, payload.OrderID, err)
			}
		}
		return nil
	}
}

// ProductCreatedHandler seeds a ledger entry for a newly listed resource.
func ProductCreatedHandler(m *Manager, logger *zap.Logger) bus.Handler {
	return func(ctx context.Context, ev events.Envelope) error {
		var payload events.ProductCreated
		if err := ev.Decode(&payload); err != nil {
			return fmt.Errorf("decode product.created: %w", err)
		}
		if payload.ResourceID == "" {
			return errors.New("product.created missing resourceId")
		}

		_, created, err := m.SeedEntry(ctx, payload.ResourceID, payload.InitialStock, payload.ReorderThreshold)
		if err != nil {
			return fmt.Errorf("seed entry for %s: %w", payload.ResourceID, err)
		}
		if !created {
			logger.Debug("ledger entry already seeded",
				zap.String("resourceId", payload.ResourceID))
		}
		return nil
	}
}

// correlationFrom threads the causal chain: reuse the incoming correlation
// id, or start one from the event that triggered the work.
func correlationFrom(ev events.Envelope) string {
	if ev.CorrelationID != "" {
		return ev.CorrelationID
	}
	return ev.ID
}
