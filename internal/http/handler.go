package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mozammilrja/stock-coordinator-go/internal/bus"
	"github.com/mozammilrja/stock-coordinator-go/internal/inventory"
)

type Handler struct {
	manager *inventory.Manager
	logger  *zap.Logger
}

func NewHandler(manager *inventory.Manager, logger *zap.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceId")
	entry, err := h.manager.Entry(r.Context(), resourceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type seedRequest struct {
	ResourceID       string `json:"resourceId"`
	InitialStock     int    `json:"initialStock"`
	ReorderThreshold int    `json:"reorderThreshold"`
}

func (h *Handler) SeedStock(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	entry, created, err := h.manager.SeedEntry(r.Context(), req.ResourceID, req.InitialStock, req.ReorderThreshold)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, entry)
}

type restockRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) Restock(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceId")
	var req restockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	entry, err := h.manager.Restock(r.Context(), resourceID, req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type reserveRequest struct {
	OrderRef   string `json:"orderRef"`
	ResourceID string `json:"resourceId"`
	UserID     string `json:"userId"`
	Quantity   int    `json:"quantity"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type reserveResponse struct {
	Reservation inventory.Reservation `json:"reservation"`
	Available   int                   `json:"available"`
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	res, entry, err := h.manager.Reserve(r.Context(), inventory.ReserveRequest{
		OrderRef:      req.OrderRef,
		ResourceID:    req.ResourceID,
		UserID:        req.UserID,
		Quantity:      req.Quantity,
		TTL:           time.Duration(req.TTLSeconds) * time.Second,
		CorrelationID: middleware.GetReqID(r.Context()),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reserveResponse{Reservation: res, Available: entry.Available})
}

func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reservationId")
	res, err := h.manager.Reservation(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reservationId")
	res, err := h.manager.Confirm(r.Context(), id, middleware.GetReqID(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type releaseRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reservationId")

	req := releaseRequest{Reason: inventory.ReasonCancelled}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Reason == "" {
			req.Reason = inventory.ReasonCancelled
		}
	}

	res, err := h.manager.Release(r.Context(), id, req.Reason, middleware.GetReqID(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) OrderReservations(w http.ResponseWriter, r *http.Request) {
	orderRef := chi.URLParam(r, "orderRef")
	reservations, err := h.manager.ByOrder(r.Context(), orderRef)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if reservations == nil {
		reservations = []inventory.Reservation{}
	}
	writeJSON(w, http.StatusOK, reservations)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var insufficient *inventory.InsufficientStockError
	var conflict *inventory.StateConflictError
	var publishErr *bus.PublishError

	switch {
	case errors.Is(err, inventory.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "insufficient_stock",
			"resourceId": insufficient.ResourceID,
			"requested":  insufficient.Requested,
			"available":  insufficient.Available,
		})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":         "state_conflict",
			"reservationId": conflict.ReservationID,
			"status":        string(conflict.Current),
		})
	case errors.Is(err, inventory.ErrInvalidQuantity), errors.Is(err, inventory.ErrMissingResource):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &publishErr):
		http.Error(w, "event publish failed", http.StatusBadGateway)
	default:
		h.logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
