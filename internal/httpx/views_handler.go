package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/agrilink/escrow-settlement/internal/orders"
	"github.com/agrilink/escrow-settlement/internal/redisx"
)

// ViewsHandler serves the read-side: order status, tracking timeline,
// per-party lists, notifications, plus the shipping-producer surface.
type ViewsHandler struct {
	Repo  *orders.Repo
	Redis *redis.Client
}

func (h *ViewsHandler) Register(r *chi.Mux) {
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/tracking", h.getTracking)
	r.Post("/orders/{id}/shipment", h.postShipment)
	r.Get("/users/{id}/sales", h.listSales)
	r.Get("/users/{id}/purchases", h.listPurchases)
	r.Get("/users/{id}/notifications", h.listNotifications)
	r.Post("/notifications/{id}/read", h.markNotificationRead)
}

func (h *ViewsHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	// status cache first
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if s, err := h.Redis.Get(r.Context(), key).Result(); err == nil && s != "" {
		writeJSON(w, http.StatusOK, json.RawMessage(s))
		return
	}

	o, err := h.Repo.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	body := map[string]any{
		"id":                 o.ID,
		"status":             o.Status,
		"settlement_tx_hash": o.SettlementTxHash,
		"escrow_ref":         o.EscrowRef,
		"amount_cents":       o.AmountCents,
		"qty":                o.Qty,
	}
	b, _ := json.Marshal(body)
	_ = h.Redis.Set(r.Context(), key, b, redisx.TTLStatusCache).Err()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (h *ViewsHandler) getTracking(w http.ResponseWriter, r *http.Request) {
	evs, err := h.Repo.Tracking(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

type shipmentReq struct {
	Location string `json:"location"`
	Note     string `json:"note"`
}

func (h *ViewsHandler) postShipment(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req shipmentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if err := h.Repo.MarkShipped(r.Context(), orderID, req.Location, req.Note); err != nil {
		switch {
		case errors.Is(err, orders.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		case errors.Is(err, orders.ErrNotEligible):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}
	// shipment changed the status; drop the stale cache entry
	_ = h.Redis.Del(r.Context(), fmt.Sprintf(redisx.KeyOrderStatus, orderID)).Err()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *ViewsHandler) listSales(w http.ResponseWriter, r *http.Request) {
	out, err := h.Repo.ListSales(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ViewsHandler) listPurchases(w http.ResponseWriter, r *http.Request) {
	out, err := h.Repo.ListPurchases(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ViewsHandler) listNotifications(w http.ResponseWriter, r *http.Request) {
	out, err := h.Repo.ListNotifications(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ViewsHandler) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := h.Repo.MarkNotificationRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
