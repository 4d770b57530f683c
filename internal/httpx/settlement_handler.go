package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agrilink/escrow-settlement/internal/orders"
	"github.com/agrilink/escrow-settlement/internal/settlement"
)

// SettlementHandler exposes the confirmation triggers: buyer click, QR scan
// and the operator endpoint. All of them call into the same reconciler.
type SettlementHandler struct {
	Reconciler *settlement.Reconciler
	Orders     OrderReader
	AdminToken string
	Log        *zap.Logger
}

// OrderReader is the read slice the triggers need; *orders.Repo satisfies it.
type OrderReader interface {
	GetOrderByEscrowRef(ctx context.Context, ref int64) (orders.Order, error)
}

func (h *SettlementHandler) Register(r *chi.Mux) {
	r.Post("/orders/{id}/confirm-delivery", h.confirmManual)
	r.Post("/confirmations/qr", h.confirmQR)
	r.Post("/admin/settlements/confirm", h.confirmAdmin)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *SettlementHandler) confirmManual(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	actor := r.Header.Get("X-User-Id")
	if orderID == "" || actor == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing order id or user"})
		return
	}
	o, err := h.Reconciler.Confirm(r.Context(), orderID, settlement.Trigger{
		Source: settlement.SourceManual, ActorID: actor, TraceID: r.Header.Get("X-Request-Id"),
	})
	h.respond(w, o, err)
}

type qrConfirmReq struct {
	Token string `json:"token"`
}

func (h *SettlementHandler) confirmQR(w http.ResponseWriter, r *http.Request) {
	var req qrConfirmReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	orderID := resolveQRToken(req.Token)
	actor := r.Header.Get("X-User-Id")
	if orderID == "" || actor == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unrecognized QR token"})
		return
	}
	o, err := h.Reconciler.Confirm(r.Context(), orderID, settlement.Trigger{
		Source: settlement.SourceQR, ActorID: actor, TraceID: r.Header.Get("X-Request-Id"),
	})
	h.respond(w, o, err)
}

// resolveQRToken accepts either a bare order id or a URL whose last path
// segment is the order id (the scanning component hands us both shapes).
func resolveQRToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if u, err := url.Parse(token); err == nil && u.Scheme != "" {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		return parts[len(parts)-1]
	}
	return token
}

type adminConfirmReq struct {
	BlockchainTxID int64 `json:"blockchain_tx_id"`
}

type adminConfirmResp struct {
	Success bool           `json:"success"`
	Hash    string         `json:"hash,omitempty"`
	Receipt map[string]any `json:"receipt,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// confirmAdmin settles by on-chain escrow id using the operator credential.
func (h *SettlementHandler) confirmAdmin(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Admin-Token")
	if h.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.AdminToken)) != 1 {
		writeJSON(w, http.StatusForbidden, adminConfirmResp{Success: false, Error: "invalid operator credential"})
		return
	}

	var req adminConfirmReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BlockchainTxID <= 0 {
		writeJSON(w, http.StatusBadRequest, adminConfirmResp{Success: false, Error: "invalid blockchain_tx_id"})
		return
	}

	o, err := h.Orders.GetOrderByEscrowRef(r.Context(), req.BlockchainTxID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			writeJSON(w, http.StatusBadRequest, adminConfirmResp{Success: false, Error: "no order for that escrow id"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, adminConfirmResp{Success: false, Error: "lookup failed"})
		return
	}

	o, err = h.Reconciler.Confirm(r.Context(), o.ID, settlement.Trigger{
		Source: settlement.SourceAdmin, TraceID: r.Header.Get("X-Request-Id"),
	})
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrIndeterminate), errors.Is(err, settlement.ErrReconciliationGap):
			writeJSON(w, http.StatusAccepted, adminConfirmResp{Success: false, Error: "pending confirmation"})
		case errors.Is(err, settlement.ErrUnauthorizedRevert),
			errors.Is(err, settlement.ErrBusinessRevert),
			errors.Is(err, settlement.ErrPermanentRevert),
			errors.Is(err, settlement.ErrInvalidInput):
			writeJSON(w, http.StatusBadRequest, adminConfirmResp{Success: false, Error: err.Error()})
		default:
			h.Log.Error("admin confirm failed", zap.Int64("escrow_ref", req.BlockchainTxID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, adminConfirmResp{Success: false, Error: "unexpected failure"})
		}
		return
	}
	writeJSON(w, http.StatusOK, adminConfirmResp{
		Success: true,
		Hash:    o.SettlementTxHash,
		Receipt: map[string]any{"order_id": o.ID, "status": o.Status, "tx_hash": o.SettlementTxHash},
	})
}

// respond maps reconciler errors for the user-facing triggers. Indeterminate
// and gap states are "pending", never plain failures.
func (h *SettlementHandler) respond(w http.ResponseWriter, o orders.Order, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"order_id": o.ID, "status": o.Status, "settlement_tx_hash": o.SettlementTxHash,
		})
		return
	}
	switch {
	case errors.Is(err, settlement.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, settlement.ErrUnauthorized):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "only the buyer can confirm delivery"})
	case errors.Is(err, settlement.ErrUnauthorizedRevert):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "the escrow contract rejected this caller; contact support"})
	case errors.Is(err, settlement.ErrBusinessRevert), errors.Is(err, settlement.ErrPermanentRevert):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, settlement.ErrIndeterminate),
		errors.Is(err, settlement.ErrReconciliationGap),
		errors.Is(err, settlement.ErrInFlight):
		writeJSON(w, http.StatusAccepted, map[string]any{
			"order_id": o.ID, "status": "PENDING_CONFIRMATION",
		})
	case errors.Is(err, settlement.ErrTransport):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ledger unreachable, try again"})
	default:
		h.Log.Error("confirm failed", zap.String("order_id", o.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
