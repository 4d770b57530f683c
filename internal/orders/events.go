package orders

import (
	"encoding/json"
	"time"
)

const (
	EventSettlementCompleted = "SettlementCompleted"
	EventSettlementFailed    = "SettlementFailed"
	EventSettlementRecheck   = "SettlementRecheck"
	EventOrderChanged        = "OrderChanged"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "settlement-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payload per event ----

type SettlementCompletedPayload struct {
	OrderID     string `json:"order_id"`
	EscrowRef   int64  `json:"escrow_ref"`
	TxHash      string `json:"tx_hash"`
	SellerID    string `json:"seller_id"`
	AmountCents int    `json:"amount_cents"`
}

type SettlementFailedPayload struct {
	OrderID   string `json:"order_id"`
	EscrowRef int64  `json:"escrow_ref"`
	Reason    string `json:"reason"` // raw revert reason, for operator review
}

// Emitted when a confirmation attempt timed out waiting for finality.
// Consumers re-query the ledger by tx hash and apply the true outcome.
type SettlementRecheckPayload struct {
	OrderID   string `json:"order_id"`
	EscrowRef int64  `json:"escrow_ref"`
	TxHash    string `json:"tx_hash"`
	Attempt   int    `json:"attempt"`
}

type OrderChangedPayload struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	TxHash  string `json:"tx_hash,omitempty"`
}
