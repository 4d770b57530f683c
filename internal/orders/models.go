package orders

import "time"

type Order struct {
	ID        string
	EscrowRef int64 // on-chain escrow entry id; assigned at purchase, immutable
	BuyerID   string
	SellerID  string

	AmountCents int
	Qty         int

	Status Status // see status.go

	// Hash of the on-chain confirmation tx. Null until an attempt is
	// submitted. Once the order is COMPLETED the hash is final.
	SettlementTxHash string

	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	NotifSettlementSuccess = "SETTLEMENT_SUCCESS"
	NotifSettlementFailed  = "SETTLEMENT_FAILED"
)

type Notification struct {
	ID           string
	TargetUserID string
	OrderID      string
	Kind         string // NotifSettlementSuccess | NotifSettlementFailed
	Message      string
	IsRead       bool
	CreatedAt    time.Time
}

type ShipmentEvent struct {
	ID         string
	OrderID    string
	Location   string
	Note       string
	OccurredAt time.Time
}
