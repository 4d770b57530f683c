package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

var (
	ErrNotFound    = errors.New("order not found")
	ErrNotEligible = errors.New("order not eligible for settlement")
)

const orderColumns = `id, escrow_ref, buyer_id, seller_id, amount_cents, qty,
       status, COALESCE(settlement_tx_hash, ''), created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var status string
	err := row.Scan(&o.ID, &o.EscrowRef, &o.BuyerID, &o.SellerID, &o.AmountCents, &o.Qty,
		&status, &o.SettlementTxHash, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	o.Status = Status(status)
	return o, nil
}

func (r *Repo) GetOrder(ctx context.Context, orderID string) (Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID)
	return scanOrder(row)
}

func (r *Repo) GetOrderByEscrowRef(ctx context.Context, ref int64) (Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE escrow_ref=$1`, ref)
	return scanOrder(row)
}

// CompleteSettlement transitions the order to COMPLETED and emits the seller
// notification in one transaction. The status update is conditional on the
// current status still being a pre-settlement one, so a concurrent caller
// cannot apply the transition twice; the notification insert is keyed on
// (order_id, kind) and conflicts are ignored.
//
// Returns applied=false when the order was already COMPLETED, with the
// existing record — the caller treats that as idempotent success.
func (r *Repo) CompleteSettlement(ctx context.Context, orderID, txHash string) (o Order, applied bool, err error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status='COMPLETED', settlement_tx_hash=$2, updated_at=now()
		WHERE id=$1 AND status IN ('AWAITING_DELIVERY','SHIPPED')`,
		orderID, txHash)
	if err != nil {
		return Order{}, false, err
	}

	if ct.RowsAffected() == 0 {
		// Lost the race or replayed: read back whatever is there.
		o, err = scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID))
		if err != nil {
			return Order{}, false, err
		}
		if o.Status != StatusCompleted {
			return Order{}, false, fmt.Errorf("%w: status=%s", ErrNotEligible, o.Status)
		}
		return o, false, tx.Commit(ctx)
	}

	o, err = scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID))
	if err != nil {
		return Order{}, false, err
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO notifications(id, target_user_id, order_id, kind, message)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (order_id, kind) DO NOTHING`,
		uuid.NewString(), o.SellerID, o.ID, NotifSettlementSuccess,
		fmt.Sprintf("Payment for order %s has been released from escrow.", o.ID),
	); err != nil {
		return Order{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, false, err
	}
	return o, true, nil
}

// MarkSettlementFailed moves the order to the terminal FAILED_SETTLEMENT state
// and notifies the buyer. Same conditional-update shape as CompleteSettlement.
func (r *Repo) MarkSettlementFailed(ctx context.Context, orderID, reason string) (o Order, applied bool, err error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status='FAILED_SETTLEMENT', updated_at=now()
		WHERE id=$1 AND status IN ('AWAITING_DELIVERY','SHIPPED')`,
		orderID)
	if err != nil {
		return Order{}, false, err
	}

	o, err = scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID))
	if err != nil {
		return Order{}, false, err
	}
	if ct.RowsAffected() == 0 {
		return o, false, tx.Commit(ctx)
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO notifications(id, target_user_id, order_id, kind, message)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (order_id, kind) DO NOTHING`,
		uuid.NewString(), o.BuyerID, o.ID, NotifSettlementFailed,
		fmt.Sprintf("Settlement for order %s was rejected by the escrow contract: %s", o.ID, reason),
	); err != nil {
		return Order{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, false, err
	}
	return o, true, nil
}

// MarkShipped is the shipping-producer surface: AWAITING_DELIVERY -> SHIPPED
// plus a tracking entry. Repeated updates on an already-shipped order only
// append to the timeline.
func (r *Repo) MarkShipped(ctx context.Context, orderID, location, note string) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	switch Status(status) {
	case StatusAwaitingDelivery:
		if _, err := tx.Exec(ctx, `UPDATE orders SET status='SHIPPED', updated_at=now() WHERE id=$1`, orderID); err != nil {
			return err
		}
	case StatusShipped:
		// timeline-only update
	default:
		return fmt.Errorf("%w: status=%s", ErrNotEligible, status)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO shipment_events(id, order_id, location, note)
		VALUES ($1,$2,$3,$4)`,
		uuid.NewString(), orderID, location, note); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
