package settlement

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agrilink/escrow-settlement/internal/ledger"
	"github.com/agrilink/escrow-settlement/internal/orders"
)

// Store is the slice of the order repository the settlement core writes
// through. *orders.Repo satisfies it; tests plug in a fake.
type Store interface {
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	CompleteSettlement(ctx context.Context, orderID, txHash string) (orders.Order, bool, error)
	MarkSettlementFailed(ctx context.Context, orderID, reason string) (orders.Order, bool, error)
}

// Executor submits the on-chain confirmation call and classifies the result.
// It never mutates the order store; that is the reconciler's job.
type Executor struct {
	ledger  ledger.Client
	store   Store
	timeout time.Duration
	log     *zap.Logger
}

func NewExecutor(l ledger.Client, s Store, finalityTimeout time.Duration, log *zap.Logger) *Executor {
	return &Executor{ledger: l, store: s, timeout: finalityTimeout, log: log}
}

// ConfirmSettlement re-validates the order against the store, submits the
// confirmation and waits for finality. Cancellation of ctx is honored only
// until submission; once the tx is out, the wait runs detached so the
// reconciler can still act on the outcome.
func (e *Executor) ConfirmSettlement(ctx context.Context, o orders.Order) Outcome {
	if o.ID == "" || o.EscrowRef <= 0 {
		return Outcome{Kind: OutcomeInvalidInput, Reason: "missing or malformed escrow reference"}
	}

	// Close the race window: the caller's snapshot may be stale.
	fresh, err := e.store.GetOrder(ctx, o.ID)
	if err != nil {
		return Outcome{Kind: OutcomeTransportError, Err: err}
	}
	if fresh.Status == orders.StatusCompleted {
		// Already settled; nothing to submit.
		return Outcome{Kind: OutcomeSucceeded, TxHash: fresh.SettlementTxHash}
	}
	if !orders.SettlementPending(fresh.Status) {
		return Outcome{Kind: OutcomeInvalidInput, Reason: "order not in a confirmable state: " + string(fresh.Status)}
	}

	txHash, err := e.ledger.ConfirmDelivery(ctx, fresh.EscrowRef)
	if err != nil {
		var rev *ledger.RevertError
		if errors.As(err, &rev) {
			return Outcome{Kind: OutcomeReverted, Reason: rev.Reason}
		}
		return Outcome{Kind: OutcomeTransportError, Err: err}
	}

	e.log.Info("awaiting finality",
		zap.String("order_id", o.ID), zap.String("tx_hash", txHash))

	// Detached wait: a user navigating away must not abandon a submitted tx.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	rcpt, err := e.ledger.WaitReceipt(wctx, txHash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ledger.ErrReceiptPending) {
			return Outcome{Kind: OutcomeIndeterminate, TxHash: txHash}
		}
		// The tx is on the wire and the node went away: the outcome is
		// unknown, not failed.
		return Outcome{Kind: OutcomeIndeterminate, TxHash: txHash, Err: err}
	}
	if !rcpt.Success {
		return Outcome{Kind: OutcomeReverted, TxHash: txHash, Reason: rcpt.Reason}
	}
	return Outcome{Kind: OutcomeSucceeded, TxHash: rcpt.TxHash}
}
