package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	kafkax "github.com/agrilink/escrow-settlement/internal/kafka"
	"github.com/agrilink/escrow-settlement/internal/ledger"
	"github.com/agrilink/escrow-settlement/internal/orders"
	"github.com/agrilink/escrow-settlement/internal/redisx"
)

const (
	SourceManual = "manual"
	SourceQR     = "qr"
	SourceAdmin  = "admin"
)

// Trigger identifies who asked for the confirmation. Admin triggers carry an
// operator credential checked at the HTTP boundary; manual and QR triggers
// must come from the order's buyer. The contract enforces its own caller
// check on top.
type Trigger struct {
	Source  string
	ActorID string
	TraceID string
}

// EventSink is where applied transitions are announced. The kafka producer
// satisfies it; tests use a recorder.
type EventSink interface {
	Publish(topic string, key, value []byte)
}

// Reconciler owns every mutation of the order record that settlement can
// cause. All confirmation paths (buyer click, QR scan, admin call, background
// recheck) funnel through it and are serialized per order id.
type Reconciler struct {
	store  Store
	exec   *Executor
	ledger ledger.Client
	sink   EventSink
	locks  *keyedMutex

	rdb     *redis.Client // optional cross-process shedding; nil in tests
	service string
	log     *zap.Logger

	gapRetries int
	gapBackoff time.Duration
	recheckMax int
}

func NewReconciler(s Store, exec *Executor, lc ledger.Client, sink EventSink, rdb *redis.Client, service string, log *zap.Logger) *Reconciler {
	return &Reconciler{
		store:      s,
		exec:       exec,
		ledger:     lc,
		sink:       sink,
		locks:      newKeyedMutex(),
		rdb:        rdb,
		service:    service,
		log:        log,
		gapRetries: 5,
		gapBackoff: 100 * time.Millisecond,
		recheckMax: 10,
	}
}

// Confirm runs one delivery-confirmation attempt end to end. It is safe to
// call repeatedly and concurrently for the same order: an order that is
// already COMPLETED is returned as-is, with no second notification or event.
func (r *Reconciler) Confirm(ctx context.Context, orderID string, trig Trigger) (orders.Order, error) {
	unlock := r.locks.lock(orderID)
	defer unlock()

	if r.rdb != nil {
		key := fmt.Sprintf(redisx.KeySettleLock, orderID)
		ok, err := redisx.TryLock(ctx, r.rdb, key, redisx.TTLSettleLock)
		if err == nil && !ok {
			o, gerr := r.store.GetOrder(ctx, orderID)
			if gerr != nil {
				return orders.Order{ID: orderID}, ErrInFlight
			}
			if o.Status == orders.StatusCompleted {
				return o, nil
			}
			return o, ErrInFlight
		}
		if err == nil {
			defer redisx.Unlock(context.WithoutCancel(ctx), r.rdb, key)
		}
	}

	o, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			return orders.Order{}, fmt.Errorf("%w: %s", ErrInvalidInput, orderID)
		}
		return orders.Order{}, err
	}

	if trig.Source != SourceAdmin && trig.ActorID != o.BuyerID {
		return o, ErrUnauthorized
	}

	out := r.exec.ConfirmSettlement(ctx, o)
	return r.applyOutcome(ctx, o, out, trig.TraceID)
}

func (r *Reconciler) applyOutcome(ctx context.Context, o orders.Order, out Outcome, trace string) (orders.Order, error) {
	switch out.Kind {
	case OutcomeSucceeded:
		return r.complete(ctx, o, out.TxHash, trace)

	case OutcomeReverted:
		return r.applyRevert(ctx, o, out, trace)

	case OutcomeIndeterminate:
		// No state mutation. Hand the submitted hash to the background
		// recheck so the order cannot stay silently stuck.
		r.publishRecheck(o, out.TxHash, 1, trace)
		r.log.Warn("settlement outcome indeterminate, recheck scheduled",
			zap.String("order_id", o.ID), zap.String("tx_hash", out.TxHash), zap.Error(out.Err))
		return o, ErrIndeterminate

	case OutcomeTransportError:
		return o, fmt.Errorf("%w: %v", ErrTransport, out.Err)

	case OutcomeInvalidInput:
		return o, fmt.Errorf("%w: %s", ErrInvalidInput, out.Reason)
	}
	return o, fmt.Errorf("unhandled outcome %s", out.Kind)
}

// complete applies SUCCEEDED to the store. The on-chain effect is final at
// this point, so a failing local write is a reconciliation gap: it is retried
// here with backoff and, if still failing, handed to the background worker.
// The on-chain call is never re-invoked to fix a local write.
func (r *Reconciler) complete(ctx context.Context, o orders.Order, txHash, trace string) (orders.Order, error) {
	// The write must land even if the caller is gone.
	wctx := context.WithoutCancel(ctx)

	var lastErr error
	backoff := r.gapBackoff
	for attempt := 0; attempt <= r.gapRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		updated, applied, err := r.store.CompleteSettlement(wctx, o.ID, txHash)
		if err != nil {
			lastErr = err
			continue
		}
		if applied {
			r.publishCompleted(updated, trace)
			r.publishChanged(updated, trace)
			r.log.Info("settlement completed",
				zap.String("order_id", updated.ID),
				zap.String("tx_hash", updated.SettlementTxHash),
				zap.Int64("escrow_ref", updated.EscrowRef))
		}
		return updated, nil
	}

	// Funds are released on-chain but the record still shows pending. The
	// recheck worker will find the confirmed receipt and retry this write.
	r.log.Error("reconciliation gap: on-chain success, local write failing",
		zap.String("order_id", o.ID), zap.String("tx_hash", txHash), zap.Error(lastErr))
	r.publishRecheck(o, txHash, 1, trace)
	return o, ErrReconciliationGap
}

func (r *Reconciler) applyRevert(ctx context.Context, o orders.Order, out Outcome, trace string) (orders.Order, error) {
	switch ledger.ClassifyRevert(out.Reason) {
	case ledger.RevertUnauthorized:
		// Wrong signer, not a wrong order: leave the status for a retry
		// after the credential is corrected.
		return o, fmt.Errorf("%w: %s", ErrUnauthorizedRevert, out.Reason)

	case ledger.RevertInvalidStatus:
		fresh, err := r.store.GetOrder(ctx, o.ID)
		if err == nil && fresh.Status == orders.StatusCompleted {
			// The contract already settled this entry; replay.
			return fresh, nil
		}
		return o, fmt.Errorf("%w: %s", ErrBusinessRevert, out.Reason)

	default:
		updated, applied, err := r.store.MarkSettlementFailed(context.WithoutCancel(ctx), o.ID, out.Reason)
		if err != nil {
			r.log.Error("could not record failed settlement",
				zap.String("order_id", o.ID), zap.Error(err))
			return o, fmt.Errorf("%w: %s", ErrPermanentRevert, out.Reason)
		}
		if applied {
			r.publishFailed(updated, out.Reason, trace)
			r.publishChanged(updated, trace)
		}
		return updated, fmt.Errorf("%w: %s", ErrPermanentRevert, out.Reason)
	}
}

// Recheck resolves an earlier indeterminate outcome: look the tx up by hash
// and apply whatever the ledger actually did. Returns ErrStillPending while
// the tx is unmined; the worker reschedules with attempt+1.
func (r *Reconciler) Recheck(ctx context.Context, p orders.SettlementRecheckPayload, trace string) error {
	unlock := r.locks.lock(p.OrderID)
	defer unlock()

	o, err := r.store.GetOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if !orders.SettlementPending(o.Status) {
		return nil // resolved by another path
	}

	rcpt, err := r.ledger.Receipt(ctx, p.TxHash)
	if err == nil {
		out := Outcome{Kind: OutcomeSucceeded, TxHash: rcpt.TxHash}
		if !rcpt.Success {
			out = Outcome{Kind: OutcomeReverted, TxHash: rcpt.TxHash, Reason: rcpt.Reason}
		}
		_, aerr := r.applyOutcome(ctx, o, out, trace)
		if aerr != nil && !errors.Is(aerr, ErrPermanentRevert) && !errors.Is(aerr, ErrBusinessRevert) && !errors.Is(aerr, ErrUnauthorizedRevert) {
			return aerr
		}
		return nil
	}
	if !errors.Is(err, ledger.ErrReceiptPending) {
		return err
	}

	if p.Attempt >= r.recheckMax {
		// Receipt never showed up. Ask the contract directly by escrow ref
		// in case the hash was replaced or pruned.
		confirmed, cerr := r.ledger.DeliveryConfirmed(ctx, p.EscrowRef)
		if cerr == nil && confirmed {
			// The submitted hash never produced a receipt, so it may have
			// been replaced; only a confirmed tx may be recorded.
			_, aerr := r.complete(ctx, o, "", trace)
			return aerr
		}
		// The tx fell out of the mempool: funds were not moved and the
		// order is still confirmable by a fresh trigger.
		r.log.Warn("confirmation tx never mined, giving up recheck",
			zap.String("order_id", p.OrderID), zap.String("tx_hash", p.TxHash), zap.Int("attempts", p.Attempt))
		return nil
	}
	return ErrStillPending
}

// PublishRecheck re-enqueues a pending recheck; used by the worker loop.
func (r *Reconciler) PublishRecheck(o orders.SettlementRecheckPayload, trace string) {
	r.publish(orders.EventSettlementRecheck, orders.TopicSettlementRecheck, o.OrderID, trace, o)
}

func (r *Reconciler) publishRecheck(o orders.Order, txHash string, attempt int, trace string) {
	r.publish(orders.EventSettlementRecheck, orders.TopicSettlementRecheck, o.ID, trace,
		orders.SettlementRecheckPayload{OrderID: o.ID, EscrowRef: o.EscrowRef, TxHash: txHash, Attempt: attempt})
}

func (r *Reconciler) publishCompleted(o orders.Order, trace string) {
	r.publish(orders.EventSettlementCompleted, orders.TopicSettlementCompleted, o.ID, trace,
		orders.SettlementCompletedPayload{
			OrderID: o.ID, EscrowRef: o.EscrowRef, TxHash: o.SettlementTxHash,
			SellerID: o.SellerID, AmountCents: o.AmountCents,
		})
}

func (r *Reconciler) publishFailed(o orders.Order, reason, trace string) {
	r.publish(orders.EventSettlementFailed, orders.TopicSettlementFailed, o.ID, trace,
		orders.SettlementFailedPayload{OrderID: o.ID, EscrowRef: o.EscrowRef, Reason: reason})
}

func (r *Reconciler) publishChanged(o orders.Order, trace string) {
	r.publish(orders.EventOrderChanged, orders.TopicOrderChanged, o.ID, trace,
		orders.OrderChangedPayload{OrderID: o.ID, Status: string(o.Status), TxHash: o.SettlementTxHash})
}

func (r *Reconciler) publish(eventType, topic, orderID, trace string, payload any) {
	if r.sink == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      r.service,
		TraceID:       trace,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	r.sink.Publish(topic, orders.PartitionKey(orderID), kafkax.MustMarshal(ev))
}
