package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agrilink/escrow-settlement/internal/ledger"
	"github.com/agrilink/escrow-settlement/internal/orders"
	"github.com/agrilink/escrow-settlement/internal/redisx"
)

func awaitingOrder() orders.Order {
	return orders.Order{
		ID:          "42",
		EscrowRef:   7,
		BuyerID:     "buyer-1",
		SellerID:    "seller-1",
		AmountCents: 12500,
		Qty:         3,
		Status:      orders.StatusAwaitingDelivery,
	}
}

func newTestReconciler(store *fakeStore, lc *fakeLedger, sink *recordSink, finality time.Duration) *Reconciler {
	log := zap.NewNop()
	exec := NewExecutor(lc, store, finality, log)
	r := NewReconciler(store, exec, lc, sink, nil, "settlement-test", log)
	r.gapBackoff = time.Millisecond
	return r
}

func buyerTrigger() Trigger {
	return Trigger{Source: SourceManual, ActorID: "buyer-1"}
}

func TestConfirmSucceeds(t *testing.T) {
	store := newFakeStore(awaitingOrder())
	lc := &fakeLedger{
		confirmHash: "0xabc",
		receipt:     &ledger.Receipt{TxHash: "0xabc", Success: true},
	}
	sink := &recordSink{}
	rec := newTestReconciler(store, lc, sink, time.Second)

	o, err := rec.Confirm(context.Background(), "42", buyerTrigger())
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCompleted, o.Status)
	assert.Equal(t, "0xabc", o.SettlementTxHash)

	notifs := store.notifications(orders.NotifSettlementSuccess)
	require.Len(t, notifs, 1)
	assert.Equal(t, "seller-1", notifs[0].TargetUserID)
	assert.Equal(t, "42", notifs[0].OrderID)

	assert.Len(t, sink.byTopic(orders.TopicSettlementCompleted), 1)
	assert.Len(t, sink.byTopic(orders.TopicOrderChanged), 1)
}

func TestConfirmIsIdempotent(t *testing.T) {
	store := newFakeStore(awaitingOrder())
	lc := &fakeLedger{
		confirmHash: "0xabc",
		receipt:     &ledger.Receipt{TxHash: "0xabc", Success: true},
	}
	sink := &recordSink{}
	rec := newTestReconciler(store, lc, sink, time.Second)

	first, err := rec.Confirm(context.Background(), "42", buyerTrigger())
	require.NoError(t, err)
	second, err := rec.Confirm(context.Background(), "42", buyerTrigger())
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.SettlementTxHash, second.SettlementTxHash)

	// one submission, one notification, one completed event
	assert.Equal(t, 1, lc.calls())
	assert.Len(t, store.notifications(orders.NotifSettlementSuccess), 1)
	assert.Len(t, sink.byTopic(orders.TopicSettlementCompleted), 1)
}

func TestConcurrentConfirmsTransitionOnce(t *testing.T) {
	store := newFakeStore(awaitingOrder())
	lc := &fakeLedger{
		confirmHash: "0xabc",
		receipt:     &ledger.Receipt{TxHash: "0xabc", Success: true},
	}
	sink := &recordSink{}
	rec := newTestReconciler(store, lc, sink, time.Second)

	var wg sync.WaitGroup
	results := make([]orders.Order, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = rec.Confirm(context.Background(), "42", buyerTrigger())
		}(i)
	}
	wg.Wait()

	// the loser observes the applied state, not an error
	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, orders.StatusCompleted, results[i].Status)
		assert.Equal(t, "0xabc", results[i].SettlementTxHash)
	}
	assert.Equal(t, 1, lc.calls(), "only one on-chain submission")
	assert.Len(t, store.notifications(orders.NotifSettlementSuccess), 1)
	assert.Len(t, sink.byTopic(orders.TopicSettlementCompleted), 1)
}

func TestIndeterminateMutatesNothing(t *testing.T) {
	store := newFakeStore(awaitingOrder())
	lc := &fakeLedger{confirmHash: "0xdef", hang: true}
	sink := &recordSink{}
	rec := newTestReconciler(store, lc, sink, 30*time.Millisecond)

	o, err := rec.Confirm(context.Background(), "42", buyerTrigger())
	require.ErrorIs(t, err, ErrIndeterminate)
	assert.Equal(t, orders.StatusAwaitingDelivery, o.Status)

	stored, _ := store.GetOrder(context.Background(), "42")
	assert.Equal(t, orders.StatusAwaitingDelivery, stored.Status)
	assert.Empty(t, stored.SettlementTxHash)
	assert.Empty(t, store.notifications(orders.NotifSettlementSuccess))

	// the re-check is scheduled, not optional
	assert.Len(t, sink.byTopic(orders.TopicSettlementRecheck), 1)
}

func TestRevertNeverFabricatesSuccess(t *testing.T) {
	store := newFakeStore(awaitingOrder())
	lc := &fakeLedger{
		confirmHash: "0xdead",
		receipt:     &ledger.Receipt{TxHash: "0xdead", Success: false, Reason: "Invalid status"},
	}
	sink := &recordSink{}
	rec := newTestReconciler(store, lc, sink, time.Second)

	_, err := rec.Confirm(context.Background(), "42", buyerTrigger())
	require.ErrorIs(t, err, ErrBusinessRevert)

	stored, _ := store.GetOrder(context.Background(), "42")
	assert.NotEqual(t, orders.StatusCompleted, stored.Status)
	assert.Empty(t, store.notifications(orders.NotifSettlementSuccess))
	assert.Empty(t, sink.byTopic(orders.TopicSettlementCompleted))
}

func TestUnauthorizedRevertLeavesStatus(t *testing.T) {
	store := newFakeStore(awaitingOrder())
	lc := &fakeLedger{confirmErr: &ledger.RevertError{Reason: "Unauthorized"}}
	rec := newTestReconciler(store, lc, &recordSink{}, time.Second)

	_, err := rec.Confirm(context.Background(), "42", buyerTrigger())
	require.ErrorIs(t, err, ErrUnauthorizedRevert)

	stored, _ := store.GetOrder(context.Background(), "42")
	assert.Equal(t, orders.StatusAwaitingDelivery, stored.Status, "retryable after correcting the signer")
}

func TestUnknownRevertIsTerminal(t *testing.T) {
	store := newFakeStore(awaitingOrder())
	lc := &fakeLedger{confirmErr: &ledger.RevertError{Reason: "Escrow: bad state root"}}
	sink := &recordSink{}
	rec := newTestReconciler(store, lc, sink, time.Second)

	_, err := rec.Confirm(context.Background(), "42", buyerTrigger())
	require.ErrorIs(t, err, ErrPermanentRevert)

	stored, _ := store.GetOrder(context.Background(), "42")
	assert.Equal(t, orders.StatusFailedSettlement, stored.Status)
	assert.Len(t, store.notifications(orders.NotifSettlementFailed), 1)
	assert.Len(t, sink.byTopic(orders.TopicSettlementFailed), 1)
}

func TestTransportErrorIsRetryable(t *testing.T) {
	store := newFakeStore(awaitingOrder())
	lc := &fakeLedger{confirmErr: errors.New("connection refused")}
	rec := newTestReconciler(store, lc, &recordSink{}, time.Second)

	_, err := rec.Confirm(context.Background(), "42", buyerTrigger())
	require.ErrorIs(t, err, ErrTransport)

	// nothing was committed on-chain; a retry starts from the top
	lc.mu.Lock()
	lc.confirmErr = nil
	lc.confirmHash = "0xabc"
	lc.receipt = &ledger.Receipt{TxHash: "0xabc", Success: true}
	lc.mu.Unlock()

	o, err := rec.Confirm(context.Background(), "42", buyerTrigger())
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCompleted, o.Status)
}

func TestReconciliationGapRecovers(t *testing.T) {
	store := newFakeStore(awaitingOrder())
	store.completeFails = 2 // two transient store failures after on-chain success
	lc := &fakeLedger{
		confirmHash: "0xabc",
		receipt:     &ledger.Receipt{TxHash: "0xabc", Success: true},
	}
	sink := &recordSink{}
	rec := newTestReconciler(store, lc, sink, time.Second)

	o, err := rec.Confirm(context.Background(), "42", buyerTrigger())
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCompleted, o.Status)
	assert.Equal(t, "0xabc", o.SettlementTxHash)

	// the retries hit the store, never the chain again
	assert.Equal(t, 1, lc.calls())
	assert.Equal(t, 3, store.completeCalls)
	assert.Len(t, store.notifications(orders.NotifSettlementSuccess), 1)
}

func TestGapEscalatesToWorkerAfterRetries(t *testing.T) {
	store := newFakeStore(awaitingOrder())
	store.completeFails = 100 // store stays down
	lc := &fakeLedger{
		confirmHash: "0xabc",
		receipt:     &ledger.Receipt{TxHash: "0xabc", Success: true},
	}
	sink := &recordSink{}
	rec := newTestReconciler(store, lc, sink, time.Second)
	rec.gapRetries = 2

	_, err := rec.Confirm(context.Background(), "42", buyerTrigger())
	require.ErrorIs(t, err, ErrReconciliationGap)
	assert.Equal(t, 1, lc.calls(), "the on-chain call is never re-invoked to fix a local write")
	assert.Len(t, sink.byTopic(orders.TopicSettlementRecheck), 1)
}

func TestActorMustBeBuyer(t *testing.T) {
	store := newFakeStore(awaitingOrder())
	lc := &fakeLedger{confirmHash: "0xabc", receipt: &ledger.Receipt{TxHash: "0xabc", Success: true}}
	rec := newTestReconciler(store, lc, &recordSink{}, time.Second)

	_, err := rec.Confirm(context.Background(), "42", Trigger{Source: SourceQR, ActorID: "stranger"})
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 0, lc.calls(), "rejected before any side effect")

	// admin trigger bypasses the buyer check
	o, err := rec.Confirm(context.Background(), "42", Trigger{Source: SourceAdmin})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCompleted, o.Status)
}

func TestConfirmUnknownOrder(t *testing.T) {
	rec := newTestReconciler(newFakeStore(), &fakeLedger{}, &recordSink{}, time.Second)
	_, err := rec.Confirm(context.Background(), "nope", buyerTrigger())
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestRecheckAppliesMinedOutcome(t *testing.T) {
	store := newFakeStore(awaitingOrder())
	lc := &fakeLedger{receipt: &ledger.Receipt{TxHash: "0xdef", Success: true}}
	sink := &recordSink{}
	rec := newTestReconciler(store, lc, sink, time.Second)

	err := rec.Recheck(context.Background(), orders.SettlementRecheckPayload{
		OrderID: "42", EscrowRef: 7, TxHash: "0xdef", Attempt: 2,
	}, "")
	require.NoError(t, err)

	stored, _ := store.GetOrder(context.Background(), "42")
	assert.Equal(t, orders.StatusCompleted, stored.Status)
	assert.Equal(t, "0xdef", stored.SettlementTxHash)
	assert.Len(t, store.notifications(orders.NotifSettlementSuccess), 1)
}

func TestRecheckStillPending(t *testing.T) {
	store := newFakeStore(awaitingOrder())
	rec := newTestReconciler(store, &fakeLedger{}, &recordSink{}, time.Second)

	err := rec.Recheck(context.Background(), orders.SettlementRecheckPayload{
		OrderID: "42", EscrowRef: 7, TxHash: "0xdef", Attempt: 1,
	}, "")
	require.ErrorIs(t, err, ErrStillPending)

	stored, _ := store.GetOrder(context.Background(), "42")
	assert.Equal(t, orders.StatusAwaitingDelivery, stored.Status)
}

func TestRecheckNoopWhenResolved(t *testing.T) {
	o := awaitingOrder()
	o.Status = orders.StatusCompleted
	o.SettlementTxHash = "0xabc"
	store := newFakeStore(o)
	lc := &fakeLedger{}
	rec := newTestReconciler(store, lc, &recordSink{}, time.Second)

	err := rec.Recheck(context.Background(), orders.SettlementRecheckPayload{
		OrderID: "42", EscrowRef: 7, TxHash: "0xabc", Attempt: 3,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, lc.calls())
}

func TestRecheckFallsBackToContractRead(t *testing.T) {
	store := newFakeStore(awaitingOrder())
	lc := &fakeLedger{delivered: true} // receipt gone, but the entry settled
	sink := &recordSink{}
	rec := newTestReconciler(store, lc, sink, time.Second)
	rec.recheckMax = 3

	err := rec.Recheck(context.Background(), orders.SettlementRecheckPayload{
		OrderID: "42", EscrowRef: 7, TxHash: "0xdef", Attempt: 3,
	}, "")
	require.NoError(t, err)

	stored, _ := store.GetOrder(context.Background(), "42")
	assert.Equal(t, orders.StatusCompleted, stored.Status)
	// "0xdef" never got a receipt; an unconfirmed hash must not be recorded
	assert.Empty(t, stored.SettlementTxHash)
}

func TestConfirmHeldElsewhereIdentifiesOrder(t *testing.T) {
	store := newFakeStore() // lookup fails while the lock is held
	lc := &fakeLedger{}
	log := zap.NewNop()
	rdb := testRedis(t)
	rec := NewReconciler(store, NewExecutor(lc, store, time.Second, log), lc, &recordSink{}, rdb, "settlement-test", log)

	key := fmt.Sprintf(redisx.KeySettleLock, "42")
	ok, err := redisx.TryLock(context.Background(), rdb, key, redisx.TTLSettleLock)
	require.NoError(t, err)
	require.True(t, ok)

	o, err := rec.Confirm(context.Background(), "42", buyerTrigger())
	require.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, "42", o.ID, "pending response must name the order")
	assert.Equal(t, 0, lc.calls())
}
