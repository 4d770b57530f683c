package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agrilink/escrow-settlement/internal/ledger"
	"github.com/agrilink/escrow-settlement/internal/orders"
)

type fakeStore struct {
	mu     sync.Mutex
	orders map[string]orders.Order
	notifs []orders.Notification

	// completeFails makes the next N CompleteSettlement calls fail, to
	// simulate a reconciliation gap.
	completeFails int
	completeCalls int
}

func newFakeStore(os ...orders.Order) *fakeStore {
	s := &fakeStore{orders: make(map[string]orders.Order)}
	for _, o := range os {
		s.orders[o.ID] = o
	}
	return s
}

func (s *fakeStore) GetOrder(_ context.Context, id string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return o, nil
}

func (s *fakeStore) CompleteSettlement(_ context.Context, id, txHash string) (orders.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeCalls++
	if s.completeFails > 0 {
		s.completeFails--
		return orders.Order{}, false, errors.New("store write failed")
	}
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, false, orders.ErrNotFound
	}
	if !orders.SettlementPending(o.Status) {
		if o.Status == orders.StatusCompleted {
			return o, false, nil
		}
		return orders.Order{}, false, fmt.Errorf("%w: status=%s", orders.ErrNotEligible, o.Status)
	}
	o.Status = orders.StatusCompleted
	o.SettlementTxHash = txHash
	s.orders[id] = o
	s.insertNotif(o.SellerID, o.ID, orders.NotifSettlementSuccess)
	return o, true, nil
}

func (s *fakeStore) MarkSettlementFailed(_ context.Context, id, reason string) (orders.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, false, orders.ErrNotFound
	}
	if !orders.SettlementPending(o.Status) {
		return o, false, nil
	}
	o.Status = orders.StatusFailedSettlement
	s.orders[id] = o
	s.insertNotif(o.BuyerID, o.ID, orders.NotifSettlementFailed)
	return o, true, nil
}

// insertNotif enforces the (order_id, kind) idempotency key like the unique
// index in the real schema.
func (s *fakeStore) insertNotif(userID, orderID, kind string) {
	for _, n := range s.notifs {
		if n.OrderID == orderID && n.Kind == kind {
			return
		}
	}
	s.notifs = append(s.notifs, orders.Notification{
		TargetUserID: userID, OrderID: orderID, Kind: kind,
	})
}

func (s *fakeStore) notifications(kind string) []orders.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.Notification
	for _, n := range s.notifs {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type fakeLedger struct {
	mu           sync.Mutex
	confirmCalls int

	confirmHash string
	confirmErr  error

	receipt    *ledger.Receipt
	receiptErr error

	// hang makes WaitReceipt block until the executor's finality timeout.
	hang bool

	delivered bool
}

func (l *fakeLedger) ConfirmDelivery(_ context.Context, _ int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmCalls++
	if l.confirmErr != nil {
		return "", l.confirmErr
	}
	return l.confirmHash, nil
}

func (l *fakeLedger) WaitReceipt(ctx context.Context, _ string) (*ledger.Receipt, error) {
	if l.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.receiptErr != nil {
		return nil, l.receiptErr
	}
	return l.receipt, nil
}

func (l *fakeLedger) Receipt(_ context.Context, _ string) (*ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.receiptErr != nil {
		return nil, l.receiptErr
	}
	if l.receipt == nil {
		return nil, ledger.ErrReceiptPending
	}
	return l.receipt, nil
}

func (l *fakeLedger) DeliveryConfirmed(_ context.Context, _ int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delivered, nil
}

func (l *fakeLedger) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.confirmCalls
}

type sinkEvent struct {
	topic string
	key   string
	value []byte
}

type recordSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordSink) Publish(topic string, key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{topic: topic, key: string(key), value: value})
}

func (s *recordSink) byTopic(topic string) []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkEvent
	for _, e := range s.events {
		if e.topic == topic {
			out = append(out, e)
		}
	}
	return out
}
