package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/agrilink/escrow-settlement/internal/kafka"
	"github.com/agrilink/escrow-settlement/internal/orders"
	"github.com/agrilink/escrow-settlement/internal/redisx"
)

// RecheckWorker drives the background half of the protocol: it consumes the
// recheck queue left behind by indeterminate outcomes and reconciliation
// gaps, and keeps the read cache honest on order changes.
type RecheckWorker struct {
	Rec         *Reconciler
	Redis       *redis.Client
	Delay       time.Duration // wait before re-enqueueing a still-pending tx
	ServiceName string
	Log         *zap.Logger
}

// HandleRecheck is mounted as the settlement.recheck consumer handler.
func (w *RecheckWorker) HandleRecheck(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != orders.EventSettlementRecheck {
		return nil // ignore
	}

	// dedup by event_id: the queue is at-least-once
	dkey := fmt.Sprintf(redisx.KeyDedup, w.ServiceName, env.EventID)
	if exists, _ := redisx.Exists(ctx, w.Redis, dkey); exists {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.SettlementRecheckPayload](env.Payload)
	if err != nil {
		return err
	}

	err = w.Rec.Recheck(ctx, p, env.TraceID)
	if errors.Is(err, ErrStillPending) {
		w.Log.Info("confirmation tx still pending",
			zap.String("order_id", p.OrderID), zap.Int("attempt", p.Attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.Delay):
		}
		p.Attempt++
		w.Rec.PublishRecheck(p, env.TraceID)
		err = nil
	}
	if err != nil {
		// the event id stays unmarked so the redelivery does the work
		return err
	}
	_ = w.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
	return nil
}

// HandleOrderChanged invalidates the cached status view after a transition.
// Consumers react to the reconciler's explicit event, not a raw row feed.
func (w *RecheckWorker) HandleOrderChanged(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != orders.EventOrderChanged {
		return nil
	}
	p, err := kafkax.UnwrapPayload[orders.OrderChangedPayload](env.Payload)
	if err != nil {
		return err
	}
	return w.Redis.Del(ctx, fmt.Sprintf(redisx.KeyOrderStatus, p.OrderID)).Err()
}
