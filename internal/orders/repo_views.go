package orders

import (
	"context"
)

// Derived read views: sales/purchase lists, tracking timeline, notifications.

func (r *Repo) ListSales(ctx context.Context, sellerID string) ([]Order, error) {
	return r.listByParty(ctx, `seller_id`, sellerID)
}

func (r *Repo) ListPurchases(ctx context.Context, buyerID string) ([]Order, error) {
	return r.listByParty(ctx, `buyer_id`, buyerID)
}

func (r *Repo) listByParty(ctx context.Context, col, userID string) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE `+col+`=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *Repo) Tracking(ctx context.Context, orderID string) ([]ShipmentEvent, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, COALESCE(location,''), COALESCE(note,''), occurred_at
		FROM shipment_events WHERE order_id=$1 ORDER BY occurred_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ShipmentEvent
	for rows.Next() {
		var e ShipmentEvent
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Location, &e.Note, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repo) ListNotifications(ctx context.Context, userID string) ([]Notification, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, target_user_id, COALESCE(order_id,''), kind, message, is_read, created_at
		FROM notifications WHERE target_user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.TargetUserID, &n.OrderID, &n.Kind, &n.Message, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *Repo) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := r.DB.Exec(ctx, `UPDATE notifications SET is_read=true WHERE id=$1`, id)
	return err
}
