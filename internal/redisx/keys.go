package redisx

import "time"

const (
	// Cache status order: order_status:{order_id} -> {"status": "...", "settlement_tx_hash": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup trigger/event processing: dedup:{service}:{id}
	KeyDedup = "dedup:%s:%s"

	// Cross-process settlement lock: settle:lock:{order_id}
	KeySettleLock = "settle:lock:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour

	// Covers one submit + finality wait; the DB CAS catches stale holders.
	TTLSettleLock = 2 * time.Minute
)
