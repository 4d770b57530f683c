package orders

const (
	TopicSettlementCompleted = "settlement.completed"
	TopicSettlementFailed    = "settlement.failed"
	TopicSettlementRecheck   = "settlement.recheck"
	TopicOrderChanged        = "order.changed"
)

// Partition key = order_id, so all events for one order keep their order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
