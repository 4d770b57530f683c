package orders

type Status string

const (
	StatusAwaitingDelivery Status = "AWAITING_DELIVERY"
	StatusShipped          Status = "SHIPPED"
	StatusCompleted        Status = "COMPLETED"
	StatusFailedSettlement Status = "FAILED_SETTLEMENT"
)

var validNext = map[Status]map[Status]bool{
	StatusAwaitingDelivery: {StatusShipped: true, StatusCompleted: true, StatusFailedSettlement: true},
	StatusShipped:          {StatusCompleted: true, StatusFailedSettlement: true},
	StatusCompleted:        {},
	StatusFailedSettlement: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// SettlementPending reports whether the order is still eligible for a
// delivery confirmation attempt.
func SettlementPending(s Status) bool {
	return s == StatusAwaitingDelivery || s == StatusShipped
}
