package settlement

import "errors"

var (
	ErrInvalidInput = errors.New("invalid settlement input")

	// Off-chain authorization: the trigger actor is not the order's buyer.
	ErrUnauthorized = errors.New("actor not allowed to confirm this order")

	// On-chain authorization revert; order state untouched.
	ErrUnauthorizedRevert = errors.New("ledger rejected caller authority")

	// Business-state revert that does not match an already-completed order.
	ErrBusinessRevert = errors.New("ledger rejected order state")

	// Unrecognized revert; the order was moved to FAILED_SETTLEMENT.
	ErrPermanentRevert = errors.New("settlement rejected by contract")

	// Outcome unknown within the timeout; background reconciliation is
	// scheduled. Never surfaced as a plain failure.
	ErrIndeterminate = errors.New("settlement outcome pending confirmation")

	ErrTransport = errors.New("ledger unreachable")

	// Funds released on-chain but the local write kept failing; retried by
	// the background worker. Not a user-facing failure.
	ErrReconciliationGap = errors.New("settlement confirmed on-chain, local record pending")

	// Another process currently holds this order's settlement lock.
	ErrInFlight = errors.New("confirmation already in progress")

	// Recheck found the tx still unmined.
	ErrStillPending = errors.New("confirmation tx still pending")
)
