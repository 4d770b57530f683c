package settlement

import "fmt"

type OutcomeKind int

const (
	// Rejected before any side effect: malformed escrow ref or order not in
	// an eligible state.
	OutcomeInvalidInput OutcomeKind = iota

	// Ledger executed the confirmation without reverting.
	OutcomeSucceeded

	// Ledger explicitly reverted. Terminal for the current order state; the
	// underlying condition must be fixed, not the call blindly retried.
	OutcomeReverted

	// No definitive answer within the finality timeout. The caller must
	// re-query the ledger before any state-mutating action.
	OutcomeIndeterminate

	// The call never reached the ledger (network/signing). Nothing was
	// committed on-chain; safe to retry with backoff.
	OutcomeTransportError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeInvalidInput:
		return "INVALID_INPUT"
	case OutcomeSucceeded:
		return "SUCCEEDED"
	case OutcomeReverted:
		return "REVERTED"
	case OutcomeIndeterminate:
		return "INDETERMINATE"
	case OutcomeTransportError:
		return "TRANSPORT_ERROR"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

type Outcome struct {
	Kind   OutcomeKind
	TxHash string // set for SUCCEEDED and INDETERMINATE (submitted hash)
	Reason string // revert reason or input-validation message
	Err    error  // underlying transport error
}
