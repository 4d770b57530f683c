// Package ledger talks to the on-chain escrow contract. The contract itself
// is an external collaborator; the only entry point used here is
// confirmDelivery(uint256), which releases the escrowed funds to the seller.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Receipt struct {
	TxHash      string
	Success     bool
	BlockNumber uint64
	GasUsed     uint64

	// Revert reason string reported by the contract; empty on success.
	Reason string
}

// ErrReceiptPending: the tx is known but not yet mined to the required depth.
var ErrReceiptPending = errors.New("receipt not yet available")

// RevertError is returned when the contract rejects the call before or at
// submission (preflight call revert). No state was committed on-chain.
type RevertError struct{ Reason string }

func (e *RevertError) Error() string { return fmt.Sprintf("contract reverted: %s", e.Reason) }

type Client interface {
	// ConfirmDelivery signs and broadcasts the confirmation call for the
	// given escrow entry and returns the tx hash. A *RevertError means the
	// contract rejected the call preflight; any other error is a transport
	// failure and safe to retry.
	ConfirmDelivery(ctx context.Context, escrowRef int64) (txHash string, err error)

	// WaitReceipt blocks until the tx reaches the configured confirmation
	// depth or ctx expires.
	WaitReceipt(ctx context.Context, txHash string) (*Receipt, error)

	// Receipt fetches without waiting; ErrReceiptPending while unmined.
	Receipt(ctx context.Context, txHash string) (*Receipt, error)

	// DeliveryConfirmed reads the escrow entry's settled flag directly,
	// for rechecks whose confirmation tx was dropped before inclusion.
	DeliveryConfirmed(ctx context.Context, escrowRef int64) (bool, error)
}

type RevertClass int

const (
	// Caller lacks authority; the order state is fine, retry after fixing
	// the signer. Surfaced to the user, never auto-retried blindly.
	RevertUnauthorized RevertClass = iota

	// Business-state mismatch, e.g. the escrow entry was already settled.
	// Idempotent success when the local order is in fact COMPLETED.
	RevertInvalidStatus

	// Unrecognized reason. Treated as permanent and flagged for operator
	// review rather than guessing a retry policy.
	RevertUnknown
)

// ClassifyRevert maps the contract's free-text revert reason onto the retry
// policy. The contract is not ours, so matching is deliberately loose.
func ClassifyRevert(reason string) RevertClass {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "unauthorized"), strings.Contains(r, "not authorized"),
		strings.Contains(r, "only buyer"), strings.Contains(r, "caller"):
		return RevertUnauthorized
	case strings.Contains(r, "invalid status"), strings.Contains(r, "already"),
		strings.Contains(r, "completed"):
		return RevertInvalidStatus
	default:
		return RevertUnknown
	}
}
