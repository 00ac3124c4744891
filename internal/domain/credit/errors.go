package credit

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoCredits is returned when the pool has nothing left to consume
	ErrNoCredits = errors.New("no credits remaining")

	// ErrUnknownPackage is returned when a grant names a package outside the catalog
	ErrUnknownPackage = errors.New("unknown credit package")

	// ErrDuplicateGrant is returned by repositories when the idempotency key is already recorded
	ErrDuplicateGrant = errors.New("grant already processed")

	// ErrStorage wraps every failure of the underlying store
	ErrStorage = errors.New("credit storage failure")

	// ErrOutcomeUnknown marks mutations whose commit result could not be observed
	ErrOutcomeUnknown = errors.New("credit operation outcome unknown")

	ErrUnknownPool           = errors.New("unknown credit pool")
	ErrInvalidUserID         = errors.New("invalid user id")
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
	ErrTransactionNotFound   = errors.New("credit transaction not found")
	ErrLedgerNotFound        = errors.New("credit ledger not found")
	ErrPaymentMismatch       = errors.New("paid amount does not match package price")
	ErrInvalidAmount         = errors.New("invalid amount: must be greater than 0")
	ErrNothingToRefund       = errors.New("not enough consumed credits to refund")
	ErrDuplicateRefund       = errors.New("refund already processed")

	// ErrActionFailed is returned by Spend when the gated action fails after consumption
	ErrActionFailed = errors.New("credit-gated action failed")
)

// IsOutcomeUnknown reports whether the caller must re-check the balance
// instead of assuming the mutation succeeded or failed.
func IsOutcomeUnknown(err error) bool {
	return errors.Is(err, ErrOutcomeUnknown) || errors.Is(err, context.DeadlineExceeded)
}

func storageErr(step string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w: %s: %w", ErrStorage, ErrOutcomeUnknown, step, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, step, err)
}

func commitErr(err error) error {
	return fmt.Errorf("%w: %w: commit tx: %w", ErrStorage, ErrOutcomeUnknown, err)
}
