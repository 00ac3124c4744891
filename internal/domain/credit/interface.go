package credit

import "context"

// GrantChange is what a purchase applies to a ledger row.
type GrantChange struct {
	Credits  Amounts
	Plan     string
	PlanRank int
}

// Repository is the storage contract of the ledger and its transaction log.
//
// Implementations must make ConsumeOne, ApplyGrant and ReleaseUsage atomic:
// either the counter change and its transaction record are both durable or
// neither is. rec is filled with the stored ID and CreatedAt on success.
type Repository interface {
	// GetOrCreateLedger ensures the user's row exists, seeded with free, and returns it.
	GetOrCreateLedger(ctx context.Context, userID string, free Amounts) (*Ledger, error)

	// ConsumeOne increments pool's used counter by one if used < granted and
	// appends rec. It returns the remaining balance, or ErrNoCredits.
	ConsumeOne(ctx context.Context, userID string, pool Pool, free Amounts, rec *Transaction) (int, error)

	// ApplyGrant credits the ledger and appends rec unless rec's idempotency key
	// is already recorded, in which case it returns the existing record and
	// ErrDuplicateGrant.
	ApplyGrant(ctx context.Context, userID string, free Amounts, change GrantChange, rec *Transaction) (*Transaction, error)

	// ReleaseUsage decrements pool's used counter by amount if used >= amount and
	// appends rec. It returns the remaining balance, ErrNothingToRefund or ErrDuplicateRefund.
	ReleaseUsage(ctx context.Context, userID string, pool Pool, amount int, rec *Transaction) (int, error)

	FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	ListTransactions(ctx context.Context, userID string, pagination Pagination) ([]Transaction, error)

	// LoadReconciliation returns the ledger row and the per-pool sum of all
	// transaction deltas read from one consistent snapshot.
	LoadReconciliation(ctx context.Context, userID string) (*Ledger, Amounts, error)

	// ListLedgerUserIDs returns up to limit user ids greater than after, ascending.
	ListLedgerUserIDs(ctx context.Context, after string, limit int) ([]string, error)
}

// SnapshotCache holds advisory ledger snapshots for the Gate.
type SnapshotCache interface {
	Get(ctx context.Context, userID string) (*Ledger, bool)
	Set(ctx context.Context, ledger *Ledger)
	Invalidate(ctx context.Context, userID string)
}
