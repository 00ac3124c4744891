package credit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository with the same atomicity
// guarantees as PostgresRepository within a single process.
type MemoryRepository struct {
	mu sync.Mutex

	ledgers      map[string]*Ledger
	transactions []Transaction
	byKey        map[string]int // idempotency key -> index into transactions
	nextID       int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		ledgers: make(map[string]*Ledger),
		byKey:   make(map[string]int),
	}
}

func (m *MemoryRepository) ensure(userID string, free Amounts) *Ledger {
	l, ok := m.ledgers[userID]
	if !ok {
		now := time.Now().UTC()
		l = &Ledger{
			UserID:            userID,
			GenerationGranted: free.Generation,
			AnalysisGranted:   free.Analysis,
			Plan:              FreePlan,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		m.ledgers[userID] = l
	}
	return l
}

func (m *MemoryRepository) append(rec *Transaction) {
	m.nextID++
	rec.ID = m.nextID
	rec.CreatedAt = time.Now().UTC()
	if rec.Metadata == nil {
		rec.Metadata = Metadata{}
	}
	m.transactions = append(m.transactions, *rec)
	if rec.IdempotencyKey != nil {
		m.byKey[*rec.IdempotencyKey] = len(m.transactions) - 1
	}
}

func (m *MemoryRepository) GetOrCreateLedger(ctx context.Context, userID string, free Amounts) (*Ledger, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("get ledger", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l := *m.ensure(userID, free)
	return &l, nil
}

func (m *MemoryRepository) ConsumeOne(ctx context.Context, userID string, pool Pool, free Amounts, rec *Transaction) (int, error) {
	if !pool.Valid() {
		return 0, ErrUnknownPool
	}
	if err := ctx.Err(); err != nil {
		return 0, storageErr("consume", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.ensure(userID, free)
	if l.Used(pool) >= l.Granted(pool) {
		return 0, ErrNoCredits
	}
	switch pool {
	case PoolGeneration:
		l.GenerationUsed++
	case PoolAnalysis:
		l.AnalysisUsed++
	}
	l.UpdatedAt = time.Now().UTC()
	m.append(rec)
	return l.Remaining(pool), nil
}

func (m *MemoryRepository) ApplyGrant(ctx context.Context, userID string, free Amounts, change GrantChange, rec *Transaction) (*Transaction, error) {
	if rec.IdempotencyKey == nil || *rec.IdempotencyKey == "" {
		return nil, ErrMissingIdempotencyKey
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("apply grant", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.byKey[*rec.IdempotencyKey]; ok {
		existing := m.transactions[idx]
		return &existing, ErrDuplicateGrant
	}

	l := m.ensure(userID, free)
	l.GenerationGranted += change.Credits.Generation
	l.AnalysisGranted += change.Credits.Analysis
	if change.PlanRank >= l.PlanRank {
		l.Plan = change.Plan
		l.PlanRank = change.PlanRank
	}
	l.UpdatedAt = time.Now().UTC()
	m.append(rec)
	return rec, nil
}

func (m *MemoryRepository) ReleaseUsage(ctx context.Context, userID string, pool Pool, amount int, rec *Transaction) (int, error) {
	if !pool.Valid() {
		return 0, ErrUnknownPool
	}
	if rec.IdempotencyKey == nil || *rec.IdempotencyKey == "" {
		return 0, ErrMissingIdempotencyKey
	}
	if err := ctx.Err(); err != nil {
		return 0, storageErr("release usage", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byKey[*rec.IdempotencyKey]; ok {
		return 0, ErrDuplicateRefund
	}
	l, ok := m.ledgers[userID]
	if !ok || l.Used(pool) < amount {
		return 0, ErrNothingToRefund
	}
	switch pool {
	case PoolGeneration:
		l.GenerationUsed -= amount
	case PoolAnalysis:
		l.AnalysisUsed -= amount
	}
	l.UpdatedAt = time.Now().UTC()
	m.append(rec)
	return l.Remaining(pool), nil
}

func (m *MemoryRepository) FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.byKey[key]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	t := m.transactions[idx]
	return &t, nil
}

func (m *MemoryRepository) ListTransactions(ctx context.Context, userID string, pagination Pagination) ([]Transaction, error) {
	p := pagination.normalize()
	m.mu.Lock()
	defer m.mu.Unlock()

	items := []Transaction{}
	skipped := 0
	for i := len(m.transactions) - 1; i >= 0 && len(items) < p.Limit; i-- {
		t := m.transactions[i]
		if t.UserID != userID {
			continue
		}
		if skipped < p.Offset {
			skipped++
			continue
		}
		items = append(items, t)
	}
	return items, nil
}

func (m *MemoryRepository) LoadReconciliation(ctx context.Context, userID string) (*Ledger, Amounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[userID]
	if !ok {
		return nil, Amounts{}, ErrLedgerNotFound
	}
	var sums Amounts
	for _, t := range m.transactions {
		if t.UserID == userID {
			sums = sums.Add(t.Deltas())
		}
	}
	copied := *l
	return &copied, sums, nil
}

func (m *MemoryRepository) ListLedgerUserIDs(ctx context.Context, after string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.ledgers))
	for id := range m.ledgers {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
