package credit

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Pool names an independent credit counter.
type Pool string

const (
	// PoolGeneration pays for landing-page generations.
	PoolGeneration Pool = "generation"
	// PoolAnalysis pays for AI analyses.
	PoolAnalysis Pool = "analysis"
)

// Pools lists every pool in display order.
var Pools = []Pool{PoolGeneration, PoolAnalysis}

// ParsePool converts a raw pool name into a Pool.
func ParsePool(raw string) (Pool, error) {
	switch Pool(raw) {
	case PoolGeneration, PoolAnalysis:
		return Pool(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPool, raw)
	}
}

// Valid reports whether p is a known pool.
func (p Pool) Valid() bool {
	return p == PoolGeneration || p == PoolAnalysis
}

// TxKind defines supported transaction record kinds.
type TxKind string

const (
	TxKindPurchase TxKind = "purchase"
	TxKindUsage    TxKind = "usage"
	TxKindRefund   TxKind = "refund"
)

// Amounts holds one integer per pool.
type Amounts struct {
	Generation int `db:"generation" json:"generation"`
	Analysis   int `db:"analysis" json:"analysis"`
}

// Get returns the amount for pool.
func (a Amounts) Get(pool Pool) int {
	switch pool {
	case PoolGeneration:
		return a.Generation
	case PoolAnalysis:
		return a.Analysis
	}
	return 0
}

// For returns Amounts with n set on pool and zero elsewhere.
func For(pool Pool, n int) Amounts {
	var a Amounts
	switch pool {
	case PoolGeneration:
		a.Generation = n
	case PoolAnalysis:
		a.Analysis = n
	}
	return a
}

// Add returns the per-pool sum of a and b.
func (a Amounts) Add(b Amounts) Amounts {
	return Amounts{Generation: a.Generation + b.Generation, Analysis: a.Analysis + b.Analysis}
}

// IsZero reports whether every pool is zero.
func (a Amounts) IsZero() bool {
	return a.Generation == 0 && a.Analysis == 0
}

// Ledger is the per-user current balance row.
type Ledger struct {
	UserID            string    `db:"user_id" json:"user_id"`
	GenerationGranted int       `db:"generation_granted" json:"generation_granted"`
	GenerationUsed    int       `db:"generation_used" json:"generation_used"`
	AnalysisGranted   int       `db:"analysis_granted" json:"analysis_granted"`
	AnalysisUsed      int       `db:"analysis_used" json:"analysis_used"`
	Plan              string    `db:"current_plan" json:"current_plan"`
	PlanRank          int       `db:"plan_rank" json:"plan_rank"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Granted returns the granted counter of pool.
func (l *Ledger) Granted(pool Pool) int {
	switch pool {
	case PoolGeneration:
		return l.GenerationGranted
	case PoolAnalysis:
		return l.AnalysisGranted
	}
	return 0
}

// Used returns the used counter of pool.
func (l *Ledger) Used(pool Pool) int {
	switch pool {
	case PoolGeneration:
		return l.GenerationUsed
	case PoolAnalysis:
		return l.AnalysisUsed
	}
	return 0
}

// Remaining returns granted minus used for pool.
func (l *Ledger) Remaining(pool Pool) int {
	return l.Granted(pool) - l.Used(pool)
}

// Metadata is a free-form audit payload stored as JSONB.
type Metadata map[string]string

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("credit: unsupported metadata type")
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Transaction is an append-only transaction log row.
type Transaction struct {
	ID              int64     `db:"id" json:"id"`
	UserID          string    `db:"user_id" json:"user_id"`
	Kind            TxKind    `db:"kind" json:"kind"`
	GenerationDelta int       `db:"generation_delta" json:"generation_delta"`
	AnalysisDelta   int       `db:"analysis_delta" json:"analysis_delta"`
	IdempotencyKey  *string   `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Description     string    `db:"description" json:"description"`
	Metadata        Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Deltas returns the signed per-pool change recorded by the transaction.
func (t *Transaction) Deltas() Amounts {
	return Amounts{Generation: t.GenerationDelta, Analysis: t.AnalysisDelta}
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

func (p Pagination) normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// UsageMeta describes the gated action a consumption pays for.
type UsageMeta struct {
	Description string
	EntityType  string
	EntityID    string
}

func (m UsageMeta) metadata() Metadata {
	md := Metadata{}
	if m.EntityType != "" {
		md["entity_type"] = m.EntityType
	}
	if m.EntityID != "" {
		md["entity_id"] = m.EntityID
	}
	return md
}

// Check is the Gate's answer for one pool.
type Check struct {
	Pool      Pool `json:"pool"`
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
	Total     int  `json:"total"`
	Degraded  bool `json:"degraded,omitempty"`
}

// PoolBalance is the display snapshot of one pool.
type PoolBalance struct {
	Granted   int `json:"granted"`
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
}

// Balance is the display snapshot of every pool.
type Balance struct {
	UserID   string               `json:"user_id"`
	Plan     string               `json:"plan"`
	Pools    map[Pool]PoolBalance `json:"pools"`
	Degraded bool                 `json:"degraded,omitempty"`
}

// ConsumeReason explains a failed consumption.
type ConsumeReason string

const (
	ReasonNoCredits ConsumeReason = "no_credits"
	ReasonError     ConsumeReason = "error"
)

// ConsumeResult is the outcome of one consumption attempt.
type ConsumeResult struct {
	Success       bool          `json:"success"`
	Remaining     int           `json:"remaining,omitempty"`
	Reason        ConsumeReason `json:"reason,omitempty"`
	TransactionID int64         `json:"transaction_id,omitempty"`
}

// GrantStatus is the outcome of a grant.
type GrantStatus string

const (
	GrantApplied          GrantStatus = "success"
	GrantAlreadyProcessed GrantStatus = "already_processed"
	GrantRejected         GrantStatus = "rejected"
)

// GrantRequest is a confirmed purchase to be credited.
type GrantRequest struct {
	UserID         string
	PackageID      string
	IdempotencyKey string
	// Requested is what the caller claims the package grants. It is never used
	// to size the grant.
	Requested  Amounts
	PaidAmount int64
	Currency   string
	Metadata   Metadata
}

// GrantResult reports what a grant did.
type GrantResult struct {
	Status      GrantStatus  `json:"status"`
	Granted     Amounts      `json:"granted"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

// RefundRequest returns consumed units to a pool.
type RefundRequest struct {
	UserID         string
	Pool           Pool
	Amount         int
	Reason         string
	IdempotencyKey string
	Metadata       Metadata
}

// RefundResult reports the refund record and the new remaining balance.
type RefundResult struct {
	Remaining   int          `json:"remaining"`
	Transaction *Transaction `json:"transaction"`
}

// PoolReconciliation compares the ledger against its transaction log for one pool.
type PoolReconciliation struct {
	Expected int  `json:"expected"`
	Actual   int  `json:"actual"`
	Granted  int  `json:"granted"`
	Used     int  `json:"used"`
	Balanced bool `json:"balanced"`
}

// Reconciliation is the audit report for one user.
type Reconciliation struct {
	UserID string                      `json:"user_id"`
	Pools  map[Pool]PoolReconciliation `json:"pools"`
}

// Balanced reports whether every pool reconciles.
func (r *Reconciliation) Balanced() bool {
	for _, p := range r.Pools {
		if !p.Balanced {
			return false
		}
	}
	return true
}
