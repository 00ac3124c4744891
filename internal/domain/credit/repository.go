package credit

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const queryTimeout = 3 * time.Second

const uniqueViolation = "23505"

//go:embed schema.sql
var schema string

// Migrate creates the ledger tables if they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("credit: migrate: %w", err)
	}
	return nil
}

type poolColumns struct {
	granted string
	used    string
}

var columnsByPool = map[Pool]poolColumns{
	PoolGeneration: {granted: "generation_granted", used: "generation_used"},
	PoolAnalysis:   {granted: "analysis_granted", used: "analysis_used"},
}

func columnsFor(pool Pool) (poolColumns, error) {
	cols, ok := columnsByPool[pool]
	if !ok {
		return poolColumns{}, fmt.Errorf("%w: %q", ErrUnknownPool, pool)
	}
	return cols, nil
}

const ledgerColumns = `user_id, generation_granted, generation_used, analysis_granted, analysis_used,
	current_plan, plan_rank, created_at, updated_at`

const transactionColumns = `id, user_id, kind, generation_delta, analysis_delta, idempotency_key,
	description, metadata, created_at`

// PostgresRepository stores ledgers and transactions in PostgreSQL.
type PostgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) beginTx(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, storageErr("begin tx", err)
	}
	return tx, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func ensureLedger(ctx context.Context, ex execer, userID string, free Amounts) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO credit_ledgers (user_id, generation_granted, analysis_granted, current_plan, plan_rank)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, free.Generation, free.Analysis, FreePlan)
	if err != nil {
		return storageErr("ensure ledger", err)
	}
	return nil
}

func (r *PostgresRepository) GetOrCreateLedger(ctx context.Context, userID string, free Amounts) (*Ledger, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if err := ensureLedger(ctx2, r.db, userID, free); err != nil {
		return nil, err
	}

	var ledger Ledger
	err := r.db.GetContext(ctx2, &ledger, `SELECT `+ledgerColumns+` FROM credit_ledgers WHERE user_id = $1`, userID)
	if err != nil {
		return nil, storageErr("select ledger", err)
	}
	return &ledger, nil
}

func (r *PostgresRepository) ConsumeOne(ctx context.Context, userID string, pool Pool, free Amounts, rec *Transaction) (int, error) {
	cols, err := columnsFor(pool)
	if err != nil {
		return 0, err
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.beginTx(ctx2)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := ensureLedger(ctx2, tx, userID, free); err != nil {
		return 0, err
	}

	var remaining int
	err = tx.GetContext(ctx2, &remaining, fmt.Sprintf(`
		UPDATE credit_ledgers
		SET %[2]s = %[2]s + 1, updated_at = NOW()
		WHERE user_id = $1 AND %[2]s < %[1]s
		RETURNING %[1]s - %[2]s
	`, cols.granted, cols.used), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoCredits
	}
	if err != nil {
		return 0, storageErr("consume", err)
	}

	if err := insertTransaction(ctx2, tx, rec); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, commitErr(err)
	}
	return remaining, nil
}

func (r *PostgresRepository) ApplyGrant(ctx context.Context, userID string, free Amounts, change GrantChange, rec *Transaction) (*Transaction, error) {
	if rec.IdempotencyKey == nil || *rec.IdempotencyKey == "" {
		return nil, ErrMissingIdempotencyKey
	}
	key := *rec.IdempotencyKey

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.beginTx(ctx2)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := findByKey(ctx2, tx, key)
	if err == nil {
		return existing, ErrDuplicateGrant
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}

	if err := ensureLedger(ctx2, tx, userID, free); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx2, `
		UPDATE credit_ledgers
		SET generation_granted = generation_granted + $2,
		    analysis_granted = analysis_granted + $3,
		    current_plan = CASE WHEN $5 >= plan_rank THEN $4 ELSE current_plan END,
		    plan_rank = GREATEST(plan_rank, $5),
		    updated_at = NOW()
		WHERE user_id = $1
	`, userID, change.Credits.Generation, change.Credits.Analysis, change.Plan, change.PlanRank)
	if err != nil {
		return nil, storageErr("apply grant", err)
	}

	if err := insertTransaction(ctx2, tx, rec); err != nil {
		if errors.Is(err, errDuplicateKey) {
			// Lost the race to a concurrent delivery of the same event. The
			// aborted tx cannot be read from, so look up the winner outside it.
			tx.Rollback()
			winner, findErr := r.FindByIdempotencyKey(ctx, key)
			if findErr != nil {
				return nil, findErr
			}
			return winner, ErrDuplicateGrant
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, commitErr(err)
	}
	return rec, nil
}

func (r *PostgresRepository) ReleaseUsage(ctx context.Context, userID string, pool Pool, amount int, rec *Transaction) (int, error) {
	cols, err := columnsFor(pool)
	if err != nil {
		return 0, err
	}
	if rec.IdempotencyKey == nil || *rec.IdempotencyKey == "" {
		return 0, ErrMissingIdempotencyKey
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.beginTx(ctx2)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := findByKey(ctx2, tx, *rec.IdempotencyKey); err == nil {
		return 0, ErrDuplicateRefund
	} else if !errors.Is(err, ErrTransactionNotFound) {
		return 0, err
	}

	var remaining int
	err = tx.GetContext(ctx2, &remaining, fmt.Sprintf(`
		UPDATE credit_ledgers
		SET %[2]s = %[2]s - $2, updated_at = NOW()
		WHERE user_id = $1 AND %[2]s >= $2
		RETURNING %[1]s - %[2]s
	`, cols.granted, cols.used), userID, amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNothingToRefund
	}
	if err != nil {
		return 0, storageErr("release usage", err)
	}

	if err := insertTransaction(ctx2, tx, rec); err != nil {
		if errors.Is(err, errDuplicateKey) {
			return 0, ErrDuplicateRefund
		}
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, commitErr(err)
	}
	return remaining, nil
}

func (r *PostgresRepository) FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return findByKey(ctx2, r.db, key)
}

func (r *PostgresRepository) ListTransactions(ctx context.Context, userID string, pagination Pagination) ([]Transaction, error) {
	p := pagination.normalize()

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	items := []Transaction{}
	err := r.db.SelectContext(ctx2, &items, `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, userID, p.Limit, p.Offset)
	if err != nil {
		return nil, storageErr("list transactions", err)
	}
	return items, nil
}

func (r *PostgresRepository) LoadReconciliation(ctx context.Context, userID string) (*Ledger, Amounts, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, Amounts{}, storageErr("begin tx", err)
	}
	defer tx.Rollback()

	var ledger Ledger
	err = tx.GetContext(ctx2, &ledger, `SELECT `+ledgerColumns+` FROM credit_ledgers WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Amounts{}, ErrLedgerNotFound
	}
	if err != nil {
		return nil, Amounts{}, storageErr("select ledger", err)
	}

	var sums Amounts
	err = tx.GetContext(ctx2, &sums, `
		SELECT COALESCE(SUM(generation_delta), 0) AS generation,
		       COALESCE(SUM(analysis_delta), 0) AS analysis
		FROM credit_transactions
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, Amounts{}, storageErr("sum deltas", err)
	}

	return &ledger, sums, nil
}

func (r *PostgresRepository) ListLedgerUserIDs(ctx context.Context, after string, limit int) ([]string, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ids := []string{}
	err := r.db.SelectContext(ctx2, &ids, `
		SELECT user_id FROM credit_ledgers
		WHERE user_id > $1
		ORDER BY user_id
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, storageErr("list ledgers", err)
	}
	return ids, nil
}

var errDuplicateKey = errors.New("duplicate idempotency key")

type getter interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func findByKey(ctx context.Context, g getter, key string) (*Transaction, error) {
	var t Transaction
	err := g.GetContext(ctx, &t, `SELECT `+transactionColumns+` FROM credit_transactions WHERE idempotency_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, storageErr("find by idempotency key", err)
	}
	return &t, nil
}

func insertTransaction(ctx context.Context, tx *sqlx.Tx, rec *Transaction) error {
	if rec.Metadata == nil {
		rec.Metadata = Metadata{}
	}
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO credit_transactions
			(user_id, kind, generation_delta, analysis_delta, idempotency_key, description, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, rec.UserID, rec.Kind, rec.GenerationDelta, rec.AnalysisDelta, rec.IdempotencyKey, rec.Description, rec.Metadata).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return errDuplicateKey
		}
		return storageErr("insert transaction", err)
	}
	return nil
}
