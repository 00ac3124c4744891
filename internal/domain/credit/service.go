package credit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pageforge/pageforge-api/internal/metrics"
	"github.com/pageforge/pageforge-api/internal/pkg/logger"
)

// GatePolicy decides what the Gate reports when the store cannot be read.
type GatePolicy string

const (
	// GateFailSafe reports the free-tier allotment flagged as degraded.
	GateFailSafe GatePolicy = "fail_safe"
	// GateFailClosed propagates the storage error.
	GateFailClosed GatePolicy = "fail_closed"
)

// ParseGatePolicy maps a config value to a GatePolicy, defaulting to GateFailSafe.
func ParseGatePolicy(raw string) GatePolicy {
	if GatePolicy(strings.ToLower(strings.TrimSpace(raw))) == GateFailClosed {
		return GateFailClosed
	}
	return GateFailSafe
}

const maxUserIDLength = 128

// Service is the credit ledger: gate, consumer, grant processor and audit.
type Service struct {
	repo            Repository
	catalog         *Catalog
	cache           SnapshotCache
	gatePolicy      GatePolicy
	refundOnFailure bool
	metrics         *metrics.CreditMetrics
}

// Option configures a Service.
type Option func(*Service)

// WithSnapshotCache puts an advisory cache in front of Gate reads.
func WithSnapshotCache(cache SnapshotCache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithGatePolicy sets the Gate's behavior on storage failure.
func WithGatePolicy(policy GatePolicy) Option {
	return func(s *Service) { s.gatePolicy = policy }
}

// WithRefundOnActionFailure toggles compensating refunds in Spend.
func WithRefundOnActionFailure(enabled bool) Option {
	return func(s *Service) { s.refundOnFailure = enabled }
}

func NewService(repo Repository, catalog *Catalog, opts ...Option) *Service {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	s := &Service{
		repo:            repo,
		catalog:         catalog,
		gatePolicy:      GateFailSafe,
		refundOnFailure: true,
		metrics:         metrics.Get(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Catalog returns the package catalog the service grants from.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" || len(userID) > maxUserIDLength {
		return ErrInvalidUserID
	}
	return nil
}

// normalizeKey is applied to every idempotency key before it is stored or looked up.
func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}

func (s *Service) loadLedger(ctx context.Context, userID string) (*Ledger, error) {
	if s.cache != nil {
		if l, ok := s.cache.Get(ctx, userID); ok {
			return l, nil
		}
	}
	l, err := s.repo.GetOrCreateLedger(ctx, userID, s.catalog.FreeTier())
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, l)
	}
	return l, nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.cache != nil {
		s.cache.Invalidate(context.WithoutCancel(ctx), userID)
	}
}

// CheckAllowed answers whether userID could spend one unit of pool right now.
// The answer is advisory; only Consume is authoritative.
func (s *Service) CheckAllowed(ctx context.Context, userID string, pool Pool) (*Check, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if !pool.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPool, pool)
	}

	start := time.Now()
	defer func() {
		s.metrics.GateCheckDuration.WithLabelValues(string(pool)).Observe(time.Since(start).Seconds())
	}()

	ledger, err := s.loadLedger(ctx, userID)
	if err != nil {
		if s.gatePolicy == GateFailClosed {
			s.metrics.GateCheckTotal.WithLabelValues(string(pool), "error").Inc()
			return nil, err
		}
		logger.FromContext(ctx).Warn().Err(err).
			Str("user_id", userID).
			Str("pool", string(pool)).
			Msg("Credit gate degraded to free tier snapshot")
		s.metrics.GateCheckTotal.WithLabelValues(string(pool), "degraded").Inc()

		free := s.catalog.FreeTier().Get(pool)
		return &Check{Pool: pool, Allowed: free > 0, Remaining: free, Total: free, Degraded: true}, nil
	}

	remaining := ledger.Remaining(pool)
	check := &Check{
		Pool:      pool,
		Allowed:   remaining > 0,
		Remaining: remaining,
		Total:     ledger.Granted(pool),
	}
	result := "denied"
	if check.Allowed {
		result = "allowed"
	}
	s.metrics.GateCheckTotal.WithLabelValues(string(pool), result).Inc()
	return check, nil
}

// Balance returns the display snapshot of every pool under the Gate's policy.
func (s *Service) Balance(ctx context.Context, userID string) (*Balance, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	ledger, err := s.loadLedger(ctx, userID)
	degraded := false
	if err != nil {
		if s.gatePolicy == GateFailClosed {
			return nil, err
		}
		logger.FromContext(ctx).Warn().Err(err).Str("user_id", userID).Msg("Credit balance degraded to free tier snapshot")
		free := s.catalog.FreeTier()
		ledger = &Ledger{
			UserID:            userID,
			GenerationGranted: free.Generation,
			AnalysisGranted:   free.Analysis,
			Plan:              FreePlan,
		}
		degraded = true
	}

	b := &Balance{
		UserID:   userID,
		Plan:     ledger.Plan,
		Pools:    make(map[Pool]PoolBalance, len(Pools)),
		Degraded: degraded,
	}
	for _, p := range Pools {
		b.Pools[p] = PoolBalance{
			Granted:   ledger.Granted(p),
			Used:      ledger.Used(p),
			Remaining: ledger.Remaining(p),
		}
	}
	return b, nil
}

// Consume spends one unit of pool. It must run immediately before the gated
// work, and the work must only run when Success is true. POST
// /api/v1/credits/{pool}/consume is the HTTP caller.
func (s *Service) Consume(ctx context.Context, userID string, pool Pool, meta UsageMeta) (*ConsumeResult, error) {
	if err := validateUserID(userID); err != nil {
		return &ConsumeResult{Reason: ReasonError}, err
	}
	if !pool.Valid() {
		return &ConsumeResult{Reason: ReasonError}, fmt.Errorf("%w: %q", ErrUnknownPool, pool)
	}

	start := time.Now()
	defer func() {
		s.metrics.ConsumeDuration.WithLabelValues(string(pool)).Observe(time.Since(start).Seconds())
	}()

	description := meta.Description
	if description == "" {
		description = "Consumed 1 " + string(pool) + " credit"
	}
	rec := &Transaction{
		UserID:      userID,
		Kind:        TxKindUsage,
		Description: description,
		Metadata:    meta.metadata(),
	}
	switch pool {
	case PoolGeneration:
		rec.GenerationDelta = -1
	case PoolAnalysis:
		rec.AnalysisDelta = -1
	}

	remaining, err := s.repo.ConsumeOne(ctx, userID, pool, s.catalog.FreeTier(), rec)
	if err != nil {
		if errors.Is(err, ErrNoCredits) {
			s.metrics.ConsumeTotal.WithLabelValues(string(pool), string(ReasonNoCredits)).Inc()
			return &ConsumeResult{Reason: ReasonNoCredits}, ErrNoCredits
		}
		s.metrics.ConsumeTotal.WithLabelValues(string(pool), string(ReasonError)).Inc()
		logger.FromContext(ctx).Error().Err(err).
			Str("user_id", userID).
			Str("pool", string(pool)).
			Bool("outcome_unknown", IsOutcomeUnknown(err)).
			Msg("Credit consumption failed")
		if IsOutcomeUnknown(err) {
			s.invalidate(ctx, userID)
		}
		return &ConsumeResult{Reason: ReasonError}, err
	}

	s.invalidate(ctx, userID)
	s.metrics.ConsumeTotal.WithLabelValues(string(pool), "success").Inc()
	return &ConsumeResult{Success: true, Remaining: remaining, TransactionID: rec.ID}, nil
}

// Grant credits a confirmed purchase exactly once per idempotency key.
// Credit amounts come from the catalog only.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	if err := validateUserID(req.UserID); err != nil {
		return &GrantResult{Status: GrantRejected}, err
	}
	key := normalizeKey(req.IdempotencyKey)
	if key == "" {
		return &GrantResult{Status: GrantRejected}, ErrMissingIdempotencyKey
	}

	log := logger.FromContext(ctx)

	pkg, ok := s.catalog.Lookup(req.PackageID)
	if !ok {
		s.metrics.GrantTotal.WithLabelValues("unknown", string(GrantRejected)).Inc()
		log.Warn().Str("user_id", req.UserID).Str("package_id", req.PackageID).Str("idempotency_key", key).
			Msg("Grant rejected: unknown package")
		return &GrantResult{Status: GrantRejected}, fmt.Errorf("%w: %q", ErrUnknownPackage, req.PackageID)
	}

	if req.Currency != "" {
		price, ok := pkg.Price(req.Currency)
		if !ok || req.PaidAmount < price {
			s.metrics.GrantTotal.WithLabelValues(pkg.ID, string(GrantRejected)).Inc()
			log.Warn().Str("user_id", req.UserID).Str("package_id", pkg.ID).
				Int64("paid_amount", req.PaidAmount).Str("currency", req.Currency).Int64("price", price).
				Msg("Grant rejected: paid amount does not cover package price")
			return &GrantResult{Status: GrantRejected}, ErrPaymentMismatch
		}
	}

	if !req.Requested.IsZero() && req.Requested != pkg.Credits {
		log.Warn().Str("user_id", req.UserID).Str("package_id", pkg.ID).
			Int("requested_generation", req.Requested.Generation).
			Int("requested_analysis", req.Requested.Analysis).
			Msg("Ignoring caller supplied credit amounts that differ from catalog")
	}

	start := time.Now()
	defer func() { s.metrics.GrantDuration.Observe(time.Since(start).Seconds()) }()

	md := make(Metadata, len(req.Metadata)+3)
	for k, v := range req.Metadata {
		md[k] = v
	}
	md["package_id"] = pkg.ID
	delete(md, "currency")
	delete(md, "paid_amount")
	if req.Currency != "" {
		md["currency"] = strings.ToLower(req.Currency)
		md["paid_amount"] = strconv.FormatInt(req.PaidAmount, 10)
	}

	rec := &Transaction{
		UserID:          req.UserID,
		Kind:            TxKindPurchase,
		GenerationDelta: pkg.Credits.Generation,
		AnalysisDelta:   pkg.Credits.Analysis,
		IdempotencyKey:  &key,
		Description:     "Purchased " + pkg.Name + " package",
		Metadata:        md,
	}
	change := GrantChange{Credits: pkg.Credits, Plan: pkg.ID, PlanRank: pkg.Rank}

	stored, err := s.repo.ApplyGrant(ctx, req.UserID, s.catalog.FreeTier(), change, rec)
	if err != nil {
		if errors.Is(err, ErrDuplicateGrant) {
			s.metrics.GrantTotal.WithLabelValues(pkg.ID, string(GrantAlreadyProcessed)).Inc()
			if stored != nil && stored.UserID != req.UserID {
				log.Warn().Str("user_id", req.UserID).Str("recorded_user_id", stored.UserID).Str("idempotency_key", key).
					Msg("Grant already processed for a different user")
			} else {
				log.Info().Str("user_id", req.UserID).Str("idempotency_key", key).Msg("Grant already processed")
			}
			return &GrantResult{Status: GrantAlreadyProcessed, Transaction: stored}, nil
		}
		s.metrics.GrantTotal.WithLabelValues(pkg.ID, "error").Inc()
		log.Error().Err(err).Str("user_id", req.UserID).Str("package_id", pkg.ID).Str("idempotency_key", key).
			Bool("outcome_unknown", IsOutcomeUnknown(err)).
			Msg("Credit grant failed")
		return nil, err
	}

	s.invalidate(ctx, req.UserID)
	s.metrics.GrantTotal.WithLabelValues(pkg.ID, string(GrantApplied)).Inc()
	s.metrics.GrantCredits.WithLabelValues(string(PoolGeneration)).Add(float64(pkg.Credits.Generation))
	s.metrics.GrantCredits.WithLabelValues(string(PoolAnalysis)).Add(float64(pkg.Credits.Analysis))

	log.Info().Str("user_id", req.UserID).Str("package_id", pkg.ID).Str("idempotency_key", key).
		Int64("transaction_id", stored.ID).
		Msg("Credits granted")

	return &GrantResult{Status: GrantApplied, Granted: pkg.Credits, Transaction: stored}, nil
}

// Refund returns consumed units to a pool as a new refund record.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if err := validateUserID(req.UserID); err != nil {
		return nil, err
	}
	if !req.Pool.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPool, req.Pool)
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	key := normalizeKey(req.IdempotencyKey)
	if key == "" {
		return nil, ErrMissingIdempotencyKey
	}

	description := req.Reason
	if description == "" {
		description = "Refunded " + strconv.Itoa(req.Amount) + " " + string(req.Pool) + " credit(s)"
	}
	rec := &Transaction{
		UserID:         req.UserID,
		Kind:           TxKindRefund,
		IdempotencyKey: &key,
		Description:    description,
		Metadata:       req.Metadata,
	}
	switch req.Pool {
	case PoolGeneration:
		rec.GenerationDelta = req.Amount
	case PoolAnalysis:
		rec.AnalysisDelta = req.Amount
	}

	remaining, err := s.repo.ReleaseUsage(ctx, req.UserID, req.Pool, req.Amount, rec)
	if err != nil {
		result := "error"
		switch {
		case errors.Is(err, ErrDuplicateRefund):
			result = "duplicate"
		case errors.Is(err, ErrNothingToRefund):
			result = "nothing"
		}
		s.metrics.RefundTotal.WithLabelValues(string(req.Pool), result).Inc()
		return nil, err
	}

	s.invalidate(ctx, req.UserID)
	s.metrics.RefundTotal.WithLabelValues(string(req.Pool), "success").Inc()
	logger.FromContext(ctx).Info().
		Str("user_id", req.UserID).
		Str("pool", string(req.Pool)).
		Int("amount", req.Amount).
		Str("idempotency_key", key).
		Msg("Credits refunded")

	return &RefundResult{Remaining: remaining, Transaction: rec}, nil
}

func usageRefundKey(usageTxID int64) string {
	return "refund:usage:" + strconv.FormatInt(usageTxID, 10)
}

// Spend consumes one unit of pool and runs action only if consumption
// succeeded. It is for generation and analysis jobs that run in the same
// process as the ledger. When action fails the credit is refunded if the service is
// configured to do so, and the inconsistency is logged either way.
func (s *Service) Spend(ctx context.Context, userID string, pool Pool, meta UsageMeta, action func(ctx context.Context) error) (*ConsumeResult, error) {
	res, err := s.Consume(ctx, userID, pool, meta)
	if err != nil {
		return res, err
	}

	actionErr := action(ctx)
	if actionErr == nil {
		return res, nil
	}

	log := logger.FromContext(ctx)
	if !s.refundOnFailure {
		s.metrics.ActionFailureTotal.WithLabelValues(string(pool), "false").Inc()
		log.Error().Err(actionErr).
			Str("user_id", userID).
			Str("pool", string(pool)).
			Int64("usage_transaction_id", res.TransactionID).
			Msg("Credit consumed but gated action failed; manual reconciliation required")
		return res, fmt.Errorf("%w: %w", ErrActionFailed, actionErr)
	}

	refund, refundErr := s.Refund(context.WithoutCancel(ctx), RefundRequest{
		UserID:         userID,
		Pool:           pool,
		Amount:         1,
		Reason:         "Automatic refund: gated action failed",
		IdempotencyKey: usageRefundKey(res.TransactionID),
		Metadata:       Metadata{"usage_transaction_id": strconv.FormatInt(res.TransactionID, 10)},
	})
	if refundErr != nil && !errors.Is(refundErr, ErrDuplicateRefund) {
		s.metrics.ActionFailureTotal.WithLabelValues(string(pool), "false").Inc()
		log.Error().Err(actionErr).
			AnErr("refund_error", refundErr).
			Str("user_id", userID).
			Str("pool", string(pool)).
			Int64("usage_transaction_id", res.TransactionID).
			Msg("Gated action failed and compensating refund failed; manual reconciliation required")
		return res, fmt.Errorf("%w: %w", ErrActionFailed, actionErr)
	}

	s.metrics.ActionFailureTotal.WithLabelValues(string(pool), "true").Inc()
	ev := log.Error().Err(actionErr).
		Str("user_id", userID).
		Str("pool", string(pool)).
		Int64("usage_transaction_id", res.TransactionID)
	if refund != nil {
		ev = ev.Int64("refund_transaction_id", refund.Transaction.ID)
		res.Remaining = refund.Remaining
	}
	ev.Msg("Gated action failed; consumed credit refunded")
	return res, fmt.Errorf("%w: %w", ErrActionFailed, actionErr)
}

// FindByIdempotencyKey returns the transaction recorded under key.
func (s *Service) FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	key = normalizeKey(key)
	if key == "" {
		return nil, ErrMissingIdempotencyKey
	}
	return s.repo.FindByIdempotencyKey(ctx, key)
}

// ListTransactions returns the user's history, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string, pagination Pagination) ([]Transaction, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	return s.repo.ListTransactions(ctx, userID, pagination)
}
