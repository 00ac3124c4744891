package credit

import (
	"context"
	"errors"

	"github.com/pageforge/pageforge-api/internal/pkg/logger"
)

const defaultReconcileBatch = 500

// Reconcile compares the user's ledger row with the sum of their transaction
// log: granted - used must equal the free allotment plus all deltas.
func (s *Service) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	ledger, sums, err := s.repo.LoadReconciliation(ctx, userID)
	if err != nil {
		return nil, err
	}

	free := s.catalog.FreeTier()
	out := &Reconciliation{UserID: userID, Pools: make(map[Pool]PoolReconciliation, len(Pools))}
	for _, p := range Pools {
		expected := free.Get(p) + sums.Get(p)
		actual := ledger.Remaining(p)
		out.Pools[p] = PoolReconciliation{
			Expected: expected,
			Actual:   actual,
			Granted:  ledger.Granted(p),
			Used:     ledger.Used(p),
			Balanced: expected == actual,
		}
	}
	return out, nil
}

// ReconcileAll walks every ledger and returns the reports that do not balance.
func (s *Service) ReconcileAll(ctx context.Context, batchSize int) ([]Reconciliation, error) {
	if batchSize <= 0 {
		batchSize = defaultReconcileBatch
	}
	log := logger.FromContext(ctx)

	var mismatched []Reconciliation
	checked := 0
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return mismatched, err
		}

		ids, err := s.repo.ListLedgerUserIDs(ctx, after, batchSize)
		if err != nil {
			s.metrics.ReconcileRuns.WithLabelValues("error").Inc()
			return mismatched, err
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			report, err := s.Reconcile(ctx, id)
			if errors.Is(err, ErrLedgerNotFound) {
				continue
			}
			if err != nil {
				s.metrics.ReconcileRuns.WithLabelValues("error").Inc()
				return mismatched, err
			}
			checked++
			if !report.Balanced() {
				mismatched = append(mismatched, *report)
			}
		}
		after = ids[len(ids)-1]
		if len(ids) < batchSize {
			break
		}
	}

	counts := map[Pool]int{}
	for _, r := range mismatched {
		for p, pr := range r.Pools {
			if !pr.Balanced {
				counts[p]++
			}
		}
	}
	for _, p := range Pools {
		s.metrics.ReconcileMismatches.WithLabelValues(string(p)).Set(float64(counts[p]))
	}
	result := "balanced"
	if len(mismatched) > 0 {
		result = "mismatched"
	}
	s.metrics.ReconcileRuns.WithLabelValues(result).Inc()

	log.Info().Int("checked", checked).Int("mismatched", len(mismatched)).Msg("Credit reconciliation finished")
	return mismatched, nil
}
