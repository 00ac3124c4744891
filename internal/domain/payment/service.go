package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pageforge/pageforge-api/internal/domain/credit"
	"github.com/pageforge/pageforge-api/internal/pkg/lock"
	"github.com/pageforge/pageforge-api/internal/pkg/logger"
	"github.com/pageforge/pageforge-api/internal/pkg/stripe"
)

var (
	ErrMissingUser    = errors.New("payment: checkout session has no user reference")
	ErrMissingPackage = errors.New("payment: checkout session has no package_id")
)

// CreditGranter is the part of the credit ledger a payment confirmation needs.
type CreditGranter interface {
	Grant(ctx context.Context, req credit.GrantRequest) (*credit.GrantResult, error)
}

// Service turns verified payment confirmations into credit grants.
type Service struct {
	credits CreditGranter
	events  EventRecorder
	locker  lock.Locker
}

// NewService creates the payment service. events and locker may be nil.
func NewService(credits CreditGranter, events EventRecorder, locker lock.Locker) *Service {
	if locker == nil {
		locker = lock.Noop{}
	}
	return &Service{credits: credits, events: events, locker: locker}
}

// ConfirmationFromCheckout maps a paid Stripe checkout session to a
// Confirmation. The session id is the idempotency key.
func ConfirmationFromCheckout(cs *stripe.CheckoutSession) (*Confirmation, error) {
	userID := cs.ClientReferenceID
	if userID == "" {
		userID = strings.TrimSpace(cs.Metadata["user_id"])
	}
	if userID == "" {
		return nil, ErrMissingUser
	}
	packageID := strings.TrimSpace(cs.Metadata["package_id"])
	if packageID == "" {
		return nil, ErrMissingPackage
	}
	return &Confirmation{
		Provider:       ProviderStripe,
		EventID:        cs.EventID,
		UserID:         userID,
		PackageID:      packageID,
		IdempotencyKey: cs.SessionID,
		PaidAmount:     cs.AmountTotal,
		Currency:       cs.Currency,
	}, nil
}

// Confirm grants the package named by c. Redeliveries of the same payment
// resolve to credit.GrantAlreadyProcessed without a second grant.
func (s *Service) Confirm(ctx context.Context, c *Confirmation) (*credit.GrantResult, error) {
	log := logger.FromContext(ctx)

	// The ledger's unique key is what guarantees a single grant; the lock
	// only keeps concurrent redeliveries from racing to the constraint.
	unlock, err := s.locker.Lock(ctx, "credit:grant:"+c.IdempotencyKey)
	if err != nil {
		log.Warn().Err(err).Str("idempotency_key", c.IdempotencyKey).Msg("Grant lock unavailable, continuing without it")
		unlock = func() {}
	}
	defer unlock()

	return s.credits.Grant(ctx, credit.GrantRequest{
		UserID:         c.UserID,
		PackageID:      c.PackageID,
		IdempotencyKey: c.IdempotencyKey,
		PaidAmount:     c.PaidAmount,
		Currency:       c.Currency,
		Metadata: credit.Metadata{
			"provider": string(c.Provider),
			"event_id": c.EventID,
		},
	})
}

// ProcessCheckoutSession confirms a paid checkout session and records the
// delivery. A returned error means the provider should redeliver.
func (s *Service) ProcessCheckoutSession(ctx context.Context, cs *stripe.CheckoutSession, payload []byte) (EventStatus, error) {
	ctx = logger.With(ctx, "provider", string(ProviderStripe), "event_id", cs.EventID, "session_id", cs.SessionID)
	log := logger.FromContext(ctx)

	ev := &WebhookEvent{
		Provider:  ProviderStripe,
		EventID:   cs.EventID,
		EventType: cs.EventType,
		Payload:   JSONRawMessage(payload),
	}

	c, err := ConfirmationFromCheckout(cs)
	if err != nil {
		log.Warn().Err(err).Msg("Checkout session rejected")
		ev.Status, ev.LastError = EventRejected, err.Error()
		s.record(ctx, ev)
		return EventRejected, nil
	}

	res, err := s.Confirm(ctx, c)
	switch {
	case err == nil && res.Status == credit.GrantApplied:
		ev.Status = EventGranted
	case err == nil && res.Status == credit.GrantAlreadyProcessed:
		ev.Status = EventDuplicate
	case errors.Is(err, credit.ErrStorage):
		ev.Status, ev.LastError = EventFailed, err.Error()
		s.record(ctx, ev)
		return EventFailed, fmt.Errorf("confirm checkout %s: %w", cs.SessionID, err)
	default:
		// Unknown package, price mismatch or a bad user reference will not
		// fix themselves on redelivery.
		ev.Status = EventRejected
		if err != nil {
			ev.LastError = err.Error()
		}
		log.Warn().Err(err).Str("user_id", c.UserID).Str("package_id", c.PackageID).Msg("Checkout session not granted")
	}

	s.record(ctx, ev)
	return ev.Status, nil
}

func (s *Service) record(ctx context.Context, ev *WebhookEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.RecordEvent(context.WithoutCancel(ctx), ev); err != nil {
		logger.FromContext(ctx).Warn().Err(err).Str("status", string(ev.Status)).Msg("Failed to record webhook event")
	}
}
