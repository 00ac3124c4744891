package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pageforge/pageforge-api/internal/domain/credit"
	"github.com/pageforge/pageforge-api/internal/pkg/stripe"
)

type stubGranter struct {
	mu    sync.Mutex
	calls []credit.GrantRequest
	res   *credit.GrantResult
	err   error
}

func (s *stubGranter) Grant(_ context.Context, req credit.GrantRequest) (*credit.GrantResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	return s.res, s.err
}

type stubRecorder struct {
	mu     sync.Mutex
	events []WebhookEvent
	err    error
}

func (s *stubRecorder) RecordEvent(_ context.Context, ev *WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return s.err
}

type failingLocker struct{}

func (failingLocker) Lock(context.Context, string) (func(), error) {
	return nil, errors.New("redis down")
}

func paidSession() *stripe.CheckoutSession {
	return &stripe.CheckoutSession{
		EventID:           "evt_1",
		EventType:         stripe.EventCheckoutCompleted,
		SessionID:         "sess_123",
		ClientReferenceID: "user-1",
		AmountTotal:       2900,
		Currency:          "usd",
		PaymentStatus:     "paid",
		Metadata:          map[string]string{"package_id": "pro"},
	}
}

func TestConfirmationFromCheckout(t *testing.T) {
	c, err := ConfirmationFromCheckout(paidSession())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.UserID != "user-1" || c.PackageID != "pro" || c.IdempotencyKey != "sess_123" {
		t.Fatalf("unexpected confirmation: %+v", c)
	}

	cs := paidSession()
	cs.ClientReferenceID = ""
	cs.Metadata["user_id"] = "user-2"
	c, err = ConfirmationFromCheckout(cs)
	if err != nil || c.UserID != "user-2" {
		t.Fatalf("expected metadata user fallback, got %+v, %v", c, err)
	}

	cs.Metadata = map[string]string{"package_id": "pro"}
	if _, err := ConfirmationFromCheckout(cs); !errors.Is(err, ErrMissingUser) {
		t.Fatalf("expected ErrMissingUser, got %v", err)
	}

	cs = paidSession()
	delete(cs.Metadata, "package_id")
	if _, err := ConfirmationFromCheckout(cs); !errors.Is(err, ErrMissingPackage) {
		t.Fatalf("expected ErrMissingPackage, got %v", err)
	}
}

func TestProcessCheckoutSessionGrants(t *testing.T) {
	granter := &stubGranter{res: &credit.GrantResult{Status: credit.GrantApplied}}
	events := &stubRecorder{}
	svc := NewService(granter, events, nil)

	status, err := svc.ProcessCheckoutSession(context.Background(), paidSession(), []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != EventGranted {
		t.Fatalf("expected granted, got %s", status)
	}
	if len(granter.calls) != 1 {
		t.Fatalf("expected one grant call, got %d", len(granter.calls))
	}
	req := granter.calls[0]
	if req.IdempotencyKey != "sess_123" || req.PaidAmount != 2900 || req.Currency != "usd" {
		t.Fatalf("unexpected grant request: %+v", req)
	}
	if req.Metadata["event_id"] != "evt_1" {
		t.Fatalf("expected event_id metadata, got %v", req.Metadata)
	}
	if len(events.events) != 1 || events.events[0].Status != EventGranted {
		t.Fatalf("expected granted event recorded, got %+v", events.events)
	}
}

func TestProcessCheckoutSessionStatuses(t *testing.T) {
	tests := []struct {
		name    string
		res     *credit.GrantResult
		err     error
		want    EventStatus
		wantErr bool
	}{
		{"duplicate", &credit.GrantResult{Status: credit.GrantAlreadyProcessed}, nil, EventDuplicate, false},
		{"unknown package", &credit.GrantResult{Status: credit.GrantRejected}, credit.ErrUnknownPackage, EventRejected, false},
		{"payment mismatch", &credit.GrantResult{Status: credit.GrantRejected}, credit.ErrPaymentMismatch, EventRejected, false},
		{"storage", nil, fmt.Errorf("%w: apply grant: %w", credit.ErrStorage, errors.New("conn reset")), EventFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &stubRecorder{}
			svc := NewService(&stubGranter{res: tt.res, err: tt.err}, events, nil)

			status, err := svc.ProcessCheckoutSession(context.Background(), paidSession(), nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, status)
			}
			if len(events.events) != 1 || events.events[0].Status != tt.want {
				t.Fatalf("expected %s event recorded, got %+v", tt.want, events.events)
			}
		})
	}
}

func TestProcessCheckoutSessionMissingUserSkipsGrant(t *testing.T) {
	granter := &stubGranter{}
	svc := NewService(granter, nil, nil)

	cs := paidSession()
	cs.ClientReferenceID = ""
	status, err := svc.ProcessCheckoutSession(context.Background(), cs, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != EventRejected {
		t.Fatalf("expected rejected, got %s", status)
	}
	if len(granter.calls) != 0 {
		t.Fatalf("expected no grant call, got %d", len(granter.calls))
	}
}

func TestConfirmProceedsWithoutLock(t *testing.T) {
	granter := &stubGranter{res: &credit.GrantResult{Status: credit.GrantApplied}}
	svc := NewService(granter, &stubRecorder{err: errors.New("db down")}, failingLocker{})

	status, err := svc.ProcessCheckoutSession(context.Background(), paidSession(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != EventGranted || len(granter.calls) != 1 {
		t.Fatalf("expected grant despite lock and recorder failures, got %s with %d calls", status, len(granter.calls))
	}
}

func TestRedeliveriesGrantOnce(t *testing.T) {
	repo := credit.NewMemoryRepository()
	credits := credit.NewService(repo, nil)
	svc := NewService(credits, &stubRecorder{}, nil)

	const deliveries = 10
	var wg sync.WaitGroup
	statuses := make(chan EventStatus, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := svc.ProcessCheckoutSession(context.Background(), paidSession(), nil)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			statuses <- status
		}()
	}
	wg.Wait()
	close(statuses)

	granted := 0
	for s := range statuses {
		switch s {
		case EventGranted:
			granted++
		case EventDuplicate:
		default:
			t.Fatalf("unexpected status %s", s)
		}
	}
	if granted != 1 {
		t.Fatalf("expected exactly one grant, got %d", granted)
	}

	balance, err := credits.Balance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := balance.Pools[credit.PoolGeneration].Granted; got != 3+50 {
		t.Fatalf("expected 53 generation credits, got %d", got)
	}
}
