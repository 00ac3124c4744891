package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripego "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"
)

const SignatureHeader = "Stripe-Signature"

var (
	ErrInvalidSignature = errors.New("stripe: invalid webhook signature")
	ErrExpiredSignature = errors.New("stripe: webhook timestamp outside tolerance")
	ErrInvalidPayload   = errors.New("stripe: invalid webhook payload")
	ErrEventIgnored     = errors.New("stripe: event ignored")
)

const (
	EventCheckoutCompleted             = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// CheckoutSession is the part of a paid checkout session the ledger needs.
type CheckoutSession struct {
	EventID           string
	EventType         string
	SessionID         string
	ClientReferenceID string
	AmountTotal       int64
	Currency          string
	PaymentStatus     string
	Metadata          map[string]string
	Created           time.Time
}

// Verifier checks Stripe webhook signatures.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

// Verify validates the Stripe-Signature header against payload and decodes
// the event.
func (v *Verifier) Verify(payload []byte, headers http.Header) (stripego.Event, error) {
	if v.secret == "" {
		return stripego.Event{}, ErrInvalidSignature
	}

	ev, err := webhook.ConstructEventWithOptions(payload, headers.Get(SignatureHeader), v.secret,
		webhook.ConstructEventOptions{
			Tolerance: v.tolerance,
			// Checkout fields used here are stable across API versions.
			IgnoreAPIVersionMismatch: true,
		})
	switch {
	case err == nil:
		return ev, nil
	case errors.Is(err, webhook.ErrTooOld):
		return stripego.Event{}, fmt.Errorf("%w: %w", ErrExpiredSignature, err)
	case errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, webhook.ErrNoValidSignature):
		return stripego.Event{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	default:
		return stripego.Event{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
}

// ParseCheckoutSession extracts a paid checkout session from a verified event.
// Other event types and unpaid sessions return ErrEventIgnored.
func ParseCheckoutSession(ev stripego.Event) (*CheckoutSession, error) {
	if strings.TrimSpace(ev.ID) == "" {
		return nil, ErrInvalidPayload
	}

	switch string(ev.Type) {
	case EventCheckoutCompleted, EventCheckoutAsyncPaymentSucceeded:
	default:
		return nil, ErrEventIgnored
	}

	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, ErrInvalidPayload
	}
	var s stripego.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(s.ID) == "" {
		return nil, ErrInvalidPayload
	}
	switch s.PaymentStatus {
	case stripego.CheckoutSessionPaymentStatusPaid, stripego.CheckoutSessionPaymentStatusNoPaymentRequired:
	default:
		return nil, ErrEventIgnored
	}

	return &CheckoutSession{
		EventID:           ev.ID,
		EventType:         string(ev.Type),
		SessionID:         s.ID,
		ClientReferenceID: strings.TrimSpace(s.ClientReferenceID),
		AmountTotal:       s.AmountTotal,
		Currency:          strings.ToLower(string(s.Currency)),
		PaymentStatus:     string(s.PaymentStatus),
		Metadata:          s.Metadata,
		Created:           time.Unix(ev.Created, 0).UTC(),
	}, nil
}
