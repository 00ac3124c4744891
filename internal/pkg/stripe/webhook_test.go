package stripe

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v74/webhook"
)

const testSecret = "whsec_test"

func signedHeaders(t *testing.T, payload []byte, secret string, ts time.Time) http.Header {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
	})
	h := http.Header{}
	h.Set(SignatureHeader, signed.Header)
	return h
}

const checkoutPayload = `{
	"id": "evt_123",
	"object": "event",
	"type": "checkout.session.completed",
	"created": 1700000000,
	"data": {"object": {
		"id": "cs_test_1",
		"object": "checkout.session",
		"client_reference_id": "user-1",
		"amount_total": 2900,
		"currency": "USD",
		"payment_status": "paid",
		"metadata": {"package_id": "pro"}
	}}
}`

func TestVerifyAcceptsValidSignature(t *testing.T) {
	payload := []byte(checkoutPayload)

	ev, err := NewVerifier(testSecret, 5*time.Minute).Verify(payload, signedHeaders(t, payload, testSecret, time.Now()))
	if err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if ev.ID != "evt_123" {
		t.Fatalf("unexpected event id %q", ev.ID)
	}
}

func TestVerifyRejects(t *testing.T) {
	now := time.Now()
	payload := []byte(checkoutPayload)

	cases := []struct {
		name     string
		verifier *Verifier
		payload  []byte
		headers  http.Header
		want     error
	}{
		{name: "missing header", verifier: NewVerifier(testSecret, 0), payload: payload, headers: http.Header{}, want: ErrInvalidSignature},
		{name: "tampered body", verifier: NewVerifier(testSecret, 0), payload: []byte(`{"id":"evt_2"}`), headers: signedHeaders(t, payload, testSecret, now), want: ErrInvalidSignature},
		{name: "stale timestamp", verifier: NewVerifier(testSecret, 5*time.Minute), payload: payload, headers: signedHeaders(t, payload, testSecret, now.Add(-10*time.Minute)), want: ErrExpiredSignature},
		{name: "wrong secret", verifier: NewVerifier(testSecret, 0), payload: payload, headers: signedHeaders(t, payload, "other", now), want: ErrInvalidSignature},
		{name: "no secret configured", verifier: NewVerifier("", 0), payload: payload, headers: signedHeaders(t, payload, "", now), want: ErrInvalidSignature},
		{name: "signed garbage", verifier: NewVerifier(testSecret, 0), payload: []byte(`not json`), headers: signedHeaders(t, []byte(`not json`), testSecret, now), want: ErrInvalidPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.verifier.Verify(tc.payload, tc.headers)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func verified(t *testing.T, payload string) *CheckoutSession {
	t.Helper()
	ev, err := NewVerifier(testSecret, 0).Verify([]byte(payload), signedHeaders(t, []byte(payload), testSecret, time.Now()))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	s, err := ParseCheckoutSession(ev)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return s
}

func TestParseCheckoutSession(t *testing.T) {
	s := verified(t, checkoutPayload)

	if s.SessionID != "cs_test_1" || s.ClientReferenceID != "user-1" || s.AmountTotal != 2900 {
		t.Fatalf("unexpected session: %+v", s)
	}
	if s.Currency != "usd" {
		t.Fatalf("expected lowercase currency, got %q", s.Currency)
	}
	if s.Metadata["package_id"] != "pro" {
		t.Fatalf("expected package metadata, got %v", s.Metadata)
	}
	if s.EventID != "evt_123" || s.Created.Unix() != 1700000000 {
		t.Fatalf("unexpected event fields: %+v", s)
	}
}

func TestParseCheckoutSessionIgnoresOtherEvents(t *testing.T) {
	cases := map[string]string{
		"other type": `{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`,
		"unpaid":     `{"id":"evt_2","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","payment_status":"unpaid"}}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			ev, err := NewVerifier(testSecret, 0).Verify([]byte(payload), signedHeaders(t, []byte(payload), testSecret, time.Now()))
			if err != nil {
				t.Fatalf("verify failed: %v", err)
			}
			if _, err := ParseCheckoutSession(ev); !errors.Is(err, ErrEventIgnored) {
				t.Fatalf("expected ErrEventIgnored, got %v", err)
			}
		})
	}
}
