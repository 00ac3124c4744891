package payment

import (
	"fmt"
	"time"
)

// Provider names a payment provider.
type Provider string

const ProviderStripe Provider = "stripe"

// EventStatus is the processing outcome of one webhook delivery.
type EventStatus string

const (
	EventGranted   EventStatus = "granted"
	EventDuplicate EventStatus = "duplicate"
	EventRejected  EventStatus = "rejected"
	EventIgnored   EventStatus = "ignored"
	EventFailed    EventStatus = "failed"
)

// JSONRawMessage handles NULL json fields from DB
type JSONRawMessage []byte

func (j *JSONRawMessage) Scan(src any) error {
	if src == nil {
		*j = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
	case string:
		*j = []byte(v)
	default:
		return fmt.Errorf("unsupported type: %T", src)
	}
	return nil
}

func (j JSONRawMessage) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// Confirmation is a verified, provider-neutral confirmed payment.
type Confirmation struct {
	Provider       Provider
	EventID        string
	UserID         string
	PackageID      string
	IdempotencyKey string
	PaidAmount     int64
	Currency       string
}

// WebhookEvent is one received provider delivery, kept for audit and support.
type WebhookEvent struct {
	ID        int64          `db:"id" json:"id"`
	Provider  Provider       `db:"provider" json:"provider"`
	EventID   string         `db:"event_id" json:"event_id"`
	EventType string         `db:"event_type" json:"event_type"`
	Status    EventStatus    `db:"status" json:"status"`
	Attempts  int            `db:"attempts" json:"attempts"`
	LastError string         `db:"last_error" json:"last_error,omitempty"`
	Payload   JSONRawMessage `db:"payload" json:"payload,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}
