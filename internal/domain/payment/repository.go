package payment

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

//go:embed schema.sql
var schema string

// Migrate creates the webhook event table if it does not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("payment: migrate: %w", err)
	}
	return nil
}

// EventRecorder stores webhook deliveries. It never decides whether credits
// are granted; that is the ledger's idempotency key.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev *WebhookEvent) error
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates the webhook event repository
func NewRepository(db *sqlx.DB) EventRecorder {
	return &repository{db: db}
}

// RecordEvent upserts by (provider, event_id), counting redeliveries. A row
// that reached granted keeps that status and its error text.
func (r *repository) RecordEvent(ctx context.Context, ev *WebhookEvent) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var payload interface{}
	if len(ev.Payload) > 0 {
		payload = []byte(ev.Payload)
	}

	err := r.db.QueryRowxContext(ctx2, `
		INSERT INTO payment_webhook_events (provider, event_id, event_type, status, last_error, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, event_id) DO UPDATE
		SET status = CASE
		        WHEN payment_webhook_events.status = 'granted' THEN payment_webhook_events.status
		        ELSE EXCLUDED.status
		    END,
		    last_error = CASE
		        WHEN payment_webhook_events.status = 'granted' THEN payment_webhook_events.last_error
		        ELSE EXCLUDED.last_error
		    END,
		    attempts = payment_webhook_events.attempts + 1,
		    updated_at = NOW()
		RETURNING id, attempts, created_at, updated_at
	`, ev.Provider, ev.EventID, ev.EventType, ev.Status, ev.LastError, payload).
		Scan(&ev.ID, &ev.Attempts, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}
