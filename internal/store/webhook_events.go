package store

import (
	"context"
	"errors"
	"time"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const webhookEventColumns = `
	id, school_id, idempotency_key, event_type, external_reference, gateway_payment_id,
	payload, status, attempts, processed_at, last_error, created_at, updated_at`

func scanWebhookEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var (
		e       domain.WebhookEvent
		payload []byte
	)
	err := row.Scan(
		&e.ID, &e.SchoolID, &e.IdempotencyKey, &e.EventType, &e.ExternalReference, &e.GatewayPaymentID,
		&payload, &e.Status, &e.Attempts, &e.ProcessedAt, &e.LastError, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookEventNotFound
		}
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}

// InsertWebhookEvent stores the event unless its idempotency key already exists.
// It reports whether a new row was created; on a duplicate, event is overwritten
// with the stored row.
func (q *postgresQueries) InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) (bool, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = domain.WebhookEventPending
	}
	query := `
		INSERT INTO webhook_events (
			id, school_id, idempotency_key, event_type, external_reference,
			gateway_payment_id, payload, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (school_id, idempotency_key) DO NOTHING
		RETURNING created_at, updated_at
	`
	err := q.db.QueryRow(ctx, query,
		event.ID, event.SchoolID, event.IdempotencyKey, event.EventType, event.ExternalReference,
		event.GatewayPaymentID, string(event.Payload), event.Status,
	).Scan(&event.CreatedAt, &event.UpdatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}

	existing, err := scanWebhookEvent(q.db.QueryRow(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE school_id = $1 AND idempotency_key = $2`,
		event.SchoolID, event.IdempotencyKey))
	if err != nil {
		return false, err
	}
	*event = *existing
	return false, nil
}

// GetWebhookEvent retrieves a stored webhook event by its ID.
func (q *postgresQueries) GetWebhookEvent(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	return scanWebhookEvent(q.db.QueryRow(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE id = $1`, id))
}

// GetWebhookEventForUpdate retrieves a webhook event and locks its row.
func (q *postgresQueries) GetWebhookEventForUpdate(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	return scanWebhookEvent(q.db.QueryRow(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE id = $1 FOR UPDATE`, id))
}

// MarkWebhookEventProcessing flips a non-completed event to PROCESSING and bumps its attempts.
// A COMPLETED event is returned unchanged.
func (q *postgresQueries) MarkWebhookEventProcessing(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	event, err := scanWebhookEvent(q.db.QueryRow(ctx, `
		UPDATE webhook_events
		SET status = 'PROCESSING', attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status <> 'COMPLETED'
		RETURNING `+webhookEventColumns, id))
	if errors.Is(err, ErrWebhookEventNotFound) {
		return q.GetWebhookEvent(ctx, id)
	}
	return event, err
}

// CompleteWebhookEvent moves the event to its terminal state.
func (q *postgresQueries) CompleteWebhookEvent(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'COMPLETED', processed_at = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1`, id, processedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWebhookEventNotFound
	}
	return nil
}

// FailWebhookEvent records a processing failure. Completed events are left untouched.
func (q *postgresQueries) FailWebhookEvent(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'FAILED', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status <> 'COMPLETED'`, id, lastError)
	return err
}

// ListStaleWebhookEvents returns unfinished events untouched since olderThan that still have attempts left.
func (q *postgresQueries) ListStaleWebhookEvents(ctx context.Context, olderThan time.Time, maxAttempts int, limit int) ([]domain.WebhookEvent, error) {
	rows, err := q.db.Query(ctx, `SELECT `+webhookEventColumns+` FROM webhook_events
		WHERE status <> 'COMPLETED' AND updated_at < $1 AND attempts < $2
		ORDER BY updated_at LIMIT $3`, olderThan, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}
