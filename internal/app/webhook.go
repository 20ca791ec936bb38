package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/escolar/billing-service/internal/lock"
	"github.com/escolar/billing-service/internal/queue"
	"github.com/escolar/billing-service/internal/store"
	"github.com/google/uuid"
)

const staleWebhookBatch = 100

// AuthorizeWebhook checks the gateway token against the school's configured
// token, falling back to the global one. With no token configured at all,
// every request is rejected.
func (s *Service) AuthorizeWebhook(ctx context.Context, schoolID uuid.UUID, token string) error {
	expected := s.opts.WebhookToken
	settings, err := s.store.GetSchoolSettings(ctx, schoolID)
	switch {
	case err == nil && settings.WebhookToken != "":
		expected = settings.WebhookToken
	case err != nil && !errors.Is(err, store.ErrSettingsNotFound):
		return fmt.Errorf("load school settings: %w", err)
	}
	if expected == "" || token == "" {
		return ErrWebhookUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return ErrWebhookUnauthorized
	}
	return nil
}

// IngestResult reports what happened to an incoming webhook.
type IngestResult struct {
	Event    *domain.WebhookEvent
	Created  bool
	Enqueued bool
}

// IngestWebhook validates and durably stores a gateway notification, then
// enqueues its processing. Invalid payloads are rejected before anything is
// written. A redelivery returns the stored event.
func (s *Service) IngestWebhook(ctx context.Context, schoolID uuid.UUID, body []byte) (*IngestResult, error) {
	payload, err := domain.ParseAsaasWebhook(body)
	if err != nil {
		s.metrics.WebhookReceived("invalid")
		return nil, err
	}

	event := &domain.WebhookEvent{
		ID:                uuid.New(),
		SchoolID:          schoolID,
		IdempotencyKey:    payload.IdempotencyKey(),
		EventType:         payload.Event,
		ExternalReference: payload.Payment.ExternalReference,
		Payload:           append([]byte(nil), body...),
		Status:            domain.WebhookEventPending,
	}
	if payload.Payment.ID != "" {
		gatewayID := payload.Payment.ID
		event.GatewayPaymentID = &gatewayID
	}

	created, err := s.store.InsertWebhookEvent(ctx, event)
	if err != nil {
		s.metrics.WebhookReceived("error")
		return nil, fmt.Errorf("store webhook event: %w", err)
	}

	result := &IngestResult{Event: event, Created: created}
	if !created && event.IsCompleted() {
		s.metrics.WebhookReceived("duplicate")
		s.logger.Info("duplicate webhook acknowledged", "webhook_event_id", event.ID, "event_type", event.EventType)
		return result, nil
	}

	result.Enqueued = s.enqueue(ctx, domain.Actor{Type: domain.ActorGateway, ID: domain.GatewayAsaas},
		queue.JobWebhookProcess, queue.WebhookProcessPayload{WebhookEventID: event.ID})
	if created {
		s.metrics.WebhookReceived("accepted")
	} else {
		s.metrics.WebhookReceived("duplicate")
	}
	s.logger.Info("webhook stored",
		"webhook_event_id", event.ID, "school_id", schoolID, "event_type", event.EventType,
		"payment_id", event.ExternalReference, "created", created, "enqueued", result.Enqueued)
	return result, nil
}

// ProcessResult reports the effect of one processed webhook event.
type ProcessResult struct {
	EventID   uuid.UUID            `json:"webhook_event_id"`
	PaymentID uuid.UUID            `json:"payment_id"`
	From      domain.PaymentStatus `json:"from,omitempty"`
	To        domain.PaymentStatus `json:"to,omitempty"`
	Changed   bool                 `json:"changed"`
	Skipped   bool                 `json:"skipped"`
}

// ProcessWebhookEvent applies a stored gateway event to its payment. Completed
// events are no-ops; anything else runs under the payment's lock.
func (s *Service) ProcessWebhookEvent(ctx context.Context, actor domain.Actor, eventID uuid.UUID) (*ProcessResult, error) {
	event, err := s.store.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	result := &ProcessResult{EventID: eventID}
	if event.IsCompleted() {
		result.Skipped = true
		return result, nil
	}

	err = lock.Run(ctx, s.locker, lock.PaymentKey(event.ExternalReference), s.opts.LockTTL, func(ctx context.Context) error {
		return s.processLocked(ctx, actor, event.ID, result)
	})
	if err != nil {
		return nil, err
	}

	if result.Changed {
		s.enqueueReconcile(ctx, actor, result.PaymentID)
	}
	return result, nil
}

func (s *Service) processLocked(ctx context.Context, actor domain.Actor, eventID uuid.UUID, result *ProcessResult) error {
	event, err := s.store.MarkWebhookEventProcessing(ctx, eventID)
	if err != nil {
		return fmt.Errorf("mark webhook event processing: %w", err)
	}
	if event.IsCompleted() {
		result.Skipped = true
		return nil
	}

	payload, err := domain.ParseAsaasWebhook(event.Payload)
	if err != nil {
		s.failEvent(ctx, event.ID, err)
		return queue.Fatal(err)
	}
	paymentID := payload.PaymentID()
	result.PaymentID = paymentID
	now := s.now()

	err = s.store.InTx(ctx, func(q store.Queries) error {
		current, err := q.GetWebhookEventForUpdate(ctx, event.ID)
		if err != nil {
			return err
		}
		if current.IsCompleted() {
			result.Skipped = true
			return nil
		}

		payment, err := q.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}

		transition := domain.ApplyGatewayEvent(payment.Status, payload, now)
		result.From, result.To, result.Changed = transition.From, transition.To, transition.Changed

		if !transition.Ignored {
			applyGatewayFields(payment, payload)
			if transition.Changed {
				payment.Status = transition.To
				if transition.To == domain.PaymentStatusPaid {
					payment.PaidAt = transition.PaidAt
				}
			}
			payment.SetMetadata("last_gateway_event", auditEntry(actor, now, map[string]any{
				"event":            payload.Event,
				"webhook_event_id": event.ID.String(),
				"from":             string(transition.From),
				"to":               string(transition.To),
			}))
			if err := q.UpdatePayment(ctx, payment); err != nil {
				return fmt.Errorf("update payment: %w", err)
			}
		}
		return q.CompleteWebhookEvent(ctx, event.ID, now)
	})
	if err != nil {
		s.failEvent(ctx, event.ID, err)
		if errors.Is(err, store.ErrPaymentNotFound) || errors.Is(err, store.ErrDuplicateGatewayID) {
			return queue.Fatal(err)
		}
		return err
	}

	s.logger.Info("webhook event processed",
		"webhook_event_id", event.ID, "event_type", event.EventType, "payment_id", paymentID,
		"from", result.From, "to", result.To, "changed", result.Changed, "attempt", event.Attempts)
	return nil
}

// applyGatewayFields copies the gateway charge identity and links onto the payment.
func applyGatewayFields(payment *domain.Payment, payload *domain.AsaasWebhookPayload) {
	if payload.Payment.ID != "" {
		id, name := payload.Payment.ID, domain.GatewayAsaas
		payment.GatewayExternalID = &id
		payment.GatewayName = &name
	}
	if payload.Payment.InvoiceURL != "" {
		payment.SetMetadata("invoice_url", payload.Payment.InvoiceURL)
	}
	if payload.Payment.BankSlipURL != "" {
		payment.SetMetadata("bank_slip_url", payload.Payment.BankSlipURL)
	}
	if payload.Payment.BillingType != "" {
		payment.SetMetadata("billing_type", payload.Payment.BillingType)
	}
}

func (s *Service) failEvent(ctx context.Context, id uuid.UUID, cause error) {
	s.logger.Error("webhook event failed", "webhook_event_id", id, "error", cause)
	if err := s.store.FailWebhookEvent(context.WithoutCancel(ctx), id, cause.Error()); err != nil {
		s.logger.Error("failed to record webhook failure", "webhook_event_id", id, "error", err)
	}
}

// ReplayWebhookEvent re-enqueues a stored event that has not completed.
func (s *Service) ReplayWebhookEvent(ctx context.Context, actor domain.Actor, eventID uuid.UUID) (*domain.WebhookEvent, error) {
	var event *domain.WebhookEvent
	err := lock.Run(ctx, s.locker, lock.WebhookEventKey(eventID), s.opts.LockTTL, func(ctx context.Context) error {
		var err error
		event, err = s.store.GetWebhookEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if event.IsCompleted() {
			return nil
		}
		if err := s.queue.Enqueue(ctx, queue.JobWebhookProcess,
			queue.WebhookProcessPayload{WebhookEventID: eventID}, queue.WithActor(actor)); err != nil {
			return fmt.Errorf("enqueue webhook replay: %w", err)
		}
		s.logger.Info("webhook event replayed", "webhook_event_id", eventID, "actor", actor.String(), "status", event.Status)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// RequeueStaleWebhookEvents re-enqueues events that were stored but never
// completed, e.g. after a crash between persisting and enqueueing.
func (s *Service) RequeueStaleWebhookEvents(ctx context.Context, actor domain.Actor) (int, error) {
	olderThan := s.now().Add(-s.opts.WebhookStaleAfter)
	events, err := s.store.ListStaleWebhookEvents(ctx, olderThan, s.opts.WebhookMaxAttempts, staleWebhookBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale webhook events: %w", err)
	}
	requeued := 0
	for _, e := range events {
		if s.enqueue(ctx, actor, queue.JobWebhookProcess, queue.WebhookProcessPayload{WebhookEventID: e.ID}) {
			requeued++
		}
	}
	if len(events) > 0 {
		s.logger.Info("stale webhook events requeued",
			"found", len(events), "requeued", requeued, "older_than", olderThan.Format(time.RFC3339))
	}
	s.metrics.BatchItems("webhook_requeue", "requeued", requeued)
	return requeued, nil
}
