package app

import (
	"context"
	"errors"

	"github.com/escolar/billing-service/internal/queue"
	"github.com/escolar/billing-service/internal/store"
)

// RegisterJobs binds the billing job handlers to reg.
func (s *Service) RegisterJobs(reg *queue.Registry) error {
	descriptors := []queue.Descriptor{
		{Name: queue.JobWebhookProcess, Handler: s.handleWebhookProcess},
		{Name: queue.JobPaymentReconcile, Handler: s.handlePaymentReconcile},
		{Name: queue.JobInvoiceNFSe, Handler: s.handleInvoiceNFSe},
	}
	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleWebhookProcess(ctx context.Context, job queue.Job) error {
	var payload queue.WebhookProcessPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	_, err := s.ProcessWebhookEvent(ctx, job.Actor, payload.WebhookEventID)
	return s.classify(job, err)
}

func (s *Service) handlePaymentReconcile(ctx context.Context, job queue.Job) error {
	var payload queue.PaymentReconcilePayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	_, err := s.ReconcilePaymentLocked(ctx, job.Actor, payload.PaymentID)
	return s.classify(job, err)
}

func (s *Service) handleInvoiceNFSe(ctx context.Context, job queue.Job) error {
	var payload queue.InvoiceNFSePayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	_, err := s.RequestNFSe(ctx, job.Actor, payload.InvoiceID)
	return s.classify(job, err)
}

// classify turns domain errors into queue outcomes. Lock contention and
// infrastructure errors stay retryable.
func (s *Service) classify(job queue.Job, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvoiceCancelled):
		s.logger.Warn("job skipped on cancelled invoice", "job", job.Name, "job_id", job.ID, "error", err)
		return nil
	case errors.Is(err, store.ErrPaymentNotFound),
		errors.Is(err, store.ErrInvoiceNotFound),
		errors.Is(err, store.ErrWebhookEventNotFound),
		errors.Is(err, store.ErrDuplicateGatewayID),
		errors.Is(err, ErrInvariantViolation):
		return queue.Fatal(err)
	default:
		return err
	}
}
