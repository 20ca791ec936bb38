package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/escolar/billing-service/internal/lock"
	"github.com/escolar/billing-service/internal/queue"
	"github.com/escolar/billing-service/internal/store"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// ReconcileResult describes what reconciling one payment did to its invoice.
type ReconcileResult struct {
	PaymentID      uuid.UUID            `json:"payment_id"`
	InvoiceID      *uuid.UUID           `json:"invoice_id,omitempty"`
	PreviousStatus domain.InvoiceStatus `json:"previous_status,omitempty"`
	Status         domain.InvoiceStatus `json:"status,omitempty"`
	TotalAmount    int64                `json:"total_amount"`
	Changed        bool                 `json:"changed"`
	NFSeEnqueued   bool                 `json:"nfse_enqueued"`
}

// ReconcilePayment re-derives the status and total of the invoice that owns
// paymentID. Concurrent calls for the same payment in this process share one
// execution. A payment without an invoice is a no-op.
func (s *Service) ReconcilePayment(ctx context.Context, actor domain.Actor, paymentID uuid.UUID) (*ReconcileResult, error) {
	v, err, _ := s.flight.Do(paymentID.String(), func() (interface{}, error) {
		return s.reconcilePayment(ctx, actor, paymentID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ReconcileResult), nil
}

// ReconcilePaymentLocked runs ReconcilePayment while holding the payment's
// named lock. It fails with lock.ErrNotAcquired when another worker holds it.
func (s *Service) ReconcilePaymentLocked(ctx context.Context, actor domain.Actor, paymentID uuid.UUID) (*ReconcileResult, error) {
	var result *ReconcileResult
	err := lock.Run(ctx, s.locker, lock.PaymentKey(paymentID.String()), s.opts.LockTTL, func(ctx context.Context) error {
		var err error
		result, err = s.ReconcilePayment(ctx, actor, paymentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) reconcilePayment(ctx context.Context, actor domain.Actor, paymentID uuid.UUID) (*ReconcileResult, error) {
	result := &ReconcileResult{PaymentID: paymentID}
	var (
		schoolID    uuid.UUID
		needsNFSe   bool
		nfseEnabled bool
	)

	err := s.store.InTx(ctx, func(q store.Queries) error {
		payment, err := q.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.InvoiceID == nil {
			return nil
		}

		invoice, err := q.GetInvoiceForUpdate(ctx, *payment.InvoiceID)
		if err != nil {
			return fmt.Errorf("load invoice: %w", err)
		}
		result.InvoiceID = &invoice.ID
		result.PreviousStatus = invoice.Status
		result.Status = invoice.Status
		result.TotalAmount = invoice.TotalAmount

		if invoice.Status == domain.InvoiceStatusCancelled || invoice.Status == domain.InvoiceStatusRenegotiated {
			return fmt.Errorf("%w: %s", ErrInvoiceCancelled, invoice.ID)
		}

		payments, err := q.ListInvoicePayments(ctx, invoice.ID)
		if err != nil {
			return fmt.Errorf("list invoice payments: %w", err)
		}
		settings, err := s.settingsFor(ctx, q, invoice.SchoolID)
		if err != nil {
			return fmt.Errorf("load school settings: %w", err)
		}

		today := s.todayIn(settings.Location(s.opts.Location))
		state := domain.DeriveInvoiceState(*invoice, payments, today)
		if state.Changed(*invoice) {
			applyInvoiceState(invoice, state)
			if err := q.UpdateInvoice(ctx, invoice); err != nil {
				return fmt.Errorf("update invoice: %w", err)
			}
			result.Changed = true
		}

		stored, err := q.SumActivePayments(ctx, invoice.ID)
		if err != nil {
			return fmt.Errorf("sum active payments: %w", err)
		}
		if stored != invoice.TotalAmount {
			s.logger.Error("invoice invariant violated",
				"invoice_id", invoice.ID, "payment_id", paymentID,
				"invoice_total", invoice.TotalAmount, "active_payments_total", stored)
			return fmt.Errorf("%w: invoice %s total %d, active payments %d", ErrInvariantViolation, invoice.ID, invoice.TotalAmount, stored)
		}

		result.Status = invoice.Status
		result.TotalAmount = invoice.TotalAmount
		schoolID = invoice.SchoolID
		nfseEnabled = settings.NFSeEnabled
		needsNFSe = state.BecamePaid && invoice.NeedsNFSe()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Changed {
		s.logger.Info("invoice reconciled",
			"actor", actor.String(), "invoice_id", result.InvoiceID, "payment_id", paymentID,
			"from", result.PreviousStatus, "to", result.Status, "total_amount", result.TotalAmount)
	}
	if needsNFSe && nfseEnabled {
		result.NFSeEnqueued = s.enqueue(ctx, actor, queue.JobInvoiceNFSe, queue.InvoiceNFSePayload{InvoiceID: *result.InvoiceID})
		s.logger.Info("nfse emission requested", "invoice_id", result.InvoiceID, "school_id", schoolID, "enqueued", result.NFSeEnqueued)
	}
	return result, nil
}

// StudentReconcileResult summarizes reconciling every invoice of a student.
type StudentReconcileResult struct {
	Invoices int         `json:"invoices"`
	Changed  int         `json:"changed"`
	Errors   []ItemError `json:"errors"`
}

// ReconcileStudent reconciles each invoice holding one of the student's
// payments, optionally restricted to a month and year. Failures are collected
// per invoice.
func (s *Service) ReconcileStudent(ctx context.Context, actor domain.Actor, studentID uuid.UUID, month, year *int) (*StudentReconcileResult, error) {
	payments, err := s.store.ListStudentInvoicedPayments(ctx, studentID, domain.PaymentFilter{Month: month, Year: year})
	if err != nil {
		return nil, fmt.Errorf("list student payments: %w", err)
	}

	perInvoice := lo.UniqBy(payments, func(p domain.Payment) uuid.UUID { return *p.InvoiceID })
	result := &StudentReconcileResult{Errors: []ItemError{}}
	for _, p := range perInvoice {
		result.Invoices++
		res, err := s.ReconcilePaymentLocked(ctx, actor, p.ID)
		switch {
		case errors.Is(err, ErrInvoiceCancelled):
			continue
		case err != nil:
			s.logger.Error("student invoice reconcile failed", "student_id", studentID, "invoice_id", p.InvoiceID, "error", err)
			result.Errors = append(result.Errors, ItemError{ID: p.InvoiceID.String(), Error: err.Error()})
			continue
		}
		if res.Changed {
			result.Changed++
		}
	}
	return result, nil
}
