package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/escolar/billing-service/internal/store"
	"github.com/google/uuid"
)

// errNotDue skips an invoice whose state changed since it was listed.
var errNotDue = errors.New("invoice no longer eligible")

// SweepResult summarizes an overdue sweep.
type SweepResult struct {
	Evaluated      int         `json:"evaluated"`
	Marked         int         `json:"marked"`
	PaymentsMarked int         `json:"payments_marked"`
	Failed         int         `json:"failed"`
	Errors         []ItemError `json:"errors"`
}

// SweepOverdue marks OPEN and PENDING invoices due before today as OVERDUE,
// together with their unpaid payments. PAID payments are left alone. Each
// invoice is handled in its own transaction and then reconciled.
//
// Due dates are compared with the school's local date when that is earlier
// than today, matching the date the reconciler derives with.
func (s *Service) SweepOverdue(ctx context.Context, actor domain.Actor, today time.Time) (*SweepResult, error) {
	today = domain.DateOnly(today)
	invoices, err := s.store.ListInvoicesDueBefore(ctx,
		[]domain.InvoiceStatus{domain.InvoiceStatusOpen, domain.InvoiceStatusPending}, today)
	if err != nil {
		return nil, fmt.Errorf("list due invoices: %w", err)
	}

	result := &SweepResult{Errors: []ItemError{}}
	for _, candidate := range invoices {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Evaluated++

		var (
			marked    int64
			paymentID uuid.UUID
		)
		err := s.store.InTx(ctx, func(q store.Queries) error {
			invoice, err := q.GetInvoiceForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if invoice.Status != domain.InvoiceStatusOpen && invoice.Status != domain.InvoiceStatusPending {
				return errNotDue
			}
			settings, err := s.settingsFor(ctx, q, invoice.SchoolID)
			if err != nil {
				return fmt.Errorf("load school settings: %w", err)
			}
			cutoff := today
			if local := s.todayIn(settings.Location(s.opts.Location)); local.Before(cutoff) {
				cutoff = local
			}
			if !domain.DateOnly(invoice.DueDate).Before(cutoff) {
				return errNotDue
			}

			invoice.Status = domain.InvoiceStatusOverdue
			if err := q.UpdateInvoice(ctx, invoice); err != nil {
				return fmt.Errorf("update invoice: %w", err)
			}
			marked, err = q.MarkInvoicePaymentsOverdue(ctx, invoice.ID)
			if err != nil {
				return fmt.Errorf("mark payments overdue: %w", err)
			}
			payments, err := q.ListInvoicePayments(ctx, invoice.ID)
			if err != nil {
				return fmt.Errorf("list invoice payments: %w", err)
			}
			if len(payments) > 0 {
				paymentID = payments[0].ID
			}
			return nil
		})
		switch {
		case errors.Is(err, errNotDue):
			continue
		case err != nil:
			result.Failed++
			result.Errors = append(result.Errors, ItemError{ID: candidate.ID.String(), Error: err.Error()})
			s.logger.Error("overdue sweep failed for invoice", "invoice_id", candidate.ID, "error", err)
			continue
		}
		result.Marked++
		result.PaymentsMarked += int(marked)
		if paymentID != uuid.Nil {
			s.enqueueReconcile(ctx, actor, paymentID)
		}
	}

	s.logger.Info("overdue sweep finished",
		"actor", actor.String(), "today", formatDate(today),
		"evaluated", result.Evaluated, "marked", result.Marked,
		"payments_marked", result.PaymentsMarked, "failed", result.Failed)
	s.metrics.BatchItems("overdue_sweep", "marked", result.Marked)
	s.metrics.BatchItems("overdue_sweep", "failed", result.Failed)
	return result, nil
}
