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

// InterestResult summarizes an interest run.
type InterestResult struct {
	Evaluated        int         `json:"evaluated"`
	Updated          int         `json:"updated"`
	ChargesCancelled int         `json:"charges_cancelled"`
	Failed           int         `json:"failed"`
	Errors           []ItemError `json:"errors"`
}

// ChargeReissueEvent asks the charge issuer to create a new gateway charge
// for an invoice whose previous charges were cancelled.
// CancelledChargeIDs lists every charge cancelled for the invoice, whether it
// was issued for the whole invoice or for one of its payments.
type ChargeReissueEvent struct {
	InvoiceID          uuid.UUID `json:"invoice_id"`
	SchoolID           uuid.UUID `json:"school_id"`
	StudentID          uuid.UUID `json:"student_id"`
	TotalAmount        int64     `json:"total_amount"`
	CancelledChargeIDs []string  `json:"cancelled_charge_ids"`
	RequestedAt        time.Time `json:"requested_at"`
}

type interestOutcome struct {
	updated  bool
	reissue  *ChargeReissueEvent
	schoolID uuid.UUID
}

// cancelCharge cancels a gateway charge that no longer matches the amount owed.
func (s *Service) cancelCharge(ctx context.Context, chargeID string) error {
	if err := s.gateway.CancelCharge(ctx, chargeID); err != nil {
		return fmt.Errorf("cancel stale charge %s: %w", chargeID, err)
	}
	return nil
}

// ApplyInterest prices fine and pro-rata interest into every OVERDUE payment
// of invoices past their school's grace period. Late charges are always
// computed from the original amount, so a second run on the same day is a
// no-op. Gateway charges issued for the old amounts are cancelled.
func (s *Service) ApplyInterest(ctx context.Context, actor domain.Actor, today time.Time) (*InterestResult, error) {
	today = domain.DateOnly(today)
	invoices, err := s.store.ListInvoicesDueBefore(ctx, []domain.InvoiceStatus{domain.InvoiceStatusOverdue}, today)
	if err != nil {
		return nil, fmt.Errorf("list overdue invoices: %w", err)
	}

	result := &InterestResult{Errors: []ItemError{}}
	for _, candidate := range invoices {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Evaluated++

		outcome, err := s.applyInterestTo(ctx, actor, candidate.ID, today)
		switch {
		case errors.Is(err, errNotDue):
			continue
		case err != nil:
			result.Failed++
			result.Errors = append(result.Errors, ItemError{ID: candidate.ID.String(), Error: err.Error()})
			s.logger.Error("interest application failed for invoice", "invoice_id", candidate.ID, "error", err)
			continue
		}
		if outcome.updated {
			result.Updated++
		}
		if outcome.reissue != nil {
			result.ChargesCancelled += len(outcome.reissue.CancelledChargeIDs)
			if err := s.publisher.Publish(ctx, s.opts.EventsExchange, EventInvoiceChargeReissue, outcome.reissue); err != nil {
				s.logger.Error("failed to publish charge reissue", "invoice_id", candidate.ID, "error", err)
			}
		}
	}

	s.logger.Info("interest application finished",
		"actor", actor.String(), "today", formatDate(today),
		"evaluated", result.Evaluated, "updated", result.Updated,
		"charges_cancelled", result.ChargesCancelled, "failed", result.Failed)
	s.metrics.BatchItems("interest", "updated", result.Updated)
	s.metrics.BatchItems("interest", "failed", result.Failed)
	return result, nil
}

func (s *Service) applyInterestTo(ctx context.Context, actor domain.Actor, invoiceID uuid.UUID, today time.Time) (interestOutcome, error) {
	var outcome interestOutcome
	now := s.now()

	err := s.store.InTx(ctx, func(q store.Queries) error {
		invoice, err := q.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status != domain.InvoiceStatusOverdue {
			return errNotDue
		}
		settings, err := s.settingsFor(ctx, q, invoice.SchoolID)
		if err != nil {
			return fmt.Errorf("load school settings: %w", err)
		}
		graceEnd := domain.DateOnly(invoice.DueDate).AddDate(0, 0, settings.InterestGraceDays)
		if !graceEnd.Before(today) {
			return errNotDue
		}

		payments, err := q.ListInvoicePayments(ctx, invoice.ID)
		if err != nil {
			return fmt.Errorf("list invoice payments: %w", err)
		}

		var cancelled []string
		for i := range payments {
			p := &payments[i]
			if p.Status != domain.PaymentStatusOverdue {
				continue
			}
			charges := domain.ComputeLateCharges(p.Amount, p.DueDate, today,
				settings.FinePercentage, settings.MonthlyInterestPercent)
			if charges.Total == p.TotalAmount {
				continue
			}
			p.TotalAmount = charges.Total
			p.SetMetadata("late_charges", auditEntry(actor, now, map[string]any{
				"days_overdue": charges.DaysOverdue,
				"fine":         charges.Fine,
				"interest":     charges.Interest,
				"applied_on":   formatDate(today),
			}))
			if p.HasGatewayCharge() {
				chargeID := *p.GatewayExternalID
				if err := s.cancelCharge(ctx, chargeID); err != nil {
					return err
				}
				p.GatewayExternalID = nil
				p.SetMetadata("cancelled_charge", auditEntry(actor, now, map[string]any{"charge_id": chargeID}))
				cancelled = append(cancelled, chargeID)
			}
			if err := q.UpdatePayment(ctx, p); err != nil {
				return fmt.Errorf("update payment %s: %w", p.ID, err)
			}
		}

		total := domain.SumActive(payments)
		if total == invoice.TotalAmount && len(cancelled) == 0 {
			return nil
		}
		invoice.TotalAmount = total
		outcome.updated = true
		outcome.schoolID = invoice.SchoolID

		if invoice.HasGatewayCharge() {
			chargeID := *invoice.GatewayExternalID
			if err := s.cancelCharge(ctx, chargeID); err != nil {
				return err
			}
			invoice.GatewayExternalID = nil
			cancelled = append(cancelled, chargeID)
		}
		if len(cancelled) > 0 {
			outcome.reissue = &ChargeReissueEvent{
				InvoiceID:          invoice.ID,
				SchoolID:           invoice.SchoolID,
				StudentID:          invoice.StudentID,
				TotalAmount:        total,
				CancelledChargeIDs: cancelled,
				RequestedAt:        now.UTC(),
			}
		}
		if err := q.UpdateInvoice(ctx, invoice); err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		return nil
	})
	if err != nil {
		return interestOutcome{}, err
	}
	if outcome.updated {
		s.logger.Info("late charges applied", "invoice_id", invoiceID, "school_id", outcome.schoolID,
			"charge_reissue", outcome.reissue != nil)
	}
	return outcome, nil
}
