package app

import (
	"context"
	"fmt"
	"time"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/escolar/billing-service/internal/lock"
	"github.com/escolar/billing-service/internal/store"
	"github.com/google/uuid"
)

// NFSeRequestedEvent is published for the downstream tax-document emitter.
type NFSeRequestedEvent struct {
	InvoiceID   uuid.UUID  `json:"invoice_id"`
	SchoolID    uuid.UUID  `json:"school_id"`
	StudentID   uuid.UUID  `json:"student_id"`
	TotalAmount int64      `json:"total_amount"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
}

// RequestNFSe marks a paid invoice for tax-document emission and publishes the
// request. It reports false when the invoice is not eligible or was already requested.
func (s *Service) RequestNFSe(ctx context.Context, actor domain.Actor, invoiceID uuid.UUID) (bool, error) {
	requested := false
	err := lock.Run(ctx, s.locker, lock.InvoiceKey(invoiceID), s.opts.LockTTL, func(ctx context.Context) error {
		return s.store.InTx(ctx, func(q store.Queries) error {
			invoice, err := q.GetInvoiceForUpdate(ctx, invoiceID)
			if err != nil {
				return err
			}
			if invoice.Status != domain.InvoiceStatusPaid || !invoice.NeedsNFSe() {
				return nil
			}
			settings, err := s.settingsFor(ctx, q, invoice.SchoolID)
			if err != nil {
				return fmt.Errorf("load school settings: %w", err)
			}
			if !settings.NFSeEnabled {
				return nil
			}

			status := domain.NFSeStatusRequested
			invoice.NFSeStatus = &status
			if err := q.UpdateInvoice(ctx, invoice); err != nil {
				return fmt.Errorf("update invoice: %w", err)
			}
			// Publishing before commit: a failed publish rolls the REQUESTED mark back and the job retries.
			event := NFSeRequestedEvent{
				InvoiceID:   invoice.ID,
				SchoolID:    invoice.SchoolID,
				StudentID:   invoice.StudentID,
				TotalAmount: invoice.TotalAmount,
				PaidAt:      invoice.PaidAt,
				RequestedAt: s.now().UTC(),
			}
			if err := s.publisher.Publish(ctx, s.opts.EventsExchange, EventNFSeRequested, event); err != nil {
				return fmt.Errorf("publish nfse request: %w", err)
			}
			requested = true
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	if requested {
		s.logger.Info("nfse requested", "actor", actor.String(), "invoice_id", invoiceID)
	}
	return requested, nil
}
