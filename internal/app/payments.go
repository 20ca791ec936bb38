package app

import (
	"context"
	"fmt"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/escolar/billing-service/internal/lock"
	"github.com/escolar/billing-service/internal/store"
	"github.com/google/uuid"
)

// UpdatePayment edits the amount, discount or due date of an outstanding
// payment and recomputes its total. The owning invoice is reconciled afterwards.
func (s *Service) UpdatePayment(ctx context.Context, actor domain.Actor, id uuid.UUID, update domain.PaymentUpdate) (*domain.Payment, error) {
	if update.Amount == nil && update.DiscountPercentage == nil && update.DueDate == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidUpdate)
	}
	if update.Amount != nil && *update.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidUpdate)
	}
	if d := update.DiscountPercentage; d != nil && (*d < 0 || *d > 100) {
		return nil, fmt.Errorf("%w: discount_percentage must be between 0 and 100", ErrInvalidUpdate)
	}
	if update.DueDate != nil && update.DueDate.IsZero() {
		return nil, fmt.Errorf("%w: due_date must be set", ErrInvalidUpdate)
	}

	payment, err := s.mutatePayment(ctx, actor, id, func(p *domain.Payment) {
		if update.Amount != nil {
			p.Amount = *update.Amount
		}
		if update.DiscountPercentage != nil {
			p.DiscountPercentage = *update.DiscountPercentage
		}
		if update.DueDate != nil {
			p.DueDate = domain.DateOnly(*update.DueDate)
		}
		p.TotalAmount = domain.DiscountedTotal(p.Amount, p.DiscountPercentage)
		p.SetMetadata("last_modified_by", auditEntry(actor, s.now(), nil))
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment updated", "actor", actor.String(), "payment_id", id, "total_amount", payment.TotalAmount)
	return payment, nil
}

// CancelPayment cancels an outstanding payment. It stops counting towards its
// invoice once the reconcile job runs.
func (s *Service) CancelPayment(ctx context.Context, actor domain.Actor, id uuid.UUID, reason string) (*domain.Payment, error) {
	payment, err := s.mutatePayment(ctx, actor, id, func(p *domain.Payment) {
		p.Status = domain.PaymentStatusCancelled
		p.SetMetadata("cancelled_by", auditEntry(actor, s.now(), map[string]any{"reason": reason}))
		p.SetMetadata("last_modified_by", auditEntry(actor, s.now(), nil))
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment cancelled", "actor", actor.String(), "payment_id", id, "reason", reason)
	return payment, nil
}

func (s *Service) mutatePayment(ctx context.Context, actor domain.Actor, id uuid.UUID, apply func(*domain.Payment)) (*domain.Payment, error) {
	var payment *domain.Payment
	err := lock.Run(ctx, s.locker, lock.PaymentKey(id.String()), s.opts.LockTTL, func(ctx context.Context) error {
		return s.store.InTx(ctx, func(q store.Queries) error {
			p, err := q.GetPaymentForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if !p.Status.IsOutstanding() {
				return fmt.Errorf("%w: payment %s is %s", ErrPaymentNotEditable, p.ID, p.Status)
			}
			apply(p)
			if err := q.UpdatePayment(ctx, p); err != nil {
				return fmt.Errorf("update payment: %w", err)
			}
			payment = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if payment.InvoiceID != nil {
		s.enqueueReconcile(ctx, actor, payment.ID)
	}
	return payment, nil
}
