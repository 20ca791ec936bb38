package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/escolar/billing-service/internal/lock"
	"github.com/escolar/billing-service/internal/store"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// ErrInvalidAgreement wraps agreement requests rejected before any data is touched.
var ErrInvalidAgreement = errors.New("invalid agreement request")

// AgreementResult is the created agreement and its installment payments.
type AgreementResult struct {
	Agreement    *domain.Agreement `json:"agreement"`
	Installments []domain.Payment  `json:"installments"`
}

// CreateAgreement renegotiates a student's outstanding payments into a new
// installment plan. The source payments are cancelled and linked to the
// agreement in the same transaction that creates the installments.
func (s *Service) CreateAgreement(ctx context.Context, actor domain.Actor, req domain.AgreementRequest) (*AgreementResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAgreement, err)
	}
	req.PaymentIDs = lo.Uniq(req.PaymentIDs)

	var result *AgreementResult
	err := lock.Run(ctx, s.locker, lock.AgreementKey(req.StudentID), s.opts.LockTTL, func(ctx context.Context) error {
		var err error
		result, err = s.createAgreement(ctx, actor, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, id := range req.PaymentIDs {
		s.enqueueReconcile(ctx, actor, id)
	}
	s.logger.Info("agreement created",
		"actor", actor.String(), "agreement_id", result.Agreement.ID, "student_id", req.StudentID,
		"total_amount", result.Agreement.TotalAmount, "installments", len(result.Installments),
		"source_payments", len(req.PaymentIDs))
	return result, nil
}

func (s *Service) createAgreement(ctx context.Context, actor domain.Actor, req domain.AgreementRequest) (*AgreementResult, error) {
	now := s.now()
	result := &AgreementResult{}

	err := s.store.InTx(ctx, func(q store.Queries) error {
		sources, err := q.ListPaymentsForUpdate(ctx, req.PaymentIDs)
		if err != nil {
			return fmt.Errorf("lock source payments: %w", err)
		}
		if len(sources) != len(req.PaymentIDs) {
			found := lo.Map(sources, func(p domain.Payment, _ int) uuid.UUID { return p.ID })
			missing, _ := lo.Difference(req.PaymentIDs, found)
			return fmt.Errorf("%w: %v", store.ErrPaymentNotFound, missing)
		}

		var total int64
		for _, p := range sources {
			if p.StudentID != req.StudentID {
				return fmt.Errorf("%w: payment %s belongs to another student", ErrPaymentNotEligible, p.ID)
			}
			if !p.Status.IsOutstanding() {
				return fmt.Errorf("%w: payment %s is %s", ErrPaymentNotEligible, p.ID, p.Status)
			}
			total += p.TotalAmount
		}
		shares, err := domain.SplitInstallments(total, req.Installments)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAgreement, err)
		}

		first := sources[0]
		agreement := &domain.Agreement{
			ID:               uuid.New(),
			SchoolID:         first.SchoolID,
			StudentID:        req.StudentID,
			ContractID:       first.ContractID,
			TotalAmount:      total,
			Installments:     req.Installments,
			StartDate:        domain.DateOnly(req.StartDate),
			PaymentDay:       req.PaymentDay,
			DiscountRules:    req.DiscountRules,
			SourcePaymentIDs: req.PaymentIDs,
			CreatedBy:        actor.String(),
		}
		if err := q.CreateAgreement(ctx, agreement); err != nil {
			return fmt.Errorf("create agreement: %w", err)
		}

		for i := range sources {
			p := &sources[i]
			p.Status = domain.PaymentStatusCancelled
			p.AgreementID = &agreement.ID
			p.SetMetadata("renegotiated_by", auditEntry(actor, now, map[string]any{
				"agreement_id": agreement.ID.String(),
			}))
			if err := q.UpdatePayment(ctx, p); err != nil {
				return fmt.Errorf("cancel source payment %s: %w", p.ID, err)
			}
		}

		installments := make([]domain.Payment, 0, len(shares))
		for i, share := range shares {
			due := domain.InstallmentDueDate(req.StartDate, req.PaymentDay, i)
			installment := domain.Payment{
				ID:                uuid.New(),
				SchoolID:          agreement.SchoolID,
				StudentID:         agreement.StudentID,
				ContractID:        agreement.ContractID,
				Type:              domain.PaymentTypeAgreement,
				Status:            domain.PaymentStatusNotPaid,
				Amount:            share,
				TotalAmount:       share,
				DueDate:           due,
				Month:             int(due.Month()),
				Year:              due.Year(),
				InstallmentNumber: i + 1,
				InstallmentCount:  len(shares),
				AgreementID:       &agreement.ID,
			}
			installment.SetMetadata("created_by", auditEntry(actor, now, nil))
			if err := q.CreatePayment(ctx, &installment); err != nil {
				return fmt.Errorf("create installment %d: %w", i+1, err)
			}
			installments = append(installments, installment)
		}

		result.Agreement = agreement
		result.Installments = installments
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
