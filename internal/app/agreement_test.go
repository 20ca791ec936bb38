package app

import (
	"context"
	"testing"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/escolar/billing-service/internal/queue"
	"github.com/escolar/billing-service/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agreementRequest(h *harness, ids ...uuid.UUID) domain.AgreementRequest {
	return domain.AgreementRequest{
		StudentID:    h.studentID,
		PaymentIDs:   ids,
		Installments: 3,
		StartDate:    date(2025, 4, 1),
		PaymentDay:   31,
		DiscountRules: []domain.DiscountRule{
			{DaysBeforeDue: 5, Percentage: 3},
		},
	}
}

func TestCreateAgreementSplitsTotalExactly(t *testing.T) {
	h := newHarness(t)
	a := h.seedPayment(t, 100, date(2025, 1, 10))
	b := h.seedPayment(t, 100, date(2025, 2, 10))
	c := h.seedPayment(t, 101, date(2025, 3, 10))
	h.seedInvoice(t, domain.InvoiceStatusOverdue, date(2025, 1, 10), a)
	h.setPaymentStatus(t, a.ID, domain.PaymentStatusOverdue, nil)

	result, err := h.svc.CreateAgreement(context.Background(), operator, agreementRequest(h, a.ID, b.ID, c.ID))
	require.NoError(t, err)

	assert.Equal(t, int64(301), result.Agreement.TotalAmount)
	require.Len(t, result.Installments, 3)
	var sum int64
	for i, inst := range result.Installments {
		sum += inst.TotalAmount
		assert.Equal(t, domain.PaymentTypeAgreement, inst.Type)
		assert.Equal(t, domain.PaymentStatusNotPaid, inst.Status)
		assert.Equal(t, i+1, inst.InstallmentNumber)
		assert.Equal(t, &result.Agreement.ID, inst.AgreementID)
	}
	assert.Equal(t, int64(301), sum)
	assert.Equal(t, []int64{100, 100, 101}, []int64{
		result.Installments[0].TotalAmount, result.Installments[1].TotalAmount, result.Installments[2].TotalAmount,
	})
	assert.Equal(t, date(2025, 4, 30), result.Installments[0].DueDate)
	assert.Equal(t, date(2025, 5, 31), result.Installments[1].DueDate)
	assert.Equal(t, date(2025, 6, 30), result.Installments[2].DueDate)

	for _, id := range []uuid.UUID{a.ID, b.ID, c.ID} {
		src := h.payment(t, id)
		assert.Equal(t, domain.PaymentStatusCancelled, src.Status)
		require.NotNil(t, src.AgreementID)
		assert.Equal(t, result.Agreement.ID, *src.AgreementID)
		assert.Contains(t, src.Metadata, "renegotiated_by")
	}

	agreements := h.store.Agreements()
	require.Len(t, agreements, 1)
	assert.Equal(t, operator.String(), agreements[0].CreatedBy)
	assert.Len(t, agreements[0].DiscountRules, 1)
	assert.Len(t, h.queue.named(queue.JobPaymentReconcile), 3)
}

func TestCreateAgreementRejectsIneligibleSources(t *testing.T) {
	otherStudent := uuid.New()
	tests := []struct {
		name    string
		mutate  func(*domain.Payment)
		wantErr error
	}{
		{"paid", func(p *domain.Payment) { p.Status = domain.PaymentStatusPaid; p.PaidAt = &testNow }, ErrPaymentNotEligible},
		{"renegotiated", func(p *domain.Payment) { p.Status = domain.PaymentStatusRenegotiated }, ErrPaymentNotEligible},
		{"other student", func(p *domain.Payment) { p.StudentID = otherStudent }, ErrPaymentNotEligible},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ok := h.seedPayment(t, 100, date(2025, 1, 10))
			bad := h.seedPayment(t, 100, date(2025, 2, 10), tt.mutate)

			_, err := h.svc.CreateAgreement(context.Background(), operator, agreementRequest(h, ok.ID, bad.ID))
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, domain.PaymentStatusNotPaid, h.payment(t, ok.ID).Status, "nothing is written")
			assert.Empty(t, h.store.Agreements())
			assert.Empty(t, h.queue.jobs)
		})
	}
}

func TestCreateAgreementUnknownPayment(t *testing.T) {
	h := newHarness(t)
	ok := h.seedPayment(t, 100, date(2025, 1, 10))
	_, err := h.svc.CreateAgreement(context.Background(), operator, agreementRequest(h, ok.ID, uuid.New()))
	assert.ErrorIs(t, err, store.ErrPaymentNotFound)
}

func TestCreateAgreementValidatesRequest(t *testing.T) {
	h := newHarness(t)
	p := h.seedPayment(t, 100, date(2025, 1, 10))

	req := agreementRequest(h, p.ID)
	req.Installments = 0
	_, err := h.svc.CreateAgreement(context.Background(), operator, req)
	assert.ErrorIs(t, err, ErrInvalidAgreement)

	req = agreementRequest(h)
	_, err = h.svc.CreateAgreement(context.Background(), operator, req)
	assert.ErrorIs(t, err, ErrInvalidAgreement)
}
