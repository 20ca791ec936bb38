package app

import (
	"context"
	"testing"
	"time"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/escolar/billing-service/internal/queue"
	"github.com/escolar/billing-service/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcilePaymentMarksInvoicePaid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.PutSchoolSettings(domain.SchoolBillingSettings{SchoolID: h.schoolID, NFSeEnabled: true, Timezone: "America/Sao_Paulo"})
	a := h.seedPayment(t, 50000, date(2025, 3, 10))
	b := h.seedPayment(t, 12000, date(2025, 3, 10))
	inv := h.seedInvoice(t, domain.InvoiceStatusPending, date(2025, 3, 10), a, b)

	early := time.Date(2025, 3, 8, 10, 0, 0, 0, time.UTC)
	late := time.Date(2025, 3, 9, 15, 0, 0, 0, time.UTC)
	h.setPaymentStatus(t, a.ID, domain.PaymentStatusPaid, &late)
	h.setPaymentStatus(t, b.ID, domain.PaymentStatusPaid, &early)

	result, err := h.svc.ReconcilePayment(ctx, operator, a.ID)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, domain.InvoiceStatusPaid, result.Status)
	assert.True(t, result.NFSeEnqueued)

	stored := h.invoice(t, inv.ID)
	assert.Equal(t, domain.InvoiceStatusPaid, stored.Status)
	require.NotNil(t, stored.PaidAt)
	assert.True(t, stored.PaidAt.Equal(late))
	assert.Len(t, h.queue.named(queue.JobInvoiceNFSe), 1)

	again, err := h.svc.ReconcilePayment(ctx, operator, b.ID)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Len(t, h.queue.named(queue.JobInvoiceNFSe), 1, "nfse is requested once")
}

func TestReconcilePaymentSkipsNFSeWhenDisabled(t *testing.T) {
	h := newHarness(t)
	a := h.seedPayment(t, 50000, date(2025, 3, 10))
	h.seedInvoice(t, domain.InvoiceStatusOpen, date(2025, 3, 10), a)
	h.setPaymentStatus(t, a.ID, domain.PaymentStatusPaid, &testNow)

	result, err := h.svc.ReconcilePayment(context.Background(), operator, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, result.Status)
	assert.False(t, result.NFSeEnqueued)
	assert.Empty(t, h.queue.named(queue.JobInvoiceNFSe))
}

func TestReconcilePaymentDerivesStatus(t *testing.T) {
	tests := []struct {
		name       string
		dueDate    time.Time
		statuses   []domain.PaymentStatus
		gatewayID  bool
		wantStatus domain.InvoiceStatus
		wantTotal  int64
	}{
		{"overdue after due date", date(2025, 3, 10), []domain.PaymentStatus{domain.PaymentStatusOverdue, domain.PaymentStatusPaid}, false, domain.InvoiceStatusOverdue, 2000},
		{"overdue payment before due date", date(2025, 3, 25), []domain.PaymentStatus{domain.PaymentStatusOverdue}, false, domain.InvoiceStatusOpen, 1000},
		{"pending with gateway charge", date(2025, 3, 25), []domain.PaymentStatus{domain.PaymentStatusNotPaid}, true, domain.InvoiceStatusPending, 1000},
		{"cancelled payments excluded", date(2025, 3, 25), []domain.PaymentStatus{domain.PaymentStatusNotPaid, domain.PaymentStatusCancelled, domain.PaymentStatusRenegotiated}, false, domain.InvoiceStatusOpen, 1000},
		{"no active payments", date(2025, 3, 25), []domain.PaymentStatus{domain.PaymentStatusCancelled}, false, domain.InvoiceStatusCancelled, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			var payments []domain.Payment
			for range tt.statuses {
				payments = append(payments, h.seedPayment(t, 1000, tt.dueDate))
			}
			inv := h.seedInvoice(t, domain.InvoiceStatusOpen, tt.dueDate, payments...)
			if tt.gatewayID {
				stored := h.invoice(t, inv.ID)
				charge := "pay_123"
				stored.GatewayExternalID = &charge
				require.NoError(t, h.store.UpdateInvoice(ctx, stored))
			}
			for i, status := range tt.statuses {
				var paidAt *time.Time
				if status == domain.PaymentStatusPaid {
					paidAt = &testNow
				}
				h.setPaymentStatus(t, payments[i].ID, status, paidAt)
			}

			_, err := h.svc.ReconcilePayment(ctx, operator, payments[0].ID)
			require.NoError(t, err)

			stored := h.invoice(t, inv.ID)
			assert.Equal(t, tt.wantStatus, stored.Status)
			assert.Equal(t, tt.wantTotal, stored.TotalAmount)
			sum, err := h.store.SumActivePayments(ctx, inv.ID)
			require.NoError(t, err)
			assert.Equal(t, sum, stored.TotalAmount)
		})
	}
}

func TestReconcilePaymentLeavesCancelledInvoice(t *testing.T) {
	h := newHarness(t)
	a := h.seedPayment(t, 1000, date(2025, 3, 10))
	inv := h.seedInvoice(t, domain.InvoiceStatusCancelled, date(2025, 3, 10), a)
	h.setPaymentStatus(t, a.ID, domain.PaymentStatusPaid, &testNow)

	_, err := h.svc.ReconcilePayment(context.Background(), operator, a.ID)
	require.ErrorIs(t, err, ErrInvoiceCancelled)
	assert.Equal(t, domain.InvoiceStatusCancelled, h.invoice(t, inv.ID).Status)
}

func TestReconcilePaymentWithoutInvoiceIsNoop(t *testing.T) {
	h := newHarness(t)
	a := h.seedPayment(t, 1000, date(2025, 3, 10))

	result, err := h.svc.ReconcilePayment(context.Background(), operator, a.ID)
	require.NoError(t, err)
	assert.Nil(t, result.InvoiceID)
	assert.False(t, result.Changed)
}

func TestReconcilePaymentUnknownPayment(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.ReconcilePayment(context.Background(), operator, uuid.New())
	assert.ErrorIs(t, err, store.ErrPaymentNotFound)
}

func TestReconcilePaymentDetectsInvariantViolation(t *testing.T) {
	h := newHarness(t)
	a := h.seedPayment(t, 1000, date(2025, 3, 25))
	inv := h.seedInvoice(t, domain.InvoiceStatusOpen, date(2025, 3, 25), a)
	h.setPaymentStatus(t, a.ID, domain.PaymentStatusPaid, &testNow)
	h.svc.store = &skewedSumStore{MemoryStore: h.store}

	_, err := h.svc.ReconcilePayment(context.Background(), operator, a.ID)
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.Equal(t, domain.InvoiceStatusOpen, h.invoice(t, inv.ID).Status, "the transaction is rolled back")
}

// skewedSumStore reports a stored sum one centavo off to simulate a concurrent writer.
type skewedSumStore struct {
	*store.MemoryStore
}

func (s *skewedSumStore) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	return s.MemoryStore.InTx(ctx, func(q store.Queries) error { return fn(skewedSumQueries{q}) })
}

type skewedSumQueries struct {
	store.Queries
}

func (q skewedSumQueries) SumActivePayments(ctx context.Context, invoiceID uuid.UUID) (int64, error) {
	sum, err := q.Queries.SumActivePayments(ctx, invoiceID)
	return sum + 1, err
}

func TestReconcileStudentCoversEachInvoiceOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.seedPayment(t, 1000, date(2025, 3, 10))
	b := h.seedPayment(t, 2000, date(2025, 3, 10))
	c := h.seedPayment(t, 3000, date(2025, 4, 10))
	march := h.seedInvoice(t, domain.InvoiceStatusOpen, date(2025, 3, 10), a, b)
	april := h.seedInvoice(t, domain.InvoiceStatusCancelled, date(2025, 4, 10), c)
	h.setPaymentStatus(t, a.ID, domain.PaymentStatusPaid, &testNow)
	h.setPaymentStatus(t, b.ID, domain.PaymentStatusPaid, &testNow)

	result, err := h.svc.ReconcileStudent(ctx, operator, h.studentID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Invoices)
	assert.Equal(t, 1, result.Changed)
	assert.Empty(t, result.Errors)
	assert.Equal(t, domain.InvoiceStatusPaid, h.invoice(t, march.ID).Status)
	assert.Equal(t, domain.InvoiceStatusCancelled, h.invoice(t, april.ID).Status)

	month, year := 4, 2025
	filtered, err := h.svc.ReconcileStudent(ctx, operator, h.studentID, &month, &year)
	require.NoError(t, err)
	assert.Equal(t, 1, filtered.Invoices)
}
