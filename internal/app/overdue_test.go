package app

import (
	"context"
	"testing"
	"time"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/escolar/billing-service/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepOverduePropagatesToUnpaidPayments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	unpaid := h.seedPayment(t, 1000, date(2025, 3, 10))
	paid := h.seedPayment(t, 2000, date(2025, 3, 10))
	pending := h.seedPayment(t, 3000, date(2025, 3, 10))
	due := h.seedInvoice(t, domain.InvoiceStatusPending, date(2025, 3, 10), unpaid, paid, pending)
	h.setPaymentStatus(t, paid.ID, domain.PaymentStatusPaid, &testNow)
	h.setPaymentStatus(t, pending.ID, domain.PaymentStatusPending, nil)

	future := h.seedPayment(t, 1000, date(2025, 3, 20))
	notYet := h.seedInvoice(t, domain.InvoiceStatusOpen, date(2025, 3, 20), future)

	result, err := h.svc.SweepOverdue(ctx, operator, h.svc.Today())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Evaluated)
	assert.Equal(t, 1, result.Marked)
	assert.Equal(t, 2, result.PaymentsMarked)
	assert.Zero(t, result.Failed)

	assert.Equal(t, domain.InvoiceStatusOverdue, h.invoice(t, due.ID).Status)
	assert.Equal(t, domain.PaymentStatusOverdue, h.payment(t, unpaid.ID).Status)
	assert.Equal(t, domain.PaymentStatusOverdue, h.payment(t, pending.ID).Status)
	assert.Equal(t, domain.PaymentStatusPaid, h.payment(t, paid.ID).Status)
	assert.Equal(t, domain.InvoiceStatusOpen, h.invoice(t, notYet.ID).Status)
	assert.Equal(t, domain.PaymentStatusNotPaid, h.payment(t, future.ID).Status)

	reconciles := h.queue.named(queue.JobPaymentReconcile)
	require.Len(t, reconciles, 1)
	var payload queue.PaymentReconcilePayload
	require.NoError(t, reconciles[0].Decode(&payload))
	assert.Equal(t, due.ID, *h.payment(t, payload.PaymentID).InvoiceID)

	again, err := h.svc.SweepOverdue(ctx, operator, h.svc.Today())
	require.NoError(t, err)
	assert.Zero(t, again.Evaluated)
	assert.Zero(t, again.Marked)
}

func TestSweepOverdueSkipsPaidAndCancelledInvoices(t *testing.T) {
	h := newHarness(t)
	a := h.seedPayment(t, 1000, date(2025, 3, 1))
	b := h.seedPayment(t, 1000, date(2025, 3, 1))
	paid := h.seedInvoice(t, domain.InvoiceStatusPaid, date(2025, 3, 1), a)
	cancelled := h.seedInvoice(t, domain.InvoiceStatusCancelled, date(2025, 3, 1), b)

	result, err := h.svc.SweepOverdue(context.Background(), operator, h.svc.Today())
	require.NoError(t, err)
	assert.Zero(t, result.Marked)
	assert.Equal(t, domain.InvoiceStatusPaid, h.invoice(t, paid.ID).Status)
	assert.Equal(t, domain.InvoiceStatusCancelled, h.invoice(t, cancelled.ID).Status)
}

func TestSweepOverdueUsesSchoolLocalDate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// 01:30 UTC is still the previous evening in Sao Paulo.
	h.svc.now = func() time.Time { return time.Date(2025, 3, 20, 1, 30, 0, 0, time.UTC) }
	h.store.PutSchoolSettings(domain.SchoolBillingSettings{SchoolID: h.schoolID, Timezone: "America/Sao_Paulo"})

	yesterday := h.seedPayment(t, 1000, date(2025, 3, 19))
	notYet := h.seedInvoice(t, domain.InvoiceStatusOpen, date(2025, 3, 19), yesterday)
	earlier := h.seedPayment(t, 1000, date(2025, 3, 18))
	due := h.seedInvoice(t, domain.InvoiceStatusOpen, date(2025, 3, 18), earlier)

	result, err := h.svc.SweepOverdue(ctx, operator, h.svc.Today())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Evaluated)
	assert.Equal(t, 1, result.Marked)
	assert.Equal(t, domain.InvoiceStatusOpen, h.invoice(t, notYet.ID).Status)
	assert.Equal(t, domain.InvoiceStatusOverdue, h.invoice(t, due.ID).Status)

	_, err = h.svc.ReconcilePayment(ctx, operator, earlier.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusOverdue, h.invoice(t, due.ID).Status)
}
