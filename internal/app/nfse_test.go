package app

import (
	"context"
	"testing"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) seedPaidInvoice(t *testing.T, nfseEnabled bool) domain.Invoice {
	t.Helper()
	h.store.PutSchoolSettings(domain.SchoolBillingSettings{SchoolID: h.schoolID, NFSeEnabled: nfseEnabled})
	p := h.seedPayment(t, 1000, date(2025, 3, 10))
	h.setPaymentStatus(t, p.ID, domain.PaymentStatusPaid, &testNow)
	return h.seedInvoice(t, domain.InvoiceStatusPaid, date(2025, 3, 10), p)
}

func TestRequestNFSe(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.seedPaidInvoice(t, true)

	requested, err := h.svc.RequestNFSe(ctx, operator, inv.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	stored := h.invoice(t, inv.ID)
	require.NotNil(t, stored.NFSeStatus)
	assert.Equal(t, domain.NFSeStatusRequested, *stored.NFSeStatus)
	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, "billing.events", h.publisher.events[0].exchange)
	assert.Equal(t, EventNFSeRequested, h.publisher.events[0].routingKey)

	again, err := h.svc.RequestNFSe(ctx, operator, inv.ID)
	require.NoError(t, err)
	assert.False(t, again)
	assert.Len(t, h.publisher.events, 1)
}

func TestRequestNFSeSkipsDisabledSchool(t *testing.T) {
	h := newHarness(t)
	inv := h.seedPaidInvoice(t, false)

	requested, err := h.svc.RequestNFSe(context.Background(), operator, inv.ID)
	require.NoError(t, err)
	assert.False(t, requested)
	assert.Nil(t, h.invoice(t, inv.ID).NFSeStatus)
}

func TestRequestNFSeRollsBackOnPublishFailure(t *testing.T) {
	h := newHarness(t)
	inv := h.seedPaidInvoice(t, true)
	h.publisher.err = assert.AnError

	_, err := h.svc.RequestNFSe(context.Background(), operator, inv.ID)
	require.ErrorIs(t, err, assert.AnError)
	assert.Nil(t, h.invoice(t, inv.ID).NFSeStatus)
}
