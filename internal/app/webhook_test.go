package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/escolar/billing-service/internal/lock"
	"github.com/escolar/billing-service/internal/queue"
	"github.com/escolar/billing-service/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhookBody(t *testing.T, id, event string, paymentID uuid.UUID, extra map[string]any) []byte {
	t.Helper()
	payment := map[string]any{
		"id":                "pay_" + paymentID.String()[:8],
		"status":            "RECEIVED",
		"billingType":       "PIX",
		"externalReference": paymentID.String(),
	}
	for k, v := range extra {
		payment[k] = v
	}
	body := map[string]any{"event": event, "payment": payment}
	if id != "" {
		body["id"] = id
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

// deliver ingests and processes one webhook the way the job queue would.
func (h *harness) deliver(t *testing.T, body []byte) *ProcessResult {
	t.Helper()
	ctx := context.Background()
	ingested, err := h.svc.IngestWebhook(ctx, h.schoolID, body)
	require.NoError(t, err)
	result, err := h.svc.ProcessWebhookEvent(ctx, domain.Actor{Type: domain.ActorGateway}, ingested.Event.ID)
	require.NoError(t, err)
	return result
}

func TestAuthorizeWebhook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	withToken := uuid.New()
	h.store.PutSchoolSettings(domain.SchoolBillingSettings{SchoolID: withToken, WebhookToken: "school-token"})

	assert.NoError(t, h.svc.AuthorizeWebhook(ctx, withToken, "school-token"))
	assert.ErrorIs(t, h.svc.AuthorizeWebhook(ctx, withToken, "global-token"), ErrWebhookUnauthorized)
	assert.NoError(t, h.svc.AuthorizeWebhook(ctx, h.schoolID, "global-token"))
	assert.ErrorIs(t, h.svc.AuthorizeWebhook(ctx, h.schoolID, ""), ErrWebhookUnauthorized)

	h.svc.opts.WebhookToken = ""
	assert.ErrorIs(t, h.svc.AuthorizeWebhook(ctx, h.schoolID, ""), ErrWebhookUnauthorized)
}

func TestIngestWebhookRejectsInvalidPayload(t *testing.T) {
	h := newHarness(t)
	for _, body := range []string{
		`not json`,
		`{"payment":{"externalReference":"` + uuid.NewString() + `"}}`,
		`{"event":"PAYMENT_RECEIVED","payment":{"id":"pay_1"}}`,
		`{"event":"PAYMENT_RECEIVED","payment":{"externalReference":"order-42"}}`,
	} {
		_, err := h.svc.IngestWebhook(context.Background(), h.schoolID, []byte(body))
		assert.ErrorIs(t, err, domain.ErrInvalidWebhookPayload, body)
	}
	assert.Empty(t, h.queue.jobs)
	stale, err := h.store.ListStaleWebhookEvents(context.Background(), testNow.Add(time.Hour), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, stale, "nothing is persisted")
}

func TestIngestWebhookDeduplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.seedPayment(t, 1000, date(2025, 3, 10))
	body := webhookBody(t, "evt_1", domain.EventPaymentReceived, p.ID, nil)

	first, err := h.svc.IngestWebhook(ctx, h.schoolID, body)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.True(t, first.Enqueued)
	assert.Equal(t, "evt_1", first.Event.IdempotencyKey)

	second, err := h.svc.IngestWebhook(ctx, h.schoolID, body)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Event.ID, second.Event.ID)
	assert.True(t, second.Enqueued, "an unfinished duplicate is enqueued again")

	_, err = h.svc.ProcessWebhookEvent(ctx, operator, first.Event.ID)
	require.NoError(t, err)

	third, err := h.svc.IngestWebhook(ctx, h.schoolID, body)
	require.NoError(t, err)
	assert.False(t, third.Enqueued, "a completed duplicate is acknowledged only")
	assert.Len(t, h.queue.named(queue.JobWebhookProcess), 2)
}

func TestIngestWebhookDerivesKeyWithoutEventID(t *testing.T) {
	h := newHarness(t)
	p := h.seedPayment(t, 1000, date(2025, 3, 10))
	body := webhookBody(t, "", domain.EventPaymentOverdue, p.ID, map[string]any{"id": "pay_9"})

	result, err := h.svc.IngestWebhook(context.Background(), h.schoolID, body)
	require.NoError(t, err)
	assert.Equal(t, "PAYMENT_OVERDUE:pay_9:"+p.ID.String(), result.Event.IdempotencyKey)
}

func TestProcessWebhookEventMarksPaymentPaid(t *testing.T) {
	h := newHarness(t)
	p := h.seedPayment(t, 1000, date(2025, 3, 10))
	body := webhookBody(t, "evt_paid", domain.EventPaymentReceived, p.ID, map[string]any{
		"id":          "pay_abc",
		"paymentDate": "2025-03-09",
		"invoiceUrl":  "https://asaas.test/i/abc",
	})

	result := h.deliver(t, body)
	assert.True(t, result.Changed)
	assert.Equal(t, domain.PaymentStatusPaid, result.To)

	stored := h.payment(t, p.ID)
	assert.Equal(t, domain.PaymentStatusPaid, stored.Status)
	require.NotNil(t, stored.PaidAt)
	assert.Equal(t, date(2025, 3, 9), *stored.PaidAt)
	require.NotNil(t, stored.GatewayExternalID)
	assert.Equal(t, "pay_abc", *stored.GatewayExternalID)
	assert.Equal(t, "https://asaas.test/i/abc", stored.Metadata["invoice_url"])
	assert.Contains(t, stored.Metadata, "last_gateway_event")

	reconciles := h.queue.named(queue.JobPaymentReconcile)
	require.Len(t, reconciles, 1)
	var payload queue.PaymentReconcilePayload
	require.NoError(t, reconciles[0].Decode(&payload))
	assert.Equal(t, p.ID, payload.PaymentID)
}

func TestProcessWebhookEventIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.seedPayment(t, 1000, date(2025, 3, 10))
	ingested, err := h.svc.IngestWebhook(ctx, h.schoolID, webhookBody(t, "evt_1", domain.EventPaymentConfirmed, p.ID, nil))
	require.NoError(t, err)

	_, err = h.svc.ProcessWebhookEvent(ctx, operator, ingested.Event.ID)
	require.NoError(t, err)
	afterFirst := h.payment(t, p.ID)

	again, err := h.svc.ProcessWebhookEvent(ctx, operator, ingested.Event.ID)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, afterFirst, h.payment(t, p.ID))

	event, err := h.store.GetWebhookEvent(ctx, ingested.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventCompleted, event.Status)
	assert.Equal(t, 1, event.Attempts)
	assert.Len(t, h.queue.named(queue.JobPaymentReconcile), 1)
}

func TestProcessWebhookEventsOutOfOrder(t *testing.T) {
	h := newHarness(t)
	p := h.seedPayment(t, 1000, date(2025, 3, 10))
	inv := h.seedInvoice(t, domain.InvoiceStatusOpen, date(2025, 3, 10), p)

	h.deliver(t, webhookBody(t, "evt_received", domain.EventPaymentReceived, p.ID, map[string]any{"paymentDate": "2025-03-12"}))
	overdue := h.deliver(t, webhookBody(t, "evt_overdue", domain.EventPaymentOverdue, p.ID, nil))
	created := h.deliver(t, webhookBody(t, "evt_created", domain.EventPaymentCreated, p.ID, nil))

	assert.False(t, overdue.Changed)
	assert.False(t, created.Changed)
	assert.Equal(t, domain.PaymentStatusPaid, h.payment(t, p.ID).Status)

	_, err := h.svc.ReconcilePayment(context.Background(), operator, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, h.invoice(t, inv.ID).Status)
}

func TestProcessWebhookEventChargeMakesInvoicePending(t *testing.T) {
	h := newHarness(t)
	p := h.seedPayment(t, 1000, date(2025, 4, 10))
	inv := h.seedInvoice(t, domain.InvoiceStatusOpen, date(2025, 4, 10), p)

	created := h.deliver(t, webhookBody(t, "evt_created", domain.EventPaymentCreated, p.ID, map[string]any{"id": "pay_123"}))
	assert.Equal(t, domain.PaymentStatusPending, created.To)
	stored := h.payment(t, p.ID)
	require.NotNil(t, stored.GatewayExternalID)
	assert.Equal(t, "pay_123", *stored.GatewayExternalID)

	result, err := h.svc.ReconcilePayment(context.Background(), operator, p.ID)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, domain.InvoiceStatusPending, h.invoice(t, inv.ID).Status)
}

func TestProcessWebhookEventCancellingEventLeavesPaid(t *testing.T) {
	h := newHarness(t)
	p := h.seedPayment(t, 1000, date(2025, 3, 10))
	h.deliver(t, webhookBody(t, "evt_received", domain.EventPaymentReceived, p.ID, nil))
	refund := h.deliver(t, webhookBody(t, "evt_refund", domain.EventPaymentRefunded, p.ID, nil))

	assert.True(t, refund.Changed)
	assert.Equal(t, domain.PaymentStatusCancelled, h.payment(t, p.ID).Status)
}

func TestProcessWebhookEventIgnoresUnknownEvent(t *testing.T) {
	h := newHarness(t)
	p := h.seedPayment(t, 1000, date(2025, 3, 10))
	result := h.deliver(t, webhookBody(t, "evt_x", "PAYMENT_BANK_SLIP_VIEWED", p.ID, nil))

	assert.False(t, result.Changed)
	assert.Equal(t, domain.PaymentStatusNotPaid, h.payment(t, p.ID).Status)
	assert.Empty(t, h.queue.named(queue.JobPaymentReconcile))
}

func TestProcessWebhookEventUnknownPaymentIsFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ingested, err := h.svc.IngestWebhook(ctx, h.schoolID, webhookBody(t, "evt_1", domain.EventPaymentReceived, uuid.New(), nil))
	require.NoError(t, err)

	_, err = h.svc.ProcessWebhookEvent(ctx, operator, ingested.Event.ID)
	require.ErrorIs(t, err, store.ErrPaymentNotFound)
	assert.True(t, queue.IsFatal(err))

	event, err := h.store.GetWebhookEvent(ctx, ingested.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventFailed, event.Status)
	require.NotNil(t, event.LastError)
}

func TestProcessWebhookEventRetriesWhenPaymentLocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.seedPayment(t, 1000, date(2025, 3, 10))
	ingested, err := h.svc.IngestWebhook(ctx, h.schoolID, webhookBody(t, "evt_1", domain.EventPaymentReceived, p.ID, nil))
	require.NoError(t, err)

	release, ok, err := h.locker.Acquire(ctx, lock.PaymentKey(p.ID.String()), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.svc.ProcessWebhookEvent(ctx, operator, ingested.Event.ID)
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	assert.False(t, queue.IsFatal(err))
	assert.Equal(t, domain.PaymentStatusNotPaid, h.payment(t, p.ID).Status)

	require.NoError(t, release(ctx))
	_, err = h.svc.ProcessWebhookEvent(ctx, operator, ingested.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, h.payment(t, p.ID).Status)
}

func TestReplayWebhookEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.seedPayment(t, 1000, date(2025, 3, 10))
	ingested, err := h.svc.IngestWebhook(ctx, h.schoolID, webhookBody(t, "evt_1", domain.EventPaymentReceived, p.ID, nil))
	require.NoError(t, err)

	_, err = h.svc.ReplayWebhookEvent(ctx, operator, ingested.Event.ID)
	require.NoError(t, err)
	jobs := h.queue.named(queue.JobWebhookProcess)
	require.Len(t, jobs, 2)
	assert.Equal(t, operator, jobs[1].Actor)

	_, err = h.svc.ProcessWebhookEvent(ctx, operator, ingested.Event.ID)
	require.NoError(t, err)
	event, err := h.svc.ReplayWebhookEvent(ctx, operator, ingested.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookEventCompleted, event.Status)
	assert.Len(t, h.queue.named(queue.JobWebhookProcess), 2, "completed events are not replayed")

	_, err = h.svc.ReplayWebhookEvent(ctx, operator, uuid.New())
	assert.ErrorIs(t, err, store.ErrWebhookEventNotFound)
}

func TestRequeueStaleWebhookEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.seedPayment(t, 1000, date(2025, 3, 10))

	stored := time.Date(2025, 3, 20, 11, 0, 0, 0, time.UTC)
	h.store.Now = func() time.Time { return stored }
	_, err := h.svc.IngestWebhook(ctx, h.schoolID, webhookBody(t, "evt_old", domain.EventPaymentReceived, p.ID, nil))
	require.NoError(t, err)
	h.store.Now = func() time.Time { return testNow }
	_, err = h.svc.IngestWebhook(ctx, h.schoolID, webhookBody(t, "evt_new", domain.EventPaymentOverdue, p.ID, nil))
	require.NoError(t, err)

	requeued, err := h.svc.RequeueStaleWebhookEvents(ctx, operator)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Len(t, h.queue.named(queue.JobWebhookProcess), 3)
}
