/**
 * @description
 * Gateway (Asaas) webhook payloads and the durable WebhookEvent record used to
 * make their processing idempotent and auditable.
 */

package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GatewayAsaas is the gateway name recorded on payments and invoices.
const GatewayAsaas = "ASAAS"

// Gateway event types sent by Asaas.
const (
	EventPaymentCreated             = "PAYMENT_CREATED"
	EventPaymentUpdated             = "PAYMENT_UPDATED"
	EventPaymentConfirmed           = "PAYMENT_CONFIRMED"
	EventPaymentReceived            = "PAYMENT_RECEIVED"
	EventPaymentReceivedInCash      = "PAYMENT_RECEIVED_IN_CASH"
	EventPaymentOverdue             = "PAYMENT_OVERDUE"
	EventPaymentDeleted             = "PAYMENT_DELETED"
	EventPaymentRefunded            = "PAYMENT_REFUNDED"
	EventPaymentChargebackRequested = "PAYMENT_CHARGEBACK_REQUESTED"
)

// WebhookEventStatus is the processing state of a stored webhook.
type WebhookEventStatus string

const (
	WebhookEventPending    WebhookEventStatus = "PENDING"
	WebhookEventProcessing WebhookEventStatus = "PROCESSING"
	WebhookEventCompleted  WebhookEventStatus = "COMPLETED"
	WebhookEventFailed     WebhookEventStatus = "FAILED"
)

// ErrInvalidWebhookPayload is returned for payloads that must never enter the durable log.
var ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

// AsaasWebhookPayload is the JSON body Asaas posts to the webhook endpoint.
type AsaasWebhookPayload struct {
	ID      string              `json:"id,omitempty"`
	Event   string              `json:"event"`
	Payment AsaasPaymentPayload `json:"payment"`
}

// AsaasPaymentPayload is the `payment` object inside a webhook.
type AsaasPaymentPayload struct {
	ID                string   `json:"id"`
	Status            string   `json:"status"`
	BillingType       string   `json:"billingType"`
	ExternalReference string   `json:"externalReference"`
	Value             *float64 `json:"value,omitempty"`
	NetValue          *float64 `json:"netValue,omitempty"`
	PaymentDate       string   `json:"paymentDate,omitempty"`
	ConfirmedDate     string   `json:"confirmedDate,omitempty"`
	DueDate           string   `json:"dueDate,omitempty"`
	InvoiceURL        string   `json:"invoiceUrl,omitempty"`
	BankSlipURL       string   `json:"bankSlipUrl,omitempty"`
}

// ParseAsaasWebhook decodes and validates a raw webhook body.
func ParseAsaasWebhook(body []byte) (*AsaasWebhookPayload, error) {
	var payload AsaasWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
	}
	payload.Event = strings.TrimSpace(payload.Event)
	payload.Payment.ExternalReference = strings.TrimSpace(payload.Payment.ExternalReference)

	if payload.Event == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrInvalidWebhookPayload)
	}
	if payload.Payment.ExternalReference == "" {
		return nil, fmt.Errorf("%w: missing payment.externalReference", ErrInvalidWebhookPayload)
	}
	if _, err := uuid.Parse(payload.Payment.ExternalReference); err != nil {
		return nil, fmt.Errorf("%w: externalReference is not a payment id", ErrInvalidWebhookPayload)
	}
	return &payload, nil
}

// PaymentID returns the referenced payment id. The payload must have been validated.
func (p *AsaasWebhookPayload) PaymentID() uuid.UUID {
	id, _ := uuid.Parse(p.Payment.ExternalReference)
	return id
}

// IdempotencyKey identifies redeliveries of the same gateway notification.
func (p *AsaasWebhookPayload) IdempotencyKey() string {
	if id := strings.TrimSpace(p.ID); id != "" {
		return id
	}
	return fmt.Sprintf("%s:%s:%s", p.Event, p.Payment.ID, p.Payment.ExternalReference)
}

// WebhookEvent maps to the `webhook_events` table.
type WebhookEvent struct {
	ID                uuid.UUID          `json:"id"`
	SchoolID          uuid.UUID          `json:"school_id"`
	IdempotencyKey    string             `json:"idempotency_key"`
	EventType         string             `json:"event_type"`
	ExternalReference string             `json:"external_reference"`
	GatewayPaymentID  *string            `json:"gateway_payment_id,omitempty"`
	Payload           json.RawMessage    `json:"payload"`
	Status            WebhookEventStatus `json:"status"`
	Attempts          int                `json:"attempts"`
	ProcessedAt       *time.Time         `json:"processed_at,omitempty"`
	LastError         *string            `json:"last_error,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// IsCompleted reports whether the event reached its terminal state.
func (e *WebhookEvent) IsCompleted() bool {
	return e.Status == WebhookEventCompleted
}

// PaymentTransition describes what a gateway event does to a payment.
type PaymentTransition struct {
	From    PaymentStatus
	To      PaymentStatus
	PaidAt  *time.Time
	Changed bool
	// Ignored is set for event types that carry no status semantics.
	Ignored bool
}

// ApplyGatewayEvent maps a gateway event onto the payment's current status.
//
// The mapping is evaluated against the current status rather than blindly
// overwriting it, so redelivered or reordered events converge: a PAID payment
// only leaves PAID through a cancelling event, PAYMENT_CREATED only promotes a
// NOT_PAID payment, and payments closed locally (CANCELLED, RENEGOTIATED) are
// not reopened by the gateway.
func ApplyGatewayEvent(current PaymentStatus, payload *AsaasWebhookPayload, now time.Time) PaymentTransition {
	t := PaymentTransition{From: current, To: current}

	if current == PaymentStatusCancelled || current == PaymentStatusRenegotiated {
		return t
	}

	switch payload.Event {
	case EventPaymentConfirmed, EventPaymentReceived, EventPaymentReceivedInCash:
		if current == PaymentStatusPaid {
			return t
		}
		paidAt := gatewayPaidAt(payload.Payment, now)
		t.To = PaymentStatusPaid
		t.PaidAt = &paidAt
	case EventPaymentOverdue:
		if current == PaymentStatusPaid {
			return t
		}
		t.To = PaymentStatusOverdue
	case EventPaymentDeleted, EventPaymentRefunded, EventPaymentChargebackRequested:
		t.To = PaymentStatusCancelled
	case EventPaymentCreated:
		if current == PaymentStatusNotPaid || current == "" {
			t.To = PaymentStatusPending
		}
	case EventPaymentUpdated:
		// Kept as received from the product: an existing status is never touched.
		if current == "" {
			t.To = PaymentStatusPending
		}
	default:
		t.Ignored = true
	}

	t.Changed = t.To != t.From
	return t
}

func gatewayPaidAt(p AsaasPaymentPayload, now time.Time) time.Time {
	for _, raw := range []string{p.PaymentDate, p.ConfirmedDate} {
		if raw == "" {
			continue
		}
		if parsed, err := parseGatewayDate(raw); err == nil {
			return parsed
		}
	}
	return now.UTC()
}

func parseGatewayDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}
