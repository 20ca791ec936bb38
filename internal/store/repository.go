/**
 * @description
 * This file defines the Ledger Store contract for the billing-service. Services
 * depend on these interfaces rather than on PostgreSQL so that the reconciliation
 * rules can be exercised against the in-memory implementation in tests.
 *
 * @notes
 * - Methods ending in ForUpdate take a row lock and are only meaningful inside InTx.
 * - Relations are explicit repository methods returning plain values; nothing is lazily loaded.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrInvoiceNotFound      = errors.New("invoice not found")
	ErrWebhookEventNotFound = errors.New("webhook event not found")
	ErrSettingsNotFound     = errors.New("school billing settings not found")
	ErrDuplicateGatewayID   = errors.New("gateway external id already used by an active payment")
)

// Queries is the set of row-level operations on the ledger.
type Queries interface {
	// Payment methods
	GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	ListPaymentsForUpdate(ctx context.Context, ids []uuid.UUID) ([]domain.Payment, error)
	ListInvoicePayments(ctx context.Context, invoiceID uuid.UUID) ([]domain.Payment, error)
	ListUnlinkedBillablePayments(ctx context.Context, filter domain.PaymentFilter) ([]domain.Payment, error)
	ListStudentInvoicedPayments(ctx context.Context, studentID uuid.UUID, filter domain.PaymentFilter) ([]domain.Payment, error)
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	UpdatePayment(ctx context.Context, payment *domain.Payment) error
	LinkPayments(ctx context.Context, invoiceID uuid.UUID, paymentIDs []uuid.UUID) (int64, error)
	MarkInvoicePaymentsOverdue(ctx context.Context, invoiceID uuid.UUID) (int64, error)

	// Invoice methods
	GetInvoice(ctx context.Context, id uuid.UUID) (*domain.Invoice, error)
	GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*domain.Invoice, error)
	FindOpenInvoiceForUpdate(ctx context.Context, key domain.InvoiceKey) (*domain.Invoice, error)
	CreateInvoice(ctx context.Context, invoice *domain.Invoice) error
	UpdateInvoice(ctx context.Context, invoice *domain.Invoice) error
	ListInvoicesDueBefore(ctx context.Context, statuses []domain.InvoiceStatus, before time.Time) ([]domain.Invoice, error)
	SumActivePayments(ctx context.Context, invoiceID uuid.UUID) (int64, error)

	// Webhook event methods
	InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) (bool, error)
	GetWebhookEvent(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error)
	GetWebhookEventForUpdate(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error)
	MarkWebhookEventProcessing(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error)
	CompleteWebhookEvent(ctx context.Context, id uuid.UUID, processedAt time.Time) error
	FailWebhookEvent(ctx context.Context, id uuid.UUID, lastError string) error
	ListStaleWebhookEvents(ctx context.Context, olderThan time.Time, maxAttempts int, limit int) ([]domain.WebhookEvent, error)

	// Agreement methods
	CreateAgreement(ctx context.Context, agreement *domain.Agreement) error

	// Tenant settings
	GetSchoolSettings(ctx context.Context, schoolID uuid.UUID) (*domain.SchoolBillingSettings, error)
}

// Store is the Ledger Store: row-level queries plus transactional scope.
type Store interface {
	Queries
	// InTx runs fn inside one database transaction. A non-nil error from fn rolls
	// everything back; the error is returned unchanged.
	InTx(ctx context.Context, fn func(q Queries) error) error
}
