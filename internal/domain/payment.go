/**
 * @description
 * Core billing entities for the billing-service. Payments are the per-student
 * charges produced by enrollment and billing flows; invoices consolidate them
 * into the unit the gateway actually charges.
 *
 * @notes
 * - Amounts are int64 centavos. Percentages are decimals only at computation time.
 * - Dates without a time component (due dates) are normalized to UTC midnight.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentType classifies what a payment is charging for.
type PaymentType string

const (
	PaymentTypeEnrollment  PaymentType = "ENROLLMENT"
	PaymentTypeTuition     PaymentType = "TUITION"
	PaymentTypeCanteen     PaymentType = "CANTEEN"
	PaymentTypeCourse      PaymentType = "COURSE"
	PaymentTypeAgreement   PaymentType = "AGREEMENT"
	PaymentTypeStudentLoan PaymentType = "STUDENT_LOAN"
	PaymentTypeStore       PaymentType = "STORE"
	PaymentTypeExtraClass  PaymentType = "EXTRA_CLASS"
	PaymentTypeOther       PaymentType = "OTHER"
)

// PaymentStatus is the lifecycle state of a single payment.
type PaymentStatus string

const (
	PaymentStatusNotPaid      PaymentStatus = "NOT_PAID"
	PaymentStatusPending      PaymentStatus = "PENDING"
	PaymentStatusPaid         PaymentStatus = "PAID"
	PaymentStatusOverdue      PaymentStatus = "OVERDUE"
	PaymentStatusCancelled    PaymentStatus = "CANCELLED"
	PaymentStatusFailed       PaymentStatus = "FAILED"
	PaymentStatusRenegotiated PaymentStatus = "RENEGOTIATED"
)

// IsActive reports whether a payment in this status counts towards invoice aggregates.
func (s PaymentStatus) IsActive() bool {
	return s != PaymentStatusCancelled && s != PaymentStatusRenegotiated
}

// IsOutstanding reports whether money is still expected for a payment in this status.
func (s PaymentStatus) IsOutstanding() bool {
	switch s {
	case PaymentStatusNotPaid, PaymentStatusPending, PaymentStatusOverdue:
		return true
	default:
		return false
	}
}

// BillingMode is the contract's payment plan; it decides how payments are grouped into invoices.
type BillingMode string

const (
	BillingModeMonthly BillingMode = "MONTHLY"
	BillingModeUpfront BillingMode = "UPFRONT"
)

// Payment maps to the `payments` table.
type Payment struct {
	ID                 uuid.UUID      `json:"id"`
	SchoolID           uuid.UUID      `json:"school_id"`
	StudentID          uuid.UUID      `json:"student_id"`
	ContractID         uuid.UUID      `json:"contract_id"`
	Type               PaymentType    `json:"type"`
	Status             PaymentStatus  `json:"status"`
	Amount             int64          `json:"amount"`       // in centavos
	TotalAmount        int64          `json:"total_amount"` // in centavos, after discount / late charges
	DueDate            time.Time      `json:"due_date"`
	Month              int            `json:"month"`
	Year               int            `json:"year"`
	InstallmentNumber  int            `json:"installment_number"`
	InstallmentCount   int            `json:"installment_count"`
	DiscountPercentage float64        `json:"discount_percentage"`
	GatewayName        *string        `json:"gateway_name,omitempty"`
	GatewayExternalID  *string        `json:"gateway_external_id,omitempty"`
	InvoiceID          *uuid.UUID     `json:"invoice_id,omitempty"`
	AgreementID        *uuid.UUID     `json:"agreement_id,omitempty"`
	PaidAt             *time.Time     `json:"paid_at,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`

	// BillingMode is joined from the payment's contract; it is not a payments column.
	BillingMode BillingMode `json:"billing_mode,omitempty"`
}

// HasGatewayCharge reports whether a gateway charge was issued for the payment.
func (p *Payment) HasGatewayCharge() bool {
	return p.GatewayExternalID != nil && *p.GatewayExternalID != ""
}

// SetMetadata writes an audit entry, allocating the map on first use.
func (p *Payment) SetMetadata(key string, value any) {
	if p.Metadata == nil {
		p.Metadata = make(map[string]any)
	}
	p.Metadata[key] = value
}

// PaymentFilter narrows payment listings used by batch processes.
type PaymentFilter struct {
	SchoolIDs []uuid.UUID
	StudentID *uuid.UUID
	Month     *int
	Year      *int
}

// PaymentUpdate carries the fields an operator may edit on an outstanding payment.
type PaymentUpdate struct {
	Amount             *int64     `json:"amount,omitempty"`
	DiscountPercentage *float64   `json:"discount_percentage,omitempty"`
	DueDate            *time.Time `json:"due_date,omitempty"`
}

// DateOnly truncates t to midnight UTC of its calendar day.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
