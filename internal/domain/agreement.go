package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInstallments = errors.New("installments must be at least 1")
	ErrInvalidPaymentDay   = errors.New("payment day must be between 1 and 31")
)

// DiscountRule grants an early-payment discount on agreement installments.
type DiscountRule struct {
	DaysBeforeDue int     `json:"days_before_due"`
	Percentage    float64 `json:"percentage"`
}

// Agreement maps to the `agreements` table.
type Agreement struct {
	ID               uuid.UUID      `json:"id"`
	SchoolID         uuid.UUID      `json:"school_id"`
	StudentID        uuid.UUID      `json:"student_id"`
	ContractID       uuid.UUID      `json:"contract_id"`
	TotalAmount      int64          `json:"total_amount"`
	Installments     int            `json:"installments"`
	StartDate        time.Time      `json:"start_date"`
	PaymentDay       int            `json:"payment_day"`
	DiscountRules    []DiscountRule `json:"discount_rules"`
	SourcePaymentIDs []uuid.UUID    `json:"source_payment_ids"`
	CreatedBy        string         `json:"created_by"`
	CreatedAt        time.Time      `json:"created_at"`
}

// AgreementRequest is the DTO for renegotiating a set of payments.
type AgreementRequest struct {
	StudentID     uuid.UUID      `json:"student_id"`
	PaymentIDs    []uuid.UUID    `json:"payment_ids"`
	Installments  int            `json:"installments"`
	StartDate     time.Time      `json:"start_date"`
	PaymentDay    int            `json:"payment_day"`
	DiscountRules []DiscountRule `json:"discount_rules"`
}

// Validate checks the request shape before any data is touched.
func (r AgreementRequest) Validate() error {
	if r.StudentID == uuid.Nil {
		return errors.New("student_id is required")
	}
	if len(r.PaymentIDs) == 0 {
		return errors.New("payment_ids must not be empty")
	}
	if r.Installments < 1 {
		return ErrInvalidInstallments
	}
	if r.PaymentDay < 1 || r.PaymentDay > 31 {
		return ErrInvalidPaymentDay
	}
	if r.StartDate.IsZero() {
		return errors.New("start_date is required")
	}
	return nil
}

// SplitInstallments divides total into n shares that sum exactly to total.
// Every share is the floor of total/n; the remainder goes to the last one.
func SplitInstallments(total int64, n int) ([]int64, error) {
	if n < 1 {
		return nil, ErrInvalidInstallments
	}
	shares := make([]int64, n)
	base := total / int64(n)
	for i := range shares {
		shares[i] = base
	}
	shares[n-1] += total - base*int64(n)
	return shares, nil
}

// InstallmentDueDate returns the due date of the i-th (0-based) installment:
// paymentDay of the month i months after start, clamped to the month's last day.
func InstallmentDueDate(start time.Time, paymentDay, i int) time.Time {
	first := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, i, 0)
	lastDay := first.AddDate(0, 1, -1).Day()
	day := paymentDay
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}
