package domain

import (
	"time"

	"github.com/google/uuid"
)

// InvoiceType distinguishes monthly consolidation from single upfront charges.
type InvoiceType string

const (
	InvoiceTypeMonthly InvoiceType = "MONTHLY"
	InvoiceTypeUpfront InvoiceType = "UPFRONT"
)

// InvoiceStatus is the aggregate state of an invoice, derived from its payments.
type InvoiceStatus string

const (
	InvoiceStatusOpen         InvoiceStatus = "OPEN"
	InvoiceStatusPending      InvoiceStatus = "PENDING"
	InvoiceStatusPaid         InvoiceStatus = "PAID"
	InvoiceStatusOverdue      InvoiceStatus = "OVERDUE"
	InvoiceStatusCancelled    InvoiceStatus = "CANCELLED"
	InvoiceStatusRenegotiated InvoiceStatus = "RENEGOTIATED"
)

// NFSeStatus tracks the downstream tax-document emission.
type NFSeStatus string

const (
	NFSeStatusRequested NFSeStatus = "REQUESTED"
	NFSeStatusIssued    NFSeStatus = "ISSUED"
	NFSeStatusFailed    NFSeStatus = "FAILED"
)

// Invoice maps to the `invoices` table.
type Invoice struct {
	ID                uuid.UUID     `json:"id"`
	SchoolID          uuid.UUID     `json:"school_id"`
	StudentID         uuid.UUID     `json:"student_id"`
	ContractID        uuid.UUID     `json:"contract_id"`
	Type              InvoiceType   `json:"type"`
	Month             *int          `json:"month,omitempty"`
	Year              *int          `json:"year,omitempty"`
	DueDate           time.Time     `json:"due_date"`
	Status            InvoiceStatus `json:"status"`
	TotalAmount       int64         `json:"total_amount"`
	NetAmountReceived *int64        `json:"net_amount_received,omitempty"`
	PaidAt            *time.Time    `json:"paid_at,omitempty"`
	PaymentMethod     *string       `json:"payment_method,omitempty"`
	GatewayName       *string       `json:"gateway_name,omitempty"`
	GatewayExternalID *string       `json:"gateway_external_id,omitempty"`
	NFSeID            *string       `json:"nfse_id,omitempty"`
	NFSeStatus        *NFSeStatus   `json:"nfse_status,omitempty"`
	NFSeNumber        *string       `json:"nfse_number,omitempty"`
	NFSeIssuedAt      *time.Time    `json:"nfse_issued_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// HasGatewayCharge reports whether a gateway charge is currently attached.
func (i *Invoice) HasGatewayCharge() bool {
	return i.GatewayExternalID != nil && *i.GatewayExternalID != ""
}

// NeedsNFSe reports whether tax-document emission has neither happened nor been requested.
func (i *Invoice) NeedsNFSe() bool {
	if i.NFSeID != nil && *i.NFSeID != "" {
		return false
	}
	return i.NFSeStatus == nil || *i.NFSeStatus == NFSeStatusFailed
}

// InvoiceKey identifies the group of payments that share one invoice.
// DueDate is zero for upfront contracts, which consolidate regardless of due date.
type InvoiceKey struct {
	SchoolID   uuid.UUID
	StudentID  uuid.UUID
	ContractID uuid.UUID
	Type       InvoiceType
	DueDate    time.Time
}

// InvoiceKeyFor returns the grouping key of an unlinked payment.
func InvoiceKeyFor(p Payment) InvoiceKey {
	key := InvoiceKey{
		SchoolID:   p.SchoolID,
		StudentID:  p.StudentID,
		ContractID: p.ContractID,
		Type:       InvoiceTypeMonthly,
		DueDate:    DateOnly(p.DueDate),
	}
	if p.BillingMode == BillingModeUpfront {
		key.Type = InvoiceTypeUpfront
		key.DueDate = time.Time{}
	}
	return key
}

// InvoiceState is the outcome of re-deriving an invoice from its payments.
type InvoiceState struct {
	Status      InvoiceStatus
	TotalAmount int64
	PaidAt      *time.Time
	ActiveCount int
	// BecamePaid is set when the derivation moved the invoice into PAID.
	BecamePaid bool
}

// Changed reports whether applying the state would modify the invoice.
func (s InvoiceState) Changed(inv Invoice) bool {
	if s.Status != inv.Status || s.TotalAmount != inv.TotalAmount {
		return true
	}
	switch {
	case s.PaidAt == nil && inv.PaidAt == nil:
		return false
	case s.PaidAt == nil || inv.PaidAt == nil:
		return true
	default:
		return !s.PaidAt.Equal(*inv.PaidAt)
	}
}

// SumActive returns the total of payments that count towards an invoice.
func SumActive(payments []Payment) int64 {
	var total int64
	for _, p := range payments {
		if p.Status.IsActive() {
			total += p.TotalAmount
		}
	}
	return total
}

// DeriveInvoiceState recomputes an invoice's status and total from its linked payments.
// today must be a calendar date (see DateOnly) in the school's timezone.
func DeriveInvoiceState(inv Invoice, payments []Payment, today time.Time) InvoiceState {
	var (
		total      int64
		active     int
		allPaid    = true
		anyOverdue bool
		anyCharged bool
		maxPaidAt  *time.Time
	)

	for _, p := range payments {
		if !p.Status.IsActive() {
			continue
		}
		active++
		total += p.TotalAmount
		if p.Status != PaymentStatusPaid {
			allPaid = false
		} else if p.PaidAt != nil && (maxPaidAt == nil || p.PaidAt.After(*maxPaidAt)) {
			paidAt := *p.PaidAt
			maxPaidAt = &paidAt
		}
		if p.Status == PaymentStatusOverdue {
			anyOverdue = true
		}
		if p.Status != PaymentStatusPaid && p.HasGatewayCharge() {
			anyCharged = true
		}
	}

	if active == 0 {
		return InvoiceState{Status: InvoiceStatusCancelled, TotalAmount: 0, PaidAt: inv.PaidAt}
	}

	state := InvoiceState{TotalAmount: total, ActiveCount: active}
	switch {
	case allPaid:
		state.Status = InvoiceStatusPaid
		state.PaidAt = maxPaidAt
		state.BecamePaid = inv.Status != InvoiceStatusPaid
	case anyOverdue && DateOnly(inv.DueDate).Before(today):
		state.Status = InvoiceStatusOverdue
	case inv.HasGatewayCharge() || anyCharged:
		state.Status = InvoiceStatusPending
	default:
		state.Status = InvoiceStatusOpen
	}
	return state
}
