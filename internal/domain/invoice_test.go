package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func paymentWith(status PaymentStatus, total int64, paidAt *time.Time) Payment {
	return Payment{ID: uuid.New(), Status: status, Amount: total, TotalAmount: total, PaidAt: paidAt}
}

func charged(p Payment, chargeID string) Payment {
	p.GatewayExternalID = &chargeID
	return p
}

func TestDeriveInvoiceState(t *testing.T) {
	early := day(2025, 3, 5)
	late := day(2025, 3, 9)
	charge := "pay_123"
	today := day(2025, 3, 20)

	tests := []struct {
		name       string
		invoice    Invoice
		payments   []Payment
		wantStatus InvoiceStatus
		wantTotal  int64
		wantPaidAt *time.Time
		becamePaid bool
	}{
		{
			name:       "all paid takes latest paid at",
			invoice:    Invoice{Status: InvoiceStatusOpen, DueDate: day(2025, 3, 10)},
			payments:   []Payment{paymentWith(PaymentStatusPaid, 100, &late), paymentWith(PaymentStatusPaid, 50, &early)},
			wantStatus: InvoiceStatusPaid,
			wantTotal:  150,
			wantPaidAt: &late,
			becamePaid: true,
		},
		{
			name:       "already paid is not a transition",
			invoice:    Invoice{Status: InvoiceStatusPaid, DueDate: day(2025, 3, 10)},
			payments:   []Payment{paymentWith(PaymentStatusPaid, 100, &early)},
			wantStatus: InvoiceStatusPaid,
			wantTotal:  100,
			wantPaidAt: &early,
		},
		{
			name:       "cancelled payments are excluded",
			invoice:    Invoice{Status: InvoiceStatusOpen, DueDate: day(2025, 3, 10)},
			payments:   []Payment{paymentWith(PaymentStatusPaid, 100, &early), paymentWith(PaymentStatusCancelled, 999, nil)},
			wantStatus: InvoiceStatusPaid,
			wantTotal:  100,
			wantPaidAt: &early,
			becamePaid: true,
		},
		{
			name:       "no active payments cancels",
			invoice:    Invoice{Status: InvoiceStatusOpen, DueDate: day(2025, 3, 10)},
			payments:   []Payment{paymentWith(PaymentStatusRenegotiated, 100, nil)},
			wantStatus: InvoiceStatusCancelled,
		},
		{
			name:       "overdue payment past due date",
			invoice:    Invoice{Status: InvoiceStatusOpen, DueDate: day(2025, 3, 10)},
			payments:   []Payment{paymentWith(PaymentStatusOverdue, 100, nil), paymentWith(PaymentStatusPaid, 50, &early)},
			wantStatus: InvoiceStatusOverdue,
			wantTotal:  150,
		},
		{
			name:       "overdue payment on an invoice not yet due",
			invoice:    Invoice{Status: InvoiceStatusOpen, DueDate: today},
			payments:   []Payment{paymentWith(PaymentStatusOverdue, 100, nil)},
			wantStatus: InvoiceStatusOpen,
			wantTotal:  100,
		},
		{
			name:       "gateway charge attached",
			invoice:    Invoice{Status: InvoiceStatusOpen, DueDate: day(2025, 4, 10), GatewayExternalID: &charge},
			payments:   []Payment{paymentWith(PaymentStatusPending, 100, nil)},
			wantStatus: InvoiceStatusPending,
			wantTotal:  100,
		},
		{
			name:       "gateway charge on an unpaid payment",
			invoice:    Invoice{Status: InvoiceStatusOpen, DueDate: day(2025, 4, 10)},
			payments:   []Payment{charged(paymentWith(PaymentStatusPending, 100, nil), charge), paymentWith(PaymentStatusNotPaid, 50, nil)},
			wantStatus: InvoiceStatusPending,
			wantTotal:  150,
		},
		{
			name:       "settled charge leaves the rest open",
			invoice:    Invoice{Status: InvoiceStatusOpen, DueDate: day(2025, 4, 10)},
			payments:   []Payment{charged(paymentWith(PaymentStatusPaid, 100, &early), charge), paymentWith(PaymentStatusNotPaid, 50, nil)},
			wantStatus: InvoiceStatusOpen,
			wantTotal:  150,
		},
		{
			name:       "charge on a cancelled payment is ignored",
			invoice:    Invoice{Status: InvoiceStatusPending, DueDate: day(2025, 4, 10)},
			payments:   []Payment{charged(paymentWith(PaymentStatusCancelled, 100, nil), charge), paymentWith(PaymentStatusNotPaid, 50, nil)},
			wantStatus: InvoiceStatusOpen,
			wantTotal:  50,
		},
		{
			name:       "nothing charged yet",
			invoice:    Invoice{Status: InvoiceStatusOpen, DueDate: day(2025, 4, 10)},
			payments:   []Payment{paymentWith(PaymentStatusNotPaid, 70, nil), paymentWith(PaymentStatusNotPaid, 30, nil)},
			wantStatus: InvoiceStatusOpen,
			wantTotal:  100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveInvoiceState(tt.invoice, tt.payments, today)
			if got.Status != tt.wantStatus {
				t.Fatalf("expected status %s, got %s", tt.wantStatus, got.Status)
			}
			if got.TotalAmount != tt.wantTotal {
				t.Fatalf("expected total %d, got %d", tt.wantTotal, got.TotalAmount)
			}
			if got.BecamePaid != tt.becamePaid {
				t.Fatalf("expected BecamePaid=%t, got %t", tt.becamePaid, got.BecamePaid)
			}
			if tt.wantPaidAt != nil && (got.PaidAt == nil || !got.PaidAt.Equal(*tt.wantPaidAt)) {
				t.Fatalf("expected paid at %s, got %v", tt.wantPaidAt, got.PaidAt)
			}
		})
	}
}

func TestInvoiceStateChanged(t *testing.T) {
	paidAt := day(2025, 3, 5)
	inv := Invoice{Status: InvoiceStatusPaid, TotalAmount: 100, PaidAt: &paidAt}

	same := paidAt
	if (InvoiceState{Status: InvoiceStatusPaid, TotalAmount: 100, PaidAt: &same}).Changed(inv) {
		t.Fatal("identical state reported as changed")
	}
	if !(InvoiceState{Status: InvoiceStatusPaid, TotalAmount: 100}).Changed(inv) {
		t.Fatal("dropping paid at must count as a change")
	}
	if !(InvoiceState{Status: InvoiceStatusPaid, TotalAmount: 101, PaidAt: &same}).Changed(inv) {
		t.Fatal("total change not detected")
	}
}

func TestNeedsNFSe(t *testing.T) {
	requested, failed := NFSeStatusRequested, NFSeStatusFailed
	id := "nfse-1"

	tests := []struct {
		name    string
		invoice Invoice
		want    bool
	}{
		{"never requested", Invoice{}, true},
		{"requested", Invoice{NFSeStatus: &requested}, false},
		{"failed emission", Invoice{NFSeStatus: &failed}, true},
		{"issued", Invoice{NFSeID: &id, NFSeStatus: &failed}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.invoice.NeedsNFSe(); got != tt.want {
				t.Fatalf("expected %t, got %t", tt.want, got)
			}
		})
	}
}

func TestInvoiceKeyFor(t *testing.T) {
	p := Payment{
		SchoolID:    uuid.New(),
		StudentID:   uuid.New(),
		ContractID:  uuid.New(),
		DueDate:     time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC),
		BillingMode: BillingModeMonthly,
	}
	key := InvoiceKeyFor(p)
	if key.Type != InvoiceTypeMonthly || !key.DueDate.Equal(day(2025, 3, 10)) {
		t.Fatalf("unexpected monthly key %+v", key)
	}

	p.BillingMode = BillingModeUpfront
	key = InvoiceKeyFor(p)
	if key.Type != InvoiceTypeUpfront || !key.DueDate.IsZero() {
		t.Fatalf("upfront key must ignore due date, got %+v", key)
	}
}
