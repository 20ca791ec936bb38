package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSplitInstallments(t *testing.T) {
	tests := []struct {
		total int64
		n     int
		want  []int64
	}{
		{301, 3, []int64{100, 100, 101}},
		{300, 3, []int64{100, 100, 100}},
		{5, 1, []int64{5}},
		{2, 3, []int64{0, 0, 2}},
	}
	for _, tt := range tests {
		got, err := SplitInstallments(tt.total, tt.n)
		if err != nil {
			t.Fatalf("SplitInstallments(%d, %d): %v", tt.total, tt.n, err)
		}
		var sum int64
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("SplitInstallments(%d, %d): expected %v, got %v", tt.total, tt.n, tt.want, got)
			}
			sum += got[i]
		}
		if sum != tt.total {
			t.Fatalf("shares sum to %d, expected %d", sum, tt.total)
		}
	}

	if _, err := SplitInstallments(100, 0); !errors.Is(err, ErrInvalidInstallments) {
		t.Fatalf("expected ErrInvalidInstallments, got %v", err)
	}
}

func TestInstallmentDueDate(t *testing.T) {
	start := day(2025, 1, 15)
	tests := []struct {
		day, i int
		want   time.Time
	}{
		{10, 0, day(2025, 1, 10)},
		{31, 0, day(2025, 1, 31)},
		{31, 1, day(2025, 2, 28)},
		{30, 13, day(2026, 2, 28)},
		{29, 13, day(2026, 2, 28)},
		{5, 12, day(2026, 1, 5)},
	}
	for _, tt := range tests {
		if got := InstallmentDueDate(start, tt.day, tt.i); !got.Equal(tt.want) {
			t.Fatalf("InstallmentDueDate(day=%d, i=%d): expected %s, got %s", tt.day, tt.i, tt.want.Format("2006-01-02"), got.Format("2006-01-02"))
		}
	}
}

func TestAgreementRequestValidate(t *testing.T) {
	valid := AgreementRequest{
		StudentID:    uuid.New(),
		PaymentIDs:   []uuid.UUID{uuid.New()},
		Installments: 3,
		StartDate:    day(2025, 4, 1),
		PaymentDay:   10,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(r *AgreementRequest)
	}{
		{"missing student", func(r *AgreementRequest) { r.StudentID = uuid.Nil }},
		{"no payments", func(r *AgreementRequest) { r.PaymentIDs = nil }},
		{"zero installments", func(r *AgreementRequest) { r.Installments = 0 }},
		{"payment day too large", func(r *AgreementRequest) { r.PaymentDay = 32 }},
		{"missing start date", func(r *AgreementRequest) { r.StartDate = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			if err := req.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSettingsLocation(t *testing.T) {
	var nilSettings *SchoolBillingSettings
	if nilSettings.Location(time.UTC) != time.UTC {
		t.Fatal("nil settings must use the fallback")
	}
	bad := &SchoolBillingSettings{Timezone: "Mars/Olympus"}
	if bad.Location(time.UTC) != time.UTC {
		t.Fatal("unknown timezone must use the fallback")
	}
	sp := &SchoolBillingSettings{Timezone: "America/Sao_Paulo"}
	if got := sp.Location(time.UTC); got.String() != "America/Sao_Paulo" {
		t.Fatalf("expected America/Sao_Paulo, got %s", got)
	}
}
