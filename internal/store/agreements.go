package store

import (
	"context"
	"errors"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateAgreement inserts the agreement header and its discount rules.
func (q *postgresQueries) CreateAgreement(ctx context.Context, a *domain.Agreement) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO agreements (
			id, school_id, student_id, contract_id, total_amount, installments,
			start_date, payment_day, source_payment_ids, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		a.ID, a.SchoolID, a.StudentID, a.ContractID, a.TotalAmount, a.Installments,
		domain.DateOnly(a.StartDate), a.PaymentDay, a.SourcePaymentIDs, a.CreatedBy,
	).Scan(&a.CreatedAt)
	if err != nil {
		return err
	}

	for _, rule := range a.DiscountRules {
		if _, err := q.db.Exec(ctx, `
			INSERT INTO agreement_discount_rules (agreement_id, days_before_due, percentage)
			VALUES ($1, $2, $3)`, a.ID, rule.DaysBeforeDue, rule.Percentage); err != nil {
			return err
		}
	}
	return nil
}

// GetSchoolSettings retrieves the tenant's billing configuration.
func (q *postgresQueries) GetSchoolSettings(ctx context.Context, schoolID uuid.UUID) (*domain.SchoolBillingSettings, error) {
	var s domain.SchoolBillingSettings
	err := q.db.QueryRow(ctx, `
		SELECT school_id, webhook_token, nfse_enabled, fine_percentage::float8,
		       monthly_interest_percentage::float8, interest_grace_days, timezone
		FROM school_billing_settings WHERE school_id = $1`, schoolID).Scan(
		&s.SchoolID, &s.WebhookToken, &s.NFSeEnabled, &s.FinePercentage,
		&s.MonthlyInterestPercent, &s.InterestGraceDays, &s.Timezone,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettingsNotFound
		}
		return nil, err
	}
	return &s, nil
}
