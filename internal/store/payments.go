package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const paymentColumns = `
	p.id, p.school_id, p.student_id, p.contract_id, p.type, p.status,
	p.amount, p.total_amount, p.due_date, p.month, p.year,
	p.installment_number, p.installment_count, p.discount_percentage::float8,
	p.gateway_name, p.gateway_external_id, p.invoice_id, p.agreement_id,
	p.paid_at, p.metadata, p.created_at, p.updated_at,
	COALESCE(c.payment_mode, 'MONTHLY')`

const paymentFrom = `FROM payments p LEFT JOIN contracts c ON c.id = p.contract_id`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p        domain.Payment
		metadata []byte
	)
	err := row.Scan(
		&p.ID, &p.SchoolID, &p.StudentID, &p.ContractID, &p.Type, &p.Status,
		&p.Amount, &p.TotalAmount, &p.DueDate, &p.Month, &p.Year,
		&p.InstallmentNumber, &p.InstallmentCount, &p.DiscountPercentage,
		&p.GatewayName, &p.GatewayExternalID, &p.InvoiceID, &p.AgreementID,
		&p.PaidAt, &metadata, &p.CreatedAt, &p.UpdatedAt,
		&p.BillingMode,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode payment metadata: %w", err)
		}
	}
	return &p, nil
}

func collectPayments(rows pgx.Rows) ([]domain.Payment, error) {
	defer rows.Close()
	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (q *postgresQueries) getPayment(ctx context.Context, id uuid.UUID, lock bool) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` ` + paymentFrom + ` WHERE p.id = $1`
	if lock {
		query += ` FOR UPDATE OF p`
	}
	p, err := scanPayment(q.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// GetPayment retrieves a payment by its ID.
func (q *postgresQueries) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return q.getPayment(ctx, id, false)
}

// GetPaymentForUpdate retrieves a payment and locks its row until the transaction ends.
func (q *postgresQueries) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return q.getPayment(ctx, id, true)
}

// ListPaymentsForUpdate locks the given payments in id order.
func (q *postgresQueries) ListPaymentsForUpdate(ctx context.Context, ids []uuid.UUID) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` ` + paymentFrom + `
		WHERE p.id = ANY($1) ORDER BY p.id FOR UPDATE OF p`
	rows, err := q.db.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

// ListInvoicePayments returns every payment linked to an invoice, whatever its status.
func (q *postgresQueries) ListInvoicePayments(ctx context.Context, invoiceID uuid.UUID) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` ` + paymentFrom + `
		WHERE p.invoice_id = $1 ORDER BY p.due_date, p.id`
	rows, err := q.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

// paymentFilterClause renders the optional filter conditions starting at placeholder $start.
func paymentFilterClause(filter domain.PaymentFilter, start int) (string, []any) {
	var (
		conds []string
		args  []any
	)
	next := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, start+len(args)-1))
	}
	if len(filter.SchoolIDs) > 0 {
		next("p.school_id = ANY($%d)", filter.SchoolIDs)
	}
	if filter.StudentID != nil {
		next("p.student_id = $%d", *filter.StudentID)
	}
	if filter.Month != nil {
		next("p.month = $%d", *filter.Month)
	}
	if filter.Year != nil {
		next("p.year = $%d", *filter.Year)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(conds, " AND "), args
}

// ListUnlinkedBillablePayments returns active, non-agreement payments not yet on an invoice.
func (q *postgresQueries) ListUnlinkedBillablePayments(ctx context.Context, filter domain.PaymentFilter) ([]domain.Payment, error) {
	clause, args := paymentFilterClause(filter, 1)
	query := `SELECT ` + paymentColumns + ` ` + paymentFrom + `
		WHERE p.invoice_id IS NULL
		  AND p.type <> 'AGREEMENT'
		  AND p.status NOT IN ('CANCELLED', 'RENEGOTIATED')` + clause + `
		ORDER BY p.school_id, p.student_id, p.due_date, p.id`
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

// ListStudentInvoicedPayments returns a student's payments that are linked to an invoice.
func (q *postgresQueries) ListStudentInvoicedPayments(ctx context.Context, studentID uuid.UUID, filter domain.PaymentFilter) ([]domain.Payment, error) {
	filter.StudentID = nil
	clause, args := paymentFilterClause(filter, 2)
	query := `SELECT ` + paymentColumns + ` ` + paymentFrom + `
		WHERE p.student_id = $1 AND p.invoice_id IS NOT NULL` + clause + `
		ORDER BY p.due_date, p.id`
	rows, err := q.db.Query(ctx, query, append([]any{studentID}, args...)...)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

// CreatePayment inserts a new payment.
func (q *postgresQueries) CreatePayment(ctx context.Context, p *domain.Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	metadata, err := json.Marshal(metadataOrEmpty(p.Metadata))
	if err != nil {
		return fmt.Errorf("encode payment metadata: %w", err)
	}
	query := `
		INSERT INTO payments (
			id, school_id, student_id, contract_id, type, status, amount, total_amount,
			due_date, month, year, installment_number, installment_count, discount_percentage,
			gateway_name, gateway_external_id, invoice_id, agreement_id, paid_at, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING created_at, updated_at
	`
	err = q.db.QueryRow(ctx, query,
		p.ID, p.SchoolID, p.StudentID, p.ContractID, p.Type, p.Status, p.Amount, p.TotalAmount,
		domain.DateOnly(p.DueDate), p.Month, p.Year, p.InstallmentNumber, p.InstallmentCount, p.DiscountPercentage,
		p.GatewayName, p.GatewayExternalID, p.InvoiceID, p.AgreementID, p.PaidAt, metadata,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err, "ux_payments_gateway_external_id") {
		return ErrDuplicateGatewayID
	}
	return err
}

// UpdatePayment persists every mutable column of a payment.
func (q *postgresQueries) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	metadata, err := json.Marshal(metadataOrEmpty(p.Metadata))
	if err != nil {
		return fmt.Errorf("encode payment metadata: %w", err)
	}
	query := `
		UPDATE payments SET
			status = $2, amount = $3, total_amount = $4, due_date = $5,
			discount_percentage = $6, gateway_name = $7, gateway_external_id = $8,
			invoice_id = $9, agreement_id = $10, paid_at = $11, metadata = $12,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err = q.db.QueryRow(ctx, query,
		p.ID, p.Status, p.Amount, p.TotalAmount, domain.DateOnly(p.DueDate),
		p.DiscountPercentage, p.GatewayName, p.GatewayExternalID,
		p.InvoiceID, p.AgreementID, p.PaidAt, metadata,
	).Scan(&p.UpdatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrPaymentNotFound
	case isUniqueViolation(err, "ux_payments_gateway_external_id"):
		return ErrDuplicateGatewayID
	}
	return err
}

// LinkPayments attaches still-unlinked payments to an invoice and returns how many were linked.
func (q *postgresQueries) LinkPayments(ctx context.Context, invoiceID uuid.UUID, paymentIDs []uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE payments SET invoice_id = $1, updated_at = NOW()
		WHERE id = ANY($2) AND invoice_id IS NULL`,
		invoiceID, paymentIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MarkInvoicePaymentsOverdue moves the invoice's unpaid payments to OVERDUE.
func (q *postgresQueries) MarkInvoicePaymentsOverdue(ctx context.Context, invoiceID uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE payments SET status = 'OVERDUE', updated_at = NOW()
		WHERE invoice_id = $1 AND status IN ('NOT_PAID', 'PENDING')`,
		invoiceID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func metadataOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
