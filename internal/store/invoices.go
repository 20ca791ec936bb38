package store

import (
	"context"
	"errors"
	"time"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const invoiceColumns = `
	id, school_id, student_id, contract_id, type, month, year, due_date, status,
	total_amount, net_amount_received, paid_at, payment_method, gateway_name,
	gateway_external_id, nfse_id, nfse_status, nfse_number, nfse_issued_at,
	created_at, updated_at`

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := row.Scan(
		&inv.ID, &inv.SchoolID, &inv.StudentID, &inv.ContractID, &inv.Type, &inv.Month, &inv.Year,
		&inv.DueDate, &inv.Status, &inv.TotalAmount, &inv.NetAmountReceived, &inv.PaidAt,
		&inv.PaymentMethod, &inv.GatewayName, &inv.GatewayExternalID, &inv.NFSeID,
		&inv.NFSeStatus, &inv.NFSeNumber, &inv.NFSeIssuedAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (q *postgresQueries) getInvoice(ctx context.Context, id uuid.UUID, lock bool) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	inv, err := scanInvoice(q.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return inv, nil
}

// GetInvoice retrieves an invoice by its ID.
func (q *postgresQueries) GetInvoice(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	return q.getInvoice(ctx, id, false)
}

// GetInvoiceForUpdate retrieves an invoice and locks its row until the transaction ends.
func (q *postgresQueries) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	return q.getInvoice(ctx, id, true)
}

// FindOpenInvoiceForUpdate locks the OPEN or PENDING invoice matching the grouping key.
// Upfront keys ignore the due date. Returns ErrInvoiceNotFound when none exists.
func (q *postgresQueries) FindOpenInvoiceForUpdate(ctx context.Context, key domain.InvoiceKey) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE school_id = $1 AND student_id = $2 AND contract_id = $3 AND type = $4
		  AND status IN ('OPEN', 'PENDING')`
	args := []any{key.SchoolID, key.StudentID, key.ContractID, key.Type}
	if key.Type == domain.InvoiceTypeMonthly {
		query += ` AND due_date = $5`
		args = append(args, key.DueDate)
	}
	query += ` ORDER BY created_at LIMIT 1 FOR UPDATE`

	inv, err := scanInvoice(q.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return inv, nil
}

// CreateInvoice inserts a new invoice.
func (q *postgresQueries) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	query := `
		INSERT INTO invoices (
			id, school_id, student_id, contract_id, type, month, year, due_date, status,
			total_amount, gateway_name, gateway_external_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`
	return q.db.QueryRow(ctx, query,
		inv.ID, inv.SchoolID, inv.StudentID, inv.ContractID, inv.Type, inv.Month, inv.Year,
		domain.DateOnly(inv.DueDate), inv.Status, inv.TotalAmount, inv.GatewayName, inv.GatewayExternalID,
	).Scan(&inv.CreatedAt, &inv.UpdatedAt)
}

// UpdateInvoice persists every mutable column of an invoice.
func (q *postgresQueries) UpdateInvoice(ctx context.Context, inv *domain.Invoice) error {
	query := `
		UPDATE invoices SET
			status = $2, total_amount = $3, net_amount_received = $4, paid_at = $5,
			payment_method = $6, gateway_name = $7, gateway_external_id = $8,
			nfse_id = $9, nfse_status = $10, nfse_number = $11, nfse_issued_at = $12,
			due_date = $13, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := q.db.QueryRow(ctx, query,
		inv.ID, inv.Status, inv.TotalAmount, inv.NetAmountReceived, inv.PaidAt,
		inv.PaymentMethod, inv.GatewayName, inv.GatewayExternalID,
		inv.NFSeID, inv.NFSeStatus, inv.NFSeNumber, inv.NFSeIssuedAt,
		domain.DateOnly(inv.DueDate),
	).Scan(&inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInvoiceNotFound
	}
	return err
}

// ListInvoicesDueBefore returns invoices in the given statuses whose due date is strictly before `before`.
func (q *postgresQueries) ListInvoicesDueBefore(ctx context.Context, statuses []domain.InvoiceStatus, before time.Time) ([]domain.Invoice, error) {
	raw := make([]string, len(statuses))
	for i, s := range statuses {
		raw[i] = string(s)
	}
	rows, err := q.db.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE status = ANY($1) AND due_date < $2
		ORDER BY due_date, id`, raw, domain.DateOnly(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

// SumActivePayments returns the stored sum of the invoice's active payments.
func (q *postgresQueries) SumActivePayments(ctx context.Context, invoiceID uuid.UUID) (int64, error) {
	var total int64
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_amount), 0)::bigint FROM payments
		WHERE invoice_id = $1 AND status NOT IN ('CANCELLED', 'RENEGOTIATED')`,
		invoiceID).Scan(&total)
	return total, err
}
