package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/escolar/billing-service/internal/queue"
	"github.com/escolar/billing-service/internal/store"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// errNothingToLink rolls back a group whose payments were all linked concurrently.
var errNothingToLink = errors.New("no unlinked payments left in group")

// GenerateParams selects the payments to invoice.
type GenerateParams struct {
	SchoolIDs []uuid.UUID `json:"school_ids,omitempty"`
	Month     int         `json:"month"`
	Year      int         `json:"year"`
	AllMonths bool        `json:"all_months"`
}

// GroupError reports a failed invoice group.
type GroupError struct {
	SchoolID   uuid.UUID `json:"school_id"`
	StudentID  uuid.UUID `json:"student_id"`
	ContractID uuid.UUID `json:"contract_id"`
	DueDate    string    `json:"due_date,omitempty"`
	Error      string    `json:"error"`
}

// GenerationResult summarizes an invoice generation run.
type GenerationResult struct {
	InvoicesCreated    int          `json:"invoices_created"`
	InvoicesReconciled int          `json:"invoices_reconciled"`
	PaymentsLinked     int          `json:"payments_linked"`
	Errors             []GroupError `json:"errors"`
}

// Failed reports whether any group failed.
func (r *GenerationResult) Failed() bool { return len(r.Errors) > 0 }

type groupOutcome struct {
	created   bool
	linked    int
	invoiceID uuid.UUID
	paymentID uuid.UUID
	nfse      bool
}

// GenerateInvoices groups unlinked payments into invoices. Each group is
// written in its own transaction; a failing group is reported and the rest
// of the batch continues. Re-running with the same parameters changes nothing.
func (s *Service) GenerateInvoices(ctx context.Context, actor domain.Actor, params GenerateParams) (*GenerationResult, error) {
	filter := domain.PaymentFilter{SchoolIDs: params.SchoolIDs}
	if !params.AllMonths {
		if params.Month < 1 || params.Month > 12 || params.Year < 1 {
			return nil, ErrInvalidPeriod
		}
		filter.Month, filter.Year = &params.Month, &params.Year
	}

	payments, err := s.store.ListUnlinkedBillablePayments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list unlinked payments: %w", err)
	}

	groups := lo.GroupBy(payments, domain.InvoiceKeyFor)
	keys := lo.Keys(groups)
	slices.SortFunc(keys, compareInvoiceKeys)

	s.logger.Info("invoice generation started",
		"actor", actor.String(), "payments", len(payments), "groups", len(keys),
		"month", params.Month, "year", params.Year, "all_months", params.AllMonths)

	var (
		mu     sync.Mutex
		result = &GenerationResult{Errors: []GroupError{}}
	)
	today := s.Today()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.GeneratorConcurrency)
	for _, key := range keys {
		key, group := key, groups[key]
		g.Go(func() error {
			outcome, err := s.generateGroup(gctx, key, group, today)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errNothingToLink):
				return nil
			case err != nil:
				s.logger.Error("invoice group failed",
					"student_id", key.StudentID, "contract_id", key.ContractID, "due_date", formatDate(key.DueDate), "error", err)
				result.Errors = append(result.Errors, GroupError{
					SchoolID:   key.SchoolID,
					StudentID:  key.StudentID,
					ContractID: key.ContractID,
					DueDate:    formatDate(key.DueDate),
					Error:      err.Error(),
				})
				return nil
			}
			result.PaymentsLinked += outcome.linked
			if outcome.created {
				result.InvoicesCreated++
			} else {
				result.InvoicesReconciled++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("invoice generation finished",
		"actor", actor.String(),
		"invoices_created", result.InvoicesCreated,
		"invoices_reconciled", result.InvoicesReconciled,
		"payments_linked", result.PaymentsLinked,
		"errors", len(result.Errors))
	s.metrics.BatchItems("invoice_generation", "created", result.InvoicesCreated)
	s.metrics.BatchItems("invoice_generation", "reconciled", result.InvoicesReconciled)
	s.metrics.BatchItems("invoice_generation", "failed", len(result.Errors))

	return result, ctx.Err()
}

func (s *Service) generateGroup(ctx context.Context, key domain.InvoiceKey, group []domain.Payment, today time.Time) (groupOutcome, error) {
	var outcome groupOutcome
	ids := lo.Map(group, func(p domain.Payment, _ int) uuid.UUID { return p.ID })
	earliest := lo.MinBy(group, func(a, b domain.Payment) bool { return a.DueDate.Before(b.DueDate) })

	err := s.store.InTx(ctx, func(q store.Queries) error {
		invoice, err := q.FindOpenInvoiceForUpdate(ctx, key)
		switch {
		case errors.Is(err, store.ErrInvoiceNotFound):
			invoice = newInvoiceFor(key, earliest)
			if err := q.CreateInvoice(ctx, invoice); err != nil {
				return fmt.Errorf("create invoice: %w", err)
			}
			outcome.created = true
		case err != nil:
			return fmt.Errorf("find open invoice: %w", err)
		}

		linked, err := q.LinkPayments(ctx, invoice.ID, ids)
		if err != nil {
			return fmt.Errorf("link payments: %w", err)
		}
		if linked == 0 {
			return errNothingToLink
		}
		outcome.linked = int(linked)
		outcome.invoiceID = invoice.ID
		outcome.paymentID = earliest.ID

		if key.Type == domain.InvoiceTypeUpfront && earliest.DueDate.Before(invoice.DueDate) {
			invoice.DueDate = domain.DateOnly(earliest.DueDate)
		}

		linkedPayments, err := q.ListInvoicePayments(ctx, invoice.ID)
		if err != nil {
			return fmt.Errorf("list invoice payments: %w", err)
		}
		state := domain.DeriveInvoiceState(*invoice, linkedPayments, today)
		applyInvoiceState(invoice, state)
		if err := q.UpdateInvoice(ctx, invoice); err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}

		// The reconciler only requests an NFS-e on the transition to PAID, so
		// a group that is born paid must request it here.
		if state.BecamePaid && invoice.NeedsNFSe() {
			settings, err := s.settingsFor(ctx, q, invoice.SchoolID)
			if err != nil {
				return fmt.Errorf("load school settings: %w", err)
			}
			outcome.nfse = settings.NFSeEnabled
		}
		return nil
	})
	if err != nil {
		return groupOutcome{}, err
	}

	// Attaching changed an existing aggregate; the reconciler settles it under the payment lock.
	if !outcome.created {
		s.enqueueReconcile(ctx, domain.SystemActor, outcome.paymentID)
	}
	if outcome.nfse {
		enqueued := s.enqueue(ctx, domain.SystemActor, queue.JobInvoiceNFSe, queue.InvoiceNFSePayload{InvoiceID: outcome.invoiceID})
		s.logger.Info("nfse emission requested", "invoice_id", outcome.invoiceID, "enqueued", enqueued)
	}
	return outcome, nil
}

func newInvoiceFor(key domain.InvoiceKey, earliest domain.Payment) *domain.Invoice {
	invoice := &domain.Invoice{
		ID:         uuid.New(),
		SchoolID:   key.SchoolID,
		StudentID:  key.StudentID,
		ContractID: key.ContractID,
		Type:       key.Type,
		DueDate:    key.DueDate,
		Status:     domain.InvoiceStatusOpen,
	}
	if key.Type == domain.InvoiceTypeUpfront {
		invoice.DueDate = domain.DateOnly(earliest.DueDate)
		return invoice
	}
	month, year := earliest.Month, earliest.Year
	invoice.Month, invoice.Year = &month, &year
	return invoice
}

func applyInvoiceState(invoice *domain.Invoice, state domain.InvoiceState) {
	invoice.Status = state.Status
	invoice.TotalAmount = state.TotalAmount
	if state.Status == domain.InvoiceStatusPaid {
		invoice.PaidAt = state.PaidAt
	}
}

func compareInvoiceKeys(a, b domain.InvoiceKey) int {
	for _, c := range []int{
		strings.Compare(a.SchoolID.String(), b.SchoolID.String()),
		strings.Compare(a.StudentID.String(), b.StudentID.String()),
		strings.Compare(a.ContractID.String(), b.ContractID.String()),
		strings.Compare(string(a.Type), string(b.Type)),
		a.DueDate.Compare(b.DueDate),
	} {
		if c != 0 {
			return c
		}
	}
	return 0
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}
