/**
 * @description
 * MemoryStore is an in-process Ledger Store. It backs the unit tests and lets
 * the CLI and server run without PostgreSQL for local development.
 *
 * @notes
 * - A single mutex serializes transactions, which is stricter than row locks.
 * - InTx snapshots the state and restores it when fn returns an error.
 */

package store

import (
	"bytes"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type memoryState struct {
	payments   map[uuid.UUID]domain.Payment
	invoices   map[uuid.UUID]domain.Invoice
	events     map[uuid.UUID]domain.WebhookEvent
	agreements map[uuid.UUID]domain.Agreement
	settings   map[uuid.UUID]domain.SchoolBillingSettings
	contracts  map[uuid.UUID]domain.BillingMode
}

func (s *memoryState) clone() *memoryState {
	return &memoryState{
		payments:   maps.Clone(s.payments),
		invoices:   maps.Clone(s.invoices),
		events:     maps.Clone(s.events),
		agreements: maps.Clone(s.agreements),
		settings:   maps.Clone(s.settings),
		contracts:  maps.Clone(s.contracts),
	}
}

// MemoryStore implements Store on top of Go maps.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
	// Now is the clock used for timestamps. Defaults to time.Now.
	Now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memoryState{
			payments:   make(map[uuid.UUID]domain.Payment),
			invoices:   make(map[uuid.UUID]domain.Invoice),
			events:     make(map[uuid.UUID]domain.WebhookEvent),
			agreements: make(map[uuid.UUID]domain.Agreement),
			settings:   make(map[uuid.UUID]domain.SchoolBillingSettings),
			contracts:  make(map[uuid.UUID]domain.BillingMode),
		},
		Now: time.Now,
	}
}

// SetContractMode records the billing mode of a contract.
func (s *MemoryStore) SetContractMode(contractID uuid.UUID, mode domain.BillingMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.contracts[contractID] = mode
}

// PutSchoolSettings stores tenant settings.
func (s *MemoryStore) PutSchoolSettings(settings domain.SchoolBillingSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.settings[settings.SchoolID] = settings
}

// InTx runs fn with exclusive access to the store, restoring the previous state on error.
func (s *MemoryStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&memoryQueries{state: s.state, now: s.Now}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) with(fn func(q *memoryQueries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memoryQueries{state: s.state, now: s.Now})
}

func withResult[T any](s *MemoryStore, fn func(q *memoryQueries) (T, error)) (T, error) {
	var (
		out T
		err error
	)
	_ = s.with(func(q *memoryQueries) error {
		out, err = fn(q)
		return nil
	})
	return out, err
}

func (s *MemoryStore) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return withResult(s, func(q *memoryQueries) (*domain.Payment, error) { return q.GetPayment(ctx, id) })
}

func (s *MemoryStore) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return withResult(s, func(q *memoryQueries) (*domain.Payment, error) { return q.GetPaymentForUpdate(ctx, id) })
}

func (s *MemoryStore) ListPaymentsForUpdate(ctx context.Context, ids []uuid.UUID) ([]domain.Payment, error) {
	return withResult(s, func(q *memoryQueries) ([]domain.Payment, error) { return q.ListPaymentsForUpdate(ctx, ids) })
}

func (s *MemoryStore) ListInvoicePayments(ctx context.Context, invoiceID uuid.UUID) ([]domain.Payment, error) {
	return withResult(s, func(q *memoryQueries) ([]domain.Payment, error) { return q.ListInvoicePayments(ctx, invoiceID) })
}

func (s *MemoryStore) ListUnlinkedBillablePayments(ctx context.Context, filter domain.PaymentFilter) ([]domain.Payment, error) {
	return withResult(s, func(q *memoryQueries) ([]domain.Payment, error) { return q.ListUnlinkedBillablePayments(ctx, filter) })
}

func (s *MemoryStore) ListStudentInvoicedPayments(ctx context.Context, studentID uuid.UUID, filter domain.PaymentFilter) ([]domain.Payment, error) {
	return withResult(s, func(q *memoryQueries) ([]domain.Payment, error) {
		return q.ListStudentInvoicedPayments(ctx, studentID, filter)
	})
}

func (s *MemoryStore) CreatePayment(ctx context.Context, p *domain.Payment) error {
	return s.with(func(q *memoryQueries) error { return q.CreatePayment(ctx, p) })
}

func (s *MemoryStore) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	return s.with(func(q *memoryQueries) error { return q.UpdatePayment(ctx, p) })
}

func (s *MemoryStore) LinkPayments(ctx context.Context, invoiceID uuid.UUID, ids []uuid.UUID) (int64, error) {
	return withResult(s, func(q *memoryQueries) (int64, error) { return q.LinkPayments(ctx, invoiceID, ids) })
}

func (s *MemoryStore) MarkInvoicePaymentsOverdue(ctx context.Context, invoiceID uuid.UUID) (int64, error) {
	return withResult(s, func(q *memoryQueries) (int64, error) { return q.MarkInvoicePaymentsOverdue(ctx, invoiceID) })
}

func (s *MemoryStore) GetInvoice(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	return withResult(s, func(q *memoryQueries) (*domain.Invoice, error) { return q.GetInvoice(ctx, id) })
}

func (s *MemoryStore) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	return withResult(s, func(q *memoryQueries) (*domain.Invoice, error) { return q.GetInvoiceForUpdate(ctx, id) })
}

func (s *MemoryStore) FindOpenInvoiceForUpdate(ctx context.Context, key domain.InvoiceKey) (*domain.Invoice, error) {
	return withResult(s, func(q *memoryQueries) (*domain.Invoice, error) { return q.FindOpenInvoiceForUpdate(ctx, key) })
}

func (s *MemoryStore) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	return s.with(func(q *memoryQueries) error { return q.CreateInvoice(ctx, inv) })
}

func (s *MemoryStore) UpdateInvoice(ctx context.Context, inv *domain.Invoice) error {
	return s.with(func(q *memoryQueries) error { return q.UpdateInvoice(ctx, inv) })
}

func (s *MemoryStore) ListInvoicesDueBefore(ctx context.Context, statuses []domain.InvoiceStatus, before time.Time) ([]domain.Invoice, error) {
	return withResult(s, func(q *memoryQueries) ([]domain.Invoice, error) {
		return q.ListInvoicesDueBefore(ctx, statuses, before)
	})
}

func (s *MemoryStore) SumActivePayments(ctx context.Context, invoiceID uuid.UUID) (int64, error) {
	return withResult(s, func(q *memoryQueries) (int64, error) { return q.SumActivePayments(ctx, invoiceID) })
}

func (s *MemoryStore) InsertWebhookEvent(ctx context.Context, e *domain.WebhookEvent) (bool, error) {
	return withResult(s, func(q *memoryQueries) (bool, error) { return q.InsertWebhookEvent(ctx, e) })
}

func (s *MemoryStore) GetWebhookEvent(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	return withResult(s, func(q *memoryQueries) (*domain.WebhookEvent, error) { return q.GetWebhookEvent(ctx, id) })
}

func (s *MemoryStore) GetWebhookEventForUpdate(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	return withResult(s, func(q *memoryQueries) (*domain.WebhookEvent, error) { return q.GetWebhookEventForUpdate(ctx, id) })
}

func (s *MemoryStore) MarkWebhookEventProcessing(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	return withResult(s, func(q *memoryQueries) (*domain.WebhookEvent, error) { return q.MarkWebhookEventProcessing(ctx, id) })
}

func (s *MemoryStore) CompleteWebhookEvent(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	return s.with(func(q *memoryQueries) error { return q.CompleteWebhookEvent(ctx, id, processedAt) })
}

func (s *MemoryStore) FailWebhookEvent(ctx context.Context, id uuid.UUID, lastError string) error {
	return s.with(func(q *memoryQueries) error { return q.FailWebhookEvent(ctx, id, lastError) })
}

func (s *MemoryStore) ListStaleWebhookEvents(ctx context.Context, olderThan time.Time, maxAttempts int, limit int) ([]domain.WebhookEvent, error) {
	return withResult(s, func(q *memoryQueries) ([]domain.WebhookEvent, error) {
		return q.ListStaleWebhookEvents(ctx, olderThan, maxAttempts, limit)
	})
}

func (s *MemoryStore) CreateAgreement(ctx context.Context, a *domain.Agreement) error {
	return s.with(func(q *memoryQueries) error { return q.CreateAgreement(ctx, a) })
}

func (s *MemoryStore) GetSchoolSettings(ctx context.Context, schoolID uuid.UUID) (*domain.SchoolBillingSettings, error) {
	return withResult(s, func(q *memoryQueries) (*domain.SchoolBillingSettings, error) {
		return q.GetSchoolSettings(ctx, schoolID)
	})
}

// Agreements returns every stored agreement. Test helper.
func (s *MemoryStore) Agreements() []domain.Agreement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Values(s.state.agreements)
}

// memoryQueries operates on state without locking; callers hold MemoryStore.mu.
type memoryQueries struct {
	state *memoryState
	now   func() time.Time
}

func (q *memoryQueries) readPayment(p domain.Payment) domain.Payment {
	p.Metadata = maps.Clone(p.Metadata)
	if mode, ok := q.state.contracts[p.ContractID]; ok {
		p.BillingMode = mode
	} else {
		p.BillingMode = domain.BillingModeMonthly
	}
	return p
}

func (q *memoryQueries) sortedPayments(match func(p domain.Payment) bool) []domain.Payment {
	out := make([]domain.Payment, 0)
	for _, p := range q.state.payments {
		if match(p) {
			out = append(out, q.readPayment(p))
		}
	}
	slices.SortFunc(out, func(a, b domain.Payment) int {
		if c := a.DueDate.Compare(b.DueDate); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out
}

func (q *memoryQueries) GetPayment(_ context.Context, id uuid.UUID) (*domain.Payment, error) {
	p, ok := q.state.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	out := q.readPayment(p)
	return &out, nil
}

func (q *memoryQueries) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return q.GetPayment(ctx, id)
}

func (q *memoryQueries) ListPaymentsForUpdate(_ context.Context, ids []uuid.UUID) ([]domain.Payment, error) {
	out := make([]domain.Payment, 0, len(ids))
	for _, id := range lo.Uniq(ids) {
		if p, ok := q.state.payments[id]; ok {
			out = append(out, q.readPayment(p))
		}
	}
	slices.SortFunc(out, func(a, b domain.Payment) int { return bytes.Compare(a.ID[:], b.ID[:]) })
	return out, nil
}

func (q *memoryQueries) ListInvoicePayments(_ context.Context, invoiceID uuid.UUID) ([]domain.Payment, error) {
	return q.sortedPayments(func(p domain.Payment) bool {
		return p.InvoiceID != nil && *p.InvoiceID == invoiceID
	}), nil
}

func matchesFilter(p domain.Payment, f domain.PaymentFilter) bool {
	if len(f.SchoolIDs) > 0 && !lo.Contains(f.SchoolIDs, p.SchoolID) {
		return false
	}
	if f.StudentID != nil && p.StudentID != *f.StudentID {
		return false
	}
	if f.Month != nil && p.Month != *f.Month {
		return false
	}
	if f.Year != nil && p.Year != *f.Year {
		return false
	}
	return true
}

func (q *memoryQueries) ListUnlinkedBillablePayments(_ context.Context, filter domain.PaymentFilter) ([]domain.Payment, error) {
	return q.sortedPayments(func(p domain.Payment) bool {
		return p.InvoiceID == nil &&
			p.Type != domain.PaymentTypeAgreement &&
			p.Status.IsActive() &&
			matchesFilter(p, filter)
	}), nil
}

func (q *memoryQueries) ListStudentInvoicedPayments(_ context.Context, studentID uuid.UUID, filter domain.PaymentFilter) ([]domain.Payment, error) {
	filter.StudentID = &studentID
	return q.sortedPayments(func(p domain.Payment) bool {
		return p.InvoiceID != nil && matchesFilter(p, filter)
	}), nil
}

func (q *memoryQueries) gatewayIDTaken(p domain.Payment) bool {
	if p.GatewayExternalID == nil || p.Status == domain.PaymentStatusCancelled {
		return false
	}
	for id, other := range q.state.payments {
		if id == p.ID || other.GatewayExternalID == nil || other.Status == domain.PaymentStatusCancelled {
			continue
		}
		if *other.GatewayExternalID == *p.GatewayExternalID {
			return true
		}
	}
	return false
}

func (q *memoryQueries) CreatePayment(_ context.Context, p *domain.Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if q.gatewayIDTaken(*p) {
		return ErrDuplicateGatewayID
	}
	now := q.now()
	p.CreatedAt, p.UpdatedAt = now, now
	p.DueDate = domain.DateOnly(p.DueDate)
	stored := *p
	stored.Metadata = maps.Clone(p.Metadata)
	q.state.payments[p.ID] = stored
	return nil
}

func (q *memoryQueries) UpdatePayment(_ context.Context, p *domain.Payment) error {
	existing, ok := q.state.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	if q.gatewayIDTaken(*p) {
		return ErrDuplicateGatewayID
	}
	p.UpdatedAt = q.now()
	p.DueDate = domain.DateOnly(p.DueDate)
	stored := *p
	stored.Metadata = maps.Clone(p.Metadata)
	// Immutable columns keep their stored values.
	stored.SchoolID, stored.StudentID, stored.ContractID = existing.SchoolID, existing.StudentID, existing.ContractID
	stored.Type, stored.Month, stored.Year = existing.Type, existing.Month, existing.Year
	stored.CreatedAt = existing.CreatedAt
	q.state.payments[p.ID] = stored
	return nil
}

func (q *memoryQueries) LinkPayments(_ context.Context, invoiceID uuid.UUID, ids []uuid.UUID) (int64, error) {
	var linked int64
	for _, id := range lo.Uniq(ids) {
		p, ok := q.state.payments[id]
		if !ok || p.InvoiceID != nil {
			continue
		}
		inv := invoiceID
		p.InvoiceID = &inv
		p.UpdatedAt = q.now()
		q.state.payments[id] = p
		linked++
	}
	return linked, nil
}

func (q *memoryQueries) MarkInvoicePaymentsOverdue(_ context.Context, invoiceID uuid.UUID) (int64, error) {
	var marked int64
	for id, p := range q.state.payments {
		if p.InvoiceID == nil || *p.InvoiceID != invoiceID {
			continue
		}
		if p.Status != domain.PaymentStatusNotPaid && p.Status != domain.PaymentStatusPending {
			continue
		}
		p.Status = domain.PaymentStatusOverdue
		p.UpdatedAt = q.now()
		q.state.payments[id] = p
		marked++
	}
	return marked, nil
}

func (q *memoryQueries) GetInvoice(_ context.Context, id uuid.UUID) (*domain.Invoice, error) {
	inv, ok := q.state.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return &inv, nil
}

func (q *memoryQueries) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	return q.GetInvoice(ctx, id)
}

func (q *memoryQueries) FindOpenInvoiceForUpdate(_ context.Context, key domain.InvoiceKey) (*domain.Invoice, error) {
	var found *domain.Invoice
	for _, inv := range q.state.invoices {
		if inv.SchoolID != key.SchoolID || inv.StudentID != key.StudentID ||
			inv.ContractID != key.ContractID || inv.Type != key.Type {
			continue
		}
		if inv.Status != domain.InvoiceStatusOpen && inv.Status != domain.InvoiceStatusPending {
			continue
		}
		if key.Type == domain.InvoiceTypeMonthly && !inv.DueDate.Equal(key.DueDate) {
			continue
		}
		if found == nil || inv.CreatedAt.Before(found.CreatedAt) {
			candidate := inv
			found = &candidate
		}
	}
	if found == nil {
		return nil, ErrInvoiceNotFound
	}
	return found, nil
}

func (q *memoryQueries) CreateInvoice(_ context.Context, inv *domain.Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	now := q.now()
	inv.CreatedAt, inv.UpdatedAt = now, now
	inv.DueDate = domain.DateOnly(inv.DueDate)
	q.state.invoices[inv.ID] = *inv
	return nil
}

func (q *memoryQueries) UpdateInvoice(_ context.Context, inv *domain.Invoice) error {
	existing, ok := q.state.invoices[inv.ID]
	if !ok {
		return ErrInvoiceNotFound
	}
	inv.UpdatedAt = q.now()
	inv.CreatedAt = existing.CreatedAt
	inv.DueDate = domain.DateOnly(inv.DueDate)
	q.state.invoices[inv.ID] = *inv
	return nil
}

func (q *memoryQueries) ListInvoicesDueBefore(_ context.Context, statuses []domain.InvoiceStatus, before time.Time) ([]domain.Invoice, error) {
	cutoff := domain.DateOnly(before)
	out := lo.Filter(lo.Values(q.state.invoices), func(inv domain.Invoice, _ int) bool {
		return lo.Contains(statuses, inv.Status) && inv.DueDate.Before(cutoff)
	})
	slices.SortFunc(out, func(a, b domain.Invoice) int {
		if c := a.DueDate.Compare(b.DueDate); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

func (q *memoryQueries) SumActivePayments(ctx context.Context, invoiceID uuid.UUID) (int64, error) {
	payments, _ := q.ListInvoicePayments(ctx, invoiceID)
	return domain.SumActive(payments), nil
}

func (q *memoryQueries) InsertWebhookEvent(_ context.Context, e *domain.WebhookEvent) (bool, error) {
	for _, existing := range q.state.events {
		if existing.SchoolID == e.SchoolID && existing.IdempotencyKey == e.IdempotencyKey {
			*e = existing
			return false, nil
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = domain.WebhookEventPending
	}
	now := q.now()
	e.CreatedAt, e.UpdatedAt = now, now
	stored := *e
	stored.Payload = bytes.Clone(e.Payload)
	q.state.events[e.ID] = stored
	return true, nil
}

func (q *memoryQueries) GetWebhookEvent(_ context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	e, ok := q.state.events[id]
	if !ok {
		return nil, ErrWebhookEventNotFound
	}
	return &e, nil
}

func (q *memoryQueries) GetWebhookEventForUpdate(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	return q.GetWebhookEvent(ctx, id)
}

func (q *memoryQueries) MarkWebhookEventProcessing(_ context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	e, ok := q.state.events[id]
	if !ok {
		return nil, ErrWebhookEventNotFound
	}
	if !e.IsCompleted() {
		e.Status = domain.WebhookEventProcessing
		e.Attempts++
		e.UpdatedAt = q.now()
		q.state.events[id] = e
	}
	return &e, nil
}

func (q *memoryQueries) CompleteWebhookEvent(_ context.Context, id uuid.UUID, processedAt time.Time) error {
	e, ok := q.state.events[id]
	if !ok {
		return ErrWebhookEventNotFound
	}
	e.Status = domain.WebhookEventCompleted
	e.ProcessedAt = &processedAt
	e.LastError = nil
	e.UpdatedAt = q.now()
	q.state.events[id] = e
	return nil
}

func (q *memoryQueries) FailWebhookEvent(_ context.Context, id uuid.UUID, lastError string) error {
	e, ok := q.state.events[id]
	if !ok || e.IsCompleted() {
		return nil
	}
	e.Status = domain.WebhookEventFailed
	e.LastError = &lastError
	e.UpdatedAt = q.now()
	q.state.events[id] = e
	return nil
}

func (q *memoryQueries) ListStaleWebhookEvents(_ context.Context, olderThan time.Time, maxAttempts int, limit int) ([]domain.WebhookEvent, error) {
	out := lo.Filter(lo.Values(q.state.events), func(e domain.WebhookEvent, _ int) bool {
		return !e.IsCompleted() && e.UpdatedAt.Before(olderThan) && e.Attempts < maxAttempts
	})
	slices.SortFunc(out, func(a, b domain.WebhookEvent) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *memoryQueries) CreateAgreement(_ context.Context, a *domain.Agreement) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = q.now()
	q.state.agreements[a.ID] = *a
	return nil
}

func (q *memoryQueries) GetSchoolSettings(_ context.Context, schoolID uuid.UUID) (*domain.SchoolBillingSettings, error) {
	s, ok := q.state.settings[schoolID]
	if !ok {
		return nil, ErrSettingsNotFound
	}
	return &s, nil
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Store   = (*PostgresStore)(nil)
	_ Queries = (*memoryQueries)(nil)
)
