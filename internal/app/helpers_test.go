package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/escolar/billing-service/internal/lock"
	"github.com/escolar/billing-service/internal/queue"
	"github.com/escolar/billing-service/internal/store"
	"github.com/google/uuid"
)

var testNow = time.Date(2025, time.March, 20, 12, 0, 0, 0, time.UTC)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (r *recordingQueue) Enqueue(_ context.Context, name string, payload any, opts ...queue.Option) error {
	if r.err != nil {
		return r.err
	}
	job, err := queue.NewJob(name, payload, opts...)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingQueue) named(name string) []queue.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []queue.Job
	for _, j := range r.jobs {
		if j.Name == name {
			out = append(out, j)
		}
	}
	return out
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, exchange, routingKey string, body interface{}) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

type gatewayStub struct {
	cancelled []string
	err       error
}

func (g *gatewayStub) CancelCharge(_ context.Context, chargeID string) error {
	if g.err != nil {
		return g.err
	}
	g.cancelled = append(g.cancelled, chargeID)
	return nil
}

type harness struct {
	svc       *Service
	store     *store.MemoryStore
	locker    *lock.MemoryLocker
	queue     *recordingQueue
	publisher *recordingPublisher
	gateway   *gatewayStub
	schoolID  uuid.UUID
	studentID uuid.UUID
	contract  uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewMemoryStore(),
		locker:    lock.NewMemoryLocker(nil),
		queue:     &recordingQueue{},
		publisher: &recordingPublisher{},
		gateway:   &gatewayStub{},
		schoolID:  uuid.New(),
		studentID: uuid.New(),
		contract:  uuid.New(),
	}
	h.store.Now = func() time.Time { return testNow }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.svc = NewService(h.store, h.locker, h.queue, h.publisher, h.gateway, nil, logger, Options{
		WebhookToken:              "global-token",
		DefaultFinePercent:        2,
		DefaultMonthlyInterestPct: 1,
		GeneratorConcurrency:      2,
	})
	h.svc.now = func() time.Time { return testNow }
	return h
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// seedPayment stores a NOT_PAID tuition payment of amount due on dueDate.
func (h *harness) seedPayment(t *testing.T, amount int64, dueDate time.Time, mutate ...func(*domain.Payment)) domain.Payment {
	t.Helper()
	p := domain.Payment{
		ID:          uuid.New(),
		SchoolID:    h.schoolID,
		StudentID:   h.studentID,
		ContractID:  h.contract,
		Type:        domain.PaymentTypeTuition,
		Status:      domain.PaymentStatusNotPaid,
		Amount:      amount,
		TotalAmount: amount,
		DueDate:     dueDate,
		Month:       int(dueDate.Month()),
		Year:        dueDate.Year(),
	}
	for _, m := range mutate {
		m(&p)
	}
	if err := h.store.CreatePayment(context.Background(), &p); err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return p
}

// seedInvoice stores an invoice holding the given payments with a consistent total.
func (h *harness) seedInvoice(t *testing.T, status domain.InvoiceStatus, dueDate time.Time, payments ...domain.Payment) domain.Invoice {
	t.Helper()
	ctx := context.Background()
	inv := domain.Invoice{
		ID:          uuid.New(),
		SchoolID:    h.schoolID,
		StudentID:   h.studentID,
		ContractID:  h.contract,
		Type:        domain.InvoiceTypeMonthly,
		DueDate:     dueDate,
		Status:      status,
		TotalAmount: domain.SumActive(payments),
	}
	err := h.store.InTx(ctx, func(q store.Queries) error {
		if err := q.CreateInvoice(ctx, &inv); err != nil {
			return err
		}
		ids := make([]uuid.UUID, 0, len(payments))
		for _, p := range payments {
			ids = append(ids, p.ID)
		}
		_, err := q.LinkPayments(ctx, inv.ID, ids)
		return err
	})
	if err != nil {
		t.Fatalf("seed invoice: %v", err)
	}
	return inv
}

func (h *harness) payment(t *testing.T, id uuid.UUID) *domain.Payment {
	t.Helper()
	p, err := h.store.GetPayment(context.Background(), id)
	if err != nil {
		t.Fatalf("load payment: %v", err)
	}
	return p
}

func (h *harness) invoice(t *testing.T, id uuid.UUID) *domain.Invoice {
	t.Helper()
	inv, err := h.store.GetInvoice(context.Background(), id)
	if err != nil {
		t.Fatalf("load invoice: %v", err)
	}
	return inv
}

func (h *harness) setPaymentStatus(t *testing.T, id uuid.UUID, status domain.PaymentStatus, paidAt *time.Time) {
	t.Helper()
	p := h.payment(t, id)
	p.Status = status
	p.PaidAt = paidAt
	if err := h.store.UpdatePayment(context.Background(), p); err != nil {
		t.Fatalf("update payment: %v", err)
	}
}

var operator = domain.Actor{Type: domain.ActorOperator, ID: "ops@school"}
