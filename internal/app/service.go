/**
 * @description
 * Core billing logic: invoice generation, payment reconciliation, gateway
 * webhook processing, overdue and interest batches, agreements and the NFS-e
 * trigger. All of it runs through a single Service that owns the ledger
 * store, the lock service and the job queue.
 *
 * @notes
 * - Every multi-row mutation happens inside store.InTx.
 * - Cross-process exclusion uses named locks; row locks serialize the rest.
 * - The audit actor is passed explicitly to every mutating operation.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/escolar/billing-service/internal/config"
	"github.com/escolar/billing-service/internal/domain"
	"github.com/escolar/billing-service/internal/lock"
	"github.com/escolar/billing-service/internal/metrics"
	"github.com/escolar/billing-service/internal/queue"
	"github.com/escolar/billing-service/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	ErrInvariantViolation  = errors.New("invoice total does not match its active payments")
	ErrInvoiceCancelled    = errors.New("invoice is cancelled")
	ErrPaymentNotEditable  = errors.New("payment can no longer be changed")
	ErrPaymentNotEligible  = errors.New("payment cannot be renegotiated")
	ErrInvalidPeriod       = errors.New("month must be 1-12 and year must be set unless all months are requested")
	ErrInvalidUpdate       = errors.New("invalid payment update")
	ErrWebhookUnauthorized = errors.New("invalid webhook token")
)

// EventPublisher defines the interface for publishing domain events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// ChargeCanceller cancels a charge at the payment gateway.
type ChargeCanceller interface {
	CancelCharge(ctx context.Context, chargeID string) error
}

// Routing keys published on the events exchange.
const (
	EventNFSeRequested        = "invoice.nfse.requested"
	EventInvoiceChargeReissue = "invoice.charge.reissue"
)

// Options are the tunables the service reads from configuration.
type Options struct {
	EventsExchange            string
	LockTTL                   time.Duration
	Location                  *time.Location
	GeneratorConcurrency      int
	DefaultFinePercent        float64
	DefaultMonthlyInterestPct float64
	WebhookToken              string
	WebhookStaleAfter         time.Duration
	WebhookMaxAttempts        int
}

// OptionsFromConfig maps service configuration onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		EventsExchange:            cfg.EventsExchange,
		LockTTL:                   cfg.LockTTL(),
		Location:                  cfg.Location(),
		GeneratorConcurrency:      cfg.GeneratorConcurrency,
		DefaultFinePercent:        cfg.DefaultFinePercent,
		DefaultMonthlyInterestPct: cfg.DefaultMonthlyInterestPct,
		WebhookToken:              cfg.AsaasWebhookToken,
		WebhookStaleAfter:         time.Duration(cfg.WebhookStaleAfterMinutes) * time.Minute,
		WebhookMaxAttempts:        cfg.WebhookMaxAttempts,
	}
}

// Service provides the business logic for billing reconciliation.
type Service struct {
	store     store.Store
	locker    lock.Locker
	queue     queue.Enqueuer
	publisher EventPublisher
	gateway   ChargeCanceller
	metrics   *metrics.Metrics
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
	flight    singleflight.Group
}

// NewService creates a new billing service.
func NewService(st store.Store, locker lock.Locker, q queue.Enqueuer, publisher EventPublisher, gateway ChargeCanceller, m *metrics.Metrics, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = lock.DefaultTTL
	}
	if opts.GeneratorConcurrency <= 0 {
		opts.GeneratorConcurrency = 1
	}
	if opts.EventsExchange == "" {
		opts.EventsExchange = "billing.events"
	}
	if opts.WebhookStaleAfter <= 0 {
		opts.WebhookStaleAfter = 10 * time.Minute
	}
	if opts.WebhookMaxAttempts <= 0 {
		opts.WebhookMaxAttempts = queue.DefaultMaxAttempts
	}
	return &Service{
		store:     st,
		locker:    locker,
		queue:     q,
		publisher: publisher,
		gateway:   gateway,
		metrics:   m,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// Today returns the current calendar date in the business timezone.
func (s *Service) Today() time.Time {
	return domain.DateOnly(s.now().In(s.opts.Location))
}

func (s *Service) todayIn(loc *time.Location) time.Time {
	return domain.DateOnly(s.now().In(loc))
}

// settingsFor returns the school's billing settings, or service defaults when none are stored.
func (s *Service) settingsFor(ctx context.Context, q store.Queries, schoolID uuid.UUID) (*domain.SchoolBillingSettings, error) {
	settings, err := q.GetSchoolSettings(ctx, schoolID)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, store.ErrSettingsNotFound) {
		return nil, err
	}
	return &domain.SchoolBillingSettings{
		SchoolID:               schoolID,
		FinePercentage:         s.opts.DefaultFinePercent,
		MonthlyInterestPercent: s.opts.DefaultMonthlyInterestPct,
		Timezone:               s.opts.Location.String(),
	}, nil
}

// enqueue reports whether the job was accepted. Failures are logged and never
// undo work that has already been committed.
func (s *Service) enqueue(ctx context.Context, actor domain.Actor, name string, payload any) bool {
	if err := s.queue.Enqueue(ctx, name, payload, queue.WithActor(actor)); err != nil {
		s.logger.Error("failed to enqueue job", "job", name, "actor", actor.String(), "error", err)
		return false
	}
	return true
}

func (s *Service) enqueueReconcile(ctx context.Context, actor domain.Actor, paymentID uuid.UUID) bool {
	return s.enqueue(ctx, actor, queue.JobPaymentReconcile, queue.PaymentReconcilePayload{PaymentID: paymentID})
}

// ItemError reports the failure of one item in a batch.
type ItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func auditEntry(actor domain.Actor, at time.Time, extra map[string]any) map[string]any {
	entry := map[string]any{
		"actor": actor.String(),
		"at":    at.UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		entry[k] = v
	}
	return entry
}
