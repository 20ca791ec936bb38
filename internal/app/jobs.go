/**
 * @description
 * Scheduled batch jobs. Each job runs one billing batch with the schedule
 * actor and logs its summary; failures are logged and never stop the cron.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/escolar/billing-service/internal/domain"
)

// Batches is the part of the Service the scheduled jobs drive.
type Batches interface {
	Today() time.Time
	GenerateInvoices(ctx context.Context, actor domain.Actor, params GenerateParams) (*GenerationResult, error)
	SweepOverdue(ctx context.Context, actor domain.Actor, today time.Time) (*SweepResult, error)
	ApplyInterest(ctx context.Context, actor domain.Actor, today time.Time) (*InterestResult, error)
	RequeueStaleWebhookEvents(ctx context.Context, actor domain.Actor) (int, error)
}

var _ Batches = (*Service)(nil)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	batches Batches
	logger  *slog.Logger
	timeout time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(batches Batches, logger *slog.Logger) *Jobs {
	return &Jobs{batches: batches, logger: logger, timeout: 30 * time.Minute}
}

func (j *Jobs) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), j.timeout)
}

func scheduleActor(job string) domain.Actor {
	return domain.Actor{Type: domain.ActorSchedule, ID: job}
}

// GenerateMonthlyInvoices invoices the current month's unlinked payments.
func (j *Jobs) GenerateMonthlyInvoices() {
	j.logger.Info("starting invoice generation job")
	ctx, cancel := j.context()
	defer cancel()

	today := j.batches.Today()
	result, err := j.batches.GenerateInvoices(ctx, scheduleActor("invoice-generation"), GenerateParams{
		Month: int(today.Month()),
		Year:  today.Year(),
	})
	if err != nil {
		j.logger.Error("failed to generate invoices", "error", err)
		return
	}

	j.logger.Info("invoice generation job finished",
		"invoices_created", result.InvoicesCreated,
		"invoices_reconciled", result.InvoicesReconciled,
		"errors", len(result.Errors))
}

// SweepOverdueInvoices marks invoices past their due date as overdue.
func (j *Jobs) SweepOverdueInvoices() {
	j.logger.Info("starting overdue sweep job")
	ctx, cancel := j.context()
	defer cancel()

	result, err := j.batches.SweepOverdue(ctx, scheduleActor("overdue-sweep"), j.batches.Today())
	if err != nil {
		j.logger.Error("failed to sweep overdue invoices", "error", err)
		return
	}

	j.logger.Info("overdue sweep job finished", "marked", result.Marked, "failed", result.Failed)
}

// ApplyLateInterest prices fines and interest into overdue invoices.
func (j *Jobs) ApplyLateInterest() {
	j.logger.Info("starting interest job")
	ctx, cancel := j.context()
	defer cancel()

	result, err := j.batches.ApplyInterest(ctx, scheduleActor("interest"), j.batches.Today())
	if err != nil {
		j.logger.Error("failed to apply interest", "error", err)
		return
	}

	j.logger.Info("interest job finished", "updated", result.Updated, "charges_cancelled", result.ChargesCancelled, "failed", result.Failed)
}

// RequeueStaleWebhooks re-enqueues webhook events stuck before completion.
func (j *Jobs) RequeueStaleWebhooks() {
	ctx, cancel := j.context()
	defer cancel()

	if _, err := j.batches.RequeueStaleWebhookEvents(ctx, scheduleActor("webhook-requeue")); err != nil {
		j.logger.Error("failed to requeue stale webhook events", "error", err)
	}
}
