package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/escolar/billing-service/internal/config"
	"github.com/escolar/billing-service/internal/domain"
)

type batchesStub struct {
	today        time.Time
	generateErr  error
	generated    *GenerateParams
	actors       []domain.Actor
	sweptOn      time.Time
	interestOn   time.Time
	requeueCalls int
}

func (s *batchesStub) Today() time.Time { return s.today }

func (s *batchesStub) GenerateInvoices(ctx context.Context, actor domain.Actor, params GenerateParams) (*GenerationResult, error) {
	s.actors = append(s.actors, actor)
	if s.generateErr != nil {
		return nil, s.generateErr
	}
	s.generated = &params
	return &GenerationResult{}, nil
}

func (s *batchesStub) SweepOverdue(ctx context.Context, actor domain.Actor, today time.Time) (*SweepResult, error) {
	s.actors = append(s.actors, actor)
	s.sweptOn = today
	return &SweepResult{}, nil
}

func (s *batchesStub) ApplyInterest(ctx context.Context, actor domain.Actor, today time.Time) (*InterestResult, error) {
	s.actors = append(s.actors, actor)
	s.interestOn = today
	return &InterestResult{}, nil
}

func (s *batchesStub) RequeueStaleWebhookEvents(ctx context.Context, actor domain.Actor) (int, error) {
	s.actors = append(s.actors, actor)
	s.requeueCalls++
	return 0, nil
}

func newTestJobs(batches Batches) *Jobs {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewJobs(batches, logger)
}

func TestGenerateMonthlyInvoices_UsesCurrentPeriod(t *testing.T) {
	stub := &batchesStub{today: date(2025, 11, 1)}
	jobs := newTestJobs(stub)

	jobs.GenerateMonthlyInvoices()

	if stub.generated == nil {
		t.Fatal("expected invoice generation to run")
	}
	if stub.generated.Month != 11 || stub.generated.Year != 2025 || stub.generated.AllMonths {
		t.Fatalf("unexpected params %+v", *stub.generated)
	}
	if stub.actors[0].Type != domain.ActorSchedule {
		t.Fatalf("expected schedule actor, got %s", stub.actors[0])
	}
}

func TestGenerateMonthlyInvoices_LogsFailure(t *testing.T) {
	stub := &batchesStub{today: date(2025, 11, 1), generateErr: errors.New("db down")}
	jobs := newTestJobs(stub)

	jobs.GenerateMonthlyInvoices()

	if stub.generated != nil {
		t.Fatal("expected no result on failure")
	}
}

func TestBatchJobsRunForToday(t *testing.T) {
	today := date(2025, 3, 20)
	stub := &batchesStub{today: today}
	jobs := newTestJobs(stub)

	jobs.SweepOverdueInvoices()
	jobs.ApplyLateInterest()
	jobs.RequeueStaleWebhooks()

	if !stub.sweptOn.Equal(today) || !stub.interestOn.Equal(today) {
		t.Fatalf("expected batches to run for %s, got sweep=%s interest=%s", today, stub.sweptOn, stub.interestOn)
	}
	if stub.requeueCalls != 1 {
		t.Fatalf("expected one requeue call, got %d", stub.requeueCalls)
	}
	for _, actor := range stub.actors {
		if actor.Type != domain.ActorSchedule || actor.ID == "" {
			t.Fatalf("unexpected actor %+v", actor)
		}
	}
}

func TestSchedulerSkipsInvalidSchedules(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{
		BusinessTimezone:             "UTC",
		InvoiceGenerationJobSchedule: "0 3 1 * *",
		OverdueJobSchedule:           "not a schedule",
		InterestJobSchedule:          "0 2 * * *",
		WebhookRequeueJobSchedule:    "*/5 * * * *",
	}
	scheduler := NewScheduler(newTestJobs(&batchesStub{}), logger, cfg)

	scheduled := scheduler.Start()
	<-scheduler.Stop().Done()

	if scheduled != 3 {
		t.Fatalf("expected 3 scheduled jobs, got %d", scheduled)
	}
}
