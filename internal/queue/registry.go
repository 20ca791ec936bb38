package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/escolar/billing-service/internal/metrics"
)

// Action is what a transport must do with a delivery after dispatch.
type Action int

const (
	ActionAck Action = iota
	ActionRetry
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Outcome is the transport-agnostic result of running a job once.
type Outcome struct {
	Action Action
	// Delay is set for ActionRetry.
	Delay time.Duration
	Err   error
}

// ErrUnknownJob is returned when no descriptor is registered for a job name.
var ErrUnknownJob = errors.New("unknown job")

// Registry maps job names to descriptors and applies the retry policy.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		descriptors: make(map[string]Descriptor),
		logger:      logger,
		metrics:     m,
	}
}

// Register adds a descriptor, filling in default policy values.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return errors.New("descriptor name is required")
	}
	if d.Handler == nil {
		return fmt.Errorf("descriptor %s has no handler", d.Name)
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	if d.BaseDelay <= 0 {
		d.BaseDelay = DefaultBaseDelay
	}
	if d.MaxDelay <= 0 {
		d.MaxDelay = DefaultMaxDelay
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[d.Name]; exists {
		return fmt.Errorf("descriptor %s already registered", d.Name)
	}
	r.descriptors[d.Name] = d
	return nil
}

// Descriptor returns the registered descriptor for name.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// Names lists registered job names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Backoff returns the delay before the retry that follows the given attempt:
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func Backoff(d Descriptor, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := d.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.MaxDelay || delay <= 0 {
			return d.MaxDelay
		}
	}
	if delay > d.MaxDelay {
		return d.MaxDelay
	}
	return delay
}

// Dispatch runs the job's handler once and decides what happens next.
func (r *Registry) Dispatch(ctx context.Context, job Job) (outcome Outcome) {
	d, ok := r.Descriptor(job.Name)
	if !ok {
		outcome = Outcome{Action: ActionDeadLetter, Err: fmt.Errorf("%w: %s", ErrUnknownJob, job.Name)}
		r.logger.Error("job dead-lettered", "job", job.Name, "job_id", job.ID, "error", outcome.Err)
		r.metrics.ObserveJob(job.Name, outcome.Action.String(), 0)
		return outcome
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}

	start := time.Now()
	err := r.run(ctx, d, job)
	defer func() { r.metrics.ObserveJob(job.Name, outcome.Action.String(), time.Since(start)) }()

	logger := r.logger.With("job", job.Name, "job_id", job.ID, "attempt", job.Attempt, "actor", job.Actor.String())
	switch {
	case err == nil:
		return Outcome{Action: ActionAck}
	case IsFatal(err):
		logger.Error("job failed permanently; dead-lettering", "error", err)
		return Outcome{Action: ActionDeadLetter, Err: err}
	case job.Attempt >= d.MaxAttempts:
		logger.Error("job exhausted retries; dead-lettering", "max_attempts", d.MaxAttempts, "error", err)
		return Outcome{Action: ActionDeadLetter, Err: err}
	default:
		delay := Backoff(d, job.Attempt)
		logger.Warn("job failed; scheduling retry", "delay", delay.String(), "error", err)
		return Outcome{Action: ActionRetry, Delay: delay, Err: err}
	}
}

func (r *Registry) run(ctx context.Context, d Descriptor, job Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, rec)
		}
	}()
	return d.Handler(ctx, job)
}

// DeadLetter is a job that will not be attempted again.
type DeadLetter struct {
	Job    Job       `json:"job"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
