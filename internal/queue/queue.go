/**
 * @description
 * Job Queue primitives: job descriptors, the job envelope, and the error
 * taxonomy that decides between retry and dead-letter. Transports (AMQP and
 * in-memory) share the same Registry.Dispatch policy.
 *
 * @notes
 * - Delivery is at-least-once; handlers must be idempotent or lock-protected.
 * - The audit actor travels inside the job envelope rather than in ambient state.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/escolar/billing-service/internal/domain"
	"github.com/google/uuid"
)

// Job names registered by the billing-service.
const (
	JobWebhookProcess   = "webhook.process"
	JobPaymentReconcile = "payment.reconcile"
	JobInvoiceNFSe      = "invoice.nfse"
)

// Defaults applied to descriptors that leave the policy fields empty.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 5 * time.Minute
	DefaultTimeout     = 60 * time.Second
)

// Handler executes one job. Return Fatal(err) for errors that must not be retried.
type Handler func(ctx context.Context, job Job) error

// Descriptor declares a job kind and its retry policy.
type Descriptor struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
	Handler     Handler
}

// Job is the envelope carried by every transport.
type Job struct {
	ID         uuid.UUID       `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	Actor      domain.Actor    `json:"actor"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Fatal(err)
	}
	return nil
}

// Option customizes a job at enqueue time.
type Option func(*Job)

// WithActor records who caused the job.
func WithActor(actor domain.Actor) Option {
	return func(j *Job) { j.Actor = actor }
}

// Enqueuer accepts jobs for asynchronous execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts ...Option) error
}

// NewJob builds the envelope for a first attempt.
func NewJob(name string, payload any, opts ...Option) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}
	job := Job{
		ID:         uuid.New(),
		Name:       name,
		Payload:    raw,
		Attempt:    1,
		Actor:      domain.SystemActor,
		EnqueuedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&job)
	}
	return job, nil
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as non-retryable. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err, or anything it wraps, was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Payloads of the registered jobs.
type (
	WebhookProcessPayload struct {
		WebhookEventID uuid.UUID `json:"webhook_event_id"`
	}
	PaymentReconcilePayload struct {
		PaymentID uuid.UUID `json:"payment_id"`
	}
	InvoiceNFSePayload struct {
		InvoiceID uuid.UUID `json:"invoice_id"`
	}
)
