package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/escolar/billing-service/pkg/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPTopology names the exchanges and queues used by AMQPQueue.
type AMQPTopology struct {
	Exchange      string // topic exchange jobs are published to, routed by job name
	WorkQueue     string
	RetryExchange string
	RetryQueue    string // per-message TTL, dead-letters back into Exchange
	DeadQueue     string
	DeadMaxLength int
}

// DefaultTopology is the topology used in production.
func DefaultTopology() AMQPTopology {
	return AMQPTopology{
		Exchange:      "billing.jobs",
		WorkQueue:     "billing.jobs.work",
		RetryExchange: "billing.jobs.retry",
		RetryQueue:    "billing.jobs.retry",
		DeadQueue:     "billing.jobs.dead",
		DeadMaxLength: 10000,
	}
}

type topologyDeclarer interface {
	DeclareExchange(name, kind string) error
	DeclareQueue(name string, args amqp.Table, exchange string, routingKeys ...string) error
	ConsumeWithBindings(exchange, queueName string, bindings map[string]rabbitmq.DeliveryHandler) error
}

// AMQPQueue carries jobs over RabbitMQ. Retries are delayed by publishing to a
// TTL queue whose expired messages flow back into the jobs exchange.
// RabbitMQ only expires messages at the head of a queue, so a long delay
// holds back shorter ones published after it.
type AMQPQueue struct {
	registry  *Registry
	publisher rabbitmq.Publisher
	consumer  topologyDeclarer
	topology  AMQPTopology
	logger    *slog.Logger
	ctx       context.Context
}

func NewAMQPQueue(registry *Registry, publisher rabbitmq.Publisher, consumer topologyDeclarer, topology AMQPTopology, logger *slog.Logger) *AMQPQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPQueue{
		registry:  registry,
		publisher: publisher,
		consumer:  consumer,
		topology:  topology,
		logger:    logger,
		ctx:       context.Background(),
	}
}

// Start declares the retry and dead-letter topology and begins consuming
// every registered job name. ctx is the parent context of handler executions.
func (q *AMQPQueue) Start(ctx context.Context) error {
	q.ctx = ctx
	t := q.topology

	if err := q.consumer.DeclareExchange(t.Exchange, "topic"); err != nil {
		return fmt.Errorf("declare jobs exchange: %w", err)
	}
	if err := q.consumer.DeclareExchange(t.RetryExchange, "topic"); err != nil {
		return fmt.Errorf("declare retry exchange: %w", err)
	}
	retryArgs := amqp.Table{"x-dead-letter-exchange": t.Exchange}
	if err := q.consumer.DeclareQueue(t.RetryQueue, retryArgs, t.RetryExchange, "#"); err != nil {
		return fmt.Errorf("declare retry queue: %w", err)
	}
	deadArgs := amqp.Table{}
	if t.DeadMaxLength > 0 {
		deadArgs["x-max-length"] = int64(t.DeadMaxLength)
	}
	if err := q.consumer.DeclareQueue(t.DeadQueue, deadArgs, ""); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}

	bindings := make(map[string]rabbitmq.DeliveryHandler)
	for _, name := range q.registry.Names() {
		bindings[name] = q.handle
	}
	if err := q.consumer.ConsumeWithBindings(t.Exchange, t.WorkQueue, bindings); err != nil {
		return fmt.Errorf("consume %s: %w", t.WorkQueue, err)
	}
	q.logger.Info("job consumer started", "queue", t.WorkQueue, "jobs", q.registry.Names())
	return nil
}

// Enqueue publishes a first attempt of the job.
func (q *AMQPQueue) Enqueue(ctx context.Context, name string, payload any, opts ...Option) error {
	job, err := NewJob(name, payload, opts...)
	if err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.publisher.PublishRaw(ctx, q.topology.Exchange, name, body, rabbitmq.PublishOptions{MessageID: job.ID.String()})
}

// handle returns false only when the follow-up publish failed, so the broker redelivers.
func (q *AMQPQueue) handle(d amqp.Delivery) bool {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		q.logger.Error("undecodable job message", "routing_key", d.RoutingKey, "error", err)
		raw, _ := json.Marshal(string(d.Body))
		return q.publishDead(Job{Name: d.RoutingKey, Payload: raw}, fmt.Errorf("decode job: %w", err))
	}
	if job.Name == "" {
		job.Name = d.RoutingKey
	}

	outcome := q.registry.Dispatch(q.ctx, job)
	switch outcome.Action {
	case ActionRetry:
		next := job
		next.Attempt++
		body, err := json.Marshal(next)
		if err != nil {
			return q.publishDead(job, err)
		}
		if err := q.publisher.PublishRaw(q.ctx, q.topology.RetryExchange, job.Name, body, rabbitmq.PublishOptions{
			MessageID:  job.ID.String(),
			Expiration: outcome.Delay,
		}); err != nil {
			q.logger.Error("retry publish failed", "job", job.Name, "job_id", job.ID, "error", err)
			return false
		}
		return true
	case ActionDeadLetter:
		return q.publishDead(job, outcome.Err)
	default:
		return true
	}
}

func (q *AMQPQueue) publishDead(job Job, cause error) bool {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	body, err := json.Marshal(DeadLetter{Job: job, Reason: reason, At: time.Now().UTC()})
	if err != nil {
		q.logger.Error("dead letter encode failed", "job", job.Name, "error", err)
		return true
	}
	if err := q.publisher.PublishRaw(q.ctx, "", q.topology.DeadQueue, body, rabbitmq.PublishOptions{
		MessageID: job.ID.String(),
		Headers:   amqp.Table{"x-job-name": job.Name},
	}); err != nil {
		q.logger.Error("dead letter publish failed", "job", job.Name, "job_id", job.ID, "error", err)
		return false
	}
	return true
}
