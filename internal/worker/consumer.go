package worker

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/group-messaging/internal/metrics"
	"github.com/LeventeLantos/group-messaging/internal/model"
	"github.com/LeventeLantos/group-messaging/internal/queue"
	"github.com/LeventeLantos/group-messaging/internal/service"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

type JobQueue interface {
	Push(ctx context.Context, job model.DeliveryJob, end queue.End) error
	Pop(ctx context.Context) (model.DeliveryJob, bool, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Readiness interface {
	IsReady() bool
}

type Delivery interface {
	Deliver(ctx context.Context, path string, job model.DeliveryJob) service.Outcome
}

type Options struct {
	EmptyPoll     time.Duration
	NotReadySleep time.Duration
	StoreRetry    time.Duration
	ErrorSleep    time.Duration
	MessageDelay  time.Duration
}

type Step int

const (
	StepIdle Step = iota
	StepRequeued
	StepDelivered
	StepDropped
	StepError
)

// Consumer drains the queue one job at a time.
type Consumer struct {
	queue     JobQueue
	store     Pinger
	conn      Readiness
	deliverer Delivery
	opts      Options
	log       *logrus.Entry

	sleep func(ctx context.Context, d time.Duration) error
}

func NewConsumer(q JobQueue, store Pinger, conn Readiness, deliverer Delivery, opts Options) *Consumer {
	return &Consumer{
		queue:     q,
		store:     store,
		conn:      conn,
		deliverer: deliverer,
		opts:      opts,
		log:       logrus.WithField("component", "consumer"),
		sleep:     service.Sleep,
	}
}

// Run loops until ctx is canceled. Failures never end the loop.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consumer started")
	for ctx.Err() == nil {
		c.Step(ctx)
	}
	c.log.Info("consumer stopped")
	return nil
}

// Step runs one iteration including its trailing sleep.
func (c *Consumer) Step(ctx context.Context) (step Step) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("consumer iteration panic recovered")
			_ = c.sleep(ctx, c.opts.ErrorSleep)
			step = StepError
		}
	}()

	if err := c.waitForStore(ctx); err != nil {
		return StepError
	}

	job, ok, err := c.queue.Pop(ctx)
	switch {
	case errors.Is(err, queue.ErrUndecodable):
		c.log.WithError(err).Error("dropping undecodable queue entry")
		return StepDropped
	case err != nil:
		c.log.WithError(err).Warn("queue unavailable")
		_ = c.sleep(ctx, c.opts.StoreRetry)
		return StepError
	case !ok:
		_ = c.sleep(ctx, c.opts.EmptyPoll)
		return StepIdle
	}

	log := c.log.WithFields(logrus.Fields{"record_id": job.RecordID, "attempt_id": job.AttemptID, "group_id": job.GroupID})

	if !c.conn.IsReady() {
		if err := c.requeueFront(ctx, job); err != nil {
			log.WithError(err).Error("could not return job to the queue")
			return StepError
		}
		metrics.Requeued.WithLabelValues("not_ready").Inc()
		log.Info("connection not ready; job returned to the front")
		_ = c.sleep(ctx, c.opts.NotReadySleep)
		return StepRequeued
	}

	out := c.deliverer.Deliver(ctx, "consumer", job)
	log.WithField("outcome", out.String()).Debug("job processed")

	_ = c.sleep(ctx, c.opts.MessageDelay)
	if out == service.OutcomeMalformed {
		return StepDropped
	}
	return StepDelivered
}

// waitForStore blocks until the record store answers, retrying at a fixed
// interval.
func (c *Consumer) waitForStore(ctx context.Context) error {
	op := func() error { return c.store.Ping(ctx) }
	notify := func(err error, next time.Duration) {
		c.log.WithError(err).WithField("retry_in", next.String()).Warn("record store unavailable")
	}
	return backoff.RetryNotify(op, c.retryPolicy(ctx), notify)
}

// requeueFront keeps retrying until the job is back on the queue.
func (c *Consumer) requeueFront(ctx context.Context, job model.DeliveryJob) error {
	op := func() error { return c.queue.Push(ctx, job, queue.Front) }
	notify := func(err error, next time.Duration) {
		c.log.WithError(err).WithField("retry_in", next.String()).Warn("requeue failed")
	}
	return backoff.RetryNotify(op, c.retryPolicy(ctx), notify)
}

func (c *Consumer) retryPolicy(ctx context.Context) backoff.BackOffContext {
	return backoff.WithContext(backoff.NewConstantBackOff(c.opts.StoreRetry), ctx)
}
