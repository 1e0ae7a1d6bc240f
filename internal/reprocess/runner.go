// Package reprocess puts failed message records back on the delivery queue.
package reprocess

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeventeLantos/group-messaging/internal/metrics"
	"github.com/LeventeLantos/group-messaging/internal/model"
	"github.com/LeventeLantos/group-messaging/internal/queue"
	"github.com/LeventeLantos/group-messaging/internal/repo"
	"github.com/LeventeLantos/group-messaging/internal/service"
	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var ErrBusy = errors.New("an on-demand reprocess is already running")

type FailedLister interface {
	ListFailed(ctx context.Context, f repo.FailedFilter) ([]model.Message, error)
}

type Enqueuer interface {
	Push(ctx context.Context, job model.DeliveryJob, end queue.End) error
}

type Options struct {
	Spec             string
	RecentWindow     time.Duration
	PeriodicLimit    int
	StartupLimit     int
	StartupSignature string
	OnDemandLimit    int
	OnDemandPace     time.Duration
}

// Filter narrows an on-demand run. Zero values fall back to the defaults.
type Filter struct {
	ErrorContains string
	Lookback      time.Duration
	Limit         int
	Pace          *time.Duration
}

type Result struct {
	Found    int `json:"found"`
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"`
}

type Runner struct {
	store FailedLister
	queue Enqueuer
	opts  Options
	log   *logrus.Entry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	cron     *cron.Cron
	mu       sync.Mutex
	onDemand atomic.Bool
	wg       sync.WaitGroup
}

func NewRunner(store FailedLister, q Enqueuer, opts Options) *Runner {
	return &Runner{
		store: store,
		queue: q,
		opts:  opts,
		log:   logrus.WithField("component", "reprocess"),
		now:   func() time.Time { return time.Now().UTC() },
		sleep: service.Sleep,
	}
}

// Start schedules the periodic run on the cron spec.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}

	logger := cron.PrintfLogger(r.log)
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(r.opts.Spec, func() {
		if _, err := r.Periodic(ctx); err != nil {
			r.log.WithError(err).Error("periodic reprocess")
		}
	}); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	r.log.WithField("spec", r.opts.Spec).Info("periodic reprocess scheduled")
	return nil
}

// Stop halts the cron and waits for running jobs, including background
// on-demand runs.
func (r *Runner) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	r.wg.Wait()
}

// Periodic re-enqueues records that failed within the recent window.
func (r *Runner) Periodic(ctx context.Context) (Result, error) {
	return r.run(ctx, "reprocess_periodic", repo.FailedFilter{
		Since: r.now().Add(-r.opts.RecentWindow),
		Limit: r.opts.PeriodicLimit,
	}, 0)
}

// Startup re-enqueues records that failed with the transient signature.
func (r *Runner) Startup(ctx context.Context) (Result, error) {
	return r.run(ctx, "reprocess_startup", repo.FailedFilter{
		ErrorContains: r.opts.StartupSignature,
		Limit:         r.opts.StartupLimit,
	}, 0)
}

// OnDemand runs an administrative reprocess synchronously.
func (r *Runner) OnDemand(ctx context.Context, f Filter) (Result, error) {
	if !r.onDemand.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer r.onDemand.Store(false)

	ff, pace := r.resolve(f)
	return r.run(ctx, "reprocess_on_demand", ff, pace)
}

// StartOnDemand lists matching records, then enqueues them in the
// background at the configured pace. It returns the number found. ctx also
// bounds the background enqueue, so callers pass a long-lived context.
func (r *Runner) StartOnDemand(ctx context.Context, f Filter) (int, error) {
	if !r.onDemand.CompareAndSwap(false, true) {
		return 0, ErrBusy
	}

	ff, pace := r.resolve(f)
	msgs, err := r.store.ListFailed(ctx, ff)
	if err != nil {
		r.onDemand.Store(false)
		return 0, err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.onDemand.Store(false)
		res := r.enqueue(ctx, "reprocess_on_demand", msgs, pace)
		r.log.WithFields(logrus.Fields{
			"found": res.Found, "enqueued": res.Enqueued, "skipped": res.Skipped,
		}).Info("on-demand reprocess finished")
	}()
	return len(msgs), nil
}

// Running reports whether an on-demand run is in progress.
func (r *Runner) Running() bool { return r.onDemand.Load() }

func (r *Runner) resolve(f Filter) (repo.FailedFilter, time.Duration) {
	ff := repo.FailedFilter{ErrorContains: f.ErrorContains, Limit: f.Limit}
	if ff.Limit <= 0 {
		ff.Limit = r.opts.OnDemandLimit
	}
	if f.Lookback > 0 {
		ff.Since = r.now().Add(-f.Lookback)
	}
	pace := r.opts.OnDemandPace
	if f.Pace != nil {
		pace = *f.Pace
	}
	return ff, pace
}

func (r *Runner) run(ctx context.Context, reason string, ff repo.FailedFilter, pace time.Duration) (Result, error) {
	msgs, err := r.store.ListFailed(ctx, ff)
	if err != nil {
		return Result{}, err
	}
	res := r.enqueue(ctx, reason, msgs, pace)
	r.log.WithFields(logrus.Fields{
		"trigger": reason, "found": res.Found, "enqueued": res.Enqueued, "skipped": res.Skipped,
	}).Info("reprocess finished")
	return res, nil
}

func (r *Runner) enqueue(ctx context.Context, reason string, msgs []model.Message, pace time.Duration) Result {
	res := Result{Found: len(msgs)}
	for i, m := range msgs {
		job, ok := model.JobFromMessage(m)
		if !ok {
			r.log.WithField("record_id", m.ID).Warn("record has no media reference; skipped")
			res.Skipped++
			continue
		}

		push := func() error { return r.queue.Push(ctx, job, queue.Back) }
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		if err := backoff.Retry(push, policy); err != nil {
			r.log.WithError(err).WithField("record_id", m.ID).Error("re-enqueue failed")
			res.Skipped++
			continue
		}
		res.Enqueued++
		metrics.Requeued.WithLabelValues(reason).Inc()

		if pace > 0 && i < len(msgs)-1 {
			if err := r.sleep(ctx, pace); err != nil {
				break
			}
		}
	}
	return res
}
