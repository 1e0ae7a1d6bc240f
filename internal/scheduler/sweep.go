package scheduler

import (
	"context"
	"time"

	"github.com/LeventeLantos/group-messaging/internal/metrics"
	"github.com/LeventeLantos/group-messaging/internal/model"
	"github.com/LeventeLantos/group-messaging/internal/service"
	"github.com/sirupsen/logrus"
)

type SweepStore interface {
	ListDueScheduled(ctx context.Context, now time.Time) ([]model.Message, error)
	Promote(ctx context.Context, id int64) (bool, error)
	ListPending(ctx context.Context, limit int) ([]model.Message, error)
}

type Readiness interface {
	IsReady() bool
}

type Delivery interface {
	Deliver(ctx context.Context, path string, job model.DeliveryJob) service.Outcome
}

type SweepResult struct {
	Promoted  int
	Attempted int
	Sent      int
}

// Sweep promotes due scheduled records and drains a batch of pending ones
// directly through the connection.
type Sweep struct {
	store     SweepStore
	conn      Readiness
	deliverer Delivery
	batch     int
	delay     time.Duration
	log       *logrus.Entry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSweep(store SweepStore, conn Readiness, deliverer Delivery, batch int, delay time.Duration) *Sweep {
	return &Sweep{
		store:     store,
		conn:      conn,
		deliverer: deliverer,
		batch:     batch,
		delay:     delay,
		log:       logrus.WithField("component", "sweep"),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     service.Sleep,
	}
}

// Tick is the scheduler callback.
func (s *Sweep) Tick(ctx context.Context) {
	res := s.Run(ctx)
	s.log.WithFields(logrus.Fields{
		"promoted":  res.Promoted,
		"attempted": res.Attempted,
		"sent":      res.Sent,
	}).Info("sweep finished")
}

func (s *Sweep) Run(ctx context.Context) SweepResult {
	var res SweepResult

	due, err := s.store.ListDueScheduled(ctx, s.now())
	if err != nil {
		s.log.WithError(err).Error("list due scheduled")
		return res
	}
	for _, m := range due {
		ok, err := s.store.Promote(ctx, m.ID)
		if err != nil {
			s.log.WithError(err).WithField("record_id", m.ID).Error("promote")
			continue
		}
		if ok {
			res.Promoted++
			metrics.Promoted.Inc()
		}
	}

	pending, err := s.store.ListPending(ctx, s.batch)
	if err != nil {
		s.log.WithError(err).Error("list pending")
		return res
	}

	for i, m := range pending {
		if ctx.Err() != nil {
			return res
		}
		if !s.conn.IsReady() {
			s.log.WithField("pending", len(pending)-i).Warn("connection not ready; skipping direct delivery")
			return res
		}

		job, ok := model.JobFromMessage(m)
		if !ok {
			job = model.TextJobFromMessage(m)
		}

		res.Attempted++
		if s.deliverer.Deliver(ctx, "sweep", job) == service.OutcomeSent {
			res.Sent++
		}

		if i < len(pending)-1 {
			if err := s.sleep(ctx, s.delay); err != nil {
				return res
			}
		}
	}
	return res
}
