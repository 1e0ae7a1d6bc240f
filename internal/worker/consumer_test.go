package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeventeLantos/group-messaging/internal/model"
	"github.com/LeventeLantos/group-messaging/internal/queue"
	"github.com/LeventeLantos/group-messaging/internal/service"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyStore struct {
	failures atomic.Int32
	pings    atomic.Int32
}

func (s *flakyStore) Ping(context.Context) error {
	s.pings.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return errors.New("db down")
	}
	return nil
}

type switchReady struct{ ready atomic.Bool }

func (r *switchReady) IsReady() bool { return r.ready.Load() }

type recordingDelivery struct {
	jobs    []model.DeliveryJob
	outcome service.Outcome
}

func (d *recordingDelivery) Deliver(_ context.Context, _ string, job model.DeliveryJob) service.Outcome {
	d.jobs = append(d.jobs, job)
	return d.outcome
}

type harness struct {
	c      *Consumer
	q      *queue.RedisQueue
	mr     *miniredis.Miniredis
	store  *flakyStore
	ready  *switchReady
	d      *recordingDelivery
	sleeps []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		q:     queue.NewRedisQueue(rdb, "message_queue"),
		mr:    mr,
		store: &flakyStore{},
		ready: &switchReady{},
		d:     &recordingDelivery{},
	}
	h.ready.ready.Store(true)
	h.c = NewConsumer(h.q, h.store, h.ready, h.d, Options{
		EmptyPoll:     5 * time.Second,
		NotReadySleep: 10 * time.Second,
		StoreRetry:    time.Millisecond,
		ErrorSleep:    10 * time.Second,
		MessageDelay:  3 * time.Second,
	})
	h.c.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func job(group string) model.DeliveryJob {
	return model.DeliveryJob{RecordID: 1, UserID: 1, GroupID: group, FilePath: "/tmp/x.png", Column: model.ImageColumn}
}

func TestStep_EmptyQueueSleepsPollInterval(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, StepIdle, h.c.Step(context.Background()))
	assert.Equal(t, []time.Duration{5 * time.Second}, h.sleeps)
	assert.Empty(t, h.d.jobs)
}

func TestStep_DeliversAndAppliesMessageDelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.q.Push(ctx, job("A@g.us"), queue.Back))

	assert.Equal(t, StepDelivered, h.c.Step(ctx))
	require.Len(t, h.d.jobs, 1)
	assert.Equal(t, "A@g.us", h.d.jobs[0].GroupID)
	assert.Equal(t, []time.Duration{3 * time.Second}, h.sleeps)
}

func TestStep_NotReadyRequeuesAtFront(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ready.ready.Store(false)

	require.NoError(t, h.q.Push(ctx, job("first"), queue.Back))
	require.NoError(t, h.q.Push(ctx, job("second"), queue.Back))

	assert.Equal(t, StepRequeued, h.c.Step(ctx))
	assert.Empty(t, h.d.jobs)
	assert.Equal(t, []time.Duration{10 * time.Second}, h.sleeps)

	n, err := h.q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	next, ok, err := h.q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", next.GroupID)
}

func TestStep_WaitsForStoreBeforeDequeue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.failures.Store(3)
	require.NoError(t, h.q.Push(ctx, job("A@g.us"), queue.Back))

	assert.Equal(t, StepDelivered, h.c.Step(ctx))
	assert.Equal(t, int32(4), h.store.pings.Load())
	assert.Len(t, h.d.jobs, 1)
}

func TestStep_StoreDownAndCanceledLeavesJobQueued(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.store.failures.Store(1 << 20)
	require.NoError(t, h.q.Push(context.Background(), job("A@g.us"), queue.Back))

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	assert.Equal(t, StepError, h.c.Step(ctx))
	n, err := h.q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStep_UndecodableEntryDropped(t *testing.T) {
	h := newHarness(t)
	_, err := h.mr.Lpush("message_queue", "{not json")
	require.NoError(t, err)

	assert.Equal(t, StepDropped, h.c.Step(context.Background()))
	assert.Empty(t, h.d.jobs)
}

func TestStep_QueueOutageSleepsAndContinues(t *testing.T) {
	h := newHarness(t)
	h.mr.SetError("LOADING")

	assert.Equal(t, StepError, h.c.Step(context.Background()))
	assert.Equal(t, []time.Duration{time.Millisecond}, h.sleeps)
}

func TestStep_PanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.q.Push(ctx, job("A@g.us"), queue.Back))
	h.c.deliverer = panicDelivery{}

	assert.Equal(t, StepError, h.c.Step(ctx))
	assert.Equal(t, []time.Duration{10 * time.Second}, h.sleeps)
}

type panicDelivery struct{}

func (panicDelivery) Deliver(context.Context, string, model.DeliveryJob) service.Outcome {
	panic("boom")
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		_ = h.c.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("consumer did not stop")
	}
}
