package reprocess

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LeventeLantos/group-messaging/internal/model"
	"github.com/LeventeLantos/group-messaging/internal/queue"
	"github.com/LeventeLantos/group-messaging/internal/repo"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	mu      sync.Mutex
	msgs    []model.Message
	err     error
	filters []repo.FailedFilter
}

func (f *fakeLister) ListFailed(_ context.Context, ff repo.FailedFilter) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, ff)
	return f.msgs, f.err
}

func (f *fakeLister) lastFilter() repo.FailedFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters[len(f.filters)-1]
}

var fixedNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		Spec:             "@every 5m",
		RecentWindow:     30 * time.Minute,
		PeriodicLimit:    50,
		StartupLimit:     1000,
		StartupSignature: "Connection Closed",
		OnDemandLimit:    2500,
		OnDemandPace:     time.Minute,
	}
}

func newTestRunner(t *testing.T, lister *fakeLister) (*Runner, *queue.RedisQueue, *[]time.Duration) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.NewRedisQueue(rdb, "message_queue")
	r := NewRunner(lister, q, testOptions())
	r.now = func() time.Time { return fixedNow }

	var sleeps []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return r, q, &sleeps
}

func ptr(s string) *string { return &s }

func failedRecords() []model.Message {
	return []model.Message{
		{ID: 1, UserID: 7, GroupID: "A@g.us", Caption: "a", ImageURL: ptr("/m/a.png"), Status: model.Failed},
		{ID: 2, UserID: 7, GroupID: "B@g.us", Status: model.Failed},
		{ID: 3, UserID: 7, GroupID: "C@g.us", AudioURL: ptr("/m/c.ogg"), Status: model.Failed},
	}
}

func TestPeriodic_UsesRecentWindow(t *testing.T) {
	lister := &fakeLister{msgs: failedRecords()}
	r, q, sleeps := newTestRunner(t, lister)
	ctx := context.Background()

	res, err := r.Periodic(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Found: 3, Enqueued: 2, Skipped: 1}, res)
	assert.Empty(t, *sleeps)

	f := lister.lastFilter()
	assert.Equal(t, 50, f.Limit)
	assert.Equal(t, fixedNow.Add(-30*time.Minute), f.Since)
	assert.Empty(t, f.ErrorContains)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	job, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), job.RecordID)
	assert.Equal(t, "/m/a.png", job.FilePath)
	assert.Equal(t, model.ImageColumn, job.Column)
	assert.Equal(t, "a", job.Caption)
}

func TestReprocess_PushesToBack(t *testing.T) {
	lister := &fakeLister{msgs: failedRecords()[:1]}
	r, q, _ := newTestRunner(t, lister)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, model.DeliveryJob{GroupID: "waiting"}, queue.Back))
	_, err := r.Periodic(ctx)
	require.NoError(t, err)

	job, _, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "waiting", job.GroupID)
}

func TestStartup_FiltersBySignature(t *testing.T) {
	lister := &fakeLister{}
	r, _, _ := newTestRunner(t, lister)

	_, err := r.Startup(context.Background())
	require.NoError(t, err)

	f := lister.lastFilter()
	assert.Equal(t, "Connection Closed", f.ErrorContains)
	assert.Equal(t, 1000, f.Limit)
	assert.True(t, f.Since.IsZero())
}

func TestOnDemand_DefaultsAndPacing(t *testing.T) {
	lister := &fakeLister{msgs: failedRecords()}
	r, _, sleeps := newTestRunner(t, lister)

	res, err := r.OnDemand(context.Background(), Filter{ErrorContains: "Timed Out", Lookback: 2 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued)

	f := lister.lastFilter()
	assert.Equal(t, 2500, f.Limit)
	assert.Equal(t, "Timed Out", f.ErrorContains)
	assert.Equal(t, fixedNow.Add(-2*time.Hour), f.Since)

	// the record without media is skipped and the last one is not followed by a pause
	assert.Equal(t, []time.Duration{time.Minute}, *sleeps)
}

func TestOnDemand_ZeroPaceOverride(t *testing.T) {
	lister := &fakeLister{msgs: failedRecords()}
	r, _, sleeps := newTestRunner(t, lister)

	zero := time.Duration(0)
	_, err := r.OnDemand(context.Background(), Filter{Limit: 10, Pace: &zero})
	require.NoError(t, err)
	assert.Empty(t, *sleeps)
	assert.Equal(t, 10, lister.lastFilter().Limit)
}

func TestOnDemand_ListErrorPropagates(t *testing.T) {
	lister := &fakeLister{err: errors.New("db down")}
	r, _, _ := newTestRunner(t, lister)

	_, err := r.OnDemand(context.Background(), Filter{})
	assert.Error(t, err)
	assert.False(t, r.Running())
}

func TestStartOnDemand_RunsInBackground(t *testing.T) {
	lister := &fakeLister{msgs: failedRecords()}
	r, q, _ := newTestRunner(t, lister)

	found, err := r.StartOnDemand(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, found)

	r.Stop()
	assert.False(t, r.Running())

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestOnDemand_RejectsConcurrentRun(t *testing.T) {
	lister := &fakeLister{msgs: failedRecords()}
	r, _, _ := newTestRunner(t, lister)

	release := make(chan struct{})
	r.sleep = func(ctx context.Context, _ time.Duration) error {
		<-release
		return nil
	}

	_, err := r.StartOnDemand(context.Background(), Filter{})
	require.NoError(t, err)

	_, err = r.OnDemand(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	r.Stop()
}

func TestStart_RejectsBadSpec(t *testing.T) {
	r, _, _ := newTestRunner(t, &fakeLister{})
	r.opts.Spec = "not a spec"
	assert.Error(t, r.Start(context.Background()))
}

func TestStart_SchedulesAndStops(t *testing.T) {
	r, _, _ := newTestRunner(t, &fakeLister{})
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))
	r.Stop()
}
