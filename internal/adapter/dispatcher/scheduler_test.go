package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

type fakeTaskRepo struct {
	mu   sync.Mutex
	due  []domain.MonitoringTask
}

func (f *fakeTaskRepo) Create(ctx domain.Context, t domain.MonitoringTask) (int64, error) { return 0, nil }
func (f *fakeTaskRepo) Get(ctx domain.Context, id int64) (domain.MonitoringTask, error) {
	return domain.MonitoringTask{}, nil
}
func (f *fakeTaskRepo) List(ctx domain.Context) ([]domain.MonitoringTask, error) { return nil, nil }
func (f *fakeTaskRepo) DueForDispatch(ctx domain.Context, now time.Time) ([]domain.MonitoringTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.due, nil
}
func (f *fakeTaskRepo) Delete(ctx domain.Context, id int64) error         { return nil }
func (f *fakeTaskRepo) ResetNextCheck(ctx domain.Context, id int64) error { return nil }
func (f *fakeTaskRepo) IncrementCheck(ctx domain.Context, id int64, now, nextCheck time.Time) error {
	return nil
}
func (f *fakeTaskRepo) IncrementFoundAndCheck(ctx domain.Context, id int64, foundDelta int64, now, nextCheck time.Time) error {
	return nil
}

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return rdb, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func TestSweepOnce_ClaimsSlotAndPublishes(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	repo := &fakeTaskRepo{due: []domain.MonitoringTask{{ID: 42}}}
	producer := NewProducer(rdb, Config{StreamName: "stream:parsing_tasks", StreamMaxLen: 1000})
	sched := NewScheduler(repo, producer, rdb, time.Second, time.Hour)

	sched.sweepOnce(context.Background())

	exists, err := rdb.Exists(context.Background(), runningKey(42)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	entries, err := rdb.XRange(context.Background(), "stream:parsing_tasks", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "42", entries[0].Values["task_id"])
}

func TestSweepOnce_SkipsTaskWithRunningSlotAlreadyClaimed(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	repo := &fakeTaskRepo{due: []domain.MonitoringTask{{ID: 7}}}
	producer := NewProducer(rdb, Config{StreamName: "stream:parsing_tasks", StreamMaxLen: 1000})
	sched := NewScheduler(repo, producer, rdb, time.Second, time.Hour)

	ctx := context.Background()
	require.NoError(t, rdb.SetNX(ctx, runningKey(7), "1", time.Hour).Err())

	sched.sweepOnce(ctx)

	entries, err := rdb.XRange(ctx, "stream:parsing_tasks", "-", "+").Result()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReleaseRunningSlot_DeletesKey(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	repo := &fakeTaskRepo{}
	producer := NewProducer(rdb, Config{StreamName: "stream:parsing_tasks"})
	sched := NewScheduler(repo, producer, rdb, time.Second, time.Hour)

	ctx := context.Background()
	require.NoError(t, rdb.SetNX(ctx, runningKey(9), "1", time.Hour).Err())
	sched.ReleaseRunningSlot(ctx, 9)

	exists, err := rdb.Exists(ctx, runningKey(9)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}
