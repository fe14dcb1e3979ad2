package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

// Scheduler sweeps TaskRepository every SweepInterval for due tasks and
// publishes one TaskDescriptor per task, guarding against double-dispatch
// of a task whose previous run is still in flight via a Redis dedup key
// (spec §4.3: "parsing_task_running:<task_id>").
type Scheduler struct {
	tasks    domain.TaskRepository
	producer *Producer
	redis    *redis.Client
	interval time.Duration
	runTTL   time.Duration
}

// NewScheduler constructs a Scheduler.
func NewScheduler(tasks domain.TaskRepository, producer *Producer, rdb *redis.Client, interval, runTTL time.Duration) *Scheduler {
	return &Scheduler{tasks: tasks, producer: producer, redis: rdb, interval: interval, runTTL: runTTL}
}

// Run blocks, sweeping on a fixed tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context) {
	due, err := s.tasks.DueForDispatch(ctx, time.Now().UTC())
	if err != nil {
		slog.Warn("scheduler: list due tasks failed", slog.Any("error", err))
		return
	}

	for _, t := range due {
		if !s.claimRunningSlot(ctx, t.ID) {
			continue
		}
		if err := s.producer.Publish(ctx, domain.TaskDescriptor{TaskID: t.ID}); err != nil {
			slog.Warn("scheduler: publish failed", slog.Int64("task_id", t.ID), slog.Any("error", err))
			s.releaseRunningSlot(ctx, t.ID)
		}
	}
}

// claimRunningSlot reserves the task for one run via SET-NX-EX, preventing
// a slow run from being dispatched twice before it completes.
func (s *Scheduler) claimRunningSlot(ctx context.Context, taskID int64) bool {
	if s.redis == nil {
		return true
	}
	key := runningKey(taskID)
	ok, err := s.redis.SetNX(ctx, key, "1", s.runTTL).Result()
	if err != nil {
		slog.Warn("scheduler: running-slot claim failed", slog.Int64("task_id", taskID), slog.Any("error", err))
		return false
	}
	return ok
}

func (s *Scheduler) releaseRunningSlot(ctx context.Context, taskID int64) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, runningKey(taskID)).Err(); err != nil {
		slog.Warn("scheduler: running-slot release failed", slog.Int64("task_id", taskID), slog.Any("error", err))
	}
}

// ReleaseRunningSlot is called by the pipeline worker once a task run
// (success or failure) has finished, so the next sweep can redispatch it.
func (s *Scheduler) ReleaseRunningSlot(ctx context.Context, taskID int64) {
	s.releaseRunningSlot(ctx, taskID)
}

func runningKey(taskID int64) string {
	return fmt.Sprintf("parsing_task_running:%d", taskID)
}
