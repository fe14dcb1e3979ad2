// Package dispatcher implements C3, the task dispatcher: a 1s sweep
// scheduler that publishes due monitoring tasks onto a Redis Stream, and a
// consumer-group fan-out that pulls them back off for the scraping
// pipeline to process.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/observability"
	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

// Config governs the stream topology, consumer backpressure, and reclaim
// policy. Field meanings mirror internal/config.Config's dispatcher block.
type Config struct {
	StreamName      string
	StreamMaxLen    int64
	ConsumerGroup   string
	ConsumerName    string
	MaxConcurrency  int
	BlockTimeout    time.Duration
	SweepInterval   time.Duration
	RunningTTL      time.Duration
	ReclaimIdle     time.Duration
	ReclaimMaxTries int64
	// WakeChannel, if set, is a Redis pub/sub channel the scheduler notifies
	// on every publish and the consumer subscribes to, so a freshly
	// dispatched task doesn't have to wait out the rest of BlockTimeout.
	// Purely an optimization: the stream read remains authoritative and the
	// consumer never blocks solely on this signal arriving.
	WakeChannel string
}

// Producer publishes TaskDescriptors onto the durable stream.
type Producer struct {
	redis *redis.Client
	cfg   Config
}

// NewProducer constructs a Producer.
func NewProducer(rdb *redis.Client, cfg Config) *Producer {
	return &Producer{redis: rdb, cfg: cfg}
}

// Publish XADDs one task descriptor, capping the stream at StreamMaxLen via
// approximate trimming (MAXLEN ~).
func (p *Producer) Publish(ctx context.Context, td domain.TaskDescriptor) error {
	payload, err := json.Marshal(td)
	if err != nil {
		return fmt.Errorf("op=dispatcher.publish.marshal: %w", err)
	}
	_, err = p.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: p.cfg.StreamName,
		MaxLen: p.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"task_id": td.TaskID, "payload": string(payload)},
	}).Result()
	if err != nil {
		return fmt.Errorf("op=dispatcher.publish: %w", err)
	}
	observability.TasksPublishedTotal.WithLabelValues(p.cfg.StreamName).Inc()

	if p.cfg.WakeChannel != "" {
		if pubErr := p.redis.Publish(ctx, p.cfg.WakeChannel, td.TaskID).Err(); pubErr != nil {
			slog.Warn("dispatcher: wake publish failed, consumer falls back to its normal block timeout",
				slog.Int64("task_id", td.TaskID), slog.Any("error", pubErr))
		}
	}
	return nil
}

// Handler processes one dispatched task. A non-nil error leaves the stream
// entry unacked so the reclaimer can redeliver it.
type Handler func(ctx context.Context, taskID int64) error

// Consumer reads from the consumer group, fans work out under a
// concurrency-bounded semaphore, and reclaims idle pending entries.
type Consumer struct {
	redis   *redis.Client
	cfg     Config
	handler Handler
}

// NewConsumer constructs a Consumer.
func NewConsumer(rdb *redis.Client, cfg Config, handler Handler) *Consumer {
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	return &Consumer{redis: rdb, cfg: cfg, handler: handler}
}

// EnsureGroup creates the consumer group (and stream) if absent.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.redis.XGroupCreateMkStream(ctx, c.cfg.StreamName, c.cfg.ConsumerGroup, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) && !isBusyGroup(err) {
		return fmt.Errorf("op=dispatcher.ensure_group: %w", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Run blocks, reading batches via XREADGROUP and dispatching each message
// to a bounded worker pool, until ctx is cancelled. If Config.WakeChannel is
// set, a second goroutine subscribes to it and triggers an immediate
// non-blocking read round on notification, shortening the usual wait for
// BlockTimeout to elapse; the main loop's blocking read remains the sole
// source of truth.
func (c *Consumer) Run(ctx context.Context) error {
	sem := make(chan struct{}, c.cfg.MaxConcurrency)
	var wg sync.WaitGroup

	if c.cfg.WakeChannel != "" {
		go c.runWakeListener(ctx, sem, &wg)
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		default:
		}

		if err := c.readRound(ctx, c.cfg.BlockTimeout, sem, &wg); err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			slog.Warn("dispatcher read error", slog.Any("error", err))
			time.Sleep(time.Second)
		}
	}
}

// runWakeListener subscribes to WakeChannel and fires an extra non-blocking
// read round each time the scheduler publishes a freshly dispatched task,
// so that task doesn't sit idle for the rest of the main loop's block window.
func (c *Consumer) runWakeListener(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	sub := c.redis.Subscribe(ctx, c.cfg.WakeChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if err := c.readRound(ctx, -1, sem, wg); err != nil && ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				slog.Warn("dispatcher wake-triggered read failed", slog.Any("error", err))
			}
		}
	}
}

// readRound performs one XREADGROUP call blocking up to block (a negative
// block omits BLOCK, so the read returns at once), dispatching any returned
// messages to the worker pool. redis.Nil (no messages within the block
// window) counts as an empty round: readRound returns nil for it.
func (c *Consumer) readRound(ctx context.Context, block time.Duration, sem chan struct{}, wg *sync.WaitGroup) error {
	res, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.ConsumerGroup,
		Consumer: c.cfg.ConsumerName,
		Streams:  []string{c.cfg.StreamName, ">"},
		Count:    int64(c.cfg.MaxConcurrency),
		Block:    block,
	}).Result()

	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, stream := range res {
		for _, msg := range stream.Messages {
			sem <- struct{}{}
			wg.Add(1)
			go func(m redis.XMessage) {
				defer func() {
					<-sem
					wg.Done()
				}()
				c.handleMessage(ctx, m)
			}(msg)
		}
	}
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg redis.XMessage) {
	taskID, err := taskIDFromValues(msg.Values)
	if err != nil {
		slog.Error("dispatcher: malformed message, acking to drop", slog.String("id", msg.ID), slog.Any("error", err))
		c.ack(ctx, msg.ID)
		observability.RecordTaskConsumed("malformed")
		return
	}

	if hErr := c.handler(ctx, taskID); hErr != nil {
		slog.Warn("dispatcher: task handler failed, leaving unacked for reclaim",
			slog.Int64("task_id", taskID), slog.Any("error", hErr))
		observability.RecordTaskConsumed("failed")
		return
	}

	c.ack(ctx, msg.ID)
	observability.RecordTaskConsumed("success")
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.redis.XAck(ctx, c.cfg.StreamName, c.cfg.ConsumerGroup, id).Err(); err != nil {
		slog.Warn("dispatcher: ack failed", slog.String("id", id), slog.Any("error", err))
	}
}

func taskIDFromValues(values map[string]interface{}) (int64, error) {
	raw, ok := values["task_id"]
	if !ok {
		return 0, fmt.Errorf("missing task_id field")
	}
	switch v := raw.(type) {
	case string:
		var id int64
		if _, err := fmt.Sscanf(v, "%d", &id); err != nil {
			return 0, err
		}
		return id, nil
	default:
		return 0, fmt.Errorf("unexpected task_id type %T", raw)
	}
}

// RunReclaimer periodically claims entries idle longer than ReclaimIdle and
// redelivers them via the handler; entries exceeding ReclaimMaxTries are
// acked (and thus dropped) to bound redelivery storms. Loguru-style
// dead-lettering is intentionally skipped: the spec has no separate
// dead-letter surface for C3 (Non-goals), so exhausted tasks simply drop.
func (c *Consumer) RunReclaimer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaimOnce(ctx)
		}
	}
}

func (c *Consumer) reclaimOnce(ctx context.Context) {
	pending, err := c.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.StreamName,
		Group:  c.cfg.ConsumerGroup,
		Idle:   c.cfg.ReclaimIdle,
		Start:  "-",
		End:    "+",
		Count:  50,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("dispatcher reclaimer: XPENDING failed", slog.Any("error", err))
		}
		return
	}

	for _, p := range pending {
		if p.RetryCount > c.cfg.ReclaimMaxTries {
			slog.Warn("dispatcher reclaimer: dropping message past max deliveries", slog.String("id", p.ID), slog.Int64("deliveries", p.RetryCount))
			c.ack(ctx, p.ID)
			observability.RecordTaskConsumed("dropped_max_retries")
			continue
		}

		claimed, err := c.redis.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.cfg.StreamName,
			Group:    c.cfg.ConsumerGroup,
			Consumer: c.cfg.ConsumerName,
			MinIdle:  c.cfg.ReclaimIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}
		c.handleMessage(ctx, claimed[0])
	}
}
