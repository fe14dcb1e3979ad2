package proxypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

// Config governs pacing, reservation, and quarantine durations for the pool.
// Field meanings and defaults mirror internal/config.Config's proxy block.
type Config struct {
	ReservationTTL      time.Duration
	QuarantineShort     time.Duration
	QuarantineLong      time.Duration
	EarlyReleaseAfter   time.Duration
	RevivalInterval     time.Duration
	RevivalFastInterval time.Duration
	RevivalBatchSize    int
	RevivalTimeout      time.Duration
	DeactivateThreshold int64
	AlertCooldown       time.Duration
}

// Prober issues a cheap marketplace request routed through proxyURL, used
// by the revival loop to test whether a quarantined proxy's rate limit has
// actually lifted (spec §4.1: "probe them... against a cheap marketplace
// endpoint, clear quarantine on success"). marketplace.ClientFactory.Probe
// satisfies this.
type Prober interface {
	Probe(ctx context.Context, proxyURL string) (domain.Outcome, error)
}

// lastSmartCheckKey holds the timestamp of the previous revival cycle so a
// replica skips a cycle that ran too recently, even across restarts (spec
// §4.1: "The loop skips a revival cycle if one occurred < interval ago,
// recorded in the shared cache under a 'last smart check' key").
const lastSmartCheckKey = "proxypool:last_smart_check"

// cursorKey is the Redis key holding the round-robin index shared across
// worker replicas (spec §4.1: rotation state must survive a single
// replica's restart and be visible to all replicas).
const cursorKey = "proxypool:cursor"

// Manager is C1: it selects, reserves, quarantines, and revives proxies
// across an arbitrary number of concurrent worker replicas.
type Manager struct {
	repo     domain.ProxyRepository
	redis    *redis.Client
	cfg      Config
	notifier domain.Notifier
	prober   Prober
	cache    *quarantineCache

	mu             sync.Mutex
	lastAlertAt    time.Time
	stopRevival    chan struct{}
	revivalStopped chan struct{}
	revivalStarted bool
}

// NewManager constructs a Manager. notifier may be nil (no alerting);
// prober may be nil, in which case the revival loop falls back to clearing
// quarantine purely on elapsed blocked_until (no active probing).
func NewManager(repo domain.ProxyRepository, rdb *redis.Client, cfg Config, notifier domain.Notifier, prober Prober) *Manager {
	return &Manager{
		repo:           repo,
		redis:          rdb,
		cfg:            cfg,
		notifier:       notifier,
		prober:         prober,
		cache:          newQuarantineCache(),
		stopRevival:    make(chan struct{}),
		revivalStopped: make(chan struct{}),
	}
}

// Lease is a scoped acquisition of one proxy. Callers must call Release
// exactly once, reporting whether the call made with this proxy succeeded.
type Lease struct {
	Proxy domain.Proxy

	mgr      *Manager
	released bool
}

// Release frees the Redis reservation and records the outcome against the
// proxy's success/fail counters and quarantine state.
func (l *Lease) Release(ctx context.Context, outcome domain.Outcome, errText string) {
	if l.released {
		return
	}
	l.released = true
	l.mgr.release(ctx, l.Proxy.ID, outcome, errText)
}

// Acquire selects the next usable proxy with no caller-specified minimum
// delay (see AcquireWithMinDelay).
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	return m.AcquireWithMinDelay(ctx, 0)
}

// AcquireWithMinDelay selects the next usable proxy via sequential
// round-robin, skipping quarantined, in-use, and not-yet-paced candidates,
// and reserves it with a cross-replica SET-NX-EX lock (spec §4.1). callerMinDelay
// is combined with each proxy's own base delay via max() when checking
// pacing. If no candidate is immediately usable, the least-recently-used
// non-quarantined proxy is selected, and the outstanding delay is slept
// OUTSIDE any lock before a final reservation attempt (spec: "Long sleeps
// inside held locks" design note — this method holds no mutex at all).
func (m *Manager) AcquireWithMinDelay(ctx context.Context, callerMinDelay time.Duration) (*Lease, error) {
	proxies, err := m.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=proxypool.acquire.list: %w", err)
	}
	if len(proxies) == 0 {
		return nil, domain.ErrProxyUnavailable
	}

	start, err := m.cursorStart(ctx, len(proxies))
	if err != nil {
		start = 0
	}

	var lru *domain.Proxy
	var lruWait time.Duration

	for i := 0; i < len(proxies); i++ {
		idx := (start + i) % len(proxies)
		p := proxies[idx]

		if m.cache.IsBlocked(p.ID, m.cfg.EarlyReleaseAfter) {
			continue
		}
		if m.stillQuarantined(p) {
			continue
		}
		if wait := m.pacingWait(p, callerMinDelay); wait > 0 {
			if lru == nil || p.LastUsed.Before(*lru.LastUsed) {
				pp := p
				lru, lruWait = &pp, wait
			}
			continue
		}

		reserved, err := m.reserve(ctx, p.ID)
		if err != nil {
			slog.Warn("proxy reservation check failed", slog.Int64("proxy_id", p.ID), slog.Any("error", err))
			continue
		}
		if !reserved {
			continue
		}

		_ = m.setCursor(ctx, idx)
		return &Lease{Proxy: p, mgr: m}, nil
	}

	if lru == nil {
		return nil, domain.ErrProxyUnavailable
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(lruWait):
	}

	reserved, err := m.reserve(ctx, lru.ID)
	if err != nil || !reserved {
		return nil, domain.ErrProxyUnavailable
	}
	return &Lease{Proxy: *lru, mgr: m}, nil
}

// pacingWait returns how much longer the caller must wait before p may be
// used again, or 0 if it may be used immediately. A nil LastUsed means the
// proxy has never been used and may proceed immediately (spec §4.1).
func (m *Manager) pacingWait(p domain.Proxy, callerMinDelay time.Duration) time.Duration {
	if p.LastUsed == nil {
		return 0
	}
	minDelay := time.Duration(p.BaseDelaySeconds * float64(time.Second))
	if callerMinDelay > minDelay {
		minDelay = callerMinDelay
	}
	elapsed := time.Since(*p.LastUsed)
	if elapsed >= minDelay {
		return 0
	}
	return minDelay - elapsed
}

// stillQuarantined applies the spec's early-release rule: a proxy may be
// retried once EarlyReleaseAfter has elapsed since it was blocked, even if
// its blocked_until deadline hasn't passed yet. Quarantine and
// ClearQuarantine/RecordSuccess always set/clear BlockedSince and
// BlockedUntil together, so either both are nil (not quarantined) or both
// are set.
func (m *Manager) stillQuarantined(p domain.Proxy) bool {
	if p.BlockedUntil == nil || p.BlockedSince == nil {
		return false
	}
	return quarantineActive(time.Now(), *p.BlockedSince, *p.BlockedUntil, m.cfg.EarlyReleaseAfter)
}

func (m *Manager) reserve(ctx context.Context, proxyID int64) (bool, error) {
	if m.redis == nil {
		return true, nil
	}
	key := fmt.Sprintf("proxypool:reserved:%d", proxyID)
	ok, err := m.redis.SetNX(ctx, key, "1", m.cfg.ReservationTTL).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (m *Manager) release(ctx context.Context, proxyID int64, outcome domain.Outcome, errText string) {
	if m.redis != nil {
		key := fmt.Sprintf("proxypool:reserved:%d", proxyID)
		if err := m.redis.Del(ctx, key).Err(); err != nil {
			slog.Warn("failed to release proxy reservation", slog.Int64("proxy_id", proxyID), slog.Any("error", err))
		}
	}

	switch outcome {
	case domain.OutcomeSuccess:
		m.cache.RecordSuccess(proxyID)
		if err := m.repo.RecordSuccess(ctx, proxyID, time.Now().UTC()); err != nil {
			slog.Warn("failed to record proxy success", slog.Int64("proxy_id", proxyID), slog.Any("error", err))
		}
	case domain.OutcomeRateLimited:
		m.quarantine(ctx, proxyID, errText)
	case domain.OutcomeOtherFailure:
		m.recordOtherFailure(ctx, proxyID, errText)
	}
}

func (m *Manager) quarantine(ctx context.Context, proxyID int64, errText string) {
	// spec §4.1: first rate-limit incident is a short quarantine; a third
	// CONSECUTIVE incident within the same window escalates to the long
	// quarantine. Consecutive-incident tracking lives in the in-process
	// shadow cache since it resets on any successful use.
	since, until := m.cache.RecordRateLimitIncident(proxyID, m.cfg.QuarantineShort, m.cfg.QuarantineLong)
	if err := m.repo.Quarantine(ctx, proxyID, since, until); err != nil {
		slog.Warn("failed to persist proxy quarantine", slog.Int64("proxy_id", proxyID), slog.Any("error", err))
	}
	if err := m.repo.RecordFailure(ctx, proxyID, errText, false); err != nil {
		slog.Warn("failed to record proxy failure", slog.Int64("proxy_id", proxyID), slog.Any("error", err))
	}
	m.maybeAlert(ctx)
}

func (m *Manager) recordOtherFailure(ctx context.Context, proxyID int64, errText string) {
	p, err := m.repo.Get(ctx, proxyID)
	deactivate := false
	if err == nil {
		deactivate = p.FailCount+1 >= m.cfg.DeactivateThreshold && p.FailCount+1 > 3*p.SuccessCount
	}
	if err := m.repo.RecordFailure(ctx, proxyID, errText, deactivate); err != nil {
		slog.Warn("failed to record proxy failure", slog.Int64("proxy_id", proxyID), slog.Any("error", err))
	}
}

// maybeAlert fires NotifyProxyPoolExhausted when every proxy is
// quarantined, debounced to at most once per AlertCooldown (spec C8).
func (m *Manager) maybeAlert(ctx context.Context) {
	if m.notifier == nil {
		return
	}
	m.mu.Lock()
	if time.Since(m.lastAlertAt) < m.cfg.AlertCooldown {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	active, err := m.repo.ListActive(ctx)
	if err != nil {
		return
	}
	quarantined, err := m.repo.ListQuarantined(ctx)
	if err != nil {
		return
	}
	usable := 0
	for _, p := range active {
		if !m.cache.IsBlocked(p.ID, m.cfg.EarlyReleaseAfter) {
			usable++
		}
	}
	if usable > 0 {
		return
	}

	m.mu.Lock()
	m.lastAlertAt = time.Now()
	m.mu.Unlock()

	approxRecovery := m.cfg.QuarantineShort
	if err := m.notifier.NotifyProxyPoolExhausted(ctx, len(quarantined), len(active), approxRecovery); err != nil {
		slog.Warn("failed to send proxy pool exhausted alert", slog.Any("error", err))
	}
}

func (m *Manager) cursorStart(ctx context.Context, n int) (int, error) {
	if m.redis == nil || n == 0 {
		return 0, nil
	}
	idx, err := m.redis.Incr(ctx, cursorKey).Result()
	if err != nil {
		return 0, err
	}
	return int(idx) % n, nil
}

func (m *Manager) setCursor(ctx context.Context, idx int) error {
	if m.redis == nil {
		return nil
	}
	return m.redis.Set(ctx, cursorKey, idx, 0).Err()
}

// StartRevivalLoop periodically clears expired quarantines and, when more
// than half the pool is quarantined, switches to the faster revival
// interval (spec §4.1 revival behavior, decided in SPEC_FULL.md's Open
// Questions section).
func (m *Manager) StartRevivalLoop(ctx context.Context) {
	m.mu.Lock()
	if m.revivalStarted {
		m.mu.Unlock()
		return
	}
	m.revivalStarted = true
	m.mu.Unlock()

	go func() {
		defer close(m.revivalStopped)
		interval := m.cfg.RevivalInterval
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopRevival:
				return
			case <-ticker.C:
				next := m.revive(ctx)
				if next != interval {
					interval = next
					ticker.Reset(interval)
				}
			}
		}
	}()
}

// ReviveNow runs one revival cycle immediately and returns the number of
// quarantines cleared, bypassing the StartRevivalLoop ticker. Useful for an
// operator-triggered sweep (CLI, tests) outside the periodic schedule.
func (m *Manager) ReviveNow(ctx context.Context) int {
	quarantined, err := m.repo.ListQuarantined(ctx)
	if err != nil {
		slog.Warn("revive now: list quarantined failed", slog.Any("error", err))
		return 0
	}
	return m.reviveBatch(ctx, quarantined)
}

func (m *Manager) revive(ctx context.Context) time.Duration {
	if !m.claimSmartCheck(ctx) {
		return m.cfg.RevivalInterval
	}

	quarantined, err := m.repo.ListQuarantined(ctx)
	if err != nil {
		slog.Warn("revival loop: list quarantined failed", slog.Any("error", err))
		return m.cfg.RevivalInterval
	}
	active, err := m.repo.ListActive(ctx)
	if err != nil {
		return m.cfg.RevivalInterval
	}

	// Oldest-blocked-first, matching spec §4.1 ("ordered by blocked_until
	// ascending"); repositories already return ListQuarantined unordered by
	// that column at the SQL layer in some backends, so sort defensively.
	sort.Slice(quarantined, func(i, j int) bool {
		bi, bj := quarantined[i].BlockedUntil, quarantined[j].BlockedUntil
		if bi == nil || bj == nil {
			return bi != nil
		}
		return bi.Before(*bj)
	})

	cleared := 0
	batchSize := m.cfg.RevivalBatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	for start := 0; start < len(quarantined); start += batchSize {
		end := start + batchSize
		if end > len(quarantined) {
			end = len(quarantined)
		}
		cleared += m.reviveBatch(ctx, quarantined[start:end])
	}
	if cleared > 0 {
		slog.Info("revival loop cleared quarantines", slog.Int("cleared", cleared))
	}

	total := len(active) + len(quarantined)
	if total > 0 && len(quarantined) > total/2 {
		return m.cfg.RevivalFastInterval
	}
	return m.cfg.RevivalInterval
}

// reviveBatch probes up to RevivalBatchSize quarantined proxies
// concurrently and clears quarantine on every successful probe (spec
// §4.1: "probe them in groups of up to 20 concurrently with an 8-s
// timeout... clear quarantine on success"). A proxy whose probe fails
// stays quarantined even if blocked_until has already elapsed — the probe
// result is authoritative, not the clock.
func (m *Manager) reviveBatch(ctx context.Context, batch []domain.Proxy) int {
	if m.prober == nil {
		return m.reviveBatchByClock(ctx, batch)
	}

	timeout := m.cfg.RevivalTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	var mu sync.Mutex
	cleared := 0
	var wg sync.WaitGroup
	for _, p := range batch {
		wg.Add(1)
		go func(p domain.Proxy) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			outcome, err := m.prober.Probe(probeCtx, p.URL)
			cancel()
			if err != nil || outcome != domain.OutcomeSuccess {
				return
			}
			if err := m.repo.ClearQuarantine(ctx, p.ID); err != nil {
				slog.Warn("revival loop: clear quarantine failed", slog.Int64("proxy_id", p.ID), slog.Any("error", err))
				return
			}
			m.cache.RecordSuccess(p.ID)
			mu.Lock()
			cleared++
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return cleared
}

// reviveBatchByClock is the fallback used when no Prober is configured:
// quarantine is cleared once blocked_until has elapsed, with no active
// verification that the upstream limit actually lifted.
func (m *Manager) reviveBatchByClock(ctx context.Context, batch []domain.Proxy) int {
	now := time.Now()
	cleared := 0
	for _, p := range batch {
		if p.BlockedUntil == nil || now.After(*p.BlockedUntil) {
			if err := m.repo.ClearQuarantine(ctx, p.ID); err != nil {
				slog.Warn("revival loop: clear quarantine failed", slog.Int64("proxy_id", p.ID), slog.Any("error", err))
				continue
			}
			m.cache.RecordSuccess(p.ID)
			cleared++
		}
	}
	return cleared
}

// claimSmartCheck debounces revival cycles via a shared-cache timestamp so
// that multiple replicas running the same interval don't all probe at
// once, and a single replica doesn't re-probe more often than its own
// ticker interval implies (spec §4.1 "last smart check" key). Returns true
// when this cycle should proceed.
func (m *Manager) claimSmartCheck(ctx context.Context) bool {
	if m.redis == nil {
		return true
	}
	interval := m.cfg.RevivalInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ok, err := m.redis.SetNX(ctx, lastSmartCheckKey, time.Now().UTC().Format(time.RFC3339), interval).Result()
	if err != nil {
		slog.Warn("revival loop: smart-check debounce failed, proceeding anyway", slog.Any("error", err))
		return true
	}
	return ok
}

// Stop halts the revival loop goroutine and the quarantine cache's cleanup
// ticker, releasing both for graceful shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.revivalStarted
	m.mu.Unlock()
	if started {
		close(m.stopRevival)
		<-m.revivalStopped
	}
	m.cache.Stop()
}

// ErrNoProxies is returned by callers that want a sentinel distinct from
// domain.ErrProxyUnavailable in logs; kept as an alias for clarity.
var ErrNoProxies = errors.New("no usable proxies")
