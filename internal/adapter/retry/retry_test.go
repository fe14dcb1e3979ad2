package retry

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/proxypool"
	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

// fakeProxyRepo is a minimal in-memory domain.ProxyRepository for driving
// proxypool.Manager in these tests without a real Postgres instance.
type fakeProxyRepo struct {
	mu      sync.Mutex
	proxies map[int64]domain.Proxy
}

func newFakeProxyRepo(proxies ...domain.Proxy) *fakeProxyRepo {
	r := &fakeProxyRepo{proxies: make(map[int64]domain.Proxy)}
	for _, p := range proxies {
		r.proxies[p.ID] = p
	}
	return r
}

func (r *fakeProxyRepo) Add(ctx domain.Context, canonicalURL string, baseDelaySeconds float64) (domain.Proxy, error) {
	return domain.Proxy{}, nil
}
func (r *fakeProxyRepo) Get(ctx domain.Context, id int64) (domain.Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proxies[id], nil
}
func (r *fakeProxyRepo) ListActive(ctx domain.Context) ([]domain.Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Proxy
	for _, p := range r.proxies {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}
func (r *fakeProxyRepo) ListQuarantined(ctx domain.Context) ([]domain.Proxy, error) { return nil, nil }
func (r *fakeProxyRepo) List(ctx domain.Context) ([]domain.Proxy, error)            { return nil, nil }
func (r *fakeProxyRepo) RecordSuccess(ctx domain.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.proxies[id]
	p.SuccessCount++
	r.proxies[id] = p
	return nil
}
func (r *fakeProxyRepo) RecordFailure(ctx domain.Context, id int64, errText string, deactivate bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.proxies[id]
	p.FailCount++
	r.proxies[id] = p
	return nil
}
func (r *fakeProxyRepo) Quarantine(ctx domain.Context, id int64, since, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.proxies[id]
	p.BlockedSince = &since
	p.BlockedUntil = &until
	r.proxies[id] = p
	return nil
}
func (r *fakeProxyRepo) ClearQuarantine(ctx domain.Context, id int64) error { return nil }
func (r *fakeProxyRepo) RemoveDuplicates(ctx domain.Context) (int, error)  { return 0, nil }
func (r *fakeProxyRepo) Delete(ctx domain.Context, id int64) error         { return nil }

func newTestManager(t *testing.T, proxies ...domain.Proxy) (*proxypool.Manager, func()) {
	return newTestManagerWithConfig(t, proxypool.Config{
		ReservationTTL:  5 * time.Minute,
		QuarantineShort: time.Minute,
		QuarantineLong:  time.Hour,
	}, proxies...)
}

func newTestManagerWithConfig(t *testing.T, cfg proxypool.Config, proxies ...domain.Proxy) (*proxypool.Manager, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := newFakeProxyRepo(proxies...)
	mgr := proxypool.NewManager(repo, rdb, cfg, nil, nil)
	return mgr, func() {
		mgr.Stop()
		_ = rdb.Close()
		mr.Close()
	}
}

func testRetryConfig() domain.RetryConfig {
	return domain.RetryConfig{
		MaxRetries:       5,
		RateLimitBackoff: 10 * time.Millisecond,
		AcquireTimeout:   time.Second,
	}
}

func TestDo_SucceedsOnFirstAttempt(t *testing.T) {
	mgr, cleanup := newTestManager(t, domain.Proxy{ID: 1, URL: "http://p1", Active: true})
	defer cleanup()

	result, err := Do(context.Background(), mgr, testRetryConfig(), func(ctx context.Context, p domain.Proxy) (string, domain.Outcome, error) {
		return "ok", domain.OutcomeSuccess, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestDo_RotatesOnRateLimitedThenSucceeds(t *testing.T) {
	mgr, cleanup := newTestManager(t,
		domain.Proxy{ID: 1, URL: "http://p1", Active: true},
		domain.Proxy{ID: 2, URL: "http://p2", Active: true},
	)
	defer cleanup()

	var calls int
	result, err := Do(context.Background(), mgr, testRetryConfig(), func(ctx context.Context, p domain.Proxy) (string, domain.Outcome, error) {
		calls++
		if calls == 1 {
			return "", domain.OutcomeRateLimited, assertRateLimitErr()
		}
		return "ok", domain.OutcomeSuccess, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)
}

func TestDo_OtherFailureIsNotRetried(t *testing.T) {
	mgr, cleanup := newTestManager(t, domain.Proxy{ID: 1, URL: "http://p1", Active: true})
	defer cleanup()

	var calls int
	_, err := Do(context.Background(), mgr, testRetryConfig(), func(ctx context.Context, p domain.Proxy) (string, domain.Outcome, error) {
		calls++
		return "", domain.OutcomeOtherFailure, assertRateLimitErr()
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsRetryBudget(t *testing.T) {
	// A near-zero quarantine duration keeps the single proxy immediately
	// re-acquirable, isolating the retry-budget cutoff from quarantine
	// interaction (which would otherwise make the proxy unavailable after
	// the very first rate-limit incident and short-circuit via
	// ErrProxyUnavailable instead of exhausting the configured attempts).
	mgr, cleanup := newTestManagerWithConfig(t, proxypool.Config{
		ReservationTTL:  5 * time.Minute,
		QuarantineShort: time.Nanosecond,
		QuarantineLong:  time.Hour,
	}, domain.Proxy{ID: 1, URL: "http://p1", Active: true})
	defer cleanup()

	cfg := testRetryConfig()
	cfg.MaxRetries = 3

	var calls int
	_, err := Do(context.Background(), mgr, cfg, func(ctx context.Context, p domain.Proxy) (string, domain.Outcome, error) {
		calls++
		return "", domain.OutcomeRateLimited, assertRateLimitErr()
	})
	require.ErrorIs(t, err, domain.ErrProxyExhausted)
	assert.Equal(t, 3, calls)
}

func assertRateLimitErr() error {
	return domain.ErrRateLimited
}
