package proxypool

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

// fakeProxyRepo is an in-memory domain.ProxyRepository for exercising
// Manager without a real Postgres instance.
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
	r.mu.Lock()
	defer r.mu.Unlock()
	id := int64(len(r.proxies) + 1)
	p := domain.Proxy{ID: id, URL: canonicalURL, Active: true, BaseDelaySeconds: baseDelaySeconds}
	r.proxies[id] = p
	return p, nil
}

func (r *fakeProxyRepo) Get(ctx domain.Context, id int64) (domain.Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proxies[id]
	if !ok {
		return domain.Proxy{}, domain.ErrNotFound
	}
	return p, nil
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

func (r *fakeProxyRepo) ListQuarantined(ctx domain.Context) ([]domain.Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Proxy
	for _, p := range r.proxies {
		if p.BlockedUntil != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *fakeProxyRepo) List(ctx domain.Context) ([]domain.Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Proxy
	for _, p := range r.proxies {
		out = append(out, p)
	}
	return out, nil
}

func (r *fakeProxyRepo) RecordSuccess(ctx domain.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.proxies[id]
	p.SuccessCount++
	p.LastUsed = &at
	p.BlockedUntil = nil
	r.proxies[id] = p
	return nil
}

func (r *fakeProxyRepo) RecordFailure(ctx domain.Context, id int64, errText string, deactivate bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.proxies[id]
	p.FailCount++
	p.LastError = errText
	if deactivate {
		p.Active = false
	}
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

func (r *fakeProxyRepo) ClearQuarantine(ctx domain.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.proxies[id]
	p.BlockedUntil = nil
	r.proxies[id] = p
	return nil
}

func (r *fakeProxyRepo) RemoveDuplicates(ctx domain.Context) (int, error) { return 0, nil }

func (r *fakeProxyRepo) Delete(ctx domain.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.proxies, id)
	return nil
}

func (r *fakeProxyRepo) get(id int64) domain.Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proxies[id]
}

type fakeProber struct {
	mu      sync.Mutex
	outcome map[string]domain.Outcome
}

func (f *fakeProber) Probe(ctx context.Context, proxyURL string) (domain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.outcome[proxyURL]; ok {
		return o, nil
	}
	return domain.OutcomeSuccess, nil
}

func newTestManager(t *testing.T, repo domain.ProxyRepository, cfg Config, prober Prober) (*Manager, *redis.Client, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mgr := NewManager(repo, rdb, cfg, nil, prober)
	cleanup := func() {
		mgr.cache.Stop()
		_ = rdb.Close()
		mr.Close()
	}
	return mgr, rdb, cleanup
}

func baseConfig() Config {
	return Config{
		ReservationTTL:      5 * time.Minute,
		QuarantineShort:     600 * time.Second,
		QuarantineLong:      3600 * time.Second,
		EarlyReleaseAfter:   300 * time.Second,
		RevivalInterval:     300 * time.Second,
		RevivalFastInterval: 60 * time.Second,
		RevivalBatchSize:    20,
		RevivalTimeout:      8 * time.Second,
		DeactivateThreshold: 20,
		AlertCooldown:       30 * time.Minute,
	}
}

func TestAcquire_NoActiveProxies(t *testing.T) {
	repo := newFakeProxyRepo()
	mgr, _, cleanup := newTestManager(t, repo, baseConfig(), nil)
	defer cleanup()

	_, err := mgr.Acquire(context.Background())
	assert.ErrorIs(t, err, domain.ErrProxyUnavailable)
}

func TestAcquire_SkipsQuarantinedProxy(t *testing.T) {
	blockedSince := time.Now()
	blockedUntil := blockedSince.Add(time.Hour)
	repo := newFakeProxyRepo(
		domain.Proxy{ID: 1, URL: "http://p1", Active: true, BlockedSince: &blockedSince, BlockedUntil: &blockedUntil},
		domain.Proxy{ID: 2, URL: "http://p2", Active: true},
	)
	mgr, _, cleanup := newTestManager(t, repo, baseConfig(), nil)
	defer cleanup()

	lease, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), lease.Proxy.ID)
}

func TestAcquireRelease_Success_RecordsAndClearsReservation(t *testing.T) {
	repo := newFakeProxyRepo(domain.Proxy{ID: 1, URL: "http://p1", Active: true})
	mgr, _, cleanup := newTestManager(t, repo, baseConfig(), nil)
	defer cleanup()

	ctx := context.Background()
	lease, err := mgr.Acquire(ctx)
	require.NoError(t, err)

	lease.Release(ctx, domain.OutcomeSuccess, "")
	p := repo.get(1)
	assert.Equal(t, int64(1), p.SuccessCount)
	assert.Nil(t, p.BlockedUntil)
}

func TestAcquireRelease_RateLimited_Quarantines(t *testing.T) {
	repo := newFakeProxyRepo(domain.Proxy{ID: 1, URL: "http://p1", Active: true})
	mgr, _, cleanup := newTestManager(t, repo, baseConfig(), nil)
	defer cleanup()

	ctx := context.Background()
	lease, err := mgr.Acquire(ctx)
	require.NoError(t, err)

	lease.Release(ctx, domain.OutcomeRateLimited, "429")
	p := repo.get(1)
	require.NotNil(t, p.BlockedUntil)
	assert.True(t, mgr.cache.IsBlocked(1, mgr.cfg.EarlyReleaseAfter))
}

// TestStillQuarantined_ShortDurationReleasesEarly covers the DB-sourced path
// (as opposed to the in-process cache): a proxy quarantined with the short
// duration must still become eligible once EarlyReleaseAfter has elapsed
// since BlockedSince, not ~QuarantineLong seconds later.
func TestStillQuarantined_ShortDurationReleasesEarly(t *testing.T) {
	cfg := baseConfig()
	mgr := &Manager{cfg: cfg}

	since := time.Now().Add(-cfg.EarlyReleaseAfter - time.Second)
	until := since.Add(cfg.QuarantineShort)
	p := domain.Proxy{ID: 1, URL: "http://p1", BlockedSince: &since, BlockedUntil: &until}

	assert.False(t, mgr.stillQuarantined(p), "short quarantine should release once EarlyReleaseAfter has elapsed since BlockedSince")
}

// TestStillQuarantined_ShortDurationStillBlockedBeforeEarlyRelease checks the
// complementary case: before EarlyReleaseAfter elapses, the proxy stays
// blocked even though it only ever received the short quarantine.
func TestStillQuarantined_ShortDurationStillBlockedBeforeEarlyRelease(t *testing.T) {
	cfg := baseConfig()
	mgr := &Manager{cfg: cfg}

	since := time.Now()
	until := since.Add(cfg.QuarantineShort)
	p := domain.Proxy{ID: 1, URL: "http://p1", BlockedSince: &since, BlockedUntil: &until}

	assert.True(t, mgr.stillQuarantined(p))
}

func TestReviveBatch_ClearsQuarantineOnSuccessfulProbe(t *testing.T) {
	until := time.Now().Add(time.Hour)
	repo := newFakeProxyRepo(domain.Proxy{ID: 1, URL: "http://p1", BlockedUntil: &until})
	prober := &fakeProber{outcome: map[string]domain.Outcome{}}
	mgr, _, cleanup := newTestManager(t, repo, baseConfig(), prober)
	defer cleanup()

	cleared := mgr.reviveBatch(context.Background(), []domain.Proxy{repo.get(1)})
	assert.Equal(t, 1, cleared)
	assert.Nil(t, repo.get(1).BlockedUntil)
}

func TestReviveBatch_LeavesQuarantinedOnFailedProbe(t *testing.T) {
	until := time.Now().Add(time.Hour)
	repo := newFakeProxyRepo(domain.Proxy{ID: 1, URL: "http://p1", BlockedUntil: &until})
	prober := &fakeProber{outcome: map[string]domain.Outcome{"http://p1": domain.OutcomeRateLimited}}
	mgr, _, cleanup := newTestManager(t, repo, baseConfig(), prober)
	defer cleanup()

	cleared := mgr.reviveBatch(context.Background(), []domain.Proxy{repo.get(1)})
	assert.Equal(t, 0, cleared)
	assert.NotNil(t, repo.get(1).BlockedUntil)
}

func TestReviveBatchByClock_FallsBackWhenNoProber(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	repo := newFakeProxyRepo(domain.Proxy{ID: 1, URL: "http://p1", BlockedUntil: &past})
	mgr, _, cleanup := newTestManager(t, repo, baseConfig(), nil)
	defer cleanup()

	cleared := mgr.reviveBatch(context.Background(), []domain.Proxy{repo.get(1)})
	assert.Equal(t, 1, cleared)
}

func TestClaimSmartCheck_DebouncesConcurrentCycles(t *testing.T) {
	repo := newFakeProxyRepo()
	mgr, _, cleanup := newTestManager(t, repo, baseConfig(), nil)
	defer cleanup()

	ctx := context.Background()
	assert.True(t, mgr.claimSmartCheck(ctx))
	assert.False(t, mgr.claimSmartCheck(ctx))
}
