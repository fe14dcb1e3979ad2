package currency

import (
	"context"
	"net/http"
	"net/http/httptest"
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

type noopBreaker struct{}

func (noopBreaker) Call(fn func() error) error { return fn() }

type openBreaker struct{}

func (openBreaker) Call(fn func() error) error { return assertErr }

var assertErr = &breakerOpenErr{}

type breakerOpenErr struct{}

func (*breakerOpenErr) Error() string { return "circuit open" }

// fakeProxyRepo is a minimal in-memory domain.ProxyRepository, enough to
// drive proxypool.Manager in these tests without a real Postgres instance.
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
	return nil
}
func (r *fakeProxyRepo) RecordFailure(ctx domain.Context, id int64, errText string, deactivate bool) error {
	return nil
}
func (r *fakeProxyRepo) Quarantine(ctx domain.Context, id int64, since, until time.Time) error {
	return nil
}
func (r *fakeProxyRepo) ClearQuarantine(ctx domain.Context, id int64) error { return nil }
func (r *fakeProxyRepo) RemoveDuplicates(ctx domain.Context) (int, error)  { return 0, nil }
func (r *fakeProxyRepo) Delete(ctx domain.Context, id int64) error         { return nil }

// newTestProxyPool returns a Manager with a single proxy that can never
// actually connect, so any request routed through it fails fast with a
// plain connection error (classified OutcomeOtherFailure by fetchPrimary),
// exercising the C1/C2 wiring without reaching a real upstream.
func newTestProxyPool(t *testing.T) (*proxypool.Manager, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := newFakeProxyRepo(domain.Proxy{ID: 1, URL: "http://127.0.0.1:0", Active: true})
	mgr := proxypool.NewManager(repo, rdb, proxypool.Config{
		ReservationTTL:  5 * time.Minute,
		QuarantineShort: time.Minute,
		QuarantineLong:  time.Hour,
	}, nil, nil)
	return mgr, func() {
		mgr.Stop()
		_ = rdb.Close()
		mr.Close()
	}
}

func testRetryConfig() domain.RetryConfig {
	return domain.RetryConfig{
		MaxRetries:       1,
		RateLimitBackoff: time.Millisecond,
		AcquireTimeout:   time.Second,
	}
}

func newTestService(httpClient *http.Client, fallbackURL string, cacheTTL time.Duration, breaker CircuitBreaker, proxyPool *proxypool.Manager) *Service {
	return NewService(httpClient, fallbackURL, cacheTTL, breaker, proxyPool, testRetryConfig(), time.Second)
}

func TestRefresh_FallsBackOnPrimaryFailure(t *testing.T) {
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rates": {"EUR": 0.9}}`))
	}))
	defer fallback.Close()

	proxyPool, cleanup := newTestProxyPool(t)
	defer cleanup()

	svc := newTestService(fallback.Client(), fallback.URL, time.Hour, openBreaker{}, proxyPool)
	rates, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.9, rates["EUR"])
}

func TestRefresh_ServesStaleCacheWhenBothSourcesFail(t *testing.T) {
	proxyPool, cleanup := newTestProxyPool(t)
	defer cleanup()

	svc := newTestService(http.DefaultClient, "http://127.0.0.1:0", time.Hour, openBreaker{}, proxyPool)
	svc.rates = map[string]float64{"EUR": 0.8}
	svc.fetchedAt = time.Now().Add(-2 * time.Hour)

	rates, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.8, rates["EUR"])
}

func TestConvert_AppliesRateToEveryCachedCode(t *testing.T) {
	svc := newTestService(http.DefaultClient, "http://unused", time.Hour, noopBreaker{}, nil)
	svc.rates = map[string]float64{"EUR": 0.9, "RUB": 90}
	svc.fetchedAt = time.Now()

	out, err := svc.Convert(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 9.0, out["EUR"])
	assert.Equal(t, 900.0, out["RUB"])
}

func TestHasRate_UnknownCodeRejected(t *testing.T) {
	svc := newTestService(http.DefaultClient, "http://unused", time.Hour, noopBreaker{}, nil)
	svc.rates = map[string]float64{"EUR": 0.9}
	svc.fetchedAt = time.Now()

	assert.True(t, svc.HasRate(context.Background(), "eur"))
	assert.False(t, svc.HasRate(context.Background(), "XYZ"))
}

// TestFetchPrimary_RoutesRequestThroughProxy confirms fetchPrimary actually
// dials the leased proxy rather than the primary source directly: the
// proxy stand-in answers every request with a fixed JSON body regardless
// of the requested host, so a successful parse here is only possible if
// the request went through it.
func TestFetchPrimary_RoutesRequestThroughProxy(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"EUR": 0.9}`))
	}))
	defer proxy.Close()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	defer mr.Close()

	repo := newFakeProxyRepo(domain.Proxy{ID: 1, URL: proxy.URL, Active: true})
	mgr := proxypool.NewManager(repo, rdb, proxypool.Config{
		ReservationTTL:  5 * time.Minute,
		QuarantineShort: time.Minute,
		QuarantineLong:  time.Hour,
	}, nil, nil)
	defer mgr.Stop()

	// A plain-http target is forwarded to the proxy as an ordinary request
	// (no CONNECT tunnel), so the stand-in can answer it directly.
	orig := primarySourceURL
	primarySourceURL = "http://currency.example/"
	defer func() { primarySourceURL = orig }()

	svc := newTestService(http.DefaultClient, "http://unused", time.Hour, noopBreaker{}, mgr)
	rates, err := svc.fetchPrimary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.9, rates["EUR"])
}

func TestParseHTMLTable_ExtractsCodeValuePairs(t *testing.T) {
	body := []byte(`<html><body><table>
		<tr><td>EUR</td><td>0,92</td></tr>
		<tr><td>RUB</td><td>90.50</td></tr>
	</table></body></html>`)
	rates, err := parseHTMLTable(body)
	require.NoError(t, err)
	assert.Equal(t, 0.92, rates["EUR"])
	assert.Equal(t, 90.50, rates["RUB"])
}

func TestParseScriptJSON_FindsInlineCurrencyObject(t *testing.T) {
	body := []byte(`<html><body><script>var x = {"currency": true, "EUR": 0.91, "RUB": 89.1};</script></body></html>`)
	rates, err := parseScriptJSON(body)
	require.NoError(t, err)
	assert.Equal(t, 0.91, rates["EUR"])
}

func TestParseJSONShape_RejectsNonNumericFields(t *testing.T) {
	_, err := parseJSONShape([]byte(`{"note": "not a number"}`))
	assert.Error(t, err)
}
