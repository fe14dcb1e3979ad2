// Package currency implements C6: periodic currency-rate refresh with a
// primary HTML/JSON source and a public-API fallback sharing one TTL
// cache. Only the primary fetch runs behind the circuit breaker; the
// fallback is called whenever the primary fails or the breaker is open.
package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/marketplace"
	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/observability"
	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/proxypool"
	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/retry"
	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

var primarySourceURL = "https://trueskins.org/currencies"

// Service resolves USD-denominated currency conversion rates, refreshing
// them on a timer and caching the last good set with a TTL (spec default
// 3600s). The primary source is fetched via C1/C2 (proxy-routed, rotated
// on rate limiting) the same way C4/C5 reach the marketplace; the public
// fallback API is deliberately reached direct, matching the original
// service's own un-proxied fallback call.
type Service struct {
	httpClient  *http.Client
	fallbackURL string
	cacheTTL    time.Duration
	breaker     CircuitBreaker

	proxyPool   *proxypool.Manager
	retryCfg    domain.RetryConfig
	httpTimeout time.Duration

	mu        sync.RWMutex
	rates     map[string]float64
	fetchedAt time.Time
}

// CircuitBreaker is the subset of observability.CircuitBreaker this
// package depends on, so tests can substitute a no-op.
type CircuitBreaker interface {
	Call(fn func() error) error
}

// NewService constructs a Service. proxyPool and retryCfg drive the
// primary-source fetch through C1/C2; httpClient is used only for the
// un-proxied fallback API call.
func NewService(httpClient *http.Client, fallbackURL string, cacheTTL time.Duration, breaker CircuitBreaker, proxyPool *proxypool.Manager, retryCfg domain.RetryConfig, httpTimeout time.Duration) *Service {
	return &Service{
		httpClient:  httpClient,
		fallbackURL: fallbackURL,
		cacheTTL:    cacheTTL,
		breaker:     breaker,
		proxyPool:   proxyPool,
		retryCfg:    retryCfg,
		httpTimeout: httpTimeout,
	}
}

// Rates returns the cached rate table, refreshing it first if the cache
// has expired or was never populated.
func (s *Service) Rates(ctx context.Context) (map[string]float64, error) {
	s.mu.RLock()
	fresh := time.Since(s.fetchedAt) < s.cacheTTL && len(s.rates) > 0
	rates := s.rates
	s.mu.RUnlock()
	if fresh {
		return rates, nil
	}
	return s.Refresh(ctx)
}

// Refresh forces a re-fetch: primary source first (JSON-shape, then
// HTML-table, then inline-script JSON), falling back to a public API on
// total failure (spec §C6).
func (s *Service) Refresh(ctx context.Context) (map[string]float64, error) {
	var rates map[string]float64

	breakerErr := s.breaker.Call(func() error {
		r, err := s.fetchPrimary(ctx)
		if err != nil {
			return err
		}
		rates = r
		return nil
	})

	if breakerErr != nil || len(rates) == 0 {
		observability.RecordCurrencyFetch("primary", "failure")
		r, err := s.fetchFallback(ctx)
		if err != nil {
			s.mu.RLock()
			stale := s.rates
			s.mu.RUnlock()
			if len(stale) > 0 {
				return stale, nil
			}
			return nil, fmt.Errorf("op=currency.refresh: %w", err)
		}
		rates = r
		observability.RecordCurrencyFetch("fallback", "success")
	} else {
		observability.RecordCurrencyFetch("primary", "success")
	}

	s.mu.Lock()
	s.rates = rates
	s.fetchedAt = time.Now()
	s.mu.Unlock()
	return rates, nil
}

// Convert maps a USD-denominated price onto every currency code currently
// held in the cache, using whatever subset of rates is available (spec
// §4.6: "Provides convert(usd_price) -> {code -> price} using whatever
// subset of rates the cache holds").
func (s *Service) Convert(ctx context.Context, usdPrice float64) (map[string]float64, error) {
	rates, err := s.Rates(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=currency.convert: %w", err)
	}
	out := make(map[string]float64, len(rates))
	for code, rate := range rates {
		out[code] = usdPrice * rate
	}
	return out, nil
}

// HasRate reports whether the cache (refreshed first if stale) holds a
// rate for code. Nothing in this repository calls it when a task is
// created; a task with an unknown currency code is priced in USD by
// marketplace.CurrencyCode.
func (s *Service) HasRate(ctx context.Context, code string) bool {
	rates, err := s.Rates(ctx)
	if err != nil {
		return false
	}
	_, ok := rates[strings.ToUpper(code)]
	return ok
}

// RunPeriodic refreshes on a fixed interval until ctx is cancelled.
func (s *Service) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil {
				// stale cache (if any) keeps serving; nothing else to do here.
				continue
			}
		}
	}
}

// fetchPrimary reaches the primary source through a proxy leased from C1,
// retrying and rotating via C2 on a rate-limited response (spec §4.6).
func (s *Service) fetchPrimary(ctx context.Context) (map[string]float64, error) {
	return retry.Do(ctx, s.proxyPool, s.retryCfg, func(ctx context.Context, p domain.Proxy) (map[string]float64, domain.Outcome, error) {
		client, err := marketplace.NewProxiedHTTPClient(p.URL, s.httpTimeout)
		if err != nil {
			return nil, domain.OutcomeOtherFailure, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, primarySourceURL, nil)
		if err != nil {
			return nil, domain.OutcomeOtherFailure, err
		}
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8,application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, domain.OutcomeOtherFailure, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, domain.OutcomeRateLimited, fmt.Errorf("primary currency source status=%d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, domain.OutcomeOtherFailure, fmt.Errorf("primary currency source status=%d", resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, domain.OutcomeOtherFailure, err
		}

		if rates, err := parseJSONShape(body); err == nil && len(rates) > 0 {
			return rates, domain.OutcomeSuccess, nil
		}
		if rates, err := parseHTMLTable(body); err == nil && len(rates) > 0 {
			return rates, domain.OutcomeSuccess, nil
		}
		if rates, err := parseScriptJSON(body); err == nil && len(rates) > 0 {
			return rates, domain.OutcomeSuccess, nil
		}
		return nil, domain.OutcomeOtherFailure, fmt.Errorf("primary currency source: no parseable shape found")
	})
}

func (s *Service) fetchFallback(ctx context.Context) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.fallbackURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fallback currency API status=%d", resp.StatusCode)
	}

	var payload struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	if len(payload.Rates) == 0 {
		return nil, fmt.Errorf("fallback currency API: empty rates")
	}
	return payload.Rates, nil
}

func parseJSONShape(body []byte) (map[string]float64, error) {
	var raw map[string]json.Number
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	rates := make(map[string]float64, len(raw))
	for code, n := range raw {
		f, err := n.Float64()
		if err != nil {
			continue
		}
		rates[strings.ToUpper(code)] = f
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("no numeric currency fields")
	}
	return rates, nil
}

func parseHTMLTable(body []byte) (map[string]float64, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	rates := make(map[string]float64)
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		code := strings.ToUpper(strings.TrimSpace(cells.Eq(0).Text()))
		valueText := strings.TrimSpace(cells.Eq(1).Text())
		value, err := strconv.ParseFloat(strings.ReplaceAll(valueText, ",", "."), 64)
		if err != nil || code == "" {
			return
		}
		rates[code] = value
	})
	if len(rates) == 0 {
		return nil, fmt.Errorf("no currency rows found")
	}
	return rates, nil
}

var scriptJSONPattern = regexp.MustCompile(`\{[^{}]*"currency"[^{}]*\}`)

func parseScriptJSON(body []byte) (map[string]float64, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	var rates map[string]float64
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		if !strings.Contains(strings.ToLower(text), "currency") {
			return true
		}
		match := scriptJSONPattern.FindString(text)
		if match == "" {
			return true
		}
		var parsed map[string]json.RawMessage
		if err := json.Unmarshal([]byte(match), &parsed); err != nil {
			return true
		}
		rates = make(map[string]float64, len(parsed))
		for code, raw := range parsed {
			var n json.Number
			if err := json.Unmarshal(raw, &n); err != nil {
				continue
			}
			if f, err := n.Float64(); err == nil {
				rates[strings.ToUpper(code)] = f
			}
		}
		return false
	})
	if len(rates) == 0 {
		return nil, fmt.Errorf("no inline script JSON found")
	}
	return rates, nil
}
