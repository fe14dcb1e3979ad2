// Package stickers implements C5, the sticker price resolver: a four-strategy
// fallback chain (cache, priceoverview, item-page HTML, search suggestions)
// topped with normalized-token fuzzy backfill, batched with a cache-warm
// phase and a configurable inter-request delay (spec §4.5).
package stickers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/observability"
	"github.com/Tyrannozavr/steam-market-watcher/internal/pkg/textsim"
)

// MarketClient is the subset of marketplace.Client this resolver needs,
// narrowed to an interface so tests can substitute a stub.
type MarketClient interface {
	FetchPriceOverview(ctx context.Context, appID int, marketHashName string, currency int) (float64, Outcome, error)
	FetchItemPagePrice(ctx context.Context, appID int, marketHashName string) (float64, Outcome, error)
	FetchSearchSuggestions(ctx context.Context, appID int, query string) ([]Suggestion, Outcome, error)
}

// Outcome mirrors domain.Outcome without importing the marketplace package's
// concrete HTTP client, keeping this package's test surface small.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeOtherFailure
)

// Suggestion mirrors marketplace.SearchSuggestion.
type Suggestion struct {
	Name  string
	Price float64
}

// Config governs cache TTL, inter-request pacing, and fuzzy-match
// thresholds (mirrors internal/config.Config's sticker block). AppID/
// Currency are per-call (see ResolveAll) since different monitoring tasks
// may watch different games/currencies.
type Config struct {
	CacheTTL         time.Duration
	RequestDelay     time.Duration
	JaccardTier1     float64
	JaccardTier2     float64
	ContainmentFloor float64
}

// Resolver implements C5.
type Resolver struct {
	client  MarketClient
	redis   *redis.Client
	cfg     Config
	limiter *rate.Limiter
}

// NewResolver constructs a Resolver. redis may be nil (cache degraded mode,
// spec §4.1/§7 CacheDegraded — every lookup falls through to the network).
// The inter-request delay is enforced by a token-bucket limiter (burst 1)
// rather than a bare sleep, so a resolver shared across concurrent pipeline
// goroutines still paces its outbound requests to one per RequestDelay.
func NewResolver(client MarketClient, rdb *redis.Client, cfg Config) *Resolver {
	var limiter *rate.Limiter
	if cfg.RequestDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RequestDelay), 1)
	}
	return &Resolver{client: client, redis: rdb, cfg: cfg, limiter: limiter}
}

// ResolveAll resolves a price for every name in names against the given
// app id and currency, preserving duplicates and order in the returned
// map's value set (the map itself is keyed by the deduped set, spec §4.5:
// "batched... keyed by the original (possibly duplicated) input" — callers
// index the returned map by name, which is equivalent since duplicate
// names always resolve to one price).
func (r *Resolver) ResolveAll(ctx context.Context, appID, currency int, names []string) map[string]*float64 {
	deduped := dedupePreserveOrder(names)
	result := make(map[string]*float64, len(deduped))

	// Cache-warm phase: consult the shared cache for every name before any
	// network round trip (spec §4.5).
	var misses []string
	for _, name := range deduped {
		if price, ok := r.cacheGet(ctx, appID, currency, name); ok {
			result[name] = &price
			observability.RecordStickerCacheLookup("hit")
			continue
		}
		observability.RecordStickerCacheLookup("miss")
		misses = append(misses, name)
	}

	for i, name := range misses {
		if i > 0 && r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return result
			}
		}
		price, source, ok := r.resolveOne(ctx, appID, currency, name)
		if ok {
			result[name] = &price
			r.cacheSet(ctx, appID, currency, name, price)
			observability.RecordStickerResolution(source)
		} else {
			result[name] = nil
		}
	}

	r.fuzzyBackfill(result)
	return result
}

// resolveOne tries each network strategy in order, returning on first
// success (spec §4.5 strategies 2-4; strategy 1 is the cache, handled by
// ResolveAll's warm phase).
func (r *Resolver) resolveOne(ctx context.Context, appID, currency int, name string) (float64, string, bool) {
	if price, outcome, err := r.client.FetchPriceOverview(ctx, appID, priceOverviewQuery(name), currency); err == nil && outcome == OutcomeSuccess {
		return price, "priceoverview", true
	}

	if price, outcome, err := r.client.FetchItemPagePrice(ctx, appID, priceOverviewQuery(name)); err == nil && outcome == OutcomeSuccess {
		return price, "item_page", true
	}

	if suggestions, outcome, err := r.client.FetchSearchSuggestions(ctx, appID, name); err == nil && outcome == OutcomeSuccess {
		for _, s := range suggestions {
			if strings.EqualFold(strings.TrimSpace(s.Name), strings.TrimSpace(name)) {
				return s.Price, "search_suggestions", true
			}
		}
	}

	slog.Debug("sticker price unresolved by all strategies", slog.String("name", name))
	return 0, "", false
}

// priceOverviewQuery prefixes "Sticker | " when the name doesn't already
// carry it, matching the marketplace's own naming convention for sticker
// items (spec §4.5 strategy 2).
func priceOverviewQuery(name string) string {
	if strings.HasPrefix(name, "Sticker") {
		return name
	}
	return "Sticker | " + name
}

// fuzzyBackfill retries any still-unresolved name against the set of
// successfully resolved names via normalized-token Jaccard similarity,
// accepting tier-1 (>=0.7) first, then tier-2 (>=0.5) (spec §4.5).
func (r *Resolver) fuzzyBackfill(result map[string]*float64) {
	var resolvedNames []string
	for name, price := range result {
		if price != nil {
			resolvedNames = append(resolvedNames, name)
		}
	}
	if len(resolvedNames) == 0 {
		return
	}

	for name, price := range result {
		if price != nil {
			continue
		}
		if match, ok := textsim.BestMatch(name, resolvedNames, r.cfg.JaccardTier1, r.cfg.ContainmentFloor); ok {
			p := *result[match.Name]
			result[name] = &p
			observability.RecordStickerResolution("fuzzy_tier1")
			continue
		}
		if match, ok := textsim.BestMatch(name, resolvedNames, r.cfg.JaccardTier2, r.cfg.ContainmentFloor); ok {
			p := *result[match.Name]
			result[name] = &p
			observability.RecordStickerResolution("fuzzy_tier2")
		}
	}
}

func (r *Resolver) cacheKey(appID, currency int, name string) string {
	return fmt.Sprintf("sticker_price:%s:%d:%d", name, appID, currency)
}

func (r *Resolver) cacheGet(ctx context.Context, appID, currency int, name string) (float64, bool) {
	if r.redis == nil {
		return 0, false
	}
	val, err := r.redis.Get(ctx, r.cacheKey(appID, currency, name)).Float64()
	if err != nil {
		return 0, false
	}
	return val, true
}

func (r *Resolver) cacheSet(ctx context.Context, appID, currency int, name string, price float64) {
	if r.redis == nil {
		return
	}
	if err := r.redis.Set(ctx, r.cacheKey(appID, currency, name), price, r.cfg.CacheTTL).Err(); err != nil {
		slog.Warn("sticker price cache write failed", slog.String("name", name), slog.Any("error", err))
	}
}

func dedupePreserveOrder(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// TotalPrice sums a set of resolved sticker prices, treating an unresolved
// sticker as contributing 0 (spec §8 invariant 5). rejectSuspiciousZero
// reports whether any individual price is exactly 0 while at least one
// other sticker in the same set resolved to a nonzero price — the spec's
// "suspiciously-zero" rejection to avoid false passes on a silent lookup
// failure.
func TotalPrice(prices map[string]*float64) (total float64, hasZeroAmongPriced bool) {
	var anyNonZero bool
	var anyZero bool
	for _, p := range prices {
		if p == nil {
			continue
		}
		total += *p
		if *p == 0 {
			anyZero = true
		} else {
			anyNonZero = true
		}
	}
	return total, anyZero && anyNonZero
}

// AllResolved reports whether every requested name resolved to a price,
// required before any sticker-price filter may pass (spec §8 invariant 5:
// "no filter that requires P passes if any individual sticker is
// unresolved").
func AllResolved(prices map[string]*float64) bool {
	for _, p := range prices {
		if p == nil {
			return false
		}
	}
	return true
}
