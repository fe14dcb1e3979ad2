// Package scrape implements C4, the scraping pipeline: variant discovery,
// paged listing fetch, dedup-cached parsing, the ordered filter chain, and
// result emission into FoundItemRepository/TaskRepository.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/marketplace"
	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/observability"
	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/stickers"
	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

// MarketClient is the narrow marketplace surface the pipeline depends on —
// proxy acquisition and rate-limit rotation (C1/C2) already resolved by the
// caller, exactly as internal/adapter/stickers depends on its own
// MarketClient rather than on proxypool/retry directly. Satisfied by
// *marketplace.RetryingClient in production and by a fake in tests.
type MarketClient interface {
	FetchListingsPage(ctx context.Context, appID int, marketHashName string, start, count, currency int) (marketplace.ListingsPage, error)
	FetchPriceOverview(ctx context.Context, appID int, marketHashName string, currency int) (float64, error)
	FetchSearchSuggestions(ctx context.Context, appID int, query string) ([]marketplace.SearchSuggestion, error)
}

// Config governs pagination, cache TTLs, and pacing for one pipeline run.
// Field meanings mirror internal/config.Config's C4 block.
type Config struct {
	PageSize        int
	ParseCacheTTL   time.Duration
	PerListingDelay time.Duration
}

// Pipeline orchestrates C4 for a single dispatched task.
type Pipeline struct {
	Tasks      domain.TaskRepository
	FoundItems domain.FoundItemRepository
	Market     MarketClient
	Stickers   *stickers.Resolver
	Notifier   domain.Notifier
	Redis      *redis.Client
	Cfg        Config
}

// Run executes one full scrape of taskID: variant discovery, paged fetch,
// filtering, result emission, and the C7 atomic counter bump. Matches
// dispatcher.Handler's signature so it can be wired in directly.
func (p *Pipeline) Run(ctx context.Context, taskID int64) error {
	start := time.Now()
	task, err := p.Tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("op=scrape.run.get_task: %w", err)
	}
	if !task.Active {
		return nil
	}

	variants := p.resolveVariants(ctx, task)

	var newMatches int64
	outcome := "success"
	for _, variant := range variants {
		n, err := p.scanVariant(ctx, task, variant)
		newMatches += n
		if err != nil {
			slog.Warn("scrape: variant scan failed", slog.Int64("task_id", task.ID), slog.String("variant", variant), slog.Any("error", err))
			outcome = "partial_failure"
		}
	}

	now := time.Now().UTC()
	next := now.Add(time.Duration(task.CheckIntervalSecs) * time.Second)
	if newMatches > 0 {
		err = p.Tasks.IncrementFoundAndCheck(ctx, task.ID, newMatches, now, next)
	} else {
		err = p.Tasks.IncrementCheck(ctx, task.ID, now, next)
	}
	observability.PipelineDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("op=scrape.run.increment_check: %w", err)
	}
	return nil
}

// wearSuffixPattern matches a trailing Steam wear-condition parenthetical,
// identifying an ambiguous (wear-less) hash name (spec §4.4).
var wearSuffixPattern = regexp.MustCompile(`\((Factory New|Minimal Wear|Field-Tested|Well-Worn|Battle-Scarred)\)\s*$`)

func isAmbiguousHashName(name string) bool {
	return !wearSuffixPattern.MatchString(name)
}

// resolveVariants expands an ambiguous hash name into its concrete wear
// variants via search suggestions, restricted to the filter's enabled
// subset (Scenario F). An unambiguous hash name is its own single variant.
func (p *Pipeline) resolveVariants(ctx context.Context, task domain.MonitoringTask) []string {
	if !isAmbiguousHashName(task.MarketHashName) {
		return []string{task.MarketHashName}
	}

	suggestions, err := p.Market.FetchSearchSuggestions(ctx, task.AppID, task.MarketHashName)
	if err != nil {
		slog.Warn("scrape: variant discovery failed", slog.Int64("task_id", task.ID), slog.Any("error", err))
		return nil
	}

	enabled := make(map[string]bool, len(task.Filter.EnabledVariants))
	for _, v := range task.Filter.EnabledVariants {
		enabled[v] = true
	}

	var variants []string
	for _, s := range suggestions {
		if !strings.Contains(s.Name, task.MarketHashName) {
			continue
		}
		if len(enabled) > 0 && !enabled[s.Name] {
			continue
		}
		variants = append(variants, s.Name)
	}
	return variants
}

// scanVariant pages through one concrete hash name's listings until either
// the derived total count or a short page terminates pagination (spec
// §4.4 "Paged fetch"), returning the number of newly persisted matches.
func (p *Pipeline) scanVariant(ctx context.Context, task domain.MonitoringTask, hashName string) (int64, error) {
	pageSize := p.Cfg.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	var newMatches int64
	totalCount := -1
	start := 0

	for {
		page, err := p.Market.FetchListingsPage(ctx, task.AppID, hashName, start, pageSize, marketplace.CurrencyCode(task.Currency))
		if err != nil {
			return newMatches, fmt.Errorf("op=scrape.scan_variant.fetch_page: %w", err)
		}

		if totalCount < 0 {
			totalCount = marketplace.ParseListingCount(page)
		}

		listings, err := marketplace.ParseListings(page)
		if err != nil {
			return newMatches, fmt.Errorf("op=scrape.scan_variant.parse: %w", err)
		}

		for i, pl := range listings {
			if i > 0 && p.Cfg.PerListingDelay > 0 {
				select {
				case <-ctx.Done():
					return newMatches, ctx.Err()
				case <-time.After(p.Cfg.PerListingDelay):
				}
			}
			matched, err := p.processListing(ctx, task, hashName, pl)
			if err != nil {
				slog.Warn("scrape: listing processing failed", slog.String("listing_id", pl.ListingID), slog.Any("error", err))
				continue
			}
			if matched {
				newMatches++
			}
		}

		start += pageSize
		if len(listings) < pageSize {
			break
		}
		if totalCount > 0 && start >= totalCount {
			break
		}
	}
	return newMatches, nil
}

// processListing applies the dedup cache, the ordered filter chain, and —
// on a pass — result emission. Returns whether a new FoundItem was
// persisted.
func (p *Pipeline) processListing(ctx context.Context, task domain.MonitoringTask, hashName string, pl domain.ParsedListing) (bool, error) {
	if cached, ok := p.cacheGetParsed(ctx, pl.ListingID); ok {
		pl = cached
	} else {
		p.cacheSetParsed(ctx, pl.ListingID, pl)
	}
	observability.ListingsParsedTotal.WithLabelValues("parsed").Inc()

	overpay, passed := p.passesFilters(ctx, task, hashName, pl)
	if !passed {
		return false, nil
	}

	exists, err := p.FoundItems.Exists(ctx, task.ID, pl.ListingID)
	if err != nil {
		return false, fmt.Errorf("op=scrape.process_listing.exists: %w", err)
	}
	if exists {
		return false, nil
	}

	item := domain.FoundItem{
		TaskID:             task.ID,
		HashName:           hashName,
		ListingID:          pl.ListingID,
		Price:              pl.Price,
		Listing:            pl,
		OverpayCoefficient: overpay,
		InspectLink:        pl.InspectLink,
		DiscoveredAt:       time.Now().UTC(),
	}

	id, err := p.FoundItems.Insert(ctx, item)
	if errors.Is(err, domain.ErrPersistenceConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=scrape.process_listing.insert: %w", err)
	}
	item.ID = id

	observability.ItemsFoundTotal.WithLabelValues(fmt.Sprintf("%d", task.AppID)).Inc()
	if p.Notifier != nil {
		if err := p.Notifier.NotifyMatch(ctx, task, item); err != nil {
			slog.Warn("scrape: notify failed, FoundItem write stands", slog.Int64("task_id", task.ID), slog.Any("error", err))
		}
	}
	return true, nil
}

// passesFilters runs the filter chain in cheap-to-expensive order (spec
// §4.4: name -> price -> float -> pattern -> sticker), returning the
// computed overpay coefficient when the sticker predicate applied.
func (p *Pipeline) passesFilters(ctx context.Context, task domain.MonitoringTask, hashName string, pl domain.ParsedListing) (*float64, bool) {
	f := task.Filter

	if f.ExactName != "" && !strings.EqualFold(f.ExactName, hashName) {
		return nil, false
	}

	if f.MaxPrice != nil && pl.Price > *f.MaxPrice {
		return nil, false
	}

	if f.FloatMin != nil || f.FloatMax != nil {
		if pl.FloatValue == nil {
			return nil, false
		}
		if f.FloatMin != nil && *pl.FloatValue < *f.FloatMin {
			return nil, false
		}
		if f.FloatMax != nil && *pl.FloatValue > *f.FloatMax {
			return nil, false
		}
	}

	if len(f.Patterns) > 0 {
		if pl.Pattern == nil {
			return nil, false
		}
		if !containsInt(f.Patterns, *pl.Pattern) {
			return nil, false
		}
	}

	if !f.HasStickerPredicate() {
		return nil, true
	}
	return p.evaluateStickerPredicate(ctx, task, hashName, pl)
}

// evaluateStickerPredicate resolves sticker prices (C5), rejects
// suspiciously-zero resolutions, computes the overpay coefficient K =
// (S-D)/P, and checks every set sticker sub-filter (spec §4.4 "Sticker
// filter semantics").
func (p *Pipeline) evaluateStickerPredicate(ctx context.Context, task domain.MonitoringTask, hashName string, pl domain.ParsedListing) (*float64, bool) {
	f := task.Filter
	if len(pl.Stickers) == 0 {
		return nil, false
	}

	names := make([]string, len(pl.Stickers))
	for i, s := range pl.Stickers {
		names[i] = s.Name
	}

	prices := p.Stickers.ResolveAll(ctx, task.AppID, marketplace.CurrencyCode(task.Currency), names)
	if !stickers.AllResolved(prices) {
		return nil, false
	}
	totalP, suspiciousZero := stickers.TotalPrice(prices)
	if suspiciousZero || totalP <= 0 {
		return nil, false
	}

	d := p.cleanReferencePrice(ctx, task, hashName)
	k := (pl.Price - d) / totalP

	if f.MaxOverpayCoefficient != nil && k > *f.MaxOverpayCoefficient {
		return nil, false
	}
	if f.StickerPriceMin != nil && totalP < *f.StickerPriceMin {
		return nil, false
	}
	if f.StickerPriceLow != nil && totalP < *f.StickerPriceLow {
		return nil, false
	}
	if f.StickerPriceHigh != nil && totalP > *f.StickerPriceHigh {
		return nil, false
	}
	return &k, true
}

// cleanReferencePrice returns D: the filter's explicit override, or the
// stickerless listing's lowest market price fetched via priceoverview
// (spec §4.4: "auto-derived from the lowest market price of the same hash
// name without stickers" — stickered CS2 listings share their base hash
// name with their stickerless counterpart).
func (p *Pipeline) cleanReferencePrice(ctx context.Context, task domain.MonitoringTask, hashName string) float64 {
	if task.Filter.CleanReferencePrice != nil {
		return *task.Filter.CleanReferencePrice
	}
	price, err := p.Market.FetchPriceOverview(ctx, task.AppID, hashName, marketplace.CurrencyCode(task.Currency))
	if err != nil {
		slog.Warn("scrape: clean reference price lookup failed, using 0", slog.String("hash_name", hashName), slog.Any("error", err))
		return 0
	}
	return price
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (p *Pipeline) parsedCacheKey(listingID string) string {
	return "parsed_item:" + listingID
}

func (p *Pipeline) cacheGetParsed(ctx context.Context, listingID string) (domain.ParsedListing, bool) {
	if p.Redis == nil {
		return domain.ParsedListing{}, false
	}
	val, err := p.Redis.Get(ctx, p.parsedCacheKey(listingID)).Result()
	if err != nil {
		return domain.ParsedListing{}, false
	}
	pl, ok := decodeParsedListing(val)
	return pl, ok
}

func (p *Pipeline) cacheSetParsed(ctx context.Context, listingID string, pl domain.ParsedListing) {
	if p.Redis == nil {
		return
	}
	if err := p.Redis.Set(ctx, p.parsedCacheKey(listingID), encodeParsedListing(pl), p.Cfg.ParseCacheTTL).Err(); err != nil {
		slog.Warn("scrape: dedup cache write failed", slog.String("listing_id", listingID), slog.Any("error", err))
	}
}
