// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels). See spec §7 for the full propagation policy.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrProxyUnavailable    = errors.New("proxy unavailable")
	ErrProxyExhausted      = errors.New("proxy retries exhausted")
	ErrUpstreamTransient   = errors.New("upstream transient error")
	ErrUpstreamInvalid     = errors.New("upstream invalid response")
	ErrFilterSkipped       = errors.New("filter evaluation skipped")
	ErrPersistenceTimeout  = errors.New("persistence timeout")
	ErrPersistenceConflict = errors.New("persistence conflict")
	ErrCacheDegraded       = errors.New("cache degraded")
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// Proxy is a single HTTP(S) proxy endpoint used to spread marketplace load.
// Ownership: the pool manager (C1) mutates it; worker replicas only read.
type Proxy struct {
	ID int64
	// URL is the canonical (normalized) form: scheme prefix added if missing,
	// trailing auth/port noise trimmed, so two differently-quoted
	// representations of the same endpoint collapse to one record.
	URL string
	// Active is false once the proxy has been deactivated: on a failed use,
	// when the lifetime fail_count reaches the threshold (default 20) and
	// exceeds 3x success_count. fail_count is never reset by a success and
	// also counts rate-limited uses; consecutive failures are not tracked.
	Active bool
	// BaseDelaySeconds is the minimum delay enforced between two uses of
	// this proxy, regardless of caller-requested delay.
	BaseDelaySeconds float64
	SuccessCount     int64
	FailCount        int64
	// LastUsed is the authoritative last-use timestamp (nil if never used).
	LastUsed *time.Time
	// BlockedSince is when the current quarantine was imposed; BlockedUntil
	// alone isn't enough to apply the early-release rule because short and
	// long quarantines share the same blocked_until shape but not the same
	// duration. Non-nil exactly when BlockedUntil is non-nil.
	BlockedSince *time.Time
	// BlockedUntil is non-nil while the proxy is quarantined.
	BlockedUntil *time.Time
	LastError    string
}

// FilterSpec is a discriminated record of optional sub-filters applied to a
// parsed listing. A nil/zero field means "filter not set".
type FilterSpec struct {
	ExactName             string   `json:"exact_name,omitempty"`
	FloatMin              *float64 `json:"float_min,omitempty"`
	FloatMax              *float64 `json:"float_max,omitempty"`
	Patterns              []int    `json:"patterns,omitempty"`
	MaxPrice              *float64 `json:"max_price,omitempty"`
	StickerPriceLow       *float64 `json:"sticker_price_low,omitempty"`
	StickerPriceHigh      *float64 `json:"sticker_price_high,omitempty"`
	StickerPriceMin       *float64 `json:"sticker_price_min,omitempty"`
	MaxOverpayCoefficient *float64 `json:"max_overpay_coefficient,omitempty"`
	// CleanReferencePrice, when set, is used as D in the overpay formula
	// instead of the auto-derived lowest price of the stickerless listing.
	CleanReferencePrice *float64 `json:"clean_reference_price,omitempty"`
	// EnabledVariants restricts which ambiguous-hash-name wear variants are
	// processed (Scenario F). Empty means "all discovered variants".
	EnabledVariants []string `json:"enabled_variants,omitempty"`
}

// HasStickerPredicate reports whether any sticker-related sub-filter is set,
// which forces sticker price resolution (C5) before evaluation.
func (f FilterSpec) HasStickerPredicate() bool {
	return f.StickerPriceLow != nil || f.StickerPriceHigh != nil ||
		f.StickerPriceMin != nil || f.MaxOverpayCoefficient != nil
}

// MonitoringTask is a user-defined watch over one marketplace hash name.
// Invariants: next_check strictly increases across completed checks;
// total_checks/items_found are monotonically non-decreasing; a task is
// eligible for dispatch iff Active && NextCheck <= now.
type MonitoringTask struct {
	ID                int64
	Name              string
	MarketHashName    string
	AppID             int
	Currency          string
	Filter            FilterSpec
	Active            bool
	CheckIntervalSecs int
	LastCheck         *time.Time
	NextCheck         time.Time
	TotalChecks       int64
	ItemsFound        int64
}

// Sticker is one sticker applied to a listing instance.
type Sticker struct {
	Position int
	Name     string
	Price    float64
}

// ParsedListing is the per-listing record reconstructed from a marketplace
// response's parallel structures (assets, listinginfo, results_html).
type ParsedListing struct {
	ListingID          string
	Price              float64
	FloatValue         *float64
	Pattern            *int
	Stickers           []Sticker
	InspectLink        string
	TotalStickersPrice float64
}

// FoundItem is a persisted match against a MonitoringTask. Invariant:
// (TaskID, ListingID) is unique — duplicate matches from successive
// re-scrapes must not re-emit.
type FoundItem struct {
	ID                 int64
	TaskID             int64
	HashName           string
	ListingID          string
	Price              float64
	Listing            ParsedListing
	OverpayCoefficient *float64
	InspectLink        string
	Notified           bool
	DiscoveredAt       time.Time
}

// Repositories (ports)

// ProxyRepository is responsible for managing the authoritative proxy pool state.
type ProxyRepository interface {
	// Add inserts a new proxy, returning the existing record's id if a
	// proxy with the same canonical URL already exists (duplicate admit
	// prevention, spec §4.1).
	Add(ctx Context, canonicalURL string, baseDelaySeconds float64) (Proxy, error)
	Get(ctx Context, id int64) (Proxy, error)
	ListActive(ctx Context) ([]Proxy, error)
	ListQuarantined(ctx Context) ([]Proxy, error)
	List(ctx Context) ([]Proxy, error)
	// RecordSuccess clears quarantine and bumps success_count/last_used.
	RecordSuccess(ctx Context, id int64, at time.Time) error
	// RecordFailure bumps fail_count and stores the error text; if
	// deactivate is true the proxy is also marked inactive.
	RecordFailure(ctx Context, id int64, errText string, deactivate bool) error
	// Quarantine sets blocked_since/blocked_until; clearing is done via
	// RecordSuccess or ClearQuarantine.
	Quarantine(ctx Context, id int64, since, until time.Time) error
	ClearQuarantine(ctx Context, id int64) error
	RemoveDuplicates(ctx Context) (int, error)
	Delete(ctx Context, id int64) error
}

// TaskRepository is responsible for MonitoringTask persistence, including
// the atomic counter-update discipline of C7.
type TaskRepository interface {
	Create(ctx Context, t MonitoringTask) (int64, error)
	Get(ctx Context, id int64) (MonitoringTask, error)
	List(ctx Context) ([]MonitoringTask, error)
	// DueForDispatch returns active tasks with next_check <= now.
	DueForDispatch(ctx Context, now time.Time) ([]MonitoringTask, error)
	Delete(ctx Context, id int64) error
	// ResetNextCheck sets next_check = now for the given task (CLI operation).
	ResetNextCheck(ctx Context, id int64) error
	// IncrementCheck advances total_checks, last_check, next_check via a
	// single atomic UPDATE. No read-modify-write.
	IncrementCheck(ctx Context, id int64, now time.Time, nextCheck time.Time) error
	// IncrementFoundAndCheck additionally bumps items_found, used when the
	// pipeline emits at least one new FoundItem in the same task run.
	IncrementFoundAndCheck(ctx Context, id int64, foundDelta int64, now time.Time, nextCheck time.Time) error
}

// FoundItemRepository is responsible for FoundItem persistence and the
// (task_id, listing_id) uniqueness invariant.
type FoundItemRepository interface {
	// Insert returns ErrPersistenceConflict (swallowed by callers) when the
	// (task_id, listing_id) pair already exists.
	Insert(ctx Context, item FoundItem) (int64, error)
	Exists(ctx Context, taskID int64, listingID string) (bool, error)
	Purge(ctx Context, olderThan time.Time) (int64, error)
	List(ctx Context, taskID int64, limit, offset int) ([]FoundItem, error)
}

// Notifier (C8, interface only) dispatches match events to an external
// messenger. Best-effort: a failed notification never reverts a FoundItem write.
type Notifier interface {
	NotifyMatch(ctx Context, task MonitoringTask, item FoundItem) error
	// NotifyProxyPoolExhausted is a debounced alert (30-minute cooldown is
	// enforced by the caller, not the Notifier).
	NotifyProxyPoolExhausted(ctx Context, quarantinedCount, totalCount int, approxRecovery time.Duration) error
}

// TaskDescriptor is the opaque record pushed to the durable stream by C3.
type TaskDescriptor struct {
	TaskID int64 `json:"task_id"`
}
