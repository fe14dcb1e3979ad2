// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ProxyPoolSize is a gauge of proxies by state (active/quarantined/inactive).
	ProxyPoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxy_pool_size",
			Help: "Number of proxies by state",
		},
		[]string{"state"},
	)
	// ProxyQuarantineTotal counts quarantine transitions by reason.
	ProxyQuarantineTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_quarantine_total",
			Help: "Total number of proxy quarantine transitions",
		},
		[]string{"reason"},
	)

	// RetryAttemptsTotal counts C2 attempts by outcome.
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of rate-limit-retry attempts by outcome",
		},
		[]string{"outcome"},
	)

	// TasksPublishedTotal counts tasks pushed onto the dispatch stream.
	TasksPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_published_total",
			Help: "Total number of monitoring tasks published to the dispatch stream",
		},
		[]string{"stream"},
	)
	// TasksConsumedTotal counts tasks acked by consumers, by outcome.
	TasksConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_consumed_total",
			Help: "Total number of monitoring tasks consumed off the dispatch stream",
		},
		[]string{"outcome"},
	)
	// TaskDispatchLag observes the delay between a task's due time and its publish time.
	TaskDispatchLag = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "task_dispatch_lag_seconds",
			Help:    "Delay between a monitoring task becoming due and being published",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// PipelineDuration observes the wall-clock time of one full scrape pipeline run.
	PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_duration_seconds",
			Help:    "Duration of one scraping pipeline run for a monitoring task",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)
	// ItemsFoundTotal counts FoundItem rows inserted.
	ItemsFoundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "items_found_total",
			Help: "Total number of new matching listings persisted",
		},
		[]string{"app_id"},
	)
	// ListingsParsedTotal counts individual listings parsed off the dedup cache.
	ListingsParsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listings_parsed_total",
			Help: "Total number of listings parsed (cache miss) by outcome",
		},
		[]string{"outcome"},
	)

	// StickerCacheLookupsTotal counts C5 cache hit/miss outcomes.
	StickerCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sticker_cache_lookups_total",
			Help: "Total sticker price cache lookups by outcome",
		},
		[]string{"outcome"},
	)
	// StickerResolutionSourceTotal counts which fallback tier resolved a sticker price.
	StickerResolutionSourceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sticker_resolution_source_total",
			Help: "Total sticker prices resolved, broken down by resolution source",
		},
		[]string{"source"},
	)

	// CurrencyFetchTotal counts currency-rate refreshes by source and outcome.
	CurrencyFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "currency_fetch_total",
			Help: "Total currency rate fetches by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	// NotificationsTotal counts notification dispatch attempts by kind and outcome.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Total notification dispatch attempts by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// CircuitBreakerStatus tracks circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(ProxyPoolSize)
	prometheus.MustRegister(ProxyQuarantineTotal)
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(TasksPublishedTotal)
	prometheus.MustRegister(TasksConsumedTotal)
	prometheus.MustRegister(TaskDispatchLag)
	prometheus.MustRegister(PipelineDuration)
	prometheus.MustRegister(ItemsFoundTotal)
	prometheus.MustRegister(ListingsParsedTotal)
	prometheus.MustRegister(StickerCacheLookupsTotal)
	prometheus.MustRegister(StickerResolutionSourceTotal)
	prometheus.MustRegister(CurrencyFetchTotal)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}

// RecordProxyQuarantine increments the quarantine counter for the given reason.
func RecordProxyQuarantine(reason string) {
	ProxyQuarantineTotal.WithLabelValues(reason).Inc()
}

// RecordRetryAttempt increments the retry-attempt counter for the given outcome.
func RecordRetryAttempt(outcome string) {
	RetryAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordTaskConsumed increments the task-consumed counter for the given outcome.
func RecordTaskConsumed(outcome string) {
	TasksConsumedTotal.WithLabelValues(outcome).Inc()
}

// RecordStickerCacheLookup increments the sticker cache lookup counter for the given outcome.
func RecordStickerCacheLookup(outcome string) {
	StickerCacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// RecordStickerResolution increments the sticker resolution-source counter.
func RecordStickerResolution(source string) {
	StickerResolutionSourceTotal.WithLabelValues(source).Inc()
}

// RecordCurrencyFetch increments the currency-fetch counter.
func RecordCurrencyFetch(source, outcome string) {
	CurrencyFetchTotal.WithLabelValues(source, outcome).Inc()
}

// RecordNotification increments the notification-dispatch counter.
func RecordNotification(kind, outcome string) {
	NotificationsTotal.WithLabelValues(kind, outcome).Inc()
}
