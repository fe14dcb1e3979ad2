// Package notify implements C8, the notification dispatcher: a best-effort,
// bounded-retry bridge from domain match/alert events to an external
// messenger. A failed notification never reverts the FoundItem write that
// triggered it (spec §4.8).
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/observability"
	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
	"github.com/Tyrannozavr/steam-market-watcher/pkg/textx"
)

// Messenger is the narrow surface a concrete channel (Telegram, Discord,
// ...) implements. The marketplace-specific entities never leak past this
// package's call sites.
type Messenger interface {
	SendText(ctx context.Context, text string) error
}

// Notifier implements domain.Notifier against any Messenger, with bounded
// exponential-backoff retry around each send (spec's "bounded retries").
type Notifier struct {
	messenger Messenger
	maxElapsed time.Duration
}

// NewNotifier constructs a Notifier. messenger may be nil, in which case
// every call is a structured-log no-op (useful for local/dev runs with no
// messenger credentials configured — spec §6 env vars: unset credentials
// simply disable real delivery).
func NewNotifier(messenger Messenger, maxElapsed time.Duration) *Notifier {
	if maxElapsed <= 0 {
		maxElapsed = 10 * time.Second
	}
	return &Notifier{messenger: messenger, maxElapsed: maxElapsed}
}

var _ domain.Notifier = (*Notifier)(nil)

// NotifyMatch converts a FoundItem into a messenger-native text message and
// dispatches it with bounded retry.
func (n *Notifier) NotifyMatch(ctx context.Context, task domain.MonitoringTask, item domain.FoundItem) error {
	text := formatMatch(task, item)
	err := n.send(ctx, text)
	observability.RecordNotification("match", outcomeLabel(err))
	if err != nil {
		slog.Warn("notification dispatch failed, FoundItem write stands regardless",
			slog.Int64("task_id", task.ID), slog.String("listing_id", item.ListingID), slog.Any("error", err))
	}
	return err
}

// NotifyProxyPoolExhausted sends a debounced alert summarizing how many
// proxies are quarantined and the approximate time to recovery. Debouncing
// itself is the caller's (C1's) responsibility; this method always sends.
func (n *Notifier) NotifyProxyPoolExhausted(ctx context.Context, quarantinedCount, totalCount int, approxRecovery time.Duration) error {
	text := fmt.Sprintf(
		"⚠️ All %d/%d proxies are currently quarantined. Estimated recovery in ~%s.",
		quarantinedCount, totalCount, approxRecovery.Round(time.Second),
	)
	err := n.send(ctx, text)
	observability.RecordNotification("proxy_pool_exhausted", outcomeLabel(err))
	if err != nil {
		slog.Warn("proxy pool exhausted alert failed to send", slog.Any("error", err))
	}
	return err
}

func (n *Notifier) send(ctx context.Context, text string) error {
	if n.messenger == nil {
		slog.Info("notification (no messenger configured)", slog.String("text", text))
		return nil
	}

	bo := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(n.maxElapsed)), ctx)
	return backoff.Retry(func() error {
		return n.messenger.SendText(ctx, text)
	}, bo)
}

// formatMatch renders the outgoing text. Names flow in from operator input
// (task.Name) and scraped HTML (item.HashName); both pass through
// textx.SanitizeText since stray control bytes break some messenger clients.
func formatMatch(task domain.MonitoringTask, item domain.FoundItem) string {
	msg := fmt.Sprintf("🎯 %s\n%s\nPrice: %.2f %s\nListing: %s",
		textx.SanitizeText(task.Name), textx.SanitizeText(item.HashName), item.Price, task.Currency, item.ListingID)
	if item.Listing.FloatValue != nil {
		msg += fmt.Sprintf("\nFloat: %.6f", *item.Listing.FloatValue)
	}
	if item.Listing.Pattern != nil {
		msg += fmt.Sprintf("\nPattern: %d", *item.Listing.Pattern)
	}
	if item.OverpayCoefficient != nil {
		msg += fmt.Sprintf("\nOverpay K: %.3f", *item.OverpayCoefficient)
	}
	if item.InspectLink != "" {
		msg += fmt.Sprintf("\nInspect: %s", item.InspectLink)
	}
	return msg
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}
