// Package retry implements C2, the rate-limit retry handler: transparent
// proxy rotation on classified outcomes, never on parsed exception text
// (Design Note: "exceptions for control flow").
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/observability"
	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/proxypool"
	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

// Func is a caller's request against a leased proxy. It must classify its
// own result into an Outcome rather than raising an exception-like error
// that retry.Do would need to string-match.
type Func[T any] func(ctx context.Context, proxy domain.Proxy) (T, domain.Outcome, error)

// Do executes fn against successive proxies leased from mgr, rotating away
// from any proxy that reports OutcomeRateLimited, until fn succeeds, the
// retry budget is exhausted, or an OutcomeOtherFailure is returned (which
// is not retried — spec §4.2: only rate limiting triggers rotation).
func Do[T any](ctx context.Context, mgr *proxypool.Manager, cfg domain.RetryConfig, fn Func[T]) (T, error) {
	var zero T

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		acquireCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
		lease, err := mgr.Acquire(acquireCtx)
		cancel()
		if err != nil {
			if errors.Is(err, domain.ErrProxyUnavailable) {
				return zero, fmt.Errorf("op=retry.do: %w", domain.ErrProxyExhausted)
			}
			return zero, fmt.Errorf("op=retry.do.acquire: %w", err)
		}

		result, outcome, callErr := fn(ctx, lease.Proxy)

		errText := ""
		if callErr != nil {
			errText = callErr.Error()
		}
		lease.Release(ctx, outcome, errText)
		observability.RecordRetryAttempt(outcomeLabel(outcome))

		switch outcome {
		case domain.OutcomeSuccess:
			return result, nil
		case domain.OutcomeRateLimited:
			slog.Debug("proxy rate limited, rotating", slog.Int64("proxy_id", lease.Proxy.ID), slog.Int("attempt", attempt+1))
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(cfg.RateLimitBackoff):
			}
			continue
		case domain.OutcomeOtherFailure:
			return zero, fmt.Errorf("op=retry.do.other_failure: %w", callErr)
		}
	}

	return zero, fmt.Errorf("op=retry.do: %w", domain.ErrProxyExhausted)
}

func outcomeLabel(o domain.Outcome) string {
	switch o {
	case domain.OutcomeSuccess:
		return "success"
	case domain.OutcomeRateLimited:
		return "rate_limited"
	default:
		return "other_failure"
	}
}
