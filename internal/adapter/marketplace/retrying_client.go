package marketplace

import (
	"context"

	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/proxypool"
	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/retry"
	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

// RetryingClient adapts ClientFactory, routed through C2's retry rotation,
// to a plain three-method client with no Outcome/proxy leakage in its
// signature — the same wrapping pattern internal/adapter/stickers uses for
// its own RetryingClient. internal/usecase/scrape depends on this shape
// (see its MarketClient interface) rather than on ClientFactory directly,
// so the pipeline can be driven by a fake in tests without a live proxy.
type RetryingClient struct {
	Factory     *ClientFactory
	ProxyPool   *proxypool.Manager
	RetryConfig domain.RetryConfig
}

func (c *RetryingClient) FetchListingsPage(ctx context.Context, appID int, marketHashName string, start, count, currency int) (ListingsPage, error) {
	return retry.Do(ctx, c.ProxyPool, c.RetryConfig, func(ctx context.Context, p domain.Proxy) (ListingsPage, domain.Outcome, error) {
		client, err := c.Factory.For(p.URL)
		if err != nil {
			return ListingsPage{}, domain.OutcomeOtherFailure, err
		}
		return client.FetchListingsPage(ctx, appID, marketHashName, start, count, currency)
	})
}

func (c *RetryingClient) FetchPriceOverview(ctx context.Context, appID int, marketHashName string, currency int) (float64, error) {
	return retry.Do(ctx, c.ProxyPool, c.RetryConfig, func(ctx context.Context, p domain.Proxy) (float64, domain.Outcome, error) {
		client, err := c.Factory.For(p.URL)
		if err != nil {
			return 0, domain.OutcomeOtherFailure, err
		}
		return client.FetchPriceOverview(ctx, appID, marketHashName, currency)
	})
}

func (c *RetryingClient) FetchSearchSuggestions(ctx context.Context, appID int, query string) ([]SearchSuggestion, error) {
	return retry.Do(ctx, c.ProxyPool, c.RetryConfig, func(ctx context.Context, p domain.Proxy) ([]SearchSuggestion, domain.Outcome, error) {
		client, err := c.Factory.For(p.URL)
		if err != nil {
			return nil, domain.OutcomeOtherFailure, err
		}
		return client.FetchSearchSuggestions(ctx, appID, query)
	})
}
