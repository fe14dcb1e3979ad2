package stickers

import (
	"context"

	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/marketplace"
	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/retry"
	"github.com/Tyrannozavr/steam-market-watcher/internal/adapter/proxypool"
	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

// RetryingClient adapts marketplace.ClientFactory, routed through C2's
// retry rotation (every sticker lookup is itself a marketplace HTTP call
// subject to the same rate-limit quarantine as the main pipeline), to the
// narrow MarketClient interface this package depends on.
type RetryingClient struct {
	Marketplace *marketplace.ClientFactory
	ProxyPool   *proxypool.Manager
	RetryConfig domain.RetryConfig
}

func (c *RetryingClient) FetchPriceOverview(ctx context.Context, appID int, marketHashName string, currency int) (float64, Outcome, error) {
	price, err := retry.Do(ctx, c.ProxyPool, c.RetryConfig, func(ctx context.Context, p domain.Proxy) (float64, domain.Outcome, error) {
		client, err := c.Marketplace.For(p.URL)
		if err != nil {
			return 0, domain.OutcomeOtherFailure, err
		}
		return client.FetchPriceOverview(ctx, appID, marketHashName, currency)
	})
	return price, outcomeFromErr(err), err
}

func (c *RetryingClient) FetchItemPagePrice(ctx context.Context, appID int, marketHashName string) (float64, Outcome, error) {
	price, err := retry.Do(ctx, c.ProxyPool, c.RetryConfig, func(ctx context.Context, p domain.Proxy) (float64, domain.Outcome, error) {
		client, err := c.Marketplace.For(p.URL)
		if err != nil {
			return 0, domain.OutcomeOtherFailure, err
		}
		return client.FetchItemPagePrice(ctx, appID, marketHashName)
	})
	return price, outcomeFromErr(err), err
}

func (c *RetryingClient) FetchSearchSuggestions(ctx context.Context, appID int, query string) ([]Suggestion, Outcome, error) {
	results, err := retry.Do(ctx, c.ProxyPool, c.RetryConfig, func(ctx context.Context, p domain.Proxy) ([]marketplace.SearchSuggestion, domain.Outcome, error) {
		client, err := c.Marketplace.For(p.URL)
		if err != nil {
			return nil, domain.OutcomeOtherFailure, err
		}
		return client.FetchSearchSuggestions(ctx, appID, query)
	})
	if err != nil {
		return nil, outcomeFromErr(err), err
	}
	out := make([]Suggestion, len(results))
	for i, s := range results {
		out[i] = Suggestion{Name: s.Name, Price: s.Price}
	}
	return out, OutcomeSuccess, nil
}

func outcomeFromErr(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	return OutcomeOtherFailure
}
