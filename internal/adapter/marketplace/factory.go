package marketplace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

// ClientFactory hands out a *Client whose transport is pinned to a given
// proxy URL, caching one http.Client per proxy so repeated leases of the
// same proxy don't re-dial a fresh transport (C1's callers select a
// proxy per request; C4/C5 need the resulting traffic to actually egress
// through it).
type ClientFactory struct {
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*Client
}

// NewClientFactory constructs a ClientFactory.
func NewClientFactory(timeout time.Duration) *ClientFactory {
	return &ClientFactory{timeout: timeout, clients: make(map[string]*Client)}
}

// For returns the Client routed through proxyURL, constructing and caching
// it on first use.
func (f *ClientFactory) For(proxyURL string) (*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[proxyURL]; ok {
		return c, nil
	}

	httpClient, err := NewProxiedHTTPClient(proxyURL, f.timeout)
	if err != nil {
		return nil, fmt.Errorf("op=marketplace.client_factory.for: %w", err)
	}
	c := NewClient(httpClient)
	f.clients[proxyURL] = c
	return c, nil
}

// Probe issues a cheap probe request routed through proxyURL, satisfying
// proxypool.Prober for C1's revival loop.
func (f *ClientFactory) Probe(ctx context.Context, proxyURL string) (domain.Outcome, error) {
	c, err := f.For(proxyURL)
	if err != nil {
		return domain.OutcomeOtherFailure, err
	}
	return c.Probe(ctx)
}
