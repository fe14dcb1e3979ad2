// Package config defines retry configuration derived from Config.
package config

import "github.com/Tyrannozavr/steam-market-watcher/internal/domain"

// GetRetryConfig maps the flat env-parsed fields onto the domain retry
// config consumed by C2's rotation loop.
func (c Config) GetRetryConfig() domain.RetryConfig {
	return domain.RetryConfig{
		MaxRetries:       c.RetryMaxRetries,
		RateLimitBackoff: c.RetryRateLimitBackoff,
		AcquireTimeout:   c.RetryAcquireTimeout,
	}
}
