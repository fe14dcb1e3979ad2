// Package domain defines retry and outcome-classification entities for C2.
package domain

import "time"

// Outcome classifies the result of one attempt against a proxy, replacing
// exception-based control flow from the source implementation (Design
// Note: "exceptions for control flow"). C2 never inspects raw errors beyond
// this three-way switch.
type Outcome int

const (
	// OutcomeSuccess means the call succeeded; mark the proxy successful.
	OutcomeSuccess Outcome = iota
	// OutcomeRateLimited means an HTTP 429 or equivalent "Too Many Requests"
	// signal was observed; the proxy is quarantined and the caller retries
	// on a fresh proxy.
	OutcomeRateLimited
	// OutcomeOtherFailure means any other error; no automatic retry.
	OutcomeOtherFailure
)

// RetryConfig governs C2's iteration bound and pacing.
type RetryConfig struct {
	// MaxRetries caps how many distinct proxies are attempted. The source
	// default is 50; a conforming implementation must support at least 10.
	MaxRetries int
	// RateLimitBackoff is the pause before trying the next proxy after a
	// rate-limit signal (spec default 500ms).
	RateLimitBackoff time.Duration
	// AcquireTimeout bounds how long a single proxy acquisition may block
	// (spec default 30s).
	AcquireTimeout time.Duration
}

// DefaultRetryConfig returns the spec's stated defaults for C2.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:       50,
		RateLimitBackoff: 500 * time.Millisecond,
		AcquireTimeout:   30 * time.Second,
	}
}
