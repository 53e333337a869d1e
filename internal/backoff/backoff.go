// Package backoff maps a retry attempt number to the delay before the next
// attempt. Strategies form a closed set so the delay function can switch
// exhaustively.
package backoff

import (
	"fmt"
	"time"
)

// Strategy selects the delay curve for a subscription's retries.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
)

const (
	// DefaultBase is the base interval used when a caller passes base <= 0.
	DefaultBase = 1 * time.Second
	// DefaultCap bounds the worst-case spacing between attempts.
	DefaultCap = 300 * time.Second
)

// Parse validates a strategy string from config or API input.
func Parse(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyExponential, StrategyLinear, StrategyFixed:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown backoff strategy: %q", s)
	}
}

// Delay returns how long to wait before the retry identified by attempt.
// Attempt numbering starts at 1 for the first retry; callers pass the number
// of failed attempts performed so far. Results are capped at cap.
//
//	fixed:       base
//	linear:      base * attempt
//	exponential: base * 2^(attempt-1)
func Delay(strategy Strategy, attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBase
	}
	if cap <= 0 {
		cap = DefaultCap
	}
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch strategy {
	case StrategyFixed:
		d = base
	case StrategyLinear:
		d = base * time.Duration(attempt)
	case StrategyExponential:
		// Shifting past 62 bits would overflow; the cap applies long before.
		if attempt-1 >= 62 {
			return cap
		}
		d = base * time.Duration(int64(1)<<uint(attempt-1))
	default:
		d = base
	}

	if d > cap || d <= 0 {
		return cap
	}
	return d
}
