// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides retry and backoff helpers shared by the session
// acknowledgement logic and the node transport.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultMaxAttempts is the default number of attempts made by Do.
	DefaultMaxAttempts = 10

	// DefaultBaseDelay is the default delay before the first retry.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default upper bound of a retry delay.
	DefaultMaxDelay = 10 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// Backoff returns base * factor^attempt.  Factors below 1 are treated as 1.
func Backoff(base time.Duration, factor float64, attempt int) time.Duration {
	factor = math.Max(factor, 1.0)
	return time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
}

// Delay returns the doubling, capped and jittered delay before retry
// number attempt.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := math.Min(float64(Backoff(baseDelay, 2, attempt)), float64(maxDelay))
	if jitter > 0 {
		r := rand.NewMath()
		delay *= 1 - jitter + r.Float64()*2*jitter
	}
	return time.Duration(delay)
}

// IsTransientError returns true if err looks like a network failure that
// is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"no route to host",
		"network is unreachable",
		"eof",
		"broken pipe",
		"connection closed",
	}
	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}
	return false
}

// Do calls fn until it succeeds, fails with a non transient error, the
// attempts run out or ctx is done.  The last error is returned.
func Do(ctx context.Context, attempts int, baseDelay, maxDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil || !IsTransientError(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		t := time.NewTimer(Delay(baseDelay, maxDelay, DefaultJitter, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
