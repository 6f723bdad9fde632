// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package monotime implements a monotonic clock for deadline bookkeeping.
package monotime

import (
	"time"
)

var base = time.Now()

// Now returns the time elapsed since the process started, read from the
// monotonic clock.
func Now() time.Duration {
	return time.Since(base)
}

// Since returns the time elapsed since the monotonic timestamp t.
func Since(t time.Duration) time.Duration {
	return Now() - t
}
