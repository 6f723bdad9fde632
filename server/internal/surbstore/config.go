// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package surbstore

import "time"

const (
	DefaultRingBufferCapacity     = 15000
	DefaultDistressThreshold      = 500
	DefaultMaxOpenersPerPseudonym = 100000
	DefaultMaxPseudonyms          = 10000
	DefaultPseudonymLifetime      = 600 * time.Second
	DefaultReplyOpenerLifetime    = 3600 * time.Second
	DefaultSweepInterval          = 10 * time.Second

	minRingBufferCapacity     = 1024
	minDistressThreshold      = 10
	minMaxOpenersPerPseudonym = 100
	minMaxPseudonyms          = 100
	minPseudonymLifetime      = 30 * time.Second
	minReplyOpenerLifetime    = 60 * time.Second
	minSweepInterval          = 100 * time.Millisecond
)

// Config is the SURB store configuration.  Values below their minimum are
// raised to it, zero values take the default.
type Config struct {
	// RingBufferCapacity is the number of SURBs kept per pseudonym, the
	// oldest are dropped first.
	RingBufferCapacity int

	// DistressThreshold is the number of SURBs left for a pseudonym below
	// which the counterparty is told to send more.
	DistressThreshold int

	// MaxOpenersPerPseudonym bounds the reply openers held per pseudonym.
	MaxOpenersPerPseudonym int

	// MaxPseudonyms bounds the pseudonyms tracked by each cache.
	MaxPseudonyms int

	// PseudonymLifetime is how long a pseudonym may stay unused before
	// all its SURBs and openers are dropped.
	PseudonymLifetime time.Duration

	// ReplyOpenerLifetime is how long a single reply opener may stay
	// unused.
	ReplyOpenerLifetime time.Duration

	// SweepInterval is the period of the expiry sweep.
	SweepInterval time.Duration
}

// DefaultConfig returns the default SURB store configuration.
func DefaultConfig() *Config {
	return &Config{
		RingBufferCapacity:     DefaultRingBufferCapacity,
		DistressThreshold:      DefaultDistressThreshold,
		MaxOpenersPerPseudonym: DefaultMaxOpenersPerPseudonym,
		MaxPseudonyms:          DefaultMaxPseudonyms,
		PseudonymLifetime:      DefaultPseudonymLifetime,
		ReplyOpenerLifetime:    DefaultReplyOpenerLifetime,
		SweepInterval:          DefaultSweepInterval,
	}
}

func atLeast[T int | time.Duration](v, def, floor T) T {
	if v == 0 {
		return def
	}
	if v < floor {
		return floor
	}
	return v
}

// Normalize applies the defaults and minimums in place.
func (c *Config) Normalize() {
	c.RingBufferCapacity = atLeast(c.RingBufferCapacity, DefaultRingBufferCapacity, minRingBufferCapacity)
	c.DistressThreshold = atLeast(c.DistressThreshold, DefaultDistressThreshold, minDistressThreshold)
	c.MaxOpenersPerPseudonym = atLeast(c.MaxOpenersPerPseudonym, DefaultMaxOpenersPerPseudonym, minMaxOpenersPerPseudonym)
	c.MaxPseudonyms = atLeast(c.MaxPseudonyms, DefaultMaxPseudonyms, minMaxPseudonyms)
	c.PseudonymLifetime = atLeast(c.PseudonymLifetime, DefaultPseudonymLifetime, minPseudonymLifetime)
	c.ReplyOpenerLifetime = atLeast(c.ReplyOpenerLifetime, DefaultReplyOpenerLifetime, minReplyOpenerLifetime)
	c.SweepInterval = atLeast(c.SweepInterval, DefaultSweepInterval, minSweepInterval)
}
