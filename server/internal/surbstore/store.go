// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package surbstore keeps the SURBs received from counterparties and the
// reply openers of the SURBs this node handed out, both keyed by
// pseudonym.
package surbstore

import (
	"errors"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hopr/core/queue"
	"github.com/katzenpost/hopr/core/sphinx"
	"github.com/katzenpost/hopr/core/worker"
)

// ErrNoSURB is returned when no SURB matches a lookup.
var ErrNoSURB = errors.New("surbstore: no matching SURB")

// SURBWithID is a SURB along with the identifier its creator chose for it.
type SURBWithID struct {
	ID   SURBID
	SURB *sphinx.SURB
}

// Matcher selects the SURB to use for a reply.
type Matcher struct {
	Pseudonym Pseudonym

	id    SURBID
	exact bool
}

// MatchPseudonym matches the oldest SURB of the pseudonym.
func MatchPseudonym(p Pseudonym) Matcher {
	return Matcher{Pseudonym: p}
}

// MatchExact matches only the SURB identified by id.
func MatchExact(id SenderID) Matcher {
	return Matcher{Pseudonym: id.Pseudonym, id: id.SURBID, exact: true}
}

// FoundSURB is the outcome of a successful FindSURB.
type FoundSURB struct {
	SenderID SenderID
	SURB     *sphinx.SURB

	// Remaining is the number of SURBs left for the pseudonym.
	Remaining int
}

type openerCache = idleCache[SURBID, *sphinx.ReplyOpener]

// Store holds SURBs and reply openers.  It is safe for concurrent use.
type Store struct {
	worker.Worker

	log *logging.Logger
	cfg Config
	now func() time.Time

	surbsLock sync.Mutex
	surbs     *idleCache[Pseudonym, *queue.RingBuffer[*SURBWithID]]

	openersLock sync.Mutex
	openers     *idleCache[Pseudonym, *openerCache]
}

// New creates a store and starts its expiry sweep.  The store must be
// stopped with Halt.
func New(l *logging.Logger, cfg *Config) *Store {
	s := newStore(l, cfg, time.Now)
	s.Go(s.sweeper)
	return s
}

func newStore(l *logging.Logger, cfg *Config, now func() time.Time) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Store{
		log: l,
		cfg: *cfg,
		now: now,
	}
	s.cfg.Normalize()

	s.surbs = newIdleCache(s.cfg.MaxPseudonyms, s.cfg.PseudonymLifetime, now,
		func(p Pseudonym, rb *queue.RingBuffer[*SURBWithID], cause EvictionCause) {
			s.log.Warningf("Evicted SURBs of pseudonym %v (%v): %d dropped", p, cause, rb.Len())
		})
	s.openers = newIdleCache(s.cfg.MaxPseudonyms, s.cfg.PseudonymLifetime, now,
		func(p Pseudonym, c *openerCache, cause EvictionCause) {
			s.log.Warningf("Evicted reply openers of pseudonym %v (%v): %d dropped", p, cause, c.Len())
			c.ForEach(func(_ SURBID, o *sphinx.ReplyOpener) { o.Reset() })
		})
	return s
}

// Config returns the normalized configuration of the store.
func (s *Store) Config() Config {
	return s.cfg
}

// InsertSURBs adds surbs received under the pseudonym p and returns the
// number of SURBs now held for it.
func (s *Store) InsertSURBs(p Pseudonym, surbs []SURBWithID) int {
	s.surbsLock.Lock()
	rb := s.surbs.GetOrInsert(p, func() *queue.RingBuffer[*SURBWithID] {
		return queue.NewRingBuffer[*SURBWithID](s.cfg.RingBufferCapacity)
	})
	s.surbsLock.Unlock()

	n := rb.Len()
	for i := range surbs {
		v := surbs[i]
		n = rb.Push(&v)
	}
	s.log.Debugf("Stored %d SURBs for %v, %d held", len(surbs), p, n)
	return n
}

// FindSURB removes and returns the SURB selected by m.
func (s *Store) FindSURB(m Matcher) (*FoundSURB, error) {
	s.surbsLock.Lock()
	rb, ok := s.surbs.Get(m.Pseudonym)
	s.surbsLock.Unlock()
	if !ok {
		return nil, ErrNoSURB
	}

	var v *SURBWithID
	if m.exact {
		v, ok = rb.PopOneFunc(func(c *SURBWithID) bool { return c.ID == m.id })
	} else {
		v, ok = rb.PopOne()
	}
	if !ok {
		return nil, ErrNoSURB
	}
	return &FoundSURB{
		SenderID:  SenderID{Pseudonym: m.Pseudonym, SURBID: v.ID},
		SURB:      v.SURB,
		Remaining: rb.Len(),
	}, nil
}

// SURBCount returns the number of SURBs held for p.
func (s *Store) SURBCount(p Pseudonym) int {
	s.surbsLock.Lock()
	defer s.surbsLock.Unlock()
	if rb, ok := s.surbs.Get(p); ok {
		return rb.Len()
	}
	return 0
}

// InDistress returns true when remaining SURBs are below the distress
// threshold.
func (s *Store) InDistress(remaining int) bool {
	return remaining < s.cfg.DistressThreshold
}

// InsertReplyOpener keeps the opener of the SURB handed out as id.
func (s *Store) InsertReplyOpener(id SenderID, o *sphinx.ReplyOpener) {
	s.openersLock.Lock()
	defer s.openersLock.Unlock()

	c := s.openers.GetOrInsert(id.Pseudonym, func() *openerCache {
		return newIdleCache(s.cfg.MaxOpenersPerPseudonym, s.cfg.ReplyOpenerLifetime, s.now,
			func(sid SURBID, o *sphinx.ReplyOpener, cause EvictionCause) {
				s.log.Warningf("Evicted reply opener %v:%v (%v)", id.Pseudonym, sid, cause)
				o.Reset()
			})
	})
	c.Insert(id.SURBID, o)
}

// FindReplyOpener removes and returns the opener for id.  Each opener is
// returned at most once.
func (s *Store) FindReplyOpener(id SenderID) (*sphinx.ReplyOpener, bool) {
	s.openersLock.Lock()
	defer s.openersLock.Unlock()

	c, ok := s.openers.Get(id.Pseudonym)
	if !ok {
		return nil, false
	}
	return c.Remove(id.SURBID)
}

// Sweep drops every expired pseudonym and reply opener.
func (s *Store) Sweep() {
	s.surbsLock.Lock()
	nSURBs := s.surbs.Sweep()
	s.surbsLock.Unlock()

	s.openersLock.Lock()
	nPseudonyms := s.openers.Sweep()
	nOpeners := 0
	s.openers.ForEach(func(_ Pseudonym, c *openerCache) {
		nOpeners += c.Sweep()
	})
	s.openersLock.Unlock()

	if nSURBs+nPseudonyms+nOpeners > 0 {
		s.log.Debugf("Sweep: %d SURB pseudonyms, %d opener pseudonyms, %d openers expired", nSURBs, nPseudonyms, nOpeners)
	}
}

func (s *Store) sweeper() {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.HaltCh():
			s.log.Debugf("Terminating gracefully.")
			return
		case <-t.C:
			s.Sweep()
		}
	}
}
