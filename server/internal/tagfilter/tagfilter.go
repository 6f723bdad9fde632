// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package tagfilter detects replayed packets by their packet tags.
package tagfilter

import (
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hopr/core/sphinx"
	"github.com/katzenpost/hopr/core/worker"
)

const (
	tagsBucket = "packet_tags"

	// DefaultFilterSize is the default bloom filter size as a power of 2
	// in bits, 64 MiB holding about 37 million tags.
	DefaultFilterSize = 29

	falsePositiveRate = 0.001
	flushInterval     = time.Second
)

var dbOptions = &bolt.Options{
	NoFreelistSync: true,
	Timeout:        time.Second,
}

// Filter remembers every packet tag it has seen.  A bloom filter answers
// for tags that are certainly new, the tag database settles the rest.
// Without a database, bloom filter false positives count as replays.
type Filter struct {
	worker.Worker
	sync.Mutex

	log *logging.Logger

	f       *bloom.Filter
	db      *bolt.DB
	pending map[sphinx.PacketTag]struct{}
}

// New creates a filter of 2^mLn2 bits.  If dbPath is not empty, tags are
// persisted there and reloaded on the next start.
func New(l *logging.Logger, dbPath string, mLn2 int) (*Filter, error) {
	if mLn2 <= 0 {
		mLn2 = DefaultFilterSize
	}
	bf, err := bloom.New(rand.Reader, mLn2, falsePositiveRate)
	if err != nil {
		return nil, fmt.Errorf("tagfilter: %w", err)
	}
	f := &Filter{
		log:     l,
		f:       bf,
		pending: make(map[sphinx.PacketTag]struct{}),
	}
	if dbPath == "" {
		return f, nil
	}

	if f.db, err = bolt.Open(dbPath, 0600, dbOptions); err != nil {
		return nil, fmt.Errorf("tagfilter: failed to open database: %w", err)
	}
	n := 0
	if err = f.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(tagsBucket))
		if err != nil {
			return err
		}
		return bkt.ForEach(func(k, _ []byte) error {
			f.f.TestAndSet(k)
			n++
			return nil
		})
	}); err != nil {
		f.db.Close()
		return nil, fmt.Errorf("tagfilter: failed to load tags: %w", err)
	}
	f.log.Noticef("Loaded %d packet tags from %v.", n, dbPath)

	f.Go(f.flusher)
	return f, nil
}

// IsReplay marks tag as seen and returns true iff it was seen before.
func (f *Filter) IsReplay(tag sphinx.PacketTag) bool {
	f.Lock()
	defer f.Unlock()

	saturated := f.f.Entries() >= f.f.MaxEntries()
	if saturated {
		f.log.Warningf("Bloom filter is saturated at %d entries.", f.f.Entries())
	}
	if !f.f.TestAndSet(tag[:]) && !saturated {
		f.remember(tag)
		return false
	}
	if f.db == nil {
		return true
	}

	if _, ok := f.pending[tag]; ok {
		return true
	}
	seen := false
	if err := f.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket([]byte(tagsBucket)).Get(tag[:]) != nil
		return nil
	}); err != nil {
		f.log.Errorf("Failed to look up packet tag: %v", err)
		return true
	}
	if !seen {
		f.log.Debugf("Bloom filter false positive for tag %v.", tag)
		f.remember(tag)
	}
	return seen
}

// Len returns the number of tags in the bloom filter.
func (f *Filter) Len() int {
	f.Lock()
	defer f.Unlock()
	return f.f.Entries()
}

func (f *Filter) remember(tag sphinx.PacketTag) {
	if f.db != nil {
		f.pending[tag] = struct{}{}
	}
}

// Flush writes the tags seen since the last flush to the database.
func (f *Filter) Flush() error {
	if f.db == nil {
		return nil
	}

	f.Lock()
	defer f.Unlock()
	if len(f.pending) == 0 {
		return nil
	}
	if err := f.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(tagsBucket))
		for tag := range f.pending {
			if err := bkt.Put(tag[:], []byte{}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("tagfilter: failed to persist tags: %w", err)
	}
	clear(f.pending)
	return nil
}

func (f *Filter) flusher() {
	t := time.NewTicker(flushInterval)
	defer t.Stop()
	for {
		select {
		case <-f.HaltCh():
			return
		case <-t.C:
			if err := f.Flush(); err != nil {
				f.log.Errorf("%v", err)
			}
		}
	}
}

// Close flushes outstanding tags and closes the database.
func (f *Filter) Close() error {
	f.Halt()
	if f.db == nil {
		return nil
	}
	err := f.Flush()
	if cErr := f.db.Close(); err == nil {
		err = cErr
	}
	return err
}
