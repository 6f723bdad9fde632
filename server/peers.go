// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sync"

	hprand "github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/hopr/core/chain"
	"github.com/katzenpost/hopr/core/sphinx"
	"github.com/katzenpost/hopr/server/config"
)

var (
	errUnknownPeer    = errors.New("server: unknown peer")
	errNotEnoughPeers = errors.New("server: not enough peers for the path")
	errNoChannel      = errors.New("server: no open channel")
)

type peer struct {
	identifier string
	address    string
	keyID      []byte
	account    *chain.AccountEntry
}

// peerTable holds the nodes known to this one, and the payment channels
// between them.
type peerTable struct {
	sync.RWMutex

	self      *chain.AccountEntry
	numRelays int
	byKey     map[string]*peer
	channels  map[chain.Hash]*chain.ChannelEntry

	rngLock sync.Mutex
	rng     *rand.Rand
}

// newPeerTable creates the table of the configured peers, registers
// their key identifiers with mapper and opens a channel both ways with
// every peer.
func newPeerTable(cfg *config.Config, self []byte, selfID []byte, mapper *sphinx.KeyIDMap) (*peerTable, error) {
	selfAddr, err := chain.ParseAddress(cfg.Server.ChainAddress)
	if err != nil {
		return nil, err
	}
	t := &peerTable{
		self:      &chain.AccountEntry{PacketKey: self, ChainAddress: selfAddr},
		numRelays: cfg.Session.NumRelays,
		byKey:     make(map[string]*peer),
		channels:  make(map[chain.Hash]*chain.ChannelEntry),
		rng:       hprand.NewMath(),
	}
	if err := mapper.Insert(selfID, self); err != nil {
		return nil, err
	}
	for _, p := range cfg.Peers {
		key, err := p.RawPacketKey()
		if err != nil {
			return nil, err
		}
		keyID, err := p.RawKeyID()
		if err != nil {
			return nil, err
		}
		addr, err := chain.ParseAddress(p.ChainAddress)
		if err != nil {
			return nil, err
		}
		if err := mapper.Insert(keyID, key); err != nil {
			return nil, fmt.Errorf("server: peer %v: %w", p.Identifier, err)
		}
		t.add(&peer{
			identifier: p.Identifier,
			address:    p.Address,
			keyID:      keyID,
			account:    &chain.AccountEntry{PacketKey: key, ChainAddress: addr},
		})
	}
	return t, nil
}

func (t *peerTable) add(p *peer) {
	t.Lock()
	defer t.Unlock()
	t.byKey[string(p.account.PacketKey)] = p
	for _, c := range []*chain.ChannelEntry{
		chain.NewChannelEntry(t.self.ChainAddress, p.account.ChainAddress, new(big.Int), new(big.Int), chain.ChannelOpen, big.NewInt(1), 0),
		chain.NewChannelEntry(p.account.ChainAddress, t.self.ChainAddress, new(big.Int), new(big.Int), chain.ChannelOpen, big.NewInt(1), 0),
	} {
		t.channels[c.ID()] = c
	}
}

// updateChannel replaces the state of a channel.
func (t *peerTable) updateChannel(c *chain.ChannelEntry) []chain.ChannelChange {
	t.Lock()
	defer t.Unlock()
	old, ok := t.channels[c.ID()]
	t.channels[c.ID()] = c
	if !ok {
		return nil
	}
	changes, _ := chain.DiffChannels(old, c)
	return changes
}

func (t *peerTable) lookup(key []byte) (*peer, bool) {
	t.RLock()
	defer t.RUnlock()
	p, ok := t.byKey[string(key)]
	return p, ok
}

func (t *peerTable) chainAddress(key []byte) (chain.Address, bool) {
	if bytes.Equal(key, t.self.PacketKey) {
		return t.self.ChainAddress, true
	}
	p, ok := t.lookup(key)
	if !ok {
		return chain.Address{}, false
	}
	return p.account.ChainAddress, true
}

// relays picks n distinct random peers, none of them in exclude.
func (t *peerTable) relays(n int, exclude ...[]byte) ([][]byte, error) {
	t.RLock()
	candidates := make([][]byte, 0, len(t.byKey))
	for _, p := range t.byKey {
		skip := false
		for _, e := range exclude {
			if bytes.Equal(p.account.PacketKey, e) {
				skip = true
				break
			}
		}
		if !skip {
			candidates = append(candidates, p.account.PacketKey)
		}
	}
	t.RUnlock()

	if len(candidates) < n {
		return nil, fmt.Errorf("%w: need %d relays, have %d", errNotEnoughPeers, n, len(candidates))
	}
	t.rngLock.Lock()
	t.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	t.rngLock.Unlock()
	return candidates[:n], nil
}

// ForwardPath implements codec.PathResolver.
func (t *peerTable) ForwardPath(_ context.Context, dst []byte) ([][]byte, error) {
	if _, ok := t.lookup(dst); !ok {
		return nil, errUnknownPeer
	}
	path, err := t.relays(t.numRelays, dst, t.self.PacketKey)
	if err != nil {
		return nil, err
	}
	return append(path, dst), nil
}

// ReturnPath implements codec.PathResolver.
func (t *peerTable) ReturnPath(_ context.Context, dst []byte) ([][]byte, error) {
	path, err := t.relays(t.numRelays, dst, t.self.PacketKey)
	if err != nil {
		return nil, err
	}
	return append(path, t.self.PacketKey), nil
}

// ticketProcessor binds every relayed packet to the payment channel it
// travels over: the relayer data of a hop is the id of the channel from
// the previous hop to it.
type ticketProcessor struct {
	peers  *peerTable
	length int
}

func (tp *ticketProcessor) ticket(from, to []byte) ([]byte, error) {
	src, ok := tp.peers.chainAddress(from)
	if !ok {
		return nil, fmt.Errorf("%w: %x", errUnknownPeer, from)
	}
	dst, ok := tp.peers.chainAddress(to)
	if !ok {
		return nil, fmt.Errorf("%w: %x", errUnknownPeer, to)
	}
	id := chain.ChannelID(src, dst)
	b := make([]byte, tp.length)
	copy(b, id[:])
	return b, nil
}

// IssueTickets implements codec.TicketProcessor.
func (tp *ticketProcessor) IssueTickets(sender []byte, path [][]byte) ([][]byte, error) {
	tickets := make([][]byte, 0, len(path))
	prev := sender
	for _, hop := range path[:len(path)-1] {
		t, err := tp.ticket(prev, hop)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
		prev = hop
	}
	return tickets, nil
}

// ValidateTicket implements codec.TicketProcessor.
func (tp *ticketProcessor) ValidateTicket(prevHop, relayerData []byte) error {
	want, err := tp.ticket(prevHop, tp.peers.self.PacketKey)
	if err != nil {
		return err
	}
	if !bytes.Equal(want, relayerData) {
		return fmt.Errorf("%w: ticket does not match the channel from %x", errNoChannel, prevHop)
	}

	var id chain.Hash
	copy(id[:], want)
	tp.peers.RLock()
	c, ok := tp.peers.channels[id]
	tp.peers.RUnlock()
	if !ok || c.Status != chain.ChannelOpen {
		return fmt.Errorf("%w: %v", errNoChannel, id)
	}
	return nil
}
