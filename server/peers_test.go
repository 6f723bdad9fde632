// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hopr/core/chain"
	"github.com/katzenpost/hopr/core/sphinx"
	"github.com/katzenpost/hopr/server/config"
)

func testPeerTable(t *testing.T, cfg *config.Config) *peerTable {
	key, err := LoadIdentity(cfg.IdentityKeyFile(), cfg.Group())
	require.NoError(t, err)
	selfID, err := cfg.Server.RawKeyID()
	require.NoError(t, err)
	pt, err := newPeerTable(cfg, key.Public.Alpha(), selfID, sphinx.NewKeyIDMap(cfg.Geometry()))
	require.NoError(t, err)
	return pt
}

func TestPeerTablePaths(t *testing.T) {
	require := require.New(t)

	cfgs := testConfigs(t, 4, 2)
	pt := testPeerTable(t, cfgs[0])
	dst := testPeerTable(t, cfgs[1]).self.PacketKey

	p, ok := pt.lookup(dst)
	require.True(ok)
	require.Equal("node1", p.identifier)

	for i := 0; i < 10; i++ {
		path, err := pt.ForwardPath(context.Background(), dst)
		require.NoError(err)
		require.Len(path, 3)
		require.Equal(dst, path[2])
		require.False(bytes.Equal(path[0], path[1]))
		for _, hop := range path[:2] {
			require.NotEqual(dst, hop)
			require.NotEqual(pt.self.PacketKey, hop)
		}

		path, err = pt.ReturnPath(context.Background(), dst)
		require.NoError(err)
		require.Len(path, 3)
		require.Equal(pt.self.PacketKey, path[2])
		for _, hop := range path[:2] {
			require.NotEqual(dst, hop)
		}
	}

	_, err := pt.ForwardPath(context.Background(), []byte("unknown"))
	require.ErrorIs(err, errUnknownPeer)

	_, err = pt.relays(4)
	require.ErrorIs(err, errNotEnoughPeers)
}

func TestTickets(t *testing.T) {
	require := require.New(t)

	cfgs := testConfigs(t, 3, 1)
	alice := testPeerTable(t, cfgs[0])
	bob := testPeerTable(t, cfgs[1])
	carol := testPeerTable(t, cfgs[2])

	length := cfgs[0].Geometry().RelayerDataLength
	aliceTickets := &ticketProcessor{peers: alice, length: length}
	bobTickets := &ticketProcessor{peers: bob, length: length}
	carolTickets := &ticketProcessor{peers: carol, length: length}

	path := [][]byte{bob.self.PacketKey, carol.self.PacketKey}
	tickets, err := aliceTickets.IssueTickets(alice.self.PacketKey, path)
	require.NoError(err)
	require.Len(tickets, 1)
	require.Len(tickets[0], length)

	require.NoError(bobTickets.ValidateTicket(alice.self.PacketKey, tickets[0]))
	require.ErrorIs(carolTickets.ValidateTicket(alice.self.PacketKey, tickets[0]), errNoChannel)
	require.ErrorIs(bobTickets.ValidateTicket(carol.self.PacketKey, tickets[0]), errNoChannel)
	require.ErrorIs(bobTickets.ValidateTicket([]byte("unknown"), tickets[0]), errUnknownPeer)

	// Closing the channel stops the tickets over it.
	closed := chain.NewChannelEntry(alice.self.ChainAddress, bob.self.ChainAddress, new(big.Int), new(big.Int), chain.ChannelClosed, big.NewInt(1), 0)
	changes := bob.updateChannel(closed)
	require.Len(changes, 1)
	require.Equal(chain.ChangeStatus, changes[0].Kind)
	require.ErrorIs(bobTickets.ValidateTicket(alice.self.PacketKey, tickets[0]), errNoChannel)

	reopened := chain.NewChannelEntry(alice.self.ChainAddress, bob.self.ChainAddress, big.NewInt(100), new(big.Int), chain.ChannelOpen, big.NewInt(2), 0)
	require.NotEmpty(bob.updateChannel(reopened))
	require.NoError(bobTickets.ValidateTicket(alice.self.PacketKey, tickets[0]))
}
