// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hopr/core/crypto/group"
)

const (
	alice = "0x7d3a1b9b9a3b2a4b5c6d7e8f90a1b2c3d4e5f601"
	bob   = "0x1f2e3d4c5b6a79880716253443526170f1e2d3c4"
)

func mustAddress(t *testing.T, s string) Address {
	a, err := ParseAddress(s)
	require.NoError(t, err)
	return a
}

func TestAddress(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a, err := ParseAddress(alice)
	require.NoError(err)
	require.Equal(alice, a.String())
	require.False(a.IsZero())

	b, err := ParseAddress(alice[2:])
	require.NoError(err)
	require.Equal(a, b)

	_, err = ParseAddress("0xzz")
	require.ErrorIs(err, ErrInvalidHex)
	_, err = ParseAddress("0x0102")
	require.ErrorIs(err, ErrInvalidAddress)
}

func TestChannelStatus(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	for _, s := range []ChannelStatus{ChannelClosed, ChannelOpen, ChannelPendingToClose} {
		got, ok := ChannelStatusFromByte(uint8(s))
		require.True(ok)
		require.Equal(s, got)
	}
	_, ok := ChannelStatusFromByte(3)
	require.False(ok)
	require.Equal("PendingToClose", ChannelPendingToClose.String())
}

func TestChannelEntry(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	src, dst := mustAddress(t, alice), mustAddress(t, bob)
	c := NewChannelEntry(src, dst, big.NewInt(100), nil, ChannelOpen, big.NewInt(1), 0)
	require.Equal(ChannelID(src, dst), c.ID())
	require.NotEqual(ChannelID(dst, src), c.ID())
	require.Equal(int64(0), c.TicketIndex.Int64())

	d, ok := c.Direction(src)
	require.True(ok)
	require.Equal(ChannelOutgoing, d)

	d, peer, ok := c.Orientation(dst)
	require.True(ok)
	require.Equal(ChannelIncoming, d)
	require.Equal(src, peer)

	_, ok = c.Direction(Address{})
	require.False(ok)

	now := time.Unix(1_700_000_000, 0)
	_, ok = c.RemainingClosureTime(now)
	require.False(ok)
	require.False(c.ClosureTimePassed(now))

	c.Status = ChannelPendingToClose
	c.ClosureTime = uint64(now.Unix()) + 60
	r, ok := c.RemainingClosureTime(now)
	require.True(ok)
	require.Equal(time.Minute, r)
	require.False(c.ClosureTimePassed(now))
	require.True(c.ClosureTimePassed(now.Add(time.Minute)))
}

func TestDiffChannels(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	src, dst := mustAddress(t, alice), mustAddress(t, bob)
	a := NewChannelEntry(src, dst, big.NewInt(10), big.NewInt(1), ChannelOpen, big.NewInt(1), 0)
	b := NewChannelEntry(src, dst, big.NewInt(5), big.NewInt(1), ChannelPendingToClose, big.NewInt(1), 0)

	changes, err := DiffChannels(a, b)
	require.NoError(err)
	require.Len(changes, 2)
	require.Equal(ChangeStatus, changes[0].Kind)
	require.Equal("Open", changes[0].Old)
	require.Equal(ChangeBalance, changes[1].Kind)
	require.Equal("5", changes[1].New)

	changes, err = DiffChannels(a, a)
	require.NoError(err)
	require.Empty(changes)

	other := NewChannelEntry(dst, src, nil, nil, ChannelOpen, nil, 0)
	_, err = DiffChannels(a, other)
	require.ErrorIs(err, ErrInvalidModel)
}

func TestChannelFromJSON(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	js := fmt.Sprintf(`{"source":%q,"destination":%q,"balance":"1000000000000000000","ticket_index":"0x10","status":2,"channel_epoch":"3","closure_time":1700000000}`, alice, bob)
	c, err := ChannelFromJSON([]byte(js))
	require.NoError(err)
	require.Equal(ChannelPendingToClose, c.Status)
	require.Equal("1000000000000000000", c.Balance.String())
	require.Equal(int64(16), c.TicketIndex.Int64())
	require.Equal(uint64(1700000000), c.ClosureTime)
	require.Equal(ChannelID(c.Source, c.Destination), c.ID())

	out, err := ChannelToJSON(c)
	require.NoError(err)
	c2, err := ChannelFromJSON(out)
	require.NoError(err)
	changes, err := DiffChannels(c, c2)
	require.NoError(err)
	require.Empty(changes)

	for _, tc := range []struct {
		name string
		js   string
		err  error
	}{
		{"bad json", `{"source":`, ErrInvalidModel},
		{"bad address", `{"source":"0x12","destination":"` + bob + `"}`, ErrInvalidAddress},
		{"bad hex", `{"source":"0xgg","destination":"` + bob + `"}`, ErrInvalidHex},
		{"bad status", fmt.Sprintf(`{"source":%q,"destination":%q,"status":7}`, alice, bob), ErrInvalidModel},
		{"bad balance", fmt.Sprintf(`{"source":%q,"destination":%q,"balance":"lots"}`, alice, bob), ErrInvalidModel},
		{"negative balance", fmt.Sprintf(`{"source":%q,"destination":%q,"balance":"-1"}`, alice, bob), ErrInvalidModel},
	} {
		_, err := ChannelFromJSON([]byte(tc.js))
		require.ErrorIs(err, tc.err, tc.name)
	}
}

func TestAccountFromJSON(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	kp, err := group.NewKeypair(group.Ed25519, rand.Reader)
	require.NoError(err)
	pk := hex.EncodeToString(kp.Public.Alpha())

	js := fmt.Sprintf(`{"chain_key":%q,"packet_key":%q,"announcements":[{"multiaddress":"/ip4/1.2.3.4/tcp/8000","at_block":100},{"multiaddress":"/dns4/node.example/tcp/56","at_block":120}]}`, alice, pk)
	a, err := AccountFromJSON(group.Ed25519, []byte(js))
	require.NoError(err)
	require.True(a.IsAnnounced())
	require.Equal("/dns4/node.example/tcp/56", a.Multiaddress)
	require.Equal(uint64(120), a.AnnouncedAt)
	require.Equal(kp.Public.Alpha(), a.PacketKey)

	js = fmt.Sprintf(`{"chain_key":%q,"packet_key":%q}`, alice, pk)
	a, err = AccountFromJSON(group.Ed25519, []byte(js))
	require.NoError(err)
	require.False(a.IsAnnounced())

	js = fmt.Sprintf(`{"chain_key":%q,"packet_key":%q}`, alice, "00")
	_, err = AccountFromJSON(group.Ed25519, []byte(js))
	require.ErrorIs(err, ErrInvalidModel)

	js = fmt.Sprintf(`{"chain_key":%q,"packet_key":%q,"announcements":[{"multiaddress":"nonsense"}]}`, alice, pk)
	_, err = AccountFromJSON(group.Ed25519, []byte(js))
	require.ErrorIs(err, ErrInvalidModel)
}

func TestChainInfoFromJSON(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dst := "0x" + hex.EncodeToString(make([]byte, HashLength-1)) + "01"
	js := fmt.Sprintf(`{"last_indexed_block":42,"ticket_price":"100","min_incoming_ticket_win_prob":0.5,"channels_dst":%q,"network_registry_enabled":true}`, dst)
	info, err := ChainInfoFromJSON([]byte(js))
	require.NoError(err)
	require.Equal(uint64(42), info.LastIndexedBlock)
	require.Equal(int64(100), info.TicketPrice.Int64())
	require.Equal(0.5, info.MinIncomingWinningProb)
	require.Equal(byte(1), info.ChannelsDST[HashLength-1])
	require.Equal(Hash{}, info.LedgerDST)
	require.True(info.NetworkRegistryEnabled)

	_, err = ChainInfoFromJSON([]byte(`{"min_incoming_ticket_win_prob":1.5}`))
	require.ErrorIs(err, ErrInvalidModel)
	_, err = ChainInfoFromJSON([]byte(`{"ledger_dst":"0x01"}`))
	require.ErrorIs(err, ErrInvalidHex)
}
