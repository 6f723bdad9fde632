// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ugorji/go/codec"

	"github.com/katzenpost/hopr/core/crypto/group"
)

var (
	jsonHandle = &codec.JsonHandle{}

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// ChannelModel is a channel as stored by the indexer.  Amounts are
// decimal strings, or hex when prefixed with 0x.
type ChannelModel struct {
	Source      string `codec:"source"`
	Destination string `codec:"destination"`
	Balance     string `codec:"balance"`
	TicketIndex string `codec:"ticket_index"`
	Status      uint8  `codec:"status"`
	Epoch       string `codec:"channel_epoch"`
	ClosureTime uint64 `codec:"closure_time"`
}

// ToChannelEntry converts the model into a ChannelEntry.
func (m *ChannelModel) ToChannelEntry() (*ChannelEntry, error) {
	src, err := ParseAddress(m.Source)
	if err != nil {
		return nil, fmt.Errorf("channel source: %w", err)
	}
	dst, err := ParseAddress(m.Destination)
	if err != nil {
		return nil, fmt.Errorf("channel destination: %w", err)
	}
	status, ok := ChannelStatusFromByte(m.Status)
	if !ok {
		return nil, fmt.Errorf("%w: channel status %d", ErrInvalidModel, m.Status)
	}
	balance, err := parseUint256("balance", m.Balance)
	if err != nil {
		return nil, err
	}
	idx, err := parseUint256("ticket_index", m.TicketIndex)
	if err != nil {
		return nil, err
	}
	epoch, err := parseUint256("channel_epoch", m.Epoch)
	if err != nil {
		return nil, err
	}
	return NewChannelEntry(src, dst, balance, idx, status, epoch, m.ClosureTime), nil
}

// AnnouncementModel is a multiaddress announced by an account.
type AnnouncementModel struct {
	Multiaddress string `codec:"multiaddress"`
	AtBlock      uint64 `codec:"at_block"`
}

// AccountModel is an account as stored by the indexer.
type AccountModel struct {
	ChainKey      string              `codec:"chain_key"`
	PacketKey     string              `codec:"packet_key"`
	Announcements []AnnouncementModel `codec:"announcements"`
}

// ToAccountEntry converts the model into an AccountEntry.  The packet key
// must be a valid element of g.  The most recent announcement wins.
func (m *AccountModel) ToAccountEntry(g group.Group) (*AccountEntry, error) {
	addr, err := ParseAddress(m.ChainKey)
	if err != nil {
		return nil, fmt.Errorf("account chain key: %w", err)
	}
	pk, err := decodeHex(m.PacketKey)
	if err != nil {
		return nil, fmt.Errorf("account packet key: %w", err)
	}
	if _, err := g.ElementFromAlpha(pk); err != nil {
		return nil, fmt.Errorf("%w: account packet key: %v", ErrInvalidModel, err)
	}

	a := &AccountEntry{
		PacketKey:    pk,
		ChainAddress: addr,
	}
	for _, ann := range m.Announcements {
		if !strings.HasPrefix(ann.Multiaddress, "/") {
			return nil, fmt.Errorf("%w: multiaddress %q", ErrInvalidModel, ann.Multiaddress)
		}
		if a.Multiaddress == "" || ann.AtBlock >= a.AnnouncedAt {
			a.Multiaddress = ann.Multiaddress
			a.AnnouncedAt = ann.AtBlock
		}
	}
	return a, nil
}

// ChainInfoModel is the chain state as stored by the indexer.
type ChainInfoModel struct {
	LastIndexedBlock       uint64  `codec:"last_indexed_block"`
	TicketPrice            string  `codec:"ticket_price"`
	MinIncomingWinningProb float64 `codec:"min_incoming_ticket_win_prob"`
	ChannelsDST            string  `codec:"channels_dst"`
	LedgerDST              string  `codec:"ledger_dst"`
	SafeRegistryDST        string  `codec:"safe_registry_dst"`
	NetworkRegistryEnabled bool    `codec:"network_registry_enabled"`
}

// ToChainInfo converts the model into a ChainInfo.  Domain separators
// that were never set may be empty.
func (m *ChainInfoModel) ToChainInfo() (*ChainInfo, error) {
	if m.MinIncomingWinningProb < 0 || m.MinIncomingWinningProb > 1 {
		return nil, fmt.Errorf("%w: winning probability %v", ErrInvalidModel, m.MinIncomingWinningProb)
	}
	price, err := parseUint256("ticket_price", m.TicketPrice)
	if err != nil {
		return nil, err
	}
	info := &ChainInfo{
		LastIndexedBlock:       m.LastIndexedBlock,
		TicketPrice:            price,
		MinIncomingWinningProb: m.MinIncomingWinningProb,
		NetworkRegistryEnabled: m.NetworkRegistryEnabled,
	}
	for _, f := range []struct {
		name string
		s    string
		dst  *Hash
	}{
		{"channels_dst", m.ChannelsDST, &info.ChannelsDST},
		{"ledger_dst", m.LedgerDST, &info.LedgerDST},
		{"safe_registry_dst", m.SafeRegistryDST, &info.SafeRegistryDST},
	} {
		if f.s == "" {
			continue
		}
		h, err := ParseHash(f.s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = h
	}
	return info, nil
}

func decodeJSON(b []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(b, jsonHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", ErrInvalidModel, err)
	}
	return nil
}

// ChannelFromJSON decodes a JSON ChannelModel into a ChannelEntry.
func ChannelFromJSON(b []byte) (*ChannelEntry, error) {
	var m ChannelModel
	if err := decodeJSON(b, &m); err != nil {
		return nil, err
	}
	return m.ToChannelEntry()
}

// AccountFromJSON decodes a JSON AccountModel into an AccountEntry.
func AccountFromJSON(g group.Group, b []byte) (*AccountEntry, error) {
	var m AccountModel
	if err := decodeJSON(b, &m); err != nil {
		return nil, err
	}
	return m.ToAccountEntry(g)
}

// ChainInfoFromJSON decodes a JSON ChainInfoModel into a ChainInfo.
func ChainInfoFromJSON(b []byte) (*ChainInfo, error) {
	var m ChainInfoModel
	if err := decodeJSON(b, &m); err != nil {
		return nil, err
	}
	return m.ToChainInfo()
}

// ChannelToJSON encodes a ChannelEntry as a JSON ChannelModel.
func ChannelToJSON(c *ChannelEntry) ([]byte, error) {
	m := &ChannelModel{
		Source:      c.Source.String(),
		Destination: c.Destination.String(),
		Balance:     c.Balance.String(),
		TicketIndex: c.TicketIndex.String(),
		Status:      uint8(c.Status),
		Epoch:       c.Epoch.String(),
		ClosureTime: c.ClosureTime,
	}
	var out []byte
	enc := codec.NewEncoderBytes(&out, jsonHandle)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return out, nil
}

func parseUint256(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("%w: %s %q is not a number", ErrInvalidModel, field, s)
	}
	if v.Sign() < 0 || v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%w: %s %q is out of range", ErrInvalidModel, field, s)
	}
	return v, nil
}
