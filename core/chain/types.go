// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package chain provides the on-chain domain types a node learns about
// from the chain indexer: channels, accounts and the chain parameters.
package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

const (
	// AddressLength is the size of an on-chain address.
	AddressLength = 20

	// HashLength is the size of a Keccak-256 hash.
	HashLength = 32
)

var (
	// ErrInvalidHex is returned for strings that are not hex encoded.
	ErrInvalidHex = errors.New("chain: invalid hex encoding")

	// ErrInvalidAddress is returned for malformed addresses.
	ErrInvalidAddress = errors.New("chain: invalid address")

	// ErrInvalidModel is returned when a model cannot be converted into
	// its domain type.
	ErrInvalidModel = errors.New("chain: invalid model")
)

// Address is an on-chain account address.
type Address [AddressLength]byte

// ParseAddress parses a hex address with or without its 0x prefix.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := decodeHex(s)
	if err != nil {
		return a, err
	}
	if len(b) != AddressLength {
		return a, fmt.Errorf("%w: %q has %d bytes", ErrInvalidAddress, s, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// String returns the 0x prefixed hex encoding of the address.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero returns true for the all zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Hash is a Keccak-256 digest.
type Hash [HashLength]byte

// ParseHash parses a hex hash with or without its 0x prefix.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := decodeHex(s)
	if err != nil {
		return h, err
	}
	if len(b) != HashLength {
		return h, fmt.Errorf("%w: hash %q has %d bytes", ErrInvalidHex, s, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// ChannelID returns the identifier of the channel from source to
// destination, the Keccak-256 hash of both addresses.
func ChannelID(source, destination Address) Hash {
	var h Hash
	k := sha3.NewLegacyKeccak256()
	k.Write(source[:])
	k.Write(destination[:])
	k.Sum(h[:0])
	return h
}

// ChannelStatus is the state of a payment channel.
type ChannelStatus uint8

const (
	ChannelClosed ChannelStatus = iota
	ChannelOpen
	ChannelPendingToClose
)

// ChannelStatusFromByte converts the on-chain encoding of a status.
func ChannelStatusFromByte(b uint8) (ChannelStatus, bool) {
	s := ChannelStatus(b)
	if s > ChannelPendingToClose {
		return ChannelClosed, false
	}
	return s, true
}

func (s ChannelStatus) String() string {
	switch s {
	case ChannelClosed:
		return "Closed"
	case ChannelOpen:
		return "Open"
	case ChannelPendingToClose:
		return "PendingToClose"
	default:
		return fmt.Sprintf("[Invalid ChannelStatus: %d]", uint8(s))
	}
}

// ChannelDirection is the direction of a channel relative to this node.
type ChannelDirection uint8

const (
	// ChannelIncoming is a channel opened towards this node.
	ChannelIncoming ChannelDirection = iota

	// ChannelOutgoing is a channel opened by this node.
	ChannelOutgoing
)

func (d ChannelDirection) String() string {
	if d == ChannelOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// ChannelEntry is a payment channel between two accounts.
type ChannelEntry struct {
	Source      Address
	Destination Address
	Balance     *big.Int
	TicketIndex *big.Int
	Status      ChannelStatus
	Epoch       *big.Int

	// ClosureTime is the unix time in seconds at which a channel pending
	// to close may be finalized, zero if closure was never initiated.
	ClosureTime uint64

	id Hash
}

// NewChannelEntry creates a channel entry and computes its identifier.
func NewChannelEntry(source, destination Address, balance, ticketIndex *big.Int, status ChannelStatus, epoch *big.Int, closureTime uint64) *ChannelEntry {
	return &ChannelEntry{
		Source:      source,
		Destination: destination,
		Balance:     orZero(balance),
		TicketIndex: orZero(ticketIndex),
		Status:      status,
		Epoch:       orZero(epoch),
		ClosureTime: closureTime,
		id:          ChannelID(source, destination),
	}
}

// ID returns the channel identifier.
func (c *ChannelEntry) ID() Hash {
	return c.id
}

// Direction returns the direction of the channel as seen by me, and false
// if me is neither of its endpoints.
func (c *ChannelEntry) Direction(me Address) (ChannelDirection, bool) {
	d, _, ok := c.Orientation(me)
	return d, ok
}

// Orientation returns the direction of the channel as seen by me along
// with the counterparty.
func (c *ChannelEntry) Orientation(me Address) (ChannelDirection, Address, bool) {
	switch me {
	case c.Source:
		return ChannelOutgoing, c.Destination, true
	case c.Destination:
		return ChannelIncoming, c.Source, true
	default:
		return ChannelIncoming, Address{}, false
	}
}

// RemainingClosureTime returns the time left until the closure grace
// period ends, and false if closure was not initiated.
func (c *ChannelEntry) RemainingClosureTime(now time.Time) (time.Duration, bool) {
	if c.ClosureTime == 0 {
		return 0, false
	}
	nowSec := uint64(now.Unix())
	if nowSec >= c.ClosureTime {
		return 0, true
	}
	return time.Duration(c.ClosureTime-nowSec) * time.Second, true
}

// ClosureTimePassed returns true once the closure grace period is over.
// A channel whose closure was never initiated never passes it.
func (c *ChannelEntry) ClosureTimePassed(now time.Time) bool {
	r, ok := c.RemainingClosureTime(now)
	return ok && r == 0
}

func (c *ChannelEntry) String() string {
	return fmt.Sprintf("%v channel %v (%d): %v -> %v", c.Status, c.id, c.ClosureTime, c.Source, c.Destination)
}

// ChannelChangeKind names the field a ChannelChange is about.
type ChannelChangeKind uint8

const (
	ChangeStatus ChannelChangeKind = iota
	ChangeBalance
	ChangeEpoch
	ChangeTicketIndex
)

func (k ChannelChangeKind) String() string {
	switch k {
	case ChangeStatus:
		return "status"
	case ChangeBalance:
		return "balance"
	case ChangeEpoch:
		return "epoch"
	case ChangeTicketIndex:
		return "ticket index"
	default:
		return fmt.Sprintf("[Invalid ChannelChangeKind: %d]", uint8(k))
	}
}

// ChannelChange is a single field that differs between two versions of
// the same channel.
type ChannelChange struct {
	Kind ChannelChangeKind
	Old  string
	New  string
}

func (c ChannelChange) String() string {
	return fmt.Sprintf("%v: %s -> %s", c.Kind, c.Old, c.New)
}

// DiffChannels lists the fields that changed from left to right.  Both
// entries must describe the same channel.
func DiffChannels(left, right *ChannelEntry) ([]ChannelChange, error) {
	if left.id != right.id {
		return nil, fmt.Errorf("%w: cannot compare channels %v and %v", ErrInvalidModel, left.id, right.id)
	}
	var changes []ChannelChange
	if left.Status != right.Status {
		changes = append(changes, ChannelChange{ChangeStatus, left.Status.String(), right.Status.String()})
	}
	if left.Balance.Cmp(right.Balance) != 0 {
		changes = append(changes, ChannelChange{ChangeBalance, left.Balance.String(), right.Balance.String()})
	}
	if left.Epoch.Cmp(right.Epoch) != 0 {
		changes = append(changes, ChannelChange{ChangeEpoch, left.Epoch.String(), right.Epoch.String()})
	}
	if left.TicketIndex.Cmp(right.TicketIndex) != 0 {
		changes = append(changes, ChannelChange{ChangeTicketIndex, left.TicketIndex.String(), right.TicketIndex.String()})
	}
	return changes, nil
}

// AccountEntry is a node registered on chain.
type AccountEntry struct {
	// PacketKey is the node's offchain public key, the Alpha encoding of
	// a group element.
	PacketKey []byte

	// ChainAddress is the node's on-chain address.
	ChainAddress Address

	// Multiaddress is the last announced address, empty if the node never
	// announced itself.
	Multiaddress string

	// AnnouncedAt is the block of the announcement.
	AnnouncedAt uint64
}

// IsAnnounced returns true if the account announced an address.
func (a *AccountEntry) IsAnnounced() bool {
	return a.Multiaddress != ""
}

func (a *AccountEntry) String() string {
	if !a.IsAnnounced() {
		return fmt.Sprintf("account %v (%x): not announced", a.ChainAddress, a.PacketKey)
	}
	return fmt.Sprintf("account %v (%x): announced %s at block %d", a.ChainAddress, a.PacketKey, a.Multiaddress, a.AnnouncedAt)
}

// ChainInfo is the chain state a node needs to validate tickets.
type ChainInfo struct {
	LastIndexedBlock       uint64
	TicketPrice            *big.Int
	MinIncomingWinningProb float64
	ChannelsDST            Hash
	LedgerDST              Hash
	SafeRegistryDST        Hash
	NetworkRegistryEnabled bool
}

func decodeHex(s string) ([]byte, error) {
	t := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidHex, s, err)
	}
	return b, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
