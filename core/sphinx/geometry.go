// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/hopr/core/crypto/group"
)

const (
	// relayerEndPrefix marks the routing info block of the final hop.
	relayerEndPrefix = 0xff

	pathPositionLength = 1
	lastHopFlagsLength = 1

	// DefaultPayloadLength is the usable payload of a default packet.
	DefaultPayloadLength = 1021
)

// HeaderSpec describes the variable parts of the Sphinx header.
type HeaderSpec struct {
	// MaxHops is the maximum path length, including the final recipient.
	MaxHops int

	// KeyIDLength is the size of the public key identifiers that name
	// the next hop in the routing info.
	KeyIDLength int

	// RelayerDataLength is the size of the opaque per relayer data.
	RelayerDataLength int

	// ReceiverDataLength is the size of the data delivered to the final
	// recipient, which identifies the sender's pseudonym.
	ReceiverDataLength int

	// SURBReceiverDataLength is the size of the opaque data carried in a
	// SURB for the party using it.
	SURBReceiverDataLength int
}

// DefaultHeaderSpec returns the header layout used by HOPR nodes: up to
// three relays, 4 byte key identifiers, 32 bytes of relayer data and an
// 18 byte sender identifier.
func DefaultHeaderSpec() HeaderSpec {
	return HeaderSpec{
		MaxHops:                4,
		KeyIDLength:            4,
		RelayerDataLength:      32,
		ReceiverDataLength:     18,
		SURBReceiverDataLength: 32,
	}
}

// Validate checks the header spec for consistency.
func (h *HeaderSpec) Validate() error {
	switch {
	case h.MaxHops < 1:
		return errors.New("sphinx: MaxHops must be at least 1")
	case h.MaxHops >= relayerEndPrefix:
		return fmt.Errorf("sphinx: MaxHops must be less than %d", relayerEndPrefix)
	case h.KeyIDLength < 1:
		return errors.New("sphinx: KeyIDLength must be positive")
	case h.RelayerDataLength < 0, h.ReceiverDataLength < 0, h.SURBReceiverDataLength < 0:
		return errors.New("sphinx: data lengths must not be negative")
	}
	return nil
}

// Geometry holds every length derived from a HeaderSpec, a group and a
// payload size.  It is computed once and shared by all packet operations.
type Geometry struct {
	// Group is the name of the group used for key agreement.
	Group string

	// MaxHops is the maximum path length.
	MaxHops int

	// KeyIDLength is the size of a public key identifier.
	KeyIDLength int

	// RelayerDataLength is the size of the per relayer data.
	RelayerDataLength int

	// ReceiverDataLength is the size of the final recipient's data.
	ReceiverDataLength int

	// SURBReceiverDataLength is the size of the SURB's receiver data.
	SURBReceiverDataLength int

	// AlphaLength is the size of an encoded group element.
	AlphaLength int

	// PerHopLength is the size of the routing info block of one relay.
	PerHopLength int

	// LastHopLength is the size of the final recipient's block.
	LastHopLength int

	// HeaderLength is the size of the encrypted header, without its MAC.
	HeaderLength int

	// ExtendedHeaderLength is the working buffer size used while
	// building a header.
	ExtendedHeaderLength int

	// RoutingInfoLength is the size of the header followed by its MAC.
	RoutingInfoLength int

	// PayloadLength is the maximum size of a packet's message.
	PayloadLength int

	// PaddedPayloadLength is the size of the padded, encrypted payload.
	PaddedPayloadLength int

	// PacketLength is the size of a complete packet.
	PacketLength int

	// SURBLength is the size of a serialized SURB.
	SURBLength int

	group group.Group
}

// NewGeometry derives the packet geometry for the group g.
func NewGeometry(g group.Group, spec HeaderSpec, payloadLength int) (*Geometry, error) {
	if g == nil {
		return nil, errors.New("sphinx: nil group")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if payloadLength < 1 {
		return nil, errors.New("sphinx: payload length must be positive")
	}

	geo := &Geometry{
		Group:                  g.Name(),
		MaxHops:                spec.MaxHops,
		KeyIDLength:            spec.KeyIDLength,
		RelayerDataLength:      spec.RelayerDataLength,
		ReceiverDataLength:     spec.ReceiverDataLength,
		SURBReceiverDataLength: spec.SURBReceiverDataLength,
		AlphaLength:            g.AlphaLength(),
		PayloadLength:          payloadLength,
		group:                  g,
	}
	geo.PerHopLength = pathPositionLength + spec.KeyIDLength + MACLength + spec.RelayerDataLength
	geo.LastHopLength = lastHopFlagsLength + spec.ReceiverDataLength
	geo.HeaderLength = 1 + geo.LastHopLength + (spec.MaxHops-1)*geo.PerHopLength
	geo.ExtendedHeaderLength = 1 + geo.LastHopLength + spec.MaxHops*geo.PerHopLength
	geo.RoutingInfoLength = geo.HeaderLength + MACLength
	geo.PaddedPayloadLength = payloadLength + 1
	geo.PacketLength = geo.AlphaLength + geo.RoutingInfoLength + geo.PaddedPayloadLength
	geo.SURBLength = spec.KeyIDLength + geo.AlphaLength + geo.RoutingInfoLength + SenderKeyLength + spec.SURBReceiverDataLength
	return geo, nil
}

// DefaultGeometry returns the geometry of the default header spec over g.
func DefaultGeometry(g group.Group) *Geometry {
	geo, err := NewGeometry(g, DefaultHeaderSpec(), DefaultPayloadLength)
	if err != nil {
		panic(err)
	}
	return geo
}

// GroupScheme returns the group the geometry was derived for.
func (g *Geometry) GroupScheme() group.Group {
	return g.group
}

// HeaderSpec returns the header spec the geometry was derived from.
func (g *Geometry) HeaderSpec() HeaderSpec {
	return HeaderSpec{
		MaxHops:                g.MaxHops,
		KeyIDLength:            g.KeyIDLength,
		RelayerDataLength:      g.RelayerDataLength,
		ReceiverDataLength:     g.ReceiverDataLength,
		SURBReceiverDataLength: g.SURBReceiverDataLength,
	}
}

func (g *Geometry) String() string {
	var b strings.Builder
	b.WriteString("sphinx_packet_geometry:\n")
	b.WriteString(fmt.Sprintf("group: %s\n", g.Group))
	b.WriteString(fmt.Sprintf("max hops: %d\n", g.MaxHops))
	b.WriteString(fmt.Sprintf("packet size: %d\n", g.PacketLength))
	b.WriteString(fmt.Sprintf("header size: %d\n", g.HeaderLength))
	b.WriteString(fmt.Sprintf("routing info size: %d\n", g.RoutingInfoLength))
	b.WriteString(fmt.Sprintf("payload size: %d\n", g.PayloadLength))
	b.WriteString(fmt.Sprintf("surb size: %d\n", g.SURBLength))
	return b.String()
}

// Display renders the geometry as TOML.
func (g *Geometry) Display() string {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(g); err != nil {
		panic(err)
	}
	return buf.String()
}
