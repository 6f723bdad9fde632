// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/hopr/core/crypto/group"
)

// Routing describes how a new packet reaches its destination.  It is
// either a ForwardPath or a SURBRouting.
type Routing interface {
	isRouting()
}

// ForwardPath routes a packet over a path chosen by its sender.
type ForwardPath struct {
	// Keys is the key agreement with the hops of Path.
	Keys *SharedKeys

	// Path is the public keys of the hops, ending with the recipient.
	Path [][]byte

	// RelayerData is the optional per relay data, indexed like Path.
	RelayerData [][]byte

	// ReceiverData identifies the sender to the recipient.
	ReceiverData []byte

	// NoAck asks the recipient not to acknowledge the packet.
	NoAck bool
}

func (*ForwardPath) isRouting() {}

// SURBRouting routes a reply over the return path of a SURB.
type SURBRouting struct {
	SURB *SURB

	// ReceiverData is the pseudonym the SURB was received under, which
	// keys the reply payload encryption.
	ReceiverData []byte
}

func (*SURBRouting) isRouting() {}

// PartialPacket is a packet with its header already built, waiting for
// a payload.  Building headers is the costly part of packet creation, so
// they can be prepared ahead of time.
type PartialPacket struct {
	Alpha       []byte   `cbor:"1,keyasint"`
	RoutingInfo []byte   `cbor:"2,keyasint"`
	PRPKeys     [][]byte `cbor:"3,keyasint"`
}

// NewPartialPacket builds the header for routing.
func NewPartialPacket(geo *Geometry, mapper KeyIDMapper, routing Routing, r io.Reader) (*PartialPacket, error) {
	switch rt := routing.(type) {
	case *ForwardPath:
		if rt.Keys == nil || len(rt.Path) == 0 || len(rt.Path) != len(rt.Keys.Secrets) {
			return nil, ErrInvalidInput
		}
		ids, err := mapKeysToIDs(mapper, rt.Path)
		if err != nil {
			return nil, err
		}
		ri, err := NewRoutingInfo(geo, &RoutingParams{
			Path:         ids,
			Secrets:      rt.Keys.Secrets,
			RelayerData:  rt.RelayerData,
			ReceiverData: rt.ReceiverData,
			NoAck:        rt.NoAck,
		}, r)
		if err != nil {
			return nil, err
		}

		// The hops undo the layers in path order, so they are applied in
		// reverse.
		keys := make([][]byte, 0, len(rt.Keys.Secrets))
		for i := len(rt.Keys.Secrets) - 1; i >= 0; i-- {
			keys = append(keys, newPRPFromSecret(&rt.Keys.Secrets[i]).bytes())
		}
		return &PartialPacket{
			Alpha:       append([]byte(nil), rt.Keys.Alpha...),
			RoutingInfo: ri,
			PRPKeys:     keys,
		}, nil
	case *SURBRouting:
		if rt.SURB == nil {
			return nil, ErrInvalidInput
		}
		if len(rt.SURB.Header) != geo.RoutingInfoLength || len(rt.SURB.Alpha) != geo.AlphaLength {
			return nil, ErrInvalidSize
		}
		return &PartialPacket{
			Alpha:       append([]byte(nil), rt.SURB.Alpha...),
			RoutingInfo: append([]byte(nil), rt.SURB.Header...),
			PRPKeys:     [][]byte{newReplyPRP(&rt.SURB.SenderKey, rt.ReceiverData).bytes()},
		}, nil
	default:
		return nil, ErrInvalidInput
	}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *PartialPacket) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(p)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *PartialPacket) UnmarshalBinary(b []byte) error {
	return cbor.Unmarshal(b, p)
}

// ToMetaPacket pads and encrypts msg, completing the packet.
func (p *PartialPacket) ToMetaPacket(geo *Geometry, msg []byte) (MetaPacket, error) {
	if len(p.Alpha) != geo.AlphaLength || len(p.RoutingInfo) != geo.RoutingInfoLength {
		return nil, ErrInvalidSize
	}
	payload, err := NewPaddedPayload(geo, msg)
	if err != nil {
		return nil, err
	}
	for _, k := range p.PRPKeys {
		if len(k) != prpKeyLength+prpIVLength {
			return nil, ErrInvalidSize
		}
		prp := newPRP(k)
		prp.forward(payload)
		prp.reset()
	}
	return NewMetaPacket(geo, p.Alpha, p.RoutingInfo, payload)
}

// MetaPacket is a serialized packet: alpha, routing info, then the
// encrypted padded payload.
type MetaPacket []byte

// NewMetaPacket assembles a packet from its parts.
func NewMetaPacket(geo *Geometry, alpha []byte, ri RoutingInfo, payload []byte) (MetaPacket, error) {
	if len(alpha) != geo.AlphaLength || len(ri) != geo.RoutingInfoLength || len(payload) != geo.PaddedPayloadLength {
		return nil, ErrInvalidSize
	}
	pkt := make(MetaPacket, 0, geo.PacketLength)
	pkt = append(pkt, alpha...)
	pkt = append(pkt, ri...)
	return append(pkt, payload...), nil
}

// MetaPacketFromBytes checks the length of b and wraps it.
func MetaPacketFromBytes(geo *Geometry, b []byte) (MetaPacket, error) {
	if len(b) != geo.PacketLength {
		return nil, fmt.Errorf("%w: packet must be %d bytes, got %d", ErrParse, geo.PacketLength, len(b))
	}
	return MetaPacket(b), nil
}

func (m MetaPacket) alpha(geo *Geometry) []byte {
	return m[:geo.AlphaLength]
}

func (m MetaPacket) routingInfo(geo *Geometry) RoutingInfo {
	return RoutingInfo(m[geo.AlphaLength : geo.AlphaLength+geo.RoutingInfoLength])
}

func (m MetaPacket) payload(geo *Geometry) []byte {
	return m[geo.AlphaLength+geo.RoutingInfoLength:]
}

// RelayedPacket is a packet processed by a relay, to be sent on to
// NextNode.
type RelayedPacket struct {
	Packet      MetaPacket
	NextNode    []byte
	PathPos     uint8
	RelayerData []byte
	Secret      SharedSecret
	PacketTag   PacketTag
}

// FinalPacket is a packet that reached its destination.
type FinalPacket struct {
	Payload      []byte
	ReceiverData []byte
	Secret       SharedSecret
	PacketTag    PacketTag
	NoAck        bool
	IsReply      bool
}

// Unwrapped is the outcome of Unwrap.  Exactly one of the fields is set.
type Unwrapped struct {
	Relayed *RelayedPacket
	Final   *FinalPacket
}

// OpenerLookup returns the ReplyOpener for a reply's receiver data.
type OpenerLookup func(receiverData []byte) (*ReplyOpener, bool)

// Unwrap removes one layer of encryption from pkt with the node keypair
// kp.  The packet buffer is reused for the relayed packet.  Replies are
// opened with the opener returned by openers.
func Unwrap(geo *Geometry, kp *group.Keypair, mapper KeyIDMapper, openers OpenerLookup, pkt MetaPacket) (*Unwrapped, error) {
	if len(pkt) != geo.PacketLength {
		return nil, fmt.Errorf("%w: packet must be %d bytes, got %d", ErrParse, geo.PacketLength, len(pkt))
	}

	nextAlpha, secret, err := ForwardTransform(geo.group, pkt.alpha(geo), kp)
	if err != nil {
		return nil, err
	}
	tag := DerivePacketTag(&secret)

	fh, err := ForwardHeader(geo, &secret, pkt.routingInfo(geo))
	if err != nil {
		return nil, err
	}

	payload := pkt.payload(geo)
	prp := newPRPFromSecret(&secret)
	prp.inverse(payload)
	prp.reset()

	if fh.Relayed != nil {
		next, ok := mapper.IDToKey(fh.Relayed.NextNode)
		if !ok {
			return nil, fmt.Errorf("%w: %x", ErrUnknownKeyID, fh.Relayed.NextNode)
		}
		copy(pkt.alpha(geo), nextAlpha)
		return &Unwrapped{
			Relayed: &RelayedPacket{
				Packet:      pkt,
				NextNode:    next,
				PathPos:     fh.Relayed.PathPos,
				RelayerData: fh.Relayed.RelayerData,
				Secret:      secret,
				PacketTag:   tag,
			},
		}, nil
	}

	final := fh.Final
	if final.IsReply {
		if openers == nil {
			return nil, ErrNoReplyOpener
		}
		opener, ok := openers(final.ReceiverData)
		if !ok {
			return nil, ErrNoReplyOpener
		}
		for i := len(opener.SharedSecrets) - 1; i >= 0; i-- {
			p := newPRPFromSecret(&opener.SharedSecrets[i])
			p.forward(payload)
			p.reset()
		}
		p := newReplyPRP(&opener.SenderKey, final.ReceiverData)
		p.inverse(payload)
		p.reset()
		opener.Reset()
	}

	msg, err := PaddedPayload(payload).Unpadded()
	if err != nil {
		return nil, err
	}
	return &Unwrapped{
		Final: &FinalPacket{
			Payload:      append([]byte(nil), msg...),
			ReceiverData: final.ReceiverData,
			Secret:       secret,
			PacketTag:    tag,
			NoAck:        final.NoAck,
			IsReply:      final.IsReply,
		},
	}, nil
}
