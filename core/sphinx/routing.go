// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"crypto/subtle"
	"fmt"
	"io"
)

const (
	flagIsReply = 1 << 0
	flagNoAck   = 1 << 1
)

// RoutingInfo is an encrypted Sphinx header followed by its MAC.
type RoutingInfo []byte

func (r RoutingInfo) header(geo *Geometry) []byte {
	return r[:geo.HeaderLength]
}

func (r RoutingInfo) mac(geo *Geometry) []byte {
	return r[geo.HeaderLength:geo.RoutingInfoLength]
}

// RoutingParams are the inputs of NewRoutingInfo.
type RoutingParams struct {
	// Path holds the key identifiers of the hops, in path order.
	Path [][]byte

	// Secrets are the shared secrets with the hops, in path order.
	Secrets []SharedSecret

	// RelayerData is optional data for each relay, indexed like Path.
	// Missing entries are left zeroed.
	RelayerData [][]byte

	// ReceiverData is delivered to the final hop.
	ReceiverData []byte

	// IsReply marks headers built for a SURB.
	IsReply bool

	// NoAck asks the final hop not to acknowledge the packet.
	NoAck bool
}

func generateFiller(geo *Geometry, secrets []SharedSecret) ([]byte, error) {
	if len(secrets) < 2 {
		return nil, nil
	}
	if len(secrets) > geo.MaxHops {
		return nil, ErrInvalidInput
	}

	filler := make([]byte, (len(secrets)-1)*geo.PerHopLength)
	length := geo.PerHopLength
	start := geo.HeaderLength
	for i := 0; i < len(secrets)-1; i++ {
		digest := prgDigest(&secrets[i], start, geo.HeaderLength+geo.PerHopLength)
		xorInPlace(filler[:length], digest)
		length += geo.PerHopLength
		start -= geo.PerHopLength
	}
	return filler, nil
}

// NewRoutingInfo builds the layered routing info for a path, working from
// the final hop backwards so that each hop can only read its own block.
// Random padding is read from r.
func NewRoutingInfo(geo *Geometry, p *RoutingParams, r io.Reader) (RoutingInfo, error) {
	n := len(p.Secrets)
	if n == 0 || len(p.Path) != n {
		return nil, fmt.Errorf("%w: path has %d entries, expected %d", ErrInvalidSize, len(p.Path), n)
	}
	if n > geo.MaxHops {
		return nil, ErrInvalidInput
	}
	if len(p.ReceiverData) != geo.ReceiverDataLength {
		return nil, fmt.Errorf("%w: receiver data must be %d bytes", ErrInvalidSize, geo.ReceiverDataLength)
	}

	ext := make([]byte, geo.ExtendedHeaderLength)
	mac := make([]byte, MACLength)
	for idx := 0; idx < n; idx++ {
		inv := n - idx - 1
		secret := &p.Secrets[inv]

		if idx == 0 {
			ext[0] = relayerEndPrefix
			var flags byte
			if p.IsReply {
				flags |= flagIsReply
			}
			if p.NoAck {
				flags |= flagNoAck
			}
			ext[1] = flags
			copy(ext[1+lastHopFlagsLength:], p.ReceiverData)

			padStart := 1 + geo.LastHopLength
			padLen := (geo.MaxHops - n) * geo.PerHopLength
			if padLen > 0 {
				if _, err := io.ReadFull(r, ext[padStart:padStart+padLen]); err != nil {
					return nil, err
				}
			}
			xorInPlace(ext[:padStart+padLen], prgDigest(secret, 0, padStart+padLen))

			filler, err := generateFiller(geo, p.Secrets)
			if err != nil {
				return nil, err
			}
			copy(ext[padStart+padLen:], filler)
		} else {
			copy(ext[geo.PerHopLength:], ext[:geo.HeaderLength])

			// The path position comes first, so a relay block can never
			// start with the end prefix.
			ext[0] = byte(idx)

			keyID := p.Path[inv+1]
			if len(keyID) != geo.KeyIDLength {
				return nil, fmt.Errorf("%w: key id must be %d bytes", ErrInvalidSize, geo.KeyIDLength)
			}
			off := pathPositionLength
			copy(ext[off:], keyID)
			off += geo.KeyIDLength
			copy(ext[off:], mac)
			off += MACLength

			data := make([]byte, geo.RelayerDataLength)
			if inv < len(p.RelayerData) && p.RelayerData[inv] != nil {
				if len(p.RelayerData[inv]) != geo.RelayerDataLength {
					return nil, fmt.Errorf("%w: relayer data must be %d bytes", ErrInvalidSize, geo.RelayerDataLength)
				}
				copy(data, p.RelayerData[inv])
			}
			copy(ext[off:off+geo.RelayerDataLength], data)

			xorInPlace(ext, prgDigest(secret, 0, geo.HeaderLength))
		}

		mac = computeMAC(secret, ext[:geo.HeaderLength])
	}

	ri := make(RoutingInfo, geo.RoutingInfoLength)
	copy(ri, ext[:geo.HeaderLength])
	copy(ri[geo.HeaderLength:], mac)
	return ri, nil
}

// RelayedHeader is the part of a forwarded header addressed to a relay.
type RelayedHeader struct {
	// NextRoutingInfo is the routing info to send to the next hop.
	NextRoutingInfo RoutingInfo

	// PathPos is the number of hops left after the next one.
	PathPos uint8

	// NextNode is the key identifier of the next hop.
	NextNode []byte

	// RelayerData is the opaque data left for this relay.
	RelayerData []byte
}

// FinalHeader is the part of a forwarded header addressed to the
// packet's destination.
type FinalHeader struct {
	ReceiverData []byte
	IsReply      bool
	NoAck        bool
}

// ForwardedHeader is the outcome of ForwardHeader.  Exactly one of the
// fields is set.
type ForwardedHeader struct {
	Relayed *RelayedHeader
	Final   *FinalHeader
}

// ForwardHeader authenticates and peels one layer off ri, which is
// modified in place.
func ForwardHeader(geo *Geometry, secret *SharedSecret, ri RoutingInfo) (*ForwardedHeader, error) {
	if len(ri) != geo.RoutingInfoLength {
		return nil, fmt.Errorf("%w: routing info must be %d bytes", ErrInvalidSize, geo.RoutingInfoLength)
	}

	header := ri.header(geo)
	if subtle.ConstantTimeCompare(computeMAC(secret, header), ri.mac(geo)) != 1 {
		return nil, ErrTagMismatch
	}

	xorInPlace(header, prgDigest(secret, 0, geo.HeaderLength))

	if header[0] == relayerEndPrefix {
		flags := header[1]
		data := make([]byte, geo.ReceiverDataLength)
		copy(data, header[1+lastHopFlagsLength:])
		return &ForwardedHeader{
			Final: &FinalHeader{
				ReceiverData: data,
				IsReply:      flags&flagIsReply != 0,
				NoAck:        flags&flagNoAck != 0,
			},
		}, nil
	}

	rh := &RelayedHeader{
		PathPos:     header[0],
		NextNode:    make([]byte, geo.KeyIDLength),
		RelayerData: make([]byte, geo.RelayerDataLength),
	}
	off := pathPositionLength
	copy(rh.NextNode, header[off:off+geo.KeyIDLength])
	off += geo.KeyIDLength
	nextMAC := make([]byte, MACLength)
	copy(nextMAC, header[off:off+MACLength])
	off += MACLength
	copy(rh.RelayerData, header[off:off+geo.RelayerDataLength])

	copy(header, header[geo.PerHopLength:])
	copy(header[geo.HeaderLength-geo.PerHopLength:], prgDigest(secret, geo.HeaderLength, geo.HeaderLength+geo.PerHopLength))
	copy(ri.mac(geo), nextMAC)

	rh.NextRoutingInfo = ri
	return &ForwardedHeader{Relayed: rh}, nil
}
