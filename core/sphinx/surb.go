// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"fmt"
	"io"
)

// SURB is a Single Use Reply Block.  It lets its holder send one packet
// back to the SURB's creator over a return path the holder cannot see.
type SURB struct {
	// FirstRelayer is the key identifier of the first hop of the return
	// path.
	FirstRelayer []byte

	// Alpha is the initial group element of the return path.
	Alpha []byte

	// Header is the precomputed routing info of the return path.
	Header RoutingInfo

	// SenderKey encrypts the reply payload for the SURB's creator.
	SenderKey [SenderKeyLength]byte

	// AdditionalDataReceiver is opaque data for the SURB's holder.
	AdditionalDataReceiver []byte
}

// ReplyOpener is kept by the creator of a SURB to decrypt the reply sent
// with it.
type ReplyOpener struct {
	SenderKey     [SenderKeyLength]byte
	SharedSecrets []SharedSecret
}

// Reset clears the key material of the opener.
func (o *ReplyOpener) Reset() {
	clear(o.SenderKey[:])
	for i := range o.SharedSecrets {
		o.SharedSecrets[i].Reset()
	}
}

// NewSURB creates a SURB over the return path described by keys and path,
// which ends at the caller, along with the ReplyOpener the caller keeps.
// receiverData ends up in the final header of the reply and must let the
// caller find the opener again.
func NewSURB(geo *Geometry, keys *SharedKeys, path [][]byte, relayerData [][]byte, receiverData, surbReceiverData []byte, r io.Reader) (*SURB, *ReplyOpener, error) {
	if len(path) == 0 {
		return nil, nil, ErrInvalidInput
	}
	if len(surbReceiverData) != geo.SURBReceiverDataLength {
		return nil, nil, fmt.Errorf("%w: SURB receiver data must be %d bytes", ErrInvalidSize, geo.SURBReceiverDataLength)
	}

	header, err := NewRoutingInfo(geo, &RoutingParams{
		Path:         path,
		Secrets:      keys.Secrets,
		RelayerData:  relayerData,
		ReceiverData: receiverData,
		IsReply:      true,
	}, r)
	if err != nil {
		return nil, nil, err
	}

	surb := &SURB{
		FirstRelayer:           append([]byte(nil), path[0]...),
		Alpha:                  append([]byte(nil), keys.Alpha...),
		Header:                 header,
		AdditionalDataReceiver: append([]byte(nil), surbReceiverData...),
	}
	if _, err := io.ReadFull(r, surb.SenderKey[:]); err != nil {
		return nil, nil, err
	}

	opener := &ReplyOpener{
		SenderKey:     surb.SenderKey,
		SharedSecrets: append([]SharedSecret(nil), keys.Secrets...),
	}
	return surb, opener, nil
}

// Bytes serializes the SURB.  The fields are simply concatenated, their
// sizes are fixed by the geometry.
func (s *SURB) Bytes() []byte {
	b := make([]byte, 0, len(s.FirstRelayer)+len(s.Alpha)+len(s.Header)+SenderKeyLength+len(s.AdditionalDataReceiver))
	b = append(b, s.FirstRelayer...)
	b = append(b, s.Alpha...)
	b = append(b, s.Header...)
	b = append(b, s.SenderKey[:]...)
	return append(b, s.AdditionalDataReceiver...)
}

// SURBFromBytes deserializes a SURB, b must be exactly SURBLength bytes.
func SURBFromBytes(geo *Geometry, b []byte) (*SURB, error) {
	if len(b) != geo.SURBLength {
		return nil, fmt.Errorf("%w: SURB must be %d bytes, got %d", ErrParse, geo.SURBLength, len(b))
	}

	s := new(SURB)
	off := 0
	next := func(n int) []byte {
		f := append([]byte(nil), b[off:off+n]...)
		off += n
		return f
	}
	s.FirstRelayer = next(geo.KeyIDLength)
	s.Alpha = next(geo.AlphaLength)
	s.Header = next(geo.RoutingInfoLength)
	copy(s.SenderKey[:], next(SenderKeyLength))
	s.AdditionalDataReceiver = next(geo.SURBReceiverDataLength)
	return s, nil
}
