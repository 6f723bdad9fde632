// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

const (
	paddingByte = 0x00

	// PaddingTag separates the zero padding from the message.
	PaddingTag = 0xaa
)

// PaddedPayload is a message padded up to the geometry's
// PaddedPayloadLength: zero bytes, the padding tag, then the message.
type PaddedPayload []byte

// NewPaddedPayload pads msg, which must be at most PayloadLength bytes.
func NewPaddedPayload(geo *Geometry, msg []byte) (PaddedPayload, error) {
	size := geo.PaddedPayloadLength
	if len(msg) >= size {
		return nil, ErrPadding
	}
	p := make(PaddedPayload, size)
	p[size-len(msg)-1] = PaddingTag
	copy(p[size-len(msg):], msg)
	return p, nil
}

// PaddedPayloadFromBytes wraps already padded data.  Only the length is
// checked here, a missing tag is reported by Unpadded.
func PaddedPayloadFromBytes(geo *Geometry, b []byte) (PaddedPayload, error) {
	if len(b) != geo.PaddedPayloadLength {
		return nil, ErrPadding
	}
	return PaddedPayload(b), nil
}

// Unpadded strips the padding and returns the original message.
func (p PaddedPayload) Unpadded() ([]byte, error) {
	for i, b := range p {
		switch b {
		case paddingByte:
		case PaddingTag:
			return p[i+1:], nil
		default:
			return nil, ErrPadding
		}
	}
	return nil, ErrPadding
}
