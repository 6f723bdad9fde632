// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/katzenpost/hopr/core/sphinx"
	"github.com/katzenpost/hopr/server/internal/surbstore"
)

// payloadHeaderLength is the signals byte and the SURB count.
const payloadHeaderLength = 2

// ErrPayload is returned for malformed packet payloads.
var ErrPayload = errors.New("codec: malformed payload")

// Signals are flags carried along with a packet's message.
type Signals uint8

const (
	// SignalSURBDistress tells the recipient that the sender runs low on
	// SURBs for its pseudonym.
	SignalSURBDistress Signals = 1 << iota

	// SignalOutOfSURBs tells the recipient that the sender used its last
	// SURB.
	SignalOutOfSURBs
)

func (s Signals) String() string {
	var parts []string
	if s&SignalSURBDistress != 0 {
		parts = append(parts, "distress")
	}
	if s&SignalOutOfSURBs != 0 {
		parts = append(parts, "out_of_surbs")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

func surbEntryLength(geo *sphinx.Geometry) int {
	return surbstore.SURBIDLength + geo.SURBLength
}

// MaxMessageLength returns the largest message that fits in a packet
// along with numSURBs SURBs, or a negative value if they do not fit.
func MaxMessageLength(geo *sphinx.Geometry, numSURBs int) int {
	return geo.PayloadLength - payloadHeaderLength - numSURBs*surbEntryLength(geo)
}

// MaxSURBsPerPacket returns how many SURBs fit in an otherwise empty
// packet.
func MaxSURBsPerPacket(geo *sphinx.Geometry) int {
	return min(255, (geo.PayloadLength-payloadHeaderLength)/surbEntryLength(geo))
}

// encodePayload lays out a packet's plaintext: the signals, the SURB
// count, each SURB prefixed with its id, then the message.
func encodePayload(geo *sphinx.Geometry, signals Signals, surbs []surbstore.SURBWithID, msg []byte) ([]byte, error) {
	if len(surbs) > MaxSURBsPerPacket(geo) {
		return nil, fmt.Errorf("%w: %d SURBs do not fit in a packet", ErrPayload, len(surbs))
	}
	if max := MaxMessageLength(geo, len(surbs)); len(msg) > max {
		return nil, fmt.Errorf("%w: message of %d bytes exceeds %d bytes", ErrPayload, len(msg), max)
	}

	b := make([]byte, 0, payloadHeaderLength+len(surbs)*surbEntryLength(geo)+len(msg))
	b = append(b, byte(signals), byte(len(surbs)))
	for _, s := range surbs {
		b = append(b, s.ID[:]...)
		b = append(b, s.SURB.Bytes()...)
	}
	return append(b, msg...), nil
}

type payload struct {
	signals Signals
	surbs   []surbstore.SURBWithID
	msg     []byte
}

func decodePayload(geo *sphinx.Geometry, b []byte) (*payload, error) {
	if len(b) < payloadHeaderLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayload, len(b))
	}
	p := &payload{signals: Signals(b[0])}
	n := int(b[1])
	b = b[payloadHeaderLength:]

	entry := surbEntryLength(geo)
	if len(b) < n*entry {
		return nil, fmt.Errorf("%w: truncated SURBs", ErrPayload)
	}
	p.surbs = make([]surbstore.SURBWithID, 0, n)
	for i := 0; i < n; i++ {
		var s surbstore.SURBWithID
		copy(s.ID[:], b[:surbstore.SURBIDLength])
		surb, err := sphinx.SURBFromBytes(geo, b[surbstore.SURBIDLength:entry])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayload, err)
		}
		s.SURB = surb
		p.surbs = append(p.surbs, s)
		b = b[entry:]
	}
	p.msg = b
	return p, nil
}
