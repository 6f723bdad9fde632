// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPath is returned when no path to a destination is known.
	ErrNoPath = errors.New("codec: no path to destination")

	// ErrNoSURB is returned when a reply is sent to a pseudonym without
	// SURBs.
	ErrNoSURB = errors.New("codec: no SURB for pseudonym")
)

// ErrorKind classifies why an incoming packet was rejected.
type ErrorKind int

const (
	// Undecodable packets have the wrong size or shape.
	Undecodable ErrorKind = iota

	// ProcessingError is any failure to unwrap a packet layer.
	ProcessingError

	// Replay is a packet whose tag was seen before.
	Replay

	// InvalidTicket is a relayed packet without a valid ticket.
	InvalidTicket
)

func (k ErrorKind) String() string {
	switch k {
	case Undecodable:
		return "undecodable"
	case ProcessingError:
		return "processing_error"
	case Replay:
		return "replay"
	case InvalidTicket:
		return "invalid_ticket"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// IncomingPacketError is the error returned by Decoder.Decode.
type IncomingPacketError struct {
	Kind    ErrorKind
	PrevHop []byte
	Err     error
}

func (e *IncomingPacketError) Error() string {
	return fmt.Sprintf("codec: %v packet from %x: %v", e.Kind, shortKey(e.PrevHop), e.Err)
}

func (e *IncomingPacketError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err if it is an IncomingPacketError.
func KindOf(err error) (ErrorKind, bool) {
	var e *IncomingPacketError
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func shortKey(k []byte) []byte {
	if len(k) > 8 {
		return k[:8]
	}
	return k
}
