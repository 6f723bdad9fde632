// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package surbstore

import (
	"encoding/hex"
	"fmt"
	"io"
)

const (
	// PseudonymLength is the size of a Pseudonym.
	PseudonymLength = 10

	// SURBIDLength is the size of a SURBID.
	SURBIDLength = 8

	// SenderIDLength is the size of a serialized SenderID, which is
	// carried as the receiver data of a Sphinx header.
	SenderIDLength = PseudonymLength + SURBIDLength
)

// Pseudonym identifies a sender to the recipients of its packets without
// revealing who it is.
type Pseudonym [PseudonymLength]byte

// NewPseudonym returns a random pseudonym read from r.
func NewPseudonym(r io.Reader) (Pseudonym, error) {
	var p Pseudonym
	_, err := io.ReadFull(r, p[:])
	return p, err
}

func (p Pseudonym) String() string {
	return hex.EncodeToString(p[:])
}

// SURBID identifies one SURB of a pseudonym.
type SURBID [SURBIDLength]byte

// NewSURBID returns a random SURB identifier read from r.
func NewSURBID(r io.Reader) (SURBID, error) {
	var id SURBID
	_, err := io.ReadFull(r, id[:])
	return id, err
}

func (id SURBID) String() string {
	return hex.EncodeToString(id[:])
}

// SenderID is a pseudonym together with one of its SURB identifiers.
type SenderID struct {
	Pseudonym Pseudonym
	SURBID    SURBID
}

// Bytes serializes the sender id, the pseudonym then the SURB id.
func (s SenderID) Bytes() []byte {
	b := make([]byte, 0, SenderIDLength)
	b = append(b, s.Pseudonym[:]...)
	return append(b, s.SURBID[:]...)
}

func (s SenderID) String() string {
	return s.Pseudonym.String() + ":" + s.SURBID.String()
}

// SenderIDFromBytes deserializes a sender id.
func SenderIDFromBytes(b []byte) (SenderID, error) {
	var s SenderID
	if len(b) != SenderIDLength {
		return s, fmt.Errorf("surbstore: sender id must be %d bytes, got %d", SenderIDLength, len(b))
	}
	copy(s.Pseudonym[:], b[:PseudonymLength])
	copy(s.SURBID[:], b[PseudonymLength:])
	return s, nil
}
