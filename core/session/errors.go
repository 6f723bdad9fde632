// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"errors"
	"fmt"
)

var (
	// ErrWrongVersion is returned when a message carries an unsupported
	// protocol version.
	ErrWrongVersion = errors.New("session: wrong protocol version")

	// ErrIncorrectMessageLength is returned when the declared message
	// length exceeds MaxMessageSize or the codec capacity.
	ErrIncorrectMessageLength = errors.New("session: incorrect message length")

	// ErrUnknownMessageTag is returned for an unknown message discriminant.
	ErrUnknownMessageTag = errors.New("session: unknown message tag")

	// ErrParse is returned when a message body is malformed.
	ErrParse = errors.New("session: parse error")

	// ErrInvalidSegment is returned for segments that are malformed or do
	// not belong to the frame they are added to.
	ErrInvalidSegment = errors.New("session: invalid segment")

	// ErrInvalidFrameID is returned for the reserved frame id 0.
	ErrInvalidFrameID = errors.New("session: invalid frame id")

	// ErrDataTooLong is returned when a frame needs more segments than a
	// sequence indicator can describe.
	ErrDataTooLong = errors.New("session: data too long")

	// ErrInvalidSegmentSize is returned for a zero maximum segment size.
	ErrInvalidSegmentSize = errors.New("session: invalid segment size")

	// ErrIncompleteFrame is returned when a frame is built before all of
	// its segments arrived.
	ErrIncompleteFrame = errors.New("session: incomplete frame")

	// ErrOldFrame is returned by the sequencer for frames that are older
	// than the next frame to be emitted.
	ErrOldFrame = errors.New("session: old frame")

	// ErrInvalidCapacity is returned for a message capacity that cannot
	// hold a single segment.
	ErrInvalidCapacity = errors.New("session: invalid capacity")

	// ErrClosed is returned when using a closed segmenter or socket.
	ErrClosed = errors.New("session: closed")

	// ErrStateNotRunning is returned by socket state operations before
	// the state was started.
	ErrStateNotRunning = errors.New("session: socket state is not running")
)

// FrameDiscardedError is emitted in place of a frame that could not be
// completed in time.
type FrameDiscardedError struct {
	FrameID FrameID
}

func (e *FrameDiscardedError) Error() string {
	return fmt.Sprintf("session: frame %d discarded", e.FrameID)
}

// IsFrameDiscarded returns the id of the discarded frame if err is a
// FrameDiscardedError.
func IsFrameDiscarded(err error) (FrameID, bool) {
	var e *FrameDiscardedError
	if errors.As(err, &e) {
		return e.FrameID, true
	}
	return 0, false
}
