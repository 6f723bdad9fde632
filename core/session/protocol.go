// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"
)

const (
	// Version is the protocol version carried by every message.
	Version = 1

	// HeaderSize is the size of the message header: version, tag and
	// a 16 bit length.
	HeaderSize = 1 + 1 + 2

	// SegmentHeaderSize is the size of the segment header: frame id,
	// sequence index and sequence indicator.
	SegmentHeaderSize = 4 + 1 + 1

	// SegmentMinimumSize is a segment header followed by one byte of data.
	SegmentMinimumSize = SegmentHeaderSize + 1

	// SegmentOverhead is the framing added to the data of each segment.
	SegmentOverhead = HeaderSize + SegmentHeaderSize

	// MaxMessageSize is the largest message body accepted.
	MaxMessageSize = 1492 - SegmentOverhead

	// MaxSegmentsPerFrame is the number of segments a retransmission
	// request can describe per frame.
	MaxSegmentsPerFrame = 8

	frameIDSize      = 4
	requestEntrySize = frameIDSize + 1

	// The upper 6 bits of the length are reserved, so a message body
	// can be at most 1023 bytes long.
	reservedLengthBits = 0xfc00
	maxBodySize        = ^reservedLengthBits & 0xffff

	// MaxCapacity is the largest message a Codec can be created for.
	MaxCapacity = HeaderSize + maxBodySize
)

// MessageTag is the discriminant of a Message.
type MessageTag uint8

const (
	// TagSegment marks a Segment.
	TagSegment MessageTag = iota

	// TagRequest marks a SegmentRequest.
	TagRequest

	// TagAcknowledge marks FrameAcknowledgements.
	TagAcknowledge
)

func (t MessageTag) String() string {
	switch t {
	case TagSegment:
		return "Segment"
	case TagRequest:
		return "Request"
	case TagAcknowledge:
		return "Acknowledge"
	default:
		return fmt.Sprintf("MessageTag(%d)", uint8(t))
	}
}

// Message is a session protocol message: a *Segment, a *SegmentRequest
// or *FrameAcknowledgements.
type Message interface {
	Tag() MessageTag
	String() string
}

// Tag implements Message.
func (s *Segment) Tag() MessageTag {
	return TagSegment
}

// SegmentRequest asks for the retransmission of missing segments.  It
// maps frame ids to the bitmap of their missing segments.
type SegmentRequest struct {
	entries map[FrameID]MissingSegments
}

// NewSegmentRequest builds a request from incomplete frame descriptions.
// Frames without missing segments are skipped.
func NewSegmentRequest(frames ...FrameInfo) *SegmentRequest {
	r := &SegmentRequest{entries: make(map[FrameID]MissingSegments)}
	for _, f := range frames {
		if f.FrameID != 0 && f.Missing != 0 {
			r.entries[f.FrameID] = f.Missing
		}
	}
	return r
}

// Tag implements Message.
func (r *SegmentRequest) Tag() MessageTag {
	return TagRequest
}

// FrameIDs returns the frames with requested segments, sorted.
func (r *SegmentRequest) FrameIDs() []FrameID {
	ids := make([]FrameID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Missing returns the bitmap of the requested segments of a frame.
func (r *SegmentRequest) Missing(id FrameID) MissingSegments {
	return r.entries[id]
}

// SegmentIDs returns every requested segment, sorted.
func (r *SegmentRequest) SegmentIDs() []SegmentID {
	var ids []SegmentID
	for _, id := range r.FrameIDs() {
		for _, idx := range r.entries[id].Indices() {
			ids = append(ids, SegmentID{FrameID: id, SeqIdx: idx})
		}
	}
	return ids
}

// Len returns the number of requested segments.
func (r *SegmentRequest) Len() int {
	n := 0
	for _, m := range r.entries {
		n += m.Count()
	}
	return n
}

// IsEmpty returns true if no segment is requested.
func (r *SegmentRequest) IsEmpty() bool {
	return len(r.entries) == 0
}

func (r *SegmentRequest) String() string {
	var b strings.Builder
	b.WriteString("retransmission request of [")
	for i, id := range r.FrameIDs() {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%d:%08b", id, uint8(r.entries[id]))
	}
	b.WriteString("]")
	return b.String()
}

// FrameAcknowledgements is a sorted set of fully received frame ids.
type FrameAcknowledgements struct {
	max int
	ids []FrameID
}

// NewFrameAcknowledgements creates an empty set holding at most max ids.
func NewFrameAcknowledgements(max int) *FrameAcknowledgements {
	return &FrameAcknowledgements{max: max}
}

// Tag implements Message.
func (a *FrameAcknowledgements) Tag() MessageTag {
	return TagAcknowledge
}

// Push adds a frame id.  It returns false if the set is full, already
// holds the id, or the id is 0.
func (a *FrameAcknowledgements) Push(id FrameID) bool {
	if id == 0 || a.IsFull() {
		return false
	}
	i, found := slices.BinarySearch(a.ids, id)
	if found {
		return false
	}
	a.ids = slices.Insert(a.ids, i, id)
	return true
}

// FrameIDs returns the acknowledged frame ids in increasing order.
func (a *FrameAcknowledgements) FrameIDs() []FrameID {
	return slices.Clone(a.ids)
}

// Len returns the number of acknowledged frames.
func (a *FrameAcknowledgements) Len() int {
	return len(a.ids)
}

// IsEmpty returns true if no frame is acknowledged.
func (a *FrameAcknowledgements) IsEmpty() bool {
	return len(a.ids) == 0
}

// IsFull returns true if no more ids fit.
func (a *FrameAcknowledgements) IsFull() bool {
	return len(a.ids) >= a.max
}

func (a *FrameAcknowledgements) String() string {
	return fmt.Sprintf("acknowledgement of %v", a.ids)
}

// Codec encodes and decodes the messages of one session, whose messages
// are at most Capacity bytes long.
type Codec struct {
	capacity int
}

// NewCodec creates a codec for messages of at most capacity bytes, the
// MTU of the underlying transport.
func NewCodec(capacity int) (*Codec, error) {
	if capacity < SegmentOverhead+1 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	return &Codec{capacity: capacity}, nil
}

// Capacity returns the maximum message size.
func (c *Codec) Capacity() int {
	return c.capacity
}

// MaxSegmentData returns the largest segment payload that fits a message.
func (c *Codec) MaxSegmentData() int {
	return c.capacity - SegmentOverhead
}

// RequestSize is the encoded size of request and acknowledgement bodies.
func (c *Codec) RequestSize() int {
	return c.capacity - HeaderSize
}

// MaxRequestEntries is the number of frames a SegmentRequest can hold.
func (c *Codec) MaxRequestEntries() int {
	return c.RequestSize() / requestEntrySize
}

// MaxAckFrames is the number of frame ids FrameAcknowledgements can hold.
func (c *Codec) MaxAckFrames() int {
	return c.RequestSize() / frameIDSize
}

// MinimumMessageSize is the smallest number of bytes a message occupies,
// which is a terminating segment.
func (c *Codec) MinimumMessageSize() int {
	return HeaderSize + min(SegmentHeaderSize, c.RequestSize())
}

// NewAcknowledgements returns an empty set sized for this codec.
func (c *Codec) NewAcknowledgements() *FrameAcknowledgements {
	return NewFrameAcknowledgements(c.MaxAckFrames())
}

// Acknowledgements splits ids into as many messages as needed.
func (c *Codec) Acknowledgements(ids []FrameID) []*FrameAcknowledgements {
	var r []*FrameAcknowledgements
	cur := c.NewAcknowledgements()
	for _, id := range ids {
		if cur.IsFull() {
			r = append(r, cur)
			cur = c.NewAcknowledgements()
		}
		cur.Push(id)
	}
	if !cur.IsEmpty() {
		r = append(r, cur)
	}
	return r
}

// NewSegmentRequest builds a request from at most MaxRequestEntries
// frames.
func (c *Codec) NewSegmentRequest(frames []FrameInfo) *SegmentRequest {
	if len(frames) > c.MaxRequestEntries() {
		frames = frames[:c.MaxRequestEntries()]
	}
	return NewSegmentRequest(frames...)
}

// Encode serializes m.  Segments carrying more than MaxSegmentData bytes
// are rejected.
func (c *Codec) Encode(m Message) ([]byte, error) {
	var body []byte
	switch v := m.(type) {
	case *Segment:
		if len(v.Data) > c.MaxSegmentData() {
			return nil, fmt.Errorf("%w: %d bytes of data", ErrInvalidSegment, len(v.Data))
		}
		body = v.Bytes()
	case *SegmentRequest:
		body = make([]byte, c.RequestSize())
		off := 0
		for _, id := range v.FrameIDs() {
			if off+requestEntrySize > len(body) {
				break
			}
			binary.BigEndian.PutUint32(body[off:], uint32(id))
			body[off+frameIDSize] = byte(v.entries[id])
			off += requestEntrySize
		}
	case *FrameAcknowledgements:
		body = make([]byte, c.RequestSize())
		off := 0
		for _, id := range v.ids {
			if off+frameIDSize > len(body) {
				break
			}
			binary.BigEndian.PutUint32(body[off:], uint32(id))
			off += frameIDSize
		}
	default:
		panic(fmt.Sprintf("session: BUG: unknown message type %T", m))
	}

	b := make([]byte, 0, HeaderSize+len(body))
	b = append(b, Version, byte(m.Tag()))
	b = binary.BigEndian.AppendUint16(b, uint16(len(body)))
	return append(b, body...), nil
}

// Decode parses the message at the start of b and returns it with the
// number of bytes it occupied.  A nil message with n == 0 and no error
// means more data is needed.
func (c *Codec) Decode(b []byte) (Message, int, error) {
	if len(b) < c.MinimumMessageSize() {
		return nil, 0, nil
	}
	if b[0] != Version {
		return nil, 0, ErrWrongVersion
	}
	tag := MessageTag(b[1])
	l := int(binary.BigEndian.Uint16(b[2:4]))
	if l > MaxMessageSize {
		return nil, 0, ErrIncorrectMessageLength
	}
	if l&reservedLengthBits != 0 {
		return nil, 0, ErrParse
	}
	if l > c.RequestSize() {
		return nil, 0, ErrIncorrectMessageLength
	}
	if tag > TagAcknowledge {
		return nil, 0, ErrUnknownMessageTag
	}
	if len(b) < HeaderSize+l {
		return nil, 0, nil
	}

	body := b[HeaderSize : HeaderSize+l]
	var (
		m   Message
		err error
	)
	switch tag {
	case TagSegment:
		m, err = SegmentFromBytes(body)
	case TagRequest:
		m, err = c.decodeRequest(body)
	case TagAcknowledge:
		m, err = c.decodeAcknowledgements(body)
	}
	if err != nil {
		return nil, 0, err
	}
	return m, HeaderSize + l, nil
}

// DecodeAll parses every complete message in b.  It returns the messages
// read before the first error, and the number of bytes they occupied.
func (c *Codec) DecodeAll(b []byte) ([]Message, int, error) {
	var (
		msgs []Message
		off  int
	)
	for off < len(b) {
		m, n, err := c.Decode(b[off:])
		if err != nil {
			return msgs, off, err
		}
		if n == 0 {
			break
		}
		msgs = append(msgs, m)
		off += n
	}
	return msgs, off, nil
}

func (c *Codec) decodeRequest(b []byte) (*SegmentRequest, error) {
	if len(b) != c.RequestSize() {
		return nil, fmt.Errorf("%w: request of %d bytes", ErrParse, len(b))
	}
	r := &SegmentRequest{entries: make(map[FrameID]MissingSegments)}
	for off := 0; off+requestEntrySize <= len(b); off += requestEntrySize {
		id := FrameID(binary.BigEndian.Uint32(b[off:]))
		if id > 0 {
			r.entries[id] = MissingSegments(b[off+frameIDSize])
		}
	}
	return r, nil
}

func (c *Codec) decodeAcknowledgements(b []byte) (*FrameAcknowledgements, error) {
	if len(b) != c.RequestSize() {
		return nil, fmt.Errorf("%w: acknowledgement of %d bytes", ErrParse, len(b))
	}
	a := c.NewAcknowledgements()
	for off := 0; off+frameIDSize <= len(b); off += frameIDSize {
		a.Push(FrameID(binary.BigEndian.Uint32(b[off:])))
	}
	return a, nil
}
