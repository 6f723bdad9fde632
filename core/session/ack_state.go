// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hopr/core/queue"
	"github.com/katzenpost/hopr/core/retry"
	"github.com/katzenpost/hopr/core/worker"
)

// AcknowledgementMode selects which retransmission mechanisms are active.
type AcknowledgementMode int

const (
	// AckBoth enables partial and full frame acknowledgements.
	AckBoth AcknowledgementMode = iota

	// AckPartial makes the receiver request missing segments.
	AckPartial

	// AckFull makes the sender resend frames that were not acknowledged.
	AckFull
)

func (m AcknowledgementMode) partialEnabled() bool {
	return m == AckPartial || m == AckBoth
}

func (m AcknowledgementMode) fullEnabled() bool {
	return m == AckFull || m == AckBoth
}

func (m AcknowledgementMode) String() string {
	switch m {
	case AckBoth:
		return "both"
	case AckPartial:
		return "partial"
	case AckFull:
		return "full"
	default:
		return fmt.Sprintf("AcknowledgementMode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m AcknowledgementMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *AcknowledgementMode) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "", "both":
		*m = AckBoth
	case "partial":
		*m = AckPartial
	case "full":
		*m = AckFull
	default:
		return fmt.Errorf("session: invalid acknowledgement mode '%s'", b)
	}
	return nil
}

const (
	minPacketLatency = time.Millisecond
	minAckDelay      = time.Millisecond
	minLookbehind    = 1024
)

// AcknowledgementStateConfig parameterizes an AcknowledgementState.
type AcknowledgementStateConfig struct {
	Mode AcknowledgementMode

	// ExpectedPacketLatency is the base retransmission timeout.
	ExpectedPacketLatency time.Duration

	// BackoffBase is the factor applied to the timeout on each retry.
	BackoffBase float64

	// MaxIncomingFrameRetries bounds the segment requests per frame.
	MaxIncomingFrameRetries int

	// MaxOutgoingFrameRetries bounds the full resends per frame.
	MaxOutgoingFrameRetries int

	// AcknowledgementDelay is the period acknowledgements are batched for.
	AcknowledgementDelay time.Duration

	// LookbehindSegments is the number of sent segments kept for
	// retransmission.
	LookbehindSegments int
}

// DefaultAcknowledgementStateConfig returns the default configuration.
func DefaultAcknowledgementStateConfig() AcknowledgementStateConfig {
	return AcknowledgementStateConfig{
		Mode:                    AckBoth,
		ExpectedPacketLatency:   20 * time.Millisecond,
		BackoffBase:             1.2,
		MaxIncomingFrameRetries: 3,
		MaxOutgoingFrameRetries: 3,
		AcknowledgementDelay:    50 * time.Millisecond,
		LookbehindSegments:      16384,
	}
}

func (c AcknowledgementStateConfig) normalize() AcknowledgementStateConfig {
	c.ExpectedPacketLatency = max(c.ExpectedPacketLatency, minPacketLatency)
	c.BackoffBase = max(c.BackoffBase, 1.0)
	c.AcknowledgementDelay = max(c.AcknowledgementDelay, minAckDelay)
	c.LookbehindSegments = max(c.LookbehindSegments, minLookbehind)
	return c
}

// SocketComponents are handed to a socket state when it starts.
type SocketComponents struct {
	Codec     *Codec
	Inspector *FrameInspector

	// CtlCh carries the control messages and retransmitted segments the
	// state wants sent.
	CtlCh chan<- Message
}

// SocketState is notified of the traffic of a Socket.
type SocketState interface {
	SessionID() string
	Run(*SocketComponents) error
	Stop()

	IncomingSegment(SegmentID, SeqIndicator) error
	IncomingRetransmissionRequest(*SegmentRequest) error
	IncomingAcknowledgedFrames(*FrameAcknowledgements) error
	FrameComplete(FrameID) error
	FrameEmitted(FrameID) error
	FrameDiscarded(FrameID) error
	SegmentSent(*Segment) error
}

type missingFrame struct {
	frameID FrameID
	missing MissingSegments
}

// AcknowledgementState implements SocketState with frame acknowledgements
// and segment retransmission.
type AcknowledgementState struct {
	worker.Worker
	sync.Mutex

	log *logging.Logger
	id  string
	cfg AcknowledgementStateConfig

	started atomic.Bool

	codec     *Codec
	inspector *FrameInspector
	ctlCh     chan<- Message

	sent     *queue.RingBuffer[*Segment]
	incoming *timerQueue
	outgoing *timerQueue
	ackCh    chan FrameID
	reqCh    chan missingFrame
}

// NewAcknowledgementState creates a stopped state for the given session.
func NewAcknowledgementState(l *logging.Logger, sessionID string, cfg AcknowledgementStateConfig) *AcknowledgementState {
	return &AcknowledgementState{
		log: loggerOrDiscard(l, "ack_state"),
		id:  sessionID,
		cfg: cfg.normalize(),
	}
}

// Config returns the normalized configuration.
func (s *AcknowledgementState) Config() AcknowledgementStateConfig {
	return s.cfg
}

// SessionID implements SocketState.
func (s *AcknowledgementState) SessionID() string {
	return s.id
}

// Run implements SocketState.
func (s *AcknowledgementState) Run(c *SocketComponents) error {
	s.Lock()
	defer s.Unlock()

	if s.started.Load() || s.incoming != nil {
		return errors.New("session: acknowledgement state was already started")
	}
	if c.Inspector == nil {
		return errors.New("session: acknowledgement state needs a frame inspector")
	}
	if c.Codec == nil || c.CtlCh == nil {
		return errors.New("session: acknowledgement state needs a codec and a control channel")
	}

	s.codec = c.Codec
	s.inspector = c.Inspector
	s.ctlCh = c.CtlCh
	s.sent = queue.NewRingBuffer[*Segment](s.cfg.LookbehindSegments)
	s.ackCh = make(chan FrameID, 2*s.cfg.LookbehindSegments)
	s.reqCh = make(chan missingFrame, s.codec.MaxRequestEntries())
	s.incoming = newTimerQueue(s.onIncomingRetry)
	s.outgoing = newTimerQueue(s.onOutgoingRetry)

	if s.cfg.Mode.partialEnabled() {
		s.incoming.start()
		s.Go(s.requestSender)
	}
	s.outgoing.start()
	s.Go(s.ackSender)

	s.started.Store(true)
	s.log.Debugf("%s: acknowledgement state started", s.id)
	return nil
}

// Stop implements SocketState.
func (s *AcknowledgementState) Stop() {
	s.Lock()
	defer s.Unlock()

	if !s.started.Load() {
		s.log.Warningf("%s: cannot stop, acknowledgement state is not running", s.id)
		return
	}
	s.started.Store(false)
	s.Halt()
	s.incoming.Halt()
	s.outgoing.Halt()
	s.log.Debugf("%s: acknowledgement state stopped", s.id)
}

func (s *AcknowledgementState) sendCtl(m Message) bool {
	select {
	case s.ctlCh <- m:
		return true
	case <-s.HaltCh():
		return false
	}
}

func (s *AcknowledgementState) deadline(f retriedFrame) time.Time {
	return time.Now().Add(retry.Backoff(s.cfg.ExpectedPacketLatency, s.cfg.BackoffBase, f.retryCount))
}

func (s *AcknowledgementState) onIncomingRetry(f retriedFrame) {
	missing, _ := s.inspector.MissingSegments(f.frameID)
	if missing == 0 {
		s.log.Debugf("%s: no more missing segments in frame %d", s.id, f.frameID)
		return
	}
	if next, ok := f.next(); ok {
		s.incoming.Push(next, s.deadline(next))
	} else {
		s.log.Debugf("%s: last request of segments of frame %d", s.id, f.frameID)
	}
	select {
	case s.reqCh <- missingFrame{frameID: f.frameID, missing: missing}:
	case <-s.HaltCh():
	}
}

// requestSender batches the missing segments of frames into requests.
func (s *AcknowledgementState) requestSender() {
	for {
		var batch []FrameInfo
		select {
		case <-s.HaltCh():
			return
		case m := <-s.reqCh:
			batch = append(batch, FrameInfo{FrameID: m.frameID, Missing: m.missing})
		}
	drain:
		for len(batch) < s.codec.MaxRequestEntries() {
			select {
			case m := <-s.reqCh:
				batch = append(batch, FrameInfo{FrameID: m.frameID, Missing: m.missing})
			default:
				break drain
			}
		}
		req := s.codec.NewSegmentRequest(batch)
		s.log.Debugf("%s: requesting resend: %v", s.id, req)
		if !s.sendCtl(req) {
			return
		}
	}
}

func (s *AcknowledgementState) onOutgoingRetry(f retriedFrame) {
	if next, ok := f.next(); ok {
		s.outgoing.Push(next, s.deadline(next))
	} else {
		s.log.Debugf("%s: last resend of frame %d", s.id, f.frameID)
	}
	for _, seg := range s.sent.Find(func(seg *Segment) bool { return seg.FrameID == f.frameID }) {
		if !s.sendCtl(seg) {
			return
		}
	}
}

// ackSender sends the acknowledgements collected in each period.
func (s *AcknowledgementState) ackSender() {
	ticker := time.NewTicker(s.cfg.AcknowledgementDelay)
	defer ticker.Stop()

	var acks []FrameID
	for {
		select {
		case <-s.HaltCh():
			return
		case id := <-s.ackCh:
			acks = append(acks, id)
		case <-ticker.C:
			if len(acks) == 0 {
				continue
			}
			for _, m := range s.codec.Acknowledgements(acks) {
				s.log.Debugf("%s: sending %v", s.id, m)
				if !s.sendCtl(m) {
					return
				}
			}
			acks = acks[:0]
		}
	}
}

func (s *AcknowledgementState) checkRunning() error {
	if !s.started.Load() {
		return ErrStateNotRunning
	}
	return nil
}

// IncomingSegment implements SocketState.
func (s *AcknowledgementState) IncomingSegment(id SegmentID, _ SeqIndicator) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	if s.cfg.Mode.partialEnabled() {
		s.incoming.Push(newRetriedFrame(id.FrameID, s.cfg.MaxIncomingFrameRetries), time.Now().Add(s.cfg.ExpectedPacketLatency))
	}
	return nil
}

// IncomingRetransmissionRequest implements SocketState.
func (s *AcknowledgementState) IncomingRetransmissionRequest(r *SegmentRequest) error {
	if err := s.checkRunning(); err != nil {
		return err
	}

	wanted := r.SegmentIDs()
	found := s.sent.Find(func(seg *Segment) bool {
		i, ok := slices.BinarySearchFunc(wanted, seg.ID(), compareSegmentIDs)
		if ok {
			wanted = slices.Delete(wanted, i, i+1)
		}
		return ok
	})
	s.log.Debugf("%s: found %d of %d requested segments", s.id, len(found), r.Len())

	if s.cfg.Mode.fullEnabled() {
		for _, id := range r.FrameIDs() {
			s.outgoing.Skip(id)
		}
	}
	for _, seg := range found {
		if !s.sendCtl(seg) {
			return ErrStateNotRunning
		}
	}
	return nil
}

// IncomingAcknowledgedFrames implements SocketState.
func (s *AcknowledgementState) IncomingAcknowledgedFrames(a *FrameAcknowledgements) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	if s.cfg.Mode.fullEnabled() {
		for _, id := range a.FrameIDs() {
			s.outgoing.Skip(id)
		}
	}
	return nil
}

// FrameComplete implements SocketState.
func (s *AcknowledgementState) FrameComplete(id FrameID) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	select {
	case s.ackCh <- id:
	default:
		s.log.Errorf("%s: failed to acknowledge frame %d, queue is full", s.id, id)
	}
	if s.cfg.Mode.partialEnabled() {
		s.incoming.Skip(id)
	}
	return nil
}

// FrameEmitted implements SocketState.
func (s *AcknowledgementState) FrameEmitted(FrameID) error {
	return s.checkRunning()
}

// FrameDiscarded implements SocketState.
func (s *AcknowledgementState) FrameDiscarded(id FrameID) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	if s.cfg.Mode.partialEnabled() {
		s.incoming.Skip(id)
	}
	return nil
}

// SegmentSent implements SocketState.
func (s *AcknowledgementState) SegmentSent(seg *Segment) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	s.sent.Push(seg)
	if seg.IsLast() && s.cfg.Mode.fullEnabled() {
		rto := s.cfg.ExpectedPacketLatency * time.Duration(seg.SeqFlags.Len()+1)
		s.outgoing.Push(newRetriedFrame(seg.FrameID, s.cfg.MaxOutgoingFrameRetries), time.Now().Add(rto))
	}
	return nil
}

func compareSegmentIDs(a, b SegmentID) int {
	switch {
	case a.less(b):
		return -1
	case b.less(a):
		return 1
	default:
		return 0
	}
}
