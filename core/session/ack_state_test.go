// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestState(t *testing.T, cfg AcknowledgementStateConfig, inspector *FrameInspector) (*AcknowledgementState, chan Message) {
	if inspector == nil {
		inspector = NewFrameInspector(10)
	}
	ctlCh := make(chan Message, 1024)
	s := NewAcknowledgementState(nil, "test", cfg)
	require.NoError(t, s.Run(&SocketComponents{
		Codec:     newTestCodec(t),
		Inspector: inspector,
		CtlCh:     ctlCh,
	}))
	return s, ctlCh
}

func drainCtl(ch chan Message) []Message {
	var msgs []Message
	for {
		select {
		case m := <-ch:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func sendTestFrame(t *testing.T, s *AcknowledgementState, id FrameID, size, segSize int) []*Segment {
	segs, err := Split(randomBytes(t, size), segSize, id)
	require.NoError(t, err)
	for _, seg := range segs {
		require.NoError(t, s.SegmentSent(seg))
	}
	return segs
}

func TestAcknowledgementStateConfig(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := AcknowledgementStateConfig{BackoffBase: 0.5}.normalize()
	require.Equal(minPacketLatency, cfg.ExpectedPacketLatency)
	require.Equal(1.0, cfg.BackoffBase)
	require.Equal(minAckDelay, cfg.AcknowledgementDelay)
	require.Equal(minLookbehind, cfg.LookbehindSegments)

	def := DefaultAcknowledgementStateConfig()
	require.Equal(def, def.normalize())
	require.Equal(AckBoth, def.Mode)

	var m AcknowledgementMode
	require.NoError(m.UnmarshalText([]byte("Partial")))
	require.Equal(AckPartial, m)
	require.NoError(m.UnmarshalText([]byte("full")))
	require.Equal(AckFull, m)
	require.Error(m.UnmarshalText([]byte("some")))
	b, err := AckBoth.MarshalText()
	require.NoError(err)
	require.Equal("both", string(b))
}

func TestAcknowledgementStateNotRunning(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewAcknowledgementState(nil, "test", DefaultAcknowledgementStateConfig())
	require.ErrorIs(s.FrameComplete(1), ErrStateNotRunning)
	require.ErrorIs(s.SegmentSent(TerminatingSegment(1)), ErrStateNotRunning)
	require.ErrorIs(s.IncomingSegment(SegmentID{FrameID: 1}, SeqIndicator(1)), ErrStateNotRunning)
	require.Error(s.Run(&SocketComponents{Codec: newTestCodec(t), CtlCh: make(chan Message)}))

	s, _ = startTestState(t, DefaultAcknowledgementStateConfig(), nil)
	require.Error(s.Run(&SocketComponents{Codec: newTestCodec(t), Inspector: NewFrameInspector(1), CtlCh: make(chan Message)}))
	s.Stop()
	require.ErrorIs(s.FrameEmitted(1), ErrStateNotRunning)
}

func TestAcknowledgementStateAcknowledgesCompletedFrames(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := DefaultAcknowledgementStateConfig()
	cfg.AcknowledgementDelay = 20 * time.Millisecond
	s, ctlCh := startTestState(t, cfg, nil)

	for _, id := range []FrameID{1, 2, 3} {
		require.NoError(s.FrameComplete(id))
	}
	time.Sleep(5 * cfg.AcknowledgementDelay)
	s.Stop()

	var acked []FrameID
	for _, m := range drainCtl(ctlCh) {
		a, ok := m.(*FrameAcknowledgements)
		require.True(ok)
		acked = append(acked, a.FrameIDs()...)
	}
	require.Equal([]FrameID{1, 2, 3}, acked)
}

func TestAcknowledgementStateResendsUnacknowledgedFrames(t *testing.T) {
	t.Parallel()

	for _, numFrames := range []int{1, 2, 3} {
		require := require.New(t)

		const numRetries = 2
		cfg := DefaultAcknowledgementStateConfig()
		cfg.Mode = AckFull
		cfg.ExpectedPacketLatency = 2 * time.Millisecond
		cfg.MaxOutgoingFrameRetries = numRetries
		s, ctlCh := startTestState(t, cfg, nil)

		var sent []*Segment
		for i := 1; i <= numFrames; i++ {
			sent = append(sent, sendTestFrame(t, s, FrameID(i), 600, 400)...)
		}
		time.Sleep(100 * time.Millisecond)
		s.Stop()

		counts := make(map[SegmentID]int)
		for _, m := range drainCtl(ctlCh) {
			seg, ok := m.(*Segment)
			require.True(ok)
			counts[seg.ID()]++
		}
		require.Len(counts, len(sent))
		for _, seg := range sent {
			require.Equal(numRetries, counts[seg.ID()], "%v", seg.ID())
		}
	}
}

func TestAcknowledgementStateFullResendDisabled(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := DefaultAcknowledgementStateConfig()
	cfg.Mode = AckPartial
	cfg.ExpectedPacketLatency = 2 * time.Millisecond
	s, ctlCh := startTestState(t, cfg, nil)

	sendTestFrame(t, s, 1, 600, 400)
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	require.Empty(drainCtl(ctlCh))
}

func TestAcknowledgementStateSkipsAcknowledgedFrame(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := DefaultAcknowledgementStateConfig()
	cfg.Mode = AckFull
	cfg.ExpectedPacketLatency = 5 * time.Millisecond
	cfg.MaxOutgoingFrameRetries = 1
	s, ctlCh := startTestState(t, cfg, nil)

	sendTestFrame(t, s, 1, 1200, 400)
	ack := NewFrameAcknowledgements(4)
	ack.Push(1)
	require.NoError(s.IncomingAcknowledgedFrames(ack))

	time.Sleep(100 * time.Millisecond)
	s.Stop()
	require.Empty(drainCtl(ctlCh))
}

func TestAcknowledgementStatePartiallyAcknowledgedFrame(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := DefaultAcknowledgementStateConfig()
	cfg.Mode = AckFull
	cfg.ExpectedPacketLatency = 20 * time.Millisecond
	cfg.MaxOutgoingFrameRetries = 1
	s, ctlCh := startTestState(t, cfg, nil)

	segs := sendTestFrame(t, s, 1, 1200, 400)
	require.NoError(s.IncomingRetransmissionRequest(NewSegmentRequest(FrameInfo{FrameID: 1, Missing: 0b10000000})))

	time.Sleep(200 * time.Millisecond)
	s.Stop()

	msgs := drainCtl(ctlCh)
	require.Len(msgs, 1)
	require.Equal(segs[0], msgs[0])
}

func TestAcknowledgementStateRetransmitsRequestedSegments(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := DefaultAcknowledgementStateConfig()
	cfg.Mode = AckPartial
	s, ctlCh := startTestState(t, cfg, nil)

	segs1 := sendTestFrame(t, s, 1, 1200, 400)
	segs2 := sendTestFrame(t, s, 2, 1200, 400)

	require.NoError(s.IncomingRetransmissionRequest(NewSegmentRequest(
		FrameInfo{FrameID: 1, Missing: 0b11100000},
		FrameInfo{FrameID: 2, Missing: 0b11100000},
	)))
	require.NoError(s.IncomingRetransmissionRequest(NewSegmentRequest(FrameInfo{FrameID: 2, Missing: 0b11000000})))
	require.NoError(s.IncomingRetransmissionRequest(NewSegmentRequest(FrameInfo{FrameID: 2, Missing: 0b01000000})))
	s.Stop()

	expected := []*Segment{
		segs1[0], segs1[1], segs1[2],
		segs2[0], segs2[1], segs2[2],
		segs2[0], segs2[1],
		segs2[1],
	}
	msgs := drainCtl(ctlCh)
	require.Len(msgs, len(expected))
	for i, m := range msgs {
		require.Equal(expected[i], m)
	}
}

func TestAcknowledgementStateRequestsMissingSegments(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	segs, err := Split(randomBytes(t, 800), 400, 1)
	require.NoError(err)

	inspector := NewFrameInspector(10)
	inspector.frames.put(NewFrameBuilder(segs[0]))

	cfg := DefaultAcknowledgementStateConfig()
	cfg.Mode = AckPartial
	cfg.ExpectedPacketLatency = 2 * time.Millisecond
	cfg.MaxIncomingFrameRetries = 1
	s, ctlCh := startTestState(t, cfg, inspector)

	require.NoError(s.IncomingSegment(segs[0].ID(), segs[0].SeqFlags))
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	msgs := drainCtl(ctlCh)
	require.Len(msgs, 1)
	req, ok := msgs[0].(*SegmentRequest)
	require.True(ok)
	require.Equal([]SegmentID{{FrameID: 1, SeqIdx: 1}}, req.SegmentIDs())
}

func TestAcknowledgementStateNoRequestForCompleteFrame(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := DefaultAcknowledgementStateConfig()
	cfg.Mode = AckPartial
	cfg.ExpectedPacketLatency = 2 * time.Millisecond
	cfg.AcknowledgementDelay = time.Hour
	s, ctlCh := startTestState(t, cfg, nil)

	require.NoError(s.IncomingSegment(SegmentID{FrameID: 1}, SeqIndicator(2)))
	require.NoError(s.FrameComplete(1))
	require.NoError(s.IncomingSegment(SegmentID{FrameID: 2}, SeqIndicator(2)))
	require.NoError(s.FrameDiscarded(2))
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	require.Empty(drainCtl(ctlCh))
}
