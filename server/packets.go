// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"context"
	"fmt"
	"time"

	"github.com/katzenpost/hopr/server/internal/codec"
	"github.com/katzenpost/hopr/server/internal/instrument"
	"github.com/katzenpost/hopr/server/internal/surbstore"
	"github.com/katzenpost/hopr/server/internal/transport"
)

func (s *Server) sendTimeout() time.Duration {
	return time.Duration(s.cfg.Debug.ConnectTimeout*s.cfg.Debug.DialAttempts) * time.Millisecond
}

func (s *Server) incomingWorker(incoming <-chan *transport.Incoming) {
	for {
		select {
		case <-s.HaltCh():
			s.log.Debugf("Incoming worker terminating gracefully.")
			return
		case in := <-incoming:
			s.onPacket(in)
		}
	}
}

func (s *Server) onPacket(in *transport.Incoming) {
	instrument.PacketsIncoming()

	pkt, err := s.decoder.Decode(in.PrevHop, in.Packet)
	if err != nil {
		kind, _ := codec.KindOf(err)
		instrument.PacketsDropped(kind.String())
		s.log.Debugf("Dropping packet: %v", err)
		return
	}

	if f := pkt.Forwarded; f != nil {
		select {
		case s.forwardCh <- f:
		default:
			instrument.PacketsDropped("forward_queue_full")
			s.log.Debugf("Forward queue full, dropping packet %v.", f.PacketTag)
		}
		return
	}

	instrument.PacketsDelivered()
	s.onFinalPacket(pkt.Final)
}

func (s *Server) forwardWorker() {
	for {
		select {
		case <-s.HaltCh():
			return
		case f := <-s.forwardCh:
			ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout())
			err := s.sendPacket(ctx, &codec.OutgoingPacket{NextHop: f.NextHop, Packet: f.Packet})
			cancel()
			if err != nil {
				instrument.PacketsDropped("forward_failed")
				s.log.Debugf("Failed to forward packet %v: %v", f.PacketTag, err)
				continue
			}
			instrument.PacketsForwarded()
		}
	}
}

func (s *Server) sendPacket(ctx context.Context, out *codec.OutgoingPacket) error {
	p, ok := s.peers.lookup(out.NextHop)
	if !ok {
		return fmt.Errorf("%w: %x", errUnknownPeer, out.NextHop)
	}
	if err := s.transport.Send(ctx, p.address, out.Packet); err != nil {
		return err
	}
	instrument.PacketsOutgoing()
	return nil
}

func (s *Server) sendForward(ctx context.Context, dst []byte, pseudonym surbstore.Pseudonym, numSURBs int, msg []byte) error {
	out, err := s.encoder.EncodeForward(ctx, dst, &codec.ForwardOptions{
		Pseudonym: pseudonym,
		NumSURBs:  numSURBs,
	}, msg)
	if err != nil {
		return err
	}
	return s.sendPacket(ctx, out)
}

func (s *Server) sendReply(pseudonym surbstore.Pseudonym, msg []byte) error {
	out, err := s.encoder.EncodeReply(pseudonym, 0, msg)
	if err != nil {
		return err
	}
	instrument.SURBsUsed()
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout())
	defer cancel()
	return s.sendPacket(ctx, out)
}
