// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/hopr/core/retry"
	"github.com/katzenpost/hopr/core/session"
	"github.com/katzenpost/hopr/server/internal/codec"
	"github.com/katzenpost/hopr/server/internal/instrument"
	"github.com/katzenpost/hopr/server/internal/surbstore"
)

const (
	acceptQueueLength = 16

	surbWaitBaseDelay = 20 * time.Millisecond
	surbWaitMaxDelay  = time.Second
)

// ErrHalted is returned by Dial and Accept once the node shuts down.
var ErrHalted = errors.New("server: halted")

// Session is a byte stream with a remote node, carried over the mixnet.
type Session struct {
	*session.Socket

	// Pseudonym is the pseudonym the initiator of the session uses.
	Pseudonym surbstore.Pseudonym

	// Peer is the packet key of the remote node, nil for sessions
	// accepted from a pseudonym.
	Peer []byte
}

// packetConn carries the messages of a session socket as packet
// payloads.  The initiator sends forward packets with SURBs attached and
// the responder replies over those SURBs.
type packetConn struct {
	s *Server

	pseudonym surbstore.Pseudonym
	dst       []byte

	sock      *session.Socket
	inCh      chan []byte
	haltCh    chan struct{}
	closeOnce sync.Once
	refilling atomic.Bool
	pending   []byte
}

func newPacketConn(s *Server, p surbstore.Pseudonym, dst []byte) *packetConn {
	return &packetConn{
		s:         s,
		pseudonym: p,
		dst:       dst,
		inCh:      make(chan []byte, s.cfg.Session.Capacity),
		haltCh:    make(chan struct{}),
	}
}

func (c *packetConn) isInitiator() bool {
	return c.dst != nil
}

// Read implements io.Reader.
func (c *packetConn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		select {
		case c.pending = <-c.inCh:
		case <-c.haltCh:
			return 0, io.EOF
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write implements io.Writer, every call is one packet.
func (c *packetConn) Write(p []byte) (int, error) {
	select {
	case <-c.haltCh:
		return 0, io.ErrClosedPipe
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.s.sendTimeout())
	defer cancel()

	var err error
	if c.isInitiator() {
		err = c.s.sendForward(ctx, c.dst, c.pseudonym, c.s.cfg.Session.NumSURBs, p)
	} else {
		err = c.writeReply(ctx, p)
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// writeReply sends p over a SURB, waiting for the initiator to refill
// them if none are left.
func (c *packetConn) writeReply(ctx context.Context, p []byte) error {
	for attempt := 0; ; attempt++ {
		err := c.s.sendReply(c.pseudonym, p)
		if !errors.Is(err, codec.ErrNoSURB) {
			return err
		}
		t := time.NewTimer(retry.Delay(surbWaitBaseDelay, surbWaitMaxDelay, retry.DefaultJitter, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return err
		case <-c.haltCh:
			t.Stop()
			return io.ErrClosedPipe
		}
	}
}

// Close implements io.Closer.
func (c *packetConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.haltCh)
		c.s.sessions.remove(c)
	})
	return nil
}

func (c *packetConn) deliver(msg []byte) {
	if len(msg) == 0 {
		return
	}
	select {
	case c.inCh <- msg:
	case <-c.haltCh:
	default:
		c.s.log.Debugf("Session %v: receive queue full, dropping message.", c.pseudonym)
		instrument.PacketsDropped("session_queue_full")
	}
}

// refill sends the counterparty a packet that only carries SURBs.
func (c *packetConn) refill() {
	if !c.isInitiator() || !c.refilling.CompareAndSwap(false, true) {
		return
	}
	c.s.Go(func() {
		defer c.refilling.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), c.s.sendTimeout())
		defer cancel()
		n := codec.MaxSURBsPerPacket(c.s.geo)
		if err := c.s.sendForward(ctx, c.dst, c.pseudonym, n, nil); err != nil {
			c.s.log.Warningf("Session %v: failed to send SURBs: %v", c.pseudonym, err)
		}
	})
}

type sessionTable struct {
	sync.Mutex

	outgoing map[surbstore.Pseudonym]*packetConn
	incoming map[surbstore.Pseudonym]*packetConn
	acceptCh chan *Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		outgoing: make(map[surbstore.Pseudonym]*packetConn),
		incoming: make(map[surbstore.Pseudonym]*packetConn),
		acceptCh: make(chan *Session, acceptQueueLength),
	}
}

func (t *sessionTable) remove(c *packetConn) {
	t.Lock()
	defer t.Unlock()
	m := t.incoming
	if c.isInitiator() {
		m = t.outgoing
	}
	if m[c.pseudonym] == c {
		delete(m, c.pseudonym)
	}
}

func (t *sessionTable) all() []*packetConn {
	t.Lock()
	defer t.Unlock()
	conns := make([]*packetConn, 0, len(t.outgoing)+len(t.incoming))
	for _, c := range t.outgoing {
		conns = append(conns, c)
	}
	for _, c := range t.incoming {
		conns = append(conns, c)
	}
	return conns
}

type frameMetrics struct{}

func (frameMetrics) FrameCompleted(session.FrameID) { instrument.FramesCompleted() }
func (frameMetrics) FrameDiscarded(session.FrameID) { instrument.FramesDiscarded() }

func (s *Server) newSocket(c *packetConn, id string) (*session.Socket, error) {
	cdc, err := session.NewCodec(s.sessionCapacity)
	if err != nil {
		return nil, err
	}
	var state session.SocketState
	if !s.cfg.Session.Stateless {
		state = session.NewAcknowledgementState(s.logBackend.GetLogger("ack:"+id), id, s.cfg.Session.AcknowledgementStateConfig())
	}
	sockCfg := s.cfg.Session.SocketConfig()
	sockCfg.Observer = frameMetrics{}
	sock, err := session.NewSocket(s.logBackend.GetLogger("session:"+id), id, c, cdc, state, sockCfg)
	if err != nil {
		return nil, err
	}
	c.sock = sock
	return sock, nil
}

// Dial opens a session with the node whose packet key is dst.
func (s *Server) Dial(ctx context.Context, dst []byte) (*Session, error) {
	select {
	case <-s.HaltCh():
		return nil, ErrHalted
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if _, ok := s.peers.lookup(dst); !ok {
		return nil, fmt.Errorf("%w: %x", errUnknownPeer, dst)
	}

	p, err := surbstore.NewPseudonym(rand.Reader)
	if err != nil {
		return nil, err
	}
	c := newPacketConn(s, p, dst)
	sock, err := s.newSocket(c, p.String())
	if err != nil {
		return nil, err
	}

	s.sessions.Lock()
	s.sessions.outgoing[p] = c
	s.sessions.Unlock()
	s.log.Debugf("Opened session %v to %x.", p, dst)
	return &Session{Socket: sock, Pseudonym: p, Peer: dst}, nil
}

// Accept waits for a session opened by another node.
func (s *Server) Accept(ctx context.Context) (*Session, error) {
	select {
	case sess := <-s.sessions.acceptCh:
		return sess, nil
	case <-s.HaltCh():
		return nil, ErrHalted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onFinalPacket hands a packet addressed to this node to its session.
func (s *Server) onFinalPacket(in *codec.IncomingFinal) {
	p := in.Sender.Pseudonym
	if in.SURBs > 0 {
		instrument.SURBsStored(in.SURBs)
	}

	if in.IsReply {
		s.sessions.Lock()
		c, ok := s.sessions.outgoing[p]
		s.sessions.Unlock()
		if !ok {
			s.log.Debugf("Reply for unknown session %v.", p)
			instrument.PacketsDropped("unknown_session")
			return
		}
		if in.Signals&codec.SignalOutOfSURBs != 0 {
			s.log.Debugf("Session %v: counterparty is out of SURBs.", p)
		}
		if in.Signals&(codec.SignalSURBDistress|codec.SignalOutOfSURBs) != 0 {
			c.refill()
		}
		c.deliver(in.Message)
		return
	}

	s.sessions.Lock()
	c, ok := s.sessions.incoming[p]
	if !ok {
		c = newPacketConn(s, p, nil)
		s.sessions.incoming[p] = c
	}
	s.sessions.Unlock()

	if !ok {
		sock, err := s.newSocket(c, p.String())
		if err != nil {
			s.log.Errorf("Failed to create session %v: %v", p, err)
			c.Close()
			return
		}
		select {
		case s.sessions.acceptCh <- &Session{Socket: sock, Pseudonym: p}:
			s.log.Debugf("Accepted session %v.", p)
		default:
			s.log.Warningf("Accept queue full, dropping session %v.", p)
			sock.Close()
			return
		}
	}
	c.deliver(in.Message)
}

func (s *Server) closeSessions() {
	for _, c := range s.sessions.all() {
		if c.sock != nil {
			c.sock.Close()
		}
		c.Close()
	}
	for {
		select {
		case sess := <-s.sessions.acceptCh:
			sess.Close()
		default:
			return
		}
	}
}
