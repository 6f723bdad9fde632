// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport carries Sphinx packets between nodes over QUIC.
//
// Each connection has a single stream.  The dialing node first writes its
// packet key, then fixed size packets follow back to back.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hopr/core/retry"
	"github.com/katzenpost/hopr/core/worker"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultDialAttempts = 3
	incomingQueueLength = 64
)

// ErrClosed is returned when sending on a closed transport.
var ErrClosed = errors.New("transport: closed")

// Incoming is a packet received from a peer.
type Incoming struct {
	// PrevHop is the packet key of the peer that sent the packet.
	PrevHop []byte
	Packet  []byte
}

// Config is the transport configuration.
type Config struct {
	// ListenAddress is the UDP address to accept connections on.
	ListenAddress string

	// LocalKey is this node's packet key, sent to the peers it dials.
	LocalKey []byte

	// PacketLength is the fixed size of every packet.
	PacketLength int

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration

	// DialAttempts is the number of connection attempts per send.
	DialAttempts int
}

type outgoingConn struct {
	sync.Mutex

	conn   *quic.Conn
	stream *quic.Stream
}

// Transport sends and receives packets.
type Transport struct {
	worker.Worker
	sync.Mutex

	log *logging.Logger
	cfg Config

	listener *quic.Listener
	conns    map[string]*outgoingConn
	inCh     chan *Incoming
	closed   bool
}

// New creates a transport and starts listening.
func New(l *logging.Logger, cfg *Config) (*Transport, error) {
	if cfg.PacketLength <= 0 || len(cfg.LocalKey) == 0 {
		return nil, errors.New("transport: packet length and local key are required")
	}
	t := &Transport{
		log:   l,
		cfg:   *cfg,
		conns: make(map[string]*outgoingConn),
		inCh:  make(chan *Incoming, incomingQueueLength),
	}
	if t.cfg.DialTimeout <= 0 {
		t.cfg.DialTimeout = defaultDialTimeout
	}
	if t.cfg.DialAttempts <= 0 {
		t.cfg.DialAttempts = defaultDialAttempts
	}

	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	if t.listener, err = quic.ListenAddr(t.cfg.ListenAddress, tlsConf, t.quicConfig()); err != nil {
		return nil, fmt.Errorf("transport: failed to listen on %v: %w", t.cfg.ListenAddress, err)
	}
	t.log.Noticef("Listening on %v.", t.listener.Addr())

	t.Go(t.acceptWorker)
	return t, nil
}

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: t.cfg.DialTimeout,
		MaxIdleTimeout:       5 * time.Minute,
		KeepAlivePeriod:      30 * time.Second,
	}
}

// Addr returns the address the transport listens on.
func (t *Transport) Addr() net.Addr {
	return t.listener.Addr()
}

// Incoming returns the channel of received packets.
func (t *Transport) Incoming() <-chan *Incoming {
	return t.inCh
}

func (t *Transport) acceptWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-t.HaltCh()
		cancel()
	}()
	defer cancel()

	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			select {
			case <-t.HaltCh():
				t.log.Debugf("Accept loop terminating gracefully.")
			default:
				t.log.Errorf("Accept failed: %v", err)
			}
			return
		}
		t.log.Debugf("Accepted connection from %v.", conn.RemoteAddr())
		t.Go(func() { t.readWorker(ctx, conn) })
	}
}

func (t *Transport) readWorker(ctx context.Context, conn *quic.Conn) {
	// Closing the listener leaves accepted connections open.
	stop := context.AfterFunc(ctx, func() {
		conn.CloseWithError(0, "")
	})
	defer stop()
	defer conn.CloseWithError(0, "")

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		t.log.Debugf("No stream from %v: %v", conn.RemoteAddr(), err)
		return
	}
	prevHop := make([]byte, len(t.cfg.LocalKey))
	if _, err := io.ReadFull(stream, prevHop); err != nil {
		t.log.Debugf("No hello from %v: %v", conn.RemoteAddr(), err)
		return
	}

	for {
		pkt := make([]byte, t.cfg.PacketLength)
		if _, err := io.ReadFull(stream, pkt); err != nil {
			t.log.Debugf("Connection from %v closed: %v", conn.RemoteAddr(), err)
			return
		}
		select {
		case t.inCh <- &Incoming{PrevHop: prevHop, Packet: pkt}:
		case <-t.HaltCh():
			return
		}
	}
}

func (t *Transport) dial(ctx context.Context, addr string) (*outgoingConn, error) {
	var oc *outgoingConn
	err := retry.Do(ctx, t.cfg.DialAttempts, retry.DefaultBaseDelay, retry.DefaultMaxDelay, func() error {
		dctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()

		conn, err := quic.DialAddr(dctx, addr, clientTLSConfig(), t.quicConfig())
		if err != nil {
			t.log.Debugf("Dial %v failed: %v", addr, err)
			return err
		}
		stream, err := conn.OpenStreamSync(dctx)
		if err != nil {
			conn.CloseWithError(0, "")
			return err
		}
		if _, err := stream.Write(t.cfg.LocalKey); err != nil {
			conn.CloseWithError(0, "")
			return err
		}
		oc = &outgoingConn{conn: conn, stream: stream}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to connect to %v: %w", addr, err)
	}
	return oc, nil
}

func (t *Transport) getConn(ctx context.Context, addr string) (*outgoingConn, error) {
	t.Lock()
	if t.closed {
		t.Unlock()
		return nil, ErrClosed
	}
	oc, ok := t.conns[addr]
	t.Unlock()
	if ok {
		return oc, nil
	}

	oc, err := t.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	t.Lock()
	defer t.Unlock()
	if t.closed {
		oc.conn.CloseWithError(0, "")
		return nil, ErrClosed
	}
	if existing, ok := t.conns[addr]; ok {
		oc.conn.CloseWithError(0, "")
		return existing, nil
	}
	t.conns[addr] = oc
	return oc, nil
}

func (t *Transport) dropConn(addr string, oc *outgoingConn) {
	t.Lock()
	defer t.Unlock()
	if t.conns[addr] == oc {
		delete(t.conns, addr)
	}
	oc.conn.CloseWithError(0, "")
}

// Send writes pkt to the peer at addr, connecting if needed.  A broken
// connection is replaced once.
func (t *Transport) Send(ctx context.Context, addr string, pkt []byte) error {
	if len(pkt) != t.cfg.PacketLength {
		return fmt.Errorf("transport: packet must be %d bytes, got %d", t.cfg.PacketLength, len(pkt))
	}
	var err error
	for i := 0; i < 2; i++ {
		var oc *outgoingConn
		if oc, err = t.getConn(ctx, addr); err != nil {
			return err
		}
		oc.Lock()
		_, err = oc.stream.Write(pkt)
		oc.Unlock()
		if err == nil {
			return nil
		}
		t.log.Debugf("Write to %v failed: %v", addr, err)
		t.dropConn(addr, oc)
	}
	return err
}

// Close closes every connection and the listener, then waits for the
// workers to return.
func (t *Transport) Close() {
	t.Lock()
	t.closed = true
	conns := t.conns
	t.conns = make(map[string]*outgoingConn)
	t.Unlock()

	for _, oc := range conns {
		oc.stream.Close()
		oc.conn.CloseWithError(0, "")
	}
	t.listener.Close()
	t.Halt()
}
