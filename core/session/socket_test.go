// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lossyConn silently drops the n-th write.
type lossyConn struct {
	net.Conn

	sync.Mutex
	writes int
	drop   int
}

func (c *lossyConn) Write(p []byte) (int, error) {
	c.Lock()
	c.writes++
	drop := c.writes == c.drop
	c.Unlock()
	if drop {
		return len(p), nil
	}
	return c.Conn.Write(p)
}

// messageConn delivers every write as one message to its peer.  Closing
// one end is not visible to the other.
type messageConn struct {
	inCh    chan []byte
	outCh   chan []byte
	closeCh chan struct{}
	once    sync.Once
	pending []byte
}

func newMessageConnPair() (*messageConn, *messageConn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &messageConn{inCh: ba, outCh: ab, closeCh: make(chan struct{})}
	b := &messageConn{inCh: ab, outCh: ba, closeCh: make(chan struct{})}
	return a, b
}

func (c *messageConn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		select {
		case c.pending = <-c.inCh:
		case <-c.closeCh:
			return 0, io.EOF
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *messageConn) Write(p []byte) (int, error) {
	select {
	case <-c.closeCh:
		return 0, io.ErrClosedPipe
	case c.outCh <- append([]byte(nil), p...):
		return len(p), nil
	}
}

func (c *messageConn) Close() error {
	c.once.Do(func() { close(c.closeCh) })
	return nil
}

func newSocketPair(t *testing.T, stateful bool, wrap func(net.Conn) net.Conn) (*Socket, *Socket) {
	c := newTestCodec(t)
	a, b := net.Pipe()
	if wrap != nil {
		a = wrap(a)
	}

	newState := func(id string) SocketState {
		if !stateful {
			return nil
		}
		return NewAcknowledgementState(nil, id, DefaultAcknowledgementStateConfig())
	}

	sa, err := NewSocket(nil, "alice", a, c, newState("alice"), DefaultSocketConfig())
	require.NoError(t, err)
	sb, err := NewSocket(nil, "bob", b, c, newState("bob"), DefaultSocketConfig())
	require.NoError(t, err)
	return sa, sb
}

func TestSocketStateless(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	sa, sb := newSocketPair(t, false, nil)
	defer sb.Close()
	require.Equal("alice", sa.ID())
	require.Equal(1500, sa.FrameSize())

	data := randomBytes(t, 9001)
	go func() {
		_, err := sa.Write(data)
		assert.NoError(t, err)
		assert.NoError(t, sa.Flush())
		assert.NoError(t, sa.Close())
	}()

	got, err := io.ReadAll(sb)
	require.NoError(err)
	require.Equal(data, got)
}

func TestSocketStateful(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	sa, sb := newSocketPair(t, true, nil)
	defer sb.Close()

	data := randomBytes(t, 9001)
	go func() {
		_, err := sa.Write(data)
		assert.NoError(t, err)
		assert.NoError(t, sa.Flush())
		assert.NoError(t, sa.Close())
	}()

	got, err := io.ReadAll(sb)
	require.NoError(err)
	require.Equal(data, got)
}

func TestSocketRetransmitsLostSegment(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	sa, sb := newSocketPair(t, true, func(c net.Conn) net.Conn {
		return &lossyConn{Conn: c, drop: 2}
	})
	defer sa.Close()
	defer sb.Close()

	data := randomBytes(t, 3000)
	go func() {
		_, err := sa.Write(data)
		assert.NoError(t, err)
		assert.NoError(t, sa.Flush())
	}()

	got := make([]byte, len(data))
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(sb, got)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(err)
	case <-time.After(5 * time.Second):
		require.FailNow("timed out waiting for the retransmission")
	}
	require.Equal(data, got)
}

func TestSocketWriteAfterClose(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	sa, sb := newSocketPair(t, false, nil)
	go io.Copy(io.Discard, sb)

	require.NoError(sa.Close())
	_, err := sa.Write([]byte("late"))
	require.ErrorIs(err, ErrClosed)
	require.NoError(sa.Close())
	sb.Close()
}

func TestSocketCloseTerminatesPeer(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := newTestCodec(t)
	a, b := newMessageConnPair()
	sa, err := NewSocket(nil, "alice", a, c, nil, DefaultSocketConfig())
	require.NoError(err)
	sb, err := NewSocket(nil, "bob", b, c, nil, DefaultSocketConfig())
	require.NoError(err)
	defer sb.Close()

	_, err = sa.Write([]byte("hello"))
	require.NoError(err)
	require.NoError(sa.Flush())
	require.NoError(sa.Close())

	done := make(chan error, 1)
	var got []byte
	go func() {
		var err error
		got, err = io.ReadAll(sb)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(err)
	case <-time.After(5 * time.Second):
		require.FailNow("peer did not see the session terminate")
	}
	require.Equal([]byte("hello"), got)
}
