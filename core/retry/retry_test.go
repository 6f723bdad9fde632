// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	base := 20 * time.Millisecond
	require.Equal(base, Backoff(base, 1.2, 0))
	require.Equal(30*time.Millisecond, Backoff(base, 1.5, 1))
	require.Equal(base, Backoff(base, 0.5, 3))
	require.Equal(160*time.Millisecond, Backoff(base, 2, 3))
}

func TestDelay(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
	require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
	require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))

	for i := 0; i < 100; i++ {
		d := Delay(baseDelay, maxDelay, 0.2, 0)
		require.GreaterOrEqual(d, 80*time.Millisecond)
		require.LessOrEqual(d, 120*time.Millisecond)
	}
}

type mockNetError struct {
	msg     string
	timeout bool
}

func (e *mockNetError) Error() string   { return e.msg }
func (e *mockNetError) Timeout() bool   { return e.timeout }
func (e *mockNetError) Temporary() bool { return false }

func TestIsTransientError(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.False(IsTransientError(nil))
	require.True(IsTransientError(errors.New("dial tcp: connection refused")))
	require.True(IsTransientError(errors.New("read: Connection Reset by peer")))
	require.True(IsTransientError(fmt.Errorf("wrapped: %w", &mockNetError{msg: "x", timeout: true})))
	require.False(IsTransientError(&mockNetError{msg: "bad certificate"}))
	require.False(IsTransientError(errors.New("invalid argument")))
}

func TestDo(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, 2*time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(err)
	require.Equal(3, calls)

	calls = 0
	errFatal := errors.New("handshake failed")
	err = Do(context.Background(), 5, time.Millisecond, 2*time.Millisecond, func() error {
		calls++
		return errFatal
	})
	require.ErrorIs(err, errFatal)
	require.Equal(1, calls)

	calls = 0
	err = Do(context.Background(), 3, time.Millisecond, 2*time.Millisecond, func() error {
		calls++
		return errors.New("i/o timeout")
	})
	require.Error(err)
	require.Equal(3, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Do(ctx, 3, time.Second, time.Second, func() error {
		return errors.New("eof")
	})
	require.ErrorIs(err, context.Canceled)
}
