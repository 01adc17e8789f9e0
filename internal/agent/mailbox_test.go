// ABOUTME: Tests for the bounded per-request mailbox.
// ABOUTME: Validates ordering, overflow, failure precedence, timeouts and idempotent close.

package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_DeliverAndReceiveInOrder(t *testing.T) {
	mb := newMailbox("req-1", 4, nil)

	require.NoError(t, mb.Deliver(Frame{RequestID: "req-1", Data: []byte(`"a"`)}))
	require.NoError(t, mb.Deliver(Frame{RequestID: "req-1", Data: []byte(`"b"`)}))

	f, err := mb.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, `"a"`, string(f.Data))

	f, err = mb.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, `"b"`, string(f.Data))
}

func TestMailbox_OverflowFails(t *testing.T) {
	mb := newMailbox("req-1", 1, nil)

	require.NoError(t, mb.Deliver(Frame{Data: []byte(`"a"`)}))
	assert.ErrorIs(t, mb.Deliver(Frame{Data: []byte(`"b"`)}), ErrMailboxFull)

	// The queued frame still comes out first.
	f, err := mb.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, `"a"`, string(f.Data))

	_, err = mb.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrMailboxFull)
}

func TestMailbox_RejectsFramesAfterFailure(t *testing.T) {
	mb := newMailbox("req-1", 1, nil)

	require.NoError(t, mb.Deliver(Frame{Data: []byte(`"a"`)}))
	assert.ErrorIs(t, mb.Deliver(Frame{Data: []byte(`"b"`)}), ErrMailboxFull)

	f, err := mb.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, `"a"`, string(f.Data))

	// Room is free again but the request has already failed.
	assert.ErrorIs(t, mb.Deliver(Frame{Data: []byte(`"c"`)}), errMailboxFailed)

	_, err = mb.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrMailboxFull)
	_, err = mb.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrMailboxFull)
}

func TestMailbox_QueuedFrameBeatsFailureWhileBlocked(t *testing.T) {
	for i := 0; i < 200; i++ {
		mb := newMailbox("req-1", 2, nil)

		got := make(chan Frame, 1)
		go func() {
			f, err := mb.Receive(context.Background(), time.Second)
			if err == nil {
				got <- f
			}
			close(got)
		}()

		require.NoError(t, mb.Deliver(Frame{Data: []byte(`"a"`)}))
		mb.Fail(ErrAgentDisconnected)

		f, ok := <-got
		require.True(t, ok, "iteration %d: failure returned ahead of a queued frame", i)
		assert.Equal(t, `"a"`, string(f.Data))

		_, err := mb.Receive(context.Background(), time.Second)
		assert.ErrorIs(t, err, ErrAgentDisconnected)
	}
}

func TestMailbox_FirstFailureWins(t *testing.T) {
	mb := newMailbox("req-1", 1, nil)

	mb.Fail(ErrAgentDisconnected)
	mb.Fail(ErrMailboxFull)

	_, err := mb.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrAgentDisconnected)
}

func TestMailbox_Timeout(t *testing.T) {
	mb := newMailbox("req-1", 1, nil)

	start := time.Now()
	_, err := mb.Receive(context.Background(), 20*time.Millisecond)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMailbox_ContextCancelled(t *testing.T) {
	mb := newMailbox("req-1", 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mb.Receive(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMailbox_CloseIsIdempotent(t *testing.T) {
	mb := newMailbox("req-1", 1, nil)

	mb.Close()
	mb.Close()

	_, err := mb.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, errMailboxClosed)
	assert.ErrorIs(t, mb.Deliver(Frame{}), errMailboxClosed)
}

func TestMailbox_DefaultSize(t *testing.T) {
	mb := newMailbox("req-1", 0, nil)
	assert.Equal(t, DefaultMailboxSize, cap(mb.frames))
}
