// ABOUTME: Bounded per-request queue of agent frames with a reserved terminal slot.
// ABOUTME: A failure is never lost, even when the frame buffer is full.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// DefaultMailboxSize is the frame capacity of a mailbox when none is configured.
const DefaultMailboxSize = 256

// ErrMailboxFull indicates the consumer fell behind and frames could no longer be queued.
var ErrMailboxFull = errors.New("response buffer overflow")

// errMailboxClosed is returned by Receive after Close.
var errMailboxClosed = errors.New("mailbox closed")

// errMailboxFailed is returned by Deliver once a failure has been recorded.
var errMailboxFailed = errors.New("mailbox already failed")

// Frame is one message from the agent addressed to a pending request.
type Frame struct {
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

// Mailbox queues frames for a single pending request. It has one producer
// (the Channel's dispatch path) and one consumer (the request's Stream).
type Mailbox struct {
	id        string
	owner     *Connection
	createdAt time.Time

	frames chan Frame
	failed chan struct{}
	err    error
	closed chan struct{}

	failOnce  sync.Once
	closeOnce sync.Once
}

func newMailbox(id string, size int, owner *Connection) *Mailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Mailbox{
		id:        id,
		owner:     owner,
		createdAt: time.Now(),
		frames:    make(chan Frame, size),
		failed:    make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

// ID returns the request id the mailbox is registered under.
func (m *Mailbox) ID() string {
	return m.id
}

// Deliver queues a frame without blocking. When the buffer is full the
// mailbox is failed with ErrMailboxFull and that error is returned. Frames
// arriving after any failure are rejected so the stream cannot end cleanly
// with a gap in it.
func (m *Mailbox) Deliver(f Frame) error {
	select {
	case <-m.closed:
		return errMailboxClosed
	case <-m.failed:
		return errMailboxFailed
	default:
	}

	select {
	case m.frames <- f:
		return nil
	default:
		m.Fail(ErrMailboxFull)
		return ErrMailboxFull
	}
}

// Fail records a terminal error. Only the first failure is kept.
func (m *Mailbox) Fail(err error) {
	m.failOnce.Do(func() {
		m.err = err
		close(m.failed)
	})
}

// Receive returns the next frame, waiting up to timeout. Queued frames are
// returned before a recorded failure so nothing delivered ahead of it is lost.
func (m *Mailbox) Receive(ctx context.Context, timeout time.Duration) (Frame, error) {
	select {
	case f := <-m.frames:
		return f, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-m.frames:
		return f, nil
	case <-m.failed:
		// A frame queued just before the failure still goes first.
		select {
		case f := <-m.frames:
			return f, nil
		default:
			return Frame{}, m.err
		}
	case <-m.closed:
		return Frame{}, errMailboxClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-timer.C:
		return Frame{}, ErrTimeout
	}
}

// Close marks the mailbox as released. It is safe to call more than once.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
}
