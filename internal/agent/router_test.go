// ABOUTME: Tests for request submission and the per-request event stream.
// ABOUTME: Covers decoding, termination, timeouts, disconnects, overflow and concurrency.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/arena-bridge/internal/decode"
)

func newTestRouter(t *testing.T, timeout time.Duration) (*Router, *Channel, *fakeTransport) {
	t.Helper()
	ch := newTestChannel()
	conn, tr := newTestConnection("conn-1")
	ch.Attach(conn)
	r := NewRouter(RouterParams{Channel: ch, Timeout: timeout, Logger: slog.Default()})
	return r, ch, tr
}

// drain collects events until the stream ends.
func drain(t *testing.T, s *Stream) []decode.Event {
	t.Helper()
	var events []decode.Event
	for {
		ev, ok := s.Next(context.Background())
		if !ok {
			return events
		}
		events = append(events, ev)
	}
}

func TestRouter_SubmitWithoutAgent(t *testing.T) {
	ch := newTestChannel()
	r := NewRouter(RouterParams{Channel: ch})

	s, err := r.Submit(context.Background(), SubmitRequest{Payload: "p"})

	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrNoAgent)
	assert.Equal(t, 0, ch.Pending())
}

func TestRouter_SubmitSendFailureUnregisters(t *testing.T) {
	r, ch, tr := newTestRouter(t, time.Second)
	tr.writeErr = fmt.Errorf("broken pipe")

	_, err := r.Submit(context.Background(), SubmitRequest{Payload: "p"})

	assert.Error(t, err)
	assert.Equal(t, 0, ch.Pending())
}

func TestRouter_StreamDecodesFrames(t *testing.T) {
	r, ch, tr := newTestRouter(t, time.Second)

	s, err := r.Submit(context.Background(), SubmitRequest{Payload: map[string]string{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, 1, ch.Pending())

	msgs := tr.messages()
	require.Len(t, msgs, 1)
	var env struct {
		RequestID string          `json:"request_id"`
		Payload   json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msgs[0], &env))
	assert.Equal(t, s.ID(), env.RequestID)
	assert.JSONEq(t, `{"k":"v"}`, string(env.Payload))

	ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, `a0:"Hel`)})
	ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, `lo"`)})
	ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, `ad:{"finishReason":"stop"}`)})
	ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, "[DONE]")})

	events := drain(t, s)

	assert.Equal(t, []decode.Event{
		decode.Content("Hello"),
		decode.Finish("stop"),
	}, events)
	assert.Equal(t, 0, ch.Pending())

	stats := s.Stats()
	assert.Equal(t, 4, stats.Chunks)
	assert.Positive(t, stats.Bytes)
}

func TestRouter_ListFrameJoined(t *testing.T) {
	r, ch, _ := newTestRouter(t, time.Second)
	s, err := r.Submit(context.Background(), SubmitRequest{Payload: "p"})
	require.NoError(t, err)

	ch.Dispatch(Frame{RequestID: s.ID(), Data: []byte(`["a0:\"x", "y\""]`)})
	ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, "[DONE]")})

	assert.Equal(t, []decode.Event{decode.Content("xy")}, drain(t, s))
}

func TestRouter_FrameErrorClassified(t *testing.T) {
	r, ch, _ := newTestRouter(t, time.Second)
	s, err := r.Submit(context.Background(), SubmitRequest{Payload: "p"})
	require.NoError(t, err)

	ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, `a0:"partial"`)})
	ch.Dispatch(Frame{RequestID: s.ID(), Data: []byte(`{"error":"Upload failed: 413 Request Entity Too Large"}`)})
	ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, `a0:"ignored"`)})

	events := drain(t, s)

	require.Len(t, events, 2)
	assert.Equal(t, decode.Content("partial"), events[0])
	assert.ErrorIs(t, events[1].Err, decode.ErrPayloadTooLarge)
	assert.Equal(t, 0, ch.Pending())
}

func TestRouter_DecoderErrorEndsStream(t *testing.T) {
	r, ch, _ := newTestRouter(t, time.Second)
	s, err := r.Submit(context.Background(), SubmitRequest{Payload: "p"})
	require.NoError(t, err)

	ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, `<html><title>Just a moment...</title>`)})

	events := drain(t, s)

	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, decode.ErrChallenge)
}

func TestRouter_Timeout(t *testing.T) {
	r, ch, _ := newTestRouter(t, time.Second)
	s, err := r.Submit(context.Background(), SubmitRequest{Payload: "p", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	events := drain(t, s)

	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, ErrTimeout)
	assert.Contains(t, events[0].Message(), "timed out after 20ms")
	assert.Equal(t, 0, ch.Pending())
}

func TestRouter_AgentDisconnect(t *testing.T) {
	r, ch, _ := newTestRouter(t, time.Second)

	streams := make([]*Stream, 3)
	for i := range streams {
		s, err := r.Submit(context.Background(), SubmitRequest{Payload: "p"})
		require.NoError(t, err)
		streams[i] = s
	}
	require.Equal(t, 3, ch.Pending())

	info, ok := ch.Info()
	require.True(t, ok)
	ch.mu.RLock()
	conn := ch.current
	ch.mu.RUnlock()
	assert.Equal(t, info.ID, conn.ID)

	ch.Detach(conn)

	for i, s := range streams {
		events := drain(t, s)
		require.Len(t, events, 1, "stream %d", i)
		assert.ErrorIs(t, events[0].Err, ErrAgentDisconnected, "stream %d", i)
	}
	assert.Equal(t, 0, ch.Pending())
}

func TestRouter_MailboxOverflow(t *testing.T) {
	ch := NewChannel(ChannelParams{MailboxSize: 2, Logger: slog.Default()})
	conn, _ := newTestConnection("conn-1")
	ch.Attach(conn)
	r := NewRouter(RouterParams{Channel: ch, Timeout: time.Second})

	s, err := r.Submit(context.Background(), SubmitRequest{Payload: "p"})
	require.NoError(t, err)

	ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, `a0:"1"`)})
	ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, `a0:"2"`)})
	ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, `a0:"3"`)})

	events := drain(t, s)

	require.Len(t, events, 3)
	assert.Equal(t, decode.Content("1"), events[0])
	assert.Equal(t, decode.Content("2"), events[1])
	assert.ErrorIs(t, events[2].Err, ErrMailboxFull)
}

func TestRouter_MailboxOverflowNotMaskedByLaterFinish(t *testing.T) {
	ch := NewChannel(ChannelParams{MailboxSize: 2, Logger: slog.Default()})
	conn, _ := newTestConnection("conn-1")
	ch.Attach(conn)
	r := NewRouter(RouterParams{Channel: ch, Timeout: time.Second})

	s, err := r.Submit(context.Background(), SubmitRequest{Payload: "p"})
	require.NoError(t, err)

	ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, `a0:"1"`)})
	ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, `a0:"2"`)})
	ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, `a0:"3"`)})

	// The consumer catches up before the agent finishes.
	for _, want := range []string{"1", "2"} {
		ev, ok := s.Next(context.Background())
		require.True(t, ok)
		assert.Equal(t, decode.Content(want), ev)
	}

	ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, `ad:{"finishReason":"stop"}`)})
	ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, "[DONE]")})

	events := drain(t, s)

	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, ErrMailboxFull)
}

func TestRouter_ContextCancelled(t *testing.T) {
	r, ch, _ := newTestRouter(t, time.Second)
	s, err := r.Submit(context.Background(), SubmitRequest{Payload: "p"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := s.Next(ctx)
	assert.False(t, ok)
	assert.Equal(t, 0, ch.Pending())
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	r, ch, _ := newTestRouter(t, time.Second)
	s, err := r.Submit(context.Background(), SubmitRequest{Payload: "p"})
	require.NoError(t, err)

	s.Close()
	s.Close()

	assert.Equal(t, 0, ch.Pending())
	_, ok := s.Next(context.Background())
	assert.False(t, ok)
}

func TestRouter_ConcurrentRequestsAreIsolated(t *testing.T) {
	r, ch, _ := newTestRouter(t, time.Second)
	const n = 50

	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Submit(context.Background(), SubmitRequest{Payload: i})
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			go func() {
				ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, fmt.Sprintf(`a0:"%d"`, i))})
				ch.Dispatch(Frame{RequestID: s.ID(), Data: str(t, "[DONE]")})
			}()
			for _, ev := range drain(t, s) {
				results[i] += ev.Text
			}
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		assert.Equal(t, fmt.Sprint(i), got)
	}
	assert.Equal(t, 0, ch.Pending())
}

func TestFrameText(t *testing.T) {
	tests := []struct {
		name string
		data string
		text string
		done bool
	}{
		{"string", `"a0:\"x\""`, `a0:"x"`, false},
		{"done", `"[DONE]"`, "", true},
		{"done padded", `" [DONE]\n"`, "", true},
		{"list", `["a","b"]`, "ab", false},
		{"object without error", `{"k":1}`, `{"k":1}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, done, err := frameText([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.text, text)
			assert.Equal(t, tt.done, done)
		})
	}

	_, _, err := frameText([]byte(`{"error":"boom"}`))
	assert.EqualError(t, err, "boom")
}
