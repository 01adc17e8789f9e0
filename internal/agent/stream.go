// ABOUTME: Lazy, single-consumer sequence of decoded events for one request.
// ABOUTME: Interprets raw frames, feeds the decoder, and releases the mailbox exactly once.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/arena-bridge/internal/decode"
)

// Stats summarizes the traffic seen by a Stream.
type Stats struct {
	FirstChunk time.Duration
	Chunks     int
	Bytes      int
	Duration   time.Duration
}

// MarshalJSON reports durations in milliseconds.
func (s Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		FirstChunkMS int64 `json:"first_chunk_ms"`
		Chunks       int   `json:"chunks"`
		Bytes        int   `json:"bytes"`
		DurationMS   int64 `json:"duration_ms"`
	}{s.FirstChunk.Milliseconds(), s.Chunks, s.Bytes, s.Duration.Milliseconds()})
}

// Stream yields the decoded events of one request. It is not safe for
// concurrent use; Close may be called from any goroutine.
type Stream struct {
	id      string
	mb      *Mailbox
	channel *Channel
	decoder *decode.Decoder
	timeout time.Duration
	logger  *slog.Logger
	router  *Router

	queue   []decode.Event
	ended   bool
	started time.Time

	mu    sync.Mutex
	stats Stats

	closeOnce sync.Once
}

func newStream(r *Router, mb *Mailbox, timeout time.Duration) *Stream {
	s := &Stream{
		id:      mb.ID(),
		mb:      mb,
		channel: r.channel,
		timeout: timeout,
		logger:  r.logger.With("request_id", mb.ID()),
		router:  r,
		started: time.Now(),
	}
	s.decoder = decode.New(
		decode.WithSides(r.sides),
		decode.WithMalformedHook(func(kind, segment string) {
			r.metrics.MalformedSegment(kind)
			s.logger.Debug("skipping malformed segment", "kind", kind, "size", len(segment))
		}),
	)
	return s
}

// ID returns the request id.
func (s *Stream) ID() string {
	return s.id
}

// Next returns the next event. It returns false once the stream has ended:
// after [DONE], after an error event, or when ctx is cancelled.
func (s *Stream) Next(ctx context.Context) (decode.Event, bool) {
	for {
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			if ev.Kind == decode.KindError {
				s.end()
			}
			return ev, true
		}
		if s.ended {
			return decode.Event{}, false
		}

		f, err := s.mb.Receive(ctx, s.timeout)
		if err != nil {
			return s.fail(ctx, err)
		}

		text, done, ferr := frameText(f.Data)
		s.record(len(text))
		switch {
		case ferr != nil:
			s.queue = append(s.queue, decode.Failure(ferr))
		case done:
			s.end()
		default:
			s.queue = append(s.queue, s.decoder.Feed(text)...)
		}
	}
}

func (s *Stream) fail(ctx context.Context, err error) (decode.Event, bool) {
	s.end()
	switch {
	case errors.Is(err, ErrTimeout):
		s.logger.Warn("agent response timed out", "timeout", s.timeout)
		return decode.Failure(fmt.Errorf("%w after %s", ErrTimeout, s.timeout)), true
	case ctx.Err() != nil, errors.Is(err, errMailboxClosed):
		return decode.Event{}, false
	default:
		return decode.Failure(err), true
	}
}

func (s *Stream) record(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.Chunks == 0 {
		s.stats.FirstChunk = time.Since(s.started)
		s.router.metrics.FirstChunk(s.stats.FirstChunk)
	}
	s.stats.Chunks++
	s.stats.Bytes += n
}

func (s *Stream) end() {
	s.ended = true
	s.Close()
}

// Close releases the request's mailbox. It runs once; later calls are no-ops.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.channel.Unregister(s.id)
		s.mu.Lock()
		s.stats.Duration = time.Since(s.started)
		chunks := s.stats.Chunks
		s.mu.Unlock()
		s.logger.Debug("request released", "chunks", chunks)
	})
}

// Stats returns a snapshot of the stream's traffic counters.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	if st.Duration == 0 {
		st.Duration = time.Since(s.started)
	}
	return st
}

// frameText interprets a frame's data: a string fragment, a list of
// fragments, the [DONE] sentinel, or an {"error": ...} object.
func frameText(data json.RawMessage) (text string, done bool, err error) {
	v := gjson.ParseBytes(data)
	switch {
	case v.Type == gjson.String:
		if strings.TrimSpace(v.Str) == decode.Sentinel {
			return "", true, nil
		}
		return v.Str, false, nil

	case v.IsArray():
		var b strings.Builder
		for _, item := range v.Array() {
			if item.Type == gjson.String {
				b.WriteString(item.Str)
			} else {
				b.WriteString(item.Raw)
			}
		}
		return b.String(), false, nil

	case v.IsObject():
		if msg := v.Get("error"); msg.Exists() {
			text := msg.String()
			if msg.Type == gjson.JSON {
				text = msg.Raw
			}
			return "", false, decode.Classify(text)
		}
		return v.Raw, false, nil

	default:
		return v.Raw, false, nil
	}
}
