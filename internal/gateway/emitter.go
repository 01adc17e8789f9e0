// ABOUTME: Writes a request's decoded events to the caller as SSE chunks or one JSON document.
// ABOUTME: Guarantees a single [DONE] terminator and treats client disconnects as a quiet end.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/arena-bridge/internal/adapter"
	"github.com/2389/arena-bridge/internal/agent"
	"github.com/2389/arena-bridge/internal/decode"
)

// doneLine terminates every SSE response.
const doneLine = "data: [DONE]\n\n"

type emitState int

const (
	stateIdle emitState = iota
	stateSent
	stateStreaming
	stateBuffering
	stateTerminal
)

func (s emitState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateSent:
		return "sent"
	case stateStreaming:
		return "streaming"
	case stateBuffering:
		return "buffering"
	case stateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// emitResult summarizes what the caller received.
type emitResult struct {
	Status     int
	Text       string // content delivered, including any error notice
	Reason     string
	Err        error
	ClientGone bool
	Body       any // the JSON document written, when not streaming
}

// emitter drives one response. It is used by a single handler goroutine.
type emitter struct {
	w         http.ResponseWriter
	responder *adapter.Responder
	logger    *slog.Logger

	state    emitState
	doneSent bool
	result   emitResult
	text     strings.Builder
}

func newEmitter(w http.ResponseWriter, responder *adapter.Responder, logger *slog.Logger) *emitter {
	return &emitter{
		w:         w,
		responder: responder,
		logger:    logger,
	}
}

// reject answers a request that never reached the agent.
func (e *emitter) reject(err error) emitResult {
	e.result.Err = err
	e.result.Reason = adapter.FinishError
	e.writeDocument(statusForError(err), adapter.ErrorResponse(err))
	return e.finish()
}

// run consumes stream and writes it in the requested form.
func (e *emitter) run(ctx context.Context, stream *agent.Stream, streaming bool) emitResult {
	e.state = stateSent
	if streaming {
		e.stream(ctx, stream)
	} else {
		e.buffer(ctx, stream)
	}
	return e.finish()
}

func (e *emitter) finish() emitResult {
	e.state = stateTerminal
	e.result.Text = e.text.String()
	return e.result
}

func (e *emitter) stream(ctx context.Context, stream *agent.Stream) {
	flusher, ok := e.w.(http.Flusher)
	if !ok {
		e.logger.Error("streaming not supported")
		e.reject(errors.New("streaming not supported"))
		return
	}
	e.state = stateStreaming

	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	e.w.WriteHeader(http.StatusOK)
	e.result.Status = http.StatusOK
	flusher.Flush()

	for {
		ev, ok := stream.Next(ctx)
		if !ok {
			break
		}

		var chunk adapter.Chunk
		last := false
		switch ev.Kind {
		case decode.KindContent, decode.KindImage:
			chunk = e.responder.Content(ev.Text)
			e.text.WriteString(ev.Text)
		case decode.KindFinish:
			e.result.Reason = ev.Reason
			chunk = e.responder.Finish(ev.Reason)
			last = true
		case decode.KindError:
			e.result.Err = ev.Err
			e.result.Reason = adapter.FinishError
			chunk = e.responder.Error(ev.Err)
			e.text.WriteString("\n" + adapter.ErrorPrefix + adapter.Describe(ev.Err))
			last = true
		}

		if err := e.writeEvent(flusher, chunk); err != nil {
			e.clientGone(err)
			return
		}
		if last {
			break
		}
	}

	if ctx.Err() != nil {
		e.clientGone(ctx.Err())
		return
	}

	if e.result.Reason == "" {
		e.result.Reason = "stop"
		if err := e.writeEvent(flusher, e.responder.Finish("stop")); err != nil {
			e.clientGone(err)
			return
		}
	}
	if err := e.writeDone(flusher); err != nil {
		e.clientGone(err)
	}
}

func (e *emitter) buffer(ctx context.Context, stream *agent.Stream) {
	e.state = stateBuffering

	var agg adapter.Aggregator
	for {
		ev, ok := stream.Next(ctx)
		if !ok || agg.Add(ev) {
			break
		}
	}
	e.text.WriteString(agg.Text())

	if err := agg.Err(); err != nil {
		e.result.Err = err
		e.result.Reason = adapter.FinishError
		e.text.WriteString("\n" + adapter.ErrorPrefix + adapter.Describe(err))
		e.writeDocument(statusForError(err), adapter.ErrorResponse(err))
		return
	}
	if ctx.Err() != nil {
		e.clientGone(ctx.Err())
		return
	}

	e.result.Reason = agg.Reason()
	e.writeDocument(http.StatusOK, e.responder.Document(agg.Text(), agg.Reason()))
}

func (e *emitter) writeEvent(flusher http.Flusher, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding chunk: %w", err)
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func (e *emitter) writeDone(flusher http.Flusher) error {
	if e.doneSent {
		return nil
	}
	e.doneSent = true
	if _, err := e.w.Write([]byte(doneLine)); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func (e *emitter) writeDocument(status int, v any) {
	e.result.Status = status
	e.result.Body = v
	e.w.Header().Set("Content-Type", "application/json")
	e.w.WriteHeader(status)
	if err := json.NewEncoder(e.w).Encode(v); err != nil {
		e.logger.Debug("writing response failed", "error", err)
	}
}

func (e *emitter) clientGone(err error) {
	e.result.ClientGone = true
	e.logger.Debug("client went away", "state", e.state, "error", err)
}

// statusForError maps a request failure onto its HTTP status.
func statusForError(err error) int {
	switch {
	case errors.Is(err, decode.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, agent.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, agent.ErrNoAgent):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
