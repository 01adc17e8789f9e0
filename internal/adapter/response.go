// ABOUTME: Renders decoded events as OpenAI chat-completion or text-completion responses.
// ABOUTME: Provides streaming chunk builders and the non-streaming aggregator.

package adapter

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/arena-bridge/internal/decode"
)

// ErrorPrefix marks bridge-generated error text inside response content.
const ErrorPrefix = "[Arena Bridge Error]: "

// FinishError is the finish_reason of a response that ended in an error.
const FinishError = "error"

// Shape is the caller-facing response format.
type Shape int

const (
	ShapeChat Shape = iota
	ShapeCompletion
)

func (s Shape) String() string {
	if s == ShapeCompletion {
		return "completion"
	}
	return "chat"
}

// ShapeForPath picks the response shape from the entry path.
func ShapeForPath(path string) Shape {
	switch {
	case strings.HasSuffix(path, "/chat/completions"):
		return ShapeChat
	case strings.HasSuffix(path, "/completions"):
		return ShapeCompletion
	default:
		return ShapeChat
	}
}

// Delta is the incremental message content of a chat chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is the single choice carried by a streaming chunk. Chat chunks
// set Delta, completion chunks set Text.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        *Delta  `json:"delta,omitempty"`
	Text         *string `json:"text,omitempty"`
	FinishReason *string `json:"finish_reason"`
}

// Chunk is one streamed event.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ResponseMessage is the assistant message of a non-streaming response.
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Choice is the single choice of a non-streaming response. Both message and
// text are filled so chat and completion clients can read either.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	Text         string          `json:"text"`
	FinishReason string          `json:"finish_reason"`
}

// Usage is a rough token estimate.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Document is a complete non-streaming response.
type Document struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// ErrorDetail is the OpenAI-style error object.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// ErrorBody wraps ErrorDetail for error responses.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// Responder builds the response objects for one request.
type Responder struct {
	ID      string
	Model   string
	Shape   Shape
	Created int64

	sentRole bool
}

// NewResponder creates a Responder with a fresh response id.
func NewResponder(shape Shape, model string) *Responder {
	if model == "" {
		model = "unknown"
	}
	return &Responder{
		ID:      "chatcmpl-" + uuid.New().String(),
		Model:   model,
		Shape:   shape,
		Created: time.Now().Unix(),
	}
}

func (r *Responder) object(stream bool) string {
	switch {
	case r.Shape == ShapeCompletion:
		return "text_completion"
	case stream:
		return "chat.completion.chunk"
	default:
		return "chat.completion"
	}
}

func (r *Responder) chunk(text string, reason *string) Chunk {
	choice := ChunkChoice{FinishReason: reason}
	if r.Shape == ShapeCompletion {
		choice.Text = &text
	} else {
		d := &Delta{Content: text}
		if !r.sentRole {
			d.Role = "assistant"
			r.sentRole = true
		}
		choice.Delta = d
	}
	return Chunk{
		ID:      r.ID,
		Object:  r.object(true),
		Created: r.Created,
		Model:   r.Model,
		Choices: []ChunkChoice{choice},
	}
}

// Content returns a delta chunk carrying text.
func (r *Responder) Content(text string) Chunk {
	return r.chunk(text, nil)
}

// Finish returns the terminal chunk carrying the completion reason.
func (r *Responder) Finish(reason string) Chunk {
	if reason == "" {
		reason = "stop"
	}
	return r.chunk("", &reason)
}

// Error returns a terminal chunk explaining err, with finish_reason "error".
func (r *Responder) Error(err error) Chunk {
	reason := FinishError
	return r.chunk(ErrorPrefix+Describe(err), &reason)
}

// Document returns the non-streaming response for aggregated text.
func (r *Responder) Document(text, reason string) Document {
	if reason == "" {
		reason = "stop"
	}
	tokens := len(text) / 4
	return Document{
		ID:      r.ID,
		Object:  r.object(false),
		Created: r.Created,
		Model:   r.Model,
		Choices: []Choice{{
			Message:      ResponseMessage{Role: "assistant", Content: text},
			Text:         text,
			FinishReason: reason,
		}},
		Usage: Usage{CompletionTokens: tokens, TotalTokens: tokens},
	}
}

// ErrorResponse returns the body for a failed non-streaming request.
func ErrorResponse(err error) ErrorBody {
	return ErrorBody{Error: ErrorDetail{Message: ErrorPrefix + Describe(err), Type: errorType(err)}}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, decode.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, decode.ErrChallenge):
		return "challenge"
	default:
		return "bridge_error"
	}
}

// Describe returns the user-facing explanation of err.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, decode.ErrChallenge):
		return "challenge detected: open the arena page, complete the verification, then retry"
	default:
		return err.Error()
	}
}

// Aggregator folds a request's events into one result.
type Aggregator struct {
	text   strings.Builder
	reason string
	err    error
}

// Add consumes one event and reports whether aggregation is finished. Only
// an error finishes early; the first Finish sets the reason.
func (a *Aggregator) Add(ev decode.Event) bool {
	switch ev.Kind {
	case decode.KindContent, decode.KindImage:
		a.text.WriteString(ev.Text)
	case decode.KindFinish:
		if a.reason == "" {
			a.reason = ev.Reason
		}
	case decode.KindError:
		a.err = ev.Err
		return true
	}
	return false
}

// Text returns the concatenated content.
func (a *Aggregator) Text() string {
	return a.text.String()
}

// Reason returns the completion reason, "stop" if none was seen.
func (a *Aggregator) Reason() string {
	if a.reason == "" {
		return "stop"
	}
	return a.reason
}

// Err returns the error that ended aggregation, if any.
func (a *Aggregator) Err() error {
	return a.err
}
