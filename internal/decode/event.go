// ABOUTME: Decoded event types and the error taxonomy for agent stream content.
// ABOUTME: Classifies agent-reported error strings into challenge, oversize and generic errors.

package decode

import (
	"errors"
	"fmt"
	"strings"
)

// ErrChallenge indicates the upstream returned a bot verification page instead of content.
var ErrChallenge = errors.New("challenge detected")

// ErrPayloadTooLarge indicates the upstream rejected an attachment as oversized.
var ErrPayloadTooLarge = errors.New("upload failed: attachment exceeds the server size limit")

// ErrMalformedFrame marks a tagged segment that could not be parsed. It is
// recoverable and never surfaces as an Error event.
var ErrMalformedFrame = errors.New("malformed segment")

// AgentError carries an error message reported by the agent verbatim.
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string {
	return e.Message
}

// Kind identifies the type of a decoded event.
type Kind int

const (
	KindContent Kind = iota
	KindImage
	KindFinish
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindImage:
		return "image"
	case KindFinish:
		return "finish"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single decoded unit of agent output.
type Event struct {
	Kind   Kind
	Text   string // content text, or the markdown image reference for KindImage
	Reason string // completion reason for KindFinish
	Err    error  // cause for KindError
}

// Content returns a content fragment event.
func Content(text string) Event {
	return Event{Kind: KindContent, Text: text}
}

// Image returns an image fragment event rendered as a markdown image reference.
func Image(url string) Event {
	return Event{Kind: KindImage, Text: fmt.Sprintf("![Image](%s)", url)}
}

// Finish returns a completion event.
func Finish(reason string) Event {
	return Event{Kind: KindFinish, Reason: reason}
}

// Failure returns a terminal error event.
func Failure(err error) Event {
	return Event{Kind: KindError, Err: err}
}

// Message returns the human-readable cause of an error event.
func (e Event) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e Event) String() string {
	switch e.Kind {
	case KindContent, KindImage:
		return fmt.Sprintf("%s(%q)", e.Kind, e.Text)
	case KindFinish:
		return fmt.Sprintf("finish(%q)", e.Reason)
	case KindError:
		return fmt.Sprintf("error(%q)", e.Message())
	default:
		return "unknown"
	}
}

// challengeMarkers are matched case-insensitively against raw agent output.
var challengeMarkers = []string{
	"<title>just a moment...</title>",
	"enable javascript and cookies to continue",
}

// maxMarkerLen is the longest challenge marker, used to bound rescans.
var maxMarkerLen = func() int {
	n := 0
	for _, m := range challengeMarkers {
		n = max(n, len(m))
	}
	return n
}()

// IsChallenge reports whether s contains a known bot verification marker.
func IsChallenge(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Classify maps an agent-reported error message onto the error taxonomy.
func Classify(message string) error {
	if message == "" {
		message = "unknown agent error"
	}
	lower := strings.ToLower(message)
	if strings.Contains(message, "413") || strings.Contains(lower, "too large") {
		return ErrPayloadTooLarge
	}
	if IsChallenge(message) {
		return ErrChallenge
	}
	return &AgentError{Message: message}
}
