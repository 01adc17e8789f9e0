// ABOUTME: Caller-facing request types for the chat and completion endpoints.
// ABOUTME: Accepts string or multi-part message content and normalizes completion prompts.

package adapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrInvalidRequest indicates the request body could not be used.
var ErrInvalidRequest = errors.New("invalid request")

// Part is one element of multi-part message content.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references attachment data, usually as a data: URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Content is a message body given either as a plain string or as parts.
type Content struct {
	Text  string
	Parts []Part
}

// UnmarshalJSON accepts a string, a list of parts, or null. Other JSON types
// decode to empty content.
func (c *Content) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '"':
		return json.Unmarshal(b, &c.Text)
	case '[':
		return json.Unmarshal(b, &c.Parts)
	default:
		return nil
	}
}

// MarshalJSON writes the content back in the form it was received.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// Message is one turn of the caller's conversation.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// ChatRequest is the body of a chat or completion request.
type ChatRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages,omitempty"`
	Prompt   json.RawMessage `json:"prompt,omitempty"`
	Stream   bool            `json:"stream"`
}

// ParseRequest decodes a request body for the given entry shape. A
// completion-style body without messages becomes a single user message
// built from its prompt; a non-string prompt becomes a single space.
func ParseRequest(body []byte, shape Shape) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if shape == ShapeCompletion && len(req.Messages) == 0 {
		prompt := " "
		if p := gjson.ParseBytes(req.Prompt); p.Type == gjson.String {
			prompt = p.Str
		}
		req.Messages = []Message{{Role: "user", Content: Content{Text: prompt}}}
	}
	return &req, nil
}

// LastUserText returns a short snippet of the last user turn, for labels.
func (r *ChatRequest) LastUserText(limit int) string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		m := r.Messages[i]
		if m.Role != "user" {
			continue
		}
		text := m.Content.Text
		for _, p := range m.Content.Parts {
			if p.Type == "text" {
				text = p.Text
				break
			}
		}
		text = strings.TrimSpace(text)
		if runes := []rune(text); len(runes) > limit {
			text = string(runes[:limit])
		}
		return text
	}
	return ""
}
