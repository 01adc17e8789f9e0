// ABOUTME: Store interfaces and data types for arena-bridge persistence
// ABOUTME: Defines Transcript and the settings keys used for captured session ids

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Settings keys persisted by the bridge.
const (
	SettingSessionID = "session.session_id"
	SettingMessageID = "session.message_id"
)

// Transcript is one bridged exchange kept for later review
type Transcript struct {
	ID           string
	Model        string
	Prompt       string          // short snippet of the last user message
	Request      json.RawMessage // caller messages as received
	Reply        string
	FinishReason string
	CreatedAt    time.Time
}

// TranscriptSummary is the listing view of a transcript
type TranscriptSummary struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Prompt       string    `json:"prompt"`
	FinishReason string    `json:"finish_reason"`
	ReplyLength  int       `json:"reply_length"`
	CreatedAt    time.Time `json:"created_at"`
}

// TranscriptStore persists bridged exchanges
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, t *Transcript) error
	GetTranscript(ctx context.Context, id string) (*Transcript, error)
	// ListTranscripts returns the newest transcripts first. A limit of 0
	// or less returns all of them.
	ListTranscripts(ctx context.Context, limit int) ([]*TranscriptSummary, error)
}

// SettingsStore persists small key/value settings
type SettingsStore interface {
	SetSetting(ctx context.Context, key, value string) error
	// GetSetting returns ErrNotFound when the key was never set.
	GetSetting(ctx context.Context, key string) (string, error)
}

// Store combines every persistence concern of the bridge
type Store interface {
	TranscriptStore
	SettingsStore
	Close() error
}
