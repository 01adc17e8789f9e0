// Package store provides persistent storage for the bridge using SQLite.
//
// # Architecture
//
// Two small interfaces cover everything the bridge persists:
//
//   - TranscriptStore: completed or failed exchanges that produced text
//   - SettingsStore: key/value settings such as captured session ids
//
// SQLiteStore implements both in a single struct backed by modernc.org/sqlite
// (pure Go, no cgo). The path ":memory:" opens a private in-memory database,
// which the tests use.
//
// # Data Models
//
//   - Transcript: model, prompt snippet, request messages, reply, finish reason
//   - TranscriptSummary: the listing view without request and reply bodies
//
// # Rendering
//
// RenderTranscript turns a transcript into Markdown and then into sanitized
// HTML (goldmark, then bluemonday's UGC policy) for the /transcripts pages.
//
// # Schema Management
//
// Tables are created on open with CREATE TABLE IF NOT EXISTS. Timestamps are
// stored as RFC3339 text in UTC.
package store
