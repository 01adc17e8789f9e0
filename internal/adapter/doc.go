// Package adapter translates between the OpenAI-compatible API shapes and
// the agent's conversation payload.
//
// Outbound, ToPayload flattens each message's mixed content, turns inline
// data URLs into named attachments, optionally merges system prompts, and
// assigns participant positions for direct or comparison (battle) mode.
//
// Inbound, a Responder renders decoded events as chat-completion or
// text-completion chunks for streaming, and an Aggregator folds them into
// a single document for non-streaming callers.
package adapter
