// Package gateway exposes the arena-bridge HTTP surface.
//
// # Overview
//
// The gateway package owns the agent channel, the request router, the model
// catalog, the transcript store and the request history, and serves them over
// two listeners: the main API listener and a small id capture listener.
//
// # HTTP API
//
// OpenAI-compatible endpoints (api key and rate limit apply):
//
//   - POST /v1/chat/completions - chat-style completion
//   - POST /v1/completions, POST /completions - completion-style
//   - GET /v1/models, GET /models - model list from the catalog
//
// Agent and health endpoints:
//
//   - GET /ws - the browser agent's WebSocket
//   - GET /health - liveness check
//   - GET /health/ready - 200 only while an agent is attached
//
// Operator endpoints: /status, /debug, /debug/history, /debug/reset,
// /debug/last_payload, /debug/last_response, /transcripts,
// /transcripts/{id}, and the /internal/ controls for reloading, id capture,
// and model list maintenance.
//
// # Streaming
//
// A streaming request receives one SSE event per decoded fragment:
//
//	data: {"id":"chatcmpl-...","object":"chat.completion.chunk",...}
//
//	data: [DONE]
//
// The stream stops at the first finish or error chunk and always ends with
// exactly one [DONE] line, unless the caller has already gone away.
//
// # Lifecycle
//
//	gw, err := gateway.New(holder, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Cancelling ctx shuts everything down; Run returns once servers stop.
package gateway
