// Package auth guards the OpenAI-compatible endpoints of arena-bridge.
//
// # API Keys
//
// When auth.api_key is configured, callers must present it as a bearer token:
//
//	Authorization: Bearer <api_key>
//
// Missing or mismatched keys are rejected with 401 before any agent traffic
// happens. The key is read through a KeyFunc on every request, so a config
// reload rotates it without restarting the server.
//
// # Caller Context
//
// The middleware attaches a Caller to the request context for handlers and
// logs:
//
//	caller := auth.FromContext(r.Context())
//
// Internal and debug routes are not covered; they are meant to be reached
// from the local machine or the tailnet only.
package auth
