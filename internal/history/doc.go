// Package history keeps a bounded, time-limited record of recent bridge
// requests for the debug endpoints, along with the last payload sent to the
// agent and the last response returned to a caller.
package history
