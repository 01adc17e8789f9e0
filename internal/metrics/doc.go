// Package metrics exposes the bridge's Prometheus collectors.
//
// A *Metrics owns its own registry so tests can create isolated instances.
// Every recording method is safe to call on a nil receiver, which lets
// packages accept an optional *Metrics without guarding each call site.
package metrics
