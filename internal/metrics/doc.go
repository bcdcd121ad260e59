// Package metrics exposes Prometheus metrics for packet ingress, the
// streaming engine and the HTTP API.
package metrics
