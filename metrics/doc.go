// Package metrics exposes Prometheus metrics for executions, sessions, the
// flow store and the REST API. Collectors register on an injected registry so
// tests and the server never share global state.
package metrics
