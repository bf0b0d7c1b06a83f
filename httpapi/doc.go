// Package httpapi serves the REST interface used by the flow editor: synchronous,
// streamed and asynchronous execution, progress log polling, session
// cancellation and flow persistence.
package httpapi
