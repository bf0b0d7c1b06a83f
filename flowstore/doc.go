// Package flowstore persists the editor's flow graphs.
//
// A flow is a named pair of node and edge lists stored as opaque JSON. The
// file backend writes flows_data/<id>.json; redis, sqlite and s3 backends
// keep the same document shape. New picks the backend from configuration
// and Instrument adds logging and metrics around any Store.
package flowstore
