// Package main is the entry point for the flowbox server.
//
// flowbox runs small user-supplied functions for a visual flow editor inside
// a restricted Starlark interpreter. It serves a REST API for the editor and,
// optionally, the same operations as Model Context Protocol tools over stdio
// or streamable HTTP. Flow graphs are persisted in the configured store (file,
// redis, sqlite or s3).
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
