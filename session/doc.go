// Package session runs functions asynchronously and tracks their lifecycle.
//
// A session moves from running to exactly one of completed or cancelled; both
// transitions are compare-and-swap on an atomic status so a late completion
// can never overwrite a cancellation. Each session writes to its own progress
// log. Terminal sessions are evicted after the retention period by a
// background sweeper.
package session
