// Package progress stores the append-only log of an asynchronous execution.
//
// Each session owns one file named <prefix><token>.txt. Lines are appended by
// the session and by user code through log_progress; clients poll with Read,
// passing back the offset of the previous chunk to receive only new lines.
package progress
