// Package logs reads the daemon log for the CLI and the IPC log tail.
//
// Tail returns the last N lines or the lines after a byte offset, and in
// follow mode blocks until the file grows or the wait elapses. Growth is
// detected with fsnotify; a coarse ticker covers filesystems that do not
// deliver write events.
package logs
