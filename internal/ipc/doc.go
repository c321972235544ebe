// Package ipc exposes the daemon over JSON-RPC on a Unix socket and ships the
// matching client used by the claw CLI.
//
// The server owns the socket lifecycle. Request and response types live in
// types.go; reuse them when adding endpoints so the CLI and daemon stay in
// step.
package ipc
