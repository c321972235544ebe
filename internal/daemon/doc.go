// Package daemon coordinates the long-running clawd process.
//
// It wires the dispatcher, the power state machine, and the component
// lifecycle manager into a single lifecycle with flock-based locking to
// prevent multiple instances. Pollers translate inbox probes and the memory
// tick into events, the netlink monitor turns power-supply changes into
// system events, and per-kind handlers mark the daemon busy, borrow the
// component they need, and hand the event to its engine.
//
// Keep orchestration logic here: the queueing, state, and memory policies
// live in their own packages while the daemon focuses on startup, shutdown,
// and high level coordination.
package daemon
