// Package events defines the unit of work the daemon dispatches.
//
// An Event carries a Kind (which handlers see it), a Priority (how soon a
// worker picks it up), an opaque payload owned by the producer, and the
// attempt bookkeeping the dispatcher uses for retries. Kind and Priority are
// fixed at construction; only the dispatcher advances Attempt.
//
// Kinds and priorities have stable lowercase names so configuration, the IPC
// surface, and structured logs all refer to them the same way.
package events
