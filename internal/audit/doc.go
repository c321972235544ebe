// Package audit persists a trail of daemon actions in SQLite.
//
// Entries record what happened (action and category), who triggered it, the
// outcome, and free-form details. Store owns the database; Trail wraps an
// operation so its outcome is recorded explicitly by the caller. Recorder is
// the narrow interface the daemon depends on, with Nop for disabled auditing.
package audit
