// Package signals turns marker files dropped into inbox directories into
// pending-work signals.
//
// Protocol adapters (call bridge, chat bridges) run outside the daemon and
// announce work by writing a file into their inbox. An Inbox watches the
// directory with fsnotify and its Probe consumes one marker per call, which is
// the shape the daemon pollers expect.
package signals
