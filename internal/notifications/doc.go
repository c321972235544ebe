// Package notifications publishes operator alerts to ntfy.
//
// The daemon raises an alert when an event exhausts its retries, when the
// host switches to battery power, and when memory pressure forces component
// reclamation. Without a configured topic NewService returns a no-op so
// callers never branch on whether alerts are enabled.
package notifications
