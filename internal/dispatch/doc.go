// Package dispatch delivers events to registered handlers through a bounded
// priority queue drained by a pool of workers.
//
// Submit never blocks: a full queue rejects the event and counts it as
// dropped. Workers pop the most urgent event (equal priorities in submission
// order), run every handler for its kind under a per-handler timeout, and
// schedule failed events for resubmission on a timer with capped exponential
// backoff until the event's attempts are exhausted.
package dispatch
